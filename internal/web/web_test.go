package web

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"iplug/internal/config"
	"iplug/internal/feed"
	"iplug/internal/kv"
	"iplug/internal/model"
	"iplug/internal/notify"
	"iplug/internal/offline"
	"iplug/internal/share"
	"iplug/internal/store"
)

var testNow = time.Date(2024, 6, 10, 12, 0, 0, 0, time.UTC)

const testFeed = `[
  {"venueName":"Blue Room","location":"Malabo","events":[
    {"id":1,"title":"Jazz Night","date":"2024-06-20","category":"music"},
    {"id":2,"title":"Open Mic","date":"2024-06-15","category":"comedy"}
  ]},
  {"id":"h-1","title":"Boat Party","date":"2024-06-12T21:00:00Z","venue":"Harbour","category":"music"}
]`

type staticSource struct{ body string }

func (s staticSource) Fetch(context.Context) (feed.FetchResult, error) {
	return feed.FetchResult{Body: []byte(s.body)}, nil
}

type recordingNotifier struct{ shown []model.Notification }

func (r *recordingNotifier) Show(_ context.Context, n model.Notification) error {
	r.shown = append(r.shown, n)
	return nil
}

type testServer struct {
	srv    *Server
	store  *store.Store
	shown  *recordingNotifier
	toasts []string
	copied []string
}

func newTestServer(t *testing.T, mutate func(*config.Config)) *testServer {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Site.Origin = "https://iplug.test"
	if mutate != nil {
		mutate(cfg)
	}

	now := func() time.Time { return testNow }
	ctx := context.Background()

	svc := feed.NewService(feed.ServiceOptions{Source: staticSource{testFeed}, Location: time.UTC, Now: now})
	if err := svc.Refresh(ctx); err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	st := store.New(ctx, store.Options{Backend: kv.NewMemory(), Location: time.UTC, Now: now})

	ts := &testServer{store: st, shown: &recordingNotifier{}}
	worker, err := offline.New(offline.Options{
		Origin:   cfg.Origin(),
		Manifest: offline.Manifest{Version: "test-v1", Assets: []string{"/"}},
		DBPath:   filepath.Join(t.TempDir(), "cache.db"),
		Notifier: ts.shown,
		Opener:   func(string) error { return nil },
		Now:      now,
	})
	if err != nil {
		t.Fatalf("offline.New: %v", err)
	}
	t.Cleanup(func() { worker.Close() })

	sharer := share.New(share.Options{
		PublicURL: cfg.PublicURL(),
		Copy:      func(s string) error { ts.copied = append(ts.copied, s); return nil },
		Open:      func(string) error { return nil },
		Toaster:   notify.Discard{},
	})
	perm := notify.NewPermissionState(notify.PermissionDefault, ts)
	ts.srv = NewServer(cfg, Deps{Store: st, Feed: svc, Worker: worker, Sharer: sharer, Permission: perm, Location: time.UTC, Now: now})
	return ts
}

func (ts *testServer) Toast(_ notify.ToastKind, msg string) { ts.toasts = append(ts.toasts, msg) }

func (ts *testServer) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	ts.srv.Handler().ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder, v any) {
	t.Helper()
	if err := json.Unmarshal(rec.Body.Bytes(), v); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
}

func TestHealthBypassesBasicAuth(t *testing.T) {
	ts := newTestServer(t, func(c *config.Config) {
		c.BasicAuth = &config.BasicAuthConfig{Username: "admin", Password: "secret"}
	})

	if rec := ts.do(t, http.MethodGet, "/health", ""); rec.Code != http.StatusOK || rec.Body.String() != "OK" {
		t.Fatalf("health = %d %q", rec.Code, rec.Body.String())
	}
	rec := ts.do(t, http.MethodGet, "/api/counts", "")
	if rec.Code != http.StatusUnauthorized || rec.Header().Get("WWW-Authenticate") == "" {
		t.Fatalf("unauthenticated request = %d", rec.Code)
	}

	req := httptest.NewRequest(http.MethodGet, "/api/counts", nil)
	req.SetBasicAuth("admin", "secret")
	ok := httptest.NewRecorder()
	ts.srv.Handler().ServeHTTP(ok, req)
	if ok.Code != http.StatusOK {
		t.Fatalf("authenticated request = %d", ok.Code)
	}
}

func TestEventsGroupedByVenue(t *testing.T) {
	ts := newTestServer(t, nil)

	var resp eventsResponse
	rec := ts.do(t, http.MethodGet, "/api/events", "")
	decode(t, rec, &resp)
	if resp.Category != feed.CategoryAll || resp.Error != "" || resp.LastRefresh == nil {
		t.Fatalf("unexpected response %+v", resp)
	}
	if len(resp.Groups) != 2 || resp.Groups[0].VenueName != "Harbour" {
		t.Fatalf("groups should be ordered by earliest event, got %+v", resp.Groups)
	}
	if ev := resp.Groups[1].Events; len(ev) != 2 || ev[0].Title != "Open Mic" {
		t.Fatalf("events inside a group should be ordered by date, got %+v", ev)
	}

	decode(t, ts.do(t, http.MethodGet, "/api/events?category=comedy", ""), &resp)
	if len(resp.Groups) != 1 || len(resp.Groups[0].Events) != 1 {
		t.Fatalf("category filter: %+v", resp.Groups)
	}
}

func TestToggleSavedAndCounts(t *testing.T) {
	ts := newTestServer(t, nil)

	var toggled struct {
		Saved  bool         `json:"saved"`
		Counts model.Counts `json:"counts"`
	}
	rec := ts.do(t, http.MethodPost, "/api/saved/1", "")
	decode(t, rec, &toggled)
	if !toggled.Saved || toggled.Counts.Saved != 1 {
		t.Fatalf("first toggle = %+v", toggled)
	}

	var saved []model.SavedEvent
	decode(t, ts.do(t, http.MethodGet, "/api/saved", ""), &saved)
	if len(saved) != 1 || saved[0].Title != "Jazz Night" {
		t.Fatalf("saved = %+v", saved)
	}

	decode(t, ts.do(t, http.MethodPost, "/api/saved/1", ""), &toggled)
	if toggled.Saved || toggled.Counts.Saved != 0 {
		t.Fatalf("second toggle = %+v", toggled)
	}

	if rec := ts.do(t, http.MethodPost, "/api/saved/missing", ""); rec.Code != http.StatusNotFound {
		t.Fatalf("unknown event = %d", rec.Code)
	}
	if rec := ts.do(t, http.MethodDelete, "/api/saved/1", ""); rec.Code != http.StatusNoContent {
		t.Fatalf("delete = %d", rec.Code)
	}
}

func TestReminderRoutes(t *testing.T) {
	ts := newTestServer(t, nil)

	if rec := ts.do(t, http.MethodPut, "/api/reminders/1", `{"type":"2weeks"}`); rec.Code != http.StatusBadRequest {
		t.Fatalf("unknown type = %d", rec.Code)
	}
	if rec := ts.do(t, http.MethodPut, "/api/reminders/nope", `{"type":"1day"}`); rec.Code != http.StatusNotFound {
		t.Fatalf("unknown event = %d", rec.Code)
	}
	if rec := ts.do(t, http.MethodPut, "/api/reminders/1", `{"type":`); rec.Code != http.StatusBadRequest {
		t.Fatalf("bad body = %d", rec.Code)
	}

	rec := ts.do(t, http.MethodPut, "/api/reminders/1", `{"type":"1day"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("set reminder = %d %s", rec.Code, rec.Body.String())
	}
	var set struct {
		Reminder model.Reminder `json:"reminder"`
		Label    string         `json:"label"`
	}
	decode(t, rec, &set)
	want := time.Date(2024, 6, 19, 0, 0, 0, 0, time.UTC)
	if !set.Reminder.NotificationTime.Equal(want) || set.Label == "" {
		t.Fatalf("reminder = %+v", set)
	}

	var list []model.Reminder
	decode(t, ts.do(t, http.MethodGet, "/api/reminders", ""), &list)
	if len(list) != 1 || list[0].EventID != "1" {
		t.Fatalf("reminders = %+v", list)
	}

	if rec := ts.do(t, http.MethodDelete, "/api/reminders/1", ""); rec.Code != http.StatusNoContent {
		t.Fatalf("delete = %d", rec.Code)
	}
	if got := ts.store.Counts(); got.Reminders != 0 {
		t.Fatalf("counts after delete = %+v", got)
	}
}

func TestSavedICSExport(t *testing.T) {
	ts := newTestServer(t, nil)
	ts.do(t, http.MethodPost, "/api/saved/2", "")

	rec := ts.do(t, http.MethodGet, "/api/saved.ics", "")
	if ct := rec.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/calendar") {
		t.Fatalf("content type = %q", ct)
	}
	if !strings.Contains(rec.Header().Get("Content-Disposition"), "attachment") {
		t.Fatalf("missing attachment disposition")
	}
	if body := rec.Body.String(); !strings.Contains(body, "BEGIN:VCALENDAR") || !strings.Contains(body, "Open Mic") {
		t.Fatalf("unexpected calendar:\n%s", body)
	}
}

func TestShareRoute(t *testing.T) {
	ts := newTestServer(t, nil)

	var res share.Result
	decode(t, ts.do(t, http.MethodGet, "/api/share/1?platform=tiktok", ""), &res)
	if !res.Copied || res.Link != "https://iplug.test/?event=1" {
		t.Fatalf("share = %+v", res)
	}
	if len(ts.copied) != 1 || ts.copied[0] != res.Link {
		t.Fatalf("copied = %v", ts.copied)
	}

	decode(t, ts.do(t, http.MethodGet, "/api/share/1?platform=whatsapp", ""), &res)
	if res.Copied || !strings.HasPrefix(res.ShareURL, "https://wa.me/") {
		t.Fatalf("whatsapp share = %+v", res)
	}
}

func TestPushIsRateLimited(t *testing.T) {
	ts := newTestServer(t, func(c *config.Config) { c.PushRatePerMinute = 1 })

	if rec := ts.do(t, http.MethodPost, "/api/push", `{"title":"Tonight","body":"Jazz"}`); rec.Code != http.StatusAccepted {
		t.Fatalf("push = %d %s", rec.Code, rec.Body.String())
	}
	if rec := ts.do(t, http.MethodPost, "/api/push", `{}`); rec.Code != http.StatusTooManyRequests {
		t.Fatalf("second push = %d", rec.Code)
	}
	if len(ts.shown.shown) != 1 || ts.shown.shown[0].Title != "Tonight" {
		t.Fatalf("shown = %+v", ts.shown.shown)
	}
}

func TestNotificationClick(t *testing.T) {
	ts := newTestServer(t, nil)
	if rec := ts.do(t, http.MethodPost, "/api/notifications/click", `{"action":"view","notification":{"title":"x","url":"/"}}`); rec.Code != http.StatusNoContent {
		t.Fatalf("click = %d %s", rec.Code, rec.Body.String())
	}
	if rec := ts.do(t, http.MethodPost, "/api/notifications/click", `{"action":"snooze"}`); rec.Code != http.StatusBadRequest {
		t.Fatalf("unknown action = %d", rec.Code)
	}
}

func TestNotificationPermission(t *testing.T) {
	ts := newTestServer(t, nil)

	var state map[string]string
	decode(t, ts.do(t, http.MethodGet, "/api/notifications/permission", ""), &state)
	if state["permission"] != "default" {
		t.Fatalf("initial permission = %q", state["permission"])
	}
	if rec := ts.do(t, http.MethodPost, "/api/notifications/permission", `{"permission":"maybe"}`); rec.Code != http.StatusBadRequest {
		t.Fatalf("non-answer = %d", rec.Code)
	}

	decode(t, ts.do(t, http.MethodPost, "/api/notifications/permission", `{"permission":"granted"}`), &state)
	if state["permission"] != "granted" {
		t.Fatalf("after grant = %q", state["permission"])
	}
	if len(ts.toasts) != 1 || ts.toasts[0] != "Notifications enabled!" {
		t.Fatalf("toasts = %v", ts.toasts)
	}
	decode(t, ts.do(t, http.MethodPost, "/api/notifications/permission", `{"permission":"denied"}`), &state)
	if state["permission"] != "granted" {
		t.Fatalf("answered prompt changed to %q", state["permission"])
	}
}

func TestInstallBanner(t *testing.T) {
	ts := newTestServer(t, nil)

	var state map[string]bool
	decode(t, ts.do(t, http.MethodGet, "/api/install", ""), &state)
	if state["dismissed"] {
		t.Fatalf("banner starts dismissed")
	}
	if rec := ts.do(t, http.MethodPost, "/api/install", ""); rec.Code != http.StatusNoContent {
		t.Fatalf("dismiss = %d", rec.Code)
	}
	decode(t, ts.do(t, http.MethodGet, "/api/install", ""), &state)
	if !state["dismissed"] {
		t.Fatalf("dismissal not remembered")
	}
}

func TestSubmissions(t *testing.T) {
	ts := newTestServer(t, nil)

	ok := `{"name":"Poetry","date":"2024-07-01","venue":"Library","email":"a@b.test"}`
	if rec := ts.do(t, http.MethodPost, "/api/submissions", ok); rec.Code != http.StatusCreated {
		t.Fatalf("submit = %d %s", rec.Code, rec.Body.String())
	}
	if rec := ts.do(t, http.MethodPost, "/api/submissions", `{"name":"Poetry"}`); rec.Code != http.StatusBadRequest {
		t.Fatalf("incomplete submission = %d", rec.Code)
	}
}

func TestFeedFileAndStatic(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.json")
	if err := os.WriteFile(path, []byte(testFeed), 0o600); err != nil {
		t.Fatal(err)
	}
	ts := newTestServer(t, func(c *config.Config) { c.Site.EventsFile = path })

	rec := ts.do(t, http.MethodGet, "/events.json", "")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "Jazz Night") {
		t.Fatalf("events.json = %d", rec.Code)
	}
	if rec := ts.do(t, http.MethodGet, "/", ""); rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "<html") {
		t.Fatalf("index = %d", rec.Code)
	}
	if rec := ts.do(t, http.MethodGet, "/manifest.json", ""); rec.Code != http.StatusOK {
		t.Fatalf("manifest = %d", rec.Code)
	}
	if rec := ts.do(t, http.MethodGet, "/api/nothing", ""); rec.Code != http.StatusNotFound {
		t.Fatalf("unknown api route = %d", rec.Code)
	}

	empty := newTestServer(t, nil)
	if rec := empty.do(t, http.MethodGet, "/events.json", ""); rec.Code != http.StatusNotFound {
		t.Fatalf("events.json without a file = %d", rec.Code)
	}
}
