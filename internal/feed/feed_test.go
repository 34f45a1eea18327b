package feed

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/robfig/cron/v3"

	"iplug/internal/model"
)

const groupedFeed = `[
  {"venueName":"Blue Room","location":"Malabo","events":[
    {"id":1,"title":"Jazz Night","date":"2024-06-12","venueName":"ignored","category":"music","ticket":"https://t.test/1"},
    {"id":2,"title":"Open Mic","date":"2024-06-11","category":"comedy"}
  ]},
  {"venueName":"Harbour","location":"Bata","events":[
    {"id":"h-1","title":"Boat Party","date":"2024-06-10T21:00:00Z","category":"music"},
    {"id":"h-0","title":"Old Party","date":"2024-06-01","category":"music"}
  ]}
]`

func TestParseGroupedFeed(t *testing.T) {
	events, err := Parse([]byte(groupedFeed))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if len(events) != 4 {
		t.Fatalf("got %d events, want 4", len(events))
	}
	jazz := events[0]
	if jazz.ID != "1" || jazz.VenueName != "Blue Room" || jazz.Location != "Malabo" {
		t.Fatalf("group fields should be copied onto events: %+v", jazz)
	}
	if string(jazz.Extra["ticket"]) != `"https://t.test/1"` {
		t.Fatalf("unknown fields should survive: %v", jazz.Extra)
	}
}

func TestParseFlatFeed(t *testing.T) {
	events, err := Parse([]byte(`[{"id":7,"title":"Solo","date":"2024-06-20","venue":"Hall"}]`))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if len(events) != 1 || events[0].Venue != "Hall" || events[0].VenueLabel() != "Hall" {
		t.Fatalf("unexpected events %+v", events)
	}
}

func TestParseRejectsMalformed(t *testing.T) {
	for _, body := range []string{"", "{}", "[1,2]", "not json"} {
		if _, err := Parse([]byte(body)); !errors.Is(err, ErrMalformedFeed) {
			t.Errorf("Parse(%q) = %v, want ErrMalformedFeed", body, err)
		}
	}
}

func TestUpcomingComparesCalendarDate(t *testing.T) {
	events := []model.Event{
		{ID: "past", Date: "2024-06-09"},
		{ID: "today", Date: "2024-06-10"},
		{ID: "tonight", Date: "2024-06-10T21:00:00Z"},
		{ID: "future", Date: "2024-07-01"},
	}
	today := time.Date(2024, 6, 10, 23, 0, 0, 0, time.UTC)
	got := Upcoming(events, today)
	if len(got) != 3 || got[0].ID != "today" {
		t.Fatalf("Upcoming = %+v", got)
	}
}

func TestFilterCategory(t *testing.T) {
	events, _ := Parse([]byte(groupedFeed))
	if got := FilterCategory(events, "music"); len(got) != 3 {
		t.Fatalf("music = %d, want 3", len(got))
	}
	for _, c := range []string{"", "all"} {
		if got := FilterCategory(events, c); len(got) != len(events) {
			t.Fatalf("category %q should keep everything", c)
		}
	}
	if got := FilterCategory(events, "theatre"); len(got) != 0 {
		t.Fatalf("unknown category should be empty")
	}
}

func TestGroupOrdersEventsAndVenues(t *testing.T) {
	events, _ := Parse([]byte(groupedFeed))
	groups := Group(events, time.UTC)
	if len(groups) != 2 {
		t.Fatalf("got %d groups", len(groups))
	}
	if groups[0].VenueName != "Harbour" {
		t.Fatalf("venue with the earliest event should come first, got %q", groups[0].VenueName)
	}
	blue := groups[1]
	if blue.Events[0].ID != "2" || blue.Events[1].ID != "1" {
		t.Fatalf("events inside a venue should be sorted by date: %+v", blue.Events)
	}
	if blue.Location != "Malabo" {
		t.Fatalf("location = %q", blue.Location)
	}
	if got := Group(nil, time.UTC); got == nil || len(got) != 0 {
		t.Fatalf("no events should give an empty, non-nil slice")
	}
}

func TestExpandWeeklyRule(t *testing.T) {
	events := []model.Event{
		{ID: "1", Title: "Salsa", Date: "2024-06-07T20:00:00Z", RRule: "RRULE:FREQ=WEEKLY;COUNT=10"},
		{ID: "2", Title: "Single", Date: "2024-06-15"},
	}
	res, err := Expand(events, ExpandConfig{
		RangeStart: time.Date(2024, 6, 10, 0, 0, 0, 0, time.UTC),
		RangeEnd:   time.Date(2024, 7, 10, 0, 0, 0, 0, time.UTC),
	})
	if err != nil {
		t.Fatalf("Expand: %v", err)
	}
	if len(res.Events) != 5 {
		t.Fatalf("got %d events, want 4 occurrences + 1 single", len(res.Events))
	}
	first := res.Events[0]
	if first.ID != "1-20240614" || first.Date != "2024-06-14T20:00:00Z" || first.RRule != "" {
		t.Fatalf("unexpected first occurrence %+v", first)
	}
	if res.Events[4].ID != "2" {
		t.Fatalf("non-recurring events pass through unchanged")
	}
}

func TestExpandDateOnlyRuleAndCap(t *testing.T) {
	events := []model.Event{{ID: "d", Date: "2024-06-10", RRule: "FREQ=DAILY"}}
	res, err := Expand(events, ExpandConfig{
		RangeStart:             time.Date(2024, 6, 10, 0, 0, 0, 0, time.UTC),
		RangeEnd:               time.Date(2024, 7, 10, 0, 0, 0, 0, time.UTC),
		MaxOccurrencesPerEvent: 3,
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Events) != 3 || len(res.Truncated) != 1 {
		t.Fatalf("expected 3 capped occurrences, got %d (truncated %v)", len(res.Events), res.Truncated)
	}
	if res.Events[1].Date != "2024-06-11" || res.Events[1].ID != "d-20240611" {
		t.Fatalf("unexpected occurrence %+v", res.Events[1])
	}
}

func TestExpandDropsInvalidRules(t *testing.T) {
	events := []model.Event{
		{ID: "bad", Date: "2024-06-10", RRule: "FREQ=SOMETIMES"},
		{ID: "nodate", Date: "whenever", RRule: "FREQ=DAILY"},
	}
	res, err := Expand(events, ExpandConfig{RangeEnd: time.Now()})
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Events) != 0 || len(res.Invalid) != 2 {
		t.Fatalf("invalid rules should be dropped: %+v", res)
	}
	if _, err := Expand(nil, ExpandConfig{RangeStart: time.Now(), RangeEnd: time.Now().Add(-time.Hour)}); err == nil {
		t.Fatalf("inverted range should fail")
	}
}

type staticSource struct {
	body []byte
	err  error
	hits int
}

func (s *staticSource) Fetch(context.Context) (FetchResult, error) {
	s.hits++
	if s.err != nil {
		return FetchResult{}, s.err
	}
	return FetchResult{Body: s.body}, nil
}

func TestServiceRefreshAndLookup(t *testing.T) {
	src := &staticSource{body: []byte(groupedFeed)}
	now := time.Date(2024, 6, 10, 12, 0, 0, 0, time.UTC)
	svc := NewService(ServiceOptions{Source: src, Location: time.UTC, Now: func() time.Time { return now }})

	if err := svc.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if got := len(svc.Events("")); got != 3 {
		t.Fatalf("snapshot should exclude past events, got %d", got)
	}
	if _, ok := svc.Lookup("h-0"); ok {
		t.Fatalf("past event should not be in the snapshot")
	}
	ev, ok := svc.Lookup("1")
	if !ok || ev.Title != "Jazz Night" {
		t.Fatalf("Lookup(1) = %+v, %v", ev, ok)
	}
	if groups := svc.Groups("comedy"); len(groups) != 1 || groups[0].VenueName != "Blue Room" {
		t.Fatalf("Groups(comedy) = %+v", groups)
	}
	if !svc.LastRefresh().Equal(now) || svc.LastError() != nil {
		t.Fatalf("refresh bookkeeping wrong")
	}
}

func TestServiceKeepsSnapshotOnError(t *testing.T) {
	src := &staticSource{body: []byte(groupedFeed)}
	now := time.Date(2024, 6, 10, 12, 0, 0, 0, time.UTC)
	svc := NewService(ServiceOptions{Source: src, Now: func() time.Time { return now }})
	svc.Refresh(context.Background())

	src.err = errors.New("connection refused")
	if err := svc.Refresh(context.Background()); err == nil {
		t.Fatalf("expected refresh error")
	}
	if len(svc.Events("")) != 3 {
		t.Fatalf("previous snapshot should survive a failed refresh")
	}
	if svc.LastError() == nil {
		t.Fatalf("LastError should report the failure")
	}

	src.err = nil
	src.body = []byte("garbage")
	if err := svc.Refresh(context.Background()); !errors.Is(err, ErrMalformedFeed) {
		t.Fatalf("expected ErrMalformedFeed, got %v", err)
	}
}

func TestServiceSchedule(t *testing.T) {
	svc := NewService(ServiceOptions{Source: &staticSource{body: []byte("[]")}})
	c := cron.New()
	if _, err := svc.Schedule(context.Background(), c, "*/15 * * * *"); err != nil {
		t.Fatalf("Schedule: %v", err)
	}
	if len(c.Entries()) != 1 {
		t.Fatalf("expected one cron entry")
	}
	if _, err := svc.Schedule(context.Background(), c, "every now and then"); err == nil {
		t.Fatalf("bad cron expression should fail")
	}
}
