// Package offline is the app's cache manager. A Worker sits between the
// app and the network as an http.RoundTripper: it precaches a versioned
// asset manifest, serves same-origin requests network first with a cache
// fallback, and handles push messages and notification clicks.
package offline

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	appLog "iplug/internal/log"
	"iplug/internal/model"
	"iplug/internal/notify"
)

var (
	ErrInstallFailed = errors.New("offline: install failed")
	ErrNotInstalled  = errors.New("offline: current version is not installed")
)

type State string

const (
	StateIdle       State = "idle"
	StateInstalling State = "installing"
	StateInstalled  State = "installed"
	StateActive     State = "active"
)

// Manifest is the precache list. Version names the cache generation;
// changing it is the only way to invalidate cached assets.
type Manifest struct {
	Version string
	Assets  []string
}

// Opener opens a URL in a new window or browser tab.
type Opener func(url string) error

type Options struct {
	// Origin is the scheme://host[:port] the app is served from.
	Origin   string
	Manifest Manifest
	DBPath   string

	// Transport reaches the network. Defaults to http.DefaultTransport.
	Transport http.RoundTripper
	Notifier  notify.Notifier
	// Toaster announces connectivity changes to the origin.
	Toaster notify.Toaster
	Opener  Opener
	// Icon is used as notification icon and badge for push messages.
	Icon string
	Now  func() time.Time
}

type Worker struct {
	origin    *url.URL
	manifest  Manifest
	transport http.RoundTripper
	notifier  notify.Notifier
	toast     notify.Toaster
	opener    Opener
	icon      string
	now       func() time.Time
	cache     *cacheDB

	mu      sync.Mutex
	state   State
	offline bool
}

func New(opts Options) (*Worker, error) {
	origin, err := url.Parse(strings.TrimRight(opts.Origin, "/"))
	if err != nil || origin.Scheme == "" || origin.Host == "" {
		return nil, fmt.Errorf("offline: invalid origin %q", opts.Origin)
	}
	if strings.TrimSpace(opts.Manifest.Version) == "" {
		return nil, errors.New("offline: manifest version is empty")
	}
	cache, err := openCache(opts.DBPath)
	if err != nil {
		return nil, err
	}
	w := &Worker{
		origin:    origin,
		manifest:  opts.Manifest,
		transport: opts.Transport,
		notifier:  opts.Notifier,
		toast:     opts.Toaster,
		opener:    opts.Opener,
		icon:      opts.Icon,
		now:       opts.Now,
		cache:     cache,
		state:     StateIdle,
	}
	if w.transport == nil {
		w.transport = http.DefaultTransport
	}
	if w.now == nil {
		w.now = time.Now
	}
	if w.toast == nil {
		w.toast = notify.Discard{}
	}
	return w, nil
}

func (w *Worker) Close() error { return w.cache.Close() }

func (w *Worker) State() State {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

func (w *Worker) Version() string { return w.manifest.Version }

func (w *Worker) setState(s State) {
	w.mu.Lock()
	w.state = s
	w.mu.Unlock()
}

// Install fetches every manifest asset and stores them as the manifest's
// generation. It is all or nothing: a single failed asset leaves the cache
// untouched.
func (w *Worker) Install(ctx context.Context) error {
	prev := w.State()
	w.setState(StateInstalling)
	appLog.Info("offline install start", "version", w.manifest.Version, "assets", len(w.manifest.Assets))

	entries := make([]entry, 0, len(w.manifest.Assets))
	for _, asset := range w.manifest.Assets {
		u, err := w.resolve(asset)
		if err != nil {
			w.setState(prev)
			return fmt.Errorf("%w: %s: %v", ErrInstallFailed, asset, err)
		}
		e, err := w.fetchAsset(ctx, u)
		if err != nil {
			w.setState(prev)
			appLog.Error("offline install aborted", err, "version", w.manifest.Version, "asset", u)
			return fmt.Errorf("%w: %w", ErrInstallFailed, err)
		}
		entries = append(entries, e)
	}

	if err := w.cache.replaceGeneration(ctx, w.manifest.Version, entries, w.now()); err != nil {
		w.setState(prev)
		return fmt.Errorf("%w: %w", ErrInstallFailed, err)
	}
	w.setState(StateInstalled)
	appLog.Info("offline install done", "version", w.manifest.Version, "cached", len(entries))
	return nil
}

func (w *Worker) fetchAsset(ctx context.Context, u string) (entry, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return entry{}, err
	}
	resp, err := w.transport.RoundTrip(req)
	if err != nil {
		return entry{}, fmt.Errorf("fetch %s: %w", u, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return entry{}, fmt.Errorf("fetch %s: status %d", u, resp.StatusCode)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return entry{}, fmt.Errorf("read %s: %w", u, err)
	}
	return entry{URL: u, Status: resp.StatusCode, Header: resp.Header.Clone(), Body: body, StoredAt: w.now().UTC()}, nil
}

// Activate removes every cache generation other than the manifest's. The
// manifest's generation must have been installed, now or in an earlier run.
func (w *Worker) Activate(ctx context.Context) error {
	ok, err := w.cache.complete(ctx, w.manifest.Version)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotInstalled, w.manifest.Version)
	}
	gens, err := w.cache.generations(ctx)
	if err != nil {
		return err
	}
	for _, g := range gens {
		if g == w.manifest.Version {
			continue
		}
		if err := w.cache.deleteGeneration(ctx, g); err != nil {
			return fmt.Errorf("offline: delete generation %s: %w", g, err)
		}
		appLog.Info("offline cache generation deleted", "generation", g)
	}
	w.setState(StateActive)
	appLog.Info("offline worker active", "version", w.manifest.Version)
	return nil
}

// Generations lists the cache generations, newest first.
func (w *Worker) Generations(ctx context.Context) ([]string, error) {
	return w.cache.generations(ctx)
}

// Client returns an HTTP client whose requests go through the worker.
func (w *Worker) Client() *http.Client {
	return &http.Client{Transport: w}
}

// RoundTrip implements http.RoundTripper.
func (w *Worker) RoundTrip(req *http.Request) (*http.Response, error) {
	if !w.sameOrigin(req.URL) {
		return w.transport.RoundTrip(req)
	}

	resp, err := w.transport.RoundTrip(req)
	w.setOnline(err == nil)
	if err == nil {
		if req.Method == http.MethodGet && resp.StatusCode == http.StatusOK {
			return w.store(req, resp)
		}
		return resp, nil
	}
	if req.Method != http.MethodGet {
		return nil, err
	}

	appLog.Warn("network unavailable; serving from cache", "url", cacheKey(req.URL), "err", err)
	ctx := req.Context()
	if e, ok := w.lookup(ctx, cacheKey(req.URL)); ok {
		return e.response(req), nil
	}
	if e, ok := w.lookup(ctx, w.origin.String()+"/"); ok {
		return e.response(req), nil
	}
	return offlineResponse(req), nil
}

// Online reports whether the last same-origin request reached the network.
func (w *Worker) Online() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return !w.offline
}

// setOnline records reachability of the origin and toasts on a change.
func (w *Worker) setOnline(online bool) {
	w.mu.Lock()
	changed := w.offline == online
	w.offline = !online
	w.mu.Unlock()
	if !changed {
		return
	}
	if online {
		appLog.Info("origin reachable again")
		w.toast.Toast(notify.ToastSuccess, "You're back online!")
		return
	}
	w.toast.Toast(notify.ToastWarning, "You're offline. Using cached content.")
}

// store writes a copy of resp to the cache and hands back a response with a
// fresh body. A cache write failure never fails the request.
func (w *Worker) store(req *http.Request, resp *http.Response) (*http.Response, error) {
	body, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	if err != nil {
		return nil, err
	}
	resp.Body = io.NopCloser(bytes.NewReader(body))

	e := entry{
		URL:      cacheKey(req.URL),
		Status:   resp.StatusCode,
		Header:   resp.Header.Clone(),
		Body:     body,
		StoredAt: w.now().UTC(),
	}
	if err := w.cache.put(context.WithoutCancel(req.Context()), w.manifest.Version, e); err != nil {
		appLog.Error("offline cache write failed", err, "url", e.URL)
	}
	return resp, nil
}

func (w *Worker) lookup(ctx context.Context, key string) (entry, bool) {
	e, ok, err := w.cache.match(ctx, key, w.manifest.Version)
	if err != nil {
		appLog.Error("offline cache read failed", err, "url", key)
		return entry{}, false
	}
	return e, ok
}

func (e entry) response(req *http.Request) *http.Response {
	h := e.Header.Clone()
	if h == nil {
		h = make(http.Header)
	}
	return &http.Response{
		Status:        fmt.Sprintf("%d %s", e.Status, http.StatusText(e.Status)),
		StatusCode:    e.Status,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        h,
		Body:          io.NopCloser(bytes.NewReader(e.Body)),
		ContentLength: int64(len(e.Body)),
		Request:       req,
	}
}

func offlineResponse(req *http.Request) *http.Response {
	body := []byte("offline")
	h := make(http.Header)
	h.Set("Content-Type", "text/plain; charset=utf-8")
	return &http.Response{
		Status:        "503 Service Unavailable",
		StatusCode:    http.StatusServiceUnavailable,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        h,
		Body:          io.NopCloser(bytes.NewReader(body)),
		ContentLength: int64(len(body)),
		Request:       req,
	}
}

func (w *Worker) sameOrigin(u *url.URL) bool {
	return strings.EqualFold(u.Scheme, w.origin.Scheme) && strings.EqualFold(u.Host, w.origin.Host)
}

// resolve turns a manifest or notification URL into an absolute one.
func (w *Worker) resolve(ref string) (string, error) {
	r, err := url.Parse(ref)
	if err != nil {
		return "", err
	}
	return w.origin.ResolveReference(r).String(), nil
}

func cacheKey(u *url.URL) string {
	c := *u
	c.Fragment = ""
	c.RawFragment = ""
	return c.String()
}

// HandlePush shows the notification carried by a push message. An empty
// message is ignored.
func (w *Worker) HandlePush(ctx context.Context, data []byte) error {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	var p model.PushPayload
	if err := json.Unmarshal(data, &p); err != nil {
		return fmt.Errorf("offline: decode push payload: %w", err)
	}
	n := p.Notification(w.icon)
	if w.notifier == nil {
		return errors.New("offline: no notifier configured")
	}
	if err := w.notifier.Show(ctx, n); err != nil {
		return fmt.Errorf("offline: show push notification: %w", err)
	}
	appLog.Info("push notification shown", "title", n.Title, "url", n.URL)
	return nil
}

// HandleNotificationClick reacts to a click on a shown notification. The
// view action and a click on the body open the notification's URL; dismiss
// only closes it.
func (w *Worker) HandleNotificationClick(_ context.Context, action model.NotificationAction, n model.Notification) error {
	if action == model.ActionDismiss {
		return nil
	}
	target := n.URL
	if target == "" {
		target = model.DefaultPushURL
	}
	abs, err := w.resolve(target)
	if err != nil {
		return fmt.Errorf("offline: notification url: %w", err)
	}
	if w.opener == nil {
		return errors.New("offline: no opener configured")
	}
	if err := w.opener(abs); err != nil {
		return fmt.Errorf("offline: open %s: %w", abs, err)
	}
	appLog.Info("notification click opened window", "action", action, "url", abs)
	return nil
}
