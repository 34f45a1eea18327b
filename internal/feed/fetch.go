// Package feed loads the event feed, expands recurring entries and keeps
// the latest snapshot for the rest of the app.
package feed

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	appLog "iplug/internal/log"
)

// FetchResult is one feed download.
type FetchResult struct {
	Body        []byte
	NotModified bool // true when a 304 reused the previous body
}

// Fetcher downloads the feed with conditional requests. It remembers the
// validators and body of the last good response.
type Fetcher struct {
	client   *http.Client
	url      string
	user     string
	password string

	mu           sync.Mutex
	etag         string
	lastModified string
	body         []byte
}

type FetcherOptions struct {
	URL string
	// Client is typically the offline worker's client, so a feed
	// download while offline can still be served from cache.
	Client *http.Client
	// Basic credentials for feeds served behind the app's own auth.
	Username string
	Password string
}

func NewFetcher(opts FetcherOptions) *Fetcher {
	client := opts.Client
	if client == nil {
		client = &http.Client{Timeout: 15 * time.Second}
	}
	return &Fetcher{client: client, url: opts.URL, user: opts.Username, password: opts.Password}
}

func (f *Fetcher) URL() string { return f.url }

// Fetch downloads the feed. A non-200 status other than 304 is an error.
func (f *Fetcher) Fetch(ctx context.Context) (FetchResult, error) {
	if f.url == "" {
		return FetchResult{}, errors.New("feed: url is empty")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.url, nil)
	if err != nil {
		return FetchResult{}, err
	}
	req.Header.Set("Accept", "application/json")
	if f.user != "" {
		req.SetBasicAuth(f.user, f.password)
	}

	f.mu.Lock()
	etag, lastModified, cached := f.etag, f.lastModified, f.body
	f.mu.Unlock()
	if len(cached) > 0 {
		if etag != "" {
			req.Header.Set("If-None-Match", etag)
		}
		if lastModified != "" {
			req.Header.Set("If-Modified-Since", lastModified)
		}
	}

	appLog.Debug("feed fetch start", "url", redactURL(f.url))

	resp, err := f.client.Do(req)
	if err != nil {
		return FetchResult{}, fmt.Errorf("feed: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return FetchResult{}, fmt.Errorf("feed: read body: %w", err)
		}
		f.mu.Lock()
		f.etag = resp.Header.Get("ETag")
		f.lastModified = resp.Header.Get("Last-Modified")
		f.body = body
		f.mu.Unlock()
		appLog.Debug("feed fetch success", "url", redactURL(f.url), "bytes", len(body))
		return FetchResult{Body: body}, nil

	case http.StatusNotModified:
		if len(cached) == 0 {
			return FetchResult{}, errors.New("feed: 304 Not Modified but no previous body")
		}
		appLog.Debug("feed not modified; reusing previous body", "url", redactURL(f.url))
		return FetchResult{Body: cached, NotModified: true}, nil

	default:
		return FetchResult{}, fmt.Errorf("feed: unexpected status %s", resp.Status)
	}
}

// redactURL keeps scheme and host only.
func redactURL(u string) string {
	i := strings.Index(u, "://")
	if i == -1 {
		return "feed://...(redacted)"
	}
	rest := u[i+3:]
	if j := strings.IndexByte(rest, '/'); j != -1 {
		rest = rest[:j]
	}
	return u[:i+3] + rest + "/...(redacted)"
}
