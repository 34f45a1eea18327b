package feed

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
)

func TestFetchUsesConditionalHeaders(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		if r.Header.Get("If-None-Match") == `"v1"` {
			w.WriteHeader(http.StatusNotModified)
			return
		}
		w.Header().Set("ETag", `"v1"`)
		w.Header().Set("Last-Modified", "Mon, 10 Jun 2024 12:00:00 GMT")
		w.Write([]byte(`[]`))
	}))
	defer srv.Close()

	f := NewFetcher(FetcherOptions{URL: srv.URL + "/events.json"})
	ctx := context.Background()

	first, err := f.Fetch(ctx)
	if err != nil || first.NotModified || string(first.Body) != "[]" {
		t.Fatalf("first fetch = %+v, %v", first, err)
	}
	second, err := f.Fetch(ctx)
	if err != nil {
		t.Fatalf("second fetch: %v", err)
	}
	if !second.NotModified || string(second.Body) != "[]" {
		t.Fatalf("304 should reuse the previous body, got %+v", second)
	}
	if calls.Load() != 2 {
		t.Fatalf("calls = %d", calls.Load())
	}
}

func TestFetchErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/stale" {
			w.WriteHeader(http.StatusNotModified)
			return
		}
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()
	ctx := context.Background()

	if _, err := NewFetcher(FetcherOptions{URL: srv.URL}).Fetch(ctx); err == nil {
		t.Fatalf("500 should be an error")
	}
	if _, err := NewFetcher(FetcherOptions{URL: srv.URL + "/stale"}).Fetch(ctx); err == nil {
		t.Fatalf("304 without a previous body should be an error")
	}
	if _, err := NewFetcher(FetcherOptions{}).Fetch(ctx); err == nil {
		t.Fatalf("empty url should be an error")
	}
}

func TestFetchBasicAuth(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		u, p, ok := r.BasicAuth()
		if !ok || u != "admin" || p != "secret" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.Write([]byte(`[]`))
	}))
	defer srv.Close()

	f := NewFetcher(FetcherOptions{URL: srv.URL, Username: "admin", Password: "secret"})
	if _, err := f.Fetch(context.Background()); err != nil {
		t.Fatalf("Fetch with credentials: %v", err)
	}
}

func TestRedactURL(t *testing.T) {
	cases := map[string]string{
		"https://example.com/feeds/private.json?token=abc": "https://example.com/...(redacted)",
		"http://127.0.0.1:8080":                            "http://127.0.0.1:8080/...(redacted)",
		"events.json":                                      "feed://...(redacted)",
	}
	for in, want := range cases {
		if got := redactURL(in); got != want {
			t.Errorf("redactURL(%q) = %q, want %q", in, got, want)
		}
	}
}
