package web

import (
	"context"
	"crypto/subtle"
	"embed"
	"encoding/json"
	"errors"
	"io"
	"io/fs"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"golang.org/x/time/rate"

	"iplug/internal/config"
	"iplug/internal/feed"
	"iplug/internal/ics"
	appLog "iplug/internal/log"
	"iplug/internal/model"
	"iplug/internal/notify"
	"iplug/internal/offline"
	"iplug/internal/share"
	"iplug/internal/store"
)

// Deps are the collaborators the HTTP surface drives.
type Deps struct {
	Store  *store.Store
	Feed   *feed.Service
	Worker *offline.Worker
	Sharer *share.Sharer
	// Permission is the notification permission the user answers here.
	Permission *notify.PermissionState
	// Location reads event date-times without an offset.
	Location *time.Location
	Now      func() time.Time
}

// Server exposes the app shell, the event feed and the JSON API.
type Server struct {
	cfg    *config.Config
	deps   Deps
	router chi.Router

	pushLimiter *rate.Limiter
}

// embeddedStatic is the app shell: index.html, style.css, manifest.json.
//
//go:embed all:static
var embeddedStatic embed.FS

func NewServer(cfg *config.Config, deps Deps) *Server {
	if deps.Location == nil {
		deps.Location = time.UTC
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	perMinute := cfg.PushRatePerMinute
	if perMinute <= 0 {
		perMinute = 30
	}
	s := &Server{
		cfg:         cfg,
		deps:        deps,
		router:      chi.NewRouter(),
		pushLimiter: rate.NewLimiter(rate.Every(time.Minute/time.Duration(perMinute)), perMinute),
	}
	s.registerRoutes()
	return s
}

// Handler returns the root handler, wrapped in basic auth when configured.
func (s *Server) Handler() http.Handler {
	h := http.Handler(s.router)
	if s.basicAuthEnabled() {
		appLog.Info("HTTP basic auth enabled", "listen", "http://"+s.cfg.Listen)
		return s.basicAuthMiddleware(h)
	}
	return h
}

// basicAuthEnabled reports whether HTTP Basic Auth is configured.
func (s *Server) basicAuthEnabled() bool {
	if s.cfg == nil || s.cfg.BasicAuth == nil {
		return false
	}
	return s.cfg.BasicAuth.Username != "" && s.cfg.BasicAuth.Password != ""
}

// basicAuthMiddleware wraps all handlers except /health with HTTP Basic Auth.
func (s *Server) basicAuthMiddleware(next http.Handler) http.Handler {
	username := s.cfg.BasicAuth.Username
	password := s.cfg.BasicAuth.Password

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" {
			next.ServeHTTP(w, r)
			return
		}
		u, p, ok := r.BasicAuth()
		if !ok || !secureCompare(u, username) || !secureCompare(p, password) {
			w.Header().Set("WWW-Authenticate", `Basic realm="iPlug GQ", charset="UTF-8"`)
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// secureCompare compares two strings in constant time.
func secureCompare(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

func (s *Server) registerRoutes() {
	r := s.router
	r.Use(chimiddleware.Recoverer)
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(requestLogger)

	r.Get("/health", s.handleHealth)
	r.Get("/events.json", s.handleFeedFile)

	r.Route("/api", func(r chi.Router) {
		r.Get("/events", s.handleEvents)
		r.Post("/refresh", s.handleRefresh)

		r.Get("/saved", s.handleSavedList)
		r.Get("/saved.ics", s.handleSavedICS)
		r.Post("/saved/{id}", s.handleToggleSaved)
		r.Delete("/saved/{id}", s.handleUnsave)

		r.Get("/reminders", s.handleReminderList)
		r.Put("/reminders/{id}", s.handleSetReminder)
		r.Delete("/reminders/{id}", s.handleRemoveReminder)

		r.Get("/counts", s.handleCounts)
		r.Get("/share/{id}", s.handleShare)

		r.Post("/push", s.handlePush)
		r.Post("/notifications/click", s.handleNotificationClick)
		r.Get("/notifications/permission", s.handlePermissionState)
		r.Post("/notifications/permission", s.handlePermissionRequest)

		r.Get("/install", s.handleInstallState)
		r.Post("/install", s.handleInstallDismiss)

		r.Post("/submissions", s.handleSubmit)

		r.NotFound(func(w http.ResponseWriter, _ *http.Request) {
			writeError(w, http.StatusNotFound, "not found")
		})
	})

	r.Handle("/*", s.staticFileServer())
}

// StartServer serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) StartServer(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.Listen,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		appLog.Info("starting HTTP server", "listen", "http://"+s.cfg.Listen)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	appLog.Info("HTTP server stopped")
	return nil
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := chimiddleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		appLog.Debug("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration", time.Since(start).String(),
			"request_id", chimiddleware.GetReqID(r.Context()),
		)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// handleFeedFile serves the configured events file. http.ServeFile answers
// conditional requests, so the feed fetcher gets its 304s.
func (s *Server) handleFeedFile(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Site.EventsFile == "" {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	http.ServeFile(w, r, s.cfg.Site.EventsFile)
}

// staticFileServer serves the embedded shell from internal/web/static.
func (s *Server) staticFileServer() http.Handler {
	sub, err := fs.Sub(embeddedStatic, "static")
	if err != nil {
		appLog.Error("failed to initialize embedded static filesystem", err)
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "static UI not available", http.StatusServiceUnavailable)
		})
	}
	return http.FileServer(http.FS(sub))
}

type eventsResponse struct {
	Groups      []model.VenueGroup `json:"groups"`
	Category    string             `json:"category"`
	LastRefresh *time.Time         `json:"lastRefresh,omitempty"`
	Error       string             `json:"error,omitempty"`
}

// handleEvents returns the snapshot grouped by venue.
//
// GET /api/events?category=music
//   - category: empty or "all" returns every event
//
// A failed last refresh is reported inline; the previous snapshot is
// still returned.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	category := r.URL.Query().Get("category")
	if category == "" {
		category = feed.CategoryAll
	}
	resp := eventsResponse{Groups: s.deps.Feed.Groups(category), Category: category}
	if t := s.deps.Feed.LastRefresh(); !t.IsZero() {
		resp.LastRefresh = &t
	}
	if err := s.deps.Feed.LastError(); err != nil {
		resp.Error = "Unable to load events. Please check back soon or submit your event!"
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Feed.Refresh(r.Context()); err != nil {
		writeError(w, http.StatusBadGateway, "feed refresh failed: "+err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"events":      len(s.deps.Feed.Events("")),
		"lastRefresh": s.deps.Feed.LastRefresh(),
	})
}

func (s *Server) handleSavedList(w http.ResponseWriter, _ *http.Request) {
	saved := s.deps.Store.SavedEvents()
	if saved == nil {
		saved = []model.SavedEvent{}
	}
	writeJSON(w, http.StatusOK, saved)
}

func (s *Server) handleSavedICS(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/calendar; charset=utf-8")
	w.Header().Set("Content-Disposition", `attachment; filename="iplug-saved.ics"`)
	err := ics.Export(w, s.deps.Store.SavedEvents(), s.deps.Store.Reminders(), ics.ExportOptions{
		Name:      "iPlug GQ",
		PublicURL: s.cfg.PublicURL(),
		Location:  s.deps.Location,
		Now:       s.deps.Now,
	})
	if err != nil {
		appLog.Error("saved events export failed", err)
	}
}

// lookupEvent finds id in the feed snapshot, then among saved copies so
// events that dropped out of the feed can still be managed.
func (s *Server) lookupEvent(id model.EventID) (model.Event, bool) {
	if ev, ok := s.deps.Feed.Lookup(id); ok {
		return ev, true
	}
	for _, sv := range s.deps.Store.SavedEvents() {
		if sv.ID == id {
			return sv.Event, true
		}
	}
	return model.Event{}, false
}

func (s *Server) handleToggleSaved(w http.ResponseWriter, r *http.Request) {
	id := model.EventID(chi.URLParam(r, "id"))
	ev, ok := s.lookupEvent(id)
	if !ok {
		writeError(w, http.StatusNotFound, "event not found")
		return
	}
	saved := s.deps.Store.ToggleSaved(r.Context(), ev)
	writeJSON(w, http.StatusOK, map[string]any{
		"saved":  saved,
		"counts": s.deps.Store.Counts(),
	})
}

func (s *Server) handleUnsave(w http.ResponseWriter, r *http.Request) {
	s.deps.Store.Unsave(r.Context(), model.EventID(chi.URLParam(r, "id")))
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleReminderList(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.deps.Store.Reminders())
}

type setReminderRequest struct {
	Type string `json:"type"`
}

func (s *Server) handleSetReminder(w http.ResponseWriter, r *http.Request) {
	var req setReminderRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	typ, err := model.ParseReminderType(req.Type)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	id := model.EventID(chi.URLParam(r, "id"))
	ev, ok := s.lookupEvent(id)
	if !ok {
		writeError(w, http.StatusNotFound, "event not found")
		return
	}
	if err := s.deps.Store.SetReminder(r.Context(), ev, typ); err != nil {
		if errors.Is(err, model.ErrInvalidDate) {
			writeError(w, http.StatusUnprocessableEntity, err.Error())
			return
		}
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	rem, _ := s.deps.Store.Reminder(id)
	writeJSON(w, http.StatusOK, map[string]any{
		"reminder": rem,
		"label":    typ.Label(),
		"armed":    s.deps.Store.ReminderArmed(id),
	})
}

func (s *Server) handleRemoveReminder(w http.ResponseWriter, r *http.Request) {
	s.deps.Store.RemoveReminder(r.Context(), model.EventID(chi.URLParam(r, "id")))
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleCounts(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.deps.Store.Counts())
}

func (s *Server) handleShare(w http.ResponseWriter, r *http.Request) {
	if s.deps.Sharer == nil {
		writeError(w, http.StatusServiceUnavailable, "sharing unavailable")
		return
	}
	id := model.EventID(chi.URLParam(r, "id"))
	ev, ok := s.lookupEvent(id)
	if !ok {
		writeError(w, http.StatusNotFound, "event not found")
		return
	}
	res, err := s.deps.Sharer.Share(ev, r.URL.Query().Get("platform"))
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": err.Error(), "result": res})
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handlePush(w http.ResponseWriter, r *http.Request) {
	if s.deps.Worker == nil {
		writeError(w, http.StatusServiceUnavailable, "notifications unavailable")
		return
	}
	if !s.pushLimiter.Allow() {
		writeError(w, http.StatusTooManyRequests, "too many push messages")
		return
	}
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, 64<<10))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if err := s.deps.Worker.HandlePush(r.Context(), body); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

type clickRequest struct {
	Action       string             `json:"action"`
	Notification model.Notification `json:"notification"`
}

func (s *Server) handleNotificationClick(w http.ResponseWriter, r *http.Request) {
	if s.deps.Worker == nil {
		writeError(w, http.StatusServiceUnavailable, "notifications unavailable")
		return
	}
	var req clickRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	action, err := model.ParseNotificationAction(req.Action)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := s.deps.Worker.HandleNotificationClick(r.Context(), action, req.Notification); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type permissionRequest struct {
	Permission string `json:"permission"`
}

func (s *Server) handlePermissionState(w http.ResponseWriter, _ *http.Request) {
	if s.deps.Permission == nil {
		writeError(w, http.StatusServiceUnavailable, "notifications unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]notify.Permission{"permission": s.deps.Permission.Permission()})
}

// handlePermissionRequest records the answer to the notification prompt.
// Only "granted" and "denied" are answers; an answered prompt keeps its
// state.
func (s *Server) handlePermissionRequest(w http.ResponseWriter, r *http.Request) {
	if s.deps.Permission == nil {
		writeError(w, http.StatusServiceUnavailable, "notifications unavailable")
		return
	}
	var req permissionRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	answer := notify.ParsePermission(req.Permission)
	if answer == notify.PermissionDefault {
		writeError(w, http.StatusBadRequest, `permission must be "granted" or "denied"`)
		return
	}
	writeJSON(w, http.StatusOK, map[string]notify.Permission{"permission": s.deps.Permission.Request(answer)})
}

func (s *Server) handleInstallState(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]bool{
		"dismissed": s.deps.Store.InstallBannerDismissed(r.Context()),
	})
}

func (s *Server) handleInstallDismiss(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Store.DismissInstallBanner(r.Context()); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to save preference")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var sub model.Submission
	if err := decodeJSON(r, &sub); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	saved, err := s.deps.Store.Submit(r.Context(), sub)
	if err != nil {
		if errors.Is(err, store.ErrInvalidSubmission) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		appLog.Error("submission failed", err)
		writeError(w, http.StatusInternalServerError, "failed to store submission")
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"submission": saved,
		"message":    "Event submitted successfully! We'll review it and add it to the listings.",
	})
}

func decodeJSON(r *http.Request, dst any) error {
	r.Body = http.MaxBytesReader(nil, r.Body, 1<<20)
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(dst); err != nil {
		return err
	}
	if dec.More() {
		return errors.New("unexpected data after JSON body")
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		appLog.Error("failed to write JSON response", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	type errResp struct {
		Error string `json:"error"`
	}
	writeJSON(w, status, errResp{Error: strings.TrimSpace(msg)})
}
