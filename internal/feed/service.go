package feed

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	appLog "iplug/internal/log"
	"iplug/internal/model"
)

// Source produces a feed document.
type Source interface {
	Fetch(ctx context.Context) (FetchResult, error)
}

type ServiceOptions struct {
	Source   Source
	Location *time.Location
	// Horizon bounds recurrence expansion. Zero means 30 days.
	Horizon time.Duration
	Now     func() time.Time
}

// Service keeps the current feed snapshot: upcoming events only, recurring
// events expanded.
type Service struct {
	source  Source
	loc     *time.Location
	horizon time.Duration
	now     func() time.Time

	mu          sync.RWMutex
	events      []model.Event
	byID        map[model.EventID]model.Event
	lastRefresh time.Time
	lastErr     error
}

func NewService(opts ServiceOptions) *Service {
	s := &Service{
		source:  opts.Source,
		loc:     opts.Location,
		horizon: opts.Horizon,
		now:     opts.Now,
		byID:    make(map[model.EventID]model.Event),
	}
	if s.loc == nil {
		s.loc = time.UTC
	}
	if s.horizon <= 0 {
		s.horizon = 30 * 24 * time.Hour
	}
	if s.now == nil {
		s.now = time.Now
	}
	return s
}

// Refresh fetches and rebuilds the snapshot. On error the previous snapshot
// stays in place and the error is remembered for LastError.
func (s *Service) Refresh(ctx context.Context) error {
	start := s.now()
	events, err := s.build(ctx, start)
	if err != nil {
		s.mu.Lock()
		s.lastErr = err
		s.mu.Unlock()
		appLog.Error("feed refresh failed; keeping previous snapshot", err)
		return err
	}

	byID := make(map[model.EventID]model.Event, len(events))
	for _, ev := range events {
		byID[ev.ID] = ev
	}
	s.mu.Lock()
	s.events = events
	s.byID = byID
	s.lastRefresh = start
	s.lastErr = nil
	s.mu.Unlock()

	appLog.Info("feed refreshed", "events", len(events), "took", s.now().Sub(start).String())
	return nil
}

func (s *Service) build(ctx context.Context, now time.Time) ([]model.Event, error) {
	if s.source == nil {
		return nil, fmt.Errorf("feed: no source configured")
	}
	res, err := s.source.Fetch(ctx)
	if err != nil {
		return nil, err
	}
	events, err := Parse(res.Body)
	if err != nil {
		return nil, err
	}
	today := now.In(s.loc)
	dayStart := time.Date(today.Year(), today.Month(), today.Day(), 0, 0, 0, 0, s.loc)
	expanded, err := Expand(events, ExpandConfig{
		Location:   s.loc,
		RangeStart: dayStart,
		RangeEnd:   dayStart.Add(s.horizon),
	})
	if err != nil {
		return nil, err
	}
	return Upcoming(expanded.Events, today), nil
}

// Lookup returns the snapshot event with id.
func (s *Service) Lookup(id model.EventID) (model.Event, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ev, ok := s.byID[id]
	return ev, ok
}

// Events returns the snapshot filtered by category.
func (s *Service) Events(category string) []model.Event {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return FilterCategory(s.events, category)
}

// Groups returns the snapshot filtered by category and grouped by venue.
func (s *Service) Groups(category string) []model.VenueGroup {
	return Group(s.Events(category), s.loc)
}

func (s *Service) LastRefresh() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastRefresh
}

func (s *Service) LastError() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastErr
}

// Schedule registers a periodic refresh on c using a standard five-field
// cron expression.
func (s *Service) Schedule(ctx context.Context, c *cron.Cron, spec string) (cron.EntryID, error) {
	id, err := c.AddFunc(spec, func() { s.Refresh(ctx) })
	if err != nil {
		return 0, fmt.Errorf("feed: invalid refresh schedule %q: %w", spec, err)
	}
	appLog.Info("feed refresh scheduled", "cron", spec)
	return id, nil
}
