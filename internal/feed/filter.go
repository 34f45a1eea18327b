package feed

import (
	"sort"
	"strings"
	"time"

	"iplug/internal/model"
)

// CategoryAll selects every category.
const CategoryAll = "all"

// Upcoming drops events dated before today. Only the calendar date is
// compared, so anything happening today stays listed.
func Upcoming(events []model.Event, today time.Time) []model.Event {
	cutoff := today.Format("2006-01-02")
	out := make([]model.Event, 0, len(events))
	for _, ev := range events {
		if datePrefix(ev.Date) < cutoff {
			continue
		}
		out = append(out, ev)
	}
	return out
}

func datePrefix(s string) string {
	s = strings.TrimSpace(s)
	if len(s) > 10 {
		return s[:10]
	}
	return s
}

// FilterCategory keeps events of the given category. Empty or "all" keeps
// everything.
func FilterCategory(events []model.Event, category string) []model.Event {
	category = strings.TrimSpace(category)
	if category == "" || category == CategoryAll {
		return append([]model.Event(nil), events...)
	}
	out := make([]model.Event, 0, len(events))
	for _, ev := range events {
		if ev.Category == category {
			out = append(out, ev)
		}
	}
	return out
}

// Group buckets events by venue. Events are ordered by start inside each
// group, and groups by their earliest event. Events whose date cannot be
// parsed sort last.
func Group(events []model.Event, loc *time.Location) []model.VenueGroup {
	index := make(map[string]int)
	var groups []model.VenueGroup
	for _, ev := range events {
		key := ev.VenueLabel()
		i, ok := index[key]
		if !ok {
			i = len(groups)
			index[key] = i
			groups = append(groups, model.VenueGroup{VenueName: key, Location: ev.Location})
		}
		groups[i].Events = append(groups[i].Events, ev)
	}

	for i := range groups {
		evs := groups[i].Events
		sort.SliceStable(evs, func(a, b int) bool { return before(evs[a], evs[b], loc) })
	}
	sort.SliceStable(groups, func(a, b int) bool {
		return before(groups[a].Events[0], groups[b].Events[0], loc)
	})
	if groups == nil {
		groups = []model.VenueGroup{}
	}
	return groups
}

func before(a, b model.Event, loc *time.Location) bool {
	ta, errA := a.Start(loc)
	tb, errB := b.Start(loc)
	switch {
	case errA != nil:
		return false
	case errB != nil:
		return true
	}
	return ta.Before(tb)
}
