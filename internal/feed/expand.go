package feed

import (
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/teambition/rrule-go"

	appLog "iplug/internal/log"
	"iplug/internal/model"
)

const defaultMaxOccurrencesPerEvent = 366

// ExpandConfig controls recurrence expansion.
type ExpandConfig struct {
	// Location reads date-times without an offset. Nil means UTC.
	Location *time.Location

	// RangeStart / RangeEnd bound the occurrences, inclusive.
	RangeStart time.Time
	RangeEnd   time.Time

	// MaxOccurrencesPerEvent caps a single rule. Zero means
	// defaultMaxOccurrencesPerEvent.
	MaxOccurrencesPerEvent int
}

type ExpandResult struct {
	Events []model.Event
	// Truncated lists events whose rule hit the cap.
	Truncated []model.EventID
	// Invalid lists events whose rule or start date could not be read. They
	// are dropped from Events.
	Invalid []model.EventID
}

// Expand replaces every event carrying an rrule with one event per
// occurrence inside the range. Occurrence ids are "<id>-<YYYYMMDD>".
// Events without a rule pass through unchanged.
func Expand(events []model.Event, cfg ExpandConfig) (ExpandResult, error) {
	var result ExpandResult
	if cfg.RangeEnd.Before(cfg.RangeStart) {
		return result, errors.New("expand: RangeEnd is before RangeStart")
	}
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	if cfg.MaxOccurrencesPerEvent <= 0 {
		cfg.MaxOccurrencesPerEvent = defaultMaxOccurrencesPerEvent
	}

	result.Events = make([]model.Event, 0, len(events))
	for _, ev := range events {
		if strings.TrimSpace(ev.RRule) == "" {
			result.Events = append(result.Events, ev)
			continue
		}
		occ, hitCap, err := expandRecurring(ev, cfg)
		if err != nil {
			appLog.Error("expand: dropping recurring event", err, "event_id", ev.ID, "rrule", ev.RRule)
			result.Invalid = append(result.Invalid, ev.ID)
			continue
		}
		if hitCap {
			result.Truncated = append(result.Truncated, ev.ID)
			appLog.Warn("expand: occurrences truncated", "event_id", ev.ID, "cap", cfg.MaxOccurrencesPerEvent)
		}
		result.Events = append(result.Events, occ...)
	}
	return result, nil
}

func expandRecurring(ev model.Event, cfg ExpandConfig) ([]model.Event, bool, error) {
	start, err := ev.Start(cfg.Location)
	if err != nil {
		return nil, false, err
	}
	rule := strings.TrimPrefix(strings.TrimSpace(ev.RRule), "RRULE:")
	r, err := rrule.StrToRRule(rule)
	if err != nil {
		return nil, false, err
	}
	r.DTStart(start)

	times := r.Between(cfg.RangeStart.In(start.Location()), cfg.RangeEnd.In(start.Location()), true)
	hitCap := false
	if len(times) > cfg.MaxOccurrencesPerEvent {
		times = times[:cfg.MaxOccurrencesPerEvent]
		hitCap = true
	}

	dateOnly := ev.DateOnly()
	out := make([]model.Event, 0, len(times))
	for _, t := range times {
		o := ev
		o.RRule = ""
		o.ID = model.EventID(string(ev.ID) + "-" + t.Format("20060102"))
		if dateOnly {
			o.Date = t.Format("2006-01-02")
		} else {
			o.Date = t.Format(time.RFC3339)
		}
		if ev.Extra != nil {
			o.Extra = make(map[string]json.RawMessage, len(ev.Extra))
			for k, v := range ev.Extra {
				o.Extra[k] = v
			}
		}
		out = append(out, o)
	}
	return out, hitCap, nil
}
