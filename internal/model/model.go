package model

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// EventID identifies an event in the feed. Feeds emit ids either as JSON
// numbers or as strings; both decode to the same textual form so that
// 42 and "42" refer to the same event.
type EventID string

func (id *EventID) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		*id = ""
		return nil
	}
	if b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*id = EventID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return fmt.Errorf("event id: %w", err)
	}
	*id = EventID(n.String())
	return nil
}

// MarshalJSON writes integer ids back as numbers so records round-trip
// in the shape the feed produced them.
func (id EventID) MarshalJSON() ([]byte, error) {
	s := string(id)
	if isIntegerLiteral(s) {
		return []byte(s), nil
	}
	return json.Marshal(s)
}

func (id EventID) String() string { return string(id) }

func isIntegerLiteral(s string) bool {
	if s == "" || len(s) > 15 {
		return false
	}
	if s != "0" && s[0] == '0' {
		return false
	}
	_, err := strconv.ParseInt(s, 10, 64)
	return err == nil
}

// Event is one record of the event feed.
type Event struct {
	ID            EventID `json:"id"`
	Title         string  `json:"title"`
	Date          string  `json:"date"`
	Venue         string  `json:"venue,omitempty"`
	VenueName     string  `json:"venueName,omitempty"`
	Location      string  `json:"location,omitempty"`
	Flyer         string  `json:"flyer,omitempty"`
	Description   string  `json:"description,omitempty"`
	Category      string  `json:"category,omitempty"`
	CategoryLabel string  `json:"categoryLabel,omitempty"`
	// RRule is an optional RFC 5545 recurrence rule (e.g. "FREQ=WEEKLY;BYDAY=FR").
	RRule string `json:"rrule,omitempty"`

	// Extra keeps every feed field this type does not model, so a saved
	// copy is written back verbatim.
	Extra map[string]json.RawMessage `json:"-"`
}

// eventFields is the wire shape of Event without its custom methods.
type eventFields Event

var knownEventKeys = []string{
	"id", "title", "date", "venue", "venueName", "location",
	"flyer", "description", "category", "categoryLabel", "rrule",
}

func (e *Event) UnmarshalJSON(b []byte) error {
	var f eventFields
	if err := json.Unmarshal(b, &f); err != nil {
		return err
	}
	var all map[string]json.RawMessage
	if err := json.Unmarshal(b, &all); err != nil {
		return err
	}
	for _, k := range knownEventKeys {
		delete(all, k)
	}
	if len(all) == 0 {
		all = nil
	}
	*e = Event(f)
	e.Extra = all
	return nil
}

func (e Event) MarshalJSON() ([]byte, error) {
	m, err := e.fieldMap()
	if err != nil {
		return nil, err
	}
	return json.Marshal(m)
}

// fieldMap flattens the modeled fields and Extra into one map. Modeled
// fields win over Extra keys with the same name.
func (e Event) fieldMap() (map[string]json.RawMessage, error) {
	b, err := json.Marshal(eventFields(e))
	if err != nil {
		return nil, err
	}
	var m map[string]json.RawMessage
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, err
	}
	for k, v := range e.Extra {
		if _, ok := m[k]; !ok {
			m[k] = v
		}
	}
	return m, nil
}

// VenueLabel returns the venue name used for grouping and display.
func (e Event) VenueLabel() string {
	if e.VenueName != "" {
		return e.VenueName
	}
	return e.Venue
}

// DateOnly reports whether Date carries no time-of-day component.
func (e Event) DateOnly() bool {
	return len(strings.TrimSpace(e.Date)) == len("2006-01-02")
}

// Start parses Date. See ParseEventDate for the accepted layouts.
func (e Event) Start(loc *time.Location) (time.Time, error) {
	return ParseEventDate(e.Date, loc)
}

// ErrInvalidDate is returned when an event date cannot be parsed.
var ErrInvalidDate = errors.New("invalid event date")

var localLayouts = []string{
	"2006-01-02T15:04:05.999999999",
	"2006-01-02T15:04:05",
	"2006-01-02T15:04",
	"2006-01-02 15:04:05",
	"2006-01-02 15:04",
}

// ParseEventDate parses an ISO calendar date or date-time.
//
//   - "2024-06-10" is midnight UTC.
//   - "2024-06-10T20:00:00Z" / "+02:00" keeps its offset.
//   - "2024-06-10T20:00" (no offset) is read in loc; nil means UTC.
func ParseEventDate(s string, loc *time.Location) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, fmt.Errorf("%w: empty", ErrInvalidDate)
	}
	if loc == nil {
		loc = time.UTC
	}
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t, nil
	}
	if t, err := time.Parse("2006-01-02", s); err == nil {
		return t.UTC(), nil
	}
	for _, layout := range localLayouts {
		if t, err := time.ParseInLocation(layout, s, loc); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("%w: %q", ErrInvalidDate, s)
}

// SavedEvent is a user-bookmarked copy of an Event.
type SavedEvent struct {
	Event
	SavedAt time.Time `json:"savedAt"`
}

func (s SavedEvent) MarshalJSON() ([]byte, error) {
	m, err := s.Event.fieldMap()
	if err != nil {
		return nil, err
	}
	ts, err := json.Marshal(s.SavedAt.UTC())
	if err != nil {
		return nil, err
	}
	m["savedAt"] = ts
	return json.Marshal(m)
}

func (s *SavedEvent) UnmarshalJSON(b []byte) error {
	var ev Event
	if err := json.Unmarshal(b, &ev); err != nil {
		return err
	}
	var savedAt time.Time
	if raw, ok := ev.Extra["savedAt"]; ok {
		if err := json.Unmarshal(raw, &savedAt); err != nil {
			return fmt.Errorf("savedAt: %w", err)
		}
		delete(ev.Extra, "savedAt")
		if len(ev.Extra) == 0 {
			ev.Extra = nil
		}
	}
	s.Event = ev
	s.SavedAt = savedAt
	return nil
}

// VenueGroup is one venue with its events, the nested feed shape.
type VenueGroup struct {
	VenueName string  `json:"venueName"`
	Location  string  `json:"location,omitempty"`
	Events    []Event `json:"events"`
}

// Counts is what the saved/reminder badges display.
type Counts struct {
	Saved     int `json:"saved"`
	Reminders int `json:"reminders"`
}
