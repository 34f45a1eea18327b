package model

import (
	"errors"
	"fmt"
	"time"
)

// ReminderType is one of the fixed lead times a reminder can use.
type ReminderType string

const (
	Reminder1Day   ReminderType = "1day"
	Reminder3Hours ReminderType = "3hours"
	Reminder1Hour  ReminderType = "1hour"
	Reminder30Min  ReminderType = "30min"
)

var ErrUnknownReminderType = errors.New("unknown reminder type")

var reminderLeads = map[ReminderType]time.Duration{
	Reminder1Day:   24 * time.Hour,
	Reminder3Hours: 3 * time.Hour,
	Reminder1Hour:  time.Hour,
	Reminder30Min:  30 * time.Minute,
}

var reminderLabels = map[ReminderType]string{
	Reminder1Day:   "1 day",
	Reminder3Hours: "3 hours",
	Reminder1Hour:  "1 hour",
	Reminder30Min:  "30 minutes",
}

// ReminderTypes lists the supported types, longest lead first.
func ReminderTypes() []ReminderType {
	return []ReminderType{Reminder1Day, Reminder3Hours, Reminder1Hour, Reminder30Min}
}

func ParseReminderType(s string) (ReminderType, error) {
	t := ReminderType(s)
	if !t.Valid() {
		return "", fmt.Errorf("%w: %q", ErrUnknownReminderType, s)
	}
	return t, nil
}

func (t ReminderType) Valid() bool {
	_, ok := reminderLeads[t]
	return ok
}

// Lead is how long before the event the reminder fires. Zero for unknown types.
func (t ReminderType) Lead() time.Duration {
	return reminderLeads[t]
}

// Label is the human form ("3 hours"). Unknown types render as-is.
func (t ReminderType) Label() string {
	if l, ok := reminderLabels[t]; ok {
		return l
	}
	return string(t)
}

// Reminder is a lead-time notification tied to one event id.
type Reminder struct {
	EventID          EventID      `json:"eventId"`
	EventTitle       string       `json:"eventTitle"`
	EventDate        string       `json:"eventDate"`
	ReminderType     ReminderType `json:"reminderType"`
	NotificationTime time.Time    `json:"notificationTime"`
	SetAt            time.Time    `json:"setAt"`
}

// NewReminder builds the reminder for ev with the given lead type.
// notificationTime = event start - lead. Date-times without an offset are
// read in loc.
func NewReminder(ev Event, t ReminderType, loc *time.Location, now time.Time) (Reminder, error) {
	if !t.Valid() {
		return Reminder{}, fmt.Errorf("%w: %q", ErrUnknownReminderType, string(t))
	}
	if ev.ID == "" {
		return Reminder{}, errors.New("reminder: event id is empty")
	}
	start, err := ev.Start(loc)
	if err != nil {
		return Reminder{}, fmt.Errorf("reminder: %w", err)
	}
	return Reminder{
		EventID:          ev.ID,
		EventTitle:       ev.Title,
		EventDate:        ev.Date,
		ReminderType:     t,
		NotificationTime: start.Add(-t.Lead()).UTC(),
		SetAt:            now.UTC(),
	}, nil
}
