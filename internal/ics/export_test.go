package ics

import (
	"bytes"
	"strings"
	"testing"
	"time"

	ical "github.com/arran4/golang-ical"

	"iplug/internal/model"
)

var stamp = time.Date(2024, 6, 10, 12, 0, 0, 0, time.UTC)

func export(t *testing.T, saved []model.SavedEvent, reminders []model.Reminder) (string, *ical.Calendar) {
	t.Helper()
	var buf bytes.Buffer
	err := Export(&buf, saved, reminders, ExportOptions{
		Name:      "iPlug GQ",
		PublicURL: "https://iplug.test/",
		Now:       func() time.Time { return stamp },
	})
	if err != nil {
		t.Fatalf("Export: %v", err)
	}
	cal, err := ical.ParseCalendar(strings.NewReader(buf.String()))
	if err != nil {
		t.Fatalf("exported calendar does not parse: %v\n%s", err, buf.String())
	}
	return buf.String(), cal
}

func prop(ev *ical.VEvent, p ical.ComponentProperty) string {
	if v := ev.GetProperty(p); v != nil {
		return v.Value
	}
	return ""
}

func TestExportSavedEventsWithAlarm(t *testing.T) {
	saved := []model.SavedEvent{
		{Event: model.Event{ID: "42", Title: "Jazz Night", Date: "2024-06-20T20:00:00Z", VenueName: "Blue Room", Location: "Malabo"}},
		{Event: model.Event{ID: "43", Title: "Market", Date: "2024-06-22"}},
	}
	reminders := []model.Reminder{{EventID: "42", EventTitle: "Jazz Night", EventDate: "2024-06-20T20:00:00Z", ReminderType: model.Reminder3Hours}}

	raw, cal := export(t, saved, reminders)
	events := cal.Events()
	if len(events) != 2 {
		t.Fatalf("got %d events, want 2", len(events))
	}

	jazz := events[0]
	if prop(jazz, ical.ComponentPropertyUniqueId) != "42@iplug" || prop(jazz, ical.ComponentPropertySummary) != "Jazz Night" {
		t.Fatalf("unexpected event %s", raw)
	}
	if got := prop(jazz, ical.ComponentPropertyLocation); got != "Blue Room\\, Malabo" && got != "Blue Room, Malabo" {
		t.Fatalf("location = %q", got)
	}
	if prop(jazz, ical.ComponentPropertyUrl) != "https://iplug.test/?event=42" {
		t.Fatalf("url = %q", prop(jazz, ical.ComponentPropertyUrl))
	}
	for _, want := range []string{"BEGIN:VALARM", "ACTION:DISPLAY", "TRIGGER:-PT3H", "X-WR-CALNAME:iPlug GQ"} {
		if !strings.Contains(raw, want) {
			t.Errorf("export missing %q", want)
		}
	}
	if strings.Count(raw, "BEGIN:VALARM") != 1 {
		t.Fatalf("only the reminded event should carry an alarm")
	}

	market := events[1]
	start := market.GetProperty(ical.ComponentPropertyDtStart)
	if start == nil || start.Value != "20240622" {
		t.Fatalf("date-only events should export as all-day, got %+v", start)
	}
}

func TestExportOrphanedReminder(t *testing.T) {
	reminders := []model.Reminder{{EventID: "9", EventTitle: "Poetry", EventDate: "2024-06-25T19:00:00Z", ReminderType: model.Reminder1Day}}
	raw, cal := export(t, nil, reminders)
	if len(cal.Events()) != 1 || prop(cal.Events()[0], ical.ComponentPropertySummary) != "Poetry" {
		t.Fatalf("orphaned reminder should still export: %s", raw)
	}
	if !strings.Contains(raw, "TRIGGER:-P1D") {
		t.Fatalf("expected 1 day trigger: %s", raw)
	}
}

func TestExportSkipsUnreadableDates(t *testing.T) {
	saved := []model.SavedEvent{{Event: model.Event{ID: "x", Title: "Someday", Date: "soon"}}}
	_, cal := export(t, saved, nil)
	if len(cal.Events()) != 0 {
		t.Fatalf("events with bad dates should be skipped")
	}
}

func TestISODuration(t *testing.T) {
	cases := map[time.Duration]string{
		24 * time.Hour:   "P1D",
		3 * time.Hour:    "PT3H",
		30 * time.Minute: "PT30M",
		90 * time.Second: "PT1M30S",
		26 * time.Hour:   "P1DT2H",
		0:                "PT0S",
	}
	for d, want := range cases {
		if got := isoDuration(d); got != want {
			t.Errorf("isoDuration(%v) = %q, want %q", d, got, want)
		}
	}
}
