// Package ics exports saved events and their reminders as an iCalendar
// document, so they can be imported into any calendar app.
package ics

import (
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	ical "github.com/arran4/golang-ical"

	appLog "iplug/internal/log"
	"iplug/internal/model"
	"iplug/internal/share"
)

const productID = "-//iPlug GQ//Saved Events//EN"

type ExportOptions struct {
	// Name is the calendar display name (X-WR-CALNAME).
	Name string
	// PublicURL is the site URL used to build per-event deep links.
	PublicURL string
	// Location reads event date-times without an offset. Nil means UTC.
	Location *time.Location
	Now      func() time.Time
}

// Export writes one VEVENT per saved event. An event with a reminder gets a
// display alarm at the reminder's lead time. A reminder whose event is no
// longer saved exports from the reminder's own title and date. Events with
// unreadable dates are skipped.
func Export(w io.Writer, saved []model.SavedEvent, reminders []model.Reminder, opts ExportOptions) error {
	if opts.Location == nil {
		opts.Location = time.UTC
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	stamp := opts.Now().UTC()

	cal := ical.NewCalendar()
	cal.SetMethod(ical.MethodPublish)
	cal.SetProductId(productID)
	if opts.Name != "" {
		cal.SetXWRCalName(opts.Name)
	}

	byID := make(map[model.EventID]model.Reminder, len(reminders))
	for _, r := range reminders {
		byID[r.EventID] = r
	}

	written := 0
	seen := make(map[model.EventID]bool, len(saved))
	for _, s := range saved {
		seen[s.ID] = true
		r, hasReminder := byID[s.ID]
		if err := addEvent(cal, s.Event, r, hasReminder, stamp, opts); err != nil {
			appLog.Warn("ics export: skipping event", "event_id", s.ID, "err", err)
			continue
		}
		written++
	}

	// Orphaned reminders, in a stable order.
	var orphans []model.Reminder
	for _, r := range reminders {
		if !seen[r.EventID] {
			orphans = append(orphans, r)
		}
	}
	sort.Slice(orphans, func(i, j int) bool { return orphans[i].EventID < orphans[j].EventID })
	for _, r := range orphans {
		ev := model.Event{ID: r.EventID, Title: r.EventTitle, Date: r.EventDate}
		if err := addEvent(cal, ev, r, true, stamp, opts); err != nil {
			appLog.Warn("ics export: skipping reminder", "event_id", r.EventID, "err", err)
			continue
		}
		written++
	}

	if _, err := io.WriteString(w, cal.Serialize()); err != nil {
		return fmt.Errorf("ics export: %w", err)
	}
	appLog.Debug("ics export written", "events", written)
	return nil
}

func addEvent(cal *ical.Calendar, ev model.Event, r model.Reminder, hasReminder bool, stamp time.Time, opts ExportOptions) error {
	start, err := ev.Start(opts.Location)
	if err != nil {
		return err
	}

	vev := cal.AddEvent(string(ev.ID) + "@iplug")
	vev.SetDtStampTime(stamp)
	if ev.DateOnly() {
		vev.SetAllDayStartAt(start)
		vev.SetAllDayEndAt(start.AddDate(0, 0, 1))
	} else {
		vev.SetStartAt(start)
	}
	vev.SetSummary(ev.Title)
	if loc := venueLocation(ev); loc != "" {
		vev.SetLocation(loc)
	}
	if ev.Description != "" {
		vev.SetDescription(ev.Description)
	}
	if opts.PublicURL != "" {
		vev.SetURL(share.DeepLink(opts.PublicURL, ev.ID))
	}

	if hasReminder && r.ReminderType.Valid() {
		alarm := vev.AddAlarm()
		alarm.SetAction(ical.ActionDisplay)
		alarm.SetTrigger("-" + isoDuration(r.ReminderType.Lead()))
		alarm.SetProperty(ical.ComponentPropertyDescription, fmt.Sprintf(`"%s" is coming up soon!`, ev.Title))
	}
	return nil
}

func venueLocation(ev model.Event) string {
	parts := make([]string, 0, 2)
	if v := ev.VenueLabel(); v != "" {
		parts = append(parts, v)
	}
	if ev.Location != "" && ev.Location != ev.VenueLabel() {
		parts = append(parts, ev.Location)
	}
	return strings.Join(parts, ", ")
}

// isoDuration renders d as an RFC 5545 duration (P1D, PT3H, PT30M).
func isoDuration(d time.Duration) string {
	if d <= 0 {
		return "PT0S"
	}
	var b strings.Builder
	b.WriteString("P")
	days := d / (24 * time.Hour)
	d -= days * 24 * time.Hour
	if days > 0 {
		fmt.Fprintf(&b, "%dD", days)
	}
	if d == 0 {
		return b.String()
	}
	b.WriteString("T")
	if h := d / time.Hour; h > 0 {
		fmt.Fprintf(&b, "%dH", h)
		d -= h * time.Hour
	}
	if m := d / time.Minute; m > 0 {
		fmt.Fprintf(&b, "%dM", m)
		d -= m * time.Minute
	}
	if s := d / time.Second; s > 0 {
		fmt.Fprintf(&b, "%dS", s)
	}
	return b.String()
}
