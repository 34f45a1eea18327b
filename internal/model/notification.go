package model

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

const (
	DefaultPushTitle = "iPlug GQ"
	DefaultPushBody  = "New event reminder!"
	DefaultPushURL   = "/"
	ReminderTitle    = "iPlug GQ Reminder"
)

// NotificationAction is a button on a shown notification. The empty action
// is the notification body itself.
type NotificationAction string

const (
	ActionDefault NotificationAction = ""
	ActionView    NotificationAction = "view"
	ActionDismiss NotificationAction = "dismiss"
)

func ParseNotificationAction(s string) (NotificationAction, error) {
	switch a := NotificationAction(strings.TrimSpace(s)); a {
	case ActionDefault, ActionView, ActionDismiss:
		return a, nil
	default:
		return "", fmt.Errorf("unknown notification action %q", s)
	}
}

type Action struct {
	Action NotificationAction `json:"action"`
	Title  string             `json:"title"`
}

// Notification is what the platform notification surface displays.
type Notification struct {
	Title   string   `json:"title"`
	Body    string   `json:"body,omitempty"`
	Icon    string   `json:"icon,omitempty"`
	Badge   string   `json:"badge,omitempty"`
	Tag     string   `json:"tag,omitempty"`
	URL     string   `json:"url,omitempty"`
	Vibrate []int    `json:"vibrate,omitempty"`
	Actions []Action `json:"actions,omitempty"`
}

var ErrEmptyNotificationTitle = errors.New("notification title is empty")

func (n Notification) Validate() error {
	if strings.TrimSpace(n.Title) == "" {
		return ErrEmptyNotificationTitle
	}
	for _, a := range n.Actions {
		if a.Action != ActionView && a.Action != ActionDismiss {
			return fmt.Errorf("notification action %q not allowed", a.Action)
		}
	}
	return nil
}

// ReminderNotification is the notification shown when a reminder fires.
func ReminderNotification(r Reminder, icon string) Notification {
	return Notification{
		Title: ReminderTitle,
		Body:  fmt.Sprintf(`"%s" is coming up soon!`, r.EventTitle),
		Icon:  icon,
		Tag:   "reminder-" + string(r.EventID),
	}
}

// PushPayload is the JSON body of a push message. Every field is optional.
type PushPayload struct {
	Title string `json:"title,omitempty"`
	Body  string `json:"body,omitempty"`
	URL   string `json:"url,omitempty"`
}

// Notification applies the push defaults and attaches the view/dismiss
// actions.
func (p PushPayload) Notification(icon string) Notification {
	n := Notification{
		Title:   p.Title,
		Body:    p.Body,
		URL:     p.URL,
		Icon:    icon,
		Badge:   icon,
		Vibrate: []int{200, 100, 200},
		Actions: []Action{
			{Action: ActionView, Title: "View Event"},
			{Action: ActionDismiss, Title: "Dismiss"},
		},
	}
	if n.Title == "" {
		n.Title = DefaultPushTitle
	}
	if n.Body == "" {
		n.Body = DefaultPushBody
	}
	if n.URL == "" {
		n.URL = DefaultPushURL
	}
	return n
}

// Submission is an event proposed through the submit form.
type Submission struct {
	Name        string    `json:"name"`
	Date        string    `json:"date"`
	Venue       string    `json:"venue"`
	Flyer       string    `json:"flyer,omitempty"`
	Description string    `json:"description,omitempty"`
	Category    string    `json:"category,omitempty"`
	Email       string    `json:"email"`
	Submitted   time.Time `json:"submitted"`
}

// MissingFields returns the required fields that are blank.
func (s Submission) MissingFields() []string {
	var missing []string
	for _, f := range []struct{ name, value string }{
		{"name", s.Name},
		{"date", s.Date},
		{"venue", s.Venue},
		{"email", s.Email},
	} {
		if strings.TrimSpace(f.value) == "" {
			missing = append(missing, f.name)
		}
	}
	return missing
}
