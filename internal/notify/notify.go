// Package notify is the platform notification surface: system
// notifications, short-lived toasts and the notification permission.
package notify

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/charmbracelet/lipgloss"

	"iplug/internal/model"
)

// Permission mirrors the browser Notification.permission states.
type Permission string

const (
	PermissionGranted Permission = "granted"
	PermissionDenied  Permission = "denied"
	PermissionDefault Permission = "default"
)

func ParsePermission(s string) Permission {
	switch p := Permission(strings.ToLower(strings.TrimSpace(s))); p {
	case PermissionGranted, PermissionDenied:
		return p
	default:
		return PermissionDefault
	}
}

type PermissionSource interface {
	Permission() Permission
}

// StaticPermission is a fixed permission, typically read from config.
type StaticPermission Permission

func (p StaticPermission) Permission() Permission { return Permission(p) }

const permissionGrantedToast = "Notifications enabled!"

// PermissionState is a permission the user can answer at runtime. Like the
// browser prompt, it can only be answered while still default.
type PermissionState struct {
	mu    sync.Mutex
	p     Permission
	toast Toaster
}

func NewPermissionState(initial Permission, toast Toaster) *PermissionState {
	if toast == nil {
		toast = Discard{}
	}
	return &PermissionState{p: ParsePermission(string(initial)), toast: toast}
}

func (s *PermissionState) Permission() Permission {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.p
}

// Request records the user's answer and returns the resulting permission.
// Once granted or denied the answer sticks. A grant toasts.
func (s *PermissionState) Request(answer Permission) Permission {
	s.mu.Lock()
	if s.p != PermissionDefault {
		p := s.p
		s.mu.Unlock()
		return p
	}
	s.p = ParsePermission(string(answer))
	p := s.p
	s.mu.Unlock()

	if p == PermissionGranted {
		s.toast.Toast(ToastSuccess, permissionGrantedToast)
	}
	return p
}

// Notifier displays a system notification.
type Notifier interface {
	Show(ctx context.Context, n model.Notification) error
}

type ToastKind string

const (
	ToastSuccess ToastKind = "success"
	ToastInfo    ToastKind = "info"
	ToastWarning ToastKind = "warning"
	ToastError   ToastKind = "error"
)

// Toaster shows a passive, best-effort message to the user.
type Toaster interface {
	Toast(kind ToastKind, msg string)
}

// Discard drops toasts.
type Discard struct{}

func (Discard) Toast(ToastKind, string) {}

// Console writes notifications and toasts to a terminal.
type Console struct {
	mu  sync.Mutex
	out io.Writer

	box   lipgloss.Style
	title lipgloss.Style
	muted lipgloss.Style
	kinds map[ToastKind]lipgloss.Style
}

func NewConsole(out io.Writer) *Console {
	return &Console{
		out: out,
		box: lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("205")).
			Padding(0, 1),
		title: lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("205")),
		muted: lipgloss.NewStyle().Foreground(lipgloss.Color("245")),
		kinds: map[ToastKind]lipgloss.Style{
			ToastSuccess: lipgloss.NewStyle().Foreground(lipgloss.Color("42")),
			ToastInfo:    lipgloss.NewStyle().Foreground(lipgloss.Color("39")),
			ToastWarning: lipgloss.NewStyle().Foreground(lipgloss.Color("214")),
			ToastError:   lipgloss.NewStyle().Foreground(lipgloss.Color("196")),
		},
	}
}

func (c *Console) Show(_ context.Context, n model.Notification) error {
	if err := n.Validate(); err != nil {
		return err
	}
	lines := []string{c.title.Render(n.Title)}
	if n.Body != "" {
		lines = append(lines, n.Body)
	}
	if n.URL != "" {
		lines = append(lines, c.muted.Render(n.URL))
	}
	if len(n.Actions) > 0 {
		labels := make([]string, 0, len(n.Actions))
		for _, a := range n.Actions {
			labels = append(labels, "["+a.Title+"]")
		}
		lines = append(lines, c.muted.Render(strings.Join(labels, " ")))
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	_, err := fmt.Fprintln(c.out, c.box.Render(strings.Join(lines, "\n")))
	return err
}

func (c *Console) Toast(kind ToastKind, msg string) {
	style, ok := c.kinds[kind]
	if !ok {
		style = c.kinds[ToastInfo]
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	fmt.Fprintln(c.out, style.Render("• "+msg))
}
