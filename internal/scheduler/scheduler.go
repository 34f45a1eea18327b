// Package scheduler arms one-shot reminder notifications.
//
// Each scheduled fire is an explicit task with a Handle, so deleting a
// reminder can retract its pending notification. Tasks live in memory only:
// if the process exits before a task fires, the notification is lost. The
// store re-arms future reminders on the next start.
package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	appLog "iplug/internal/log"
	"iplug/internal/model"
	"iplug/internal/notify"
)

const permissionToast = "Enable notifications to receive reminders"

// Handle identifies a scheduled task. The zero Handle refers to nothing.
type Handle struct {
	id string
}

func (h Handle) ID() string   { return h.id }
func (h Handle) IsZero() bool { return h.id == "" }

// Timer is the part of *time.Timer the scheduler needs.
type Timer interface {
	Stop() bool
}

// AfterFunc arms f to run once after d. time.AfterFunc satisfies it.
type AfterFunc func(d time.Duration, f func()) Timer

type Options struct {
	Notifier   notify.Notifier
	Permission notify.PermissionSource
	Toaster    notify.Toaster

	// Now and AfterFunc default to the wall clock.
	Now       func() time.Time
	AfterFunc AfterFunc
}

type task struct {
	fireAt       time.Time
	notification model.Notification
	timer        Timer
}

type Scheduler struct {
	notifier   notify.Notifier
	permission notify.PermissionSource
	toast      notify.Toaster
	now        func() time.Time
	afterFunc  AfterFunc

	mu      sync.Mutex
	tasks   map[string]*task
	stopped bool
}

func New(opts Options) *Scheduler {
	s := &Scheduler{
		notifier:   opts.Notifier,
		permission: opts.Permission,
		toast:      opts.Toaster,
		now:        opts.Now,
		afterFunc:  opts.AfterFunc,
		tasks:      make(map[string]*task),
	}
	if s.permission == nil {
		s.permission = notify.StaticPermission(notify.PermissionDefault)
	}
	if s.toast == nil {
		s.toast = notify.Discard{}
	}
	if s.now == nil {
		s.now = time.Now
	}
	if s.afterFunc == nil {
		s.afterFunc = func(d time.Duration, f func()) Timer { return time.AfterFunc(d, f) }
	}
	return s
}

// Schedule arms a notification for fireAt. It returns false without arming
// anything when permission is not granted, when fireAt is not in the future,
// or when the notification is invalid.
func (s *Scheduler) Schedule(fireAt time.Time, n model.Notification) (Handle, bool) {
	if p := s.permission.Permission(); p != notify.PermissionGranted {
		appLog.Debug("reminder schedule skipped; notifications not granted", "permission", p, "tag", n.Tag)
		s.toast.Toast(notify.ToastInfo, permissionToast)
		return Handle{}, false
	}
	if err := n.Validate(); err != nil {
		appLog.Error("reminder schedule skipped; invalid notification", err, "tag", n.Tag)
		return Handle{}, false
	}

	delay := fireAt.Sub(s.now())
	if delay <= 0 {
		appLog.Debug("reminder schedule skipped; fire time already passed", "fire_at", fireAt.Format(time.RFC3339), "tag", n.Tag)
		return Handle{}, false
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return Handle{}, false
	}

	id := uuid.NewString()
	t := &task{fireAt: fireAt, notification: n}
	s.tasks[id] = t
	t.timer = s.afterFunc(delay, func() { s.fire(id) })

	appLog.Info("reminder scheduled", "task", id, "fire_at", fireAt.Format(time.RFC3339), "tag", n.Tag)
	return Handle{id: id}, true
}

// Cancel retracts a pending task. It reports false if the task already
// fired, was already cancelled, or never existed.
func (s *Scheduler) Cancel(h Handle) bool {
	if h.IsZero() {
		return false
	}
	s.mu.Lock()
	t, ok := s.tasks[h.id]
	if ok {
		delete(s.tasks, h.id)
	}
	s.mu.Unlock()
	if !ok {
		return false
	}
	t.timer.Stop()
	appLog.Debug("reminder cancelled", "task", h.id, "tag", t.notification.Tag)
	return true
}

// Armed reports whether h still has a pending fire.
func (s *Scheduler) Armed(h Handle) bool {
	if h.IsZero() {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.tasks[h.id]
	return ok
}

// Pending returns the number of armed tasks.
func (s *Scheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tasks)
}

// Stop cancels every pending task and refuses new ones.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	tasks := s.tasks
	s.tasks = make(map[string]*task)
	s.stopped = true
	s.mu.Unlock()

	for _, t := range tasks {
		t.timer.Stop()
	}
	if len(tasks) > 0 {
		appLog.Info("scheduler stopped; pending reminders dropped", "count", len(tasks))
	}
}

func (s *Scheduler) fire(id string) {
	s.mu.Lock()
	t, ok := s.tasks[id]
	if ok {
		delete(s.tasks, id)
	}
	s.mu.Unlock()
	if !ok {
		return
	}

	// Permission can be revoked between scheduling and firing.
	if s.permission.Permission() != notify.PermissionGranted {
		appLog.Info("reminder fire skipped; notifications no longer granted", "task", id)
		return
	}
	if s.notifier == nil {
		return
	}
	if err := s.notifier.Show(context.Background(), t.notification); err != nil {
		appLog.Error("reminder notification failed", err, "task", id, "tag", t.notification.Tag)
		return
	}
	appLog.Info("reminder fired", "task", id, "tag", t.notification.Tag)
}
