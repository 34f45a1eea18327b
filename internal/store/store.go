// Package store owns the saved-event list and the reminder map.
//
// Both records are rehydrated from the key-value backend at construction
// and flushed back after every mutation. The in-memory copy is
// authoritative: a failed flush is logged and toasted, never retried.
//
// One Store is one writer. Two processes sharing a backend are not
// coordinated and the last flush wins.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"iplug/internal/kv"
	appLog "iplug/internal/log"
	"iplug/internal/model"
	"iplug/internal/notify"
	"iplug/internal/scheduler"
)

// Durable keys, shared with the browser build of the site.
const (
	SavedEventsKey      = "iplug_saved_events"
	RemindersKey        = "iplug_event_reminders"
	InstallDismissedKey = "install_banner_dismissed"
	SubmissionsKey      = "iplugSubmissions"
)

var ErrInvalidSubmission = errors.New("invalid submission")

// ReminderScheduler is the part of *scheduler.Scheduler the store drives.
type ReminderScheduler interface {
	Schedule(fireAt time.Time, n model.Notification) (scheduler.Handle, bool)
	Cancel(h scheduler.Handle) bool
	Armed(h scheduler.Handle) bool
}

type Options struct {
	Backend   kv.Backend
	Scheduler ReminderScheduler
	Toaster   notify.Toaster

	// Location interprets event date-times that carry no offset.
	Location *time.Location
	// Icon is attached to reminder notifications.
	Icon string
	// OnChange receives fresh counts after every mutation.
	OnChange func(model.Counts)
	Now      func() time.Time
}

type Store struct {
	backend  kv.Backend
	sched    ReminderScheduler
	toast    notify.Toaster
	loc      *time.Location
	icon     string
	onChange func(model.Counts)
	now      func() time.Time

	mu        sync.Mutex
	saved     []model.SavedEvent
	reminders map[model.EventID]model.Reminder
	// pending holds the scheduler handle for each reminder armed by this
	// process. It is never persisted.
	pending map[model.EventID]scheduler.Handle
}

// New builds the store and loads both records from the backend.
func New(ctx context.Context, opts Options) *Store {
	s := &Store{
		backend:   opts.Backend,
		sched:     opts.Scheduler,
		toast:     opts.Toaster,
		loc:       opts.Location,
		icon:      opts.Icon,
		onChange:  opts.OnChange,
		now:       opts.Now,
		reminders: make(map[model.EventID]model.Reminder),
		pending:   make(map[model.EventID]scheduler.Handle),
	}
	if s.backend == nil {
		s.backend = kv.NewMemory()
	}
	if s.toast == nil {
		s.toast = notify.Discard{}
	}
	if s.loc == nil {
		s.loc = time.UTC
	}
	if s.now == nil {
		s.now = time.Now
	}
	s.LoadAll(ctx)
	return s
}

// LoadAll rereads both records from the backend, replacing the in-memory
// state. A record that is missing, unreadable or corrupt resets to empty.
func (s *Store) LoadAll(ctx context.Context) ([]model.SavedEvent, map[model.EventID]model.Reminder) {
	saved := loadSaved(ctx, s.backend)
	reminders := loadReminders(ctx, s.backend)

	s.mu.Lock()
	s.saved = saved
	s.reminders = reminders
	counts := s.countsLocked()
	out, outR := s.copyLocked()
	s.mu.Unlock()

	appLog.Info("local store loaded", "saved", counts.Saved, "reminders", counts.Reminders)
	s.notifyChange(counts)
	return out, outR
}

func loadSaved(ctx context.Context, b kv.Backend) []model.SavedEvent {
	raw, ok := readKey(ctx, b, SavedEventsKey)
	if !ok {
		return []model.SavedEvent{}
	}
	var list []model.SavedEvent
	if err := json.Unmarshal(raw, &list); err != nil {
		appLog.Warn("saved events corrupt; resetting", "key", SavedEventsKey, "err", err)
		clearKey(ctx, b, SavedEventsKey)
		return []model.SavedEvent{}
	}
	seen := make(map[model.EventID]bool, len(list))
	out := make([]model.SavedEvent, 0, len(list))
	for _, ev := range list {
		if seen[ev.ID] {
			continue
		}
		seen[ev.ID] = true
		out = append(out, ev)
	}
	return out
}

func loadReminders(ctx context.Context, b kv.Backend) map[model.EventID]model.Reminder {
	out := make(map[model.EventID]model.Reminder)
	raw, ok := readKey(ctx, b, RemindersKey)
	if !ok {
		return out
	}
	var m map[string]model.Reminder
	if err := json.Unmarshal(raw, &m); err != nil {
		appLog.Warn("reminders corrupt; resetting", "key", RemindersKey, "err", err)
		clearKey(ctx, b, RemindersKey)
		return out
	}
	for k, r := range m {
		id := model.EventID(k)
		r.EventID = id
		out[id] = r
	}
	return out
}

func readKey(ctx context.Context, b kv.Backend, key string) ([]byte, bool) {
	raw, err := b.Get(ctx, key)
	if err != nil {
		if !errors.Is(err, kv.ErrNotFound) {
			appLog.Error("local store read failed; using empty value", err, "key", key)
		}
		return nil, false
	}
	return raw, len(raw) > 0
}

// clearKey drops an unreadable record so the next start does not trip over
// it again.
func clearKey(ctx context.Context, b kv.Backend, key string) {
	if err := b.Delete(ctx, key); err != nil && !errors.Is(err, kv.ErrNotFound) {
		appLog.Error("failed to clear corrupt record", err, "key", key)
	}
}

// ToggleSaved saves ev if it is not saved yet and returns true. Otherwise it
// removes the saved copy together with any reminder for the same id and
// returns false.
func (s *Store) ToggleSaved(ctx context.Context, ev model.Event) bool {
	s.mu.Lock()
	idx := s.indexLocked(ev.ID)
	saved := idx == -1
	var cancel scheduler.Handle
	if saved {
		s.saved = append(s.saved, model.SavedEvent{Event: ev, SavedAt: s.now().UTC()})
	} else {
		s.saved = append(s.saved[:idx], s.saved[idx+1:]...)
		cancel = s.dropReminderLocked(ev.ID)
	}
	err := s.persistLocked(ctx)
	counts := s.countsLocked()
	s.mu.Unlock()

	s.cancel(cancel)
	s.reportPersist(err)
	if saved {
		s.toast.Toast(notify.ToastSuccess, fmt.Sprintf(`"%s" saved!`, ev.Title))
	} else {
		s.toast.Toast(notify.ToastInfo, fmt.Sprintf(`"%s" removed`, ev.Title))
	}
	s.notifyChange(counts)
	return saved
}

// Unsave removes the saved event with id and its reminder, if any.
func (s *Store) Unsave(ctx context.Context, id model.EventID) {
	s.mu.Lock()
	idx := s.indexLocked(id)
	_, hadReminder := s.reminders[id]
	if idx == -1 && !hadReminder {
		s.mu.Unlock()
		return
	}
	if idx != -1 {
		s.saved = append(s.saved[:idx], s.saved[idx+1:]...)
	}
	cancel := s.dropReminderLocked(id)
	err := s.persistLocked(ctx)
	counts := s.countsLocked()
	s.mu.Unlock()

	s.cancel(cancel)
	s.reportPersist(err)
	s.notifyChange(counts)
}

func (s *Store) IsSaved(id model.EventID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.indexLocked(id) != -1
}

// SetReminder creates or replaces the reminder for ev and hands it to the
// scheduler. It fails only when the reminder cannot be built (unknown type,
// unparseable date); the store is untouched in that case.
func (s *Store) SetReminder(ctx context.Context, ev model.Event, typ model.ReminderType) error {
	r, err := model.NewReminder(ev, typ, s.loc, s.now())
	if err != nil {
		return err
	}

	s.mu.Lock()
	replaced := s.pending[ev.ID]
	delete(s.pending, ev.ID)
	s.reminders[ev.ID] = r
	perr := s.persistLocked(ctx)
	s.mu.Unlock()

	s.cancel(replaced)
	s.reportPersist(perr)
	s.arm(r)

	appLog.Info("reminder set",
		"event_id", ev.ID,
		"type", typ,
		"notification_time", r.NotificationTime.Format(time.RFC3339),
	)
	s.toast.Toast(notify.ToastSuccess, fmt.Sprintf(`Reminder set for "%s"`, ev.Title))
	s.notifyChange(s.Counts())
	return nil
}

// RemoveReminder deletes the reminder for id and retracts its pending fire.
// Missing ids are a no-op.
func (s *Store) RemoveReminder(ctx context.Context, id model.EventID) {
	s.mu.Lock()
	if _, ok := s.reminders[id]; !ok {
		s.mu.Unlock()
		return
	}
	cancel := s.dropReminderLocked(id)
	err := s.persistLocked(ctx)
	counts := s.countsLocked()
	s.mu.Unlock()

	s.cancel(cancel)
	s.reportPersist(err)
	s.toast.Toast(notify.ToastInfo, "Reminder removed")
	s.notifyChange(counts)
}

// RestoreSchedules arms every loaded reminder whose notification time is
// still ahead. It returns how many were armed.
func (s *Store) RestoreSchedules(_ context.Context) int {
	s.mu.Lock()
	var due []model.Reminder
	now := s.now()
	for id, r := range s.reminders {
		if h, armed := s.pending[id]; armed && s.sched != nil && s.sched.Armed(h) {
			continue
		}
		if r.NotificationTime.After(now) {
			due = append(due, r)
		}
	}
	s.mu.Unlock()

	armed := 0
	for _, r := range due {
		if s.arm(r) {
			armed++
		}
	}
	if armed > 0 {
		appLog.Info("reminders re-armed", "count", armed)
	}
	return armed
}

// arm schedules r and records the handle. The reminder may have been
// removed or replaced while the scheduler ran, or another caller may have
// armed the same record meanwhile; then the new task is retracted again so
// each reminder owns at most one pending fire.
func (s *Store) arm(r model.Reminder) bool {
	if s.sched == nil {
		return false
	}
	h, ok := s.sched.Schedule(r.NotificationTime, model.ReminderNotification(r, s.icon))
	if !ok {
		return false
	}
	s.mu.Lock()
	cur, exists := s.reminders[r.EventID]
	stale := !exists || cur != r
	if !stale {
		if prev, armed := s.pending[r.EventID]; armed && s.sched.Armed(prev) {
			stale = true
		} else {
			s.pending[r.EventID] = h
		}
	}
	s.mu.Unlock()
	if stale {
		s.sched.Cancel(h)
		return false
	}
	return true
}

func (s *Store) SavedEvents() []model.SavedEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]model.SavedEvent(nil), s.saved...)
}

// Reminders returns every reminder ordered by notification time.
func (s *Store) Reminders() []model.Reminder {
	s.mu.Lock()
	out := make([]model.Reminder, 0, len(s.reminders))
	for _, r := range s.reminders {
		out = append(out, r)
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].NotificationTime.Equal(out[j].NotificationTime) {
			return out[i].EventID < out[j].EventID
		}
		return out[i].NotificationTime.Before(out[j].NotificationTime)
	})
	return out
}

func (s *Store) Reminder(id model.EventID) (model.Reminder, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.reminders[id]
	return r, ok
}

// ReminderArmed reports whether this process holds a pending fire for id.
// A handle whose task already fired is forgotten.
func (s *Store) ReminderArmed(id model.EventID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	h, ok := s.pending[id]
	if !ok || s.sched == nil {
		return false
	}
	if !s.sched.Armed(h) {
		delete(s.pending, id)
		return false
	}
	return true
}

func (s *Store) Counts() model.Counts {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.countsLocked()
}

// InstallBannerDismissed reports whether the install prompt was dismissed
// for good.
func (s *Store) InstallBannerDismissed(ctx context.Context) bool {
	raw, ok := readKey(ctx, s.backend, InstallDismissedKey)
	return ok && string(raw) == "true"
}

func (s *Store) DismissInstallBanner(ctx context.Context) error {
	if err := s.backend.Set(ctx, InstallDismissedKey, []byte("true")); err != nil {
		appLog.Error("failed to persist install banner dismissal", err)
		return err
	}
	return nil
}

// Submit validates and appends an event submission.
func (s *Store) Submit(ctx context.Context, sub model.Submission) (model.Submission, error) {
	if missing := sub.MissingFields(); len(missing) > 0 {
		return model.Submission{}, fmt.Errorf("%w: missing %v", ErrInvalidSubmission, missing)
	}
	if _, err := model.ParseEventDate(sub.Date, s.loc); err != nil {
		return model.Submission{}, fmt.Errorf("%w: %v", ErrInvalidSubmission, err)
	}
	sub.Submitted = s.now().UTC()

	s.mu.Lock()
	defer s.mu.Unlock()

	var subs []model.Submission
	if raw, ok := readKey(ctx, s.backend, SubmissionsKey); ok {
		if err := json.Unmarshal(raw, &subs); err != nil {
			appLog.Warn("submissions corrupt; resetting", "key", SubmissionsKey, "err", err)
			subs = nil
		}
	}
	subs = append(subs, sub)
	blob, err := json.Marshal(subs)
	if err != nil {
		return model.Submission{}, err
	}
	if err := s.backend.Set(ctx, SubmissionsKey, blob); err != nil {
		return model.Submission{}, fmt.Errorf("store submission: %w", err)
	}
	appLog.Info("event submitted", "name", sub.Name, "date", sub.Date)
	return sub, nil
}

func (s *Store) indexLocked(id model.EventID) int {
	for i, ev := range s.saved {
		if ev.ID == id {
			return i
		}
	}
	return -1
}

// dropReminderLocked removes the reminder for id and returns the handle
// that must be cancelled once the lock is released.
func (s *Store) dropReminderLocked(id model.EventID) scheduler.Handle {
	delete(s.reminders, id)
	h := s.pending[id]
	delete(s.pending, id)
	return h
}

// persistLocked writes both records, the way the browser build always
// rewrote both keys together.
func (s *Store) persistLocked(ctx context.Context) error {
	savedBlob, err := json.Marshal(s.saved)
	if err != nil {
		return fmt.Errorf("encode saved events: %w", err)
	}
	remBlob, err := json.Marshal(s.reminders)
	if err != nil {
		return fmt.Errorf("encode reminders: %w", err)
	}
	if err := s.backend.Set(ctx, SavedEventsKey, savedBlob); err != nil {
		return fmt.Errorf("write %s: %w", SavedEventsKey, err)
	}
	if err := s.backend.Set(ctx, RemindersKey, remBlob); err != nil {
		return fmt.Errorf("write %s: %w", RemindersKey, err)
	}
	return nil
}

func (s *Store) countsLocked() model.Counts {
	return model.Counts{Saved: len(s.saved), Reminders: len(s.reminders)}
}

func (s *Store) copyLocked() ([]model.SavedEvent, map[model.EventID]model.Reminder) {
	saved := append([]model.SavedEvent(nil), s.saved...)
	reminders := make(map[model.EventID]model.Reminder, len(s.reminders))
	for k, v := range s.reminders {
		reminders[k] = v
	}
	return saved, reminders
}

func (s *Store) cancel(h scheduler.Handle) {
	if h.IsZero() || s.sched == nil {
		return
	}
	s.sched.Cancel(h)
}

func (s *Store) reportPersist(err error) {
	if err == nil {
		return
	}
	appLog.Error("local store write failed; keeping in-memory state", err)
	s.toast.Toast(notify.ToastError, "Could not save your changes on this device")
}

func (s *Store) notifyChange(c model.Counts) {
	if s.onChange != nil {
		s.onChange(c)
	}
}
