// Package reminder derives due-date reminders from task events. The Scheduler
// handles task-events and task-updates through the consumer runtime and keeps
// at most one reminder per task; a clock loop fires the ones that are due.
//
// The store is written without locks. Events for one task arrive in order on a
// single partition lane, and the clock loop uses compare-and-set transitions.
package reminder

import (
	"context"
	"errors"
	"time"
)

// State is the lifecycle position of a reminder. Values are stored as-is.
type State string

const (
	StateScheduled State = "scheduled"
	StateTriggered State = "triggered"
	StateCancelled State = "cancelled"
	StateCompleted State = "completed"
)

// Done reports whether the reminder can no longer fire or be cancelled.
func (s State) Done() bool {
	return s == StateCancelled || s == StateCompleted
}

var (
	ErrNotFound      = errors.New("reminder: not found")
	ErrStoreRequired = errors.New("reminder: store is required")
)

// Reminder is the row kept per task.
type Reminder struct {
	TaskID     string    `json:"task_id"`
	ReminderID string    `json:"reminder_id"`
	DueDate    time.Time `json:"due_date"`
	State      State     `json:"state"`
	// CorrelationID is taken from the event that last changed the row and
	// seeds the reminder-triggered event.
	CorrelationID string `json:"correlation_id"`
	LastEventID   string `json:"last_event_id"`
	// LastEventAt is the envelope timestamp of that event. Older events are
	// stale and ignored.
	LastEventAt time.Time `json:"last_event_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Store persists reminders keyed by task id.
type Store interface {
	// Get returns ErrNotFound when the task has no reminder.
	Get(ctx context.Context, taskID string) (Reminder, error)
	// Upsert writes r, replacing any reminder of the same task.
	Upsert(ctx context.Context, r Reminder) error
	// Transition moves the reminder from one state to another if it still
	// has the given reminder id and state. It reports whether it did.
	Transition(ctx context.Context, taskID, reminderID string, from, to State, at time.Time) (bool, error)
	// Due lists scheduled reminders with due_date <= now, earliest first.
	Due(ctx context.Context, now time.Time, limit int) ([]Reminder, error)
}
