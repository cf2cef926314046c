// Package events defines the taskbus wire envelope, its typed payload
// variants, and the fail-closed validator every consumer decodes through.
//
// The payload is a closed union keyed by event type and schema version.
// Each variant is its own struct, so a consumer can switch on the concrete
// type instead of poking at untyped keys:
//
//	switch p := evt.Payload.(type) {
//	case events.TaskCreated:
//	case events.TaskUpdated:
//	}
//
// Validate rejects unknown versions and unknown payload fields instead of
// guessing; the caller gets a *errors.ValidationError with enough detail to
// build a dead-letter record.
package events

// Type is the discriminator of an event envelope.
type Type string

const (
	TypeTaskCreated       Type = "task-created"
	TypeTaskUpdated       Type = "task-updated"
	TypeTaskDeleted       Type = "task-deleted"
	TypeTaskCompleted     Type = "task-completed"
	TypeReminderScheduled Type = "reminder-scheduled"
	TypeReminderTriggered Type = "reminder-triggered"
	TypeReminderCancelled Type = "reminder-cancelled"
)

// V1 is the first schema version of every event type.
const V1 = "v1"

// Types lists the closed set of event types in a stable order.
func Types() []Type {
	return []Type{
		TypeTaskCreated,
		TypeTaskUpdated,
		TypeTaskDeleted,
		TypeTaskCompleted,
		TypeReminderScheduled,
		TypeReminderTriggered,
		TypeReminderCancelled,
	}
}

// Known reports whether t belongs to the closed set.
func (t Type) Known() bool {
	for _, known := range Types() {
		if t == known {
			return true
		}
	}
	return false
}

func (t Type) String() string { return string(t) }

// Priority of a task.
type Priority string

const (
	PriorityHigh   Priority = "HIGH"
	PriorityMedium Priority = "MEDIUM"
	PriorityLow    Priority = "LOW"
)

// Status of a task.
type Status string

const (
	StatusTodo       Status = "TODO"
	StatusInProgress Status = "IN_PROGRESS"
	StatusDone       Status = "DONE"
)

// Recurrence of a repeating task.
type Recurrence string

const (
	RecurrenceDaily   Recurrence = "DAILY"
	RecurrenceWeekly  Recurrence = "WEEKLY"
	RecurrenceMonthly Recurrence = "MONTHLY"
)

// FieldDueDate is the changed_fields entry the reminder scheduler reacts to.
const FieldDueDate = "due_date"
