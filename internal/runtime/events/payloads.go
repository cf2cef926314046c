package events

import (
	"fmt"
	"time"
)

// Payload is implemented only by the variants in this package.
type Payload interface {
	// EventType is the discriminator the payload belongs to.
	EventType() Type
	// AggregateID is the task the event is about. It doubles as partition key.
	AggregateID() string

	normalized() Payload
	check() error
}

// TaskCreated is emitted after a task has been stored.
type TaskCreated struct {
	TaskID      string      `json:"task_id" validate:"required"`
	UserID      string      `json:"user_id" validate:"required"`
	Title       string      `json:"title" validate:"required"`
	Description *string     `json:"description,omitempty"`
	Priority    Priority    `json:"priority" validate:"required,oneof=HIGH MEDIUM LOW"`
	Status      Status      `json:"status" validate:"required,oneof=TODO IN_PROGRESS DONE"`
	DueDate     *time.Time  `json:"due_date,omitempty"`
	Recurrence  *Recurrence `json:"recurrence,omitempty" validate:"omitempty,oneof=DAILY WEEKLY MONTHLY"`
	Tags        []string    `json:"tags"`
	CreatedAt   time.Time   `json:"created_at" validate:"required"`
}

func (TaskCreated) EventType() Type       { return TypeTaskCreated }
func (p TaskCreated) AggregateID() string { return p.TaskID }
func (TaskCreated) check() error          { return nil }

func (p TaskCreated) normalized() Payload {
	p.CreatedAt = p.CreatedAt.UTC()
	p.DueDate = utcPtr(p.DueDate)
	return p
}

// FieldChange is the before/after pair of one changed task field.
type FieldChange struct {
	Old any `json:"old"`
	New any `json:"new"`
}

// TaskUpdated lists the fields that changed in a task mutation.
type TaskUpdated struct {
	TaskID        string                 `json:"task_id" validate:"required"`
	UserID        string                 `json:"user_id,omitempty"`
	ChangedFields []string               `json:"changed_fields" validate:"required,min=1,dive,required"`
	Changes       map[string]FieldChange `json:"changes" validate:"required"`
}

func (TaskUpdated) EventType() Type       { return TypeTaskUpdated }
func (p TaskUpdated) AggregateID() string { return p.TaskID }
func (p TaskUpdated) normalized() Payload { return p }

// Changed reports whether field is listed in ChangedFields.
func (p TaskUpdated) Changed(field string) bool {
	for _, f := range p.ChangedFields {
		if f == field {
			return true
		}
	}
	return false
}

func (p TaskUpdated) check() error {
	for _, field := range p.ChangedFields {
		if _, ok := p.Changes[field]; !ok {
			return fmt.Errorf("changed field %q has no entry in changes", field)
		}
	}
	if p.Changed(FieldDueDate) {
		if _, _, err := p.DueDate(); err != nil {
			return err
		}
	}
	return nil
}

// DueDate returns the new due date carried by the update. changed is false
// when due_date is not among the changed fields; a nil date with changed set
// means the due date was removed.
func (p TaskUpdated) DueDate() (due *time.Time, changed bool, err error) {
	if !p.Changed(FieldDueDate) {
		return nil, false, nil
	}
	change, ok := p.Changes[FieldDueDate]
	if !ok || change.New == nil {
		return nil, true, nil
	}
	raw, ok := change.New.(string)
	if !ok {
		return nil, true, fmt.Errorf("due_date change must be an RFC 3339 string or null, got %T", change.New)
	}
	if raw == "" {
		return nil, true, nil
	}
	parsed, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return nil, true, fmt.Errorf("due_date change: %w", err)
	}
	parsed = parsed.UTC()
	return &parsed, true, nil
}

// TaskDeleted is emitted after a task was removed.
type TaskDeleted struct {
	TaskID    string    `json:"task_id" validate:"required"`
	UserID    string    `json:"user_id" validate:"required"`
	DeletedAt time.Time `json:"deleted_at" validate:"required"`
}

func (TaskDeleted) EventType() Type       { return TypeTaskDeleted }
func (p TaskDeleted) AggregateID() string { return p.TaskID }
func (TaskDeleted) check() error          { return nil }

func (p TaskDeleted) normalized() Payload {
	p.DeletedAt = p.DeletedAt.UTC()
	return p
}

// TaskCompleted is emitted when a task moves to DONE.
type TaskCompleted struct {
	TaskID      string      `json:"task_id" validate:"required"`
	UserID      string      `json:"user_id" validate:"required"`
	CompletedAt time.Time   `json:"completed_at" validate:"required"`
	Recurrence  *Recurrence `json:"recurrence,omitempty" validate:"omitempty,oneof=DAILY WEEKLY MONTHLY"`
}

func (TaskCompleted) EventType() Type       { return TypeTaskCompleted }
func (p TaskCompleted) AggregateID() string { return p.TaskID }
func (TaskCompleted) check() error          { return nil }

func (p TaskCompleted) normalized() Payload {
	p.CompletedAt = p.CompletedAt.UTC()
	return p
}

// ReminderScheduled is emitted when the scheduler creates or moves a reminder.
type ReminderScheduled struct {
	TaskID     string    `json:"task_id" validate:"required"`
	ReminderID string    `json:"reminder_id" validate:"required"`
	DueDate    time.Time `json:"due_date" validate:"required"`
	Reason     string    `json:"reason,omitempty"`
}

func (ReminderScheduled) EventType() Type       { return TypeReminderScheduled }
func (p ReminderScheduled) AggregateID() string { return p.TaskID }
func (ReminderScheduled) check() error          { return nil }

func (p ReminderScheduled) normalized() Payload {
	p.DueDate = p.DueDate.UTC()
	return p
}

// ReminderTriggered is emitted by the scheduler clock when a reminder is due.
type ReminderTriggered struct {
	TaskID     string    `json:"task_id" validate:"required"`
	ReminderID string    `json:"reminder_id" validate:"required"`
	DueDate    time.Time `json:"due_date" validate:"required"`
	Reason     string    `json:"reason,omitempty"`
}

func (ReminderTriggered) EventType() Type       { return TypeReminderTriggered }
func (p ReminderTriggered) AggregateID() string { return p.TaskID }
func (ReminderTriggered) check() error          { return nil }

func (p ReminderTriggered) normalized() Payload {
	p.DueDate = p.DueDate.UTC()
	return p
}

// ReminderCancelled is emitted when a scheduled reminder is withdrawn.
type ReminderCancelled struct {
	TaskID     string    `json:"task_id" validate:"required"`
	ReminderID string    `json:"reminder_id" validate:"required"`
	DueDate    time.Time `json:"due_date" validate:"required"`
	Reason     string    `json:"reason,omitempty"`
}

func (ReminderCancelled) EventType() Type       { return TypeReminderCancelled }
func (p ReminderCancelled) AggregateID() string { return p.TaskID }
func (ReminderCancelled) check() error          { return nil }

func (p ReminderCancelled) normalized() Payload {
	p.DueDate = p.DueDate.UTC()
	return p
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}
