// Package topics maps event types onto broker topics and partition keys.
package topics

import (
	"fmt"
	"time"

	errspkg "github.com/drblury/taskbus/internal/runtime/errors"
	"github.com/drblury/taskbus/internal/runtime/events"
)

const (
	TaskEvents  = "task-events"
	TaskUpdates = "task-updates"
	Reminders   = "reminders"
	DeadLetter  = "dead-letter"
)

const (
	defaultRetention    = 7 * 24 * time.Hour
	deadLetterRetention = 30 * 24 * time.Hour
)

// Topic describes one topic for provisioning.
type Topic struct {
	Name      string
	Key       string
	Contents  string
	Retention time.Duration
}

var routes = map[events.Type]string{
	events.TypeTaskCreated:       TaskEvents,
	events.TypeTaskDeleted:       TaskEvents,
	events.TypeTaskCompleted:     TaskEvents,
	events.TypeTaskUpdated:       TaskUpdates,
	events.TypeReminderScheduled: Reminders,
	events.TypeReminderTriggered: Reminders,
	events.TypeReminderCancelled: Reminders,
}

// TopicFor returns the topic events of type t are published to.
func TopicFor(t events.Type) (string, error) {
	topic, ok := routes[t]
	if !ok {
		return "", fmt.Errorf("%w: %q", errspkg.ErrUnknownEventType, t)
	}
	return topic, nil
}

// PartitionKey is the key an event is published under. Every event of one
// task lands on the same partition, so consumers see them in publish order.
func PartitionKey(e events.Event) string {
	return e.TaskID()
}

// All lists every topic the bus uses.
func All() []Topic {
	return []Topic{
		{Name: TaskEvents, Key: "task_id", Contents: "task-created, task-deleted, task-completed", Retention: defaultRetention},
		{Name: TaskUpdates, Key: "task_id", Contents: "task-updated", Retention: defaultRetention},
		{Name: Reminders, Key: "task_id", Contents: "reminder-scheduled, reminder-triggered, reminder-cancelled", Retention: defaultRetention},
		{Name: DeadLetter, Key: "original key", Contents: "failed envelopes and failure metadata", Retention: deadLetterRetention},
	}
}
