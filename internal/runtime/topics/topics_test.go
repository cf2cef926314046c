package topics

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	errspkg "github.com/drblury/taskbus/internal/runtime/errors"
	"github.com/drblury/taskbus/internal/runtime/events"
)

func TestTopicForCoversEveryType(t *testing.T) {
	want := map[events.Type]string{
		events.TypeTaskCreated:       TaskEvents,
		events.TypeTaskDeleted:       TaskEvents,
		events.TypeTaskCompleted:     TaskEvents,
		events.TypeTaskUpdated:       TaskUpdates,
		events.TypeReminderScheduled: Reminders,
		events.TypeReminderTriggered: Reminders,
		events.TypeReminderCancelled: Reminders,
	}
	for _, typ := range events.Types() {
		topic, err := TopicFor(typ)
		require.NoError(t, err)
		assert.Equal(t, want[typ], topic, typ)
	}
}

func TestTopicForUnknownType(t *testing.T) {
	_, err := TopicFor("task-archived")
	assert.ErrorIs(t, err, errspkg.ErrUnknownEventType)
}

func TestPartitionKeyIsTaskID(t *testing.T) {
	evt := events.New("task-api", "c1", events.TaskDeleted{TaskID: "t1", UserID: "u1", DeletedAt: time.Now()})
	assert.Equal(t, "t1", PartitionKey(evt))
}

func TestAllRetention(t *testing.T) {
	all := All()
	require.Len(t, all, 4)
	for _, topic := range all {
		if topic.Name == DeadLetter {
			assert.Equal(t, 30*24*time.Hour, topic.Retention)
			continue
		}
		assert.Equal(t, 7*24*time.Hour, topic.Retention, topic.Name)
	}
}
