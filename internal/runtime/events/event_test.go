package events

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	errspkg "github.com/drblury/taskbus/internal/runtime/errors"
	"github.com/drblury/taskbus/internal/runtime/jsoncodec"
)

var (
	testDue     = time.Date(2026, 2, 10, 10, 0, 0, 0, time.UTC)
	testCreated = time.Date(2026, 2, 1, 9, 30, 0, 0, time.UTC)
)

func samplePayload(t *testing.T, typ Type) Payload {
	t.Helper()
	desc := "buy oat milk"
	weekly := RecurrenceWeekly
	due := testDue

	switch typ {
	case TypeTaskCreated:
		return TaskCreated{
			TaskID:      "t1",
			UserID:      "u1",
			Title:       "groceries",
			Description: &desc,
			Priority:    PriorityHigh,
			Status:      StatusTodo,
			DueDate:     &due,
			Recurrence:  &weekly,
			Tags:        []string{"home", "errands"},
			CreatedAt:   testCreated,
		}
	case TypeTaskUpdated:
		return TaskUpdated{
			TaskID:        "t1",
			UserID:        "u1",
			ChangedFields: []string{"due_date", "title"},
			Changes: map[string]FieldChange{
				"due_date": {Old: "2026-02-10T10:00:00Z", New: "2026-02-12T10:00:00Z"},
				"title":    {Old: "groceries", New: "weekly groceries"},
			},
		}
	case TypeTaskDeleted:
		return TaskDeleted{TaskID: "t1", UserID: "u1", DeletedAt: testCreated}
	case TypeTaskCompleted:
		return TaskCompleted{TaskID: "t1", UserID: "u1", CompletedAt: testCreated, Recurrence: &weekly}
	case TypeReminderScheduled:
		return ReminderScheduled{TaskID: "t1", ReminderID: "01HZX0000000000000000000AA", DueDate: testDue, Reason: "task-created"}
	case TypeReminderTriggered:
		return ReminderTriggered{TaskID: "t1", ReminderID: "01HZX0000000000000000000AA", DueDate: testDue}
	case TypeReminderCancelled:
		return ReminderCancelled{TaskID: "t1", ReminderID: "01HZX0000000000000000000AA", DueDate: testDue, Reason: "task-deleted"}
	}
	t.Fatalf("no sample payload for %s", typ)
	return nil
}

func TestRoundTripEveryPair(t *testing.T) {
	pairs := Pairs()
	require.Len(t, pairs, len(Types()))

	for _, pair := range pairs {
		t.Run(string(pair.Type)+"/"+pair.Version, func(t *testing.T) {
			evt := New("task-api", "corr-1", samplePayload(t, pair.Type))
			evt.Version = pair.Version

			raw, err := Marshal(evt)
			require.NoError(t, err)

			decoded, err := Validate(raw)
			require.NoError(t, err)
			assert.Equal(t, evt, decoded)
			assert.Equal(t, "t1", decoded.TaskID())
		})
	}
}

func TestNewStampsEnvelope(t *testing.T) {
	evt := New("task-api", "corr-1", samplePayload(t, TypeTaskDeleted))

	assert.Equal(t, TypeTaskDeleted, evt.Type)
	assert.Equal(t, V1, evt.Version)
	assert.Equal(t, time.UTC, evt.Timestamp.Location())
	assert.NoError(t, evt.Check())
}

func TestNewNormalizesPayloadTimesToUTC(t *testing.T) {
	local := time.Date(2026, 2, 10, 12, 0, 0, 0, time.FixedZone("CEST", 2*3600))
	evt := New("task-api", "c", TaskDeleted{TaskID: "t1", UserID: "u1", DeletedAt: local})

	p := evt.Payload.(TaskDeleted)
	assert.True(t, p.DeletedAt.Equal(local))
	assert.Equal(t, time.UTC, p.DeletedAt.Location())
}

func TestMarshalRejectsInconsistentEvents(t *testing.T) {
	good := New("task-api", "corr-1", samplePayload(t, TypeTaskCreated))

	t.Run("payload type mismatch", func(t *testing.T) {
		evt := good
		evt.Type = TypeTaskDeleted
		_, err := Marshal(evt)
		assert.Error(t, err)
	})

	t.Run("unknown version", func(t *testing.T) {
		evt := good
		evt.Version = "v7"
		_, err := Marshal(evt)
		assert.ErrorIs(t, err, errspkg.ErrUnknownEventType)
	})

	t.Run("missing payload", func(t *testing.T) {
		evt := good
		evt.Payload = nil
		_, err := Marshal(evt)
		assert.ErrorIs(t, err, errspkg.ErrEventPayloadRequired)
	})

	t.Run("invalid priority", func(t *testing.T) {
		p := samplePayload(t, TypeTaskCreated).(TaskCreated)
		p.Priority = "URGENT"
		_, err := Marshal(New("task-api", "c", p))
		assert.Error(t, err)
	})
}

func rawEnvelope(t *testing.T, mutate func(m map[string]any)) []byte {
	t.Helper()
	raw, err := Marshal(New("task-api", "corr-1", samplePayload(t, TypeTaskCreated)))
	require.NoError(t, err)

	var m map[string]any
	require.NoError(t, jsoncodec.Unmarshal(raw, &m))
	mutate(m)
	out, err := jsoncodec.Marshal(m)
	require.NoError(t, err)
	return out
}

func requireValidationError(t *testing.T, raw []byte, reason string) *errspkg.ValidationError {
	t.Helper()
	_, err := Validate(raw)
	require.Error(t, err)
	var verr *errspkg.ValidationError
	require.True(t, errors.As(err, &verr), "expected ValidationError, got %T", err)
	assert.Equal(t, reason, verr.Reason)
	assert.Equal(t, raw, verr.Raw)
	return verr
}

func TestValidateFailsClosed(t *testing.T) {
	t.Run("not json", func(t *testing.T) {
		requireValidationError(t, []byte("{nope"), "malformed envelope")
	})

	t.Run("unknown version carries identity", func(t *testing.T) {
		raw := rawEnvelope(t, func(m map[string]any) { m["event_version"] = "v2" })
		verr := requireValidationError(t, raw, "unsupported event version")
		assert.Equal(t, "task-created", verr.EventType)
		assert.Equal(t, "v2", verr.EventVersion)
		assert.NotEmpty(t, verr.EventID)
	})

	t.Run("unknown type", func(t *testing.T) {
		raw := rawEnvelope(t, func(m map[string]any) { m["event_type"] = "task-archived" })
		verr := requireValidationError(t, raw, "unknown event type")
		assert.ErrorIs(t, verr, errspkg.ErrUnknownEventType)
	})

	t.Run("missing correlation id", func(t *testing.T) {
		raw := rawEnvelope(t, func(m map[string]any) { delete(m, "correlation_id") })
		requireValidationError(t, raw, "invalid envelope")
	})

	t.Run("missing timestamp", func(t *testing.T) {
		raw := rawEnvelope(t, func(m map[string]any) { delete(m, "timestamp") })
		requireValidationError(t, raw, "invalid envelope")
	})

	t.Run("event id not uuid4", func(t *testing.T) {
		raw := rawEnvelope(t, func(m map[string]any) { m["event_id"] = "evt-1" })
		requireValidationError(t, raw, "invalid envelope")
	})

	t.Run("unknown envelope field", func(t *testing.T) {
		raw := rawEnvelope(t, func(m map[string]any) { m["tenant"] = "acme" })
		requireValidationError(t, raw, "malformed envelope")
	})

	t.Run("payload with foreign field", func(t *testing.T) {
		raw := rawEnvelope(t, func(m map[string]any) {
			m["payload"].(map[string]any)["reminder_id"] = "r1"
		})
		requireValidationError(t, raw, "payload does not match event type")
	})

	t.Run("payload missing required field", func(t *testing.T) {
		raw := rawEnvelope(t, func(m map[string]any) {
			delete(m["payload"].(map[string]any), "title")
		})
		requireValidationError(t, raw, "invalid payload")
	})

	t.Run("payload wrong type", func(t *testing.T) {
		raw := rawEnvelope(t, func(m map[string]any) {
			m["payload"].(map[string]any)["tags"] = "home"
		})
		requireValidationError(t, raw, "payload does not match event type")
	})
}

func TestValidateNormalizesTimestamp(t *testing.T) {
	raw := rawEnvelope(t, func(m map[string]any) { m["timestamp"] = "2026-02-10T12:00:00+02:00" })
	evt, err := Validate(raw)
	require.NoError(t, err)
	assert.Equal(t, time.UTC, evt.Timestamp.Location())
	assert.Equal(t, 10, evt.Timestamp.Hour())
}

func TestTaskUpdatedDueDate(t *testing.T) {
	t.Run("moved", func(t *testing.T) {
		p := samplePayload(t, TypeTaskUpdated).(TaskUpdated)
		due, changed, err := p.DueDate()
		require.NoError(t, err)
		assert.True(t, changed)
		require.NotNil(t, due)
		assert.Equal(t, time.Date(2026, 2, 12, 10, 0, 0, 0, time.UTC), *due)
	})

	t.Run("removed", func(t *testing.T) {
		p := TaskUpdated{TaskID: "t1", ChangedFields: []string{"due_date"}, Changes: map[string]FieldChange{"due_date": {Old: "2026-02-10T10:00:00Z", New: nil}}}
		due, changed, err := p.DueDate()
		require.NoError(t, err)
		assert.True(t, changed)
		assert.Nil(t, due)
	})

	t.Run("untouched", func(t *testing.T) {
		p := TaskUpdated{TaskID: "t1", ChangedFields: []string{"title"}, Changes: map[string]FieldChange{"title": {Old: "a", New: "b"}}}
		_, changed, err := p.DueDate()
		require.NoError(t, err)
		assert.False(t, changed)
	})

	t.Run("garbage due date fails validation", func(t *testing.T) {
		p := TaskUpdated{TaskID: "t1", ChangedFields: []string{"due_date"}, Changes: map[string]FieldChange{"due_date": {New: "tomorrow"}}}
		_, err := Marshal(New("task-api", "c", p))
		require.Error(t, err)
		assert.True(t, strings.Contains(err.Error(), "due_date"))
	})

	t.Run("changed field without change entry", func(t *testing.T) {
		p := TaskUpdated{TaskID: "t1", ChangedFields: []string{"status"}, Changes: map[string]FieldChange{}}
		_, err := Marshal(New("task-api", "c", p))
		assert.Error(t, err)
	})
}

func TestTypesKnown(t *testing.T) {
	for _, typ := range Types() {
		assert.True(t, typ.Known(), typ)
		v, ok := CurrentVersion(typ)
		assert.True(t, ok)
		assert.True(t, Supports(typ, v))
	}
	assert.False(t, Type("task-archived").Known())
	assert.False(t, Supports(TypeTaskCreated, "v0"))
}
