package consumer

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/drblury/taskbus/internal/runtime/deadletter"
	"github.com/drblury/taskbus/internal/runtime/logging"
)

func TestStateTransitions(t *testing.T) {
	tests := []struct {
		from, to State
		ok       bool
	}{
		{StateReceived, StateProcessing, true},
		{StateReceived, StateDeadLettered, true},
		{StateReceived, StateCommitted, true},
		{StateProcessing, StateRetrying, true},
		{StateProcessing, StateCommitted, true},
		{StateProcessing, StateDeadLettered, true},
		{StateRetrying, StateProcessing, true},
		{StateRetrying, StateCommitted, false},
		{StateCommitted, StateProcessing, false},
		{StateDeadLettered, StateRetrying, false},
		{StateReceived, StateRetrying, false},
	}
	for _, tt := range tests {
		t.Run(tt.from.String()+"->"+tt.to.String(), func(t *testing.T) {
			assert.Equal(t, tt.ok, tt.from.CanMove(tt.to))
		})
	}

	for _, s := range []State{StateCommitted, StateDeadLettered, StateNacked} {
		assert.True(t, s.Terminal(), s.String())
	}
	assert.False(t, StateProcessing.Terminal())
	assert.Equal(t, "state(42)", State(42).String())
}

func TestHooksMerge(t *testing.T) {
	var calls []string
	first := Hooks{
		OnStart:     func(Delivery) { calls = append(calls, "first.start") },
		OnCommitted: func(Delivery) { calls = append(calls, "first.committed") },
	}
	second := Hooks{
		OnStart: func(Delivery) { calls = append(calls, "second.start") },
		OnRetry: func(Delivery, error, time.Duration) { calls = append(calls, "second.retry") },
	}

	merged := first.Merge(second)
	merged.OnStart(Delivery{})
	merged.OnRetry(Delivery{}, errors.New("x"), time.Millisecond)
	merged.OnCommitted(Delivery{})

	assert.Equal(t, []string{"first.start", "second.start", "second.retry", "first.committed"}, calls)
	assert.Nil(t, merged.OnDeadLettered)
	assert.Nil(t, Hooks{}.Merge(Hooks{}).OnNacked)
}

type logLine struct {
	level  string
	msg    string
	err    error
	fields logging.LogFields
}

type recordingLogger struct {
	mu    sync.Mutex
	lines []logLine
}

func (l *recordingLogger) add(level, msg string, err error, fields logging.LogFields) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.lines = append(l.lines, logLine{level: level, msg: msg, err: err, fields: fields})
}

func (l *recordingLogger) With(logging.LogFields) logging.ServiceLogger { return l }
func (l *recordingLogger) Debug(msg string, f logging.LogFields)        { l.add("debug", msg, nil, f) }
func (l *recordingLogger) Info(msg string, f logging.LogFields)         { l.add("info", msg, nil, f) }
func (l *recordingLogger) Trace(msg string, f logging.LogFields)        { l.add("trace", msg, nil, f) }
func (l *recordingLogger) Error(msg string, err error, f logging.LogFields) {
	l.add("error", msg, err, f)
}

func TestLoggingHooks(t *testing.T) {
	logger := &recordingLogger{}
	hooks := LoggingHooks(logger)
	d := Delivery{
		ConsumerGroup: group,
		Topic:         "task-events",
		Key:           "t1",
		Partition:     -1,
		EventID:       "evt-1",
		EventType:     "task-created",
		Attempt:       2,
	}

	hooks.OnStart(d)
	hooks.OnRetry(d, errors.New("db down"), 400*time.Millisecond)
	hooks.OnDeadLettered(d, deadletter.Record{RecordID: "r1", ErrorKind: "handler", AttemptCount: 5})
	hooks.OnCommitted(d)
	hooks.OnNacked(d, errors.New("dlq down"))

	logger.mu.Lock()
	defer logger.mu.Unlock()
	levels := make([]string, 0, len(logger.lines))
	for _, line := range logger.lines {
		levels = append(levels, line.level)
		assert.Equal(t, "evt-1", line.fields["event_id"])
		assert.NotContains(t, line.fields, "partition")
	}
	assert.Equal(t, []string{"trace", "error", "info", "debug", "error"}, levels)
	assert.Equal(t, "400ms", logger.lines[1].fields["next_in"])
	assert.Equal(t, "r1", logger.lines[2].fields["record_id"])
}
