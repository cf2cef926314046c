package reminder

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	errspkg "github.com/drblury/taskbus/internal/runtime/errors"
	"github.com/drblury/taskbus/internal/runtime/events"
	"github.com/drblury/taskbus/internal/runtime/promtest"
	"github.com/drblury/taskbus/internal/runtime/publisher"
)

// emitter records reminder events instead of publishing them.
type emitter struct {
	mu     sync.Mutex
	events []events.Event
	fail   bool
	// before runs ahead of each publish; an error fails it.
	before func(ctx context.Context) error
}

func (e *emitter) Publish(ctx context.Context, evt events.Event) publisher.Outcome {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.fail {
		return publisher.Outcome{Err: errors.New("broker down"), Attempts: 3}
	}
	if e.before != nil {
		if err := e.before(ctx); err != nil {
			return publisher.Outcome{Err: err, Attempts: 1}
		}
	}
	e.events = append(e.events, evt)
	return publisher.Outcome{OK: true, Attempts: 1}
}

func (e *emitter) types() []events.Type {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]events.Type, 0, len(e.events))
	for _, evt := range e.events {
		out = append(out, evt.Type)
	}
	return out
}

func (e *emitter) last() events.Event {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.events[len(e.events)-1]
}

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

func newScheduler(t *testing.T) (*Scheduler, *MemoryStore, *emitter, *clock) {
	t.Helper()
	store := NewMemoryStore()
	emit := &emitter{}
	clk := &clock{now: due.Add(-24 * time.Hour)}
	s, err := New(store, emit, nil, Options{})
	require.NoError(t, err)
	s.now = clk.Now
	return s, store, emit, clk
}

func created(taskID string, at *time.Time) events.Event {
	return events.New("task-api", "corr-created-"+taskID, events.TaskCreated{
		TaskID:    taskID,
		UserID:    "u1",
		Title:     "water plants",
		Priority:  events.PriorityMedium,
		Status:    events.StatusTodo,
		DueDate:   at,
		Tags:      []string{},
		CreatedAt: due.Add(-48 * time.Hour),
	})
}

func dueMoved(taskID string, from, to any) events.Event {
	return events.New("task-api", "corr-updated-"+taskID, events.TaskUpdated{
		TaskID:        taskID,
		ChangedFields: []string{"due_date"},
		Changes:       map[string]events.FieldChange{"due_date": {Old: from, New: to}},
	})
}

func deleted(taskID string) events.Event {
	return events.New("task-api", "corr-deleted-"+taskID, events.TaskDeleted{TaskID: taskID, UserID: "u1", DeletedAt: due})
}

func completed(taskID string) events.Event {
	return events.New("task-api", "corr-completed-"+taskID, events.TaskCompleted{TaskID: taskID, UserID: "u1", CompletedAt: due})
}

func ptr(t time.Time) *time.Time { return &t }

func TestNewValidates(t *testing.T) {
	_, err := New(nil, &emitter{}, nil, Options{})
	assert.ErrorIs(t, err, ErrStoreRequired)
	_, err = New(NewMemoryStore(), nil, nil, Options{})
	assert.ErrorIs(t, err, errspkg.ErrPublisherRequired)

	s, err := New(NewMemoryStore(), &emitter{}, nil, Options{})
	require.NoError(t, err)
	assert.Equal(t, DefaultProducer, s.opts.Producer)
	assert.Equal(t, DefaultScanInterval, s.opts.ScanInterval)
	assert.Equal(t, DefaultBatchSize, s.opts.BatchSize)
	assert.Equal(t, []string{"task-events", "task-updates"}, Topics())
}

func TestConcreteScenario(t *testing.T) {
	s, store, emit, _ := newScheduler(t)
	ctx := context.Background()
	first := time.Date(2026, 2, 10, 10, 0, 0, 0, time.UTC)
	second := time.Date(2026, 2, 12, 10, 0, 0, 0, time.UTC)

	create := created("t1", ptr(first))
	require.NoError(t, s.Handle(ctx, create))
	r, err := store.Get(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, StateScheduled, r.State)
	assert.True(t, r.DueDate.Equal(first))
	firstID := r.ReminderID

	require.NoError(t, s.Handle(ctx, dueMoved("t1", "2026-02-10T10:00:00Z", "2026-02-12T10:00:00Z")))
	r, err = store.Get(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, 1, store.Len())
	assert.Equal(t, StateScheduled, r.State)
	assert.True(t, r.DueDate.Equal(second))
	assert.NotEqual(t, firstID, r.ReminderID, "a moved due date gets a new reminder id")

	require.NoError(t, s.Handle(ctx, completed("t1")))
	r, err = store.Get(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, StateCancelled, r.State)
	assert.Equal(t, 1, store.Len())

	assert.Equal(t, []events.Type{
		events.TypeReminderScheduled,
		events.TypeReminderScheduled,
		events.TypeReminderCancelled,
	}, emit.types())
	cancelled := emit.last()
	assert.Equal(t, "corr-completed-t1", cancelled.CorrelationID)
	assert.Equal(t, DefaultProducer, cancelled.Producer)
	assert.Equal(t, ReasonTaskCompleted, cancelled.Payload.(events.ReminderCancelled).Reason)
}

func TestRedeliveredCreateIsIdempotent(t *testing.T) {
	s, store, emit, _ := newScheduler(t)
	ctx := context.Background()
	evt := created("t1", ptr(due))

	require.NoError(t, s.Handle(ctx, evt))
	once, err := store.Get(ctx, "t1")
	require.NoError(t, err)

	assert.ErrorIs(t, s.Handle(ctx, evt), errspkg.ErrSkip)
	twice, err := store.Get(ctx, "t1")
	require.NoError(t, err)

	assert.Equal(t, 1, store.Len())
	assert.Equal(t, once, twice)
	assert.Len(t, emit.types(), 1)
}

func TestScheduledEventSharesCorrelation(t *testing.T) {
	s, store, emit, _ := newScheduler(t)
	ctx := context.Background()
	evt := created("t1", ptr(due))
	require.NoError(t, s.Handle(ctx, evt))

	r, err := store.Get(ctx, "t1")
	require.NoError(t, err)
	out := emit.last()
	assert.Equal(t, evt.CorrelationID, out.CorrelationID)
	assert.Equal(t, events.ReminderScheduled{TaskID: "t1", ReminderID: r.ReminderID, DueDate: due, Reason: ReasonTaskCreated}, out.Payload)
}

func TestEventsThatLeaveRemindersAlone(t *testing.T) {
	ctx := context.Background()

	t.Run("created without due date", func(t *testing.T) {
		s, store, emit, _ := newScheduler(t)
		assert.ErrorIs(t, s.Handle(ctx, created("t1", nil)), errspkg.ErrSkip)
		assert.Zero(t, store.Len())
		assert.Empty(t, emit.types())
	})

	t.Run("update without due date change", func(t *testing.T) {
		s, store, _, _ := newScheduler(t)
		require.NoError(t, s.Handle(ctx, created("t1", ptr(due))))
		evt := events.New("task-api", "c", events.TaskUpdated{
			TaskID:        "t1",
			ChangedFields: []string{"title"},
			Changes:       map[string]events.FieldChange{"title": {Old: "a", New: "b"}},
		})
		before, _ := store.Get(ctx, "t1")
		assert.ErrorIs(t, s.Handle(ctx, evt), errspkg.ErrSkip)
		after, _ := store.Get(ctx, "t1")
		assert.Equal(t, before, after)
	})

	t.Run("cancel without reminder", func(t *testing.T) {
		s, store, emit, _ := newScheduler(t)
		assert.ErrorIs(t, s.Handle(ctx, deleted("ghost")), errspkg.ErrSkip)
		assert.ErrorIs(t, s.Handle(ctx, completed("ghost")), errspkg.ErrSkip)
		assert.Zero(t, store.Len())
		assert.Empty(t, emit.types())
	})

	t.Run("reminder events", func(t *testing.T) {
		s, _, _, _ := newScheduler(t)
		evt := events.New("reminder-scheduler", "c", events.ReminderTriggered{TaskID: "t1", ReminderID: "r1", DueDate: due})
		assert.ErrorIs(t, s.Handle(ctx, evt), errspkg.ErrSkip)
	})

	t.Run("same due date keeps reminder", func(t *testing.T) {
		s, store, emit, _ := newScheduler(t)
		require.NoError(t, s.Handle(ctx, created("t1", ptr(due))))
		before, _ := store.Get(ctx, "t1")
		require.NoError(t, s.Handle(ctx, dueMoved("t1", "2026-02-10T10:00:00Z", "2026-02-10T12:00:00+02:00")))
		after, _ := store.Get(ctx, "t1")
		assert.Equal(t, before.ReminderID, after.ReminderID)
		assert.Len(t, emit.types(), 1)
	})
}

func TestDueDateRemovedCancels(t *testing.T) {
	s, store, emit, _ := newScheduler(t)
	ctx := context.Background()
	require.NoError(t, s.Handle(ctx, created("t1", ptr(due))))
	require.NoError(t, s.Handle(ctx, dueMoved("t1", "2026-02-10T10:00:00Z", nil)))

	r, err := store.Get(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, StateCancelled, r.State)
	assert.Equal(t, ReasonDueDateRemoved, emit.last().Payload.(events.ReminderCancelled).Reason)

	// A later due date brings it back.
	later := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)
	require.NoError(t, s.Handle(ctx, dueMoved("t1", nil, "2026-03-01T08:00:00Z")))
	r, err = store.Get(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, StateScheduled, r.State)
	assert.True(t, r.DueDate.Equal(later))
}

func TestCancelledReminderNeverTriggers(t *testing.T) {
	s, store, emit, clk := newScheduler(t)
	ctx := context.Background()
	require.NoError(t, s.Handle(ctx, created("t1", ptr(due))))
	require.NoError(t, s.Handle(ctx, deleted("t1")))

	clk.Set(due.Add(time.Hour))
	n, err := s.Scan(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	r, err := store.Get(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, StateCancelled, r.State)
	assert.NotContains(t, emit.types(), events.TypeReminderTriggered)

	// Deleting twice changes nothing.
	assert.ErrorIs(t, s.Handle(ctx, deleted("t1")), errspkg.ErrSkip)
}

func TestScanTriggersDueReminders(t *testing.T) {
	s, store, emit, clk := newScheduler(t)
	reg := prometheus.NewRegistry()
	m, err := NewMetrics(reg)
	require.NoError(t, err)
	s.opts.Metrics = m
	ctx := context.Background()

	require.NoError(t, s.Handle(ctx, created("t1", ptr(due))))
	require.NoError(t, s.Handle(ctx, created("t2", ptr(due.Add(time.Hour)))))

	n, err := s.Scan(ctx)
	require.NoError(t, err)
	assert.Zero(t, n, "nothing is due yet")

	clk.Set(due.Add(30 * time.Second))
	n, err = s.Scan(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	r, err := store.Get(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, StateTriggered, r.State)

	fired := emit.last()
	assert.Equal(t, events.TypeReminderTriggered, fired.Type)
	assert.Equal(t, "corr-created-t1", fired.CorrelationID)
	assert.Equal(t, events.ReminderTriggered{TaskID: "t1", ReminderID: r.ReminderID, DueDate: due, Reason: ReasonDue}, fired.Payload)

	n, err = s.Scan(ctx)
	require.NoError(t, err)
	assert.Zero(t, n, "a triggered reminder fires once")

	assert.Equal(t, 1.0, promtest.CounterValue(t, reg, "taskbus_reminder_transitions_total", promtest.Labels{"state": "triggered"}))
	assert.Equal(t, 2.0, promtest.CounterValue(t, reg, "taskbus_reminder_transitions_total", promtest.Labels{"state": "scheduled"}))
	assert.Equal(t, uint64(1), promtest.HistogramCount(t, reg, "taskbus_reminder_trigger_lag_seconds", nil))

	require.NoError(t, s.Handle(ctx, completed("t1")))
	r, err = store.Get(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, StateCompleted, r.State)
	assert.Equal(t, events.TypeReminderTriggered, emit.last().Type, "completing a fired reminder emits nothing")
}

func TestScanPutsBackUnpublishedReminders(t *testing.T) {
	s, store, emit, clk := newScheduler(t)
	ctx := context.Background()
	require.NoError(t, s.Handle(ctx, created("t1", ptr(due))))

	clk.Set(due.Add(time.Minute))
	emit.fail = true
	n, err := s.Scan(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
	r, err := store.Get(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, StateScheduled, r.State)

	emit.fail = false
	n, err = s.Scan(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestScanFinishesClaimedReminderOnShutdown(t *testing.T) {
	s, store, emit, clk := newScheduler(t)
	require.NoError(t, s.Handle(context.Background(), created("t1", ptr(due))))
	clk.Set(due.Add(time.Minute))

	ctx, cancel := context.WithCancel(context.Background())
	emit.before = func(pctx context.Context) error {
		cancel()
		return pctx.Err()
	}
	n, err := s.Scan(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	r, err := store.Get(context.Background(), "t1")
	require.NoError(t, err)
	assert.Equal(t, StateTriggered, r.State)
	assert.Equal(t, events.TypeReminderTriggered, emit.last().Type)
}

func TestScanPutsBackReminderWhenPublishFailsOnShutdown(t *testing.T) {
	s, store, emit, clk := newScheduler(t)
	require.NoError(t, s.Handle(context.Background(), created("t1", ptr(due))))
	clk.Set(due.Add(time.Minute))

	ctx, cancel := context.WithCancel(context.Background())
	emit.before = func(context.Context) error {
		cancel()
		return context.Canceled
	}
	n, err := s.Scan(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	r, err := store.Get(context.Background(), "t1")
	require.NoError(t, err)
	assert.Equal(t, StateScheduled, r.State, "the next scan retries it")

	emit.before = nil
	n, err = s.Scan(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestRestatedDueDateKeepsFiredReminder(t *testing.T) {
	s, store, emit, clk := newScheduler(t)
	ctx := context.Background()
	require.NoError(t, s.Handle(ctx, created("t1", ptr(due))))
	clk.Set(due.Add(time.Minute))
	n, err := s.Scan(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)
	fired, err := store.Get(ctx, "t1")
	require.NoError(t, err)

	require.NoError(t, s.Handle(ctx, dueMoved("t1", "2026-02-10T10:00:00Z", "2026-02-10T12:00:00+02:00")))

	r, err := store.Get(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, StateTriggered, r.State)
	assert.Equal(t, fired.ReminderID, r.ReminderID)
	assert.Equal(t, []events.Type{events.TypeReminderScheduled, events.TypeReminderTriggered}, emit.types())

	n, err = s.Scan(ctx)
	require.NoError(t, err)
	assert.Zero(t, n, "a fired reminder does not fire again")
}

func TestScanSeedsMissingCorrelation(t *testing.T) {
	s, store, emit, clk := newScheduler(t)
	ctx := context.Background()
	require.NoError(t, store.Upsert(ctx, Reminder{TaskID: "t1", ReminderID: "r1", DueDate: due, State: StateScheduled}))

	clk.Set(due)
	n, err := s.Scan(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.NotEmpty(t, emit.last().CorrelationID)
}

func TestScanBatchSize(t *testing.T) {
	s, _, emit, clk := newScheduler(t)
	s.opts.BatchSize = 2
	ctx := context.Background()
	for _, id := range []string{"t1", "t2", "t3"} {
		require.NoError(t, s.Handle(ctx, created(id, ptr(due))))
	}

	clk.Set(due)
	n, err := s.Scan(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	n, err = s.Scan(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Len(t, emit.types(), 6)
}

func TestRunScansUntilCancelled(t *testing.T) {
	s, store, _, clk := newScheduler(t)
	s.opts.ScanInterval = 5 * time.Millisecond
	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, s.Handle(ctx, created("t1", ptr(due))))

	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	clk.Set(due)
	require.Eventually(t, func() bool {
		r, err := store.Get(context.Background(), "t1")
		return err == nil && r.State == StateTriggered
	}, time.Second, 5*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
