package reminder

import (
	"context"
	"errors"
	"time"

	errspkg "github.com/drblury/taskbus/internal/runtime/errors"
	"github.com/drblury/taskbus/internal/runtime/events"
	"github.com/drblury/taskbus/internal/runtime/ids"
	"github.com/drblury/taskbus/internal/runtime/logging"
	"github.com/drblury/taskbus/internal/runtime/publisher"
	"github.com/drblury/taskbus/internal/runtime/topics"
)

const (
	DefaultProducer     = "reminder-scheduler"
	DefaultScanInterval = 30 * time.Second
	DefaultBatchSize    = 100
)

// Reasons carried by reminder events and the transitions metric.
const (
	ReasonTaskCreated    = "task-created"
	ReasonTaskUpdated    = "task-updated"
	ReasonDueDateRemoved = "due-date-removed"
	ReasonTaskDeleted    = "task-deleted"
	ReasonTaskCompleted  = "task-completed"
	ReasonDue            = "due"
)

// Emitter publishes reminder events. *publisher.Publisher satisfies it.
type Emitter interface {
	Publish(ctx context.Context, evt events.Event) publisher.Outcome
}

// Options configures a Scheduler. Zero values select the defaults.
type Options struct {
	// Producer is stamped on emitted reminder events.
	Producer     string
	ScanInterval time.Duration
	// BatchSize caps the reminders fired per scan.
	BatchSize int
	Metrics   *Metrics
}

// Scheduler keeps reminders in step with task events and fires them when due.
type Scheduler struct {
	store  Store
	emit   Emitter
	logger logging.ServiceLogger
	opts   Options
	now    func() time.Time
}

func New(store Store, emit Emitter, logger logging.ServiceLogger, opts Options) (*Scheduler, error) {
	if store == nil {
		return nil, ErrStoreRequired
	}
	if emit == nil {
		return nil, errspkg.ErrPublisherRequired
	}
	if logger == nil {
		logger = logging.Nop()
	}
	if opts.Producer == "" {
		opts.Producer = DefaultProducer
	}
	if opts.ScanInterval <= 0 {
		opts.ScanInterval = DefaultScanInterval
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = DefaultBatchSize
	}
	return &Scheduler{
		store:  store,
		emit:   emit,
		logger: logger.With(logging.LogFields{"component": "reminder_scheduler"}),
		opts:   opts,
		now:    func() time.Time { return time.Now().UTC() },
	}, nil
}

// Topics are the topics Handle must be subscribed to.
func Topics() []string {
	return []string{topics.TaskEvents, topics.TaskUpdates}
}

// Handle applies one task event. It satisfies consumer.Handler. Events that
// leave the reminder untouched return errors.ErrSkip.
func (s *Scheduler) Handle(ctx context.Context, evt events.Event) error {
	switch p := evt.Payload.(type) {
	case events.TaskCreated:
		if p.DueDate == nil {
			return errspkg.ErrSkip
		}
		return s.schedule(ctx, evt, *p.DueDate, ReasonTaskCreated)
	case events.TaskUpdated:
		due, changed, err := p.DueDate()
		if err != nil {
			return errspkg.Permanent(err)
		}
		if !changed {
			return errspkg.ErrSkip
		}
		if due == nil {
			return s.cancel(ctx, evt, ReasonDueDateRemoved)
		}
		return s.schedule(ctx, evt, *due, ReasonTaskUpdated)
	case events.TaskDeleted:
		return s.cancel(ctx, evt, ReasonTaskDeleted)
	case events.TaskCompleted:
		return s.complete(ctx, evt)
	}
	return errspkg.ErrSkip
}

// current loads the task's reminder. A redelivered event that already
// produced the row, or an event older than the one that did, is reported as
// ErrSkip. task-updated travels on its own topic and may overtake or trail
// the other task events.
func (s *Scheduler) current(ctx context.Context, evt events.Event) (Reminder, bool, error) {
	cur, err := s.store.Get(ctx, evt.TaskID())
	if errors.Is(err, ErrNotFound) {
		return Reminder{}, false, nil
	}
	if err != nil {
		return Reminder{}, false, err
	}
	if cur.LastEventID == evt.ID || evt.Timestamp.Before(cur.LastEventAt) {
		return cur, true, errspkg.ErrSkip
	}
	return cur, true, nil
}

func (s *Scheduler) schedule(ctx context.Context, evt events.Event, due time.Time, reason string) error {
	due = due.UTC()
	cur, found, err := s.current(ctx, evt)
	if err != nil {
		return err
	}

	next := Reminder{
		TaskID:        evt.TaskID(),
		ReminderID:    ids.CreateULID(),
		DueDate:       due,
		State:         StateScheduled,
		CorrelationID: evt.CorrelationID,
		LastEventID:   evt.ID,
		LastEventAt:   evt.Timestamp,
		UpdatedAt:     s.now(),
	}
	sameDue := found && cur.DueDate.Equal(due)
	if sameDue {
		next.ReminderID = cur.ReminderID
		// A reminder that already fired for this instant stays fired.
		if cur.State == StateTriggered || cur.State == StateCompleted {
			next.State = cur.State
		}
	}
	if err := s.store.Upsert(ctx, next); err != nil {
		return err
	}
	if sameDue && cur.State == next.State {
		return nil
	}

	s.opts.Metrics.transition(StateScheduled, reason)
	s.logger.Debug("Reminder scheduled", reminderFields(next, "reason", reason))
	s.publish(ctx, evt.CorrelationID, events.ReminderScheduled{
		TaskID:     next.TaskID,
		ReminderID: next.ReminderID,
		DueDate:    next.DueDate,
		Reason:     reason,
	})
	return nil
}

func (s *Scheduler) cancel(ctx context.Context, evt events.Event, reason string) error {
	cur, found, err := s.current(ctx, evt)
	if err != nil {
		return err
	}
	if !found || cur.State.Done() {
		return errspkg.ErrSkip
	}
	return s.finish(ctx, evt, cur, StateCancelled, reason)
}

// complete cancels a pending reminder and closes a fired one.
func (s *Scheduler) complete(ctx context.Context, evt events.Event) error {
	cur, found, err := s.current(ctx, evt)
	if err != nil {
		return err
	}
	switch {
	case !found || cur.State.Done():
		return errspkg.ErrSkip
	case cur.State == StateTriggered:
		return s.finish(ctx, evt, cur, StateCompleted, ReasonTaskCompleted)
	default:
		return s.finish(ctx, evt, cur, StateCancelled, ReasonTaskCompleted)
	}
}

func (s *Scheduler) finish(ctx context.Context, evt events.Event, cur Reminder, to State, reason string) error {
	next := cur
	next.State = to
	next.CorrelationID = evt.CorrelationID
	next.LastEventID = evt.ID
	next.LastEventAt = evt.Timestamp
	next.UpdatedAt = s.now()
	if err := s.store.Upsert(ctx, next); err != nil {
		return err
	}

	s.opts.Metrics.transition(to, reason)
	s.logger.Debug("Reminder "+string(to), reminderFields(next, "reason", reason))
	if to == StateCancelled {
		s.publish(ctx, evt.CorrelationID, events.ReminderCancelled{
			TaskID:     next.TaskID,
			ReminderID: next.ReminderID,
			DueDate:    next.DueDate,
			Reason:     reason,
		})
	}
	return nil
}

// Scan fires every scheduled reminder that is due, up to BatchSize, and
// returns how many it fired. A reminder whose event could not be published is
// put back so a later scan retries it.
func (s *Scheduler) Scan(ctx context.Context) (int, error) {
	now := s.now()
	due, err := s.store.Due(ctx, now, s.opts.BatchSize)
	if err != nil {
		return 0, err
	}

	fired := 0
	for _, r := range due {
		ok, err := s.store.Transition(ctx, r.TaskID, r.ReminderID, StateScheduled, StateTriggered, now)
		if err != nil {
			return fired, err
		}
		if !ok {
			// A newer task event replaced or cancelled it.
			continue
		}

		// Once claimed, the reminder is either published or put back, even
		// when ctx is cancelled meanwhile.
		settled := context.WithoutCancel(ctx)
		correlationID := r.CorrelationID
		if correlationID == "" {
			correlationID = ids.NewEventID()
		}
		out := s.publish(settled, correlationID, events.ReminderTriggered{
			TaskID:     r.TaskID,
			ReminderID: r.ReminderID,
			DueDate:    r.DueDate,
			Reason:     ReasonDue,
		})
		if !out.OK {
			if _, err := s.store.Transition(settled, r.TaskID, r.ReminderID, StateTriggered, StateScheduled, s.now()); err != nil {
				s.logger.Error("Failed to reschedule unpublished reminder", err, reminderFields(r))
			}
			continue
		}

		fired++
		s.opts.Metrics.transition(StateTriggered, ReasonDue)
		s.opts.Metrics.triggered(now.Sub(r.DueDate))
		s.logger.Info("Reminder triggered", reminderFields(r))
	}
	return fired, nil
}

// Run scans every ScanInterval until ctx is cancelled. A full batch is
// followed by an immediate rescan.
func (s *Scheduler) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.opts.ScanInterval)
	defer ticker.Stop()

	for {
		n, err := s.Scan(ctx)
		switch {
		case err != nil && ctx.Err() == nil:
			s.logger.Error("Reminder scan failed", err, nil)
		case n >= s.opts.BatchSize:
			continue
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

func (s *Scheduler) publish(ctx context.Context, correlationID string, payload events.Payload) publisher.Outcome {
	out := s.emit.Publish(ctx, events.New(s.opts.Producer, correlationID, payload))
	if !out.OK {
		s.logger.Error("Reminder event not published", out.Err, logging.LogFields{
			"task_id":    payload.AggregateID(),
			"event_type": payload.EventType(),
		})
	}
	return out
}

func reminderFields(r Reminder, extra ...any) logging.LogFields {
	fields := logging.LogFields{
		"task_id":     r.TaskID,
		"reminder_id": r.ReminderID,
		"due_date":    r.DueDate,
		"state":       r.State,
	}
	for i := 0; i+1 < len(extra); i += 2 {
		if key, ok := extra[i].(string); ok {
			fields[key] = extra[i+1]
		}
	}
	return fields
}
