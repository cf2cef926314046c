package reminder

import (
	"context"
	"errors"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/jackc/pgx/v5"

	"github.com/drblury/taskbus/internal/database"
)

const table = "reminders"

var columns = []string{
	"task_id", "reminder_id", "due_date", "state",
	"correlation_id", "last_event_id", "last_event_at", "updated_at",
}

const upsertSuffix = `ON CONFLICT (task_id) DO UPDATE SET
	reminder_id = EXCLUDED.reminder_id,
	due_date = EXCLUDED.due_date,
	state = EXCLUDED.state,
	correlation_id = EXCLUDED.correlation_id,
	last_event_id = EXCLUDED.last_event_id,
	last_event_at = EXCLUDED.last_event_at,
	updated_at = EXCLUDED.updated_at`

// PostgresStore keeps reminders in the reminders table.
type PostgresStore struct {
	db   database.Querier
	psql sq.StatementBuilderType
}

func NewPostgresStore(db database.Querier) *PostgresStore {
	return &PostgresStore{db: db, psql: database.Psql}
}

func (s *PostgresStore) Get(ctx context.Context, taskID string) (Reminder, error) {
	query, args, err := s.psql.
		Select(columns...).
		From(table).
		Where(sq.Eq{"task_id": taskID}).
		ToSql()
	if err != nil {
		return Reminder{}, fmt.Errorf("build query: %w", err)
	}
	r, err := scan(s.db.QueryRow(ctx, query, args...))
	if errors.Is(err, pgx.ErrNoRows) {
		return Reminder{}, ErrNotFound
	}
	if err != nil {
		return Reminder{}, fmt.Errorf("get reminder: %w", err)
	}
	return r, nil
}

func (s *PostgresStore) Upsert(ctx context.Context, r Reminder) error {
	query, args, err := s.psql.
		Insert(table).
		Columns(columns...).
		Values(
			r.TaskID, r.ReminderID, r.DueDate.UTC(), string(r.State),
			r.CorrelationID, r.LastEventID, r.LastEventAt.UTC(), r.UpdatedAt.UTC(),
		).
		Suffix(upsertSuffix).
		ToSql()
	if err != nil {
		return fmt.Errorf("build query: %w", err)
	}
	if _, err := s.db.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("upsert reminder: %w", err)
	}
	return nil
}

func (s *PostgresStore) Transition(ctx context.Context, taskID, reminderID string, from, to State, at time.Time) (bool, error) {
	query, args, err := s.psql.
		Update(table).
		Set("state", string(to)).
		Set("updated_at", at.UTC()).
		Where(sq.Eq{"task_id": taskID, "reminder_id": reminderID, "state": string(from)}).
		ToSql()
	if err != nil {
		return false, fmt.Errorf("build query: %w", err)
	}
	tag, err := s.db.Exec(ctx, query, args...)
	if err != nil {
		return false, fmt.Errorf("transition reminder: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (s *PostgresStore) Due(ctx context.Context, now time.Time, limit int) ([]Reminder, error) {
	builder := s.psql.
		Select(columns...).
		From(table).
		Where(sq.Eq{"state": string(StateScheduled)}).
		Where(sq.LtOrEq{"due_date": now.UTC()}).
		OrderBy("due_date", "task_id")
	if limit > 0 {
		builder = builder.Limit(uint64(limit))
	}
	query, args, err := builder.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build query: %w", err)
	}

	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query due reminders: %w", err)
	}
	defer rows.Close()

	var due []Reminder
	for rows.Next() {
		r, err := scan(rows)
		if err != nil {
			return nil, fmt.Errorf("scan reminder: %w", err)
		}
		due = append(due, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}
	return due, nil
}

func scan(row pgx.Row) (Reminder, error) {
	var (
		r     Reminder
		state string
	)
	err := row.Scan(
		&r.TaskID, &r.ReminderID, &r.DueDate, &state,
		&r.CorrelationID, &r.LastEventID, &r.LastEventAt, &r.UpdatedAt,
	)
	if err != nil {
		return Reminder{}, err
	}
	r.State = State(state)
	r.DueDate = r.DueDate.UTC()
	r.LastEventAt = r.LastEventAt.UTC()
	r.UpdatedAt = r.UpdatedAt.UTC()
	return r, nil
}
