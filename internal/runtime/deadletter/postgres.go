package deadletter

import (
	"context"
	"fmt"

	sq "github.com/Masterminds/squirrel"

	"github.com/drblury/taskbus/internal/database"
)

const table = "dead_letters"

var columns = []string{
	"record_id", "event_id", "event_type", "event_version", "envelope",
	"original_topic", "partition_key", "error_message", "error_kind",
	"attempt_count", "first_failed_at", "dead_lettered_at", "consumer_group",
}

// PostgresStore keeps records in the dead_letters table.
type PostgresStore struct {
	db   database.Querier
	psql sq.StatementBuilderType
}

// NewPostgresStore returns a store using db, usually a *pgxpool.Pool.
func NewPostgresStore(db database.Querier) *PostgresStore {
	return &PostgresStore{db: db, psql: database.Psql}
}

func (s *PostgresStore) Record(ctx context.Context, rec Record) error {
	if err := rec.Validate(); err != nil {
		return err
	}
	query, args, err := s.psql.
		Insert(table).
		Columns(columns...).
		Values(
			rec.RecordID, rec.EventID, rec.EventType, rec.EventVersion, []byte(rec.Envelope),
			rec.OriginalTopic, rec.PartitionKey, rec.ErrorMessage, rec.ErrorKind,
			rec.AttemptCount, rec.FirstFailedAt.UTC(), rec.DeadLetteredAt.UTC(), rec.ConsumerGroup,
		).
		Suffix("ON CONFLICT (record_id) DO NOTHING").
		ToSql()
	if err != nil {
		return fmt.Errorf("build query: %w", err)
	}
	if _, err := s.db.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("insert dead letter: %w", err)
	}
	return nil
}

func (s *PostgresStore) List(ctx context.Context, filter Filter) ([]Record, error) {
	query, args, err := s.psql.
		Select(columns...).
		From(table).
		Where(where(filter)).
		OrderBy("dead_lettered_at DESC", "record_id DESC").
		Limit(uint64(filter.limit())).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build query: %w", err)
	}

	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query dead letters: %w", err)
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		var (
			rec      Record
			envelope []byte
		)
		err := rows.Scan(
			&rec.RecordID, &rec.EventID, &rec.EventType, &rec.EventVersion, &envelope,
			&rec.OriginalTopic, &rec.PartitionKey, &rec.ErrorMessage, &rec.ErrorKind,
			&rec.AttemptCount, &rec.FirstFailedAt, &rec.DeadLetteredAt, &rec.ConsumerGroup,
		)
		if err != nil {
			return nil, fmt.Errorf("scan dead letter: %w", err)
		}
		rec.Envelope = string(envelope)
		rec.FirstFailedAt = rec.FirstFailedAt.UTC()
		rec.DeadLetteredAt = rec.DeadLetteredAt.UTC()
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}
	return records, nil
}

func (s *PostgresStore) Count(ctx context.Context, filter Filter) (int, error) {
	query, args, err := s.psql.
		Select("count(*)").
		From(table).
		Where(where(filter)).
		ToSql()
	if err != nil {
		return 0, fmt.Errorf("build query: %w", err)
	}
	var n int
	if err := s.db.QueryRow(ctx, query, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("count dead letters: %w", err)
	}
	return n, nil
}

func where(filter Filter) sq.And {
	conds := sq.And{}
	if filter.OriginalTopic != "" {
		conds = append(conds, sq.Eq{"original_topic": filter.OriginalTopic})
	}
	if filter.EventType != "" {
		conds = append(conds, sq.Eq{"event_type": filter.EventType})
	}
	if !filter.Since.IsZero() {
		conds = append(conds, sq.GtOrEq{"dead_lettered_at": filter.Since.UTC()})
	}
	return conds
}
