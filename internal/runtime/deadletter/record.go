// Package deadletter stores messages the consumer runtime gave up on. The
// store is passive: records are written and listed, never consumed or
// replayed automatically.
package deadletter

import (
	"context"
	"time"

	"github.com/go-playground/validator/v10"

	idspkg "github.com/drblury/taskbus/internal/runtime/ids"
	"github.com/drblury/taskbus/internal/runtime/jsoncodec"
)

const (
	DefaultListLimit = 100
	MaxListLimit     = 1000
)

var validate = validator.New()

// Record is one dead-lettered message. Envelope holds the raw bytes as they
// arrived, so it may not be valid JSON.
type Record struct {
	RecordID       string    `json:"record_id" validate:"required"`
	EventID        string    `json:"event_id,omitempty"`
	EventType      string    `json:"event_type,omitempty"`
	EventVersion   string    `json:"event_version,omitempty"`
	Envelope       string    `json:"envelope"`
	OriginalTopic  string    `json:"original_topic" validate:"required"`
	PartitionKey   string    `json:"partition_key"`
	ErrorMessage   string    `json:"error_message" validate:"required"`
	ErrorKind      string    `json:"error_kind" validate:"required"`
	AttemptCount   int       `json:"attempt_count" validate:"min=1"`
	FirstFailedAt  time.Time `json:"first_failed_at" validate:"required"`
	DeadLetteredAt time.Time `json:"dead_lettered_at" validate:"required"`
	ConsumerGroup  string    `json:"consumer_group" validate:"required"`
}

// NewRecordID returns a lexically sortable record id.
func NewRecordID() string {
	return idspkg.CreateULID()
}

// Validate checks the required fields.
func (r Record) Validate() error {
	return validate.Struct(r)
}

// Marshal encodes the record for the dead-letter topic.
func (r Record) Marshal() ([]byte, error) {
	if err := r.Validate(); err != nil {
		return nil, err
	}
	return jsoncodec.Marshal(r)
}

// Decode parses a record published to the dead-letter topic.
func Decode(raw []byte) (Record, error) {
	var r Record
	if err := jsoncodec.UnmarshalStrict(raw, &r); err != nil {
		return Record{}, err
	}
	if err := r.Validate(); err != nil {
		return Record{}, err
	}
	return r, nil
}

// Filter narrows List and Count. Zero fields match everything.
type Filter struct {
	OriginalTopic string
	EventType     string
	Since         time.Time
	Limit         int
}

func (f Filter) limit() int {
	switch {
	case f.Limit <= 0:
		return DefaultListLimit
	case f.Limit > MaxListLimit:
		return MaxListLimit
	default:
		return f.Limit
	}
}

func (f Filter) matches(r Record) bool {
	if f.OriginalTopic != "" && r.OriginalTopic != f.OriginalTopic {
		return false
	}
	if f.EventType != "" && r.EventType != f.EventType {
		return false
	}
	if !f.Since.IsZero() && r.DeadLetteredAt.Before(f.Since) {
		return false
	}
	return true
}

// Store persists dead-letter records. Recording the same RecordID twice is a
// no-op. List returns the newest records first; Count ignores Limit.
type Store interface {
	Record(ctx context.Context, rec Record) error
	List(ctx context.Context, filter Filter) ([]Record, error)
	Count(ctx context.Context, filter Filter) (int, error)
}
