package events

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"

	errspkg "github.com/drblury/taskbus/internal/runtime/errors"
	idspkg "github.com/drblury/taskbus/internal/runtime/ids"
	"github.com/drblury/taskbus/internal/runtime/jsoncodec"
)

var validate = validator.New()

// Event is a decoded envelope. Treat it as immutable once published.
type Event struct {
	ID            string
	Type          Type
	Version       string
	Timestamp     time.Time
	CorrelationID string
	Producer      string
	Payload       Payload
}

// wireEnvelope is the JSON shape on the broker.
type wireEnvelope struct {
	EventID       string          `json:"event_id" validate:"required,uuid4"`
	EventType     Type            `json:"event_type" validate:"required"`
	EventVersion  string          `json:"event_version" validate:"required"`
	Timestamp     *time.Time      `json:"timestamp" validate:"required"`
	CorrelationID string          `json:"correlation_id" validate:"required"`
	Producer      string          `json:"producer" validate:"required"`
	Payload       json.RawMessage `json:"payload" validate:"required"`
}

// New builds an envelope around payload with a fresh UUIDv4, the current UTC
// time, and the version producers currently emit for the payload's type.
func New(producer, correlationID string, payload Payload) Event {
	evt := Event{
		ID:            idspkg.NewEventID(),
		Timestamp:     time.Now().UTC(),
		CorrelationID: correlationID,
		Producer:      producer,
	}
	if payload != nil {
		evt.Type = payload.EventType()
		evt.Version, _ = CurrentVersion(evt.Type)
		evt.Payload = payload.normalized()
	}
	return evt
}

// TaskID returns the task the event is about, or "" without a payload.
func (e Event) TaskID() string {
	if e.Payload == nil {
		return ""
	}
	return e.Payload.AggregateID()
}

// Check verifies an in-memory event before it is put on the wire.
func (e Event) Check() error {
	if e.Payload == nil {
		return errspkg.ErrEventPayloadRequired
	}
	if e.Payload.EventType() != e.Type {
		return fmt.Errorf("payload %T does not belong to event type %s", e.Payload, e.Type)
	}
	if !Supports(e.Type, e.Version) {
		return fmt.Errorf("%w: %s %s", errspkg.ErrUnknownEventType, e.Type, e.Version)
	}
	if !idspkg.IsEventID(e.ID) {
		return fmt.Errorf("event id %q is not a UUIDv4", e.ID)
	}
	if e.Timestamp.IsZero() {
		return fmt.Errorf("event %s has no timestamp", e.ID)
	}
	if e.CorrelationID == "" || e.Producer == "" {
		return fmt.Errorf("event %s needs correlation_id and producer", e.ID)
	}
	if err := validate.Struct(e.Payload); err != nil {
		return err
	}
	return e.Payload.check()
}

// Marshal encodes the event into its wire form.
func Marshal(e Event) ([]byte, error) {
	if err := e.Check(); err != nil {
		return nil, err
	}
	payload, err := jsoncodec.Marshal(e.Payload)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", e.Type, err)
	}
	ts := e.Timestamp.UTC()
	return jsoncodec.Marshal(wireEnvelope{
		EventID:       e.ID,
		EventType:     e.Type,
		EventVersion:  e.Version,
		Timestamp:     &ts,
		CorrelationID: e.CorrelationID,
		Producer:      e.Producer,
		Payload:       payload,
	})
}

// Validate decodes raw into an Event. It never guesses: a malformed
// envelope, an unknown type, a version this binary does not implement, or a
// payload whose shape does not match the type all yield a
// *errors.ValidationError.
func Validate(raw []byte) (Event, error) {
	var probe wireEnvelope
	// Best-effort read of the identifying fields for the error report.
	_ = jsoncodec.Unmarshal(raw, &probe)

	invalid := func(reason string, cause error) (Event, error) {
		return Event{}, &errspkg.ValidationError{
			Reason:       reason,
			EventID:      probe.EventID,
			EventType:    string(probe.EventType),
			EventVersion: probe.EventVersion,
			Raw:          raw,
			Cause:        cause,
		}
	}

	var env wireEnvelope
	if err := jsoncodec.UnmarshalStrict(raw, &env); err != nil {
		return invalid("malformed envelope", err)
	}
	if err := validate.Struct(env); err != nil {
		return invalid("invalid envelope", err)
	}
	if !env.EventType.Known() {
		return invalid("unknown event type", errspkg.ErrUnknownEventType)
	}
	decode, ok := schemas[schemaKey{env.EventType, env.EventVersion}]
	if !ok {
		return invalid("unsupported event version", fmt.Errorf("no schema for %s %s", env.EventType, env.EventVersion))
	}
	payload, err := decode(env.Payload)
	if err != nil {
		return invalid("payload does not match event type", err)
	}
	if err := validate.Struct(payload); err != nil {
		return invalid("invalid payload", err)
	}
	if err := payload.check(); err != nil {
		return invalid("invalid payload", err)
	}

	return Event{
		ID:            env.EventID,
		Type:          env.EventType,
		Version:       env.EventVersion,
		Timestamp:     env.Timestamp.UTC(),
		CorrelationID: env.CorrelationID,
		Producer:      env.Producer,
		Payload:       payload.normalized(),
	}, nil
}
