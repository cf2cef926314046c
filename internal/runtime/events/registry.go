package events

import (
	"sort"

	"github.com/drblury/taskbus/internal/runtime/jsoncodec"
)

type schemaKey struct {
	eventType Type
	version   string
}

type payloadDecoder func(raw []byte) (Payload, error)

// Pair is one implemented event type and schema version.
type Pair struct {
	Type    Type
	Version string
}

// schemas is the set of type/version pairs this binary understands. An
// envelope naming any other pair is rejected.
var schemas = map[schemaKey]payloadDecoder{
	{TypeTaskCreated, V1}:       decoderFor[TaskCreated](),
	{TypeTaskUpdated, V1}:       decoderFor[TaskUpdated](),
	{TypeTaskDeleted, V1}:       decoderFor[TaskDeleted](),
	{TypeTaskCompleted, V1}:     decoderFor[TaskCompleted](),
	{TypeReminderScheduled, V1}: decoderFor[ReminderScheduled](),
	{TypeReminderTriggered, V1}: decoderFor[ReminderTriggered](),
	{TypeReminderCancelled, V1}: decoderFor[ReminderCancelled](),
}

// currentVersions is the version New stamps on freshly built envelopes.
var currentVersions = map[Type]string{
	TypeTaskCreated:       V1,
	TypeTaskUpdated:       V1,
	TypeTaskDeleted:       V1,
	TypeTaskCompleted:     V1,
	TypeReminderScheduled: V1,
	TypeReminderTriggered: V1,
	TypeReminderCancelled: V1,
}

func decoderFor[T Payload]() payloadDecoder {
	return func(raw []byte) (Payload, error) {
		var p T
		if err := jsoncodec.UnmarshalStrict(raw, &p); err != nil {
			return nil, err
		}
		return p, nil
	}
}

// Supports reports whether the type/version pair is implemented.
func Supports(t Type, version string) bool {
	_, ok := schemas[schemaKey{t, version}]
	return ok
}

// CurrentVersion returns the version producers should emit for t.
func CurrentVersion(t Type) (string, bool) {
	v, ok := currentVersions[t]
	return v, ok
}

// Pairs lists every implemented type/version pair, sorted.
func Pairs() []Pair {
	pairs := make([]Pair, 0, len(schemas))
	for k := range schemas {
		pairs = append(pairs, Pair{Type: k.eventType, Version: k.version})
	}
	sort.Slice(pairs, func(i, j int) bool {
		if pairs[i].Type != pairs[j].Type {
			return pairs[i].Type < pairs[j].Type
		}
		return pairs[i].Version < pairs[j].Version
	})
	return pairs
}
