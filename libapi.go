package taskbus

import (
	"context"
	"fmt"

	"github.com/drblury/taskbus/internal/reminder"
	"github.com/drblury/taskbus/internal/runtime/broker"
	configpkg "github.com/drblury/taskbus/internal/runtime/config"
	"github.com/drblury/taskbus/internal/runtime/consumer"
	"github.com/drblury/taskbus/internal/runtime/deadletter"
	"github.com/drblury/taskbus/internal/runtime/dedupe"
	errspkg "github.com/drblury/taskbus/internal/runtime/errors"
	"github.com/drblury/taskbus/internal/runtime/events"
	idspkg "github.com/drblury/taskbus/internal/runtime/ids"
	"github.com/drblury/taskbus/internal/runtime/jsoncodec"
	loggingpkg "github.com/drblury/taskbus/internal/runtime/logging"
	metadatapkg "github.com/drblury/taskbus/internal/runtime/metadata"
	"github.com/drblury/taskbus/internal/runtime/publisher"
	"github.com/drblury/taskbus/internal/runtime/topics"
	"github.com/drblury/taskbus/transport"
	_ "github.com/drblury/taskbus/transport/transports"
)

type (
	Config = configpkg.Config

	Event       = events.Event
	EventType   = events.Type
	Payload     = events.Payload
	Priority    = events.Priority
	Status      = events.Status
	Recurrence  = events.Recurrence
	FieldChange = events.FieldChange

	TaskCreated       = events.TaskCreated
	TaskUpdated       = events.TaskUpdated
	TaskDeleted       = events.TaskDeleted
	TaskCompleted     = events.TaskCompleted
	ReminderScheduled = events.ReminderScheduled
	ReminderTriggered = events.ReminderTriggered
	ReminderCancelled = events.ReminderCancelled

	Broker       = broker.Broker
	Subscription = broker.Subscription

	Publisher        = publisher.Publisher
	PublisherOptions = publisher.Options
	PublishOutcome   = publisher.Outcome

	Consumer        = consumer.Consumer
	ConsumerOptions = consumer.Options
	ConsumerHooks   = consumer.Hooks
	Delivery        = consumer.Delivery
	Handler         = consumer.Handler

	DeadLetterRecord = deadletter.Record
	DeadLetterStore  = deadletter.Store
	DeadLetterFilter = deadletter.Filter

	DedupeStore = dedupe.Store

	Reminder          = reminder.Reminder
	ReminderState     = reminder.State
	ReminderStore     = reminder.Store
	ReminderScheduler = reminder.Scheduler
	ReminderOptions   = reminder.Options

	Topic    = topics.Topic
	Metadata = metadatapkg.Metadata

	LogFields     = loggingpkg.LogFields
	ServiceLogger = loggingpkg.ServiceLogger

	ConfigValidationError = errspkg.ConfigValidationError
	ValidationError       = errspkg.ValidationError
)

// Event types.
const (
	TypeTaskCreated       = events.TypeTaskCreated
	TypeTaskUpdated       = events.TypeTaskUpdated
	TypeTaskDeleted       = events.TypeTaskDeleted
	TypeTaskCompleted     = events.TypeTaskCompleted
	TypeReminderScheduled = events.TypeReminderScheduled
	TypeReminderTriggered = events.TypeReminderTriggered
	TypeReminderCancelled = events.TypeReminderCancelled
)

// Topic names.
const (
	TopicTaskEvents  = topics.TaskEvents
	TopicTaskUpdates = topics.TaskUpdates
	TopicReminders   = topics.Reminders
	TopicDeadLetter  = topics.DeadLetter
)

var (
	LoadConfig = configpkg.Load

	NewEvent      = events.New
	MarshalEvent  = events.Marshal
	ValidateEvent = events.Validate
	EventTypes    = events.Types
	TopicFor      = topics.TopicFor
	Topics        = topics.All

	NewPublisher = publisher.New
	NewConsumer  = consumer.New
	LoggingHooks = consumer.LoggingHooks
	MetricsHooks = consumer.MetricsHooks

	NewMemoryDeadLetterStore   = deadletter.NewMemoryStore
	NewPostgresDeadLetterStore = deadletter.NewPostgresStore
	NewMemoryDedupeStore       = dedupe.NewMemoryStore
	ConnectRedisDedupe         = dedupe.Connect

	NewReminderScheduler     = reminder.New
	NewMemoryReminderStore   = reminder.NewMemoryStore
	NewPostgresReminderStore = reminder.NewPostgresStore
	ReminderTopics           = reminder.Topics

	Permanent   = errspkg.Permanent
	IsPermanent = errspkg.IsPermanent

	ErrSkip              = errspkg.ErrSkip
	ErrConfigRequired    = errspkg.ErrConfigRequired
	ErrBrokerRequired    = errspkg.ErrBrokerRequired
	ErrHandlerRequired   = errspkg.ErrHandlerRequired
	ErrTopicRequired     = errspkg.ErrTopicRequired
	ErrUnknownEventType  = errspkg.ErrUnknownEventType
	ErrBrokerClosed      = errspkg.ErrBrokerClosed
	ErrPublisherRequired = errspkg.ErrPublisherRequired

	NewJSONLogger        = loggingpkg.NewJSONLogger
	NewSlogServiceLogger = loggingpkg.NewSlogServiceLogger

	NewMetadata = metadatapkg.New
	CreateULID  = idspkg.CreateULID
	NewEventID  = idspkg.NewEventID

	Marshal   = jsoncodec.Marshal
	Unmarshal = jsoncodec.Unmarshal
)

// OpenBroker builds the transport cfg selects and wraps it in a broker. The
// caller closes the broker.
func OpenBroker(ctx context.Context, cfg *Config, logger ServiceLogger) (*broker.WatermillBroker, error) {
	if cfg == nil {
		return nil, errspkg.ErrConfigRequired
	}
	if logger == nil {
		logger = loggingpkg.Nop()
	}
	tr, err := transport.Build(ctx, cfg, loggingpkg.NewWatermillAdapter(logger))
	if err != nil {
		return nil, fmt.Errorf("build %s transport: %w", cfg.PubSubSystem, err)
	}
	return broker.New(tr, logger, broker.Options{})
}
