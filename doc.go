// Package taskbus is the event backbone of a task manager. It moves task
// lifecycle events over Kafka, keyed by task id so every consumer sees one
// task's events in publish order, and it ships the pieces a consumer needs
// around that: a validated JSON envelope, a retrying publisher, a consumer
// runtime with in-place retries and a dead-letter topic, redelivery dedupe,
// and a reminder scheduler that turns due dates into reminder events.
//
// A producer builds a broker from Config with OpenBroker, wraps it in a
// Publisher and calls Publish with an Event made by NewEvent. A consumer wraps
// the same broker in a Consumer and runs a Handler on the topics it reads:
//
//	b, err := taskbus.OpenBroker(ctx, cfg, logger)
//	pub, err := taskbus.NewPublisher(b, logger, taskbus.PublisherOptions{})
//	out := pub.Publish(ctx, taskbus.NewEvent("task-api", corrID, taskbus.TaskCreated{...}))
//
// # Transports
//
// Two transports are built in:
//   - kafka: partitioned topics with consumer groups, the production setup
//   - channel: in-memory Go channels for tests and local development
//
// # Handler results
//
// A Handler returning nil commits the message. ErrSkip commits without
// further work, Permanent dead-letters at once, and any other error is retried
// with exponential backoff until the attempts run out and the message is
// dead-lettered.
package taskbus
