package main

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/urfave/cli/v2"

	"github.com/drblury/taskbus/internal/admin"
	"github.com/drblury/taskbus/internal/database"
	"github.com/drblury/taskbus/internal/reminder"
	"github.com/drblury/taskbus/internal/runtime/broker"
	"github.com/drblury/taskbus/internal/runtime/config"
	"github.com/drblury/taskbus/internal/runtime/consumer"
	"github.com/drblury/taskbus/internal/runtime/deadletter"
	"github.com/drblury/taskbus/internal/runtime/dedupe"
	"github.com/drblury/taskbus/internal/runtime/logging"
	"github.com/drblury/taskbus/internal/runtime/publisher"
	"github.com/drblury/taskbus/internal/runtime/topics"
	"github.com/drblury/taskbus/transport"
	_ "github.com/drblury/taskbus/transport/transports"
)

const shutdownTimeout = 10 * time.Second

func runScheduler(c *cli.Context) error {
	cfg, logger, err := setup(c)
	if err != nil {
		return err
	}
	ctx, stop := signal.NotifyContext(c.Context, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	svc, err := newService(ctx, cfg, logger, prometheus.DefaultRegisterer, prometheus.DefaultGatherer)
	if err != nil {
		return err
	}
	defer svc.close()
	return svc.run(ctx)
}

// service holds every component of the run command.
type service struct {
	logger    logging.ServiceLogger
	db        *database.DB
	redis     *dedupe.RedisStore
	broker    *broker.WatermillBroker
	publisher *publisher.Publisher
	consumer  *consumer.Consumer
	scheduler *reminder.Scheduler
	admin     *admin.Server
	adminAddr string
}

// newService wires the process. Metrics go to registerer only when they are
// enabled in cfg.
func newService(ctx context.Context, cfg *config.Config, logger logging.ServiceLogger, registerer prometheus.Registerer, gatherer prometheus.Gatherer) (_ *service, err error) {
	svc := &service{logger: logger}
	defer func() {
		if err != nil {
			svc.close()
		}
	}()
	logger.Info("Starting taskbus", logging.LogFields{"config": cfg.String()})

	if !cfg.MetricsEnabled {
		reg := prometheus.NewRegistry()
		registerer, gatherer = reg, reg
	}
	pubMetrics, err := publisher.NewMetrics(registerer)
	if err != nil {
		return nil, err
	}
	consumerMetrics, err := consumer.NewMetrics(registerer)
	if err != nil {
		return nil, err
	}
	dlqMetrics, err := deadletter.NewMetrics(registerer)
	if err != nil {
		return nil, err
	}
	reminderMetrics, err := reminder.NewMetrics(registerer)
	if err != nil {
		return nil, err
	}

	tr, err := transport.Build(ctx, cfg, logging.NewWatermillAdapter(logger))
	if err != nil {
		return nil, fmt.Errorf("build %s transport: %w", cfg.PubSubSystem, err)
	}
	b, err := broker.New(tr, logger, broker.Options{})
	if err != nil {
		return nil, err
	}
	svc.broker = b

	var (
		deadLetters deadletter.Store
		reminders   reminder.Store
	)
	if cfg.PostgresURL != "" {
		db, err := database.New(ctx, cfg.PostgresURL, logger)
		if err != nil {
			return nil, err
		}
		svc.db = db
		if _, err := database.RunMigrations(ctx, db.Pool(), logger); err != nil {
			return nil, err
		}
		deadLetters = deadletter.NewPostgresStore(db.Pool())
		reminders = reminder.NewPostgresStore(db.Pool())
	} else {
		logger.Info("No postgres_url set, using in-memory stores", nil)
		deadLetters = deadletter.NewMemoryStore()
		reminders = reminder.NewMemoryStore()
	}
	if err := dlqMetrics.Sync(ctx, deadLetters, topics.TaskEvents, topics.TaskUpdates); err != nil {
		return nil, err
	}
	deadLetters = deadletter.Instrument(deadLetters, dlqMetrics)

	var seen dedupe.Store
	if cfg.RedisURL != "" {
		rs, err := dedupe.Connect(ctx, cfg.RedisURL, cfg.DedupeTTL)
		if err != nil {
			return nil, err
		}
		svc.redis = rs
		seen = rs
	} else {
		seen = dedupe.NewMemoryStore(cfg.DedupeTTL)
	}

	svc.publisher, err = publisher.New(b, logger, publisher.Options{
		MaxRetries: cfg.MaxPublishRetries,
		Backoff:    cfg.PublishBackoff,
		Metrics:    pubMetrics,
	})
	if err != nil {
		return nil, err
	}

	svc.scheduler, err = reminder.New(reminders, svc.publisher, logger, reminder.Options{
		ScanInterval: cfg.ReminderScanInterval,
		Metrics:      reminderMetrics,
	})
	if err != nil {
		return nil, err
	}

	svc.consumer, err = consumer.New(b, logger, consumer.Options{
		ConsumerGroup:  cfg.ConsumerGroup,
		MaxRetries:     cfg.MaxConsumeRetries,
		Backoff:        cfg.ConsumeBackoff,
		MaxBackoff:     cfg.ConsumeMaxBackoff,
		HandlerTimeout: cfg.HandlerTimeout,
		DeadLetters:    deadLetters,
		Dedupe:         seen,
		Hooks:          consumer.LoggingHooks(logger).Merge(consumer.MetricsHooks(consumerMetrics)),
	})
	if err != nil {
		return nil, err
	}

	if cfg.AdminPort > 0 {
		svc.admin = admin.NewServer(cfg.AdminPort, admin.NewRouter(logger, admin.Options{
			Checks:        svc.checks(),
			Gatherer:      gatherer,
			DeadLetters:   deadLetters,
			DLQMetrics:    dlqMetrics,
			Subscriptions: svc.consumer.Subscriptions,
		}), logger)
	}
	return svc, nil
}

func (s *service) checks() map[string]admin.Check {
	checks := map[string]admin.Check{}
	if s.db != nil {
		checks["postgres"] = func(ctx context.Context) error { return s.db.Pool().Ping(ctx) }
	}
	if s.redis != nil {
		checks["redis"] = s.redis.Ping
	}
	return checks
}

// run blocks until ctx is cancelled or a component fails, then drains the
// consumer and the scheduler before returning.
func (s *service) run(ctx context.Context) error {
	if s.admin != nil {
		addr, err := s.admin.Start()
		if err != nil {
			return err
		}
		s.adminAddr = addr
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	errs := make(chan error, 2)
	go func() { errs <- s.consumer.Run(ctx, s.scheduler.Handle, reminder.Topics()...) }()
	go func() { errs <- s.scheduler.Run(ctx) }()

	var runErr error
	for i := 0; i < 2; i++ {
		err := <-errs
		if err != nil && !errors.Is(err, context.Canceled) && runErr == nil {
			runErr = err
		}
		cancel()
	}
	s.logger.Info("Shutting down", nil)
	s.publisher.Wait()

	if s.admin != nil {
		shutdownCtx, done := context.WithTimeout(context.Background(), shutdownTimeout)
		defer done()
		if err := s.admin.Shutdown(shutdownCtx); err != nil && runErr == nil {
			runErr = err
		}
	}
	return runErr
}

// close releases the broker and the store connections.
func (s *service) close() {
	if s.broker != nil {
		if err := s.broker.Close(); err != nil {
			s.logger.Error("Failed to close broker", err, nil)
		}
	}
	if s.redis != nil {
		if err := s.redis.Close(); err != nil {
			s.logger.Error("Failed to close redis", err, nil)
		}
	}
	if s.db != nil {
		s.db.Close()
	}
}
