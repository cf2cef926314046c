package main

import (
	"log/slog"
	"os"

	"github.com/urfave/cli/v2"

	"github.com/drblury/taskbus/internal/runtime/config"
	"github.com/drblury/taskbus/internal/runtime/logging"
)

func main() {
	if err := newApp().Run(os.Args); err != nil {
		slog.Error("application error", "error", err)
		os.Exit(1)
	}
}

func newApp() *cli.App {
	return &cli.App{
		Name:  "taskbus",
		Usage: "Task event bus, reminder scheduler and dead-letter tooling",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "YAML or JSON config file; TASKBUS_* variables override it",
				EnvVars: []string{"TASKBUS_CONFIG"},
			},
			&cli.StringFlag{
				Name:    "log-level",
				Aliases: []string{"l"},
				Usage:   "Log level (debug, info, warn, error); overrides the config",
			},
		},
		Commands: []*cli.Command{
			{
				Name:   "run",
				Usage:  "Consume task events, schedule reminders and serve the admin API",
				Action: runScheduler,
			},
			{
				Name:   "migrate",
				Usage:  "Apply the Postgres migrations",
				Action: runMigrate,
			},
			{
				Name:  "dead-letters",
				Usage: "Print dead-letter records, newest first",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "topic", Usage: "Original topic"},
					&cli.StringFlag{Name: "event-type", Usage: "Event type"},
					&cli.TimestampFlag{Name: "since", Usage: "Only records dead-lettered at or after this time", Layout: "2006-01-02T15:04:05Z07:00"},
					&cli.IntFlag{Name: "limit", Value: 100, Usage: "Maximum number of records"},
				},
				Action: runDeadLetters,
			},
			{
				Name:   "topics",
				Usage:  "Print the topic table",
				Action: runTopics,
			},
		},
	}
}

// setup loads the configuration and installs the process logger.
func setup(c *cli.Context) (*config.Config, logging.ServiceLogger, error) {
	cfg, err := config.Load(c.String("config"))
	if err != nil {
		return nil, nil, err
	}
	if level := c.String("log-level"); level != "" {
		cfg.LogLevel = level
	}
	log := logging.NewJSONLogger(c.App.ErrWriter, cfg.LogLevel)
	slog.SetDefault(log)
	return cfg, logging.NewSlogServiceLogger(log), nil
}
