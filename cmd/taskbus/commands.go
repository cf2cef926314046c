package main

import (
	"errors"
	"fmt"
	"text/tabwriter"

	"github.com/urfave/cli/v2"

	"github.com/drblury/taskbus/internal/admin"
	"github.com/drblury/taskbus/internal/database"
	"github.com/drblury/taskbus/internal/runtime/deadletter"
	"github.com/drblury/taskbus/internal/runtime/jsoncodec"
	"github.com/drblury/taskbus/internal/runtime/topics"
)

var errPostgresRequired = errors.New("postgres_url is required")

func runMigrate(c *cli.Context) error {
	cfg, logger, err := setup(c)
	if err != nil {
		return err
	}
	if cfg.PostgresURL == "" {
		return errPostgresRequired
	}
	db, err := database.New(c.Context, cfg.PostgresURL, logger)
	if err != nil {
		return err
	}
	defer db.Close()

	version, err := database.RunMigrations(c.Context, db.Pool(), logger)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(c.App.Writer, "schema version %d\n", version)
	return err
}

func runDeadLetters(c *cli.Context) error {
	cfg, logger, err := setup(c)
	if err != nil {
		return err
	}
	if cfg.PostgresURL == "" {
		return errPostgresRequired
	}
	filter := deadletter.Filter{
		OriginalTopic: c.String("topic"),
		EventType:     c.String("event-type"),
		Limit:         c.Int("limit"),
	}
	if since := c.Timestamp("since"); since != nil {
		filter.Since = since.UTC()
	}
	if filter.Limit <= 0 || filter.Limit > deadletter.MaxListLimit {
		return fmt.Errorf("limit must be between 1 and %d", deadletter.MaxListLimit)
	}

	db, err := database.New(c.Context, cfg.PostgresURL, logger)
	if err != nil {
		return err
	}
	defer db.Close()

	store := deadletter.NewPostgresStore(db.Pool())
	records, err := store.List(c.Context, filter)
	if err != nil {
		return err
	}
	total, err := store.Count(c.Context, filter)
	if err != nil {
		return err
	}
	if records == nil {
		records = []deadletter.Record{}
	}
	return jsoncodec.Encode(c.App.Writer, admin.DeadLetterList{Records: records, Total: total})
}

func runTopics(c *cli.Context) error {
	w := tabwriter.NewWriter(c.App.Writer, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "TOPIC\tKEY\tRETENTION\tCONTENTS")
	for _, t := range topics.All() {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", t.Name, t.Key, t.Retention, t.Contents)
	}
	return w.Flush()
}
