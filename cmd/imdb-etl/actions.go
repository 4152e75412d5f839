package main

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/urfave/cli/v2"

	"github.com/vrsandeep/imdb-etl/internal/config"
	"github.com/vrsandeep/imdb-etl/internal/core"
	"github.com/vrsandeep/imdb-etl/internal/datasets"
	"github.com/vrsandeep/imdb-etl/internal/importer"
	"github.com/vrsandeep/imdb-etl/internal/jobs"
	"github.com/vrsandeep/imdb-etl/internal/models"
	"github.com/vrsandeep/imdb-etl/internal/queue"
	"github.com/vrsandeep/imdb-etl/internal/store"
)

// withQueue opens the queue database for the duration of fn.
func withQueue(c *cli.Context, fn func(b *queue.Broker) error) error {
	database, broker, err := core.OpenQueue(configFrom(c))
	if err != nil {
		return err
	}
	defer database.Close()
	return fn(broker)
}

// ImportAction runs the import engine in the foreground.
func ImportAction(c *cli.Context) error {
	cfg := configFrom(c)
	dss, err := datasets.Select(c.StringSlice("dataset"))
	if err != nil {
		return err
	}

	st, err := store.Connect(c.Context, cfg.Postgres.URL, cfg.Postgres.MaxConns)
	if err != nil {
		return fmt.Errorf("failed to connect to postgres: %w", err)
	}
	defer st.Close()

	results, err := importer.New(cfg, st).ImportAll(c.Context, dss)
	w := c.App.Writer
	fmt.Fprintf(w, "%-18s %12s %10s %10s\n", "Dataset", "Rows", "Skipped", "Took")
	fmt.Fprintln(w, strings.Repeat("-", 53))
	for _, r := range results {
		fmt.Fprintf(w, "%-18s %12s %10s %10s\n",
			r.Dataset, humanize.Comma(r.Rows), humanize.Comma(r.Skipped), r.Duration.Round(time.Second))
	}
	if err != nil {
		return fmt.Errorf("import incomplete: %w", err)
	}

	if !c.Bool("scan") {
		return nil
	}
	return withQueue(c, func(b *queue.Broker) error {
		id, err := b.Enqueue(c.Context, config.QueueFindTitles, models.NewTrigger("cli"))
		if err != nil {
			return err
		}
		fmt.Fprintf(w, "\nQueued title scan as job %d\n", id)
		return nil
	})
}

// TriggerAction queues a pipeline-start job for the server to pick up.
func TriggerAction(c *cli.Context) error {
	name := c.Args().First()
	if !jobs.Triggerable(name) {
		return fmt.Errorf("queue '%s' cannot be triggered, use one of %s, %s, %s",
			name, config.QueueImport, config.QueueFindTitles, config.QueueFindMovies)
	}

	trig := models.NewTrigger("cli")
	if only := c.StringSlice("dataset"); len(only) > 0 {
		if name != config.QueueImport {
			return errors.New("--dataset only applies to " + config.QueueImport)
		}
		if _, err := datasets.Select(only); err != nil {
			return err
		}
		trig.Datasets = only
	}

	return withQueue(c, func(b *queue.Broker) error {
		id, err := b.Enqueue(c.Context, name, trig)
		if err != nil {
			return err
		}
		fmt.Fprintf(c.App.Writer, "Queued %s as job %d\n", name, id)
		return nil
	})
}

// RetryAction moves failed jobs back to waiting: one with --job, otherwise
// every failed job of the queue.
func RetryAction(c *cli.Context) error {
	return withQueue(c, func(b *queue.Broker) error {
		if c.IsSet("job") {
			id := c.Int64("job")
			if err := b.Retry(c.Context, id); err != nil {
				return err
			}
			fmt.Fprintf(c.App.Writer, "Job %d queued again\n", id)
			return nil
		}

		name := c.Args().First()
		if name == "" {
			return errors.New("either a queue name or --job is required")
		}
		n, err := b.RetryFailed(c.Context, name)
		if err != nil {
			return err
		}
		fmt.Fprintf(c.App.Writer, "%d failed jobs of %s queued again\n", n, name)
		return nil
	})
}

func StatsAction(c *cli.Context) error {
	return withQueue(c, func(b *queue.Broker) error {
		stats, err := b.Stats(c.Context)
		if err != nil {
			return err
		}
		w := c.App.Writer
		fmt.Fprintf(w, "%-28s %8s %8s %10s %8s\n", "Queue", "Waiting", "Active", "Completed", "Failed")
		fmt.Fprintln(w, strings.Repeat("-", 66))
		for _, s := range stats {
			fmt.Fprintf(w, "%-28s %8d %8d %10d %8d\n", s.Queue, s.Waiting, s.Active, s.Completed, s.Failed)
		}
		return nil
	})
}

func FailedAction(c *cli.Context) error {
	name := c.Args().First()
	if name == "" {
		return errors.New("a queue name is required")
	}
	return withQueue(c, func(b *queue.Broker) error {
		failed, err := b.Failed(c.Context, name, c.Int("limit"))
		if err != nil {
			return err
		}
		w := c.App.Writer
		if len(failed) == 0 {
			fmt.Fprintf(w, "No failed jobs on %s\n", name)
			return nil
		}
		fmt.Fprintf(w, "%-8s %-9s %-20s %s\n", "ID", "Attempts", "Failed", "Error")
		fmt.Fprintln(w, strings.Repeat("-", 80))
		for _, j := range failed {
			fmt.Fprintf(w, "%-8d %-9d %-20s %s\n", j.ID, j.Attempts, humanize.Time(j.UpdatedAt), j.LastError)
		}
		return nil
	})
}

func PruneAction(c *cli.Context) error {
	retention := configFrom(c).Queues.Retention
	if c.IsSet("older-than") {
		retention = c.Duration("older-than")
	}
	return withQueue(c, func(b *queue.Broker) error {
		n, err := b.PruneCompleted(c.Context, retention)
		if err != nil {
			return err
		}
		fmt.Fprintf(c.App.Writer, "Pruned %d completed jobs older than %s\n", n, retention)
		return nil
	})
}

// SchedulesAction prints the triggers the server would install with the
// current configuration.
func SchedulesAction(c *cli.Context) error {
	s := jobs.NewScheduler(discard{})
	if err := jobs.RegisterSchedules(s, configFrom(c), discard{}); err != nil {
		return err
	}
	s.Start()
	defer s.Stop()

	w := c.App.Writer
	fmt.Fprintf(w, "%-28s %-14s %s\n", "Job", "Cron", "Next run (UTC)")
	fmt.Fprintln(w, strings.Repeat("-", 66))
	for _, sc := range s.Schedules() {
		next := "-"
		if !sc.NextRun.IsZero() {
			next = sc.NextRun.Format("2006-01-02 15:04")
		}
		fmt.Fprintf(w, "%-28s %-14s %s\n", sc.Name, sc.Cron, next)
	}
	return nil
}

// discard stands in for the queue when only the schedule itself is needed.
type discard struct{}

func (discard) Enqueue(context.Context, string, any) (int64, error) { return 0, nil }

func (discard) PruneCompleted(context.Context, time.Duration) (int64, error) { return 0, nil }
