// Command imdb-etl is the operator CLI of the pipeline. It works against the
// same configuration and queue database as the server process.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v2"

	"github.com/vrsandeep/imdb-etl/internal/config"
	"github.com/vrsandeep/imdb-etl/internal/logger"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := newApp().RunContext(ctx, os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		stop()
		os.Exit(1)
	}
}

func newApp() *cli.App {
	return &cli.App{
		Name:  "imdb-etl",
		Usage: "operate the IMDb import and enrichment pipeline",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "log-level", Usage: "override log.level"},
		},
		Before: func(c *cli.Context) error {
			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("failed to load configuration: %w", err)
			}
			if lvl := c.String("log-level"); lvl != "" {
				cfg.Log.Level = lvl
			}
			logger.Init(cfg.Log.Level, true)
			c.App.Metadata = map[string]any{"config": cfg}
			return nil
		},
		Commands: []*cli.Command{
			{
				Name:      "import",
				Usage:     "download and load datasets into PostgreSQL now",
				ArgsUsage: " ",
				Flags: []cli.Flag{
					&cli.StringSliceFlag{Name: "dataset", Aliases: []string{"d"}, Usage: "only import the named dataset (repeatable)"},
					&cli.BoolFlag{Name: "scan", Usage: "queue a title scan once every dataset loaded"},
				},
				Action: ImportAction,
			},
			{
				Name:      "trigger",
				Usage:     "queue a pipeline run",
				ArgsUsage: "<queue>",
				Flags: []cli.Flag{
					&cli.StringSliceFlag{Name: "dataset", Aliases: []string{"d"}, Usage: "restrict an import to the named dataset (repeatable)"},
				},
				Action: TriggerAction,
			},
			{
				Name:      "retry",
				Usage:     "put failed jobs back in their queue",
				ArgsUsage: "<queue>",
				Flags: []cli.Flag{
					&cli.Int64Flag{Name: "job", Usage: "retry a single job by id"},
				},
				Action: RetryAction,
			},
			{
				Name:   "stats",
				Usage:  "show job counts per queue and state",
				Action: StatsAction,
			},
			{
				Name:      "failed",
				Usage:     "list failed jobs of a queue",
				ArgsUsage: "<queue>",
				Flags: []cli.Flag{
					&cli.IntFlag{Name: "limit", Value: 20},
				},
				Action: FailedAction,
			},
			{
				Name:  "prune",
				Usage: "delete completed jobs older than the retention window",
				Flags: []cli.Flag{
					&cli.DurationFlag{Name: "older-than", Usage: "override queues.retention"},
				},
				Action: PruneAction,
			},
			{
				Name:   "schedules",
				Usage:  "show the configured triggers and their next run",
				Action: SchedulesAction,
			},
		},
	}
}

func configFrom(c *cli.Context) *config.Config {
	return c.App.Metadata["config"].(*config.Config)
}
