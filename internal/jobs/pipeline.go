// Package jobs wires the pipeline stages to their queues and fires the
// recurring triggers that start the pipeline.
package jobs

import (
	"context"
	"fmt"

	"github.com/vrsandeep/imdb-etl/internal/config"
	"github.com/vrsandeep/imdb-etl/internal/datasets"
	"github.com/vrsandeep/imdb-etl/internal/importer"
	"github.com/vrsandeep/imdb-etl/internal/logger"
	"github.com/vrsandeep/imdb-etl/internal/models"
	"github.com/vrsandeep/imdb-etl/internal/queue"
)

// Broadcaster pushes progress updates to connected clients.
type Broadcaster interface {
	BroadcastJSON(v any)
}

// Broker is the queue surface the pipeline needs.
type Broker interface {
	Enqueuer
	Consume(queue string, concurrency int, handler queue.Handler, opts ...queue.ConsumeOption) error
}

type (
	Importer interface {
		ImportAll(ctx context.Context, dss []datasets.Dataset) ([]importer.Result, error)
	}
	Finder interface {
		Execute(ctx context.Context) (int, error)
	}
	Normalizer interface {
		Execute(ctx context.Context, row *models.RelationalTitleRow) error
	}
	Enricher interface {
		Execute(ctx context.Context, title *models.NormalizedTitle) error
	}
	Acquirer interface {
		Execute(ctx context.Context, title *models.ComplementedTitle) error
	}
)

// Stages holds one handler per pipeline queue.
type Stages struct {
	Importer    Importer
	Datasets    []datasets.Dataset
	TitleFinder Finder
	Normalizer  Normalizer
	MovieFinder Finder
	Enricher    Enricher
	Acquirer    Acquirer
}

// JobContext provides the dependencies the pipeline runs against.
// The core.App struct implements this interface.
type JobContext interface {
	Config() *config.Config
	Queue() Broker
	Progress() Broadcaster
	Stages() Stages
}

// Register installs a consumer for every pipeline queue, each with its
// configured concurrency ceiling and a failure callback that logs the error
// and reports it to progress clients.
func Register(app JobContext) error {
	cfg := app.Config()
	b := app.Queue()
	st := app.Stages()

	handlers := map[string]queue.Handler{
		config.QueueImport:          importHandler(st.Importer, st.Datasets, b),
		config.QueueFindTitles:      finderHandler(st.TitleFinder),
		config.QueueNormalizeTitles: decodeHandler(st.Normalizer.Execute),
		config.QueueFindMovies:      finderHandler(st.MovieFinder),
		config.QueueComplementTitle: decodeHandler(st.Enricher.Execute),
		config.QueueDownloadTorrent: decodeHandler(st.Acquirer.Execute),
	}
	for _, name := range Queues {
		err := b.Consume(name, cfg.Concurrency(name), handlers[name],
			queue.WithFailureHandler(failureHandler(name, app.Progress())))
		if err != nil {
			return fmt.Errorf("registering %s consumer: %w", name, err)
		}
	}
	return nil
}

// Queues lists the pipeline queues in stage order.
var Queues = []string{
	config.QueueImport,
	config.QueueFindTitles,
	config.QueueNormalizeTitles,
	config.QueueFindMovies,
	config.QueueComplementTitle,
	config.QueueDownloadTorrent,
}

// Triggerable reports whether a queue starts a pipeline run and so may be
// triggered by the scheduler or an operator.
func Triggerable(queue string) bool {
	switch queue {
	case config.QueueImport, config.QueueFindTitles, config.QueueFindMovies:
		return true
	}
	return false
}

// importHandler refreshes the datasets and, only when every one of them
// loaded, starts the title scan.
func importHandler(imp Importer, all []datasets.Dataset, q Enqueuer) queue.Handler {
	log := logger.Named(config.QueueImport)
	return func(ctx context.Context, job *models.Job) error {
		var trig models.Trigger
		if err := job.Decode(&trig); err != nil {
			return err
		}
		dss := all
		if len(trig.Datasets) > 0 {
			selected, err := datasets.Select(trig.Datasets)
			if err != nil {
				return fmt.Errorf("%w: %v", models.ErrInvalidPayload, err)
			}
			dss = selected
		}

		results, err := imp.ImportAll(ctx, dss)
		for _, r := range results {
			log.Info().Str("dataset", r.Dataset).Int64("rows", r.Rows).
				Int64("skipped", r.Skipped).Dur("took", r.Duration).Msg("Dataset imported")
		}
		if err != nil {
			return err
		}

		id, err := q.Enqueue(ctx, config.QueueFindTitles, models.NewTrigger(config.QueueImport))
		if err != nil {
			return fmt.Errorf("enqueueing title scan: %w", err)
		}
		log.Info().Int("datasets", len(results)).Int64("next", id).Msg("Import finished")
		return nil
	}
}

func finderHandler(f Finder) queue.Handler {
	return func(ctx context.Context, job *models.Job) error {
		var trig models.Trigger
		if err := job.Decode(&trig); err != nil {
			return err
		}
		n, err := f.Execute(ctx)
		if err != nil {
			return err
		}
		log := logger.Named(job.Queue)
		log.Info().Int("enqueued", n).Str("reason", trig.Reason).Msg("Scan finished")
		return nil
	}
}

// decodeHandler decodes the job payload into T and runs the stage on it.
func decodeHandler[T any](execute func(context.Context, *T) error) queue.Handler {
	return func(ctx context.Context, job *models.Job) error {
		v := new(T)
		if err := job.Decode(v); err != nil {
			return err
		}
		return execute(ctx, v)
	}
}

func failureHandler(name string, hub Broadcaster) queue.FailureHandler {
	log := logger.Named(name)
	return func(job *models.Job, err error) {
		log.Error().Err(err).Int64("job", job.ID).Int("attempts", job.Attempts).Msg("Job failed")
		if hub == nil {
			return
		}
		hub.BroadcastJSON(models.ProgressUpdate{
			JobID:   name,
			ItemID:  job.ID,
			Message: err.Error(),
			Status:  "failed",
			Done:    true,
		})
	}
}
