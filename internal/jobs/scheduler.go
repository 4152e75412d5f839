package jobs

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/go-co-op/gocron"
	"github.com/rs/zerolog"

	"github.com/vrsandeep/imdb-etl/internal/config"
	"github.com/vrsandeep/imdb-etl/internal/logger"
	"github.com/vrsandeep/imdb-etl/internal/models"
)

// PruneJob is the schedule name of the completed-job cleanup.
const PruneJob = "prune-completed-jobs"

// Enqueuer appends a job to a named queue.
type Enqueuer interface {
	Enqueue(ctx context.Context, queue string, payload any) (int64, error)
}

// Pruner deletes completed jobs older than a retention window.
type Pruner interface {
	PruneCompleted(ctx context.Context, olderThan time.Duration) (int64, error)
}

// Schedule describes one registered recurring trigger.
type Schedule struct {
	Name    string    `json:"name"`
	Cron    string    `json:"cron"`
	NextRun time.Time `json:"next_run,omitempty"`
}

// Scheduler fires recurring triggers. A trigger only enqueues a job; the
// work itself runs on the queue consumers, so scheduled and manual runs
// never overlap outside the queue's concurrency ceiling.
type Scheduler struct {
	s     *gocron.Scheduler
	queue Enqueuer
	log   zerolog.Logger

	mu      sync.Mutex
	entries map[string]string
}

func NewScheduler(queue Enqueuer) *Scheduler {
	s := gocron.NewScheduler(time.UTC)
	s.SingletonModeAll()
	s.TagsUnique()
	return &Scheduler{
		s:       s,
		queue:   queue,
		log:     logger.Named("scheduler"),
		entries: make(map[string]string),
	}
}

// Schedule enqueues a trigger on queue according to the cron expression.
// Scheduling a queue again replaces its previous expression; an empty
// expression removes it.
func (s *Scheduler) Schedule(queue, expr string) error {
	return s.ScheduleFunc(queue, expr, func() { s.trigger(queue) })
}

// ScheduleFunc runs fn according to the cron expression under the given name.
func (s *Scheduler) ScheduleFunc(name, expr string, fn func()) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.entries[name]; ok {
		if err := s.s.RemoveByTag(name); err != nil {
			return fmt.Errorf("removing schedule %s: %w", name, err)
		}
		delete(s.entries, name)
	}
	if expr == "" {
		s.log.Info().Str("job", name).Msg("Schedule is empty, scheduled runs are disabled")
		return nil
	}

	_, err := s.s.Cron(expr).Tag(name).Do(func() {
		s.log.Info().Str("job", name).Msg("Scheduler is triggering job")
		fn()
	})
	if err != nil {
		return fmt.Errorf("scheduling %s with %q: %w", name, expr, err)
	}
	s.entries[name] = expr
	s.log.Info().Str("job", name).Str("cron", expr).Msg("Scheduled job")
	return nil
}

func (s *Scheduler) trigger(queue string) {
	id, err := s.queue.Enqueue(context.Background(), queue, models.NewTrigger("schedule"))
	if err != nil {
		s.log.Error().Err(err).Str("queue", queue).Msg("Scheduled job could not be enqueued")
		return
	}
	s.log.Debug().Str("queue", queue).Int64("job", id).Msg("Scheduled job enqueued")
}

// Schedules lists the registered triggers by name.
func (s *Scheduler) Schedules() []Schedule {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Schedule, 0, len(s.entries))
	for name, expr := range s.entries {
		sc := Schedule{Name: name, Cron: expr}
		if found, err := s.s.FindJobsByTag(name); err == nil && len(found) > 0 {
			sc.NextRun = found[0].NextRun()
		}
		out = append(out, sc)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (s *Scheduler) Start() {
	s.log.Info().Msg("Starting background job scheduler...")
	s.s.StartAsync()
}

func (s *Scheduler) Stop() {
	if s.s.IsRunning() {
		s.s.Stop()
	}
}

// RegisterSchedules installs the configured pipeline triggers: the monthly
// import, the weekly re-normalization, the weekly enrichment scan and the
// daily cleanup of completed jobs.
func RegisterSchedules(s *Scheduler, cfg *config.Config, pruner Pruner) error {
	triggers := []struct{ queue, expr string }{
		{config.QueueImport, cfg.Schedules.Import},
		{config.QueueFindTitles, cfg.Schedules.Normalize},
		{config.QueueFindMovies, cfg.Schedules.Enrich},
	}
	for _, t := range triggers {
		if err := s.Schedule(t.queue, t.expr); err != nil {
			return err
		}
	}

	retention := cfg.Queues.Retention
	if retention <= 0 {
		retention = 7 * 24 * time.Hour
	}
	return s.ScheduleFunc(PruneJob, cfg.Schedules.Prune, func() {
		n, err := pruner.PruneCompleted(context.Background(), retention)
		if err != nil {
			s.log.Error().Err(err).Msg("Pruning completed jobs failed")
			return
		}
		s.log.Info().Int64("count", n).Dur("retention", retention).Msg("Pruned completed jobs")
	})
}
