package jobs

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vrsandeep/imdb-etl/internal/config"
	"github.com/vrsandeep/imdb-etl/internal/models"
)

type fakeEnqueuer struct {
	mu     sync.Mutex
	queues []string
	err    error
}

func (f *fakeEnqueuer) Enqueue(ctx context.Context, queue string, payload any) (int64, error) {
	if f.err != nil {
		return 0, f.err
	}
	if trig, ok := payload.(models.Trigger); !ok || trig.Reason != "schedule" {
		return 0, errors.New("unexpected payload")
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queues = append(f.queues, queue)
	return int64(len(f.queues)), nil
}

type fakePruner struct {
	olderThan atomic.Int64
}

func (f *fakePruner) PruneCompleted(ctx context.Context, olderThan time.Duration) (int64, error) {
	f.olderThan.Store(int64(olderThan))
	return 3, nil
}

func TestScheduler_ScheduleAndReplace(t *testing.T) {
	s := NewScheduler(&fakeEnqueuer{})
	require.NoError(t, s.Schedule(config.QueueImport, "0 0 1 * *"))
	require.NoError(t, s.Schedule(config.QueueImport, "0 3 1 * *"))

	got := s.Schedules()
	require.Len(t, got, 1)
	assert.Equal(t, config.QueueImport, got[0].Name)
	assert.Equal(t, "0 3 1 * *", got[0].Cron)
	assert.Len(t, s.s.Jobs(), 1, "the previous expression is removed")
}

func TestScheduler_EmptyExpressionUnschedules(t *testing.T) {
	s := NewScheduler(&fakeEnqueuer{})
	require.NoError(t, s.Schedule(config.QueueFindTitles, "0 0 * * 0"))
	require.NoError(t, s.Schedule(config.QueueFindTitles, ""))
	assert.Empty(t, s.Schedules())
	assert.Empty(t, s.s.Jobs())
}

func TestScheduler_InvalidExpression(t *testing.T) {
	s := NewScheduler(&fakeEnqueuer{})
	err := s.Schedule(config.QueueImport, "every full moon")
	assert.Error(t, err)
	assert.Empty(t, s.Schedules())
}

func TestScheduler_NextRunOnceStarted(t *testing.T) {
	s := NewScheduler(&fakeEnqueuer{})
	require.NoError(t, s.Schedule(config.QueueFindMovies, "0 12 * * 0"))
	s.Start()
	defer s.Stop()

	require.Eventually(t, func() bool {
		return !s.Schedules()[0].NextRun.IsZero()
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, time.Sunday, s.Schedules()[0].NextRun.Weekday())
}

func TestScheduler_TriggerEnqueues(t *testing.T) {
	q := &fakeEnqueuer{}
	s := NewScheduler(q)
	s.trigger(config.QueueImport)
	assert.Equal(t, []string{config.QueueImport}, q.queues)

	// Enqueue errors are logged, not raised.
	q.err = errors.New("database is locked")
	s.trigger(config.QueueImport)
	assert.Len(t, q.queues, 1)
}

func TestRegisterSchedules(t *testing.T) {
	cfg := &config.Config{}
	cfg.Schedules.Import = "0 0 1 * *"
	cfg.Schedules.Normalize = "0 0 * * 0"
	cfg.Schedules.Enrich = ""
	cfg.Schedules.Prune = "30 4 * * *"

	s := NewScheduler(&fakeEnqueuer{})
	require.NoError(t, RegisterSchedules(s, cfg, &fakePruner{}))

	names := []string{}
	for _, sc := range s.Schedules() {
		names = append(names, sc.Name)
	}
	assert.Equal(t, []string{config.QueueImport, config.QueueFindTitles, PruneJob}, names)
}

func TestRegisterSchedules_PruneUsesRetention(t *testing.T) {
	cfg := &config.Config{}
	cfg.Schedules.Prune = "30 4 * * *"
	cfg.Queues.Retention = 48 * time.Hour
	pruner := &fakePruner{}

	s := NewScheduler(&fakeEnqueuer{})
	require.NoError(t, RegisterSchedules(s, cfg, pruner))

	s.Start()
	defer s.Stop()
	require.NoError(t, s.s.RunByTag(PruneJob))
	require.Eventually(t, func() bool {
		return time.Duration(pruner.olderThan.Load()) == 48*time.Hour
	}, time.Second, 5*time.Millisecond)
}
