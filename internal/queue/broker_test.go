package queue_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vrsandeep/imdb-etl/internal/models"
	"github.com/vrsandeep/imdb-etl/internal/queue"
	"github.com/vrsandeep/imdb-etl/internal/testutil"
)

const (
	qA = "queue-a"
	qB = "queue-b"
)

func newBroker(t *testing.T) *queue.Broker {
	t.Helper()
	db := testutil.SetupTestDB(t)
	b := queue.New(db, 10*time.Millisecond, qA, qB)
	t.Cleanup(b.Stop)
	return b
}

func waitForState(t *testing.T, b *queue.Broker, id int64, state models.JobState) *models.Job {
	t.Helper()
	var job *models.Job
	require.Eventually(t, func() bool {
		var err error
		job, err = b.Get(context.Background(), id)
		return err == nil && job.State == state
	}, 2*time.Second, 5*time.Millisecond, "job %d never reached %s", id, state)
	return job
}

type payload struct {
	N int `json:"n"`
}

func TestBroker_ProcessesJob(t *testing.T) {
	b := newBroker(t)
	ctx := context.Background()

	var got atomic.Int64
	require.NoError(t, b.Consume(qA, 1, func(ctx context.Context, job *models.Job) error {
		var p payload
		if err := job.Decode(&p); err != nil {
			return err
		}
		got.Store(int64(p.N))
		return nil
	}))
	require.NoError(t, b.Start(ctx))

	id, err := b.Enqueue(ctx, qA, payload{N: 42})
	require.NoError(t, err)

	job := waitForState(t, b, id, models.JobCompleted)
	assert.Equal(t, 1, job.Attempts)
	assert.Equal(t, int64(42), got.Load())
}

func TestBroker_UnknownQueue(t *testing.T) {
	b := newBroker(t)
	_, err := b.Enqueue(context.Background(), "nope", payload{})
	assert.ErrorIs(t, err, queue.ErrUnknownQueue)

	err = b.Consume("nope", 1, func(context.Context, *models.Job) error { return nil })
	assert.ErrorIs(t, err, queue.ErrUnknownQueue)
}

func TestBroker_SingleConsumerPerQueue(t *testing.T) {
	b := newBroker(t)
	noop := func(context.Context, *models.Job) error { return nil }
	require.NoError(t, b.Consume(qA, 1, noop))
	assert.ErrorIs(t, b.Consume(qA, 1, noop), queue.ErrAlreadyServed)
}

func TestBroker_FailureCallbackAndNoResubmission(t *testing.T) {
	b := newBroker(t)
	ctx := context.Background()

	var calls atomic.Int32
	var failures []error
	var mu sync.Mutex
	require.NoError(t, b.Consume(qA, 2, func(ctx context.Context, job *models.Job) error {
		calls.Add(1)
		return errors.New("boom")
	}, queue.WithFailureHandler(func(job *models.Job, err error) {
		mu.Lock()
		failures = append(failures, err)
		mu.Unlock()
	})))
	require.NoError(t, b.Start(ctx))

	id, err := b.Enqueue(ctx, qA, payload{N: 1})
	require.NoError(t, err)

	job := waitForState(t, b, id, models.JobFailed)
	assert.Equal(t, "boom", job.LastError)

	// Give the dispatcher a few polls to prove the job is not picked up again.
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(1), calls.Load())
	mu.Lock()
	assert.Len(t, failures, 1)
	mu.Unlock()
}

func TestBroker_PanicIsRecordedAsFailure(t *testing.T) {
	b := newBroker(t)
	ctx := context.Background()
	require.NoError(t, b.Consume(qA, 1, func(ctx context.Context, job *models.Job) error {
		panic("handler exploded")
	}))
	require.NoError(t, b.Start(ctx))

	id, err := b.Enqueue(ctx, qA, payload{})
	require.NoError(t, err)

	job := waitForState(t, b, id, models.JobFailed)
	assert.Contains(t, job.LastError, "handler exploded")
}

func TestBroker_InvalidPayloadFailsJob(t *testing.T) {
	b := newBroker(t)
	ctx := context.Background()

	var decodeErr error
	var mu sync.Mutex
	require.NoError(t, b.Consume(qA, 1, func(ctx context.Context, job *models.Job) error {
		var row models.RelationalTitleRow
		return job.Decode(&row)
	}, queue.WithFailureHandler(func(job *models.Job, err error) {
		mu.Lock()
		decodeErr = err
		mu.Unlock()
	})))
	require.NoError(t, b.Start(ctx))

	id, err := b.Enqueue(ctx, qA, map[string]any{"tconst": "not-an-id", "titleType": "movie"})
	require.NoError(t, err)
	waitForState(t, b, id, models.JobFailed)

	mu.Lock()
	defer mu.Unlock()
	assert.ErrorIs(t, decodeErr, models.ErrInvalidPayload)
}

func TestBroker_ConcurrencyCeiling(t *testing.T) {
	b := newBroker(t)
	ctx := context.Background()

	var running, peak atomic.Int32
	release := make(chan struct{})
	require.NoError(t, b.Consume(qA, 3, func(ctx context.Context, job *models.Job) error {
		n := running.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		<-release
		running.Add(-1)
		return nil
	}))
	require.NoError(t, b.Start(ctx))

	payloads := make([]any, 10)
	for i := range payloads {
		payloads[i] = payload{N: i}
	}
	n, err := b.EnqueueBulk(ctx, qA, payloads)
	require.NoError(t, err)
	assert.Equal(t, 10, n)

	require.Eventually(t, func() bool { return running.Load() == 3 }, time.Second, 5*time.Millisecond)
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, int32(3), peak.Load())

	close(release)
	require.Eventually(t, func() bool {
		stats, err := b.Stats(ctx)
		return err == nil && stats[0].Completed == 10
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, int32(3), peak.Load())
}

func TestBroker_QueuesAreIndependent(t *testing.T) {
	b := newBroker(t)
	ctx := context.Background()

	block := make(chan struct{})
	defer close(block)
	require.NoError(t, b.Consume(qA, 1, func(ctx context.Context, job *models.Job) error {
		select {
		case <-block:
		case <-ctx.Done():
		}
		return nil
	}))
	require.NoError(t, b.Consume(qB, 1, func(ctx context.Context, job *models.Job) error { return nil }))
	require.NoError(t, b.Start(ctx))

	_, err := b.Enqueue(ctx, qA, payload{})
	require.NoError(t, err)
	id, err := b.Enqueue(ctx, qB, payload{})
	require.NoError(t, err)

	waitForState(t, b, id, models.JobCompleted)
}

func TestBroker_StopReturnsInterruptedJobsToWaiting(t *testing.T) {
	db := testutil.SetupTestDB(t)
	b := queue.New(db, 10*time.Millisecond, qA)
	ctx := context.Background()

	started := make(chan struct{})
	require.NoError(t, b.Consume(qA, 1, func(ctx context.Context, job *models.Job) error {
		close(started)
		<-ctx.Done()
		return ctx.Err()
	}))
	require.NoError(t, b.Start(ctx))

	id, err := b.Enqueue(ctx, qA, payload{})
	require.NoError(t, err)
	<-started
	b.Stop()

	job, err := b.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, models.JobWaiting, job.State)

	// A new broker over the same store picks the job up again.
	b2 := queue.New(db, 10*time.Millisecond, qA)
	t.Cleanup(b2.Stop)
	require.NoError(t, b2.Consume(qA, 1, func(context.Context, *models.Job) error { return nil }))
	require.NoError(t, b2.Start(ctx))
	job = waitForState(t, b2, id, models.JobCompleted)
	assert.Equal(t, 2, job.Attempts)
}

func TestBroker_StartResetsActiveJobs(t *testing.T) {
	db := testutil.SetupTestDB(t)
	_, err := db.Exec(`INSERT INTO jobs (queue, payload, state, attempts, created_at, updated_at)
		VALUES (?, '{}', 'active', 1, datetime('now'), datetime('now'))`, qA)
	require.NoError(t, err)

	b := queue.New(db, 10*time.Millisecond, qA)
	t.Cleanup(b.Stop)
	require.NoError(t, b.Consume(qA, 1, func(context.Context, *models.Job) error { return nil }))
	require.NoError(t, b.Start(context.Background()))

	job := waitForState(t, b, 1, models.JobCompleted)
	assert.Equal(t, 2, job.Attempts)
}

func TestBroker_RetryAndStats(t *testing.T) {
	b := newBroker(t)
	ctx := context.Background()

	var fail atomic.Bool
	fail.Store(true)
	require.NoError(t, b.Consume(qA, 1, func(ctx context.Context, job *models.Job) error {
		if fail.Load() {
			return errors.New("transient")
		}
		return nil
	}, queue.WithFailureHandler(func(*models.Job, error) {})))
	require.NoError(t, b.Start(ctx))

	first, _ := b.Enqueue(ctx, qA, payload{N: 1})
	second, _ := b.Enqueue(ctx, qA, payload{N: 2})
	waitForState(t, b, first, models.JobFailed)
	waitForState(t, b, second, models.JobFailed)

	failed, err := b.Failed(ctx, qA, 10)
	require.NoError(t, err)
	require.Len(t, failed, 2)
	assert.Equal(t, first, failed[0].ID)

	stats, err := b.Stats(ctx)
	require.NoError(t, err)
	require.Len(t, stats, 2)
	assert.Equal(t, models.QueueStats{Queue: qA, Failed: 2}, stats[0])
	assert.Equal(t, models.QueueStats{Queue: qB}, stats[1])

	fail.Store(false)
	require.NoError(t, b.Retry(ctx, first))
	job := waitForState(t, b, first, models.JobCompleted)
	assert.Equal(t, 2, job.Attempts)

	assert.ErrorIs(t, b.Retry(ctx, first), queue.ErrNotRetryable)
	assert.ErrorIs(t, b.Retry(ctx, 9999), queue.ErrJobNotFound)

	n, err := b.RetryFailed(ctx, qA)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	waitForState(t, b, second, models.JobCompleted)
}

func TestBroker_PruneCompleted(t *testing.T) {
	b := newBroker(t)
	ctx := context.Background()
	require.NoError(t, b.Consume(qA, 1, func(context.Context, *models.Job) error { return nil }))
	require.NoError(t, b.Start(ctx))

	id, err := b.Enqueue(ctx, qA, payload{})
	require.NoError(t, err)
	waitForState(t, b, id, models.JobCompleted)

	n, err := b.PruneCompleted(ctx, time.Hour)
	require.NoError(t, err)
	assert.Zero(t, n)

	time.Sleep(5 * time.Millisecond)
	n, err = b.PruneCompleted(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	_, err = b.Get(ctx, id)
	assert.ErrorIs(t, err, queue.ErrJobNotFound)
}

func TestBroker_DedupesKeyedJobs(t *testing.T) {
	b := newBroker(t)
	ctx := context.Background()
	matrix := models.NormalizedTitle{ImdbID: "tt0133093", TitleType: models.TitleTypeMovie}

	first, err := b.Enqueue(ctx, qA, matrix)
	require.NoError(t, err)
	again, err := b.Enqueue(ctx, qA, &matrix)
	require.NoError(t, err)
	assert.Equal(t, first, again, "an in-flight key returns the existing job")

	other, err := b.Enqueue(ctx, qB, matrix)
	require.NoError(t, err)
	assert.NotEqual(t, first, other, "keys are scoped to their queue")

	added, err := b.EnqueueBulk(ctx, qA, []any{
		matrix,
		models.NormalizedTitle{ImdbID: "tt0234215", TitleType: models.TitleTypeMovie},
		models.NormalizedTitle{ImdbID: "tt0234215", TitleType: models.TitleTypeMovie},
		payload{N: 1},
		payload{N: 1},
	})
	require.NoError(t, err)
	assert.Equal(t, 3, added, "unkeyed payloads are never deduplicated")

	stats, err := b.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 4, stats[0].Waiting)
}

func TestBroker_AtMostOneInFlightPerKey(t *testing.T) {
	b := newBroker(t)
	ctx := context.Background()
	matrix := models.NormalizedTitle{ImdbID: "tt0133093", TitleType: models.TitleTypeMovie}

	var running, peak atomic.Int32
	release := make(chan struct{})
	require.NoError(t, b.Consume(qA, 10, func(ctx context.Context, job *models.Job) error {
		n := running.Add(1)
		defer running.Add(-1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		<-release
		return nil
	}))

	for range 2 {
		_, err := b.EnqueueBulk(ctx, qA, []any{matrix})
		require.NoError(t, err)
	}
	require.NoError(t, b.Start(ctx))

	require.Eventually(t, func() bool { return running.Load() == 1 }, 2*time.Second, 5*time.Millisecond)
	added, err := b.EnqueueBulk(ctx, qA, []any{matrix})
	require.NoError(t, err)
	assert.Zero(t, added, "an active job holds its key")
	time.Sleep(50 * time.Millisecond)
	close(release)

	waitForState(t, b, 1, models.JobCompleted)
	assert.Equal(t, int32(1), peak.Load())

	id, err := b.Enqueue(ctx, qA, matrix)
	require.NoError(t, err)
	assert.NotEqual(t, int64(1), id, "a completed job releases its key")
	waitForState(t, b, id, models.JobCompleted)
}

func TestBroker_RetryWhileKeyInFlight(t *testing.T) {
	b := newBroker(t)
	ctx := context.Background()
	row := models.RelationalTitleRow{Tconst: "tt0903747", TitleType: models.TitleTypeTVSeries}

	var fail atomic.Bool
	fail.Store(true)
	require.NoError(t, b.Consume(qA, 1, func(context.Context, *models.Job) error {
		if fail.Load() {
			return errors.New("transient")
		}
		return nil
	}, queue.WithFailureHandler(func(*models.Job, error) {})))
	require.NoError(t, b.Start(ctx))

	failedID, err := b.Enqueue(ctx, qA, row)
	require.NoError(t, err)
	waitForState(t, b, failedID, models.JobFailed)

	b.Stop()
	waitingID, err := b.Enqueue(ctx, qA, row)
	require.NoError(t, err)
	assert.NotEqual(t, failedID, waitingID, "a failed job does not hold its key")

	assert.ErrorIs(t, b.Retry(ctx, failedID), queue.ErrInFlight)
	n, err := b.RetryFailed(ctx, qA)
	require.NoError(t, err)
	assert.Zero(t, n)

	job, err := b.Get(ctx, failedID)
	require.NoError(t, err)
	assert.Equal(t, models.JobFailed, job.State)
}
