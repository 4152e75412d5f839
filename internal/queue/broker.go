// Package queue implements durable named job queues on top of the SQLite
// queue database. Jobs are executed at least once; a job interrupted by a
// crash or a shutdown is picked up again on the next start.
package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"

	"github.com/vrsandeep/imdb-etl/internal/logger"
	"github.com/vrsandeep/imdb-etl/internal/models"
)

var (
	ErrUnknownQueue  = errors.New("unknown queue")
	ErrJobNotFound   = errors.New("job not found")
	ErrNotRetryable  = errors.New("job is not in failed state")
	ErrAlreadyServed = errors.New("queue already has a consumer")
	ErrInFlight      = errors.New("a job with the same key is already waiting or active")
)

// Keyed payloads are deduplicated: while a job with the same key is waiting
// or active on a queue, enqueueing another one is a no-op.
type Keyed interface {
	DedupeKey() string
}

// Handler processes one job. A nil return completes the job; an error or a
// panic fails it.
type Handler func(ctx context.Context, job *models.Job) error

// FailureHandler is called once for every failed job of a queue.
type FailureHandler func(job *models.Job, err error)

// ConsumeOption configures a consumer.
type ConsumeOption func(*consumer)

// WithFailureHandler replaces the default failure callback, which logs the
// error.
func WithFailureHandler(fn FailureHandler) ConsumeOption {
	return func(c *consumer) {
		c.onFailure = fn
	}
}

type consumer struct {
	queue       string
	concurrency int
	handler     Handler
	onFailure   FailureHandler
	sem         *semaphore.Weighted
	wake        chan struct{}
}

func (c *consumer) notify() {
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

// Broker owns the jobs table. Producers append jobs; only the broker moves a
// job between states.
type Broker struct {
	db           *sql.DB
	pollInterval time.Duration
	known        map[string]bool
	log          zerolog.Logger

	mu        sync.Mutex
	consumers map[string]*consumer
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
}

// New creates a broker for the given queue names.
func New(db *sql.DB, pollInterval time.Duration, queues ...string) *Broker {
	if pollInterval <= 0 {
		pollInterval = time.Second
	}
	known := make(map[string]bool, len(queues))
	for _, q := range queues {
		known[q] = true
	}
	return &Broker{
		db:           db,
		pollInterval: pollInterval,
		known:        known,
		log:          logger.Named("queue"),
		consumers:    make(map[string]*consumer),
	}
}

// Queues returns the known queue names, sorted.
func (b *Broker) Queues() []string {
	names := make([]string, 0, len(b.known))
	for q := range b.known {
		names = append(names, q)
	}
	sort.Strings(names)
	return names
}

// Known reports whether the queue was declared.
func (b *Broker) Known(queue string) bool {
	return b.known[queue]
}

// Enqueue appends one job with the JSON encoding of payload. For a Keyed
// payload already in flight it returns the id of the existing job.
func (b *Broker) Enqueue(ctx context.Context, queue string, payload any) (int64, error) {
	if !b.known[queue] {
		return 0, fmt.Errorf("%w: %s", ErrUnknownQueue, queue)
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return 0, fmt.Errorf("encoding payload for %s: %w", queue, err)
	}
	id, err := insertJob(ctx, b.db, queue, data, dedupeKey(payload))
	if err != nil {
		return 0, err
	}
	b.wakeQueue(queue)
	return id, nil
}

// EnqueueBulk appends one job per payload in a single transaction and
// returns how many were added. Keyed payloads already in flight, or repeated
// within the batch, are skipped.
func (b *Broker) EnqueueBulk(ctx context.Context, queue string, payloads []any) (int, error) {
	if !b.known[queue] {
		return 0, fmt.Errorf("%w: %s", ErrUnknownQueue, queue)
	}
	if len(payloads) == 0 {
		return 0, nil
	}

	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, insertJobSQL)
	if err != nil {
		return 0, err
	}
	defer stmt.Close()

	now := time.Now().UTC()
	added := 0
	for i, p := range payloads {
		data, err := json.Marshal(p)
		if err != nil {
			return 0, fmt.Errorf("encoding payload %d for %s: %w", i, queue, err)
		}
		res, err := stmt.ExecContext(ctx, queue, string(data), dedupeKey(p), now, now)
		if err != nil {
			return 0, err
		}
		if n, _ := res.RowsAffected(); n > 0 {
			added++
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	if added > 0 {
		b.wakeQueue(queue)
	}
	if skipped := len(payloads) - added; skipped > 0 {
		b.log.Debug().Str("queue", queue).Int("skipped", skipped).Msg("Skipped jobs already in flight")
	}
	return added, nil
}

// Consume registers the handler of a queue with a concurrency ceiling. A
// queue has at most one consumer. Consumers registered after Start begin
// immediately.
func (b *Broker) Consume(queue string, concurrency int, handler Handler, opts ...ConsumeOption) error {
	if !b.known[queue] {
		return fmt.Errorf("%w: %s", ErrUnknownQueue, queue)
	}
	if concurrency <= 0 {
		concurrency = 1
	}
	c := &consumer{
		queue:       queue,
		concurrency: concurrency,
		handler:     handler,
		sem:         semaphore.NewWeighted(int64(concurrency)),
		wake:        make(chan struct{}, 1),
	}
	c.onFailure = func(job *models.Job, err error) {
		b.log.Error().Err(err).
			Str("queue", job.Queue).
			Int64("job", job.ID).
			Int("attempts", job.Attempts).
			Msg("Job failed")
	}
	for _, opt := range opts {
		opt(c)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if _, exists := b.consumers[queue]; exists {
		return fmt.Errorf("%w: %s", ErrAlreadyServed, queue)
	}
	b.consumers[queue] = c
	if b.ctx != nil {
		b.wg.Add(1)
		go b.dispatch(b.ctx, c)
	}
	return nil
}

// Start returns interrupted jobs to the waiting state and starts one
// dispatcher per consumer. Cancelling ctx has the same effect as Stop
// without the wait.
func (b *Broker) Start(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.ctx != nil {
		return errors.New("broker already started")
	}

	n, err := resetActive(ctx, b.db)
	if err != nil {
		return fmt.Errorf("resetting active jobs: %w", err)
	}
	if n > 0 {
		b.log.Info().Int64("count", n).Msg("Re-queued interrupted jobs")
	}

	b.ctx, b.cancel = context.WithCancel(ctx)
	for _, c := range b.consumers {
		b.wg.Add(1)
		go b.dispatch(b.ctx, c)
	}
	b.log.Info().Int("consumers", len(b.consumers)).Msg("Queue broker started")
	return nil
}

// Stop cancels running handlers and waits for them to return. Jobs that
// were interrupted go back to waiting.
func (b *Broker) Stop() {
	b.mu.Lock()
	cancel := b.cancel
	b.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	b.wg.Wait()
	b.log.Info().Msg("Queue broker stopped")
}

func (b *Broker) wakeQueue(queue string) {
	b.mu.Lock()
	c := b.consumers[queue]
	b.mu.Unlock()
	if c != nil {
		c.notify()
	}
}

func (b *Broker) dispatch(ctx context.Context, c *consumer) {
	defer b.wg.Done()
	ticker := time.NewTicker(b.pollInterval)
	defer ticker.Stop()

	for {
		b.fill(ctx, c)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-c.wake:
		}
	}
}

// fill claims as many waiting jobs as there are free slots.
func (b *Broker) fill(ctx context.Context, c *consumer) {
	for ctx.Err() == nil {
		slots := 0
		for slots < c.concurrency && c.sem.TryAcquire(1) {
			slots++
		}
		if slots == 0 {
			return
		}

		jobs, err := claim(ctx, b.db, c.queue, slots)
		if err != nil {
			c.sem.Release(int64(slots))
			if ctx.Err() == nil {
				b.log.Error().Err(err).Str("queue", c.queue).Msg("Error claiming jobs")
			}
			return
		}
		if unused := slots - len(jobs); unused > 0 {
			c.sem.Release(int64(unused))
		}
		for _, job := range jobs {
			b.wg.Add(1)
			go b.run(ctx, c, job)
		}
		if len(jobs) < slots {
			return
		}
	}
}

func (b *Broker) run(ctx context.Context, c *consumer, job *models.Job) {
	defer b.wg.Done()
	defer c.notify()
	defer c.sem.Release(1)

	err := invoke(ctx, c.handler, job)
	db := context.WithoutCancel(ctx)

	switch {
	case err == nil:
		if err := markCompleted(db, b.db, job.ID); err != nil {
			b.log.Error().Err(err).Int64("job", job.ID).Msg("Error completing job")
		}
	case ctx.Err() != nil:
		if err := markWaiting(db, b.db, job.ID); err != nil {
			b.log.Error().Err(err).Int64("job", job.ID).Msg("Error re-queueing interrupted job")
		}
	default:
		job.State = models.JobFailed
		job.LastError = err.Error()
		if err := markFailed(db, b.db, job.ID, job.LastError); err != nil {
			b.log.Error().Err(err).Int64("job", job.ID).Msg("Error recording job failure")
		}
		c.onFailure(job, err)
	}
}

func invoke(ctx context.Context, handler Handler, job *models.Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic in %s handler: %v", job.Queue, r)
		}
	}()
	return handler(ctx, job)
}
