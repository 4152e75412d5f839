package queue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/vrsandeep/imdb-etl/internal/models"
)

// insertJobSQL skips a job whose key is already waiting or active on the
// same queue.
const insertJobSQL = `
	INSERT OR IGNORE INTO jobs (queue, payload, dedupe_key, state, attempts, created_at, updated_at)
	VALUES (?, ?, ?, 'waiting', 0, ?, ?)`

const inFlightJobSQL = `
	SELECT id FROM jobs
	WHERE queue = ? AND dedupe_key = ? AND state IN ('waiting', 'active')`

const selectJobSQL = `
	SELECT id, queue, payload, state, attempts, COALESCE(last_error, ''), created_at, updated_at
	FROM jobs`

// insertJob returns the id of the new job, or of the in-flight job holding
// the same key.
func insertJob(ctx context.Context, db *sql.DB, queue string, payload []byte, key sql.NullString) (int64, error) {
	now := time.Now().UTC()
	res, err := db.ExecContext(ctx, insertJobSQL, queue, string(payload), key, now, now)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	if n > 0 {
		return res.LastInsertId()
	}
	var id int64
	if err := db.QueryRowContext(ctx, inFlightJobSQL, queue, key).Scan(&id); err != nil {
		return 0, fmt.Errorf("looking up in-flight job for key %s: %w", key.String, err)
	}
	return id, nil
}

// dedupeKey returns the key of payloads implementing Keyed. Payloads without
// a key are never deduplicated.
func dedupeKey(payload any) sql.NullString {
	if k, ok := payload.(Keyed); ok && k.DedupeKey() != "" {
		return sql.NullString{String: k.DedupeKey(), Valid: true}
	}
	return sql.NullString{}
}

func scanJobs(rows *sql.Rows) ([]*models.Job, error) {
	defer rows.Close()
	var jobs []*models.Job
	for rows.Next() {
		var (
			job     models.Job
			payload string
			state   string
		)
		if err := rows.Scan(&job.ID, &job.Queue, &payload, &state, &job.Attempts,
			&job.LastError, &job.CreatedAt, &job.UpdatedAt); err != nil {
			return nil, err
		}
		job.Payload = []byte(payload)
		job.State = models.JobState(state)
		jobs = append(jobs, &job)
	}
	return jobs, rows.Err()
}

// claim moves up to limit waiting jobs of a queue to active, oldest first.
func claim(ctx context.Context, db *sql.DB, queue string, limit int) ([]*models.Job, error) {
	rows, err := db.QueryContext(ctx, `
		UPDATE jobs SET state = 'active', attempts = attempts + 1, updated_at = ?
		WHERE id IN (
			SELECT id FROM jobs WHERE queue = ? AND state = 'waiting' ORDER BY id LIMIT ?
		)
		RETURNING id`, time.Now().UTC(), queue, limit)
	if err != nil {
		return nil, err
	}
	var ids []any
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, err
		}
		ids = append(ids, id)
	}
	if err := rows.Close(); err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	rows, err = db.QueryContext(ctx, selectJobSQL+" WHERE id IN ("+placeholders+") ORDER BY id", ids...)
	if err != nil {
		return nil, err
	}
	return scanJobs(rows)
}

func setState(ctx context.Context, db *sql.DB, id int64, state models.JobState, lastError any) error {
	_, err := db.ExecContext(ctx,
		"UPDATE jobs SET state = ?, last_error = ?, updated_at = ? WHERE id = ?",
		string(state), lastError, time.Now().UTC(), id)
	return err
}

func markCompleted(ctx context.Context, db *sql.DB, id int64) error {
	return setState(ctx, db, id, models.JobCompleted, nil)
}

func markFailed(ctx context.Context, db *sql.DB, id int64, msg string) error {
	return setState(ctx, db, id, models.JobFailed, msg)
}

func markWaiting(ctx context.Context, db *sql.DB, id int64) error {
	_, err := db.ExecContext(ctx,
		"UPDATE jobs SET state = 'waiting', updated_at = ? WHERE id = ?", time.Now().UTC(), id)
	return err
}

// resetActive returns jobs left active by a previous process to waiting.
func resetActive(ctx context.Context, db *sql.DB) (int64, error) {
	res, err := db.ExecContext(ctx,
		"UPDATE jobs SET state = 'waiting', updated_at = ? WHERE state = 'active'", time.Now().UTC())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// Get returns a job by id.
func (b *Broker) Get(ctx context.Context, id int64) (*models.Job, error) {
	rows, err := b.db.QueryContext(ctx, selectJobSQL+" WHERE id = ?", id)
	if err != nil {
		return nil, err
	}
	jobs, err := scanJobs(rows)
	if err != nil {
		return nil, err
	}
	if len(jobs) == 0 {
		return nil, fmt.Errorf("%w: %d", ErrJobNotFound, id)
	}
	return jobs[0], nil
}

// Failed lists the failed jobs of a queue, oldest first.
func (b *Broker) Failed(ctx context.Context, queue string, limit int) ([]*models.Job, error) {
	if !b.known[queue] {
		return nil, fmt.Errorf("%w: %s", ErrUnknownQueue, queue)
	}
	if limit <= 0 {
		limit = 100
	}
	rows, err := b.db.QueryContext(ctx,
		selectJobSQL+" WHERE queue = ? AND state = 'failed' ORDER BY id LIMIT ?", queue, limit)
	if err != nil {
		return nil, err
	}
	jobs, err := scanJobs(rows)
	if err != nil {
		return nil, err
	}
	if jobs == nil {
		jobs = []*models.Job{}
	}
	return jobs, nil
}

// Retry puts one failed job back in its queue.
func (b *Broker) Retry(ctx context.Context, id int64) error {
	job, err := b.Get(ctx, id)
	if err != nil {
		return err
	}
	if job.State != models.JobFailed {
		return fmt.Errorf("%w: job %d is %s", ErrNotRetryable, id, job.State)
	}
	res, err := b.db.ExecContext(ctx,
		"UPDATE OR IGNORE jobs SET state = 'waiting', updated_at = ? WHERE id = ? AND state = 'failed'",
		time.Now().UTC(), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: job %d", ErrInFlight, id)
	}
	b.wakeQueue(job.Queue)
	return nil
}

// RetryFailed puts every failed job of a queue back in the queue and returns
// how many were moved. Jobs whose key is already in flight stay failed.
func (b *Broker) RetryFailed(ctx context.Context, queue string) (int64, error) {
	if !b.known[queue] {
		return 0, fmt.Errorf("%w: %s", ErrUnknownQueue, queue)
	}
	res, err := b.db.ExecContext(ctx,
		"UPDATE OR IGNORE jobs SET state = 'waiting', updated_at = ? WHERE queue = ? AND state = 'failed'",
		time.Now().UTC(), queue)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	if n > 0 {
		b.wakeQueue(queue)
	}
	return n, nil
}

// Stats counts jobs per state for every known queue.
func (b *Broker) Stats(ctx context.Context) ([]models.QueueStats, error) {
	byQueue := make(map[string]*models.QueueStats, len(b.known))
	for q := range b.known {
		byQueue[q] = &models.QueueStats{Queue: q}
	}

	rows, err := b.db.QueryContext(ctx, "SELECT queue, state, COUNT(*) FROM jobs GROUP BY queue, state")
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var (
			queue, state string
			count        int
		)
		if err := rows.Scan(&queue, &state, &count); err != nil {
			return nil, err
		}
		s, ok := byQueue[queue]
		if !ok {
			s = &models.QueueStats{Queue: queue}
			byQueue[queue] = s
		}
		switch models.JobState(state) {
		case models.JobWaiting:
			s.Waiting = count
		case models.JobActive:
			s.Active = count
		case models.JobCompleted:
			s.Completed = count
		case models.JobFailed:
			s.Failed = count
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	stats := make([]models.QueueStats, 0, len(byQueue))
	for _, s := range byQueue {
		stats = append(stats, *s)
	}
	sort.Slice(stats, func(i, j int) bool { return stats[i].Queue < stats[j].Queue })
	return stats, nil
}

// PruneCompleted deletes completed jobs last updated before now - olderThan.
func (b *Broker) PruneCompleted(ctx context.Context, olderThan time.Duration) (int64, error) {
	if olderThan < 0 {
		return 0, errors.New("retention must not be negative")
	}
	cutoff := time.Now().UTC().Add(-olderThan)
	res, err := b.db.ExecContext(ctx,
		"DELETE FROM jobs WHERE state = 'completed' AND updated_at < ?", cutoff)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
