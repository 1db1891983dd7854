// Package queue implements the durable delivery queue on PostgreSQL.
// Jobs are leased in batches with FOR UPDATE SKIP LOCKED so any number
// of workers can pull concurrently without double-delivery.
package queue

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/ignite/lead-pipeline/internal/domain"
)

// Backoff caps and schedule for retries.
const (
	baseBackoffMinutes = 5
	maxBackoffMinutes  = 120
)

// Backoff returns the delay before the next attempt: 5m doubling per
// attempt already made, capped at 2h.
func Backoff(attempts int) time.Duration {
	minutes := baseBackoffMinutes
	for i := 0; i < attempts && minutes < maxBackoffMinutes; i++ {
		minutes *= 2
	}
	if minutes > maxBackoffMinutes {
		minutes = maxBackoffMinutes
	}
	return time.Duration(minutes) * time.Minute
}

// Queue is the Postgres-backed job queue. An optional ready index keeps
// an advisory copy of pending job ids in Redis for cheap backlog reads.
type Queue struct {
	db    *sql.DB
	index *ReadyIndex // may be nil
}

// New creates a queue. index may be nil when Redis is not configured.
func New(db *sql.DB, index *ReadyIndex) *Queue {
	return &Queue{db: db, index: index}
}

const jobColumns = `
	id, event_id, platform_id, status, attempts, max_retries, process_after,
	COALESCE(locked_by, ''), COALESCE(locked_until, 'epoch'::timestamptz),
	COALESCE(response_code, 0), COALESCE(response_body, ''),
	COALESCE(error_message, ''), COALESCE(skip_reason, ''),
	COALESCE(revenue_amount, 0), COALESCE(revenue_status, ''),
	created_at, COALESCE(processed_at, 'epoch'::timestamptz)`

func scanJob(row interface{ Scan(...interface{}) error }) (*domain.QueueJob, error) {
	var j domain.QueueJob
	err := row.Scan(
		&j.ID, &j.EventID, &j.PlatformID, &j.Status, &j.Attempts, &j.MaxRetries, &j.ProcessAfter,
		&j.LockedBy, &j.LockedUntil,
		&j.ResponseCode, &j.ResponseBody,
		&j.ErrorMessage, &j.SkipReason,
		&j.RevenueAmount, &j.RevenueStatus,
		&j.CreatedAt, &j.ProcessedAt,
	)
	if err != nil {
		return nil, err
	}
	return &j, nil
}

// Enqueue inserts one pending job. Duplicate (event, platform) pairs
// are rejected upstream by the router's dedupe, not here.
func (q *Queue) Enqueue(ctx context.Context, job *domain.QueueJob) error {
	if job.MaxRetries <= 0 {
		job.MaxRetries = domain.DefaultMaxRetries
	}
	if job.ProcessAfter.IsZero() {
		job.ProcessAfter = time.Now()
	}
	err := q.db.QueryRowContext(ctx, `
		INSERT INTO processing_queue (event_id, platform_id, status, max_retries, process_after)
		VALUES ($1, $2, 'pending', $3, $4)
		RETURNING id, created_at
	`, job.EventID, job.PlatformID, job.MaxRetries, job.ProcessAfter).
		Scan(&job.ID, &job.CreatedAt)
	if err != nil {
		return fmt.Errorf("enqueue job: %w", err)
	}
	job.Status = domain.JobStatusPending
	if q.index != nil {
		q.index.Add(ctx, job.ID, job.ProcessAfter)
	}
	return nil
}

// LeaseBatch atomically claims up to batchSize due jobs for workerID.
// Claimed jobs move to processing with a lease; a worker that dies
// without finishing them is covered by the reaper once the lease lapses.
func (q *Queue) LeaseBatch(ctx context.Context, workerID string, batchSize, leaseSeconds int) ([]*domain.QueueJob, error) {
	rows, err := q.db.QueryContext(ctx, `
		WITH claimed AS (
			SELECT id FROM processing_queue
			WHERE status = 'pending' AND process_after <= NOW()
			ORDER BY process_after ASC, id ASC
			LIMIT $2
			FOR UPDATE SKIP LOCKED
		)
		UPDATE processing_queue p
		SET status = 'processing',
		    locked_by = $1,
		    locked_until = NOW() + ($3 || ' seconds')::interval
		FROM claimed
		WHERE p.id = claimed.id
		RETURNING p.id, p.event_id, p.platform_id, p.status, p.attempts, p.max_retries, p.process_after,
		          COALESCE(p.locked_by, ''), COALESCE(p.locked_until, 'epoch'::timestamptz),
		          COALESCE(p.response_code, 0), COALESCE(p.response_body, ''),
		          COALESCE(p.error_message, ''), COALESCE(p.skip_reason, ''),
		          COALESCE(p.revenue_amount, 0), COALESCE(p.revenue_status, ''),
		          p.created_at, COALESCE(p.processed_at, 'epoch'::timestamptz)`,
		workerID, batchSize, leaseSeconds)
	if err != nil {
		return nil, fmt.Errorf("lease batch: %w", err)
	}
	defer rows.Close()

	var jobs []*domain.QueueJob
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan leased job: %w", err)
		}
		jobs = append(jobs, j)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("lease batch: %w", err)
	}
	if q.index != nil {
		for _, j := range jobs {
			q.index.Remove(ctx, j.ID)
		}
	}
	return jobs, nil
}

// Complete terminates a job successfully. Scoped by locked_by so a
// reaped worker can no longer finish a job it lost.
func (q *Queue) Complete(ctx context.Context, jobID int64, workerID string, responseCode int, responseBody string, revenue float64, revenueStatus string) error {
	res, err := q.db.ExecContext(ctx, `
		UPDATE processing_queue
		SET status = 'completed', attempts = attempts + 1,
		    response_code = NULLIF($3, 0), response_body = NULLIF($4, ''),
		    revenue_amount = NULLIF($5, 0), revenue_status = NULLIF($6, ''),
		    locked_by = NULL, locked_until = NULL, processed_at = NOW()
		WHERE id = $1 AND locked_by = $2 AND status = 'processing'
	`, jobID, workerID, responseCode, responseBody, revenue, revenueStatus)
	return ownedResult("complete", jobID, res, err)
}

// Fail retries or terminates a failed attempt. Below the retry budget
// the job returns to pending with exponential backoff; at the budget it
// fails permanently.
func (q *Queue) Fail(ctx context.Context, job *domain.QueueJob, workerID string, responseCode int, errMsg string) error {
	attempts := job.Attempts + 1
	if attempts >= job.MaxRetries {
		res, err := q.db.ExecContext(ctx, `
			UPDATE processing_queue
			SET status = 'failed', attempts = $3,
			    response_code = NULLIF($4, 0), error_message = $5,
			    locked_by = NULL, locked_until = NULL, processed_at = NOW()
			WHERE id = $1 AND locked_by = $2 AND status = 'processing'
		`, job.ID, workerID, attempts, responseCode, errMsg)
		return ownedResult("fail", job.ID, res, err)
	}

	delay := Backoff(job.Attempts)
	res, err := q.db.ExecContext(ctx, `
		UPDATE processing_queue
		SET status = 'pending', attempts = $3,
		    response_code = NULLIF($4, 0), error_message = $5,
		    process_after = NOW() + ($6 || ' seconds')::interval,
		    locked_by = NULL, locked_until = NULL
		WHERE id = $1 AND locked_by = $2 AND status = 'processing'
	`, job.ID, workerID, attempts, responseCode, errMsg, int(delay.Seconds()))
	if err := ownedResult("retry", job.ID, res, err); err != nil {
		return err
	}
	if q.index != nil {
		q.index.Add(ctx, job.ID, time.Now().Add(delay))
	}
	return nil
}

// Skip terminates a job without delivery.
func (q *Queue) Skip(ctx context.Context, jobID int64, workerID, reason string) error {
	res, err := q.db.ExecContext(ctx, `
		UPDATE processing_queue
		SET status = 'skipped', skip_reason = $3,
		    locked_by = NULL, locked_until = NULL, processed_at = NOW()
		WHERE id = $1 AND locked_by = $2 AND status = 'processing'
	`, jobID, workerID, reason)
	return ownedResult("skip", jobID, res, err)
}

// Release returns unfinished leased jobs to pending without consuming
// an attempt. Used on graceful shutdown.
func (q *Queue) Release(ctx context.Context, workerID string) (int64, error) {
	res, err := q.db.ExecContext(ctx, `
		UPDATE processing_queue
		SET status = 'pending', locked_by = NULL, locked_until = NULL
		WHERE locked_by = $1 AND status = 'processing'
	`, workerID)
	if err != nil {
		return 0, fmt.Errorf("release leases: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// FailPermanent terminates a job regardless of remaining retry budget.
// Used for fatal conditions like a missing event or platform.
func (q *Queue) FailPermanent(ctx context.Context, jobID int64, workerID, errMsg string) error {
	res, err := q.db.ExecContext(ctx, `
		UPDATE processing_queue
		SET status = 'failed', attempts = attempts + 1, error_message = $3,
		    locked_by = NULL, locked_until = NULL, processed_at = NOW()
		WHERE id = $1 AND locked_by = $2 AND status = 'processing'
	`, jobID, workerID, errMsg)
	return ownedResult("fail permanent", jobID, res, err)
}

// CancelSiblings skips every still-pending job of an event. Called when
// the validation verdict comes back invalid. Racy by design: siblings
// already leased or terminal are unaffected. Returns the number of jobs
// cancelled, from the same statement's rows-affected.
func (q *Queue) CancelSiblings(ctx context.Context, eventID int64, reason string) (int64, error) {
	res, err := q.db.ExecContext(ctx, `
		UPDATE processing_queue
		SET status = 'skipped', skip_reason = $2, processed_at = NOW()
		WHERE event_id = $1 AND status = 'pending'
	`, eventID, reason)
	if err != nil {
		return 0, fmt.Errorf("cancel siblings: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// ReapStuck returns jobs whose lease expired more than grace ago to
// pending. The attempt counter is untouched; the terminal write that
// never came is what increments it.
func (q *Queue) ReapStuck(ctx context.Context, grace time.Duration) (int64, error) {
	res, err := q.db.ExecContext(ctx, `
		UPDATE processing_queue
		SET status = 'pending', locked_by = NULL, locked_until = NULL
		WHERE status = 'processing'
		  AND locked_until < NOW() - ($1 || ' seconds')::interval
	`, int(grace.Seconds()))
	if err != nil {
		return 0, fmt.Errorf("reap stuck jobs: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// RetryFailed returns failed jobs in the window that still have retry
// budget to pending, with backoff. platformID of 0 means all platforms.
// Requeuing does not consume an attempt: the terminal write of the
// execution it buys is what increments, so attempts stays within
// max_retries.
func (q *Queue) RetryFailed(ctx context.Context, platformID int64, since time.Time, limit int) (int64, error) {
	res, err := q.db.ExecContext(ctx, `
		UPDATE processing_queue
		SET status = 'pending',
		    process_after = NOW() + (LEAST($4 * POWER(2, attempts), $5) || ' minutes')::interval,
		    processed_at = NULL
		WHERE id IN (
			SELECT id FROM processing_queue
			WHERE status = 'failed'
			  AND attempts < max_retries
			  AND ($1 = 0 OR platform_id = $1)
			  AND processed_at >= $2
			ORDER BY processed_at DESC
			LIMIT $3
		)
	`, platformID, since, limit, baseBackoffMinutes, maxBackoffMinutes)
	if err != nil {
		return 0, fmt.Errorf("retry failed jobs: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// CountFailedSince reports how many failed jobs RetryFailed would touch.
// Used by the retry CLI's --dry-run.
func (q *Queue) CountFailedSince(ctx context.Context, platformID int64, since time.Time) (int, error) {
	var n int
	err := q.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM processing_queue
		WHERE status = 'failed' AND attempts < max_retries
		  AND ($1 = 0 OR platform_id = $1)
		  AND processed_at >= $2
	`, platformID, since).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count failed jobs: %w", err)
	}
	return n, nil
}

// Cleanup deletes terminal jobs older than the retention window, in
// batches to keep lock time bounded.
func (q *Queue) Cleanup(ctx context.Context, days, batchSize int) (int64, error) {
	var total int64
	for {
		res, err := q.db.ExecContext(ctx, `
			DELETE FROM processing_queue
			WHERE id IN (
				SELECT id FROM processing_queue
				WHERE status IN ('completed', 'failed', 'skipped')
				  AND processed_at < NOW() - ($1 || ' days')::interval
				LIMIT $2
			)
		`, days, batchSize)
		if err != nil {
			return total, fmt.Errorf("cleanup queue: %w", err)
		}
		n, _ := res.RowsAffected()
		total += n
		if n < int64(batchSize) {
			return total, nil
		}
	}
}

// TerminalOlderThan pages through terminal jobs past the retention
// window, oldest first. afterID cursors the pages; pass the last id of
// the previous page, 0 to start.
func (q *Queue) TerminalOlderThan(ctx context.Context, days, limit int, afterID int64) ([]*domain.QueueJob, error) {
	rows, err := q.db.QueryContext(ctx, `
		SELECT `+jobColumns+` FROM processing_queue
		WHERE status IN ('completed', 'failed', 'skipped')
		  AND processed_at < NOW() - ($1 || ' days')::interval
		  AND id > $3
		ORDER BY id ASC
		LIMIT $2
	`, days, limit, afterID)
	if err != nil {
		return nil, fmt.Errorf("list terminal jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*domain.QueueJob
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan terminal job: %w", err)
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

// CountTerminalOlderThan reports how many jobs Cleanup would delete.
func (q *Queue) CountTerminalOlderThan(ctx context.Context, days int) (int, error) {
	var n int
	err := q.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM processing_queue
		WHERE status IN ('completed', 'failed', 'skipped')
		  AND processed_at < NOW() - ($1 || ' days')::interval
	`, days).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count terminal jobs: %w", err)
	}
	return n, nil
}

// CountStuck reports how many leases ReapStuck would recover.
func (q *Queue) CountStuck(ctx context.Context, grace time.Duration) (int, error) {
	var n int
	err := q.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM processing_queue
		WHERE status = 'processing'
		  AND locked_until < NOW() - ($1 || ' seconds')::interval
	`, int(grace.Seconds())).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count stuck jobs: %w", err)
	}
	return n, nil
}

// PendingCount returns the current backlog of leasable jobs.
func (q *Queue) PendingCount(ctx context.Context) (int, error) {
	var n int
	err := q.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM processing_queue WHERE status = 'pending'`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("pending count: %w", err)
	}
	return n, nil
}

// Get fetches one job by id.
func (q *Queue) Get(ctx context.Context, id int64) (*domain.QueueJob, error) {
	row := q.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM processing_queue WHERE id = $1`, id)
	j, err := scanJob(row)
	if err == sql.ErrNoRows {
		return nil, ErrJobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get job %d: %w", id, err)
	}
	return j, nil
}

// ErrJobNotFound is returned when a job lookup matches no row.
var ErrJobNotFound = fmt.Errorf("job not found")

// ErrLeaseLost is returned when a terminal write finds the job no
// longer held by this worker. The reaper took it back.
var ErrLeaseLost = fmt.Errorf("job lease lost")

func ownedResult(op string, jobID int64, res sql.Result, err error) error {
	if err != nil {
		return fmt.Errorf("%s job %d: %w", op, jobID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%s job %d: %w", op, jobID, err)
	}
	if n == 0 {
		return fmt.Errorf("%s job %d: %w", op, jobID, ErrLeaseLost)
	}
	return nil
}
