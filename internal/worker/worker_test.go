package worker

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ignite/lead-pipeline/internal/config"
	"github.com/ignite/lead-pipeline/internal/domain"
	"github.com/ignite/lead-pipeline/internal/queue"
)

type recordingExecutor struct {
	ids  []int64
	errs map[int64]error
}

func (e *recordingExecutor) ExecuteJob(ctx context.Context, job *domain.QueueJob, workerID string) error {
	e.ids = append(e.ids, job.ID)
	if e.errs != nil {
		return e.errs[job.ID]
	}
	return nil
}

func newQueueMock(t *testing.T) (*queue.Queue, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return queue.New(db, nil), mock
}

func jobRows(ids ...int64) *sqlmock.Rows {
	now := time.Now()
	rows := sqlmock.NewRows([]string{
		"id", "event_id", "platform_id", "status", "attempts", "max_retries", "process_after",
		"locked_by", "locked_until", "response_code", "response_body",
		"error_message", "skip_reason", "revenue_amount", "revenue_status",
		"created_at", "processed_at",
	})
	for _, id := range ids {
		rows.AddRow(id, 100+id, 1, "processing", 0, 3, now,
			"w", now.Add(5*time.Minute), 0, "", "", "", 0.0, "", now, time.Time{})
	}
	return rows
}

func TestPoolOnceDrainsQueue(t *testing.T) {
	q, mock := newQueueMock(t)
	mock.ExpectQuery(`UPDATE processing_queue p`).WillReturnRows(jobRows(1, 2))
	mock.ExpectQuery(`UPDATE processing_queue p`).WillReturnRows(jobRows())

	exec := &recordingExecutor{}
	pool := NewPool(q, exec, config.QueueConfig{BatchSize: 10, SleepSeconds: 1}, 1, true)
	pool.Run(context.Background())

	assert.Equal(t, []int64{1, 2}, exec.ids)
	assert.Equal(t, int64(2), pool.Processed())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPoolCountsExecutorFailures(t *testing.T) {
	q, mock := newQueueMock(t)
	mock.ExpectQuery(`UPDATE processing_queue p`).WillReturnRows(jobRows(7))
	mock.ExpectQuery(`UPDATE processing_queue p`).WillReturnRows(jobRows())

	exec := &recordingExecutor{errs: map[int64]error{7: errors.New("boom")}}
	pool := NewPool(q, exec, config.QueueConfig{BatchSize: 10}, 1, true)
	pool.Run(context.Background())

	assert.Equal(t, int64(0), pool.Processed())
	assert.Equal(t, int64(1), atomic.LoadInt64(&pool.failed))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPoolReleasesLeasesOnShutdown(t *testing.T) {
	q, mock := newQueueMock(t)
	mock.ExpectExec(`SET status = 'pending', locked_by = NULL`).
		WithArgs(sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 3))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	pool := NewPool(q, &recordingExecutor{}, config.QueueConfig{BatchSize: 10}, 1, false)
	pool.Run(ctx)

	assert.Equal(t, int64(3), atomic.LoadInt64(&pool.released))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestReaperSweep(t *testing.T) {
	q, mock := newQueueMock(t)
	mock.ExpectExec(`SET status = 'pending', locked_by = NULL`).
		WithArgs(120).
		WillReturnResult(sqlmock.NewResult(0, 2))

	r := NewReaper(q, nil, 2*time.Minute, time.Minute)
	r.Sweep(context.Background())

	assert.NoError(t, mock.ExpectationsWereMet())
}

type deniedLock struct{ acquired, released int }

func (l *deniedLock) Acquire(ctx context.Context) (bool, error) { l.acquired++; return false, nil }
func (l *deniedLock) Release(ctx context.Context) error         { l.released++; return nil }

func TestReaperSkipsWhenLockHeldElsewhere(t *testing.T) {
	q, mock := newQueueMock(t)
	lock := &deniedLock{}

	r := NewReaper(q, lock, time.Minute, time.Minute)
	r.Sweep(context.Background())

	assert.Equal(t, 1, lock.acquired)
	assert.Zero(t, lock.released)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCleanerQueueDryRun(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectQuery(`SELECT COUNT\(\*\) FROM processing_queue`).
		WithArgs(45).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(42))

	c := NewCleaner(queue.New(db, nil), nil, nil, db, nil, time.Minute)
	err = c.Run(context.Background(), CleanupOptions{Task: TaskQueue, Days: 45, DryRun: true})

	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCleanerRateLimitPurge(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectExec(`DELETE FROM rate_limit`).
		WillReturnResult(sqlmock.NewResult(0, 5))

	c := NewCleaner(queue.New(db, nil), nil, nil, db, nil, time.Minute)
	err = c.Run(context.Background(), CleanupOptions{Task: TaskRateLimit})

	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCleanerRejectsUnknownTask(t *testing.T) {
	c := NewCleaner(nil, nil, nil, nil, nil, time.Minute)
	err := c.Run(context.Background(), CleanupOptions{Task: "compact"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown cleanup task")
}

func TestCleanerArchiveWithoutConfig(t *testing.T) {
	c := NewCleaner(nil, nil, nil, nil, nil, time.Minute)
	err := c.Run(context.Background(), CleanupOptions{Task: TaskArchive})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "s3_bucket")
}

func TestRetryFailedDryRunCapsAtLimit(t *testing.T) {
	q, mock := newQueueMock(t)
	since := time.Now().Add(-24 * time.Hour)
	mock.ExpectQuery(`SELECT COUNT\(\*\) FROM processing_queue`).
		WithArgs(int64(0), since).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(2000))

	n, err := RetryFailed(context.Background(), q, RetryOptions{Since: since, Limit: 100, DryRun: true})

	require.NoError(t, err)
	assert.Equal(t, int64(100), n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRetryFailedRequeues(t *testing.T) {
	q, mock := newQueueMock(t)
	since := time.Now().Add(-6 * time.Hour)
	mock.ExpectExec(`SET status = 'pending',\s+process_after = NOW\(\)`).
		WithArgs(int64(3), since, 50, 5, 120).
		WillReturnResult(sqlmock.NewResult(0, 7))

	n, err := RetryFailed(context.Background(), q, RetryOptions{PlatformID: 3, Since: since, Limit: 50})

	require.NoError(t, err)
	assert.Equal(t, int64(7), n)
	assert.NoError(t, mock.ExpectationsWereMet())
}
