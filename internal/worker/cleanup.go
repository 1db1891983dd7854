package worker

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"time"

	"github.com/ignite/lead-pipeline/internal/queue"
	"github.com/ignite/lead-pipeline/internal/repository/postgres"
)

// Cleanup task names accepted by the cleanup CLI.
const (
	TaskQueue     = "queue"     // delete old terminal queue jobs
	TaskStuck     = "stuck"     // recover expired leases now
	TaskLogs      = "logs"      // purge old processing log entries
	TaskRateLimit = "ratelimit" // purge expired rate limit windows
	TaskArchive   = "archive"   // export old terminal jobs to S3, then delete
	TaskAnalytics = "analytics" // roll up daily metrics
	TaskAll       = "all"
)

// CleanupOptions controls a maintenance run.
type CleanupOptions struct {
	Task      string
	Days      int  // retention window for queue/logs/archive
	DryRun    bool // report counts without modifying anything
	BatchSize int
}

// Cleaner runs the maintenance tasks behind cmd/cleanup. All tasks are
// safe to re-run; interrupted runs pick up where they left off.
type Cleaner struct {
	queue     *queue.Queue
	logs      *postgres.ProcessingLogStore
	analytics *postgres.AnalyticsStore
	db        *sql.DB
	archiver  *Archiver // nil when archiving is not configured
	grace     time.Duration
}

// NewCleaner builds a cleaner. archiver may be nil; the archive task
// then fails with a configuration error instead of silently deleting.
func NewCleaner(q *queue.Queue, logs *postgres.ProcessingLogStore, analytics *postgres.AnalyticsStore, db *sql.DB, archiver *Archiver, reaperGrace time.Duration) *Cleaner {
	return &Cleaner{queue: q, logs: logs, analytics: analytics, db: db, archiver: archiver, grace: reaperGrace}
}

// Run executes the named task. "all" runs every task except archive,
// which deletes data and must be asked for explicitly.
func (c *Cleaner) Run(ctx context.Context, opts CleanupOptions) error {
	if opts.Days <= 0 {
		opts.Days = 30
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = 1000
	}

	switch opts.Task {
	case TaskQueue:
		return c.cleanQueue(ctx, opts)
	case TaskStuck:
		return c.recoverStuck(ctx, opts)
	case TaskLogs:
		return c.purgeLogs(ctx, opts)
	case TaskRateLimit:
		return c.purgeRateLimit(ctx, opts)
	case TaskArchive:
		return c.archive(ctx, opts)
	case TaskAnalytics:
		return c.rollupAnalytics(ctx, opts)
	case TaskAll:
		for _, task := range []func(context.Context, CleanupOptions) error{
			c.recoverStuck, c.cleanQueue, c.purgeLogs, c.purgeRateLimit, c.rollupAnalytics,
		} {
			if err := task(ctx, opts); err != nil {
				return err
			}
		}
		return nil
	default:
		return fmt.Errorf("unknown cleanup task %q", opts.Task)
	}
}

func (c *Cleaner) cleanQueue(ctx context.Context, opts CleanupOptions) error {
	if opts.DryRun {
		n, err := c.queue.CountTerminalOlderThan(ctx, opts.Days)
		if err != nil {
			return fmt.Errorf("count terminal jobs: %w", err)
		}
		log.Printf("[Cleanup] queue: would delete %d terminal jobs older than %d days", n, opts.Days)
		return nil
	}
	n, err := c.queue.Cleanup(ctx, opts.Days, opts.BatchSize)
	if err != nil {
		return fmt.Errorf("clean queue: %w", err)
	}
	log.Printf("[Cleanup] queue: deleted %d terminal jobs older than %d days", n, opts.Days)
	return nil
}

func (c *Cleaner) recoverStuck(ctx context.Context, opts CleanupOptions) error {
	if opts.DryRun {
		n, err := c.queue.CountStuck(ctx, c.grace)
		if err != nil {
			return fmt.Errorf("count stuck jobs: %w", err)
		}
		log.Printf("[Cleanup] stuck: would recover %d expired leases", n)
		return nil
	}
	n, err := c.queue.ReapStuck(ctx, c.grace)
	if err != nil {
		return fmt.Errorf("recover stuck jobs: %w", err)
	}
	log.Printf("[Cleanup] stuck: recovered %d expired leases", n)
	return nil
}

func (c *Cleaner) purgeLogs(ctx context.Context, opts CleanupOptions) error {
	if opts.DryRun {
		var n int
		err := c.db.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM processing_log WHERE created_at < NOW() - ($1 || ' days')::interval`,
			opts.Days).Scan(&n)
		if err != nil {
			return fmt.Errorf("count log entries: %w", err)
		}
		log.Printf("[Cleanup] logs: would purge %d entries older than %d days", n, opts.Days)
		return nil
	}
	n, err := c.logs.PurgeOlderThan(ctx, opts.Days, opts.BatchSize)
	if err != nil {
		return fmt.Errorf("purge logs: %w", err)
	}
	log.Printf("[Cleanup] logs: purged %d entries older than %d days", n, opts.Days)
	return nil
}

// purgeRateLimit drops counter rows whose minute window has passed.
// Retention here is fixed; --days does not apply.
func (c *Cleaner) purgeRateLimit(ctx context.Context, opts CleanupOptions) error {
	if opts.DryRun {
		var n int
		err := c.db.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM rate_limit WHERE window_start < NOW() - INTERVAL '1 hour'`).Scan(&n)
		if err != nil {
			return fmt.Errorf("count rate limit rows: %w", err)
		}
		log.Printf("[Cleanup] ratelimit: would purge %d expired windows", n)
		return nil
	}
	res, err := c.db.ExecContext(ctx,
		`DELETE FROM rate_limit WHERE window_start < NOW() - INTERVAL '1 hour'`)
	if err != nil {
		return fmt.Errorf("purge rate limit rows: %w", err)
	}
	n, _ := res.RowsAffected()
	log.Printf("[Cleanup] ratelimit: purged %d expired windows", n)
	return nil
}

func (c *Cleaner) archive(ctx context.Context, opts CleanupOptions) error {
	if c.archiver == nil {
		return fmt.Errorf("archive task requires archive.s3_bucket in config")
	}
	if opts.DryRun {
		n, err := c.queue.CountTerminalOlderThan(ctx, opts.Days)
		if err != nil {
			return fmt.Errorf("count terminal jobs: %w", err)
		}
		log.Printf("[Cleanup] archive: would export and delete %d terminal jobs older than %d days", n, opts.Days)
		return nil
	}
	exported, err := c.archiver.Archive(ctx, opts.Days)
	if err != nil {
		return fmt.Errorf("archive jobs: %w", err)
	}
	log.Printf("[Cleanup] archive: exported %d jobs", exported)
	if exported == 0 {
		return nil
	}
	// Deletion only runs after every page uploaded successfully.
	deleted, err := c.queue.Cleanup(ctx, opts.Days, opts.BatchSize)
	if err != nil {
		return fmt.Errorf("delete archived jobs: %w", err)
	}
	log.Printf("[Cleanup] archive: deleted %d archived jobs", deleted)
	return nil
}

// rollupAnalytics refreshes yesterday and today so a run shortly after
// midnight still finalizes the previous day.
func (c *Cleaner) rollupAnalytics(ctx context.Context, opts CleanupOptions) error {
	today := time.Now().UTC().Truncate(24 * time.Hour)
	days := []time.Time{today.AddDate(0, 0, -1), today}
	if opts.DryRun {
		log.Printf("[Cleanup] analytics: would roll up %s and %s",
			days[0].Format("2006-01-02"), days[1].Format("2006-01-02"))
		return nil
	}
	for _, day := range days {
		if err := c.analytics.RollupDay(ctx, day); err != nil {
			return fmt.Errorf("rollup %s: %w", day.Format("2006-01-02"), err)
		}
	}
	log.Printf("[Cleanup] analytics: rolled up %s and %s",
		days[0].Format("2006-01-02"), days[1].Format("2006-01-02"))
	return nil
}
