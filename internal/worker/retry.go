package worker

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/ignite/lead-pipeline/internal/queue"
)

// RetryOptions controls a failed-job requeue run behind cmd/retry-failed.
type RetryOptions struct {
	PlatformID int64 // 0 means all platforms
	Since      time.Time
	Limit      int
	DryRun     bool
}

// RetryFailed requeues failed jobs that still have retry budget left.
// Requeued jobs go through normal retry backoff, so a platform outage
// does not turn into a thundering herd when it ends.
func RetryFailed(ctx context.Context, q *queue.Queue, opts RetryOptions) (int64, error) {
	if opts.Limit <= 0 {
		opts.Limit = 1000
	}

	if opts.DryRun {
		n, err := q.CountFailedSince(ctx, opts.PlatformID, opts.Since)
		if err != nil {
			return 0, fmt.Errorf("count failed jobs: %w", err)
		}
		log.Printf("[Retry] would requeue up to %d of %d failed jobs since %s",
			opts.Limit, n, opts.Since.Format(time.RFC3339))
		if int64(n) > int64(opts.Limit) {
			return int64(opts.Limit), nil
		}
		return int64(n), nil
	}

	n, err := q.RetryFailed(ctx, opts.PlatformID, opts.Since, opts.Limit)
	if err != nil {
		return 0, fmt.Errorf("retry failed jobs: %w", err)
	}
	log.Printf("[Retry] requeued %d failed jobs since %s", n, opts.Since.Format(time.RFC3339))
	return n, nil
}
