package worker

import (
	"context"
	"log"
	"time"

	"github.com/ignite/lead-pipeline/internal/pkg/distlock"
	"github.com/ignite/lead-pipeline/internal/queue"
)

// Reaper periodically returns expired leases to the queue. With several
// queue-processor instances running, a distributed lock keeps the scan
// on one instance per pass.
type Reaper struct {
	queue    *queue.Queue
	lock     distlock.DistLock
	grace    time.Duration
	interval time.Duration
}

// NewReaper builds a reaper. lock may be nil for single-instance
// deployments.
func NewReaper(q *queue.Queue, lock distlock.DistLock, grace, interval time.Duration) *Reaper {
	if interval <= 0 {
		interval = time.Minute
	}
	return &Reaper{queue: q, lock: lock, grace: grace, interval: interval}
}

// Run scans on a ticker until ctx is done.
func (r *Reaper) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.Sweep(ctx)
		}
	}
}

// Sweep performs one recovery pass.
func (r *Reaper) Sweep(ctx context.Context) {
	if r.lock != nil {
		ok, err := r.lock.Acquire(ctx)
		if err != nil {
			log.Printf("[Reaper] acquire lock: %v", err)
			return
		}
		if !ok {
			return // another instance is sweeping
		}
		defer func() {
			if err := r.lock.Release(ctx); err != nil {
				log.Printf("[Reaper] release lock: %v", err)
			}
		}()
	}

	n, err := r.queue.ReapStuck(ctx, r.grace)
	if err != nil {
		log.Printf("[Reaper] reap stuck leases: %v", err)
		return
	}
	if n > 0 {
		log.Printf("[Reaper] recovered %d expired leases", n)
	}
}
