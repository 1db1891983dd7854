// Package worker runs the fan-out side of the pipeline: a pool of
// queue workers, the stuck-lease reaper, and the maintenance tasks
// behind the cleanup and retry CLIs.
package worker

import (
	"context"
	"fmt"
	"log"
	"math/rand"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ignite/lead-pipeline/internal/config"
	"github.com/ignite/lead-pipeline/internal/domain"
	"github.com/ignite/lead-pipeline/internal/queue"
)

// JobExecutor runs one leased job to completion. Satisfied by
// pipeline.Processor.
type JobExecutor interface {
	ExecuteJob(ctx context.Context, job *domain.QueueJob, workerID string) error
}

// Pool runs N concurrent workers against the delivery queue.
type Pool struct {
	queue *queue.Queue
	exec  JobExecutor
	cfg   config.QueueConfig

	workers int
	once    bool

	processed int64
	failed    int64
	released  int64
}

// NewPool builds a worker pool. workers <= 0 defaults to 1; once makes
// each worker exit when it drains the queue instead of polling.
func NewPool(q *queue.Queue, exec JobExecutor, cfg config.QueueConfig, workers int, once bool) *Pool {
	if workers <= 0 {
		workers = 1
	}
	return &Pool{queue: q, exec: exec, cfg: cfg, workers: workers, once: once}
}

// Run launches the workers and blocks until all exit. Cancel ctx to
// begin a graceful drain: in-flight jobs finish, unprocessed leases are
// released back to pending.
func (p *Pool) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for i := 0; i < p.workers; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			p.runWorker(ctx, newWorkerID(n))
		}(i)
	}
	wg.Wait()
	log.Printf("[WorkerPool] done: processed=%d failed=%d released=%d",
		atomic.LoadInt64(&p.processed), atomic.LoadInt64(&p.failed), atomic.LoadInt64(&p.released))
}

// Processed returns the number of jobs this pool has executed.
func (p *Pool) Processed() int64 { return atomic.LoadInt64(&p.processed) }

func (p *Pool) runWorker(ctx context.Context, workerID string) {
	log.Printf("[Worker %s] started", workerID)
	batch := p.cfg.BatchSize
	leaseSecs := int(p.cfg.Lease().Seconds())

	for {
		if ctx.Err() != nil {
			p.drain(workerID)
			return
		}

		jobs, err := p.queue.LeaseBatch(ctx, workerID, batch, leaseSecs)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Printf("[Worker %s] lease batch: %v", workerID, err)
			sleepCtx(ctx, p.cfg.Sleep())
			continue
		}

		if len(jobs) == 0 {
			if p.once {
				log.Printf("[Worker %s] queue drained, exiting", workerID)
				return
			}
			sleepCtx(ctx, p.cfg.Sleep())
			continue
		}

		for i, job := range jobs {
			if ctx.Err() != nil {
				// Shutdown mid-batch: hand the rest back.
				p.releaseRemaining(workerID, len(jobs)-i)
				return
			}
			if err := p.exec.ExecuteJob(ctx, job, workerID); err != nil {
				atomic.AddInt64(&p.failed, 1)
				log.Printf("[Worker %s] job %d: %v", workerID, job.ID, err)
			} else {
				atomic.AddInt64(&p.processed, 1)
			}
		}

		// Brief yield between batches so a wedged store does not spin us.
		sleepCtx(ctx, 100*time.Millisecond)
	}
}

// drain releases any leases still held by this worker. Runs on a fresh
// context because the worker's own context is already cancelled.
func (p *Pool) drain(workerID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	n, err := p.queue.Release(ctx, workerID)
	if err != nil {
		log.Printf("[Worker %s] release on shutdown: %v", workerID, err)
		return
	}
	if n > 0 {
		atomic.AddInt64(&p.released, n)
		log.Printf("[Worker %s] released %d unprocessed jobs", workerID, n)
	}
}

func (p *Pool) releaseRemaining(workerID string, remaining int) {
	log.Printf("[Worker %s] shutdown signal, releasing %d unprocessed jobs", workerID, remaining)
	p.drain(workerID)
}

// newWorkerID derives a lease identity unique across hosts, processes
// and pool slots.
func newWorkerID(slot int) string {
	host, err := os.Hostname()
	if err != nil {
		host = "unknown"
	}
	return fmt.Sprintf("%s-%d-%d-%04x", host, os.Getpid(), slot, rand.Intn(0x10000))
}

// sleepCtx sleeps for d or until ctx is cancelled.
func sleepCtx(ctx context.Context, d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}
