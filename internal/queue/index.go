package queue

import (
	"context"
	"log"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const readyIndexKey = "queue:ready"

// ReadyIndex mirrors pending job ids into a Redis sorted set scored by
// process_after. It is advisory: Postgres is the source of truth, the
// index just makes backlog reads cheap for /health and /stats. All
// failures here are logged and swallowed.
type ReadyIndex struct {
	rdb *redis.Client
}

// NewReadyIndex wraps a Redis client as a ready index.
func NewReadyIndex(rdb *redis.Client) *ReadyIndex {
	return &ReadyIndex{rdb: rdb}
}

// Add records a pending job and when it becomes due.
func (ix *ReadyIndex) Add(ctx context.Context, jobID int64, due time.Time) {
	err := ix.rdb.ZAdd(ctx, readyIndexKey, redis.Z{
		Score:  float64(due.Unix()),
		Member: strconv.FormatInt(jobID, 10),
	}).Err()
	if err != nil {
		log.Printf("[ReadyIndex] add job %d: %v", jobID, err)
	}
}

// Remove drops a job from the index once leased or terminal.
func (ix *ReadyIndex) Remove(ctx context.Context, jobID int64) {
	if err := ix.rdb.ZRem(ctx, readyIndexKey, strconv.FormatInt(jobID, 10)).Err(); err != nil {
		log.Printf("[ReadyIndex] remove job %d: %v", jobID, err)
	}
}

// DueCount returns how many indexed jobs are due now. Falls back to -1
// on Redis errors so callers know to hit Postgres instead.
func (ix *ReadyIndex) DueCount(ctx context.Context) int64 {
	now := strconv.FormatInt(time.Now().Unix(), 10)
	n, err := ix.rdb.ZCount(ctx, readyIndexKey, "-inf", now).Result()
	if err != nil {
		log.Printf("[ReadyIndex] due count: %v", err)
		return -1
	}
	return n
}

// Rebuild clears the index. The next enqueue and lease cycle repopulates
// it; used after Redis restarts with stale data.
func (ix *ReadyIndex) Rebuild(ctx context.Context) {
	if err := ix.rdb.Del(ctx, readyIndexKey).Err(); err != nil {
		log.Printf("[ReadyIndex] rebuild: %v", err)
	}
}
