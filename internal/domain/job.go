package domain

import "time"

// JobStatus is the state of one delivery attempt stream.
// Terminal states: completed, failed, skipped.
type JobStatus string

const (
	JobStatusPending    JobStatus = "pending"
	JobStatusProcessing JobStatus = "processing"
	JobStatusCompleted  JobStatus = "completed"
	JobStatusFailed     JobStatus = "failed"
	JobStatusSkipped    JobStatus = "skipped"
)

// DefaultMaxRetries is the per-job retry budget unless the platform
// overrides it.
const DefaultMaxRetries = 3

// QueueJob is one intended delivery of one event to one platform.
type QueueJob struct {
	ID         int64
	EventID    int64
	PlatformID int64

	Status     JobStatus
	Attempts   int
	MaxRetries int

	// ProcessAfter is the earliest time the job may be leased.
	ProcessAfter time.Time

	// Lease: only the holder named in LockedBy may terminate the job
	// while LockedUntil is in the future.
	LockedBy    string
	LockedUntil time.Time

	ResponseCode int
	ResponseBody string
	ErrorMessage string
	SkipReason   string

	RevenueAmount float64
	RevenueStatus string

	CreatedAt   time.Time
	ProcessedAt time.Time
}

// Terminal reports whether the job has reached a final state.
func (j *QueueJob) Terminal() bool {
	switch j.Status {
	case JobStatusCompleted, JobStatusFailed, JobStatusSkipped:
		return true
	}
	return false
}

// RetriesExhausted reports whether another retry is allowed.
func (j *QueueJob) RetriesExhausted() bool {
	return j.Attempts >= j.MaxRetries
}
