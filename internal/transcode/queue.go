// Package transcode runs the external encoder over finished recordings.
// Completed captures queue up behind a bounded FIFO; a coordinator admits
// them against the host load and supervises the encoder processes.
package transcode

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jmylchreest/pvrd/internal/catalog"
	"github.com/jmylchreest/pvrd/internal/profile"
)

// ErrQueueFull is returned when the waiting queue is at capacity.
var ErrQueueFull = errors.New("transcode queue full")

// Job is one pending encoder run.
type Job struct {
	ID       string
	Entry    *catalog.Entry
	Profile  *profile.Profile
	Source   *SourceRef
	Recorded time.Duration
	Enqueued time.Time
}

// NewJobID returns a fresh job identifier.
func NewJobID() string {
	return uuid.NewString()
}

// Queue is a bounded FIFO of waiting jobs.
type Queue struct {
	mu       sync.Mutex
	jobs     []*Job
	capacity int
}

// NewQueue creates a queue holding at most capacity jobs.
func NewQueue(capacity int) *Queue {
	if capacity < 1 {
		capacity = 1
	}
	return &Queue{capacity: capacity}
}

// Push appends a job, or returns ErrQueueFull.
func (q *Queue) Push(j *Job) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.jobs) >= q.capacity {
		return ErrQueueFull
	}
	q.jobs = append(q.jobs, j)
	return nil
}

// Pop removes and returns the oldest job, or nil when empty.
func (q *Queue) Pop() *Job {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.jobs) == 0 {
		return nil
	}
	j := q.jobs[0]
	q.jobs = q.jobs[1:]
	return j
}

// Len returns the number of waiting jobs.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.jobs)
}

// Waiting returns a snapshot of the queued jobs in order.
func (q *Queue) Waiting() []*Job {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]*Job, len(q.jobs))
	copy(out, q.jobs)
	return out
}
