// Package worker runs scene requests asynchronously: jobs enter a
// queue, a pool of workers drains it into the orchestrator, and a
// tracker answers status lookups.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/diorama-ai/diorama/internal/scene"
)

var (
	ErrJobNotFound = errors.New("job not found")
	ErrQueueFull   = errors.New("job queue is full")
)

type JobStatus string

const (
	JobStatusPending JobStatus = "pending"
	JobStatusRunning JobStatus = "running"
	JobStatusDone    JobStatus = "done"
	JobStatusFailed  JobStatus = "failed"
)

type Job struct {
	ID        string         `json:"id"`
	Request   *scene.Request `json:"request"`
	Status    JobStatus      `json:"status"`
	RunID     string         `json:"run_id,omitempty"`
	Error     string         `json:"error,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// MarshalBinary implements encoding.BinaryMarshaler for Redis
func (j *Job) MarshalBinary() ([]byte, error) {
	return json.Marshal(j)
}

// UnmarshalBinary implements encoding.BinaryUnmarshaler for Redis
func (j *Job) UnmarshalBinary(data []byte) error {
	return json.Unmarshal(data, j)
}

// Queue transports pending jobs to workers.
type Queue interface {
	// Enqueue adds a job, or returns ErrQueueFull as backpressure.
	Enqueue(ctx context.Context, job *Job) error
	// Dequeue blocks until a job is available or ctx is done.
	Dequeue(ctx context.Context) (*Job, error)
}

// Tracker records job status for lookups. It is separate from Queue so
// a job stays queryable after it leaves the queue.
type Tracker interface {
	Put(ctx context.Context, job *Job) error
	Get(ctx context.Context, id string) (*Job, error)
}
