package worker

import (
	"context"
	"sync"
)

// MemoryQueue is a bounded in-process FIFO queue.
type MemoryQueue struct {
	jobs chan *Job
}

func NewMemoryQueue(capacity int) *MemoryQueue {
	if capacity <= 0 {
		capacity = 64
	}
	return &MemoryQueue{jobs: make(chan *Job, capacity)}
}

func (q *MemoryQueue) Enqueue(_ context.Context, job *Job) error {
	select {
	case q.jobs <- job:
		return nil
	default:
		return ErrQueueFull
	}
}

func (q *MemoryQueue) Dequeue(ctx context.Context) (*Job, error) {
	select {
	case job := <-q.jobs:
		return job, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// MemoryTracker keeps job status in memory. Put stores a copy, Get
// returns a copy, so callers may keep mutating their Job value.
type MemoryTracker struct {
	mu   sync.Mutex
	jobs map[string]Job
}

func NewMemoryTracker() *MemoryTracker {
	return &MemoryTracker{jobs: make(map[string]Job)}
}

func (t *MemoryTracker) Put(_ context.Context, job *Job) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.jobs[job.ID] = *job
	return nil
}

func (t *MemoryTracker) Get(_ context.Context, id string) (*Job, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	job, ok := t.jobs[id]
	if !ok {
		return nil, ErrJobNotFound
	}
	return &job, nil
}
