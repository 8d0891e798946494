package worker

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/diorama-ai/diorama/internal/pipeline"
	"github.com/diorama-ai/diorama/internal/scene"
)

// Runner is the slice of the orchestrator the pool needs.
type Runner interface {
	Run(ctx context.Context, req any) (*pipeline.RunState, error)
}

// Pool drains a queue with a fixed number of workers. Each dequeued
// job becomes one orchestrator run; the job's terminal status carries
// the run ID so callers can fetch the archived record.
type Pool struct {
	queue   Queue
	tracker Tracker
	runner  Runner
	size    int
	now     func() time.Time
}

func NewPool(queue Queue, tracker Tracker, runner Runner, size int) *Pool {
	if size <= 0 {
		size = 4
	}
	return &Pool{
		queue:   queue,
		tracker: tracker,
		runner:  runner,
		size:    size,
		now:     time.Now,
	}
}

// Submit records the job as pending and enqueues it.
func (p *Pool) Submit(ctx context.Context, req *scene.Request) (*Job, error) {
	job := &Job{
		ID:        uuid.NewString(),
		Request:   req,
		Status:    JobStatusPending,
		CreatedAt: p.now(),
		UpdatedAt: p.now(),
	}
	if err := p.tracker.Put(ctx, job); err != nil {
		return nil, err
	}
	if err := p.queue.Enqueue(ctx, job); err != nil {
		job.Status = JobStatusFailed
		job.Error = err.Error()
		job.UpdatedAt = p.now()
		if perr := p.tracker.Put(ctx, job); perr != nil {
			log.Printf("worker: job %s: record enqueue failure: %v", job.ID, perr)
		}
		return nil, fmt.Errorf("worker: submit job %s: %w", job.ID, err)
	}
	return job, nil
}

// Job looks up a job's current status.
func (p *Pool) Job(ctx context.Context, id string) (*Job, error) {
	return p.tracker.Get(ctx, id)
}

// Start runs the worker loop until ctx is canceled. A single failing
// run marks its job failed and the pool keeps going; only a queue
// transport error stops the pool.
func (p *Pool) Start(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < p.size; i++ {
		g.Go(func() error {
			for {
				job, err := p.queue.Dequeue(ctx)
				if err != nil {
					if ctx.Err() != nil {
						return nil
					}
					return err
				}
				p.work(ctx, job)
			}
		})
	}
	return g.Wait()
}

func (p *Pool) work(ctx context.Context, job *Job) {
	job.Status = JobStatusRunning
	job.UpdatedAt = p.now()
	if err := p.tracker.Put(ctx, job); err != nil {
		log.Printf("worker: job %s: record running: %v", job.ID, err)
	}

	state, err := p.runner.Run(ctx, job.Request)
	if state != nil {
		job.RunID = state.RunID
	}
	if err != nil {
		job.Status = JobStatusFailed
		job.Error = err.Error()
	} else {
		job.Status = JobStatusDone
	}
	job.UpdatedAt = p.now()

	// Terminal status must land even when shutdown canceled ctx.
	if err := p.tracker.Put(context.WithoutCancel(ctx), job); err != nil {
		log.Printf("worker: job %s: record %s: %v", job.ID, job.Status, err)
	}
}
