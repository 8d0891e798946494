package worker

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/diorama-ai/diorama/internal/pipeline"
	"github.com/diorama-ai/diorama/internal/scene"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type stubRunner struct {
	runFn func(ctx context.Context, req any) (*pipeline.RunState, error)
}

func (s *stubRunner) Run(ctx context.Context, req any) (*pipeline.RunState, error) {
	if s.runFn != nil {
		return s.runFn(ctx, req)
	}
	return &pipeline.RunState{RunID: "run-1", Status: pipeline.StatusCompleted}, nil
}

func sceneReq(premise string) *scene.Request {
	return &scene.Request{Premise: premise}
}

func TestMemoryQueueFIFO(t *testing.T) {
	q := NewMemoryQueue(8)
	ctx := context.Background()

	for i := 1; i <= 3; i++ {
		require.NoError(t, q.Enqueue(ctx, &Job{ID: fmt.Sprintf("j%d", i)}))
	}
	for i := 1; i <= 3; i++ {
		job, err := q.Dequeue(ctx)
		require.NoError(t, err)
		assert.Equal(t, fmt.Sprintf("j%d", i), job.ID)
	}
}

func TestMemoryQueueBackpressure(t *testing.T) {
	q := NewMemoryQueue(1)
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, &Job{ID: "j1"}))
	err := q.Enqueue(ctx, &Job{ID: "j2"})
	assert.ErrorIs(t, err, ErrQueueFull)
}

func TestMemoryQueueDequeueUnblocksOnCancel(t *testing.T) {
	q := NewMemoryQueue(1)
	ctx, cancel := context.WithCancel(context.Background())

	errs := make(chan error, 1)
	go func() {
		_, err := q.Dequeue(ctx)
		errs <- err
	}()

	cancel()
	assert.ErrorIs(t, <-errs, context.Canceled)
}

func TestMemoryTrackerStoresCopies(t *testing.T) {
	tr := NewMemoryTracker()
	ctx := context.Background()

	job := &Job{ID: "j1", Status: JobStatusPending}
	require.NoError(t, tr.Put(ctx, job))
	job.Status = JobStatusFailed

	got, err := tr.Get(ctx, "j1")
	require.NoError(t, err)
	assert.Equal(t, JobStatusPending, got.Status)

	_, err = tr.Get(ctx, "missing")
	assert.ErrorIs(t, err, ErrJobNotFound)
}

func TestJobSurvivesQueuePayloadRoundTrip(t *testing.T) {
	job := &Job{
		ID:      "j1",
		Request: &scene.Request{Premise: "two strangers on a ferry", Panels: 4},
		Status:  JobStatusPending,
	}
	b, err := job.MarshalBinary()
	require.NoError(t, err)

	var got Job
	require.NoError(t, got.UnmarshalBinary(b))
	assert.Equal(t, "j1", got.ID)
	require.NotNil(t, got.Request)
	assert.Equal(t, 4, got.Request.Panels)
}

func TestPoolRunsSubmittedJobsToDone(t *testing.T) {
	q := NewMemoryQueue(16)
	tr := NewMemoryTracker()
	p := NewPool(q, tr, &stubRunner{}, 2)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Start(ctx) }()

	ids := make([]string, 0, 5)
	for i := 0; i < 5; i++ {
		job, err := p.Submit(ctx, sceneReq("two strangers on a ferry"))
		require.NoError(t, err)
		assert.Equal(t, JobStatusPending, job.Status)
		ids = append(ids, job.ID)
	}

	require.Eventually(t, func() bool {
		for _, id := range ids {
			job, err := tr.Get(context.Background(), id)
			if err != nil || job.Status != JobStatusDone {
				return false
			}
		}
		return true
	}, 2*time.Second, 5*time.Millisecond)

	job, err := p.Job(context.Background(), ids[0])
	require.NoError(t, err)
	assert.Equal(t, "run-1", job.RunID)

	cancel()
	require.NoError(t, <-done)
}

func TestPoolMarksFailedRuns(t *testing.T) {
	q := NewMemoryQueue(4)
	tr := NewMemoryTracker()
	runner := &stubRunner{runFn: func(context.Context, any) (*pipeline.RunState, error) {
		state := &pipeline.RunState{RunID: "run-err", Status: pipeline.StatusFailed}
		return state, fmt.Errorf("layout stage blew up")
	}}
	p := NewPool(q, tr, runner, 1)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Start(ctx) }()

	job, err := p.Submit(ctx, sceneReq("two strangers on a ferry"))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		got, err := tr.Get(context.Background(), job.ID)
		return err == nil && got.Status == JobStatusFailed
	}, 2*time.Second, 5*time.Millisecond)

	got, err := p.Job(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, "run-err", got.RunID)
	assert.Contains(t, got.Error, "layout stage")

	cancel()
	require.NoError(t, <-done)
}

func TestPoolBoundsConcurrentRuns(t *testing.T) {
	var inFlight, peak atomic.Int64
	runner := &stubRunner{runFn: func(context.Context, any) (*pipeline.RunState, error) {
		cur := inFlight.Add(1)
		defer inFlight.Add(-1)
		for {
			p := peak.Load()
			if cur <= p || peak.CompareAndSwap(p, cur) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		return &pipeline.RunState{RunID: "r", Status: pipeline.StatusCompleted}, nil
	}}

	q := NewMemoryQueue(16)
	tr := NewMemoryTracker()
	p := NewPool(q, tr, runner, 2)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Start(ctx) }()

	ids := make([]string, 0, 6)
	for i := 0; i < 6; i++ {
		job, err := p.Submit(ctx, sceneReq("two strangers on a ferry"))
		require.NoError(t, err)
		ids = append(ids, job.ID)
	}

	require.Eventually(t, func() bool {
		for _, id := range ids {
			job, err := tr.Get(context.Background(), id)
			if err != nil || job.Status != JobStatusDone {
				return false
			}
		}
		return true
	}, 5*time.Second, 5*time.Millisecond)

	assert.LessOrEqual(t, peak.Load(), int64(2), "pool ran more jobs at once than it has workers")

	cancel()
	require.NoError(t, <-done)
}

func TestSubmitSurfacesQueueBackpressure(t *testing.T) {
	q := NewMemoryQueue(1)
	tr := NewMemoryTracker()
	p := NewPool(q, tr, &stubRunner{}, 1)
	ctx := context.Background()

	first, err := p.Submit(ctx, sceneReq("two strangers on a ferry"))
	require.NoError(t, err)

	_, err = p.Submit(ctx, sceneReq("two strangers on a ferry"))
	require.ErrorIs(t, err, ErrQueueFull)

	// The accepted job is untouched by the rejected one.
	got, err := tr.Get(ctx, first.ID)
	require.NoError(t, err)
	assert.Equal(t, JobStatusPending, got.Status)
}
