package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/diorama-ai/diorama/internal/backend"
	"github.com/diorama-ai/diorama/internal/telemetry"
)

// Sink receives the final state of every run, typically to archive it.
// Save runs even when the caller has gone away.
type Sink interface {
	Save(ctx context.Context, state *RunState) error
}

// Orchestrator executes a fixed stage list. One orchestrator serves
// many concurrent runs; each run owns its own state.
type Orchestrator struct {
	stages []Stage
	events telemetry.Emitter
	sink   Sink
	tracer trace.Tracer
	newID  func() string
}

type Option func(*Orchestrator)

func WithEmitter(e telemetry.Emitter) Option {
	return func(o *Orchestrator) {
		if e != nil {
			o.events = e
		}
	}
}

func WithSink(s Sink) Option {
	return func(o *Orchestrator) { o.sink = s }
}

// New validates the stage list: IDs must be unique and every declared
// need must be provided by an earlier stage.
func New(stages []Stage, opts ...Option) (*Orchestrator, error) {
	if len(stages) == 0 {
		return nil, errors.New("pipeline: at least one stage is required")
	}
	seen := make(map[string]bool, len(stages))
	for _, st := range stages {
		id := st.ID()
		if id == "" {
			return nil, errors.New("pipeline: stage with empty id")
		}
		if seen[id] {
			return nil, fmt.Errorf("pipeline: duplicate stage id %q", id)
		}
		for _, need := range st.Needs() {
			if !seen[need] {
				return nil, fmt.Errorf("pipeline: stage %q needs %q, which no earlier stage provides", id, need)
			}
		}
		seen[id] = true
	}

	o := &Orchestrator{
		stages: stages,
		events: telemetry.NopEmitter{},
		tracer: otel.Tracer("github.com/diorama-ai/diorama/internal/pipeline"),
		newID:  uuid.NewString,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o, nil
}

// Update is one streamed progress report: the stage that just finished
// and a snapshot of run state after it.
type Update struct {
	StageID string
	Result  StageResult
	State   *RunState
}

// StreamResult closes a streamed run.
type StreamResult struct {
	State *RunState
	Err   error
}

// Run executes the pipeline to completion and returns the final state.
// The returned error is non-nil when the run failed or was canceled;
// rejection is not an error, callers branch on state.Status.
func (o *Orchestrator) Run(ctx context.Context, req any) (*RunState, error) {
	return o.execute(ctx, req, nil)
}

// Stream executes the pipeline and yields an Update after every stage.
// The updates channel is unbuffered so at most one result is ever
// pending; the run blocks until the caller consumes it or cancels ctx.
// The done channel delivers the final state exactly once, after the
// updates channel closes.
func (o *Orchestrator) Stream(ctx context.Context, req any) (<-chan Update, <-chan StreamResult) {
	updates := make(chan Update)
	done := make(chan StreamResult, 1)
	go func() {
		defer close(updates)
		state, err := o.execute(ctx, req, func(u Update) bool {
			select {
			case updates <- u:
				return true
			case <-ctx.Done():
				return false
			}
		})
		done <- StreamResult{State: state, Err: err}
	}()
	return updates, done
}

func (o *Orchestrator) execute(ctx context.Context, req any, yield func(Update) bool) (*RunState, error) {
	state := &RunState{
		RunID:   o.newID(),
		Status:  StatusPending,
		Request: req,
		Outputs: make(map[string]any, len(o.stages)),
	}
	ctx, span := o.tracer.Start(ctx, "pipeline.run",
		trace.WithAttributes(attribute.String("run_id", state.RunID)))
	defer span.End()

	start := time.Now()
	state.Status = StatusRunning
	var runErr error

	for _, st := range o.stages {
		if err := ctx.Err(); err != nil {
			state.Status = StatusFailed
			runErr = err
			break
		}

		res, err := o.runStage(ctx, st, state)
		state.History = append(state.History, res)

		outcome := telemetry.OutcomeSuccess
		var rej *Rejection
		switch {
		case err == nil:
			state.Outputs[st.ID()] = res.Output
		case errors.As(err, &rej):
			outcome = telemetry.OutcomeRejected
			state.Status = StatusRejected
			state.RejectReason = rej.Reason
		case res.Skipped && st.Optional():
			outcome = telemetry.OutcomeSkipped
		case st.Optional():
			outcome = telemetry.OutcomeFailure
		default:
			outcome = telemetry.OutcomeFailure
			state.Status = StatusFailed
			runErr = &StageFailedError{StageID: st.ID(), Kind: res.ErrorKind, Err: err}
		}
		o.emitStage(state.RunID, res, outcome)

		if yield != nil && !yield(Update{StageID: st.ID(), Result: res, State: state.Snapshot()}) {
			state.Status = StatusFailed
			runErr = ctx.Err()
			break
		}
		if state.Status == StatusRejected || state.Status == StatusFailed {
			break
		}
	}

	if state.Status == StatusRunning {
		state.Status = StatusCompleted
	}

	o.events.Emit(telemetry.Event{
		RunID:     state.RunID,
		Outcome:   runOutcome(state.Status),
		LatencyMs: time.Since(start).Milliseconds(),
		Detail:    string(state.Status),
	})

	if o.sink != nil {
		if err := o.sink.Save(context.WithoutCancel(ctx), state.Snapshot()); err != nil {
			o.events.Emit(telemetry.Event{
				RunID:   state.RunID,
				Outcome: telemetry.OutcomeFailure,
				Detail:  "archive: " + err.Error(),
			})
		}
	}
	return state, runErr
}

// runStage executes one stage against a projection of current state.
// A stage whose needed inputs are absent (an optional producer failed
// upstream) is skipped without invoking it.
func (o *Orchestrator) runStage(ctx context.Context, st Stage, state *RunState) (StageResult, error) {
	res := StageResult{StageID: st.ID(), Optional: st.Optional()}

	if missing := missingNeeds(st.Needs(), state.Outputs); len(missing) > 0 {
		res.Skipped = true
		res.Error = fmt.Sprintf("missing inputs: %s", strings.Join(missing, ", "))
		res.ErrorKind = "missing_input"
		return res, errors.New(res.Error)
	}

	ctx = telemetry.WithRun(ctx, state.RunID, st.ID())
	ctx, span := o.tracer.Start(ctx, "pipeline.stage",
		trace.WithAttributes(attribute.String("stage_id", st.ID())))
	defer span.End()

	in := StageInput{
		RunID:   state.RunID,
		Request: state.Request,
		Outputs: project(state.Outputs, st.Needs()),
	}
	start := time.Now()
	out, err := st.Run(ctx, in)
	res.LatencyMs = time.Since(start).Milliseconds()

	if err != nil {
		res.Error = err.Error()
		var rej *Rejection
		if !errors.As(err, &rej) {
			res.ErrorKind = string(backend.KindOf(err))
		}
		return res, err
	}
	res.Success = true
	if out != nil {
		res.Output = out.Value
		res.Backend = out.Backend
		res.Model = out.Model
	}
	return res, nil
}

func (o *Orchestrator) emitStage(runID string, res StageResult, outcome string) {
	o.events.Emit(telemetry.Event{
		RunID:     runID,
		StageID:   res.StageID,
		Backend:   res.Backend,
		Model:     res.Model,
		Outcome:   outcome,
		LatencyMs: res.LatencyMs,
		ErrorKind: res.ErrorKind,
	})
}

func runOutcome(s Status) string {
	switch s {
	case StatusCompleted:
		return telemetry.OutcomeSuccess
	case StatusRejected:
		return telemetry.OutcomeRejected
	default:
		return telemetry.OutcomeFailure
	}
}

// project copies only the declared needs out of accumulated outputs.
func project(outputs map[string]any, needs []string) map[string]any {
	out := make(map[string]any, len(needs))
	for _, k := range needs {
		if v, ok := outputs[k]; ok {
			out[k] = v
		}
	}
	return out
}

func missingNeeds(needs []string, outputs map[string]any) []string {
	var missing []string
	for _, k := range needs {
		if _, ok := outputs[k]; !ok {
			missing = append(missing, k)
		}
	}
	return missing
}
