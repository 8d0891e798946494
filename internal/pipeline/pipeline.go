// Package pipeline drives an ordered list of generation stages over a
// shared run state. Stages run strictly in sequence; a failed required
// stage halts the run, a failed optional stage is recorded and skipped
// past, and a gate stage may reject the input outright, which is a
// third outcome distinct from success and failure.
package pipeline

import (
	"context"
	"fmt"
)

// Status is the lifecycle of one run.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusRejected  Status = "rejected"
)

// StageInput is the projection of run state handed to one stage: the
// original request plus only the outputs the stage declared in Needs.
// Stages never see the full state object.
type StageInput struct {
	RunID   string
	Request any
	Outputs map[string]any
}

// Output returns a needed upstream output by stage ID.
func (in StageInput) Output(stageID string) (any, bool) {
	v, ok := in.Outputs[stageID]
	return v, ok
}

// StageOutput is a stage's successful product, plus which backend and
// model served it for the run record.
type StageOutput struct {
	Value   any
	Backend string
	Model   string
}

// Stage is one unit of pipeline work. Implementations must be safe for
// concurrent use: one Stage value serves many runs.
type Stage interface {
	// ID names the stage; it keys the stage's output in run state.
	ID() string
	// Optional stages may fail without halting the run.
	Optional() bool
	// Needs lists the stage IDs whose outputs this stage reads. Every
	// listed ID must belong to an earlier stage.
	Needs() []string
	Run(ctx context.Context, in StageInput) (*StageOutput, error)
}

// Rejection is returned by a gate stage that judged the request itself
// unfit to proceed. It is a domain verdict, not a technical failure,
// and ends the run as rejected rather than failed.
type Rejection struct {
	Reason string
}

func (e *Rejection) Error() string {
	return fmt.Sprintf("request rejected: %s", e.Reason)
}

// StageFailedError reports the required stage that halted a run and the
// failure kind, without leaking a raw backend stack trace.
type StageFailedError struct {
	StageID string
	Kind    string
	Err     error
}

func (e *StageFailedError) Error() string {
	return fmt.Sprintf("stage %q failed (%s): %v", e.StageID, e.Kind, e.Err)
}

func (e *StageFailedError) Unwrap() error { return e.Err }

// StageResult is the immutable record of one stage invocation. It is
// appended to history and never mutated afterwards.
type StageResult struct {
	StageID   string `json:"stage_id"`
	Success   bool   `json:"success"`
	Optional  bool   `json:"optional,omitempty"`
	Skipped   bool   `json:"skipped,omitempty"`
	Output    any    `json:"output,omitempty"`
	Error     string `json:"error,omitempty"`
	ErrorKind string `json:"error_kind,omitempty"`
	LatencyMs int64  `json:"latency_ms"`
	Backend   string `json:"backend_used,omitempty"`
	Model     string `json:"model_used,omitempty"`
}

// RunState accumulates one run: the request, every stage's output, and
// the per-stage history in execution order. The orchestrator owns it
// exclusively while the run is live; callers receive snapshots.
type RunState struct {
	RunID        string         `json:"run_id"`
	Status       Status         `json:"status"`
	Request      any            `json:"request"`
	Outputs      map[string]any `json:"outputs"`
	History      []StageResult  `json:"history"`
	RejectReason string         `json:"reject_reason,omitempty"`
}

// Output returns a recorded stage output.
func (s *RunState) Output(stageID string) (any, bool) {
	v, ok := s.Outputs[stageID]
	return v, ok
}

// IsValid reports whether every required stage that ran succeeded.
// Derived from history, never stored.
func (s *RunState) IsValid() bool {
	if len(s.History) == 0 {
		return false
	}
	for _, r := range s.History {
		if !r.Success && !r.Optional {
			return false
		}
	}
	return true
}

// HasErrors reports whether any stage failed or was skipped.
func (s *RunState) HasErrors() bool {
	for _, r := range s.History {
		if !r.Success {
			return true
		}
	}
	return false
}

// Snapshot returns a copy safe to hand outside the orchestrator while
// the run keeps mutating the original.
func (s *RunState) Snapshot() *RunState {
	cp := *s
	cp.Outputs = make(map[string]any, len(s.Outputs))
	for k, v := range s.Outputs {
		cp.Outputs[k] = v
	}
	cp.History = append([]StageResult(nil), s.History...)
	return &cp
}
