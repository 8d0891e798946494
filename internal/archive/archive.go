// Package archive persists finished run records. The engine never
// imports it; cmd wires a Recorder in as the orchestrator's sink.
package archive

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/diorama-ai/diorama/internal/pipeline"
)

var ErrRunNotFound = errors.New("run record not found")

// RunRecord is one archived run, JSON columns left opaque.
type RunRecord struct {
	ID           int64
	RunID        string
	Status       string
	RejectReason string
	Request      []byte
	History      []byte
	Outputs      []byte
	LatencyMs    int64
	ArchivedAt   time.Time
}

type Store interface {
	SaveRun(ctx context.Context, rec *RunRecord) error
	GetRun(ctx context.Context, runID string) (*RunRecord, error)
	ListRuns(ctx context.Context, limit int) ([]*RunRecord, error)
}

// Recorder adapts a Store to the orchestrator's sink contract.
type Recorder struct {
	store Store
}

func NewRecorder(store Store) *Recorder {
	return &Recorder{store: store}
}

func (r *Recorder) Save(ctx context.Context, state *pipeline.RunState) error {
	rec, err := Encode(state)
	if err != nil {
		return err
	}
	return r.store.SaveRun(ctx, rec)
}

// Encode flattens a run state into a storable record.
func Encode(state *pipeline.RunState) (*RunRecord, error) {
	reqJSON, err := json.Marshal(state.Request)
	if err != nil {
		return nil, fmt.Errorf("archive: encode request for run %s: %w", state.RunID, err)
	}
	histJSON, err := json.Marshal(state.History)
	if err != nil {
		return nil, fmt.Errorf("archive: encode history for run %s: %w", state.RunID, err)
	}
	outJSON, err := json.Marshal(state.Outputs)
	if err != nil {
		return nil, fmt.Errorf("archive: encode outputs for run %s: %w", state.RunID, err)
	}

	var latency int64
	for _, res := range state.History {
		latency += res.LatencyMs
	}

	return &RunRecord{
		RunID:        state.RunID,
		Status:       string(state.Status),
		RejectReason: state.RejectReason,
		Request:      reqJSON,
		History:      histJSON,
		Outputs:      outJSON,
		LatencyMs:    latency,
	}, nil
}
