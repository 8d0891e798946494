package telemetry

import (
	"encoding/json"
	"io"
	"os"
	"sync"
	"time"
)

// Event outcomes.
const (
	OutcomeSuccess  = "success"
	OutcomeFailure  = "failure"
	OutcomeRetry    = "retry"
	OutcomeFallback = "fallback"
	OutcomeRejected = "rejected"
	OutcomeSkipped  = "skipped"
)

// Event is one structured telemetry record. Backend calls, retries,
// fallback hops and stage completions each emit one.
type Event struct {
	Timestamp time.Time `json:"timestamp"`
	RunID     string    `json:"run_id,omitempty"`
	StageID   string    `json:"stage_id,omitempty"`
	Backend   string    `json:"backend,omitempty"`
	Model     string    `json:"model,omitempty"`
	Outcome   string    `json:"outcome"`
	Attempt   int       `json:"attempt,omitempty"`
	LatencyMs int64     `json:"latency_ms,omitempty"`
	ErrorKind string    `json:"error_kind,omitempty"`
	WaitMs    int64     `json:"wait_ms,omitempty"`
	Detail    string    `json:"detail,omitempty"`
}

// Emitter receives events. Implementations must be safe for concurrent
// use and must not block request handling.
type Emitter interface {
	Emit(ev Event)
}

// NopEmitter drops everything.
type NopEmitter struct{}

func (NopEmitter) Emit(Event) {}

// JSONLWriter appends one JSON object per line. Marshal or write
// failures are swallowed; telemetry never fails a request.
type JSONLWriter struct {
	mu  sync.Mutex
	w   io.Writer
	c   io.Closer
	now func() time.Time
}

func NewJSONLWriter(w io.Writer) *JSONLWriter {
	return &JSONLWriter{w: w, now: time.Now}
}

// OpenJSONLFile opens or creates path for appending events.
func OpenJSONLFile(path string) (*JSONLWriter, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, err
	}
	return &JSONLWriter{w: f, c: f, now: time.Now}, nil
}

func (j *JSONLWriter) Emit(ev Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = j.now()
	}
	line, err := json.Marshal(ev)
	if err != nil {
		return
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	j.w.Write(append(line, '\n'))
}

func (j *JSONLWriter) Close() error {
	if j.c == nil {
		return nil
	}
	return j.c.Close()
}
