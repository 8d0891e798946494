package telemetry

import "context"

type ctxKey int

const (
	runIDKey ctxKey = iota
	stageIDKey
)

// WithRun tags ctx with the pipeline run and stage issuing downstream
// calls, so router events carry their origin.
func WithRun(ctx context.Context, runID, stageID string) context.Context {
	ctx = context.WithValue(ctx, runIDKey, runID)
	return context.WithValue(ctx, stageIDKey, stageID)
}

func RunID(ctx context.Context) string {
	v, _ := ctx.Value(runIDKey).(string)
	return v
}

func StageID(ctx context.Context) string {
	v, _ := ctx.Value(stageIDKey).(string)
	return v
}
