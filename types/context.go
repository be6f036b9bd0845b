package types

import "context"

// contextKey is used for storing values in context.Context.
type contextKey string

const (
	keyTraceID contextKey = "trace_id"
	keyTaskID  contextKey = "task_id"
	keyStageID contextKey = "stage_id"
	keyRunID   contextKey = "run_id"
	keyWriter  contextKey = "writer"
)

// WithTraceID adds trace ID to context.
func WithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, keyTraceID, traceID)
}

// TraceID extracts trace ID from context.
func TraceID(ctx context.Context) (string, bool) {
	v, ok := ctx.Value(keyTraceID).(string)
	return v, ok && v != ""
}

// WithTaskID adds the document task ID to context.
func WithTaskID(ctx context.Context, taskID string) context.Context {
	return context.WithValue(ctx, keyTaskID, taskID)
}

// TaskID extracts the document task ID from context.
func TaskID(ctx context.Context) (string, bool) {
	v, ok := ctx.Value(keyTaskID).(string)
	return v, ok && v != ""
}

// WithStageID adds stage ID to context.
func WithStageID(ctx context.Context, stageID string) context.Context {
	return context.WithValue(ctx, keyStageID, stageID)
}

// StageID extracts stage ID from context.
func StageID(ctx context.Context) (string, bool) {
	v, ok := ctx.Value(keyStageID).(string)
	return v, ok && v != ""
}

// WithRunID adds run ID to context.
func WithRunID(ctx context.Context, runID string) context.Context {
	return context.WithValue(ctx, keyRunID, runID)
}

// RunID extracts run ID from context.
func RunID(ctx context.Context) (string, bool) {
	v, ok := ctx.Value(keyRunID).(string)
	return v, ok && v != ""
}

// WithWriter records the identity that audit records attribute writes to.
func WithWriter(ctx context.Context, writer string) context.Context {
	return context.WithValue(ctx, keyWriter, writer)
}

// Writer extracts the writer identity from context.
func Writer(ctx context.Context) (string, bool) {
	v, ok := ctx.Value(keyWriter).(string)
	return v, ok && v != ""
}
