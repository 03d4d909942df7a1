package context

import "context"

type ctxKey string

const (
	runIDKey ctxKey = "run_id"
	stageKey ctxKey = "stage"
	dagIDKey ctxKey = "dag_id"
	reqIDKey ctxKey = "request_id"
)

// WithRun tags ctx with the pipeline run identity.
func WithRun(ctx context.Context, dagID, runID string) context.Context {
	ctx = context.WithValue(ctx, dagIDKey, dagID)
	return context.WithValue(ctx, runIDKey, runID)
}

func WithStage(ctx context.Context, stage string) context.Context {
	return context.WithValue(ctx, stageKey, stage)
}

func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, reqIDKey, requestID)
}

func RunIDFromContext(ctx context.Context) string {
	return stringValue(ctx, runIDKey)
}

func DagIDFromContext(ctx context.Context) string {
	return stringValue(ctx, dagIDKey)
}

func StageFromContext(ctx context.Context) string {
	return stringValue(ctx, stageKey)
}

func RequestIDFromContext(ctx context.Context) string {
	return stringValue(ctx, reqIDKey)
}

func stringValue(ctx context.Context, key ctxKey) string {
	if ctx == nil {
		return ""
	}
	if v, ok := ctx.Value(key).(string); ok {
		return v
	}
	return ""
}
