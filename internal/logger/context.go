package logger

import "context"

// ctxKey is a private key type so log correlation values cannot collide with
// other packages' context keys.
type ctxKey int

const (
	requestIDKey ctxKey = iota
	taskIDKey
)

// WithRequestID returns a new context carrying the HTTP request ID.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey, id)
}

// RequestID extracts the request ID from the context, or "" if unset.
func RequestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey).(string)
	return id
}

// WithTaskID returns a new context carrying the task a worker is driving,
// so downstream calls (LLM proxy, executor) can correlate their logs.
func WithTaskID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, taskIDKey, id)
}

// TaskID extracts the task ID from the context, or "" if unset.
func TaskID(ctx context.Context) string {
	id, _ := ctx.Value(taskIDKey).(string)
	return id
}
