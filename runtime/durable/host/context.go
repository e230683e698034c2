package host

import "context"

// attemptCtxKey is the private context key carrying the current attempt number.
type attemptCtxKey struct{}

// WithAttempt returns a child context recording the 1-based attempt number of
// the step being executed. Hosts call it before invoking a StepFunc.
func WithAttempt(ctx context.Context, attempt int) context.Context {
	return context.WithValue(ctx, attemptCtxKey{}, attempt)
}

// AttemptFromContext returns the attempt number recorded by WithAttempt, or 1
// when none is set.
func AttemptFromContext(ctx context.Context) int {
	if n, ok := ctx.Value(attemptCtxKey{}).(int); ok && n > 0 {
		return n
	}
	return 1
}
