// Package requestcontext carries request-scoped values (caller identity,
// request id, request time) without depending on net/http. Middleware sets
// them; services, the writer and the CLI read them.
package requestcontext

import (
	"context"
	"time"
)

type (
	subjectKey   struct{}
	roleKey      struct{}
	requestIDKey struct{}
	timeKey      struct{}
)

func value[T any](ctx context.Context, key any) (T, bool) {
	v, ok := ctx.Value(key).(T)
	return v, ok
}

// Subject is the authenticated caller's subject, or "".
func Subject(ctx context.Context) string {
	s, _ := value[string](ctx, subjectKey{})
	return s
}

// Role is the caller's raw role claim, or "". Interpreting it is authz's job.
func Role(ctx context.Context) string {
	r, _ := value[string](ctx, roleKey{})
	return r
}

func WithIdentity(ctx context.Context, subject, role string) context.Context {
	ctx = context.WithValue(ctx, subjectKey{}, subject)
	return context.WithValue(ctx, roleKey{}, role)
}

// RequestID doubles as the audit correlation id.
func RequestID(ctx context.Context) string {
	id, _ := value[string](ctx, requestIDKey{})
	return id
}

func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, requestIDKey{}, requestID)
}

// Now is the time pinned for this request or batch, falling back to the
// wall clock outside one.
func Now(ctx context.Context) time.Time {
	if t, ok := value[time.Time](ctx, timeKey{}); ok {
		return t
	}
	return time.Now()
}

// WithTime pins the time Now returns. The HTTP middleware and the writer
// pin one reading per request or batch; tests pin a fixed instant.
func WithTime(ctx context.Context, t time.Time) context.Context {
	return context.WithValue(ctx, timeKey{}, t)
}
