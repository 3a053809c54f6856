// Package correlation threads a single identifier through every log line,
// outbound event, and agent invocation that stems from one ingress. The ID
// lives in the context; handing work to another goroutine means capturing
// the ID at dispatch time and re-entering it with WithID on the other side.
// There is no implicit propagation.
package correlation

import (
	"context"

	"github.com/google/uuid"
	"goa.design/clue/log"
)

type ctxKey struct{}

// WithID binds id to the context and to the context logger so every
// subsequent log line carries it. An empty id is replaced by a fresh one.
func WithID(ctx context.Context, id string) context.Context {
	if id == "" {
		id = uuid.NewString()
	}
	ctx = context.WithValue(ctx, ctxKey{}, id)
	return log.With(ctx, log.KV{K: "correlation_id", V: id})
}

// ID returns the correlation ID bound to ctx, if any.
func ID(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(ctxKey{}).(string)
	return id, ok && id != ""
}

// Ensure returns ctx bound to its existing correlation ID, or to a freshly
// generated UUIDv4 when none is present. Absence is never an error.
func Ensure(ctx context.Context) (context.Context, string) {
	if id, ok := ID(ctx); ok {
		return ctx, id
	}
	id := uuid.NewString()
	return WithID(ctx, id), id
}
