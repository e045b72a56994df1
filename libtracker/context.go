package libtracker

import (
	"context"
	"fmt"
	"math/rand/v2"
)

// Context keys the tracker reads correlation identifiers from. Callers
// stamp these at their entry point (the CLI uses a fresh UUID per
// invocation).
var (
	ContextKeyRequestID = contextKey("request_id")
	ContextKeyTraceID   = contextKey("trace_id")
)

// WithNewRequestID stamps a fresh random request ID into ctx. Use at
// entry points that have no caller-provided ID; without one the tracker
// logs a SERVERBUG marker instead of a request ID.
func WithNewRequestID(ctx context.Context) context.Context {
	id := fmt.Sprintf("req-%016x", rand.Uint64())
	return context.WithValue(ctx, ContextKeyRequestID, id)
}
