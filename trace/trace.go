// Package trace wires golang.org/x/net/trace event logs into the
// module's context-carrying operations, mirroring the addTrace helper
// used throughout dwarri-gazette's broker and consumer packages. Callers
// attach a trace.Trace to a context.Context (via x/net/trace itself or a
// test helper) and every blocking step along the way — parking,
// timeout, rollback, commit — leaves a breadcrumb visible in /debug/events
// without needing its own logging call site.
package trace

import (
	"context"

	"golang.org/x/net/trace"
)

// Add appends a lazily-formatted event to the trace.Trace carried by ctx,
// if any. It is a no-op when ctx carries no trace, so call sites never
// need to guard it themselves.
func Add(ctx context.Context, format string, args ...interface{}) {
	if ctx == nil {
		return
	}
	if tr, ok := trace.FromContext(ctx); ok {
		tr.LazyPrintf(format, args...)
	}
}

// AddError behaves like Add but also marks the trace as an error, so it
// surfaces distinctly in the /debug/events rendering.
func AddError(ctx context.Context, format string, args ...interface{}) {
	if ctx == nil {
		return
	}
	if tr, ok := trace.FromContext(ctx); ok {
		tr.LazyPrintf(format, args...)
		tr.SetError()
	}
}
