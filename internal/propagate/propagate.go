// Package propagate carries the current telemetry frame through
// context.Context so that nested instrumented calls, goroutines, and
// callbacks can attribute their events to the correct logical parent.
//
// Frames are immutable per scope: entering a nested call derives a new
// frame rather than mutating the ambient one, so concurrent callers can
// never observe each other's parent. Lookups degrade to "no parent" and
// never fail.
package propagate

import "context"

type frameKey struct{}

// Frame identifies the currently executing logical operation.
type Frame struct {
	// EventID is the client event id of the operation in scope.
	EventID string

	// Ancestors lists the full parent chain, root first. It includes
	// EventID's parents but not EventID itself.
	Ancestors []string
}

// With returns a context carrying f as the ambient frame.
func With(ctx context.Context, f Frame) context.Context {
	return context.WithValue(ctx, frameKey{}, f)
}

// FromContext returns the ambient frame, or ok=false at top level.
// It tolerates a nil context.
func FromContext(ctx context.Context) (Frame, bool) {
	if ctx == nil {
		return Frame{}, false
	}
	f, ok := ctx.Value(frameKey{}).(Frame)
	return f, ok
}

// CurrentEventID returns the event id of the operation in scope, or ""
// at top level.
func CurrentEventID(ctx context.Context) string {
	f, ok := FromContext(ctx)
	if !ok {
		return ""
	}
	return f.EventID
}

// Child returns a context whose ambient frame is a new scope for
// eventID, extending the current ancestor chain. The parent's frame is
// untouched.
func Child(ctx context.Context, eventID string) context.Context {
	parent, ok := FromContext(ctx)
	f := Frame{EventID: eventID}
	if ok {
		f.Ancestors = make([]string, 0, len(parent.Ancestors)+1)
		f.Ancestors = append(f.Ancestors, parent.Ancestors...)
		f.Ancestors = append(f.Ancestors, parent.EventID)
	}
	return With(ctx, f)
}
