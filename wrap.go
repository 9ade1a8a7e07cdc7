package tracevine

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/tracevine/tracevine-go/internal/event"
	"github.com/tracevine/tracevine-go/internal/propagate"
)

// Wrap instruments fn: each call produces a function_call event carrying
// the serialized argument and result (or error), parented under the
// caller's ambient frame. fn runs inside a child frame, so nested
// wrapped calls and instrumented SDK calls made with the passed context
// attribute to this call. With a nil or ended session the wrapper is a
// plain passthrough.
//
// The event id is generated and reserved in the delivery queue before
// fn runs: children never wait on the network to learn their parent,
// and events recorded inside the call hold until the call's own event
// is enqueued at settlement, keeping parent-before-child delivery.
func Wrap[In, Out any](s *Session, name string, fn func(context.Context, In) (Out, error), opts ...WrapOption) func(context.Context, In) (Out, error) {
	var wc wrapConfig
	for _, opt := range opts {
		opt(&wc)
	}

	return func(ctx context.Context, in In) (Out, error) {
		if s == nil || !s.Active() {
			return fn(ctx, in)
		}

		eventID := uuid.NewString()
		parentID := propagate.CurrentEventID(ctx)
		s.client.queue.Reserve(eventID)
		callCtx := propagate.Child(ctx, eventID)
		start := time.Now()

		var out Out
		var err error
		defer func() {
			if r := recover(); r != nil {
				s.completeCall(eventID, parentID, name, in, nil, fmt.Errorf("panic: %v", r), start, wc)
				panic(r)
			}
		}()

		out, err = fn(callCtx, in)
		s.completeCall(eventID, parentID, name, in, out, err, start, wc)
		return out, err
	}
}

// StartSpan opens a manual function_call event for code that does not
// fit Wrap's signature. The returned context carries the new frame; call
// end exactly once with the call's result (or nil) and error.
//
//	ctx, end := sess.StartSpan(ctx, "reconcile")
//	defer func() { end(summary, err) }()
func (s *Session) StartSpan(ctx context.Context, name string, opts ...WrapOption) (context.Context, func(result any, err error)) {
	if s == nil || !s.Active() {
		return ctx, func(any, error) {}
	}
	var wc wrapConfig
	for _, opt := range opts {
		opt(&wc)
	}

	eventID := uuid.NewString()
	parentID := propagate.CurrentEventID(ctx)
	s.client.queue.Reserve(eventID)
	start := time.Now()
	done := false

	end := func(result any, err error) {
		if done {
			return
		}
		done = true
		s.completeCall(eventID, parentID, name, nil, result, err, start, wc)
	}
	return propagate.Child(ctx, eventID), end
}

// completeCall builds and enqueues the function_call event for one
// settled invocation. It never panics into the caller, and it releases
// the id's queue reservation whenever the event does not get enqueued.
func (s *Session) completeCall(eventID, parentID, name string, args, result any, err error, start time.Time, wc wrapConfig) {
	enqueued := false
	defer func() {
		_ = recover()
		if !enqueued {
			s.client.queue.Release(eventID)
		}
	}()
	if !s.Active() {
		return
	}

	fields := map[string]any{"function_name": name}
	if args != nil {
		fields["arguments"] = args
	}
	if err != nil {
		fields["error"] = err
		fields["error_type"] = fmt.Sprintf("%T", err)
	} else if result != nil {
		fields["return_value"] = result
	}

	ev := s.builder.Build(event.Params{
		Type:     event.TypeFunctionCall,
		EventID:  eventID,
		ParentID: parentID,
		Duration: time.Since(start),
		Tags:     wc.tags,
		Metadata: s.stampStep(wc.metadata, "function_call"),
		Fields:   fields,
	})
	// The event stands for the whole call, so it carries the call's
	// start time rather than its settlement time.
	ev.OccurredAt = start.UTC()
	s.client.enqueue(ev)
	enqueued = true
}
