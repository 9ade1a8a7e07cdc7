package tracevine

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tracevine/tracevine-go/internal/event"
	"github.com/tracevine/tracevine-go/internal/lifecycle"
	"github.com/tracevine/tracevine-go/internal/propagate"
	"github.com/tracevine/tracevine-go/internal/telemetry"
	"github.com/tracevine/tracevine-go/internal/transport"
)

// EventType selects an event payload shape for Record.
type EventType string

const (
	EventLLMGeneration  EventType = "llm_generation"
	EventFunctionCall   EventType = "function_call"
	EventErrorTraceback EventType = "error_traceback"
	EventGeneric        EventType = "generic"
)

// EventParams is the flexible input to Session.Record. Leave Type empty
// to let the builder classify Fields: LLM markers (provider, model,
// request, token counts) win over function-call markers (function_name,
// arguments), which win over error markers (error, traceback); anything
// else is generic.
type EventParams struct {
	Type     EventType
	Fields   map[string]any
	Tags     []string
	Metadata map[string]any
	Duration time.Duration
}

// Session groups the events of one logical run. Sessions are created by
// Client.StartSession and are finished at most once: a second End is a
// logged no-op.
type Session struct {
	id      string
	client  *Client
	builder *event.Builder
	logger  *slog.Logger
	autoEnd bool

	mu          sync.Mutex
	ended       bool
	currentStep *Step
}

// StartSession registers a session with the collector and begins
// accepting events. A collector init failure is logged, not returned:
// the session stays usable and events queue as normal.
func (c *Client) StartSession(ctx context.Context, opts ...SessionOption) (*Session, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, errClientClosed
	}
	c.mu.Unlock()

	sc := sessionConfig{autoEnd: true}
	for _, opt := range opts {
		opt(&sc)
	}
	id := sc.sessionID
	if id == "" {
		id = uuid.NewString()
	}

	s := &Session{
		id:      id,
		client:  c,
		builder: event.NewBuilder(id, c.mask),
		logger:  c.logger.With(slog.String("session_id", id)),
		autoEnd: sc.autoEnd,
	}

	if err := c.transport.InitSession(ctx, &transport.SessionStart{
		SessionID: id,
		StartedAt: time.Now().UTC(),
		Tags:      sc.tags,
		Metadata:  sc.metadata,
	}); err != nil {
		s.logger.Warn("session init call failed", slog.String("error", err.Error()))
	}

	c.coordinator.RegisterSession(id, lifecycle.Registration{
		AutoEnd: s.autoEnd,
		Flush:   c.queue.ForceFlush,
		End: func(endCtx context.Context, reason string) error {
			return s.endWith(endCtx, reason)
		},
		Crash: func(crashCtx context.Context, message, stack string) {
			s.recordCrash(message, stack)
		},
	})

	c.active.Store(s)
	s.logger.Info("session started")
	return s, nil
}

// ID returns the session id.
func (s *Session) ID() string { return s.id }

// Active reports whether the session has not yet ended. A nil session
// is inactive.
func (s *Session) Active() bool {
	if s == nil {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.ended
}

// Record builds a normalized event and hands it to the delivery queue.
// The parent is read from ctx's telemetry frame. It returns the client
// event id, which is assigned even when the event is shed by the queue.
// Recording on an ended session is a logged no-op.
func (s *Session) Record(ctx context.Context, p EventParams) string {
	if s == nil {
		return ""
	}
	if !s.Active() {
		s.logger.Warn("event dropped: session ended")
		return ""
	}
	ev := s.builder.Build(event.Params{
		Type:     event.Type(p.Type),
		ParentID: propagate.CurrentEventID(ctx),
		Duration: p.Duration,
		Tags:     p.Tags,
		Metadata: s.stampStep(p.Metadata, string(p.Type)),
		Fields:   p.Fields,
	})
	return s.client.enqueue(ev)
}

// RecordError records err as an error_traceback event.
func (s *Session) RecordError(ctx context.Context, err error) string {
	if err == nil {
		return ""
	}
	return s.Record(ctx, EventParams{
		Type:   EventErrorTraceback,
		Fields: map[string]any{"error": err},
	})
}

// UpdateSession patches the session's tags and metadata on the
// collector.
func (s *Session) UpdateSession(ctx context.Context, metadata map[string]any, tags []string) error {
	return s.client.transport.UpdateSession(ctx, s.id, metadata, tags)
}

// End flushes queued events and closes the session with the collector.
// Ending twice is a no-op.
func (s *Session) End(ctx context.Context) error {
	return s.endWith(ctx, "")
}

func (s *Session) endWith(ctx context.Context, reason string) error {
	s.mu.Lock()
	if s.ended {
		s.mu.Unlock()
		s.logger.Debug("session already ended")
		return nil
	}
	s.ended = true
	s.mu.Unlock()

	s.client.active.CompareAndSwap(s, nil)
	s.client.coordinator.UnregisterSession(s.id)

	if err := s.client.queue.ForceFlush(ctx); err != nil {
		s.logger.Warn("flush on session end failed", slog.String("error", err.Error()))
	}

	err := s.client.transport.EndSession(ctx, &transport.SessionEnd{
		SessionID: s.id,
		EndedAt:   time.Now().UTC(),
		Success:   reason == "",
		Reason:    reason,
	})
	if err != nil {
		s.logger.Warn("session end call failed", slog.String("error", err.Error()))
		return err
	}
	s.logger.Info("session ended", slog.Bool("success", reason == ""))
	return nil
}

// recordCrash synthesizes a best-effort crash event. It must not panic:
// it runs on the process crash path.
func (s *Session) recordCrash(message, stack string) {
	defer func() { _ = recover() }()
	ev := s.builder.Build(event.Params{
		Type: event.TypeErrorTraceback,
		Fields: map[string]any{
			"error":     message,
			"traceback": stack,
		},
		Metadata: map[string]any{"crash": true},
	})
	s.client.enqueue(ev)
}

// recordSpan converts a bridged vendor-SDK span into an llm_generation
// event parented under the frame captured at span start.
func (s *Session) recordSpan(rec telemetry.SpanRecord) {
	fields := map[string]any{"provider": rec.Provider}
	if rec.Model != "" {
		fields["model"] = rec.Model
	}
	if rec.HasUsage {
		fields["input_tokens"] = rec.InputToks
		fields["output_tokens"] = rec.OutputToks
	}
	ev := s.builder.Build(event.Params{
		Type:     event.TypeLLMGeneration,
		ParentID: rec.Frame.EventID,
		Duration: rec.Duration,
		Fields:   fields,
		Metadata: s.stampStep(map[string]any{"span_name": rec.SpanName}, "llm_generation"),
	})
	ev.OccurredAt = rec.StartedAt
	s.client.enqueue(ev)
}

// Step groups events under a coarser unit of work within a session.
type Step struct {
	id      string
	name    string
	session *Session

	mu    sync.Mutex
	ended bool
}

// StartStep opens a step; subsequent events carry its id until the step
// ends or another step starts.
func (s *Session) StartStep(name string) *Step {
	st := &Step{id: uuid.NewString(), name: name, session: s}
	s.mu.Lock()
	s.currentStep = st
	s.mu.Unlock()
	s.logger.Debug("step started", slog.String("step", name))
	return st
}

// ID returns the step id.
func (st *Step) ID() string { return st.id }

// Name returns the step name.
func (st *Step) Name() string { return st.name }

// End closes the step. Ending twice is a no-op.
func (st *Step) End() {
	st.mu.Lock()
	if st.ended {
		st.mu.Unlock()
		return
	}
	st.ended = true
	st.mu.Unlock()

	s := st.session
	s.mu.Lock()
	if s.currentStep == st {
		s.currentStep = nil
	}
	s.mu.Unlock()
}

// stampStep adds the active step's id to event metadata, auto-creating a
// step named after the event type when none is active.
func (s *Session) stampStep(md map[string]any, eventType string) map[string]any {
	s.mu.Lock()
	st := s.currentStep
	ended := s.ended
	s.mu.Unlock()
	if ended {
		return md
	}
	if st == nil {
		if eventType == "" {
			eventType = "generic"
		}
		st = s.StartStep(eventType)
	}
	out := make(map[string]any, len(md)+2)
	for k, v := range md {
		out[k] = v
	}
	out["step_id"] = st.id
	out["step_name"] = st.name
	return out
}
