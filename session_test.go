package tracevine

import (
	"context"
	"fmt"
	"strings"
	"testing"
)

func TestStartSessionRegistersWithCollector(t *testing.T) {
	fc := newFakeCollector(t)
	c := testClient(t, fc)

	sess, err := c.StartSession(context.Background(),
		WithSessionTags("eval"),
		WithSessionMetadata(map[string]any{"run": 1}))
	if err != nil {
		t.Fatalf("StartSession: %v", err)
	}
	if sess.ID() == "" {
		t.Fatal("empty session id")
	}
	fc.mu.Lock()
	registered := append([]string(nil), fc.sessions...)
	fc.mu.Unlock()
	if len(registered) != 1 || registered[0] != sess.ID() {
		t.Errorf("collector saw sessions %v, want [%s]", registered, sess.ID())
	}
	if !sess.Active() {
		t.Error("fresh session not active")
	}
}

func TestStartSessionSurvivesCollectorOutage(t *testing.T) {
	fc := newFakeCollector(t)
	c := testClient(t, fc)
	fc.srv.Close()

	// Init-session call fails, but the session must still work locally.
	sess, err := c.StartSession(context.Background())
	if err != nil {
		t.Fatalf("StartSession: %v", err)
	}
	if id := sess.Record(context.Background(), EventParams{
		Fields: map[string]any{"checkpoint": "offline"},
	}); id == "" {
		t.Error("record refused while collector down")
	}
}

func TestStartSessionWithExplicitID(t *testing.T) {
	fc := newFakeCollector(t)
	c := testClient(t, fc)
	sess, err := c.StartSession(context.Background(), WithSessionID("run-2026-08-30"))
	if err != nil {
		t.Fatal(err)
	}
	if sess.ID() != "run-2026-08-30" {
		t.Errorf("id = %q", sess.ID())
	}
}

func TestSessionEndIsIdempotent(t *testing.T) {
	fc := newFakeCollector(t)
	c := testClient(t, fc)
	sess, _ := c.StartSession(context.Background())

	if err := sess.End(context.Background()); err != nil {
		t.Fatalf("End: %v", err)
	}
	if err := sess.End(context.Background()); err != nil {
		t.Fatalf("second End: %v", err)
	}
	if got := fc.endCount(); got != 1 {
		t.Errorf("collector saw %d end calls, want 1", got)
	}
	if sess.Active() {
		t.Error("session still active after End")
	}
}

func TestRecordOnEndedSessionIsDropped(t *testing.T) {
	fc := newFakeCollector(t)
	c := testClient(t, fc)
	sess, _ := c.StartSession(context.Background())
	_ = sess.End(context.Background())

	if id := sess.Record(context.Background(), EventParams{
		Fields: map[string]any{"late": true},
	}); id != "" {
		t.Errorf("Record returned id %q on ended session", id)
	}
	_ = c.Flush(context.Background())
	if got := fc.allEvents(); len(got) != 0 {
		t.Errorf("ended session emitted %d events", len(got))
	}
}

func TestRecordError(t *testing.T) {
	fc := newFakeCollector(t)
	c := testClient(t, fc)
	sess, _ := c.StartSession(context.Background())

	if id := sess.RecordError(context.Background(), nil); id != "" {
		t.Errorf("nil error produced event %q", id)
	}
	sess.RecordError(context.Background(), errContext("token sk-999 expired"))
	_ = c.Flush(context.Background())

	evs := fc.eventsOfType("error_traceback")
	if len(evs) != 1 {
		t.Fatalf("got %d error events", len(evs))
	}
	if evs[0].Payload["error"] != "token sk-999 expired" {
		t.Errorf("error = %v", evs[0].Payload["error"])
	}
}

type errContext string

func (e errContext) Error() string { return string(e) }

func TestMaskAppliedToRecordedStrings(t *testing.T) {
	fc := newFakeCollector(t)
	c := testClient(t, fc, WithMask(func(s string) string {
		return strings.ReplaceAll(s, "sk-999", "[masked]")
	}))
	sess, _ := c.StartSession(context.Background())

	sess.Record(context.Background(), EventParams{Fields: map[string]any{
		"function_name": "auth",
		"arguments":     map[string]any{"key": "sk-999"},
	}})
	_ = c.Flush(context.Background())

	evs := fc.eventsOfType("function_call")
	if len(evs) != 1 {
		t.Fatalf("got %d events", len(evs))
	}
	args, _ := evs[0].Payload["arguments"].(map[string]any)
	if args["key"] != "[masked]" {
		t.Errorf("key = %v, mask not applied", args["key"])
	}
}

func TestStepsStampEvents(t *testing.T) {
	fc := newFakeCollector(t)
	c := testClient(t, fc)
	sess, _ := c.StartSession(context.Background())

	st := sess.StartStep("retrieval")
	sess.Record(context.Background(), EventParams{Fields: map[string]any{"hit": 1}})
	st.End()
	st.End() // second end is a no-op
	sess.Record(context.Background(), EventParams{Fields: map[string]any{"hit": 2}})
	_ = c.Flush(context.Background())

	evs := fc.eventsOfType("generic")
	if len(evs) != 2 {
		t.Fatalf("got %d events", len(evs))
	}
	var inStep, autoStep *wireEvent
	for i := range evs {
		switch evs[i].Metadata["step_name"] {
		case "retrieval":
			inStep = &evs[i]
		case "generic":
			autoStep = &evs[i]
		}
	}
	if inStep == nil {
		t.Fatalf("no event in named step: %+v", evs)
	}
	if inStep.Metadata["step_id"] != st.ID() {
		t.Errorf("step_id = %v, want %s", inStep.Metadata["step_id"], st.ID())
	}
	// After the step ended, a fresh auto step named after the event type
	// covers the next event.
	if autoStep == nil {
		t.Fatalf("no auto-created step: %+v", evs)
	}
	if autoStep.Metadata["step_id"] == st.ID() {
		t.Error("auto step reused ended step id")
	}
}

func TestStartingNewStepReplacesCurrent(t *testing.T) {
	fc := newFakeCollector(t)
	c := testClient(t, fc)
	sess, _ := c.StartSession(context.Background())

	first := sess.StartStep("first")
	second := sess.StartStep("second")
	sess.Record(context.Background(), EventParams{Fields: map[string]any{"n": 1}})
	_ = c.Flush(context.Background())

	evs := fc.eventsOfType("generic")
	if len(evs) != 1 {
		t.Fatalf("got %d events", len(evs))
	}
	if evs[0].Metadata["step_id"] != second.ID() {
		t.Errorf("step_id = %v, want %s (not %s)", evs[0].Metadata["step_id"], second.ID(), first.ID())
	}
}

func TestShutdownDrainsPendingEvents(t *testing.T) {
	fc := newFakeCollector(t)
	c := testClient(t, fc)
	sess, err := c.StartSession(context.Background())
	if err != nil {
		t.Fatalf("StartSession: %v", err)
	}

	// The quiet flush settings keep all fifty events buffered until
	// shutdown itself drains them.
	const n = 50
	for i := 0; i < n; i++ {
		sess.Record(context.Background(), EventParams{
			Fields: map[string]any{"seq": i, "name": fmt.Sprintf("step-%d", i)},
		})
	}
	if got := fc.allEvents(); len(got) != 0 {
		t.Fatalf("collector saw %d events before shutdown", len(got))
	}

	if err := c.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}

	if got := fc.allEvents(); len(got) != n {
		t.Errorf("collector saw %d events after shutdown, want %d", len(got), n)
	}
	if got := fc.endCount(); got != 1 {
		t.Errorf("collector saw %d end calls, want 1", got)
	}
	if sess.Active() {
		t.Error("session still active after shutdown")
	}
	if err := c.Shutdown(context.Background()); err != nil {
		t.Errorf("second Shutdown: %v", err)
	}
}

func TestNilSessionIsInert(t *testing.T) {
	var sess *Session
	if sess.Active() {
		t.Error("nil session active")
	}
	if id := sess.Record(context.Background(), EventParams{}); id != "" {
		t.Errorf("nil session recorded %q", id)
	}
}

func TestInitRejectsInvalidConfig(t *testing.T) {
	if _, err := Init(WithBaseURL("x"), WithFlushAt(-1), WithMaxQueueSize(-5)); err != nil {
		// Negative option values are ignored, so this still succeeds;
		// only genuinely invalid layered config fails.
		t.Fatalf("Init: %v", err)
	}
	t.Setenv("TRACEVINE_QUEUE__MAX_SIZE", "-1")
	if _, err := Init(); err == nil {
		t.Error("Init accepted negative queue size from env")
	}
}
