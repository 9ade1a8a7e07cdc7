package preview

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/tracevine/tracevine-go/internal/event"
)

func TestLLMPreviewKeepsUsage(t *testing.T) {
	ev := &event.Event{Payload: event.LLMPayload{
		Provider: "openai",
		Model:    "gpt-4o",
		Request:  strings.Repeat("long prompt ", 1000),
		Response: strings.Repeat("long answer ", 1000),
		Usage:    &event.Usage{InputTokens: 900, OutputTokens: 400, TotalTokens: 1300},
	}}

	out, ok := ForEvent(ev).(event.LLMPayload)
	if !ok {
		t.Fatalf("preview is %T", ForEvent(ev))
	}
	if out.Request != nil || out.Response != nil {
		t.Error("preview carries full request/response")
	}
	if out.Provider != "openai" || out.Model != "gpt-4o" {
		t.Errorf("provider/model = %q/%q", out.Provider, out.Model)
	}
	if out.Usage == nil || out.Usage.TotalTokens != 1300 {
		t.Errorf("usage = %+v", out.Usage)
	}
}

func TestLLMPreviewEstimatesTokensWithoutUsage(t *testing.T) {
	ev := &event.Event{Payload: event.LLMPayload{
		Provider: "openai",
		Model:    "gpt-4o",
		Request:  map[string]any{"messages": []any{"the quick brown fox jumps over the lazy dog"}},
	}}

	out := ForEvent(ev).(event.LLMPayload)
	if out.Usage == nil {
		t.Fatal("no estimated usage")
	}
	if out.Usage.InputTokens <= 0 {
		t.Errorf("estimated input tokens = %d", out.Usage.InputTokens)
	}
	if out.Usage.TotalTokens != out.Usage.InputTokens {
		t.Errorf("total = %d, want input-only estimate", out.Usage.TotalTokens)
	}
}

func TestFunctionCallPreview(t *testing.T) {
	args := map[string]any{"query": strings.Repeat("x", 5000)}
	ev := &event.Event{Payload: event.FunctionCallPayload{
		FunctionName: "search",
		Arguments:    args,
		ReturnValue:  strings.Repeat("y", 5000),
		ErrorType:    "*errors.errorString",
	}}

	out := ForEvent(ev).(event.FunctionCallPayload)
	if out.FunctionName != "search" {
		t.Errorf("name = %q", out.FunctionName)
	}
	if out.Arguments != nil || out.ReturnValue != nil {
		t.Error("preview carries full arguments/result")
	}
	if out.ErrorType != "*errors.errorString" {
		t.Errorf("error_type = %q", out.ErrorType)
	}
	wantSize, _ := json.Marshal(args)
	if got := out.Misc["arguments_bytes"]; got != len(wantSize) {
		t.Errorf("arguments_bytes = %v, want %d", got, len(wantSize))
	}
}

func TestFunctionCallPreviewTruncatesLongName(t *testing.T) {
	ev := &event.Event{Payload: event.FunctionCallPayload{
		FunctionName: strings.Repeat("n", 200),
	}}
	out := ForEvent(ev).(event.FunctionCallPayload)
	if len(out.FunctionName) != maxNameLen+3 {
		t.Errorf("name length = %d", len(out.FunctionName))
	}
	if !strings.HasSuffix(out.FunctionName, "...") {
		t.Errorf("name = %q", out.FunctionName)
	}
}

func TestErrorPreviewFirstLineOnly(t *testing.T) {
	ev := &event.Event{Payload: event.ErrorPayload{
		Error:     "connection reset\nretried 3 times\ngiving up",
		Traceback: strings.Repeat("frame\n", 2000),
	}}
	out := ForEvent(ev).(event.ErrorPayload)
	if out.Error != "connection reset" {
		t.Errorf("error = %q", out.Error)
	}
	if out.Traceback != "" {
		t.Error("preview carries full traceback")
	}
}

func TestGenericPreviewListsSortedKeys(t *testing.T) {
	ev := &event.Event{Payload: event.GenericPayload{Details: map[string]any{
		"zeta":  1,
		"alpha": strings.Repeat("v", 9000),
		"mid":   true,
	}}}
	out := ForEvent(ev).(event.GenericPayload)
	keys, ok := out.Details["detail_keys"].([]string)
	if !ok {
		t.Fatalf("detail_keys = %T", out.Details["detail_keys"])
	}
	want := []string{"alpha", "mid", "zeta"}
	if len(keys) != len(want) {
		t.Fatalf("keys = %v", keys)
	}
	for i := range want {
		if keys[i] != want[i] {
			t.Errorf("keys = %v, want %v", keys, want)
		}
	}
}

func TestPointerPayloadsHandled(t *testing.T) {
	ev := &event.Event{Payload: &event.ErrorPayload{Error: "boom"}}
	if out, ok := ForEvent(ev).(event.ErrorPayload); !ok || out.Error != "boom" {
		t.Errorf("pointer payload preview = %+v", ForEvent(ev))
	}
}
