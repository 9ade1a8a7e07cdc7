// Package preview builds the small inline stand-ins sent for events
// whose full payload is offloaded out of band.
package preview

import (
	"encoding/json"
	"sort"
	"sync"

	"github.com/tiktoken-go/tokenizer"

	"github.com/tracevine/tracevine-go/internal/event"
)

const maxNameLen = 64

var (
	codecOnce sync.Once
	codec     tokenizer.Codec
)

// ForEvent derives a type-specific preview payload for ev. The preview
// carries just enough to render the event in a trace view; the full
// payload is recoverable from the blob side channel.
func ForEvent(ev *event.Event) event.Payload {
	switch p := ev.Payload.(type) {
	case event.LLMPayload:
		return llmPreview(p)
	case *event.LLMPayload:
		return llmPreview(*p)
	case event.FunctionCallPayload:
		return functionCallPreview(p)
	case *event.FunctionCallPayload:
		return functionCallPreview(*p)
	case event.ErrorPayload:
		return errorPreview(p)
	case *event.ErrorPayload:
		return errorPreview(*p)
	case event.GenericPayload:
		return genericPreview(p)
	case *event.GenericPayload:
		return genericPreview(*p)
	default:
		return event.GenericPayload{Details: map[string]any{"preview": "oversized payload"}}
	}
}

func llmPreview(p event.LLMPayload) event.Payload {
	out := event.LLMPayload{
		Provider: p.Provider,
		Model:    truncate(p.Model),
		Usage:    p.Usage,
	}
	if out.Usage == nil {
		// The provider returned no usage; estimate input tokens from
		// the request text so the preview still shows scale.
		if n := estimateTokens(p.Request); n > 0 {
			out.Usage = &event.Usage{InputTokens: n, TotalTokens: n}
		}
	}
	return out
}

func functionCallPreview(p event.FunctionCallPayload) event.Payload {
	out := event.FunctionCallPayload{
		FunctionName: truncate(p.FunctionName),
		ErrorType:    p.ErrorType,
	}
	if size := jsonSize(p.Arguments); size > 0 {
		out.Misc = map[string]any{"arguments_bytes": size}
	}
	return out
}

func errorPreview(p event.ErrorPayload) event.Payload {
	return event.ErrorPayload{Error: firstLine(p.Error)}
}

func genericPreview(p event.GenericPayload) event.Payload {
	keys := make([]string, 0, len(p.Details))
	for k := range p.Details {
		keys = append(keys, truncate(k))
	}
	sort.Strings(keys)
	return event.GenericPayload{Details: map[string]any{"detail_keys": keys}}
}

// estimateTokens counts cl100k tokens over the JSON form of the request.
// Returns 0 when the tokenizer is unavailable.
func estimateTokens(request any) int {
	if request == nil {
		return 0
	}
	codecOnce.Do(func() {
		codec, _ = tokenizer.Get(tokenizer.Cl100kBase)
	})
	if codec == nil {
		return 0
	}
	b, err := json.Marshal(request)
	if err != nil {
		return 0
	}
	ids, _, err := codec.Encode(string(b))
	if err != nil {
		return 0
	}
	return len(ids)
}

func jsonSize(v any) int {
	if v == nil {
		return 0
	}
	b, err := json.Marshal(v)
	if err != nil {
		return 0
	}
	return len(b)
}

func truncate(s string) string {
	if len(s) <= maxNameLen {
		return s
	}
	return s[:maxNameLen] + "..."
}

func firstLine(s string) string {
	for i := 0; i < len(s); i++ {
		if s[i] == '\n' {
			s = s[:i]
			break
		}
	}
	return truncate(s)
}
