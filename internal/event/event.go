// Package event defines the telemetry event model and the builder that
// normalizes flexible caller input into typed payloads.
package event

import (
	"encoding/json"
	"time"
)

// Type discriminates the closed set of event payloads.
type Type string

const (
	TypeLLMGeneration  Type = "llm_generation"
	TypeFunctionCall   Type = "function_call"
	TypeErrorTraceback Type = "error_traceback"
	TypeGeneric        Type = "generic"
)

// Event is the atomic unit of telemetry. ClientEventID is generated
// client-side so parent linking never requires a round trip.
type Event struct {
	ClientEventID       string         `json:"client_event_id"`
	ParentClientEventID string         `json:"parent_client_event_id,omitempty"`
	SessionID           string         `json:"session_id"`
	Type                Type           `json:"type"`
	OccurredAt          time.Time      `json:"occurred_at"`
	Duration            time.Duration  `json:"duration,omitempty"`
	Tags                []string       `json:"tags,omitempty"`
	Metadata            map[string]any `json:"metadata,omitempty"`
	Payload             Payload        `json:"payload"`

	// NeedsBlob marks an event whose full payload exceeded the inline
	// size threshold; Payload then carries a preview and the original
	// payload travels out of band.
	NeedsBlob bool `json:"needs_blob,omitempty"`

	// Queue bookkeeping, not part of the wire payload.
	EnqueuedAt time.Time `json:"-"`
	Retries    int       `json:"-"`
}

// Payload is the type-specific body of an event.
type Payload interface {
	payloadType() Type
}

// LLMPayload describes one model generation.
type LLMPayload struct {
	Provider string         `json:"provider,omitempty"`
	Model    string         `json:"model,omitempty"`
	Request  any            `json:"request,omitempty"`
	Response any            `json:"response,omitempty"`
	Usage    *Usage         `json:"usage,omitempty"`
	Misc     map[string]any `json:"misc,omitempty"`
}

// Usage carries token accounting for a generation.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
	TotalTokens  int `json:"total_tokens"`
}

// FunctionCallPayload describes one instrumented function invocation.
type FunctionCallPayload struct {
	FunctionName string         `json:"function_name"`
	Arguments    any            `json:"arguments,omitempty"`
	ReturnValue  any            `json:"return_value,omitempty"`
	Error        string         `json:"error,omitempty"`
	ErrorType    string         `json:"error_type,omitempty"`
	Misc         map[string]any `json:"misc,omitempty"`
}

// ErrorPayload describes an error or crash.
type ErrorPayload struct {
	Error     string         `json:"error"`
	Traceback string         `json:"traceback,omitempty"`
	Misc      map[string]any `json:"misc,omitempty"`
}

// GenericPayload carries free-form details.
type GenericPayload struct {
	Details map[string]any `json:"details,omitempty"`
	Misc    map[string]any `json:"misc,omitempty"`
}

func (LLMPayload) payloadType() Type          { return TypeLLMGeneration }
func (FunctionCallPayload) payloadType() Type { return TypeFunctionCall }
func (ErrorPayload) payloadType() Type        { return TypeErrorTraceback }
func (GenericPayload) payloadType() Type      { return TypeGeneric }

// MarshalWire returns the JSON body sent to the collector. Marshaling an
// event cannot fail: payloads are built from normalized trees only.
func (e *Event) MarshalWire() []byte {
	b, err := json.Marshal(e)
	if err != nil {
		fallback, _ := json.Marshal(map[string]string{
			"client_event_id": e.ClientEventID,
			"session_id":      e.SessionID,
			"type":            string(e.Type),
			"error":           "payload marshal failed: " + err.Error(),
		})
		return fallback
	}
	return b
}

// WithPayload returns a shallow copy of e carrying a different payload.
// The queue uses this to swap in a preview without mutating the original.
func (e *Event) WithPayload(p Payload, needsBlob bool) *Event {
	cp := *e
	cp.Payload = p
	cp.NeedsBlob = needsBlob
	return &cp
}
