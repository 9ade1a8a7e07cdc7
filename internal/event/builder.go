package event

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/tracevine/tracevine-go/internal/serialize"
)

// Params is the flexible input accepted by Build. Callers either set an
// explicit Type with a pre-built Payload (strict path) or supply named
// Fields and let the builder classify them (convenience path).
type Params struct {
	Type    Type
	Payload Payload
	// EventID pins the client event id; callers that must know the id
	// before the event is built (to parent children under it) generate
	// one up front. Empty means the builder assigns a fresh UUID.
	EventID  string
	ParentID string
	Duration time.Duration
	Tags     []string
	Metadata map[string]any
	Fields   map[string]any
}

// fieldAliases maps accepted field-name variants to canonical names.
// Normalization happens before classification so inference only ever
// inspects canonical keys.
var fieldAliases = map[string]string{
	"prompt_tokens":     "input_tokens",
	"completion_tokens": "output_tokens",
	"input_token_count": "input_tokens",
	"func":              "function_name",
	"function":          "function_name",
	"name":              "function_name",
	"args":              "arguments",
	"params":            "arguments",
	"result":            "return_value",
	"returns":           "return_value",
	"output":            "return_value",
	"exception":         "error",
	"err":               "error",
	"stack":             "traceback",
	"stacktrace":        "traceback",
	"stack_trace":       "traceback",
	"completion":        "response",
	"prompt":            "request",
	"messages":          "request",
	"llm_provider":      "provider",
}

// Builder constructs normalized events for one session. All string
// leaves pass through the configured mask before they are stored.
type Builder struct {
	sessionID string
	mask      serialize.MaskFunc
}

// NewBuilder returns a builder stamping events with sessionID. mask may
// be nil.
func NewBuilder(sessionID string, mask serialize.MaskFunc) *Builder {
	return &Builder{sessionID: sessionID, mask: mask}
}

// Build normalizes p into a typed event. It cannot fail: every input
// shape has a defined representation.
func (b *Builder) Build(p Params) *Event {
	id := p.EventID
	if id == "" {
		id = uuid.NewString()
	}
	ev := &Event{
		ClientEventID:       id,
		ParentClientEventID: p.ParentID,
		SessionID:           b.sessionID,
		OccurredAt:          time.Now().UTC(),
		Duration:            p.Duration,
		Tags:                p.Tags,
		Metadata:            p.Metadata,
	}

	// Strict path: caller supplied a typed payload.
	if p.Payload != nil {
		ev.Payload = p.Payload
		ev.Type = p.Payload.payloadType()
		if p.Type != "" {
			ev.Type = p.Type
		}
		return ev
	}

	fields := canonicalize(p.Fields)
	t := p.Type
	if t == "" {
		t = inferType(fields)
	}
	ev.Type = t

	switch t {
	case TypeLLMGeneration:
		ev.Payload = b.buildLLM(fields)
	case TypeFunctionCall:
		ev.Payload = b.buildFunctionCall(fields)
	case TypeErrorTraceback:
		ev.Payload = b.buildError(fields)
	default:
		ev.Type = TypeGeneric
		ev.Payload = b.buildGeneric(fields)
	}
	return ev
}

// canonicalize rewrites aliased field names. On collision the canonical
// name wins.
func canonicalize(fields map[string]any) map[string]any {
	if len(fields) == 0 {
		return nil
	}
	out := make(map[string]any, len(fields))
	for k, v := range fields {
		canonical, ok := fieldAliases[k]
		if !ok {
			canonical = k
		}
		if _, exists := out[canonical]; exists && ok {
			continue
		}
		out[canonical] = v
	}
	return out
}

// inferType classifies a field bag when no explicit type was given.
// Priority order: LLM markers, then function-call markers, then error
// markers, then generic.
func inferType(fields map[string]any) Type {
	_, hasErr := fields["error"]
	switch {
	case hasAny(fields, "provider", "model", "request", "input_tokens", "output_tokens", "usage"):
		return TypeLLMGeneration
	case hasAny(fields, "function_name") || (!hasErr && hasAny(fields, "arguments")):
		return TypeFunctionCall
	case hasErr || hasAny(fields, "traceback"):
		return TypeErrorTraceback
	default:
		return TypeGeneric
	}
}

func hasAny(fields map[string]any, keys ...string) bool {
	for _, k := range keys {
		if _, ok := fields[k]; ok {
			return true
		}
	}
	return false
}

func (b *Builder) buildLLM(fields map[string]any) LLMPayload {
	p := LLMPayload{}
	misc := make(map[string]any)
	usage := Usage{}
	haveUsage := false
	for k, v := range fields {
		switch k {
		case "provider":
			p.Provider = b.str(v)
		case "model":
			p.Model = b.str(v)
		case "request":
			p.Request = serialize.Normalize(v, b.mask)
		case "response":
			p.Response = serialize.Normalize(v, b.mask)
		case "input_tokens":
			usage.InputTokens = toInt(v)
			haveUsage = true
		case "output_tokens":
			usage.OutputTokens = toInt(v)
			haveUsage = true
		case "total_tokens":
			usage.TotalTokens = toInt(v)
			haveUsage = true
		case "usage":
			if u, ok := v.(Usage); ok {
				usage = u
				haveUsage = true
			} else if u, ok := v.(*Usage); ok && u != nil {
				usage = *u
				haveUsage = true
			} else {
				misc[k] = serialize.Normalize(v, b.mask)
			}
		default:
			misc[k] = serialize.Normalize(v, b.mask)
		}
	}
	if haveUsage {
		if usage.TotalTokens == 0 {
			usage.TotalTokens = usage.InputTokens + usage.OutputTokens
		}
		p.Usage = &usage
	}
	if len(misc) > 0 {
		p.Misc = misc
	}
	return p
}

func (b *Builder) buildFunctionCall(fields map[string]any) FunctionCallPayload {
	p := FunctionCallPayload{}
	misc := make(map[string]any)
	for k, v := range fields {
		switch k {
		case "function_name":
			p.FunctionName = b.str(v)
		case "arguments":
			p.Arguments = serialize.Normalize(v, b.mask)
		case "return_value":
			p.ReturnValue = serialize.Normalize(v, b.mask)
		case "error":
			p.Error = b.errStr(v)
		case "error_type":
			p.ErrorType = b.str(v)
		default:
			misc[k] = serialize.Normalize(v, b.mask)
		}
	}
	if len(misc) > 0 {
		p.Misc = misc
	}
	return p
}

func (b *Builder) buildError(fields map[string]any) ErrorPayload {
	p := ErrorPayload{}
	misc := make(map[string]any)
	for k, v := range fields {
		switch k {
		case "error":
			p.Error = b.errStr(v)
		case "traceback":
			p.Traceback = b.str(v)
		default:
			misc[k] = serialize.Normalize(v, b.mask)
		}
	}
	if len(misc) > 0 {
		p.Misc = misc
	}
	return p
}

func (b *Builder) buildGeneric(fields map[string]any) GenericPayload {
	p := GenericPayload{}
	if len(fields) > 0 {
		details := make(map[string]any, len(fields))
		for k, v := range fields {
			details[k] = serialize.Normalize(v, b.mask)
		}
		p.Details = details
	}
	return p
}

// str renders v as a masked, length-capped string.
func (b *Builder) str(v any) string {
	out := serialize.Normalize(v, b.mask)
	if s, ok := out.(string); ok {
		return s
	}
	return serialize.Truncate(stringify(out))
}

// errStr renders an error value, preferring structured error text over a
// plain string coercion.
func (b *Builder) errStr(v any) string {
	if err, ok := v.(error); ok {
		return serialize.NormalizeError(err, b.mask)
	}
	return b.str(v)
}

func stringify(v any) string {
	if v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	return string(raw)
}

func toInt(v any) int {
	switch n := v.(type) {
	case int:
		return n
	case int32:
		return int(n)
	case int64:
		return int(n)
	case uint:
		return int(n)
	case uint64:
		return int(n)
	case float64:
		return int(n)
	case float32:
		return int(n)
	}
	return 0
}
