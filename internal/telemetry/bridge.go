// Package telemetry bridges OpenTelemetry spans emitted by instrumented
// vendor SDKs into tracevine events. Spans carrying gen_ai semantic
// attributes become llm_generation events attributed to the telemetry
// frame that was ambient when the span started, even when the span ends
// on a different goroutine.
package telemetry

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"go.opentelemetry.io/otel/trace"

	"github.com/tracevine/tracevine-go/internal/propagate"
)

// Semantic attribute keys recognized on vendor spans.
const (
	attrSystem       = "gen_ai.system"
	attrRequestModel = "gen_ai.request.model"
	attrInputTokens  = "gen_ai.usage.input_tokens"
	attrOutputTokens = "gen_ai.usage.output_tokens"
)

// SpanRecord is the digested form of one finished LLM span.
type SpanRecord struct {
	// Frame is the telemetry frame that was ambient when the span
	// started; its EventID is the logical parent of the generation.
	Frame propagate.Frame

	SpanName   string
	StartedAt  time.Time
	Duration   time.Duration
	Provider   string
	Model      string
	HasUsage   bool
	InputToks  int
	OutputToks int
}

// Recorder turns span records into enqueued events. The SDK client
// implements it by routing to the active session's builder and queue.
type Recorder interface {
	RecordSpan(rec SpanRecord)
}

// SpanBridge is an OpenTelemetry span processor that converts LLM spans
// into events. Register it on a TracerProvider alongside any exporters
// the host application already uses.
type SpanBridge struct {
	recorder Recorder
	logger   *slog.Logger

	// frames remembers, per span, the telemetry frame ambient at span
	// start so OnEnd can attribute the event after the goroutine hop.
	frames sync.Map // trace.SpanID -> propagate.Frame
}

// NewSpanBridge creates a bridge emitting through recorder.
func NewSpanBridge(recorder Recorder, logger *slog.Logger) *SpanBridge {
	if logger == nil {
		logger = slog.Default()
	}
	return &SpanBridge{recorder: recorder, logger: logger}
}

var _ sdktrace.SpanProcessor = (*SpanBridge)(nil)

// OnStart captures the ambient telemetry frame for later attribution.
func (b *SpanBridge) OnStart(parent context.Context, s sdktrace.ReadWriteSpan) {
	if frame, ok := propagate.FromContext(parent); ok {
		b.frames.Store(s.SpanContext().SpanID(), frame)
	}
}

// OnEnd converts LLM spans into span records. Non-LLM spans are ignored.
func (b *SpanBridge) OnEnd(s sdktrace.ReadOnlySpan) {
	spanID := s.SpanContext().SpanID()
	var frame propagate.Frame
	if v, ok := b.frames.LoadAndDelete(spanID); ok {
		frame, _ = v.(propagate.Frame)
	}

	attrs := indexAttributes(s.Attributes())
	system, ok := attrs[attrSystem]
	if !ok {
		return
	}

	rec := SpanRecord{
		Frame:     frame,
		SpanName:  s.Name(),
		StartedAt: s.StartTime().UTC(),
		Duration:  s.EndTime().Sub(s.StartTime()),
		Provider:  system.AsString(),
	}
	if v, ok := attrs[attrRequestModel]; ok {
		rec.Model = v.AsString()
	}
	if v, ok := attrs[attrInputTokens]; ok {
		rec.InputToks = int(v.AsInt64())
		rec.HasUsage = true
	}
	if v, ok := attrs[attrOutputTokens]; ok {
		rec.OutputToks = int(v.AsInt64())
		rec.HasUsage = true
	}

	b.recorder.RecordSpan(rec)
}

// Shutdown drops any frames still tracked for unfinished spans.
func (b *SpanBridge) Shutdown(ctx context.Context) error {
	b.frames.Range(func(k, _ any) bool {
		b.frames.Delete(k)
		return true
	})
	return nil
}

// ForceFlush is a no-op; events flow through the delivery queue.
func (b *SpanBridge) ForceFlush(ctx context.Context) error { return nil }

func indexAttributes(kvs []attribute.KeyValue) map[string]attribute.Value {
	out := make(map[string]attribute.Value, len(kvs))
	for _, kv := range kvs {
		out[string(kv.Key)] = kv.Value
	}
	return out
}

// Setup installs a TracerProvider carrying the bridge and returns its
// shutdown function. With debug enabled, spans are also pretty-printed
// to stdout through the stdouttrace exporter.
func Setup(serviceName string, bridge *SpanBridge, debug bool, logger *slog.Logger) (func(context.Context) error, error) {
	if logger == nil {
		logger = slog.Default()
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			"",
			semconv.ServiceName(serviceName),
		),
	)
	if err != nil {
		return nil, err
	}

	opts := []sdktrace.TracerProviderOption{
		sdktrace.WithResource(res),
		sdktrace.WithSpanProcessor(bridge),
	}
	if debug {
		exporter, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
		if err != nil {
			return nil, err
		}
		opts = append(opts, sdktrace.WithBatcher(exporter))
	}

	tp := sdktrace.NewTracerProvider(opts...)
	otel.SetTracerProvider(tp)

	logger.Info("telemetry bridge installed", slog.String("service", serviceName))
	return tp.Shutdown, nil
}

// Tracer returns a tracer from the installed provider for callers that
// want to emit their own spans through the bridge.
func Tracer(name string) trace.Tracer {
	return otel.Tracer(name)
}
