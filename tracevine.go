package tracevine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/tracevine/tracevine-go/internal/config"
	"github.com/tracevine/tracevine-go/internal/event"
	"github.com/tracevine/tracevine-go/internal/lifecycle"
	"github.com/tracevine/tracevine-go/internal/queue"
	"github.com/tracevine/tracevine-go/internal/serialize"
	"github.com/tracevine/tracevine-go/internal/telemetry"
	"github.com/tracevine/tracevine-go/internal/transport"
)

// Client is the SDK runtime handle. It owns the delivery queue, the
// collector transport, and the shutdown coordinator, and is the factory
// for sessions. Construct one with Init; all process-wide state lives on
// the client rather than in package globals.
type Client struct {
	cfg         *config.Config
	logger      *slog.Logger
	transport   *transport.Client
	queue       *queue.Queue
	coordinator *lifecycle.Coordinator
	mask        serialize.MaskFunc

	// active is the session span-bridge events attach to: the most
	// recently started session that has not ended.
	active atomic.Pointer[Session]

	mu     sync.Mutex
	closed bool
}

var (
	defaultMu     sync.Mutex
	defaultClient *Client
)

// Default returns the client created by the first successful Init, or
// nil before any Init.
func Default() *Client {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	return defaultClient
}

// Init creates a Client. Configuration is layered: built-in defaults,
// then the optional YAML config file, then TRACEVINE_* environment
// variables, then programmatic options. The first successful Init also
// becomes the package default returned by Default.
func Init(opts ...Option) (*Client, error) {
	var ic initConfig
	for _, opt := range opts {
		opt(&ic)
	}

	cfg, err := config.Load(ic.configFile)
	if err != nil {
		return nil, fmt.Errorf("tracevine: %w", err)
	}
	applyOverrides(cfg, &ic)
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("tracevine: %w", err)
	}

	logger := ic.logger
	if logger == nil {
		logger = slog.Default()
	}

	transportOpts := []transport.ClientOption{
		transport.WithBaseURL(cfg.Collector.BaseURL),
		transport.WithTimeout(cfg.Collector.Timeout),
	}
	if ic.httpClient != nil {
		transportOpts = append(transportOpts, transport.WithHTTPClient(ic.httpClient))
	}
	tc := transport.NewClient(cfg.Collector.APIKey, transportOpts...)

	q := queue.New(tc, queue.Config{
		MaxSize:       cfg.Queue.MaxSize,
		FlushAt:       cfg.Queue.FlushAt,
		FlushInterval: cfg.Queue.FlushInterval,
		BlobThreshold: cfg.Queue.BlobThreshold,
		MaxRetries:    cfg.Queue.MaxRetries,
	}, queue.WithLogger(logger))

	coord := lifecycle.Default()
	coord.Configure(cfg.Shutdown.Timeout, cfg.Shutdown.StepTimeout, logger)

	c := &Client{
		cfg:         cfg,
		logger:      logger,
		transport:   tc,
		queue:       q,
		coordinator: coord,
		mask:        serialize.MaskFunc(ic.mask),
	}

	coord.RegisterShared("delivery queue", q.Close)

	if ic.otelService != "" {
		bridge := telemetry.NewSpanBridge(c, logger)
		stop, err := telemetry.Setup(ic.otelService, bridge, ic.otelDebug, logger)
		if err != nil {
			return nil, fmt.Errorf("tracevine: setup telemetry bridge: %w", err)
		}
		coord.RegisterShared("telemetry provider", stop)
	}

	defaultMu.Lock()
	if defaultClient == nil {
		defaultClient = c
	}
	defaultMu.Unlock()

	logger.Info("tracevine initialized",
		slog.String("collector", cfg.Collector.BaseURL),
		slog.Int("queue_max_size", cfg.Queue.MaxSize),
		slog.Int("flush_at", cfg.Queue.FlushAt))
	return c, nil
}

func applyOverrides(cfg *config.Config, ic *initConfig) {
	if ic.baseURL != "" {
		cfg.Collector.BaseURL = ic.baseURL
	}
	if ic.apiKey != "" {
		cfg.Collector.APIKey = ic.apiKey
	}
	if ic.maxQueueSize > 0 {
		cfg.Queue.MaxSize = ic.maxQueueSize
	}
	if ic.flushAt > 0 {
		cfg.Queue.FlushAt = ic.flushAt
	}
	if ic.flushInterval > 0 {
		cfg.Queue.FlushInterval = ic.flushInterval
	}
	if ic.blobThreshold > 0 {
		cfg.Queue.BlobThreshold = ic.blobThreshold
	}
	if ic.maxRetriesSet {
		cfg.Queue.MaxRetries = ic.maxRetries
	}
	if ic.shutdownTimeout > 0 {
		cfg.Shutdown.Timeout = ic.shutdownTimeout
	}
	if ic.stepTimeout > 0 {
		cfg.Shutdown.StepTimeout = ic.stepTimeout
	}
}

// Flush synchronously drains the delivery queue. Concurrent flushes
// coalesce into one.
func (c *Client) Flush(ctx context.Context) error {
	return c.queue.ForceFlush(ctx)
}

// Shutdown ends all auto-end sessions, drains the queue, and tears down
// shared resources. Safe to call more than once.
func (c *Client) Shutdown(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	c.coordinator.Terminate(ctx, "")
	return nil
}

// CrashGuard is meant to be deferred at the top of main: on panic it
// records a crash event, drains telemetry, ends sessions as
// unsuccessful, and re-raises the panic.
//
//	defer client.CrashGuard()
func (c *Client) CrashGuard() {
	r := recover()
	if r == nil {
		return
	}
	c.coordinator.HandleCrash(r)
	panic(r)
}

// RecordSpan implements the telemetry bridge's Recorder: LLM spans from
// instrumented vendor SDKs become llm_generation events on the active
// session. With no active session the span is dropped and logged.
func (c *Client) RecordSpan(rec telemetry.SpanRecord) {
	sess := c.active.Load()
	if sess == nil || !sess.Active() {
		c.logger.Debug("span dropped: no active session",
			slog.String("span", rec.SpanName))
		return
	}
	sess.recordSpan(rec)
}

// enqueue hands a built event to the delivery queue.
func (c *Client) enqueue(ev *event.Event) string {
	return c.queue.Enqueue(ev)
}
