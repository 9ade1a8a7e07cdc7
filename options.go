package tracevine

import (
	"log/slog"
	"net/http"
	"time"
)

// MaskFunc transforms string leaves of recorded arguments, results, and
// error text before they are enqueued. It must be pure and fast; it runs
// synchronously on the record path.
type MaskFunc func(string) string

// Option configures a Client at Init time.
type Option func(*initConfig)

type initConfig struct {
	configFile    string
	baseURL       string
	apiKey        string
	logger        *slog.Logger
	mask          MaskFunc
	httpClient    *http.Client
	maxQueueSize  int
	flushAt       int
	flushInterval time.Duration
	blobThreshold int
	maxRetries    int
	// maxRetriesSet distinguishes an explicit 0 from "not configured".
	maxRetriesSet   bool
	shutdownTimeout time.Duration
	stepTimeout     time.Duration
	otelService     string
	otelDebug       bool
}

// WithConfigFile loads configuration from a YAML file before applying
// TRACEVINE_* environment variables and programmatic options.
func WithConfigFile(path string) Option {
	return func(c *initConfig) { c.configFile = path }
}

// WithBaseURL overrides the collector base URL.
func WithBaseURL(url string) Option {
	return func(c *initConfig) { c.baseURL = url }
}

// WithAPIKey sets the collector API key.
func WithAPIKey(key string) Option {
	return func(c *initConfig) { c.apiKey = key }
}

// WithLogger sets the SDK's internal logger. Defaults to slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(c *initConfig) { c.logger = logger }
}

// WithMask installs a masking function applied to every string leaf of
// serialized arguments, return values, and error text.
func WithMask(mask MaskFunc) Option {
	return func(c *initConfig) { c.mask = mask }
}

// WithHTTPClient sets a custom HTTP client for collector calls.
func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *initConfig) { c.httpClient = httpClient }
}

// WithMaxQueueSize sets the delivery queue admission ceiling.
func WithMaxQueueSize(n int) Option {
	return func(c *initConfig) { c.maxQueueSize = n }
}

// WithFlushAt sets the pending count that triggers a drain.
func WithFlushAt(n int) Option {
	return func(c *initConfig) { c.flushAt = n }
}

// WithFlushInterval sets the idle flush timer.
func WithFlushInterval(d time.Duration) Option {
	return func(c *initConfig) { c.flushInterval = d }
}

// WithBlobThreshold sets the payload size, in bytes, above which the
// full payload is offloaded out of band.
func WithBlobThreshold(bytes int) Option {
	return func(c *initConfig) { c.blobThreshold = bytes }
}

// WithMaxRetries caps send attempts per event.
func WithMaxRetries(n int) Option {
	return func(c *initConfig) {
		c.maxRetries = n
		c.maxRetriesSet = true
	}
}

// WithShutdownTimeout sets the global ceiling on exit-time draining.
func WithShutdownTimeout(d time.Duration) Option {
	return func(c *initConfig) { c.shutdownTimeout = d }
}

// WithOpenTelemetryBridge installs a global TracerProvider whose span
// processor converts LLM spans (gen_ai.* attributes) from instrumented
// vendor SDKs into llm_generation events on the active session. debug
// additionally pretty-prints spans to stdout.
func WithOpenTelemetryBridge(serviceName string, debug bool) Option {
	return func(c *initConfig) {
		c.otelService = serviceName
		c.otelDebug = debug
	}
}

// SessionOption configures a session at StartSession time.
type SessionOption func(*sessionConfig)

type sessionConfig struct {
	tags      []string
	metadata  map[string]any
	autoEnd   bool
	sessionID string
}

// WithSessionTags tags the session.
func WithSessionTags(tags ...string) SessionOption {
	return func(c *sessionConfig) { c.tags = append(c.tags, tags...) }
}

// WithSessionMetadata attaches metadata to the session.
func WithSessionMetadata(md map[string]any) SessionOption {
	return func(c *sessionConfig) { c.metadata = md }
}

// WithAutoEnd controls whether the session is ended automatically on
// process exit. Enabled by default.
func WithAutoEnd(enabled bool) SessionOption {
	return func(c *sessionConfig) { c.autoEnd = enabled }
}

// WithSessionID pins the session id instead of generating one.
func WithSessionID(id string) SessionOption {
	return func(c *sessionConfig) { c.sessionID = id }
}

// WrapOption configures a single Wrap call.
type WrapOption func(*wrapConfig)

type wrapConfig struct {
	tags     []string
	metadata map[string]any
}

// WrapWithTags tags every event the wrapped function produces.
func WrapWithTags(tags ...string) WrapOption {
	return func(c *wrapConfig) { c.tags = append(c.tags, tags...) }
}

// WrapWithMetadata attaches metadata to every event the wrapped function
// produces.
func WrapWithMetadata(md map[string]any) WrapOption {
	return func(c *wrapConfig) { c.metadata = md }
}
