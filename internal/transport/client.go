// Package transport implements the HTTP client for the collector API:
// event ingestion, out-of-band blob upload, and session lifecycle calls.
package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/klauspost/compress/gzip"

	"github.com/tracevine/tracevine-go/internal/event"
)

const (
	defaultBaseURL = "https://api.tracevine.dev"
	defaultTimeout = 10 * time.Second
	userAgent      = "tracevine-go"
)

// Error is a non-2xx collector response. Temporary reports whether the
// failure is worth retrying (5xx and 429); 4xx responses are permanent.
type Error struct {
	StatusCode int
	Body       string
}

func (e *Error) Error() string {
	return fmt.Sprintf("collector returned %d: %s", e.StatusCode, e.Body)
}

// Temporary reports whether a retry may succeed.
func (e *Error) Temporary() bool {
	return e.StatusCode >= 500 || e.StatusCode == http.StatusTooManyRequests
}

// ClientOption configures the client.
type ClientOption func(*Client)

// WithBaseURL sets a custom collector base URL.
func WithBaseURL(baseURL string) ClientOption {
	return func(c *Client) {
		c.baseURL = strings.TrimSuffix(baseURL, "/")
	}
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(httpClient *http.Client) ClientOption {
	return func(c *Client) {
		c.httpClient = httpClient
	}
}

// WithTimeout sets the per-call timeout on the default HTTP client.
func WithTimeout(d time.Duration) ClientOption {
	return func(c *Client) {
		c.httpClient.Timeout = d
	}
}

// Client talks to the collector API.
type Client struct {
	apiKey     string
	baseURL    string
	httpClient *http.Client
}

// NewClient creates a collector client.
func NewClient(apiKey string, opts ...ClientOption) *Client {
	c := &Client{
		apiKey:     apiKey,
		baseURL:    defaultBaseURL,
		httpClient: &http.Client{Timeout: defaultTimeout},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Ack is the collector's response to an event ingestion call. When the
// event was flagged needs_blob, BlobUploadURL names the PUT target for
// the full payload.
type Ack struct {
	BlobUploadURL string `json:"blob_upload_url,omitempty"`
}

// SendEvent posts one event. It returns the blob upload URL when the
// collector allocated one, or "" otherwise.
func (c *Client) SendEvent(ctx context.Context, ev *event.Event) (string, error) {
	var ack Ack
	if err := c.do(ctx, http.MethodPost, "/v1/events", ev.MarshalWire(), &ack); err != nil {
		return "", err
	}
	return ack.BlobUploadURL, nil
}

// UploadBlob gzip-compresses payload and PUTs it to uploadURL with
// Content-Encoding: gzip. uploadURL may be absolute or collector-relative.
func (c *Client) UploadBlob(ctx context.Context, uploadURL string, payload []byte) error {
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(payload); err != nil {
		return fmt.Errorf("compress blob: %w", err)
	}
	if err := zw.Close(); err != nil {
		return fmt.Errorf("compress blob: %w", err)
	}

	if !strings.HasPrefix(uploadURL, "http://") && !strings.HasPrefix(uploadURL, "https://") {
		uploadURL = c.baseURL + "/" + strings.TrimPrefix(uploadURL, "/")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPut, uploadURL, &buf)
	if err != nil {
		return fmt.Errorf("build blob request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Content-Encoding", "gzip")
	req.Header.Set("User-Agent", userAgent)
	c.authorize(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("upload blob: %w", err)
	}
	defer resp.Body.Close()
	return checkStatus(resp)
}

// SessionStart is the body of an init-session call.
type SessionStart struct {
	SessionID string         `json:"session_id"`
	StartedAt time.Time      `json:"started_at"`
	Tags      []string       `json:"tags,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// SessionEnd is the body of an end-session call. Reason is set on
// unsuccessful ends (crash paths).
type SessionEnd struct {
	SessionID string    `json:"session_id"`
	EndedAt   time.Time `json:"ended_at"`
	Success   bool      `json:"success"`
	Reason    string    `json:"reason,omitempty"`
}

// InitSession registers a new session with the collector.
func (c *Client) InitSession(ctx context.Context, s *SessionStart) error {
	body, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("marshal session start: %w", err)
	}
	return c.do(ctx, http.MethodPost, "/v1/sessions", body, nil)
}

// UpdateSession patches session tags/metadata.
func (c *Client) UpdateSession(ctx context.Context, id string, metadata map[string]any, tags []string) error {
	body, err := json.Marshal(map[string]any{"metadata": metadata, "tags": tags})
	if err != nil {
		return fmt.Errorf("marshal session update: %w", err)
	}
	return c.do(ctx, http.MethodPatch, "/v1/sessions/"+id, body, nil)
}

// EndSession closes a session. The collector treats repeated ends for
// the same session as no-ops, so callers may retry safely.
func (c *Client) EndSession(ctx context.Context, s *SessionEnd) error {
	body, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("marshal session end: %w", err)
	}
	return c.do(ctx, http.MethodPost, "/v1/sessions/"+s.SessionID+"/end", body, nil)
}

func (c *Client) do(ctx context.Context, method, path string, body []byte, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", userAgent)
	c.authorize(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if err := checkStatus(resp); err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		if err == io.EOF {
			return nil
		}
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func (c *Client) authorize(req *http.Request) {
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
}

func checkStatus(resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	return &Error{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(b))}
}
