// Package openai instruments github.com/sashabaranov/go-openai clients:
// each chat completion call produces an llm_generation event on the
// given session, parented under the caller's ambient telemetry frame.
package openai

import (
	"context"
	"errors"
	"io"
	"sync"
	"time"

	goopenai "github.com/sashabaranov/go-openai"

	tracevine "github.com/tracevine/tracevine-go"
)

const provider = "openai"

// Client wraps a go-openai client with telemetry. Calls delegate to the
// underlying client unchanged; recording is best-effort and never
// alters results or errors.
type Client struct {
	api  *goopenai.Client
	sess *tracevine.Session
}

// WrapClient instruments api, recording onto sess.
func WrapClient(api *goopenai.Client, sess *tracevine.Session) *Client {
	return &Client{api: api, sess: sess}
}

// API returns the underlying go-openai client for calls that should not
// be recorded.
func (c *Client) API() *goopenai.Client { return c.api }

// CreateChatCompletion performs the completion and records it.
func (c *Client) CreateChatCompletion(ctx context.Context, req goopenai.ChatCompletionRequest) (goopenai.ChatCompletionResponse, error) {
	start := time.Now()
	resp, err := c.api.CreateChatCompletion(ctx, req)

	fields := map[string]any{
		"provider": provider,
		"model":    req.Model,
		"request":  requestSummary(req),
	}
	if err != nil {
		fields["error"] = err
	} else {
		fields["response"] = responseSummary(resp)
		fields["input_tokens"] = resp.Usage.PromptTokens
		fields["output_tokens"] = resp.Usage.CompletionTokens
		fields["total_tokens"] = resp.Usage.TotalTokens
		if resp.Model != "" {
			fields["model"] = resp.Model
		}
	}

	c.sess.Record(ctx, tracevine.EventParams{
		Type:     tracevine.EventLLMGeneration,
		Fields:   fields,
		Duration: time.Since(start),
	})
	return resp, err
}

// CreateChatCompletionStream starts a streaming completion. The
// generation event is recorded when the stream is exhausted or closed,
// with first-token latency in metadata and the accumulated text as the
// response.
func (c *Client) CreateChatCompletionStream(ctx context.Context, req goopenai.ChatCompletionRequest) (*ChatCompletionStream, error) {
	start := time.Now()
	inner, err := c.api.CreateChatCompletionStream(ctx, req)
	if err != nil {
		c.sess.Record(ctx, tracevine.EventParams{
			Type: tracevine.EventLLMGeneration,
			Fields: map[string]any{
				"provider": provider,
				"model":    req.Model,
				"request":  requestSummary(req),
				"error":    err,
			},
			Duration: time.Since(start),
		})
		return nil, err
	}
	return &ChatCompletionStream{
		inner: inner,
		ctx:   ctx,
		sess:  c.sess,
		req:   req,
		start: start,
	}, nil
}

// ChatCompletionStream mirrors go-openai's stream while accumulating
// chunks for the generation event.
type ChatCompletionStream struct {
	inner *goopenai.ChatCompletionStream
	ctx   context.Context
	sess  *tracevine.Session
	req   goopenai.ChatCompletionRequest
	start time.Time

	mu         sync.Mutex
	recorded   bool
	firstChunk time.Duration
	model      string
	text       []byte
	streamErr  error
}

// Recv returns the next chunk, recording the generation once the stream
// ends (io.EOF) or fails.
func (s *ChatCompletionStream) Recv() (goopenai.ChatCompletionStreamResponse, error) {
	resp, err := s.inner.Recv()

	s.mu.Lock()
	if err == nil {
		if s.firstChunk == 0 {
			s.firstChunk = time.Since(s.start)
		}
		if resp.Model != "" {
			s.model = resp.Model
		}
		for _, choice := range resp.Choices {
			s.text = append(s.text, choice.Delta.Content...)
		}
	} else if !errors.Is(err, io.EOF) {
		s.streamErr = err
	}
	s.mu.Unlock()

	if err != nil {
		s.record()
	}
	return resp, err
}

// Close closes the stream and records the generation if Recv never
// reached the end.
func (s *ChatCompletionStream) Close() error {
	err := s.inner.Close()
	s.record()
	return err
}

func (s *ChatCompletionStream) record() {
	s.mu.Lock()
	if s.recorded {
		s.mu.Unlock()
		return
	}
	s.recorded = true
	model := s.model
	if model == "" {
		model = s.req.Model
	}
	fields := map[string]any{
		"provider": provider,
		"model":    model,
		"request":  requestSummary(s.req),
		"response": string(s.text),
		"stream":   true,
	}
	if s.streamErr != nil {
		fields["error"] = s.streamErr
	}
	var md map[string]any
	if s.firstChunk > 0 {
		md = map[string]any{"first_token_latency_ms": s.firstChunk.Milliseconds()}
	}
	duration := time.Since(s.start)
	s.mu.Unlock()

	s.sess.Record(s.ctx, tracevine.EventParams{
		Type:     tracevine.EventLLMGeneration,
		Fields:   fields,
		Metadata: md,
		Duration: duration,
	})
}

// requestSummary keeps the fields worth recording from a request.
func requestSummary(req goopenai.ChatCompletionRequest) map[string]any {
	messages := make([]map[string]any, 0, len(req.Messages))
	for _, m := range req.Messages {
		messages = append(messages, map[string]any{
			"role":    m.Role,
			"content": m.Content,
		})
	}
	out := map[string]any{"messages": messages}
	if req.Temperature != 0 {
		out["temperature"] = req.Temperature
	}
	if req.MaxTokens != 0 {
		out["max_tokens"] = req.MaxTokens
	}
	return out
}

// responseSummary keeps the assistant messages from a response.
func responseSummary(resp goopenai.ChatCompletionResponse) map[string]any {
	choices := make([]map[string]any, 0, len(resp.Choices))
	for _, ch := range resp.Choices {
		choices = append(choices, map[string]any{
			"role":          ch.Message.Role,
			"content":       ch.Message.Content,
			"finish_reason": string(ch.FinishReason),
		})
	}
	return map[string]any{"choices": choices}
}
