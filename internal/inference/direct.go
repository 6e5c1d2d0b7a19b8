package inference

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	boff "github.com/Andrej220/go-utils/backoff"
	"github.com/cloudwego/eino-ext/components/model/openai"
	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"

	"github.com/me/re3/internal/logging"
)

// DirectBackend runs each request on its own goroutine through a Sender.
type DirectBackend struct {
	sender Sender
}

// NewDirectBackend wraps s.
func NewDirectBackend(s Sender) *DirectBackend {
	return &DirectBackend{sender: s}
}

// Name returns "direct".
func (b *DirectBackend) Name() string { return "direct" }

// Dispatch starts the request and returns immediately.
func (b *DirectBackend) Dispatch(ctx context.Context, req Request) (Operation, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	runCtx, cancel := detach(ctx, req.Timeout)
	op := newAsyncOp(nil)
	go func() {
		defer cancel()
		op.finish(b.sender.Send(runCtx, req))
	}()
	return op, nil
}

// ChatConfig configures the OpenAI-compatible chat endpoint.
type ChatConfig struct {
	BaseURL   string
	APIKey    string
	Model     string
	MaxTokens int
}

// ChatSender sends prompts to an OpenAI-compatible chat completion endpoint
// through an eino chat model.
type ChatSender struct {
	model model.BaseChatModel
}

// NewChatSender builds the eino OpenAI chat model for cfg.
func NewChatSender(ctx context.Context, cfg ChatConfig) (*ChatSender, error) {
	maxTokens := cfg.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 2048
	}
	cm, err := openai.NewChatModel(ctx, &openai.ChatModelConfig{
		BaseURL:   cfg.BaseURL,
		APIKey:    cfg.APIKey,
		Model:     cfg.Model,
		MaxTokens: &maxTokens,
	})
	if err != nil {
		return nil, fmt.Errorf("create chat model: %w", err)
	}
	return &ChatSender{model: cm}, nil
}

// NewChatSenderFromModel wraps an existing chat model.
func NewChatSenderFromModel(m model.BaseChatModel) *ChatSender {
	return &ChatSender{model: m}
}

// Send implements Sender.
func (s *ChatSender) Send(ctx context.Context, req Request) Response {
	msgs := make([]*schema.Message, 0, 2)
	if req.SystemPrompt != "" {
		msgs = append(msgs, schema.SystemMessage(req.SystemPrompt))
	}
	msgs = append(msgs, schema.UserMessage(req.Prompt))

	start := time.Now()
	out, err := s.model.Generate(ctx, msgs, model.WithTemperature(req.Temperature))
	latency := time.Since(start)
	if err != nil {
		return Response{Latency: latency, Err: fmt.Errorf("chat completion: %w", err)}
	}
	if out == nil || strings.TrimSpace(out.Content) == "" {
		return Response{Latency: latency, Err: ErrEmptyResponse}
	}
	return Response{Text: strings.TrimSpace(out.Content), Latency: latency}
}

// RetrySender retries failed sends with jittered exponential backoff.
// Latency of the returned response covers every attempt.
type RetrySender struct {
	next     Sender
	attempts int
	initial  time.Duration
	max      time.Duration
	logger   *slog.Logger
}

// NewRetrySender wraps next. attempts < 1 is treated as 1.
func NewRetrySender(next Sender, attempts int, initial, maxDelay time.Duration, logger *slog.Logger) *RetrySender {
	return &RetrySender{
		next:     next,
		attempts: max(1, attempts),
		initial:  initial,
		max:      maxDelay,
		logger:   logging.Component(logger, "inference"),
	}
}

// Send implements Sender.
func (r *RetrySender) Send(ctx context.Context, req Request) Response {
	bo := boff.New(r.initial, r.max, time.Now().UnixNano())
	start := time.Now()
	var resp Response
	for attempt := 1; attempt <= r.attempts; attempt++ {
		resp = r.next.Send(ctx, req)
		if resp.Err == nil || attempt == r.attempts {
			break
		}
		delay := bo.Next()
		r.logger.Warn("send failed; backing off", "attempt", attempt, "sleep", delay, "error", resp.Err)
		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			resp.Latency = time.Since(start)
			return resp
		}
	}
	resp.Latency = time.Since(start)
	return resp
}
