// Package assistant orchestrates one operator instruction end to end: rate
// limiting, the model exchange, tool dispatch, and the bounded follow-up
// loop that feeds tool results back to the model until it produces a final
// reply.
package assistant

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/merchkit/clerkd/internal/observe"
	"github.com/merchkit/clerkd/internal/tooling"
	"github.com/merchkit/clerkd/pkg/ai"
	"github.com/merchkit/clerkd/pkg/ai/openai"
)

const (
	defaultMaxToolRounds = 8

	defaultSystemPrompt = "You are a storefront operations assistant. " +
		"Use the available tools to answer questions about orders, products and customers. " +
		"For refunds and stock changes, always prepare first, show the preview, and confirm only when the operator approves."
)

// Gateway is the model client surface the assistant drives. Implemented by
// the openai client.
type Gateway interface {
	Complete(ctx context.Context, req ai.ChatRequest) (*ai.ChatResponse, error)
}

// Limiter is the admission-control surface. Implemented by ratelimit.Limiter.
type Limiter interface {
	CheckAndIncrement(ctx context.Context, userID string) bool
	RetryAfter(ctx context.Context, userID string) time.Duration
}

// RateLimitedError reports a rejected instruction with a wait hint.
type RateLimitedError struct {
	UserID     string
	RetryAfter time.Duration
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("assistant: user %q is rate limited, retry after %s", e.UserID, e.RetryAfter)
}

// Reply is the assembled outcome of one instruction.
type Reply struct {
	// Content is the model's final textual answer.
	Content string

	// Usage aggregates token usage over every round of the exchange.
	Usage ai.Usage

	// Truncated is set when any round hit a streaming memory cap.
	Truncated bool

	// ToolRounds is how many tool-dispatch rounds ran before the final reply.
	ToolRounds int
}

// Assistant wires the gateway, the tool dispatcher and the limiter into the
// instruction loop. Safe for concurrent use.
type Assistant struct {
	gateway Gateway
	tools   *tooling.Dispatcher
	limiter Limiter

	mu            sync.RWMutex
	systemPrompt  string
	maxToolRounds int

	stream  bool
	log     *slog.Logger
	metrics *observe.Metrics
}

// Option is a functional option for [New].
type Option func(*Assistant)

// WithSystemPrompt replaces the default system prompt.
func WithSystemPrompt(prompt string) Option {
	return func(a *Assistant) { a.systemPrompt = prompt }
}

// WithMaxToolRounds bounds how many tool-dispatch rounds one instruction may
// trigger before the exchange is aborted.
func WithMaxToolRounds(n int) Option {
	return func(a *Assistant) { a.maxToolRounds = n }
}

// WithStreaming makes every model exchange use the streamed transport.
func WithStreaming(on bool) Option {
	return func(a *Assistant) { a.stream = on }
}

// WithLimiter installs admission control. Without it every instruction is
// admitted.
func WithLimiter(l Limiter) Option {
	return func(a *Assistant) { a.limiter = l }
}

// WithLogger replaces the default logger.
func WithLogger(log *slog.Logger) Option {
	return func(a *Assistant) { a.log = log }
}

// WithMetrics overrides the metrics instance, mainly so tests can collect
// through a manual reader.
func WithMetrics(m *observe.Metrics) Option {
	return func(a *Assistant) {
		if m != nil {
			a.metrics = m
		}
	}
}

// New creates an [Assistant] over the given gateway and tool dispatcher.
func New(gateway Gateway, tools *tooling.Dispatcher, opts ...Option) *Assistant {
	a := &Assistant{
		gateway:       gateway,
		tools:         tools,
		systemPrompt:  defaultSystemPrompt,
		maxToolRounds: defaultMaxToolRounds,
		log:           slog.Default(),
		metrics:       observe.DefaultMetrics(),
	}
	for _, o := range opts {
		o(a)
	}
	return a
}

// Reconfigure swaps the system prompt and tool round budget applied to
// subsequent instructions. An empty prompt or non-positive round budget
// falls back to the defaults. Instructions already in flight keep the
// settings they started with.
func (a *Assistant) Reconfigure(systemPrompt string, maxToolRounds int) {
	if systemPrompt == "" {
		systemPrompt = defaultSystemPrompt
	}
	if maxToolRounds <= 0 {
		maxToolRounds = defaultMaxToolRounds
	}
	a.mu.Lock()
	a.systemPrompt = systemPrompt
	a.maxToolRounds = maxToolRounds
	a.mu.Unlock()
}

// settings returns a consistent snapshot of the reconfigurable fields.
func (a *Assistant) settings() (string, int) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.systemPrompt, a.maxToolRounds
}

// Instruct runs one operator instruction to completion. Tool calls proposed
// by the model are dispatched and their results fed back until the model
// answers in text or the round budget runs out.
func (a *Assistant) Instruct(ctx context.Context, userID, instruction string) (*Reply, error) {
	if instruction == "" {
		return nil, errors.New("assistant: instruction must not be empty")
	}

	if a.limiter != nil && !a.limiter.CheckAndIncrement(ctx, userID) {
		retryAfter := a.limiter.RetryAfter(ctx, userID)
		a.log.Info("instruction rejected by rate limiter",
			"user_id", userID,
			"retry_after", retryAfter)
		return nil, &RateLimitedError{UserID: userID, RetryAfter: retryAfter}
	}

	systemPrompt, maxToolRounds := a.settings()
	messages := []ai.Message{
		{Role: "system", Content: systemPrompt},
		{Role: "user", Content: instruction},
	}
	defs := a.tools.Definitions()

	var usage ai.Usage
	truncated := false

	for round := 0; ; round++ {
		resp, err := a.exchange(ctx, ai.ChatRequest{
			Messages: messages,
			Tools:    defs,
			Stream:   a.stream,
		})
		if err != nil {
			return nil, err
		}
		usage = addUsage(usage, resp.Usage)
		truncated = truncated || resp.Truncated

		if len(resp.ToolCalls) == 0 {
			return &Reply{
				Content:    resp.Content,
				Usage:      usage,
				Truncated:  truncated,
				ToolRounds: round,
			}, nil
		}

		if round >= maxToolRounds {
			a.log.Warn("tool round budget exhausted",
				"user_id", userID,
				"rounds", round,
				"pending_calls", len(resp.ToolCalls))
			return nil, fmt.Errorf("assistant: instruction exceeded %d tool rounds", maxToolRounds)
		}

		messages = append(messages, ai.Message{
			Role:      "assistant",
			Content:   resp.Content,
			ToolCalls: resp.ToolCalls,
		})
		for _, p := range resp.ToolCalls {
			result := a.tools.DispatchProposal(ctx, p)
			a.log.Debug("tool dispatched",
				"user_id", userID,
				"tool", p.Name,
				"call_id", p.ID)
			messages = append(messages, ai.Message{
				Role:       "tool",
				Content:    result,
				ToolCallID: p.ID,
			})
		}
	}
}

// exchange runs one provider round, recording its latency and outcome.
func (a *Assistant) exchange(ctx context.Context, req ai.ChatRequest) (*ai.ChatResponse, error) {
	start := time.Now()
	resp, err := a.gateway.Complete(ctx, req)
	a.metrics.LLMDuration.Record(ctx, time.Since(start).Seconds())
	if err != nil {
		code := "unknown"
		var pe *openai.Error
		if errors.As(err, &pe) {
			code = pe.Code
		}
		a.metrics.RecordProviderError(ctx, code)
		return nil, err
	}
	a.metrics.RecordProviderRequest(ctx, resp.Model, "ok")
	return resp, nil
}

// addUsage sums per-round usage. One estimated round makes the whole
// aggregate estimated.
func addUsage(total, round ai.Usage) ai.Usage {
	if total.Source == "" {
		total.Source = round.Source
	} else if round.Source == ai.UsageEstimated {
		total.Source = ai.UsageEstimated
	}
	total.PromptTokens += round.PromptTokens
	total.CompletionTokens += round.CompletionTokens
	total.TotalTokens += round.TotalTokens
	return total
}
