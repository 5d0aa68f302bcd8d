// Package openai implements the AI gateway client over the OpenAI-compatible
// chat-completion HTTP contract.
//
// The client owns request construction (tool normalization, strict mode,
// usage options), transport outcome classification for the retry executor,
// response parsing in both buffered and streamed form, and usage
// reconciliation. Streamed responses are consumed to completion under strict
// memory bounds before a single [ai.ChatResponse] is returned; an over-sized
// or adversarial stream degrades to a truncated response instead of failing.
//
// All error text leaving this package is credential-redacted.
package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/merchkit/clerkd/internal/retry"
	"github.com/merchkit/clerkd/pkg/ai"
)

const (
	defaultBaseURL = "https://api.openai.com/v1"
	defaultTimeout = 60 * time.Second

	// Per-request timeouts are clamped to a sane floor and ceiling.
	minTimeout = 5 * time.Second
	maxTimeout = 5 * time.Minute

	// errorBodyLimit bounds how much of a non-2xx body is read for the
	// error message.
	errorBodyLimit = 64 * 1024
)

// Error codes for [Error.Code].
const (
	// ErrCodeTransport marks network-level failures (dial, reset, timeout).
	ErrCodeTransport = "transport_error"

	// ErrCodeRateLimited marks 429 responses.
	ErrCodeRateLimited = "rate_limited"

	// ErrCodeServer marks 5xx responses.
	ErrCodeServer = "server_error"

	// ErrCodeClient marks non-429 4xx responses. Never retried.
	ErrCodeClient = "client_error"

	// ErrCodeParse marks a malformed provider response body.
	ErrCodeParse = "parse_failed"
)

// Error is a classified, credential-redacted provider failure.
type Error struct {
	// StatusCode is the HTTP status, 0 for transport and parse failures.
	StatusCode int

	// Code is one of the ErrCode* constants.
	Code string

	// Message is a human-readable, redacted description.
	Message string

	// RetryAfter is the provider's wait hint, 0 when absent.
	RetryAfter time.Duration
}

func (e *Error) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("openai: %s (status %d): %s", e.Code, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("openai: %s: %s", e.Code, e.Message)
}

// RetryAfterHint returns the provider wait hint for the retry executor.
func (e *Error) RetryAfterHint() time.Duration { return e.RetryAfter }

// StreamLimits bounds the memory a single streamed response may consume.
// Once a cap is hit further bytes for that field are silently dropped; the
// stream keeps being consumed and the response is marked truncated.
type StreamLimits struct {
	// MaxContentBytes caps accumulated text content. Default: 512 KiB.
	MaxContentBytes int

	// MaxToolCalls caps the number of merged tool calls. Default: 32.
	MaxToolCalls int

	// MaxToolCallArgBytes caps each call's accumulated argument JSON.
	// Default: 64 KiB.
	MaxToolCallArgBytes int

	// RawChunkLog is how many recent raw event payloads are retained for
	// debug logging. Default: 16.
	RawChunkLog int
}

// withDefaults fills zero fields.
func (l StreamLimits) withDefaults() StreamLimits {
	if l.MaxContentBytes <= 0 {
		l.MaxContentBytes = 512 * 1024
	}
	if l.MaxToolCalls <= 0 {
		l.MaxToolCalls = 32
	}
	if l.MaxToolCallArgBytes <= 0 {
		l.MaxToolCallArgBytes = 64 * 1024
	}
	if l.RawChunkLog <= 0 {
		l.RawChunkLog = 16
	}
	return l
}

// Client talks to an OpenAI-compatible chat-completion endpoint. It holds no
// request-scoped state and is safe for concurrent use.
type Client struct {
	apiKey  string
	baseURL string
	model   string

	httpClient *http.Client
	exec       *retry.Executor
	limits     StreamLimits
	log        *slog.Logger
}

// Option is a functional option for [New].
type Option func(*Client)

// WithBaseURL overrides the default API base URL.
func WithBaseURL(url string) Option {
	return func(c *Client) { c.baseURL = url }
}

// WithTimeout sets the per-request HTTP timeout, clamped to [5s, 5m].
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d < minTimeout {
			d = minTimeout
		}
		if d > maxTimeout {
			d = maxTimeout
		}
		c.httpClient.Timeout = d
	}
}

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithExecutor replaces the default retry executor.
func WithExecutor(ex *retry.Executor) Option {
	return func(c *Client) { c.exec = ex }
}

// WithStreamLimits overrides the streaming accumulator caps.
func WithStreamLimits(l StreamLimits) Option {
	return func(c *Client) { c.limits = l }
}

// WithLogger replaces the default logger.
func WithLogger(log *slog.Logger) Option {
	return func(c *Client) { c.log = log }
}

// New constructs a gateway [Client]. apiKey and model must be non-empty.
func New(apiKey, model string, opts ...Option) (*Client, error) {
	if apiKey == "" {
		return nil, errors.New("openai: apiKey must not be empty")
	}
	if model == "" {
		return nil, errors.New("openai: model must not be empty")
	}
	c := &Client{
		apiKey:     apiKey,
		baseURL:    defaultBaseURL,
		model:      model,
		httpClient: &http.Client{Timeout: defaultTimeout},
		exec:       retry.NewExecutor(retry.DefaultPolicy()),
		limits:     StreamLimits{},
		log:        slog.Default(),
	}
	for _, o := range opts {
		o(c)
	}
	c.limits = c.limits.withDefaults()
	return c, nil
}

// callResult is the classified outcome of one transport attempt, as seen by
// the retry policy: either a parsed success or a status-coded failure value.
type callResult struct {
	status int
	header http.Header
	body   []byte // limited error body on non-2xx
	resp   *ai.ChatResponse
}

// HTTPStatus implements [retry.StatusCarrier].
func (r *callResult) HTTPStatus() int { return r.status }

// RetryAfterHint implements [retry.StatusCarrier] from the Retry-After header.
func (r *callResult) RetryAfterHint() time.Duration {
	if r.header == nil {
		return 0
	}
	secs, err := strconv.Atoi(r.header.Get("Retry-After"))
	if err != nil || secs <= 0 {
		return 0
	}
	return time.Duration(secs) * time.Second
}

// Complete sends one chat exchange and returns the assembled response.
// Transient transport failures and retryable statuses are handled by the
// retry executor; everything returned here is final.
func (c *Client) Complete(ctx context.Context, req ai.ChatRequest) (*ai.ChatResponse, error) {
	if len(req.Messages) == 0 {
		return nil, errors.New("openai: request must contain at least one message")
	}

	payload, err := c.buildPayload(req)
	if err != nil {
		return nil, err
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("openai: encode request: %w", err)
	}

	// Estimated before sending so usage reconciliation has an input-side
	// figure even when the provider omits usage.
	promptEstimate := ai.EstimateMessages(req.Messages)

	res, err := retry.DoWithCheck(ctx, c.exec,
		func(ctx context.Context) (*callResult, error) {
			return c.attempt(ctx, body, req.Stream, promptEstimate)
		},
		func(r *callResult) bool { return r.status >= 200 && r.status < 300 },
	)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil, err
		}
		var pe *Error
		if errors.As(err, &pe) {
			return nil, pe
		}
		return nil, &Error{Code: ErrCodeTransport, Message: ai.Redact(err.Error())}
	}

	if res.status < 200 || res.status >= 300 {
		return nil, c.providerError(res)
	}
	return res.resp, nil
}

// attempt performs one POST and classifies the transport outcome. Network
// errors surface as faults (the policy's transient heuristic decides about a
// retry); HTTP failures surface as status-coded values.
func (c *Client) attempt(ctx context.Context, body []byte, stream bool, promptEstimate int) (*callResult, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("openai: build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	if stream {
		httpReq.Header.Set("Accept", "text/event-stream")
	}

	httpResp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer httpResp.Body.Close()

	out := &callResult{status: httpResp.StatusCode, header: httpResp.Header}

	if httpResp.StatusCode < 200 || httpResp.StatusCode >= 300 {
		limited, _ := io.ReadAll(io.LimitReader(httpResp.Body, errorBodyLimit))
		out.body = limited
		return out, nil
	}

	if stream {
		out.resp, err = c.consumeStream(httpResp.Body, promptEstimate)
	} else {
		out.resp, err = parseBuffered(httpResp.Body, promptEstimate)
	}
	if err != nil {
		return nil, err
	}
	return out, nil
}

// providerError maps a non-2xx outcome to a classified [Error].
func (c *Client) providerError(res *callResult) *Error {
	code := ErrCodeClient
	switch {
	case res.status == http.StatusTooManyRequests:
		code = ErrCodeRateLimited
	case res.status >= 500:
		code = ErrCodeServer
	}
	return &Error{
		StatusCode: res.status,
		Code:       code,
		Message:    ai.Redact(errorMessage(res.body)),
		RetryAfter: res.RetryAfterHint(),
	}
}

// errorMessage extracts the provider's error message from a failure body,
// falling back to the raw (bounded) body text.
func errorMessage(body []byte) string {
	var wrapper struct {
		Error struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(body, &wrapper); err == nil && wrapper.Error.Message != "" {
		return wrapper.Error.Message
	}
	if len(body) == 0 {
		return "no response body"
	}
	return string(body)
}
