package app

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"go.opentelemetry.io/otel/metric"

	"github.com/merchkit/clerkd/internal/assistant"
	"github.com/merchkit/clerkd/internal/observe"
)

// instructRequest is the POST /v1/instruct request body.
type instructRequest struct {
	UserID      string `json:"user_id"`
	Instruction string `json:"instruction"`
}

// instructResponse is the success response body.
type instructResponse struct {
	Content    string       `json:"content"`
	Usage      usagePayload `json:"usage"`
	Truncated  bool         `json:"truncated,omitempty"`
	ToolRounds int          `json:"tool_rounds"`
}

// usagePayload mirrors the assistant's usage figures with wire-friendly
// field names.
type usagePayload struct {
	PromptTokens     int    `json:"prompt_tokens"`
	CompletionTokens int    `json:"completion_tokens"`
	TotalTokens      int    `json:"total_tokens"`
	Source           string `json:"source"`
}

// errorResponse is the failure response body.
type errorResponse struct {
	Error      string  `json:"error"`
	RetryAfter float64 `json:"retry_after_seconds,omitempty"`
}

// maxInstructBody bounds the request body; instructions are operator-typed
// text, not documents.
const maxInstructBody = 64 * 1024

// handleInstruct runs one operator instruction through the assistant and
// returns the final reply. Rate-limited users get a 429 with a Retry-After
// header.
func (a *App) handleInstruct(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	m := observe.DefaultMetrics()

	var req instructRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxInstructBody))
	if err := dec.Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.UserID == "" || req.Instruction == "" {
		writeError(w, http.StatusBadRequest, "user_id and instruction are required")
		return
	}

	m.ActiveInstructions.Add(ctx, 1)
	defer m.ActiveInstructions.Add(ctx, -1)
	start := time.Now()

	reply, err := a.assist.Instruct(ctx, req.UserID, req.Instruction)
	m.InstructionDuration.Record(ctx, time.Since(start).Seconds())
	if err != nil {
		var rle *assistant.RateLimitedError
		if errors.As(err, &rle) {
			m.RateLimited.Add(ctx, 1)
			w.Header().Set("Retry-After", formatSeconds(rle.RetryAfter))
			writeJSON(w, http.StatusTooManyRequests, errorResponse{
				Error:      "rate limited",
				RetryAfter: rle.RetryAfter.Seconds(),
			})
			return
		}
		slog.Error("instruction failed", "user_id", req.UserID, "err", err)
		writeError(w, http.StatusBadGateway, "instruction failed")
		return
	}

	m.TokensUsed.Add(ctx, int64(reply.Usage.TotalTokens), metric.WithAttributes(
		observe.Attr("source", string(reply.Usage.Source)),
		observe.Attr("kind", "total"),
	))

	writeJSON(w, http.StatusOK, instructResponse{
		Content: reply.Content,
		Usage: usagePayload{
			PromptTokens:     reply.Usage.PromptTokens,
			CompletionTokens: reply.Usage.CompletionTokens,
			TotalTokens:      reply.Usage.TotalTokens,
			Source:           string(reply.Usage.Source),
		},
		Truncated:  reply.Truncated,
		ToolRounds: reply.ToolRounds,
	})
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// formatSeconds renders a duration as whole seconds for the Retry-After
// header, rounding up so clients never retry early.
func formatSeconds(d time.Duration) string {
	secs := int64((d + time.Second - 1) / time.Second)
	if secs < 1 {
		secs = 1
	}
	return strconv.FormatInt(secs, 10)
}
