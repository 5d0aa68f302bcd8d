// Package ai defines the provider-agnostic chat types shared between the
// gateway client, the tool dispatcher, and the orchestrator.
//
// The types mirror the shape of modern chat-completion APIs (ordered message
// history, named tool contracts, token usage accounting) without coupling to
// any specific SDK. Concrete providers live in subpackages (e.g. ai/openai).
package ai

// Message is a single entry in an ordered conversation history. Message order
// is significant and must be preserved exactly by every component that
// forwards a conversation.
type Message struct {
	// Role is one of "system", "user", "assistant", or "tool".
	Role string

	// Content is the text content of the message.
	Content string

	// ToolCalls contains tool invocations proposed by the assistant.
	// Only meaningful when Role is "assistant".
	ToolCalls []ToolCallProposal

	// ToolCallID identifies which proposal this message responds to.
	// Only meaningful when Role is "tool".
	ToolCallID string
}

// ToolCallProposal is a tool invocation emitted by the model. The arguments
// arrive as a raw JSON string; they are validated exactly once by the
// dispatcher and either executed or rejected, never retried automatically.
type ToolCallProposal struct {
	// ID is the provider-assigned identifier for this call.
	ID string

	// Name is the tool name the model wants to invoke.
	Name string

	// Arguments is the JSON-encoded argument object as streamed by the
	// provider. It may be malformed; callers must fail closed on parse errors.
	Arguments string
}

// ToolDefinition describes a named, strictly-typed function contract offered
// to the model. A definition is immutable once published in a request.
type ToolDefinition struct {
	// Name is the tool's unique identifier within one request.
	Name string

	// Description explains what the tool does (included in model prompts).
	Description string

	// Parameters is the JSON Schema describing the tool's input object.
	Parameters map[string]any
}

// ChatRequest carries one chat-completion exchange.
type ChatRequest struct {
	// Messages is the ordered conversation. Must be non-empty.
	Messages []Message

	// Tools is the set of function contracts offered to the model. Duplicate
	// names are collapsed by the gateway before sending.
	Tools []ToolDefinition

	// Stream requests incremental (server-sent event) delivery from the
	// provider. The gateway still consumes the whole stream before returning.
	Stream bool
}

// UsageSource records where a usage figure came from. Provider-reported and
// locally-estimated usage are never merged; a record is entirely one or the
// other.
type UsageSource string

const (
	// UsageProvider marks usage reported by the provider. Authoritative.
	UsageProvider UsageSource = "provider"

	// UsageEstimated marks usage filled in by the local estimator because the
	// provider omitted it (error paths, truncated streams).
	UsageEstimated UsageSource = "estimated"
)

// Usage holds token accounting for one request/response pair.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int

	// Source is UsageProvider when the provider supplied the figures and
	// UsageEstimated when the local estimator filled them in.
	Source UsageSource
}

// ChatResponse is the fully-assembled result of one exchange, for both
// buffered and streamed provider responses.
type ChatResponse struct {
	// Model is the model identifier the provider reported serving the request.
	Model string

	// Content is the assistant's text reply. Empty when the model responded
	// exclusively with tool calls.
	Content string

	// ToolCalls lists the proposals the model emitted, in index order.
	ToolCalls []ToolCallProposal

	// Usage is the reconciled token accounting for this exchange.
	Usage Usage

	// Truncated reports whether any accumulator cap was hit while consuming a
	// streamed response. Truncation is graceful degradation, not an error.
	Truncated bool

	// FinishReason is the provider's stop reason ("stop", "tool_calls",
	// "length", ...). May be empty on truncated streams.
	FinishReason string
}
