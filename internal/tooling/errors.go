// Package tooling validates and executes tool calls proposed by the model.
//
// A [Dispatcher] holds a registry of named handlers with optional JSON-Schema
// argument contracts. Dispatching decodes the raw argument JSON, validates it
// against the registered schema (failing closed — a handler is never invoked
// with arguments that did not validate), runs the handler, and serialises the
// result. Mutating actions are registered through [RegisterMutation], which
// wires the two-phase prepare/confirm pattern over the draft store.
package tooling

import (
	"errors"
	"fmt"
	"strings"

	"github.com/merchkit/clerkd/pkg/ai"
)

// Stable machine-readable error codes surfaced to callers and fed back to the
// model as tool results.
const (
	// CodeUnknownTool: the proposal names a tool that was never registered.
	CodeUnknownTool = "unknown_tool"

	// CodeInvalidArguments: the raw argument string is not valid JSON.
	CodeInvalidArguments = "invalid_arguments"

	// CodeInvalidToolArguments: the decoded arguments violate the tool's
	// declared schema. Fields lists the offending paths.
	CodeInvalidToolArguments = "invalid_tool_arguments"

	// CodeEncodingFailed: the handler's result could not be serialised.
	// Indicates a programming defect; logged with full context.
	CodeEncodingFailed = "encoding_failed"

	// CodeDraftExpired: a confirm call named a draft that is unknown, already
	// claimed, or past its TTL.
	CodeDraftExpired = "draft_expired"

	// CodeExecutionFailed: the handler reported a business failure.
	CodeExecutionFailed = "execution_failed"
)

// ToolError is a structured, machine-readable tool failure. The message is
// credential-redacted before construction, so the error is safe to log and to
// feed back to the model verbatim.
type ToolError struct {
	// Code is one of the Code* constants.
	Code string `json:"error"`

	// Message is a human-readable, redacted description.
	Message string `json:"message"`

	// Fields lists schema-violating argument paths. Only set for
	// CodeInvalidToolArguments.
	Fields []string `json:"fields,omitempty"`
}

func (e *ToolError) Error() string {
	if len(e.Fields) > 0 {
		return fmt.Sprintf("%s: %s (fields: %s)", e.Code, e.Message, strings.Join(e.Fields, ", "))
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// newToolError builds a [ToolError] with a redacted message.
func newToolError(code, format string, args ...any) *ToolError {
	return &ToolError{Code: code, Message: ai.Redact(fmt.Sprintf(format, args...))}
}

// AsToolError unwraps err into a [ToolError], if it is one.
func AsToolError(err error) (*ToolError, bool) {
	var te *ToolError
	if errors.As(err, &te) {
		return te, true
	}
	return nil, false
}
