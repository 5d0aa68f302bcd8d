package openai

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/merchkit/clerkd/pkg/ai"
)

// Request wire shapes for the chat-completion contract.

type chatPayload struct {
	Model         string           `json:"model"`
	Messages      []messagePayload `json:"messages"`
	Tools         []toolPayload    `json:"tools,omitempty"`
	ToolChoice    string           `json:"tool_choice,omitempty"`
	Stream        bool             `json:"stream,omitempty"`
	StreamOptions *streamOptions   `json:"stream_options,omitempty"`
}

type streamOptions struct {
	IncludeUsage bool `json:"include_usage"`
}

type messagePayload struct {
	Role       string            `json:"role"`
	Content    string            `json:"content"`
	ToolCalls  []toolCallPayload `json:"tool_calls,omitempty"`
	ToolCallID string            `json:"tool_call_id,omitempty"`
}

type toolCallPayload struct {
	ID       string          `json:"id"`
	Type     string          `json:"type"`
	Function functionPayload `json:"function"`
}

type functionPayload struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

type toolPayload struct {
	Type     string     `json:"type"`
	Function toolFnSpec `json:"function"`
}

type toolFnSpec struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty"`
	Strict      bool           `json:"strict"`
}

// Response wire shapes, shared by buffered and streamed parsing.

type responseBody struct {
	Model   string       `json:"model"`
	Choices []choiceBody `json:"choices"`
	Usage   *usageBody   `json:"usage"`
}

type choiceBody struct {
	Message      messageBody `json:"message"`
	FinishReason string      `json:"finish_reason"`
}

type messageBody struct {
	Content      string         `json:"content"`
	ToolCalls    []toolCallBody `json:"tool_calls"`
	FunctionCall *functionBody  `json:"function_call"`
}

type toolCallBody struct {
	ID       string       `json:"id"`
	Type     string       `json:"type"`
	Function functionBody `json:"function"`
}

type functionBody struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

type usageBody struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// buildPayload translates the model-agnostic request into the provider wire
// form. Tools are sent in strict mode with tool_choice left to the model.
func (c *Client) buildPayload(req ai.ChatRequest) (*chatPayload, error) {
	p := &chatPayload{
		Model:    c.model,
		Messages: make([]messagePayload, 0, len(req.Messages)),
		Stream:   req.Stream,
	}
	if req.Stream {
		p.StreamOptions = &streamOptions{IncludeUsage: true}
	}
	for _, m := range req.Messages {
		mp := messagePayload{
			Role:       m.Role,
			Content:    m.Content,
			ToolCallID: m.ToolCallID,
		}
		for _, tc := range m.ToolCalls {
			mp.ToolCalls = append(mp.ToolCalls, toolCallPayload{
				ID:   tc.ID,
				Type: "function",
				Function: functionPayload{
					Name:      tc.Name,
					Arguments: tc.Arguments,
				},
			})
		}
		p.Messages = append(p.Messages, mp)
	}
	if len(req.Tools) > 0 {
		raw := make([]any, len(req.Tools))
		for i, t := range req.Tools {
			raw[i] = t
		}
		tools, err := ai.NormalizeTools(raw...)
		if err != nil {
			return nil, fmt.Errorf("openai: %w", err)
		}
		p.ToolChoice = "auto"
		for _, t := range tools {
			p.Tools = append(p.Tools, toolPayload{
				Type: "function",
				Function: toolFnSpec{
					Name:        t.Name,
					Description: t.Description,
					Parameters:  t.Parameters,
					Strict:      true,
				},
			})
		}
	}
	return p, nil
}

// parseBuffered decodes a complete (non-streamed) response body.
func parseBuffered(r io.Reader, promptEstimate int) (*ai.ChatResponse, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("openai: read response: %w", err)
	}
	var body responseBody
	if err := json.Unmarshal(data, &body); err != nil {
		return nil, &Error{Code: ErrCodeParse, Message: "malformed response body: " + ai.Redact(err.Error())}
	}
	if len(body.Choices) == 0 {
		return nil, &Error{Code: ErrCodeParse, Message: "response contains no choices"}
	}

	choice := body.Choices[0]
	resp := &ai.ChatResponse{
		Model:        body.Model,
		Content:      choice.Message.Content,
		FinishReason: choice.FinishReason,
	}
	for _, tc := range choice.Message.ToolCalls {
		resp.ToolCalls = append(resp.ToolCalls, ai.ToolCallProposal{
			ID:        tc.ID,
			Name:      tc.Function.Name,
			Arguments: tc.Function.Arguments,
		})
	}
	// Legacy single-call shape, normalized under a synthetic id.
	if len(resp.ToolCalls) == 0 && choice.Message.FunctionCall != nil {
		resp.ToolCalls = append(resp.ToolCalls, ai.ToolCallProposal{
			ID:        "call_legacy_0",
			Name:      choice.Message.FunctionCall.Name,
			Arguments: choice.Message.FunctionCall.Arguments,
		})
	}
	resp.Usage = reconcileUsage(body.Usage, promptEstimate, resp)
	return resp, nil
}

// reconcileUsage prefers provider-reported token counts and falls back to a
// local estimate over the assembled response.
func reconcileUsage(u *usageBody, promptEstimate int, resp *ai.ChatResponse) ai.Usage {
	if u != nil {
		return ai.Usage{
			Source:           ai.UsageProvider,
			PromptTokens:     u.PromptTokens,
			CompletionTokens: u.CompletionTokens,
			TotalTokens:      u.TotalTokens,
		}
	}
	completion := ai.EstimateText(resp.Content)
	for _, tc := range resp.ToolCalls {
		completion += ai.EstimateText(tc.Name) + ai.EstimateText(tc.Arguments)
	}
	return ai.Usage{
		Source:           ai.UsageEstimated,
		PromptTokens:     promptEstimate,
		CompletionTokens: completion,
		TotalTokens:      promptEstimate + completion,
	}
}
