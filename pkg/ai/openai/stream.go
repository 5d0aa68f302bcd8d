package openai

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"

	"github.com/merchkit/clerkd/pkg/ai"
)

// Streamed (SSE) response wire shapes.

type streamEvent struct {
	Model   string         `json:"model"`
	Choices []streamChoice `json:"choices"`
	Usage   *usageBody     `json:"usage"`
}

type streamChoice struct {
	Delta        deltaBody `json:"delta"`
	FinishReason string    `json:"finish_reason"`
}

type deltaBody struct {
	Content      string          `json:"content"`
	ToolCalls    []toolCallDelta `json:"tool_calls"`
	FunctionCall *functionBody   `json:"function_call"`
}

type toolCallDelta struct {
	Index    int          `json:"index"`
	ID       string       `json:"id"`
	Type     string       `json:"type"`
	Function functionBody `json:"function"`
}

// accumulator folds SSE deltas into a single response under the configured
// memory caps. Each cap latches: once hit, further bytes for that field are
// dropped and the final response is marked truncated, but the stream keeps
// being drained so trailing usage still arrives.
type accumulator struct {
	limits StreamLimits

	model        string
	finishReason string
	content      bytes.Buffer
	contentFull  bool
	toolCalls    map[int]*toolCallState
	toolsFull    bool
	overflow     bool
	usage        *usageBody

	// rawLog retains the most recent raw event payloads for debugging.
	rawLog []string
}

type toolCallState struct {
	id       string
	typ      string
	name     string
	args     bytes.Buffer
	argsFull bool
}

func newAccumulator(limits StreamLimits) *accumulator {
	return &accumulator{
		limits:    limits,
		toolCalls: make(map[int]*toolCallState),
	}
}

// feedLine processes one line of the SSE body. Lines that are not data
// events, the [DONE] sentinel, and events that fail to decode are skipped;
// one bad event never poisons the rest of the stream.
func (a *accumulator) feedLine(line []byte) {
	trimmed := bytes.TrimSpace(line)
	if !bytes.HasPrefix(trimmed, []byte("data:")) {
		return
	}
	payload := bytes.TrimSpace(trimmed[len("data:"):])
	if len(payload) == 0 || bytes.Equal(payload, []byte("[DONE]")) {
		return
	}
	a.logRaw(payload)

	var ev streamEvent
	if err := json.Unmarshal(payload, &ev); err != nil {
		return
	}
	a.apply(ev)
}

func (a *accumulator) apply(ev streamEvent) {
	if ev.Model != "" {
		a.model = ev.Model
	}
	// Usage replaces wholesale; the final event's report wins.
	if ev.Usage != nil {
		a.usage = ev.Usage
	}
	if len(ev.Choices) == 0 {
		return
	}
	choice := ev.Choices[0]
	if choice.FinishReason != "" {
		a.finishReason = choice.FinishReason
	}
	a.appendContent(choice.Delta.Content)
	for _, d := range choice.Delta.ToolCalls {
		a.mergeToolDelta(d)
	}
	// Legacy single-call deltas carry no index; they describe call 0.
	if fc := choice.Delta.FunctionCall; fc != nil {
		a.mergeToolDelta(toolCallDelta{Index: 0, Function: *fc})
	}
}

// appendContent writes up to the content cap, splitting the delta that
// crosses it so the buffer lands on exactly the cap.
func (a *accumulator) appendContent(s string) {
	if s == "" || a.contentFull {
		return
	}
	room := a.limits.MaxContentBytes - a.content.Len()
	if len(s) >= room {
		a.content.WriteString(s[:room])
		a.contentFull = true
		return
	}
	a.content.WriteString(s)
}

func (a *accumulator) mergeToolDelta(d toolCallDelta) {
	if d.Index < 0 {
		return
	}
	if d.Index >= a.limits.MaxToolCalls {
		a.toolsFull = true
		return
	}
	st, ok := a.toolCalls[d.Index]
	if !ok {
		st = &toolCallState{}
		a.toolCalls[d.Index] = st
	}
	if d.ID != "" {
		st.id = d.ID
	}
	if d.Type != "" {
		st.typ = d.Type
	}
	if d.Function.Name != "" {
		st.name = d.Function.Name
	}
	if args := d.Function.Arguments; args != "" && !st.argsFull {
		room := a.limits.MaxToolCallArgBytes - st.args.Len()
		if len(args) >= room {
			st.args.WriteString(args[:room])
			st.argsFull = true
		} else {
			st.args.WriteString(args)
		}
	}
}

func (a *accumulator) logRaw(payload []byte) {
	if len(a.rawLog) == a.limits.RawChunkLog {
		copy(a.rawLog, a.rawLog[1:])
		a.rawLog = a.rawLog[:len(a.rawLog)-1]
	}
	a.rawLog = append(a.rawLog, string(payload))
}

// response assembles the final [ai.ChatResponse] after the stream is drained.
func (a *accumulator) response(promptEstimate int) *ai.ChatResponse {
	resp := &ai.ChatResponse{
		Model:        a.model,
		Content:      a.content.String(),
		FinishReason: a.finishReason,
	}

	indexes := make([]int, 0, len(a.toolCalls))
	for i := range a.toolCalls {
		indexes = append(indexes, i)
	}
	sort.Ints(indexes)
	truncated := a.contentFull || a.toolsFull || a.overflow
	for _, i := range indexes {
		st := a.toolCalls[i]
		id := st.id
		if id == "" {
			id = fmt.Sprintf("call_stream_%d", i)
		}
		resp.ToolCalls = append(resp.ToolCalls, ai.ToolCallProposal{
			ID:        id,
			Name:      st.name,
			Arguments: st.args.String(),
		})
		if st.argsFull {
			truncated = true
		}
	}
	resp.Truncated = truncated
	resp.Usage = reconcileUsage(a.usage, promptEstimate, resp)
	return resp
}

// consumeStream drains an SSE body into one buffered response. A transport
// error mid-stream is a fault; everything decodable before it is discarded
// rather than returned half-assembled.
//
// Event lines are assembled up to a bound derived from the accumulator caps.
// A single line larger than that cannot contribute anything under-cap, so it
// is discarded whole (a truncated JSON prefix does not decode) and the
// response is marked truncated instead of failing the stream.
func (c *Client) consumeStream(r io.Reader, promptEstimate int) (*ai.ChatResponse, error) {
	acc := newAccumulator(c.limits)
	maxEventBytes := c.limits.MaxContentBytes + c.limits.MaxToolCallArgBytes + 16*1024

	br := bufio.NewReaderSize(r, 64*1024)
	line := make([]byte, 0, 4096)
	discarding := false
	for {
		chunk, err := br.ReadSlice('\n')
		if len(chunk) > 0 && !discarding {
			if len(line)+len(chunk) > maxEventBytes {
				acc.overflow = true
				discarding = true
				line = line[:0]
			} else {
				line = append(line, chunk...)
			}
		}
		switch {
		case err == nil:
			if !discarding {
				acc.feedLine(line)
			}
			line = line[:0]
			discarding = false
		case errors.Is(err, bufio.ErrBufferFull):
			// Line continues past the reader buffer; keep assembling.
		case errors.Is(err, io.EOF):
			if len(line) > 0 && !discarding {
				acc.feedLine(line)
			}
			resp := acc.response(promptEstimate)
			if resp.Truncated {
				c.log.Debug("stream hit memory cap, response truncated",
					"content_bytes", len(resp.Content),
					"tool_calls", len(resp.ToolCalls),
					"recent_events", len(acc.rawLog))
			}
			return resp, nil
		default:
			return nil, fmt.Errorf("openai: read stream: %w", err)
		}
	}
}
