package openai

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/merchkit/clerkd/pkg/ai"
)

// sseServer serves the given events verbatim as one SSE body.
func sseServer(t *testing.T, lines ...string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		for _, l := range lines {
			io.WriteString(w, l+"\n\n")
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func streamRequest() ai.ChatRequest {
	return ai.ChatRequest{
		Messages: []ai.Message{{Role: "user", Content: "hi"}},
		Stream:   true,
	}
}

func TestStream_ContentAccumulation(t *testing.T) {
	srv := sseServer(t,
		`data: {"model":"test-model-0125","choices":[{"delta":{"content":"Hel"}}]}`,
		`data: {"choices":[{"delta":{"content":"lo "}}]}`,
		`data: {"choices":[{"delta":{"content":"world"},"finish_reason":"stop"}]}`,
		`data: {"choices":[],"usage":{"prompt_tokens":5,"completion_tokens":3,"total_tokens":8}}`,
		`data: [DONE]`,
	)

	resp, err := testClient(t, srv.URL).Complete(context.Background(), streamRequest())
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if resp.Content != "Hello world" {
		t.Errorf("Content = %q", resp.Content)
	}
	if resp.Model != "test-model-0125" {
		t.Errorf("Model = %q", resp.Model)
	}
	if resp.FinishReason != "stop" {
		t.Errorf("FinishReason = %q", resp.FinishReason)
	}
	if resp.Truncated {
		t.Error("response unexpectedly truncated")
	}
	if resp.Usage.Source != ai.UsageProvider || resp.Usage.TotalTokens != 8 {
		t.Errorf("Usage = %+v", resp.Usage)
	}
}

func TestStream_ToolCallDeltaMerge(t *testing.T) {
	srv := sseServer(t,
		`data: {"model":"m","choices":[{"delta":{"tool_calls":[{"index":0,"id":"call_a","type":"function","function":{"name":"prepare_refund","arguments":"{\"order"}}]}}]}`,
		`data: {"choices":[{"delta":{"tool_calls":[{"index":0,"function":{"arguments":"_id\":\"or"}}]}}]}`,
		`data: {"choices":[{"delta":{"tool_calls":[{"index":0,"function":{"arguments":"d-1\"}"}},{"index":1,"id":"call_b","function":{"name":"lookup_order","arguments":"{}"}}]}}]}`,
		`data: {"choices":[{"delta":{},"finish_reason":"tool_calls"}]}`,
		`data: [DONE]`,
	)

	resp, err := testClient(t, srv.URL).Complete(context.Background(), streamRequest())
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if len(resp.ToolCalls) != 2 {
		t.Fatalf("ToolCalls = %+v", resp.ToolCalls)
	}
	first := resp.ToolCalls[0]
	if first.ID != "call_a" || first.Name != "prepare_refund" {
		t.Errorf("first call = %+v", first)
	}
	if first.Arguments != `{"order_id":"ord-1"}` {
		t.Errorf("merged arguments = %q", first.Arguments)
	}
	if second := resp.ToolCalls[1]; second.ID != "call_b" || second.Name != "lookup_order" {
		t.Errorf("second call = %+v", second)
	}
}

func TestStream_LegacyFunctionCallDelta(t *testing.T) {
	srv := sseServer(t,
		`data: {"model":"m","choices":[{"delta":{"function_call":{"name":"count_orders","arguments":"{\"sta"}}}]}`,
		`data: {"choices":[{"delta":{"function_call":{"arguments":"tus\":\"paid\"}"}},"finish_reason":"function_call"}]}`,
		`data: [DONE]`,
	)

	resp, err := testClient(t, srv.URL).Complete(context.Background(), streamRequest())
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if len(resp.ToolCalls) != 1 {
		t.Fatalf("ToolCalls = %+v", resp.ToolCalls)
	}
	tc := resp.ToolCalls[0]
	if tc.Name != "count_orders" || tc.Arguments != `{"status":"paid"}` {
		t.Errorf("call = %+v", tc)
	}
	if tc.ID == "" {
		t.Error("legacy call missing synthetic id")
	}
}

func TestStream_MalformedEventSkipped(t *testing.T) {
	srv := sseServer(t,
		`data: {"model":"m","choices":[{"delta":{"content":"good "}}]}`,
		`data: {not json at all`,
		`: comment line`,
		`data: {"choices":[{"delta":{"content":"still good"},"finish_reason":"stop"}]}`,
		`data: [DONE]`,
	)

	resp, err := testClient(t, srv.URL).Complete(context.Background(), streamRequest())
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if resp.Content != "good still good" {
		t.Errorf("Content = %q", resp.Content)
	}
}

func TestStream_ContentCapExact(t *testing.T) {
	srv := sseServer(t,
		`data: {"model":"m","choices":[{"delta":{"content":"`+strings.Repeat("a", 40)+`"}}]}`,
		`data: {"choices":[{"delta":{"content":"`+strings.Repeat("b", 40)+`"}}]}`,
		`data: {"choices":[{"delta":{},"finish_reason":"length"}]}`,
		`data: [DONE]`,
	)

	c := testClient(t, srv.URL, WithStreamLimits(StreamLimits{MaxContentBytes: 64}))
	resp, err := c.Complete(context.Background(), streamRequest())
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if len(resp.Content) != 64 {
		t.Errorf("len(Content) = %d, want exactly 64", len(resp.Content))
	}
	if !resp.Truncated {
		t.Error("Truncated = false after content cap hit")
	}
	if resp.FinishReason != "length" {
		t.Errorf("stream not drained after cap: FinishReason = %q", resp.FinishReason)
	}
}

func TestStream_ToolCallArgumentCap(t *testing.T) {
	srv := sseServer(t,
		`data: {"model":"m","choices":[{"delta":{"tool_calls":[{"index":0,"id":"c0","function":{"name":"t","arguments":"`+strings.Repeat("x", 30)+`"}}]}}]}`,
		`data: {"choices":[{"delta":{"tool_calls":[{"index":0,"function":{"arguments":"`+strings.Repeat("y", 30)+`"}}]}}]}`,
		`data: [DONE]`,
	)

	c := testClient(t, srv.URL, WithStreamLimits(StreamLimits{MaxToolCallArgBytes: 48}))
	resp, err := c.Complete(context.Background(), streamRequest())
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if len(resp.ToolCalls) != 1 {
		t.Fatalf("ToolCalls = %+v", resp.ToolCalls)
	}
	if got := len(resp.ToolCalls[0].Arguments); got != 48 {
		t.Errorf("len(Arguments) = %d, want exactly 48", got)
	}
	if !resp.Truncated {
		t.Error("Truncated = false after argument cap hit")
	}
}

func TestStream_ToolCallCountCap(t *testing.T) {
	srv := sseServer(t,
		`data: {"model":"m","choices":[{"delta":{"tool_calls":[{"index":0,"id":"c0","function":{"name":"a","arguments":"{}"}},{"index":1,"id":"c1","function":{"name":"b","arguments":"{}"}}]}}]}`,
		`data: {"choices":[{"delta":{"tool_calls":[{"index":2,"id":"c2","function":{"name":"dropped","arguments":"{}"}}]}}]}`,
		`data: [DONE]`,
	)

	c := testClient(t, srv.URL, WithStreamLimits(StreamLimits{MaxToolCalls: 2}))
	resp, err := c.Complete(context.Background(), streamRequest())
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if len(resp.ToolCalls) != 2 {
		t.Fatalf("ToolCalls = %+v", resp.ToolCalls)
	}
	for _, tc := range resp.ToolCalls {
		if tc.Name == "dropped" {
			t.Error("over-cap call retained")
		}
	}
	if !resp.Truncated {
		t.Error("Truncated = false after call count cap hit")
	}
}

func TestStream_UsageLastWriteWins(t *testing.T) {
	srv := sseServer(t,
		`data: {"model":"m","choices":[{"delta":{"content":"x"}}],"usage":{"prompt_tokens":1,"completion_tokens":1,"total_tokens":2}}`,
		`data: {"choices":[{"delta":{},"finish_reason":"stop"}],"usage":{"prompt_tokens":5,"completion_tokens":4,"total_tokens":9}}`,
		`data: [DONE]`,
	)

	resp, err := testClient(t, srv.URL).Complete(context.Background(), streamRequest())
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if resp.Usage.Source != ai.UsageProvider || resp.Usage.TotalTokens != 9 {
		t.Errorf("Usage = %+v, want final report", resp.Usage)
	}
}

func TestStream_UsageEstimatedWhenAbsent(t *testing.T) {
	srv := sseServer(t,
		`data: {"model":"m","choices":[{"delta":{"content":"some streamed text"},"finish_reason":"stop"}]}`,
		`data: [DONE]`,
	)

	resp, err := testClient(t, srv.URL).Complete(context.Background(), streamRequest())
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if resp.Usage.Source != ai.UsageEstimated {
		t.Fatalf("Usage.Source = %q, want estimated", resp.Usage.Source)
	}
	if resp.Usage.CompletionTokens != ai.EstimateText("some streamed text") {
		t.Errorf("CompletionTokens = %d", resp.Usage.CompletionTokens)
	}
}

func TestStream_OversizedEventLineDiscarded(t *testing.T) {
	srv := sseServer(t,
		`data: {"model":"m","choices":[{"delta":{"content":"`+strings.Repeat("z", 32*1024)+`"}}]}`,
		`data: {"choices":[{"delta":{"content":"after"},"finish_reason":"stop"}]}`,
		`data: [DONE]`,
	)

	c := testClient(t, srv.URL, WithStreamLimits(StreamLimits{MaxContentBytes: 64, MaxToolCallArgBytes: 48}))
	resp, err := c.Complete(context.Background(), streamRequest())
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if !resp.Truncated {
		t.Error("Truncated = false after oversized event line")
	}
	if resp.Content != "after" {
		t.Errorf("Content = %q, want only the in-bounds event", resp.Content)
	}
	if resp.FinishReason != "stop" {
		t.Errorf("stream not drained past oversized line: FinishReason = %q", resp.FinishReason)
	}
}

func TestStream_OversizedEventLineDefaultLimits(t *testing.T) {
	srv := sseServer(t,
		`data: {"model":"m","choices":[{"delta":{"content":"`+strings.Repeat("z", 2*1024*1024)+`"}}]}`,
		`data: {"choices":[{"delta":{"content":"tail"},"finish_reason":"stop"}]}`,
		`data: [DONE]`,
	)

	resp, err := testClient(t, srv.URL).Complete(context.Background(), streamRequest())
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if !resp.Truncated {
		t.Error("Truncated = false after oversized event line")
	}
	if resp.Content != "tail" {
		t.Errorf("Content = %q", resp.Content)
	}
}

func TestAccumulator_RawLogBounded(t *testing.T) {
	acc := newAccumulator(StreamLimits{RawChunkLog: 3}.withDefaults())
	for range 10 {
		acc.feedLine([]byte(`data: {"model":"m"}`))
	}
	if got := len(acc.rawLog); got != 3 {
		t.Errorf("rawLog length = %d, want 3", got)
	}
}
