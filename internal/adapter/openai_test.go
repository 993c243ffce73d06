package adapter

import (
	"context"
	"io"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseOpenAIChat(t *testing.T) {
	body := `{
		"model": "gpt-4",
		"stream": true,
		"max_completion_tokens": 512,
		"stop": ["END"],
		"tool_choice": "required",
		"tools": [{"type": "function", "function": {"name": "lookup", "parameters": {"type": "object"}}}],
		"messages": [
			{"role": "system", "content": "be brief"},
			{"role": "developer", "content": "no markdown"},
			{"role": "user", "content": [{"type": "text", "text": "hi"}, {"type": "image_url", "image_url": {"url": "data:image/png;base64,AAAA"}}]},
			{"role": "assistant", "content": null, "tool_calls": [{"id": "call_1", "type": "function", "function": {"name": "lookup", "arguments": "{\"q\":1}"}}]},
			{"role": "tool", "tool_call_id": "call_1", "content": "42"}
		]
	}`
	req, raw, err := ParseOpenAIChat([]byte(body))
	require.NoError(t, err)
	require.NotNil(t, raw)

	assert.Equal(t, "gpt-4", req.Model)
	assert.True(t, req.Stream)
	require.NotNil(t, req.MaxTokens)
	assert.Equal(t, 512, *req.MaxTokens)
	assert.Equal(t, []string{"END"}, req.Stop)
	assert.Equal(t, ToolChoiceAny, req.ToolChoice)
	assert.Equal(t, "be brief\nno markdown", req.System)

	require.Len(t, req.Messages, 3)
	assert.Equal(t, "user", req.Messages[0].Role)
	require.Len(t, req.Messages[0].Content, 2)
	assert.Equal(t, "image", req.Messages[0].Content[1].Type)
	assert.Equal(t, "assistant", req.Messages[1].Role)
	require.Len(t, req.Messages[1].ToolCalls, 1)
	assert.Equal(t, `{"q":1}`, req.Messages[1].ToolCalls[0].Arguments)
	assert.Equal(t, "tool", req.Messages[2].Role)
	assert.Equal(t, "call_1", req.Messages[2].ToolCallID)
}

func TestParseOpenAIChatMissingModel(t *testing.T) {
	_, _, err := ParseOpenAIChat([]byte(`{"messages": []}`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "model")
}

func TestParseOpenAIChatProviderAccountPin(t *testing.T) {
	_, raw, err := ParseOpenAIChat([]byte(`{"model": "m", "provider_account_id": "acct-1", "messages": []}`))
	require.NoError(t, err)
	assert.Equal(t, "acct-1", raw.ProviderAccountID)
}

func TestBuildOpenAIChatPayload(t *testing.T) {
	temp := 0.3
	maxTok := 128
	req := &Request{
		Model:       "internal-name",
		System:      "sys",
		Temperature: &temp,
		MaxTokens:   &maxTok,
		Stream:      true,
		ToolChoice:  ToolChoiceAny,
		Tools:       []ToolDef{{Name: "lookup"}},
		Messages: []Message{
			{Role: "user", Content: []Block{TextBlock("hi")}},
			{Role: "tool", ToolCallID: "call_1", Content: []Block{TextBlock("42")}},
		},
	}
	payload := BuildOpenAIChatPayload(req, "upstream-model")

	assert.Equal(t, "upstream-model", payload["model"])
	assert.Equal(t, "required", payload["tool_choice"])
	assert.Equal(t, map[string]any{"include_usage": true}, payload["stream_options"])

	messages := payload["messages"].([]map[string]any)
	require.Len(t, messages, 3)
	assert.Equal(t, "system", messages[0]["role"])
	assert.Equal(t, "call_1", messages[2]["tool_call_id"])
}

func TestBuildOpenAIChatPayloadForcedTool(t *testing.T) {
	req := &Request{
		ToolChoice: ToolChoiceTool("lookup"),
		Tools:      []ToolDef{{Name: "lookup"}},
	}
	payload := BuildOpenAIChatPayload(req, "m")
	choice := payload["tool_choice"].(map[string]any)
	assert.Equal(t, "lookup", choice["function"].(map[string]any)["name"])
}

func sseBody(chunks ...string) io.ReadCloser {
	var b strings.Builder
	for _, c := range chunks {
		b.WriteString("data: " + c + "\n\n")
	}
	return io.NopCloser(strings.NewReader(b.String()))
}

func drain(events <-chan StreamEvent) []StreamEvent {
	var out []StreamEvent
	for ev := range events {
		out = append(out, ev)
	}
	return out
}

func TestNormalizeOpenAIStream(t *testing.T) {
	body := sseBody(
		`{"choices":[{"delta":{"role":"assistant","content":"hel"}}]}`,
		`{"choices":[{"delta":{"content":"lo"}}]}`,
		`{"choices":[{"delta":{},"finish_reason":"stop"}]}`,
		`{"choices":[],"usage":{"prompt_tokens":10,"completion_tokens":4}}`,
		`[DONE]`,
	)
	got, err := Collect(NormalizeOpenAIStream(context.Background(), body, false))
	require.NoError(t, err)
	assert.Equal(t, "hello", got.Content)
	assert.Equal(t, StopEnd, got.StopReason)
	assert.Equal(t, Usage{InputTokens: 10, OutputTokens: 4}, got.Usage)
}

func TestNormalizeOpenAIStreamThinkSplit(t *testing.T) {
	// The open tag straddles two chunks to exercise boundary handling.
	body := sseBody(
		`{"choices":[{"delta":{"content":"<th"}}]}`,
		`{"choices":[{"delta":{"content":"ink>pondering</think>done"}}]}`,
		`{"choices":[{"delta":{},"finish_reason":"stop"}]}`,
		`[DONE]`,
	)
	got, err := Collect(NormalizeOpenAIStream(context.Background(), body, true))
	require.NoError(t, err)
	assert.Equal(t, "done", got.Content)
	assert.Equal(t, "pondering", got.Reasoning)
}

func TestNormalizeOpenAIStreamMidStreamError(t *testing.T) {
	body := sseBody(
		`{"choices":[{"delta":{"content":"par"}}]}`,
		`{"error":{"message":"rate limited"}}`,
		`{"choices":[{"delta":{"content":"never"}}]}`,
	)
	events := drain(NormalizeOpenAIStream(context.Background(), body, false))
	require.NotEmpty(t, events)
	last := events[len(events)-1]
	require.Error(t, last.Err)
	assert.Contains(t, last.Err.Error(), "rate limited")
	// Nothing after the error event.
	for _, ev := range events[:len(events)-1] {
		assert.NoError(t, ev.Err)
	}
	assert.Equal(t, "par", events[0].Content)
}

func TestNormalizeOpenAIStreamToolDeltas(t *testing.T) {
	body := sseBody(
		`{"choices":[{"delta":{"tool_calls":[{"index":0,"id":"call_a","type":"function","function":{"name":"lookup","arguments":""}}]}}]}`,
		`{"choices":[{"delta":{"tool_calls":[{"index":0,"function":{"arguments":"{\"q\":"}}]}}]}`,
		`{"choices":[{"delta":{"tool_calls":[{"index":0,"function":{"arguments":"1}"}}]}}]}`,
		`{"choices":[{"delta":{},"finish_reason":"tool_calls"}]}`,
		`[DONE]`,
	)
	got, err := Collect(NormalizeOpenAIStream(context.Background(), body, false))
	require.NoError(t, err)
	require.Len(t, got.ToolCalls, 1)
	assert.Equal(t, "call_a", got.ToolCalls[0].ID)
	assert.Equal(t, "lookup", got.ToolCalls[0].Name)
	assert.Equal(t, `{"q":1}`, got.ToolCalls[0].Arguments)
	assert.Equal(t, StopToolUse, got.StopReason)
}

func TestParseOpenAIChatCompletion(t *testing.T) {
	body := `{
		"model": "m",
		"choices": [{"message": {"role": "assistant", "content": "<think>why</think>out", "tool_calls": [
			{"id": "call_1", "type": "function", "function": {"name": "lookup", "arguments": "{}"}}
		]}, "finish_reason": "tool_calls"}],
		"usage": {"prompt_tokens": 3, "completion_tokens": 7}
	}`
	got, err := ParseOpenAIChatCompletion([]byte(body), true)
	require.NoError(t, err)
	assert.Equal(t, "out", got.Content)
	assert.Equal(t, "why", got.Reasoning)
	require.Len(t, got.ToolCalls, 1)
	assert.Equal(t, StopToolUse, got.StopReason)
	assert.Equal(t, Usage{InputTokens: 3, OutputTokens: 7}, got.Usage)
}

func TestRenderOpenAIChatCompletion(t *testing.T) {
	c := &Completion{
		Content:    "hi",
		Reasoning:  "because",
		StopReason: StopEnd,
		Usage:      Usage{InputTokens: 1, OutputTokens: 2},
	}
	out := RenderOpenAIChatCompletion(c, "alias-model")
	assert.Equal(t, "alias-model", out["model"])
	choice := out["choices"].([]map[string]any)[0]
	assert.Equal(t, "stop", choice["finish_reason"])
	msg := choice["message"].(map[string]any)
	assert.Equal(t, "hi", msg["content"])
	assert.Equal(t, "because", msg["reasoning_content"])
	usage := out["usage"].(map[string]any)
	assert.Equal(t, 3, usage["total_tokens"])
}

// Canonical events rendered as chat-completions SSE and normalized back
// must preserve content, reasoning and assembled tool calls.
func TestOpenAIStreamRoundTrip(t *testing.T) {
	feed := func() <-chan StreamEvent {
		ch := make(chan StreamEvent, 16)
		ch <- StreamEvent{Reasoning: "thinking "}
		ch <- StreamEvent{Reasoning: "hard"}
		ch <- StreamEvent{Content: "the "}
		ch <- StreamEvent{Content: "answer"}
		ch <- StreamEvent{Tool: &ToolCallDelta{Index: 0, ID: "call_z", Name: "lookup", Arguments: `{"q":`}}
		ch <- StreamEvent{Tool: &ToolCallDelta{Index: 0, Arguments: `2}`}}
		ch <- StreamEvent{Usage: &Usage{InputTokens: 5, OutputTokens: 9}}
		ch <- StreamEvent{Stop: StopToolUse}
		close(ch)
		return ch
	}

	rec := httptest.NewRecorder()
	w, ok := NewSSEWriter(rec)
	require.True(t, ok)
	sent, err := StreamOpenAIChat(w, "m", feed())
	require.NoError(t, err)

	got, err := Collect(NormalizeOpenAIStream(context.Background(), io.NopCloser(rec.Body), false))
	require.NoError(t, err)

	assert.Equal(t, sent.Content, got.Content)
	assert.Equal(t, "the answer", got.Content)
	assert.Equal(t, "thinking hard", got.Reasoning)
	require.Len(t, got.ToolCalls, 1)
	assert.Equal(t, ToolCall{ID: "call_z", Name: "lookup", Arguments: `{"q":2}`}, got.ToolCalls[0])
	assert.Equal(t, StopToolUse, got.StopReason)
	assert.Equal(t, Usage{InputTokens: 5, OutputTokens: 9}, got.Usage)
}

func TestStreamOpenAIChatErrorEvent(t *testing.T) {
	ch := make(chan StreamEvent, 2)
	ch <- StreamEvent{Content: "partial"}
	ch <- StreamEvent{Err: io.ErrUnexpectedEOF}
	close(ch)

	rec := httptest.NewRecorder()
	w, ok := NewSSEWriter(rec)
	require.True(t, ok)
	agg, err := StreamOpenAIChat(w, "m", ch)
	require.Error(t, err)
	assert.Equal(t, "partial", agg.Content)

	body := rec.Body.String()
	assert.Contains(t, body, `"upstream_error"`)
	assert.NotContains(t, body, "[DONE]")
}
