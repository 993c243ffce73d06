package adapter

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseAnthropicMessages(t *testing.T) {
	body := `{
		"model": "claude-x",
		"max_tokens": 1024,
		"system": [{"type": "text", "text": "be kind"}, {"type": "text", "text": "be brief"}],
		"tool_choice": {"type": "tool", "name": "lookup"},
		"tools": [{"name": "lookup", "input_schema": {"type": "object"}}],
		"messages": [
			{"role": "user", "content": "hi"},
			{"role": "assistant", "content": [
				{"type": "thinking", "thinking": "dropped"},
				{"type": "text", "text": "checking"},
				{"type": "tool_use", "id": "toolu_1", "name": "lookup", "input": {"q": 1}}
			]},
			{"role": "user", "content": [
				{"type": "tool_result", "tool_use_id": "toolu_1", "content": [{"type": "text", "text": "42"}]},
				{"type": "text", "text": "and now?"}
			]}
		]
	}`
	req, _, err := ParseAnthropicMessages([]byte(body))
	require.NoError(t, err)

	assert.Equal(t, "be kind\nbe brief", req.System)
	require.NotNil(t, req.MaxTokens)
	assert.Equal(t, 1024, *req.MaxTokens)
	assert.Equal(t, ToolChoiceTool("lookup"), req.ToolChoice)

	require.Len(t, req.Messages, 4)
	assert.Equal(t, "user", req.Messages[0].Role)
	assert.Equal(t, "assistant", req.Messages[1].Role)
	assert.Equal(t, "checking", FlattenText(req.Messages[1].Content))
	require.Len(t, req.Messages[1].ToolCalls, 1)
	assert.JSONEq(t, `{"q":1}`, req.Messages[1].ToolCalls[0].Arguments)

	// The tool_result becomes its own turn, before the trailing text.
	assert.Equal(t, "tool", req.Messages[2].Role)
	assert.Equal(t, "toolu_1", req.Messages[2].ToolCallID)
	assert.Equal(t, "42", FlattenText(req.Messages[2].Content))
	assert.Equal(t, "user", req.Messages[3].Role)
	assert.Equal(t, "and now?", FlattenText(req.Messages[3].Content))
}

func TestRenderAnthropicMessage(t *testing.T) {
	c := &Completion{
		Content:    "result",
		Reasoning:  "why",
		StopReason: StopToolUse,
		ToolCalls:  []ToolCall{{ID: "toolu_9", Name: "lookup", Arguments: `{"q":3}`}},
		Usage:      Usage{InputTokens: 2, OutputTokens: 8},
	}
	out := RenderAnthropicMessage(c, "alias-model")
	assert.Equal(t, "tool_use", out["stop_reason"])

	content := out["content"].([]map[string]any)
	require.Len(t, content, 3)
	assert.Equal(t, "thinking", content[0]["type"])
	assert.Equal(t, "why", content[0]["thinking"])
	assert.Equal(t, "text", content[1]["type"])
	assert.Equal(t, "tool_use", content[2]["type"])
	assert.Equal(t, map[string]any{"q": float64(3)}, content[2]["input"])
}

func TestRenderAnthropicMessageToolOnly(t *testing.T) {
	c := &Completion{
		StopReason: StopToolUse,
		ToolCalls:  []ToolCall{{ID: "toolu_1", Name: "lookup", Arguments: "{}"}},
	}
	out := RenderAnthropicMessage(c, "m")
	content := out["content"].([]map[string]any)
	// No empty text block alongside a tool call.
	require.Len(t, content, 1)
	assert.Equal(t, "tool_use", content[0]["type"])
}

// Canonical events rendered as messages-protocol SSE and normalized
// back must preserve content, reasoning, tool calls, usage and stop.
func TestAnthropicStreamRoundTrip(t *testing.T) {
	ch := make(chan StreamEvent, 16)
	ch <- StreamEvent{Reasoning: "mull "}
	ch <- StreamEvent{Reasoning: "it over"}
	ch <- StreamEvent{Content: "answer "}
	ch <- StreamEvent{Content: "text"}
	ch <- StreamEvent{Tool: &ToolCallDelta{Index: 0, ID: "toolu_r", Name: "lookup", Arguments: `{"q":`}}
	ch <- StreamEvent{Tool: &ToolCallDelta{Index: 0, Arguments: `7}`}}
	ch <- StreamEvent{Usage: &Usage{InputTokens: 11, OutputTokens: 23}}
	ch <- StreamEvent{Stop: StopToolUse}
	close(ch)

	rec := httptest.NewRecorder()
	w, ok := NewSSEWriter(rec)
	require.True(t, ok)
	sent, err := StreamAnthropic(w, "m", ch)
	require.NoError(t, err)
	assert.Equal(t, "answer text", sent.Content)

	got, err := Collect(NormalizeAnthropicStream(rec.Body))
	require.NoError(t, err)
	assert.Equal(t, "answer text", got.Content)
	assert.Equal(t, "mull it over", got.Reasoning)
	require.Len(t, got.ToolCalls, 1)
	assert.Equal(t, ToolCall{ID: "toolu_r", Name: "lookup", Arguments: `{"q":7}`}, got.ToolCalls[0])
	assert.Equal(t, StopToolUse, got.StopReason)
	assert.Equal(t, Usage{InputTokens: 11, OutputTokens: 23}, got.Usage)
}

func TestStreamAnthropicBlockFraming(t *testing.T) {
	ch := make(chan StreamEvent, 8)
	ch <- StreamEvent{Reasoning: "think"}
	ch <- StreamEvent{Content: "say"}
	ch <- StreamEvent{Stop: StopEnd}
	close(ch)

	rec := httptest.NewRecorder()
	w, ok := NewSSEWriter(rec)
	require.True(t, ok)
	_, err := StreamAnthropic(w, "m", ch)
	require.NoError(t, err)

	body := rec.Body.String()
	assert.Contains(t, body, "event: message_start")
	assert.Contains(t, body, `"thinking_delta"`)
	assert.Contains(t, body, `"text_delta"`)
	assert.Contains(t, body, `"stop_reason":"end_turn"`)
	assert.Contains(t, body, "event: message_stop")
	// The thinking block closes before the text block opens.
	assert.Less(t,
		strings.Index(body, `"thinking_delta"`),
		strings.Index(body, `"text_delta"`))
}

func TestStreamAnthropicMidStreamError(t *testing.T) {
	ch := make(chan StreamEvent, 4)
	ch <- StreamEvent{Content: "partial"}
	ch <- StreamEvent{Err: io.ErrUnexpectedEOF}
	close(ch)

	rec := httptest.NewRecorder()
	w, ok := NewSSEWriter(rec)
	require.True(t, ok)
	agg, err := StreamAnthropic(w, "m", ch)
	require.Error(t, err)
	assert.Equal(t, "partial", agg.Content)

	body := rec.Body.String()
	assert.Contains(t, body, "event: error")
	assert.NotContains(t, body, "message_stop")

	// The error survives a normalize pass too.
	_, err = Collect(NormalizeAnthropicStream(rec.Body))
	require.Error(t, err)
}
