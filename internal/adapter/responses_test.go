package adapter

import (
	"io"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseResponsesStringInput(t *testing.T) {
	req, _, err := ParseResponses([]byte(`{"model": "m", "instructions": "be terse", "input": "hello"}`))
	require.NoError(t, err)
	assert.Equal(t, "be terse", req.System)
	require.Len(t, req.Messages, 1)
	assert.Equal(t, "user", req.Messages[0].Role)
	assert.Equal(t, "hello", FlattenText(req.Messages[0].Content))
}

func TestParseResponsesItemInput(t *testing.T) {
	body := `{
		"model": "m",
		"tools": [{"type": "function", "name": "lookup", "parameters": {"type": "object"}}],
		"input": [
			{"role": "user", "content": [{"type": "input_text", "text": "hi"}]},
			{"type": "function_call", "call_id": "call_1", "name": "lookup", "arguments": "{\"q\":1}"},
			{"type": "function_call_output", "call_id": "call_1", "output": "42"}
		]
	}`
	req, _, err := ParseResponses([]byte(body))
	require.NoError(t, err)

	require.Len(t, req.Tools, 1)
	assert.Equal(t, "lookup", req.Tools[0].Name)

	require.Len(t, req.Messages, 3)
	assert.Equal(t, "user", req.Messages[0].Role)
	assert.Equal(t, "assistant", req.Messages[1].Role)
	require.Len(t, req.Messages[1].ToolCalls, 1)
	assert.Equal(t, "call_1", req.Messages[1].ToolCalls[0].ID)
	assert.Equal(t, "tool", req.Messages[2].Role)
	assert.Equal(t, "42", FlattenText(req.Messages[2].Content))
}

func TestRenderResponses(t *testing.T) {
	c := &Completion{
		Content:    "out",
		Reasoning:  "why",
		StopReason: StopToolUse,
		ToolCalls:  []ToolCall{{ID: "call_1", Name: "lookup", Arguments: "{}"}},
		Usage:      Usage{InputTokens: 4, OutputTokens: 6},
	}
	out := RenderResponses(c, "alias-model")
	assert.Equal(t, "completed", out["status"])

	output := out["output"].([]map[string]any)
	require.Len(t, output, 3)
	assert.Equal(t, "reasoning", output[0]["type"])
	assert.Equal(t, "message", output[1]["type"])
	assert.Equal(t, "function_call", output[2]["type"])
	assert.Equal(t, "call_1", output[2]["call_id"])

	usage := out["usage"].(map[string]any)
	assert.Equal(t, 10, usage["total_tokens"])
}

func TestStreamResponses(t *testing.T) {
	ch := make(chan StreamEvent, 8)
	ch <- StreamEvent{Reasoning: "ponder"}
	ch <- StreamEvent{Content: "result"}
	ch <- StreamEvent{Tool: &ToolCallDelta{Index: 0, ID: "call_s", Name: "lookup", Arguments: "{}"}}
	ch <- StreamEvent{Usage: &Usage{InputTokens: 1, OutputTokens: 2}}
	ch <- StreamEvent{Stop: StopToolUse}
	close(ch)

	rec := httptest.NewRecorder()
	w, ok := NewSSEWriter(rec)
	require.True(t, ok)
	agg, err := StreamResponses(w, "m", ch)
	require.NoError(t, err)

	assert.Equal(t, "result", agg.Content)
	assert.Equal(t, "ponder", agg.Reasoning)
	require.Len(t, agg.ToolCalls, 1)
	assert.Equal(t, StopToolUse, agg.StopReason)

	body := rec.Body.String()
	assert.Contains(t, body, "event: response.created")
	assert.Contains(t, body, "event: response.reasoning_text.delta")
	assert.Contains(t, body, "event: response.output_text.delta")
	assert.Contains(t, body, "event: response.function_call_arguments.delta")
	assert.Contains(t, body, "event: response.completed")
	// sequence numbers start at 0 on response.created
	assert.Contains(t, body, `"sequence_number":0`)
}

func TestStreamResponsesFailure(t *testing.T) {
	ch := make(chan StreamEvent, 2)
	ch <- StreamEvent{Content: "partial"}
	ch <- StreamEvent{Err: io.ErrUnexpectedEOF}
	close(ch)

	rec := httptest.NewRecorder()
	w, ok := NewSSEWriter(rec)
	require.True(t, ok)
	agg, err := StreamResponses(w, "m", ch)
	require.Error(t, err)
	assert.Equal(t, "partial", agg.Content)

	body := rec.Body.String()
	assert.Contains(t, body, "event: response.failed")
	assert.NotContains(t, body, "response.completed")
}
