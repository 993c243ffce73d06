package adapter

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/google/uuid"
)

// Anthropic messages wire structures.

type AnthropicRequest struct {
	Model         string             `json:"model"`
	System        json.RawMessage    `json:"system,omitempty"`
	Messages      []AnthropicMessage `json:"messages"`
	Tools         []AnthropicTool    `json:"tools,omitempty"`
	ToolChoice    *AnthropicChoice   `json:"tool_choice,omitempty"`
	MaxTokens     int                `json:"max_tokens"`
	Temperature   *float64           `json:"temperature,omitempty"`
	TopP          *float64           `json:"top_p,omitempty"`
	StopSequences []string           `json:"stop_sequences,omitempty"`
	Stream        bool               `json:"stream,omitempty"`
	// Gateway extension: pin a specific attached account.
	ProviderAccountID string `json:"provider_account_id,omitempty"`
}

type AnthropicMessage struct {
	Role    string          `json:"role"`
	Content json.RawMessage `json:"content"`
}

type AnthropicTool struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	InputSchema map[string]any `json:"input_schema,omitempty"`
}

type AnthropicChoice struct {
	Type string `json:"type"` // "auto", "any", "none", "tool"
	Name string `json:"name,omitempty"`
}

type anthropicContentBlock struct {
	Type      string          `json:"type"`
	Text      string          `json:"text,omitempty"`
	Thinking  string          `json:"thinking,omitempty"`
	ID        string          `json:"id,omitempty"`
	Name      string          `json:"name,omitempty"`
	Input     json.RawMessage `json:"input,omitempty"`
	ToolUseID string          `json:"tool_use_id,omitempty"`
	Content   json.RawMessage `json:"content,omitempty"`
	Source    *struct {
		Type      string `json:"type"`
		MediaType string `json:"media_type,omitempty"`
		Data      string `json:"data,omitempty"`
		URL       string `json:"url,omitempty"`
	} `json:"source,omitempty"`
}

// ParseAnthropicMessages converts an inbound /v1/messages body into the
// neutral request.
func ParseAnthropicMessages(body []byte) (*Request, *AnthropicRequest, error) {
	var in AnthropicRequest
	if err := json.Unmarshal(body, &in); err != nil {
		return nil, nil, fmt.Errorf("invalid request body: %w", err)
	}
	if in.Model == "" {
		return nil, nil, fmt.Errorf("missing required field: model")
	}

	req := &Request{
		Model:       in.Model,
		Stream:      in.Stream,
		Temperature: in.Temperature,
		TopP:        in.TopP,
		Stop:        in.StopSequences,
		System:      parseAnthropicSystem(in.System),
	}
	if in.MaxTokens > 0 {
		mt := in.MaxTokens
		req.MaxTokens = &mt
	}
	if in.ToolChoice != nil {
		switch in.ToolChoice.Type {
		case "auto":
			req.ToolChoice = ToolChoiceAuto
		case "none":
			req.ToolChoice = ToolChoiceNone
		case "any":
			req.ToolChoice = ToolChoiceAny
		case "tool":
			req.ToolChoice = ToolChoiceTool(in.ToolChoice.Name)
		}
	}
	for _, t := range in.Tools {
		req.Tools = append(req.Tools, ToolDef{
			Name:        t.Name,
			Description: t.Description,
			Parameters:  t.InputSchema,
		})
	}

	for _, m := range in.Messages {
		msgs := parseAnthropicMessage(m)
		req.Messages = append(req.Messages, msgs...)
	}
	return req, &in, nil
}

func parseAnthropicSystem(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var blocks []anthropicContentBlock
	if err := json.Unmarshal(raw, &blocks); err != nil {
		return ""
	}
	var parts []string
	for _, b := range blocks {
		if b.Type == "text" && b.Text != "" {
			parts = append(parts, b.Text)
		}
	}
	return strings.Join(parts, "\n")
}

// parseAnthropicMessage expands one Anthropic message into neutral
// turns. tool_result blocks become standalone tool turns so the
// OpenAI-compatible upstream payload keeps its pairing rules.
func parseAnthropicMessage(m AnthropicMessage) []Message {
	var s string
	if err := json.Unmarshal(m.Content, &s); err == nil {
		return []Message{{Role: m.Role, Content: []Block{TextBlock(s)}}}
	}
	var blocks []anthropicContentBlock
	if err := json.Unmarshal(m.Content, &blocks); err != nil {
		return nil
	}

	var out []Message
	current := Message{Role: m.Role}
	flush := func() {
		if len(current.Content) > 0 || len(current.ToolCalls) > 0 {
			out = append(out, current)
			current = Message{Role: m.Role}
		}
	}
	for _, b := range blocks {
		switch b.Type {
		case "text":
			current.Content = append(current.Content, TextBlock(b.Text))
		case "image":
			if b.Source != nil {
				current.Content = append(current.Content, Block{
					Type:      "image",
					MediaType: b.Source.MediaType,
					Data:      b.Source.Data,
					ImageURL:  b.Source.URL,
				})
			}
		case "tool_use":
			current.ToolCalls = append(current.ToolCalls, ToolCall{
				ID:        b.ID,
				Name:      b.Name,
				Arguments: string(b.Input),
			})
		case "tool_result":
			flush()
			out = append(out, Message{
				Role:       "tool",
				ToolCallID: b.ToolUseID,
				Content:    []Block{TextBlock(flattenToolResult(b.Content))},
			})
		}
		// "thinking" blocks on inbound assistant turns are dropped;
		// upstreams regenerate their own reasoning.
	}
	flush()
	return out
}

func flattenToolResult(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var blocks []anthropicContentBlock
	if err := json.Unmarshal(raw, &blocks); err != nil {
		return string(raw)
	}
	var parts []string
	for _, b := range blocks {
		if b.Type == "text" {
			parts = append(parts, b.Text)
		}
	}
	return strings.Join(parts, "\n")
}

func canonicalToAnthropicStop(stop string) string {
	switch stop {
	case StopLength:
		return "max_tokens"
	case StopToolUse:
		return "tool_use"
	default:
		return "end_turn"
	}
}

func anthropicToCanonicalStop(reason string) string {
	switch reason {
	case "max_tokens":
		return StopLength
	case "tool_use":
		return StopToolUse
	default:
		return StopEnd
	}
}

// RenderAnthropicMessage renders the canonical completion in the
// messages response shape. Reasoning becomes a thinking block.
func RenderAnthropicMessage(c *Completion, model string) map[string]any {
	content := []map[string]any{}
	if c.Reasoning != "" {
		content = append(content, map[string]any{"type": "thinking", "thinking": c.Reasoning})
	}
	if c.Content != "" || len(c.ToolCalls) == 0 {
		content = append(content, map[string]any{"type": "text", "text": c.Content})
	}
	for _, tc := range c.ToolCalls {
		var input any = map[string]any{}
		if tc.Arguments != "" {
			var parsed any
			if err := json.Unmarshal([]byte(tc.Arguments), &parsed); err == nil {
				input = parsed
			}
		}
		content = append(content, map[string]any{
			"type":  "tool_use",
			"id":    tc.ID,
			"name":  tc.Name,
			"input": input,
		})
	}
	return map[string]any{
		"id":            "msg_" + uuid.New().String(),
		"type":          "message",
		"role":          "assistant",
		"model":         model,
		"content":       content,
		"stop_reason":   canonicalToAnthropicStop(c.StopReason),
		"stop_sequence": nil,
		"usage": map[string]any{
			"input_tokens":  c.Usage.InputTokens,
			"output_tokens": c.Usage.OutputTokens,
		},
	}
}

// StreamAnthropic renders canonical events as messages-protocol SSE:
// message_start, content_block_start/delta/stop per block, then
// message_delta carrying stop reason and usage, and message_stop.
func StreamAnthropic(w *SSEWriter, model string, events <-chan StreamEvent) (*Completion, error) {
	var (
		agg        Completion
		blockIndex = -1
		blockType  string
		toolAcc    = map[int]*toolAccumulator{}
		toolOrder  []int
		openTool   = -1
		stop       string
	)
	agg.Model = model

	_ = w.Event("message_start", map[string]any{
		"type": "message_start",
		"message": map[string]any{
			"id":          "msg_" + uuid.New().String(),
			"type":        "message",
			"role":        "assistant",
			"model":       model,
			"content":     []any{},
			"stop_reason": nil,
			"usage":       map[string]any{"input_tokens": 0, "output_tokens": 0},
		},
	})

	closeBlock := func() {
		if blockType == "" {
			return
		}
		_ = w.Event("content_block_stop", map[string]any{
			"type":  "content_block_stop",
			"index": blockIndex,
		})
		blockType = ""
		openTool = -1
	}
	openBlock := func(kind string, start map[string]any) {
		blockIndex++
		blockType = kind
		start["type"] = "content_block_start"
		start["index"] = blockIndex
		_ = w.Event("content_block_start", start)
	}
	delta := func(payload map[string]any) {
		_ = w.Event("content_block_delta", map[string]any{
			"type":  "content_block_delta",
			"index": blockIndex,
			"delta": payload,
		})
	}
	finishTools := func() {
		for _, idx := range toolOrder {
			acc := toolAcc[idx]
			agg.ToolCalls = append(agg.ToolCalls, ToolCall{ID: acc.id, Name: acc.name, Arguments: acc.args.String()})
		}
	}

	for ev := range events {
		switch {
		case ev.Err != nil:
			closeBlock()
			finishTools()
			_ = w.Event("error", map[string]any{
				"type":  "error",
				"error": map[string]any{"type": "api_error", "message": ev.Err.Error()},
			})
			return &agg, ev.Err
		case ev.Usage != nil:
			agg.Usage.Add(*ev.Usage)
		case ev.Reasoning != "":
			if blockType != "thinking" {
				closeBlock()
				openBlock("thinking", map[string]any{
					"content_block": map[string]any{"type": "thinking", "thinking": ""},
				})
			}
			agg.Reasoning += ev.Reasoning
			delta(map[string]any{"type": "thinking_delta", "thinking": ev.Reasoning})
		case ev.Content != "":
			if blockType != "text" {
				closeBlock()
				openBlock("text", map[string]any{
					"content_block": map[string]any{"type": "text", "text": ""},
				})
			}
			agg.Content += ev.Content
			delta(map[string]any{"type": "text_delta", "text": ev.Content})
		case ev.Tool != nil:
			acc, known := toolAcc[ev.Tool.Index]
			if !known {
				acc = &toolAccumulator{}
				toolAcc[ev.Tool.Index] = acc
				toolOrder = append(toolOrder, ev.Tool.Index)
			}
			if ev.Tool.ID != "" {
				acc.id = ev.Tool.ID
			}
			if ev.Tool.Name != "" {
				acc.name = ev.Tool.Name
			}
			acc.args.WriteString(ev.Tool.Arguments)
			if openTool != ev.Tool.Index {
				closeBlock()
				openBlock("tool_use", map[string]any{
					"content_block": map[string]any{
						"type":  "tool_use",
						"id":    acc.id,
						"name":  acc.name,
						"input": map[string]any{},
					},
				})
				openTool = ev.Tool.Index
			}
			if ev.Tool.Arguments != "" {
				delta(map[string]any{"type": "input_json_delta", "partial_json": ev.Tool.Arguments})
			}
		}
		if ev.Stop != "" {
			stop = ev.Stop
		}
	}

	closeBlock()
	finishTools()
	if stop == "" {
		stop = StopEnd
		if len(agg.ToolCalls) > 0 {
			stop = StopToolUse
		}
	}
	agg.StopReason = stop

	_ = w.Event("message_delta", map[string]any{
		"type":  "message_delta",
		"delta": map[string]any{"stop_reason": canonicalToAnthropicStop(stop), "stop_sequence": nil},
		"usage": map[string]any{
			"input_tokens":  agg.Usage.InputTokens,
			"output_tokens": agg.Usage.OutputTokens,
		},
	})
	_ = w.Event("message_stop", map[string]any{"type": "message_stop"})
	return &agg, nil
}

// NormalizeAnthropicStream parses a messages-protocol SSE stream back
// into canonical events. The inverse of StreamAnthropic; the round-trip
// tests rely on the two agreeing, and a future Anthropic-native
// provider client would normalize with this.
func NormalizeAnthropicStream(body io.Reader) <-chan StreamEvent {
	events := make(chan StreamEvent)
	go func() {
		defer close(events)

		parser := NewSSEParser(body)
		toolIndexByBlock := map[int]int{}
		nextToolIndex := 0
		for {
			sse, err := parser.Next()
			if err == io.EOF {
				return
			}
			if err != nil {
				events <- StreamEvent{Err: fmt.Errorf("stream read: %w", err)}
				return
			}

			var payload struct {
				Type  string `json:"type"`
				Index int    `json:"index"`
				Error *struct {
					Message string `json:"message"`
				} `json:"error"`
				ContentBlock *struct {
					Type string `json:"type"`
					ID   string `json:"id"`
					Name string `json:"name"`
				} `json:"content_block"`
				Delta *struct {
					Type        string `json:"type"`
					Text        string `json:"text"`
					Thinking    string `json:"thinking"`
					PartialJSON string `json:"partial_json"`
					StopReason  string `json:"stop_reason"`
				} `json:"delta"`
				Usage *struct {
					InputTokens  int `json:"input_tokens"`
					OutputTokens int `json:"output_tokens"`
				} `json:"usage"`
			}
			if err := json.Unmarshal([]byte(sse.Data), &payload); err != nil {
				continue
			}

			switch payload.Type {
			case "error":
				msg := "upstream stream error"
				if payload.Error != nil {
					msg = payload.Error.Message
				}
				events <- StreamEvent{Err: fmt.Errorf("upstream stream error: %s", msg)}
				return
			case "content_block_start":
				if payload.ContentBlock != nil && payload.ContentBlock.Type == "tool_use" {
					toolIndexByBlock[payload.Index] = nextToolIndex
					events <- StreamEvent{Tool: &ToolCallDelta{
						Index: nextToolIndex,
						ID:    payload.ContentBlock.ID,
						Name:  payload.ContentBlock.Name,
					}}
					nextToolIndex++
				}
			case "content_block_delta":
				if payload.Delta == nil {
					continue
				}
				switch payload.Delta.Type {
				case "text_delta":
					if payload.Delta.Text != "" {
						events <- StreamEvent{Content: payload.Delta.Text}
					}
				case "thinking_delta":
					if payload.Delta.Thinking != "" {
						events <- StreamEvent{Reasoning: payload.Delta.Thinking}
					}
				case "input_json_delta":
					if idx, ok := toolIndexByBlock[payload.Index]; ok && payload.Delta.PartialJSON != "" {
						events <- StreamEvent{Tool: &ToolCallDelta{Index: idx, Arguments: payload.Delta.PartialJSON}}
					}
				}
			case "message_delta":
				if payload.Usage != nil {
					events <- StreamEvent{Usage: &Usage{
						InputTokens:  payload.Usage.InputTokens,
						OutputTokens: payload.Usage.OutputTokens,
					}}
				}
				if payload.Delta != nil && payload.Delta.StopReason != "" {
					events <- StreamEvent{Stop: anthropicToCanonicalStop(payload.Delta.StopReason)}
				}
			case "message_stop":
				return
			}
		}
	}()
	return events
}
