package adapter

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// OpenAI responses wire structures. The responses API flattens tool
// definitions (no nested "function" object) and carries conversation
// input either as a bare string or a list of typed items.

type ResponsesRequest struct {
	Model           string          `json:"model"`
	Input           json.RawMessage `json:"input,omitempty"`
	Instructions    string          `json:"instructions,omitempty"`
	Tools           []ResponsesTool `json:"tools,omitempty"`
	ToolChoice      json.RawMessage `json:"tool_choice,omitempty"`
	MaxOutputTokens *int            `json:"max_output_tokens,omitempty"`
	Temperature     *float64        `json:"temperature,omitempty"`
	TopP            *float64        `json:"top_p,omitempty"`
	Stream          bool            `json:"stream,omitempty"`
	// Gateway extension: pin a specific attached account.
	ProviderAccountID string `json:"provider_account_id,omitempty"`
}

type ResponsesTool struct {
	Type        string         `json:"type"`
	Name        string         `json:"name,omitempty"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

type responsesInputItem struct {
	Type    string          `json:"type,omitempty"`
	Role    string          `json:"role,omitempty"`
	Content json.RawMessage `json:"content,omitempty"`
	// function_call / function_call_output items
	CallID    string `json:"call_id,omitempty"`
	Name      string `json:"name,omitempty"`
	Arguments string `json:"arguments,omitempty"`
	Output    string `json:"output,omitempty"`
}

type responsesContentPart struct {
	Type     string `json:"type"`
	Text     string `json:"text,omitempty"`
	ImageURL string `json:"image_url,omitempty"`
}

// ParseResponses converts an inbound /v1/responses body into the
// neutral request.
func ParseResponses(body []byte) (*Request, *ResponsesRequest, error) {
	var in ResponsesRequest
	if err := json.Unmarshal(body, &in); err != nil {
		return nil, nil, fmt.Errorf("invalid request body: %w", err)
	}
	if in.Model == "" {
		return nil, nil, fmt.Errorf("missing required field: model")
	}

	req := &Request{
		Model:       in.Model,
		System:      in.Instructions,
		Stream:      in.Stream,
		Temperature: in.Temperature,
		TopP:        in.TopP,
		MaxTokens:   in.MaxOutputTokens,
	}
	req.ToolChoice = parseOpenAIToolChoice(in.ToolChoice)
	for _, t := range in.Tools {
		if t.Type != "function" {
			continue
		}
		req.Tools = append(req.Tools, ToolDef{Name: t.Name, Description: t.Description, Parameters: t.Parameters})
	}

	if len(in.Input) > 0 {
		var s string
		if err := json.Unmarshal(in.Input, &s); err == nil {
			req.Messages = append(req.Messages, Message{Role: "user", Content: []Block{TextBlock(s)}})
		} else {
			var items []responsesInputItem
			if err := json.Unmarshal(in.Input, &items); err != nil {
				return nil, nil, fmt.Errorf("invalid input field")
			}
			for _, item := range items {
				switch item.Type {
				case "", "message":
					role := item.Role
					if role == "" {
						role = "user"
					}
					req.Messages = append(req.Messages, Message{Role: role, Content: parseResponsesContent(item.Content)})
				case "function_call":
					req.Messages = append(req.Messages, Message{
						Role:      "assistant",
						ToolCalls: []ToolCall{{ID: item.CallID, Name: item.Name, Arguments: item.Arguments}},
					})
				case "function_call_output":
					req.Messages = append(req.Messages, Message{
						Role:       "tool",
						ToolCallID: item.CallID,
						Content:    []Block{TextBlock(item.Output)},
					})
				}
			}
		}
	}
	return req, &in, nil
}

func parseResponsesContent(raw json.RawMessage) []Block {
	if len(raw) == 0 {
		return nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return []Block{TextBlock(s)}
	}
	var parts []responsesContentPart
	if err := json.Unmarshal(raw, &parts); err != nil {
		return nil
	}
	var blocks []Block
	for _, p := range parts {
		switch p.Type {
		case "input_text", "output_text", "text":
			blocks = append(blocks, TextBlock(p.Text))
		case "input_image":
			blocks = append(blocks, Block{Type: "image", ImageURL: p.ImageURL})
		}
	}
	return blocks
}

func renderResponsesOutput(c *Completion) []map[string]any {
	output := []map[string]any{}
	if c.Reasoning != "" {
		output = append(output, map[string]any{
			"id":      "rs_" + uuid.New().String(),
			"type":    "reasoning",
			"summary": []map[string]any{{"type": "summary_text", "text": c.Reasoning}},
		})
	}
	if c.Content != "" || len(c.ToolCalls) == 0 {
		output = append(output, map[string]any{
			"id":     "msg_" + uuid.New().String(),
			"type":   "message",
			"role":   "assistant",
			"status": "completed",
			"content": []map[string]any{{
				"type":        "output_text",
				"text":        c.Content,
				"annotations": []any{},
			}},
		})
	}
	for _, tc := range c.ToolCalls {
		output = append(output, map[string]any{
			"id":        "fc_" + uuid.New().String(),
			"type":      "function_call",
			"status":    "completed",
			"call_id":   tc.ID,
			"name":      tc.Name,
			"arguments": tc.Arguments,
		})
	}
	return output
}

// RenderResponses renders the canonical completion in the responses
// shape.
func RenderResponses(c *Completion, model string) map[string]any {
	return map[string]any{
		"id":         "resp_" + uuid.New().String(),
		"object":     "response",
		"created_at": time.Now().Unix(),
		"status":     "completed",
		"model":      model,
		"output":     renderResponsesOutput(c),
		"usage": map[string]any{
			"input_tokens":  c.Usage.InputTokens,
			"output_tokens": c.Usage.OutputTokens,
			"total_tokens":  c.Usage.InputTokens + c.Usage.OutputTokens,
		},
	}
}

// StreamResponses renders canonical events as responses-protocol SSE:
// response.created, then text/reasoning/function-call deltas, closed by
// response.completed carrying the full response body and usage.
func StreamResponses(w *SSEWriter, model string, events <-chan StreamEvent) (*Completion, error) {
	var (
		agg       Completion
		toolAcc   = map[int]*toolAccumulator{}
		toolOrder []int
		stop      string
		id        = "resp_" + uuid.New().String()
		seq       int
	)
	agg.Model = model

	event := func(name string, payload map[string]any) {
		payload["type"] = name
		payload["sequence_number"] = seq
		seq++
		_ = w.Event(name, payload)
	}

	event("response.created", map[string]any{
		"response": map[string]any{"id": id, "object": "response", "status": "in_progress", "model": model},
	})

	for ev := range events {
		switch {
		case ev.Err != nil:
			for _, idx := range toolOrder {
				acc := toolAcc[idx]
				agg.ToolCalls = append(agg.ToolCalls, ToolCall{ID: acc.id, Name: acc.name, Arguments: acc.args.String()})
			}
			event("response.failed", map[string]any{
				"response": map[string]any{
					"id":     id,
					"status": "failed",
					"error":  map[string]any{"code": "upstream_error", "message": ev.Err.Error()},
				},
			})
			return &agg, ev.Err
		case ev.Usage != nil:
			agg.Usage.Add(*ev.Usage)
		case ev.Content != "":
			agg.Content += ev.Content
			event("response.output_text.delta", map[string]any{"delta": ev.Content})
		case ev.Reasoning != "":
			agg.Reasoning += ev.Reasoning
			event("response.reasoning_text.delta", map[string]any{"delta": ev.Reasoning})
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
			if ev.Tool.Arguments != "" {
				event("response.function_call_arguments.delta", map[string]any{
					"output_index": ev.Tool.Index,
					"delta":        ev.Tool.Arguments,
				})
			}
		}
		if ev.Stop != "" {
			stop = ev.Stop
		}
	}

	for _, idx := range toolOrder {
		acc := toolAcc[idx]
		agg.ToolCalls = append(agg.ToolCalls, ToolCall{ID: acc.id, Name: acc.name, Arguments: acc.args.String()})
	}
	if stop == "" {
		stop = StopEnd
		if len(agg.ToolCalls) > 0 {
			stop = StopToolUse
		}
	}
	agg.StopReason = stop

	event("response.completed", map[string]any{
		"response": map[string]any{
			"id":     id,
			"object": "response",
			"status": "completed",
			"model":  model,
			"output": renderResponsesOutput(&agg),
			"usage": map[string]any{
				"input_tokens":  agg.Usage.InputTokens,
				"output_tokens": agg.Usage.OutputTokens,
				"total_tokens":  agg.Usage.InputTokens + agg.Usage.OutputTokens,
			},
		},
	})
	return &agg, nil
}
