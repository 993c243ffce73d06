package adapter

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/google/uuid"
)

// OpenAI chat-completions wire structures. Content accepts both the
// plain-string and block-array forms.

type OpenAIChatRequest struct {
	Model               string          `json:"model"`
	Messages            []OpenAIMessage `json:"messages"`
	Stream              bool            `json:"stream,omitempty"`
	Temperature         *float64        `json:"temperature,omitempty"`
	TopP                *float64        `json:"top_p,omitempty"`
	MaxTokens           *int            `json:"max_tokens,omitempty"`
	MaxCompletionTokens *int            `json:"max_completion_tokens,omitempty"`
	Stop                json.RawMessage `json:"stop,omitempty"`
	Tools               []OpenAITool    `json:"tools,omitempty"`
	ToolChoice          json.RawMessage `json:"tool_choice,omitempty"`
	// Gateway extension: pin a specific attached account.
	ProviderAccountID string `json:"provider_account_id,omitempty"`
}

type OpenAIMessage struct {
	Role             string           `json:"role"`
	Content          json.RawMessage  `json:"content,omitempty"`
	ReasoningContent string           `json:"reasoning_content,omitempty"`
	ToolCalls        []OpenAIToolCall `json:"tool_calls,omitempty"`
	ToolCallID       string           `json:"tool_call_id,omitempty"`
}

type OpenAITool struct {
	Type     string `json:"type"`
	Function struct {
		Name        string         `json:"name"`
		Description string         `json:"description,omitempty"`
		Parameters  map[string]any `json:"parameters,omitempty"`
	} `json:"function"`
}

type OpenAIToolCall struct {
	Index    int    `json:"index"`
	ID       string `json:"id,omitempty"`
	Type     string `json:"type,omitempty"`
	Function struct {
		Name      string `json:"name,omitempty"`
		Arguments string `json:"arguments,omitempty"`
	} `json:"function"`
}

type openAIContentPart struct {
	Type     string `json:"type"`
	Text     string `json:"text,omitempty"`
	ImageURL *struct {
		URL string `json:"url"`
	} `json:"image_url,omitempty"`
}

// ParseOpenAIChat converts an inbound chat-completions body into the
// neutral request.
func ParseOpenAIChat(body []byte) (*Request, *OpenAIChatRequest, error) {
	var in OpenAIChatRequest
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
		MaxTokens:   in.MaxTokens,
	}
	if req.MaxTokens == nil {
		req.MaxTokens = in.MaxCompletionTokens
	}
	req.Stop = parseStringOrList(in.Stop)
	req.ToolChoice = parseOpenAIToolChoice(in.ToolChoice)

	for _, t := range in.Tools {
		if t.Type != "function" {
			// Unsupported tool kinds are dropped, not forwarded.
			continue
		}
		req.Tools = append(req.Tools, ToolDef{
			Name:        t.Function.Name,
			Description: t.Function.Description,
			Parameters:  t.Function.Parameters,
		})
	}

	var systemParts []string
	for _, m := range in.Messages {
		switch m.Role {
		case "system", "developer":
			systemParts = append(systemParts, FlattenText(parseOpenAIContent(m.Content)))
		case "tool":
			req.Messages = append(req.Messages, Message{
				Role:       "tool",
				ToolCallID: m.ToolCallID,
				Content:    parseOpenAIContent(m.Content),
			})
		case "assistant":
			msg := Message{Role: "assistant", Content: parseOpenAIContent(m.Content)}
			for _, tc := range m.ToolCalls {
				msg.ToolCalls = append(msg.ToolCalls, ToolCall{
					ID:        tc.ID,
					Name:      tc.Function.Name,
					Arguments: tc.Function.Arguments,
				})
			}
			req.Messages = append(req.Messages, msg)
		default:
			req.Messages = append(req.Messages, Message{Role: "user", Content: parseOpenAIContent(m.Content)})
		}
	}
	req.System = strings.Join(systemParts, "\n")
	return req, &in, nil
}

func parseOpenAIContent(raw json.RawMessage) []Block {
	if len(raw) == 0 {
		return nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		if s == "" {
			return nil
		}
		return []Block{TextBlock(s)}
	}
	var parts []openAIContentPart
	if err := json.Unmarshal(raw, &parts); err != nil {
		return nil
	}
	var blocks []Block
	for _, p := range parts {
		switch p.Type {
		case "text":
			blocks = append(blocks, TextBlock(p.Text))
		case "image_url":
			if p.ImageURL != nil {
				blocks = append(blocks, Block{Type: "image", ImageURL: p.ImageURL.URL})
			}
		}
	}
	return blocks
}

func parseStringOrList(raw json.RawMessage) []string {
	if len(raw) == 0 {
		return nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return []string{s}
	}
	var list []string
	if err := json.Unmarshal(raw, &list); err == nil {
		return list
	}
	return nil
}

func parseOpenAIToolChoice(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		switch s {
		case "auto":
			return ToolChoiceAuto
		case "none":
			return ToolChoiceNone
		case "required":
			// OpenAI "required" maps to the neutral (Anthropic-style)
			// "any": the model must call some tool.
			return ToolChoiceAny
		}
		return ""
	}
	var obj struct {
		Type     string `json:"type"`
		Function struct {
			Name string `json:"name"`
		} `json:"function"`
	}
	if err := json.Unmarshal(raw, &obj); err == nil && obj.Function.Name != "" {
		return ToolChoiceTool(obj.Function.Name)
	}
	return ""
}

// BuildOpenAIChatPayload renders the neutral request as an upstream
// chat-completions body. Returned as a map so each provider client can
// strip the fields its upstream rejects before sending.
func BuildOpenAIChatPayload(req *Request, model string) map[string]any {
	messages := make([]map[string]any, 0, len(req.Messages)+1)
	if req.System != "" {
		messages = append(messages, map[string]any{"role": "system", "content": req.System})
	}
	for _, m := range req.Messages {
		entry := map[string]any{"role": m.Role}
		if len(m.ToolCalls) > 0 {
			calls := make([]map[string]any, 0, len(m.ToolCalls))
			for _, tc := range m.ToolCalls {
				calls = append(calls, map[string]any{
					"id":   tc.ID,
					"type": "function",
					"function": map[string]any{
						"name":      tc.Name,
						"arguments": tc.Arguments,
					},
				})
			}
			entry["tool_calls"] = calls
		}
		if m.Role == "tool" {
			entry["tool_call_id"] = m.ToolCallID
			entry["content"] = FlattenText(m.Content)
		} else if hasImage(m.Content) {
			parts := make([]map[string]any, 0, len(m.Content))
			for _, b := range m.Content {
				switch b.Type {
				case "text":
					parts = append(parts, map[string]any{"type": "text", "text": b.Text})
				case "image":
					url := b.ImageURL
					if url == "" && b.Data != "" {
						url = fmt.Sprintf("data:%s;base64,%s", b.MediaType, b.Data)
					}
					parts = append(parts, map[string]any{"type": "image_url", "image_url": map[string]any{"url": url}})
				}
			}
			entry["content"] = parts
		} else {
			entry["content"] = FlattenText(m.Content)
		}
		messages = append(messages, entry)
	}

	payload := map[string]any{
		"model":    model,
		"messages": messages,
		"stream":   req.Stream,
	}
	if req.Temperature != nil {
		payload["temperature"] = *req.Temperature
	}
	if req.TopP != nil {
		payload["top_p"] = *req.TopP
	}
	if req.MaxTokens != nil {
		payload["max_tokens"] = *req.MaxTokens
	}
	if len(req.Stop) > 0 {
		payload["stop"] = req.Stop
	}
	if len(req.Tools) > 0 {
		tools := make([]map[string]any, 0, len(req.Tools))
		for _, t := range req.Tools {
			tools = append(tools, map[string]any{
				"type": "function",
				"function": map[string]any{
					"name":        t.Name,
					"description": t.Description,
					"parameters":  t.Parameters,
				},
			})
		}
		payload["tools"] = tools
		switch {
		case req.ToolChoice == ToolChoiceAuto:
			payload["tool_choice"] = "auto"
		case req.ToolChoice == ToolChoiceNone:
			payload["tool_choice"] = "none"
		case req.ToolChoice == ToolChoiceAny:
			// Neutral "any" maps back to OpenAI "required".
			payload["tool_choice"] = "required"
		case ForcedToolName(req.ToolChoice) != "":
			payload["tool_choice"] = map[string]any{
				"type":     "function",
				"function": map[string]any{"name": ForcedToolName(req.ToolChoice)},
			}
		}
	}
	if req.Stream {
		payload["stream_options"] = map[string]any{"include_usage": true}
	}
	return payload
}

func hasImage(blocks []Block) bool {
	for _, b := range blocks {
		if b.Type == "image" {
			return true
		}
	}
	return false
}

// openAIFinish maps an OpenAI finish_reason to the canonical form.
func openAIFinish(reason string) string {
	switch reason {
	case "length":
		return StopLength
	case "tool_calls", "function_call":
		return StopToolUse
	case "content_filter":
		return StopFilter
	default:
		return StopEnd
	}
}

func canonicalToOpenAIFinish(stop string) string {
	switch stop {
	case StopLength:
		return "length"
	case StopToolUse:
		return "tool_calls"
	case StopFilter:
		return "content_filter"
	default:
		return "stop"
	}
}

type openAIUsageWire struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// ParseOpenAIChatCompletion extracts the canonical completion from a
// complete upstream chat-completions payload. splitThink handles
// upstreams that embed <think> reasoning inline in the content.
func ParseOpenAIChatCompletion(body []byte, splitThink bool) (*Completion, error) {
	var resp struct {
		Model   string `json:"model"`
		Choices []struct {
			Message      OpenAIMessage `json:"message"`
			FinishReason string        `json:"finish_reason"`
		} `json:"choices"`
		Usage *openAIUsageWire `json:"usage"`
		Error *json.RawMessage `json:"error"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("invalid upstream response: %w", err)
	}
	if resp.Error != nil {
		return nil, fmt.Errorf("upstream error: %s", string(*resp.Error))
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("upstream response has no choices")
	}

	choice := resp.Choices[0]
	out := &Completion{
		Model:      resp.Model,
		Content:    FlattenText(parseOpenAIContent(choice.Message.Content)),
		Reasoning:  choice.Message.ReasoningContent,
		StopReason: openAIFinish(choice.FinishReason),
	}
	if splitThink {
		content, reasoning := SplitThink(out.Content)
		out.Content = content
		if reasoning != "" {
			out.Reasoning += reasoning
		}
	}
	for _, tc := range choice.Message.ToolCalls {
		out.ToolCalls = append(out.ToolCalls, ToolCall{
			ID:        tc.ID,
			Name:      tc.Function.Name,
			Arguments: tc.Function.Arguments,
		})
	}
	if resp.Usage != nil {
		out.Usage = Usage{InputTokens: resp.Usage.PromptTokens, OutputTokens: resp.Usage.CompletionTokens}
	}
	return out, nil
}

// SplitThink applies the think-tag state machine to a complete text.
func SplitThink(text string) (content, reasoning string) {
	var splitter ThinkSplitter
	c, r := splitter.Feed(text)
	fc, fr := splitter.Flush()
	return c + fc, r + fr
}

// NormalizeOpenAIStream converts an upstream chat-completions SSE body
// into canonical events. The body is closed when the stream ends or ctx
// is cancelled. splitThink routes inline <think> text to the reasoning
// channel token by token.
func NormalizeOpenAIStream(ctx context.Context, body io.ReadCloser, splitThink bool) <-chan StreamEvent {
	events := make(chan StreamEvent)
	go func() {
		defer close(events)
		defer body.Close()

		var splitter ThinkSplitter
		parser := NewSSEParser(body)
		for {
			if ctx.Err() != nil {
				return
			}
			sse, err := parser.Next()
			if err == io.EOF {
				flushThink(ctx, events, &splitter, splitThink)
				return
			}
			if err != nil {
				emit(ctx, events, StreamEvent{Err: fmt.Errorf("stream read: %w", err)})
				return
			}
			if sse.Data == "[DONE]" {
				flushThink(ctx, events, &splitter, splitThink)
				return
			}

			var chunk struct {
				Choices []struct {
					Delta        OpenAIMessage `json:"delta"`
					FinishReason *string       `json:"finish_reason"`
				} `json:"choices"`
				Usage *openAIUsageWire `json:"usage"`
				Error *struct {
					Message string `json:"message"`
				} `json:"error"`
			}
			if err := json.Unmarshal([]byte(sse.Data), &chunk); err != nil {
				continue
			}
			// An error object mid-stream aborts the request; it is not
			// a normal end of data.
			if chunk.Error != nil {
				emit(ctx, events, StreamEvent{Err: fmt.Errorf("upstream stream error: %s", chunk.Error.Message)})
				return
			}
			if chunk.Usage != nil {
				emit(ctx, events, StreamEvent{Usage: &Usage{
					InputTokens:  chunk.Usage.PromptTokens,
					OutputTokens: chunk.Usage.CompletionTokens,
				}})
			}
			if len(chunk.Choices) == 0 {
				continue
			}
			choice := chunk.Choices[0]

			if choice.Delta.ReasoningContent != "" {
				emit(ctx, events, StreamEvent{Reasoning: choice.Delta.ReasoningContent})
			}
			if text := FlattenText(parseOpenAIContent(choice.Delta.Content)); text != "" {
				if splitThink {
					content, reasoning := splitter.Feed(text)
					if reasoning != "" {
						emit(ctx, events, StreamEvent{Reasoning: reasoning})
					}
					if content != "" {
						emit(ctx, events, StreamEvent{Content: content})
					}
				} else {
					emit(ctx, events, StreamEvent{Content: text})
				}
			}
			for _, tc := range choice.Delta.ToolCalls {
				emit(ctx, events, StreamEvent{Tool: &ToolCallDelta{
					Index:     tc.Index,
					ID:        tc.ID,
					Name:      tc.Function.Name,
					Arguments: tc.Function.Arguments,
				}})
			}
			if choice.FinishReason != nil && *choice.FinishReason != "" {
				flushThink(ctx, events, &splitter, splitThink)
				emit(ctx, events, StreamEvent{Stop: openAIFinish(*choice.FinishReason)})
			}
		}
	}()
	return events
}

func flushThink(ctx context.Context, events chan<- StreamEvent, splitter *ThinkSplitter, enabled bool) {
	if !enabled {
		return
	}
	content, reasoning := splitter.Flush()
	if reasoning != "" {
		emit(ctx, events, StreamEvent{Reasoning: reasoning})
	}
	if content != "" {
		emit(ctx, events, StreamEvent{Content: content})
	}
}

func emit(ctx context.Context, events chan<- StreamEvent, ev StreamEvent) bool {
	select {
	case events <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}

// RenderOpenAIChatCompletion renders the canonical completion in the
// chat-completions response shape.
func RenderOpenAIChatCompletion(c *Completion, model string) map[string]any {
	message := map[string]any{
		"role":    "assistant",
		"content": c.Content,
	}
	if c.Reasoning != "" {
		message["reasoning_content"] = c.Reasoning
	}
	if len(c.ToolCalls) > 0 {
		calls := make([]map[string]any, 0, len(c.ToolCalls))
		for _, tc := range c.ToolCalls {
			calls = append(calls, map[string]any{
				"id":   tc.ID,
				"type": "function",
				"function": map[string]any{
					"name":      tc.Name,
					"arguments": tc.Arguments,
				},
			})
		}
		message["tool_calls"] = calls
	}
	return map[string]any{
		"id":      "chatcmpl-" + uuid.New().String(),
		"object":  "chat.completion",
		"created": time.Now().Unix(),
		"model":   model,
		"choices": []map[string]any{{
			"index":         0,
			"message":       message,
			"finish_reason": canonicalToOpenAIFinish(c.StopReason),
		}},
		"usage": map[string]any{
			"prompt_tokens":     c.Usage.InputTokens,
			"completion_tokens": c.Usage.OutputTokens,
			"total_tokens":      c.Usage.InputTokens + c.Usage.OutputTokens,
		},
	}
}

// StreamOpenAIChat renders canonical events as chat-completions SSE
// chunks. It returns the aggregated completion for usage logging, and
// the upstream error if the stream aborted mid-flight (the HTTP status
// is already committed by then, so the caller can only log it).
func StreamOpenAIChat(w *SSEWriter, model string, events <-chan StreamEvent) (*Completion, error) {
	var (
		id        = "chatcmpl-" + uuid.New().String()
		created   = time.Now().Unix()
		agg       Completion
		toolAcc   = map[int]*toolAccumulator{}
		toolOrder []int
		sentRole  bool
		stop      string
	)
	agg.Model = model
	finishTools := func() {
		for _, idx := range toolOrder {
			acc := toolAcc[idx]
			agg.ToolCalls = append(agg.ToolCalls, ToolCall{ID: acc.id, Name: acc.name, Arguments: acc.args.String()})
		}
	}

	chunk := func(delta map[string]any, finish *string) map[string]any {
		choice := map[string]any{"index": 0, "delta": delta}
		if finish != nil {
			choice["finish_reason"] = *finish
		}
		return map[string]any{
			"id":      id,
			"object":  "chat.completion.chunk",
			"created": created,
			"model":   model,
			"choices": []map[string]any{choice},
		}
	}
	role := func(delta map[string]any) map[string]any {
		if !sentRole {
			delta["role"] = "assistant"
			sentRole = true
		}
		return delta
	}

	for ev := range events {
		switch {
		case ev.Err != nil:
			// Surface the failure as an SSE error event, then stop.
			finishTools()
			_ = w.Event("", map[string]any{"error": map[string]any{
				"message": ev.Err.Error(),
				"type":    "upstream_error",
			}})
			return &agg, ev.Err
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
			function := map[string]any{}
			if ev.Tool.Name != "" {
				function["name"] = ev.Tool.Name
			}
			if ev.Tool.Arguments != "" {
				function["arguments"] = ev.Tool.Arguments
			}
			call := map[string]any{"index": ev.Tool.Index, "function": function}
			if !known {
				call["id"] = ev.Tool.ID
				call["type"] = "function"
			}
			if err := w.Event("", chunk(role(map[string]any{"tool_calls": []map[string]any{call}}), nil)); err != nil {
				finishTools()
				return &agg, nil
			}
		case ev.Usage != nil:
			agg.Usage.Add(*ev.Usage)
		case ev.Content != "":
			agg.Content += ev.Content
			if err := w.Event("", chunk(role(map[string]any{"content": ev.Content}), nil)); err != nil {
				finishTools()
				return &agg, nil
			}
		case ev.Reasoning != "":
			agg.Reasoning += ev.Reasoning
			if err := w.Event("", chunk(role(map[string]any{"reasoning_content": ev.Reasoning}), nil)); err != nil {
				finishTools()
				return &agg, nil
			}
		}
		if ev.Stop != "" {
			stop = ev.Stop
		}
	}

	finishTools()
	if stop == "" {
		stop = StopEnd
		if len(agg.ToolCalls) > 0 {
			stop = StopToolUse
		}
	}
	agg.StopReason = stop
	finish := canonicalToOpenAIFinish(stop)
	_ = w.Event("", chunk(map[string]any{}, &finish))
	// Final usage chunk mirrors stream_options.include_usage behavior.
	_ = w.Event("", map[string]any{
		"id":      id,
		"object":  "chat.completion.chunk",
		"created": created,
		"model":   model,
		"choices": []map[string]any{},
		"usage": map[string]any{
			"prompt_tokens":     agg.Usage.InputTokens,
			"completion_tokens": agg.Usage.OutputTokens,
			"total_tokens":      agg.Usage.InputTokens + agg.Usage.OutputTokens,
		},
	})
	_ = w.Done()
	return &agg, nil
}
