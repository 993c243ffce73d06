package adapter

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/google/uuid"
)

// Gemini native wire structures (Cloud Code API wrapper: the actual
// generate request nests under "request" next to project and requestId).

type GeminiRequest struct {
	Project   string               `json:"project,omitempty"`
	RequestID string               `json:"requestId"`
	Model     string               `json:"model"`
	Request   GeminiRequestPayload `json:"request"`
}

type GeminiRequestPayload struct {
	Contents          []GeminiContent         `json:"contents"`
	SystemInstruction *GeminiContent          `json:"systemInstruction,omitempty"`
	GenerationConfig  *GeminiGenerationConfig `json:"generationConfig,omitempty"`
	Tools             []GeminiTool            `json:"tools,omitempty"`
	ToolConfig        *GeminiToolConfig       `json:"toolConfig,omitempty"`
}

type GeminiContent struct {
	Role  string       `json:"role,omitempty"`
	Parts []GeminiPart `json:"parts"`
}

type GeminiPart struct {
	Text             string          `json:"text,omitempty"`
	Thought          bool            `json:"thought,omitempty"`
	InlineData       *GeminiBlob     `json:"inlineData,omitempty"`
	FunctionCall     *GeminiFnCall   `json:"functionCall,omitempty"`
	FunctionResponse *GeminiFnResult `json:"functionResponse,omitempty"`
}

type GeminiBlob struct {
	MimeType string `json:"mimeType"`
	Data     string `json:"data"`
}

type GeminiFnCall struct {
	Name string         `json:"name"`
	Args map[string]any `json:"args,omitempty"`
}

type GeminiFnResult struct {
	Name     string         `json:"name"`
	Response map[string]any `json:"response"`
}

type GeminiGenerationConfig struct {
	Temperature     *float64 `json:"temperature,omitempty"`
	TopP            *float64 `json:"topP,omitempty"`
	MaxOutputTokens *int     `json:"maxOutputTokens,omitempty"`
	StopSequences   []string `json:"stopSequences,omitempty"`
}

type GeminiTool struct {
	FunctionDeclarations []GeminiFunctionDeclaration `json:"functionDeclarations,omitempty"`
}

type GeminiFunctionDeclaration struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

type GeminiToolConfig struct {
	FunctionCallingConfig *GeminiFunctionCallingConfig `json:"functionCallingConfig,omitempty"`
}

type GeminiFunctionCallingConfig struct {
	Mode                 string   `json:"mode"` // AUTO, ANY, NONE
	AllowedFunctionNames []string `json:"allowedFunctionNames,omitempty"`
}

// BuildGeminiRequest renders the neutral request as a Cloud Code
// generate payload for the given resolved model and project.
func BuildGeminiRequest(req *Request, model, projectID string) *GeminiRequest {
	payload := GeminiRequestPayload{}

	if req.System != "" {
		payload.SystemInstruction = &GeminiContent{
			Parts: []GeminiPart{{Text: req.System}},
		}
	}

	for _, m := range req.Messages {
		switch m.Role {
		case "tool":
			payload.Contents = append(payload.Contents, GeminiContent{
				Role: "user",
				Parts: []GeminiPart{{FunctionResponse: &GeminiFnResult{
					Name:     m.ToolCallID,
					Response: map[string]any{"result": FlattenText(m.Content)},
				}}},
			})
		case "assistant":
			content := GeminiContent{Role: "model"}
			if text := FlattenText(m.Content); text != "" {
				content.Parts = append(content.Parts, GeminiPart{Text: text})
			}
			for _, tc := range m.ToolCalls {
				args := map[string]any{}
				if tc.Arguments != "" {
					json.Unmarshal([]byte(tc.Arguments), &args)
				}
				content.Parts = append(content.Parts, GeminiPart{FunctionCall: &GeminiFnCall{Name: tc.Name, Args: args}})
			}
			if len(content.Parts) > 0 {
				payload.Contents = append(payload.Contents, content)
			}
		default:
			content := GeminiContent{Role: "user"}
			for _, b := range m.Content {
				switch b.Type {
				case "text":
					content.Parts = append(content.Parts, GeminiPart{Text: b.Text})
				case "image":
					if blob := geminiBlobFromBlock(b); blob != nil {
						content.Parts = append(content.Parts, GeminiPart{InlineData: blob})
					}
				}
			}
			if len(content.Parts) > 0 {
				payload.Contents = append(payload.Contents, content)
			}
		}
	}

	if req.Temperature != nil || req.TopP != nil || req.MaxTokens != nil || len(req.Stop) > 0 {
		payload.GenerationConfig = &GeminiGenerationConfig{
			Temperature:     req.Temperature,
			TopP:            req.TopP,
			MaxOutputTokens: req.MaxTokens,
			StopSequences:   req.Stop,
		}
	}

	if len(req.Tools) > 0 {
		var decls []GeminiFunctionDeclaration
		for _, t := range req.Tools {
			decls = append(decls, GeminiFunctionDeclaration{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  cleanSchemaForGemini(t.Parameters),
			})
		}
		payload.Tools = []GeminiTool{{FunctionDeclarations: decls}}
		payload.ToolConfig = geminiToolConfig(req.ToolChoice)
	}

	return &GeminiRequest{
		Project:   projectID,
		RequestID: "req-" + uuid.New().String(),
		Model:     model,
		Request:   payload,
	}
}

func geminiBlobFromBlock(b Block) *GeminiBlob {
	if b.Data != "" {
		return &GeminiBlob{MimeType: b.MediaType, Data: b.Data}
	}
	// OpenAI-shape callers send data: URLs; split them back apart.
	if strings.HasPrefix(b.ImageURL, "data:") {
		rest := strings.TrimPrefix(b.ImageURL, "data:")
		if idx := strings.Index(rest, ";base64,"); idx > 0 {
			return &GeminiBlob{MimeType: rest[:idx], Data: rest[idx+len(";base64,"):]}
		}
	}
	// Remote URLs cannot be inlined without a fetch; dropped rather
	// than forwarded as a field the upstream rejects.
	return nil
}

func geminiToolConfig(choice string) *GeminiToolConfig {
	switch {
	case choice == ToolChoiceNone:
		return &GeminiToolConfig{FunctionCallingConfig: &GeminiFunctionCallingConfig{Mode: "NONE"}}
	case choice == ToolChoiceAny:
		// Neutral "any" (OpenAI "required") maps to Gemini mode ANY.
		return &GeminiToolConfig{FunctionCallingConfig: &GeminiFunctionCallingConfig{Mode: "ANY"}}
	case ForcedToolName(choice) != "":
		return &GeminiToolConfig{FunctionCallingConfig: &GeminiFunctionCallingConfig{
			Mode:                 "ANY",
			AllowedFunctionNames: []string{ForcedToolName(choice)},
		}}
	default:
		return &GeminiToolConfig{FunctionCallingConfig: &GeminiFunctionCallingConfig{Mode: "AUTO"}}
	}
}

// cleanSchemaForGemini strips JSON Schema fields the Gemini API rejects.
func cleanSchemaForGemini(schema map[string]any) map[string]any {
	if schema == nil {
		return nil
	}
	out := make(map[string]any, len(schema))
	for k, v := range schema {
		switch k {
		case "additionalProperties", "strict", "$schema":
			continue
		}
		if nested, ok := v.(map[string]any); ok {
			out[k] = cleanSchemaForGemini(nested)
		} else {
			out[k] = v
		}
	}
	return out
}

// gemini response wire structures; the Cloud Code API may nest the
// generate response under "response".

type geminiCandidate struct {
	Content      GeminiContent `json:"content"`
	FinishReason string        `json:"finishReason"`
}

type geminiUsage struct {
	PromptTokenCount     int `json:"promptTokenCount"`
	CandidatesTokenCount int `json:"candidatesTokenCount"`
	ThoughtsTokenCount   int `json:"thoughtsTokenCount"`
}

type geminiResponseBody struct {
	Response   *geminiResponseBody `json:"response,omitempty"`
	Candidates []geminiCandidate   `json:"candidates"`
	Usage      *geminiUsage        `json:"usageMetadata"`
	Error      *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func (b *geminiResponseBody) unwrap() *geminiResponseBody {
	if b.Response != nil {
		return b.Response
	}
	return b
}

func geminiFinish(reason string) string {
	switch reason {
	case "MAX_TOKENS":
		return StopLength
	case "SAFETY", "PROHIBITED_CONTENT":
		return StopFilter
	case "":
		return ""
	default:
		return StopEnd
	}
}

// ParseGeminiCompletion extracts the canonical completion from a
// complete Gemini payload.
func ParseGeminiCompletion(body []byte) (*Completion, error) {
	var wire geminiResponseBody
	if err := json.Unmarshal(body, &wire); err != nil {
		return nil, fmt.Errorf("invalid upstream response: %w", err)
	}
	if wire.Error != nil {
		return nil, fmt.Errorf("upstream error %d: %s", wire.Error.Code, wire.Error.Message)
	}
	resp := wire.unwrap()
	if resp.Error != nil {
		return nil, fmt.Errorf("upstream error %d: %s", resp.Error.Code, resp.Error.Message)
	}

	out := &Completion{}
	if len(resp.Candidates) > 0 {
		cand := resp.Candidates[0]
		for _, part := range cand.Content.Parts {
			switch {
			case part.FunctionCall != nil:
				args, _ := json.Marshal(part.FunctionCall.Args)
				out.ToolCalls = append(out.ToolCalls, ToolCall{
					ID:        "call_" + uuid.New().String(),
					Name:      part.FunctionCall.Name,
					Arguments: string(args),
				})
			case part.Thought:
				out.Reasoning += part.Text
			default:
				out.Content += part.Text
			}
		}
		out.StopReason = geminiFinish(cand.FinishReason)
	}
	if len(out.ToolCalls) > 0 && out.StopReason == StopEnd {
		out.StopReason = StopToolUse
	}
	if resp.Usage != nil {
		out.Usage = Usage{
			InputTokens:  resp.Usage.PromptTokenCount,
			OutputTokens: resp.Usage.CandidatesTokenCount + resp.Usage.ThoughtsTokenCount,
		}
	}
	if out.StopReason == "" {
		out.StopReason = StopEnd
	}
	return out, nil
}

// NormalizeGeminiStream converts a Gemini SSE body into canonical
// events. Gemini reports usage cumulatively on (at least) the final
// chunk, so only the last observed report is emitted.
func NormalizeGeminiStream(ctx context.Context, body io.ReadCloser) <-chan StreamEvent {
	events := make(chan StreamEvent)
	go func() {
		defer close(events)
		defer body.Close()

		var (
			lastUsage *Usage
			stop      string
			toolIndex int
		)
		parser := NewSSEParser(body)
		for {
			if ctx.Err() != nil {
				return
			}
			sse, err := parser.Next()
			if err == io.EOF {
				break
			}
			if err != nil {
				emit(ctx, events, StreamEvent{Err: fmt.Errorf("stream read: %w", err)})
				return
			}
			if sse.Data == "" || sse.Data == "[DONE]" {
				continue
			}

			var wire geminiResponseBody
			if err := json.Unmarshal([]byte(sse.Data), &wire); err != nil {
				continue
			}
			if wire.Error != nil {
				emit(ctx, events, StreamEvent{Err: fmt.Errorf("upstream stream error %d: %s", wire.Error.Code, wire.Error.Message)})
				return
			}
			chunk := wire.unwrap()
			if chunk.Error != nil {
				emit(ctx, events, StreamEvent{Err: fmt.Errorf("upstream stream error %d: %s", chunk.Error.Code, chunk.Error.Message)})
				return
			}

			if chunk.Usage != nil {
				lastUsage = &Usage{
					InputTokens:  chunk.Usage.PromptTokenCount,
					OutputTokens: chunk.Usage.CandidatesTokenCount + chunk.Usage.ThoughtsTokenCount,
				}
			}
			if len(chunk.Candidates) == 0 {
				continue
			}
			cand := chunk.Candidates[0]
			for _, part := range cand.Content.Parts {
				switch {
				case part.FunctionCall != nil:
					args, _ := json.Marshal(part.FunctionCall.Args)
					emit(ctx, events, StreamEvent{Tool: &ToolCallDelta{
						Index:     toolIndex,
						ID:        "call_" + uuid.New().String(),
						Name:      part.FunctionCall.Name,
						Arguments: string(args),
					}})
					toolIndex++
				case part.Thought:
					if part.Text != "" {
						emit(ctx, events, StreamEvent{Reasoning: part.Text})
					}
				default:
					if part.Text != "" {
						emit(ctx, events, StreamEvent{Content: part.Text})
					}
				}
			}
			if reason := geminiFinish(cand.FinishReason); reason != "" {
				stop = reason
			}
		}

		if lastUsage != nil {
			emit(ctx, events, StreamEvent{Usage: lastUsage})
		}
		if stop != "" {
			if stop == StopEnd && toolIndex > 0 {
				stop = StopToolUse
			}
			emit(ctx, events, StreamEvent{Stop: stop})
		}
	}()
	return events
}
