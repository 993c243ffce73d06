// Package adapter translates between the three inbound wire shapes
// (OpenAI chat-completions, Anthropic messages, OpenAI responses) and
// the native payloads providers speak, normalizing every response and
// stream into one canonical event vocabulary on the way back.
package adapter

import "strings"

// Inbound protocol shapes.
const (
	ShapeOpenAIChat = "openai.chat"
	ShapeAnthropic  = "anthropic.messages"
	ShapeResponses  = "openai.responses"
)

// Canonical stop reasons.
const (
	StopEnd     = "stop"
	StopLength  = "length"
	StopToolUse = "tool_use"
	StopFilter  = "content_filter"
)

// Tool choice values on the neutral request. "required" and "any" are
// the same semantics spelled differently by the two protocols; the
// neutral form keeps "any" and the renderers translate (an explicit,
// documented lossy mapping, not a runtime approximation).
const (
	ToolChoiceAuto = "auto"
	ToolChoiceNone = "none"
	ToolChoiceAny  = "any"
	// A forced single tool is "tool:<name>".
	toolChoicePrefix = "tool:"
)

// ToolChoiceTool builds the forced-tool form.
func ToolChoiceTool(name string) string { return toolChoicePrefix + name }

// ForcedToolName extracts the tool name from a forced choice, or "".
func ForcedToolName(choice string) string {
	if strings.HasPrefix(choice, toolChoicePrefix) {
		return strings.TrimPrefix(choice, toolChoicePrefix)
	}
	return ""
}

// Block is one piece of message content on the neutral request.
type Block struct {
	Type      string // "text" or "image"
	Text      string
	MediaType string // image mime type, e.g. "image/png"
	Data      string // base64 image payload
	ImageURL  string // http(s) or data: URL as sent by OpenAI-shape callers
}

// ToolCall is a completed tool invocation request from the model.
type ToolCall struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Arguments string `json:"arguments"` // JSON string
}

// Message is one conversation turn on the neutral request.
type Message struct {
	Role       string // "user", "assistant", "tool"
	Content    []Block
	ToolCalls  []ToolCall // assistant turns that invoked tools
	ToolCallID string     // tool-result turns: which call this answers
}

// ToolDef is a callable tool offered to the model.
type ToolDef struct {
	Name        string
	Description string
	Parameters  map[string]any // JSON Schema
}

// Request is the protocol-neutral in-flight request every provider
// client consumes. Built by the inbound parsers, owned by the gateway
// for the duration of one call.
type Request struct {
	Model       string
	System      string
	Messages    []Message
	Tools       []ToolDef
	ToolChoice  string // "", auto, none, any, tool:<name>
	Temperature *float64
	TopP        *float64
	MaxTokens   *int
	Stop        []string
	Stream      bool
}

// Usage counts tokens for one request. Deltas are merged additively
// across a stream, which stays correct whether the upstream reports
// per-chunk deltas or a single cumulative report at the end.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// Add merges a usage delta into the running aggregate.
func (u *Usage) Add(d Usage) {
	u.InputTokens += d.InputTokens
	u.OutputTokens += d.OutputTokens
}

// ToolCallDelta is one streamed fragment of a tool invocation.
type ToolCallDelta struct {
	Index     int    // which call, for interleaved parallel tool calls
	ID        string // set on the first fragment of a call
	Name      string // set on the first fragment of a call
	Arguments string // partial JSON
}

// StreamEvent is the canonical internal representation of one piece of
// a streamed response. At most one of the delta fields is set per event.
type StreamEvent struct {
	Content   string
	Reasoning string
	Tool      *ToolCallDelta
	Usage     *Usage
	Stop      string // canonical stop reason; marks the end of output
	Err       error  // upstream error surfaced mid-stream; terminal
}

// Completion is the canonical non-streaming response shape.
type Completion struct {
	Model      string
	Content    string
	Reasoning  string
	ToolCalls  []ToolCall
	Usage      Usage
	StopReason string
}

// Collect drains a canonical event stream into a Completion. An Err
// event aborts and is returned; Stop sets the stop reason.
func Collect(events <-chan StreamEvent) (*Completion, error) {
	var (
		out   Completion
		tools = map[int]*toolAccumulator{}
		order []int
	)
	for ev := range events {
		switch {
		case ev.Err != nil:
			return nil, ev.Err
		case ev.Tool != nil:
			acc, ok := tools[ev.Tool.Index]
			if !ok {
				acc = &toolAccumulator{}
				tools[ev.Tool.Index] = acc
				order = append(order, ev.Tool.Index)
			}
			if ev.Tool.ID != "" {
				acc.id = ev.Tool.ID
			}
			if ev.Tool.Name != "" {
				acc.name = ev.Tool.Name
			}
			acc.args.WriteString(ev.Tool.Arguments)
		case ev.Usage != nil:
			out.Usage.Add(*ev.Usage)
		default:
			out.Content += ev.Content
			out.Reasoning += ev.Reasoning
		}
		if ev.Stop != "" {
			out.StopReason = ev.Stop
		}
	}
	for _, idx := range order {
		acc := tools[idx]
		out.ToolCalls = append(out.ToolCalls, ToolCall{ID: acc.id, Name: acc.name, Arguments: acc.args.String()})
	}
	if out.StopReason == "" {
		if len(out.ToolCalls) > 0 {
			out.StopReason = StopToolUse
		} else {
			out.StopReason = StopEnd
		}
	}
	return &out, nil
}

type toolAccumulator struct {
	id   string
	name string
	args strings.Builder
}

// TextBlock is a convenience constructor used all over the parsers.
func TextBlock(text string) Block { return Block{Type: "text", Text: text} }

// FlattenText joins the text blocks of a message, ignoring images.
func FlattenText(blocks []Block) string {
	var parts []string
	for _, b := range blocks {
		if b.Type == "text" && b.Text != "" {
			parts = append(parts, b.Text)
		}
	}
	return strings.Join(parts, "\n")
}
