package adapter

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// SSEEvent is one parsed server-sent event.
type SSEEvent struct {
	Name string // value of the "event:" field, may be empty
	Data string // concatenated "data:" lines
}

// SSEParser reads server-sent events off a stream. Events are split on
// blank lines; an event's fields may straddle arbitrary read boundaries
// because the scanner buffers until the delimiter.
type SSEParser struct {
	scanner *bufio.Scanner
}

// NewSSEParser wraps a raw SSE byte stream.
func NewSSEParser(r io.Reader) *SSEParser {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	scanner.Split(splitSSEEvent)
	return &SSEParser{scanner: scanner}
}

// Next returns the next event, or io.EOF at end of stream.
func (p *SSEParser) Next() (SSEEvent, error) {
	for {
		if !p.scanner.Scan() {
			if err := p.scanner.Err(); err != nil {
				return SSEEvent{}, err
			}
			return SSEEvent{}, io.EOF
		}
		raw := p.scanner.Text()
		if strings.TrimSpace(raw) == "" {
			continue
		}

		var ev SSEEvent
		var data strings.Builder
		for _, line := range strings.Split(raw, "\n") {
			line = strings.TrimRight(line, "\r")
			switch {
			case strings.HasPrefix(line, "event:"):
				ev.Name = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
			case strings.HasPrefix(line, "data:"):
				if data.Len() > 0 {
					data.WriteByte('\n')
				}
				data.WriteString(strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
			}
			// id: and retry: fields are ignored.
		}
		ev.Data = data.String()
		if ev.Name == "" && ev.Data == "" {
			continue
		}
		return ev, nil
	}
}

// splitSSEEvent splits the stream on blank lines (LF or CRLF framing).
func splitSSEEvent(data []byte, atEOF bool) (advance int, token []byte, err error) {
	if i := bytes.Index(data, []byte("\n\n")); i >= 0 {
		return i + 2, data[:i], nil
	}
	if i := bytes.Index(data, []byte("\r\n\r\n")); i >= 0 {
		return i + 4, data[:i], nil
	}
	if atEOF {
		if len(data) > 0 {
			return len(data), data, nil
		}
		return 0, nil, nil
	}
	return 0, nil, nil
}

// FormatSSE renders one event in wire framing. An empty name omits the
// event line, which is how the OpenAI protocols frame their chunks.
func FormatSSE(name string, payload any) (string, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}
	if name == "" {
		return fmt.Sprintf("data: %s\n\n", data), nil
	}
	return fmt.Sprintf("event: %s\ndata: %s\n\n", name, data), nil
}

// SSEWriter writes events to an HTTP response, flushing per event so
// deltas reach the caller as they arrive.
type SSEWriter struct {
	w       http.ResponseWriter
	flusher http.Flusher
}

// NewSSEWriter sets streaming headers and returns a writer. The bool is
// false when the ResponseWriter cannot flush.
func NewSSEWriter(w http.ResponseWriter) (*SSEWriter, bool) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, false
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	return &SSEWriter{w: w, flusher: flusher}, true
}

// Event marshals and writes one named event.
func (s *SSEWriter) Event(name string, payload any) error {
	frame, err := FormatSSE(name, payload)
	if err != nil {
		return err
	}
	return s.Raw(frame)
}

// Raw writes a preformatted frame.
func (s *SSEWriter) Raw(frame string) error {
	if _, err := io.WriteString(s.w, frame); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}

// Done writes the OpenAI-style terminator.
func (s *SSEWriter) Done() error {
	return s.Raw("data: [DONE]\n\n")
}
