package adapter

import "strings"

const (
	thinkOpen  = "<think>"
	thinkClose = "</think>"
)

// ThinkSplitter separates inline <think>...</think> reasoning from
// answer text as a stream arrives. Some upstreams interleave the
// markers directly in the text channel, and a tag can straddle chunk
// boundaries, so this is an explicit state machine fed one chunk at a
// time rather than a regex per chunk.
type ThinkSplitter struct {
	inside  bool   // currently between <think> and </think>
	pending string // trailing bytes that may be a partial tag
}

// Feed consumes one chunk of raw text and returns the content and
// reasoning portions it can safely emit. Bytes that could be the start
// of a tag are held back until the next chunk disambiguates them.
func (t *ThinkSplitter) Feed(chunk string) (content, reasoning string) {
	buf := t.pending + chunk
	t.pending = ""

	var contentOut, reasoningOut strings.Builder
	for buf != "" {
		tag := thinkOpen
		if t.inside {
			tag = thinkClose
		}

		idx := strings.Index(buf, tag)
		if idx >= 0 {
			if t.inside {
				reasoningOut.WriteString(buf[:idx])
			} else {
				contentOut.WriteString(buf[:idx])
			}
			buf = buf[idx+len(tag):]
			t.inside = !t.inside
			continue
		}

		// No full tag. Hold back a trailing prefix of the tag we are
		// looking for; emit the rest.
		hold := partialTagSuffix(buf, tag)
		emit := buf[:len(buf)-hold]
		t.pending = buf[len(buf)-hold:]
		if t.inside {
			reasoningOut.WriteString(emit)
		} else {
			contentOut.WriteString(emit)
		}
		buf = ""
	}
	return contentOut.String(), reasoningOut.String()
}

// Flush returns whatever is still held back once the stream ends. A
// dangling partial tag at EOF is emitted verbatim to the channel the
// splitter was in.
func (t *ThinkSplitter) Flush() (content, reasoning string) {
	pending := t.pending
	t.pending = ""
	if pending == "" {
		return "", ""
	}
	if t.inside {
		return "", pending
	}
	return pending, ""
}

// partialTagSuffix returns the length of the longest suffix of s that
// is a proper prefix of tag.
func partialTagSuffix(s, tag string) int {
	max := len(tag) - 1
	if max > len(s) {
		max = len(s)
	}
	for n := max; n > 0; n-- {
		if strings.HasPrefix(tag, s[len(s)-n:]) {
			return n
		}
	}
	return 0
}
