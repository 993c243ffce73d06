package logging

import "fmt"

// DefaultLogMaxLen caps logged payload excerpts at 1KB.
const DefaultLogMaxLen = 1024

// Truncate shortens long strings for log lines.
func Truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + fmt.Sprintf("... [truncated, %d bytes total]", len(s))
}

// TruncateBytes is a []byte convenience using DefaultLogMaxLen.
func TruncateBytes(b []byte) string {
	return Truncate(string(b), DefaultLogMaxLen)
}
