// Package sanitize normalizes request payloads and classifies threats.
// Sanitization is lossy normalization applied unconditionally; threat
// scanning is detection that aborts the request. Sanitize always runs
// first so encoding tricks cannot defeat the scanner.
package sanitize

import (
	"strings"
)

// Sanitize recursively normalizes a decoded payload. String leaves get
// NUL bytes stripped, line endings normalized to \n, control characters
// other than tab and newline removed, and surrounding whitespace trimmed.
// Maps and slices keep their structure; non-string leaves pass through
// unchanged. Idempotent: sanitizing twice changes nothing further.
func Sanitize(v any) any {
	switch val := v.(type) {
	case string:
		return String(val)
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			out[k] = Sanitize(item)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = Sanitize(item)
		}
		return out
	default:
		return v
	}
}

// String normalizes a single string value.
func String(s string) string {
	s = strings.ReplaceAll(s, "\x00", "")
	s = strings.ReplaceAll(s, "\r\n", "\n")
	s = strings.ReplaceAll(s, "\r", "\n")

	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if r == '\t' || r == '\n' {
			b.WriteRune(r)
			continue
		}
		if r < 0x20 || r == 0x7F {
			continue
		}
		b.WriteRune(r)
	}
	return strings.TrimSpace(b.String())
}

// CollectStrings walks a sanitized payload and returns every string leaf.
// The scanner matches signatures against these values rather than the
// re-serialized JSON, so structural punctuation (braces, brackets) never
// trips injection-character signatures.
func CollectStrings(v any) []string {
	var out []string
	collect(v, &out)
	return out
}

func collect(v any, out *[]string) {
	switch val := v.(type) {
	case string:
		*out = append(*out, val)
	case map[string]any:
		for k, item := range val {
			*out = append(*out, k)
			collect(item, out)
		}
	case []any:
		for _, item := range val {
			collect(item, out)
		}
	}
}
