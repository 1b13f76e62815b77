// Package chain implements the hash-chain core of the ledger: deterministic
// canonicalization of an event's hashable fields (C1), and the per-agent
// chain-linkage algorithm that computes and verifies event_hash values (C2).
//
// Both halves are deliberately hand-rolled rather than delegated to
// encoding/json's struct marshaling: spec.md §9 calls out canonicalization
// portability as load-bearing — any implementation, in any language, must
// produce byte-identical output for the same fields, which rules out relying
// on a particular library's key-ordering or escaping defaults.
package chain

import (
	"strconv"
	"strings"
	"time"
)

// timestampLayout renders a UTC instant with exactly six fractional digits
// and an explicit "+00:00" offset, never the "Z" abbreviation, per spec.md
// §4.1 rule 1.
const timestampLayout = "2006-01-02T15:04:05.000000+00:00"

// FormatTimestamp normalizes t to UTC and renders it in the fixed canonical
// layout. A naive (no-zone) time.Time is assumed to already be UTC.
func FormatTimestamp(t time.Time) string {
	return t.UTC().Format(timestampLayout)
}

// Fields holds the eleven hashable attributes of an Event — every field
// except event_hash itself, per spec.md §4.1 rule 3. Optional fields are nil
// pointers; they canonicalize to JSON null (rule 2), never to an omitted
// key.
type Fields struct {
	ActionType        string
	AgentID           string
	Environment       *string
	EventID           string
	InputHash         string
	ModelVersion      *string
	OutputHash        string
	PreviousEventHash *string
	PromptVersion     *string
	Timestamp         time.Time
	ToolName          *string
}

// Canonicalize produces the deterministic byte string defined in spec.md
// §4.1: a JSON object with the fixed 11-key field set, keys sorted in
// ascending code-point order, no whitespace, UTF-8 encoded, no trailing
// newline. Two Fields values with the same semantic content — regardless of
// how they were constructed — always canonicalize to identical bytes.
func Canonicalize(f Fields) []byte {
	var b strings.Builder
	b.Grow(256)
	b.WriteByte('{')

	writeField(&b, "action_type", jsonString(f.ActionType), true)
	writeField(&b, "agent_id", jsonString(f.AgentID), false)
	writeField(&b, "environment", jsonNullableString(f.Environment), false)
	writeField(&b, "event_id", jsonString(f.EventID), false)
	writeField(&b, "input_hash", jsonString(f.InputHash), false)
	writeField(&b, "model_version", jsonNullableString(f.ModelVersion), false)
	writeField(&b, "output_hash", jsonString(f.OutputHash), false)
	writeField(&b, "previous_event_hash", jsonNullableString(f.PreviousEventHash), false)
	writeField(&b, "prompt_version", jsonNullableString(f.PromptVersion), false)
	writeField(&b, "timestamp", jsonString(FormatTimestamp(f.Timestamp)), false)
	writeField(&b, "tool_name", jsonNullableString(f.ToolName), false)

	b.WriteByte('}')
	return []byte(b.String())
}

// writeField appends `"key":value` to b, preceding it with a comma unless
// first is true. The field list above is already in ascending code-point
// order by name, so callers must preserve that order.
func writeField(b *strings.Builder, key, value string, first bool) {
	if !first {
		b.WriteByte(',')
	}
	b.WriteByte('"')
	b.WriteString(key)
	b.WriteString(`":`)
	b.WriteString(value)
}

// jsonString returns the RFC 8259 JSON-escaped, quoted encoding of s.
func jsonString(s string) string {
	var b strings.Builder
	b.WriteByte('"')
	for _, r := range s {
		switch r {
		case '"':
			b.WriteString(`\"`)
		case '\\':
			b.WriteString(`\\`)
		case '\n':
			b.WriteString(`\n`)
		case '\r':
			b.WriteString(`\r`)
		case '\t':
			b.WriteString(`\t`)
		default:
			if r < 0x20 {
				b.WriteString(`\u`)
				hex := strconv.FormatInt(int64(r), 16)
				for i := len(hex); i < 4; i++ {
					b.WriteByte('0')
				}
				b.WriteString(hex)
			} else {
				b.WriteRune(r)
			}
		}
	}
	b.WriteByte('"')
	return b.String()
}

// jsonNullableString returns the JSON null literal for a nil pointer, or the
// escaped/quoted string it points to, per spec.md §4.1 rule 2.
func jsonNullableString(s *string) string {
	if s == nil {
		return "null"
	}
	return jsonString(*s)
}
