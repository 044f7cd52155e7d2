// Package redact masks secret-shaped substrings in values that leave the
// engine: event payloads, error messages and context snapshots.
package redact

import (
	"bytes"
	"encoding/json"
	"fmt"
	"regexp"
	"time"
)

// Token replaces every matched span.
const Token = "[redacted]"

// Shaper is implemented by domain types that cross the event boundary.
// Shape projects the value into the closed set of shapes Value understands.
type Shaper interface {
	Shape() any
}

// detectors run in order; earlier ones win on overlapping spans.
var detectors = []*regexp.Regexp{
	// email
	regexp.MustCompile(`[A-Za-z0-9._%+\-]+@[A-Za-z0-9.\-]+\.[A-Za-z]{2,}`),
	// bearer tokens and provider API keys
	regexp.MustCompile(`(?i)\bbearer\s+[A-Za-z0-9._~+/=\-]{8,}`),
	regexp.MustCompile(`\b(?:sk|pk|rk|ghp|xox[abp])[-_][A-Za-z0-9_\-]{12,}`),
	// international phone: +CC followed by grouped digits
	regexp.MustCompile(`\+\d{1,3}[\s.\-]?(?:\(\d{1,4}\)[\s.\-]?)?\d{1,4}(?:[\s.\-]?\d{2,4}){1,4}`),
	// (555) 123-4567
	regexp.MustCompile(`\(\d{3}\)\s?\d{3}[\s.\-]?\d{4}\b`),
	// 555-123-4567, 555.123.4567, 555 123 4567
	regexp.MustCompile(`\b\d{3}[\s.\-]\d{3}[\s.\-]\d{4}\b`),
	// long digit runs: account numbers, card numbers, national ids
	regexp.MustCompile(`\d{9,}`),
}

// maxPasses bounds the fixpoint loop in String.
const maxPasses = 4

// String masks every detector match in s. The result is a fixpoint:
// String(String(s)) == String(s).
func String(s string) string {
	for range maxPasses {
		next := s
		for _, re := range detectors {
			next = re.ReplaceAllLiteralString(next, Token)
		}
		if next == s {
			return s
		}
		s = next
	}
	return s
}

// Value recursively redacts v. Maps and slices are copied, never mutated;
// keys are left untouched; scalar leaves other than strings pass through.
// Any other type (structs, pointers, typed maps and slices) is first
// rewritten into JSON shapes and then redacted; a value that cannot be
// marshalled is reduced to its printed form.
func Value(v any) any {
	switch x := v.(type) {
	case nil:
		return nil
	case string:
		return String(x)
	case map[string]any:
		return Map(x)
	case map[string]string:
		if x == nil {
			return x
		}
		out := make(map[string]string, len(x))
		for k, s := range x {
			out[k] = String(s)
		}
		return out
	case []any:
		if x == nil {
			return x
		}
		out := make([]any, len(x))
		for i, e := range x {
			out[i] = Value(e)
		}
		return out
	case []map[string]any:
		return Rows(x)
	case []string:
		if x == nil {
			return x
		}
		out := make([]string, len(x))
		for i, s := range x {
			out[i] = String(s)
		}
		return out
	case Shaper:
		return Value(x.Shape())
	case error:
		return String(x.Error())
	case bool, int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64,
		float32, float64, json.Number, time.Time:
		return v
	}
	return Value(jsonShape(v))
}

// jsonShape round-trips v through encoding/json so only the closed shape
// set remains. Numbers decode as json.Number to keep integer precision.
func jsonShape(v any) any {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprint(v)
	}
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.UseNumber()
	var out any
	if err := dec.Decode(&out); err != nil {
		return fmt.Sprint(v)
	}
	return out
}

// Map redacts every value of m into a new map.
func Map(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, e := range m {
		out[k] = Value(e)
	}
	return out
}

// Rows redacts a query result set into a new slice of new maps.
func Rows(rows []map[string]any) []map[string]any {
	if rows == nil {
		return nil
	}
	out := make([]map[string]any, len(rows))
	for i, r := range rows {
		out[i] = Map(r)
	}
	return out
}
