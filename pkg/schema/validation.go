package schema

import (
	"fmt"
	"strings"
)

// Problem is one finding of a multi-field check (config file, step graph).
type Problem struct {
	Field   string `json:"field"`
	Rule    string `json:"rule"`
	Message string `json:"message"`
	Warning bool   `json:"warning,omitempty"`
}

func (p Problem) String() string {
	if p.Field == "" {
		return p.Message
	}
	return p.Field + ": " + p.Message
}

// Report collects every Problem of a check instead of stopping at the first.
// Warnings are reported but never fail the check.
type Report struct {
	Problems []Problem `json:"problems,omitempty"`
}

// Failf records a failing problem.
func (r *Report) Failf(field, rule, format string, args ...any) {
	r.Problems = append(r.Problems, Problem{Field: field, Rule: rule, Message: fmt.Sprintf(format, args...)})
}

// Warnf records a non-failing problem.
func (r *Report) Warnf(field, rule, format string, args ...any) {
	r.Problems = append(r.Problems, Problem{Field: field, Rule: rule, Message: fmt.Sprintf(format, args...), Warning: true})
}

// Failures returns the failing problems in the order they were found.
func (r *Report) Failures() []Problem { return r.filter(false) }

// Warnings returns the warnings in the order they were found.
func (r *Report) Warnings() []Problem { return r.filter(true) }

func (r *Report) filter(warning bool) []Problem {
	var out []Problem
	for _, p := range r.Problems {
		if p.Warning == warning {
			out = append(out, p)
		}
	}
	return out
}

// OK reports whether nothing failed.
func (r *Report) OK() bool { return len(r.Failures()) == 0 }

// Absorb appends other's problems, prefixing their fields with prefix.
func (r *Report) Absorb(prefix string, other *Report) {
	if other == nil {
		return
	}
	for _, p := range other.Problems {
		if prefix != "" {
			p.Field = strings.TrimSuffix(prefix+"."+p.Field, ".")
		}
		r.Problems = append(r.Problems, p)
	}
}

// Err returns nil when the report is OK and a VALIDATION_ERROR listing every
// failure otherwise.
func (r *Report) Err() error {
	failures := r.Failures()
	if len(failures) == 0 {
		return nil
	}
	msg := failures[0].String()
	if len(failures) > 1 {
		parts := make([]string, len(failures))
		for i, p := range failures {
			parts[i] = p.String()
		}
		msg = fmt.Sprintf("%d problems: %s", len(failures), strings.Join(parts, "; "))
	}
	return NewError(ErrCodeValidation, msg).WithDetails(map[string]any{
		"failures": len(failures),
		"problems": r.Problems,
	})
}
