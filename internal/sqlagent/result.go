package sqlagent

// Attempt records one round of the generate/execute loop.
type Attempt struct {
	SQL        string           `json:"sql,omitempty"`
	Expression string           `json:"expression,omitempty"`
	Error      string           `json:"error,omitempty"`
	Rows       []map[string]any `json:"rows,omitempty"`
}

// Failed reports whether the attempt ended in an error or rejection.
func (a Attempt) Failed() bool { return a.Error != "" }

// Result is the outcome of GenerateAndExecute. SQL is empty when the answer
// came from the calculator; Rows then holds a single {"result": value} row.
type Result struct {
	SQL        string           `json:"sql,omitempty"`
	Expression string           `json:"expression,omitempty"`
	Rows       []map[string]any `json:"rows"`
	RawRows    []map[string]any `json:"raw_rows,omitempty"`
	Attempts   []Attempt        `json:"attempts"`
}

// Calculated reports whether the calculator produced the answer.
func (r *Result) Calculated() bool { return r.SQL == "" && r.Expression != "" }

// Shape implements redact.Shaper.
func (r *Result) Shape() any {
	attempts := make([]any, len(r.Attempts))
	for i, a := range r.Attempts {
		m := map[string]any{"sql": nilIfEmpty(a.SQL), "error": nilIfEmpty(a.Error)}
		if a.Expression != "" {
			m["expression"] = a.Expression
		}
		if a.Rows != nil {
			m["rows"] = a.Rows
		} else {
			m["rows"] = nil
		}
		attempts[i] = m
	}
	out := map[string]any{
		"sql":      nilIfEmpty(r.SQL),
		"rows":     r.Rows,
		"attempts": attempts,
	}
	if r.Calculated() {
		out["expression"] = r.Expression
	}
	if r.RawRows != nil {
		out["raw_rows"] = r.RawRows
	} else {
		out["raw_rows"] = nil
	}
	return out
}

func nilIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}
