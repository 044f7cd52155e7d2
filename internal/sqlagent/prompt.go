package sqlagent

import (
	"fmt"
	"strings"
)

// Example is a few-shot question/SQL pair.
type Example struct {
	Question string `json:"question" yaml:"question"`
	SQL      string `json:"sql" yaml:"sql"`
}

// PromptInput is everything BuildPrompt needs.
type PromptInput struct {
	Dialect       string
	Schema        string
	SchemaContext string
	Examples      []Example
	Question      string
	// Previous is the failed attempt to correct, if any.
	Previous *Attempt
}

// BuildPrompt renders the generation prompt.
func BuildPrompt(in PromptInput) string {
	var b strings.Builder

	dialect := in.Dialect
	if dialect == "" {
		dialect = "SQL"
	}
	fmt.Fprintf(&b, "You are an expert in %s. Write one query that answers the question.\n", dialect)
	b.WriteString("Return only the query, without explanation or markdown.\n")
	b.WriteString("If the question is plain arithmetic, return only the arithmetic expression.\n")

	if s := strings.TrimSpace(in.Schema); s != "" {
		b.WriteString("\n### Schema\n")
		b.WriteString(s)
		b.WriteString("\n")
	}
	if s := strings.TrimSpace(in.SchemaContext); s != "" {
		b.WriteString("\n### Notes\n")
		b.WriteString(s)
		b.WriteString("\n")
	}
	if len(in.Examples) > 0 {
		b.WriteString("\n### Examples\n")
		for _, ex := range in.Examples {
			fmt.Fprintf(&b, "Question: %s\nSQL: %s\n", strings.TrimSpace(ex.Question), strings.TrimSpace(ex.SQL))
		}
	}
	if p := in.Previous; p != nil && p.Failed() {
		b.WriteString("\n### Previous attempt\n")
		if p.SQL != "" {
			fmt.Fprintf(&b, "SQL: %s\n", p.SQL)
		}
		if p.Expression != "" {
			fmt.Fprintf(&b, "Expression: %s\n", p.Expression)
		}
		fmt.Fprintf(&b, "Error: %s\n", p.Error)
		b.WriteString("Fix the problem and return a corrected query.\n")
	}

	fmt.Fprintf(&b, "\n### Question\n%s\nSQL:", strings.TrimSpace(in.Question))
	return b.String()
}

// Feedback selects the attempt whose failure the next prompt must address:
// the most recent one, when it failed.
func Feedback(attempts []Attempt) *Attempt {
	if len(attempts) == 0 {
		return nil
	}
	last := attempts[len(attempts)-1]
	if !last.Failed() {
		return nil
	}
	return &last
}

// Remaining reports how many attempts are left after the given history.
func Remaining(attempts []Attempt, maxAttempts int) int {
	if n := maxAttempts - len(attempts); n > 0 {
		return n
	}
	return 0
}
