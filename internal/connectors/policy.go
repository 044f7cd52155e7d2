package connectors

import (
	"fmt"
	"strings"
	"unicode"

	"github.com/rendis/orca/pkg/schema"
)

// ApprovalPolicy decides whether a statement may run and whether it needs a
// human sign-off first. It is owned by the connector it configures.
type ApprovalPolicy struct {
	ApprovalRequired bool   `json:"approval_required" yaml:"approval_required"`
	AllowWrites      bool   `json:"allow_writes" yaml:"allow_writes"`
	Engine           string `json:"engine" yaml:"engine"`
}

// DefaultPolicy is read-only with approval required.
func DefaultPolicy(engine string) *ApprovalPolicy {
	return &ApprovalPolicy{ApprovalRequired: true, Engine: engine}
}

var readOnlyLeads = map[string]bool{
	"SELECT": true, "WITH": true, "EXPLAIN": true, "VALUES": true,
	"SHOW": true, "DESCRIBE": true, "DESC": true,
}

var writeKeywords = map[string]bool{
	"INSERT": true, "UPDATE": true, "DELETE": true, "MERGE": true, "UPSERT": true,
	"DROP": true, "ALTER": true, "CREATE": true, "TRUNCATE": true, "REPLACE": true,
	"GRANT": true, "REVOKE": true, "ATTACH": true, "DETACH": true, "VACUUM": true,
	"REINDEX": true, "PRAGMA": true, "EXEC": true, "EXECUTE": true, "CALL": true,
	"COPY": true, "LOAD": true,
}

// IsRisky reports whether sql can modify data or schema: it does not start
// with a read-only keyword, contains a write keyword, or stacks statements.
func (p *ApprovalPolicy) IsRisky(sql string) bool {
	toks := tokenize(sql)
	if len(toks) == 0 {
		return false
	}
	if !readOnlyLeads[toks[0].word] {
		return true
	}
	for i, t := range toks {
		if t.word == ";" {
			if i < len(toks)-1 {
				return true
			}
			continue
		}
		if writeKeywords[t.word] && !t.call {
			return true
		}
	}
	return false
}

// ShouldRequestApproval reports whether a human must approve sql before it runs.
func (p *ApprovalPolicy) ShouldRequestApproval(sql string) bool {
	return p.ApprovalRequired || p.IsRisky(sql)
}

// GatesExecution reports whether statements run under p wait for a sign-off.
// The statement is generated after the gate, so a policy that may run a
// write always gates.
func (p *ApprovalPolicy) GatesExecution() bool {
	return p.ApprovalRequired || p.AllowWrites
}

// Summarize describes sql for an approval prompt.
func (p *ApprovalPolicy) Summarize(sql string) string {
	toks := tokenize(sql)
	if len(toks) == 0 {
		return "empty statement"
	}
	kind := "read"
	if p.IsRisky(sql) {
		kind = "write"
	}
	verb := toks[0].word
	if verb == "WITH" {
		verb = "SELECT"
		for _, t := range toks[1:] {
			if writeKeywords[t.word] && !t.call {
				verb = t.word
				break
			}
		}
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%s %s", strings.ToUpper(kind[:1])+kind[1:], verb)
	if tables := referencedTables(toks); len(tables) > 0 {
		fmt.Fprintf(&b, " on %s", strings.Join(tables, ", "))
	}
	if p.Engine != "" {
		fmt.Fprintf(&b, " (%s)", p.Engine)
	}
	b.WriteString(": ")
	b.WriteString(compact(sql, 200))
	return b.String()
}

// Check returns a DATA_CONNECTOR_ERROR when the policy forbids sql.
func (p *ApprovalPolicy) Check(sql string) error {
	if strings.TrimSpace(sql) == "" {
		return schema.NewError(schema.ErrCodeDataConnector, "empty statement")
	}
	if !p.AllowWrites && p.IsRisky(sql) {
		return schema.NewError(schema.ErrCodeDataConnector, "write statements are disabled for this connector").
			WithDetails(map[string]any{"engine": p.Engine, "summary": p.Summarize(sql)})
	}
	return nil
}

type token struct {
	word string // upper-cased identifier, ";" or "" for a quoted identifier
	raw  string
	call bool // identifier immediately followed by "("
}

// tokenize extracts identifiers and statement separators from sql, skipping
// comments, string literals and quoted identifiers.
func tokenize(sql string) []token {
	var toks []token
	rs := []rune(sql)
	n := len(rs)
	for i := 0; i < n; {
		c := rs[i]
		switch {
		case c == '-' && i+1 < n && rs[i+1] == '-':
			for i < n && rs[i] != '\n' {
				i++
			}
		case c == '/' && i+1 < n && rs[i+1] == '*':
			i += 2
			for i+1 < n && !(rs[i] == '*' && rs[i+1] == '/') {
				i++
			}
			i += 2
		case c == '\'' || c == '"' || c == '`' || c == '[':
			end := c
			if c == '[' {
				end = ']'
			}
			start := i + 1
			i++
			for i < n && rs[i] != end {
				i++
			}
			if c != '\'' {
				// quoted identifiers never match a keyword
				toks = append(toks, token{raw: string(rs[start:min(i, n)])})
			}
			i++
		case c == ';':
			toks = append(toks, token{word: ";", raw: ";"})
			i++
		case unicode.IsLetter(c) || c == '_':
			start := i
			for i < n && (unicode.IsLetter(rs[i]) || unicode.IsDigit(rs[i]) || rs[i] == '_' || rs[i] == '.') {
				i++
			}
			j := i
			for j < n && unicode.IsSpace(rs[j]) {
				j++
			}
			raw := string(rs[start:i])
			toks = append(toks, token{word: strings.ToUpper(raw), raw: raw, call: j < n && rs[j] == '('})
		default:
			i++
		}
	}
	return toks
}

// referencedTables lists identifiers following FROM, JOIN, INTO, UPDATE and TABLE.
func referencedTables(toks []token) []string {
	var out []string
	seen := map[string]bool{}
	for i := 0; i+1 < len(toks); i++ {
		switch toks[i].word {
		case "FROM", "JOIN", "INTO", "UPDATE", "TABLE":
			next := toks[i+1]
			name := next.raw
			if next.word == ";" || readOnlyLeads[next.word] || next.word == "IF" {
				continue
			}
			if !seen[name] {
				seen[name] = true
				out = append(out, name)
			}
		}
	}
	return out
}

func compact(s string, limit int) string {
	s = strings.Join(strings.Fields(s), " ")
	if len(s) > limit {
		return s[:limit] + "..."
	}
	return s
}
