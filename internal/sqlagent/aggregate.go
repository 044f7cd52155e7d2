package sqlagent

import (
	"fmt"
	"regexp"
	"strings"
)

var (
	stringLiteralRe = regexp.MustCompile(`'(?:[^']|'')*'`)
	groupByRe       = regexp.MustCompile(`(?i)\bGROUP\s+BY\b`)
	aggregateFnRe   = regexp.MustCompile(`(?i)\b(COUNT|SUM|AVG|MIN|MAX|TOTAL|GROUP_CONCAT|STRING_AGG|ARRAY_AGG)\s*\(`)
	fromClauseRe    = regexp.MustCompile(`(?is)\bFROM\b(.*?)(?:\bGROUP\s+BY\b|\bHAVING\b|\bORDER\s+BY\b|\bLIMIT\b|\bWINDOW\b|$)`)
	leadingWithRe   = regexp.MustCompile(`(?i)^\s*WITH\b`)
	nestedSelectRe  = regexp.MustCompile(`(?i)\bSELECT\b`)
)

// IsAggregate reports whether sql groups rows or calls an aggregate function.
func IsAggregate(sql string) bool {
	s := stringLiteralRe.ReplaceAllString(sql, "''")
	return groupByRe.MatchString(s) || aggregateFnRe.MatchString(s)
}

// DetailQuery derives the pre-aggregation row set of an aggregate query:
// the same FROM and WHERE clauses selecting every column, capped at limit.
// It declines queries with CTEs or nested selects.
func DetailQuery(sql string, limit int) (string, bool) {
	sql = strings.TrimRight(strings.TrimSpace(sql), "; \t\n")
	if limit <= 0 || leadingWithRe.MatchString(sql) {
		return "", false
	}
	s := stringLiteralRe.ReplaceAllStringFunc(sql, func(lit string) string {
		return strings.Repeat("x", len(lit))
	})
	loc := fromClauseRe.FindStringSubmatchIndex(s)
	if loc == nil {
		return "", false
	}
	// Use the original text at the same offsets so literals survive.
	clause := strings.TrimSpace(sql[loc[2]:loc[3]])
	if clause == "" || nestedSelectRe.MatchString(s[loc[2]:loc[3]]) {
		return "", false
	}
	return fmt.Sprintf("SELECT * FROM %s LIMIT %d", clause, limit), true
}
