// Package llm is the transport side of prompt completion: the Completer
// contract used by the SQL agent, an OpenAI / Azure OpenAI implementation,
// and retry with backoff for transient failures.
package llm

import (
	"context"
	"regexp"
	"strings"
)

// Completer turns a prompt into raw model text.
type Completer interface {
	Complete(ctx context.Context, prompt string) (string, error)
}

// CompleterFunc adapts a function to Completer.
type CompleterFunc func(ctx context.Context, prompt string) (string, error)

func (f CompleterFunc) Complete(ctx context.Context, prompt string) (string, error) {
	return f(ctx, prompt)
}

// Scripted returns a Completer that replays responses in order and then
// repeats the last one. It records every prompt it receives.
type Scripted struct {
	Responses []string
	Prompts   []string
}

func (s *Scripted) Complete(_ context.Context, prompt string) (string, error) {
	s.Prompts = append(s.Prompts, prompt)
	if len(s.Responses) == 0 {
		return "", nil
	}
	i := len(s.Prompts) - 1
	if i >= len(s.Responses) {
		i = len(s.Responses) - 1
	}
	return s.Responses[i], nil
}

var (
	fenceRe  = regexp.MustCompile("(?s)```[A-Za-z0-9_-]*\\s*\\n?(.*?)```")
	prefixRe = regexp.MustCompile(`(?i)^(sql|query|answer|expression)\s*:\s*`)
)

// CleanCompletion strips markdown fences, a leading "SQL:"-style label and
// trailing semicolons from model output.
func CleanCompletion(text string) string {
	text = strings.TrimSpace(text)
	if m := fenceRe.FindStringSubmatch(text); m != nil {
		text = m[1]
	}
	text = strings.TrimSpace(text)
	text = prefixRe.ReplaceAllString(text, "")
	text = strings.TrimSpace(text)
	for strings.HasSuffix(text, ";") {
		text = strings.TrimSpace(strings.TrimSuffix(text, ";"))
	}
	return text
}
