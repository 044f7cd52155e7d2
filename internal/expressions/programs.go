package expressions

import (
	"sync"

	"github.com/rendis/orca/pkg/schema"
)

// maxPrograms bounds each engine's compiled-program cache. Validators and
// event filters come from config and tool calls, so the set is small; the
// bound only guards against a caller sending unique filters forever.
const maxPrograms = 256

// programs caches compiled programs by source text.
type programs[P any] struct {
	lang    string
	compile func(string) (P, error)

	mu    sync.RWMutex
	cache map[string]P
}

func newPrograms[P any](lang string, compile func(string) (P, error)) *programs[P] {
	return &programs[P]{lang: lang, compile: compile, cache: make(map[string]P)}
}

// get returns the compiled program for src, compiling it on first use.
// Compile failures are VALIDATION_ERROR and are not cached.
func (p *programs[P]) get(src string) (P, error) {
	var zero P
	if src == "" {
		return zero, schema.NewErrorf(schema.ErrCodeValidation, "empty %s expression", p.lang)
	}

	p.mu.RLock()
	prg, ok := p.cache[src]
	p.mu.RUnlock()
	if ok {
		return prg, nil
	}

	prg, err := p.compile(src)
	if err != nil {
		return zero, p.fail(schema.ErrCodeValidation, "compile", src, err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if cached, ok := p.cache[src]; ok {
		return cached, nil
	}
	if len(p.cache) >= maxPrograms {
		clear(p.cache)
	}
	p.cache[src] = prg
	return prg, nil
}

// fail wraps an engine error with the expression that caused it.
func (p *programs[P]) fail(code, stage, src string, err error) *schema.OrcaError {
	return schema.NewErrorf(code, "%s %s failed for %q: %s", p.lang, stage, src, err.Error()).
		WithCause(err).
		WithDetails(map[string]any{"expression": src, "engine": p.lang})
}
