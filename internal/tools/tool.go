// Package tools holds the custom tools a goal can be routed to when no data
// connector fits. A tool takes the goal text and returns a JSON-compatible
// value.
package tools

import (
	"context"
	"regexp"
	"sort"
	"strings"
	"sync"

	"github.com/rendis/orca/pkg/schema"
)

// Func is the callable form of a tool.
type Func func(ctx context.Context, goal string) (any, error)

// Tool is a named custom tool.
type Tool interface {
	Name() string
	Describe() Info
	Invoke(ctx context.Context, goal string) (any, error)
}

// Info summarizes a registered tool for listing.
type Info struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

// New wraps fn as a Tool.
func New(name, description string, fn Func) Tool {
	return &funcTool{name: name, description: description, fn: fn}
}

type funcTool struct {
	name        string
	description string
	fn          Func
}

func (t *funcTool) Name() string   { return t.name }
func (t *funcTool) Describe() Info { return Info{Name: t.name, Description: t.description} }

func (t *funcTool) Invoke(ctx context.Context, goal string) (any, error) {
	return t.fn(ctx, goal)
}

// Registry is a thread-safe set of tools keyed by name.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]Tool
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]Tool)}
}

var toolNameRe = regexp.MustCompile(`^[a-z][a-z0-9_.-]*$`)

// Register adds a tool. Names are lower-case identifiers and must be unique.
func (r *Registry) Register(tool Tool) error {
	if tool == nil {
		return schema.NewError(schema.ErrCodeValidation, "tool is nil")
	}
	name := tool.Name()
	if !toolNameRe.MatchString(name) {
		return schema.NewErrorf(schema.ErrCodeValidation, "invalid tool name %q", name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.tools[name]; exists {
		return schema.NewErrorf(schema.ErrCodeConflict, "tool %q already registered", name)
	}
	r.tools[name] = tool
	return nil
}

// RegisterFunc is shorthand for Register(New(name, description, fn)).
func (r *Registry) RegisterFunc(name, description string, fn Func) error {
	if fn == nil {
		return schema.NewErrorf(schema.ErrCodeValidation, "tool %q has no function", name)
	}
	return r.Register(New(name, description, fn))
}

// Get retrieves a tool by name.
func (r *Registry) Get(name string) (Tool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	tool, ok := r.tools[name]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "tool %q not registered", name)
	}
	return tool, nil
}

// Has reports whether a tool is registered.
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.tools[name]
	return ok
}

// Count returns the number of registered tools.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.tools)
}

// List returns every tool's Info, sorted by name.
func (r *Registry) List() []Info {
	r.mu.RLock()
	defer r.mu.RUnlock()

	infos := make([]Info, 0, len(r.tools))
	for _, t := range r.tools {
		infos = append(infos, t.Describe())
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Name < infos[j].Name })
	return infos
}

// Funcs returns the registered tools as a name → Func map.
func (r *Registry) Funcs() map[string]Func {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make(map[string]Func, len(r.tools))
	for name, t := range r.tools {
		out[name] = t.Invoke
	}
	return out
}

// Match finds the tool named in goal. A name matches when it appears as a
// whole word, with "_", "-" and "." in the name also matching spaces. The
// longest matching name wins; ties go to the lexically first.
func Match(goal string, names []string) (string, bool) {
	text := " " + normalizeWords(goal) + " "
	best := ""
	for _, name := range names {
		needle := " " + normalizeWords(name) + " "
		if strings.TrimSpace(needle) == "" || !strings.Contains(text, needle) {
			continue
		}
		if len(name) > len(best) || (len(name) == len(best) && name < best) {
			best = name
		}
	}
	return best, best != ""
}

var nonWordRe = regexp.MustCompile(`[^a-z0-9]+`)

func normalizeWords(s string) string {
	return strings.TrimSpace(nonWordRe.ReplaceAllString(strings.ToLower(s), " "))
}
