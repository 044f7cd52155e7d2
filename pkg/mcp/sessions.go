package mcp

import "sync"

// SessionRegistry remembers which MCP session follows each run, so run events
// reach only the client that started the run.
type SessionRegistry struct {
	mu      sync.RWMutex
	owner   map[string]string              // run → session
	follows map[string]map[string]struct{} // session → runs
}

func NewSessionRegistry() *SessionRegistry {
	return &SessionRegistry{
		owner:   make(map[string]string),
		follows: make(map[string]map[string]struct{}),
	}
}

// Register makes sessionID the follower of runID, replacing any earlier one.
func (r *SessionRegistry) Register(runID, sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if prev, ok := r.owner[runID]; ok {
		r.unlink(prev, runID)
	}
	r.owner[runID] = sessionID
	runs := r.follows[sessionID]
	if runs == nil {
		runs = make(map[string]struct{})
		r.follows[sessionID] = runs
	}
	runs[runID] = struct{}{}
}

// SessionFor returns the session following runID.
func (r *SessionRegistry) SessionFor(runID string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sid, ok := r.owner[runID]
	return sid, ok
}

// Remove forgets a session and every run it followed.
func (r *SessionRegistry) Remove(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for runID := range r.follows[sessionID] {
		delete(r.owner, runID)
	}
	delete(r.follows, sessionID)
}

// Len returns how many runs have a follower.
func (r *SessionRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.owner)
}

func (r *SessionRegistry) unlink(sessionID, runID string) {
	runs := r.follows[sessionID]
	delete(runs, runID)
	if len(runs) == 0 {
		delete(r.follows, sessionID)
	}
}
