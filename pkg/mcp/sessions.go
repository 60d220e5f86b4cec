package mcp

import "sync"

// SessionRegistry remembers which MCP session last spoke for each lane, so
// task-ready notifications can be pushed back to whoever works that lane.
// Entries appear as a side effect of tool calls that carry a lane argument.
type SessionRegistry struct {
	mu     sync.RWMutex
	byLane map[string]string
}

func NewSessionRegistry() *SessionRegistry {
	return &SessionRegistry{byLane: make(map[string]string)}
}

// Register records sessionID as the live session for lane, displacing any
// earlier one. Reconnects therefore win automatically.
func (r *SessionRegistry) Register(lane, sessionID string) {
	r.mu.Lock()
	r.byLane[lane] = sessionID
	r.mu.Unlock()
}

// SessionFor looks up the live session for a lane. The second return is false
// when no session has claimed it.
func (r *SessionRegistry) SessionFor(lane string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sid, ok := r.byLane[lane]
	return sid, ok
}

// Remove forgets every lane claimed by sessionID, typically on disconnect.
func (r *SessionRegistry) Remove(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for lane, sid := range r.byLane {
		if sid == sessionID {
			delete(r.byLane, lane)
		}
	}
}
