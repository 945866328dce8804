package mcp

import (
	"slices"
	"sync"
)

// SessionRegistry maps user IDs to the MCP sessions that started work for
// them. A user may be attached to several sessions at once.
type SessionRegistry struct {
	mu       sync.RWMutex
	sessions map[string][]string
}

func NewSessionRegistry() *SessionRegistry {
	return &SessionRegistry{sessions: make(map[string][]string)}
}

// Register attaches a session to a user. Registering twice is a no-op.
func (r *SessionRegistry) Register(userID, sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !slices.Contains(r.sessions[userID], sessionID) {
		r.sessions[userID] = append(r.sessions[userID], sessionID)
	}
}

// SessionsFor returns a copy of the user's sessions.
func (r *SessionRegistry) SessionsFor(userID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Clone(r.sessions[userID])
}

// Remove detaches a session from every user.
func (r *SessionRegistry) Remove(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for uid, sids := range r.sessions {
		sids = slices.DeleteFunc(sids, func(s string) bool { return s == sessionID })
		if len(sids) == 0 {
			delete(r.sessions, uid)
		} else {
			r.sessions[uid] = sids
		}
	}
}
