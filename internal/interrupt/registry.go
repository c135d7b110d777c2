// Package interrupt tracks which request currently owns each session's
// output stream and whether older requests must stop.
package interrupt

import "sync"

type entry struct {
	current     string
	interrupted bool
}

// Registry is a concurrency-safe table keyed by session id. One registry is
// created per server and shared by pointer with every connection.
type Registry struct {
	mu       sync.Mutex
	sessions map[string]*entry
}

func NewRegistry() *Registry {
	return &Registry{sessions: make(map[string]*entry)}
}

// SetCurrentRequest records requestID as the session's current request. When
// another request was current, the session is flagged interrupted before the
// new id is stored and the flag is then cleared for the new request. Workers
// of the superseded request observe the change through IsInterrupted.
// It reports whether a different request was replaced.
func (r *Registry) SetCurrentRequest(sessionID, requestID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.sessions[sessionID]
	if !ok {
		r.sessions[sessionID] = &entry{current: requestID}
		return false
	}
	replaced := e.current != "" && e.current != requestID
	if replaced {
		e.interrupted = true
	}
	e.current = requestID
	e.interrupted = false
	return replaced
}

// Interrupt flags the session's current request as interrupted without
// starting a new one.
func (r *Registry) Interrupt(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.sessions[sessionID]
	if !ok {
		e = &entry{}
		r.sessions[sessionID] = e
	}
	e.interrupted = true
}

// IsInterrupted reports whether requestID must stop emitting output: either
// the session was explicitly interrupted or a newer request has taken over.
// An empty requestID checks only the session flag.
func (r *Registry) IsInterrupted(sessionID, requestID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.sessions[sessionID]
	if !ok {
		return false
	}
	if e.interrupted {
		return true
	}
	return requestID != "" && e.current != requestID
}

// CurrentRequest returns the request that currently owns the session.
func (r *Registry) CurrentRequest(sessionID string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.sessions[sessionID]
	if !ok {
		return "", false
	}
	return e.current, true
}

// Clear removes the session entry. Called when the connection goes away.
func (r *Registry) Clear(sessionID string) {
	r.mu.Lock()
	delete(r.sessions, sessionID)
	r.mu.Unlock()
}

// Len returns the number of tracked sessions.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}
