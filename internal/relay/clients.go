package relay

import (
	"sync"
	"time"
)

// ClientInfo tracks a logical viewer attached to a stream. The client id is
// caller-supplied and stable across reconnects; only the most recently opened
// connection is ever active.
type ClientInfo struct {
	ID       string
	StreamID string
	// ActiveConnectionID is the id of the client's current connection
	// attempt, or empty if none is open. Older connections that have not
	// finished tearing down are stale and must not affect this one.
	ActiveConnectionID string
	RegisteredAt       time.Time
	LastSeen           time.Time
}

// ClientRegistry maps client ids to their stream attachment and active
// connection. All mutating methods are safe for concurrent use; reads return
// copies so callers never hold references into the registry.
type ClientRegistry struct {
	mu      sync.RWMutex
	clients map[string]*ClientInfo
}

// NewClientRegistry creates an empty registry.
func NewClientRegistry() *ClientRegistry {
	return &ClientRegistry{clients: make(map[string]*ClientInfo)}
}

// Put creates a ClientInfo for the client if none exists and returns whether
// a new entry was created. An existing client keeps its active connection;
// only its stream attachment and last-seen time are refreshed.
func (r *ClientRegistry) Put(clientID, streamID string) (created bool) {
	now := time.Now()
	r.mu.Lock()
	defer r.mu.Unlock()

	if info, ok := r.clients[clientID]; ok {
		info.StreamID = streamID
		info.LastSeen = now
		return false
	}

	r.clients[clientID] = &ClientInfo{
		ID:           clientID,
		StreamID:     streamID,
		RegisteredAt: now,
		LastSeen:     now,
	}
	return true
}

// Get returns a copy of the client's info.
func (r *ClientRegistry) Get(clientID string) (ClientInfo, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	info, ok := r.clients[clientID]
	if !ok {
		return ClientInfo{}, false
	}
	return *info, true
}

// Remove deletes the client. Removing an absent client is a no-op.
func (r *ClientRegistry) Remove(clientID string) {
	r.mu.Lock()
	delete(r.clients, clientID)
	r.mu.Unlock()
}

// SetActiveConnection records the client's current connection id, superseding
// any previous one. Returns false if the client is unknown.
func (r *ClientRegistry) SetActiveConnection(clientID, connectionID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	info, ok := r.clients[clientID]
	if !ok {
		return false
	}
	info.ActiveConnectionID = connectionID
	info.LastSeen = time.Now()
	return true
}

// Touch refreshes the client's last-seen time. Used by request paths that do
// not hold a connection open (playlist polling).
func (r *ClientRegistry) Touch(clientID string) {
	r.mu.Lock()
	if info, ok := r.clients[clientID]; ok {
		info.LastSeen = time.Now()
	}
	r.mu.Unlock()
}

// Idle returns the ids of clients whose last activity is older than timeout.
func (r *ClientRegistry) Idle(timeout time.Duration) []string {
	cutoff := time.Now().Add(-timeout)
	r.mu.RLock()
	defer r.mu.RUnlock()

	var ids []string
	for id, info := range r.clients {
		if info.LastSeen.Before(cutoff) {
			ids = append(ids, id)
		}
	}
	return ids
}

// All returns a snapshot of every registered client.
func (r *ClientRegistry) All() []ClientInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]ClientInfo, 0, len(r.clients))
	for _, info := range r.clients {
		out = append(out, *info)
	}
	return out
}

// CountForStream returns how many clients are attached to the stream.
func (r *ClientRegistry) CountForStream(streamID string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, info := range r.clients {
		if info.StreamID == streamID {
			n++
		}
	}
	return n
}

// Len returns the number of registered clients.
func (r *ClientRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.clients)
}
