package relay

import "sync"

// CancelSignal is a settable, awaitable cancellation flag attached to a
// single connection attempt. Setting it is advisory: forward loops select on
// Done and exit at their next safe point.
type CancelSignal struct {
	once sync.Once
	ch   chan struct{}
}

func newCancelSignal() *CancelSignal {
	return &CancelSignal{ch: make(chan struct{})}
}

// Set marks the signal. Safe to call multiple times.
func (s *CancelSignal) Set() {
	s.once.Do(func() { close(s.ch) })
}

// IsSet reports whether the signal has been set.
func (s *CancelSignal) IsSet() bool {
	select {
	case <-s.ch:
		return true
	default:
		return false
	}
}

// Done returns a channel closed when the signal is set.
func (s *CancelSignal) Done() <-chan struct{} {
	return s.ch
}

// CancellationRegistry maps connection ids to their cancellation signals.
// Presence of an entry means the connection is live; removal means it has
// been torn down. Removal is idempotent and never an error.
type CancellationRegistry struct {
	mu      sync.RWMutex
	signals map[string]*CancelSignal
}

// NewCancellationRegistry creates an empty registry.
func NewCancellationRegistry() *CancellationRegistry {
	return &CancellationRegistry{signals: make(map[string]*CancelSignal)}
}

// Insert creates and stores a fresh signal for the connection id.
// Inserting an id that already exists replaces the old signal; connection
// ids are never reused, so this only happens in tests.
func (r *CancellationRegistry) Insert(connectionID string) *CancelSignal {
	sig := newCancelSignal()
	r.mu.Lock()
	r.signals[connectionID] = sig
	r.mu.Unlock()
	return sig
}

// Lookup returns the signal for the connection id, if present.
func (r *CancellationRegistry) Lookup(connectionID string) (*CancelSignal, bool) {
	r.mu.RLock()
	sig, ok := r.signals[connectionID]
	r.mu.RUnlock()
	return sig, ok
}

// Remove deletes the connection's entry. Removing an absent id is a no-op.
func (r *CancellationRegistry) Remove(connectionID string) {
	r.mu.Lock()
	delete(r.signals, connectionID)
	r.mu.Unlock()
}

// Signal sets the connection's cancellation signal, waking any blocked
// consumer. Returns false if the connection is not registered.
func (r *CancellationRegistry) Signal(connectionID string) bool {
	r.mu.RLock()
	sig, ok := r.signals[connectionID]
	r.mu.RUnlock()
	if ok {
		sig.Set()
	}
	return ok
}

// SignalAll sets every registered signal and clears the registry.
// Used during manager shutdown.
func (r *CancellationRegistry) SignalAll() {
	r.mu.Lock()
	for id, sig := range r.signals {
		sig.Set()
		delete(r.signals, id)
	}
	r.mu.Unlock()
}

// Len returns the number of live connections.
func (r *CancellationRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.signals)
}
