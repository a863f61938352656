// Package relay implements the stream/client/connection lifecycle manager:
// many downstream clients share a single upstream fetch per stream, and the
// manager decides when a fetch starts, who is attached to it, and when it
// stops. Cleanup is scoped to individual connection attempts so a delayed
// teardown from an old connection (a seek that opened a new connection
// before the old one finished) can never cancel the newer one.
package relay

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// ManagerConfig holds configuration for the stream manager.
type ManagerConfig struct {
	// GraceDelay is how long a stream is kept alive after its reference
	// count reaches zero. Reconnects inside the window reuse the running
	// upstream fetch.
	GraceDelay time.Duration
	// MaxStreams is the maximum number of concurrent upstream fetches.
	MaxStreams int
	// StartTimeout bounds how long an upstream fetch may take to confirm
	// it is producing output.
	StartTimeout time.Duration
	// ClientIdleTimeout is how long a client may go without activity
	// before SweepIdleClients disconnects it.
	ClientIdleTimeout time.Duration
	// SegmentDir is the base directory for per-stream output directories.
	SegmentDir string
}

// DefaultManagerConfig returns sensible defaults for the manager.
func DefaultManagerConfig() ManagerConfig {
	return ManagerConfig{
		GraceDelay:        10 * time.Second,
		MaxStreams:        50,
		StartTimeout:      20 * time.Second,
		ClientIdleTimeout: 90 * time.Second,
		SegmentDir:        "data/segments",
	}
}

// inflightCreate is the per-URL promise concurrent GetOrCreateStream callers
// attach to while a creation is in flight. It resolves for all of them at
// once when the upstream fetch is confirmed or fails.
type inflightCreate struct {
	done     chan struct{}
	streamID string
	err      error
}

// Manager composes the stream, client, and cancellation registries and
// enforces the lifecycle invariants: at most one upstream fetch per stream,
// reference-counted teardown with a grace delay, and connection-scoped
// race-free cleanup.
type Manager struct {
	cfg     ManagerConfig
	runner  UpstreamRunner
	counter RefCounter
	logger  *slog.Logger

	streams *StreamRegistry
	clients *ClientRegistry
	cancels *CancellationRegistry

	// mu guards started and inflight, and serializes the read-modify-write
	// sequences on a client's attachment and active connection. Critical
	// sections are memory-only; upstream starts and shared-state calls
	// happen outside it.
	mu       sync.Mutex
	started  bool
	inflight map[string]*inflightCreate
}

// NewManager creates a stream manager. A nil counter selects the in-process
// reference-count backend.
func NewManager(cfg ManagerConfig, runner UpstreamRunner, counter RefCounter, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	if counter == nil {
		counter = NewLocalRefCounter()
	}
	return &Manager{
		cfg:      cfg,
		runner:   runner,
		counter:  counter,
		logger:   logger.With(slog.String("component", "relay")),
		streams:  NewStreamRegistry(),
		clients:  NewClientRegistry(),
		cancels:  NewCancellationRegistry(),
		inflight: make(map[string]*inflightCreate),
	}
}

// Start initializes process-wide state. It must be called before any other
// operation and is idempotent.
func (m *Manager) Start() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.started {
		return nil
	}
	if err := os.MkdirAll(m.cfg.SegmentDir, 0o755); err != nil {
		return fmt.Errorf("creating segment directory: %w", err)
	}
	m.started = true
	return nil
}

// Stop tears down all state: every live connection is signalled, every
// client removed, and every upstream fetch terminated best-effort. Safe to
// call while streams are mid-teardown; in-flight creations observe the
// stopped manager and discard their fetches.
func (m *Manager) Stop() {
	m.mu.Lock()
	m.started = false
	m.mu.Unlock()

	m.cancels.SignalAll()
	for _, info := range m.clients.All() {
		m.clients.Remove(info.ID)
	}

	ctx := context.Background()
	removed := m.streams.RemoveAll()
	for _, s := range removed {
		if s.Handle != nil {
			s.Handle.Stop()
		}
		// Release only this instance's references; other instances may still
		// hold clients on the same stream, and Forget leaves a non-zero
		// shared count in place.
		for i := 0; i < s.RefCount; i++ {
			if _, err := m.counter.Decr(ctx, s.ID); err != nil {
				m.logger.Warn("shared refcount decrement failed",
					slog.String("stream_id", s.ID),
					slog.String("error", err.Error()))
				break
			}
		}
		if err := m.counter.Forget(ctx, s.ID); err != nil {
			m.logger.Warn("failed to clear shared refcount",
				slog.String("stream_id", s.ID),
				slog.String("error", err.Error()))
		}
	}
	if len(removed) > 0 {
		m.logger.Info("flushed streams on shutdown", slog.Int("count", len(removed)))
	}

	if err := m.counter.Close(); err != nil {
		m.logger.Warn("failed to close shared-state backend", slog.String("error", err.Error()))
	}
}

// GetOrCreateStream resolves the stream id for an upstream URL, starting the
// upstream fetch if no stream exists. Concurrent callers for the same URL
// share a single creation: exactly one fetch is started and all callers
// receive the same id. headers are forwarded verbatim to the upstream
// request when a new fetch is started.
//
// On failure the error wraps ErrUpstreamStart and no stream entry remains.
func (m *Manager) GetOrCreateStream(ctx context.Context, rawURL string, headers map[string]string) (string, error) {
	id := StreamID(rawURL)

	m.mu.Lock()
	if !m.started {
		m.mu.Unlock()
		return "", ErrManagerClosed
	}

	// Attach to an in-flight creation for the same URL.
	if fl, ok := m.inflight[id]; ok {
		m.mu.Unlock()
		return m.await(ctx, fl)
	}

	// Reuse an existing stream; a hit during the grace window reactivates it
	// without restarting the fetch.
	if info, ok := m.streams.Get(id); ok {
		if info.State == StateDraining.String() {
			m.streams.Reactivate(id)
			m.logger.Debug("stream reactivated during grace window", slog.String("stream_id", id))
		}
		m.mu.Unlock()
		return id, nil
	}

	// Starting entries for in-flight creations are already in the registry.
	if m.streams.Len() >= m.cfg.MaxStreams {
		m.mu.Unlock()
		return "", ErrTooManyStreams
	}

	fl := &inflightCreate{done: make(chan struct{})}
	m.inflight[id] = fl
	outputDir := filepath.Join(m.cfg.SegmentDir, id)
	m.streams.Insert(id, rawURL, outputDir)
	m.mu.Unlock()

	go m.create(id, rawURL, headers, outputDir, fl)

	return m.await(ctx, fl)
}

// create starts the upstream fetch for a freshly inserted Starting stream
// and resolves the in-flight promise for every waiting caller.
func (m *Manager) create(id, rawURL string, headers map[string]string, outputDir string, fl *inflightCreate) {
	// Detached from any single caller's request context: one caller
	// disconnecting must not abort the creation other callers are awaiting.
	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.StartTimeout)
	defer cancel()

	handle, err := m.runner.Start(ctx, UpstreamConfig{
		URL:       rawURL,
		Headers:   headers,
		OutputDir: outputDir,
	})

	m.mu.Lock()
	delete(m.inflight, id)
	if err != nil {
		m.streams.Fail(id)
		fl.err = fmt.Errorf("%w: %v", ErrUpstreamStart, err)
		m.mu.Unlock()
		close(fl.done)
		m.logger.Error("upstream fetch failed to start",
			slog.String("stream_id", id),
			slog.String("error", err.Error()))
		return
	}

	if !m.streams.Activate(id, handle) {
		// The manager stopped while the fetch was starting.
		m.mu.Unlock()
		handle.Stop()
		fl.err = ErrManagerClosed
		close(fl.done)
		return
	}
	fl.streamID = id
	m.mu.Unlock()
	close(fl.done)

	m.logger.Info("stream started",
		slog.String("stream_id", id),
		slog.String("url", redactURL(rawURL)))
}

// await blocks until the in-flight creation resolves or the caller's
// context is done.
func (m *Manager) await(ctx context.Context, fl *inflightCreate) (string, error) {
	select {
	case <-fl.done:
		return fl.streamID, fl.err
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// RegisterClient attaches a client to a stream, incrementing the stream's
// reference count exactly once per distinct attachment. Re-registering an
// already-attached client is a no-op on the count. Registering against a
// draining stream cancels its teardown.
func (m *Manager) RegisterClient(ctx context.Context, clientID, streamID string) error {
	m.mu.Lock()
	if !m.started {
		m.mu.Unlock()
		return ErrManagerClosed
	}

	if info, ok := m.clients.Get(clientID); ok && info.StreamID == streamID {
		m.clients.Touch(clientID)
		m.mu.Unlock()
		return nil
	}

	prev, moved := m.clients.Get(clientID)

	if _, ok := m.streams.Ref(streamID); !ok {
		m.mu.Unlock()
		return ErrStreamNotFound
	}
	m.clients.Put(clientID, streamID)
	m.mu.Unlock()

	if _, err := m.counter.Incr(ctx, streamID); err != nil {
		m.logger.Warn("shared refcount increment failed",
			slog.String("stream_id", streamID),
			slog.String("error", err.Error()))
	}

	// A client switching channels releases its old stream.
	if moved {
		m.releaseStream(ctx, prev.StreamID)
	}

	m.logger.Debug("client registered",
		slog.String("client_id", clientID),
		slog.String("stream_id", streamID))
	return nil
}

// OpenConnection begins a new connection attempt for a registered client: a
// fresh connection id is allocated, a cancellation signal is stored for it,
// and it becomes the client's active connection, superseding any previous
// one (whose later cleanup will be a no-op).
func (m *Manager) OpenConnection(clientID string) (string, *CancelSignal, error) {
	connectionID := ulid.Make().String()

	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.started {
		return "", nil, ErrManagerClosed
	}
	if _, ok := m.clients.Get(clientID); !ok {
		return "", nil, fmt.Errorf("opening connection: unknown client %q", clientID)
	}
	sig := m.cancels.Insert(connectionID)
	m.clients.SetActiveConnection(clientID, connectionID)
	return connectionID, sig, nil
}

// CleanupClient tears down a client's connection. When connectionID is
// non-empty, cleanup applies only if it is still the client's active
// connection; a stale id removes its own cancellation entry and nothing
// else, so a newer connection from the same client is untouched. When
// connectionID is empty (forced disconnect, periodic sweep) the cleanup is
// unconditional. Idempotent in all cases; never an error.
func (m *Manager) CleanupClient(ctx context.Context, clientID, connectionID string) {
	m.mu.Lock()

	info, known := m.clients.Get(clientID)

	if connectionID == "" {
		if !known {
			m.mu.Unlock()
			return
		}
		if info.ActiveConnectionID != "" {
			m.cancels.Signal(info.ActiveConnectionID)
			m.cancels.Remove(info.ActiveConnectionID)
		}
		m.clients.Remove(clientID)
		m.mu.Unlock()

		m.releaseStream(ctx, info.StreamID)
		m.logger.Debug("client removed",
			slog.String("client_id", clientID),
			slog.String("stream_id", info.StreamID))
		return
	}

	if !known {
		// Orphaned cancellation entries are removed defensively.
		m.cancels.Remove(connectionID)
		m.mu.Unlock()
		return
	}

	if info.ActiveConnectionID != connectionID {
		// Stale connection: a newer connection superseded this one. Only the
		// stale entry goes; the client, its active connection, and the
		// stream's reference count stay exactly as they are.
		m.cancels.Remove(connectionID)
		m.mu.Unlock()
		m.logger.Debug("ignored cleanup for stale connection",
			slog.String("client_id", clientID),
			slog.String("connection_id", connectionID))
		return
	}

	m.cancels.Remove(connectionID)
	m.clients.Remove(clientID)
	m.mu.Unlock()

	m.releaseStream(ctx, info.StreamID)
	m.logger.Debug("connection cleaned up",
		slog.String("client_id", clientID),
		slog.String("connection_id", connectionID),
		slog.String("stream_id", info.StreamID))
}

// releaseStream drops one reference to the stream and begins the grace-delay
// drain when both the local and shared counts reach zero.
func (m *Manager) releaseStream(ctx context.Context, streamID string) {
	local, ok := m.streams.Unref(streamID)
	if !ok {
		return
	}

	global, err := m.counter.Decr(ctx, streamID)
	if err != nil {
		m.logger.Warn("shared refcount decrement failed",
			slog.String("stream_id", streamID),
			slog.String("error", err.Error()))
		// The local count keeps this instance correct on its own.
		global = int64(local)
	}

	if local == 0 && global == 0 {
		if m.streams.BeginDrain(streamID, m.cfg.GraceDelay, m.onDrainExpired) {
			m.logger.Info("stream draining",
				slog.String("stream_id", streamID),
				slog.Duration("grace_delay", m.cfg.GraceDelay))
		}
	}
}

// onDrainExpired fires when a stream's grace timer elapses with the
// reference count still at zero. Stopping the fetch is best-effort: the
// stream entry is removed even if termination fails.
func (m *Manager) onDrainExpired(streamID string, generation uint64) {
	handle, ok := m.streams.CompleteDrain(streamID, generation)
	if !ok {
		// Reactivated or already replaced; nothing to do.
		return
	}
	if handle != nil {
		handle.Stop()
	}
	if err := m.counter.Forget(context.Background(), streamID); err != nil {
		m.logger.Warn("failed to clear shared refcount",
			slog.String("stream_id", streamID),
			slog.String("error", err.Error()))
	}
	m.logger.Info("stream stopped after grace delay", slog.String("stream_id", streamID))
}

// TouchClient refreshes a client's last-seen time. Request paths that do not
// hold a connection open (playlist polling) call this to stay clear of the
// idle sweep.
func (m *Manager) TouchClient(clientID string) {
	m.clients.Touch(clientID)
}

// SweepIdleClients force-disconnects every client idle longer than the
// configured timeout, using the unconditional cleanup path. Returns the
// number of clients removed.
func (m *Manager) SweepIdleClients(ctx context.Context) int {
	ids := m.clients.Idle(m.cfg.ClientIdleTimeout)
	for _, id := range ids {
		m.CleanupClient(ctx, id, "")
	}
	if len(ids) > 0 {
		m.logger.Info("swept idle clients", slog.Int("count", len(ids)))
	}
	return len(ids)
}

// Stream returns a copy of the stream's current state.
func (m *Manager) Stream(streamID string) (StreamInfo, bool) {
	return m.streams.Get(streamID)
}

// Streams returns a snapshot of all live streams.
func (m *Manager) Streams() []StreamInfo {
	return m.streams.Snapshot()
}

// Clients returns a snapshot of all registered clients.
func (m *Manager) Clients() []ClientInfo {
	return m.clients.All()
}

// Connection returns the cancellation signal for a connection id, if live.
func (m *Manager) Connection(connectionID string) (*CancelSignal, bool) {
	return m.cancels.Lookup(connectionID)
}

// ConnectionCount returns the number of live connections.
func (m *Manager) ConnectionCount() int {
	return m.cancels.Len()
}
