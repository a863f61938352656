package relay

import (
	"context"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// StreamState is the lifecycle state of a stream's upstream fetch.
type StreamState int32

// Stream lifecycle: Starting -> Active -> Draining -> Stopped, with
// Starting -> Failed on upstream start failure. Failed and Stopped are
// terminal; a later request for the same URL creates a fresh stream with a
// new generation.
const (
	StateStarting StreamState = iota
	StateActive
	StateDraining
	StateStopped
	StateFailed
)

// String returns the lowercase state name.
func (s StreamState) String() string {
	switch s {
	case StateStarting:
		return "starting"
	case StateActive:
		return "active"
	case StateDraining:
		return "draining"
	case StateStopped:
		return "stopped"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// UpstreamConfig describes one upstream fetch: the source URL, custom
// outbound HTTP headers forwarded verbatim to the upstream request, and the
// directory where produced media artifacts are written.
type UpstreamConfig struct {
	URL       string            `masq:"secret"`
	Headers   map[string]string `masq:"secret"`
	OutputDir string
}

// UpstreamHandle is a running upstream fetch process.
type UpstreamHandle interface {
	// Stop terminates the fetch. Best-effort: it logs failures internally
	// and never fails the caller.
	Stop()
}

// UpstreamRunner starts upstream fetch processes. Start blocks until the
// fetch is confirmed producing output (or fails); the returned handle is
// owned by the stream for its lifetime.
type UpstreamRunner interface {
	Start(ctx context.Context, cfg UpstreamConfig) (UpstreamHandle, error)
}

// Stream holds the state of one upstream fetch and its reference count.
// All fields are guarded by the owning registry's mutex.
type Stream struct {
	ID         string
	URL        string
	Generation uint64
	OutputDir  string

	State        StreamState
	RefCount     int
	Handle       UpstreamHandle
	CreatedAt    time.Time
	LastActivity time.Time

	drainTimer *time.Timer
}

// StreamInfo is a point-in-time copy of a stream's state for stats and tests.
type StreamInfo struct {
	ID           string    `json:"id"`
	URL          string    `json:"url"`
	Generation   uint64    `json:"generation"`
	State        string    `json:"state"`
	RefCount     int       `json:"ref_count"`
	OutputDir    string    `json:"output_dir"`
	CreatedAt    time.Time `json:"created_at"`
	LastActivity time.Time `json:"last_activity"`
}

// StreamRegistry owns all Stream objects and enforces the state machine.
// At most one upstream fetch exists per stream id at any time.
type StreamRegistry struct {
	mu      sync.Mutex
	streams map[string]*Stream
	nextGen uint64
}

// NewStreamRegistry creates an empty registry.
func NewStreamRegistry() *StreamRegistry {
	return &StreamRegistry{streams: make(map[string]*Stream)}
}

// StreamID derives the stable stream id for an upstream URL. The same URL
// always maps to the same id, on every instance, which the distributed
// reference-count backend relies on.
func StreamID(rawURL string) string {
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte(normalizeURL(rawURL))).String()
}

// normalizeURL canonicalizes scheme and host casing, strips default ports
// and fragments. Unparseable URLs are used as-is.
func normalizeURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	u.Scheme = strings.ToLower(u.Scheme)
	host := strings.ToLower(u.Hostname())
	if port := u.Port(); port != "" &&
		!((u.Scheme == "http" && port == "80") || (u.Scheme == "https" && port == "443")) {
		host += ":" + port
	}
	u.Host = host
	u.Fragment = ""
	return u.String()
}

// redactURL strips credentials and query parameters for log output. Upstream
// URLs routinely carry tokens in both places.
func redactURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return "<unparseable>"
	}
	if u.User != nil {
		u.User = url.UserPassword("xxxxx", "xxxxx")
	}
	if u.RawQuery != "" {
		u.RawQuery = "redacted"
	}
	return u.String()
}

// Insert creates a stream entry in the Starting state with a fresh
// generation. Returns false if an entry already exists for the id.
func (r *StreamRegistry) Insert(id, rawURL, outputDir string) bool {
	now := time.Now()
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.streams[id]; ok {
		return false
	}
	r.nextGen++
	r.streams[id] = &Stream{
		ID:           id,
		URL:          rawURL,
		Generation:   r.nextGen,
		OutputDir:    outputDir,
		State:        StateStarting,
		CreatedAt:    now,
		LastActivity: now,
	}
	return true
}

// Activate transitions Starting -> Active and attaches the process handle.
func (r *StreamRegistry) Activate(id string, handle UpstreamHandle) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.streams[id]
	if !ok || s.State != StateStarting {
		return false
	}
	s.State = StateActive
	s.Handle = handle
	s.LastActivity = time.Now()
	return true
}

// Fail marks a Starting stream Failed and removes it, leaving no partial
// entry behind.
func (r *StreamRegistry) Fail(id string) {
	r.mu.Lock()
	if s, ok := r.streams[id]; ok && s.State == StateStarting {
		s.State = StateFailed
		delete(r.streams, id)
	}
	r.mu.Unlock()
}

// Get returns a copy of the stream's current state.
func (r *StreamRegistry) Get(id string) (StreamInfo, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.streams[id]
	if !ok {
		return StreamInfo{}, false
	}
	return snapshot(s), true
}

// Ref increments the stream's local reference count. A stream in the
// Draining grace window is reactivated: the teardown timer is stopped and
// the state returns to Active without touching the upstream fetch.
func (r *StreamRegistry) Ref(id string) (count int, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.streams[id]
	if !ok {
		return 0, false
	}
	if s.State == StateDraining {
		if s.drainTimer != nil {
			s.drainTimer.Stop()
			s.drainTimer = nil
		}
		s.State = StateActive
	}
	s.RefCount++
	s.LastActivity = time.Now()
	return s.RefCount, true
}

// Reactivate returns a Draining stream to Active without changing its
// reference count, stopping the pending teardown timer. A no-op for streams
// in any other state.
func (r *StreamRegistry) Reactivate(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.streams[id]
	if !ok || s.State != StateDraining {
		return false
	}
	if s.drainTimer != nil {
		s.drainTimer.Stop()
		s.drainTimer = nil
	}
	s.State = StateActive
	s.LastActivity = time.Now()
	return true
}

// Unref decrements the stream's local reference count, never below zero.
func (r *StreamRegistry) Unref(id string) (count int, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.streams[id]
	if !ok {
		return 0, false
	}
	if s.RefCount > 0 {
		s.RefCount--
	}
	s.LastActivity = time.Now()
	return s.RefCount, true
}

// BeginDrain moves an Active stream with zero references into Draining and
// arms the grace timer. expire is invoked with the stream's id and
// generation when the timer fires; a reactivated or replaced stream makes
// the expiry a no-op via the generation check in CompleteDrain.
func (r *StreamRegistry) BeginDrain(id string, delay time.Duration, expire func(id string, generation uint64)) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.streams[id]
	if !ok || s.State != StateActive || s.RefCount != 0 {
		return false
	}
	s.State = StateDraining
	gen := s.Generation
	s.drainTimer = time.AfterFunc(delay, func() { expire(id, gen) })
	return true
}

// CompleteDrain finishes a drain whose grace timer elapsed: the stream is
// marked Stopped and removed, and its handle is returned for best-effort
// termination by the caller. Returns ok=false if the stream was reactivated,
// already gone, or replaced by a newer generation.
func (r *StreamRegistry) CompleteDrain(id string, generation uint64) (UpstreamHandle, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.streams[id]
	if !ok || s.Generation != generation || s.State != StateDraining || s.RefCount != 0 {
		return nil, false
	}
	s.State = StateStopped
	delete(r.streams, id)
	return s.Handle, true
}

// RemoveAll stops every drain timer, removes all entries, and returns the
// removed streams so the caller can terminate their fetches.
func (r *StreamRegistry) RemoveAll() []*Stream {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Stream, 0, len(r.streams))
	for id, s := range r.streams {
		if s.drainTimer != nil {
			s.drainTimer.Stop()
			s.drainTimer = nil
		}
		s.State = StateStopped
		delete(r.streams, id)
		out = append(out, s)
	}
	return out
}

// Snapshot returns a copy of every stream's state.
func (r *StreamRegistry) Snapshot() []StreamInfo {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]StreamInfo, 0, len(r.streams))
	for _, s := range r.streams {
		out = append(out, snapshot(s))
	}
	return out
}

// Len returns the number of live streams (Starting, Active, or Draining).
func (r *StreamRegistry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.streams)
}

func snapshot(s *Stream) StreamInfo {
	return StreamInfo{
		ID:           s.ID,
		URL:          s.URL,
		Generation:   s.Generation,
		State:        s.State.String(),
		RefCount:     s.RefCount,
		OutputDir:    s.OutputDir,
		CreatedAt:    s.CreatedAt,
		LastActivity: s.LastActivity,
	}
}
