package relay

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeHandle struct {
	stopped atomic.Bool
}

func (h *fakeHandle) Stop() { h.stopped.Store(true) }

// fakeRunner counts starts and optionally fails or blocks, so tests can
// observe exactly how many upstream fetches the manager launched.
type fakeRunner struct {
	mu      sync.Mutex
	starts  int
	err     error
	delay   time.Duration
	handles []*fakeHandle
}

func (r *fakeRunner) Start(ctx context.Context, cfg UpstreamConfig) (UpstreamHandle, error) {
	r.mu.Lock()
	r.starts++
	err := r.err
	delay := r.delay
	r.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, err
	}

	h := &fakeHandle{}
	r.mu.Lock()
	r.handles = append(r.handles, h)
	r.mu.Unlock()
	return h, nil
}

func (r *fakeRunner) startCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.starts
}

func (r *fakeRunner) lastHandle() *fakeHandle {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.handles) == 0 {
		return nil
	}
	return r.handles[len(r.handles)-1]
}

func newTestManager(t *testing.T, mutate func(*ManagerConfig)) (*Manager, *fakeRunner) {
	t.Helper()
	cfg := DefaultManagerConfig()
	cfg.SegmentDir = t.TempDir()
	cfg.GraceDelay = 50 * time.Millisecond
	cfg.StartTimeout = 2 * time.Second
	if mutate != nil {
		mutate(&cfg)
	}
	runner := &fakeRunner{}
	m := NewManager(cfg, runner, nil, nil)
	require.NoError(t, m.Start())
	t.Cleanup(m.Stop)
	return m, runner
}

func TestStreamIDStableAcrossEquivalentURLs(t *testing.T) {
	base := StreamID("http://example.com/live/1.ts")
	assert.Equal(t, base, StreamID("HTTP://EXAMPLE.COM/live/1.ts"))
	assert.Equal(t, base, StreamID("http://example.com:80/live/1.ts"))
	assert.Equal(t, base, StreamID("http://example.com/live/1.ts#frag"))
	assert.NotEqual(t, base, StreamID("http://example.com/live/2.ts"))
	assert.NotEqual(t, base, StreamID("http://example.com/live/1.ts?token=x"))
}

func TestGetOrCreateStreamSingleFetchForConcurrentCallers(t *testing.T) {
	m, runner := newTestManager(t, nil)
	runner.delay = 30 * time.Millisecond

	const callers = 20
	ids := make([]string, callers)
	errs := make([]error, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ids[i], errs[i] = m.GetOrCreateStream(context.Background(), "http://example.com/live/1.ts", nil)
		}(i)
	}
	wg.Wait()

	for i := 0; i < callers; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, ids[0], ids[i])
	}
	assert.Equal(t, 1, runner.startCount())
	assert.Len(t, m.Streams(), 1)
}

func TestGetOrCreateStreamFailureLeavesNoEntry(t *testing.T) {
	m, runner := newTestManager(t, nil)
	runner.err = errors.New("connection refused")

	_, err := m.GetOrCreateStream(context.Background(), "http://example.com/bad.ts", nil)
	require.ErrorIs(t, err, ErrUpstreamStart)
	assert.Empty(t, m.Streams())

	// A later request starts fresh rather than hitting a poisoned entry.
	runner.mu.Lock()
	runner.err = nil
	runner.mu.Unlock()
	id, err := m.GetOrCreateStream(context.Background(), "http://example.com/bad.ts", nil)
	require.NoError(t, err)
	info, ok := m.Stream(id)
	require.True(t, ok)
	assert.Equal(t, StateActive.String(), info.State)
}

func TestRegisterClientCountsOncePerClient(t *testing.T) {
	m, _ := newTestManager(t, nil)
	id, err := m.GetOrCreateStream(context.Background(), "http://example.com/live/1.ts", nil)
	require.NoError(t, err)

	require.NoError(t, m.RegisterClient(context.Background(), "c1", id))
	require.NoError(t, m.RegisterClient(context.Background(), "c1", id))
	require.NoError(t, m.RegisterClient(context.Background(), "c2", id))

	info, ok := m.Stream(id)
	require.True(t, ok)
	assert.Equal(t, 2, info.RefCount)
}

func TestRegisterClientUnknownStream(t *testing.T) {
	m, _ := newTestManager(t, nil)
	err := m.RegisterClient(context.Background(), "c1", "no-such-stream")
	assert.ErrorIs(t, err, ErrStreamNotFound)
}

func TestCleanupStaleConnectionLeavesNewerConnectionIntact(t *testing.T) {
	m, _ := newTestManager(t, nil)
	id, err := m.GetOrCreateStream(context.Background(), "http://example.com/live/1.ts", nil)
	require.NoError(t, err)
	require.NoError(t, m.RegisterClient(context.Background(), "c1", id))

	connA, sigA, err := m.OpenConnection("c1")
	require.NoError(t, err)
	connB, sigB, err := m.OpenConnection("c1")
	require.NoError(t, err)
	require.NotEqual(t, connA, connB)

	// The delayed teardown of the superseded connection fires after the new
	// one is already active.
	m.CleanupClient(context.Background(), "c1", connA)

	_, ok := m.Connection(connA)
	assert.False(t, ok, "stale connection's cancel entry should be removed")
	_, ok = m.Connection(connB)
	assert.True(t, ok, "newer connection must remain live")
	assert.False(t, sigA.IsSet(), "stale cleanup must not signal anything")
	assert.False(t, sigB.IsSet())

	info, ok := m.clients.Get("c1")
	require.True(t, ok, "client must survive stale cleanup")
	assert.Equal(t, connB, info.ActiveConnectionID)

	stream, ok := m.Stream(id)
	require.True(t, ok)
	assert.Equal(t, 1, stream.RefCount, "stale cleanup must not release the stream")

	// Cleanup for the current connection tears everything down.
	m.CleanupClient(context.Background(), "c1", connB)

	_, ok = m.Connection(connB)
	assert.False(t, ok)
	_, ok = m.clients.Get("c1")
	assert.False(t, ok)
	stream, ok = m.Stream(id)
	require.True(t, ok)
	assert.Equal(t, 0, stream.RefCount)
}

func TestCleanupClientIdempotent(t *testing.T) {
	m, _ := newTestManager(t, nil)
	id, err := m.GetOrCreateStream(context.Background(), "http://example.com/live/1.ts", nil)
	require.NoError(t, err)
	require.NoError(t, m.RegisterClient(context.Background(), "c1", id))
	conn, _, err := m.OpenConnection("c1")
	require.NoError(t, err)

	m.CleanupClient(context.Background(), "c1", conn)
	m.CleanupClient(context.Background(), "c1", conn)
	m.CleanupClient(context.Background(), "c1", "")

	stream, ok := m.Stream(id)
	require.True(t, ok)
	assert.Equal(t, 0, stream.RefCount, "repeated cleanup must release at most one reference")
}

func TestCleanupClientUnconditionalSignalsActiveConnection(t *testing.T) {
	m, _ := newTestManager(t, nil)
	id, err := m.GetOrCreateStream(context.Background(), "http://example.com/live/1.ts", nil)
	require.NoError(t, err)
	require.NoError(t, m.RegisterClient(context.Background(), "c1", id))
	conn, sig, err := m.OpenConnection("c1")
	require.NoError(t, err)

	m.CleanupClient(context.Background(), "c1", "")

	assert.True(t, sig.IsSet(), "forced disconnect must wake the forward loop")
	_, ok := m.Connection(conn)
	assert.False(t, ok)
	_, ok = m.clients.Get("c1")
	assert.False(t, ok)
}

func TestCleanupClientWithoutOpenConnection(t *testing.T) {
	m, _ := newTestManager(t, nil)
	id, err := m.GetOrCreateStream(context.Background(), "http://example.com/live/1.ts", nil)
	require.NoError(t, err)
	require.NoError(t, m.RegisterClient(context.Background(), "c2", id))

	// Registered but never opened a connection.
	m.CleanupClient(context.Background(), "c2", "")

	_, ok := m.clients.Get("c2")
	assert.False(t, ok, "client with no active connection must still be removed")
	assert.Zero(t, m.ConnectionCount())

	info, ok := m.Stream(id)
	require.True(t, ok)
	assert.Equal(t, 0, info.RefCount)
	assert.Equal(t, StateDraining.String(), info.State)
}

func TestCleanupUnknownClientIsNoOp(t *testing.T) {
	m, _ := newTestManager(t, nil)
	m.CleanupClient(context.Background(), "ghost", "")
	m.CleanupClient(context.Background(), "ghost", "some-conn")
}

func TestStreamStopsAfterGraceDelay(t *testing.T) {
	m, runner := newTestManager(t, nil)
	id, err := m.GetOrCreateStream(context.Background(), "http://example.com/live/1.ts", nil)
	require.NoError(t, err)
	require.NoError(t, m.RegisterClient(context.Background(), "c1", id))
	conn, _, err := m.OpenConnection("c1")
	require.NoError(t, err)

	m.CleanupClient(context.Background(), "c1", conn)

	info, ok := m.Stream(id)
	require.True(t, ok)
	assert.Equal(t, StateDraining.String(), info.State)

	handle := runner.lastHandle()
	require.NotNil(t, handle)
	require.Eventually(t, func() bool {
		_, ok := m.Stream(id)
		return !ok && handle.stopped.Load()
	}, time.Second, 10*time.Millisecond, "stream should stop once the grace delay elapses")
}

func TestReconnectDuringGraceWindowReusesFetch(t *testing.T) {
	m, runner := newTestManager(t, func(cfg *ManagerConfig) {
		cfg.GraceDelay = 200 * time.Millisecond
	})
	url := "http://example.com/live/1.ts"
	id, err := m.GetOrCreateStream(context.Background(), url, nil)
	require.NoError(t, err)
	require.NoError(t, m.RegisterClient(context.Background(), "c1", id))
	conn, _, err := m.OpenConnection("c1")
	require.NoError(t, err)

	m.CleanupClient(context.Background(), "c1", conn)
	info, ok := m.Stream(id)
	require.True(t, ok)
	require.Equal(t, StateDraining.String(), info.State)

	// Reconnect before the grace delay elapses.
	again, err := m.GetOrCreateStream(context.Background(), url, nil)
	require.NoError(t, err)
	assert.Equal(t, id, again)
	require.NoError(t, m.RegisterClient(context.Background(), "c1", id))

	info, ok = m.Stream(id)
	require.True(t, ok)
	assert.Equal(t, StateActive.String(), info.State)
	assert.Equal(t, 1, info.RefCount)
	assert.Equal(t, 1, runner.startCount(), "reactivation must not restart the fetch")

	// The armed timer from the drain must stay a no-op.
	time.Sleep(300 * time.Millisecond)
	info, ok = m.Stream(id)
	require.True(t, ok)
	assert.Equal(t, StateActive.String(), info.State)
	assert.False(t, runner.lastHandle().stopped.Load())
}

func TestClientSwitchingStreamsReleasesOldOne(t *testing.T) {
	m, _ := newTestManager(t, func(cfg *ManagerConfig) {
		cfg.GraceDelay = time.Hour
	})
	first, err := m.GetOrCreateStream(context.Background(), "http://example.com/live/1.ts", nil)
	require.NoError(t, err)
	second, err := m.GetOrCreateStream(context.Background(), "http://example.com/live/2.ts", nil)
	require.NoError(t, err)

	require.NoError(t, m.RegisterClient(context.Background(), "c1", first))
	require.NoError(t, m.RegisterClient(context.Background(), "c1", second))

	firstInfo, ok := m.Stream(first)
	require.True(t, ok)
	assert.Equal(t, 0, firstInfo.RefCount)
	assert.Equal(t, StateDraining.String(), firstInfo.State)

	secondInfo, ok := m.Stream(second)
	require.True(t, ok)
	assert.Equal(t, 1, secondInfo.RefCount)
}

func TestMaxStreamsEnforced(t *testing.T) {
	m, _ := newTestManager(t, func(cfg *ManagerConfig) {
		cfg.MaxStreams = 2
	})
	_, err := m.GetOrCreateStream(context.Background(), "http://example.com/live/1.ts", nil)
	require.NoError(t, err)
	_, err = m.GetOrCreateStream(context.Background(), "http://example.com/live/2.ts", nil)
	require.NoError(t, err)

	_, err = m.GetOrCreateStream(context.Background(), "http://example.com/live/3.ts", nil)
	assert.ErrorIs(t, err, ErrTooManyStreams)

	// An existing stream is still reachable at the cap.
	id, err := m.GetOrCreateStream(context.Background(), "http://example.com/live/1.ts", nil)
	require.NoError(t, err)
	assert.Equal(t, StreamID("http://example.com/live/1.ts"), id)
}

func TestSweepIdleClients(t *testing.T) {
	m, _ := newTestManager(t, func(cfg *ManagerConfig) {
		cfg.ClientIdleTimeout = 20 * time.Millisecond
	})
	id, err := m.GetOrCreateStream(context.Background(), "http://example.com/live/1.ts", nil)
	require.NoError(t, err)
	require.NoError(t, m.RegisterClient(context.Background(), "stale", id))
	require.NoError(t, m.RegisterClient(context.Background(), "fresh", id))
	_, sig, err := m.OpenConnection("stale")
	require.NoError(t, err)

	time.Sleep(40 * time.Millisecond)
	m.TouchClient("fresh")

	n := m.SweepIdleClients(context.Background())
	assert.Equal(t, 1, n)
	assert.True(t, sig.IsSet())
	_, ok := m.clients.Get("stale")
	assert.False(t, ok)
	_, ok = m.clients.Get("fresh")
	assert.True(t, ok)
}

func TestStopTearsDownEverything(t *testing.T) {
	cfg := DefaultManagerConfig()
	cfg.SegmentDir = t.TempDir()
	runner := &fakeRunner{}
	m := NewManager(cfg, runner, nil, nil)
	require.NoError(t, m.Start())

	id, err := m.GetOrCreateStream(context.Background(), "http://example.com/live/1.ts", nil)
	require.NoError(t, err)
	require.NoError(t, m.RegisterClient(context.Background(), "c1", id))
	_, sig, err := m.OpenConnection("c1")
	require.NoError(t, err)

	m.Stop()

	assert.True(t, sig.IsSet())
	assert.Empty(t, m.Streams())
	assert.Empty(t, m.Clients())
	assert.Zero(t, m.ConnectionCount())
	assert.True(t, runner.lastHandle().stopped.Load())

	_, err = m.GetOrCreateStream(context.Background(), "http://example.com/live/1.ts", nil)
	assert.ErrorIs(t, err, ErrManagerClosed)
	err = m.RegisterClient(context.Background(), "c1", id)
	assert.ErrorIs(t, err, ErrManagerClosed)
}

// newSharedInstance builds a manager on a shared counter, simulating one of
// several relay instances behind a load balancer.
func newSharedInstance(t *testing.T, shared RefCounter, grace time.Duration) *Manager {
	t.Helper()
	cfg := DefaultManagerConfig()
	cfg.SegmentDir = t.TempDir()
	cfg.GraceDelay = grace
	m := NewManager(cfg, &fakeRunner{}, shared, nil)
	require.NoError(t, m.Start())
	t.Cleanup(m.Stop)
	return m
}

func TestDrainExpiryKeepsOtherInstancesReferences(t *testing.T) {
	shared := NewLocalRefCounter()
	url := "http://example.com/live/1.ts"

	a := newSharedInstance(t, shared, 30*time.Millisecond)
	b := newSharedInstance(t, shared, time.Hour)

	id, err := a.GetOrCreateStream(context.Background(), url, nil)
	require.NoError(t, err)
	require.NoError(t, a.RegisterClient(context.Background(), "a1", id))

	// The only client on the first instance leaves and the grace timer arms.
	a.CleanupClient(context.Background(), "a1", "")
	info, ok := a.Stream(id)
	require.True(t, ok)
	require.Equal(t, StateDraining.String(), info.State)

	// Meanwhile the second instance picks up viewers for the same upstream.
	bid, err := b.GetOrCreateStream(context.Background(), url, nil)
	require.NoError(t, err)
	require.Equal(t, id, bid)
	require.NoError(t, b.RegisterClient(context.Background(), "b1", bid))
	require.NoError(t, b.RegisterClient(context.Background(), "b2", bid))

	require.Eventually(t, func() bool {
		_, ok := a.Stream(id)
		return !ok
	}, time.Second, 10*time.Millisecond, "first instance's stream should expire")

	n, err := shared.Get(context.Background(), id)
	require.NoError(t, err)
	assert.EqualValues(t, 2, n, "expiry on one instance must not wipe the shared count of another's live viewers")

	// The second instance's stream is untouched, and releasing one of its
	// clients must not tear it down while the other is watching.
	b.CleanupClient(context.Background(), "b1", "")
	info, ok = b.Stream(bid)
	require.True(t, ok)
	assert.Equal(t, StateActive.String(), info.State)
	assert.Equal(t, 1, info.RefCount)
}

func TestStopReleasesOnlyOwnSharedReferences(t *testing.T) {
	shared := NewLocalRefCounter()
	url := "http://example.com/live/1.ts"

	a := newSharedInstance(t, shared, time.Hour)
	b := newSharedInstance(t, shared, time.Hour)

	aid, err := a.GetOrCreateStream(context.Background(), url, nil)
	require.NoError(t, err)
	require.NoError(t, a.RegisterClient(context.Background(), "a1", aid))

	bid, err := b.GetOrCreateStream(context.Background(), url, nil)
	require.NoError(t, err)
	require.NoError(t, b.RegisterClient(context.Background(), "b1", bid))

	a.Stop()

	n, err := shared.Get(context.Background(), aid)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n, "shutdown must release its own reference and leave the other instance's")
}

func TestOpenConnectionRequiresRegistration(t *testing.T) {
	m, _ := newTestManager(t, nil)
	_, _, err := m.OpenConnection("nobody")
	assert.Error(t, err)
}

func TestConcurrentClientsDistinctStreams(t *testing.T) {
	m, runner := newTestManager(t, nil)

	const n = 8
	var wg sync.WaitGroup
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			url := fmt.Sprintf("http://example.com/live/%d.ts", i%4)
			id, err := m.GetOrCreateStream(context.Background(), url, nil)
			if err != nil {
				errs[i] = err
				return
			}
			errs[i] = m.RegisterClient(context.Background(), fmt.Sprintf("c%d", i), id)
		}(i)
	}
	wg.Wait()

	for _, err := range errs {
		require.NoError(t, err)
	}
	assert.Equal(t, 4, runner.startCount())
	assert.Len(t, m.Streams(), 4)
	assert.Len(t, m.Clients(), n)
}
