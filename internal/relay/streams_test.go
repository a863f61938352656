package relay

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStreamRegistryStateMachine(t *testing.T) {
	r := NewStreamRegistry()
	id := StreamID("http://example.com/a.ts")

	require.True(t, r.Insert(id, "http://example.com/a.ts", "/tmp/out"))
	assert.False(t, r.Insert(id, "http://example.com/a.ts", "/tmp/out"), "duplicate insert must be rejected")

	info, ok := r.Get(id)
	require.True(t, ok)
	assert.Equal(t, StateStarting.String(), info.State)

	h := &fakeHandle{}
	require.True(t, r.Activate(id, h))
	assert.False(t, r.Activate(id, h), "activate is only valid from starting")

	info, _ = r.Get(id)
	assert.Equal(t, StateActive.String(), info.State)
}

func TestStreamRegistryFailRemovesEntry(t *testing.T) {
	r := NewStreamRegistry()
	id := StreamID("http://example.com/a.ts")
	require.True(t, r.Insert(id, "http://example.com/a.ts", "/tmp/out"))

	r.Fail(id)
	_, ok := r.Get(id)
	assert.False(t, ok)
	assert.Zero(t, r.Len())
}

func TestStreamRegistryRefUnrefFloor(t *testing.T) {
	r := NewStreamRegistry()
	id := StreamID("http://example.com/a.ts")
	r.Insert(id, "http://example.com/a.ts", "/tmp/out")
	r.Activate(id, &fakeHandle{})

	n, ok := r.Ref(id)
	require.True(t, ok)
	assert.Equal(t, 1, n)

	n, _ = r.Unref(id)
	assert.Equal(t, 0, n)
	n, _ = r.Unref(id)
	assert.Equal(t, 0, n, "unref must clamp at zero")
}

func TestStreamRegistryDrainGenerationGuard(t *testing.T) {
	r := NewStreamRegistry()
	id := StreamID("http://example.com/a.ts")
	r.Insert(id, "http://example.com/a.ts", "/tmp/out")
	h := &fakeHandle{}
	r.Activate(id, h)

	fired := make(chan uint64, 1)
	require.True(t, r.BeginDrain(id, time.Hour, func(_ string, gen uint64) { fired <- gen }))

	// Reactivation makes the armed expiry stale.
	n, ok := r.Ref(id)
	require.True(t, ok)
	assert.Equal(t, 1, n)
	info, _ := r.Get(id)
	assert.Equal(t, StateActive.String(), info.State)

	_, ok = r.CompleteDrain(id, info.Generation)
	assert.False(t, ok, "a reactivated stream must not be torn down")

	// A new generation for the same id ignores expiries from the old one.
	r.Unref(id)
	require.True(t, r.BeginDrain(id, time.Hour, func(string, uint64) {}))
	handle, ok := r.CompleteDrain(id, info.Generation)
	require.True(t, ok)
	assert.Same(t, h, handle.(*fakeHandle))

	require.True(t, r.Insert(id, "http://example.com/a.ts", "/tmp/out"))
	fresh, _ := r.Get(id)
	assert.Greater(t, fresh.Generation, info.Generation)
	_, ok = r.CompleteDrain(id, info.Generation)
	assert.False(t, ok, "stale generation must not remove the replacement stream")
}

func TestStreamRegistryRemoveAll(t *testing.T) {
	r := NewStreamRegistry()
	for _, u := range []string{"http://a/1.ts", "http://a/2.ts"} {
		id := StreamID(u)
		r.Insert(id, u, "/tmp/out")
		r.Activate(id, &fakeHandle{})
	}
	removed := r.RemoveAll()
	assert.Len(t, removed, 2)
	assert.Zero(t, r.Len())
}
