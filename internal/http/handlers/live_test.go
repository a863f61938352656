package handlers

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmylchreest/relayarr/internal/models"
	"github.com/jmylchreest/relayarr/internal/relay"
)

type stubHandle struct{}

func (stubHandle) Stop() {}

type stubRunner struct{}

func (stubRunner) Start(context.Context, relay.UpstreamConfig) (relay.UpstreamHandle, error) {
	return stubHandle{}, nil
}

// vanishingController delegates to a real manager but reports the stream
// gone for the first registrations, as when the grace timer fires between
// resolve and register.
type vanishingController struct {
	*relay.Manager
	failures int
}

func (c *vanishingController) RegisterClient(ctx context.Context, clientID, streamID string) error {
	if c.failures > 0 {
		c.failures--
		return relay.ErrStreamNotFound
	}
	return c.Manager.RegisterClient(ctx, clientID, streamID)
}

func newRelayManager(t *testing.T) *relay.Manager {
	t.Helper()
	cfg := relay.DefaultManagerConfig()
	cfg.SegmentDir = t.TempDir()
	m := relay.NewManager(cfg, stubRunner{}, nil, nil)
	require.NoError(t, m.Start())
	t.Cleanup(m.Stop)
	return m
}

func TestJoinStreamReResolvesExpiredStream(t *testing.T) {
	m := newRelayManager(t)
	ctrl := &vanishingController{Manager: m, failures: 1}
	h := NewLiveHandler(nil, ctrl, nil)

	channel := &models.Channel{Name: "news", StreamURL: "http://example.com/live/1.ts"}
	id, err := h.joinStream(context.Background(), "viewer-1", channel)
	require.NoError(t, err)

	info, ok := m.Stream(id)
	require.True(t, ok)
	assert.Equal(t, 1, info.RefCount, "client must be attached after the re-resolve")
}

func TestJoinStreamGivesUpAfterOneRetry(t *testing.T) {
	m := newRelayManager(t)
	ctrl := &vanishingController{Manager: m, failures: 2}
	h := NewLiveHandler(nil, ctrl, nil)

	channel := &models.Channel{Name: "news", StreamURL: "http://example.com/live/1.ts"}
	_, err := h.joinStream(context.Background(), "viewer-1", channel)
	assert.ErrorIs(t, err, relay.ErrStreamNotFound)
	assert.Equal(t, 0, ctrl.failures, "exactly one retry is attempted")
}
