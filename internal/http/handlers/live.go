package handlers

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/jmylchreest/relayarr/internal/models"
	"github.com/jmylchreest/relayarr/internal/relay"
	"github.com/jmylchreest/relayarr/internal/repository"
	"github.com/jmylchreest/relayarr/pkg/m3u"
)

// segmentPollInterval is how often the forward loop re-reads the playlist
// looking for new segments.
const segmentPollInterval = 250 * time.Millisecond

// streamController is the relay surface the streaming endpoints drive.
type streamController interface {
	GetOrCreateStream(ctx context.Context, rawURL string, headers map[string]string) (string, error)
	RegisterClient(ctx context.Context, clientID, streamID string) error
	OpenConnection(clientID string) (string, *relay.CancelSignal, error)
	CleanupClient(ctx context.Context, clientID, connectionID string)
	TouchClient(clientID string)
	Stream(streamID string) (relay.StreamInfo, bool)
}

// LiveHandler serves the streaming endpoints: the client-facing playlist,
// the continuous transport-stream relay, and raw HLS file access. These are
// raw chi routes; they hold response streams open and never go through the
// API layer.
type LiveHandler struct {
	channels *repository.ChannelRepository
	manager  streamController
	logger   *slog.Logger
}

// NewLiveHandler creates the streaming handler.
func NewLiveHandler(channels *repository.ChannelRepository, manager streamController, logger *slog.Logger) *LiveHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &LiveHandler{
		channels: channels,
		manager:  manager,
		logger:   logger.With(slog.String("component", "live")),
	}
}

// Register mounts the streaming routes on the router.
func (h *LiveHandler) Register(r chi.Router) {
	r.Get("/playlist.m3u", h.Playlist)
	r.Get("/live/{channelID}", h.Live)
	r.Get("/hls/{streamID}/{file}", h.HLSFile)
}

// Playlist emits the catalog as an M3U playlist whose URLs point back at
// this server, so players never see upstream URLs or credentials.
func (h *LiveHandler) Playlist(w http.ResponseWriter, r *http.Request) {
	channels, err := h.channels.List(r.Context(), r.URL.Query().Get("group"))
	if err != nil {
		http.Error(w, "listing channels", http.StatusInternalServerError)
		return
	}

	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}

	w.Header().Set("Content-Type", "audio/x-mpegurl")
	writer := m3u.NewWriter(w)
	for i := range channels {
		ch := &channels[i]
		if !ch.Enabled {
			continue
		}
		entry := &m3u.Entry{
			Duration:      -1,
			Title:         ch.Name,
			TvgID:         ch.TvgID,
			TvgName:       ch.TvgName,
			TvgLogo:       ch.TvgLogo,
			GroupTitle:    ch.GroupTitle,
			ChannelNumber: ch.ChannelNumber,
			URL:           fmt.Sprintf("%s://%s/live/%s", scheme, r.Host, ch.ID),
		}
		if err := writer.WriteEntry(entry); err != nil {
			return
		}
	}
}

// Live relays a channel to the client as a continuous transport stream. The
// handler owns the connection lifecycle: it resolves the channel, joins the
// shared stream, opens a connection attempt, forwards segments until the
// client disconnects or the connection is cancelled, and finally runs the
// connection-scoped cleanup.
func (h *LiveHandler) Live(w http.ResponseWriter, r *http.Request) {
	channel, ok := h.resolveChannel(w, r)
	if !ok {
		return
	}

	ctx := r.Context()
	clientID := deriveClientID(r)

	streamID, err := h.joinStream(ctx, clientID, channel)
	if err != nil {
		h.logger.Error("stream unavailable",
			slog.String("channel", channel.Name),
			slog.String("client_id", clientID),
			slog.String("error", err.Error()))
		switch {
		case errors.Is(err, relay.ErrTooManyStreams):
			http.Error(w, "stream limit reached", http.StatusServiceUnavailable)
		case errors.Is(err, relay.ErrUpstreamStart):
			http.Error(w, "upstream unavailable", http.StatusBadGateway)
		default:
			http.Error(w, "stream unavailable", http.StatusServiceUnavailable)
		}
		return
	}

	connID, cancel, err := h.manager.OpenConnection(clientID)
	if err != nil {
		http.Error(w, "stream unavailable", http.StatusServiceUnavailable)
		return
	}
	// Scoped to this connection attempt: if the client reconnects and a
	// newer connection is active by the time this runs, it only removes its
	// own cancellation entry.
	defer h.manager.CleanupClient(context.WithoutCancel(ctx), clientID, connID)

	info, ok := h.manager.Stream(streamID)
	if !ok {
		http.Error(w, "stream unavailable", http.StatusServiceUnavailable)
		return
	}

	h.logger.Info("client connected",
		slog.String("client_id", clientID),
		slog.String("connection_id", connID),
		slog.String("stream_id", streamID),
		slog.String("channel", channel.Name))

	w.Header().Set("Content-Type", "video/mp2t")
	w.Header().Set("Cache-Control", "no-store")
	h.forward(w, r, info.OutputDir, clientID, cancel)

	h.logger.Info("client disconnected",
		slog.String("client_id", clientID),
		slog.String("connection_id", connID))
}

// joinStream resolves the channel's shared stream and attaches the client.
// The stream can expire between the two steps (the grace timer firing right
// after the resolve), so a vanished stream is re-resolved once; a fresh
// stream entry replaces the expired one.
func (h *LiveHandler) joinStream(ctx context.Context, clientID string, channel *models.Channel) (string, error) {
	for attempt := 0; ; attempt++ {
		streamID, err := h.manager.GetOrCreateStream(ctx, channel.StreamURL, channel.Headers)
		if err != nil {
			return "", err
		}
		err = h.manager.RegisterClient(ctx, clientID, streamID)
		if err == nil {
			return streamID, nil
		}
		if !errors.Is(err, relay.ErrStreamNotFound) || attempt > 0 {
			return "", err
		}
	}
}

// forward tails the stream's HLS output, copying each new segment to the
// response. It returns when the client goes away or the connection's
// cancellation signal fires.
func (h *LiveHandler) forward(w http.ResponseWriter, r *http.Request, outputDir, clientID string, cancel *relay.CancelSignal) {
	flusher, _ := w.(http.Flusher)
	ticker := time.NewTicker(segmentPollInterval)
	defer ticker.Stop()

	var lastSent string
	for {
		select {
		case <-r.Context().Done():
			return
		case <-cancel.Done():
			return
		case <-ticker.C:
		}

		segments, err := listSegments(outputDir)
		if err != nil {
			continue
		}
		for _, seg := range segments {
			if seg <= lastSent {
				continue
			}
			if err := copySegment(w, filepath.Join(outputDir, seg)); err != nil {
				return
			}
			lastSent = seg
			h.manager.TouchClient(clientID)
			if flusher != nil {
				flusher.Flush()
			}
			if cancel.IsSet() || r.Context().Err() != nil {
				return
			}
		}
	}
}

// HLSFile serves a stream's playlist or segment directly, for players that
// prefer pulling HLS over the continuous relay. Requests refresh the
// owning client's activity when a client_id is supplied.
func (h *LiveHandler) HLSFile(w http.ResponseWriter, r *http.Request) {
	streamID := chi.URLParam(r, "streamID")
	file := chi.URLParam(r, "file")

	// Path traversal guard: only flat filenames ffmpeg produces.
	if file != filepath.Base(file) || strings.Contains(file, "..") {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}

	info, ok := h.manager.Stream(streamID)
	if !ok {
		http.Error(w, "stream not found", http.StatusNotFound)
		return
	}

	if clientID := r.URL.Query().Get("client_id"); clientID != "" {
		h.manager.TouchClient(clientID)
	}

	switch {
	case strings.HasSuffix(file, ".m3u8"):
		w.Header().Set("Content-Type", "application/vnd.apple.mpegurl")
		w.Header().Set("Cache-Control", "no-store")
	case strings.HasSuffix(file, ".ts"):
		w.Header().Set("Content-Type", "video/mp2t")
	}
	http.ServeFile(w, r, filepath.Join(info.OutputDir, file))
}

// resolveChannel loads and validates the requested channel, writing the
// error response itself on failure.
func (h *LiveHandler) resolveChannel(w http.ResponseWriter, r *http.Request) (*models.Channel, bool) {
	id, err := models.ParseULID(chi.URLParam(r, "channelID"))
	if err != nil {
		http.Error(w, "invalid channel id", http.StatusBadRequest)
		return nil, false
	}
	channel, err := h.channels.GetByID(r.Context(), id)
	if err != nil {
		http.Error(w, "getting channel", http.StatusInternalServerError)
		return nil, false
	}
	if channel == nil || !channel.Enabled {
		http.Error(w, "channel not found", http.StatusNotFound)
		return nil, false
	}
	return channel, true
}

// listSegments returns the stream's segment filenames in playback order.
// ffmpeg's zero-padded numbering makes lexical order correct.
func listSegments(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var segments []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".ts") {
			segments = append(segments, e.Name())
		}
	}
	sort.Strings(segments)
	return segments, nil
}

func copySegment(w io.Writer, path string) error {
	f, err := os.Open(path)
	if err != nil {
		// The retention window may have deleted it between listing and open.
		return nil
	}
	defer f.Close()
	_, err = io.Copy(w, f)
	return err
}

// deriveClientID identifies the logical viewer. An explicit client_id query
// parameter wins; otherwise the client is identified by source IP and user
// agent, so reconnects from the same player map to the same client.
func deriveClientID(r *http.Request) string {
	if id := r.URL.Query().Get("client_id"); id != "" {
		return id
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	seed := host + "|" + r.UserAgent()
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(seed)).String()
}
