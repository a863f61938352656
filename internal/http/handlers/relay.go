package handlers

import (
	"context"

	"github.com/danielgtaylor/huma/v2"

	"github.com/jmylchreest/relayarr/internal/relay"
)

// RelayHandler exposes the relay's live state and admin operations.
type RelayHandler struct {
	manager *relay.Manager
}

// NewRelayHandler creates a relay handler.
func NewRelayHandler(manager *relay.Manager) *RelayHandler {
	return &RelayHandler{manager: manager}
}

// StreamsOutput lists live streams.
type StreamsOutput struct {
	Body struct {
		Streams []relay.StreamInfo `json:"streams"`
		Total   int                `json:"total"`
	}
}

// ClientsOutput lists registered clients.
type ClientsOutput struct {
	Body struct {
		Clients []ClientStatus `json:"clients"`
		Total   int            `json:"total"`
	}
}

// ClientStatus is the API view of a registered client.
type ClientStatus struct {
	ID                 string `json:"id"`
	StreamID           string `json:"stream_id"`
	ActiveConnectionID string `json:"active_connection_id,omitempty"`
	RegisteredAt       string `json:"registered_at"`
	LastSeen           string `json:"last_seen"`
}

// Register registers the relay routes.
func (h *RelayHandler) Register(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "listRelayStreams",
		Method:      "GET",
		Path:        "/api/v1/relay/streams",
		Summary:     "List live streams",
		Tags:        []string{"Relay"},
	}, h.Streams)

	huma.Register(api, huma.Operation{
		OperationID: "listRelayClients",
		Method:      "GET",
		Path:        "/api/v1/relay/clients",
		Summary:     "List connected clients",
		Tags:        []string{"Relay"},
	}, h.Clients)

	huma.Register(api, huma.Operation{
		OperationID:   "disconnectRelayClient",
		Method:        "DELETE",
		Path:          "/api/v1/relay/clients/{clientID}",
		Summary:       "Force-disconnect a client",
		Description:   "Cancels the client's active connection and releases its stream",
		Tags:          []string{"Relay"},
		DefaultStatus: 204,
	}, h.DisconnectClient)
}

// Streams returns a snapshot of all live streams.
func (h *RelayHandler) Streams(_ context.Context, _ *struct{}) (*StreamsOutput, error) {
	streams := h.manager.Streams()
	for i := range streams {
		// Output directories are server-internal paths.
		streams[i].OutputDir = ""
	}
	out := &StreamsOutput{}
	out.Body.Streams = streams
	out.Body.Total = len(streams)
	return out, nil
}

// Clients returns a snapshot of all registered clients.
func (h *RelayHandler) Clients(_ context.Context, _ *struct{}) (*ClientsOutput, error) {
	infos := h.manager.Clients()
	clients := make([]ClientStatus, 0, len(infos))
	for _, info := range infos {
		clients = append(clients, ClientStatus{
			ID:                 info.ID,
			StreamID:           info.StreamID,
			ActiveConnectionID: info.ActiveConnectionID,
			RegisteredAt:       info.RegisteredAt.UTC().Format("2006-01-02T15:04:05Z"),
			LastSeen:           info.LastSeen.UTC().Format("2006-01-02T15:04:05Z"),
		})
	}
	out := &ClientsOutput{}
	out.Body.Clients = clients
	out.Body.Total = len(clients)
	return out, nil
}

// DisconnectClient force-disconnects a client via the unconditional cleanup
// path. Unknown clients are a no-op, matching the cleanup semantics.
func (h *RelayHandler) DisconnectClient(ctx context.Context, input *struct {
	ClientID string `path:"clientID"`
}) (*struct{}, error) {
	h.manager.CleanupClient(ctx, input.ClientID, "")
	return &struct{}{}, nil
}
