package handlers

import (
	"context"

	"github.com/danielgtaylor/huma/v2"

	"github.com/jmylchreest/relayarr/internal/models"
	"github.com/jmylchreest/relayarr/internal/repository"
)

// ChannelHandler serves the channel catalog API.
type ChannelHandler struct {
	channels *repository.ChannelRepository
}

// NewChannelHandler creates a channel handler.
func NewChannelHandler(channels *repository.ChannelRepository) *ChannelHandler {
	return &ChannelHandler{channels: channels}
}

// ChannelRequest is the create/update payload.
type ChannelRequest struct {
	Name          string            `json:"name" minLength:"1" doc:"Display name"`
	StreamURL     string            `json:"stream_url" minLength:"1" doc:"Upstream stream URL"`
	Headers       map[string]string `json:"headers,omitempty" doc:"Custom outbound HTTP headers"`
	TvgID         string            `json:"tvg_id,omitempty"`
	TvgName       string            `json:"tvg_name,omitempty"`
	TvgLogo       string            `json:"tvg_logo,omitempty"`
	GroupTitle    string            `json:"group_title,omitempty"`
	ChannelNumber int               `json:"channel_number,omitempty"`
	Enabled       *bool             `json:"enabled,omitempty"`
}

// ChannelOutput wraps a single channel.
type ChannelOutput struct {
	Body models.Channel
}

// ChannelListOutput wraps a channel list.
type ChannelListOutput struct {
	Body struct {
		Channels []models.Channel `json:"channels"`
		Total    int              `json:"total"`
	}
}

// GroupsOutput wraps the distinct group titles.
type GroupsOutput struct {
	Body struct {
		Groups []string `json:"groups"`
	}
}

// Register registers the channel routes.
func (h *ChannelHandler) Register(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "listChannels",
		Method:      "GET",
		Path:        "/api/v1/channels",
		Summary:     "List channels",
		Tags:        []string{"Channels"},
	}, h.List)

	huma.Register(api, huma.Operation{
		OperationID: "getChannel",
		Method:      "GET",
		Path:        "/api/v1/channels/{channelID}",
		Summary:     "Get a channel",
		Tags:        []string{"Channels"},
	}, h.Get)

	huma.Register(api, huma.Operation{
		OperationID:   "createChannel",
		Method:        "POST",
		Path:          "/api/v1/channels",
		Summary:       "Create a channel",
		Tags:          []string{"Channels"},
		DefaultStatus: 201,
	}, h.Create)

	huma.Register(api, huma.Operation{
		OperationID: "updateChannel",
		Method:      "PUT",
		Path:        "/api/v1/channels/{channelID}",
		Summary:     "Update a channel",
		Tags:        []string{"Channels"},
	}, h.Update)

	huma.Register(api, huma.Operation{
		OperationID:   "deleteChannel",
		Method:        "DELETE",
		Path:          "/api/v1/channels/{channelID}",
		Summary:       "Delete a channel",
		Tags:          []string{"Channels"},
		DefaultStatus: 204,
	}, h.Delete)

	huma.Register(api, huma.Operation{
		OperationID: "listChannelGroups",
		Method:      "GET",
		Path:        "/api/v1/channels/groups",
		Summary:     "List channel groups",
		Tags:        []string{"Channels"},
	}, h.Groups)
}

// List returns the catalog, optionally filtered by group.
func (h *ChannelHandler) List(ctx context.Context, input *struct {
	Group string `query:"group" doc:"Filter by group title"`
}) (*ChannelListOutput, error) {
	channels, err := h.channels.List(ctx, input.Group)
	if err != nil {
		return nil, huma.Error500InternalServerError("listing channels", err)
	}
	out := &ChannelListOutput{}
	out.Body.Channels = channels
	out.Body.Total = len(channels)
	return out, nil
}

// Get returns one channel.
func (h *ChannelHandler) Get(ctx context.Context, input *struct {
	ChannelID string `path:"channelID" doc:"Channel ULID"`
}) (*ChannelOutput, error) {
	id, err := models.ParseULID(input.ChannelID)
	if err != nil {
		return nil, huma.Error400BadRequest("invalid channel id")
	}
	channel, err := h.channels.GetByID(ctx, id)
	if err != nil {
		return nil, huma.Error500InternalServerError("getting channel", err)
	}
	if channel == nil {
		return nil, huma.Error404NotFound("channel not found")
	}
	return &ChannelOutput{Body: *channel}, nil
}

// Create adds a channel to the catalog.
func (h *ChannelHandler) Create(ctx context.Context, input *struct {
	Body ChannelRequest
}) (*ChannelOutput, error) {
	channel := requestToChannel(&input.Body, &models.Channel{})
	if err := h.channels.Create(ctx, channel); err != nil {
		return nil, huma.Error500InternalServerError("creating channel", err)
	}
	return &ChannelOutput{Body: *channel}, nil
}

// Update replaces a channel's fields.
func (h *ChannelHandler) Update(ctx context.Context, input *struct {
	ChannelID string `path:"channelID"`
	Body      ChannelRequest
}) (*ChannelOutput, error) {
	id, err := models.ParseULID(input.ChannelID)
	if err != nil {
		return nil, huma.Error400BadRequest("invalid channel id")
	}
	channel, err := h.channels.GetByID(ctx, id)
	if err != nil {
		return nil, huma.Error500InternalServerError("getting channel", err)
	}
	if channel == nil {
		return nil, huma.Error404NotFound("channel not found")
	}
	requestToChannel(&input.Body, channel)
	if err := h.channels.Update(ctx, channel); err != nil {
		return nil, huma.Error500InternalServerError("updating channel", err)
	}
	return &ChannelOutput{Body: *channel}, nil
}

// Delete removes a channel.
func (h *ChannelHandler) Delete(ctx context.Context, input *struct {
	ChannelID string `path:"channelID"`
}) (*struct{}, error) {
	id, err := models.ParseULID(input.ChannelID)
	if err != nil {
		return nil, huma.Error400BadRequest("invalid channel id")
	}
	if err := h.channels.Delete(ctx, id); err != nil {
		return nil, huma.Error500InternalServerError("deleting channel", err)
	}
	return &struct{}{}, nil
}

// Groups lists distinct group titles.
func (h *ChannelHandler) Groups(ctx context.Context, _ *struct{}) (*GroupsOutput, error) {
	groups, err := h.channels.Groups(ctx)
	if err != nil {
		return nil, huma.Error500InternalServerError("listing groups", err)
	}
	out := &GroupsOutput{}
	out.Body.Groups = groups
	return out, nil
}

func requestToChannel(req *ChannelRequest, channel *models.Channel) *models.Channel {
	channel.Name = req.Name
	channel.StreamURL = req.StreamURL
	channel.Headers = models.HeaderMap(req.Headers)
	channel.TvgID = req.TvgID
	channel.TvgName = req.TvgName
	channel.TvgLogo = req.TvgLogo
	channel.GroupTitle = req.GroupTitle
	channel.ChannelNumber = req.ChannelNumber
	if req.Enabled != nil {
		channel.Enabled = *req.Enabled
	} else if channel.ID.IsZero() {
		channel.Enabled = true
	}
	return channel
}
