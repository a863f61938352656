package handlers

import (
	"context"

	"github.com/danielgtaylor/huma/v2"

	"github.com/jmylchreest/relayarr/internal/ingest"
	"github.com/jmylchreest/relayarr/internal/models"
	"github.com/jmylchreest/relayarr/internal/repository"
)

// SourceHandler serves the playlist source API.
type SourceHandler struct {
	sources *repository.PlaylistSourceRepository
	ingest  *ingest.Service
}

// NewSourceHandler creates a playlist source handler.
func NewSourceHandler(sources *repository.PlaylistSourceRepository, ingestSvc *ingest.Service) *SourceHandler {
	return &SourceHandler{sources: sources, ingest: ingestSvc}
}

// SourceOutput wraps a single source.
type SourceOutput struct {
	Body models.PlaylistSource
}

// SourceListOutput wraps a source list.
type SourceListOutput struct {
	Body struct {
		Sources []models.PlaylistSource `json:"sources"`
		Total   int                     `json:"total"`
	}
}

// RefreshOutput reports how many sources were refreshed.
type RefreshOutput struct {
	Body struct {
		Refreshed int `json:"refreshed"`
	}
}

// Register registers the source routes.
func (h *SourceHandler) Register(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "listSources",
		Method:      "GET",
		Path:        "/api/v1/sources",
		Summary:     "List playlist sources",
		Tags:        []string{"Sources"},
	}, h.List)

	huma.Register(api, huma.Operation{
		OperationID:   "createSource",
		Method:        "POST",
		Path:          "/api/v1/sources",
		Summary:       "Add a playlist source and ingest it",
		Tags:          []string{"Sources"},
		DefaultStatus: 201,
	}, h.Create)

	huma.Register(api, huma.Operation{
		OperationID:   "deleteSource",
		Method:        "DELETE",
		Path:          "/api/v1/sources/{sourceID}",
		Summary:       "Delete a playlist source",
		Tags:          []string{"Sources"},
		DefaultStatus: 204,
	}, h.Delete)

	huma.Register(api, huma.Operation{
		OperationID: "refreshSources",
		Method:      "POST",
		Path:        "/api/v1/sources/refresh",
		Summary:     "Refresh all enabled playlist sources now",
		Tags:        []string{"Sources"},
	}, h.Refresh)
}

// List returns all playlist sources.
func (h *SourceHandler) List(ctx context.Context, _ *struct{}) (*SourceListOutput, error) {
	sources, err := h.sources.List(ctx)
	if err != nil {
		return nil, huma.Error500InternalServerError("listing sources", err)
	}
	out := &SourceListOutput{}
	out.Body.Sources = sources
	out.Body.Total = len(sources)
	return out, nil
}

// Create adds a source and runs its first ingest. An ingest failure still
// returns the created source, with the error recorded on it.
func (h *SourceHandler) Create(ctx context.Context, input *struct {
	Body struct {
		Name string `json:"name" minLength:"1"`
		URL  string `json:"url" minLength:"1" format:"uri"`
	}
}) (*SourceOutput, error) {
	source, err := h.ingest.AddSource(ctx, input.Body.Name, input.Body.URL)
	if source == nil {
		return nil, huma.Error500InternalServerError("creating source", err)
	}
	// Reload so the response carries the recorded refresh state.
	if updated, getErr := h.sources.GetByID(ctx, source.ID); getErr == nil && updated != nil {
		source = updated
	}
	return &SourceOutput{Body: *source}, nil
}

// Delete removes a source. Its channels stay until the next refresh cycle.
func (h *SourceHandler) Delete(ctx context.Context, input *struct {
	SourceID string `path:"sourceID"`
}) (*struct{}, error) {
	id, err := models.ParseULID(input.SourceID)
	if err != nil {
		return nil, huma.Error400BadRequest("invalid source id")
	}
	if err := h.sources.Delete(ctx, id); err != nil {
		return nil, huma.Error500InternalServerError("deleting source", err)
	}
	return &struct{}{}, nil
}

// Refresh re-ingests every enabled source immediately.
func (h *SourceHandler) Refresh(ctx context.Context, _ *struct{}) (*RefreshOutput, error) {
	n, err := h.ingest.RefreshAll(ctx)
	if err != nil {
		return nil, huma.Error500InternalServerError("refreshing sources", err)
	}
	out := &RefreshOutput{}
	out.Body.Refreshed = n
	return out, nil
}
