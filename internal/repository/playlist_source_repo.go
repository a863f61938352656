package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jmylchreest/relayarr/internal/models"
	"gorm.io/gorm"
)

// PlaylistSourceRepository persists playlist sources.
type PlaylistSourceRepository struct {
	db *gorm.DB
}

// NewPlaylistSourceRepository creates a playlist source repository.
func NewPlaylistSourceRepository(db *gorm.DB) *PlaylistSourceRepository {
	return &PlaylistSourceRepository{db: db}
}

// Create creates a new playlist source.
func (r *PlaylistSourceRepository) Create(ctx context.Context, source *models.PlaylistSource) error {
	if err := r.db.WithContext(ctx).Create(source).Error; err != nil {
		return fmt.Errorf("creating playlist source: %w", err)
	}
	return nil
}

// GetByID retrieves a source by ID. Returns nil when not found.
func (r *PlaylistSourceRepository) GetByID(ctx context.Context, id models.ULID) (*models.PlaylistSource, error) {
	var source models.PlaylistSource
	if err := r.db.WithContext(ctx).Where("id = ?", id).First(&source).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("getting playlist source: %w", err)
	}
	return &source, nil
}

// List returns all playlist sources.
func (r *PlaylistSourceRepository) List(ctx context.Context) ([]models.PlaylistSource, error) {
	var sources []models.PlaylistSource
	if err := r.db.WithContext(ctx).Order("name").Find(&sources).Error; err != nil {
		return nil, fmt.Errorf("listing playlist sources: %w", err)
	}
	return sources, nil
}

// ListEnabled returns the sources eligible for scheduled refresh.
func (r *PlaylistSourceRepository) ListEnabled(ctx context.Context) ([]models.PlaylistSource, error) {
	var sources []models.PlaylistSource
	if err := r.db.WithContext(ctx).Where("enabled = ?", true).Find(&sources).Error; err != nil {
		return nil, fmt.Errorf("listing enabled playlist sources: %w", err)
	}
	return sources, nil
}

// Delete removes a source by ID.
func (r *PlaylistSourceRepository) Delete(ctx context.Context, id models.ULID) error {
	if err := r.db.WithContext(ctx).Delete(&models.PlaylistSource{}, "id = ?", id).Error; err != nil {
		return fmt.Errorf("deleting playlist source: %w", err)
	}
	return nil
}

// MarkRefreshed records a successful ingest: timestamp, channel count, and a
// cleared error.
func (r *PlaylistSourceRepository) MarkRefreshed(ctx context.Context, id models.ULID, channelCount int) error {
	now := time.Now()
	if err := r.db.WithContext(ctx).Model(&models.PlaylistSource{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"last_refreshed_at": &now,
			"channel_count":     channelCount,
			"last_error":        "",
		}).Error; err != nil {
		return fmt.Errorf("marking source refreshed: %w", err)
	}
	return nil
}

// MarkFailed records an ingest failure without touching the refresh time.
func (r *PlaylistSourceRepository) MarkFailed(ctx context.Context, id models.ULID, cause error) error {
	if err := r.db.WithContext(ctx).Model(&models.PlaylistSource{}).
		Where("id = ?", id).
		Update("last_error", cause.Error()).Error; err != nil {
		return fmt.Errorf("marking source failed: %w", err)
	}
	return nil
}
