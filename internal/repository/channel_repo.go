// Package repository provides data access for relayarr entities.
package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/jmylchreest/relayarr/internal/models"
	"gorm.io/gorm"
)

// ChannelRepository persists channels.
type ChannelRepository struct {
	db *gorm.DB
}

// NewChannelRepository creates a channel repository.
func NewChannelRepository(db *gorm.DB) *ChannelRepository {
	return &ChannelRepository{db: db}
}

// Create creates a new channel.
func (r *ChannelRepository) Create(ctx context.Context, channel *models.Channel) error {
	if err := r.db.WithContext(ctx).Create(channel).Error; err != nil {
		return fmt.Errorf("creating channel: %w", err)
	}
	return nil
}

// GetByID retrieves a channel by ID. Returns nil when not found.
func (r *ChannelRepository) GetByID(ctx context.Context, id models.ULID) (*models.Channel, error) {
	var channel models.Channel
	if err := r.db.WithContext(ctx).Where("id = ?", id).First(&channel).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("getting channel by ID: %w", err)
	}
	return &channel, nil
}

// List returns channels ordered by channel number then name. group filters
// by group title when non-empty.
func (r *ChannelRepository) List(ctx context.Context, group string) ([]models.Channel, error) {
	q := r.db.WithContext(ctx).Order("channel_number, name")
	if group != "" {
		q = q.Where("group_title = ?", group)
	}
	var channels []models.Channel
	if err := q.Find(&channels).Error; err != nil {
		return nil, fmt.Errorf("listing channels: %w", err)
	}
	return channels, nil
}

// Update saves changes to an existing channel.
func (r *ChannelRepository) Update(ctx context.Context, channel *models.Channel) error {
	if err := r.db.WithContext(ctx).Save(channel).Error; err != nil {
		return fmt.Errorf("updating channel: %w", err)
	}
	return nil
}

// Delete removes a channel by ID.
func (r *ChannelRepository) Delete(ctx context.Context, id models.ULID) error {
	if err := r.db.WithContext(ctx).Delete(&models.Channel{}, "id = ?", id).Error; err != nil {
		return fmt.Errorf("deleting channel: %w", err)
	}
	return nil
}

// ReplaceForSource swaps a source's channels for a freshly ingested set in a
// single transaction, so playlist refreshes never leave a half-updated
// catalog.
func (r *ChannelRepository) ReplaceForSource(ctx context.Context, sourceID models.ULID, channels []*models.Channel) error {
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("source_id = ?", sourceID).Delete(&models.Channel{}).Error; err != nil {
			return err
		}
		if len(channels) == 0 {
			return nil
		}
		for _, ch := range channels {
			ch.SourceID = &sourceID
		}
		return tx.CreateInBatches(channels, 500).Error
	})
	if err != nil {
		return fmt.Errorf("replacing channels for source: %w", err)
	}
	return nil
}

// CountBySource returns the number of channels attached to a source.
func (r *ChannelRepository) CountBySource(ctx context.Context, sourceID models.ULID) (int64, error) {
	var n int64
	if err := r.db.WithContext(ctx).Model(&models.Channel{}).
		Where("source_id = ?", sourceID).Count(&n).Error; err != nil {
		return 0, fmt.Errorf("counting channels: %w", err)
	}
	return n, nil
}

// Groups returns the distinct group titles in the catalog.
func (r *ChannelRepository) Groups(ctx context.Context) ([]string, error) {
	var groups []string
	if err := r.db.WithContext(ctx).Model(&models.Channel{}).
		Where("group_title <> ''").
		Distinct().Order("group_title").
		Pluck("group_title", &groups).Error; err != nil {
		return nil, fmt.Errorf("listing groups: %w", err)
	}
	return groups, nil
}
