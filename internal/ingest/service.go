// Package ingest imports M3U playlist sources into the channel catalog.
package ingest

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jmylchreest/relayarr/internal/httpclient"
	"github.com/jmylchreest/relayarr/internal/models"
	"github.com/jmylchreest/relayarr/internal/repository"
	"github.com/jmylchreest/relayarr/pkg/m3u"
)

// Service fetches playlist sources and replaces their channels in the
// catalog.
type Service struct {
	channels *repository.ChannelRepository
	sources  *repository.PlaylistSourceRepository
	client   *httpclient.Client
	logger   *slog.Logger
}

// NewService creates an ingest service.
func NewService(
	channels *repository.ChannelRepository,
	sources *repository.PlaylistSourceRepository,
	client *httpclient.Client,
	logger *slog.Logger,
) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		channels: channels,
		sources:  sources,
		client:   client,
		logger:   logger.With(slog.String("component", "ingest")),
	}
}

// AddSource registers a playlist source and runs its first ingest.
func (s *Service) AddSource(ctx context.Context, name, url string) (*models.PlaylistSource, error) {
	source := &models.PlaylistSource{
		Name:    name,
		URL:     url,
		Enabled: true,
	}
	if err := s.sources.Create(ctx, source); err != nil {
		return nil, err
	}
	if err := s.RefreshSource(ctx, source); err != nil {
		// The source stays registered with its failure recorded; the
		// scheduled refresh retries it.
		return source, err
	}
	return source, nil
}

// RefreshSource fetches a source's playlist and swaps its channels. Failures
// are recorded on the source and returned.
func (s *Service) RefreshSource(ctx context.Context, source *models.PlaylistSource) error {
	channels, err := s.fetch(ctx, source.URL)
	if err != nil {
		if markErr := s.sources.MarkFailed(ctx, source.ID, err); markErr != nil {
			s.logger.Warn("failed to record ingest failure",
				slog.String("source", source.Name),
				slog.String("error", markErr.Error()))
		}
		return fmt.Errorf("refreshing source %q: %w", source.Name, err)
	}

	if err := s.channels.ReplaceForSource(ctx, source.ID, channels); err != nil {
		if markErr := s.sources.MarkFailed(ctx, source.ID, err); markErr != nil {
			s.logger.Warn("failed to record ingest failure",
				slog.String("source", source.Name),
				slog.String("error", markErr.Error()))
		}
		return err
	}
	if err := s.sources.MarkRefreshed(ctx, source.ID, len(channels)); err != nil {
		return err
	}

	s.logger.Info("source refreshed",
		slog.String("source", source.Name),
		slog.Int("channels", len(channels)))
	return nil
}

// RefreshAll refreshes every enabled source, continuing past individual
// failures. Returns the number of sources refreshed successfully.
func (s *Service) RefreshAll(ctx context.Context) (int, error) {
	sources, err := s.sources.ListEnabled(ctx)
	if err != nil {
		return 0, err
	}

	refreshed := 0
	for i := range sources {
		if err := s.RefreshSource(ctx, &sources[i]); err != nil {
			s.logger.Warn("source refresh failed",
				slog.String("source", sources[i].Name),
				slog.String("error", err.Error()))
			continue
		}
		refreshed++
	}
	return refreshed, nil
}

// fetch downloads and parses a playlist into channel models.
func (s *Service) fetch(ctx context.Context, url string) ([]*models.Channel, error) {
	resp, err := s.client.Get(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("fetching playlist: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != 200 {
		return nil, fmt.Errorf("fetching playlist: status %d", resp.StatusCode)
	}

	var channels []*models.Channel
	parser := &m3u.Parser{
		OnEntry: func(e *m3u.Entry) error {
			channels = append(channels, entryToChannel(e))
			return nil
		},
		OnError: func(line int, err error) {
			s.logger.Debug("skipping malformed playlist line",
				slog.Int("line", line),
				slog.String("error", err.Error()))
		},
	}
	if err := parser.ParseCompressed(resp.Body); err != nil {
		return nil, fmt.Errorf("parsing playlist: %w", err)
	}
	return channels, nil
}

// entryToChannel maps a parsed playlist entry to a catalog channel.
func entryToChannel(e *m3u.Entry) *models.Channel {
	name := e.Title
	if name == "" {
		name = e.TvgName
	}
	var headers models.HeaderMap
	if len(e.Headers) > 0 {
		headers = models.HeaderMap(e.Headers)
	}
	return &models.Channel{
		Name:          name,
		StreamURL:     e.URL,
		Headers:       headers,
		TvgID:         e.TvgID,
		TvgName:       e.TvgName,
		TvgLogo:       e.TvgLogo,
		GroupTitle:    e.GroupTitle,
		ChannelNumber: e.ChannelNumber,
		Enabled:       true,
	}
}
