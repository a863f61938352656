// Package scheduler runs relayarr's recurring maintenance jobs: the
// dead-client sweep, playlist source refresh, and segment directory pruning.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/jmylchreest/relayarr/internal/config"
	"github.com/jmylchreest/relayarr/internal/ingest"
	"github.com/jmylchreest/relayarr/internal/relay"
)

// Scheduler owns the cron runner and the job closures.
type Scheduler struct {
	cron    *cron.Cron
	manager *relay.Manager
	ingest  *ingest.Service
	cfg     config.Config
	logger  *slog.Logger
}

// New creates a scheduler. Jobs are registered by Start.
func New(manager *relay.Manager, ingestSvc *ingest.Service, cfg config.Config, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		cron: cron.New(
			cron.WithSeconds(),
			cron.WithChain(cron.Recover(cron.DefaultLogger)),
		),
		manager: manager,
		ingest:  ingestSvc,
		cfg:     cfg,
		logger:  logger.With(slog.String("component", "scheduler")),
	}
}

// Start registers the jobs and begins running them.
func (s *Scheduler) Start() error {
	sweepSpec := fmt.Sprintf("@every %s", s.cfg.Relay.SweepInterval)
	if _, err := s.cron.AddFunc(sweepSpec, s.sweepClients); err != nil {
		return fmt.Errorf("scheduling client sweep: %w", err)
	}

	if s.ingest != nil && s.cfg.Ingest.RefreshSchedule != "" {
		if _, err := s.cron.AddFunc(s.cfg.Ingest.RefreshSchedule, s.refreshSources); err != nil {
			return fmt.Errorf("scheduling playlist refresh: %w", err)
		}
	}

	if s.cfg.Storage.SegmentRetention > 0 {
		if _, err := s.cron.AddFunc("@every 5m", s.pruneSegments); err != nil {
			return fmt.Errorf("scheduling segment pruning: %w", err)
		}
	}

	s.cron.Start()
	s.logger.Info("scheduler started",
		slog.String("sweep_interval", s.cfg.Relay.SweepInterval.String()),
		slog.String("refresh_schedule", s.cfg.Ingest.RefreshSchedule))
	return nil
}

// Stop halts the cron runner, waiting for running jobs to finish.
func (s *Scheduler) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
	s.logger.Info("scheduler stopped")
}

// sweepClients force-disconnects clients idle past the configured timeout.
func (s *Scheduler) sweepClients() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if n := s.manager.SweepIdleClients(ctx); n > 0 {
		s.logger.Debug("idle clients swept", slog.Int("count", n))
	}
}

// refreshSources re-ingests every enabled playlist source.
func (s *Scheduler) refreshSources() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
	defer cancel()
	n, err := s.ingest.RefreshAll(ctx)
	if err != nil {
		s.logger.Error("playlist refresh failed", slog.String("error", err.Error()))
		return
	}
	s.logger.Info("playlist sources refreshed", slog.Int("count", n))
}

// pruneSegments removes segment directories for streams that no longer
// exist, once they are older than the retention window. Directories of live
// streams are never touched.
func (s *Scheduler) pruneSegments() {
	base := s.cfg.Storage.SegmentPath()
	entries, err := os.ReadDir(base)
	if err != nil {
		if !os.IsNotExist(err) {
			s.logger.Warn("reading segment directory failed", slog.String("error", err.Error()))
		}
		return
	}

	live := make(map[string]bool)
	for _, info := range s.manager.Streams() {
		live[info.ID] = true
	}

	cutoff := time.Now().Add(-s.cfg.Storage.SegmentRetention)
	pruned := 0
	for _, entry := range entries {
		if !entry.IsDir() || live[entry.Name()] {
			continue
		}
		info, err := entry.Info()
		if err != nil || info.ModTime().After(cutoff) {
			continue
		}
		dir := filepath.Join(base, entry.Name())
		if err := os.RemoveAll(dir); err != nil {
			s.logger.Warn("pruning segment directory failed",
				slog.String("dir", dir),
				slog.String("error", err.Error()))
			continue
		}
		pruned++
	}
	if pruned > 0 {
		s.logger.Info("pruned segment directories", slog.Int("count", pruned))
	}
}
