// Package housekeeping runs periodic retention jobs.
package housekeeping

import (
	"context"
	"fmt"
	"time"

	"github.com/goodtune/kcafe/internal/clock"
	"github.com/goodtune/kcafe/internal/metrics"
	"github.com/goodtune/kcafe/internal/storage"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// Config holds housekeeping settings.
type Config struct {
	RetentionDays int
	Schedule      string
}

// Scheduler purges expired audit entries on a cron schedule
type Scheduler struct {
	audit     storage.AuditStore
	clock     clock.Clock
	retention time.Duration
	schedule  string
	cron      *cron.Cron
	logger    zerolog.Logger
}

// NewScheduler creates a new housekeeping scheduler
func NewScheduler(audit storage.AuditStore, clk clock.Clock, cfg Config, logger zerolog.Logger) (*Scheduler, error) {
	if cfg.RetentionDays <= 0 {
		return nil, fmt.Errorf("retention days must be positive, got %d", cfg.RetentionDays)
	}
	if _, err := cron.ParseStandard(cfg.Schedule); err != nil {
		return nil, fmt.Errorf("invalid purge schedule %q: %w", cfg.Schedule, err)
	}
	if clk == nil {
		clk = clock.RealClock{}
	}

	return &Scheduler{
		audit:     audit,
		clock:     clk,
		retention: time.Duration(cfg.RetentionDays) * 24 * time.Hour,
		schedule:  cfg.Schedule,
		cron:      cron.New(),
		logger:    logger.With().Str("component", "housekeeping").Logger(),
	}, nil
}

// Start begins the scheduler
func (s *Scheduler) Start() error {
	if _, err := s.cron.AddFunc(s.schedule, func() {
		if _, err := s.Purge(context.Background()); err != nil {
			s.logger.Error().Err(err).Msg("Audit purge failed")
		}
	}); err != nil {
		return fmt.Errorf("failed to schedule audit purge: %w", err)
	}

	s.cron.Start()
	s.logger.Info().
		Str("schedule", s.schedule).
		Dur("retention", s.retention).
		Msg("Housekeeping scheduler started")
	return nil
}

// Stop stops the scheduler and waits for a running purge
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
	s.logger.Info().Msg("Housekeeping scheduler stopped")
}

// Purge removes audit entries older than the retention period
func (s *Scheduler) Purge(ctx context.Context) (int, error) {
	cutoff := s.clock.Now().Add(-s.retention)

	removed, err := s.audit.DeleteBefore(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to purge audit entries: %w", err)
	}

	metrics.AuditEntriesPurged.Add(float64(removed))
	s.logger.Info().
		Int("removed", removed).
		Time("cutoff", cutoff).
		Msg("Old audit entries cleaned up")

	return removed, nil
}
