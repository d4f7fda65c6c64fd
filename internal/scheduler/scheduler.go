// Package scheduler runs daily maintenance: session journal retention and
// expired ban cleanup.
package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/voxeld-project/voxeld/internal/config"
	"github.com/voxeld-project/voxeld/internal/db"
)

// Scheduler manages periodic background tasks.
type Scheduler struct {
	cfg     *config.Config
	journal *db.Journal
	bans    *db.BanList
	now     func() time.Time
	logger  zerolog.Logger
}

// NewScheduler creates a scheduler. journal and bans may be nil.
func NewScheduler(cfg *config.Config, journal *db.Journal, bans *db.BanList) *Scheduler {
	return &Scheduler{
		cfg:     cfg,
		journal: journal,
		bans:    bans,
		now:     time.Now,
		logger:  log.With().Str("component", "scheduler").Logger(),
	}
}

// Start runs maintenance once a day at the configured cleanup time until
// ctx is cancelled.
func (s *Scheduler) Start(ctx context.Context) {
	s.logger.Info().Msg("scheduler started")
	defer s.logger.Info().Msg("scheduler stopped")

	for {
		next, err := NextRun(s.now(), s.cfg.GetJournal().CleanupTime)
		if err != nil {
			s.logger.Warn().Err(err).Msg("invalid cleanup time, using 04:00")
			next, _ = NextRun(s.now(), "04:00")
		}
		wait := next.Sub(s.now())
		s.logger.Info().Time("next_run", next).Dur("sleep", wait).Msg("maintenance scheduled")

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
			s.RunMaintenance()
		}
	}
}

// RunMaintenance prunes journal entries past retention and expired bans.
func (s *Scheduler) RunMaintenance() {
	jc := s.cfg.GetJournal()
	if s.journal != nil && jc.RetentionDays > 0 {
		cutoff := s.now().AddDate(0, 0, -jc.RetentionDays)
		if _, err := s.journal.Prune(cutoff); err != nil {
			s.logger.Error().Err(err).Msg("failed to prune session journal")
		}
	}

	if s.bans != nil {
		n, err := s.bans.PruneExpired()
		if err != nil {
			s.logger.Error().Err(err).Msg("failed to prune expired bans")
		} else if n > 0 {
			s.logger.Info().Int64("removed", n).Msg("expired bans pruned")
		}
	}
}

// NextRun returns the first time after now matching the "HH:MM" clock in
// now's location.
func NextRun(now time.Time, clock string) (time.Time, error) {
	t, err := time.Parse("15:04", clock)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to parse cleanup time %q: %w", clock, err)
	}
	next := time.Date(now.Year(), now.Month(), now.Day(), t.Hour(), t.Minute(), 0, 0, now.Location())
	if !next.After(now) {
		next = next.AddDate(0, 0, 1)
	}
	return next, nil
}
