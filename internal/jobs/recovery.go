package jobs

import (
	"context"
	"time"

	"github.com/ZJUSCT/OJTrack/internal/config"
	"github.com/ZJUSCT/OJTrack/internal/database"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const sweepInterval = time.Minute

// RecoverAndCleanup runs on startup. Nothing from a previous process can still
// be running, so every job left in the running state is marked failed.
func RecoverAndCleanup(db *gorm.DB) error {
	zap.S().Info("starting recovery process for interrupted jobs...")
	n, err := database.RecoverInterrupted(db, 0)
	if err != nil {
		return err
	}
	if n == 0 {
		zap.S().Info("no interrupted jobs found to recover")
	} else {
		zap.S().Infof("marked %d interrupted jobs as failed", n)
	}
	return nil
}

// RequeuePendingJobs puts jobs still pending from the last run back on the queue.
func RequeuePendingJobs(db *gorm.DB, s *Scheduler) error {
	pending, err := database.GetPendingJobs(db)
	if err != nil {
		return err
	}
	if len(pending) == 0 {
		zap.S().Info("no pending jobs to requeue")
		return nil
	}
	zap.S().Infof("requeueing %d pending jobs...", len(pending))
	for i := range pending {
		s.Submit(&pending[i])
	}
	return nil
}

// SweepStale periodically fails running jobs that have not reported progress
// for longer than the configured age, until ctx is cancelled.
func SweepStale(ctx context.Context, db *gorm.DB, cfg config.Sync) {
	olderThan := time.Duration(cfg.StaleJobMinutes) * time.Minute
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := database.RecoverInterrupted(db, olderThan)
			if err != nil {
				zap.S().Errorf("stale job sweep failed: %v", err)
				continue
			}
			if n > 0 {
				zap.S().Warnf("marked %d stale jobs as failed", n)
			}
		}
	}
}
