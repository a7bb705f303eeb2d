package analysis

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ZJUSCT/OJTrack/internal/config"
	"github.com/ZJUSCT/OJTrack/internal/database"
	"github.com/ZJUSCT/OJTrack/internal/database/models"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"
)

var ErrTooManyErrors = errors.New("too many consecutive analysis errors")

const (
	PhaseComprehensive = "comprehensive"
	PhaseReview        = "review"
)

// BackfillOptions narrow a backfill run. Zero values mean everything.
type BackfillOptions struct {
	Platform    string `json:"platform"`
	Limit       int    `json:"limit"`
	SkipReviews bool   `json:"skip_reviews"`
}

type BackfillStats struct {
	ComprehensiveOK    int `json:"comprehensive_ok"`
	ComprehensiveTotal int `json:"comprehensive_total"`
	ReviewOK           int `json:"review_ok"`
	ReviewTotal        int `json:"review_total"`
}

func (s *BackfillStats) Map() models.JSONMap {
	return models.JSONMap{
		"comprehensive_ok":    s.ComprehensiveOK,
		"comprehensive_total": s.ComprehensiveTotal,
		"review_ok":           s.ReviewOK,
		"review_total":        s.ReviewTotal,
	}
}

type ProgressFunc func(phase string, current, total int)

// Backfill analyzes whatever the catalogue is missing: first problems, then
// code reviews for submissions on analyzed problems.
type Backfill struct {
	db       *gorm.DB
	analyzer *Analyzer
	cfg      config.Backfill
}

func NewBackfill(db *gorm.DB, analyzer *Analyzer, cfg config.Backfill) *Backfill {
	return &Backfill{db: db, analyzer: analyzer, cfg: cfg}
}

// Run executes both phases under the configured timeout. Stats reflect the
// work done even when an error stops the run early.
func (b *Backfill) Run(ctx context.Context, opts BackfillOptions, progress ProgressFunc) (*BackfillStats, error) {
	stats := &BackfillStats{}
	if !b.analyzer.Enabled() {
		return stats, ErrNotConfigured
	}
	if b.cfg.TimeoutSeconds > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(b.cfg.TimeoutSeconds)*time.Second)
		defer cancel()
	}

	ids, err := database.ProblemsNeedingAnalysis(b.db.WithContext(ctx), ProblemAnalysisTypes, opts.Platform, b.cfg.MaxRetries, opts.Limit)
	if err != nil {
		return stats, err
	}
	stats.ComprehensiveTotal = len(ids)
	zap.S().Infof("AI backfill: %d problems to analyze", len(ids))
	stats.ComprehensiveOK, err = b.runPhase(ctx, PhaseComprehensive, ids, progress, func(ctx context.Context, id uint) error {
		return b.analyzer.AnalyzeProblemComprehensive(ctx, id, false)
	})
	if err != nil || opts.SkipReviews {
		return stats, err
	}

	subs, err := b.reviewCandidates(ctx, opts)
	if err != nil {
		return stats, err
	}
	stats.ReviewTotal = len(subs)
	zap.S().Infof("AI backfill: %d submissions to review", len(subs))
	stats.ReviewOK, err = b.runPhase(ctx, PhaseReview, subs, progress, func(ctx context.Context, id uint) error {
		_, err := b.analyzer.ReviewSubmission(ctx, id)
		return err
	})
	return stats, err
}

// reviewCandidates picks the newest unreviewed submissions, keeping each
// problem and account pair under the review cap.
func (b *Backfill) reviewCandidates(ctx context.Context, opts BackfillOptions) ([]uint, error) {
	db := b.db.WithContext(ctx)
	candidates, err := database.SubmissionsNeedingReview(db, opts.Platform)
	if err != nil {
		return nil, err
	}
	counts, err := database.ReviewCounts(db)
	if err != nil {
		return nil, err
	}
	var ids []uint
	for _, c := range candidates {
		key := database.ReviewKey{ProblemID: c.ProblemID, AccountID: c.AccountID}
		if b.cfg.MaxReviewsPerProblem > 0 && counts[key] >= b.cfg.MaxReviewsPerProblem {
			continue
		}
		counts[key]++
		ids = append(ids, c.SubmissionID)
		if opts.Limit > 0 && len(ids) >= opts.Limit {
			break
		}
	}
	return ids, nil
}

// runPhase fans ids out to fn with bounded concurrency. The phase stops on
// cancellation, on budget exhaustion, or after too many failures in a row.
func (b *Backfill) runPhase(ctx context.Context, phase string, ids []uint, progress ProgressFunc, fn func(context.Context, uint) error) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(max(b.cfg.Concurrency, 1))

	var mu sync.Mutex
	done, ok, consecutive := 0, 0, 0
	if progress != nil {
		progress(phase, 0, len(ids))
	}

	for _, id := range ids {
		if gctx.Err() != nil {
			break
		}
		g.Go(func() error {
			err := fn(gctx, id)

			mu.Lock()
			defer mu.Unlock()
			done++
			if progress != nil {
				progress(phase, done, len(ids))
			}
			switch {
			case err == nil:
				ok++
				consecutive = 0
				return nil
			case errors.Is(err, ErrBudgetExceeded), gctx.Err() != nil:
				return err
			}
			consecutive++
			zap.S().Warnf("AI backfill %s %d failed (%d in a row): %v", phase, id, consecutive, err)
			if b.cfg.MaxConsecutiveErrors > 0 && consecutive >= b.cfg.MaxConsecutiveErrors {
				return fmt.Errorf("%w: %d in %s, last: %v", ErrTooManyErrors, consecutive, phase, err)
			}
			return nil
		})
	}
	err := g.Wait()
	if err == nil {
		err = ctx.Err()
	}
	return ok, err
}
