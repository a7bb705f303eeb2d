package syncer

import (
	"context"
	"errors"
	"fmt"

	"github.com/ZJUSCT/OJTrack/internal/database"
	"github.com/ZJUSCT/OJTrack/internal/scraper"
	"go.uber.org/zap"
)

type CodeBackfillStats struct {
	Total   int `json:"total"`
	Fetched int `json:"fetched"`
	Failed  int `json:"failed"`
}

// BackfillCode fetches source for stored submissions of an account that have
// none. Individual failures are counted; an expired session stops the run.
func (s *Service) BackfillCode(ctx context.Context, accountID uint, limit int, progress ProgressFunc) (*CodeBackfillStats, error) {
	account, err := database.GetAccount(s.db, accountID)
	if err != nil || !account.IsActive {
		return nil, ErrAccountInactive
	}
	sc, err := s.newScraper(account.Platform, account, &problemIndex{db: s.db, accountID: account.ID})
	if err != nil {
		return nil, err
	}
	if !sc.SupportsCodeFetch() {
		return nil, fmt.Errorf("%w: %s", ErrCodeUnsupported, account.Platform)
	}

	subs, err := database.SubmissionsMissingCode(s.db, account.ID, limit)
	if err != nil {
		return nil, err
	}
	stats := &CodeBackfillStats{Total: len(subs)}
	for i, sub := range subs {
		if err := ctx.Err(); err != nil {
			return stats, err
		}
		code, err := sc.FetchSubmissionCode(ctx, sub.PlatformRecordID)
		switch {
		case errors.Is(err, scraper.ErrSessionExpired):
			return stats, err
		case err != nil:
			zap.S().Debugf("code fetch failed for %s: %v", sub.PlatformRecordID, err)
			stats.Failed++
		case code == "":
			stats.Failed++
		default:
			if err := database.UpdateSubmissionCode(s.db, sub.ID, code); err != nil {
				return stats, err
			}
			stats.Fetched++
		}
		if progress != nil {
			progress("code", i+1, len(subs))
		}
	}
	zap.S().Infof("code backfill for account %d: %d/%d fetched", account.ID, stats.Fetched, stats.Total)
	return stats, nil
}
