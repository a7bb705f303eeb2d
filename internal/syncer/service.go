// Package syncer drives platform adapters through incremental syncs and keeps
// problems, submissions and account state in the database.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ZJUSCT/OJTrack/internal/cache"
	"github.com/ZJUSCT/OJTrack/internal/config"
	"github.com/ZJUSCT/OJTrack/internal/database"
	"github.com/ZJUSCT/OJTrack/internal/database/models"
	"github.com/ZJUSCT/OJTrack/internal/scraper"
	"github.com/ZJUSCT/OJTrack/internal/scraper/platforms"
	"github.com/ZJUSCT/OJTrack/internal/tagmap"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"
)

// A record newer than its predecessor by more than this breaks stream order.
const orderTolerance = time.Minute

// autoAnalyzeLimit caps how many problems one sync hands to the analyzer.
const autoAnalyzeLimit = 10

// SyncStats is the outcome of one account sync. Error is set when the sync
// failed and was rolled back.
type SyncStats struct {
	NewSubmissions int    `json:"new_submissions"`
	NewProblems    int    `json:"new_problems"`
	Errors         int    `json:"errors"`
	OutOfOrder     int    `json:"out_of_order"`
	Error          string `json:"error,omitempty"`
}

// AccountResult pairs an account with its sync outcome.
type AccountResult struct {
	AccountID   uint      `json:"account_id"`
	Platform    string    `json:"platform"`
	PlatformUID string    `json:"platform_uid"`
	Stats       SyncStats `json:"stats"`
}

// AllStats aggregates a multi-account sync.
type AllStats struct {
	AccountsSynced      int             `json:"accounts_synced"`
	TotalNewSubmissions int             `json:"total_new_submissions"`
	TotalNewProblems    int             `json:"total_new_problems"`
	Failed              int             `json:"failed"`
	Accounts            []AccountResult `json:"accounts"`
}

// ProblemAnalyzer is notified about problems created by a sync.
type ProblemAnalyzer interface {
	AnalyzeProblemComprehensive(ctx context.Context, problemID uint, force bool) error
}

// ProgressFunc reports progress of a multi-step operation.
type ProgressFunc func(phase string, current, total int)

type Service struct {
	db       *gorm.DB
	registry *scraper.Registry
	cfg      *config.Config
	store    cache.Store
	analyzer ProblemAnalyzer
	now      func() time.Time
}

func New(db *gorm.DB, registry *scraper.Registry, cfg *config.Config, store cache.Store) *Service {
	if store == nil {
		store = cache.NewMemory()
	}
	return &Service{
		db:       db,
		registry: registry,
		cfg:      cfg,
		store:    store,
		now:      time.Now,
	}
}

// SetAnalyzer enables best-effort analysis of newly created problems after a
// successful sync when sync.auto_analyze is on.
func (s *Service) SetAnalyzer(a ProblemAnalyzer) {
	s.analyzer = a
}

func (s *Service) Registry() *scraper.Registry {
	return s.registry
}

// newScraper builds an adapter bound to the account's credentials. A nil
// account gives an anonymous adapter.
func (s *Service) newScraper(platform string, account *models.PlatformAccount, index scraper.ProblemIndex) (scraper.Scraper, error) {
	opts := platforms.Options(s.cfg.Scraper, platform)
	ns := "scraper:" + platform
	if account != nil {
		opts.Cookie = account.AuthCookie
		opts.Password = account.AuthPassword
		ns = fmt.Sprintf("scraper:%s:%d", platform, account.ID)
	}
	opts.Problems = index
	opts.Cache = cache.WithNamespace(s.store, ns)
	return s.registry.New(platform, opts)
}

// SyncAccount runs one incremental sync. All writes of the run share one
// transaction; a failure rolls them back and is recorded on the account
// instead of being returned.
func (s *Service) SyncAccount(ctx context.Context, accountID uint) SyncStats {
	account, err := database.GetAccount(s.db, accountID)
	if err != nil || !account.IsActive {
		return SyncStats{Error: ErrAccountInactive.Error()}
	}
	if _, ok := s.registry.Info(account.Platform); !ok {
		return SyncStats{Error: fmt.Sprintf("%v: %s", scraper.ErrUnknownPlatform, account.Platform)}
	}

	var stats SyncStats
	var created []uint
	err = s.db.Transaction(func(tx *gorm.DB) error {
		stats, created = SyncStats{}, nil
		sc, err := s.newScraper(account.Platform, account, &problemIndex{db: tx, accountID: account.ID})
		if err != nil {
			return err
		}
		run := &syncRun{
			tx:      tx,
			account: account,
			sc:      sc,
			mapper:  tagmap.New(tx, account.Platform),
			checked: make(map[string]bool),
			noCode:  s.cfg.Sync.CodeFetchDisabled,
			stats:   &stats,
		}
		cursor, err := run.consume(ctx)
		if err != nil {
			return err
		}
		created = run.created
		return database.RecordSyncSuccess(tx, account.ID, cursor, s.now().UTC())
	})
	if err != nil {
		zap.S().Errorf("sync failed for account %d (%s:%s): %v", account.ID, account.Platform, account.PlatformUID, err)
		stats.Error = err.Error()
		updated, ferr := database.RecordSyncFailure(s.db, account.ID, err.Error(), s.cfg.Sync.FailureThreshold)
		if ferr != nil {
			zap.S().Errorf("failed to record sync error for account %d: %v", account.ID, ferr)
		} else if !updated.IsActive {
			zap.S().Warnf("account %d auto-disabled after %d consecutive sync failures", account.ID, updated.ConsecutiveSyncFailures)
		}
		return stats
	}

	zap.S().Infof("synced account %d (%s:%s): %d new submissions, %d new problems, %d errors",
		account.ID, account.Platform, account.PlatformUID, stats.NewSubmissions, stats.NewProblems, stats.Errors)
	s.analyzeNew(ctx, created)
	return stats
}

func (s *Service) analyzeNew(ctx context.Context, problemIDs []uint) {
	if s.analyzer == nil || !s.cfg.Sync.AutoAnalyze {
		return
	}
	for i, id := range problemIDs {
		if i >= autoAnalyzeLimit {
			break
		}
		if err := s.analyzer.AnalyzeProblemComprehensive(ctx, id, false); err != nil {
			zap.S().Debugf("auto analysis skipped for problem %d: %v", id, err)
		}
	}
}

// syncRun holds the state of one SyncAccount transaction.
type syncRun struct {
	tx      *gorm.DB
	account *models.PlatformAccount
	sc      scraper.Scraper
	mapper  *tagmap.Mapper
	checked map[string]bool
	noCode  bool
	stats   *SyncStats
	created []uint
}

// consume walks the submission stream and returns the cursor to store.
func (r *syncRun) consume(ctx context.Context) (string, error) {
	opts := scraper.FetchOptions{Since: r.account.LastSyncAt, Cursor: r.account.SyncCursor}
	ordered := r.sc.OrderedStream()

	var first string
	var prev *time.Time
	for sub, err := range r.sc.FetchSubmissions(ctx, r.account.PlatformUID, opts) {
		if err != nil {
			return "", err
		}
		if first == "" {
			first = sub.RecordID
		}
		if ordered && prev != nil && sub.SubmittedAt.After(prev.Add(orderTolerance)) {
			r.stats.OutOfOrder++
			zap.S().Warnf("%s: record %s (%s) is newer than its predecessor (%s)",
				r.account.Platform, sub.RecordID, sub.SubmittedAt.Format(time.RFC3339), prev.Format(time.RFC3339))
			if opts.Since != nil {
				return "", fmt.Errorf("%w: record %s", scraper.ErrOutOfOrder, sub.RecordID)
			}
		}
		t := sub.SubmittedAt
		prev = &t

		if err := r.store(ctx, sub); err != nil {
			if errors.Is(err, scraper.ErrSessionExpired) || ctx.Err() != nil {
				return "", err
			}
			zap.S().Errorf("error processing submission %s: %v", sub.RecordID, err)
			r.stats.Errors++
		}
	}

	cursor := r.account.SyncCursor
	if cp, ok := r.sc.(scraper.CursorProvider); ok {
		// An adapter cursor is never a record id; "" keeps the stored one.
		if next := cp.NextCursor(); next != "" {
			cursor = next
		}
	} else if first != "" {
		cursor = first
	}
	return cursor, nil
}

// store persists one submission inside a savepoint so a failed row does not
// poison the surrounding transaction.
func (r *syncRun) store(ctx context.Context, sub scraper.ScrapedSubmission) error {
	exists, err := database.SubmissionExists(r.tx, r.account.ID, sub.RecordID)
	if err != nil {
		return err
	}
	if exists {
		return nil
	}

	if err := r.tx.SavePoint("submission").Error; err != nil {
		return err
	}
	err = r.insert(ctx, sub)
	if err != nil {
		if rbErr := r.tx.RollbackTo("submission").Error; rbErr != nil {
			return errors.Join(err, rbErr)
		}
	}
	return err
}

func (r *syncRun) insert(ctx context.Context, sub scraper.ScrapedSubmission) error {
	problem, isNew, err := ensureProblem(ctx, r.tx, r.sc, r.mapper, r.checked, r.account.Platform, sub.ProblemID)
	if err != nil {
		return err
	}

	row := &models.Submission{
		PlatformAccountID: r.account.ID,
		PlatformRecordID:  sub.RecordID,
		Status:            sub.Status,
		Score:             sub.Score,
		Language:          sub.Language,
		TimeMS:            sub.TimeMS,
		MemoryKB:          sub.MemoryKB,
		SourceCode:        sub.SourceCode,
		SubmittedAt:       sub.SubmittedAt,
	}
	if problem != nil {
		row.ProblemRefID = &problem.ID
	}
	if row.SourceCode == "" && r.sc.SupportsCodeFetch() && !r.noCode {
		code, err := r.sc.FetchSubmissionCode(ctx, sub.RecordID)
		if err != nil {
			zap.S().Debugf("failed to fetch code for %s: %v", sub.RecordID, err)
		} else {
			row.SourceCode = code
		}
	}
	if err := database.CreateSubmission(r.tx, row); err != nil {
		return err
	}

	r.stats.NewSubmissions++
	if isNew {
		r.stats.NewProblems++
		r.created = append(r.created, problem.ID)
	}
	return nil
}

// SyncAll syncs every active account, optionally restricted to one student.
// Accounts of one platform run sequentially so they share its rate limit;
// different platforms run in parallel up to sync.parallelism. One account's
// failure never stops the others.
func (s *Service) SyncAll(ctx context.Context, studentID uint, progress ProgressFunc) (*AllStats, error) {
	accounts, err := database.GetActiveAccounts(s.db, studentID)
	if err != nil {
		return nil, err
	}

	byPlatform := make(map[string][]models.PlatformAccount)
	var order []string
	for _, a := range accounts {
		if _, ok := byPlatform[a.Platform]; !ok {
			order = append(order, a.Platform)
		}
		byPlatform[a.Platform] = append(byPlatform[a.Platform], a)
	}

	var mu sync.Mutex
	all := &AllStats{}
	done := 0
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(max(1, s.cfg.Sync.Parallelism))
	for _, platform := range order {
		g.Go(func() error {
			for _, a := range byPlatform[platform] {
				if gctx.Err() != nil {
					return gctx.Err()
				}
				stats := s.SyncAccount(gctx, a.ID)

				mu.Lock()
				all.Accounts = append(all.Accounts, AccountResult{
					AccountID:   a.ID,
					Platform:    a.Platform,
					PlatformUID: a.PlatformUID,
					Stats:       stats,
				})
				if stats.Error == "" {
					all.AccountsSynced++
					all.TotalNewSubmissions += stats.NewSubmissions
					all.TotalNewProblems += stats.NewProblems
				} else {
					all.Failed++
				}
				done++
				if progress != nil {
					progress(platform, done, len(accounts))
				}
				mu.Unlock()
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return all, err
	}
	return all, nil
}
