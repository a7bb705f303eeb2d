package syncer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/ZJUSCT/OJTrack/internal/database"
	"github.com/ZJUSCT/OJTrack/internal/database/models"
	"github.com/ZJUSCT/OJTrack/internal/scraper"
	"github.com/ZJUSCT/OJTrack/internal/tagmap"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

var (
	ErrProblemNotFound = errors.New("problem not found on platform")
	ErrUnrecognizedURL = errors.New("unrecognized problem url")
	ErrCodeUnsupported = errors.New("platform does not support code fetch")
	ErrAccountInactive = errors.New("account not found or inactive")
)

// ensureProblem returns the stored problem for a submission, creating it from
// the platform when unknown. An existing problem with missing content is
// backfilled once per run. Fetch failures other than an expired session leave
// the submission without a problem.
func ensureProblem(ctx context.Context, tx *gorm.DB, sc scraper.Scraper, mapper *tagmap.Mapper,
	checked map[string]bool, platform, problemID string) (*models.Problem, bool, error) {
	if problemID == "" {
		return nil, false, nil
	}
	existing, err := database.FindProblem(tx, platform, problemID)
	if err != nil {
		return nil, false, err
	}
	if existing != nil {
		if checked[problemID] || !missingContent(existing) {
			return existing, false, nil
		}
		checked[problemID] = true
		sp, err := sc.FetchProblem(ctx, problemID)
		if err != nil {
			if errors.Is(err, scraper.ErrSessionExpired) {
				return nil, false, err
			}
			zap.S().Debugf("backfill failed for %s:%s: %v", platform, problemID, err)
			return existing, false, nil
		}
		if sp != nil && fillMissing(existing, sp) {
			if err := database.UpdateProblem(tx, existing); err != nil {
				return nil, false, err
			}
		}
		return existing, false, nil
	}

	problem, err := createProblem(ctx, tx, sc, mapper, platform, problemID)
	if err != nil {
		if errors.Is(err, scraper.ErrSessionExpired) {
			return nil, false, err
		}
		zap.S().Errorf("failed to fetch problem %s:%s: %v", platform, problemID, err)
		return nil, false, nil
	}
	return problem, problem != nil, nil
}

// createProblem fetches a problem and stores it with its mapped tags. It
// returns (nil, nil) when the platform has no such problem.
func createProblem(ctx context.Context, tx *gorm.DB, sc scraper.Scraper, mapper *tagmap.Mapper,
	platform, problemID string) (*models.Problem, error) {
	sp, err := sc.FetchProblem(ctx, problemID)
	if err != nil || sp == nil {
		return nil, err
	}

	problem := &models.Problem{Platform: platform, ProblemID: problemID}
	overwrite(problem, sp, sc)
	if problem.URL == "" {
		problem.URL = sc.ProblemURL(problemID)
	}
	if err := database.CreateProblem(tx, problem); err != nil {
		return nil, fmt.Errorf("create problem: %w", err)
	}

	tags, err := mapper.Map(sp.Tags)
	if err != nil {
		return nil, err
	}
	if err := database.AppendProblemTags(tx, problem, tags); err != nil {
		return nil, fmt.Errorf("link tags: %w", err)
	}
	problem.Tags = tags
	return problem, nil
}

func missingContent(p *models.Problem) bool {
	return p.Description == "" || p.InputDesc == "" || p.OutputDesc == "" || p.Examples == "" || p.Hint == ""
}

// fillMissing copies scraped content into empty fields and reports whether
// anything changed.
func fillMissing(p *models.Problem, sp *scraper.ScrapedProblem) bool {
	changed := false
	fill := func(dst *string, src string) {
		if *dst == "" && src != "" {
			*dst = src
			changed = true
		}
	}
	fill(&p.Description, sp.Description)
	fill(&p.InputDesc, sp.InputDesc)
	fill(&p.OutputDesc, sp.OutputDesc)
	fill(&p.Examples, sp.Examples)
	fill(&p.Hint, sp.Hint)
	return changed
}

// overwrite replaces content, difficulty and platform tags with scraped values.
// Empty scraped strings keep the stored value.
func overwrite(p *models.Problem, sp *scraper.ScrapedProblem, sc scraper.Scraper) {
	set := func(dst *string, src string) {
		if src != "" {
			*dst = src
		}
	}
	set(&p.Title, sp.Title)
	set(&p.Description, sp.Description)
	set(&p.InputDesc, sp.InputDesc)
	set(&p.OutputDesc, sp.OutputDesc)
	set(&p.Examples, sp.Examples)
	set(&p.Hint, sp.Hint)
	set(&p.URL, sp.URL)
	set(&p.Source, sp.Source)
	set(&p.PlatformUUID, sp.PlatformUUID)

	p.DifficultyRaw = sp.DifficultyRaw
	p.Difficulty = 0
	if sp.DifficultyRaw != "" {
		p.Difficulty = sc.MapDifficulty(sp.DifficultyRaw)
	}
	if len(sp.Tags) > 0 {
		if raw, err := json.Marshal(sp.Tags); err == nil {
			p.PlatformTags = datatypes.JSON(raw)
		}
	}
}

// scraperFor builds an adapter for platform-level work outside an account
// sync. It borrows the credentials of the first active account on the
// platform, if any.
func (s *Service) scraperFor(db *gorm.DB, platform string) (scraper.Scraper, error) {
	var account *models.PlatformAccount
	var found models.PlatformAccount
	err := db.Where("platform = ? AND is_active = ?", platform, true).Order("id asc").First(&found).Error
	switch {
	case err == nil:
		account = &found
	case !errors.Is(err, gorm.ErrRecordNotFound):
		return nil, err
	}
	index := &problemIndex{db: db}
	if account != nil {
		index.accountID = account.ID
	}
	return s.newScraper(platform, account, index)
}

// ResyncProblem re-fetches a problem, overwrites its content and merges newly
// mapped tags into the existing set.
func (s *Service) ResyncProblem(ctx context.Context, problemID uint) (*models.Problem, error) {
	problem, err := database.GetProblem(s.db, problemID)
	if err != nil {
		return nil, err
	}

	err = s.db.Transaction(func(tx *gorm.DB) error {
		sc, err := s.scraperFor(tx, problem.Platform)
		if err != nil {
			return err
		}
		sp, err := sc.FetchProblem(ctx, problem.ProblemID)
		if err != nil {
			return err
		}
		if sp == nil {
			return fmt.Errorf("%w: %s:%s", ErrProblemNotFound, problem.Platform, problem.ProblemID)
		}

		overwrite(problem, sp, sc)
		now := s.now().UTC()
		problem.LastScannedAt = &now
		if err := database.UpdateProblem(tx, problem); err != nil {
			return err
		}
		tags, err := tagmap.New(tx, problem.Platform).Map(sp.Tags)
		if err != nil {
			return err
		}
		return database.AppendProblemTags(tx, problem, tags)
	})
	if err != nil {
		return nil, err
	}
	zap.S().Infof("resynced problem %s:%s", problem.Platform, problem.ProblemID)
	return database.GetProblem(s.db, problemID)
}

// ImportProblemByURL makes sure the problem behind a platform URL is stored.
// The bool reports whether it was newly created.
func (s *Service) ImportProblemByURL(ctx context.Context, rawURL string) (*models.Problem, bool, error) {
	platform, pid, ok := scraper.ParseProblemURL(rawURL)
	if !ok {
		return nil, false, fmt.Errorf("%w: %s", ErrUnrecognizedURL, rawURL)
	}
	existing, err := database.FindProblem(s.db, platform, pid)
	if err != nil {
		return nil, false, err
	}
	if existing != nil {
		return existing, false, nil
	}

	var created *models.Problem
	err = s.db.Transaction(func(tx *gorm.DB) error {
		sc, err := s.scraperFor(tx, platform)
		if err != nil {
			return err
		}
		created, err = createProblem(ctx, tx, sc, tagmap.New(tx, platform), platform, pid)
		if err != nil {
			return err
		}
		if created == nil {
			return fmt.Errorf("%w: %s:%s", ErrProblemNotFound, platform, pid)
		}
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return created, true, nil
}

// ValidateAccount checks the account's credentials against its platform.
func (s *Service) ValidateAccount(ctx context.Context, account *models.PlatformAccount) (bool, error) {
	sc, err := s.newScraper(account.Platform, account, &problemIndex{db: s.db, accountID: account.ID})
	if err != nil {
		return false, err
	}
	ctx, cancel := context.WithTimeout(ctx, 2*time.Minute)
	defer cancel()
	return sc.ValidateAccount(ctx, account.PlatformUID), nil
}
