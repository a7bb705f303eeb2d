package syncer

import (
	"context"

	"github.com/ZJUSCT/OJTrack/internal/database"
	"gorm.io/gorm"
)

// problemIndex serves scraper.ProblemIndex from the database handle of the
// running sync, so adapter writes join the sync transaction.
type problemIndex struct {
	db        *gorm.DB
	accountID uint
}

func (p *problemIndex) ProblemUUIDs(ctx context.Context, platform string, problemIDs []string) (map[string]string, error) {
	return database.ProblemUUIDs(p.db.WithContext(ctx), platform, problemIDs)
}

func (p *problemIndex) SaveProblemUUID(ctx context.Context, platform, problemID, uuid string) error {
	_, err := database.SetProblemUUID(p.db.WithContext(ctx), platform, problemID, uuid)
	return err
}

func (p *problemIndex) KnownProblemIDs(ctx context.Context, platform string) (map[string]bool, error) {
	ids, err := database.KnownProblemIDs(p.db.WithContext(ctx), platform)
	if err != nil {
		return nil, err
	}
	return toSet(ids), nil
}

func (p *problemIndex) AcceptedProblemIDs(ctx context.Context, platform string) (map[string]bool, error) {
	if p.accountID == 0 {
		return map[string]bool{}, nil
	}
	ids, err := database.AcceptedProblemIDs(p.db.WithContext(ctx), p.accountID, platform)
	if err != nil {
		return nil, err
	}
	return toSet(ids), nil
}

func toSet(ids []string) map[string]bool {
	out := make(map[string]bool, len(ids))
	for _, id := range ids {
		out[id] = true
	}
	return out
}
