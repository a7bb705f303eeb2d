// Package tagmap translates platform tag vocabularies into the internal tag catalogue.
package tagmap

import (
	"strings"

	"github.com/ZJUSCT/OJTrack/internal/database"
	"github.com/ZJUSCT/OJTrack/internal/database/models"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Mapper resolves tags for one platform. Lookups are cached for the mapper's
// lifetime, so build one per sync rather than sharing it across long spans.
type Mapper struct {
	db       *gorm.DB
	platform string
	static   map[string][]string

	byName    map[string]*models.Tag
	byDisplay map[string]*models.Tag
}

func New(db *gorm.DB, platform string) *Mapper {
	return &Mapper{
		db:        db,
		platform:  platform,
		static:    platformTags[platform],
		byName:    make(map[string]*models.Tag),
		byDisplay: make(map[string]*models.Tag),
	}
}

// Map resolves platform tags in order: the static dictionary, then an exact
// internal name, then an exact display name. Unmatched tags are logged and
// dropped. The result holds each tag once and keeps first-seen order.
func (m *Mapper) Map(platformTags []string) ([]models.Tag, error) {
	seen := make(map[uint]bool)
	var out []models.Tag
	add := func(t *models.Tag) bool {
		if t == nil {
			return false
		}
		if !seen[t.ID] {
			seen[t.ID] = true
			out = append(out, *t)
		}
		return true
	}

	for _, raw := range platformTags {
		pt := strings.TrimSpace(raw)
		if pt == "" {
			continue
		}

		mapped := false
		for _, name := range m.static[pt] {
			t, err := m.tagByName(name)
			if err != nil {
				return nil, err
			}
			if add(t) {
				mapped = true
			}
		}
		if mapped {
			continue
		}

		t, err := m.tagByName(pt)
		if err != nil {
			return nil, err
		}
		if add(t) {
			continue
		}

		t, err = m.tagByDisplayName(pt)
		if err != nil {
			return nil, err
		}
		if add(t) {
			continue
		}

		zap.S().Warnf("unmapped tag on %s: %q", m.platform, pt)
	}
	return out, nil
}

func (m *Mapper) tagByName(name string) (*models.Tag, error) {
	if t, ok := m.byName[name]; ok {
		return t, nil
	}
	t, err := database.FindTagByName(m.db, name)
	if err != nil {
		return nil, err
	}
	m.byName[name] = t
	return t, nil
}

func (m *Mapper) tagByDisplayName(name string) (*models.Tag, error) {
	if t, ok := m.byDisplay[name]; ok {
		return t, nil
	}
	t, err := database.FindTagByDisplayName(m.db, name)
	if err != nil {
		return nil, err
	}
	m.byDisplay[name] = t
	return t, nil
}
