package database

import (
	"path/filepath"
	"testing"

	"github.com/ZJUSCT/OJTrack/internal/config"
)

func TestWithBusyTimeout(t *testing.T) {
	tests := []struct {
		dsn  string
		want string
	}{
		{"data/ojtrack.db", "data/ojtrack.db?_busy_timeout=5000"},
		{"data/ojtrack.db?cache=shared", "data/ojtrack.db?cache=shared&_busy_timeout=5000"},
		{"data/ojtrack.db?_busy_timeout=100", "data/ojtrack.db?_busy_timeout=100"},
		{"file::memory:?cache=shared", "file::memory:?cache=shared"},
	}
	for _, tt := range tests {
		if got := withBusyTimeout(tt.dsn); got != tt.want {
			t.Errorf("withBusyTimeout(%q) = %q, want %q", tt.dsn, got, tt.want)
		}
	}
}

func TestInit(t *testing.T) {
	if _, err := Init(config.Storage{Driver: "oracle", DSN: "x"}); err == nil {
		t.Error("unknown driver accepted")
	}

	dsn := filepath.Join(t.TempDir(), "nested", "ojtrack.db")
	db, err := Init(config.Storage{Driver: "sqlite", DSN: dsn})
	if err != nil {
		t.Fatal(err)
	}
	if sqlDB, err := db.DB(); err == nil {
		defer sqlDB.Close()
	}
	if !db.Migrator().HasTable("sync_jobs") {
		t.Error("tables were not migrated")
	}
}
