package database

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/ZJUSCT/OJTrack/internal/config"
	"github.com/ZJUSCT/OJTrack/internal/database/models"
	"go.uber.org/zap"

	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func Init(cfg config.Storage) (*gorm.DB, error) {
	var dialector gorm.Dialector
	switch cfg.Driver {
	case "", "sqlite":
		if err := ensureSQLiteDir(cfg.DSN); err != nil {
			return nil, err
		}
		dialector = sqlite.Open(withBusyTimeout(cfg.DSN))
	case "postgres":
		dialector = postgres.Open(cfg.DSN)
	case "mysql":
		dialector = mysql.Open(cfg.DSN)
	default:
		return nil, fmt.Errorf("unsupported database driver %q", cfg.Driver)
	}

	db, err := gorm.Open(dialector, &gorm.Config{Logger: logger.Default.LogMode(logger.Warn)})
	if err != nil {
		return nil, err
	}

	if err := Migrate(db); err != nil {
		return nil, err
	}
	return db, nil
}

func ensureSQLiteDir(dsn string) error {
	if dsn == "" || strings.HasPrefix(dsn, "file:") || strings.Contains(dsn, ":memory:") {
		return nil
	}
	if _, err := os.Stat(dsn); os.IsNotExist(err) {
		zap.S().Infof("database file not found at '%s', creating directory for it.", dsn)
		// Ensure the directory for the database file exists.
		if err := os.MkdirAll(filepath.Dir(dsn), 0755); err != nil {
			return err
		}
	}
	return nil
}

// withBusyTimeout makes concurrent writers wait for the lock instead of failing
// with SQLITE_BUSY.
func withBusyTimeout(dsn string) string {
	if strings.Contains(dsn, "_busy_timeout") || strings.Contains(dsn, ":memory:") {
		return dsn
	}
	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	return dsn + sep + "_busy_timeout=5000"
}

// Migrate auto-migrates every model used by the service.
func Migrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&models.Student{},
		&models.PlatformAccount{},
		&models.Tag{},
		&models.Problem{},
		&models.Submission{},
		&models.AnalysisResult{},
		&models.SyncJob{},
	)
}

// RecoverInterrupted marks running jobs as failed. A zero olderThan sweeps every
// running job, which is what startup wants; otherwise only jobs whose last update
// is older than the threshold are considered stuck.
func RecoverInterrupted(db *gorm.DB, olderThan time.Duration) (int64, error) {
	q := db.Model(&models.SyncJob{}).Where("status = ?", models.JobRunning)
	msg := "System interrupted"
	if olderThan > 0 {
		q = q.Where("updated_at < ?", time.Now().Add(-olderThan))
		msg = fmt.Sprintf("Job exceeded %s without progress", olderThan)
	}
	now := time.Now()
	result := q.Updates(map[string]interface{}{
		"status":        models.JobFailed,
		"error_message": msg,
		"finished_at":   &now,
	})
	return result.RowsAffected, result.Error
}
