package db

import (
	"fmt"
	"os"
	"path/filepath"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/yungbote/jobstream/internal/domain"
	"github.com/yungbote/jobstream/internal/pkg/logger"
)

// SQLiteService owns the embedded store. One process, one writer stream;
// WAL plus busy_timeout give bounded blocking under contention.
type SQLiteService struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewSQLiteService(path string, busyTimeoutMS int, log *logger.Logger) (*SQLiteService, error) {
	serviceLog := log.With("service", "SQLiteService")

	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create db dir: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_busy_timeout=%d&_journal_mode=WAL&_foreign_keys=on", path, busyTimeoutMS)
	if path == ":memory:" {
		dsn = "file::memory:?cache=shared&_foreign_keys=on"
	}

	serviceLog.Info("Opening sqlite store", "path", path)
	gdb, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open sqlite store: %w", err)
	}

	// gorm pools connections; sqlite wants a single writer.
	sqlDB, err := gdb.DB()
	if err != nil {
		return nil, fmt.Errorf("sqlite underlying db: %w", err)
	}
	sqlDB.SetMaxOpenConns(1)

	return &SQLiteService{db: gdb, log: serviceLog}, nil
}

func (s *SQLiteService) AutoMigrateAll() error {
	s.log.Info("Auto migrating sqlite tables...")
	if err := s.db.AutoMigrate(
		&domain.Job{},
		&domain.JobEvent{},
		&domain.Artifact{},
		&domain.EngineMeta{},
	); err != nil {
		s.log.Error("Auto migration failed", "error", err)
		return err
	}
	if err := s.db.Where(domain.EngineMeta{Key: domain.MetaSchemaVersion}).
		FirstOrCreate(&domain.EngineMeta{Key: domain.MetaSchemaVersion, Value: domain.MetaCurrentSchema}).Error; err != nil {
		return fmt.Errorf("record schema version: %w", err)
	}
	return nil
}

// CheckIntegrity runs sqlite's quick_check. A failure here sends the engine
// into safe mode rather than serving a corrupt log.
func (s *SQLiteService) CheckIntegrity() error {
	var result string
	if err := s.db.Raw("PRAGMA quick_check").Scan(&result).Error; err != nil {
		return fmt.Errorf("integrity check: %w", err)
	}
	if result != "ok" {
		return fmt.Errorf("integrity failure: %s", result)
	}
	return nil
}

func (s *SQLiteService) DB() *gorm.DB {
	return s.db
}
