package authclient

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

type sessionEntry struct {
	Name      string `gorm:"primaryKey"`
	Value     string `gorm:"not null"`
	UpdatedAt time.Time
}

func (sessionEntry) TableName() string { return "session_entries" }

// SQLiteStorage keeps tokens in a local SQLite file. The tokens are stored
// in the clear; the file is created with mode 0600.
type SQLiteStorage struct {
	db *gorm.DB
}

func OpenSQLiteStorage(path string) (*SQLiteStorage, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("session dir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return nil, fmt.Errorf("session file: %w", err)
	}
	_ = f.Close()

	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{Logger: logger.Discard})
	if err != nil {
		return nil, fmt.Errorf("open session db: %w", err)
	}
	return NewSQLiteStorage(db)
}

func NewSQLiteStorage(db *gorm.DB) (*SQLiteStorage, error) {
	if err := db.AutoMigrate(&sessionEntry{}); err != nil {
		return nil, fmt.Errorf("migrate session db: %w", err)
	}
	return &SQLiteStorage{db: db}, nil
}

func (s *SQLiteStorage) Get(key string) (string, error) {
	var e sessionEntry
	if err := s.db.Where("name = ?", key).First(&e).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return "", nil
		}
		return "", err
	}
	return e.Value, nil
}

func (s *SQLiteStorage) Set(key, value string) error {
	return s.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "name"}},
		DoUpdates: clause.AssignmentColumns([]string{"value", "updated_at"}),
	}).Create(&sessionEntry{Name: key, Value: value}).Error
}

func (s *SQLiteStorage) Delete(keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	return s.db.Where("name IN ?", keys).Delete(&sessionEntry{}).Error
}

func (s *SQLiteStorage) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
