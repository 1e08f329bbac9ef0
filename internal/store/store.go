// Package store persists per-user course progress using GORM.
package store

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/glebarez/sqlite" // Pure Go SQLite driver (uses modernc.org/sqlite)
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

var (
	ErrNotFound = errors.New("record not found")
)

// UserProgress tracks where a user is in a course. One row per (user,
// course) pair.
type UserProgress struct {
	ID          uint       `gorm:"primaryKey" json:"-"`
	UserID      string     `gorm:"uniqueIndex:idx_user_course;size:128;not null" json:"userId"`
	CourseID    string     `gorm:"uniqueIndex:idx_user_course;size:128;not null" json:"courseId"`
	CurrentStep int        `json:"currentStep"`
	Completed   bool       `json:"completed"`
	StartedAt   time.Time  `json:"startedAt"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`
	UpdatedAt   time.Time  `json:"updatedAt"`
}

// Store wraps the GORM DB for progress operations.
type Store struct {
	db *gorm.DB
}

// New creates a Store over an open GORM DB.
func New(db *gorm.DB) *Store {
	return &Store{db: db}
}

// Open connects to the progress database and runs migrations. A DSN
// starting with "postgres://" or containing "host=" selects Postgres;
// anything else is treated as a SQLite file path (":memory:" works).
func Open(dsn string) (*Store, error) {
	gormConfig := &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Warn),
	}

	var db *gorm.DB
	var err error
	if strings.HasPrefix(dsn, "postgres://") || strings.Contains(dsn, "host=") {
		db, err = gorm.Open(postgres.Open(dsn), gormConfig)
	} else {
		path := strings.TrimPrefix(dsn, "file:")
		if path != ":memory:" {
			if mkErr := os.MkdirAll(filepath.Dir(path), 0o755); mkErr != nil {
				return nil, fmt.Errorf("failed to create database directory: %w", mkErr)
			}
		}
		db, err = gorm.Open(sqlite.Open(path), gormConfig)
		if err == nil {
			// WAL lets readers proceed while a writer is active;
			// busy_timeout waits instead of returning SQLITE_BUSY
			db.Exec("PRAGMA journal_mode=WAL")
			db.Exec("PRAGMA busy_timeout = 5000")
		}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if err := db.AutoMigrate(&UserProgress{}); err != nil {
		return nil, fmt.Errorf("failed to migrate: %w", err)
	}

	return &Store{db: db}, nil
}

// Get returns the progress for one user and course.
func (s *Store) Get(ctx context.Context, userID, courseID string) (*UserProgress, error) {
	var p UserProgress
	if err := s.db.WithContext(ctx).First(&p, "user_id = ? AND course_id = ?", userID, courseID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &p, nil
}

// Save upserts the user's progress. StartedAt is set on first save and
// preserved afterwards. CompletedAt is stamped when completed flips from
// false to true, kept when it stays true, and cleared when the course is
// marked incomplete again.
func (s *Store) Save(ctx context.Context, userID, courseID string, step int, completed bool) (*UserProgress, error) {
	var saved UserProgress
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		now := time.Now()
		var existing UserProgress
		err := tx.First(&existing, "user_id = ? AND course_id = ?", userID, courseID).Error
		if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}

		p := UserProgress{
			UserID:      userID,
			CourseID:    courseID,
			CurrentStep: step,
			Completed:   completed,
			StartedAt:   now,
			UpdatedAt:   now,
		}
		if err == nil {
			p.ID = existing.ID
			p.StartedAt = existing.StartedAt
			p.CompletedAt = existing.CompletedAt
		}

		switch {
		case completed && (err != nil || !existing.Completed):
			p.CompletedAt = &now
		case !completed:
			p.CompletedAt = nil
		}

		saved = p
		return tx.Save(&p).Error
	})
	if err != nil {
		return nil, err
	}
	return &saved, nil
}

// Reset deletes the user's progress for a course. Resetting progress that
// does not exist is not an error.
func (s *Store) Reset(ctx context.Context, userID, courseID string) error {
	return s.db.WithContext(ctx).Delete(&UserProgress{}, "user_id = ? AND course_id = ?", userID, courseID).Error
}
