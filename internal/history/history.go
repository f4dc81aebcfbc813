// Package history journals finished transcodes in a small SQLite
// database so operators can review recent outcomes after the fact.
package history

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Record is one journaled transcode outcome.
type Record struct {
	ID         uint      `gorm:"primaryKey" json:"id"`
	JobID      string    `gorm:"index" json:"job_id"`
	Title      string    `json:"title"`
	Channel    string    `json:"channel"`
	Profile    string    `json:"profile"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `gorm:"index" json:"finished_at"`
	RecordedS  float64   `json:"recorded_seconds"`
	OutputPath string    `json:"output_path"`
	OutputSize int64     `json:"output_size"`
	Failed     bool      `json:"failed"`
	Reason     string    `json:"reason,omitempty"`
}

// Journal is the persistent outcome log.
type Journal struct {
	db     *gorm.DB
	logger *slog.Logger
}

// Open opens or creates the journal database and migrates its schema.
func Open(path string) (*Journal, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Discard,
	})
	if err != nil {
		return nil, fmt.Errorf("opening history database: %w", err)
	}
	if err := db.AutoMigrate(&Record{}); err != nil {
		return nil, fmt.Errorf("migrating history schema: %w", err)
	}
	return &Journal{db: db, logger: slog.Default()}, nil
}

// WithLogger sets a custom logger.
func (j *Journal) WithLogger(logger *slog.Logger) *Journal {
	j.logger = logger
	return j
}

// Add appends one record.
func (j *Journal) Add(rec *Record) error {
	if err := j.db.Create(rec).Error; err != nil {
		return fmt.Errorf("writing history record: %w", err)
	}
	return nil
}

// Latest returns the n most recently finished records, newest first.
func (j *Journal) Latest(n int) ([]Record, error) {
	var out []Record
	err := j.db.Order("finished_at DESC").Limit(n).Find(&out).Error
	if err != nil {
		return nil, fmt.Errorf("reading history: %w", err)
	}
	return out, nil
}

// Prune deletes everything but the newest keep records.
func (j *Journal) Prune(keep int) error {
	if keep < 1 {
		return nil
	}
	sub := j.db.Model(&Record{}).
		Select("id").
		Order("finished_at DESC").
		Limit(keep)
	res := j.db.Where("id NOT IN (?)", sub).Delete(&Record{})
	if res.Error != nil {
		return fmt.Errorf("pruning history: %w", res.Error)
	}
	if res.RowsAffected > 0 {
		j.logger.Info("history pruned", slog.Int64("removed", res.RowsAffected))
	}
	return nil
}

// Close releases the database handle.
func (j *Journal) Close() error {
	sqlDB, err := j.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
