// Package history is the minimal real implementation of the out-of-scope
// workflow history collaborator: it accepts a completion record after a
// successful terminal stage and writes it to a local SQLite table. Schema
// evolution, querying, and the REST surface that reads history stay out of
// scope.
package history

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// WorkflowCompletion is the record emitted by the orchestrator after each
// ssh_command or scp_transfer stage that reaches complete; Stages lists the
// stages of the batch completed so far.
type WorkflowCompletion struct {
	BatchID      uuid.UUID
	ConnectionID string
	StartedAt    time.Time
	CompletedAt  time.Time
	ClientIP     string
	Stages       []string
}

// completionRow is the gorm-mapped persisted shape.
type completionRow struct {
	ID           uint   `gorm:"primaryKey"`
	BatchID      string `gorm:"index"`
	ConnectionID string
	StartedAt    time.Time
	CompletedAt  time.Time
	ClientIP     string
	Stages       string
}

// Recorder writes completion records to SQLite.
type Recorder struct {
	db *gorm.DB
}

// Open opens (creating if needed) the SQLite database at path and migrates
// the completion table.
func Open(path string) (*Recorder, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		return nil, fmt.Errorf("open history db %s: %w", path, err)
	}
	if err := db.AutoMigrate(&completionRow{}); err != nil {
		return nil, fmt.Errorf("migrate history db: %w", err)
	}
	return &Recorder{db: db}, nil
}

// RecordCompletion writes one completion record. Called only after a
// successful terminal stage, never after cancelled/error.
func (r *Recorder) RecordCompletion(ctx context.Context, c WorkflowCompletion) error {
	row := completionRow{
		BatchID:      c.BatchID.String(),
		ConnectionID: c.ConnectionID,
		StartedAt:    c.StartedAt,
		CompletedAt:  c.CompletedAt,
		ClientIP:     c.ClientIP,
		Stages:       joinStages(c.Stages),
	}
	if err := r.db.WithContext(ctx).Create(&row).Error; err != nil {
		return fmt.Errorf("record completion: %w", err)
	}
	return nil
}

func joinStages(stages []string) string {
	out := ""
	for i, s := range stages {
		if i > 0 {
			out += ","
		}
		out += s
	}
	return out
}
