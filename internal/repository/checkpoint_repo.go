package repository

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/timmy/contentport/internal/domain"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// CheckpointRepository stores per-phase progress so an interrupted job can
// resume without redoing finished records.
type CheckpointRepository struct {
	db      *gorm.DB
	writeMu sync.Mutex
}

// NewCheckpointRepository creates a new CheckpointRepository.
func NewCheckpointRepository(db *gorm.DB) *CheckpointRepository {
	return &CheckpointRepository{db: db}
}

// Save appends finished units and advances the phase cursor in one
// transaction. Units already recorded are left untouched.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - entries: finished units of work.
//   - cursor: new high-water position, or nil to keep the current one.
//
// Returns:
//   - error: non-nil if the transaction fails.
func (r *CheckpointRepository) Save(ctx context.Context, entries []domain.CheckpointEntry, cursor *domain.PhaseCursor) error {
	if len(entries) == 0 && cursor == nil {
		return nil
	}

	r.writeMu.Lock()
	defer r.writeMu.Unlock()

	return retryOnBusy(func() error {
		return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			if len(entries) > 0 {
				if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&entries).Error; err != nil {
					return err
				}
			}
			if cursor != nil {
				cursor.UpdatedAt = time.Now()
				return upsertCursor(tx, cursor)
			}
			return nil
		})
	})
}

// MarkDone records that a phase finished.
func (r *CheckpointRepository) MarkDone(ctx context.Context, jobID string, phase domain.Phase) error {
	r.writeMu.Lock()
	defer r.writeMu.Unlock()

	cursor := &domain.PhaseCursor{JobID: jobID, Phase: phase, Done: true, UpdatedAt: time.Now()}
	return retryOnBusy(func() error {
		return upsertCursor(r.db.WithContext(ctx), cursor)
	})
}

func upsertCursor(tx *gorm.DB, cursor *domain.PhaseCursor) error {
	cols := []string{"updated_at"}
	if cursor.Position != "" {
		cols = append(cols, "position")
	}
	if cursor.Done {
		cols = append(cols, "done")
	}
	return tx.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "job_id"}, {Name: "phase"}},
		DoUpdates: clause.AssignmentColumns(cols),
	}).Create(cursor).Error
}

// Load returns the finished units and the cursor of one phase. The cursor
// is nil when the phase never started.
func (r *CheckpointRepository) Load(ctx context.Context, jobID string, phase domain.Phase) ([]domain.CheckpointEntry, *domain.PhaseCursor, error) {
	var entries []domain.CheckpointEntry
	if err := r.db.WithContext(ctx).Where("job_id = ? AND phase = ?", jobID, phase).Order("id ASC").Find(&entries).Error; err != nil {
		return nil, nil, err
	}

	var cursor domain.PhaseCursor
	err := r.db.WithContext(ctx).Where("job_id = ? AND phase = ?", jobID, phase).First(&cursor).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return entries, nil, nil
	}
	if err != nil {
		return nil, nil, err
	}
	return entries, &cursor, nil
}

// Cursors returns every phase cursor of a job.
func (r *CheckpointRepository) Cursors(ctx context.Context, jobID string) ([]domain.PhaseCursor, error) {
	var cursors []domain.PhaseCursor
	err := r.db.WithContext(ctx).Where("job_id = ?", jobID).Find(&cursors).Error
	return cursors, err
}

// Count returns the number of finished units of a job.
func (r *CheckpointRepository) Count(ctx context.Context, jobID string) (int64, error) {
	var n int64
	err := r.db.WithContext(ctx).Model(&domain.CheckpointEntry{}).Where("job_id = ?", jobID).Count(&n).Error
	return n, err
}

// Clear drops all checkpoint state of a job.
func (r *CheckpointRepository) Clear(ctx context.Context, jobID string) error {
	r.writeMu.Lock()
	defer r.writeMu.Unlock()

	return retryOnBusy(func() error {
		return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			if err := tx.Where("job_id = ?", jobID).Delete(&domain.CheckpointEntry{}).Error; err != nil {
				return err
			}
			return tx.Where("job_id = ?", jobID).Delete(&domain.PhaseCursor{}).Error
		})
	})
}
