package repository

import (
	"context"
	"errors"
	"time"

	"github.com/timmy/contentport/internal/domain"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// IDMapRepository persists external-to-internal identifier mappings.
type IDMapRepository struct {
	db *gorm.DB
}

// NewIDMapRepository creates a new IDMapRepository.
func NewIDMapRepository(db *gorm.DB) *IDMapRepository {
	return &IDMapRepository{db: db}
}

// Upsert creates a mapping or refreshes it on re-import. The creating job
// is kept; LastJobID records the job that touched the entry last.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - entry: mapping keyed by lineage, external kind and external id.
//
// Returns:
//   - error: non-nil if the write fails.
func (r *IDMapRepository) Upsert(ctx context.Context, entry *domain.IDMapEntry) error {
	if entry.LastJobID == "" {
		entry.LastJobID = entry.JobID
	}
	return retryOnBusy(func() error {
		return r.db.WithContext(ctx).Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "lineage_id"}, {Name: "external_kind"}, {Name: "external_id"}},
			DoUpdates: clause.Assignments(map[string]interface{}{
				"last_job_id":  entry.LastJobID,
				"entity_id":    entry.EntityID,
				"entity_type":  entry.EntityType,
				"external_key": entry.ExternalKey,
				"source_url":   entry.SourceURL,
				"target_url":   entry.TargetURL,
				"storage_key":  entry.StorageKey,
				"content_hash": entry.ContentHash,
				"updated_at":   time.Now(),
			}),
		}).Create(entry).Error
	})
}

// Get returns one mapping, or nil when the record was never imported.
func (r *IDMapRepository) Get(ctx context.Context, lineageID string, kind domain.RecordKind, externalID string) (*domain.IDMapEntry, error) {
	var entry domain.IDMapEntry
	err := r.db.WithContext(ctx).
		Where("lineage_id = ? AND external_kind = ? AND external_id = ?", lineageID, kind, externalID).
		First(&entry).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &entry, nil
}

// ListByLineage returns every mapping of a lineage.
func (r *IDMapRepository) ListByLineage(ctx context.Context, lineageID string) ([]domain.IDMapEntry, error) {
	var entries []domain.IDMapEntry
	err := r.db.WithContext(ctx).Where("lineage_id = ?", lineageID).Order("id ASC").Find(&entries).Error
	return entries, err
}

// ListByJob returns the mappings created by a job, newest first so that
// dependants are visited before what they depend on.
func (r *IDMapRepository) ListByJob(ctx context.Context, jobID string) ([]domain.IDMapEntry, error) {
	var entries []domain.IDMapEntry
	err := r.db.WithContext(ctx).Where("job_id = ?", jobID).Order("id DESC").Find(&entries).Error
	return entries, err
}

// MarkAdopted flags a mapping whose entity existed before the import.
func (r *IDMapRepository) MarkAdopted(ctx context.Context, id uint) error {
	return r.db.WithContext(ctx).Model(&domain.IDMapEntry{}).Where("id = ?", id).Update("adopted", true).Error
}

// Delete removes one mapping.
func (r *IDMapRepository) Delete(ctx context.Context, id uint) error {
	return retryOnBusy(func() error {
		return r.db.WithContext(ctx).Delete(&domain.IDMapEntry{}, id).Error
	})
}

// CountByJob returns the number of mappings created by a job.
func (r *IDMapRepository) CountByJob(ctx context.Context, jobID string) (int64, error) {
	var n int64
	err := r.db.WithContext(ctx).Model(&domain.IDMapEntry{}).Where("job_id = ?", jobID).Count(&n).Error
	return n, err
}
