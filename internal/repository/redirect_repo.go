package repository

import (
	"context"
	"time"

	"github.com/timmy/contentport/internal/domain"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// RedirectRepository stores the permanent redirect rules of imports.
type RedirectRepository struct {
	db *gorm.DB
}

// NewRedirectRepository creates a new RedirectRepository.
func NewRedirectRepository(db *gorm.DB) *RedirectRepository {
	return &RedirectRepository{db: db}
}

// Upsert writes a rule keyed by its source path. A later import of the
// same path takes the rule over.
func (r *RedirectRepository) Upsert(ctx context.Context, rd *domain.Redirect) error {
	if rd.StatusCode == 0 {
		rd.StatusCode = 301
	}
	return retryOnBusy(func() error {
		return r.db.WithContext(ctx).Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "from_path"}},
			DoUpdates: clause.Assignments(map[string]interface{}{
				"job_id":        rd.JobID,
				"external_kind": rd.ExternalKind,
				"external_id":   rd.ExternalID,
				"entity_id":     rd.EntityID,
				"to_path":       rd.ToPath,
				"status_code":   rd.StatusCode,
				"updated_at":    time.Now(),
			}),
		}).Create(rd).Error
	})
}

// ListByJob returns the rules a job produced, ordered by source path.
func (r *RedirectRepository) ListByJob(ctx context.Context, jobID string) ([]domain.Redirect, error) {
	var out []domain.Redirect
	err := r.db.WithContext(ctx).Where("job_id = ?", jobID).Order("from_path ASC").Find(&out).Error
	return out, err
}

// List returns every active rule.
func (r *RedirectRepository) List(ctx context.Context) ([]domain.Redirect, error) {
	var out []domain.Redirect
	err := r.db.WithContext(ctx).Order("from_path ASC").Find(&out).Error
	return out, err
}

// DeleteByJob removes a job's rules and returns how many were removed.
func (r *RedirectRepository) DeleteByJob(ctx context.Context, jobID string) (int64, error) {
	var n int64
	err := retryOnBusy(func() error {
		res := r.db.WithContext(ctx).Where("job_id = ?", jobID).Delete(&domain.Redirect{})
		n = res.RowsAffected
		return res.Error
	})
	return n, err
}
