package repository

import (
	"context"

	"github.com/timmy/contentport/internal/domain"
	"gorm.io/gorm"
)

// IssueRepository stores the append-only error and warning log of jobs.
type IssueRepository struct {
	db *gorm.DB
}

// NewIssueRepository creates a new IssueRepository.
func NewIssueRepository(db *gorm.DB) *IssueRepository {
	return &IssueRepository{db: db}
}

// Append inserts issues. Issues are never updated.
func (r *IssueRepository) Append(ctx context.Context, issues ...*domain.Issue) error {
	if len(issues) == 0 {
		return nil
	}
	return retryOnBusy(func() error {
		return r.db.WithContext(ctx).CreateInBatches(issues, 100).Error
	})
}

// List returns a job's issues in insertion order. An empty severity
// matches both.
func (r *IssueRepository) List(ctx context.Context, jobID string, severity domain.Severity, limit, offset int) ([]domain.Issue, int64, error) {
	q := r.db.WithContext(ctx).Model(&domain.Issue{}).Where("job_id = ?", jobID)
	if severity != "" {
		q = q.Where("severity = ?", severity)
	}

	var total int64
	if err := q.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	var issues []domain.Issue
	if limit <= 0 {
		limit = -1
	}
	if err := q.Order("id ASC").Limit(limit).Offset(offset).Find(&issues).Error; err != nil {
		return nil, 0, err
	}
	return issues, total, nil
}

// Count returns the number of errors and warnings recorded for a job.
func (r *IssueRepository) Count(ctx context.Context, jobID string) (errs, warns int64, err error) {
	var rows []struct {
		Severity domain.Severity
		N        int64
	}
	err = r.db.WithContext(ctx).Model(&domain.Issue{}).
		Select("severity, COUNT(*) AS n").
		Where("job_id = ?", jobID).
		Group("severity").
		Scan(&rows).Error
	if err != nil {
		return 0, 0, err
	}
	for _, row := range rows {
		switch row.Severity {
		case domain.SeverityError:
			errs = row.N
		case domain.SeverityWarning:
			warns = row.N
		}
	}
	return errs, warns, nil
}
