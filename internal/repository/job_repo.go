package repository

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/timmy/contentport/internal/domain"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// JobRepository persists import jobs and guards their state machine.
type JobRepository struct {
	db *gorm.DB
}

// NewJobRepository creates a new JobRepository.
// Parameters:
//   - db: GORM database handle used for queries.
//
// Returns:
//   - *JobRepository: repository instance bound to db.
func NewJobRepository(db *gorm.DB) *JobRepository {
	return &JobRepository{db: db}
}

// Create inserts a new job.
func (r *JobRepository) Create(ctx context.Context, job *domain.ImportJob) error {
	return r.db.WithContext(ctx).Create(job).Error
}

// GetByID retrieves a job by its ID.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - id: job ID.
//
// Returns:
//   - *domain.ImportJob: job if found.
//   - error: domain.ErrJobNotFound when no job has the id.
func (r *JobRepository) GetByID(ctx context.Context, id string) (*domain.ImportJob, error) {
	var job domain.ImportJob
	if err := r.db.WithContext(ctx).First(&job, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: %s", domain.ErrJobNotFound, id)
		}
		return nil, err
	}
	return &job, nil
}

// List returns jobs newest first. An empty site lists every site.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - site: target site filter.
//   - limit: maximum number of jobs.
//   - offset: number of jobs to skip.
//
// Returns:
//   - []domain.ImportJob: the page of jobs.
//   - int64: total number of matching jobs.
//   - error: non-nil if the query fails.
func (r *JobRepository) List(ctx context.Context, site string, limit, offset int) ([]domain.ImportJob, int64, error) {
	q := r.db.WithContext(ctx).Model(&domain.ImportJob{})
	if site != "" {
		q = q.Where("site = ?", site)
	}

	var total int64
	if err := q.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	var jobs []domain.ImportJob
	if err := q.Order("created_at DESC").Limit(limit).Offset(offset).Find(&jobs).Error; err != nil {
		return nil, 0, err
	}
	return jobs, total, nil
}

// ListByLineage returns every job of a lineage, oldest first.
func (r *JobRepository) ListByLineage(ctx context.Context, lineageID string) ([]domain.ImportJob, error) {
	var jobs []domain.ImportJob
	err := r.db.WithContext(ctx).
		Where("lineage_id = ?", lineageID).
		Order("created_at ASC").
		Find(&jobs).Error
	return jobs, err
}

// Transition moves a job from one status to another with compare-and-set
// semantics. Extra column updates are applied in the same statement.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - id: job ID.
//   - from: status the caller observed.
//   - to: requested status.
//   - updates: optional extra columns to set.
//
// Returns:
//   - error: *domain.TransitionError when the edge is illegal or the job
//     is no longer in from; domain.ErrJobNotFound for unknown ids.
func (r *JobRepository) Transition(ctx context.Context, id string, from, to domain.JobStatus, updates map[string]interface{}) error {
	if err := domain.Transition(from, to); err != nil {
		return err
	}

	return r.transition(ctx, r.db.WithContext(ctx).Where("id = ? AND status = ?", id, from), id, to, updates)
}

// TransitionWithConfig is Transition guarded by the config hash the caller
// approved. It returns domain.ErrStaleApproval when the job is still in
// from but its config changed.
func (r *JobRepository) TransitionWithConfig(ctx context.Context, id string, from, to domain.JobStatus, configHash string, updates map[string]interface{}) error {
	if err := domain.Transition(from, to); err != nil {
		return err
	}
	q := r.db.WithContext(ctx).Where("id = ? AND status = ? AND config_hash = ?", id, from, configHash)
	err := r.transition(ctx, q, id, to, updates)
	var te *domain.TransitionError
	if errors.As(err, &te) && te.From == from {
		return domain.ErrStaleApproval
	}
	return err
}

func (r *JobRepository) transition(ctx context.Context, q *gorm.DB, id string, to domain.JobStatus, updates map[string]interface{}) error {
	cols := map[string]interface{}{"status": to, "updated_at": time.Now()}
	for k, v := range updates {
		cols[k] = v
	}

	res := q.Model(&domain.ImportJob{}).Updates(cols)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		current, err := r.GetByID(ctx, id)
		if err != nil {
			return err
		}
		return &domain.TransitionError{From: current.Status, To: to}
	}
	return nil
}

// UpdateFields sets arbitrary columns without touching the status.
func (r *JobRepository) UpdateFields(ctx context.Context, id string, fields map[string]interface{}) error {
	fields["updated_at"] = time.Now()
	res := r.db.WithContext(ctx).Model(&domain.ImportJob{}).Where("id = ?", id).Updates(fields)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("%w: %s", domain.ErrJobNotFound, id)
	}
	return nil
}

// UpdateConfig replaces the job options. It refuses once the job has
// entered IMPORTING.
func (r *JobRepository) UpdateConfig(ctx context.Context, id string, opts domain.ImportOptions) error {
	if err := opts.Validate(); err != nil {
		return err
	}

	res := r.db.WithContext(ctx).Model(&domain.ImportJob{}).
		Where("id = ? AND status IN ? AND started_at IS NULL", id, preImportStatuses()).
		Updates(map[string]interface{}{
			"config":      datatypes.NewJSONType(opts),
			"config_hash": opts.Hash(),
			"updated_at":  time.Now(),
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		if _, err := r.GetByID(ctx, id); err != nil {
			return err
		}
		return domain.ErrConfigFrozen
	}
	return nil
}

// UpdateProgress advances the progress counter. Writes that would move it
// backwards are ignored.
func (r *JobRepository) UpdateProgress(ctx context.Context, id string, current, total int, message string) error {
	return r.db.WithContext(ctx).Model(&domain.ImportJob{}).
		Where("id = ? AND progress_current <= ?", id, current).
		Updates(map[string]interface{}{
			"progress_current": current,
			"progress_total":   total,
			"progress_message": message,
		}).Error
}

// ResetProgress starts a new progress run, e.g. when a job moves from
// dry-run to import.
func (r *JobRepository) ResetProgress(ctx context.Context, id string, total int, message string) error {
	return r.db.WithContext(ctx).Model(&domain.ImportJob{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"progress_current": 0,
			"progress_total":   total,
			"progress_message": message,
		}).Error
}

// IncrementCounters adds deltas to the counter columns and issue totals
// in one statement.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - id: job ID.
//   - deltas: counter key to increment, see domain.Counter* keys.
//   - errs: number of new error issues.
//   - warns: number of new warning issues.
//
// Returns:
//   - error: non-nil if the update fails.
func (r *JobRepository) IncrementCounters(ctx context.Context, id string, deltas map[string]int, errs, warns int) error {
	cols := make(map[string]interface{}, len(deltas)+2)
	keys := make([]string, 0, len(deltas))
	for k := range deltas {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if n := deltas[k]; n != 0 {
			col := domain.CounterColumn(k)
			cols[col] = gorm.Expr(col+" + ?", n)
		}
	}
	if errs != 0 {
		cols["error_count"] = gorm.Expr("error_count + ?", errs)
	}
	if warns != 0 {
		cols["warning_count"] = gorm.Expr("warning_count + ?", warns)
	}
	if len(cols) == 0 {
		return nil
	}
	return r.db.WithContext(ctx).Model(&domain.ImportJob{}).Where("id = ?", id).Updates(cols).Error
}

// CountImporting returns how many jobs of a site are currently importing.
func (r *JobRepository) CountImporting(ctx context.Context, site string) (int64, error) {
	var n int64
	err := r.db.WithContext(ctx).Model(&domain.ImportJob{}).
		Where("site = ? AND status = ?", site, domain.JobStatusImporting).
		Count(&n).Error
	return n, err
}

// ListByStatus returns jobs in any of the given statuses.
func (r *JobRepository) ListByStatus(ctx context.Context, statuses ...domain.JobStatus) ([]domain.ImportJob, error) {
	var jobs []domain.ImportJob
	err := r.db.WithContext(ctx).Where("status IN ?", statuses).Order("created_at ASC").Find(&jobs).Error
	return jobs, err
}

func preImportStatuses() []domain.JobStatus {
	return []domain.JobStatus{
		domain.JobStatusPending,
		domain.JobStatusAnalyzing,
		domain.JobStatusAnalyzed,
		domain.JobStatusDryRunning,
		domain.JobStatusDryRunComplete,
	}
}
