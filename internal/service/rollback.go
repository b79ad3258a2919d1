package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/timmy/contentport/internal/content"
	"github.com/timmy/contentport/internal/domain"
	"github.com/timmy/contentport/internal/logger"
	"github.com/timmy/contentport/internal/metrics"
	"github.com/timmy/contentport/internal/repository"
	"github.com/timmy/contentport/internal/storage"
)

const (
	rollbackAttempts = 3
	rollbackBackoff  = 200 * time.Millisecond
)

// RollbackService deletes what a completed job created, within a fixed
// window after completion.
type RollbackService struct {
	jobs        *repository.JobRepository
	idmaps      *repository.IDMapRepository
	redirects   *repository.RedirectRepository
	checkpoints *repository.CheckpointRepository
	issues      *repository.IssueRepository
	store       content.Store
	objects     storage.ObjectStorage
	metrics     *metrics.Collector

	window  time.Duration
	backoff time.Duration
	now     func() time.Time
}

// NewRollbackService creates a rollback service. objects may be nil when
// media is never stored.
func NewRollbackService(deps Dependencies, window time.Duration) *RollbackService {
	var objects storage.ObjectStorage
	if deps.Media != nil {
		objects = deps.Media.Storage()
	}
	return &RollbackService{
		jobs:        deps.Jobs,
		idmaps:      deps.IDMap,
		redirects:   deps.Redirects,
		checkpoints: deps.Checkpoints,
		issues:      deps.Issues,
		store:       deps.Store,
		objects:     objects,
		metrics:     deps.Metrics,
		window:      window,
		backoff:     rollbackBackoff,
		now:         time.Now,
	}
}

// Rollback deletes the entities, media objects, redirects and checkpoints
// of a completed job. Entities adopted from the target are kept and only
// unmapped. When anything cannot be deleted the job stays COMPLETED with a
// partial rollback state and the call can be repeated.
func (s *RollbackService) Rollback(ctx context.Context, jobID string, confirm bool, reason string) (*domain.RollbackResult, error) {
	if !confirm {
		return nil, domain.ErrConfirmationRequired
	}
	job, err := s.jobs.GetByID(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if err := domain.Transition(job.Status, domain.JobStatusRolledBack); err != nil {
		return nil, err
	}
	if job.CompletedAt == nil || s.now().Sub(*job.CompletedAt) > s.window {
		return nil, fmt.Errorf("%w: job completed more than %s ago", domain.ErrRollbackExpired, s.window)
	}

	ctx = logger.SetComponent(logger.SetJobID(ctx, jobID), "rollback")
	logger.With(logger.Fields{"reason": reason}).Info(ctx, "Rollback started")

	// Newest first, so dependants go before what they point at.
	entries, err := s.idmaps.ListByJob(ctx, jobID)
	if err != nil {
		return nil, err
	}

	res := &domain.RollbackResult{JobID: jobID, Deleted: make(map[string]int)}
	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if e.Adopted {
			if err := s.idmaps.Delete(ctx, e.ID); err != nil {
				return nil, err
			}
			res.Retained++
			continue
		}

		if err := s.retry(ctx, func() error { return s.deleteEntity(ctx, e.EntityID) }); err != nil {
			s.failed(ctx, res, e, fmt.Sprintf("delete %s %s: %v", e.EntityType, e.EntityID, err))
			continue
		}
		if e.StorageKey != "" && s.objects != nil {
			if err := s.retry(ctx, func() error { return s.objects.Delete(ctx, e.StorageKey) }); err != nil {
				s.failed(ctx, res, e, fmt.Sprintf("delete media object %s: %v", e.StorageKey, err))
				continue
			}
			res.Media++
		}
		if err := s.idmaps.Delete(ctx, e.ID); err != nil {
			return nil, err
		}
		res.Deleted[e.EntityType]++
	}

	n, err := s.redirects.DeleteByJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	res.Redirects = int(n)
	if err := s.checkpoints.Clear(ctx, jobID); err != nil {
		return nil, err
	}

	if len(res.Failed) > 0 {
		res.Partial = true
		if err := s.jobs.UpdateFields(ctx, jobID, map[string]interface{}{
			"rollback_state":  domain.RollbackStatePartial,
			"rollback_reason": reason,
		}); err != nil {
			return nil, err
		}
		logger.With(logger.Fields{"failed": len(res.Failed)}).Warn(ctx, "Rollback incomplete")
		return res, nil
	}

	now := s.now()
	if err := s.jobs.Transition(ctx, jobID, domain.JobStatusCompleted, domain.JobStatusRolledBack, map[string]interface{}{
		"rollback_state":  domain.RollbackStateNone,
		"rollback_reason": reason,
		"rolled_back_at":  &now,
	}); err != nil {
		return nil, err
	}
	if s.metrics != nil {
		s.metrics.IncTransition(string(domain.JobStatusRolledBack))
	}
	logger.With(logger.Fields{"retained": res.Retained, "redirects": res.Redirects}).Info(ctx, "Rollback complete")
	return res, nil
}

func (s *RollbackService) deleteEntity(ctx context.Context, id string) error {
	err := s.store.Delete(ctx, id)
	if errors.Is(err, content.ErrNotFound) {
		return nil
	}
	return err
}

func (s *RollbackService) failed(ctx context.Context, res *domain.RollbackResult, e domain.IDMapEntry, msg string) {
	res.Failed = append(res.Failed, domain.DiffItem{
		Kind: e.ExternalKind, ExternalID: e.ExternalID, EntityID: e.EntityID, EntityType: e.EntityType,
	})
	logger.With(logger.Fields{logger.FieldExternalID: e.ExternalID}).Error(ctx, "Rollback: %s", msg)
	if err := s.issues.Append(context.WithoutCancel(ctx), &domain.Issue{
		JobID: res.JobID, Severity: domain.SeverityError, Class: domain.ClassRollback,
		ExternalKind: e.ExternalKind, ExternalID: e.ExternalID, Message: msg,
	}); err != nil {
		logger.CtxError(ctx, "Failed to record issue: %v", err)
	}
}

// retry runs op up to rollbackAttempts times with doubling pauses.
func (s *RollbackService) retry(ctx context.Context, op func() error) error {
	wait := s.backoff
	var err error
	for attempt := 1; attempt <= rollbackAttempts; attempt++ {
		if err = op(); err == nil {
			return nil
		}
		if attempt == rollbackAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
		wait *= 2
	}
	return err
}
