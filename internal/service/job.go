package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"

	"github.com/timmy/contentport/internal/config"
	"github.com/timmy/contentport/internal/content"
	"github.com/timmy/contentport/internal/domain"
	"github.com/timmy/contentport/internal/logger"
	"github.com/timmy/contentport/internal/media"
	"github.com/timmy/contentport/internal/metrics"
	"github.com/timmy/contentport/internal/repository"
	"github.com/timmy/contentport/internal/source"
)

// Dependencies are the collaborators shared by the job services.
type Dependencies struct {
	Jobs        *repository.JobRepository
	Issues      *repository.IssueRepository
	IDMap       *repository.IDMapRepository
	Checkpoints *repository.CheckpointRepository
	Redirects   *repository.RedirectRepository
	Store       content.Store
	Media       *media.Processor
	Sources     SourceOpener
	Metrics     *metrics.Collector
}

// ServiceConfig holds the settings of the import service.
type ServiceConfig struct {
	Site           string
	Workers        int
	MediaPrefix    string
	RollbackWindow time.Duration
	Target         config.TargetConfig
}

// CreateRequest describes a new import job.
type CreateRequest struct {
	Source      domain.SourceDescriptor
	Credentials domain.Credentials
	Options     *domain.ImportOptions
	Site        string
	ParentJobID string
	CreatedBy   string
}

// ImportService owns the lifecycle of import jobs. Long steps run in the
// background; callers poll the job for status and progress.
type ImportService struct {
	deps     Dependencies
	cfg      ServiceConfig
	schema   *Schema
	importer *Importer
	analyzer *Analyzer
	rollback *RollbackService

	mu sync.Mutex
	// creds are kept in memory only and lost on restart.
	creds     map[string]domain.Credentials
	running   map[string]*runHandle
	importing map[string]string
}

type runHandle struct {
	cancel context.CancelFunc
	done   chan struct{}
	err    error
}

// NewImportService creates the service.
// Parameters:
//   - deps: repositories, target store, media processor and source opener.
//   - cfg: site name, worker count and rollback window.
//
// Returns:
//   - *ImportService: service ready for use; call Recover once at startup.
func NewImportService(deps Dependencies, cfg ServiceConfig) *ImportService {
	if cfg.Site == "" {
		cfg.Site = "default"
	}
	if cfg.RollbackWindow <= 0 {
		cfg.RollbackWindow = 30 * 24 * time.Hour
	}
	schema := NewSchema(cfg.Target)
	return &ImportService{
		deps:      deps,
		cfg:       cfg,
		schema:    schema,
		importer:  NewImporter(schema, cfg.Workers, cfg.MediaPrefix, deps.Metrics),
		analyzer:  NewAnalyzer(schema),
		rollback:  NewRollbackService(deps, cfg.RollbackWindow),
		creds:     make(map[string]domain.Credentials),
		running:   make(map[string]*runHandle),
		importing: make(map[string]string),
	}
}

// Create registers a PENDING job. A job with a parent continues the
// parent's lineage, so its identifier map is reused for re-imports.
func (s *ImportService) Create(ctx context.Context, req CreateRequest) (*domain.ImportJob, error) {
	if _, err := domain.ParseSourceKind(string(req.Source.Kind)); err != nil {
		return nil, err
	}
	opts := domain.DefaultImportOptions()
	if req.Options != nil {
		opts = *req.Options
	}
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	site := req.Site
	if site == "" {
		site = s.cfg.Site
	}

	lineage := uuid.NewString()
	if req.ParentJobID != "" {
		parent, err := s.deps.Jobs.GetByID(ctx, req.ParentJobID)
		if err != nil {
			return nil, err
		}
		if parent.Site != site {
			return nil, fmt.Errorf("%w: parent job belongs to site %q", domain.ErrValidation, parent.Site)
		}
		lineage = parent.LineageID
	}

	desc := req.Source
	if req.Credentials.Username != "" {
		desc.Username = req.Credentials.Username
	}
	job := &domain.ImportJob{
		ID:          uuid.NewString(),
		Site:        site,
		LineageID:   lineage,
		ParentJobID: req.ParentJobID,
		SourceKind:  desc.Kind,
		Source:      datatypes.NewJSONType(desc),
		Status:      domain.JobStatusPending,
		Options:     datatypes.NewJSONType(opts),
		ConfigHash:  opts.Hash(),
		CreatedBy:   req.CreatedBy,
	}
	if err := s.deps.Jobs.Create(ctx, job); err != nil {
		return nil, err
	}
	s.SetCredentials(job.ID, req.Credentials)
	if s.deps.Metrics != nil {
		s.deps.Metrics.IncTransition(string(domain.JobStatusPending))
	}

	logger.With(logger.Fields{
		"job_id":  job.ID,
		"lineage": lineage,
		"source":  desc.Kind,
	}).Info(ctx, "Import job created")
	return job, nil
}

// Submit creates a job and starts its analysis.
func (s *ImportService) Submit(ctx context.Context, req CreateRequest) (*domain.ImportJob, error) {
	job, err := s.Create(ctx, req)
	if err != nil {
		return nil, err
	}
	if err := s.Analyze(ctx, job.ID); err != nil {
		return nil, err
	}
	return s.Get(ctx, job.ID)
}

// SetCredentials replaces the in-memory credentials of a job.
func (s *ImportService) SetCredentials(jobID string, creds domain.Credentials) {
	if creds.Username == "" && creds.AppPassword == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.creds[jobID] = creds
}

// Analyze moves a PENDING job to ANALYZING and reads the source in the
// background.
func (s *ImportService) Analyze(ctx context.Context, jobID string) error {
	job, err := s.deps.Jobs.GetByID(ctx, jobID)
	if err != nil {
		return err
	}
	reader, err := s.reader(job)
	if err != nil {
		return err
	}
	if err := s.transition(ctx, job, domain.JobStatusAnalyzing, nil); err != nil {
		return err
	}
	s.spawn(ctx, job, "analyze", func(ctx context.Context) error {
		return s.analyze(ctx, job, reader)
	})
	return nil
}

func (s *ImportService) analyze(ctx context.Context, job *domain.ImportJob, reader source.Reader) error {
	entries, err := s.deps.IDMap.ListByLineage(ctx, job.LineageID)
	if err != nil {
		return s.settle(ctx, job, err)
	}
	var diff *DiffDetector
	var visit func(*source.Record)
	if len(entries) > 0 {
		diff = NewDiffDetector(job.LineageID, entries)
		visit = diff.Observe
	}

	analysis, err := s.analyzer.Analyze(ctx, reader, visit)
	if err != nil {
		return s.settle(ctx, job, err)
	}

	updates := map[string]interface{}{
		"analysis":       datatypes.NewJSONType(analysis),
		"progress_total": analysis.Records,
	}
	if diff != nil {
		if analysis.PageErrors > 0 {
			diff.MarkIncomplete()
		}
		updates["diff"] = datatypes.NewJSONType(diff.Report())
	}
	return s.settle(ctx, job, s.transition(ctx, job, domain.JobStatusAnalyzed, updates))
}

// DryRun simulates the import against a scratch copy of the target. opts,
// when set, replaces the job configuration first.
func (s *ImportService) DryRun(ctx context.Context, jobID string, opts *domain.ImportOptions) error {
	if opts != nil {
		if err := s.UpdateConfig(ctx, jobID, *opts); err != nil {
			return err
		}
	}
	job, err := s.deps.Jobs.GetByID(ctx, jobID)
	if err != nil {
		return err
	}
	reader, err := s.reader(job)
	if err != nil {
		return err
	}
	if err := s.transition(ctx, job, domain.JobStatusDryRunning, nil); err != nil {
		return err
	}
	s.spawn(ctx, job, "dry_run", func(ctx context.Context) error {
		return s.dryRun(ctx, job, reader)
	})
	return nil
}

func (s *ImportService) dryRun(ctx context.Context, job *domain.ImportJob, reader source.Reader) error {
	fingerprint, err := reader.Fingerprint(ctx)
	if err != nil {
		return s.settle(ctx, job, err)
	}
	idmap, err := LoadIdentifierMap(ctx, s.deps.IDMap, job.LineageID)
	if err != nil {
		return s.settle(ctx, job, err)
	}
	site, err := reader.Site(ctx)
	if err != nil {
		return s.settle(ctx, job, err)
	}

	target := &runTarget{
		dry:         true,
		store:       content.NewOverlay(s.deps.Store),
		idmap:       idmap.Scratch(),
		checkpoints: NewCheckpointManager(nil, job.ID),
	}
	r := s.newRun(job, reader, site, target, nil)
	if err := s.importer.Run(ctx, r, nil); err != nil {
		return s.settle(ctx, job, err)
	}

	result := r.rec.dry
	result.ConfigHash = job.ConfigHash
	result.SourceFingerprint = fingerprint
	result.RanAt = time.Now().UTC()
	logger.With(logger.Fields{
		"would_create": result.WouldCreate,
		"conflicts":    len(result.Conflicts),
		"errors":       result.Errors,
	}).Info(ctx, "Dry run finished")

	return s.settle(ctx, job, s.transition(ctx, job, domain.JobStatusDryRunComplete, map[string]interface{}{
		"dry_run": datatypes.NewJSONType(result),
	}))
}

// Start begins the live import of an approved dry-run. The dry-run must
// match the current configuration and source snapshot.
func (s *ImportService) Start(ctx context.Context, jobID string, confirm bool) error {
	if !confirm {
		return domain.ErrConfirmationRequired
	}
	job, err := s.deps.Jobs.GetByID(ctx, jobID)
	if err != nil {
		return err
	}
	if job.Status != domain.JobStatusDryRunComplete {
		return &domain.TransitionError{From: job.Status, To: domain.JobStatusImporting}
	}
	reader, err := s.reader(job)
	if err != nil {
		return err
	}
	fingerprint, err := reader.Fingerprint(ctx)
	if err != nil {
		return err
	}
	if !job.DryRun.Data().Matches(job.ConfigHash, fingerprint) {
		return domain.ErrStaleApproval
	}
	return s.launch(ctx, job, reader, false)
}

// Resume continues a FAILED or CANCELLED import from its checkpoints.
func (s *ImportService) Resume(ctx context.Context, jobID string, confirm bool) error {
	if !confirm {
		return domain.ErrConfirmationRequired
	}
	job, err := s.deps.Jobs.GetByID(ctx, jobID)
	if err != nil {
		return err
	}
	if job.Status != domain.JobStatusFailed && job.Status != domain.JobStatusCancelled {
		return &domain.TransitionError{From: job.Status, To: domain.JobStatusImporting}
	}
	if job.StartedAt == nil {
		return domain.ErrNotResumable
	}
	reader, err := s.reader(job)
	if err != nil {
		return err
	}

	fingerprint, err := reader.Fingerprint(ctx)
	if err != nil {
		return err
	}
	if a := job.Analysis.Data(); a != nil && a.Fingerprint != fingerprint {
		msg := "source changed since analysis; resuming against the current snapshot"
		logger.With(logger.Fields{"job_id": job.ID}).Warn(ctx, "%s", msg)
		if err := s.deps.Issues.Append(ctx, &domain.Issue{
			JobID: job.ID, Severity: domain.SeverityWarning, Class: domain.ClassValidation, Message: msg,
		}); err != nil {
			return err
		}
		if err := s.deps.Jobs.IncrementCounters(ctx, job.ID, nil, 0, 1); err != nil {
			return err
		}
	}
	return s.launch(ctx, job, reader, true)
}

// launch takes the site lock, enters IMPORTING and runs the pipeline in
// the background.
func (s *ImportService) launch(ctx context.Context, job *domain.ImportJob, reader source.Reader, resuming bool) error {
	release, err := s.acquireSite(ctx, job.Site, job.ID)
	if err != nil {
		return err
	}
	updates := map[string]interface{}{"attempt": job.Attempt + 1}
	if job.StartedAt == nil {
		now := time.Now().UTC()
		updates["started_at"] = &now
	}
	// The hash guard closes the gap between the dry-run check and the
	// status change against a concurrent UpdateConfig.
	if err := s.deps.Jobs.TransitionWithConfig(ctx, job.ID, job.Status, domain.JobStatusImporting, job.ConfigHash, updates); err != nil {
		release()
		return err
	}
	s.changed(ctx, job, domain.JobStatusImporting)
	job.Attempt++

	s.spawn(ctx, job, "import", func(ctx context.Context) error {
		defer release()
		return s.runImport(ctx, job, reader, resuming)
	})
	return nil
}

func (s *ImportService) runImport(ctx context.Context, job *domain.ImportJob, reader source.Reader, resuming bool) error {
	if m := s.deps.Metrics; m != nil {
		m.JobStarted()
		defer m.JobFinished()
	}

	idmap, err := LoadIdentifierMap(ctx, s.deps.IDMap, job.LineageID)
	if err != nil {
		return s.settle(ctx, job, err)
	}
	cm := NewCheckpointManager(s.deps.Checkpoints, job.ID)
	unavailable, err := cm.Unfinished(ctx, domain.Phases...)
	if err != nil {
		return s.settle(ctx, job, err)
	}
	site, err := reader.Site(ctx)
	if err != nil {
		return s.settle(ctx, job, err)
	}

	target := &runTarget{
		store:       s.deps.Store,
		idmap:       idmap,
		checkpoints: cm,
		redirects:   s.deps.Redirects,
		issues:      s.deps.Issues,
		progress:    s.deps.Jobs,
		media:       s.deps.Media,
	}
	r := s.newRun(job, reader, site, target, unavailable)
	r.resuming = resuming
	if err := s.deps.Jobs.ResetProgress(ctx, job.ID, r.rec.total, "importing"); err != nil {
		return s.settle(ctx, job, err)
	}

	err = s.importer.Run(ctx, r, func(ctx context.Context, phase domain.Phase) error {
		return s.deps.Jobs.UpdateFields(ctx, job.ID, map[string]interface{}{"phase": phase})
	})
	if err != nil {
		return s.settle(ctx, job, err)
	}

	if err := s.transition(ctx, job, domain.JobStatusValidating, nil); err != nil {
		return s.settle(ctx, job, err)
	}
	// Every write has landed; validation runs to the end even when a
	// cancel arrives.
	ctx = context.WithoutCancel(ctx)
	if err := s.validate(ctx, job, idmap); err != nil {
		return s.settle(ctx, job, err)
	}

	errs, warns, err := s.deps.Issues.Count(ctx, job.ID)
	if err != nil {
		return s.settle(ctx, job, err)
	}
	outcome := domain.OutcomeClean
	switch {
	case errs > 0:
		outcome = domain.OutcomeWithErrors
	case warns > 0:
		outcome = domain.OutcomeWithWarnings
	}
	now := time.Now().UTC()
	if err := s.transition(ctx, job, domain.JobStatusCompleted, map[string]interface{}{
		"outcome":      outcome,
		"completed_at": &now,
	}); err != nil {
		return s.settle(ctx, job, err)
	}
	if err := cm.Clear(ctx); err != nil {
		logger.CtxWarn(ctx, "Failed to clear checkpoints: %v", err)
	}
	logger.With(logger.Fields{"outcome": outcome, "errors": errs, "warnings": warns}).Info(ctx, "Import completed")
	return nil
}

// validate checks that every entity the job wrote can still be found.
func (s *ImportService) validate(ctx context.Context, job *domain.ImportJob, idmap *IdentifierMap) error {
	ctx = logger.SetPhase(ctx, "validate")
	missing := 0
	for _, e := range idmap.Entries() {
		if e.LastJobID != job.ID {
			continue
		}
		found, err := s.deps.Store.Find(ctx, e.EntityType, content.Query{content.IDKey: e.EntityID})
		if err != nil {
			if errors.Is(err, content.ErrUnavailable) {
				return err
			}
			return fmt.Errorf("verify %s %s: %w", e.EntityType, e.EntityID, err)
		}
		if len(found) > 0 {
			continue
		}
		missing++
		if err := s.deps.Issues.Append(ctx, &domain.Issue{
			JobID: job.ID, Severity: domain.SeverityError, Class: domain.ClassStorage,
			ExternalKind: e.ExternalKind, ExternalID: e.ExternalID,
			Message: fmt.Sprintf("%s %s missing from target after import", e.EntityType, e.EntityID),
		}); err != nil {
			return err
		}
	}
	if missing > 0 {
		if err := s.deps.Jobs.IncrementCounters(ctx, job.ID, nil, missing, 0); err != nil {
			return err
		}
		logger.With(logger.Fields{"missing": missing}).Warn(ctx, "Imported entities missing from target")
	}
	return nil
}

// Cancel stops a running step, or cancels a job that is not running.
func (s *ImportService) Cancel(ctx context.Context, jobID string) error {
	job, err := s.deps.Jobs.GetByID(ctx, jobID)
	if err != nil {
		return err
	}
	if err := domain.Transition(job.Status, domain.JobStatusCancelled); err != nil {
		return err
	}

	s.mu.Lock()
	h := s.running[jobID]
	s.mu.Unlock()
	if h != nil {
		h.cancel()
		return nil
	}
	return s.transition(ctx, job, domain.JobStatusCancelled, nil)
}

// Wait blocks until the background step of a job ends and returns its
// error. It returns nil at once when nothing runs.
func (s *ImportService) Wait(ctx context.Context, jobID string) error {
	s.mu.Lock()
	h := s.running[jobID]
	s.mu.Unlock()
	if h == nil {
		return nil
	}
	select {
	case <-h.done:
		return h.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Shutdown cancels every running step and waits for them to settle. Jobs
// cut short this way end CANCELLED and can be resumed.
func (s *ImportService) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	handles := make([]*runHandle, 0, len(s.running))
	for _, h := range s.running {
		handles = append(handles, h)
	}
	s.mu.Unlock()

	for _, h := range handles {
		h.cancel()
	}
	for _, h := range handles {
		select {
		case <-h.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// Rollback deletes what a completed job created.
func (s *ImportService) Rollback(ctx context.Context, jobID string, confirm bool, reason string) (*domain.RollbackResult, error) {
	if s.isRunning(jobID) {
		return nil, domain.ErrJobActive
	}
	return s.rollback.Rollback(ctx, jobID, confirm, reason)
}

// Prune deletes the target entities whose source records disappeared, as
// listed by the job's diff. Adopted entities are only unmapped.
func (s *ImportService) Prune(ctx context.Context, jobID string, confirm bool) (int, error) {
	if !confirm {
		return 0, domain.ErrConfirmationRequired
	}
	job, err := s.deps.Jobs.GetByID(ctx, jobID)
	if err != nil {
		return 0, err
	}
	diff := job.Diff.Data()
	if diff == nil || len(diff.Deleted) == 0 {
		return 0, nil
	}
	if n, err := s.deps.Jobs.CountImporting(ctx, job.Site); err != nil {
		return 0, err
	} else if n > 0 {
		return 0, domain.ErrJobActive
	}

	var objects interface {
		Delete(ctx context.Context, key string) error
	}
	if s.deps.Media != nil {
		objects = s.deps.Media
	}

	pruned := 0
	for _, item := range diff.Deleted {
		e, err := s.deps.IDMap.Get(ctx, job.LineageID, item.Kind, item.ExternalID)
		if err != nil {
			return pruned, err
		}
		if e == nil {
			continue
		}
		if !e.Adopted {
			if err := s.deps.Store.Delete(ctx, e.EntityID); err != nil && !errors.Is(err, content.ErrNotFound) {
				return pruned, fmt.Errorf("delete %s %s: %w", e.EntityType, e.EntityID, err)
			}
			if e.StorageKey != "" && objects != nil {
				if err := objects.Delete(ctx, e.StorageKey); err != nil {
					logger.With(logger.Fields{"key": e.StorageKey}).Warn(ctx, "Failed to delete media object: %v", err)
				}
			}
		}
		if err := s.deps.IDMap.Delete(ctx, e.ID); err != nil {
			return pruned, err
		}
		pruned++
	}

	diff.Deleted = nil
	if err := s.deps.Jobs.UpdateFields(ctx, job.ID, map[string]interface{}{
		"diff": datatypes.NewJSONType(diff),
	}); err != nil {
		return pruned, err
	}
	logger.With(logger.Fields{"job_id": job.ID, "pruned": pruned}).Info(ctx, "Deleted source records pruned")
	return pruned, nil
}

// Get returns a job.
func (s *ImportService) Get(ctx context.Context, jobID string) (*domain.ImportJob, error) {
	return s.deps.Jobs.GetByID(ctx, jobID)
}

// List returns a page of jobs, newest first. An empty site lists all.
func (s *ImportService) List(ctx context.Context, site string, limit, offset int) ([]domain.ImportJob, int64, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	return s.deps.Jobs.List(ctx, site, limit, offset)
}

// Issues returns a page of a job's issues.
func (s *ImportService) Issues(ctx context.Context, jobID string, severity domain.Severity, limit, offset int) ([]domain.Issue, int64, error) {
	if _, err := s.deps.Jobs.GetByID(ctx, jobID); err != nil {
		return nil, 0, err
	}
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	return s.deps.Issues.List(ctx, jobID, severity, limit, offset)
}

// Redirects returns the redirect rules owned by a job.
func (s *ImportService) Redirects(ctx context.Context, jobID string) ([]domain.Redirect, error) {
	if _, err := s.deps.Jobs.GetByID(ctx, jobID); err != nil {
		return nil, err
	}
	return s.deps.Redirects.ListByJob(ctx, jobID)
}

// AllRedirects returns every redirect rule, for export.
func (s *ImportService) AllRedirects(ctx context.Context) ([]domain.Redirect, error) {
	return s.deps.Redirects.List(ctx)
}

// Diff returns the job's stored diff, computing it from the source when
// the analysis did not.
func (s *ImportService) Diff(ctx context.Context, jobID string) (*domain.DiffReport, error) {
	job, err := s.deps.Jobs.GetByID(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if d := job.Diff.Data(); d != nil {
		return d, nil
	}
	entries, err := s.deps.IDMap.ListByLineage(ctx, job.LineageID)
	if err != nil {
		return nil, err
	}
	reader, err := s.reader(job)
	if err != nil {
		return nil, err
	}
	return NewDiffDetector(job.LineageID, entries).Compare(ctx, reader)
}

// UpdateConfig replaces the options of a job that has not started importing.
// A changed config invalidates an earlier dry-run.
func (s *ImportService) UpdateConfig(ctx context.Context, jobID string, opts domain.ImportOptions) error {
	return s.deps.Jobs.UpdateConfig(ctx, jobID, opts)
}

// Recover fails every job a previous process left in a running state. It
// returns how many jobs were touched.
func (s *ImportService) Recover(ctx context.Context) (int, error) {
	jobs, err := s.deps.Jobs.ListByStatus(ctx,
		domain.JobStatusAnalyzing,
		domain.JobStatusDryRunning,
		domain.JobStatusImporting,
		domain.JobStatusValidating,
	)
	if err != nil {
		return 0, err
	}
	n := 0
	for i := range jobs {
		job := &jobs[i]
		if s.isRunning(job.ID) {
			continue
		}
		if err := s.deps.Issues.Append(ctx, &domain.Issue{
			JobID: job.ID, Severity: domain.SeverityError, Class: domain.ClassValidation, Phase: job.Phase,
			Message: fmt.Sprintf("interrupted while %s", job.Status),
		}); err != nil {
			return n, err
		}
		if err := s.deps.Jobs.IncrementCounters(ctx, job.ID, nil, 1, 0); err != nil {
			return n, err
		}
		if err := s.transition(ctx, job, domain.JobStatusFailed, nil); err != nil {
			logger.With(logger.Fields{"job_id": job.ID}).Warn(ctx, "Failed to recover job: %v", err)
			continue
		}
		n++
	}
	if n > 0 {
		logger.With(logger.Fields{"jobs": n}).Warn(ctx, "Interrupted jobs marked failed")
	}
	return n, nil
}

func (s *ImportService) newRun(job *domain.ImportJob, reader source.Reader, site *source.SiteInfo, target *runTarget, unavailable map[extKey]domain.CheckpointOutcome) *run {
	total := 0
	if a := job.Analysis.Data(); a != nil {
		total = a.Records
	}
	if unavailable == nil {
		unavailable = make(map[extKey]domain.CheckpointOutcome)
	}
	return &run{
		job:         job,
		opts:        job.Config(),
		reader:      reader,
		site:        site,
		target:      target,
		rec:         newRecorder(job.ID, target, s.deps.Metrics, total),
		unavailable: unavailable,
	}
}

func (s *ImportService) reader(job *domain.ImportJob) (source.Reader, error) {
	s.mu.Lock()
	creds := s.creds[job.ID]
	s.mu.Unlock()
	if creds.Username == "" {
		creds.Username = job.Descriptor().Username
	}
	return s.deps.Sources.Open(job.Descriptor(), creds)
}

// transition applies a compare-and-set status change and mirrors it on job.
func (s *ImportService) transition(ctx context.Context, job *domain.ImportJob, to domain.JobStatus, updates map[string]interface{}) error {
	if err := s.deps.Jobs.Transition(ctx, job.ID, job.Status, to, updates); err != nil {
		return err
	}
	s.changed(ctx, job, to)
	return nil
}

func (s *ImportService) changed(ctx context.Context, job *domain.ImportJob, to domain.JobStatus) {
	logger.With(logger.Fields{
		"job_id": job.ID,
		"from":   job.Status,
		"to":     to,
	}).Info(ctx, "Job status changed")
	job.Status = to
	if s.deps.Metrics != nil {
		s.deps.Metrics.IncTransition(string(to))
	}
}

// settle ends a background step. Cancellation moves the job to CANCELLED;
// any other error is recorded and fails the job.
func (s *ImportService) settle(ctx context.Context, job *domain.ImportJob, err error) error {
	if err == nil {
		return nil
	}
	bg := context.WithoutCancel(ctx)
	if errors.Is(err, context.Canceled) && domain.CanTransition(job.Status, domain.JobStatusCancelled) {
		if terr := s.transition(bg, job, domain.JobStatusCancelled, nil); terr != nil {
			logger.CtxError(ctx, "Failed to cancel job: %v", terr)
		}
		return err
	}

	var phase domain.Phase
	var pe *domain.PhaseError
	if errors.As(err, &pe) {
		phase = pe.Phase
	}
	logger.With(logger.Fields{"job_id": job.ID, "phase": phase}).Error(ctx, "Job failed: %v", err)
	if aerr := s.deps.Issues.Append(bg, &domain.Issue{
		JobID: job.ID, Severity: domain.SeverityError, Class: domain.ClassOf(err), Phase: phase, Message: err.Error(),
	}); aerr != nil {
		logger.CtxError(ctx, "Failed to record issue: %v", aerr)
	} else if cerr := s.deps.Jobs.IncrementCounters(bg, job.ID, nil, 1, 0); cerr != nil {
		logger.CtxError(ctx, "Failed to update issue counts: %v", cerr)
	}
	if terr := s.transition(bg, job, domain.JobStatusFailed, nil); terr != nil {
		logger.CtxError(ctx, "Failed to mark job failed: %v", terr)
	}
	return err
}

// spawn runs work in the background under a context detached from the
// request but cancellable through Cancel.
func (s *ImportService) spawn(parent context.Context, job *domain.ImportJob, component string, work func(context.Context) error) {
	base := logger.SetComponent(logger.SetJobID(context.WithoutCancel(parent), job.ID), component)
	ctx, cancel := context.WithCancel(base)
	h := &runHandle{cancel: cancel, done: make(chan struct{})}

	s.mu.Lock()
	s.running[job.ID] = h
	s.mu.Unlock()

	go func() {
		defer close(h.done)
		defer cancel()
		defer func() {
			s.mu.Lock()
			if s.running[job.ID] == h {
				delete(s.running, job.ID)
			}
			s.mu.Unlock()
		}()
		defer func() {
			if p := recover(); p != nil {
				h.err = s.settle(ctx, job, fmt.Errorf("panic in %s: %v", component, p))
			}
		}()
		h.err = work(ctx)
	}()
}

func (s *ImportService) isRunning(jobID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.running[jobID]
	return ok
}

// acquireSite grants one importing job per site, checked both in process
// and against the job table.
func (s *ImportService) acquireSite(ctx context.Context, site, jobID string) (func(), error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if holder, ok := s.importing[site]; ok && holder != jobID {
		return nil, domain.ErrJobActive
	}
	n, err := s.deps.Jobs.CountImporting(ctx, site)
	if err != nil {
		return nil, err
	}
	if n > 0 {
		return nil, domain.ErrJobActive
	}
	s.importing[site] = jobID
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.importing[site] == jobID {
			delete(s.importing, site)
		}
	}, nil
}
