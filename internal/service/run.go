package service

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/timmy/contentport/internal/content"
	"github.com/timmy/contentport/internal/domain"
	"github.com/timmy/contentport/internal/logger"
	"github.com/timmy/contentport/internal/media"
	"github.com/timmy/contentport/internal/metrics"
	"github.com/timmy/contentport/internal/source"
)

type issueStore interface {
	Append(ctx context.Context, issues ...*domain.Issue) error
}

type progressStore interface {
	IncrementCounters(ctx context.Context, id string, deltas map[string]int, errs, warns int) error
	UpdateProgress(ctx context.Context, id string, current, total int, message string) error
}

type redirectStore interface {
	Upsert(ctx context.Context, rd *domain.Redirect) error
}

// runTarget is where a run writes. A live target persists everything; a
// dry target writes entities to an overlay and identifiers to a scratch
// map, and keeps no checkpoints.
type runTarget struct {
	dry         bool
	store       content.Store
	idmap       *IdentifierMap
	checkpoints *CheckpointManager
	redirects   redirectStore
	issues      issueStore
	progress    progressStore
	media       *media.Processor
}

// run is the state of one execution of the import pipeline for a job.
type run struct {
	job      *domain.ImportJob
	opts     domain.ImportOptions
	reader   source.Reader
	site     *source.SiteInfo
	target   *runTarget
	resuming bool

	rec *recorder

	mu sync.Mutex
	// unavailable holds records that were skipped, failed or excluded.
	// Required references to them skip the dependant instead of failing it.
	unavailable map[extKey]domain.CheckpointOutcome
	fatal       error
}

func (r *run) markUnavailable(kind domain.RecordKind, id string, outcome domain.CheckpointOutcome) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.unavailable[extKey{kind, id}] = outcome
}

func (r *run) isUnavailable(kind domain.RecordKind, id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.unavailable[extKey{kind, id}]
	return ok
}

func (r *run) setFatal(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fatal == nil {
		r.fatal = err
	}
}

func (r *run) fatalErr() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.fatal
}

// excluded reports whether a record kind is switched off by the options.
func (r *run) excluded(kind domain.RecordKind) bool {
	switch kind {
	case domain.KindMedia:
		return !r.opts.ImportMedia
	case domain.KindComment:
		return !r.opts.ImportComments
	case domain.KindMenuEntry:
		return !r.opts.ImportMenus
	}
	return false
}

const maxDryRunIssues = 500

// recorder funnels issues, counters and progress of a run. Safe for
// concurrent use.
type recorder struct {
	jobID    string
	issues   issueStore
	progress progressStore
	metrics  *metrics.Collector
	dry      *domain.DryRunResult

	mu        sync.Mutex
	errs      int
	warns     int
	processed int
	total     int
	lastFlush time.Time
}

func newRecorder(jobID string, t *runTarget, m *metrics.Collector, total int) *recorder {
	rec := &recorder{jobID: jobID, metrics: m, total: total}
	if t.dry {
		rec.dry = &domain.DryRunResult{
			WouldCreate: make(map[string]int),
			WouldUpdate: make(map[string]int),
		}
	} else {
		rec.issues = t.issues
		rec.progress = t.progress
	}
	return rec
}

// issue records one error or warning.
func (r *recorder) issue(ctx context.Context, sev domain.Severity, class domain.ErrorClass, phase domain.Phase, kind domain.RecordKind, externalID, format string, args ...interface{}) {
	msg := fmt.Sprintf(format, args...)
	fields := logger.Fields{"class": class, "external_kind": kind, logger.FieldExternalID: externalID}
	if sev == domain.SeverityError {
		logger.With(fields).Warn(ctx, "Import error: %s", msg)
	} else {
		logger.With(fields).Debug(ctx, "Import warning: %s", msg)
	}
	if r.metrics != nil {
		r.metrics.IncIssue(string(sev), string(class))
	}

	r.mu.Lock()
	if sev == domain.SeverityError {
		r.errs++
	} else {
		r.warns++
	}
	if r.dry != nil {
		if sev == domain.SeverityError {
			r.dry.Errors++
		} else {
			r.dry.Warnings++
		}
		if len(r.dry.Issues) < maxDryRunIssues {
			r.dry.Issues = append(r.dry.Issues, domain.IssueSummary{
				Severity: sev, Class: class, Phase: phase, Kind: kind, ExternalID: externalID, Message: msg,
			})
		} else {
			r.dry.IssuesTruncated = true
		}
		r.mu.Unlock()
		return
	}
	r.mu.Unlock()

	store := context.WithoutCancel(ctx)
	if err := r.issues.Append(store, &domain.Issue{
		JobID: r.jobID, Severity: sev, Class: class, Phase: phase,
		ExternalKind: kind, ExternalID: externalID, Message: msg,
	}); err != nil {
		logger.CtxError(ctx, "Failed to record issue: %v", err)
		return
	}
	errs, warns := 0, 0
	if sev == domain.SeverityError {
		errs = 1
	} else {
		warns = 1
	}
	if err := r.progress.IncrementCounters(store, r.jobID, nil, errs, warns); err != nil {
		logger.CtxError(ctx, "Failed to update issue counts: %v", err)
	}
}

// conflict keeps a unique-key collision for the dry-run report.
func (r *recorder) conflict(c domain.Conflict) {
	if r.dry == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.dry.Conflicts) < maxDryRunIssues {
		r.dry.Conflicts = append(r.dry.Conflicts, c)
	}
}

// warn is issue with warning severity.
func (r *recorder) warn(ctx context.Context, class domain.ErrorClass, phase domain.Phase, kind domain.RecordKind, externalID, format string, args ...interface{}) {
	r.issue(ctx, domain.SeverityWarning, class, phase, kind, externalID, format, args...)
}

// tally counts the outcome of one record and advances progress.
func (r *recorder) tally(ctx context.Context, phase domain.Phase, outcome domain.CheckpointOutcome, counter string) error {
	if r.metrics != nil {
		r.metrics.IncRecord(string(phase), string(outcome))
	}

	r.mu.Lock()
	r.processed++
	if r.dry != nil {
		switch outcome {
		case domain.OutcomeCreated:
			r.dry.WouldCreate[counter]++
		case domain.OutcomeUpdated:
			r.dry.WouldUpdate[counter]++
		case domain.OutcomeUnchanged:
			r.dry.Unchanged++
		case domain.OutcomeSkipped:
			r.dry.Skipped++
		case domain.OutcomeFailed:
			r.dry.Failed++
		}
		r.mu.Unlock()
		return nil
	}
	r.mu.Unlock()

	deltas := map[string]int{}
	switch outcome {
	case domain.OutcomeCreated:
		deltas[counter] = 1
	case domain.OutcomeUpdated:
		deltas[domain.CounterUpdated] = 1
	case domain.OutcomeUnchanged:
		deltas[domain.CounterUnchanged] = 1
	case domain.OutcomeSkipped:
		deltas[domain.CounterSkipped] = 1
	case domain.OutcomeFailed:
		deltas[domain.CounterFailed] = 1
	}
	return r.progress.IncrementCounters(context.WithoutCancel(ctx), r.jobID, deltas, 0, 0)
}

// count adds to a counter outside the per-record outcomes.
func (r *recorder) count(ctx context.Context, counter string, n int) error {
	if n == 0 || r.dry != nil {
		return nil
	}
	return r.progress.IncrementCounters(context.WithoutCancel(ctx), r.jobID, map[string]int{counter: n}, 0, 0)
}

// report writes progress at most once a second unless forced.
func (r *recorder) report(ctx context.Context, message string, force bool) {
	r.mu.Lock()
	now := time.Now()
	if !force && now.Sub(r.lastFlush) < time.Second {
		r.mu.Unlock()
		return
	}
	r.lastFlush = now
	current, total := r.processed, r.total
	r.mu.Unlock()

	if total < current {
		total = current
	}
	if r.progress == nil {
		return
	}
	if err := r.progress.UpdateProgress(context.WithoutCancel(ctx), r.jobID, current, total, message); err != nil {
		logger.CtxWarn(ctx, "Failed to update progress: %v", err)
	}
}

func (r *recorder) counts() (errs, warns int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.errs, r.warns
}

// linkStats records the outcome of link fixing.
func (r *recorder) linkStats(ctx context.Context, fixed, unresolved int) error {
	if r.dry != nil {
		r.mu.Lock()
		r.dry.LinksToFix += fixed
		r.dry.UnresolvedLinks += unresolved
		r.mu.Unlock()
		return nil
	}
	return r.count(ctx, domain.CounterLinksFixed, fixed)
}

// redirectStats records the number of redirect rules written.
func (r *recorder) redirectStats(ctx context.Context, n int) error {
	if r.dry != nil {
		r.mu.Lock()
		r.dry.Redirects += n
		r.mu.Unlock()
		return nil
	}
	return r.count(ctx, domain.CounterRedirects, n)
}
