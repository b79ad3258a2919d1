package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"path"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/timmy/contentport/internal/content"
	"github.com/timmy/contentport/internal/domain"
	"github.com/timmy/contentport/internal/logger"
	"github.com/timmy/contentport/internal/media"
	"github.com/timmy/contentport/internal/metrics"
	"github.com/timmy/contentport/internal/source"
	"github.com/timmy/contentport/internal/storage"
)

// maxRenameAttempts bounds the suffixes tried by the rename strategy.
const maxRenameAttempts = 50

// Importer executes the phase pipeline of a run. Record phases fan records
// out to a worker pool; a single collector commits results in order of
// arrival and advances the checkpoint cursor.
type Importer struct {
	schema      *Schema
	workers     int
	mediaPrefix string
	metrics     *metrics.Collector
	locks       *keyedMutex
}

// NewImporter creates an importer.
// Parameters:
//   - schema: mapping of source records onto target entities.
//   - workers: number of concurrent record workers.
//   - mediaPrefix: object key prefix of downloaded media.
//   - m: metrics collector; nil disables metrics.
//
// Returns:
//   - *Importer: importer safe for concurrent runs.
func NewImporter(schema *Schema, workers int, mediaPrefix string, m *metrics.Collector) *Importer {
	if workers < 1 {
		workers = 1
	}
	return &Importer{
		schema:      schema,
		workers:     workers,
		mediaPrefix: mediaPrefix,
		metrics:     m,
		locks:       newKeyedMutex(),
	}
}

// task is one streamed record.
type task struct {
	seq   int64
	pos   source.Position
	rec   *source.Record
	done  bool
	order *writeOrder
}

type note struct {
	sev   domain.Severity
	class domain.ErrorClass
	msg   string
}

// result is what a worker decided for a task. An empty outcome only
// advances the cursor.
type result struct {
	task       *task
	outcome    domain.CheckpointOutcome
	counter    string
	entry      *domain.IDMapEntry
	notes      []note
	conflict   *domain.Conflict
	deferred   bool
	fatal      error
	mediaBytes int64
	elapsed    time.Duration
}

func (res *result) note(sev domain.Severity, class domain.ErrorClass, format string, args ...interface{}) {
	res.notes = append(res.notes, note{sev: sev, class: class, msg: fmt.Sprintf(format, args...)})
}

// Run executes every phase in order. onPhase is called when a phase starts.
// Cancellation is returned as the context error; anything else that stops
// a phase comes back as a *domain.PhaseError.
func (im *Importer) Run(ctx context.Context, r *run, onPhase func(context.Context, domain.Phase) error) error {
	logger.With(logger.Fields{
		"dry_run":  r.target.dry,
		"resuming": r.resuming,
		"workers":  im.workers,
	}).Info(ctx, "Import pipeline started")

	for _, phase := range domain.Phases {
		if err := ctx.Err(); err != nil {
			return err
		}
		pctx := logger.SetPhase(ctx, string(phase))
		if onPhase != nil {
			if err := onPhase(pctx, phase); err != nil {
				return &domain.PhaseError{Phase: phase, Err: err}
			}
		}

		var err error
		switch phase {
		case domain.PhaseLinkFix:
			err = im.fixLinks(pctx, r)
		case domain.PhaseRedirects:
			err = im.generateRedirects(pctx, r)
		default:
			err = im.runRecordPhase(pctx, r, phase)
		}
		if err != nil {
			if ctx.Err() != nil && errors.Is(err, ctx.Err()) {
				return ctx.Err()
			}
			return &domain.PhaseError{Phase: phase, Err: err}
		}
	}
	r.rec.report(ctx, "import finished", true)
	return nil
}

// phaseExcluded reports whether the options switch a whole phase off.
func phaseExcluded(r *run, phase domain.Phase) bool {
	switch phase {
	case domain.PhaseMedia:
		return r.excluded(domain.KindMedia)
	case domain.PhaseComments:
		return r.excluded(domain.KindComment)
	case domain.PhaseMenus:
		return r.excluded(domain.KindMenuEntry)
	}
	return false
}

func (im *Importer) runRecordPhase(ctx context.Context, r *run, phase domain.Phase) error {
	cp, err := r.target.checkpoints.Begin(ctx, phase)
	if err != nil {
		return err
	}
	if cp.Finished() {
		logger.CtxInfo(ctx, "Phase already complete, skipping")
		return nil
	}
	if phaseExcluded(r, phase) {
		logger.CtxInfo(ctx, "Phase excluded by options")
		return cp.Finish(ctx)
	}

	stream, err := r.reader.Open(ctx, cp.Start(), phase.RecordKinds()...)
	if err != nil {
		return fmt.Errorf("open source: %w", err)
	}
	defer stream.Close()

	logger.With(logger.Fields{"resume_from": cp.Start().Encode()}).Info(ctx, "Phase started")

	tasks := make(chan *task, im.workers*2)
	results := make(chan *result, im.workers*2)
	order := newWriteOrder()

	var wg sync.WaitGroup
	for i := 0; i < im.workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			im.worker(ctx, r, phase, order, tasks, results)
		}()
	}

	var deferred []*task
	done := make(chan struct{})
	go func() {
		defer close(done)
		for res := range results {
			if res.deferred {
				deferred = append(deferred, res.task)
				continue
			}
			if err := im.commit(ctx, r, phase, cp, res); err != nil {
				r.setFatal(err)
			}
		}
	}()

	streamErr := im.feed(ctx, r, phase, cp, stream, tasks)

	close(tasks)
	wg.Wait()
	close(results)
	<-done

	if err := im.settle(ctx, r, phase, cp, streamErr); err != nil {
		return err
	}

	// Deferred records point at records of the same phase. Retry them in
	// stream order until nothing moves, then settle whatever is left.
	sort.Slice(deferred, func(i, j int) bool { return deferred[i].seq < deferred[j].seq })
	final := false
	for len(deferred) > 0 {
		var pending []*task
		progressed := false
		for _, t := range deferred {
			if err := ctx.Err(); err != nil {
				return im.settle(ctx, r, phase, cp, err)
			}
			res := im.process(ctx, r, phase, t, final)
			if res.deferred {
				pending = append(pending, t)
				continue
			}
			progressed = true
			if err := im.commit(ctx, r, phase, cp, res); err != nil {
				return err
			}
		}
		deferred = pending
		if !progressed {
			final = true
		}
	}

	if err := cp.Finish(ctx); err != nil {
		return err
	}
	r.rec.report(ctx, fmt.Sprintf("phase %s complete", phase), true)
	logger.CtxInfo(ctx, "Phase complete")
	return nil
}

// settle persists the cursor reached so far and reports why the phase
// stopped, if it did.
func (im *Importer) settle(ctx context.Context, r *run, phase domain.Phase, cp *PhaseCheckpoint, streamErr error) error {
	if err := cp.Flush(context.WithoutCancel(ctx)); err != nil {
		logger.CtxError(ctx, "Failed to save cursor: %v", err)
	}
	if err := r.fatalErr(); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return streamErr
}

// feed reads the stream into tasks until it ends, the context is done or
// the run turned fatal.
func (im *Importer) feed(ctx context.Context, r *run, phase domain.Phase, cp *PhaseCheckpoint, stream source.Stream, tasks chan<- *task) error {
	var seq int64
	for {
		if ctx.Err() != nil || r.fatalErr() != nil {
			return nil
		}
		rec, err := stream.Next(ctx)
		if err == io.EOF {
			return nil
		}
		var pageErr *source.PageError
		if errors.As(err, &pageErr) {
			// Retries are spent: transport losses are warnings, unreadable data is an error.
			severity := domain.SeverityError
			if errors.Is(pageErr, domain.ErrNetwork) {
				severity = domain.SeverityWarning
			}
			r.rec.issue(ctx, severity, domain.ClassOf(pageErr.Err), phase, "", "", "%v", pageErr)
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("read source: %w", err)
		}

		t := &task{seq: seq, pos: stream.Position(), rec: rec, done: cp.IsDone(rec.Kind, rec.ExternalID)}
		seq++
		select {
		case tasks <- t:
		case <-ctx.Done():
			return nil
		}
	}
}

func (im *Importer) worker(ctx context.Context, r *run, phase domain.Phase, order *writeOrder, tasks <-chan *task, results chan<- *result) {
	for t := range tasks {
		// Drain without work once the phase is stopping.
		if ctx.Err() != nil || r.fatalErr() != nil {
			order.done(t.seq)
			continue
		}
		t.order = order
		res := im.process(ctx, r, phase, t, false)
		order.done(t.seq)
		results <- res
	}
}

// process runs one record through transform, reference resolution and
// write. Failures stay inside the result.
func (im *Importer) process(ctx context.Context, r *run, phase domain.Phase, t *task, final bool) *result {
	res := &result{task: t}
	rec := t.rec
	if t.done || !belongsTo(phase, rec) {
		return res
	}
	start := time.Now()
	defer func() { res.elapsed = time.Since(start) }()

	p, err := prepare(im.schema, r, rec)
	if err != nil {
		im.fail(r, res, err)
		return res
	}
	res.counter = p.counter
	if p.skip != "" {
		if p.skipWarn {
			res.note(domain.SeverityWarning, domain.ClassValidation, "%s", p.skip)
		}
		im.skip(r, res)
		return res
	}

	refs := resolveRefs(r, phase, rec, p, final)
	if refs.deferred {
		res.deferred = true
		return res
	}
	for _, w := range refs.warnings {
		res.note(domain.SeverityWarning, domain.ClassReference, "%s", w)
	}
	if refs.skip != "" {
		res.note(domain.SeverityWarning, domain.ClassReference, "%s", refs.skip)
		im.skip(r, res)
		return res
	}
	if refs.err != nil {
		im.fail(r, res, refs.err)
		return res
	}
	for _, w := range p.warnings {
		res.note(domain.SeverityWarning, domain.ClassSanitization, "%s", w)
	}

	im.write(ctx, r, rec, p, res)
	return res
}

func (im *Importer) fail(r *run, res *result, err error) {
	res.outcome = domain.OutcomeFailed
	res.note(domain.SeverityError, domain.ClassOf(err), "%v", err)
	markUnavailable(r, res.task.rec, domain.OutcomeFailed)
}

func (im *Importer) skip(r *run, res *result) {
	res.outcome = domain.OutcomeSkipped
	markUnavailable(r, res.task.rec, domain.OutcomeSkipped)
}

func markUnavailable(r *run, rec *source.Record, outcome domain.CheckpointOutcome) {
	r.markUnavailable(rec.Kind, rec.ExternalID, outcome)
	if rec.Key != "" {
		r.markUnavailable(rec.Kind, keyPrefix+rec.Key, outcome)
	}
}

// storeFailed handles a target write error: an unavailable store stops the
// phase, anything else fails the record.
func (im *Importer) storeFailed(r *run, res *result, err error) {
	if errors.Is(err, content.ErrUnavailable) {
		res.fatal = err
		return
	}
	rec := res.task.rec
	im.fail(r, res, &domain.RecordError{Class: domain.ClassStorage, Kind: rec.Kind, ExternalID: rec.ExternalID, Err: err})
}

// write creates or updates the target entity of a prepared record.
func (im *Importer) write(ctx context.Context, r *run, rec *source.Record, p *prepared, res *result) {
	store := r.target.store
	hash := rec.Hash()
	entry := &domain.IDMapEntry{
		ExternalKind: rec.Kind,
		ExternalID:   rec.ExternalID,
		JobID:        r.job.ID,
		LastJobID:    r.job.ID,
		EntityType:   p.entityType,
		ExternalKey:  rec.Key,
		SourceURL:    p.sourceURL,
		ContentHash:  hash,
	}

	if prev, ok := r.target.idmap.Lookup(rec.Kind, rec.ExternalID); ok {
		if prev.ContentHash == hash && prev.EntityType == p.entityType {
			res.outcome = domain.OutcomeUnchanged
			return
		}
		keepStoredMedia(p, prev.StorageKey, prev.TargetURL)
		err := store.Update(ctx, prev.EntityID, p.data)
		if err == nil {
			entry.JobID = prev.JobID
			entry.EntityID = prev.EntityID
			entry.StorageKey = prev.StorageKey
			entry.Adopted = prev.Adopted
			entry.TargetURL = im.targetURL(p)
			res.outcome = domain.OutcomeUpdated
			res.entry = entry
			return
		}
		if !errors.Is(err, content.ErrNotFound) {
			im.storeFailed(r, res, err)
			return
		}
		// Deleted on the target since: import it again.
		p.data["url"] = p.sourceURL
		delete(p.data, "storage_key")
	}

	// An entity carrying our markers without a mapping was written by a run
	// that stopped before recording it.
	orphans, err := store.Find(ctx, p.entityType, content.Query{
		MarkerLineage:    r.job.LineageID,
		MarkerKind:       string(rec.Kind),
		MarkerExternalID: rec.ExternalID,
	})
	if err != nil {
		im.storeFailed(r, res, err)
		return
	}
	if len(orphans) > 0 {
		found := orphans[0]
		keepStoredMedia(p, found.String("storage_key"), found.String("url"))
		if err := store.Update(ctx, found.ID, p.data); err != nil {
			im.storeFailed(r, res, err)
			return
		}
		entry.EntityID = found.ID
		entry.StorageKey = found.String("storage_key")
		entry.TargetURL = im.targetURL(p)
		res.outcome = domain.OutcomeCreated
		res.entry = entry
		return
	}

	if field := UniqueField(p.entityType); field != "" {
		value, _ := p.data[field].(string)
		if value != "" {
			// First in stream order claims a contested value, whatever
			// the worker count.
			if err := res.task.order.await(ctx, res.task.seq); err != nil {
				res.fatal = err
				return
			}
			unlock := im.locks.Lock(p.entityType + "\x00" + value)
			defer unlock()
			done, release := im.resolveConflict(ctx, r, rec, p, entry, field, value, res)
			if release != nil {
				defer release()
			}
			if done {
				return
			}
		}
	}

	var uploaded string
	if rec.Kind == domain.KindMedia && !r.target.dry && r.opts.DownloadMedia && r.target.media != nil {
		key := storage.MediaKey(im.mediaPrefix, r.job.LineageID, rec.ExternalID, fileName(p.sourceURL))
		m, err := r.target.media.Import(ctx, p.sourceURL, key, media.Options{Convert: r.opts.ConvertImages, Quality: r.opts.ImageQuality})
		if err != nil {
			if errors.Is(err, context.Canceled) {
				res.fatal = err
				return
			}
			im.fail(r, res, &domain.RecordError{Class: domain.ClassMedia, Kind: rec.Kind, ExternalID: rec.ExternalID, Err: err})
			return
		}
		p.data["url"] = m.URL
		p.data["storage_key"] = m.Key
		p.data["mime_type"] = m.ContentType
		p.data["file_size"] = m.Size
		if m.Width > 0 {
			p.data["width"] = m.Width
			p.data["height"] = m.Height
		}
		entry.StorageKey = m.Key
		uploaded = m.Key
		res.mediaBytes = m.Size
	}

	id, err := store.Create(ctx, p.entityType, p.data)
	if err != nil {
		if uploaded != "" {
			if delErr := r.target.media.Delete(context.WithoutCancel(ctx), uploaded); delErr != nil {
				logger.With(logger.Fields{"storage_key": uploaded}).Error(ctx, "Failed to roll back media upload: %v", delErr)
			}
		}
		im.storeFailed(r, res, err)
		return
	}
	entry.EntityID = id
	entry.TargetURL = im.targetURL(p)
	res.outcome = domain.OutcomeCreated
	res.entry = entry
}

// resolveConflict applies the conflict strategy when value is taken. It
// returns true when the record is finished. A rename holds the lock of the
// new value until the caller releases it.
func (im *Importer) resolveConflict(ctx context.Context, r *run, rec *source.Record, p *prepared, entry *domain.IDMapEntry, field, value string, res *result) (bool, func()) {
	store := r.target.store
	existing, err := store.Find(ctx, p.entityType, uniqueQuery(p.entityType, field, value, p.data))
	if err != nil {
		im.storeFailed(r, res, err)
		return true, nil
	}
	if len(existing) == 0 {
		return false, nil
	}

	strategy := r.opts.ConflictStrategy
	owner := existing[0]
	res.conflict = &domain.Conflict{
		Kind:           rec.Kind,
		ExternalID:     rec.ExternalID,
		EntityType:     p.entityType,
		Field:          field,
		Value:          value,
		ExistingID:     owner.ID,
		Resolution:     strategy,
		Recommendation: recommendStrategy(p.entityType),
	}

	switch strategy {
	case domain.ConflictOverwrite:
		if err := store.Update(ctx, owner.ID, p.data); err != nil {
			im.storeFailed(r, res, err)
			return true, nil
		}
		res.note(domain.SeverityWarning, domain.ClassConflict, "%s %q already exists; overwrote %s", field, value, owner.ID)
		entry.EntityID = owner.ID
		entry.Adopted = owner.String(MarkerLineage) != r.job.LineageID
		entry.TargetURL = im.targetURL(p)
		res.outcome = domain.OutcomeUpdated
		res.entry = entry
		return true, nil

	case domain.ConflictRename:
		for i := 2; i <= maxRenameAttempts; i++ {
			candidate := renameValue(field, value, i)
			unlock := im.locks.Lock(p.entityType + "\x00" + candidate)
			taken, err := store.Find(ctx, p.entityType, uniqueQuery(p.entityType, field, candidate, p.data))
			if err != nil {
				unlock()
				im.storeFailed(r, res, err)
				return true, nil
			}
			if len(taken) > 0 {
				unlock()
				continue
			}
			p.data[field] = candidate
			if field == "slug" {
				p.slug = candidate
			}
			res.note(domain.SeverityWarning, domain.ClassConflict, "%s %q already exists; renamed to %q", field, value, candidate)
			return false, unlock
		}
		im.fail(r, res, &domain.RecordError{
			Class: domain.ClassConflict, Kind: rec.Kind, ExternalID: rec.ExternalID,
			Err: fmt.Errorf("%w: no free %s after %d attempts for %q", domain.ErrConflict, field, maxRenameAttempts, value),
		})
		return true, nil
	}

	res.note(domain.SeverityWarning, domain.ClassConflict, "%s %q already exists as %s; skipped", field, value, owner.ID)
	im.skip(r, res)
	return true, nil
}

// recommendStrategy suggests a resolution for the conflict report. People
// and taxonomy terms with the same key are usually the same thing.
func recommendStrategy(entityType string) domain.ConflictStrategy {
	switch entityType {
	case EntityUser, EntityCategory, EntityTag, EntityTerm, EntityMenu:
		return domain.ConflictOverwrite
	}
	return domain.ConflictRename
}

// renameValue derives the nth alternative of a unique value. Emails keep
// their domain.
func renameValue(field, value string, n int) string {
	if field == "email" {
		if at := strings.LastIndex(value, "@"); at > 0 {
			return fmt.Sprintf("%s-%d%s", value[:at], n, value[at:])
		}
	}
	return fmt.Sprintf("%s-%d", value, n)
}

// keepStoredMedia points media data at an already stored file.
func keepStoredMedia(p *prepared, storageKey, fileURL string) {
	if p.entityType != EntityMedia || storageKey == "" {
		return
	}
	p.data["storage_key"] = storageKey
	if fileURL != "" {
		p.data["url"] = fileURL
	}
}

func (im *Importer) targetURL(p *prepared) string {
	if p.entityType == EntityMedia {
		u, _ := p.data["url"].(string)
		return u
	}
	return im.schema.TargetURL(im.schema.TargetPath(p.entityType, p.slug))
}

func fileName(raw string) string {
	if u, err := url.Parse(raw); err == nil {
		return path.Base(u.Path)
	}
	return path.Base(raw)
}

// commit records a result. It runs on the collector only.
func (im *Importer) commit(ctx context.Context, r *run, phase domain.Phase, cp *PhaseCheckpoint, res *result) error {
	if res.fatal != nil {
		return res.fatal
	}
	t := res.task
	for _, n := range res.notes {
		r.rec.issue(ctx, n.sev, n.class, phase, t.rec.Kind, t.rec.ExternalID, "%s", n.msg)
	}
	if res.conflict != nil {
		r.rec.conflict(*res.conflict)
	}
	// The target write already happened; record it even when stopping.
	wctx := context.WithoutCancel(ctx)
	if res.entry != nil {
		if err := r.target.idmap.Put(wctx, *res.entry); err != nil {
			return fmt.Errorf("record identifier of %s %s: %w", t.rec.Kind, t.rec.ExternalID, err)
		}
	}

	var entry *domain.CheckpointEntry
	if res.outcome != "" {
		entry = &domain.CheckpointEntry{ExternalKind: t.rec.Kind, ExternalID: t.rec.ExternalID, Outcome: res.outcome}
	}
	if err := cp.Record(wctx, t.seq, t.pos, entry); err != nil {
		return err
	}
	if res.outcome == "" {
		return nil
	}

	if err := r.rec.tally(ctx, phase, res.outcome, res.counter); err != nil {
		return fmt.Errorf("update counters: %w", err)
	}
	if im.metrics != nil {
		im.metrics.ObserveRecord(string(phase), res.elapsed)
		if res.mediaBytes > 0 {
			im.metrics.AddMediaBytes(res.mediaBytes)
		}
	}
	r.rec.report(ctx, fmt.Sprintf("importing %s", phase), false)
	return nil
}

// writeOrder lets a task through once every task before it in the stream
// has finished. A nil writeOrder never blocks.
type writeOrder struct {
	mu       sync.Mutex
	next     int64
	finished map[int64]bool
	waiting  map[int64]chan struct{}
}

func newWriteOrder() *writeOrder {
	return &writeOrder{finished: make(map[int64]bool), waiting: make(map[int64]chan struct{})}
}

func (o *writeOrder) await(ctx context.Context, seq int64) error {
	if o == nil {
		return nil
	}
	o.mu.Lock()
	if seq <= o.next {
		o.mu.Unlock()
		return nil
	}
	ch := make(chan struct{})
	o.waiting[seq] = ch
	o.mu.Unlock()

	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		o.mu.Lock()
		delete(o.waiting, seq)
		o.mu.Unlock()
		return ctx.Err()
	}
}

func (o *writeOrder) done(seq int64) {
	if o == nil {
		return
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	if seq < o.next {
		return
	}
	o.finished[seq] = true
	for o.finished[o.next] {
		delete(o.finished, o.next)
		o.next++
	}
	if ch, ok := o.waiting[o.next]; ok {
		close(ch)
		delete(o.waiting, o.next)
	}
}

// keyedMutex serializes work per key.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*keyedLock
}

type keyedLock struct {
	mu   sync.Mutex
	refs int
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{locks: make(map[string]*keyedLock)}
}

// Lock acquires the lock for key and returns its release.
func (k *keyedMutex) Lock(key string) func() {
	k.mu.Lock()
	l, ok := k.locks[key]
	if !ok {
		l = &keyedLock{}
		k.locks[key] = l
	}
	l.refs++
	k.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		k.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}
