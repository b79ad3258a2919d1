package service

import (
	"context"
	"fmt"

	"github.com/timmy/contentport/internal/domain"
	"github.com/timmy/contentport/internal/source"
)

// checkpointStore is the persistence behind CheckpointManager.
type checkpointStore interface {
	Save(ctx context.Context, entries []domain.CheckpointEntry, cursor *domain.PhaseCursor) error
	MarkDone(ctx context.Context, jobID string, phase domain.Phase) error
	Load(ctx context.Context, jobID string, phase domain.Phase) ([]domain.CheckpointEntry, *domain.PhaseCursor, error)
	Clear(ctx context.Context, jobID string) error
}

// CheckpointManager records which records of a job are done so a resumed
// run starts where the previous one stopped. A manager without a store
// (dry runs) remembers nothing.
type CheckpointManager struct {
	store checkpointStore
	jobID string
}

// NewCheckpointManager creates a manager for one job. store may be nil.
func NewCheckpointManager(store checkpointStore, jobID string) *CheckpointManager {
	return &CheckpointManager{store: store, jobID: jobID}
}

// Begin loads the state of a phase.
func (m *CheckpointManager) Begin(ctx context.Context, phase domain.Phase) (*PhaseCheckpoint, error) {
	p := &PhaseCheckpoint{
		m:       m,
		phase:   phase,
		done:    make(map[extKey]domain.CheckpointOutcome),
		tracker: newCursorTracker(),
	}
	if m.store == nil {
		return p, nil
	}

	entries, cursor, err := m.store.Load(ctx, m.jobID, phase)
	if err != nil {
		return nil, fmt.Errorf("load checkpoint of phase %s: %w", phase, err)
	}
	for _, e := range entries {
		p.done[extKey{e.ExternalKind, e.ExternalID}] = e.Outcome
	}
	if cursor != nil {
		p.finished = cursor.Done
		pos, err := source.DecodePosition(cursor.Position)
		if err != nil {
			return nil, fmt.Errorf("%w: corrupt cursor of phase %s: %v", domain.ErrValidation, phase, err)
		}
		p.start = pos
		p.tracker.last = pos
	}
	return p, nil
}

// Unfinished returns the records of earlier runs that ended skipped or
// failed, across the given phases. References to them are not retried.
func (m *CheckpointManager) Unfinished(ctx context.Context, phases ...domain.Phase) (map[extKey]domain.CheckpointOutcome, error) {
	out := make(map[extKey]domain.CheckpointOutcome)
	if m.store == nil {
		return out, nil
	}
	for _, phase := range phases {
		entries, _, err := m.store.Load(ctx, m.jobID, phase)
		if err != nil {
			return nil, err
		}
		for _, e := range entries {
			if e.Outcome == domain.OutcomeSkipped || e.Outcome == domain.OutcomeFailed {
				out[extKey{e.ExternalKind, e.ExternalID}] = e.Outcome
			}
		}
	}
	return out, nil
}

// Clear drops every checkpoint of the job.
func (m *CheckpointManager) Clear(ctx context.Context) error {
	if m.store == nil {
		return nil
	}
	return m.store.Clear(ctx, m.jobID)
}

// PhaseCheckpoint tracks one phase run. The done set is fixed at Begin and
// may be read concurrently; Record, Flush and Finish belong to the
// collector goroutine.
type PhaseCheckpoint struct {
	m        *CheckpointManager
	phase    domain.Phase
	done     map[extKey]domain.CheckpointOutcome
	start    source.Position
	finished bool
	tracker  *cursorTracker
	dirty    bool
}

// Finished reports whether the phase completed in an earlier run.
func (p *PhaseCheckpoint) Finished() bool {
	return p.finished
}

// Start returns the resume position.
func (p *PhaseCheckpoint) Start() source.Position {
	return p.start
}

// IsDone reports whether a record was already handled.
func (p *PhaseCheckpoint) IsDone(kind domain.RecordKind, externalID string) bool {
	_, ok := p.done[extKey{kind, externalID}]
	return ok
}

// Record marks the record at seq finished. A nil entry advances the
// cursor without recording a unit, for records the phase ignores.
func (p *PhaseCheckpoint) Record(ctx context.Context, seq int64, pos source.Position, entry *domain.CheckpointEntry) error {
	advanced := p.tracker.finish(seq, pos)
	if advanced {
		p.dirty = true
	}
	if p.m.store == nil {
		return nil
	}
	if entry == nil {
		return nil
	}

	entry.JobID = p.m.jobID
	entry.Phase = p.phase
	return p.save(ctx, []domain.CheckpointEntry{*entry})
}

// Flush persists the cursor if it moved since the last save.
func (p *PhaseCheckpoint) Flush(ctx context.Context) error {
	if p.m.store == nil || !p.dirty {
		return nil
	}
	return p.save(ctx, nil)
}

func (p *PhaseCheckpoint) save(ctx context.Context, entries []domain.CheckpointEntry) error {
	var cursor *domain.PhaseCursor
	if p.dirty {
		cursor = &domain.PhaseCursor{JobID: p.m.jobID, Phase: p.phase, Position: p.tracker.last.Encode()}
	}
	if err := p.m.store.Save(ctx, entries, cursor); err != nil {
		return fmt.Errorf("save checkpoint: %w", err)
	}
	p.dirty = false
	return nil
}

// Finish flushes the cursor and marks the phase complete.
func (p *PhaseCheckpoint) Finish(ctx context.Context) error {
	if p.m.store == nil {
		return nil
	}
	if err := p.Flush(ctx); err != nil {
		return err
	}
	return p.m.store.MarkDone(ctx, p.m.jobID, p.phase)
}

// cursorTracker turns out-of-order completions into a high-water mark:
// last is the position after the longest finished prefix of the stream.
type cursorTracker struct {
	next    int64
	pending map[int64]source.Position
	last    source.Position
}

func newCursorTracker() *cursorTracker {
	return &cursorTracker{pending: make(map[int64]source.Position)}
}

func (t *cursorTracker) finish(seq int64, pos source.Position) bool {
	t.pending[seq] = pos
	advanced := false
	for {
		p, ok := t.pending[t.next]
		if !ok {
			return advanced
		}
		delete(t.pending, t.next)
		t.last = p
		t.next++
		advanced = true
	}
}
