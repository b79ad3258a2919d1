package service

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/timmy/contentport/internal/domain"
	"github.com/timmy/contentport/internal/repository"
	"github.com/timmy/contentport/internal/source"
)

func TestCursorTracker(t *testing.T) {
	tr := newCursorTracker()
	assert.False(t, tr.finish(1, source.Position{Offset: 20}))
	assert.False(t, tr.finish(2, source.Position{Offset: 30}))
	assert.True(t, tr.last.IsZero())

	assert.True(t, tr.finish(0, source.Position{Offset: 10}))
	assert.Equal(t, int64(30), tr.last.Offset)
	assert.Empty(t, tr.pending)
}

func TestCheckpointManagerResumes(t *testing.T) {
	ctx := context.Background()
	repo := repository.NewCheckpointRepository(newTestDB(t))

	m := NewCheckpointManager(repo, "job-1")
	cp, err := m.Begin(ctx, domain.PhaseContent)
	require.NoError(t, err)
	assert.False(t, cp.Finished())
	assert.True(t, cp.Start().IsZero())

	require.NoError(t, cp.Record(ctx, 1, source.Position{Offset: 2},
		&domain.CheckpointEntry{ExternalKind: domain.KindContent, ExternalID: "b", Outcome: domain.OutcomeSkipped}))
	require.NoError(t, cp.Record(ctx, 0, source.Position{Offset: 1},
		&domain.CheckpointEntry{ExternalKind: domain.KindContent, ExternalID: "a", Outcome: domain.OutcomeCreated}))
	require.NoError(t, cp.Record(ctx, 2, source.Position{Offset: 3}, nil))
	require.NoError(t, cp.Flush(ctx))

	// A second run of the same job sees the finished prefix.
	again, err := NewCheckpointManager(repo, "job-1").Begin(ctx, domain.PhaseContent)
	require.NoError(t, err)
	assert.False(t, again.Finished())
	assert.Equal(t, int64(3), again.Start().Offset)
	assert.True(t, again.IsDone(domain.KindContent, "a"))
	assert.True(t, again.IsDone(domain.KindContent, "b"))
	assert.False(t, again.IsDone(domain.KindContent, "c"))

	unfinished, err := m.Unfinished(ctx, domain.PhaseContent, domain.PhaseComments)
	require.NoError(t, err)
	assert.Equal(t, map[extKey]domain.CheckpointOutcome{{domain.KindContent, "b"}: domain.OutcomeSkipped}, unfinished)

	require.NoError(t, again.Finish(ctx))
	done, err := m.Begin(ctx, domain.PhaseContent)
	require.NoError(t, err)
	assert.True(t, done.Finished())

	require.NoError(t, m.Clear(ctx))
	cleared, err := m.Begin(ctx, domain.PhaseContent)
	require.NoError(t, err)
	assert.False(t, cleared.Finished())
	assert.False(t, cleared.IsDone(domain.KindContent, "a"))
}

func TestCheckpointManagerWithoutStore(t *testing.T) {
	ctx := context.Background()
	m := NewCheckpointManager(nil, "dry")
	cp, err := m.Begin(ctx, domain.PhaseAuthors)
	require.NoError(t, err)
	require.NoError(t, cp.Record(ctx, 0, source.Position{Offset: 1},
		&domain.CheckpointEntry{ExternalKind: domain.KindAuthor, ExternalID: "1", Outcome: domain.OutcomeCreated}))
	require.NoError(t, cp.Finish(ctx))

	again, err := m.Begin(ctx, domain.PhaseAuthors)
	require.NoError(t, err)
	assert.False(t, again.Finished())
	assert.False(t, again.IsDone(domain.KindAuthor, "1"))
}
