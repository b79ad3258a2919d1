package domain

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTransitions(t *testing.T) {
	legal := [][2]JobStatus{
		{JobStatusPending, JobStatusAnalyzing},
		{JobStatusAnalyzing, JobStatusAnalyzed},
		{JobStatusAnalyzed, JobStatusDryRunning},
		{JobStatusDryRunning, JobStatusDryRunComplete},
		{JobStatusDryRunComplete, JobStatusDryRunning},
		{JobStatusDryRunComplete, JobStatusImporting},
		{JobStatusImporting, JobStatusValidating},
		{JobStatusValidating, JobStatusCompleted},
		{JobStatusCompleted, JobStatusRolledBack},
		{JobStatusImporting, JobStatusCancelled},
		{JobStatusFailed, JobStatusImporting},
		{JobStatusCancelled, JobStatusImporting},
	}
	for _, edge := range legal {
		assert.NoError(t, Transition(edge[0], edge[1]), "%s -> %s", edge[0], edge[1])
	}

	illegal := [][2]JobStatus{
		{JobStatusPending, JobStatusImporting},
		{JobStatusAnalyzed, JobStatusImporting},
		{JobStatusCompleted, JobStatusImporting},
		{JobStatusValidating, JobStatusCancelled},
		{JobStatusRolledBack, JobStatusCompleted},
		{JobStatusCancelled, JobStatusRolledBack},
	}
	for _, edge := range illegal {
		err := Transition(edge[0], edge[1])
		require.Error(t, err, "%s -> %s", edge[0], edge[1])
		assert.ErrorIs(t, err, ErrInvalidTransition)

		var te *TransitionError
		require.ErrorAs(t, err, &te)
		assert.Equal(t, edge[0], te.From)
		assert.Equal(t, edge[1], te.To)
	}
}

func TestJobStatusScan(t *testing.T) {
	var s JobStatus
	require.NoError(t, s.Scan([]byte("ROLLED_BACK")))
	assert.Equal(t, JobStatusRolledBack, s)
	assert.True(t, s.IsTerminal())
	assert.False(t, s.PreImport())

	assert.ErrorIs(t, s.Scan("PAUSED"), ErrValidation)
	assert.Error(t, s.Scan(42))
}

func TestPhases(t *testing.T) {
	assert.True(t, PhaseAuthors.Before(PhaseContent))
	assert.False(t, PhaseRedirects.Before(PhaseLinkFix))
	assert.Equal(t, -1, Phase("bogus").Index())

	p, err := ParsePhase("link_fix")
	require.NoError(t, err)
	assert.Equal(t, PhaseLinkFix, p)
	_, err = ParsePhase("bogus")
	assert.ErrorIs(t, err, ErrValidation)

	assert.Equal(t, []RecordKind{KindTerm, KindMenuEntry}, PhaseMenus.RecordKinds())
	assert.Nil(t, PhaseLinkFix.RecordKinds())
}

func TestClassOf(t *testing.T) {
	tests := []struct {
		err  error
		want ErrorClass
	}{
		{fmt.Errorf("fetch: %w", ErrNetwork), ClassNetwork},
		{fmt.Errorf("login: %w", ErrAuth), ClassAuth},
		{ErrConflict, ClassConflict},
		{ErrUnresolved, ClassReference},
		{fmt.Errorf("%w: save", ErrStorage), ClassStorage},
		{ErrSanitization, ClassSanitization},
		{errors.New("anything else"), ClassValidation},
		{&RecordError{Class: ClassMedia, Err: ErrNetwork}, ClassMedia},
		{&RecordError{Err: ErrConflict}, ClassConflict},
		{&PhaseError{Phase: PhaseContent, Err: ErrStorage}, ClassStorage},
	}
	for _, tc := range tests {
		assert.Equal(t, tc.want, ClassOf(tc.err), tc.err.Error())
	}
}

func TestImportOptions(t *testing.T) {
	opts := DefaultImportOptions()
	require.NoError(t, opts.Validate())
	assert.Equal(t, opts.Hash(), DefaultImportOptions().Hash())

	changed := opts
	changed.IncludeDrafts = true
	assert.NotEqual(t, opts.Hash(), changed.Hash())

	bad := opts
	bad.ImageQuality = 101
	assert.ErrorIs(t, bad.Validate(), ErrInvalidOptions)

	bad = opts
	bad.ConflictStrategy = "merge"
	assert.Error(t, bad.Validate())
}

func TestDryRunMatches(t *testing.T) {
	var missing *DryRunResult
	assert.False(t, missing.Matches("h", "f"))

	d := &DryRunResult{ConfigHash: "h", SourceFingerprint: "f"}
	assert.True(t, d.Matches("h", "f"))
	assert.False(t, d.Matches("h", "g"))
	assert.False(t, d.Matches("x", "f"))
}

func TestParseSourceKind(t *testing.T) {
	k, err := ParseSourceKind("rest-api")
	require.NoError(t, err)
	assert.Equal(t, SourceKindREST, k)

	_, err = ParseSourceKind("ftp")
	assert.ErrorIs(t, err, ErrValidation)
}
