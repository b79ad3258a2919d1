package service

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/timmy/contentport/internal/domain"
)

func entryFor(kind domain.RecordKind, id, hash string) domain.IDMapEntry {
	return domain.IDMapEntry{ExternalKind: kind, ExternalID: id, EntityID: "e-" + id, EntityType: EntityPost, ContentHash: hash}
}

func TestDiffDetector(t *testing.T) {
	same := post("1", "same", "<p>a</p>")
	edited := post("2", "edited", "<p>b</p>")
	entries := []domain.IDMapEntry{
		entryFor(domain.KindContent, "1", same.Hash()),
		entryFor(domain.KindContent, "2", "stale"),
		entryFor(domain.KindContent, "3", "gone"),
		entryFor(domain.KindAuthor, "9", "gone"),
	}
	fresh := post("4", "fresh", "<p>c</p>")

	d := NewDiffDetector("lineage", entries)
	assert.Equal(t, domain.DiffUnchanged, d.Classify(same))
	assert.Equal(t, domain.DiffChanged, d.Classify(edited))
	assert.Equal(t, domain.DiffNew, d.Classify(fresh))

	report, err := d.Compare(context.Background(), newFakeReader(same, edited, fresh, same))
	require.NoError(t, err)

	assert.Equal(t, domain.DiffCounts{New: 1, Changed: 1, Unchanged: 1, Deleted: 2}, report.Totals)
	assert.Equal(t, domain.DiffCounts{New: 1, Changed: 1, Unchanged: 1, Deleted: 1}, report.ByKind["content"])
	assert.Equal(t, domain.DiffCounts{Deleted: 1}, report.ByKind["author"])
	require.Len(t, report.Deleted, 2)
	assert.Equal(t, domain.KindAuthor, report.Deleted[0].Kind)
	assert.Equal(t, "3", report.Deleted[1].ExternalID)
	assert.Equal(t, "e-3", report.Deleted[1].EntityID)
	assert.False(t, report.ComputedAt.IsZero())
}

func TestDiffDetectorIncomplete(t *testing.T) {
	entries := []domain.IDMapEntry{entryFor(domain.KindContent, "1", "x"), entryFor(domain.KindContent, "2", "y")}

	d := NewDiffDetector("lineage", entries)
	d.Observe(post("1", "one", ""))
	d.MarkIncomplete()
	report := d.Report()
	assert.True(t, report.Incomplete)
	assert.Empty(t, report.Deleted)
	assert.Zero(t, report.Totals.Deleted)

	reader := newFakeReader(post("1", "one", ""), post("2", "two", ""))
	reader.lost = map[string]bool{"2": true}
	_, err := NewDiffDetector("lineage", entries).Compare(context.Background(), reader)
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrNetwork)
}
