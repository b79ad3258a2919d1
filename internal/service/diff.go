package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/timmy/contentport/internal/domain"
	"github.com/timmy/contentport/internal/source"
)

// DiffDetector classifies the records of a source snapshot against the
// identifier map of a lineage. Records gone from the source are reported,
// never deleted.
type DiffDetector struct {
	lineageID string
	entries   map[extKey]domain.IDMapEntry
	seen      map[extKey]bool
	report    *domain.DiffReport
}

// MarkIncomplete records that part of the source could not be read. The
// report then lists no deletions.
func (d *DiffDetector) MarkIncomplete() {
	d.report.Incomplete = true
}

// NewDiffDetector creates a detector over the lineage entries.
func NewDiffDetector(lineageID string, entries []domain.IDMapEntry) *DiffDetector {
	d := &DiffDetector{
		lineageID: lineageID,
		entries:   make(map[extKey]domain.IDMapEntry, len(entries)),
		seen:      make(map[extKey]bool),
		report:    &domain.DiffReport{LineageID: lineageID, ByKind: make(map[string]domain.DiffCounts)},
	}
	for _, e := range entries {
		d.entries[extKey{e.ExternalKind, e.ExternalID}] = e
	}
	return d
}

// Classify returns the class of one record without recording it.
func (d *DiffDetector) Classify(rec *source.Record) domain.DiffClass {
	e, ok := d.entries[extKey{rec.Kind, rec.ExternalID}]
	switch {
	case !ok:
		return domain.DiffNew
	case e.ContentHash == rec.Hash():
		return domain.DiffUnchanged
	}
	return domain.DiffChanged
}

// Observe classifies and counts a record.
func (d *DiffDetector) Observe(rec *source.Record) {
	k := extKey{rec.Kind, rec.ExternalID}
	if d.seen[k] {
		return
	}
	d.seen[k] = true
	d.add(rec.Kind, d.Classify(rec))
}

func (d *DiffDetector) add(kind domain.RecordKind, class domain.DiffClass) {
	c := d.report.ByKind[string(kind)]
	c.Add(class)
	d.report.ByKind[string(kind)] = c
	d.report.Totals.Add(class)
}

// Report finishes the comparison: every entry not observed is deleted.
func (d *DiffDetector) Report() *domain.DiffReport {
	var deleted []domain.DiffItem
	for k, e := range d.entries {
		if d.seen[k] || d.report.Incomplete {
			continue
		}
		deleted = append(deleted, domain.DiffItem{
			Kind:       e.ExternalKind,
			ExternalID: e.ExternalID,
			EntityID:   e.EntityID,
			EntityType: e.EntityType,
		})
	}
	sort.Slice(deleted, func(i, j int) bool {
		if deleted[i].Kind != deleted[j].Kind {
			return deleted[i].Kind < deleted[j].Kind
		}
		return deleted[i].ExternalID < deleted[j].ExternalID
	})

	out := *d.report
	out.ByKind = make(map[string]domain.DiffCounts, len(d.report.ByKind))
	for k, v := range d.report.ByKind {
		out.ByKind[k] = v
	}
	for _, item := range deleted {
		c := out.ByKind[string(item.Kind)]
		c.Add(domain.DiffDeleted)
		out.ByKind[string(item.Kind)] = c
		out.Totals.Add(domain.DiffDeleted)
	}
	out.Deleted = deleted
	out.ComputedAt = time.Now().UTC()
	return &out
}

// Compare streams the whole source and returns the report.
func (d *DiffDetector) Compare(ctx context.Context, reader source.Reader) (*domain.DiffReport, error) {
	stream, err := reader.Open(ctx, source.Position{})
	if err != nil {
		return nil, fmt.Errorf("open source: %w", err)
	}
	defer stream.Close()

	for {
		rec, err := stream.Next(ctx)
		if err == io.EOF {
			return d.Report(), nil
		}
		var pageErr *source.PageError
		if errors.As(err, &pageErr) {
			// Records of a lost page would all look deleted.
			return nil, fmt.Errorf("incomplete source: %w", err)
		}
		if err != nil {
			return nil, err
		}
		d.Observe(rec)
	}
}
