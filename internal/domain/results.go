package domain

import "time"

// Analysis is the cached, read-only summary of a source snapshot.
type Analysis struct {
	SiteTitle   string `json:"site_title,omitempty"`
	SiteURL     string `json:"site_url,omitempty"`
	Fingerprint string `json:"fingerprint"`

	// Counts is keyed by "kind" and "kind:subtype" (e.g. "content:post").
	Counts map[string]int `json:"counts"`
	// ByStatus is keyed by content subtype, then source status.
	ByStatus map[string]map[string]int `json:"by_status"`

	CustomTypes []string `json:"custom_types,omitempty"`
	Plugins     []string `json:"plugins,omitempty"`
	Warnings    []string `json:"warnings,omitempty"`

	// PageErrors counts source pages that could not be read.
	PageErrors       int       `json:"page_errors,omitempty"`
	Records          int       `json:"records"`
	TotalBytes       int64     `json:"total_bytes"`
	EstimatedSeconds int       `json:"estimated_seconds"`
	AnalyzedAt       time.Time `json:"analyzed_at"`
}

// DiffClass is the re-import classification of one external record.
type DiffClass string

const (
	DiffNew       DiffClass = "new"
	DiffChanged   DiffClass = "changed"
	DiffUnchanged DiffClass = "unchanged"
	DiffDeleted   DiffClass = "deleted"
)

// DiffCounts tallies classifications for one record kind.
type DiffCounts struct {
	New       int `json:"new"`
	Changed   int `json:"changed"`
	Unchanged int `json:"unchanged"`
	Deleted   int `json:"deleted"`
}

// Add increments the bucket for class.
func (d *DiffCounts) Add(class DiffClass) {
	switch class {
	case DiffNew:
		d.New++
	case DiffChanged:
		d.Changed++
	case DiffUnchanged:
		d.Unchanged++
	case DiffDeleted:
		d.Deleted++
	}
}

// DiffItem names a record that is gone from the source.
type DiffItem struct {
	Kind       RecordKind `json:"kind"`
	ExternalID string     `json:"external_id"`
	EntityID   string     `json:"entity_id"`
	EntityType string     `json:"entity_type"`
}

// DiffReport compares a source snapshot against the lineage's identifier map.
type DiffReport struct {
	LineageID string                `json:"lineage_id"`
	Totals    DiffCounts            `json:"totals"`
	ByKind    map[string]DiffCounts `json:"by_kind"`
	Deleted   []DiffItem            `json:"deleted,omitempty"`
	// Incomplete is set when source pages were lost; deletions are then unknown.
	Incomplete bool      `json:"incomplete,omitempty"`
	ComputedAt time.Time `json:"computed_at"`
}

// Conflict describes a unique-key collision found during simulation.
type Conflict struct {
	Kind           RecordKind       `json:"kind"`
	ExternalID     string           `json:"external_id"`
	EntityType     string           `json:"entity_type"`
	Field          string           `json:"field"`
	Value          string           `json:"value"`
	ExistingID     string           `json:"existing_id"`
	Resolution     ConflictStrategy `json:"resolution"`
	Recommendation ConflictStrategy `json:"recommendation"`
}

// IssueSummary is an issue captured by a dry-run, which has no issue table rows.
type IssueSummary struct {
	Severity   Severity   `json:"severity"`
	Class      ErrorClass `json:"class"`
	Phase      Phase      `json:"phase"`
	Kind       RecordKind `json:"kind,omitempty"`
	ExternalID string     `json:"external_id,omitempty"`
	Message    string     `json:"message"`
}

// DryRunResult is the simulated outcome an operator approves before import.
type DryRunResult struct {
	ConfigHash        string    `json:"config_hash"`
	SourceFingerprint string    `json:"source_fingerprint"`
	RanAt             time.Time `json:"ran_at"`

	// WouldCreate and WouldUpdate are keyed by counter key (posts, pages, ...).
	WouldCreate map[string]int `json:"would_create"`
	WouldUpdate map[string]int `json:"would_update"`
	Unchanged   int            `json:"unchanged"`
	Skipped     int            `json:"skipped"`
	Failed      int            `json:"failed"`

	Conflicts       []Conflict     `json:"conflicts,omitempty"`
	Issues          []IssueSummary `json:"issues,omitempty"`
	IssuesTruncated bool           `json:"issues_truncated,omitempty"`
	Warnings        int            `json:"warnings"`
	Errors          int            `json:"errors"`

	Redirects       int `json:"redirects"`
	LinksToFix      int `json:"links_to_fix"`
	UnresolvedLinks int `json:"unresolved_links"`
}

// Matches reports whether the dry-run still describes this config and source.
func (d *DryRunResult) Matches(configHash, fingerprint string) bool {
	return d != nil && d.ConfigHash == configHash && d.SourceFingerprint == fingerprint
}

// RollbackResult reports what a rollback removed and what it could not.
type RollbackResult struct {
	JobID     string         `json:"job_id"`
	Deleted   map[string]int `json:"deleted"`
	Retained  int            `json:"retained_adopted"`
	Redirects int            `json:"redirects_deleted"`
	Media     int            `json:"media_objects_deleted"`
	Failed    []DiffItem     `json:"failed,omitempty"`
	Partial   bool           `json:"partial"`
}
