package domain

import (
	"database/sql/driver"
	"fmt"
	"time"

	"gorm.io/datatypes"
)

// SourceKind identifies the shape of the external source.
type SourceKind string

const (
	SourceKindFile SourceKind = "interchange-file"
	SourceKindREST SourceKind = "rest-api"
)

// ParseSourceKind validates a source kind string.
func ParseSourceKind(s string) (SourceKind, error) {
	switch k := SourceKind(s); k {
	case SourceKindFile, SourceKindREST:
		return k, nil
	}
	return "", fmt.Errorf("%w: unknown source kind %q", ErrValidation, s)
}

// JobStatus is the authoritative lifecycle state of an import job.
// The set is closed: values outside it are rejected on parse and scan.
type JobStatus string

const (
	JobStatusPending        JobStatus = "PENDING"
	JobStatusAnalyzing      JobStatus = "ANALYZING"
	JobStatusAnalyzed       JobStatus = "ANALYZED"
	JobStatusDryRunning     JobStatus = "DRY_RUNNING"
	JobStatusDryRunComplete JobStatus = "DRY_RUN_COMPLETE"
	JobStatusImporting      JobStatus = "IMPORTING"
	JobStatusValidating     JobStatus = "VALIDATING"
	JobStatusCompleted      JobStatus = "COMPLETED"
	JobStatusFailed         JobStatus = "FAILED"
	JobStatusCancelled      JobStatus = "CANCELLED"
	JobStatusRolledBack     JobStatus = "ROLLED_BACK"
)

var transitions = map[JobStatus][]JobStatus{
	JobStatusPending:        {JobStatusAnalyzing, JobStatusCancelled},
	JobStatusAnalyzing:      {JobStatusAnalyzed, JobStatusFailed, JobStatusCancelled},
	JobStatusAnalyzed:       {JobStatusDryRunning, JobStatusCancelled},
	JobStatusDryRunning:     {JobStatusDryRunComplete, JobStatusFailed, JobStatusCancelled},
	JobStatusDryRunComplete: {JobStatusImporting, JobStatusDryRunning, JobStatusCancelled},
	JobStatusImporting:      {JobStatusValidating, JobStatusFailed, JobStatusCancelled},
	JobStatusValidating:     {JobStatusCompleted, JobStatusFailed},
	JobStatusCompleted:      {JobStatusRolledBack},
	// Resume. Only jobs that already entered IMPORTING qualify; the job
	// service checks StartedAt before asking for this edge.
	JobStatusFailed:    {JobStatusImporting},
	JobStatusCancelled: {JobStatusImporting},
}

// ParseJobStatus validates a status string.
func ParseJobStatus(s string) (JobStatus, error) {
	st := JobStatus(s)
	if _, ok := transitions[st]; ok || st == JobStatusRolledBack {
		return st, nil
	}
	return "", fmt.Errorf("%w: unknown job status %q", ErrValidation, s)
}

// CanTransition reports whether from -> to is a legal edge.
func CanTransition(from, to JobStatus) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Transition returns a *TransitionError when from -> to is not legal.
func Transition(from, to JobStatus) error {
	if !CanTransition(from, to) {
		return &TransitionError{From: from, To: to}
	}
	return nil
}

// IsTerminal reports whether the job has stopped moving on its own.
func (s JobStatus) IsTerminal() bool {
	switch s {
	case JobStatusCompleted, JobStatusFailed, JobStatusCancelled, JobStatusRolledBack:
		return true
	}
	return false
}

// PreImport reports whether config may still change.
func (s JobStatus) PreImport() bool {
	switch s {
	case JobStatusPending, JobStatusAnalyzing, JobStatusAnalyzed, JobStatusDryRunning, JobStatusDryRunComplete:
		return true
	}
	return false
}

// Value implements driver.Valuer.
func (s JobStatus) Value() (driver.Value, error) {
	return string(s), nil
}

// Scan implements sql.Scanner and rejects unknown values.
func (s *JobStatus) Scan(value interface{}) error {
	var raw string
	switch v := value.(type) {
	case string:
		raw = v
	case []byte:
		raw = string(v)
	default:
		return fmt.Errorf("cannot scan %T into JobStatus", value)
	}
	parsed, err := ParseJobStatus(raw)
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// Outcome distinguishes a clean completion from one with recorded issues.
type Outcome string

const (
	OutcomeNone         Outcome = ""
	OutcomeClean        Outcome = "clean"
	OutcomeWithWarnings Outcome = "with_warnings"
	OutcomeWithErrors   Outcome = "with_errors"
)

// RollbackState marks a completed job whose rollback could not delete everything.
type RollbackState string

const (
	RollbackStateNone    RollbackState = ""
	RollbackStatePartial RollbackState = "partial"
)

// SourceDescriptor locates the external source. Credentials are never stored here.
type SourceDescriptor struct {
	Kind     SourceKind `json:"kind"`
	Path     string     `json:"path,omitempty"`
	Filename string     `json:"filename,omitempty"`
	URL      string     `json:"url,omitempty"`
	Username string     `json:"username,omitempty"`
}

// Credentials authenticate against a REST source. Held in memory only.
type Credentials struct {
	Username    string
	AppPassword string
}

// Counters holds per-category result counts. Column names are prefixed with count_.
type Counters struct {
	Posts      int `gorm:"default:0" json:"posts"`
	Pages      int `gorm:"default:0" json:"pages"`
	Custom     int `gorm:"default:0" json:"custom"`
	Media      int `gorm:"default:0" json:"media"`
	Categories int `gorm:"default:0" json:"categories"`
	Tags       int `gorm:"default:0" json:"tags"`
	Terms      int `gorm:"default:0" json:"terms"`
	Authors    int `gorm:"default:0" json:"authors"`
	Comments   int `gorm:"default:0" json:"comments"`
	Menus      int `gorm:"default:0" json:"menus"`
	MenuItems  int `gorm:"default:0" json:"menu_items"`
	Redirects  int `gorm:"default:0" json:"redirects"`
	LinksFixed int `gorm:"default:0" json:"links_fixed"`
	Updated    int `gorm:"default:0" json:"updated"`
	Unchanged  int `gorm:"default:0" json:"unchanged"`
	Skipped    int `gorm:"default:0" json:"skipped"`
	Failed     int `gorm:"default:0" json:"failed"`
}

// Counter keys. The column for key k is count_<k>.
const (
	CounterPosts      = "posts"
	CounterPages      = "pages"
	CounterCustom     = "custom"
	CounterMedia      = "media"
	CounterCategories = "categories"
	CounterTags       = "tags"
	CounterTerms      = "terms"
	CounterAuthors    = "authors"
	CounterComments   = "comments"
	CounterMenus      = "menus"
	CounterMenuItems  = "menu_items"
	CounterRedirects  = "redirects"
	CounterLinksFixed = "links_fixed"
	CounterUpdated    = "updated"
	CounterUnchanged  = "unchanged"
	CounterSkipped    = "skipped"
	CounterFailed     = "failed"
)

// CounterColumn maps a counter key to its column name.
func CounterColumn(key string) string {
	return "count_" + key
}

// Get returns the counter value for a key.
func (c Counters) Get(key string) int {
	switch key {
	case CounterPosts:
		return c.Posts
	case CounterPages:
		return c.Pages
	case CounterCustom:
		return c.Custom
	case CounterMedia:
		return c.Media
	case CounterCategories:
		return c.Categories
	case CounterTags:
		return c.Tags
	case CounterTerms:
		return c.Terms
	case CounterAuthors:
		return c.Authors
	case CounterComments:
		return c.Comments
	case CounterMenus:
		return c.Menus
	case CounterMenuItems:
		return c.MenuItems
	case CounterRedirects:
		return c.Redirects
	case CounterLinksFixed:
		return c.LinksFixed
	case CounterUpdated:
		return c.Updated
	case CounterUnchanged:
		return c.Unchanged
	case CounterSkipped:
		return c.Skipped
	case CounterFailed:
		return c.Failed
	}
	return 0
}

// ImportJob is the root aggregate of one migration run.
type ImportJob struct {
	ID          string `gorm:"type:varchar(64);primaryKey" json:"id"`
	Site        string `gorm:"type:varchar(128);not null;index" json:"site"`
	LineageID   string `gorm:"type:varchar(64);not null;index" json:"lineage_id"`
	ParentJobID string `gorm:"type:varchar(64)" json:"parent_job_id,omitempty"`

	SourceKind SourceKind                           `gorm:"type:varchar(32);not null" json:"source_kind"`
	Source     datatypes.JSONType[SourceDescriptor] `json:"source"`

	Status        JobStatus     `gorm:"type:varchar(32);not null;index" json:"status"`
	Phase         Phase         `gorm:"type:varchar(32)" json:"phase,omitempty"`
	Outcome       Outcome       `gorm:"type:varchar(32)" json:"outcome,omitempty"`
	RollbackState RollbackState `gorm:"type:varchar(32)" json:"rollback_state,omitempty"`

	Options    datatypes.JSONType[ImportOptions] `gorm:"column:config" json:"config"`
	ConfigHash string                            `gorm:"type:varchar(64)" json:"config_hash"`

	Analysis datatypes.JSONType[*Analysis]     `json:"analysis,omitempty"`
	Diff     datatypes.JSONType[*DiffReport]   `json:"diff,omitempty"`
	DryRun   datatypes.JSONType[*DryRunResult] `json:"dry_run,omitempty"`

	ProgressCurrent int    `gorm:"default:0" json:"progress_current"`
	ProgressTotal   int    `gorm:"default:0" json:"progress_total"`
	ProgressMessage string `json:"progress_message,omitempty"`

	Counters     Counters `gorm:"embedded;embeddedPrefix:count_" json:"counters"`
	ErrorCount   int      `gorm:"default:0" json:"error_count"`
	WarningCount int      `gorm:"default:0" json:"warning_count"`
	Attempt      int      `gorm:"default:0" json:"attempt"`

	RollbackReason string     `json:"rollback_reason,omitempty"`
	RolledBackAt   *time.Time `json:"rolled_back_at,omitempty"`

	CreatedBy   string     `gorm:"type:varchar(128)" json:"created_by,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// TableName returns the database table name for ImportJob.
func (ImportJob) TableName() string {
	return "import_jobs"
}

// Config returns the resolved import options.
func (j *ImportJob) Config() ImportOptions {
	return j.Options.Data()
}

// Descriptor returns the source descriptor.
func (j *ImportJob) Descriptor() SourceDescriptor {
	return j.Source.Data()
}
