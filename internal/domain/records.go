package domain

import "time"

// Severity of a job issue.
type Severity string

const (
	SeverityError   Severity = "error"
	SeverityWarning Severity = "warning"
)

// Issue is one append-only error or warning row of a job.
type Issue struct {
	ID           uint       `gorm:"primaryKey;autoIncrement" json:"id"`
	JobID        string     `gorm:"type:varchar(64);not null;index" json:"job_id"`
	Severity     Severity   `gorm:"type:varchar(16);not null;index" json:"severity"`
	Class        ErrorClass `gorm:"type:varchar(32);not null" json:"class"`
	Phase        Phase      `gorm:"type:varchar(32)" json:"phase,omitempty"`
	ExternalKind RecordKind `gorm:"type:varchar(32)" json:"external_kind,omitempty"`
	ExternalID   string     `gorm:"type:varchar(191)" json:"external_id,omitempty"`
	Message      string     `gorm:"type:text;not null" json:"message"`
	CreatedAt    time.Time  `json:"created_at"`
}

// TableName returns the database table name for Issue.
func (Issue) TableName() string {
	return "import_issues"
}

// IDMapEntry maps one external record of a lineage to the entity created for it.
// JobID is the job that created the entity; rollback of that job deletes it
// unless Adopted is set.
type IDMapEntry struct {
	ID           uint       `gorm:"primaryKey;autoIncrement" json:"id"`
	LineageID    string     `gorm:"type:varchar(64);not null;uniqueIndex:idx_idmap_external" json:"lineage_id"`
	ExternalKind RecordKind `gorm:"type:varchar(32);not null;uniqueIndex:idx_idmap_external" json:"external_kind"`
	ExternalID   string     `gorm:"type:varchar(191);not null;uniqueIndex:idx_idmap_external" json:"external_id"`
	JobID        string     `gorm:"type:varchar(64);not null;index" json:"job_id"`
	LastJobID    string     `gorm:"type:varchar(64);index" json:"last_job_id"`
	EntityID     string     `gorm:"type:varchar(64);not null;index" json:"entity_id"`
	EntityType   string     `gorm:"type:varchar(64);not null" json:"entity_type"`
	ExternalKey  string     `gorm:"type:varchar(191);index" json:"external_key,omitempty"`
	SourceURL    string     `gorm:"type:text" json:"source_url,omitempty"`
	TargetURL    string     `gorm:"type:text" json:"target_url,omitempty"`
	StorageKey   string     `gorm:"type:text" json:"storage_key,omitempty"`
	ContentHash  string     `gorm:"type:varchar(64)" json:"content_hash"`
	Adopted      bool       `gorm:"default:false" json:"adopted"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

// TableName returns the database table name for IDMapEntry.
func (IDMapEntry) TableName() string {
	return "import_id_map"
}

// CheckpointOutcome records how a unit of work ended.
type CheckpointOutcome string

const (
	OutcomeCreated   CheckpointOutcome = "created"
	OutcomeUpdated   CheckpointOutcome = "updated"
	OutcomeUnchanged CheckpointOutcome = "unchanged"
	OutcomeSkipped   CheckpointOutcome = "skipped"
	OutcomeFailed    CheckpointOutcome = "failed"
)

// CheckpointEntry marks one external record as done within a phase.
type CheckpointEntry struct {
	ID           uint              `gorm:"primaryKey;autoIncrement"`
	JobID        string            `gorm:"type:varchar(64);not null;uniqueIndex:idx_checkpoint_unit"`
	Phase        Phase             `gorm:"type:varchar(32);not null;uniqueIndex:idx_checkpoint_unit"`
	ExternalKind RecordKind        `gorm:"type:varchar(32);not null;uniqueIndex:idx_checkpoint_unit"`
	ExternalID   string            `gorm:"type:varchar(191);not null;uniqueIndex:idx_checkpoint_unit"`
	Outcome      CheckpointOutcome `gorm:"type:varchar(16);not null"`
	CreatedAt    time.Time
}

// TableName returns the database table name for CheckpointEntry.
func (CheckpointEntry) TableName() string {
	return "import_checkpoints"
}

// PhaseCursor is the high-water resume point of a phase: every record
// before Position is done.
type PhaseCursor struct {
	JobID     string `gorm:"type:varchar(64);primaryKey"`
	Phase     Phase  `gorm:"type:varchar(32);primaryKey"`
	Position  string `gorm:"type:text"`
	Done      bool   `gorm:"default:false"`
	UpdatedAt time.Time
}

// TableName returns the database table name for PhaseCursor.
func (PhaseCursor) TableName() string {
	return "import_cursors"
}

// Redirect is a permanent redirect rule produced by an import.
type Redirect struct {
	ID           uint       `gorm:"primaryKey;autoIncrement" json:"id"`
	JobID        string     `gorm:"type:varchar(64);not null;index" json:"job_id"`
	ExternalKind RecordKind `gorm:"type:varchar(32)" json:"external_kind"`
	ExternalID   string     `gorm:"type:varchar(191)" json:"external_id"`
	EntityID     string     `gorm:"type:varchar(64)" json:"entity_id"`
	FromPath     string     `gorm:"type:varchar(512);not null;uniqueIndex" json:"from_path"`
	ToPath       string     `gorm:"type:varchar(512);not null" json:"to_path"`
	StatusCode   int        `gorm:"default:301" json:"status_code"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

// TableName returns the database table name for Redirect.
func (Redirect) TableName() string {
	return "import_redirects"
}
