package logger

// Fields is an alias for map[string]interface{} for convenience.
type Fields map[string]interface{}

// Tracing fields, propagated through the call chain via context.
const (
	FieldRequestID  = "request_id"
	FieldJobID      = "job_id"
	FieldPhase      = "phase"
	FieldComponent  = "component"
	FieldSourceKind = "source_kind"
	FieldExternalID = "external_id"
	FieldSite       = "site"
)

// Metric fields, attached per line through Entry.
const (
	FieldDurationMs = "duration_ms"
	FieldCount      = "count"
	FieldSize       = "size"
	FieldStatus     = "status"
	FieldOutcome    = "outcome"
)
