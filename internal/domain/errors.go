package domain

import (
	"errors"
	"fmt"
)

var (
	ErrJobNotFound          = errors.New("import job not found")
	ErrJobActive            = errors.New("another import is already running for this site")
	ErrConfirmationRequired = errors.New("explicit confirmation required")
	ErrStaleApproval        = errors.New("dry-run does not match current source or config")
	ErrRollbackExpired      = errors.New("rollback window has expired")
	ErrNotResumable         = errors.New("job never started importing and cannot be resumed")
	ErrConfigFrozen         = errors.New("job config is frozen once importing starts")
	ErrInvalidOptions       = errors.New("invalid import options")
	ErrInvalidTransition    = errors.New("invalid job state transition")

	// Taxonomy roots. Typed errors below unwrap to one of these.
	ErrValidation   = errors.New("validation failed")
	ErrNetwork      = errors.New("network failure")
	ErrAuth         = errors.New("source authentication failed")
	ErrConflict     = errors.New("unique key conflict")
	ErrUnresolved   = errors.New("unresolved reference")
	ErrSanitization = errors.New("content could not be sanitized")
	ErrStorage      = errors.New("target storage unavailable")
)

// ErrorClass labels an issue for operators.
type ErrorClass string

const (
	ClassValidation   ErrorClass = "validation"
	ClassNetwork      ErrorClass = "network"
	ClassAuth         ErrorClass = "auth"
	ClassConflict     ErrorClass = "conflict"
	ClassSanitization ErrorClass = "sanitization"
	ClassReference    ErrorClass = "reference"
	ClassStorage      ErrorClass = "storage"
	ClassLink         ErrorClass = "link"
	ClassRedirect     ErrorClass = "redirect"
	ClassMedia        ErrorClass = "media"
	ClassRollback     ErrorClass = "rollback"
)

// ClassOf maps an error to its taxonomy class.
func ClassOf(err error) ErrorClass {
	var rec *RecordError
	if errors.As(err, &rec) && rec.Class != "" {
		return rec.Class
	}
	switch {
	case errors.Is(err, ErrAuth):
		return ClassAuth
	case errors.Is(err, ErrNetwork):
		return ClassNetwork
	case errors.Is(err, ErrConflict):
		return ClassConflict
	case errors.Is(err, ErrUnresolved):
		return ClassReference
	case errors.Is(err, ErrStorage):
		return ClassStorage
	case errors.Is(err, ErrSanitization):
		return ClassSanitization
	}
	return ClassValidation
}

// TransitionError is returned for any state change outside the legal edges.
type TransitionError struct {
	From JobStatus
	To   JobStatus
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("invalid job state transition %s -> %s", e.From, e.To)
}

// Is matches ErrInvalidTransition.
func (e *TransitionError) Is(target error) bool {
	return target == ErrInvalidTransition
}

// RecordError is a failure confined to one source record. It never stops a phase.
type RecordError struct {
	Class      ErrorClass
	Kind       RecordKind
	ExternalID string
	Err        error
}

func (e *RecordError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Kind, e.ExternalID, e.Err)
}

func (e *RecordError) Unwrap() error {
	return e.Err
}

// PhaseError aborts the job into FAILED. Checkpoints written so far stay valid.
type PhaseError struct {
	Phase Phase
	Err   error
}

func (e *PhaseError) Error() string {
	return fmt.Sprintf("phase %s failed: %v", e.Phase, e.Err)
}

func (e *PhaseError) Unwrap() error {
	return e.Err
}
