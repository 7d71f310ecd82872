package engine

import (
	"errors"
	"fmt"
	"strings"

	"siteflow/internal/repo"
)

var (
	ErrAlreadyPublished    = errors.New("version already published")
	ErrCyclicDependency    = errors.New("cyclic dependency")
	ErrUnknownDependency   = errors.New("step depends on unknown step")
	ErrEmptyVersion        = errors.New("version has no steps")
	ErrVersionNotPublished = errors.New("version not published")
	ErrTemplateInUse       = errors.New("template has versions")
	ErrTemplateArchived    = errors.New("template archived")
	ErrDuplicateKey        = errors.New("key already exists")

	ErrInvalidTransition = errors.New("invalid transition")
	ErrInstanceClosed    = errors.New("instance closed")

	ErrApprovalRequired = errors.New("approval required")
	ErrNotApprovalStep  = errors.New("step is not an approval step")
	ErrDuplicateRequest = errors.New("approval already pending")
	ErrAlreadyDecided   = errors.New("approval already decided")
	ErrInvalidDecision  = errors.New("decision must be approved or rejected")

	ErrUnknownField         = errors.New("unknown field")
	ErrTypeMismatch         = errors.New("type mismatch")
	ErrValidationFailed     = errors.New("validation failed")
	ErrMissingRequiredField = errors.New("missing required field")

	ErrInvalidInput = errors.New("invalid input")

	ErrNotFound          = repo.ErrNotFound
	ErrCrossTenantAccess = repo.ErrCrossTenantAccess
)

// CyclicDependencyError names the step keys that form a cycle, first key
// repeated at the end.
type CyclicDependencyError struct {
	Cycle []string
}

func (e *CyclicDependencyError) Error() string {
	return fmt.Sprintf("cyclic dependency: %s", strings.Join(e.Cycle, " -> "))
}

func (e *CyclicDependencyError) Unwrap() error { return ErrCyclicDependency }

// FieldError carries the offending field key. Err is one of the field
// sentinels.
type FieldError struct {
	Field  string
	Reason string
	Err    error
}

func (e *FieldError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("%v: %s", e.Err, e.Field)
	}
	return fmt.Sprintf("%v: %s: %s", e.Err, e.Field, e.Reason)
}

func (e *FieldError) Unwrap() error { return e.Err }

// MissingFieldsError lists every required field still empty at completion.
type MissingFieldsError struct {
	Fields []string
}

func (e *MissingFieldsError) Error() string {
	return fmt.Sprintf("%v: %s", ErrMissingRequiredField, strings.Join(e.Fields, ", "))
}

func (e *MissingFieldsError) Unwrap() error { return ErrMissingRequiredField }

type TransitionError struct {
	From string
	To   string
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("invalid transition %s -> %s", e.From, e.To)
}

func (e *TransitionError) Unwrap() error { return ErrInvalidTransition }

func invalidInput(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidInput, fmt.Sprintf(format, args...))
}

// assertf guards invariants the storage layer should make impossible.
func assertf(ok bool, format string, args ...any) {
	if !ok {
		panic(fmt.Sprintf("siteflow invariant: "+format, args...))
	}
}
