package engine

import (
	"errors"
	"fmt"

	"caseline/internal/repo"
)

type NotFoundError struct {
	Entity string
	ID     string
}

func (e NotFoundError) Error() string {
	return fmt.Sprintf("%s %s not found", e.Entity, e.ID)
}

// ValidationError reports a request the current state does not allow.
// Code is stable and machine readable; Field names the offending input.
type ValidationError struct {
	Code   string
	Field  string
	Reason string
}

func (e ValidationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("%s: %s (%s)", e.Code, e.Reason, e.Field)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Reason)
}

const (
	CodeInvalidTransition = "invalid_transition"
	CodeInvalidInput      = "invalid_input"
	CodeCaseClosed        = "case_closed"
	CodeNoWorkflow        = "no_workflow"
	CodeStepOutOfRange    = "step_out_of_range"
	CodeUnknownItem       = "unknown_checklist_item"
	CodeTemplateInactive  = "template_inactive"
	CodeDocumentType      = "document_type_not_required"
	CodeReasonRequired    = "reason_required"
	CodeVersionNotActive  = "version_not_active"
	CodeVersionDeleted    = "version_deleted"
)

func invalidTransition(reason string) ValidationError {
	return ValidationError{Code: CodeInvalidTransition, Field: "status", Reason: reason}
}

// ConflictError reports a write that lost a race with another writer.
type ConflictError struct {
	Reason string
}

func (e ConflictError) Error() string {
	return "conflict: " + e.Reason
}

// DependencyError wraps a storage or collaborator failure.
type DependencyError struct {
	Op  string
	Err error
}

func (e DependencyError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e DependencyError) Unwrap() error {
	return e.Err
}

// storageErr translates repository sentinels into the engine taxonomy.
func storageErr(op, entity, id string, err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, repo.ErrNotFound):
		return NotFoundError{Entity: entity, ID: id}
	case errors.Is(err, repo.ErrConflict):
		return ConflictError{Reason: fmt.Sprintf("%s %s was changed concurrently", entity, id)}
	}
	return DependencyError{Op: op, Err: err}
}
