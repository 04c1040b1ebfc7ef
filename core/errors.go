package core

import (
	"errors"
	"fmt"
	"strings"
)

// ErrorCategory groups engine failures by how callers are expected to react
type ErrorCategory string

const (
	// ErrorCategoryInput covers missing or malformed caller input
	ErrorCategoryInput ErrorCategory = "input"

	// ErrorCategoryPersistence covers key-value store failures
	ErrorCategoryPersistence ErrorCategory = "persistence"

	// ErrorCategoryIntegrity covers stored records that cannot be decoded
	ErrorCategoryIntegrity ErrorCategory = "integrity"

	// ErrorCategoryValidation covers rulesets and transitions that break engine rules
	ErrorCategoryValidation ErrorCategory = "validation"
)

// Sentinel errors returned inside an EngineError
var (
	ErrUnknownIncident   = errors.New("unknown incident")
	ErrInvalidStatus     = errors.New("invalid incident status")
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrEmptyDocumentID   = errors.New("empty document id")
)

// EngineError annotates an error with its category and the operation that
// produced it.
type EngineError struct {
	Category ErrorCategory
	Op       string
	Err      error
}

func (e *EngineError) Error() string {
	return fmt.Sprintf("[%s] %s: %v", e.Category, e.Op, e.Err)
}

func (e *EngineError) Unwrap() error {
	return e.Err
}

// newEngineError creates a new EngineError
func newEngineError(category ErrorCategory, op string, err error) *EngineError {
	return &EngineError{Category: category, Op: op, Err: err}
}

// CategoryOf returns the category of err, or "" when err is not an EngineError.
func CategoryOf(err error) ErrorCategory {
	var engineErr *EngineError
	if errors.As(err, &engineErr) {
		return engineErr.Category
	}
	return ""
}

// ValidationErrors collects every problem found while validating a ruleset.
type ValidationErrors []string

func (v ValidationErrors) Error() string {
	return "validation failed: " + strings.Join(v, "; ")
}
