package model

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

var (
	// ErrNotFound is returned by collaborators when a requested record does not exist.
	ErrNotFound = errors.New("not found")
	// ErrAlreadySubmitted is returned when finalizing a form that was already submitted.
	ErrAlreadySubmitted = errors.New("survey already submitted")
)

// CatalogFetchError is a failed catalog read. The affected step degrades to an error
// banner; other steps keep their state.
type CatalogFetchError struct {
	Op  string
	Err error
}

func (e *CatalogFetchError) Error() string {
	return fmt.Sprintf("catalog %s: %v", e.Op, e.Err)
}

func (e *CatalogFetchError) Unwrap() error { return e.Err }

// IndicatorMatchError is a failed indicator resolution.
type IndicatorMatchError struct {
	Err error
}

func (e *IndicatorMatchError) Error() string {
	return fmt.Sprintf("resolve indicators: %v", e.Err)
}

func (e *IndicatorMatchError) Unwrap() error { return e.Err }

// AttachmentUploadError is a failed evidence upload. It is logged, never fatal.
type AttachmentUploadError struct {
	QuestionIDs []string
	Err         error
}

func (e *AttachmentUploadError) Error() string {
	return fmt.Sprintf("upload attachments for %s: %v", strings.Join(e.QuestionIDs, ","), e.Err)
}

func (e *AttachmentUploadError) Unwrap() error { return e.Err }

// ReconciliationError describes one draft record that was skipped during resume.
type ReconciliationError struct {
	Index  int
	Record DraftRecord
	Reason string
}

func (e *ReconciliationError) Error() string {
	return fmt.Sprintf("draft record %d: %s", e.Index, e.Reason)
}

// IncompleteError lists the steps that blocked a finalize.
type IncompleteError struct {
	Steps []int
}

func (e *IncompleteError) Error() string {
	parts := make([]string, len(e.Steps))
	for i, s := range e.Steps {
		parts[i] = strconv.Itoa(s)
	}
	return "incomplete steps: " + strings.Join(parts, ", ")
}

// First returns the lowest incomplete step.
func (e *IncompleteError) First() int {
	if len(e.Steps) == 0 {
		return 0
	}
	return e.Steps[0]
}
