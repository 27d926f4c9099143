// Package errors defines the error taxonomy shared by the matching engine:
// sentinels for classification with errors.Is, an AppError carrying an HTTP
// status, and structured errors for failed builds and malformed queries.
package errors

import (
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"
)

var (
	ErrValidation         = errors.New("invalid query")
	ErrIngestion          = errors.New("unreadable batch")
	ErrStorageUnavailable = errors.New("storage unavailable")
	ErrStaleCandidate     = errors.New("record not found")
	ErrBuildAborted       = errors.New("statistics build aborted")
	ErrBuildInProgress    = errors.New("statistics build already in progress")
	ErrTimeout            = errors.New("operation timed out")
	ErrInternal           = errors.New("internal error")
)

type AppError struct {
	Err        error
	Message    string
	StatusCode int
}

func (e *AppError) Error() string {
	return fmt.Sprintf("%s: %s", e.Err.Error(), e.Message)
}

func (e *AppError) Unwrap() error {
	return e.Err
}

func New(sentinel error, statusCode int, message string) *AppError {
	return &AppError{
		Err:        sentinel,
		Message:    message,
		StatusCode: statusCode,
	}
}

func Newf(sentinel error, statusCode int, format string, args ...any) *AppError {
	return &AppError{
		Err:        sentinel,
		Message:    fmt.Sprintf(format, args...),
		StatusCode: statusCode,
	}
}

// BuildError reports a statistics build that could not be published. It
// carries enough context for the caller to retry the whole build.
type BuildError struct {
	BuildID          string
	BatchIndex       int
	BatchesFailed    int
	BatchesTotal     int
	RecordsProcessed int64
	Err              error
}

func (e *BuildError) Error() string {
	if e.BatchIndex >= 0 {
		return fmt.Sprintf("build %s failed at batch %d (%d/%d batches failed, %d records processed): %v",
			e.BuildID, e.BatchIndex, e.BatchesFailed, e.BatchesTotal, e.RecordsProcessed, e.Err)
	}
	return fmt.Sprintf("build %s failed (%d/%d batches failed, %d records processed): %v",
		e.BuildID, e.BatchesFailed, e.BatchesTotal, e.RecordsProcessed, e.Err)
}

func (e *BuildError) Unwrap() error {
	return e.Err
}

// ValidationError holds per-field query validation failures.
type ValidationError struct {
	Fields map[string]string
}

func (e *ValidationError) Error() string {
	keys := make([]string, 0, len(e.Fields))
	for field := range e.Fields {
		keys = append(keys, field)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, field := range keys {
		parts = append(parts, fmt.Sprintf("%s:%s", field, e.Fields[field]))
	}
	return strings.Join(parts, "; ")
}

func (e *ValidationError) Unwrap() error {
	return ErrValidation
}

// Unavailable marks err as a storage availability failure unless it already
// is one.
func Unavailable(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrStorageUnavailable) {
		return err
	}
	return fmt.Errorf("%s: %w: %v", op, ErrStorageUnavailable, err)
}

func HTTPStatusCode(err error) int {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.StatusCode
	}

	switch {
	case errors.Is(err, ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, ErrStaleCandidate):
		return http.StatusNotFound
	case errors.Is(err, ErrBuildInProgress):
		return http.StatusConflict
	case errors.Is(err, ErrBuildAborted), errors.Is(err, ErrIngestion):
		return http.StatusUnprocessableEntity
	case errors.Is(err, ErrStorageUnavailable), errors.Is(err, ErrTimeout):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
