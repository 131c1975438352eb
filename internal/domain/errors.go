package domain

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrJobNotFound is returned when a job cannot be found in the store
	ErrJobNotFound = errors.New("job not found")

	// ErrInvalidStateTransition is returned when an update would move a job backwards
	// or out of a terminal status
	ErrInvalidStateTransition = errors.New("invalid state transition")

	// ErrAlreadyProcessing is returned when processing is requested for a job that is already running
	ErrAlreadyProcessing = errors.New("job is already processing")

	// ErrInvalidUpdate is returned when an update breaks a field-level invariant
	// (progress regression, set-once timestamps, stats/error exclusivity)
	ErrInvalidUpdate = errors.New("invalid job update")

	// ErrUploadMissing is returned when a job's uploaded PDF is no longer on disk
	ErrUploadMissing = errors.New("uploaded file not found")

	// ErrShuttingDown is returned when a run is requested after shutdown has begun
	ErrShuttingDown = errors.New("pipeline is shutting down")
)

// UploadError rejects an upload before any job is created
type UploadError struct {
	Reason string
}

func (e *UploadError) Error() string {
	return "upload rejected: " + e.Reason
}

// NewUploadError creates a new upload error
func NewUploadError(format string, args ...any) error {
	return &UploadError{Reason: fmt.Sprintf(format, args...)}
}

// ToolExecutionError is returned when the layout-OCR tool exits unsuccessfully
type ToolExecutionError struct {
	ExitCode int
	Stderr   string
	Err      error
}

func (e *ToolExecutionError) Error() string {
	msg := fmt.Sprintf("ocr tool failed with exit code %d", e.ExitCode)
	if e.Stderr != "" {
		msg += ": " + e.Stderr
	}
	return msg
}

func (e *ToolExecutionError) Unwrap() error {
	return e.Err
}

// TimeoutError is returned when the layout-OCR tool exceeds its wall-clock budget
type TimeoutError struct {
	Timeout time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("ocr tool timed out after %s", e.Timeout)
}

// NormalizationError is returned when raw tool output cannot be mapped to the canonical layout
type NormalizationError struct {
	Dir string
	Err error
}

func (e *NormalizationError) Error() string {
	return fmt.Sprintf("failed to normalize output in %s: %v", e.Dir, e.Err)
}

func (e *NormalizationError) Unwrap() error {
	return e.Err
}

// ExtractionError is returned when the fallback extractor cannot read a PDF
type ExtractionError struct {
	Path string
	Err  error
}

func (e *ExtractionError) Error() string {
	return fmt.Sprintf("failed to extract text from %s: %v", e.Path, e.Err)
}

func (e *ExtractionError) Unwrap() error {
	return e.Err
}

// IsRecoverableToolError reports whether err should trigger the next attempt in the retry policy
func IsRecoverableToolError(err error) bool {
	var toolErr *ToolExecutionError
	var timeoutErr *TimeoutError
	return errors.As(err, &toolErr) || errors.As(err, &timeoutErr)
}
