package engine

import (
	"fmt"
	"strings"
)

// InputError represents a job that cannot start: missing or coinciding
// paths, or an unusable option value.
type InputError struct {
	Reason string // Human-readable explanation
	Err    error  // Underlying error, if any
}

func (e *InputError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("invalid job: %s: %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("invalid job: %s", e.Reason)
}

func (e *InputError) Unwrap() error {
	return e.Err
}

// ResumeMismatchError is returned when persisted progress for a file cannot
// be trusted against what is on disk now. It aborts that file only.
type ResumeMismatchError struct {
	Path   string // Destination-relative path of the file
	Reason string
	Err    error
}

func (e *ResumeMismatchError) Error() string {
	return fmt.Sprintf("cannot resume %s: %s", e.Path, e.Reason)
}

func (e *ResumeMismatchError) Unwrap() error {
	return e.Err
}

// RetriesExhaustedError reports source paths that still fail verification
// once the retry budget is spent.
type RetriesExhaustedError struct {
	Destination string
	Retries     uint8
	Paths       []string
}

func (e *RetriesExhaustedError) Error() string {
	return fmt.Sprintf("verification failed for %d file(s) at %s after %d retry round(s): %s",
		len(e.Paths), e.Destination, e.Retries, strings.Join(e.Paths, ", "))
}

// UnitPanicError wraps a panic recovered from a single transfer unit.
type UnitPanicError struct {
	Path  string
	Value any
}

func (e *UnitPanicError) Error() string {
	return fmt.Sprintf("transfer of %s aborted: %v", e.Path, e.Value)
}
