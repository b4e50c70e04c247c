package engine

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
)

// OverwritePolicy governs whether an existing destination file is rewritten.
type OverwritePolicy int

const (
	// OverwriteNever skips any destination that already exists.
	OverwriteNever OverwritePolicy = iota
	// OverwriteSizeDiffers skips a destination whose size equals the source's.
	OverwriteSizeDiffers
	// OverwriteAlways rewrites unconditionally.
	OverwriteAlways
)

func (p OverwritePolicy) String() string {
	switch p {
	case OverwriteNever:
		return "never"
	case OverwriteSizeDiffers:
		return "size-differs"
	case OverwriteAlways:
		return "always"
	default:
		return fmt.Sprintf("OverwritePolicy(%d)", int(p))
	}
}

// ParseOverwritePolicy accepts "never", "size-differs" (or "size_differs",
// "sizediffers") and "always", case-insensitively.
func ParseOverwritePolicy(s string) (OverwritePolicy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "never":
		return OverwriteNever, nil
	case "size-differs", "size_differs", "sizediffers":
		return OverwriteSizeDiffers, nil
	case "always":
		return OverwriteAlways, nil
	default:
		return 0, fmt.Errorf("unknown overwrite policy %q (want never, size-differs or always)", s)
	}
}

// TransferJob describes copying or moving one source tree to one or more
// destinations. It is immutable for the duration of a run; retry passes work
// on a copy with a forced overwrite policy.
type TransferJob struct {
	Source       string
	Destinations []string

	Move      bool
	Purge     bool
	Overwrite OverwritePolicy

	// BufferSize is the chunk size for copy and verification, in bytes.
	BufferSize uint64

	Verify        bool
	VerifyRetries uint8

	// UseProgress enables durable, resumable per-file progress records.
	UseProgress bool

	// ThreadLimit bounds the worker pool. Zero means one worker per CPU.
	ThreadLimit uint32

	// AbsolutePaths shows absolute paths to observers instead of paths
	// relative to the working directory.
	AbsolutePaths bool
}

// Validate reports input errors that must stop the job before any transfer.
func (j TransferJob) Validate() error {
	if strings.TrimSpace(j.Source) == "" {
		return &InputError{Reason: "no source given"}
	}
	if len(j.Destinations) == 0 {
		return &InputError{Reason: "no destination given"}
	}
	if j.BufferSize == 0 {
		return &InputError{Reason: "buffer size must be greater than zero"}
	}

	src, err := filepath.Abs(j.Source)
	if err != nil {
		return &InputError{Reason: "cannot resolve source " + j.Source, Err: err}
	}
	if _, err := os.Stat(src); err != nil {
		return &InputError{Reason: "cannot read source " + j.Source, Err: err}
	}

	for _, d := range j.Destinations {
		if strings.TrimSpace(d) == "" {
			return &InputError{Reason: "empty destination path"}
		}
		dst, err := filepath.Abs(d)
		if err != nil {
			return &InputError{Reason: "cannot resolve destination " + d, Err: err}
		}
		if dst == src {
			return &InputError{Reason: fmt.Sprintf("source and destination are the same path: %s", src)}
		}
	}

	return nil
}

// normalized returns a copy with absolute, cleaned paths.
func (j TransferJob) normalized() (TransferJob, error) {
	out := j
	src, err := filepath.Abs(j.Source)
	if err != nil {
		return out, err
	}
	out.Source = src

	out.Destinations = make([]string, len(j.Destinations))
	for i, d := range j.Destinations {
		abs, err := filepath.Abs(d)
		if err != nil {
			return out, err
		}
		out.Destinations[i] = abs
	}
	return out, nil
}

// withOverwrite returns a copy of the job using policy p.
func (j TransferJob) withOverwrite(p OverwritePolicy) TransferJob {
	out := j
	out.Destinations = append([]string(nil), j.Destinations...)
	out.Overwrite = p
	return out
}

// Workers returns the worker pool size for the job.
func (j TransferJob) Workers() int {
	if j.ThreadLimit > 0 {
		return int(j.ThreadLimit)
	}
	return runtime.NumCPU()
}

// displayPath renders p for observers and logs.
func (j TransferJob) displayPath(p string) string {
	if j.AbsolutePaths {
		return p
	}
	wd, err := os.Getwd()
	if err != nil {
		return p
	}
	rel, err := filepath.Rel(wd, p)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return p
	}
	return rel
}

// FileRecord is one enumerated source file.
type FileRecord struct {
	// Path is the absolute source path.
	Path string
	// Rel is the path relative to the destination root.
	Rel string
	// Size is the size observed at enumeration.
	Size int64
}

// Outcome is the result of one transfer unit.
type Outcome int

const (
	OutcomeSkipped Outcome = iota
	OutcomeCopied
	OutcomeCopiedAndVerified
	OutcomeFailedVerification
	OutcomeError
)

func (o Outcome) String() string {
	switch o {
	case OutcomeSkipped:
		return "skipped"
	case OutcomeCopied:
		return "copied"
	case OutcomeCopiedAndVerified:
		return "copied+verified"
	case OutcomeFailedVerification:
		return "failed-verification"
	case OutcomeError:
		return "error"
	default:
		return fmt.Sprintf("Outcome(%d)", int(o))
	}
}

// Confirmed reports whether the destination is known to hold a complete copy.
func (o Outcome) Confirmed() bool {
	return o == OutcomeCopied || o == OutcomeCopiedAndVerified
}
