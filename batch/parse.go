// Package batch reads transfer jobs from a line-oriented stream and runs them
// in parallel.
//
// Each line has the form
//
//	source:dest1:dest2:...
//
// A literal colon inside a path is written as \: and a literal backslash as
// \\. Blank lines and lines starting with # are ignored.
package batch

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/hashicorp/go-multierror"
)

const (
	separator = ':'
	escape    = '\\'
	comment   = "#"
)

// ErrTooFewFields is returned for a line without a destination.
var ErrTooFewFields = errors.New("need a source and at least one destination")

// ErrEmptyField is returned for a line with an empty path between separators.
var ErrEmptyField = errors.New("empty path")

// Job is one parsed batch line.
type Job struct {
	// Line is the 1-based input line the job came from, zero if unknown.
	Line         int
	Source       string
	Destinations []string
}

// LineError reports a malformed input line.
type LineError struct {
	Line int
	Err  error
}

func (e *LineError) Error() string {
	return fmt.Sprintf("line %d: %v", e.Line, e.Err)
}

func (e *LineError) Unwrap() error {
	return e.Err
}

// ParseLine parses one line. It reports false for blank and comment lines.
func ParseLine(line string) (Job, bool, error) {
	line = strings.TrimSpace(line)
	if line == "" || strings.HasPrefix(line, comment) {
		return Job{}, false, nil
	}

	fields := splitEscaped(line)
	if len(fields) < 2 {
		return Job{}, false, ErrTooFewFields
	}
	for i, f := range fields {
		if f == "" {
			return Job{}, false, fmt.Errorf("%w in field %d", ErrEmptyField, i+1)
		}
	}

	return Job{Source: fields[0], Destinations: fields[1:]}, true, nil
}

// FormatLine renders job so that ParseLine returns the same paths.
func FormatLine(job Job) string {
	var b strings.Builder
	b.WriteString(escapeField(job.Source))
	for _, d := range job.Destinations {
		b.WriteByte(separator)
		b.WriteString(escapeField(d))
	}
	return b.String()
}

// Read parses every line of r. All malformed lines are reported together,
// each as a *LineError.
func Read(r io.Reader) ([]Job, error) {
	var (
		jobs   []Job
		result *multierror.Error
	)

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)

	n := 0
	for scanner.Scan() {
		n++
		job, ok, err := ParseLine(scanner.Text())
		if err != nil {
			result = multierror.Append(result, &LineError{Line: n, Err: err})
			continue
		}
		if !ok {
			continue
		}
		job.Line = n
		jobs = append(jobs, job)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read batch input: %w", err)
	}

	if err := result.ErrorOrNil(); err != nil {
		return nil, err
	}
	return jobs, nil
}

func splitEscaped(line string) []string {
	var (
		fields []string
		cur    strings.Builder
	)
	for i := 0; i < len(line); i++ {
		c := line[i]
		switch {
		case c == escape && i+1 < len(line) && (line[i+1] == separator || line[i+1] == escape):
			cur.WriteByte(line[i+1])
			i++
		case c == separator:
			fields = append(fields, cur.String())
			cur.Reset()
		default:
			cur.WriteByte(c)
		}
	}
	return append(fields, cur.String())
}

func escapeField(s string) string {
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		if s[i] == separator || s[i] == escape {
			b.WriteByte(escape)
		}
		b.WriteByte(s[i])
	}
	return b.String()
}
