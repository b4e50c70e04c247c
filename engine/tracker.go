package engine

import (
	"fmt"
	"io"

	"github.com/franksops/pcp/store"
)

// ProgressTracker is the durable progress bookkeeping a transfer unit needs.
// *store.ProgressStore implements it.
type ProgressTracker interface {
	Enabled() bool
	Lookup(rel string) (*store.Progress, error)
	BeginProgress(rel string, total int64) (*store.Progress, error)
	AdvanceProgress(rel string, current int64) error
	FinishProgress(rel string) error
	RecordCompleted(rel string) error
}

var _ ProgressTracker = (*store.ProgressStore)(nil)

// syncWriter is a writer whose written data can be flushed to stable storage.
type syncWriter interface {
	io.Writer
	Sync() error
}

// TrackedWriter wraps a destination file. After every chunk it flushes the
// data, then durably records the new cumulative offset, then notifies
// onAdvance. A crash therefore never leaves a record claiming more bytes
// than the destination holds.
type TrackedWriter struct {
	dst      syncWriter
	progress ProgressTracker
	rel      string

	written   int64
	onAdvance func(written int64)
}

// NewTrackedWriter creates a TrackedWriter for rel starting at startBytes.
func NewTrackedWriter(dst syncWriter, progress ProgressTracker, rel string, startBytes int64, onAdvance func(int64)) *TrackedWriter {
	return &TrackedWriter{
		dst:       dst,
		progress:  progress,
		rel:       rel,
		written:   startBytes,
		onAdvance: onAdvance,
	}
}

// Write implements io.Writer and checkpoints progress.
func (tw *TrackedWriter) Write(p []byte) (int, error) {
	n, err := tw.dst.Write(p)
	if n > 0 {
		tw.written += int64(n)
	}
	if err != nil {
		return n, err
	}

	if tw.progress.Enabled() {
		if err := tw.dst.Sync(); err != nil {
			return n, fmt.Errorf("failed to sync destination: %w", err)
		}
		if err := tw.progress.AdvanceProgress(tw.rel, tw.written); err != nil {
			return n, err
		}
	}

	if tw.onAdvance != nil {
		tw.onAdvance(tw.written)
	}
	return n, nil
}

// BytesWritten returns the cumulative offset including the starting offset.
func (tw *TrackedWriter) BytesWritten() int64 {
	return tw.written
}
