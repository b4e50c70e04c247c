package ui

import (
	"sort"
	"sync"
	"time"

	"github.com/franksops/pcp/engine"
)

var _ engine.Observer = (*Board)(nil)

type stream struct {
	source      string
	destination string
	offset      int64
	current     int64
	total       int64
	started     time.Time
}

// Board aggregates engine notifications into UIState snapshots. It is safe
// for concurrent use by every worker of a pass.
type Board struct {
	mu  sync.Mutex
	now func() time.Time

	maxWorkers  int
	started     time.Time
	destination string
	passes      int

	totalFiles     int64
	totalBytes     int64
	completedFiles int64
	completedBytes int64
	failedFiles    int64
	// transferred excludes bytes confirmed by earlier runs.
	transferred int64

	streams map[string]*stream
	done    bool
}

// NewBoard creates an empty board for a pool of maxWorkers.
func NewBoard(maxWorkers int) *Board {
	return &Board{
		now:        time.Now,
		maxWorkers: maxWorkers,
		streams:    make(map[string]*stream),
	}
}

func (b *Board) PassStarted(destination string, files int, bytes int64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.started.IsZero() {
		b.started = b.now()
	}
	b.destination = destination
	b.passes++
	b.totalFiles += int64(files)
	b.totalBytes += bytes
}

func (b *Board) FileStarted(source, destination string, offset, total int64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.streams[destination] = &stream{
		source:      source,
		destination: destination,
		offset:      offset,
		current:     offset,
		total:       total,
		started:     b.now(),
	}
	b.completedBytes += offset
}

func (b *Board) FileProgress(destination string, current, _ int64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	s, ok := b.streams[destination]
	if !ok || current < s.current {
		return
	}
	delta := current - s.current
	s.current = current
	b.completedBytes += delta
	b.transferred += delta
}

func (b *Board) FileFinished(destination string, outcome engine.Outcome) {
	b.mu.Lock()
	defer b.mu.Unlock()

	delete(b.streams, destination)
	b.completedFiles++
	if outcome == engine.OutcomeError || outcome == engine.OutcomeFailedVerification {
		b.failedFiles++
	}
}

// SetMaxWorkers records a new pool size after the user rescaled it.
func (b *Board) SetMaxWorkers(n int) {
	b.mu.Lock()
	b.maxWorkers = n
	b.mu.Unlock()
}

// MarkDone flags the run as finished.
func (b *Board) MarkDone() {
	b.mu.Lock()
	b.done = true
	b.mu.Unlock()
}

// Snapshot returns a copy of the current state.
func (b *Board) Snapshot() *UIState {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	state := &UIState{
		Destination:    b.destination,
		Passes:         b.passes,
		TotalFiles:     b.totalFiles,
		TotalBytes:     b.totalBytes,
		CompletedFiles: b.completedFiles,
		CompletedBytes: b.completedBytes,
		FailedFiles:    b.failedFiles,
		ActiveWorkers:  len(b.streams),
		MaxWorkers:     b.maxWorkers,
		IsRunning:      !b.done && !b.started.IsZero(),
		Done:           b.done,
	}
	if ms := now.Sub(b.started).Milliseconds(); !b.started.IsZero() && ms > 0 {
		state.ThroughputBPms = float64(b.transferred) / float64(ms)
	}

	for _, s := range b.streams {
		as := &ActiveStream{Source: s.source, FilePath: s.destination, Resumed: s.offset > 0}
		if s.total > 0 {
			as.Progress = float64(s.current) / float64(s.total)
		} else {
			as.Progress = 1
		}
		if secs := now.Sub(s.started).Seconds(); secs > 0 {
			as.BytesSec = float64(s.current-s.offset) / secs
		}
		state.ActiveStreams = append(state.ActiveStreams, as)
	}
	sort.Slice(state.ActiveStreams, func(i, j int) bool {
		return state.ActiveStreams[i].FilePath < state.ActiveStreams[j].FilePath
	})

	return state
}
