package engine_test

import (
	"context"
	"math/rand"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/franksops/pcp/engine"
	"github.com/franksops/pcp/provider"
	"github.com/franksops/pcp/store"
)

func randomBytes(t *testing.T, n int) []byte {
	t.Helper()
	b := make([]byte, n)
	r := rand.New(rand.NewSource(int64(n)))
	_, err := r.Read(b)
	require.NoError(t, err)
	return b
}

func writeFile(t *testing.T, path string, data []byte) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
	require.NoError(t, os.WriteFile(path, data, 0644))
}

func readFile(t *testing.T, path string) []byte {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	return data
}

// corruptingProvider flips the first byte of every chunk written to a
// destination. Each path is corrupted for its first failures opens, then
// written faithfully. A negative failures corrupts forever.
type corruptingProvider struct {
	provider.Provider

	failures int

	mu    sync.Mutex
	opens map[string]int
}

func newCorruptingProvider(failures int) *corruptingProvider {
	return &corruptingProvider{
		Provider: provider.NewLocalProvider(""),
		failures: failures,
		opens:    make(map[string]int),
	}
}

func (p *corruptingProvider) OpenReadWrite(ctx context.Context, path string) (provider.File, error) {
	f, err := p.Provider.OpenReadWrite(ctx, path)
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	n := p.opens[path]
	p.opens[path] = n + 1
	p.mu.Unlock()

	if p.failures >= 0 && n >= p.failures {
		return f, nil
	}
	return &corruptFile{File: f}, nil
}

type corruptFile struct {
	provider.File
}

func (f *corruptFile) Write(p []byte) (int, error) {
	if len(p) == 0 {
		return f.File.Write(p)
	}
	bad := append([]byte(nil), p...)
	bad[0] ^= 0xFF
	return f.File.Write(bad)
}

// failingProvider refuses to open the listed destination paths.
type failingProvider struct {
	provider.Provider
	fail map[string]bool
}

func (p *failingProvider) OpenReadWrite(ctx context.Context, path string) (provider.File, error) {
	if p.fail[path] {
		return nil, os.ErrPermission
	}
	return p.Provider.OpenReadWrite(ctx, path)
}

type startEvent struct {
	Destination string
	Offset      int64
	Total       int64
}

// recordingObserver keeps what the engine reported.
type recordingObserver struct {
	mu       sync.Mutex
	passes   int
	started  []startEvent
	finished map[string]engine.Outcome
}

func newRecordingObserver() *recordingObserver {
	return &recordingObserver{finished: make(map[string]engine.Outcome)}
}

func (o *recordingObserver) PassStarted(string, int, int64) {
	o.mu.Lock()
	o.passes++
	o.mu.Unlock()
}

func (o *recordingObserver) FileStarted(_, destination string, offset, total int64) {
	o.mu.Lock()
	o.started = append(o.started, startEvent{Destination: destination, Offset: offset, Total: total})
	o.mu.Unlock()
}

func (o *recordingObserver) FileProgress(string, int64, int64) {}

func (o *recordingObserver) FileFinished(destination string, outcome engine.Outcome) {
	o.mu.Lock()
	o.finished[destination] = outcome
	o.mu.Unlock()
}

// scalingObserver grows the worker pool by one when the first file starts.
type scalingObserver struct {
	*recordingObserver
	scaler *engine.Scaler
	once   sync.Once
	got    int
}

func (o *scalingObserver) FileStarted(source, destination string, offset, total int64) {
	o.once.Do(func() { o.got = o.scaler.Adjust(1) })
	o.recordingObserver.FileStarted(source, destination, offset, total)
}

// memJournal is an in-memory store.Journal.
type memJournal struct {
	mu      sync.Mutex
	entries map[string]*store.Entry
}

func newMemJournal() *memJournal {
	return &memJournal{entries: make(map[string]*store.Entry)}
}

func (j *memJournal) SaveEntry(e *store.Entry) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	cp := *e
	j.entries[e.Destination] = &cp
	return nil
}

func (j *memJournal) entry(destination string) (*store.Entry, bool) {
	j.mu.Lock()
	defer j.mu.Unlock()
	e, ok := j.entries[destination]
	return e, ok
}

func (j *memJournal) Close() error { return nil }
