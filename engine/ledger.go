package engine

import (
	"sort"
	"sync"
)

// RetryLedger collects the source paths whose verification failed during a
// pass. Workers add to it concurrently; the orchestrator reads it after the
// pass has joined.
type RetryLedger struct {
	mu    sync.Mutex
	paths map[string]struct{}
}

// NewRetryLedger returns an empty ledger.
func NewRetryLedger() *RetryLedger {
	return &RetryLedger{paths: make(map[string]struct{})}
}

// Add records a failed source path.
func (l *RetryLedger) Add(path string) {
	l.mu.Lock()
	l.paths[path] = struct{}{}
	l.mu.Unlock()
}

// Contains reports whether path failed.
func (l *RetryLedger) Contains(path string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.paths[path]
	return ok
}

// Len returns the number of failed paths.
func (l *RetryLedger) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.paths)
}

// Paths returns the failed paths in sorted order.
func (l *RetryLedger) Paths() []string {
	l.mu.Lock()
	out := make([]string, 0, len(l.paths))
	for p := range l.paths {
		out = append(out, p)
	}
	l.mu.Unlock()

	sort.Strings(out)
	return out
}

// Reset empties the ledger.
func (l *RetryLedger) Reset() {
	l.mu.Lock()
	l.paths = make(map[string]struct{})
	l.mu.Unlock()
}
