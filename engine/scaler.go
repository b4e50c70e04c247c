package engine

import "sync"

// Scaler resizes the worker pools of running passes. One Scaler may be
// shared by every job of a batch; a nil *Scaler leaves pools at their
// job's size.
type Scaler struct {
	mu    sync.Mutex
	limit int
	pools map[*WorkerPool]struct{}
}

// NewScaler creates a Scaler with no limit set.
func NewScaler() *Scaler {
	return &Scaler{pools: make(map[*WorkerPool]struct{})}
}

// Limit returns the worker count set by Adjust, or zero if none was set.
func (s *Scaler) Limit() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.limit
}

// Adjust changes the worker count of every running pool by delta and
// returns the new count, never less than one. Passes started afterwards use
// the same count. With no limit set and no pass running it does nothing and
// returns zero.
func (s *Scaler) Adjust(delta int) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := s.limit
	if n == 0 {
		for p := range s.pools {
			n = max(n, p.WorkerCount())
		}
	}
	if n == 0 {
		return 0
	}

	s.limit = max(1, n+delta)
	for p := range s.pools {
		p.SetWorkerCount(s.limit)
	}
	return s.limit
}

// size returns the pool size for a pass that would otherwise use def.
func (s *Scaler) size(def int) int {
	if s == nil {
		return def
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.limit > 0 {
		return s.limit
	}
	return def
}

func (s *Scaler) attach(p *WorkerPool) {
	if s == nil {
		return
	}
	s.mu.Lock()
	s.pools[p] = struct{}{}
	s.mu.Unlock()
}

func (s *Scaler) detach(p *WorkerPool) {
	if s == nil {
		return
	}
	s.mu.Lock()
	delete(s.pools, p)
	s.mu.Unlock()
}
