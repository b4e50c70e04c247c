package engine

import (
	"context"
	"errors"
	"sync"
)

// ErrPoolClosed is returned by Submit after Close.
var ErrPoolClosed = errors.New("worker pool is closed")

// FileHandler processes one enumerated file.
type FileHandler func(context.Context, FileRecord)

// WorkerPool runs a set of workers draining a shared queue of files.
// One pool serves one destination pass.
type WorkerPool struct {
	queue   chan FileRecord
	handler FileHandler

	ctx    context.Context
	cancel context.CancelFunc

	mu          sync.Mutex
	workers     map[int]chan struct{}
	workerCount int
	nextID      int
	closed      bool
	wg          sync.WaitGroup
}

// NewWorkerPool creates a pool with size workers already running.
func NewWorkerPool(ctx context.Context, size int, handler FileHandler) *WorkerPool {
	if size < 1 {
		size = 1
	}
	ctx, cancel := context.WithCancel(ctx)
	p := &WorkerPool{
		queue:   make(chan FileRecord, size),
		handler: handler,
		ctx:     ctx,
		cancel:  cancel,
		workers: make(map[int]chan struct{}),
	}
	p.SetWorkerCount(size)
	return p
}

// SetWorkerCount scales the number of workers up or down. A removed
// worker finishes its current file first. It has no effect once the pool
// is closed or stopped.
func (p *WorkerPool) SetWorkerCount(count int) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return
	}
	for p.workerCount < count {
		p.addWorker()
	}
	for p.workerCount > count && p.workerCount > 1 {
		p.removeWorker()
	}
}

// WorkerCount returns the current number of workers.
func (p *WorkerPool) WorkerCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.workerCount
}

func (p *WorkerPool) addWorker() {
	quit := make(chan struct{})
	id := p.nextID
	p.nextID++
	p.workers[id] = quit
	p.workerCount++
	p.wg.Add(1)

	go func() {
		defer p.wg.Done()
		for {
			select {
			case <-quit:
				return
			case <-p.ctx.Done():
				return
			default:
			}

			select {
			case <-quit:
				return
			case <-p.ctx.Done():
				return
			case rec, ok := <-p.queue:
				if !ok {
					return
				}
				p.handler(p.ctx, rec)
			}
		}
	}()
}

func (p *WorkerPool) removeWorker() {
	for id, quit := range p.workers {
		close(quit)
		delete(p.workers, id)
		p.workerCount--
		return
	}
}

// Submit queues rec, blocking while every worker is busy.
func (p *WorkerPool) Submit(ctx context.Context, rec FileRecord) error {
	p.mu.Lock()
	closed := p.closed
	p.mu.Unlock()
	if closed {
		return ErrPoolClosed
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-p.ctx.Done():
		return p.ctx.Err()
	case p.queue <- rec:
		return nil
	}
}

// Close stops accepting files and waits until every queued file has been
// handled. Submit must not be called concurrently with Close.
func (p *WorkerPool) Close() {
	p.mu.Lock()
	if !p.closed {
		p.closed = true
		close(p.queue)
	}
	p.mu.Unlock()

	p.wg.Wait()
	p.cancel()
}

// Stop cancels in-flight files, drops queued ones and waits for the workers
// to exit.
func (p *WorkerPool) Stop() {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()

	p.cancel()
	p.wg.Wait()
}
