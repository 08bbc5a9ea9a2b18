package zkwatch

import (
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
)

// serialQueue runs jobs one at a time, in submission order, on a single
// worker goroutine. The queue is unbounded: connection-state events must
// never be blocked behind or interleaved with user callbacks.
type serialQueue struct {
	mu     sync.Mutex
	cond   *sync.Cond
	jobs   []func()
	closed bool
	done   chan struct{}
}

func newSerialQueue() *serialQueue {
	q := &serialQueue{done: make(chan struct{})}
	q.cond = sync.NewCond(&q.mu)
	go q.run()
	return q
}

func (q *serialQueue) run() {
	defer close(q.done)
	for {
		q.mu.Lock()
		for len(q.jobs) == 0 && !q.closed {
			q.cond.Wait()
		}
		if q.closed {
			q.jobs = nil
			q.mu.Unlock()
			return
		}
		job := q.jobs[0]
		q.jobs = q.jobs[1:]
		q.mu.Unlock()
		job()
	}
}

func (q *serialQueue) submit(job func()) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.jobs = append(q.jobs, job)
	q.mu.Unlock()
	q.cond.Signal()
}

// close discards queued jobs and stops the worker. It does not wait for a
// job already running.
func (q *serialQueue) close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.cond.Broadcast()
}

// workerPool runs jobs on a small fixed set of workers fed from a bounded
// queue. When the queue is saturated the job runs synchronously on the
// submitting goroutine instead of being dropped.
type workerPool struct {
	logger *zap.SugaredLogger
	jobs   chan func()
	stop   chan struct{}
	closed atomic.Bool
	wg     sync.WaitGroup
}

func newWorkerPool(logger *zap.SugaredLogger, workers, queueSize int) *workerPool {
	p := &workerPool{
		logger: logger,
		jobs:   make(chan func(), queueSize),
		stop:   make(chan struct{}),
	}
	for i := 0; i < workers; i++ {
		p.wg.Add(1)
		go p.run()
	}
	return p
}

func (p *workerPool) run() {
	defer p.wg.Done()
	for {
		select {
		case <-p.stop:
			return
		case job := <-p.jobs:
			if p.closed.Load() {
				continue
			}
			job()
		}
	}
}

func (p *workerPool) submit(job func()) {
	if p.closed.Load() {
		return
	}
	select {
	case p.jobs <- job:
	default:
		// Queue saturated, run on the caller rather than drop the event.
		p.logger.Warnf("watch queue is full, running callback on the caller")
		job()
	}
}

func (p *workerPool) close() {
	if p.closed.CompareAndSwap(false, true) {
		close(p.stop)
	}
}
