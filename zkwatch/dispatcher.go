package zkwatch

import (
	"reflect"
	"sync"
	"sync/atomic"

	"github.com/go-zookeeper/zk"
	"go.uber.org/zap"
)

const (
	DefaultWorkers   = 1
	DefaultQueueSize = 128
)

// Config sets the shared pool dimensions. The dedicated session queue is not
// configurable, it is always a single ordered worker.
type Config struct {
	Workers   int
	QueueSize int
}

// Dispatcher routes watch events to one of two executors: a dedicated serial
// queue reserved for the connection manager's session watch, and a bounded
// shared pool for everything else. Wrapping is idempotent and one wrapper is
// kept per watcher and executor, so re-registering a logically identical
// watch does not multiply bookkeeping in the service's watch table.
type Dispatcher struct {
	logger  *zap.SugaredLogger
	session *serialQueue
	pool    *workerPool
	closed  atomic.Bool

	mu       sync.Mutex
	wrappers map[wrapperKey]*dispatchWatcher
	armed    map[registration]struct{}
}

// wrapperKey identifies one (watcher, executor) pair: the same watcher
// wrapped for both executors gets two independent wrappers.
type wrapperKey struct {
	watcher Watcher
	session bool
}

// registration identifies one armed (path, watcher) pair.
type registration struct {
	path    string
	watcher Watcher
}

func NewDispatcher(logger *zap.Logger, cfg Config) *Dispatcher {
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultWorkers
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultQueueSize
	}
	sugar := logger.Sugar().Named("zk-watch")
	return &Dispatcher{
		logger:   sugar,
		session:  newSerialQueue(),
		pool:     newWorkerPool(sugar, cfg.Workers, cfg.QueueSize),
		wrappers: map[wrapperKey]*dispatchWatcher{},
		armed:    map[registration]struct{}{},
	}
}

// Wrap returns a watcher whose Process runs on the shared pool. Wrapping an
// already wrapped watcher returns it unchanged, and wrapping the same watcher
// twice returns the same wrapper.
func (d *Dispatcher) Wrap(w Watcher) Watcher {
	return d.wrap(w, false)
}

// WrapSession returns a watcher whose Process runs on the dedicated serial
// queue. Reserved for the connection manager: its events are processed
// strictly in arrival order and never behind user callbacks.
func (d *Dispatcher) WrapSession(w Watcher) Watcher {
	return d.wrap(w, true)
}

func (d *Dispatcher) wrap(w Watcher, session bool) Watcher {
	if w == nil {
		return nil
	}
	if dw, ok := w.(*dispatchWatcher); ok {
		return dw
	}
	if !isComparable(w) {
		return &dispatchWatcher{d: d, watcher: w, session: session}
	}
	key := wrapperKey{watcher: w, session: session}
	d.mu.Lock()
	defer d.mu.Unlock()
	dw, ok := d.wrappers[key]
	if !ok {
		dw = &dispatchWatcher{d: d, watcher: w, session: session}
		d.wrappers[key] = dw
	}
	return dw
}

// Arm bridges a one-shot event channel to the watcher. If the same
// (path, watcher) pair is already armed, the channel is left to the service's
// own bookkeeping and the callback will fire exactly once for a trigger.
func (d *Dispatcher) Arm(path string, w Watcher, ch <-chan zk.Event) {
	if w == nil || ch == nil || d.closed.Load() {
		return
	}
	wrapped := d.Wrap(w)
	if isComparable(w) {
		reg := registration{path: path, watcher: w}
		d.mu.Lock()
		if _, dup := d.armed[reg]; dup {
			d.mu.Unlock()
			return
		}
		d.armed[reg] = struct{}{}
		d.mu.Unlock()
		go d.bridge(reg, wrapped, ch)
		return
	}
	go d.bridge(registration{}, wrapped, ch)
}

func (d *Dispatcher) bridge(reg registration, wrapped Watcher, ch <-chan zk.Event) {
	ev, ok := <-ch
	if reg.watcher != nil {
		d.mu.Lock()
		delete(d.armed, reg)
		d.mu.Unlock()
	}
	if !ok {
		return
	}
	wrapped.Process(ev)
}

// Close stops both executors. Queued but undelivered events are discarded and
// later events are silently ignored.
func (d *Dispatcher) Close() {
	if !d.closed.CompareAndSwap(false, true) {
		return
	}
	d.session.close()
	d.pool.close()
}

type dispatchWatcher struct {
	d       *Dispatcher
	watcher Watcher
	session bool
}

func (dw *dispatchWatcher) Process(ev zk.Event) {
	if dw.d.closed.Load() {
		return
	}
	job := func() { dw.watcher.Process(ev) }
	if dw.session {
		dw.d.session.submit(job)
	} else {
		dw.d.pool.submit(job)
	}
}

func isComparable(w Watcher) bool {
	t := reflect.TypeOf(w)
	return t != nil && t.Comparable()
}
