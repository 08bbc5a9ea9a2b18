package zkwatch

import (
	"sync"
	"testing"
	"time"

	"github.com/go-zookeeper/zk"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type recordingWatcher struct {
	events chan zk.Event
}

func newRecordingWatcher() *recordingWatcher {
	return &recordingWatcher{events: make(chan zk.Event, 128)}
}

func (w *recordingWatcher) Process(ev zk.Event) {
	w.events <- ev
}

func (w *recordingWatcher) waitOne(t *testing.T) zk.Event {
	t.Helper()
	select {
	case ev := <-w.events:
		return ev
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for watch event")
		return zk.Event{}
	}
}

func (w *recordingWatcher) assertNoEvent(t *testing.T) {
	t.Helper()
	select {
	case ev := <-w.events:
		t.Fatalf("unexpected watch event: %+v", ev)
	case <-time.After(100 * time.Millisecond):
	}
}

func newTestDispatcher(t *testing.T, cfg Config) *Dispatcher {
	t.Helper()
	d := NewDispatcher(zap.NewNop(), cfg)
	t.Cleanup(d.Close)
	return d
}

func TestWrapIsIdempotent(t *testing.T) {
	t.Parallel()
	d := newTestDispatcher(t, Config{})

	w := newRecordingWatcher()
	wrapped := d.Wrap(w)
	assert.Same(t, wrapped, d.Wrap(wrapped), "wrapping a wrapper returns it unchanged")
	assert.Same(t, wrapped, d.Wrap(w), "wrapping the same watcher twice returns one wrapper")
}

func TestWrapKeepsExecutorsSeparate(t *testing.T) {
	t.Parallel()
	d := newTestDispatcher(t, Config{})

	w := newRecordingWatcher()
	pooled := d.Wrap(w)
	serial := d.WrapSession(w)
	assert.NotSame(t, pooled, serial, "each executor gets its own wrapper")
	assert.Same(t, pooled, d.Wrap(w))
	assert.Same(t, serial, d.WrapSession(w))

	pooled.Process(zk.Event{Path: "/pooled"})
	assert.Equal(t, "/pooled", w.waitOne(t).Path)
	serial.Process(zk.Event{Path: "/serial"})
	assert.Equal(t, "/serial", w.waitOne(t).Path)
}

func TestEventRunsOffCallerGoroutine(t *testing.T) {
	t.Parallel()
	d := newTestDispatcher(t, Config{})

	w := newRecordingWatcher()
	d.Wrap(w).Process(zk.Event{Type: zk.EventNodeDataChanged, Path: "/a"})
	ev := w.waitOne(t)
	assert.Equal(t, "/a", ev.Path)
}

func TestSessionQueuePreservesOrder(t *testing.T) {
	t.Parallel()
	d := newTestDispatcher(t, Config{})

	var mu sync.Mutex
	var got []string
	done := make(chan struct{})
	w := WatcherFunc(func(ev zk.Event) {
		mu.Lock()
		got = append(got, ev.Path)
		if len(got) == 100 {
			close(done)
		}
		mu.Unlock()
	})

	wrapped := d.WrapSession(w)
	var want []string
	for i := 0; i < 100; i++ {
		path := "/n" + string(rune('a'+i%26)) + string(rune('a'+i/26))
		want = append(want, path)
		wrapped.Process(zk.Event{Type: zk.EventSession, Path: path})
	}

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for session events")
	}
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, want, got)
}

func TestSaturatedPoolRunsOnCaller(t *testing.T) {
	t.Parallel()
	d := newTestDispatcher(t, Config{Workers: 1, QueueSize: 1})

	block := make(chan struct{})
	started := make(chan struct{})
	d.Wrap(WatcherFunc(func(ev zk.Event) {
		close(started)
		<-block
	})).Process(zk.Event{})
	<-started

	// Fill the queue.
	queued := newRecordingWatcher()
	d.Wrap(queued).Process(zk.Event{Path: "/queued"})

	// Saturated: this one must run synchronously on the caller.
	ran := false
	d.Wrap(WatcherFunc(func(ev zk.Event) {
		ran = true
	})).Process(zk.Event{Path: "/overflow"})
	assert.True(t, ran, "overflow event should run on the calling goroutine")

	close(block)
	assert.Equal(t, "/queued", queued.waitOne(t).Path)
}

func TestNoDispatchAfterClose(t *testing.T) {
	t.Parallel()
	d := NewDispatcher(zap.NewNop(), Config{})

	w := newRecordingWatcher()
	wrapped := d.Wrap(w)
	sessionWrapped := d.WrapSession(newRecordingWatcher())

	d.Close()
	d.Close() // idempotent

	wrapped.Process(zk.Event{Path: "/late"})
	sessionWrapped.Process(zk.Event{Type: zk.EventSession})
	w.assertNoEvent(t)
}

func TestArmDeduplicatesSameRegistration(t *testing.T) {
	t.Parallel()
	d := newTestDispatcher(t, Config{})

	w := newRecordingWatcher()
	ch1 := make(chan zk.Event, 1)
	ch2 := make(chan zk.Event, 1)
	d.Arm("/a", w, ch1)
	d.Arm("/a", w, ch2)

	// Both channels fire (as the service would on a single trigger), but the
	// callback runs exactly once.
	ch1 <- zk.Event{Type: zk.EventNodeDataChanged, Path: "/a"}
	ch2 <- zk.Event{Type: zk.EventNodeDataChanged, Path: "/a"}
	ev := w.waitOne(t)
	assert.Equal(t, "/a", ev.Path)
	w.assertNoEvent(t)
}

func TestArmIsOneShotPerRegistration(t *testing.T) {
	t.Parallel()
	d := newTestDispatcher(t, Config{})

	w := newRecordingWatcher()
	ch1 := make(chan zk.Event, 1)
	d.Arm("/a", w, ch1)
	ch1 <- zk.Event{Type: zk.EventNodeCreated, Path: "/a"}
	require.Equal(t, zk.EventNodeCreated, w.waitOne(t).Type)

	// The registration was consumed, re-arming works again.
	ch2 := make(chan zk.Event, 1)
	d.Arm("/a", w, ch2)
	ch2 <- zk.Event{Type: zk.EventNodeDeleted, Path: "/a"}
	assert.Equal(t, zk.EventNodeDeleted, w.waitOne(t).Type)
}
