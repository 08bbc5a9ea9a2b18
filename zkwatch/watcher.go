// Package zkwatch decouples watch-event delivery from the coordination
// service's own event goroutine. User callbacks run on dispatcher-owned
// workers, never on the goroutine that received the event from the service.
package zkwatch

import (
	"github.com/go-zookeeper/zk"
)

// Watcher receives one watch event. The service contract is at-most-once
// delivery per registration; the dispatcher preserves it.
type Watcher interface {
	Process(ev zk.Event)
}

// WatcherFunc adapts a plain function to the Watcher interface.
//
// Func values are not comparable, so a WatcherFunc cannot be deduplicated
// against other registrations of the same function. Implement Watcher on a
// (pointer) type when deduplication matters.
type WatcherFunc func(ev zk.Event)

func (f WatcherFunc) Process(ev zk.Event) {
	f(ev)
}
