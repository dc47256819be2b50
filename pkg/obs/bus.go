// Package obs is the daemon's observability bus: a buffered-channel
// lifecycle event fan-out (SPEC_FULL §9/§11 "Observability hook") plus a
// small set of otel/metric instruments. No exporter is wired by default —
// external telemetry backends are a Non-goal of the distilled spec — but
// the instrument API is exercised throughout so a caller can attach one.
package obs

import (
	"sync"

	"github.com/orneryd/nornicmem/pkg/ipc"
)

// DefaultSubscriberBuffer is how many events a slow subscriber can lag
// behind before new events are dropped for it rather than blocking Publish.
const DefaultSubscriberBuffer = 64

// Bus fans LifecycleEvents out to every current subscriber. It satisfies
// ipc.EventSink, so an *ipc.Server built with Config.Events: bus routes its
// start/stop/client_connect/... events here without pkg/ipc importing this
// package.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[int]chan ipc.LifecycleEvent
	nextID      int
}

// NewBus creates an empty event bus.
func NewBus() *Bus {
	return &Bus{subscribers: make(map[int]chan ipc.LifecycleEvent)}
}

// Publish fans event out to every subscriber. A subscriber whose buffer is
// full has the event dropped for it rather than blocking the publisher —
// lifecycle events are a best-effort observability stream, not a durable
// log.
func (b *Bus) Publish(event ipc.LifecycleEvent) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subscribers {
		select {
		case ch <- event:
		default:
		}
	}
}

// Subscribe registers a new subscriber with the given buffer size (falls
// back to DefaultSubscriberBuffer if <= 0) and returns its event channel
// plus an unsubscribe function. Unsubscribe closes the channel; it is safe
// to call more than once.
func (b *Bus) Subscribe(buffer int) (<-chan ipc.LifecycleEvent, func()) {
	if buffer <= 0 {
		buffer = DefaultSubscriberBuffer
	}
	ch := make(chan ipc.LifecycleEvent, buffer)

	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.subscribers[id] = ch
	b.mu.Unlock()

	var once sync.Once
	unsubscribe := func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subscribers, id)
			b.mu.Unlock()
			close(ch)
		})
	}
	return ch, unsubscribe
}

// SubscriberCount reports how many subscribers are currently registered.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}
