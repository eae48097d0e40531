// Package events is the daemon's operational event stream. Coordinators,
// the MQTT publisher, health watchers, and config entry setup publish to
// a [Bus]; the status API relays it to WebSocket clients.
//
// Publish on a nil *Bus is a no-op, so components take an optional bus
// without guard checks.
package events

import (
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nugget/invoxia-ha/internal/metrics"
)

// Source constants identify which component published an event.
const (
	// SourceCoordinator identifies events from a tracker coordinator.
	SourceCoordinator = "coordinator"
	// SourceMQTT identifies events from the MQTT publisher.
	SourceMQTT = "mqtt"
	// SourceSetup identifies events from config entry setup and unload.
	SourceSetup = "setup"
	// SourceConnwatch identifies health transitions of watched services.
	SourceConnwatch = "connwatch"
)

// Kind constants describe the type of event within a source.
const (
	// KindRefreshComplete signals a successful refresh cycle.
	// Data: tracker_id, latitude, longitude, accuracy, battery,
	// duration_ms.
	KindRefreshComplete = "refresh_complete"
	// KindRefreshFailed signals a failed refresh cycle.
	// Data: tracker_id, error, duration_ms.
	KindRefreshFailed = "refresh_failed"

	// KindEntityPublished signals discovery config was published for
	// a tracker entity. Data: unique_id, topic.
	KindEntityPublished = "entity_published"
	// KindEntityRemoved signals a tracker stopped being mirrored, either
	// by unload or stale discovery cleanup. Data: unique_id, topic.
	KindEntityRemoved = "entity_removed"

	// KindSetupComplete signals a config entry finished setup.
	// Data: entry_id, trackers, available.
	KindSetupComplete = "setup_complete"
	// KindUnloaded signals a config entry was unloaded.
	// Data: entry_id.
	KindUnloaded = "unloaded"

	// KindServiceReady signals a watched service became reachable.
	// Data: service.
	KindServiceReady = "service_ready"
	// KindServiceDown signals a watched service became unreachable.
	// Data: service, error.
	KindServiceDown = "service_down"
)

// Event is one operational event. It is streamed as JSON as-is.
type Event struct {
	Timestamp time.Time      `json:"ts"`
	Source    string         `json:"source"`
	Kind      string         `json:"kind"`
	Data      map[string]any `json:"data,omitempty"`
}

// subscription is one subscriber's channel and source filter. An empty
// filter accepts every source.
type subscription struct {
	ch      chan Event
	sources []string
}

func (s subscription) wants(source string) bool {
	return len(s.sources) == 0 || slices.Contains(s.sources, source)
}

// Bus broadcasts events to subscribers without blocking publishers. A
// subscriber whose buffer is full misses the event; the miss is counted
// in [Bus.Dropped] and the events_dropped_total metric.
type Bus struct {
	mu   sync.RWMutex
	subs map[<-chan Event]subscription

	dropped atomic.Uint64
}

// New creates an empty bus.
func New() *Bus {
	return &Bus{subs: make(map[<-chan Event]subscription)}
}

// Publish delivers e to every subscriber whose filter accepts e.Source.
// A zero Timestamp is set to now.
func (b *Bus) Publish(e Event) {
	if b == nil {
		return
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, sub := range b.subs {
		if !sub.wants(e.Source) {
			continue
		}
		select {
		case sub.ch <- e:
		default:
			b.dropped.Add(1)
			metrics.EventsDropped.Inc()
		}
	}
}

// Subscribe returns a channel of published events from the given
// sources, or from every source when none are given. The caller must
// Unsubscribe when done. The WebSocket stream uses a buffer of 64.
func (b *Bus) Subscribe(bufSize int, sources ...string) <-chan Event {
	ch := make(chan Event, bufSize)
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[ch] = subscription{ch: ch, sources: slices.Clone(sources)}
	return ch
}

// Unsubscribe removes a subscription and closes its channel. Calling it
// again for the same channel is a no-op.
func (b *Bus) Unsubscribe(ch <-chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	sub, ok := b.subs[ch]
	if !ok {
		return
	}
	delete(b.subs, ch)
	close(sub.ch)
}

// SubscriberCount returns the number of active subscribers.
func (b *Bus) SubscriberCount() int {
	if b == nil {
		return 0
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Dropped returns how many deliveries were skipped because a
// subscriber's buffer was full.
func (b *Bus) Dropped() uint64 {
	if b == nil {
		return 0
	}
	return b.dropped.Load()
}
