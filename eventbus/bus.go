// Package eventbus implements the per-batch progress fan-out of
// spec.md section 4.9: a bounded ring buffer per subscriber so a slow
// WebSocket reader cannot stall the engine, with a lag event marking
// dropped history the subscriber should resync past via GET /batch/{id}.
package eventbus

import (
	"sync"
	"sync/atomic"

	"github.com/PlatformNetwork/term-executor/log"
)

var logger = log.NewModuleLogger(log.ModuleEventBus)

// Kind enumerates the WsEvent kinds of spec.md section 4.9.
type Kind string

const (
	KindSnapshot     Kind = "snapshot"
	KindTaskStarted  Kind = "task_started"
	KindTaskProgress Kind = "task_progress"
	KindTaskComplete Kind = "task_complete"
	KindBatchComplete Kind = "batch_complete"
	KindLag          Kind = "lag"
)

// Event is a single WsEvent, per spec.md section 3.
type Event struct {
	Kind    Kind        `json:"event"`
	BatchID string      `json:"batch_id"`
	TaskID  string      `json:"task_id,omitempty"`
	Data    interface{} `json:"data,omitempty"`
}

// subscriberBuffer is the default ring-buffer capacity per subscriber.
const subscriberBuffer = 64

type subscriber struct {
	id     uint64
	ch     chan Event
	lagged int32
}

type topic struct {
	mu     sync.Mutex
	nextID uint64
	subs   map[uint64]*subscriber
}

// Bus fans batch progress events out to per-batch subscriber sets.
type Bus struct {
	mu     sync.Mutex
	topics map[string]*topic
}

// New builds an empty Bus.
func New() *Bus {
	return &Bus{topics: make(map[string]*topic)}
}

func (b *Bus) topicFor(batchID string) *topic {
	b.mu.Lock()
	defer b.mu.Unlock()
	t, ok := b.topics[batchID]
	if !ok {
		t = &topic{subs: make(map[uint64]*subscriber)}
		b.topics[batchID] = t
	}
	return t
}

// Subscription is a live handle returned by Subscribe.
type Subscription struct {
	Events <-chan Event
	cancel func()
}

// Close unsubscribes and releases the subscriber's buffer.
func (s *Subscription) Close() { s.cancel() }

// Subscribe registers a new subscriber for batchID's events.
func (b *Bus) Subscribe(batchID string) *Subscription {
	t := b.topicFor(batchID)

	t.mu.Lock()
	id := t.nextID
	t.nextID++
	sub := &subscriber{id: id, ch: make(chan Event, subscriberBuffer)}
	t.subs[id] = sub
	t.mu.Unlock()

	cancel := func() {
		t.mu.Lock()
		delete(t.subs, id)
		t.mu.Unlock()
	}
	return &Subscription{Events: sub.ch, cancel: cancel}
}

// Publish broadcasts event to every subscriber of event.BatchID. A
// subscriber whose buffer is full has its oldest event dropped to make
// room, and is marked lagged; the next successful send to that
// subscriber is preceded by a KindLag event instead of silently losing
// history markers.
func (b *Bus) Publish(event Event) {
	t := b.topicFor(event.BatchID)

	t.mu.Lock()
	subs := make([]*subscriber, 0, len(t.subs))
	for _, s := range t.subs {
		subs = append(subs, s)
	}
	t.mu.Unlock()

	for _, s := range subs {
		s.send(event)
	}
}

func (s *subscriber) send(event Event) {
	if atomic.LoadInt32(&s.lagged) == 1 {
		lag := Event{Kind: KindLag, BatchID: event.BatchID}
		select {
		case s.ch <- lag:
		default:
			// Still full: drop the oldest event to make room for the lag
			// marker, so event is never enqueued without one ahead of it.
			select {
			case <-s.ch:
			default:
			}
			select {
			case s.ch <- lag:
			default:
			}
		}
		atomic.StoreInt32(&s.lagged, 0)
	}

	select {
	case s.ch <- event:
	default:
		s.dropOldestAndMark(event)
	}
}

func (s *subscriber) dropOldestAndMark(event Event) {
	select {
	case <-s.ch:
	default:
	}
	atomic.StoreInt32(&s.lagged, 1)
	select {
	case s.ch <- event:
	default:
		logger.Warn("subscriber buffer saturated even after drop", "batch_id", event.BatchID)
	}
}

// RemoveBatch drops all bookkeeping for batchID once its terminal
// batch_complete event has been delivered and no further events are
// expected. Subscribers already holding a channel reference keep
// draining whatever is still buffered.
func (b *Bus) RemoveBatch(batchID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.topics, batchID)
}
