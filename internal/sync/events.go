package sync

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/dukantech/shopsync/internal/config"
)

// EventKind classifies a queue lifecycle notification.
type EventKind string

const (
	EventEnqueued     EventKind = "enqueued"
	EventSynced       EventKind = "synced"
	EventRetried      EventKind = "retried"
	EventConflict     EventKind = "conflict"
	EventFailed       EventKind = "failed"
	EventDeadLettered EventKind = "dead_lettered"
	EventResurrected  EventKind = "resurrected"
	EventRequeued     EventKind = "requeued"
)

// Event is one queue state change, published after the change is durable.
type Event struct {
	Kind        EventKind
	OwnerID     string
	OperationID string
	Collection  string
	DocumentID  string
	Timestamp   int64
}

// subscriber pairs a delivery channel with its own lock, so a publisher
// waiting on one full channel never holds the bus lock, and a close can
// never race a send.
type subscriber struct {
	mu     sync.Mutex
	ch     chan Event
	closed bool
}

// EventBus fans queue events out to subscribers over bounded channels.
// Ordering is preserved per subscriber; the overflow policy decides whether
// a slow subscriber loses the oldest buffered event or stalls the
// publisher.
type EventBus struct {
	mu      sync.RWMutex
	subs    map[int]*subscriber
	nextID  int
	size    int
	policy  string
	dropped atomic.Uint64
	onDrop  func()
	// blockWait bounds a blocking send, so a subscriber that stopped
	// draining cannot wedge every publisher or deadlock its own cancel.
	blockWait time.Duration
}

// NewEventBus creates a bus with the configured buffer size and overflow
// policy.
func NewEventBus(cfg config.EventsConfig) *EventBus {
	return &EventBus{
		subs:      make(map[int]*subscriber),
		size:      cfg.BufferSize,
		policy:    cfg.OverflowPolicy,
		blockWait: time.Second,
	}
}

// SetDropHook registers a callback invoked once per dropped event.
func (b *EventBus) SetDropHook(fn func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onDrop = fn
}

// Subscribe registers a new subscriber and returns its channel plus a
// cancel function. The channel is closed on cancel.
func (b *EventBus) Subscribe() (<-chan Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.nextID
	b.nextID++
	sub := &subscriber{ch: make(chan Event, b.size)}
	b.subs[id] = sub

	cancel := func() {
		b.mu.Lock()
		delete(b.subs, id)
		b.mu.Unlock()

		sub.mu.Lock()
		defer sub.mu.Unlock()
		if !sub.closed {
			sub.closed = true
			close(sub.ch)
		}
	}
	return sub.ch, cancel
}

// Publish delivers an event to every subscriber according to the overflow
// policy. The subscriber list is snapshotted first; no send happens under
// the bus lock.
func (b *EventBus) Publish(event Event) {
	b.mu.RLock()
	subs := make([]*subscriber, 0, len(b.subs))
	for _, sub := range b.subs {
		subs = append(subs, sub)
	}
	b.mu.RUnlock()

	for _, sub := range subs {
		b.deliver(sub, event)
	}
}

func (b *EventBus) deliver(sub *subscriber, event Event) {
	sub.mu.Lock()
	defer sub.mu.Unlock()
	if sub.closed {
		return
	}

	select {
	case sub.ch <- event:
		return
	default:
	}

	if b.policy == config.OverflowBlock {
		timer := time.NewTimer(b.blockWait)
		defer timer.Stop()
		select {
		case sub.ch <- event:
		case <-timer.C:
			b.drop()
		}
		return
	}

	// Full buffer: evict the oldest event, then retry once. A concurrent
	// consumer may have drained in between, so the second send is still
	// non-blocking.
	select {
	case <-sub.ch:
		b.drop()
	default:
	}
	select {
	case sub.ch <- event:
	default:
		b.drop()
	}
}

func (b *EventBus) drop() {
	b.dropped.Add(1)
	b.mu.RLock()
	fn := b.onDrop
	b.mu.RUnlock()
	if fn != nil {
		fn()
	}
}

// Dropped reports how many events were discarded.
func (b *EventBus) Dropped() uint64 {
	return b.dropped.Load()
}
