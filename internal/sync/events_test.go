package sync

import (
	"fmt"
	"testing"
	"time"

	"github.com/dukantech/shopsync/internal/config"
)

func TestEventBusPreservesOrder(t *testing.T) {
	bus := NewEventBus(config.EventsConfig{BufferSize: 16, OverflowPolicy: config.OverflowDropOldest})
	ch, cancel := bus.Subscribe()
	defer cancel()

	for i := 0; i < 5; i++ {
		bus.Publish(Event{Kind: EventSynced, OperationID: fmt.Sprintf("op-%d", i)})
	}

	for i := 0; i < 5; i++ {
		ev := <-ch
		if ev.OperationID != fmt.Sprintf("op-%d", i) {
			t.Fatalf("event %d out of order: %s", i, ev.OperationID)
		}
	}
}

func TestEventBusDropsOldestOnOverflow(t *testing.T) {
	bus := NewEventBus(config.EventsConfig{BufferSize: 2, OverflowPolicy: config.OverflowDropOldest})
	ch, cancel := bus.Subscribe()
	defer cancel()

	for i := 0; i < 4; i++ {
		bus.Publish(Event{OperationID: fmt.Sprintf("op-%d", i)})
	}

	// The two oldest were evicted; the newest survive in order.
	first := <-ch
	second := <-ch
	if first.OperationID != "op-2" || second.OperationID != "op-3" {
		t.Fatalf("expected op-2, op-3; got %s, %s", first.OperationID, second.OperationID)
	}
	if bus.Dropped() != 2 {
		t.Fatalf("expected 2 dropped events, got %d", bus.Dropped())
	}
}

func TestEventBusFansOut(t *testing.T) {
	bus := NewEventBus(config.EventsConfig{BufferSize: 4, OverflowPolicy: config.OverflowDropOldest})
	a, cancelA := bus.Subscribe()
	defer cancelA()
	b, cancelB := bus.Subscribe()
	defer cancelB()

	bus.Publish(Event{OperationID: "op-1"})

	if ev := <-a; ev.OperationID != "op-1" {
		t.Fatalf("subscriber a got %s", ev.OperationID)
	}
	if ev := <-b; ev.OperationID != "op-1" {
		t.Fatalf("subscriber b got %s", ev.OperationID)
	}
}

func TestEventBusCancelClosesChannel(t *testing.T) {
	bus := NewEventBus(config.EventsConfig{BufferSize: 4, OverflowPolicy: config.OverflowDropOldest})
	ch, cancel := bus.Subscribe()
	cancel()

	if _, ok := <-ch; ok {
		t.Fatal("cancelled subscriber channel should be closed")
	}

	// Publishing after cancel must not panic or deliver.
	bus.Publish(Event{OperationID: "op-after"})
}

func TestEventBusBlockPolicyDeliversInOrder(t *testing.T) {
	bus := NewEventBus(config.EventsConfig{BufferSize: 2, OverflowPolicy: config.OverflowBlock})
	ch, cancel := bus.Subscribe()
	defer cancel()

	received := make(chan []string, 1)
	go func() {
		var got []string
		for i := 0; i < 10; i++ {
			ev := <-ch
			got = append(got, ev.OperationID)
		}
		received <- got
	}()

	for i := 0; i < 10; i++ {
		bus.Publish(Event{OperationID: fmt.Sprintf("op-%d", i)})
	}

	got := <-received
	for i, id := range got {
		if id != fmt.Sprintf("op-%d", i) {
			t.Fatalf("event %d out of order: %s", i, id)
		}
	}
	if bus.Dropped() != 0 {
		t.Fatalf("drained subscriber should lose nothing, dropped %d", bus.Dropped())
	}
}

func TestEventBusCancelWithBlockedPublisher(t *testing.T) {
	bus := NewEventBus(config.EventsConfig{BufferSize: 1, OverflowPolicy: config.OverflowBlock})
	bus.blockWait = 10 * time.Millisecond
	ch, cancel := bus.Subscribe()

	bus.Publish(Event{OperationID: "op-1"})

	// The buffer is full and nobody is draining; the next publish waits.
	done := make(chan struct{})
	go func() {
		bus.Publish(Event{OperationID: "op-2"})
		close(done)
	}()

	// Cancelling while a publisher is waiting must not deadlock the bus.
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publisher wedged on a cancelled subscriber")
	}

	// The buffered event survives, then the channel closes.
	if ev := <-ch; ev.OperationID != "op-1" {
		t.Fatalf("unexpected buffered event: %s", ev.OperationID)
	}
	if _, ok := <-ch; ok {
		t.Fatal("cancelled subscriber channel should be closed")
	}

	// Publishing after cancel is a no-op.
	bus.Publish(Event{OperationID: "op-3"})
}
