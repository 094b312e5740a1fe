package coordinator

import (
	"io"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
)

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestEventBusEmitOn(t *testing.T) {
	eb := NewEventBus(newTestLogger())
	var received Event

	eb.On(EventDeviceJoined, func(e Event) {
		received = e
	})

	eb.Emit(Event{Type: EventDeviceJoined, Data: "test"})

	if received.Type != EventDeviceJoined {
		t.Errorf("type = %q, want %q", received.Type, EventDeviceJoined)
	}
	if received.Data != "test" {
		t.Errorf("data = %v, want %q", received.Data, "test")
	}
}

func TestEventBusOnDoesNotReceiveOtherTypes(t *testing.T) {
	eb := NewEventBus(newTestLogger())
	called := false

	eb.On(EventDeviceJoined, func(e Event) {
		called = true
	})

	eb.Emit(Event{Type: EventDeviceLeft, Data: "test"})

	if called {
		t.Error("handler called for wrong event type")
	}
}

func TestEventBusOnAll(t *testing.T) {
	eb := NewEventBus(newTestLogger())
	var count atomic.Int32

	eb.OnAll(func(e Event) {
		count.Add(1)
	})

	eb.Emit(Event{Type: EventDeviceJoined})
	eb.Emit(Event{Type: EventDeviceLeft})
	eb.Emit(Event{Type: EventApsData})

	if count.Load() != 3 {
		t.Errorf("onAll called %d times, want 3", count.Load())
	}
}

func TestEventBusUnsubscribe(t *testing.T) {
	eb := NewEventBus(newTestLogger())
	var count atomic.Int32

	unsub := eb.On(EventDeviceJoined, func(e Event) {
		count.Add(1)
	})

	eb.Emit(Event{Type: EventDeviceJoined})
	if count.Load() != 1 {
		t.Fatalf("expected 1 call before unsub, got %d", count.Load())
	}

	unsub()
	eb.Emit(Event{Type: EventDeviceJoined})
	if count.Load() != 1 {
		t.Errorf("expected 1 call after unsub, got %d", count.Load())
	}
}

func TestEventBusOnAllUnsubscribe(t *testing.T) {
	eb := NewEventBus(newTestLogger())
	var count atomic.Int32

	unsub := eb.OnAll(func(e Event) {
		count.Add(1)
	})

	eb.Emit(Event{Type: EventDeviceJoined})
	unsub()
	eb.Emit(Event{Type: EventDeviceJoined})

	if count.Load() != 1 {
		t.Errorf("expected 1 call, got %d", count.Load())
	}
}

func TestEventBusPanicRecovery(t *testing.T) {
	eb := NewEventBus(newTestLogger())
	var called atomic.Int32

	// The second handler still runs after the first panics.
	eb.On(EventDeviceJoined, func(e Event) {
		called.Add(1)
		panic("test panic")
	})
	eb.On(EventDeviceJoined, func(e Event) {
		called.Add(1)
	})

	// Should not panic
	eb.Emit(Event{Type: EventDeviceJoined})

	// Both handlers should have been called despite one panicking.
	if c := called.Load(); c != 2 {
		t.Errorf("expected 2 handlers called, got %d", c)
	}
}

func TestEventBusConcurrentEmit(t *testing.T) {
	eb := NewEventBus(newTestLogger())
	var count atomic.Int32

	eb.OnAll(func(e Event) {
		count.Add(1)
	})

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			eb.Emit(Event{Type: EventApsData})
		}()
	}
	wg.Wait()

	if count.Load() != 100 {
		t.Errorf("got %d, want 100", count.Load())
	}
}

func TestEventBusMultipleHandlersSameType(t *testing.T) {
	eb := NewEventBus(newTestLogger())
	var count atomic.Int32

	eb.On(EventDeviceJoined, func(e Event) { count.Add(1) })
	eb.On(EventDeviceJoined, func(e Event) { count.Add(1) })
	eb.On(EventDeviceJoined, func(e Event) { count.Add(1) })

	eb.Emit(Event{Type: EventDeviceJoined})

	if count.Load() != 3 {
		t.Errorf("got %d, want 3", count.Load())
	}
}

func TestEventBusDeliversInSubscriptionOrder(t *testing.T) {
	eb := NewEventBus(newTestLogger())

	var got []string
	eb.On(EventDeviceJoined, func(Event) { got = append(got, "first") })
	eb.OnAll(func(Event) { got = append(got, "all") })
	unsub := eb.On(EventDeviceJoined, func(Event) { got = append(got, "removed") })
	eb.On(EventDeviceJoined, func(Event) { got = append(got, "last") })
	unsub()

	eb.Emit(Event{Type: EventDeviceJoined})
	if strings.Join(got, ",") != "first,all,last" {
		t.Errorf("order = %v", got)
	}
}
