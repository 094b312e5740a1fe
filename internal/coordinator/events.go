package coordinator

import (
	"log/slog"
	"slices"

	"blz-host/internal/syncutil"
)

// Event types emitted on the coordinator's bus.
const (
	EventStateChanged   = "state_changed"
	EventDeviceJoined   = "device_joined"
	EventDeviceAnnounce = "device_announce"
	EventDeviceLeft     = "device_left"
	EventStackStatus    = "stack_status"
	EventApsData        = "aps_data"
	EventZdoResponse    = "zdo_response"
	EventDisconnected   = "disconnected"
	EventPermitJoin     = "permit_join"
	EventWatchdogReset  = "watchdog_reset"
)

// Event is one notification on the bus. Data holds a DeviceEvent,
// StateEvent, blz.ApsDataIndication, zdo.Response or a small map.
type Event struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

// DeviceEvent is the payload of device join, announce and leave events.
type DeviceEvent struct {
	IEEE    string `json:"ieee"`
	NwkAddr uint16 `json:"nwk_addr"`
	Status  string `json:"status"`
}

// StateEvent is the payload of state_changed.
type StateEvent struct {
	From State `json:"from"`
	To   State `json:"to"`
}

// EventHandler receives events on the emitting goroutine and must not block.
type EventHandler func(Event)

type subscription struct {
	id        uint64
	eventType string // empty matches every event
	fn        EventHandler
}

// EventBus delivers coordinator events to subscribers synchronously, in
// subscription order.
type EventBus struct {
	mu     syncutil.RWMutex
	subs   []subscription
	nextID uint64
	logger *slog.Logger
}

func NewEventBus(logger *slog.Logger) *EventBus {
	return &EventBus{logger: logger}
}

// On subscribes handler to one event type and returns its unsubscribe func.
func (eb *EventBus) On(eventType string, handler EventHandler) func() {
	return eb.subscribe(eventType, handler)
}

// OnAll subscribes handler to every event and returns its unsubscribe func.
func (eb *EventBus) OnAll(handler EventHandler) func() {
	return eb.subscribe("", handler)
}

func (eb *EventBus) subscribe(eventType string, fn EventHandler) func() {
	eb.mu.Lock()
	id := eb.nextID
	eb.nextID++
	eb.subs = append(eb.subs, subscription{id: id, eventType: eventType, fn: fn})
	eb.mu.Unlock()

	return func() {
		eb.mu.Lock()
		defer eb.mu.Unlock()
		eb.subs = slices.DeleteFunc(eb.subs, func(s subscription) bool { return s.id == id })
	}
}

// Emit calls every matching handler. A panicking handler is logged and does
// not stop delivery to the rest.
func (eb *EventBus) Emit(event Event) {
	eb.mu.RLock()
	var targets []EventHandler
	for _, s := range eb.subs {
		if s.eventType == "" || s.eventType == event.Type {
			targets = append(targets, s.fn)
		}
	}
	eb.mu.RUnlock()

	for _, fn := range targets {
		eb.deliver(fn, event)
	}
}

func (eb *EventBus) deliver(fn EventHandler, event Event) {
	defer func() {
		if r := recover(); r != nil {
			eb.logger.Error("event handler panic", "type", event.Type, "panic", r)
		}
	}()
	fn(event)
}
