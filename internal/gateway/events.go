package gateway

import (
	"encoding/hex"
	"log/slog"
	"sync"
	"time"

	"knx-gateway/internal/telegram"
	"knx-gateway/internal/tunnel"
)

// Event types
const (
	EventBusTelegram        = "bus.telegram"
	EventBusSent            = "bus.sent"
	EventBusReset           = "bus.reset"
	EventBusState           = "bus.state"
	EventTunnelConnected    = "tunnel.connected"
	EventTunnelDisconnected = "tunnel.disconnected"
	EventTunnelTimeout      = "tunnel.timeout"
	EventTunnelFeatures     = "tunnel.features"
)

// Event represents a gateway event.
type Event struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

// TelegramEvent describes a telegram seen on or sent to the bus.
type TelegramEvent struct {
	Time        time.Time `json:"time"`
	Source      string    `json:"source"`
	Destination string    `json:"destination"`
	Group       bool      `json:"group"`
	Command     string    `json:"command"`
	Priority    string    `json:"priority"`
	Data        string    `json:"data"`
	Addressed   bool      `json:"addressed,omitempty"`
	// Set on bus.sent only.
	Result  string `json:"result,omitempty"`
	Channel uint8  `json:"channel,omitempty"`

	Telegram telegram.Telegram `json:"-"`
}

func newTelegramEvent(t telegram.Telegram, now time.Time) TelegramEvent {
	return TelegramEvent{
		Time:        now,
		Source:      t.Source.String(),
		Destination: t.DestinationString(),
		Group:       t.Group,
		Command:     t.Command().String(),
		Priority:    t.Priority.String(),
		Data:        hex.EncodeToString(t.Data()),
		Telegram:    t,
	}
}

// ChannelEvent describes a tunnel lifecycle change.
type ChannelEvent struct {
	Channel tunnel.Channel `json:"channel"`
	Reason  string         `json:"reason,omitempty"`
}

// BusStateEvent reports a coupler state indication.
type BusStateEvent struct {
	State  uint8    `json:"state"`
	Faults []string `json:"faults"`
}

// EventHandler is a callback for events.
type EventHandler func(Event)

// EventBus provides pub/sub for gateway events.
type EventBus struct {
	mu          sync.RWMutex
	handlers    map[string]map[uint64]EventHandler
	allHandlers map[uint64]EventHandler
	nextID      uint64
	logger      *slog.Logger
}

// NewEventBus creates a new event bus.
func NewEventBus(logger *slog.Logger) *EventBus {
	return &EventBus{
		handlers:    make(map[string]map[uint64]EventHandler),
		allHandlers: make(map[uint64]EventHandler),
		logger:      logger,
	}
}

// On registers a handler for one event type and returns its unsubscribe
// function.
func (eb *EventBus) On(eventType string, handler EventHandler) func() {
	eb.mu.Lock()
	defer eb.mu.Unlock()
	id := eb.nextID
	eb.nextID++
	if eb.handlers[eventType] == nil {
		eb.handlers[eventType] = make(map[uint64]EventHandler)
	}
	eb.handlers[eventType][id] = handler
	return func() {
		eb.mu.Lock()
		defer eb.mu.Unlock()
		delete(eb.handlers[eventType], id)
	}
}

// OnAll registers a handler for every event.
func (eb *EventBus) OnAll(handler EventHandler) func() {
	eb.mu.Lock()
	defer eb.mu.Unlock()
	id := eb.nextID
	eb.nextID++
	eb.allHandlers[id] = handler
	return func() {
		eb.mu.Lock()
		defer eb.mu.Unlock()
		delete(eb.allHandlers, id)
	}
}

// Emit calls the matching handlers synchronously. A panicking handler is
// recovered and logged.
func (eb *EventBus) Emit(event Event) {
	eb.mu.RLock()
	handlers := make([]EventHandler, 0, len(eb.handlers[event.Type])+len(eb.allHandlers))
	for _, h := range eb.handlers[event.Type] {
		handlers = append(handlers, h)
	}
	for _, h := range eb.allHandlers {
		handlers = append(handlers, h)
	}
	eb.mu.RUnlock()

	for _, h := range handlers {
		func() {
			defer func() {
				if r := recover(); r != nil {
					eb.logger.Error("event handler panic", "type", event.Type, "panic", r)
				}
			}()
			h(event)
		}()
	}
}
