package events

import (
	"sync"

	"stakeproxy/core/types"
)

// Event represents a structured state change emitted by the proxy.
type Event interface {
	EventType() string
}

// Broadcastable is implemented by events that can be flattened into the
// attribute form served to subscribers.
type Broadcastable interface {
	Event
	Event() *types.Event
}

// Emitter broadcasts events to downstream subscribers (e.g. websocket, journal).
type Emitter interface {
	Emit(Event)
}

// NoopEmitter is a helper that satisfies the Emitter interface while discarding
// all events. It is useful when a component wants to optionally expose events.
type NoopEmitter struct{}

// Emit implements the Emitter interface.
func (NoopEmitter) Emit(Event) {}

// Flatten converts an event into its broadcast form. Events without a
// structured payload keep only their type.
func Flatten(evt Event) *types.Event {
	if evt == nil {
		return nil
	}
	if b, ok := evt.(Broadcastable); ok {
		return b.Event()
	}
	return &types.Event{Type: evt.EventType(), Attributes: map[string]string{}}
}

// MultiEmitter fans each event out to every wrapped emitter.
type MultiEmitter []Emitter

// Emit implements the Emitter interface.
func (m MultiEmitter) Emit(evt Event) {
	for _, e := range m {
		if e != nil {
			e.Emit(evt)
		}
	}
}

// Collector retains emitted events in memory.
type Collector struct {
	mu     sync.Mutex
	events []Event
}

// Emit implements the Emitter interface.
func (c *Collector) Emit(evt Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, evt)
}

// Events returns a copy of the collected events.
func (c *Collector) Events() []Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Event, len(c.events))
	copy(out, c.events)
	return out
}

// Types returns the collected event types in emission order.
func (c *Collector) Types() []string {
	evts := c.Events()
	out := make([]string, len(evts))
	for i, evt := range evts {
		out[i] = evt.EventType()
	}
	return out
}
