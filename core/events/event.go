package events

import "vaultlend/core/types"

// Event represents a structured state change emitted by the lending engine.
type Event interface {
	EventType() string
}

// Convertible events can be flattened into the attribute form consumed by
// the journal and the websocket stream.
type Convertible interface {
	Event
	Event() *types.Event
}

// Emitter broadcasts events to downstream subscribers (e.g. journal, streams).
type Emitter interface {
	Emit(Event)
}

// NoopEmitter is a helper that satisfies the Emitter interface while discarding
// all events. It is useful when a component wants to optionally expose events.
type NoopEmitter struct{}

// Emit implements the Emitter interface.
func (NoopEmitter) Emit(Event) {}

// Flatten converts an event into its attribute form. Events that do not
// implement Convertible are reported with their type only.
func Flatten(evt Event) *types.Event {
	if evt == nil {
		return nil
	}
	if conv, ok := evt.(Convertible); ok {
		return conv.Event()
	}
	return &types.Event{Type: evt.EventType(), Attributes: map[string]string{}}
}
