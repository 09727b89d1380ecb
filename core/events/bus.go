package events

import (
	"context"
	"strconv"
	"strings"
	"sync"

	"vaultlend/core/types"
)

const busHistoryLimit = 1024

// Envelope wraps a flattened event with its position in the bus sequence.
type Envelope struct {
	Sequence uint64       `json:"sequence"`
	Cursor   string       `json:"cursor"`
	Event    *types.Event `json:"event"`
}

// Bus fans events out to synchronous sinks (journal, metrics) and to
// buffered subscribers (websocket streams). Slow subscribers drop updates
// rather than stall the engine.
type Bus struct {
	mu      sync.Mutex
	sinks   []Emitter
	subs    map[uint64]chan Envelope
	nextID  uint64
	seq     uint64
	history []Envelope
}

// NewBus constructs a bus forwarding every event to the supplied sinks.
func NewBus(sinks ...Emitter) *Bus {
	filtered := make([]Emitter, 0, len(sinks))
	for _, sink := range sinks {
		if sink != nil {
			filtered = append(filtered, sink)
		}
	}
	return &Bus{sinks: filtered, subs: make(map[uint64]chan Envelope)}
}

// AddSink registers an additional synchronous emitter.
func (b *Bus) AddSink(sink Emitter) {
	if b == nil || sink == nil {
		return
	}
	b.mu.Lock()
	b.sinks = append(b.sinks, sink)
	b.mu.Unlock()
}

// Emit implements Emitter.
func (b *Bus) Emit(evt Event) {
	if b == nil || evt == nil {
		return
	}
	flat := Flatten(evt)

	b.mu.Lock()
	b.seq++
	env := Envelope{Sequence: b.seq, Cursor: strconv.FormatUint(b.seq, 10), Event: flat}
	b.history = append(b.history, env)
	if len(b.history) > busHistoryLimit {
		excess := len(b.history) - busHistoryLimit
		trimmed := make([]Envelope, busHistoryLimit)
		copy(trimmed, b.history[excess:])
		b.history = trimmed
	}
	sinks := append([]Emitter(nil), b.sinks...)
	subscribers := make([]chan Envelope, 0, len(b.subs))
	for _, ch := range b.subs {
		subscribers = append(subscribers, ch)
	}
	b.mu.Unlock()

	for _, sink := range sinks {
		sink.Emit(evt)
	}
	for _, ch := range subscribers {
		select {
		case ch <- env:
		default:
		}
	}
}

// Subscribe registers a subscriber and returns the backlog recorded after the
// supplied cursor. The returned cancel func is idempotent and also fires when
// ctx is done.
func (b *Bus) Subscribe(ctx context.Context, cursor string) (<-chan Envelope, func(), []Envelope) {
	updates := make(chan Envelope, 32)

	var since uint64
	if trimmed := strings.TrimSpace(cursor); trimmed != "" {
		if parsed, err := strconv.ParseUint(trimmed, 10, 64); err == nil {
			since = parsed
		}
	}

	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.subs[id] = updates
	backlog := make([]Envelope, 0, len(b.history))
	for _, entry := range b.history {
		if entry.Sequence > since {
			backlog = append(backlog, entry)
		}
	}
	b.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			b.mu.Lock()
			if sub, ok := b.subs[id]; ok {
				delete(b.subs, id)
				close(sub)
			}
			b.mu.Unlock()
		})
	}
	if ctx != nil {
		go func() {
			<-ctx.Done()
			cancel()
		}()
	}
	return updates, cancel, backlog
}
