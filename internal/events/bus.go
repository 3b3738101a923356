package events

import (
	"sync"
)

// RawFunc receives every sanitized output line from a worker.
type RawFunc func(workerID, line string)

// EventFunc receives structured events.
type EventFunc func(Event)

// StateFunc receives orchestrator-state events.
type StateFunc func(StateEvent)

// Bus fans worker output out to named subscribers. Callbacks run on
// the publishing goroutine, so per-worker line ordering is preserved;
// subscribers that need to do slow work must hand lines off to their
// own queues.
type Bus struct {
	mu    sync.RWMutex
	raw   map[string]RawFunc
	event map[string]EventFunc
	state map[string]StateFunc
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{
		raw:   make(map[string]RawFunc),
		event: make(map[string]EventFunc),
		state: make(map[string]StateFunc),
	}
}

// SubscribeRaw registers a named raw-line subscriber. Re-registering a
// name replaces the previous callback.
func (b *Bus) SubscribeRaw(name string, fn RawFunc) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.raw[name] = fn
}

// UnsubscribeRaw removes a raw subscriber.
func (b *Bus) UnsubscribeRaw(name string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.raw, name)
}

// SubscribeEvents registers a named structured-event subscriber.
func (b *Bus) SubscribeEvents(name string, fn EventFunc) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.event[name] = fn
}

// UnsubscribeEvents removes a structured subscriber.
func (b *Bus) UnsubscribeEvents(name string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.event, name)
}

// SubscribeState registers a named orchestrator-state subscriber.
func (b *Bus) SubscribeState(name string, fn StateFunc) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state[name] = fn
}

// UnsubscribeState removes a state subscriber.
func (b *Bus) UnsubscribeState(name string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.state, name)
}

// PublishLine delivers a sanitized worker line to every raw subscriber
// and, when it matches the grammar, the parsed event to every
// structured subscriber. Callbacks are collected under the read lock
// and invoked outside it.
func (b *Bus) PublishLine(workerID, line string) {
	ev, structured := Parse(workerID, line)

	b.mu.RLock()
	raws := make([]RawFunc, 0, len(b.raw))
	for _, fn := range b.raw {
		raws = append(raws, fn)
	}
	var evs []EventFunc
	if structured {
		evs = make([]EventFunc, 0, len(b.event))
		for _, fn := range b.event {
			evs = append(evs, fn)
		}
	}
	b.mu.RUnlock()

	for _, fn := range raws {
		fn(workerID, line)
	}
	for _, fn := range evs {
		fn(ev)
	}
}

// PublishState delivers an orchestrator decision line to every state
// subscriber.
func (b *Bus) PublishState(line string) {
	ev := ParseState(line)

	b.mu.RLock()
	subs := make([]StateFunc, 0, len(b.state))
	for _, fn := range b.state {
		subs = append(subs, fn)
	}
	b.mu.RUnlock()

	for _, fn := range subs {
		fn(ev)
	}
}
