// Package bus is the in-process publish/subscribe hub every hotforge
// subsystem talks through.
//
// Emit records the event into a bounded history and delivers it to the
// listeners registered for its name, in subscription order. Emits issued
// while a dispatch is already running (from inside a handler, or from
// another goroutine) are appended to a bounded outbox and delivered by the
// goroutine that is already dispatching, so cascading emits never grow the
// call stack.
package bus

import (
	"fmt"
	"sync"
	"time"

	"hotforge/internal/logging"
)

// Handler receives a delivered event.
type Handler func(Event)

// Event is one emitted event as seen by a handler.
type Event struct {
	Name      string
	Timestamp time.Time
	Payload   any
}

// Record is a history entry. History is diagnostic only.
type Record struct {
	Name      string    `json:"event"`
	Timestamp time.Time `json:"timestamp"`
	Payload   any       `json:"data"`
}

// Subscription identifies one registered handler.
type Subscription struct {
	ID    uint64
	Owner string
	Name  string
}

// SubscriberEntry is the introspection view of a subscription.
type SubscriberEntry struct {
	Owner string `json:"module"`
	ID    uint64 `json:"id"`
}

// Stats counts bus activity.
type Stats struct {
	Emitted   int64
	Delivered int64
	Dropped   int64
	Panics    int64
}

// Options configures a Bus.
type Options struct {
	HistorySize int
	OutboxSize  int
}

// DefaultOptions mirrors the history cap of the original hub.
func DefaultOptions() Options {
	return Options{HistorySize: 100, OutboxSize: 1024}
}

type listener struct {
	id      uint64
	owner   string
	handler Handler
}

// Bus is safe for concurrent use.
type Bus struct {
	mu        sync.Mutex
	listeners map[string][]listener
	history   []Record
	outbox    []Event
	draining  bool
	nextID    uint64
	opts      Options
	stats     Stats
	now       func() time.Time
}

// New creates a bus.
func New(opts Options) *Bus {
	def := DefaultOptions()
	if opts.HistorySize <= 0 {
		opts.HistorySize = def.HistorySize
	}
	if opts.OutboxSize <= 0 {
		opts.OutboxSize = def.OutboxSize
	}
	logging.BusDebug("bus initialized (history=%d outbox=%d)", opts.HistorySize, opts.OutboxSize)
	return &Bus{
		listeners: make(map[string][]listener),
		opts:      opts,
		now:       time.Now,
	}
}

// Emit publishes an event and reports whether any listener existed for it.
func (b *Bus) Emit(name string, payload any) bool {
	b.mu.Lock()
	ev := Event{Name: name, Timestamp: b.now(), Payload: payload}
	b.record(ev)
	b.stats.Emitted++
	hasListeners := len(b.listeners[name]) > 0

	if len(b.outbox) >= b.opts.OutboxSize {
		b.stats.Dropped++
		b.mu.Unlock()
		logging.BusWarn("outbox full (%d), dropped event %s", b.opts.OutboxSize, name)
		return hasListeners
	}
	b.outbox = append(b.outbox, ev)
	if b.draining {
		b.mu.Unlock()
		return hasListeners
	}
	b.draining = true
	b.mu.Unlock()

	b.drain()
	return hasListeners
}

// drain delivers queued events until the outbox is empty.
func (b *Bus) drain() {
	for {
		b.mu.Lock()
		if len(b.outbox) == 0 {
			b.draining = false
			b.mu.Unlock()
			return
		}
		ev := b.outbox[0]
		b.outbox[0] = Event{}
		b.outbox = b.outbox[1:]
		ls := append([]listener(nil), b.listeners[ev.Name]...)
		b.mu.Unlock()

		for _, l := range ls {
			b.deliver(l, ev)
		}
	}
}

func (b *Bus) deliver(l listener, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			b.mu.Lock()
			b.stats.Panics++
			b.mu.Unlock()
			logging.Get(logging.CategoryBus).Error("handler %s panicked on %s: %v", l.owner, ev.Name, r)
		}
	}()
	l.handler(ev)
	b.mu.Lock()
	b.stats.Delivered++
	b.mu.Unlock()
}

func (b *Bus) record(ev Event) {
	b.history = append(b.history, Record{Name: ev.Name, Timestamp: ev.Timestamp, Payload: ev.Payload})
	if over := len(b.history) - b.opts.HistorySize; over > 0 {
		b.history = append(b.history[:0:0], b.history[over:]...)
	}
}

// Subscribe registers handler for name on behalf of owner.
func (b *Bus) Subscribe(owner, name string, handler Handler) Subscription {
	if handler == nil {
		panic(fmt.Sprintf("bus: nil handler for %s from %s", name, owner))
	}
	b.mu.Lock()
	b.nextID++
	id := b.nextID
	b.listeners[name] = append(b.listeners[name], listener{id: id, owner: owner, handler: handler})
	b.mu.Unlock()

	logging.BusDebug("%s subscribed to %s", owner, name)
	return Subscription{ID: id, Owner: owner, Name: name}
}

// Unsubscribe removes a subscription. Unknown subscriptions are ignored.
func (b *Bus) Unsubscribe(sub Subscription) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	ls := b.listeners[sub.Name]
	for i, l := range ls {
		if l.id == sub.ID && l.owner == sub.Owner {
			b.listeners[sub.Name] = append(ls[:i:i], ls[i+1:]...)
			if len(b.listeners[sub.Name]) == 0 {
				delete(b.listeners, sub.Name)
			}
			logging.BusDebug("%s unsubscribed from %s", sub.Owner, sub.Name)
			return true
		}
	}
	return false
}

// UnsubscribeOwner removes every subscription held by owner.
func (b *Bus) UnsubscribeOwner(owner string) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	removed := 0
	for name, ls := range b.listeners {
		kept := ls[:0:0]
		for _, l := range ls {
			if l.owner == owner {
				removed++
				continue
			}
			kept = append(kept, l)
		}
		if len(kept) == 0 {
			delete(b.listeners, name)
		} else {
			b.listeners[name] = kept
		}
	}
	return removed
}

// History returns recorded events, oldest first. An empty name returns all.
func (b *Bus) History(name string) []Record {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]Record, 0, len(b.history))
	for _, r := range b.history {
		if name == "" || r.Name == name {
			out = append(out, r)
		}
	}
	return out
}

// ClearHistory drops the recorded history.
func (b *Bus) ClearHistory() {
	b.mu.Lock()
	b.history = nil
	b.mu.Unlock()
}

// Subscribers returns who listens to name, in subscription order.
func (b *Bus) Subscribers(name string) []SubscriberEntry {
	b.mu.Lock()
	defer b.mu.Unlock()

	ls := b.listeners[name]
	out := make([]SubscriberEntry, len(ls))
	for i, l := range ls {
		out[i] = SubscriberEntry{Owner: l.owner, ID: l.id}
	}
	return out
}

// SubscriberMap returns owner names per event name.
func (b *Bus) SubscriberMap() map[string][]string {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make(map[string][]string, len(b.listeners))
	for name, ls := range b.listeners {
		owners := make([]string, len(ls))
		for i, l := range ls {
			owners[i] = l.owner
		}
		out[name] = owners
	}
	return out
}

// Stats returns a snapshot of the counters.
func (b *Bus) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.stats
}

// EmitFunc adapts the bus to the plain function handed to loaded modules.
func (b *Bus) EmitFunc() func(string, map[string]any) bool {
	return func(name string, payload map[string]any) bool {
		return b.Emit(name, payload)
	}
}
