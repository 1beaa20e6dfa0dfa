// Package event provides a small typed publish/subscribe bus keyed by event name.
//
// Every service and connection owns one Bus. Dispatch is synchronous: Emit
// calls each listener on the caller's goroutine, in registration order, and
// returns once all of them have run.
package event

import "sync"

// ID identifies a registered listener. Go funcs are not comparable, so Off
// takes the ID returned by On or Once instead of the listener itself.
type ID uint64

// Listener receives the payload of an emitted event.
type Listener[T any] func(T)

type entry[T any] struct {
	id ID
	fn Listener[T]
}

// Bus is a typed publish/subscribe primitive. The zero value is not usable;
// create one with NewBus.
type Bus[T any] struct {
	mu        sync.Mutex
	nextID    ID
	listeners map[string][]entry[T]
}

// NewBus creates an empty bus.
func NewBus[T any]() *Bus[T] {
	return &Bus[T]{listeners: make(map[string][]entry[T])}
}

// On registers fn for name and returns its ID.
func (b *Bus[T]) On(name string, fn Listener[T]) ID {
	if fn == nil {
		panic("event: On called with nil listener")
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	id := b.nextID
	b.listeners[name] = append(b.listeners[name], entry[T]{id: id, fn: fn})
	return id
}

// Once registers fn to run at most one time. The returned ID refers to the
// self-removing wrapper, so Off(name, id) cancels it before it fires.
func (b *Bus[T]) Once(name string, fn Listener[T]) ID {
	if fn == nil {
		panic("event: Once called with nil listener")
	}
	var (
		once sync.Once
		id   ID
	)
	b.mu.Lock()
	b.nextID++
	id = b.nextID
	wrapper := func(v T) {
		fired := false
		once.Do(func() {
			b.remove(name, id)
			fired = true
		})
		if fired {
			fn(v)
		}
	}
	b.listeners[name] = append(b.listeners[name], entry[T]{id: id, fn: wrapper})
	b.mu.Unlock()
	return id
}

// Off removes listeners for name. With no ids every listener for name is
// removed; otherwise only the listeners with matching IDs are.
func (b *Bus[T]) Off(name string, ids ...ID) {
	if len(ids) == 0 {
		b.mu.Lock()
		delete(b.listeners, name)
		b.mu.Unlock()
		return
	}
	for _, id := range ids {
		b.remove(name, id)
	}
}

// Emit invokes a snapshot of the listeners registered for name with v and
// reports whether there were any. Listeners added or removed while Emit is
// running do not affect the current dispatch. Panics in listeners are not
// recovered.
func (b *Bus[T]) Emit(name string, v T) bool {
	b.mu.Lock()
	current := b.listeners[name]
	snapshot := make([]entry[T], len(current))
	copy(snapshot, current)
	b.mu.Unlock()

	for _, e := range snapshot {
		e.fn(v)
	}
	return len(snapshot) > 0
}

// ListenerCount returns the number of listeners registered for name.
func (b *Bus[T]) ListenerCount(name string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.listeners[name])
}

func (b *Bus[T]) remove(name string, id ID) {
	b.mu.Lock()
	defer b.mu.Unlock()
	current := b.listeners[name]
	for i, e := range current {
		if e.id != id {
			continue
		}
		next := append(current[:i:i], current[i+1:]...)
		if len(next) == 0 {
			delete(b.listeners, name)
		} else {
			b.listeners[name] = next
		}
		return
	}
}
