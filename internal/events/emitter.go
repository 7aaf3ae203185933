// Package events provides a small named-event observer registry. Stateful
// components hold an Emitter as a field and expose subscription through it.
package events

import "sync"

// Listener receives the arguments passed to Emit.
type Listener func(args ...any)

type subscription struct {
	id uint64
	fn Listener
}

// Emitter maps event names to ordered listener lists. The zero value is ready
// to use and safe for concurrent use.
type Emitter struct {
	mu     sync.RWMutex
	nextID uint64
	events map[string][]subscription
}

// On registers fn for event and returns a function that removes it. Removing
// an already removed listener is a no-op.
func (e *Emitter) On(event string, fn Listener) (remove func()) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.events == nil {
		e.events = make(map[string][]subscription)
	}

	e.nextID++
	id := e.nextID
	e.events[event] = append(e.events[event], subscription{id: id, fn: fn})

	var once sync.Once
	return func() {
		once.Do(func() { e.off(event, id) })
	}
}

// Once registers fn for a single delivery of event.
func (e *Emitter) Once(event string, fn Listener) (remove func()) {
	var (
		once   sync.Once
		cancel func()
	)

	ready := make(chan struct{})
	cancel = e.On(event, func(args ...any) {
		<-ready
		once.Do(func() {
			cancel()
			fn(args...)
		})
	})
	close(ready)

	return cancel
}

func (e *Emitter) off(event string, id uint64) {
	e.mu.Lock()
	defer e.mu.Unlock()

	subs := e.events[event]
	for i, s := range subs {
		if s.id == id {
			e.events[event] = append(subs[:i:i], subs[i+1:]...)
			break
		}
	}

	if len(e.events[event]) == 0 {
		delete(e.events, event)
	}
}

// ListenerCount reports how many listeners are registered for event.
func (e *Emitter) ListenerCount(event string) int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.events[event])
}

// Emit calls every listener registered for event, in registration order, on
// the calling goroutine. Listeners added or removed during Emit take effect
// from the next call.
func (e *Emitter) Emit(event string, args ...any) {
	e.mu.RLock()
	subs := make([]subscription, len(e.events[event]))
	copy(subs, e.events[event])
	e.mu.RUnlock()

	for _, s := range subs {
		s.fn(args...)
	}
}
