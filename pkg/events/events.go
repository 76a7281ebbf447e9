// Package events holds the observer lists the hub components use to react to
// each other without knowing about each other.
package events

import (
	"fmt"
	"sync"

	"go.uber.org/zap"
)

type subscriber[T any] struct {
	id      uint64
	handler func(T)
}

// EventSource is a list of subscribers for one event type. Raise delivers to
// every subscriber present when it is called, in subscription order, on the
// raising goroutine. A panicking subscriber is logged and does not stop
// delivery to the others.
type EventSource[T any] struct {
	name string

	mut_subscribers sync.RWMutex
	nextId          uint64
	subscribers     []subscriber[T]

	log *zap.Logger
}

func CreateEventSource[T any](name string, logger *zap.Logger) *EventSource[T] {
	log := logger
	if log == nil {
		log = zap.NewNop()
	}

	return &EventSource[T]{
		name:            name,
		mut_subscribers: sync.RWMutex{},
		subscribers:     []subscriber[T]{},
		log:             log.With(zap.String("event", name)),
	}
}

// Subscribe registers handler and returns a func that removes it again.
func (e *EventSource[T]) Subscribe(handler func(T)) func() {
	e.mut_subscribers.Lock()
	defer e.mut_subscribers.Unlock()

	e.nextId++
	id := e.nextId

	// Copy on write: Raise iterates over a slice it grabbed without holding the lock.
	next := make([]subscriber[T], 0, len(e.subscribers)+1)
	next = append(next, e.subscribers...)
	e.subscribers = append(next, subscriber[T]{id: id, handler: handler})

	once := sync.Once{}
	return func() {
		once.Do(func() { e.unsubscribe(id) })
	}
}

func (e *EventSource[T]) unsubscribe(id uint64) {
	e.mut_subscribers.Lock()
	defer e.mut_subscribers.Unlock()

	next := make([]subscriber[T], 0, len(e.subscribers))
	for _, s := range e.subscribers {
		if s.id != id {
			next = append(next, s)
		}
	}
	e.subscribers = next
}

func (e *EventSource[T]) SubscriberCount() int {
	e.mut_subscribers.RLock()
	defer e.mut_subscribers.RUnlock()
	return len(e.subscribers)
}

func (e *EventSource[T]) Raise(event T) {
	e.mut_subscribers.RLock()
	subscribers := e.subscribers
	e.mut_subscribers.RUnlock()

	for _, s := range subscribers {
		e.invoke(s, event)
	}
}

func (e *EventSource[T]) invoke(s subscriber[T], event T) {
	defer func() {
		if r := recover(); r != nil {
			e.log.Error("Event subscriber panicked", zap.Uint64("subscriberId", s.id), zap.String("panic", fmt.Sprint(r)))
		}
	}()

	s.handler(event)
}
