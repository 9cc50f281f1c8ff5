package session

import (
	"sync"

	"github.com/AndyTargino/vex-client-sdk/internal/model"
)

// Emitter fans events out to subscribers.
// Emit runs listeners on the caller's goroutine, outside the lock.
type Emitter struct {
	mu        sync.Mutex
	nextID    int
	listeners map[int]func(model.Event)
}

func NewEmitter() *Emitter {
	return &Emitter{listeners: make(map[int]func(model.Event))}
}

func (e *Emitter) Subscribe(fn func(model.Event)) func() {
	e.mu.Lock()
	id := e.nextID
	e.nextID++
	e.listeners[id] = fn
	e.mu.Unlock()

	return func() {
		e.mu.Lock()
		delete(e.listeners, id)
		e.mu.Unlock()
	}
}

func (e *Emitter) Emit(events ...model.Event) {
	if len(events) == 0 {
		return
	}
	e.mu.Lock()
	fns := make([]func(model.Event), 0, len(e.listeners))
	for _, fn := range e.listeners {
		fns = append(fns, fn)
	}
	e.mu.Unlock()

	for _, ev := range events {
		for _, fn := range fns {
			fn(ev)
		}
	}
}

func (e *Emitter) Len() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.listeners)
}

// Clear drops every listener.
func (e *Emitter) Clear() {
	e.mu.Lock()
	e.listeners = make(map[int]func(model.Event))
	e.mu.Unlock()
}
