package clinicchat

import (
	"log/slog"
	"sync"
)

// emitter fans a value out to registered handlers, synchronously and in
// registration order. A panicking handler is logged and skipped.
type emitter[T any] struct {
	mu       sync.RWMutex
	nextID   int
	handlers []handlerEntry[T]
	log      *slog.Logger
	name     string
}

type handlerEntry[T any] struct {
	id int
	fn func(T)
}

func newEmitter[T any](name string, log *slog.Logger) *emitter[T] {
	return &emitter[T]{name: name, log: log}
}

// subscribe registers fn and returns a function that removes it.
func (e *emitter[T]) subscribe(fn func(T)) func() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.nextID++
	id := e.nextID
	e.handlers = append(e.handlers, handlerEntry[T]{id: id, fn: fn})
	return func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		for i, h := range e.handlers {
			if h.id == id {
				e.handlers = append(e.handlers[:i:i], e.handlers[i+1:]...)
				return
			}
		}
	}
}

func (e *emitter[T]) emit(v T) {
	e.mu.RLock()
	handlers := append([]handlerEntry[T](nil), e.handlers...)
	e.mu.RUnlock()
	for _, h := range handlers {
		func() {
			defer func() {
				if r := recover(); r != nil {
					e.log.Error("handler panicked", "emitter", e.name, "panic", r)
				}
			}()
			h.fn(v)
		}()
	}
}

func (e *emitter[T]) removeAll() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.handlers = nil
}
