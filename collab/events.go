package collab

import "sync"

// Emitter is a small typed publish/subscribe hub used for the
// observable side of each component (reconnection progress, backup
// results, conflict lifecycle). Subscribing returns a handle that
// unregisters the listener; after Close no listener fires again.
type Emitter struct {
	mu       sync.Mutex
	nextID   int
	closed   bool
	handlers map[string]map[int]func(payload any)
}

// Subscription unregisters one listener when canceled.
type Subscription struct {
	cancel func()
	once   sync.Once
}

// Cancel removes the listener. Safe to call more than once.
func (s *Subscription) Cancel() {
	s.once.Do(s.cancel)
}

// NewEmitter creates an empty emitter.
func NewEmitter() *Emitter {
	return &Emitter{handlers: make(map[string]map[int]func(any))}
}

// Subscribe registers a listener for the named event.
func (e *Emitter) Subscribe(name string, fn func(payload any)) *Subscription {
	e.mu.Lock()
	defer e.mu.Unlock()

	id := e.nextID
	e.nextID++
	if e.handlers[name] == nil {
		e.handlers[name] = make(map[int]func(any))
	}
	if !e.closed {
		e.handlers[name][id] = fn
	}

	return &Subscription{cancel: func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		delete(e.handlers[name], id)
	}}
}

// Emit invokes every listener registered for the named event. Listeners
// run synchronously on the caller's goroutine, outside the emitter lock
// so they may subscribe or cancel freely.
func (e *Emitter) Emit(name string, payload any) {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	fns := make([]func(any), 0, len(e.handlers[name]))
	for _, fn := range e.handlers[name] {
		fns = append(fns, fn)
	}
	e.mu.Unlock()

	for _, fn := range fns {
		fn(payload)
	}
}

// Close drops all listeners and rejects future subscriptions.
func (e *Emitter) Close() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.closed = true
	e.handlers = make(map[string]map[int]func(any))
}
