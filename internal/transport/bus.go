package transport

import "sync"

// Bus is a typed event dispatcher. Subscribing returns a Subscription
// handle; tearing a listener down is invoking Unsubscribe on the handle,
// never a second symmetric remove call.
type Bus struct {
	mu       sync.RWMutex
	nextId   uint64
	handlers map[string]map[uint64]EventHandler
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{handlers: make(map[string]map[uint64]EventHandler)}
}

// Subscribe registers h for event and returns its teardown handle.
func (b *Bus) Subscribe(event string, h EventHandler) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextId++
	id := b.nextId
	set, ok := b.handlers[event]
	if !ok {
		set = make(map[uint64]EventHandler)
		b.handlers[event] = set
	}
	set[id] = h

	return &Subscription{bus: b, event: event, id: id}
}

// Dispatch invokes every handler registered for event. Handlers run on the
// caller's goroutine; the engine serializes its own state internally.
func (b *Bus) Dispatch(event string, data []byte) {
	b.mu.RLock()
	set := b.handlers[event]
	hs := make([]EventHandler, 0, len(set))
	for _, h := range set {
		hs = append(hs, h)
	}
	b.mu.RUnlock()

	for _, h := range hs {
		h(event, data)
	}
}

// HandlerCount reports how many handlers are registered for event.
func (b *Bus) HandlerCount(event string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.handlers[event])
}

// Subscription is the disposer returned by Subscribe.
type Subscription struct {
	bus   *Bus
	event string
	id    uint64
	once  sync.Once
}

// Unsubscribe removes the handler. Idempotent.
func (s *Subscription) Unsubscribe() {
	s.once.Do(func() {
		s.bus.mu.Lock()
		defer s.bus.mu.Unlock()

		set, ok := s.bus.handlers[s.event]
		if !ok {
			return
		}
		delete(set, s.id)
		if len(set) == 0 {
			delete(s.bus.handlers, s.event)
		}
	})
}
