package bus

import "sync"

// Hub is an in-process EventPublisher. Handlers run synchronously on the
// broadcasting goroutine, so they must not block.
type Hub struct {
	mu       sync.RWMutex
	handlers map[string]EventHandler
}

// NewHub creates an empty event hub.
func NewHub() *Hub {
	return &Hub{handlers: make(map[string]EventHandler)}
}

func (h *Hub) Subscribe(id string, handler EventHandler) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.handlers[id] = handler
}

func (h *Hub) Unsubscribe(id string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.handlers, id)
}

func (h *Hub) Broadcast(event Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, fn := range h.handlers {
		fn(event)
	}
}

// Subscribers returns the number of registered handlers.
func (h *Hub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.handlers)
}

// Nop is an EventPublisher that drops everything.
type Nop struct{}

func (Nop) Subscribe(string, EventHandler) {}
func (Nop) Unsubscribe(string)             {}
func (Nop) Broadcast(Event)                {}
