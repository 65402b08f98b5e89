package actor

import "sync"

// MessageHandler receives messages addressed to an agent.
// Handlers of a cloneable agent may run concurrently.
type MessageHandler interface {
	HandleMessage(agent *Agent, msg *Message)
}

// MessageHandlerFunc adapts a function to MessageHandler.
type MessageHandlerFunc func(agent *Agent, msg *Message)

// HandleMessage calls f.
func (f MessageHandlerFunc) HandleMessage(agent *Agent, msg *Message) {
	f(agent, msg)
}

// HandlerID identifies a registered handler for removal.
type HandlerID uint64

type handlerEntry struct {
	id      HandlerID
	handler MessageHandler
}

// handlerRegistry keeps handlers in registration order.
type handlerRegistry struct {
	mu      sync.RWMutex
	nextID  HandlerID
	entries []handlerEntry
}

func (r *handlerRegistry) add(h MessageHandler) HandlerID {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextID++
	r.entries = append(r.entries, handlerEntry{id: r.nextID, handler: h})
	return r.nextID
}

func (r *handlerRegistry) remove(id HandlerID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, e := range r.entries {
		if e.id == id {
			r.entries = append(r.entries[:i:i], r.entries[i+1:]...)
			return true
		}
	}
	return false
}

func (r *handlerRegistry) snapshot() []MessageHandler {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]MessageHandler, len(r.entries))
	for i, e := range r.entries {
		out[i] = e.handler
	}
	return out
}
