package process

import (
	"fmt"

	"github.com/google/uuid"
)

// Handler receives events from the shared bus
type Handler func(Event)

// Subscription is an explicit handle returned on attach and required on
// detach, so cleanup is structural rather than best-effort.
type Subscription struct {
	ID   string
	Kind EventKind
}

// Subscribe attaches a handler for one event kind to the shared bus. The
// backend event stream is opened lazily on the first subscription and is
// shared by all subscribers.
func (m *Manager) Subscribe(kind EventKind, h Handler) (*Subscription, error) {
	if h == nil {
		return nil, fmt.Errorf("nil handler")
	}

	if err := m.ensureBus(); err != nil {
		return nil, err
	}

	sub := &Subscription{
		ID:   uuid.New().String(),
		Kind: kind,
	}

	m.mu.Lock()
	m.handlers[sub.ID] = busEntry{kind: kind, fn: h}
	m.mu.Unlock()

	return sub, nil
}

// Unsubscribe detaches a previously attached handler. Detaching an unknown
// or already-detached handle is a no-op.
func (m *Manager) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	m.mu.Lock()
	delete(m.handlers, sub.ID)
	m.mu.Unlock()
}

// ListenerCount returns the number of attached handlers
func (m *Manager) ListenerCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.handlers)
}

// dispatch delivers one normalized event to every matching handler
func (m *Manager) dispatch(e Event) {
	m.mu.RLock()
	targets := make([]Handler, 0, len(m.handlers))
	for _, entry := range m.handlers {
		if entry.kind == e.Kind {
			targets = append(targets, entry.fn)
		}
	}
	m.mu.RUnlock()

	for _, fn := range targets {
		fn(e)
	}
}
