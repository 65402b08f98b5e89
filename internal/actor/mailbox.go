package actor

import "sync"

// mailbox is an unbounded FIFO queue of envelopes. Closing it rejects further
// pushes but lets take drain what was already accepted.
type mailbox struct {
	mu     sync.Mutex
	cond   *sync.Cond
	queue  []envelope
	closed bool
}

func newMailbox() *mailbox {
	m := &mailbox{}
	m.cond = sync.NewCond(&m.mu)
	return m
}

// push appends env and returns false if the mailbox is closed.
func (m *mailbox) push(env envelope) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return false
	}
	m.queue = append(m.queue, env)
	m.cond.Signal()
	return true
}

// take blocks until an envelope is available. It returns false once the
// mailbox is closed and empty.
func (m *mailbox) take() (envelope, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for len(m.queue) == 0 && !m.closed {
		m.cond.Wait()
	}
	if len(m.queue) == 0 {
		return envelope{}, false
	}
	env := m.queue[0]
	m.queue[0] = envelope{}
	m.queue = m.queue[1:]
	return env, true
}

// close stops accepting pushes and wakes the taker. It returns false if the
// mailbox was already closed.
func (m *mailbox) close() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return false
	}
	m.closed = true
	m.cond.Broadcast()
	return true
}

func (m *mailbox) isClosed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

func (m *mailbox) len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.queue)
}
