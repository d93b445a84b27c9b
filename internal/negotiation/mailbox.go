package negotiation

import "sync"

// mailbox is the engine's unbounded FIFO of pending work. post never blocks,
// so resource callbacks fired from inside a resource call cannot deadlock
// against the engine goroutine; late completions wait their turn.
type mailbox struct {
	mu     sync.Mutex
	ops    []func()
	notify chan struct{}
}

func newMailbox() *mailbox {
	return &mailbox{notify: make(chan struct{}, 1)}
}

func (m *mailbox) post(op func()) {
	m.mu.Lock()
	m.ops = append(m.ops, op)
	m.mu.Unlock()

	select {
	case m.notify <- struct{}{}:
	default:
	}
}

// take removes and returns everything posted so far.
func (m *mailbox) take() []func() {
	m.mu.Lock()
	defer m.mu.Unlock()
	ops := m.ops
	m.ops = nil
	return ops
}
