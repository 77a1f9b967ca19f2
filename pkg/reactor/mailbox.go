package reactor

import "sync"

// signalKind discriminates the change notifications a reconciler processes.
// A dedicated recompute-all kind replaces the string sentinel id older
// revisions used, so no legitimately-named entity can collide with it.
type signalKind int

const (
	// signalServerPush carries the full id list of a server result set.
	signalServerPush signalKind = iota
	// signalUpsert introduces one locally written id.
	signalUpsert
	// signalDelete drops one locally deleted id.
	signalDelete
	// signalRecomputeAll re-derives every result without touching id lists.
	signalRecomputeAll
	// signalEntityChanged re-derives after a store-level change to one
	// already-tracked id.
	signalEntityChanged
)

// signal is one mailbox message.
type signal struct {
	kind signalKind
	id   string
	ids  []string
}

// mailbox is the per-reconciler inbound queue. Signals for one reconciler
// are processed strictly in the order they were put, while different
// reconcilers drain independently. put never blocks; the size-one wake
// channel conflates wake-ups, not messages.
type mailbox struct {
	mu     sync.Mutex
	queue  []signal
	wake   chan struct{}
	closed bool
}

func newMailbox() *mailbox {
	return &mailbox{wake: make(chan struct{}, 1)}
}

// put appends a signal and wakes the drain loop. Dropped silently once the
// mailbox is closed, so late store observers cannot revive a torn-down
// subscription.
func (m *mailbox) put(sig signal) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.queue = append(m.queue, sig)
	m.mu.Unlock()

	select {
	case m.wake <- struct{}{}:
	default:
		// Already signalled
	}
}

// drain takes every queued signal in order.
func (m *mailbox) drain() []signal {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := m.queue
	m.queue = nil
	return out
}

// close drops queued signals and rejects future puts.
func (m *mailbox) close() {
	m.mu.Lock()
	m.closed = true
	m.queue = nil
	m.mu.Unlock()

	select {
	case m.wake <- struct{}{}:
	default:
	}
}
