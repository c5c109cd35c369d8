package source

import "sync"

type delivery struct {
	snap Snapshot
	err  error
}

// Mailbox queues the deliveries of one subscription and hands them to the
// subscriber from its own goroutine, in queue order. Queueing never blocks,
// so a slow subscriber cannot hold up the writer that produced the event.
type Mailbox struct {
	guard *Guard

	mu     sync.Mutex
	queue  []delivery
	signal chan struct{}
	done   chan struct{}
}

// NewMailbox creates a mailbox and starts its delivery goroutine. release
// runs once when the mailbox is cancelled and may be nil.
func NewMailbox(onNext func(Snapshot), onError func(error), release func()) *Mailbox {
	m := &Mailbox{
		signal: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
	m.guard = NewGuard(onNext, onError, func() {
		close(m.done)
		if release != nil {
			release()
		}
	})
	go m.run()
	return m
}

// Next queues a snapshot.
func (m *Mailbox) Next(s Snapshot) {
	m.push(delivery{snap: s})
}

// Fail queues an error.
func (m *Mailbox) Fail(err error) {
	m.push(delivery{err: err})
}

// Cancel stops delivery. Queued events that have not started are dropped.
// Safe to call more than once and from inside a callback.
func (m *Mailbox) Cancel() {
	m.guard.Cancel()
}

// Stopped reports whether the mailbox was cancelled.
func (m *Mailbox) Stopped() bool {
	return m.guard.Stopped()
}

func (m *Mailbox) push(d delivery) {
	if m.guard.Stopped() {
		return
	}
	m.mu.Lock()
	m.queue = append(m.queue, d)
	m.mu.Unlock()

	select {
	case m.signal <- struct{}{}:
	default:
	}
}

func (m *Mailbox) pop() (delivery, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.queue) == 0 {
		return delivery{}, false
	}
	d := m.queue[0]
	m.queue[0] = delivery{}
	m.queue = m.queue[1:]
	return d, true
}

func (m *Mailbox) run() {
	for {
		select {
		case <-m.done:
			return
		case <-m.signal:
		}

		for {
			d, ok := m.pop()
			if !ok {
				break
			}
			var delivered bool
			if d.err != nil {
				delivered = m.guard.Fail(d.err)
			} else {
				delivered = m.guard.Next(d.snap)
			}
			if !delivered {
				return
			}
		}
	}
}
