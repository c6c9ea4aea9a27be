// Package mailbox provides an unbounded FIFO that hands values to a single
// reader over a channel. Put never blocks, so a slow reader cannot stall the
// producer.
package mailbox

import "sync"

type Mailbox[T any] struct {
	mu     sync.Mutex
	items  []T
	closed bool

	signal chan struct{}
	out    chan T
	done   chan struct{}
	exited chan struct{}
	once   sync.Once
}

func New[T any]() *Mailbox[T] {
	m := &Mailbox[T]{
		signal: make(chan struct{}, 1),
		out:    make(chan T),
		done:   make(chan struct{}),
		exited: make(chan struct{}),
	}
	go m.pump()
	return m
}

// Put enqueues v. It returns false once the mailbox is closed.
func (m *Mailbox[T]) Put(v T) bool {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return false
	}
	m.items = append(m.items, v)
	m.mu.Unlock()

	select {
	case m.signal <- struct{}{}:
	default:
	}
	return true
}

// C delivers queued values in Put order. It is closed after Close.
func (m *Mailbox[T]) C() <-chan T {
	return m.out
}

// Len is the number of values not yet handed to the reader.
func (m *Mailbox[T]) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.items)
}

// Close drops pending values. When it returns, nothing more is sent on C.
func (m *Mailbox[T]) Close() {
	m.once.Do(func() {
		m.mu.Lock()
		m.closed = true
		m.items = nil
		m.mu.Unlock()
		close(m.done)
	})
	<-m.exited
}

func (m *Mailbox[T]) pump() {
	defer close(m.exited)
	defer close(m.out)

	var zero T
	for {
		m.mu.Lock()
		if m.closed {
			m.mu.Unlock()
			return
		}
		if len(m.items) == 0 {
			m.mu.Unlock()
			select {
			case <-m.signal:
				continue
			case <-m.done:
				return
			}
		}
		v := m.items[0]
		m.items[0] = zero
		m.items = m.items[1:]
		m.mu.Unlock()

		select {
		case m.out <- v:
		case <-m.done:
			return
		}
	}
}
