package util

import "sync"

// Queue is an unbounded single-consumer FIFO. Push never blocks, so libp2p
// notifiees and event loops can publish to a slow reader. Items come out of
// Out() in push order.
type Queue[T any] struct {
	mu     sync.Mutex
	items  []T
	signal chan struct{}
	out    chan T
	flush  chan chan int
	done   chan struct{}
	once   sync.Once
}

// NewQueue creates a queue and starts its pump goroutine.
func NewQueue[T any]() *Queue[T] {
	q := &Queue[T]{
		signal: make(chan struct{}, 1),
		out:    make(chan T),
		flush:  make(chan chan int),
		done:   make(chan struct{}),
	}
	go q.pump()
	return q
}

// Push appends an item. Pushing to a closed queue is a no-op.
func (q *Queue[T]) Push(item T) {
	select {
	case <-q.done:
		return
	default:
	}

	q.mu.Lock()
	q.items = append(q.items, item)
	q.mu.Unlock()

	select {
	case q.signal <- struct{}{}:
	default:
	}
}

// Out is the consumer side. It is closed after Close.
func (q *Queue[T]) Out() <-chan T {
	return q.out
}

// Len returns the number of items not yet handed to the consumer.
func (q *Queue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Drain discards every item not yet received, including the one the pump
// is offering on Out(), and returns how many were dropped.
func (q *Queue[T]) Drain() int {
	reply := make(chan int, 1)
	select {
	case q.flush <- reply:
		return <-reply
	case <-q.done:
		return 0
	}
}

// Close stops the pump and closes Out(). Pending items are dropped.
func (q *Queue[T]) Close() {
	q.once.Do(func() { close(q.done) })
}

func (q *Queue[T]) pump() {
	defer close(q.out)
	var zero T
	for {
		q.mu.Lock()
		if len(q.items) == 0 {
			q.mu.Unlock()
			select {
			case <-q.signal:
				continue
			case reply := <-q.flush:
				reply <- q.discard(0)
				continue
			case <-q.done:
				return
			}
		}
		item := q.items[0]
		q.items[0] = zero
		q.items = q.items[1:]
		q.mu.Unlock()

		select {
		case q.out <- item:
		case reply := <-q.flush:
			reply <- q.discard(1)
		case <-q.done:
			return
		}
	}
}

func (q *Queue[T]) discard(held int) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := held + len(q.items)
	q.items = nil
	return n
}
