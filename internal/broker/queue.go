package broker

import "sync"

// queue is one subscriber connection's bounded delivery buffer. A single
// writer goroutine drains it into the connection's Sink; enqueue never
// blocks. On overflow the oldest entry is dropped and the stream is
// marked gapped so the next delivery carries an explicit gap notice.
type queue struct {
	mu      sync.Mutex
	items   []Notification
	head    int
	count   int
	gapped  bool
	dropped int
	closed  bool
	notify  chan struct{}
}

func newQueue(capacity int) *queue {
	return &queue{
		items:  make([]Notification, capacity),
		notify: make(chan struct{}, 1),
	}
}

func (q *queue) push(n Notification) (overflowed bool) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return false
	}
	if q.count == len(q.items) {
		q.head = (q.head + 1) % len(q.items)
		q.count--
		q.gapped = true
		q.dropped++
		overflowed = true
	}
	q.items[(q.head+q.count)%len(q.items)] = n
	q.count++
	q.mu.Unlock()

	select {
	case q.notify <- struct{}{}:
	default:
	}
	return overflowed
}

// pop returns the next notification, preceded by a synthetic gap notice
// when entries were dropped since the last delivery. ok is false when
// the queue is empty or closed.
func (q *queue) pop() (Notification, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed || q.count == 0 {
		return Notification{}, false
	}
	next := q.items[q.head]
	if q.gapped {
		q.gapped = false
		q.dropped = 0
		return Notification{
			Table: next.Table,
			Key:   next.Key,
			Seq:   next.Seq,
			Kind:  KindGap,
			Gap:   true,
		}, true
	}
	q.items[q.head] = Notification{}
	q.head = (q.head + 1) % len(q.items)
	q.count--
	return next, true
}

func (q *queue) close() {
	q.mu.Lock()
	alreadyClosed := q.closed
	q.closed = true
	q.mu.Unlock()
	if !alreadyClosed {
		select {
		case q.notify <- struct{}{}:
		default:
		}
	}
}

func (q *queue) isClosed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closed
}
