package transport

import "sync"

// EventQueue is an unbounded, ordered event stream. Backends push from
// radio or D-Bus callbacks without blocking; a pump goroutine feeds the
// channel returned by C.
type EventQueue struct {
	mu      sync.Mutex
	pending []Event
	wake    chan struct{}
	out     chan Event
	done    chan struct{}
	once    sync.Once
}

// NewEventQueue starts an EventQueue. Close stops it.
func NewEventQueue() *EventQueue {
	q := &EventQueue{
		wake: make(chan struct{}, 1),
		out:  make(chan Event),
		done: make(chan struct{}),
	}
	go q.pump()
	return q
}

// C returns the receive side of the queue. It is closed after Close.
func (q *EventQueue) C() <-chan Event {
	return q.out
}

// Push appends e. It never blocks.
func (q *EventQueue) Push(e Event) {
	q.mu.Lock()
	q.pending = append(q.pending, e)
	q.mu.Unlock()

	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// Close stops delivery. Undelivered events are discarded.
func (q *EventQueue) Close() {
	q.once.Do(func() { close(q.done) })
}

func (q *EventQueue) pump() {
	defer close(q.out)
	for {
		q.mu.Lock()
		if len(q.pending) == 0 {
			q.mu.Unlock()
			select {
			case <-q.wake:
				continue
			case <-q.done:
				return
			}
		}
		e := q.pending[0]
		q.pending[0] = Event{}
		q.pending = q.pending[1:]
		q.mu.Unlock()

		select {
		case q.out <- e:
		case <-q.done:
			return
		}
	}
}

// DropGuard delivers at most one EventDisconnected per connection. Arm it
// on connect; Fire returns true only for the first caller after Arm.
type DropGuard struct {
	mu    sync.Mutex
	armed bool
}

// Arm marks a new connection as live.
func (g *DropGuard) Arm() {
	g.mu.Lock()
	g.armed = true
	g.mu.Unlock()
}

// Fire disarms the guard and reports whether it was armed.
func (g *DropGuard) Fire() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	was := g.armed
	g.armed = false
	return was
}
