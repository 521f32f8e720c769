package blockchain

import "sync"

// eventQueue is an unbounded FIFO feeding a single output channel.
// push never blocks, so events can be emitted while holding the client
// lock without stalling a consumer that is itself calling into the client.
type eventQueue struct {
	mu      sync.Mutex
	pending []Event
	notify  chan struct{}
	out     chan Event
	quit    chan struct{}
	once    sync.Once
}

func newEventQueue() *eventQueue {
	q := &eventQueue{
		notify: make(chan struct{}, 1),
		out:    make(chan Event),
		quit:   make(chan struct{}),
	}
	go q.run()
	return q
}

func (q *eventQueue) push(ev Event) {
	q.mu.Lock()
	q.pending = append(q.pending, ev)
	q.mu.Unlock()

	select {
	case q.notify <- struct{}{}:
	default:
	}
}

func (q *eventQueue) run() {
	for {
		q.mu.Lock()
		if len(q.pending) == 0 {
			q.mu.Unlock()
			select {
			case <-q.notify:
				continue
			case <-q.quit:
				return
			}
		}
		ev := q.pending[0]
		q.pending[0] = Event{}
		q.pending = q.pending[1:]
		q.mu.Unlock()

		select {
		case q.out <- ev:
		case <-q.quit:
			return
		}
	}
}

func (q *eventQueue) stop() {
	q.once.Do(func() { close(q.quit) })
}
