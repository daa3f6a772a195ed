package session

import "sync"

type queuedEvent struct {
	seq uint64
	ev  Event
}

type subscription struct {
	fn   func(Event)
	from uint64
}

// dispatcher delivers events to observers on one goroutine, in publish
// order. publish never blocks. An observer sees only events published after
// it subscribed.
type dispatcher struct {
	mu     sync.Mutex
	seq    uint64
	queue  []queuedEvent
	subs   map[int]subscription
	nextID int
	closed bool

	wake chan struct{}
	quit chan struct{}
}

func newDispatcher() *dispatcher {
	d := &dispatcher{
		subs: make(map[int]subscription),
		wake: make(chan struct{}, 1),
		quit: make(chan struct{}),
	}
	go d.loop()
	return d
}

func (d *dispatcher) subscribe(fn func(Event)) func() {
	d.mu.Lock()
	id := d.nextID
	d.nextID++
	d.subs[id] = subscription{fn: fn, from: d.seq}
	d.mu.Unlock()

	return func() {
		d.mu.Lock()
		delete(d.subs, id)
		d.mu.Unlock()
	}
}

func (d *dispatcher) publish(ev Event) {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.queue = append(d.queue, queuedEvent{seq: d.seq, ev: ev})
	d.seq++
	d.mu.Unlock()

	select {
	case d.wake <- struct{}{}:
	default:
	}
}

// close delivers what is already queued, then stops.
func (d *dispatcher) close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	d.mu.Unlock()
	close(d.quit)
}

func (d *dispatcher) loop() {
	for {
		select {
		case <-d.wake:
		case <-d.quit:
			d.drain()
			return
		}
		d.drain()
	}
}

func (d *dispatcher) drain() {
	for {
		d.mu.Lock()
		if len(d.queue) == 0 {
			d.mu.Unlock()
			return
		}
		batch := d.queue
		d.queue = nil
		subs := make([]subscription, 0, len(d.subs))
		for id := 0; id < d.nextID; id++ {
			if s, ok := d.subs[id]; ok {
				subs = append(subs, s)
			}
		}
		d.mu.Unlock()

		for _, q := range batch {
			for _, s := range subs {
				if q.seq >= s.from {
					s.fn(q.ev)
				}
			}
		}
	}
}
