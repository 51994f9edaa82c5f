package smartcard

import "sync"

// dispatcher delivers transport events one at a time, in arrival order,
// on its own goroutine. enqueue never blocks the producer.
type dispatcher struct {
	handle func(Event)

	mu      sync.Mutex
	pending []Event
	closed  bool

	wake chan struct{}
	quit chan struct{}
	done chan struct{}
}

func newDispatcher(handle func(Event)) *dispatcher {
	return &dispatcher{
		handle: handle,
		wake:   make(chan struct{}, 1),
		quit:   make(chan struct{}),
		done:   make(chan struct{}),
	}
}

func (d *dispatcher) start() {
	go d.loop()
}

func (d *dispatcher) enqueue(ev Event) {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.pending = append(d.pending, ev)
	d.mu.Unlock()

	select {
	case d.wake <- struct{}{}:
	default:
	}
}

func (d *dispatcher) loop() {
	defer close(d.done)
	for {
		select {
		case <-d.wake:
		case <-d.quit:
			return
		}

		for {
			d.mu.Lock()
			if len(d.pending) == 0 {
				d.mu.Unlock()
				break
			}
			batch := d.pending
			d.pending = nil
			d.mu.Unlock()

			for _, ev := range batch {
				d.handle(ev)
			}
		}
	}
}

// stop drops undelivered events and waits for the loop to exit. It must
// not be called from the dispatcher goroutine.
func (d *dispatcher) stop() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	d.pending = nil
	d.mu.Unlock()

	close(d.quit)
	<-d.done
}
