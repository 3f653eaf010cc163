package spool

import (
	"sync"
	"time"
)

// Arrival is a debounced notice that a spool file is ready to ingest
type Arrival struct {
	Path string
	Seen time.Time
}

// Debouncer coalesces rapid filesystem events for the same spool file into
// a single arrival. Writers drop files with non-atomic writes, so a single
// drop can surface as several create/write events in quick succession; the
// arrival fires once the file has been quiet for the delay.
type Debouncer struct {
	delay   time.Duration
	pending map[string]*pendingArrival
	mu      sync.Mutex
	output  chan Arrival
	stopCh  chan struct{}
}

type pendingArrival struct {
	arrival Arrival
	timer   *time.Timer
}

// NewDebouncer creates a debouncer with the given quiet period
func NewDebouncer(delayMs int) *Debouncer {
	return &Debouncer{
		delay:   time.Duration(delayMs) * time.Millisecond,
		pending: make(map[string]*pendingArrival),
		output:  make(chan Arrival, 100),
		stopCh:  make(chan struct{}),
	}
}

// Arrivals returns the channel of debounced arrivals
func (d *Debouncer) Arrivals() <-chan Arrival {
	return d.output
}

// Touch records activity on a spool file, starting or resetting its quiet
// period
func (d *Debouncer) Touch(path string) {
	d.mu.Lock()
	defer d.mu.Unlock()

	select {
	case <-d.stopCh:
		return
	default:
	}

	if p, exists := d.pending[path]; exists {
		p.timer.Stop()
		p.arrival.Seen = time.Now()
		p.timer = time.AfterFunc(d.delay, func() { d.emit(path) })
		return
	}

	d.pending[path] = &pendingArrival{
		arrival: Arrival{Path: path, Seen: time.Now()},
		timer:   time.AfterFunc(d.delay, func() { d.emit(path) }),
	}
}

// Forget drops a pending arrival, used when the file disappears before its
// quiet period elapses
func (d *Debouncer) Forget(path string) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if p, exists := d.pending[path]; exists {
		p.timer.Stop()
		delete(d.pending, path)
	}
}

// emit delivers a quiet file to the output channel
func (d *Debouncer) emit(path string) {
	d.mu.Lock()
	p, exists := d.pending[path]
	if exists {
		delete(d.pending, path)
	}
	d.mu.Unlock()

	if exists {
		select {
		case d.output <- p.arrival:
		case <-d.stopCh:
		}
	}
}

// Flush immediately emits all pending arrivals
func (d *Debouncer) Flush() {
	d.mu.Lock()
	paths := make([]string, 0, len(d.pending))
	for path, p := range d.pending {
		p.timer.Stop()
		paths = append(paths, path)
	}
	d.mu.Unlock()

	for _, path := range paths {
		d.emit(path)
	}
}

// Stop stops the debouncer and discards pending arrivals
func (d *Debouncer) Stop() {
	close(d.stopCh)

	d.mu.Lock()
	for _, p := range d.pending {
		p.timer.Stop()
	}
	d.pending = make(map[string]*pendingArrival)
	d.mu.Unlock()

	close(d.output)
}

// PendingCount returns the number of files still in their quiet period
func (d *Debouncer) PendingCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.pending)
}
