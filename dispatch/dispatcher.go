// Package dispatch fans change events out to registered sinks. Every sink
// gets its own queue and worker goroutine, so one stuck webhook endpoint
// cannot delay the log line or the archive. Delivery failures are counted
// and logged, never propagated back to the poller.
package dispatch

import (
	"log"
	"sync"
	"sync/atomic"

	"printwatch/device"
	"printwatch/stats"
)

// Sink receives events from one dedicated dispatcher goroutine. Deliver may
// block; only its own queue backs up while it does.
type Sink interface {
	Name() string
	Deliver(ev *device.ChangeEvent) error
}

// SinkStats is a point-in-time view of one sink's counters.
type SinkStats struct {
	Name      string
	Delivered uint64
	Drops     uint64
	Failures  uint64
}

type sinkWorker struct {
	sink      Sink
	ch        chan *device.ChangeEvent
	delivered atomic.Uint64
	drops     atomic.Uint64
	failures  atomic.Uint64
}

// Dispatcher owns the recent-event ring and the per-sink workers.
type Dispatcher struct {
	ring    *Ring
	tracker *stats.Tracker

	queueDepth int
	workers    []*sinkWorker
	wg         sync.WaitGroup

	mu      sync.Mutex
	started bool
	closed  bool
}

// NewDispatcher creates a dispatcher with the given ring capacity and
// per-sink queue depth. The tracker may be nil in tests.
func NewDispatcher(ringCapacity, sinkQueueDepth int, tracker *stats.Tracker) *Dispatcher {
	if sinkQueueDepth <= 0 {
		sinkQueueDepth = 64
	}
	return &Dispatcher{
		ring:       NewRing(ringCapacity),
		tracker:    tracker,
		queueDepth: sinkQueueDepth,
	}
}

// Register adds a sink. Must be called before Start.
func (d *Dispatcher) Register(sink Sink) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.started {
		log.Printf("Warning: sink %s registered after dispatcher start, ignoring", sink.Name())
		return
	}
	d.workers = append(d.workers, &sinkWorker{
		sink: sink,
		ch:   make(chan *device.ChangeEvent, d.queueDepth),
	})
}

// Start launches one worker goroutine per registered sink.
func (d *Dispatcher) Start() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.started {
		return
	}
	d.started = true
	for _, w := range d.workers {
		d.wg.Add(1)
		go d.runWorker(w)
	}
}

// Publish records the event in the ring and hands it to every sink queue.
// Enqueue never blocks; a full sink queue drops the event for that sink only
// and the drop is counted.
func (d *Dispatcher) Publish(ev *device.ChangeEvent) {
	if ev == nil {
		return
	}
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.ring.Add(ev)
	if d.tracker != nil {
		d.tracker.IncrementEvent(ev.Severity.String())
	}
	for _, w := range d.workers {
		select {
		case w.ch <- ev:
		default:
			drops := w.drops.Add(1)
			if d.tracker != nil {
				d.tracker.IncrementDispatchDrops()
			}
			if shouldLogDrop(drops) {
				log.Printf("Warning: %s sink queue full, dropping event (sink drops=%d)", w.sink.Name(), drops)
			}
		}
	}
	d.mu.Unlock()
}

// Recent returns up to n of the newest published events, newest first.
func (d *Dispatcher) Recent(n int) []*device.ChangeEvent {
	return d.ring.Recent(n)
}

// EventCount returns the total number of events published.
func (d *Dispatcher) EventCount() int {
	return d.ring.Count()
}

// SinkStats returns per-sink counters in registration order.
func (d *Dispatcher) SinkStats() []SinkStats {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]SinkStats, 0, len(d.workers))
	for _, w := range d.workers {
		out = append(out, SinkStats{
			Name:      w.sink.Name(),
			Delivered: w.delivered.Load(),
			Drops:     w.drops.Load(),
			Failures:  w.failures.Load(),
		})
	}
	return out
}

// Close stops accepting events, drains the sink queues, and waits for the
// workers to finish.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	started := d.started
	for _, w := range d.workers {
		close(w.ch)
	}
	d.mu.Unlock()
	if started {
		d.wg.Wait()
	}
}

func (d *Dispatcher) runWorker(w *sinkWorker) {
	defer d.wg.Done()
	for ev := range w.ch {
		if err := w.sink.Deliver(ev); err != nil {
			failures := w.failures.Add(1)
			if shouldLogDrop(failures) {
				log.Printf("Warning: %s sink delivery failed: %v (failures=%d)", w.sink.Name(), err, failures)
			}
			continue
		}
		w.delivered.Add(1)
	}
}

// shouldLogDrop rate-limits drop and failure logging: the first occurrence,
// then every hundredth.
func shouldLogDrop(total uint64) bool {
	return total == 1 || total%100 == 0
}
