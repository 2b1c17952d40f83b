package dispatch

import (
	"sync/atomic"

	"printwatch/device"
)

// Ring is a lock-free circular buffer holding the most recent events.
// Each slot is an atomic pointer, so writers publish a fully built event in
// one step and readers either see the previous event or the new one, never
// partial state.
type Ring struct {
	slots    []atomic.Pointer[device.ChangeEvent]
	capacity int
	total    atomic.Uint64 // total events added, may exceed capacity
}

// NewRing allocates a ring with the given capacity. Capacity bounds how much
// history the stats display and eventdump can see; dispatch to sinks runs
// independently of this storage.
func NewRing(capacity int) *Ring {
	if capacity <= 0 {
		capacity = 256
	}
	return &Ring{
		slots:    make([]atomic.Pointer[device.ChangeEvent], capacity),
		capacity: capacity,
	}
}

// Add appends an event, assigning a monotonic ID so readers can skip stale
// entries after the buffer wraps.
func (r *Ring) Add(ev *device.ChangeEvent) {
	id := r.total.Add(1)
	ev.ID = id
	r.slots[(id-1)%uint64(r.capacity)].Store(ev)
}

// Recent returns up to n of the newest events, newest first. Readers walk
// the ID-ordered ring backward without taking locks or disturbing writers.
func (r *Ring) Recent(n int) []*device.ChangeEvent {
	if n <= 0 {
		return []*device.ChangeEvent{}
	}
	total := r.total.Load()
	available := int(total)
	if available > r.capacity {
		available = r.capacity
	}
	if n > available {
		n = available
	}

	result := make([]*device.ChangeEvent, 0, n)
	if total == 0 {
		return result
	}
	minIndex := total - uint64(available)
	for idx := total; idx > minIndex && len(result) < n; {
		idx--
		slot := idx % uint64(r.capacity)
		// The ID check skips slots overwritten after wraparound.
		if ev := r.slots[slot].Load(); ev != nil && ev.ID == idx+1 {
			result = append(result, ev)
		}
	}
	return result
}

// Count returns the total number of events added, which may exceed capacity.
func (r *Ring) Count() int {
	return int(r.total.Load())
}
