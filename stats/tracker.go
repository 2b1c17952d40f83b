// Package stats tracks polling, event, and dispatch counters for the
// periodic console summary.
package stats

import (
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Tracker tracks monitoring statistics across all device tasks.
type Tracker struct {
	// counters are incremented concurrently from every device task
	snapshotCounts sync.Map // source ("POLL"/"PUSH") -> *atomic.Uint64
	eventCounts    sync.Map // severity ("info"/"warning"/"high") -> *atomic.Uint64
	errorCounts    sync.Map // error class ("auth"/"transient"/"notfound") -> *atomic.Uint64
	start          atomic.Int64

	pollCycles       atomic.Uint64
	sessionRefreshes atomic.Uint64
	dispatchDrops    atomic.Uint64
	archiveDrops     atomic.Uint64
	unreachableMarks atomic.Uint64
	powerOffs        atomic.Uint64
}

// NewTracker creates a new stats tracker.
func NewTracker() *Tracker {
	t := &Tracker{}
	t.start.Store(time.Now().UnixNano())
	return t
}

// IncrementSnapshot increases the count for a snapshot source (POLL, PUSH).
func (t *Tracker) IncrementSnapshot(source string) {
	incrementCounter(&t.snapshotCounts, source)
}

// IncrementEvent increases the count for an event severity.
func (t *Tracker) IncrementEvent(severity string) {
	incrementCounter(&t.eventCounts, severity)
}

// IncrementError increases the count for a poll error class.
func (t *Tracker) IncrementError(class string) {
	incrementCounter(&t.errorCounts, class)
}

// IncrementPollCycles counts one completed poll cycle, failed or not.
func (t *Tracker) IncrementPollCycles() { t.pollCycles.Add(1) }

// IncrementSessionRefreshes counts one completed login exchange.
func (t *Tracker) IncrementSessionRefreshes() { t.sessionRefreshes.Add(1) }

// IncrementDispatchDrops counts an event a sink failed to deliver.
func (t *Tracker) IncrementDispatchDrops() { t.dispatchDrops.Add(1) }

// IncrementArchiveDrops counts an event dropped by the archive under backpressure.
func (t *Tracker) IncrementArchiveDrops() { t.archiveDrops.Add(1) }

// IncrementUnreachable counts a device entering the unreachable state.
func (t *Tracker) IncrementUnreachable() { t.unreachableMarks.Add(1) }

// IncrementPowerOffs counts a power-guard shutdown action.
func (t *Tracker) IncrementPowerOffs() { t.powerOffs.Add(1) }

// PollCycles returns the cumulative number of poll cycles.
func (t *Tracker) PollCycles() uint64 { return t.pollCycles.Load() }

// SessionRefreshes returns the cumulative number of login exchanges.
func (t *Tracker) SessionRefreshes() uint64 { return t.sessionRefreshes.Load() }

// DispatchDrops returns the cumulative number of failed sink deliveries.
func (t *Tracker) DispatchDrops() uint64 { return t.dispatchDrops.Load() }

// ArchiveDrops returns the cumulative number of archive backpressure drops.
func (t *Tracker) ArchiveDrops() uint64 { return t.archiveDrops.Load() }

// UnreachableMarks returns how many times devices went unreachable.
func (t *Tracker) UnreachableMarks() uint64 { return t.unreachableMarks.Load() }

// PowerOffs returns the cumulative number of power-guard shutdowns.
func (t *Tracker) PowerOffs() uint64 { return t.powerOffs.Load() }

// GetSnapshotCounts returns a copy of per-source snapshot counts.
func (t *Tracker) GetSnapshotCounts() map[string]uint64 {
	return copyCounts(&t.snapshotCounts)
}

// GetEventCounts returns a copy of per-severity event counts.
func (t *Tracker) GetEventCounts() map[string]uint64 {
	return copyCounts(&t.eventCounts)
}

// GetErrorCounts returns a copy of per-class poll error counts.
func (t *Tracker) GetErrorCounts() map[string]uint64 {
	return copyCounts(&t.errorCounts)
}

// GetTotalEvents returns the total event count across all severities.
func (t *Tracker) GetTotalEvents() uint64 {
	var total uint64
	t.eventCounts.Range(func(_, value any) bool {
		total += value.(*atomic.Uint64).Load()
		return true
	})
	return total
}

// GetUptime returns how long the tracker has been running.
func (t *Tracker) GetUptime() time.Duration {
	start := t.start.Load()
	return time.Since(time.Unix(0, start))
}

// Reset resets all counters.
func (t *Tracker) Reset() {
	clearCounts(&t.snapshotCounts)
	clearCounts(&t.eventCounts)
	clearCounts(&t.errorCounts)
	t.pollCycles.Store(0)
	t.sessionRefreshes.Store(0)
	t.dispatchDrops.Store(0)
	t.archiveDrops.Store(0)
	t.unreachableMarks.Store(0)
	t.powerOffs.Store(0)
	t.start.Store(time.Now().UnixNano())
}

// SnapshotLines returns human-readable stats ready for console display.
func (t *Tracker) SnapshotLines() []string {
	lines := make([]string, 0, 3)
	lines = append(lines, formatMapCounts("Snapshots by source", &t.snapshotCounts))
	lines = append(lines, formatMapCounts("Events by severity", &t.eventCounts))
	lines = append(lines, formatMapCounts("Poll errors by class", &t.errorCounts))
	return lines
}

func copyCounts(m *sync.Map) map[string]uint64 {
	counts := make(map[string]uint64)
	m.Range(func(key, value any) bool {
		counts[key.(string)] = value.(*atomic.Uint64).Load()
		return true
	})
	return counts
}

func clearCounts(m *sync.Map) {
	m.Range(func(key, _ any) bool {
		m.Delete(key)
		return true
	})
}

func formatMapCounts(label string, counts *sync.Map) string {
	var builder strings.Builder
	builder.WriteString(label)
	builder.WriteString(": ")
	first := true
	counts.Range(func(key, value any) bool {
		if !first {
			builder.WriteString(", ")
		}
		fmt.Fprintf(&builder, "%s=%d", key.(string), value.(*atomic.Uint64).Load())
		first = false
		return true
	})
	if first {
		builder.WriteString("(none)")
	}
	return builder.String()
}

func incrementCounter(m *sync.Map, key string) {
	if strings.TrimSpace(key) == "" {
		return
	}
	if value, ok := m.Load(key); ok {
		value.(*atomic.Uint64).Add(1)
		return
	}
	counter := &atomic.Uint64{}
	actual, loaded := m.LoadOrStore(key, counter)
	if loaded {
		actual.(*atomic.Uint64).Add(1)
		return
	}
	counter.Add(1)
}
