package stats

import (
	"strings"
	"sync"
	"testing"
)

func TestTrackerCounts(t *testing.T) {
	tr := NewTracker()
	tr.IncrementSnapshot("POLL")
	tr.IncrementSnapshot("POLL")
	tr.IncrementSnapshot("PUSH")
	tr.IncrementEvent("info")
	tr.IncrementEvent("high")
	tr.IncrementError("transient")

	snaps := tr.GetSnapshotCounts()
	if snaps["POLL"] != 2 || snaps["PUSH"] != 1 {
		t.Fatalf("unexpected snapshot counts %v", snaps)
	}
	if tr.GetTotalEvents() != 2 {
		t.Fatalf("expected 2 events, got %d", tr.GetTotalEvents())
	}
	if tr.GetErrorCounts()["transient"] != 1 {
		t.Fatalf("unexpected error counts %v", tr.GetErrorCounts())
	}
}

func TestTrackerConcurrentIncrements(t *testing.T) {
	tr := NewTracker()
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 1000; j++ {
				tr.IncrementSnapshot("POLL")
				tr.IncrementPollCycles()
			}
		}()
	}
	wg.Wait()
	if got := tr.GetSnapshotCounts()["POLL"]; got != 8000 {
		t.Fatalf("expected 8000 poll snapshots, got %d", got)
	}
	if tr.PollCycles() != 8000 {
		t.Fatalf("expected 8000 cycles, got %d", tr.PollCycles())
	}
}

func TestTrackerReset(t *testing.T) {
	tr := NewTracker()
	tr.IncrementEvent("info")
	tr.IncrementDispatchDrops()
	tr.Reset()
	if tr.GetTotalEvents() != 0 {
		t.Fatalf("expected events reset")
	}
	if tr.DispatchDrops() != 0 {
		t.Fatalf("expected drops reset")
	}
}

func TestSnapshotLinesEmpty(t *testing.T) {
	tr := NewTracker()
	lines := tr.SnapshotLines()
	if len(lines) != 3 {
		t.Fatalf("expected 3 lines, got %d", len(lines))
	}
	for _, line := range lines {
		if !strings.Contains(line, "(none)") {
			t.Fatalf("expected empty markers, got %q", line)
		}
	}
}
