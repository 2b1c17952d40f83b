package diff

import (
	"testing"
	"time"

	"printwatch/device"
)

var testDevice = device.Device{ID: "01S00C123400001", Name: "P1S Garage", Model: "P1S"}

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	engine, err := NewEngine(DefaultConfig())
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	return engine
}

func snap(t *testing.T, taken time.Time, fields map[string]string) *device.Snapshot {
	t.Helper()
	return device.NewSnapshot(testDevice.ID, taken, device.SourcePoll, fields)
}

func TestFirstObservationEmitsCameOnline(t *testing.T) {
	engine := newTestEngine(t)
	taken := time.Date(2025, 3, 4, 5, 6, 7, 0, time.UTC)

	events := engine.Compare(testDevice, nil, snap(t, taken, map[string]string{
		device.FieldGcodeState: "IDLE",
		device.FieldProgress:   "0",
	}))
	if len(events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(events))
	}
	ev := events[0]
	if ev.Kind != device.KindOnline {
		t.Fatalf("expected online kind, got %v", ev.Kind)
	}
	if ev.Severity != device.SeverityInfo {
		t.Fatalf("expected info severity, got %v", ev.Severity)
	}
	if !ev.At.Equal(taken) {
		t.Fatalf("expected event time %v, got %v", taken, ev.At)
	}
	if ev.Format() != "[P1S Garage] came online (info)" {
		t.Fatalf("unexpected format %q", ev.Format())
	}
}

func TestEqualSnapshotsEmitNothing(t *testing.T) {
	engine := newTestEngine(t)
	taken := time.Date(2025, 3, 4, 5, 6, 7, 0, time.UTC)
	fields := map[string]string{
		device.FieldGcodeState: "RUNNING",
		device.FieldProgress:   "42",
		device.FieldNozzleTemp: "220.0",
	}

	events := engine.Compare(testDevice, snap(t, taken, fields), snap(t, taken.Add(30*time.Second), fields))
	if len(events) != 0 {
		t.Fatalf("expected no events, got %d", len(events))
	}
}

func TestChangedFieldsEmitInLexicalOrder(t *testing.T) {
	engine := newTestEngine(t)
	before := time.Date(2025, 3, 4, 5, 6, 0, 0, time.UTC)
	after := before.Add(30 * time.Second)

	prev := snap(t, before, map[string]string{
		device.FieldBedTemp:    "60.0",
		device.FieldGcodeState: "RUNNING",
		device.FieldProgress:   "42",
	})
	next := snap(t, after, map[string]string{
		device.FieldBedTemp:    "61.2",
		device.FieldGcodeState: "PAUSE",
		device.FieldProgress:   "43",
	})

	events := engine.Compare(testDevice, prev, next)
	if len(events) != 3 {
		t.Fatalf("expected 3 events, got %d", len(events))
	}
	wantOrder := []string{device.FieldBedTemp, device.FieldGcodeState, device.FieldProgress}
	for i, want := range wantOrder {
		if events[i].Field != want {
			t.Fatalf("expected event %d to be %s, got %s", i, want, events[i].Field)
		}
	}
	if events[1].Old != "RUNNING" || events[1].New != "PAUSE" {
		t.Fatalf("expected RUNNING -> PAUSE, got %s -> %s", events[1].Old, events[1].New)
	}
	if events[1].Severity != device.SeverityWarning {
		t.Fatalf("expected PAUSE to classify as warning, got %v", events[1].Severity)
	}
	if events[0].Severity != device.SeverityInfo {
		t.Fatalf("expected bed_temp change to classify as info, got %v", events[0].Severity)
	}
}

func TestOmittedFieldEmitsSingleUnknownEvent(t *testing.T) {
	engine := newTestEngine(t)
	before := time.Date(2025, 3, 4, 5, 6, 0, 0, time.UTC)

	prev := snap(t, before, map[string]string{
		device.FieldChamberTemp: "35.0",
		device.FieldGcodeState:  "RUNNING",
	})
	next := snap(t, before.Add(30*time.Second), map[string]string{
		device.FieldGcodeState: "RUNNING",
	})

	events := engine.Compare(testDevice, prev, next)
	if len(events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(events))
	}
	ev := events[0]
	if ev.Field != device.FieldChamberTemp {
		t.Fatalf("expected chamber_temp event, got %s", ev.Field)
	}
	if ev.Old != "35.0" || ev.New != device.ValueUnknown {
		t.Fatalf("expected 35.0 -> unknown, got %s -> %s", ev.Old, ev.New)
	}
}

func TestNewlyReportedFieldStartsFromUnknown(t *testing.T) {
	engine := newTestEngine(t)
	before := time.Date(2025, 3, 4, 5, 6, 0, 0, time.UTC)

	prev := snap(t, before, map[string]string{
		device.FieldGcodeState: "RUNNING",
	})
	next := snap(t, before.Add(30*time.Second), map[string]string{
		device.FieldGcodeState: "RUNNING",
		device.FieldWifiSignal: "-52dBm",
	})

	events := engine.Compare(testDevice, prev, next)
	if len(events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(events))
	}
	if events[0].Old != device.ValueUnknown || events[0].New != "-52dBm" {
		t.Fatalf("expected unknown -> -52dBm, got %s -> %s", events[0].Old, events[0].New)
	}
}

func TestSeverityRulesFirstMatchWins(t *testing.T) {
	engine := newTestEngine(t)
	before := time.Date(2025, 3, 4, 5, 6, 0, 0, time.UTC)

	// Default rules put error_code=0 (cleared) ahead of the catch-all high.
	prev := snap(t, before, map[string]string{device.FieldErrorCode: "0"})
	raised := snap(t, before.Add(time.Minute), map[string]string{device.FieldErrorCode: "83886088"})
	cleared := snap(t, before.Add(2*time.Minute), map[string]string{device.FieldErrorCode: "0"})

	up := engine.Compare(testDevice, prev, raised)
	if len(up) != 1 || up[0].Severity != device.SeverityHigh {
		t.Fatalf("expected raised error_code to classify high, got %+v", up)
	}
	down := engine.Compare(testDevice, raised, cleared)
	if len(down) != 1 || down[0].Severity != device.SeverityInfo {
		t.Fatalf("expected cleared error_code to classify info, got %+v", down)
	}
}

func TestValuePatternWildcards(t *testing.T) {
	engine, err := NewEngine(Config{
		Rules: []Rule{
			{Field: device.FieldGcodeState, Value: "FAIL*", Severity: device.SeverityHigh},
			{Field: device.FieldStage, Value: "*filament", Severity: device.SeverityWarning},
		},
	})
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}

	if sev := engine.severityFor(device.FieldGcodeState, "FAILED"); sev != device.SeverityHigh {
		t.Fatalf("expected prefix wildcard to match, got %v", sev)
	}
	if sev := engine.severityFor(device.FieldStage, "changing_filament"); sev != device.SeverityWarning {
		t.Fatalf("expected suffix wildcard to match, got %v", sev)
	}
	if sev := engine.severityFor(device.FieldGcodeState, "RUNNING"); sev != device.SeverityInfo {
		t.Fatalf("expected no match to default to info, got %v", sev)
	}
}

func TestUnknownRuleFieldRejected(t *testing.T) {
	_, err := NewEngine(Config{
		Rules: []Rule{{Field: "gcode_stat", Severity: device.SeverityHigh}},
	})
	if err == nil {
		t.Fatalf("expected error for unknown rule field")
	}
}

func TestSyntheticKindSeverities(t *testing.T) {
	engine, err := NewEngine(Config{
		Online:      device.SeverityInfo,
		Unreachable: device.SeverityHigh,
		Recovered:   device.SeverityWarning,
	})
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	at := time.Date(2025, 3, 4, 5, 6, 7, 0, time.UTC)

	ev := engine.Synthetic(testDevice, device.KindUnreachable, at)
	if ev.Severity != device.SeverityHigh {
		t.Fatalf("expected configured unreachable severity, got %v", ev.Severity)
	}
	if ev.Format() != "[P1S Garage] unreachable (high)" {
		t.Fatalf("unexpected format %q", ev.Format())
	}
	if rec := engine.Synthetic(testDevice, device.KindRecovered, at); rec.Severity != device.SeverityWarning {
		t.Fatalf("expected configured recovered severity, got %v", rec.Severity)
	}
}
