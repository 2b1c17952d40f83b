package device

import (
	"testing"
	"time"
)

func TestNewSnapshotCopiesFields(t *testing.T) {
	fields := map[string]string{FieldBedTemp: "60.0"}
	snap := NewSnapshot("dev1", time.Now(), SourcePoll, fields)
	fields[FieldBedTemp] = "99.9"
	if v, _ := snap.Field(FieldBedTemp); v != "60.0" {
		t.Fatalf("expected snapshot to keep 60.0, got %s", v)
	}
}

func TestFieldNamesSorted(t *testing.T) {
	snap := NewSnapshot("dev1", time.Now(), SourcePoll, map[string]string{
		FieldWifiSignal: "-44dBm",
		FieldBedTemp:    "60.0",
		FieldGcodeState: "RUNNING",
	})
	names := snap.FieldNames()
	for i := 1; i < len(names); i++ {
		if names[i-1] >= names[i] {
			t.Fatalf("expected lexical order, got %v", names)
		}
	}
}

func TestFingerprintStableAcrossInsertionOrder(t *testing.T) {
	a := NewSnapshot("dev1", time.Now(), SourcePoll, map[string]string{
		FieldBedTemp:    "60.0",
		FieldGcodeState: "RUNNING",
		FieldProgress:   "45",
	})
	b := NewSnapshot("dev1", time.Now().Add(time.Minute), SourcePush, map[string]string{
		FieldProgress:   "45",
		FieldBedTemp:    "60.0",
		FieldGcodeState: "RUNNING",
	})
	if a.Fingerprint() != b.Fingerprint() {
		t.Fatalf("expected equal fingerprints for equal field maps")
	}
}

func TestFingerprintSeesValueChange(t *testing.T) {
	a := NewSnapshot("dev1", time.Now(), SourcePoll, map[string]string{FieldProgress: "45"})
	b := NewSnapshot("dev1", time.Now(), SourcePoll, map[string]string{FieldProgress: "46"})
	if a.Fingerprint() == b.Fingerprint() {
		t.Fatalf("expected different fingerprints for different values")
	}
}

func TestFingerprintKeyValueBoundary(t *testing.T) {
	// Length prefixes must keep ("ab","c") distinct from ("a","bc").
	a := NewSnapshot("dev1", time.Now(), SourcePoll, map[string]string{"ab": "c"})
	b := NewSnapshot("dev1", time.Now(), SourcePoll, map[string]string{"a": "bc"})
	if a.Fingerprint() == b.Fingerprint() {
		t.Fatalf("expected boundary-shifted maps to hash differently")
	}
}

func TestParseSeverity(t *testing.T) {
	cases := []struct {
		in   string
		want Severity
		ok   bool
	}{
		{"info", SeverityInfo, true},
		{"Warning", SeverityWarning, true},
		{"warn", SeverityWarning, true},
		{"HIGH", SeverityHigh, true},
		{" high ", SeverityHigh, true},
		{"critical", SeverityInfo, false},
		{"", SeverityInfo, false},
	}
	for _, tc := range cases {
		got, err := ParseSeverity(tc.in)
		if tc.ok && err != nil {
			t.Fatalf("ParseSeverity(%q): unexpected error %v", tc.in, err)
		}
		if !tc.ok && err == nil {
			t.Fatalf("ParseSeverity(%q): expected error", tc.in)
		}
		if tc.ok && got != tc.want {
			t.Fatalf("ParseSeverity(%q): expected %v, got %v", tc.in, tc.want, got)
		}
	}
}

func TestChangeEventFormat(t *testing.T) {
	ev := &ChangeEvent{
		DeviceID:   "dev1",
		DeviceName: "P1S Garage",
		Kind:       KindFieldChange,
		Field:      FieldGcodeState,
		Old:        "RUNNING",
		New:        "PAUSE",
		Severity:   SeverityWarning,
		At:         time.Now(),
	}
	want := "[P1S Garage] gcode_state: RUNNING -> PAUSE (warning)"
	if got := ev.Format(); got != want {
		t.Fatalf("expected %q, got %q", want, got)
	}

	online := &ChangeEvent{DeviceID: "dev2", Kind: KindOnline, Severity: SeverityInfo}
	if got := online.Format(); got != "[dev2] came online (info)" {
		t.Fatalf("unexpected online format %q", got)
	}
}
