// Package device defines the canonical printer structures shared across the
// monitoring pipeline: devices as the cloud account lists them, point-in-time
// status snapshots, change events derived from snapshot pairs, and helpers
// for value formatting, fingerprinting, and config-name resolution.
package device

import (
	"encoding/binary"
	"sort"
	"time"

	"github.com/zeebo/xxh3"
)

// Source identifies how a snapshot was obtained.
type Source string

const (
	SourcePoll Source = "POLL" // scheduled status poll
	SourcePush Source = "PUSH" // cloud MQTT report
)

// Canonical snapshot field names. The differ walks fields in lexical order,
// so downstream event order never depends on map iteration.
const (
	FieldBedTarget    = "bed_target_temp"
	FieldBedTemp      = "bed_temp"
	FieldChamberTemp  = "chamber_temp"
	FieldErrorCode    = "error_code"
	FieldGcodeState   = "gcode_state"
	FieldLayer        = "layer"
	FieldNozzleTarget = "nozzle_target_temp"
	FieldNozzleTemp   = "nozzle_temp"
	FieldOnline       = "online"
	FieldProgress     = "progress_percent"
	FieldRemainingMin = "remaining_min"
	FieldStage        = "stage"
	FieldTotalLayers  = "total_layers"
	FieldWifiSignal   = "wifi_signal"
)

// ValueUnknown marks a field the device stopped reporting.
const ValueUnknown = "unknown"

var knownFieldSet = map[string]bool{
	FieldBedTarget:    true,
	FieldBedTemp:      true,
	FieldChamberTemp:  true,
	FieldErrorCode:    true,
	FieldGcodeState:   true,
	FieldLayer:        true,
	FieldNozzleTarget: true,
	FieldNozzleTemp:   true,
	FieldOnline:       true,
	FieldProgress:     true,
	FieldRemainingMin: true,
	FieldStage:        true,
	FieldTotalLayers:  true,
	FieldWifiSignal:   true,
}

// IsKnownField reports whether name is one of the canonical field names.
// Severity rules naming anything else are config typos.
func IsKnownField(name string) bool {
	return knownFieldSet[name]
}

// KnownFields returns the canonical field names in lexical order.
func KnownFields() []string {
	names := make([]string, 0, len(knownFieldSet))
	for name := range knownFieldSet {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Device is one printer as returned by the cloud account binding list.
type Device struct {
	ID     string // cloud device ID ("dev_id")
	Name   string // user-assigned printer name
	Model  string // product name, e.g. "P1S"
	Online bool   // cloud-side online flag at discovery time
}

// Snapshot is a point-in-time view of one device's status. Fields maps
// canonical field names to normalized string values. Snapshots are never
// mutated after construction; the poller hands the same pointer to the
// differ, the store, and the power guard.
type Snapshot struct {
	DeviceID string
	Taken    time.Time
	Source   Source
	Fields   map[string]string
}

// NewSnapshot copies fields so later mutation of the caller's map cannot
// leak into a snapshot already handed downstream.
func NewSnapshot(deviceID string, taken time.Time, src Source, fields map[string]string) *Snapshot {
	copied := make(map[string]string, len(fields))
	for k, v := range fields {
		copied[k] = v
	}
	return &Snapshot{
		DeviceID: deviceID,
		Taken:    taken,
		Source:   src,
		Fields:   copied,
	}
}

// Field returns the value for name and whether the device reported it.
func (s *Snapshot) Field(name string) (string, bool) {
	v, ok := s.Fields[name]
	return v, ok
}

// FieldNames returns the snapshot's field names in lexical order.
func (s *Snapshot) FieldNames() []string {
	names := make([]string, 0, len(s.Fields))
	for name := range s.Fields {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Fingerprint returns a 64-bit hash over the snapshot's field map using a
// deterministic layout: lexical field order, each key and value preceded by
// its little-endian length. Equal field maps hash equal on any platform, so
// the poller can skip a full diff when a cycle reports nothing new.
// Capture time and source are excluded.
func (s *Snapshot) Fingerprint() uint64 {
	names := s.FieldNames()
	buf := make([]byte, 0, 24*len(names))
	var n [4]byte
	for _, name := range names {
		binary.LittleEndian.PutUint32(n[:], uint32(len(name)))
		buf = append(buf, n[:]...)
		buf = append(buf, name...)
		v := s.Fields[name]
		binary.LittleEndian.PutUint32(n[:], uint32(len(v)))
		buf = append(buf, n[:]...)
		buf = append(buf, v...)
	}
	return xxh3.Hash(buf)
}
