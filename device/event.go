package device

import (
	"fmt"
	"strings"
	"sync"
	"time"
)

// EventKind distinguishes field-level changes from the synthetic lifecycle
// events the poller emits on its own.
type EventKind uint8

const (
	KindFieldChange EventKind = iota // one field moved between two values
	KindOnline                       // device observed for the first time
	KindUnreachable                  // retry budget exhausted for a cycle
	KindRecovered                    // first successful cycle after unreachable
)

func (k EventKind) String() string {
	switch k {
	case KindFieldChange:
		return "change"
	case KindOnline:
		return "online"
	case KindUnreachable:
		return "unreachable"
	case KindRecovered:
		return "recovered"
	default:
		return "unknown"
	}
}

// Severity classifies how much an operator should care about an event.
// The mapping from fields to severities lives in config, not here.
type Severity uint8

const (
	SeverityInfo Severity = iota
	SeverityWarning
	SeverityHigh
)

func (s Severity) String() string {
	switch s {
	case SeverityInfo:
		return "info"
	case SeverityWarning:
		return "warning"
	case SeverityHigh:
		return "high"
	default:
		return "info"
	}
}

// ParseSeverity maps a config label to a Severity. Unknown labels are an
// error so a typo in a severity rule fails validation instead of silently
// downgrading alerts.
func ParseSeverity(label string) (Severity, error) {
	switch strings.ToLower(strings.TrimSpace(label)) {
	case "info":
		return SeverityInfo, nil
	case "warning", "warn":
		return SeverityWarning, nil
	case "high":
		return SeverityHigh, nil
	default:
		return SeverityInfo, fmt.Errorf("device: unknown severity %q", label)
	}
}

// ChangeEvent is one observed transition on one device. Field/Old/New are
// meaningful only for KindFieldChange; lifecycle kinds leave them empty.
// ID is assigned by the dispatcher when the event enters the recent-event
// ring; zero means not yet published.
type ChangeEvent struct {
	ID         uint64
	DeviceID   string
	DeviceName string
	Kind       EventKind
	Field      string
	Old        string
	New        string
	Severity   Severity
	At         time.Time

	formatted  string
	formatOnce sync.Once // Format builds the line once per event, every sink reuses it
}

// Format renders the event as a single log-friendly line, for example:
//
//	[P1S Garage] gcode_state: RUNNING -> PAUSE (warning)
//	[P1S Garage] came online (info)
//
// The result is cached; events fan out to several sinks and each would
// otherwise rebuild the same string.
func (e *ChangeEvent) Format() string {
	e.formatOnce.Do(func() {
		name := e.DeviceName
		if name == "" {
			name = e.DeviceID
		}
		var b strings.Builder
		b.Grow(64)
		b.WriteByte('[')
		b.WriteString(name)
		b.WriteString("] ")
		switch e.Kind {
		case KindFieldChange:
			b.WriteString(e.Field)
			b.WriteString(": ")
			b.WriteString(e.Old)
			b.WriteString(" -> ")
			b.WriteString(e.New)
		case KindOnline:
			b.WriteString("came online")
		case KindUnreachable:
			b.WriteString("unreachable")
		case KindRecovered:
			b.WriteString("reachable again")
		}
		b.WriteString(" (")
		b.WriteString(e.Severity.String())
		b.WriteByte(')')
		e.formatted = b.String()
	})
	return e.formatted
}
