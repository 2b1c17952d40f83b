// Package diff compares consecutive snapshots of a device and turns the
// differences into change events. Severity assignment is driven entirely by
// ordered rules from the config file, so operators decide which transitions
// are routine and which page someone.
package diff

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"printwatch/device"
)

// Rule assigns a severity to changes of one field.
//
// Value is an optional pattern matched against the new value: empty matches
// any change of the field, otherwise exact match or a single leading or
// trailing * wildcard ("AMS*", "*FAILED"). Rules are evaluated in order and
// the first match wins.
type Rule struct {
	Field    string
	Value    string
	Severity device.Severity
}

// Config carries the compiled severity policy.
type Config struct {
	Rules []Rule

	// Severities for the synthetic events the pipeline emits on its own:
	// first observation, poll failures exhausting their retries, and the
	// first good cycle afterwards. The zero value is info; start from
	// DefaultConfig to get the usual unreachable=warning policy.
	Online      device.Severity
	Unreachable device.Severity
	Recovered   device.Severity
}

// DefaultConfig returns the policy used when the config file has no
// severity_rules section.
func DefaultConfig() Config {
	return Config{
		Rules:       DefaultRules(),
		Online:      device.SeverityInfo,
		Unreachable: device.SeverityWarning,
		Recovered:   device.SeverityInfo,
	}
}

// Engine turns snapshot pairs into ordered change events.
type Engine struct {
	rules []Rule
	kind  map[device.EventKind]device.Severity
}

// NewEngine validates the rule set and compiles an engine. A rule naming a
// field outside the canonical set is rejected so a typo in the config
// surfaces at startup instead of silently never matching.
func NewEngine(cfg Config) (*Engine, error) {
	rules := make([]Rule, 0, len(cfg.Rules))
	for i, rule := range cfg.Rules {
		field := strings.TrimSpace(rule.Field)
		if field == "" {
			return nil, fmt.Errorf("diff: rule %d has no field", i+1)
		}
		if !device.IsKnownField(field) {
			return nil, fmt.Errorf("diff: rule %d: unknown field %q (known: %s)",
				i+1, field, strings.Join(device.KnownFields(), ", "))
		}
		rules = append(rules, Rule{
			Field:    field,
			Value:    strings.TrimSpace(rule.Value),
			Severity: rule.Severity,
		})
	}

	kind := map[device.EventKind]device.Severity{
		device.KindOnline:      cfg.Online,
		device.KindUnreachable: cfg.Unreachable,
		device.KindRecovered:   cfg.Recovered,
	}
	return &Engine{rules: rules, kind: kind}, nil
}

// DefaultRules covers the transitions operators care about before they have
// written any config: failed or paused prints, error codes being raised or
// cleared, and the cloud-side online flag dropping.
func DefaultRules() []Rule {
	return []Rule{
		{Field: device.FieldGcodeState, Value: "FAILED", Severity: device.SeverityHigh},
		{Field: device.FieldGcodeState, Value: "PAUSE", Severity: device.SeverityWarning},
		{Field: device.FieldErrorCode, Value: "0", Severity: device.SeverityInfo},
		{Field: device.FieldErrorCode, Severity: device.SeverityHigh},
		{Field: device.FieldOnline, Value: "false", Severity: device.SeverityWarning},
	}
}

// Compare returns the events between prev and next, ordered by field name.
// A nil prev means the device is being observed for the first time, which
// yields a single synthetic came-online event instead of a change per field.
// Equal snapshots yield nothing.
func (e *Engine) Compare(dev device.Device, prev, next *device.Snapshot) []*device.ChangeEvent {
	if next == nil {
		return nil
	}
	if prev == nil {
		return []*device.ChangeEvent{e.Synthetic(dev, device.KindOnline, next.Taken)}
	}

	names := unionFieldNames(prev, next)
	var events []*device.ChangeEvent
	for _, name := range names {
		oldVal, hadOld := prev.Field(name)
		newVal, hasNew := next.Field(name)
		switch {
		case hadOld && hasNew:
			if oldVal == newVal {
				continue
			}
		case hadOld:
			// Device stopped reporting the field. One event, value unknown.
			newVal = device.ValueUnknown
		default:
			oldVal = device.ValueUnknown
		}
		events = append(events, &device.ChangeEvent{
			DeviceID:   dev.ID,
			DeviceName: dev.Name,
			Kind:       device.KindFieldChange,
			Field:      name,
			Old:        oldVal,
			New:        newVal,
			Severity:   e.severityFor(name, newVal),
			At:         next.Taken,
		})
	}
	return events
}

// Synthetic builds a came-online, unreachable, or recovered event with the
// configured severity for that kind.
func (e *Engine) Synthetic(dev device.Device, kind device.EventKind, at time.Time) *device.ChangeEvent {
	severity, ok := e.kind[kind]
	if !ok {
		severity = device.SeverityInfo
	}
	return &device.ChangeEvent{
		DeviceID:   dev.ID,
		DeviceName: dev.Name,
		Kind:       kind,
		Severity:   severity,
		At:         at,
	}
}

func (e *Engine) severityFor(field, newValue string) device.Severity {
	for _, rule := range e.rules {
		if rule.Field != field {
			continue
		}
		if rule.Value == "" || matchesValuePattern(newValue, rule.Value) {
			return rule.Severity
		}
	}
	return device.SeverityInfo
}

// matchesValuePattern checks a value against a pattern with an optional
// single wildcard. Exact match, "PREFIX*", or "*SUFFIX", case-insensitive.
func matchesValuePattern(value, pattern string) bool {
	value = strings.ToUpper(value)
	pattern = strings.ToUpper(pattern)

	if value == pattern {
		return true
	}
	if strings.HasSuffix(pattern, "*") {
		return strings.HasPrefix(value, strings.TrimSuffix(pattern, "*"))
	}
	if strings.HasPrefix(pattern, "*") {
		return strings.HasSuffix(value, strings.TrimPrefix(pattern, "*"))
	}
	return false
}

func unionFieldNames(prev, next *device.Snapshot) []string {
	set := make(map[string]bool, len(prev.Fields)+len(next.Fields))
	for name := range prev.Fields {
		set[name] = true
	}
	for name := range next.Fields {
		set[name] = true
	}
	names := make([]string, 0, len(set))
	for name := range set {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
