package config

import (
	"fmt"

	"printwatch/device"
	"printwatch/diff"
)

// Compile turns the YAML severity table into the differ's policy. An empty
// rules list keeps the built-in defaults; naming an unknown field or
// severity label is an error so typos fail at startup.
func (s *SeverityConfig) Compile() (diff.Config, error) {
	out := diff.DefaultConfig()

	if len(s.Rules) > 0 {
		rules := make([]diff.Rule, 0, len(s.Rules))
		for i, r := range s.Rules {
			sev, err := device.ParseSeverity(r.Severity)
			if err != nil {
				return diff.Config{}, fmt.Errorf("config: severity rule %d: %w", i+1, err)
			}
			rules = append(rules, diff.Rule{Field: r.Field, Value: r.Value, Severity: sev})
		}
		out.Rules = rules
	}
	if s.Online != "" {
		sev, err := device.ParseSeverity(s.Online)
		if err != nil {
			return diff.Config{}, fmt.Errorf("config: severity.online: %w", err)
		}
		out.Online = sev
	}
	if s.Unreachable != "" {
		sev, err := device.ParseSeverity(s.Unreachable)
		if err != nil {
			return diff.Config{}, fmt.Errorf("config: severity.unreachable: %w", err)
		}
		out.Unreachable = sev
	}
	if s.Recovered != "" {
		sev, err := device.ParseSeverity(s.Recovered)
		if err != nil {
			return diff.Config{}, fmt.Errorf("config: severity.recovered: %w", err)
		}
		out.Recovered = sev
	}

	// Engine construction checks the rule fields themselves.
	if _, err := diff.NewEngine(out); err != nil {
		return diff.Config{}, err
	}
	return out, nil
}

// WebhookSeverity parses the webhook sink's severity floor.
func (d *DispatchConfig) WebhookSeverity() (device.Severity, error) {
	sev, err := device.ParseSeverity(d.WebhookMinSeverity)
	if err != nil {
		return device.SeverityInfo, fmt.Errorf("config: dispatch.webhook_min_severity: %w", err)
	}
	return sev, nil
}
