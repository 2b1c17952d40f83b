// Package config loads the daemon configuration from a directory of YAML
// files. Files merge in lexical order, so operators can split cloud
// credentials, severity rules, and archive tuning into separate files and
// later files override earlier ones key by key. Config is read once at
// startup and never hot-reloaded.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"printwatch/cloud"
)

// Config is the complete daemon configuration.
type Config struct {
	Cloud      CloudConfig      `yaml:"cloud"`
	Session    SessionConfig    `yaml:"session"`
	Devices    DevicesConfig    `yaml:"devices"`
	Poll       PollConfig       `yaml:"poll"`
	Push       PushConfig       `yaml:"push"`
	State      StateConfig      `yaml:"state"`
	Severity   SeverityConfig   `yaml:"severity"`
	Dispatch   DispatchConfig   `yaml:"dispatch"`
	Archive    ArchiveConfig    `yaml:"archive"`
	PowerGuard PowerGuardConfig `yaml:"power_guard"`
	Logging    LoggingConfig    `yaml:"logging"`

	// LoadedFrom records the directory the config was merged from.
	LoadedFrom string `yaml:"-"`
}

// CloudConfig selects the vendor cloud partition and the account used to
// log in. Credentials resolve from the environment first so containerized
// deployments never need secrets in the YAML.
type CloudConfig struct {
	Region      string `yaml:"region"`       // "global" or "china"
	APIBase     string `yaml:"api_base"`     // endpoint override, used by tests
	MQTTBroker  string `yaml:"mqtt_broker"`  // broker override, used by tests
	Account     string `yaml:"account"`      // login e-mail, env wins when both set
	Password    string `yaml:"password"`     // discouraged; prefer password_env
	AccountEnv  string `yaml:"account_env"`  // env var holding the account
	PasswordEnv string `yaml:"password_env"` // env var holding the password
	TimeoutSeconds int `yaml:"timeout_seconds"`
}

// SessionConfig tunes the token lifecycle.
type SessionConfig struct {
	TokenPath            string `yaml:"token_path"`
	RefreshMarginSeconds int    `yaml:"refresh_margin_seconds"`
	LoginTimeoutSeconds  int    `yaml:"login_timeout_seconds"`
	MaxLoginRejections   int    `yaml:"max_login_rejections"`
}

// DevicesConfig limits which bound printers are watched. Selectors may be
// device IDs or printer names; small typos in names still resolve. Empty
// means every bound device.
type DevicesConfig struct {
	Watch []string `yaml:"watch"`
}

// PollConfig tunes the per-device polling cycle.
type PollConfig struct {
	IntervalSeconds          int     `yaml:"interval_seconds"`
	MaxRetries               int     `yaml:"max_retries"`
	BackoffBaseMS            int     `yaml:"backoff_base_ms"`
	BackoffMaxMS             int     `yaml:"backoff_max_ms"`
	JitterFraction           float64 `yaml:"jitter_fraction"`
	DiscoveryIntervalSeconds int     `yaml:"discovery_interval_seconds"`
	StalePurgeDays           int     `yaml:"stale_purge_days"` // 0 disables purging
}

// PushConfig controls the MQTT report feed that supplements polling.
type PushConfig struct {
	Enabled bool `yaml:"enabled"`
	Workers int  `yaml:"workers"`
}

// StateConfig places and tunes the snapshot store.
type StateConfig struct {
	Path            string `yaml:"path"`
	CacheSizeMB     int    `yaml:"cache_size_mb"`
	WriteQueueDepth int    `yaml:"write_queue_depth"`
}

// SeverityRule is one row of the severity table. Value is an optional
// pattern against the new value ("FAILED", "FAIL*", "*filament").
type SeverityRule struct {
	Field    string `yaml:"field"`
	Value    string `yaml:"value"`
	Severity string `yaml:"severity"`
}

// SeverityConfig maps transitions to severities. Empty Rules falls back to
// the built-in defaults.
type SeverityConfig struct {
	Rules       []SeverityRule `yaml:"rules"`
	Online      string         `yaml:"online"`
	Unreachable string         `yaml:"unreachable"`
	Recovered   string         `yaml:"recovered"`
}

// DispatchConfig tunes event fan-out and the optional webhook sink.
type DispatchConfig struct {
	RingSize              int    `yaml:"ring_size"`
	SinkQueueDepth        int    `yaml:"sink_queue_depth"`
	WebhookURL            string `yaml:"webhook_url"`
	WebhookMinSeverity    string `yaml:"webhook_min_severity"`
	WebhookTimeoutSeconds int    `yaml:"webhook_timeout_seconds"`
}

// ArchiveConfig tunes the SQLite event archive.
type ArchiveConfig struct {
	Enabled                bool   `yaml:"enabled"`
	DBPath                 string `yaml:"db_path"`
	QueueSize              int    `yaml:"queue_size"`
	BatchSize              int    `yaml:"batch_size"`
	BatchIntervalMS        int    `yaml:"batch_interval_ms"`
	BusyTimeoutMS          int    `yaml:"busy_timeout_ms"`
	Synchronous            string `yaml:"synchronous"` // off, normal, full
	RetentionInfoDays      int    `yaml:"retention_info_days"`
	RetentionWarningDays   int    `yaml:"retention_warning_days"`
	RetentionHighDays      int    `yaml:"retention_high_days"`
	CleanupIntervalSeconds int    `yaml:"cleanup_interval_seconds"`
	PreflightTimeoutMS     int    `yaml:"preflight_timeout_ms"`
	AutoQuarantine         *bool  `yaml:"auto_quarantine"` // default true
}

// PowerGuardConfig controls the automatic power-off helper. Command runs
// with {device_id} and {device_name} substituted.
type PowerGuardConfig struct {
	Enabled           bool    `yaml:"enabled"`
	Command           string  `yaml:"command"`
	BedThresholdC     float64 `yaml:"bed_threshold_c"`
	HoldMinutes       int     `yaml:"hold_minutes"`
	NozzleCeilingC    float64 `yaml:"nozzle_ceiling_c"`
	StaleResetMinutes int     `yaml:"stale_reset_minutes"`
}

// LoggingConfig controls the daily file log next to console output.
type LoggingConfig struct {
	Enabled              bool   `yaml:"enabled"`
	Dir                  string `yaml:"dir"`
	RetentionDays        int    `yaml:"retention_days"`
	StatsIntervalSeconds int    `yaml:"stats_interval_seconds"`
}

// DefaultConfig returns the configuration used when no YAML overrides it.
func DefaultConfig() *Config {
	autoQuarantine := true
	return &Config{
		Cloud: CloudConfig{
			Region:         cloud.RegionGlobal,
			AccountEnv:     "PRINTWATCH_ACCOUNT",
			PasswordEnv:    "PRINTWATCH_PASSWORD",
			TimeoutSeconds: 15,
		},
		Session: SessionConfig{
			TokenPath:            "data/session.token",
			RefreshMarginSeconds: 300,
			LoginTimeoutSeconds:  30,
			MaxLoginRejections:   3,
		},
		Poll: PollConfig{
			IntervalSeconds:          30,
			MaxRetries:               3,
			BackoffBaseMS:            500,
			BackoffMaxMS:             8000,
			JitterFraction:           0.2,
			DiscoveryIntervalSeconds: 300,
		},
		Push: PushConfig{
			Workers: 2,
		},
		State: StateConfig{
			Path: "data/state",
		},
		Dispatch: DispatchConfig{
			RingSize:              256,
			SinkQueueDepth:        64,
			WebhookMinSeverity:    "warning",
			WebhookTimeoutSeconds: 10,
		},
		Archive: ArchiveConfig{
			DBPath:                 "data/events.db",
			QueueSize:              4096,
			BatchSize:              64,
			BatchIntervalMS:        1000,
			BusyTimeoutMS:          2000,
			Synchronous:            "off",
			RetentionInfoDays:      7,
			RetentionWarningDays:   30,
			RetentionHighDays:      90,
			CleanupIntervalSeconds: 3600,
			PreflightTimeoutMS:     2000,
			AutoQuarantine:         &autoQuarantine,
		},
		PowerGuard: PowerGuardConfig{
			BedThresholdC:     40,
			HoldMinutes:       4,
			NozzleCeilingC:    200,
			StaleResetMinutes: 10,
		},
		Logging: LoggingConfig{
			Enabled:              true,
			Dir:                  "logs",
			RetentionDays:        7,
			StatsIntervalSeconds: 600,
		},
	}
}

// Load merges every *.yaml file in dir over the defaults, then normalizes
// and validates the result. Passing a file instead of a directory is an
// error, so a misplaced -config flag fails loudly instead of silently
// ignoring sibling files.
func Load(dir string) (*Config, error) {
	info, err := os.Stat(dir)
	if err != nil {
		return nil, fmt.Errorf("config: stat %s: %w", dir, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("config: %s is not a directory (pass the config directory, not a file)", dir)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("config: read dir %s: %w", dir, err)
	}
	var names []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		if strings.HasSuffix(name, ".yaml") || strings.HasSuffix(name, ".yml") {
			names = append(names, name)
		}
	}
	sort.Strings(names)

	cfg := DefaultConfig()
	for _, name := range names {
		data, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			return nil, fmt.Errorf("config: read %s: %w", name, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", name, err)
		}
	}
	cfg.LoadedFrom = dir
	cfg.normalize()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// normalize fills in anything the YAML left at a nonsensical value.
func (c *Config) normalize() {
	def := DefaultConfig()

	c.Cloud.Region = strings.ToLower(strings.TrimSpace(c.Cloud.Region))
	if c.Cloud.Region == "" {
		c.Cloud.Region = cloud.RegionGlobal
	}
	if c.Cloud.TimeoutSeconds <= 0 {
		c.Cloud.TimeoutSeconds = def.Cloud.TimeoutSeconds
	}

	if strings.TrimSpace(c.Session.TokenPath) == "" {
		c.Session.TokenPath = def.Session.TokenPath
	}
	if c.Session.RefreshMarginSeconds <= 0 {
		c.Session.RefreshMarginSeconds = def.Session.RefreshMarginSeconds
	}
	if c.Session.LoginTimeoutSeconds <= 0 {
		c.Session.LoginTimeoutSeconds = def.Session.LoginTimeoutSeconds
	}
	if c.Session.MaxLoginRejections <= 0 {
		c.Session.MaxLoginRejections = def.Session.MaxLoginRejections
	}

	if c.Poll.IntervalSeconds <= 0 {
		c.Poll.IntervalSeconds = def.Poll.IntervalSeconds
	}
	if c.Poll.MaxRetries <= 0 {
		c.Poll.MaxRetries = def.Poll.MaxRetries
	}
	if c.Poll.BackoffBaseMS <= 0 {
		c.Poll.BackoffBaseMS = def.Poll.BackoffBaseMS
	}
	if c.Poll.BackoffMaxMS < c.Poll.BackoffBaseMS {
		c.Poll.BackoffMaxMS = def.Poll.BackoffMaxMS
		if c.Poll.BackoffMaxMS < c.Poll.BackoffBaseMS {
			c.Poll.BackoffMaxMS = c.Poll.BackoffBaseMS
		}
	}
	if c.Poll.JitterFraction < 0 || c.Poll.JitterFraction > 1 {
		c.Poll.JitterFraction = def.Poll.JitterFraction
	}
	if c.Poll.DiscoveryIntervalSeconds <= 0 {
		c.Poll.DiscoveryIntervalSeconds = def.Poll.DiscoveryIntervalSeconds
	}
	if c.Poll.StalePurgeDays < 0 {
		c.Poll.StalePurgeDays = 0
	}

	if c.Push.Workers <= 0 {
		c.Push.Workers = def.Push.Workers
	}

	if strings.TrimSpace(c.State.Path) == "" {
		c.State.Path = def.State.Path
	}
	if c.State.CacheSizeMB < 0 {
		c.State.CacheSizeMB = 0
	}
	if c.State.WriteQueueDepth < 0 {
		c.State.WriteQueueDepth = 0
	}

	if c.Dispatch.RingSize <= 0 {
		c.Dispatch.RingSize = def.Dispatch.RingSize
	}
	if c.Dispatch.SinkQueueDepth <= 0 {
		c.Dispatch.SinkQueueDepth = def.Dispatch.SinkQueueDepth
	}
	if strings.TrimSpace(c.Dispatch.WebhookMinSeverity) == "" {
		c.Dispatch.WebhookMinSeverity = def.Dispatch.WebhookMinSeverity
	}
	if c.Dispatch.WebhookTimeoutSeconds <= 0 {
		c.Dispatch.WebhookTimeoutSeconds = def.Dispatch.WebhookTimeoutSeconds
	}

	if strings.TrimSpace(c.Archive.DBPath) == "" {
		c.Archive.DBPath = def.Archive.DBPath
	}
	if c.Archive.QueueSize <= 0 {
		c.Archive.QueueSize = def.Archive.QueueSize
	}
	if c.Archive.BatchSize <= 0 {
		c.Archive.BatchSize = def.Archive.BatchSize
	}
	if c.Archive.BatchIntervalMS <= 0 {
		c.Archive.BatchIntervalMS = def.Archive.BatchIntervalMS
	}
	if c.Archive.BusyTimeoutMS <= 0 {
		c.Archive.BusyTimeoutMS = def.Archive.BusyTimeoutMS
	}
	c.Archive.Synchronous = strings.ToLower(strings.TrimSpace(c.Archive.Synchronous))
	if c.Archive.Synchronous == "" {
		c.Archive.Synchronous = def.Archive.Synchronous
	}
	if c.Archive.RetentionInfoDays <= 0 {
		c.Archive.RetentionInfoDays = def.Archive.RetentionInfoDays
	}
	if c.Archive.RetentionWarningDays <= 0 {
		c.Archive.RetentionWarningDays = def.Archive.RetentionWarningDays
	}
	if c.Archive.RetentionHighDays <= 0 {
		c.Archive.RetentionHighDays = def.Archive.RetentionHighDays
	}
	if c.Archive.CleanupIntervalSeconds <= 0 {
		c.Archive.CleanupIntervalSeconds = def.Archive.CleanupIntervalSeconds
	}
	if c.Archive.PreflightTimeoutMS <= 0 {
		c.Archive.PreflightTimeoutMS = def.Archive.PreflightTimeoutMS
	}
	if c.Archive.AutoQuarantine == nil {
		c.Archive.AutoQuarantine = def.Archive.AutoQuarantine
	}

	if c.PowerGuard.BedThresholdC <= 0 {
		c.PowerGuard.BedThresholdC = def.PowerGuard.BedThresholdC
	}
	if c.PowerGuard.HoldMinutes <= 0 {
		c.PowerGuard.HoldMinutes = def.PowerGuard.HoldMinutes
	}
	if c.PowerGuard.NozzleCeilingC <= 0 {
		c.PowerGuard.NozzleCeilingC = def.PowerGuard.NozzleCeilingC
	}
	if c.PowerGuard.StaleResetMinutes <= 0 {
		c.PowerGuard.StaleResetMinutes = def.PowerGuard.StaleResetMinutes
	}

	if strings.TrimSpace(c.Logging.Dir) == "" {
		c.Logging.Dir = def.Logging.Dir
	}
	if c.Logging.RetentionDays <= 0 {
		c.Logging.RetentionDays = def.Logging.RetentionDays
	}
	if c.Logging.StatsIntervalSeconds <= 0 {
		c.Logging.StatsIntervalSeconds = def.Logging.StatsIntervalSeconds
	}

	for i, sel := range c.Devices.Watch {
		c.Devices.Watch[i] = strings.TrimSpace(sel)
	}
}

// Validate rejects configurations the daemon cannot run with. Credential
// presence is checked separately by ResolveCredentials, so read-only tools
// can load a config without secrets.
func (c *Config) Validate() error {
	if c.Cloud.Region != cloud.RegionGlobal && c.Cloud.Region != cloud.RegionChina {
		return fmt.Errorf("config: unknown cloud.region %q (use %q or %q)",
			c.Cloud.Region, cloud.RegionGlobal, cloud.RegionChina)
	}
	switch c.Archive.Synchronous {
	case "off", "normal", "full":
	default:
		return fmt.Errorf("config: invalid archive.synchronous %q (use off, normal, or full)", c.Archive.Synchronous)
	}
	if _, err := c.Severity.Compile(); err != nil {
		return err
	}
	if _, err := c.Dispatch.WebhookSeverity(); err != nil {
		return err
	}
	if c.PowerGuard.Enabled && strings.TrimSpace(c.PowerGuard.Command) == "" {
		return fmt.Errorf("config: power_guard.enabled requires power_guard.command")
	}
	for _, sel := range c.Devices.Watch {
		if sel == "" {
			return fmt.Errorf("config: devices.watch contains an empty selector")
		}
	}
	return nil
}

// ResolveCredentials returns the cloud account and password, preferring the
// configured environment variables over inline YAML values. The daemon
// treats a failure here as fatal; token-only tools never call it.
func (c *Config) ResolveCredentials() (account, password string, err error) {
	account = strings.TrimSpace(c.Cloud.Account)
	if c.Cloud.AccountEnv != "" {
		if v := strings.TrimSpace(os.Getenv(c.Cloud.AccountEnv)); v != "" {
			account = v
		}
	}
	password = c.Cloud.Password
	if c.Cloud.PasswordEnv != "" {
		if v := os.Getenv(c.Cloud.PasswordEnv); v != "" {
			password = v
		}
	}
	if account == "" {
		return "", "", fmt.Errorf("config: cloud account not set (set cloud.account or %s)", c.Cloud.AccountEnv)
	}
	if password == "" {
		return "", "", fmt.Errorf("config: cloud password not set (set cloud.password or %s)", c.Cloud.PasswordEnv)
	}
	return account, password, nil
}

// Print displays the effective configuration at startup, without secrets.
func (c *Config) Print() {
	fmt.Printf("Config: %s\n", c.LoadedFrom)
	fmt.Printf("Cloud: region=%s timeout=%ds\n", c.Cloud.Region, c.Cloud.TimeoutSeconds)
	fmt.Printf("Poll: every %ds, %d retries, backoff %d-%dms\n",
		c.Poll.IntervalSeconds, c.Poll.MaxRetries, c.Poll.BackoffBaseMS, c.Poll.BackoffMaxMS)
	if c.Push.Enabled {
		fmt.Printf("Push: enabled (%d workers)\n", c.Push.Workers)
	}
	if len(c.Devices.Watch) > 0 {
		fmt.Printf("Devices: %s\n", strings.Join(c.Devices.Watch, ", "))
	} else {
		fmt.Printf("Devices: all bound printers\n")
	}
	fmt.Printf("State: %s\n", c.State.Path)
	if c.Archive.Enabled {
		fmt.Printf("Archive: %s (retention info=%dd warning=%dd high=%dd)\n",
			c.Archive.DBPath, c.Archive.RetentionInfoDays, c.Archive.RetentionWarningDays, c.Archive.RetentionHighDays)
	}
	if c.Dispatch.WebhookURL != "" {
		fmt.Printf("Webhook: %s (min severity %s)\n", c.Dispatch.WebhookURL, c.Dispatch.WebhookMinSeverity)
	}
	if c.PowerGuard.Enabled {
		fmt.Printf("Power guard: bed<%.1fC for %dm, nozzle<%.1fC\n",
			c.PowerGuard.BedThresholdC, c.PowerGuard.HoldMinutes, c.PowerGuard.NozzleCeilingC)
	}
	if c.Logging.Enabled {
		fmt.Printf("Logging: %s (keep %d days)\n", c.Logging.Dir, c.Logging.RetentionDays)
	}
}
