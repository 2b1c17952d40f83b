// Program printwatch watches the printers bound to one vendor cloud
// account: it polls their status, diffs consecutive snapshots, and fans
// the resulting change events out to log, webhook, and archive sinks.
// An optional MQTT feed layers pushed reports over polling, and the
// power guard cuts printer power once a finished print has cooled.
package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"

	"printwatch/archive"
	"printwatch/cloud"
	"printwatch/cloudmqtt"
	"printwatch/config"
	"printwatch/diff"
	"printwatch/dispatch"
	"printwatch/poll"
	"printwatch/powerguard"
	"printwatch/session"
	"printwatch/state"
	"printwatch/stats"
)

const (
	defaultConfigPath = "data/config"
	envConfigPath     = "PRINTWATCH_CONFIG_PATH"
)

// Version will be set at build time
var Version = "dev"

func main() {
	cfg, configSource, err := loadMonitorConfig()
	if err != nil {
		log.Fatalf("Error loading config: %v", err)
	}

	fanout, logErr := setupLogging(cfg.Logging, os.Stdout)
	// The fanout stamps every line itself; drop the default prefixes.
	log.SetFlags(0)
	log.SetOutput(fanout)
	if logErr != nil {
		log.Printf("Warning: file logging unavailable: %v", logErr)
	}

	log.Printf("printwatch v%s starting...", Version)
	log.Printf("Loaded configuration from %s", configSource)
	cfg.Print()

	account, password, err := cfg.ResolveCredentials()
	if err != nil {
		log.Fatalf("Error: %v", err)
	}

	tracker := stats.NewTracker()

	client := cloud.NewClient(cloud.Config{
		Region:  cfg.Cloud.Region,
		BaseURL: cfg.Cloud.APIBase,
		Timeout: time.Duration(cfg.Cloud.TimeoutSeconds) * time.Second,
	})

	sess := session.NewManager(client, session.Config{
		Account:         account,
		Password:        password,
		Margin:          time.Duration(cfg.Session.RefreshMarginSeconds) * time.Second,
		LoginTimeout:    time.Duration(cfg.Session.LoginTimeoutSeconds) * time.Second,
		MaxAuthFailures: cfg.Session.MaxLoginRejections,
		TokenPath:       cfg.Session.TokenPath,
	}, tracker)

	store, err := state.Open(cfg.State.Path, state.Options{
		CacheSizeBytes:  int64(cfg.State.CacheSizeMB) << 20,
		WriteQueueDepth: cfg.State.WriteQueueDepth,
	})
	if err != nil {
		log.Fatalf("Error opening state store: %v", err)
	}
	log.Printf("State store at %s (%d device snapshots on disk)", cfg.State.Path, store.Count())

	diffCfg, err := cfg.Severity.Compile()
	if err != nil {
		log.Fatalf("Error: %v", err)
	}
	engine, err := diff.NewEngine(diffCfg)
	if err != nil {
		log.Fatalf("Error: %v", err)
	}

	// Sinks must all be registered before the dispatcher starts.
	dispatcher := dispatch.NewDispatcher(cfg.Dispatch.RingSize, cfg.Dispatch.SinkQueueDepth, tracker)
	dispatcher.Register(dispatch.LogSink{})
	if cfg.Dispatch.WebhookURL != "" {
		minSeverity, err := cfg.Dispatch.WebhookSeverity()
		if err != nil {
			log.Fatalf("Error: %v", err)
		}
		dispatcher.Register(dispatch.NewWebhookSink(cfg.Dispatch.WebhookURL,
			minSeverity, time.Duration(cfg.Dispatch.WebhookTimeoutSeconds)*time.Second))
	}
	var arch *archive.Writer
	if cfg.Archive.Enabled {
		arch, err = archive.NewWriter(cfg.Archive, tracker)
		if err != nil {
			log.Printf("Warning: event archive unavailable: %v", err)
			arch = nil
		} else {
			arch.Start()
			dispatcher.Register(arch)
		}
	}
	dispatcher.Start()

	pollCfg := poll.Config{
		Interval:          time.Duration(cfg.Poll.IntervalSeconds) * time.Second,
		MaxRetries:        cfg.Poll.MaxRetries,
		BackoffBase:       time.Duration(cfg.Poll.BackoffBaseMS) * time.Millisecond,
		BackoffMax:        time.Duration(cfg.Poll.BackoffMaxMS) * time.Millisecond,
		JitterFraction:    cfg.Poll.JitterFraction,
		DiscoveryInterval: time.Duration(cfg.Poll.DiscoveryIntervalSeconds) * time.Second,
		StalePurge:        time.Duration(cfg.Poll.StalePurgeDays) * 24 * time.Hour,
		Watch:             cfg.Devices.Watch,
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	initial, err := poll.Bootstrap(ctx, client, sess, pollCfg)
	if err != nil {
		// A cloud outage at startup is survivable: discovery retries the
		// device list on its own schedule. Bad credentials or a selector
		// that matches nothing are not.
		if cloud.IsTransient(err) {
			log.Printf("Warning: device discovery failed, starting without devices: %v", err)
			initial = nil
		} else {
			log.Fatalf("Error listing devices: %v", err)
		}
	}
	for _, dev := range initial {
		log.Printf("Watching %s (%s, %s)", dev.Name, dev.Model, dev.ID)
	}

	var guard *powerguard.Guard
	if cfg.PowerGuard.Enabled {
		guard, err = powerguard.New(powerguard.Config{
			Command:       cfg.PowerGuard.Command,
			BedThreshold:  cfg.PowerGuard.BedThresholdC,
			Hold:          time.Duration(cfg.PowerGuard.HoldMinutes) * time.Minute,
			NozzleCeiling: cfg.PowerGuard.NozzleCeilingC,
			StaleReset:    time.Duration(cfg.PowerGuard.StaleResetMinutes) * time.Minute,
		}, tracker)
		if err != nil {
			log.Fatalf("Error: %v", err)
		}
	}

	poller := poll.New(pollCfg, client, sess, store, engine, dispatcher, tracker)
	if guard != nil {
		poller.SetObserver(guard)
	}
	poller.Start(ctx, initial)

	var feed *cloudmqtt.Feed
	if cfg.Push.Enabled {
		feed = cloudmqtt.New(cloudmqtt.Config{
			Broker:  cfg.Cloud.MQTTBroker,
			Region:  cfg.Cloud.Region,
			Workers: cfg.Push.Workers,
		}, sess, poller)
		if err := feed.Start(); err != nil {
			log.Printf("Warning: push feed unavailable, continuing with polling only: %v", err)
		}
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	log.Println("Monitor is running. Press Ctrl+C to stop.")
	log.Printf("Polling %d device(s) every %d seconds...", len(initial), cfg.Poll.IntervalSeconds)
	if cfg.Push.Enabled {
		log.Println("Receiving pushed status reports over MQTT...")
	}
	if cfg.PowerGuard.Enabled {
		log.Printf("Power guard armed: %s", cfg.PowerGuard.Command)
	}
	log.Printf("Statistics will be displayed every %d seconds...", cfg.Logging.StatsIntervalSeconds)
	log.Println("---")

	go displayStats(time.Duration(cfg.Logging.StatsIntervalSeconds)*time.Second, tracker, store, dispatcher)

	// Wait for a shutdown signal or an unrecoverable session failure.
	var exitCode int
	select {
	case sig := <-sigChan:
		log.Printf("Received signal: %v", sig)
		log.Println("Shutting down gracefully...")
	case err := <-sess.Fatal():
		log.Printf("Fatal: %v", err)
		log.Println("Shutting down...")
		exitCode = 1
	}

	// Stop producers before the dispatcher so nothing publishes into
	// closing sink queues; flush the archive after the dispatcher has
	// drained them.
	poller.Stop()
	if feed != nil {
		feed.Stop()
	}
	dispatcher.Close()
	if arch != nil {
		arch.Stop()
	}
	sess.Close()
	if err := store.Close(); err != nil {
		log.Printf("Warning: state store close: %v", err)
	}

	log.Println("Monitor stopped")
	if fanout != nil {
		fanout.Close()
	}
	if exitCode != 0 {
		os.Exit(exitCode)
	}
}

// loadMonitorConfig tries the directory named by PRINTWATCH_CONFIG_PATH
// first, then the default location. A missing candidate moves on to the
// next; any other load failure is surfaced as-is.
func loadMonitorConfig() (*config.Config, string, error) {
	candidates := make([]string, 0, 2)
	if envPath := strings.TrimSpace(os.Getenv(envConfigPath)); envPath != "" {
		candidates = append(candidates, envPath)
	}
	candidates = append(candidates, defaultConfigPath)

	var lastErr error
	for _, path := range candidates {
		cfg, err := config.Load(path)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				lastErr = err
				continue
			}
			return nil, path, err
		}
		return cfg, cfg.LoadedFrom, nil
	}
	return nil, "", fmt.Errorf("unable to load config; tried %s (last error: %v)", strings.Join(candidates, ", "), lastErr)
}

// displayStats logs a periodic activity summary.
func displayStats(interval time.Duration, tracker *stats.Tracker, store *state.Store, dispatcher *dispatch.Dispatcher) {
	if interval <= 0 {
		interval = 10 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for range ticker.C {
		log.Printf("Stats: %s", statsSummary(tracker, store.Count()))
		for _, line := range tracker.SnapshotLines() {
			log.Printf("Stats: %s", line)
		}
		for _, line := range sinkLines(dispatcher.SinkStats()) {
			log.Printf("Stats: %s", line)
		}
	}
}

// statsSummary condenses the headline counters into one log line.
func statsSummary(tracker *stats.Tracker, devices int64) string {
	var b strings.Builder
	fmt.Fprintf(&b, "uptime %s | %s events | %s poll cycles | %d device(s)",
		tracker.GetUptime().Round(time.Second),
		humanize.Comma(int64(tracker.GetTotalEvents())),
		humanize.Comma(int64(tracker.PollCycles())),
		devices)
	if n := tracker.SessionRefreshes(); n > 0 {
		fmt.Fprintf(&b, " | %d login(s)", n)
	}
	if n := tracker.UnreachableMarks(); n > 0 {
		fmt.Fprintf(&b, " | %d unreachable mark(s)", n)
	}
	if n := tracker.PowerOffs(); n > 0 {
		fmt.Fprintf(&b, " | %d power-off(s)", n)
	}
	return b.String()
}

// sinkLines reports per-sink delivery totals, stating drops and failures
// only when they happened.
func sinkLines(sinks []dispatch.SinkStats) []string {
	lines := make([]string, 0, len(sinks))
	for _, s := range sinks {
		line := fmt.Sprintf("sink %s: %s delivered", s.Name, humanize.Comma(int64(s.Delivered)))
		if s.Drops > 0 {
			line += fmt.Sprintf(", %d dropped", s.Drops)
		}
		if s.Failures > 0 {
			line += fmt.Sprintf(", %d failed", s.Failures)
		}
		lines = append(lines, line)
	}
	return lines
}
