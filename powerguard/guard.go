// Package powerguard turns a printer's smart plug off once a finished print
// has cooled down.
//
// The guard watches the temperature stream per device. When the bed has
// stayed below its threshold, or the bed/nozzle targets have stayed at
// zero, for the whole hold window, and the nozzle itself has cooled under
// the safety ceiling, it runs the configured power-off command. One firing
// per print session: the guard re-arms only after the printer heats up
// again. A device that stops reporting long enough has its timers reset,
// so stale readings from before an outage can never satisfy the window.
package powerguard

import (
	"bytes"
	"context"
	"fmt"
	"log"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"

	"printwatch/device"
	"printwatch/stats"
)

const commandTimeout = time.Minute

// Config carries guard tuning. Durations and temperatures at zero get the
// defaults the thresholds were tuned with.
type Config struct {
	// Command is the power-off command line. {device_id} and
	// {device_name} expand per device.
	Command string

	BedThreshold  float64       // bed considered cool below this, Celsius
	Hold          time.Duration // how long the cool condition must hold
	NozzleCeiling float64       // never cut power with the nozzle above this
	StaleReset    time.Duration // silence longer than this resets the timers
}

func (c Config) withDefaults() Config {
	if c.BedThreshold <= 0 {
		c.BedThreshold = 40
	}
	if c.Hold <= 0 {
		c.Hold = 4 * time.Minute
	}
	if c.NozzleCeiling <= 0 {
		c.NozzleCeiling = 200
	}
	if c.StaleReset <= 0 {
		c.StaleReset = 10 * time.Minute
	}
	return c
}

// track is the per-device cooldown state. The timestamps record the LAST
// moment each condition was violated; the condition has held for the time
// elapsed since.
type track struct {
	bedTemp      float64
	nozzleTemp   float64
	bedTarget    *float64 // nil until the device reports one
	nozzleTarget *float64

	lastHotBed     time.Time
	lastNonzeroBed time.Time
	lastNonzeroNoz time.Time
	lastSample     time.Time
	fired          bool
}

// Guard evaluates the shutdown strategy on every observed snapshot.
type Guard struct {
	cfg     Config
	argv    []string
	tracker *stats.Tracker

	// exec runs the expanded power-off command; tests swap it out.
	exec func(dev device.Device, argv []string)
	now  func() time.Time

	mu      sync.Mutex
	devices map[string]*track
}

func New(cfg Config, tracker *stats.Tracker) (*Guard, error) {
	argv := strings.Fields(cfg.Command)
	if len(argv) == 0 {
		return nil, fmt.Errorf("powerguard: empty power-off command")
	}
	g := &Guard{
		cfg:     cfg.withDefaults(),
		argv:    argv,
		tracker: tracker,
		now:     time.Now,
		devices: make(map[string]*track),
	}
	g.exec = func(dev device.Device, argv []string) { go g.runCommand(dev, argv) }
	return g, nil
}

// Observe feeds one snapshot into the guard. Called from the device task
// goroutines; safe for concurrent use.
func (g *Guard) Observe(dev device.Device, snap *device.Snapshot) {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now()
	t, ok := g.devices[dev.ID]
	if !ok {
		t = &track{}
		g.reset(t, now)
		g.devices[dev.ID] = t
	}
	if now.Sub(t.lastSample) > g.cfg.StaleReset {
		g.reset(t, now)
	}
	t.lastSample = now

	if v, ok := fieldFloat(snap, device.FieldBedTemp); ok {
		t.bedTemp = v
	}
	if t.bedTemp > g.cfg.BedThreshold {
		t.lastHotBed = now
	}
	if v, ok := fieldFloat(snap, device.FieldBedTarget); ok {
		t.bedTarget = &v
	}
	if t.bedTarget == nil || *t.bedTarget != 0 {
		t.lastNonzeroBed = now
	}
	if v, ok := fieldFloat(snap, device.FieldNozzleTarget); ok {
		t.nozzleTarget = &v
	}
	if t.nozzleTarget == nil || *t.nozzleTarget != 0 {
		t.lastNonzeroNoz = now
	}
	if v, ok := fieldFloat(snap, device.FieldNozzleTemp); ok {
		t.nozzleTemp = v
	}

	if t.fired && (t.bedTemp > g.cfg.BedThreshold || (t.bedTarget != nil && *t.bedTarget != 0)) {
		// Heating again: a new print session, re-arm.
		t.fired = false
	}

	g.evaluate(dev, t, now)
}

// evaluate checks the shutdown conditions in priority order and fires at
// most once. Caller holds g.mu.
func (g *Guard) evaluate(dev device.Device, t *track, now time.Time) {
	if t.fired {
		return
	}
	var reason string
	switch {
	case t.bedTemp < g.cfg.BedThreshold && now.Sub(t.lastHotBed) >= g.cfg.Hold:
		reason = fmt.Sprintf("bed below %s for %s", device.FormatTemperature(g.cfg.BedThreshold), g.cfg.Hold)
	case t.bedTarget != nil && *t.bedTarget == 0 && now.Sub(t.lastNonzeroBed) >= g.cfg.Hold:
		reason = fmt.Sprintf("bed target zero for %s", g.cfg.Hold)
	case t.nozzleTarget != nil && *t.nozzleTarget == 0 && now.Sub(t.lastNonzeroNoz) >= g.cfg.Hold:
		reason = fmt.Sprintf("nozzle target zero for %s", g.cfg.Hold)
	default:
		return
	}
	if t.nozzleTemp > g.cfg.NozzleCeiling {
		log.Printf("Power guard: %s: holding, nozzle still at %s", dev.Name, device.FormatTemperature(t.nozzleTemp))
		return
	}
	log.Printf("Power guard: %s: shutdown conditions met (%s), cutting power", dev.Name, reason)
	g.reset(t, now)
	t.fired = true
	if g.tracker != nil {
		g.tracker.IncrementPowerOffs()
	}
	g.exec(dev, expandArgv(g.argv, dev))
}

// reset clears the cooldown state so every condition has to hold for a full
// window again. Caller holds g.mu.
func (g *Guard) reset(t *track, now time.Time) {
	t.bedTemp = 0
	t.nozzleTemp = 0
	t.bedTarget = nil
	t.nozzleTarget = nil
	t.lastHotBed = now
	t.lastNonzeroBed = now
	t.lastNonzeroNoz = now
	t.lastSample = now
	t.fired = false
}

func (g *Guard) runCommand(dev device.Device, argv []string) {
	ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
	defer cancel()
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		log.Printf("Warning: power guard: command for %s failed: %v: %s",
			dev.Name, err, strings.TrimSpace(stderr.String()))
		return
	}
	log.Printf("Power guard: power-off command for %s completed", dev.Name)
}

func expandArgv(argv []string, dev device.Device) []string {
	out := make([]string, len(argv))
	for i, a := range argv {
		a = strings.ReplaceAll(a, "{device_id}", dev.ID)
		a = strings.ReplaceAll(a, "{device_name}", dev.Name)
		out[i] = a
	}
	return out
}

func fieldFloat(snap *device.Snapshot, name string) (float64, bool) {
	raw, ok := snap.Field(name)
	if !ok || raw == device.ValueUnknown {
		return 0, false
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, false
	}
	return v, true
}
