// Purpose: Per-device polling engine driving the fetch/diff/publish loop.
// Key aspects:
// - One goroutine per device, so cycles for the same printer never overlap.
// - Transient failures retry inside the cycle with jittered backoff; the
//   budget does not carry over to the next cycle.
// - A credential rejection forces one refresh through the session manager
//   before the cycle gives up.
// - Unreachable/recovered transitions are edge-triggered around cycle
//   outcomes, one event per transition.
// Upstream: Cloud API via StatusClient, session manager via TokenSource.
// Downstream: State store, diff engine, event dispatcher, power guard.
package poll

import (
	"context"
	"log"
	"sort"
	"sync"
	"time"

	"printwatch/cloud"
	"printwatch/device"
	"printwatch/diff"
	"printwatch/internal/ratelimit"
	"printwatch/state"
	"printwatch/stats"
)

const failureLogInterval = 5 * time.Minute

// StatusClient is the slice of the cloud client the poller needs.
type StatusClient interface {
	ListDevices(ctx context.Context, token string) ([]device.Device, error)
	DeviceStatus(ctx context.Context, token, deviceID string) (*device.Snapshot, error)
}

// TokenSource hands out the shared account credential and accepts blame
// when the cloud rejects it.
type TokenSource interface {
	Acquire(ctx context.Context) (cloud.Credential, error)
	Invalidate()
}

// Publisher receives the events a cycle produces.
type Publisher interface {
	Publish(ev *device.ChangeEvent)
}

// SnapshotObserver sees every accepted snapshot, including unchanged ones.
// The power guard hangs off this hook; it needs the steady stream of
// temperature samples, not just the diffs.
type SnapshotObserver interface {
	Observe(dev device.Device, snap *device.Snapshot)
}

// Config carries poller tuning. Zero values get defaults.
type Config struct {
	// Interval is the gap between poll cycles for each device.
	Interval time.Duration

	// MaxRetries is how many transient retries one cycle may spend on top
	// of the initial attempt.
	MaxRetries int

	BackoffBase    time.Duration
	BackoffMax     time.Duration
	JitterFraction float64

	// DiscoveryInterval is how often the account's device list is
	// re-checked for printers bound after startup. Zero disables.
	DiscoveryInterval time.Duration

	// StalePurge drops stored state for devices not updated within the
	// window. Zero keeps everything forever.
	StalePurge time.Duration

	// Watch holds name or ID selectors choosing which bound devices to
	// poll. Empty watches every device on the account.
	Watch []string
}

func (c Config) withDefaults() Config {
	if c.Interval <= 0 {
		c.Interval = 30 * time.Second
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = 500 * time.Millisecond
	}
	if c.BackoffMax < c.BackoffBase {
		c.BackoffMax = c.BackoffBase
	}
	return c
}

// deviceTask is the per-device polling state. Everything here is owned by
// the task's goroutine; InjectPush only touches the channel.
type deviceTask struct {
	dev         device.Device
	push        chan *device.Snapshot
	failLog     *ratelimit.Counter
	failures    int
	unreachable bool
}

// Poller runs one polling task per watched device.
type Poller struct {
	cfg      Config
	client   StatusClient
	tokens   TokenSource
	store    *state.Store
	engine   *diff.Engine
	out      Publisher
	tracker  *stats.Tracker
	observer SnapshotObserver

	mu     sync.Mutex
	tasks  map[string]*deviceTask
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New(cfg Config, client StatusClient, tokens TokenSource, store *state.Store, engine *diff.Engine, out Publisher, tracker *stats.Tracker) *Poller {
	return &Poller{
		cfg:     cfg.withDefaults(),
		client:  client,
		tokens:  tokens,
		store:   store,
		engine:  engine,
		out:     out,
		tracker: tracker,
		tasks:   make(map[string]*deviceTask),
	}
}

// SetObserver installs the snapshot observer. Call before Start.
func (p *Poller) SetObserver(obs SnapshotObserver) {
	p.observer = obs
}

// Bootstrap lists the account's devices and resolves the watch selectors
// against them, retrying transient listing failures with the same budget a
// poll cycle gets. A selector that matches nothing comes back as an error
// so startup can fail fast on a typo; transient exhaustion comes back as
// the cloud error for the caller to classify.
func Bootstrap(ctx context.Context, client StatusClient, tokens TokenSource, cfg Config) ([]device.Device, error) {
	cfg = cfg.withDefaults()
	bo := newBackoff(cfg.BackoffBase, cfg.BackoffMax, cfg.JitterFraction)
	authRetried := false
	attempts := 0
	for {
		cred, err := tokens.Acquire(ctx)
		if err != nil {
			return nil, err
		}
		devs, err := client.ListDevices(ctx, cred.AccessToken)
		if err == nil {
			if len(cfg.Watch) == 0 {
				return devs, nil
			}
			return device.Resolve(cfg.Watch, devs)
		}
		switch {
		case cloud.IsAuth(err):
			tokens.Invalidate()
			if authRetried {
				return nil, err
			}
			authRetried = true
		case cloud.IsTransient(err):
			attempts++
			if attempts > cfg.MaxRetries {
				return nil, err
			}
			if !sleepCtx(ctx, bo.Next()) {
				return nil, ctx.Err()
			}
		default:
			return nil, err
		}
	}
}

// Start launches one polling task per device plus the discovery loop.
// Stop waits for all of them.
func (p *Poller) Start(ctx context.Context, initial []device.Device) {
	ctx, p.cancel = context.WithCancel(ctx)
	for _, dev := range initial {
		p.addTask(ctx, dev)
	}
	if p.cfg.DiscoveryInterval > 0 {
		p.wg.Add(1)
		go p.discoveryLoop(ctx)
	}
}

// Stop cancels every task and blocks until they have drained.
func (p *Poller) Stop() {
	if p.cancel != nil {
		p.cancel()
	}
	p.wg.Wait()
}

// Devices returns the devices currently being polled, sorted by name.
func (p *Poller) Devices() []device.Device {
	p.mu.Lock()
	devs := make([]device.Device, 0, len(p.tasks))
	for _, task := range p.tasks {
		devs = append(devs, task.dev)
	}
	p.mu.Unlock()
	sort.Slice(devs, func(i, j int) bool { return devs[i].Name < devs[j].Name })
	return devs
}

// InjectPush hands a pushed snapshot to the owning device task and reports
// whether anyone took it. Reports for devices not being watched are
// dropped. The hand-off is non-blocking: push is a hint, and the next poll
// cycle recovers anything a busy task missed.
func (p *Poller) InjectPush(deviceID string, snap *device.Snapshot) bool {
	p.mu.Lock()
	task, ok := p.tasks[deviceID]
	p.mu.Unlock()
	if !ok {
		return false
	}
	select {
	case task.push <- snap:
		return true
	default:
		return false
	}
}

func (p *Poller) addTask(ctx context.Context, dev device.Device) {
	p.mu.Lock()
	if _, ok := p.tasks[dev.ID]; ok {
		p.mu.Unlock()
		return
	}
	task := &deviceTask{
		dev:     dev,
		push:    make(chan *device.Snapshot, 4),
		failLog: ratelimit.NewCounter(failureLogInterval),
	}
	p.tasks[dev.ID] = task
	p.mu.Unlock()
	log.Printf("Poll: watching %s (%s, %s)", dev.Name, dev.Model, dev.ID)
	p.wg.Add(1)
	go p.runDevice(ctx, task)
}

func (p *Poller) dropTask(id string) {
	p.mu.Lock()
	delete(p.tasks, id)
	p.mu.Unlock()
}

// runDevice is the task goroutine: an immediate first cycle, then one cycle
// per tick. The ticker coalesces missed ticks, so a cycle that overruns the
// interval delays the next one instead of stacking up.
func (p *Poller) runDevice(ctx context.Context, task *deviceTask) {
	defer p.wg.Done()
	if !p.cycle(ctx, task) {
		p.dropTask(task.dev.ID)
		return
	}
	ticker := time.NewTicker(p.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case snap := <-task.push:
			p.applyPush(task, snap)
		case <-ticker.C:
			if !p.cycle(ctx, task) {
				p.dropTask(task.dev.ID)
				return
			}
		}
	}
}

// cycle runs one poll pass: fetch with retries, then diff/publish/persist.
// Returns false when the device is no longer bound and the task should
// stop.
func (p *Poller) cycle(ctx context.Context, task *deviceTask) bool {
	if p.tracker != nil {
		p.tracker.IncrementPollCycles()
	}
	snap, err := p.fetch(ctx, task)
	if err != nil {
		if ctx.Err() != nil {
			// Shutting down. Whatever the cycle had in flight is discarded;
			// the next run re-derives it from the stored snapshot.
			return true
		}
		if cloud.IsNotFound(err) {
			log.Printf("Poll: %s is no longer bound to the account, stopping", task.dev.Name)
			if derr := p.store.Delete(task.dev.ID); derr != nil {
				log.Printf("Warning: poll: dropping state for %s: %v", task.dev.Name, derr)
			}
			return false
		}
		p.noteFailure(task, err)
		return true
	}
	if ctx.Err() != nil {
		return true
	}
	p.noteSuccess(task)
	prev, gerr := p.store.Get(task.dev.ID)
	if gerr != nil {
		log.Printf("Warning: poll: reading state for %s: %v", task.dev.Name, gerr)
		return true
	}
	p.apply(task, prev, snap)
	return true
}

// fetch retrieves one snapshot for the task's device. Transient errors
// retry up to MaxRetries times with jittered backoff; a credential
// rejection invalidates the session and retries once, immediately, with
// whatever Acquire hands back.
func (p *Poller) fetch(ctx context.Context, task *deviceTask) (*device.Snapshot, error) {
	bo := newBackoff(p.cfg.BackoffBase, p.cfg.BackoffMax, p.cfg.JitterFraction)
	authRetried := false
	attempts := 0
	for {
		cred, err := p.tokens.Acquire(ctx)
		if err != nil {
			return nil, err
		}
		snap, err := p.client.DeviceStatus(ctx, cred.AccessToken, task.dev.ID)
		if err == nil {
			return snap, nil
		}
		switch {
		case cloud.IsNotFound(err):
			return nil, err
		case cloud.IsAuth(err):
			p.tokens.Invalidate()
			if authRetried {
				return nil, err
			}
			authRetried = true
		case cloud.IsTransient(err):
			attempts++
			if attempts > p.cfg.MaxRetries {
				return nil, err
			}
			if !sleepCtx(ctx, bo.Next()) {
				return nil, ctx.Err()
			}
		default:
			return nil, err
		}
	}
}

// noteFailure records a failed cycle. The first transient exhaustion flips
// the device to unreachable and publishes the edge event; repeats stay
// silent until the device recovers.
func (p *Poller) noteFailure(task *deviceTask, err error) {
	task.failures++
	if p.tracker != nil {
		p.tracker.IncrementError(errorClass(err))
	}
	if _, ok := task.failLog.Inc(); ok {
		log.Printf("Warning: poll %s: %v (failure %d)", task.dev.Name, err, task.failures)
	}
	if cloud.IsTransient(err) && !task.unreachable {
		task.unreachable = true
		if p.tracker != nil {
			p.tracker.IncrementUnreachable()
		}
		p.out.Publish(p.engine.Synthetic(task.dev, device.KindUnreachable, time.Now().UTC()))
	}
}

func (p *Poller) noteSuccess(task *deviceTask) {
	task.failures = 0
	if task.unreachable {
		task.unreachable = false
		p.out.Publish(p.engine.Synthetic(task.dev, device.KindRecovered, time.Now().UTC()))
	}
}

// apply diffs snap against prev, publishes the events, and persists snap as
// the device's new state. Publish happens before the store write: a crash
// between the two replays the same diff on restart instead of losing it.
// Equal fingerprints skip the diff but still refresh the stored capture
// time so the stale purge sees the device as alive.
func (p *Poller) apply(task *deviceTask, prev *state.Entry, snap *device.Snapshot) {
	if p.tracker != nil {
		p.tracker.IncrementSnapshot(string(snap.Source))
	}
	if prev == nil || prev.Fingerprint != snap.Fingerprint() {
		var prevSnap *device.Snapshot
		if prev != nil {
			prevSnap = prev.Snapshot
		}
		for _, ev := range p.engine.Compare(task.dev, prevSnap, snap) {
			p.out.Publish(ev)
		}
	}
	if err := p.store.Put(snap); err != nil {
		log.Printf("Warning: poll: persisting state for %s: %v", task.dev.Name, err)
	}
	if p.observer != nil {
		p.observer.Observe(task.dev, snap)
	}
}

// applyPush merges a pushed report into the device's state. Push reports
// are partial; fields the printer did not mention keep their stored values
// instead of going unknown. Unreachable tracking is left alone here, it
// describes the polling channel only.
func (p *Poller) applyPush(task *deviceTask, snap *device.Snapshot) {
	prev, err := p.store.Get(task.dev.ID)
	if err != nil {
		log.Printf("Warning: poll: reading state for %s: %v", task.dev.Name, err)
		return
	}
	merged := snap
	if prev != nil {
		fields := make(map[string]string, len(prev.Snapshot.Fields)+len(snap.Fields))
		for k, v := range prev.Snapshot.Fields {
			fields[k] = v
		}
		for k, v := range snap.Fields {
			fields[k] = v
		}
		merged = device.NewSnapshot(task.dev.ID, snap.Taken, snap.Source, fields)
	}
	p.apply(task, prev, merged)
}

// discoveryLoop periodically re-lists the account so printers bound after
// startup get picked up without a restart, and purges stored state for
// devices gone long enough.
func (p *Poller) discoveryLoop(ctx context.Context) {
	defer p.wg.Done()
	ticker := time.NewTicker(p.cfg.DiscoveryInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.discover(ctx)
			p.purgeStale()
		}
	}
}

func (p *Poller) discover(ctx context.Context) {
	cred, err := p.tokens.Acquire(ctx)
	if err != nil {
		if ctx.Err() == nil {
			log.Printf("Warning: discovery: %v", err)
		}
		return
	}
	devs, err := p.client.ListDevices(ctx, cred.AccessToken)
	if err != nil {
		if cloud.IsAuth(err) {
			p.tokens.Invalidate()
		}
		if ctx.Err() == nil {
			log.Printf("Warning: discovery: %v", err)
			if p.tracker != nil {
				p.tracker.IncrementError(errorClass(err))
			}
		}
		return
	}
	matched := devs
	if len(p.cfg.Watch) > 0 {
		// Selectors were validated at startup; a miss here usually means a
		// watched printer is temporarily unbound. Resolve one at a time so
		// it cannot hold up the others.
		matched = matched[:0:0]
		for _, sel := range p.cfg.Watch {
			got, rerr := device.Resolve([]string{sel}, devs)
			if rerr != nil {
				log.Printf("Warning: discovery: %v", rerr)
				continue
			}
			matched = append(matched, got...)
		}
	}
	for _, dev := range matched {
		p.addTask(ctx, dev)
	}
}

func (p *Poller) purgeStale() {
	if p.cfg.StalePurge <= 0 {
		return
	}
	n, err := p.store.PurgeOlderThan(time.Now().UTC().Add(-p.cfg.StalePurge))
	if err != nil {
		log.Printf("Warning: discovery: purging stale state: %v", err)
		return
	}
	if n > 0 {
		log.Printf("Discovery: purged state for %d stale device(s)", n)
	}
}

// errorClass buckets an error for the stats display.
func errorClass(err error) string {
	switch {
	case cloud.IsAuth(err):
		return "auth"
	case cloud.IsNotFound(err):
		return "notfound"
	case cloud.IsTransient(err):
		return "transient"
	default:
		return "other"
	}
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
