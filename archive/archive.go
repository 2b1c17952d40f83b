// Package archive persists change events to SQLite asynchronously with
// per-severity retention. It is designed to be removable: the dispatch path
// never blocks on the writer, and backpressure drops archive writes rather
// than delaying event delivery.
package archive

import (
	"database/sql"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"printwatch/config"
	"printwatch/device"
	"printwatch/sqliteutil"
	"printwatch/stats"

	_ "modernc.org/sqlite"
)

// Writer owns the archive database and its background loops.
type Writer struct {
	cfg     config.ArchiveConfig
	tracker *stats.Tracker
	db      *sql.DB
	queue   chan *device.ChangeEvent
	stop    chan struct{}
	done    chan struct{}
	started bool
}

// NewWriter preflights and opens the archive database. Call Start to begin
// processing. A corrupt database is quarantined and recreated when
// auto_quarantine is on.
func NewWriter(cfg config.ArchiveConfig, tracker *stats.Tracker) (*Writer, error) {
	if err := os.MkdirAll(filepath.Dir(cfg.DBPath), 0o755); err != nil {
		return nil, fmt.Errorf("archive: mkdir: %w", err)
	}
	if cfg.AutoQuarantine == nil || *cfg.AutoQuarantine {
		timeout := time.Duration(cfg.PreflightTimeoutMS) * time.Millisecond
		if _, err := sqliteutil.Check(cfg.DBPath, timeout, nil); err != nil {
			return nil, fmt.Errorf("archive: preflight: %w", err)
		}
	}

	db, err := sql.Open("sqlite", cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("archive: open db: %w", err)
	}
	pragmas := fmt.Sprintf("pragma journal_mode=WAL; pragma synchronous=%s; pragma busy_timeout=%d",
		strings.ToUpper(cfg.Synchronous), cfg.BusyTimeoutMS)
	if _, err := db.Exec(pragmas); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("archive: pragmas: %w", err)
	}
	if err := ensureSchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}

	qsize := cfg.QueueSize
	if qsize <= 0 {
		qsize = 4096
	}
	return &Writer{
		cfg:     cfg,
		tracker: tracker,
		db:      db,
		queue:   make(chan *device.ChangeEvent, qsize),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}, nil
}

// Start launches the insert and cleanup loops.
func (w *Writer) Start() {
	if w.started {
		return
	}
	w.started = true
	go w.insertLoop()
	go w.cleanupLoop()
}

// Stop flushes any batched events and closes the database. On a handle that
// was never started it just closes.
func (w *Writer) Stop() {
	if w.started {
		w.started = false
		close(w.stop)
		<-w.done
	}
	_ = w.db.Close()
}

// Name and Deliver let the writer register directly as a dispatch sink.
func (w *Writer) Name() string { return "archive" }

// Deliver enqueues without blocking; the dispatcher treats archive
// backpressure as a counted drop, never a delivery failure.
func (w *Writer) Deliver(ev *device.ChangeEvent) error {
	w.Enqueue(ev)
	return nil
}

// Enqueue queues an event for archival without blocking; drops on a full
// queue.
func (w *Writer) Enqueue(ev *device.ChangeEvent) {
	if w == nil || ev == nil {
		return
	}
	select {
	case w.queue <- ev:
	default:
		if w.tracker != nil {
			w.tracker.IncrementArchiveDrops()
		}
	}
}

func (w *Writer) insertLoop() {
	defer close(w.done)
	interval := time.Duration(w.cfg.BatchIntervalMS) * time.Millisecond
	batch := make([]*device.ChangeEvent, 0, w.cfg.BatchSize)
	timer := time.NewTimer(interval)
	defer timer.Stop()

	for {
		select {
		case <-w.stop:
			// Drain whatever is still queued before the final flush.
			for {
				select {
				case ev := <-w.queue:
					batch = append(batch, ev)
				default:
					w.flush(batch)
					return
				}
			}
		case ev := <-w.queue:
			batch = append(batch, ev)
			if len(batch) >= w.cfg.BatchSize {
				w.flush(batch)
				batch = batch[:0]
				if !timer.Stop() {
					<-timer.C
				}
				timer.Reset(interval)
			}
		case <-timer.C:
			if len(batch) > 0 {
				w.flush(batch)
				batch = batch[:0]
			}
			timer.Reset(interval)
		}
	}
}

func (w *Writer) flush(batch []*device.ChangeEvent) {
	if len(batch) == 0 {
		return
	}
	tx, err := w.db.Begin()
	if err != nil {
		log.Printf("Warning: archive: begin tx: %v", err)
		return
	}
	stmt, err := tx.Prepare(`insert into events(ts, device_id, device_name, kind, field, old_value, new_value, severity) values(?,?,?,?,?,?,?,?)`)
	if err != nil {
		log.Printf("Warning: archive: prepare: %v", err)
		_ = tx.Rollback()
		return
	}
	for _, ev := range batch {
		if ev == nil {
			continue
		}
		if _, err := stmt.Exec(
			ev.At.UTC().Unix(),
			ev.DeviceID,
			ev.DeviceName,
			ev.Kind.String(),
			ev.Field,
			ev.Old,
			ev.New,
			ev.Severity.String(),
		); err != nil {
			log.Printf("Warning: archive: insert failed: %v", err)
		}
	}
	_ = stmt.Close()
	if err := tx.Commit(); err != nil {
		log.Printf("Warning: archive: commit: %v", err)
	}
}

func (w *Writer) cleanupLoop() {
	interval := time.Duration(w.cfg.CleanupIntervalSeconds) * time.Second
	if interval <= 0 {
		interval = time.Hour
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-w.stop:
			return
		case <-ticker.C:
			w.cleanupOnce()
		}
	}
}

// cleanupOnce deletes events past their severity's retention window.
func (w *Writer) cleanupOnce() {
	now := time.Now().UTC().Unix()
	windows := []struct {
		severity string
		days     int
	}{
		{device.SeverityInfo.String(), w.cfg.RetentionInfoDays},
		{device.SeverityWarning.String(), w.cfg.RetentionWarningDays},
		{device.SeverityHigh.String(), w.cfg.RetentionHighDays},
	}
	for _, win := range windows {
		if win.days <= 0 {
			continue
		}
		cutoff := now - int64(win.days)*86400
		if _, err := w.db.Exec(`delete from events where severity = ? and ts < ?`, win.severity, cutoff); err != nil {
			log.Printf("Warning: archive: cleanup %s: %v", win.severity, err)
		}
	}
}

func ensureSchema(db *sql.DB) error {
	schema := `
	create table if not exists events (
		id integer primary key autoincrement,
		ts integer not null,
		device_id text not null,
		device_name text,
		kind text not null,
		field text,
		old_value text,
		new_value text,
		severity text not null
	);
	create index if not exists idx_events_ts on events(ts);
	create index if not exists idx_events_device_ts on events(device_id, ts);
	create index if not exists idx_events_severity_ts on events(severity, ts);
	`
	if _, err := db.Exec(schema); err != nil {
		return fmt.Errorf("archive: schema: %w", err)
	}
	return nil
}

// Query filters an Events call. Zero values mean no filter; Limit <= 0
// returns nothing.
type Query struct {
	DeviceID string
	Severity string
	Since    time.Time
	Limit    int
}

// Events returns archived events newest-first. Read-only, so eventdump can
// open the same file while a daemon is writing (WAL mode).
func (w *Writer) Events(q Query) ([]*device.ChangeEvent, error) {
	if w == nil || w.db == nil {
		return nil, fmt.Errorf("archive: writer is nil")
	}
	if q.Limit <= 0 {
		return []*device.ChangeEvent{}, nil
	}

	var where []string
	var args []any
	if q.DeviceID != "" {
		where = append(where, "device_id = ?")
		args = append(args, q.DeviceID)
	}
	if q.Severity != "" {
		where = append(where, "severity = ?")
		args = append(args, q.Severity)
	}
	if !q.Since.IsZero() {
		where = append(where, "ts >= ?")
		args = append(args, q.Since.UTC().Unix())
	}
	query := `select ts, device_id, device_name, kind, field, old_value, new_value, severity from events`
	if len(where) > 0 {
		query += " where " + strings.Join(where, " and ")
	}
	query += " order by ts desc, id desc limit ?"
	args = append(args, q.Limit)

	rows, err := w.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("archive: query events: %w", err)
	}
	defer rows.Close()

	results := make([]*device.ChangeEvent, 0, q.Limit)
	for rows.Next() {
		var (
			ts         int64
			deviceID   string
			deviceName string
			kind       string
			field      string
			oldValue   string
			newValue   string
			severity   string
		)
		if err := rows.Scan(&ts, &deviceID, &deviceName, &kind, &field, &oldValue, &newValue, &severity); err != nil {
			return nil, fmt.Errorf("archive: scan event: %w", err)
		}
		sev, err := device.ParseSeverity(severity)
		if err != nil {
			sev = device.SeverityInfo
		}
		results = append(results, &device.ChangeEvent{
			DeviceID:   deviceID,
			DeviceName: deviceName,
			Kind:       parseKind(kind),
			Field:      field,
			Old:        oldValue,
			New:        newValue,
			Severity:   sev,
			At:         time.Unix(ts, 0).UTC(),
		})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("archive: iterate events: %w", err)
	}
	return results, nil
}

// OpenReadOnly opens an existing archive for querying without the writer
// loops, for the eventdump tool.
func OpenReadOnly(dbPath string) (*Writer, error) {
	if strings.TrimSpace(dbPath) == "" {
		return nil, fmt.Errorf("archive: empty path")
	}
	if _, err := os.Stat(dbPath); err != nil {
		return nil, fmt.Errorf("archive: %s: %w", dbPath, err)
	}
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("archive: open db: %w", err)
	}
	if _, err := db.Exec("pragma query_only=ON"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("archive: pragmas: %w", err)
	}
	return &Writer{db: db}, nil
}

// Close releases a read-only handle.
func (w *Writer) Close() error {
	if w == nil || w.db == nil {
		return nil
	}
	return w.db.Close()
}

func parseKind(label string) device.EventKind {
	switch label {
	case "online":
		return device.KindOnline
	case "unreachable":
		return device.KindUnreachable
	case "recovered":
		return device.KindRecovered
	default:
		return device.KindFieldChange
	}
}
