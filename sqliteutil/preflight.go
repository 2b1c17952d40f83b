// Package sqliteutil health-checks a SQLite file before the archive opens
// it. A corrupt database is renamed aside with its sidecars so startup
// continues on a fresh file instead of stalling or crashing later.
package sqliteutil

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"
)

var sidecarSuffixes = []string{"-wal", "-shm", "-journal"}

// CheckResult reports the outcome of a preflight check.
type CheckResult struct {
	Healthy        bool
	Quarantined    bool
	QuarantinePath string
	Elapsed        time.Duration
	CheckpointErr  error
	IntegrityErr   error
}

// Check runs a bounded WAL checkpoint and quick_check against path. On
// failure it renames the database and sidecars to a timestamped .bad path.
// A timeout is returned as an error without quarantining, since a wedged
// file may simply be locked by another process.
func Check(path string, timeout time.Duration, logf func(string, ...any)) (CheckResult, error) {
	if logf == nil {
		logf = log.Printf
	}
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	res := CheckResult{}
	if strings.TrimSpace(path) == "" {
		return res, errors.New("sqliteutil: empty path")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return res, fmt.Errorf("sqliteutil: ensure dir: %w", err)
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		// Nothing to check yet.
		res.Healthy = true
		return res, nil
	}

	start := time.Now()
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return res, fmt.Errorf("sqliteutil: open %s: %w", path, err)
	}
	defer db.Close()
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	if _, err := db.ExecContext(ctx, fmt.Sprintf("pragma busy_timeout=%d", timeout.Milliseconds())); err != nil {
		return res, fmt.Errorf("sqliteutil: set busy_timeout: %w", err)
	}

	_, res.CheckpointErr = db.ExecContext(ctx, "pragma wal_checkpoint(TRUNCATE)")
	res.IntegrityErr = quickCheck(ctx, db)
	res.Elapsed = time.Since(start)

	if res.CheckpointErr == nil && res.IntegrityErr == nil {
		res.Healthy = true
		return res, nil
	}
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return res, fmt.Errorf("sqliteutil: %s did not respond within %s", path, timeout)
	}

	_ = db.Close()
	quarantinePath, err := quarantine(path, logf)
	if err != nil {
		return res, fmt.Errorf("sqliteutil: quarantine %s: %w (checkpoint=%v, quick_check=%v)",
			path, err, res.CheckpointErr, res.IntegrityErr)
	}
	res.Quarantined = true
	res.QuarantinePath = quarantinePath
	logf("Warning: %s failed its health check (checkpoint=%v, quick_check=%v), moved to %s",
		path, res.CheckpointErr, res.IntegrityErr, quarantinePath)
	return res, nil
}

func quickCheck(ctx context.Context, db *sql.DB) error {
	rows, err := db.QueryContext(ctx, "pragma quick_check")
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var status string
		if err := rows.Scan(&status); err != nil {
			return err
		}
		if strings.TrimSpace(status) != "ok" {
			return fmt.Errorf("quick_check reported %q", status)
		}
	}
	return rows.Err()
}

func quarantine(path string, logf func(string, ...any)) (string, error) {
	stamp := time.Now().UTC().Format("20060102T150405Z")
	dest := fmt.Sprintf("%s.bad-%s", path, stamp)
	if err := os.Rename(path, dest); err != nil {
		return "", err
	}
	for _, suffix := range sidecarSuffixes {
		sidecar := path + suffix
		if _, err := os.Stat(sidecar); err != nil {
			continue
		}
		if err := os.Rename(sidecar, sidecar+".bad-"+stamp); err != nil {
			logf("Warning: could not move sidecar %s: %v", sidecar, err)
		}
	}
	return dest, nil
}
