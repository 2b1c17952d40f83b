// Package session owns the cloud credential lifecycle: proactive refresh
// ahead of expiry, invalidation after auth failures, a single in-flight
// login shared by every waiter, and fatal escalation when the account
// credentials themselves are rejected repeatedly.
package session

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"printwatch/cloud"
	"printwatch/stats"
)

const (
	defaultMargin          = 5 * time.Minute
	defaultLoginTimeout    = 30 * time.Second
	defaultMaxAuthFailures = 3
)

// LoginClient is the slice of the cloud client the manager needs.
type LoginClient interface {
	Login(ctx context.Context, account, password string) (cloud.Credential, error)
}

// Config carries manager construction options. Zero values get defaults.
type Config struct {
	Account  string
	Password string

	// Margin is how far ahead of expiry a credential is refreshed. A token
	// is never handed out with less than this much validity left.
	Margin time.Duration

	LoginTimeout time.Duration

	// MaxAuthFailures is the number of consecutive credential rejections
	// before the manager reports a fatal session error. Transient login
	// failures (network down, cloud 5xx) never count: backoff handles
	// those, and a flaky uplink must not kill the daemon.
	MaxAuthFailures int

	// TokenPath persists the credential across restarts. Empty disables.
	TokenPath string
}

// Manager caches one account credential for all device tasks. Concurrent
// Acquire calls share a single in-flight login; nobody triggers a second
// one while the first is still running.
type Manager struct {
	cfg     Config
	client  LoginClient
	tracker *stats.Tracker

	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	cred      cloud.Credential
	inflight  chan struct{} // non-nil while a login is running, closed on completion
	lastErr   error
	authFails int
	fatalErr  error

	fatalCh chan error
}

// NewManager builds a session manager. When cfg.TokenPath points at a
// previously saved credential, it is used until it expires or is rejected,
// so a restart does not burn a fresh login.
func NewManager(client LoginClient, cfg Config, tracker *stats.Tracker) *Manager {
	if cfg.Margin <= 0 {
		cfg.Margin = defaultMargin
	}
	if cfg.LoginTimeout <= 0 {
		cfg.LoginTimeout = defaultLoginTimeout
	}
	if cfg.MaxAuthFailures <= 0 {
		cfg.MaxAuthFailures = defaultMaxAuthFailures
	}
	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		cfg:     cfg,
		client:  client,
		tracker: tracker,
		ctx:     ctx,
		cancel:  cancel,
		fatalCh: make(chan error, 1),
	}
	if cfg.TokenPath != "" {
		if cred, ok := LoadToken(cfg.TokenPath); ok {
			m.cred = cred
			log.Printf("Session: loaded persisted token from %s", cfg.TokenPath)
		}
	}
	return m
}

// Acquire returns a credential with at least the safety margin of validity
// left, performing a login first when the cache is empty, expired, or
// inside the margin. Any number of device tasks may call this concurrently;
// they all wait on the same login.
func (m *Manager) Acquire(ctx context.Context) (cloud.Credential, error) {
	for {
		m.mu.Lock()
		if m.fatalErr != nil {
			err := m.fatalErr
			m.mu.Unlock()
			return cloud.Credential{}, err
		}
		if m.cred.Usable(time.Now(), m.cfg.Margin) {
			cred := m.cred
			m.mu.Unlock()
			return cred, nil
		}
		done := m.inflight
		if done == nil {
			done = make(chan struct{})
			m.inflight = done
			go m.refresh(done)
		}
		m.mu.Unlock()

		select {
		case <-done:
		case <-ctx.Done():
			return cloud.Credential{}, ctx.Err()
		}

		m.mu.Lock()
		fatal := m.fatalErr
		lastErr := m.lastErr
		cred := m.cred
		m.mu.Unlock()
		if fatal != nil {
			return cloud.Credential{}, fatal
		}
		if cred.Usable(time.Now(), m.cfg.Margin) {
			return cred, nil
		}
		if lastErr != nil {
			return cloud.Credential{}, lastErr
		}
		// Login succeeded but the credential already sits inside the margin
		// (absurdly short validity). Loop; the next pass starts over.
	}
}

// refresh performs one login exchange under the manager's own lifetime
// context, so a single caller's cancellation cannot abort a login other
// waiters depend on.
func (m *Manager) refresh(done chan struct{}) {
	ctx, cancel := context.WithTimeout(m.ctx, m.cfg.LoginTimeout)
	defer cancel()
	cred, err := m.client.Login(ctx, m.cfg.Account, m.cfg.Password)

	// Persist before publishing so a crash right after refresh cannot lose
	// a credential the rest of the process already saw.
	if err == nil && m.cfg.TokenPath != "" {
		if werr := SaveToken(m.cfg.TokenPath, cred); werr != nil {
			log.Printf("Warning: unable to persist session token: %v", werr)
		}
	}

	m.mu.Lock()
	if err != nil {
		m.lastErr = err
		if cloud.IsAuth(err) {
			m.authFails++
			log.Printf("Warning: login rejected (%d/%d): %v", m.authFails, m.cfg.MaxAuthFailures, err)
			if m.authFails >= m.cfg.MaxAuthFailures && m.fatalErr == nil {
				m.fatalErr = fmt.Errorf("session: %d consecutive login rejections: %w", m.authFails, err)
				select {
				case m.fatalCh <- m.fatalErr:
				default:
				}
			}
		} else {
			log.Printf("Warning: login failed: %v", err)
		}
	} else {
		m.cred = cred
		m.lastErr = nil
		m.authFails = 0
		if m.tracker != nil {
			m.tracker.IncrementSessionRefreshes()
		}
	}
	m.inflight = nil
	m.mu.Unlock()
	close(done)
}

// Invalidate clears the cached credential so the next Acquire performs a
// fresh login. Device tasks call this when a status call is rejected with
// an auth error despite the credential looking valid locally.
func (m *Manager) Invalidate() {
	m.mu.Lock()
	m.cred = cloud.Credential{}
	m.mu.Unlock()
}

// Fatal delivers the fatal session error once the consecutive-rejection
// limit is reached. The main loop selects on this alongside shutdown
// signals.
func (m *Manager) Fatal() <-chan error {
	return m.fatalCh
}

// Close aborts any in-flight login. Waiters observe the aborted login as a
// transient error.
func (m *Manager) Close() {
	m.cancel()
}
