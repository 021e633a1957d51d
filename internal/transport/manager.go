package transport

import (
	"context"
	"log/slog"
	"sync"
	"time"

	syncerr "github.com/alexjbarnes/photo-sync/internal/errors"
)

// Manager holds at most one live Conn. Every access to the slot happens
// under a single mutex. A Conn is leased to at most one sync run at a
// time; a new Conn may only be installed after the old one is cleared.
type Manager struct {
	logger *slog.Logger

	mu     sync.Mutex
	conn   *Conn
	leased bool
}

// NewManager returns an empty Manager.
func NewManager(logger *slog.Logger) *Manager {
	return &Manager{logger: logger}
}

// Set installs c. It fails with ErrConnectionHeld while another Conn is
// installed, even a dead one; call Clear first.
func (m *Manager) Set(c *Conn) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.conn != nil {
		return syncerr.ErrConnectionHeld
	}

	m.conn = c

	return nil
}

// Get returns the installed Conn, or ErrNotConnected.
func (m *Manager) Get() (*Conn, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.conn == nil {
		return nil, syncerr.ErrNotConnected
	}

	return m.conn, nil
}

// Clear closes and removes the installed Conn. Any outstanding lease is
// dropped; its holder sees I/O errors on the closed socket.
func (m *Manager) Clear() error {
	m.mu.Lock()
	c := m.conn
	m.conn = nil
	m.leased = false
	m.mu.Unlock()

	if c == nil {
		return nil
	}

	return c.Close()
}

// IsConnected reports whether a Conn is installed and its socket is live.
func (m *Manager) IsConnected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.conn != nil && m.conn.Connected()
}

// Acquire leases the installed Conn for one run. It returns
// ErrNotConnected when there is no live Conn and ErrRunInProgress when the
// Conn is already leased. release must be called exactly once.
func (m *Manager) Acquire() (c *Conn, release func(), err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.conn == nil || !m.conn.Connected() {
		return nil, nil, syncerr.ErrNotConnected
	}

	if m.leased {
		return nil, nil, syncerr.ErrRunInProgress
	}

	m.leased = true
	held := m.conn

	var once sync.Once

	return held, func() {
		once.Do(func() {
			m.mu.Lock()
			if m.conn == held {
				m.leased = false
			}
			m.mu.Unlock()
		})
	}, nil
}

// KeepAlive sends a heartbeat on the idle Conn every interval until ctx
// is cancelled. A leased Conn is skipped. A failed heartbeat clears the
// slot so the next run reconnects.
func (m *Manager) KeepAlive(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		c, release, err := m.Acquire()
		if err != nil {
			continue
		}

		err = c.Heartbeat(ctx)
		release()

		if err != nil && ctx.Err() == nil {
			m.logger.Warn("heartbeat failed, dropping connection",
				slog.String("server", c.RemoteAddr()),
				slog.String("error", err.Error()),
			)

			m.drop(c)
		}
	}
}

// drop clears the slot only if it still holds c.
func (m *Manager) drop(c *Conn) {
	m.mu.Lock()
	if m.conn == c {
		m.conn = nil
		m.leased = false
	}
	m.mu.Unlock()

	_ = c.Close()
}
