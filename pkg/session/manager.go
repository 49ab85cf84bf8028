package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
)

// ReasonIdleTimeout is passed to Live.Shutdown by the inactivity sweep
const ReasonIdleTimeout = "idle timeout"

// Live is the in-memory half of a session: the connection holding the socket
type Live interface {
	Shutdown(reason string)
}

// View joins a stored record with its live connection when this process owns it.
// Live is nil for sessions owned elsewhere or restored after a restart.
type View struct {
	Record *Record
	Live   Live
}

// MetadataOnly reports whether the session cannot stream from this process
func (v View) MetadataOnly() bool {
	return v.Live == nil
}

type liveEntry struct {
	conn         Live
	userID       string
	lastActivity time.Time
}

// Manager owns the in-memory map of live sessions on this instance and
// keeps it in step with the Store
type Manager struct {
	store  *Store
	logger *zap.Logger

	mu   sync.RWMutex
	live map[string]*liveEntry
	now  func() time.Time
}

// NewManager 创建会话管理器
func NewManager(store *Store, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.L()
	}
	return &Manager{
		store:  store,
		logger: logger,
		live:   make(map[string]*liveEntry),
		now:    time.Now,
	}
}

// SetClock replaces the time source; used by tests
func (m *Manager) SetClock(now func() time.Time) {
	m.mu.Lock()
	m.now = now
	m.mu.Unlock()
	m.store.now = now
}

// Store exposes the underlying store
func (m *Manager) Store() *Store {
	return m.store
}

// Create persists the record and registers the live connection
func (m *Manager) Create(ctx context.Context, rec *Record, conn Live) error {
	if err := m.store.Create(ctx, rec); err != nil {
		return err
	}
	m.mu.Lock()
	m.live[rec.ID] = &liveEntry{conn: conn, userID: rec.UserID, lastActivity: m.now()}
	m.mu.Unlock()
	return nil
}

// Get returns the record plus the live handle if this instance owns it
func (m *Manager) Get(ctx context.Context, id string) (View, error) {
	rec, err := m.store.Get(ctx, id)
	if err != nil {
		return View{}, err
	}
	view := View{Record: rec}
	m.mu.RLock()
	if e, ok := m.live[id]; ok {
		view.Live = e.conn
	}
	m.mu.RUnlock()
	return view, nil
}

// Touch records local activity for the idle sweep
func (m *Manager) Touch(id string) {
	m.mu.Lock()
	if e, ok := m.live[id]; ok {
		e.lastActivity = m.now()
	}
	m.mu.Unlock()
}

// End removes the session from the map, the store and the user set. Every
// step runs even if an earlier one fails; errors are joined. A session that
// is already gone from the store is not an error.
func (m *Manager) End(ctx context.Context, id string) (*Record, error) {
	m.mu.Lock()
	entry := m.live[id]
	delete(m.live, id)
	m.mu.Unlock()

	var errs []error
	rec, err := m.store.End(ctx, id)
	if err != nil && !errors.Is(err, ErrNotFound) {
		errs = append(errs, err)
	}
	// store.End drops the set entry atomically; this covers records that expired first
	if rec == nil && entry != nil && entry.userID != "" {
		if err := m.store.RemoveUserSession(ctx, entry.userID, id); err != nil {
			errs = append(errs, err)
		}
	}
	return rec, errors.Join(errs...)
}

// Inactive lists sessions idle for longer than maxIdle
func (m *Manager) Inactive(maxIdle time.Duration) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	now := m.now()
	var ids []string
	for id, e := range m.live {
		if now.Sub(e.lastActivity) > maxIdle {
			ids = append(ids, id)
		}
	}
	return ids
}

// CleanupInactive shuts down and removes idle sessions, returning how many were removed
func (m *Manager) CleanupInactive(ctx context.Context, maxIdle time.Duration) int {
	ids := m.Inactive(maxIdle)
	removed := 0
	for _, id := range ids {
		m.mu.RLock()
		entry := m.live[id]
		m.mu.RUnlock()
		if entry == nil {
			continue
		}

		if _, err := m.End(ctx, id); err != nil {
			m.logger.Warn("cleanup inactive session failed", zap.String("sessionId", id), zap.Error(err))
		}
		if entry.conn != nil {
			entry.conn.Shutdown(ReasonIdleTimeout)
		}
		removed++
	}
	if removed > 0 {
		m.logger.Info("cleaned up inactive sessions", zap.Int("count", removed), zap.Duration("maxIdle", maxIdle))
	}
	return removed
}

// ActiveCount 当前实例的活跃会话数
func (m *Manager) ActiveCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.live)
}

// LiveConnections snapshots the connections owned by this instance
func (m *Manager) LiveConnections() []Live {
	m.mu.RLock()
	defer m.mu.RUnlock()
	conns := make([]Live, 0, len(m.live))
	for _, e := range m.live {
		if e.conn != nil {
			conns = append(conns, e.conn)
		}
	}
	return conns
}

// ShutdownAll closes every live connection on this instance
func (m *Manager) ShutdownAll(reason string) {
	for _, c := range m.LiveConnections() {
		c.Shutdown(reason)
	}
}
