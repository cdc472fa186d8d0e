package datastore

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"qotdbot/internal/metrics"
	logx "qotdbot/pkg/logx"
)

const DefaultPoolSize = 10

type ManagerOptions struct {
	PoolSize int // default 10
	Log      logx.Logger
}

// Manager owns the tunnel and the bounded pool on top of it.
type Manager struct {
	tunnel   Tunnel
	opener   Opener
	poolSize int
	log      logx.Logger

	// connectMu serializes connect cycles.
	connectMu sync.Mutex

	mu sync.RWMutex
	db *sql.DB

	state  atomic.Int32
	gen    atomic.Uint64
	ops    atomic.Uint64
	closed atomic.Bool
}

func NewManager(t Tunnel, o Opener, opt ManagerOptions) *Manager {
	if opt.PoolSize <= 0 {
		opt.PoolSize = DefaultPoolSize
	}
	log := opt.Log
	if log.IsZero() {
		log = logx.Nop()
	}
	m := &Manager{
		tunnel:   t,
		opener:   o,
		poolSize: opt.PoolSize,
		log:      log.With(logx.String("comp", "datastore")),
	}
	m.setState(StateDown)
	return m
}

func (m *Manager) Dialect() Dialect { return m.opener.Dialect() }

func (m *Manager) PoolSize() int { return m.poolSize }

func (m *Manager) State() State { return State(m.state.Load()) }

// Generation increments on every successful connect.
func (m *Manager) Generation() uint64 { return m.gen.Load() }

// Operations is the diagnostic count of data operations submitted.
func (m *Manager) Operations() uint64 { return m.ops.Load() }

func (m *Manager) countOperation() uint64 { return m.ops.Add(1) }

func (m *Manager) setState(s State) {
	m.state.Store(int32(s))
	metrics.TunnelState.Set(float64(s))
}

// IsActive reports tunnel and pool liveness without blocking on I/O. A lost
// tunnel observed here moves the state to Down.
func (m *Manager) IsActive() bool {
	if m.closed.Load() {
		return false
	}
	if m.State() != StateActive {
		return false
	}
	if !m.tunnel.IsActive() {
		if m.state.CompareAndSwap(int32(StateActive), int32(StateDown)) {
			metrics.TunnelState.Set(float64(StateDown))
			m.log.Warn("tunnel inactive; marking datastore down")
		}
		return false
	}
	m.mu.RLock()
	ok := m.db != nil
	m.mu.RUnlock()
	return ok
}

// Connect opens the tunnel and a fresh pool, replacing any previous one.
// Concurrent callers are serialized; a caller that waited behind a
// successful cycle returns without reconnecting again.
func (m *Manager) Connect(ctx context.Context) error {
	if m.closed.Load() {
		return ErrClosed
	}
	genBefore := m.gen.Load()
	m.connectMu.Lock()
	defer m.connectMu.Unlock()
	if m.closed.Load() {
		return ErrClosed
	}
	if m.gen.Load() != genBefore && m.IsActive() {
		return nil
	}

	start := time.Now()
	if m.State() == StateActive {
		m.setState(StateDown)
		m.log.Warn("reconnecting datastore")
	}
	m.setState(StateConnecting)

	m.mu.Lock()
	old := m.db
	m.db = nil
	m.mu.Unlock()
	if old != nil {
		_ = old.Close()
	}
	_ = m.tunnel.Close()

	ep, err := m.openTunnel(ctx)
	if err != nil {
		m.setState(StateDown)
		metrics.DatastoreReconnects.WithLabelValues("tunnel_error").Inc()
		m.log.Error("tunnel open failed", logx.Err(err))
		return &TunnelError{Err: err}
	}

	db, err := m.openPool(ctx, ep)
	if err != nil {
		_ = m.tunnel.Close()
		m.setState(StateDown)
		metrics.DatastoreReconnects.WithLabelValues("pool_error").Inc()
		m.log.Error("pool init failed", logx.String("endpoint", ep.Addr), logx.Err(err))
		return &PoolInitError{Err: err}
	}

	if m.closed.Load() {
		_ = db.Close()
		_ = m.tunnel.Close()
		m.setState(StateDown)
		return ErrClosed
	}
	m.mu.Lock()
	m.db = db
	m.mu.Unlock()
	gen := m.gen.Add(1)
	m.setState(StateActive)
	metrics.DatastoreReconnects.WithLabelValues("ok").Inc()
	m.log.Info("datastore connected",
		logx.String("driver", m.opener.Dialect().Name),
		logx.Int("pool_size", m.poolSize),
		logx.Uint64("generation", gen),
		logx.Duration("took", time.Since(start)),
	)
	return nil
}

// openTunnel runs the blocking open on its own goroutine so a cancelled
// caller is not held hostage by a slow handshake.
func (m *Manager) openTunnel(ctx context.Context) (Endpoint, error) {
	type result struct {
		ep  Endpoint
		err error
	}
	ch := make(chan result, 1)
	go func() {
		ep, err := m.tunnel.Open(ctx)
		ch <- result{ep: ep, err: err}
	}()
	select {
	case r := <-ch:
		return r.ep, r.err
	case <-ctx.Done():
		return Endpoint{}, ctx.Err()
	}
}

func (m *Manager) openPool(ctx context.Context, ep Endpoint) (*sql.DB, error) {
	db, err := m.opener.Open(ctx, ep)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(m.poolSize)
	db.SetMaxIdleConns(m.poolSize)
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

// Conn is an exclusive pooled connection. Exactly one of Release or
// Invalidate must be called.
type Conn struct {
	*sql.Conn
	gen  uint64
	once sync.Once
}

// Generation is the connect cycle this connection belongs to.
func (c *Conn) Generation() uint64 { return c.gen }

// Release returns the connection to the pool.
func (c *Conn) Release() {
	c.once.Do(func() { _ = c.Conn.Close() })
}

// Invalidate discards the underlying driver connection.
func (c *Conn) Invalidate() {
	c.once.Do(func() {
		_ = c.Conn.Raw(func(any) error { return driver.ErrBadConn })
		_ = c.Conn.Close()
	})
}

// Acquire hands out one pooled connection, blocking while the pool is
// saturated or until ctx is done.
func (m *Manager) Acquire(ctx context.Context) (*Conn, error) {
	if m.closed.Load() {
		return nil, ErrClosed
	}
	m.mu.RLock()
	db := m.db
	gen := m.gen.Load()
	m.mu.RUnlock()
	if db == nil {
		return nil, ErrNotConnected
	}
	c, err := db.Conn(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrConnDone) || isClosedPool(err) {
			return nil, ErrNotConnected
		}
		return nil, err
	}
	return &Conn{Conn: c, gen: gen}, nil
}

func isClosedPool(err error) bool {
	return err != nil && strings.Contains(err.Error(), "database is closed")
}

// Stats exposes the current pool statistics; zero when disconnected.
func (m *Manager) Stats() sql.DBStats {
	m.mu.RLock()
	db := m.db
	m.mu.RUnlock()
	if db == nil {
		return sql.DBStats{}
	}
	return db.Stats()
}

// Teardown closes the pool and the tunnel. Later calls are no-ops; Connect
// and Acquire return ErrClosed afterwards.
func (m *Manager) Teardown() error {
	if m.closed.Swap(true) {
		return nil
	}
	m.connectMu.Lock()
	defer m.connectMu.Unlock()

	m.mu.Lock()
	db := m.db
	m.db = nil
	m.mu.Unlock()

	var errs []error
	if db != nil {
		errs = append(errs, db.Close())
	}
	errs = append(errs, m.tunnel.Close())
	m.setState(StateDown)
	m.log.Info("datastore torn down", logx.Uint64("operations", m.ops.Load()))
	return errors.Join(errs...)
}

// Watch polls IsActive every interval and reconnects when the tunnel is
// found down. It returns when ctx is done or the Manager is torn down.
func (m *Manager) Watch(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		return nil
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
		}
		if m.closed.Load() {
			return nil
		}
		if m.IsActive() {
			continue
		}
		m.log.Warn("watchdog found datastore down; reconnecting", logx.String("state", m.State().String()))
		timeout := interval
		if timeout < 30*time.Second {
			timeout = 30 * time.Second
		}
		cctx, cancel := context.WithTimeout(ctx, timeout)
		err := m.Connect(cctx)
		cancel()
		if err != nil && !errors.Is(err, ErrClosed) {
			m.log.Warn("watchdog reconnect failed", logx.Err(err))
		}
	}
}
