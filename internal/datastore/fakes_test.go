package datastore

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"io"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// fakeTunnel simulates a tunnel that can fail to open and can be dropped.
type fakeTunnel struct {
	mu        sync.Mutex
	failOpens int
	openErr   error
	opens     int

	active atomic.Bool
}

func (t *fakeTunnel) Open(ctx context.Context) (Endpoint, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.opens++
	if t.failOpens > 0 {
		t.failOpens--
		err := t.openErr
		if err == nil {
			err = errors.New("ssh: connect: connection refused")
		}
		return Endpoint{}, err
	}
	t.active.Store(true)
	return Endpoint{Addr: "127.0.0.1:5432"}, nil
}

func (t *fakeTunnel) IsActive() bool { return t.active.Load() }

func (t *fakeTunnel) Close() error {
	t.active.Store(false)
	return nil
}

func (t *fakeTunnel) drop() { t.active.Store(false) }

func (t *fakeTunnel) openCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.opens
}

// sleepRecorder records requested waits without sleeping.
type sleepRecorder struct {
	mu    sync.Mutex
	calls []time.Duration
}

func (r *sleepRecorder) Sleep(ctx context.Context, d time.Duration) error {
	r.mu.Lock()
	r.calls = append(r.calls, d)
	r.mu.Unlock()
	return ctx.Err()
}

func (r *sleepRecorder) count(d time.Duration) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, c := range r.calls {
		if c == d {
			n++
		}
	}
	return n
}

const (
	testRecover   = 30 * time.Second
	testSettle    = 29 * time.Second
	testProbeFail = 5 * time.Second
	testRetry     = time.Second
)

func testExecutorOptions(rec *sleepRecorder) ExecutorOptions {
	return ExecutorOptions{
		RecoverInterval: testRecover,
		SettleDelay:     testSettle,
		ProbeFailDelay:  testProbeFail,
		RetryDelay:      testRetry,
		PingTimeout:     time.Second,
		Sleep:           rec.Sleep,
	}
}

// flakyState scripts failures for a fake database driver.
type flakyState struct {
	mu        sync.Mutex
	queryErrs []error
	pingErrs  []error
	queries   int
	pings     int
	connects  int
}

func (s *flakyState) failQueries(errs ...error) {
	s.mu.Lock()
	s.queryErrs = append(s.queryErrs, errs...)
	s.mu.Unlock()
}

func (s *flakyState) failPings(errs ...error) {
	s.mu.Lock()
	s.pingErrs = append(s.pingErrs, errs...)
	s.mu.Unlock()
}

func (s *flakyState) nextQueryErr() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queries++
	if len(s.queryErrs) == 0 {
		return nil
	}
	err := s.queryErrs[0]
	s.queryErrs = s.queryErrs[1:]
	return err
}

func (s *flakyState) nextPingErr() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pings++
	if len(s.pingErrs) == 0 {
		return nil
	}
	err := s.pingErrs[0]
	s.pingErrs = s.pingErrs[1:]
	return err
}

func (s *flakyState) queryCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.queries
}

type flakyOpener struct {
	s       *flakyState
	openErr error
}

func (o flakyOpener) Dialect() Dialect { return DialectSQLite }

func (o flakyOpener) Open(context.Context, Endpoint) (*sql.DB, error) {
	if o.openErr != nil {
		return nil, o.openErr
	}
	return sql.OpenDB(flakyConnector{s: o.s}), nil
}

type flakyConnector struct{ s *flakyState }

func (c flakyConnector) Connect(context.Context) (driver.Conn, error) {
	c.s.mu.Lock()
	c.s.connects++
	c.s.mu.Unlock()
	return &flakyConn{s: c.s}, nil
}

func (c flakyConnector) Driver() driver.Driver { return flakyDriver{} }

type flakyDriver struct{}

func (flakyDriver) Open(string) (driver.Conn, error) { return nil, errors.New("flaky: use connector") }

type flakyConn struct{ s *flakyState }

func (c *flakyConn) Prepare(string) (driver.Stmt, error) {
	return nil, errors.New("flaky: prepare not supported")
}
func (c *flakyConn) Close() error              { return nil }
func (c *flakyConn) Begin() (driver.Tx, error) { return flakyTx{}, nil }
func (c *flakyConn) Ping(context.Context) error {
	return c.s.nextPingErr()
}

func (c *flakyConn) QueryContext(context.Context, string, []driver.NamedValue) (driver.Rows, error) {
	if err := c.s.nextQueryErr(); err != nil {
		return nil, err
	}
	return &flakyRows{}, nil
}

func (c *flakyConn) ExecContext(context.Context, string, []driver.NamedValue) (driver.Result, error) {
	if err := c.s.nextQueryErr(); err != nil {
		return nil, err
	}
	return driver.RowsAffected(1), nil
}

type flakyTx struct{}

func (flakyTx) Commit() error   { return nil }
func (flakyTx) Rollback() error { return nil }

type flakyRows struct{ done bool }

func (r *flakyRows) Columns() []string { return []string{"n"} }
func (r *flakyRows) Close() error      { return nil }
func (r *flakyRows) Next(dest []driver.Value) error {
	if r.done {
		return io.EOF
	}
	r.done = true
	dest[0] = int64(1)
	return nil
}

var (
	errRefused = errors.New("dial tcp 127.0.0.1:5432: connect: connection refused")
	errSyntax  = errors.New("syntax error at or near \"SELEC\"")
)

// newSQLiteExecutor returns a connected executor over a temp-file database.
func newSQLiteExecutor(t *testing.T) *Executor {
	t.Helper()
	path := filepath.Join(t.TempDir(), "qotd.db")
	m := NewManager(NewDirectTunnel(""), SQLiteOpener{Path: path}, ManagerOptions{PoolSize: 4})
	t.Cleanup(func() { _ = m.Teardown() })
	if err := m.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	return NewExecutor(m, ExecutorOptions{Sleep: (&sleepRecorder{}).Sleep})
}
