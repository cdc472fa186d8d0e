package datastore

import (
	"context"
	"errors"
	"time"

	"qotdbot/internal/metrics"
	logx "qotdbot/pkg/logx"
)

// Operation is a single statement with "?" placeholders.
type Operation struct {
	Query string
	Args  []any
	// Mutating runs the statement in a transaction and commits it.
	Mutating bool
}

type ExecutorOptions struct {
	RecoverInterval time.Duration // wait between reconnect attempts while down; default 30s
	SettleDelay     time.Duration // pause after the tunnel returns; default 30s
	ProbeFailDelay  time.Duration // pause after a failed ping before reconnecting; default 5s
	RetryDelay      time.Duration // pause before the single retry; default 1s
	PingTimeout     time.Duration // default 5s
	MaxRetries      int           // default 1

	Log logx.Logger

	// Sleep waits d or until ctx is done. Tests replace it.
	Sleep func(ctx context.Context, d time.Duration) error
}

func (o ExecutorOptions) withDefaults() ExecutorOptions {
	if o.RecoverInterval <= 0 {
		o.RecoverInterval = 30 * time.Second
	}
	if o.SettleDelay < 0 {
		o.SettleDelay = 0
	}
	if o.ProbeFailDelay <= 0 {
		o.ProbeFailDelay = 5 * time.Second
	}
	if o.RetryDelay <= 0 {
		o.RetryDelay = time.Second
	}
	if o.PingTimeout <= 0 {
		o.PingTimeout = 5 * time.Second
	}
	if o.MaxRetries <= 0 {
		o.MaxRetries = 1
	}
	if o.Sleep == nil {
		o.Sleep = sleepCtx
	}
	return o
}

// DefaultSettleDelay is applied by callers that leave SettleDelay unset in
// config; a zero SettleDelay in ExecutorOptions disables settling.
const DefaultSettleDelay = 30 * time.Second

// Executor runs operations against a Manager, riding out tunnel outages.
type Executor struct {
	m   *Manager
	opt ExecutorOptions
	log logx.Logger
}

func NewExecutor(m *Manager, opt ExecutorOptions) *Executor {
	opt = opt.withDefaults()
	log := opt.Log
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Executor{m: m, opt: opt, log: log.With(logx.String("comp", "executor"))}
}

func (e *Executor) Manager() *Manager { return e.m }

// Rebind rewrites placeholders for the manager's dialect.
func (e *Executor) Rebind(query string) string { return e.m.Dialect().Rebind(query) }

type result struct {
	rows     []Row
	affected int64
}

// Execute runs op. With singleRow it returns exactly one row or ErrNotFound.
// Any other failure is an *ExecutionError.
func (e *Executor) Execute(ctx context.Context, op Operation, singleRow bool) ([]Row, error) {
	res, err := e.do(ctx, op, singleRow, false)
	if err != nil {
		return nil, err
	}
	return res.rows, nil
}

// Query runs a read and returns all rows (possibly none).
func (e *Executor) Query(ctx context.Context, query string, args ...any) ([]Row, error) {
	return e.Execute(ctx, Operation{Query: query, Args: args}, false)
}

// QueryOne runs a read and returns its first row or ErrNotFound.
func (e *Executor) QueryOne(ctx context.Context, query string, args ...any) (Row, error) {
	rows, err := e.Execute(ctx, Operation{Query: query, Args: args}, true)
	if err != nil {
		return nil, err
	}
	return rows[0], nil
}

// Exec runs a mutating statement in its own transaction and returns the
// number of affected rows.
func (e *Executor) Exec(ctx context.Context, query string, args ...any) (int64, error) {
	res, err := e.do(ctx, Operation{Query: query, Args: args, Mutating: true}, false, true)
	if err != nil {
		return 0, err
	}
	return res.affected, nil
}

func (e *Executor) do(ctx context.Context, op Operation, singleRow, execOnly bool) (result, error) {
	n := e.m.countOperation()
	start := time.Now()
	e.log.Debug("datastore operation",
		logx.Uint64("op", n),
		logx.String("query", shortQuery(op.Query)),
		logx.Int("args", len(op.Args)),
		logx.Bool("mutating", op.Mutating),
		logx.Bool("single", singleRow),
	)

	var lastErr error
	attempts := 0
	for attempt := 0; attempt <= e.opt.MaxRetries; attempt++ {
		if attempt > 0 {
			metrics.DatastoreRetries.Inc()
			e.log.Warn("retrying operation after connection failure",
				logx.Uint64("op", n),
				logx.Duration("delay", e.opt.RetryDelay),
				logx.Err(lastErr),
			)
			if err := e.opt.Sleep(ctx, e.opt.RetryDelay); err != nil {
				lastErr = err
				break
			}
		}
		attempts++
		res, err := e.attempt(ctx, op, singleRow, execOnly)
		if err == nil {
			metrics.DatastoreOperations.WithLabelValues("ok").Inc()
			e.log.Debug("datastore operation done", logx.Uint64("op", n), logx.Int("rows", len(res.rows)), logx.Duration("took", time.Since(start)))
			return res, nil
		}
		if errors.Is(err, ErrNotFound) {
			metrics.DatastoreOperations.WithLabelValues("not_found").Inc()
			return result{}, ErrNotFound
		}
		lastErr = err
		if ctx.Err() != nil || errors.Is(err, ErrClosed) || !IsConnectionError(err) {
			break
		}
	}

	metrics.DatastoreOperations.WithLabelValues("error").Inc()
	return result{}, &ExecutionError{Query: op.Query, Attempts: attempts, Err: lastErr}
}

func (e *Executor) attempt(ctx context.Context, op Operation, singleRow, execOnly bool) (result, error) {
	if err := e.awaitActive(ctx); err != nil {
		return result{}, err
	}
	conn, err := e.acquireLive(ctx)
	if err != nil {
		return result{}, err
	}

	res, err := e.run(ctx, conn, op, execOnly)
	if err != nil {
		if IsConnectionError(err) {
			conn.Invalidate()
		} else {
			conn.Release()
		}
		return result{}, err
	}
	conn.Release()

	if singleRow {
		if len(res.rows) == 0 {
			return result{}, ErrNotFound
		}
		res.rows = res.rows[:1]
	}
	return res, nil
}

// awaitActive blocks the caller until the manager reports an active tunnel,
// calling Connect between fixed waits. After an outage it pauses SettleDelay
// before letting the operation through.
func (e *Executor) awaitActive(ctx context.Context) error {
	if e.m.IsActive() {
		return nil
	}
	waited := false
	for {
		if waited && e.m.IsActive() {
			break
		}
		err := e.m.Connect(ctx)
		if err == nil && e.m.IsActive() {
			break
		}
		if errors.Is(err, ErrClosed) {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		e.log.Warn("datastore down; waiting for tunnel",
			logx.String("state", e.m.State().String()),
			logx.Duration("interval", e.opt.RecoverInterval),
			logx.Err(err),
		)
		if err := e.opt.Sleep(ctx, e.opt.RecoverInterval); err != nil {
			return err
		}
		waited = true
	}
	if waited && e.opt.SettleDelay > 0 {
		e.log.Info("tunnel back; settling", logx.Duration("delay", e.opt.SettleDelay))
		if err := e.opt.Sleep(ctx, e.opt.SettleDelay); err != nil {
			return err
		}
	}
	return nil
}

// acquireLive returns a pinged connection. A failed ping discards the
// connection and forces a full connect cycle.
func (e *Executor) acquireLive(ctx context.Context) (*Conn, error) {
	conn, err := e.m.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	pctx, cancel := context.WithTimeout(ctx, e.opt.PingTimeout)
	err = conn.PingContext(pctx)
	cancel()
	if err == nil {
		return conn, nil
	}
	conn.Invalidate()
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	e.log.Warn("datastore probe failed; reconnecting", logx.Duration("delay", e.opt.ProbeFailDelay), logx.Err(err))
	if err := e.opt.Sleep(ctx, e.opt.ProbeFailDelay); err != nil {
		return nil, err
	}
	if err := e.m.Connect(ctx); err != nil {
		return nil, err
	}
	return e.m.Acquire(ctx)
}

func (e *Executor) run(ctx context.Context, conn *Conn, op Operation, execOnly bool) (result, error) {
	q := e.m.Dialect().Rebind(op.Query)
	if !op.Mutating {
		rows, err := conn.QueryContext(ctx, q, op.Args...)
		if err != nil {
			return result{}, err
		}
		out, err := scanRows(rows)
		if err != nil {
			return result{}, err
		}
		return result{rows: out}, nil
	}

	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		return result{}, err
	}
	var res result
	if execOnly {
		r, err := tx.ExecContext(ctx, q, op.Args...)
		if err != nil {
			_ = tx.Rollback()
			return result{}, err
		}
		res.affected, _ = r.RowsAffected()
	} else {
		rows, err := tx.QueryContext(ctx, q, op.Args...)
		if err != nil {
			_ = tx.Rollback()
			return result{}, err
		}
		out, err := scanRows(rows)
		if err != nil {
			_ = tx.Rollback()
			return result{}, err
		}
		res.rows = out
		res.affected = int64(len(out))
	}
	if err := tx.Commit(); err != nil {
		return result{}, err
	}
	return res, nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
