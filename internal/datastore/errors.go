package datastore

import (
	"database/sql/driver"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"syscall"
)

var (
	// ErrNotFound is returned by single-row operations that matched nothing.
	ErrNotFound = errors.New("datastore: not found")
	// ErrClosed is returned once the Manager has been torn down.
	ErrClosed = errors.New("datastore: closed")
	// ErrNotConnected is returned by Acquire while no pool is available.
	ErrNotConnected = errors.New("datastore: not connected")
)

// TunnelError reports a failure to establish the tunnel.
type TunnelError struct {
	Err error
}

func (e *TunnelError) Error() string {
	if e == nil || e.Err == nil {
		return "datastore: tunnel failed"
	}
	return "datastore: tunnel failed: " + e.Err.Error()
}

func (e *TunnelError) Unwrap() error { return e.Err }

// PoolInitError reports a failure to build the pool over an open tunnel.
type PoolInitError struct {
	Err error
}

func (e *PoolInitError) Error() string {
	if e == nil || e.Err == nil {
		return "datastore: pool init failed"
	}
	return "datastore: pool init failed: " + e.Err.Error()
}

func (e *PoolInitError) Unwrap() error { return e.Err }

// ExecutionError is the terminal failure of an operation.
type ExecutionError struct {
	Query    string
	Attempts int
	Err      error
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("datastore: execute %q failed after %d attempt(s): %v", shortQuery(e.Query), e.Attempts, e.Err)
}

func (e *ExecutionError) Unwrap() error { return e.Err }

// IsConnectionError reports whether err is a "cannot connect"-class failure
// that a fresh connection may cure.
func IsConnectionError(err error) bool {
	if err == nil {
		return false
	}
	var te *TunnelError
	var pe *PoolInitError
	if errors.As(err, &te) || errors.As(err, &pe) {
		return true
	}
	if errors.Is(err, driver.ErrBadConn) || errors.Is(err, ErrNotConnected) ||
		errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}
	if errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.EPIPE) {
		return true
	}
	var ne net.Error
	if errors.As(err, &ne) {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, s := range []string{
		"cannot connect",
		"can't connect",
		"connection refused",
		"connection reset",
		"broken pipe",
		"bad connection",
		"server closed the connection",
		"connection is already closed",
		"database is closed",
	} {
		if strings.Contains(msg, s) {
			return true
		}
	}
	return false
}

func shortQuery(q string) string {
	q = strings.Join(strings.Fields(q), " ")
	if len(q) > 80 {
		return q[:77] + "..."
	}
	return q
}
