package datastore

import (
	"context"
	"net"
	"strconv"
	"sync/atomic"
)

// Endpoint is where the pool should connect once the tunnel is up.
type Endpoint struct {
	Addr string // host:port; empty for file-backed stores
}

func (e Endpoint) Host() string {
	h, _, err := net.SplitHostPort(e.Addr)
	if err != nil {
		return e.Addr
	}
	return h
}

func (e Endpoint) Port() int {
	_, p, err := net.SplitHostPort(e.Addr)
	if err != nil {
		return 0
	}
	n, _ := strconv.Atoi(p)
	return n
}

// Tunnel is the transport in front of the database.
//
// Open may block on network I/O and should honour ctx. IsActive must not
// block. Close is idempotent.
type Tunnel interface {
	Open(ctx context.Context) (Endpoint, error)
	IsActive() bool
	Close() error
}

// DirectTunnel connects straight to Addr.
type DirectTunnel struct {
	Addr string

	active atomic.Bool
}

func NewDirectTunnel(addr string) *DirectTunnel {
	return &DirectTunnel{Addr: addr}
}

func (t *DirectTunnel) Open(ctx context.Context) (Endpoint, error) {
	if err := ctx.Err(); err != nil {
		return Endpoint{}, err
	}
	t.active.Store(true)
	return Endpoint{Addr: t.Addr}, nil
}

func (t *DirectTunnel) IsActive() bool { return t.active.Load() }

func (t *DirectTunnel) Close() error {
	t.active.Store(false)
	return nil
}
