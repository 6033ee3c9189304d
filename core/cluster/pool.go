package cluster

import (
	"context"
	"fmt"
	"sync"
)

// pool is a bounded set of connections to one node. acquire prefers an
// idle connection, dials lazily while under capacity, and otherwise blocks
// until a connection is released or the context expires.
type pool struct {
	addr   string
	dialer Dialer
	max    int

	mu     sync.Mutex
	cond   *sync.Cond
	idle   []Conn // most recently released last
	active int    // checked out, including dials in progress
	closed bool
}

func newPool(addr string, dialer Dialer, max int) *pool {
	p := &pool{addr: addr, dialer: dialer, max: max}
	p.cond = sync.NewCond(&p.mu)
	return p
}

// acquire returns a connection owned exclusively by the caller until it is
// handed back to release. When the pool is at capacity with nothing idle,
// acquire blocks; an expiring context then fails with ErrPoolExhausted.
func (p *pool) acquire(ctx context.Context) (Conn, error) {
	stop := context.AfterFunc(ctx, p.cond.Broadcast)
	defer stop()

	p.mu.Lock()
	defer p.mu.Unlock()

	for {
		if p.closed {
			return nil, ErrPoolClosed
		}
		if n := len(p.idle); n > 0 {
			conn := p.idle[n-1]
			p.idle = p.idle[:n-1]
			p.active++
			return conn, nil
		}
		if p.active < p.max {
			return p.dial(ctx)
		}
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrPoolExhausted, err)
		}
		p.cond.Wait()
	}
}

// dial opens a fresh connection outside the lock while holding a reserved
// capacity slot, so concurrent acquires cannot overshoot max. Called and
// returns with p.mu held.
func (p *pool) dial(ctx context.Context) (Conn, error) {
	p.active++
	p.mu.Unlock()
	conn, err := p.dialer.Dial(ctx, p.addr)
	p.mu.Lock()
	if err != nil {
		p.active--
		p.cond.Signal()
		return nil, err
	}
	if p.closed {
		p.active--
		p.mu.Unlock()
		_ = conn.Close()
		p.mu.Lock()
		return nil, ErrPoolClosed
	}
	return conn, nil
}

// release hands a connection back. Unhealthy connections are closed and
// their capacity slot freed; releasing to a closed pool closes the
// connection as well.
func (p *pool) release(conn Conn, healthy bool) {
	p.mu.Lock()
	p.active--
	if p.closed || !healthy {
		p.cond.Signal()
		p.mu.Unlock()
		_ = conn.Close()
		return
	}
	p.idle = append(p.idle, conn)
	p.cond.Signal()
	p.mu.Unlock()
}

// close discards idle connections and fails pending and future acquires.
// Connections currently checked out finish their operation and are closed
// on release.
func (p *pool) close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	idle := p.idle
	p.idle = nil
	p.cond.Broadcast()
	p.mu.Unlock()

	for _, c := range idle {
		_ = c.Close()
	}
}

// stats reports pool occupancy.
func (p *pool) stats() (idle, active int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.idle), p.active
}
