// Package pool implements a bounded pool of reusable SMTP client connections,
// with keep-alive expiry and a FIFO queue of acquirers once the pool is at
// capacity.
//
// State is a mutex-guarded list of idle connections plus a queue of waiters,
// each with its own channel, rather than a condition variable: callers
// acquire a connection, use it, and either recycle it back to the pool or
// evict it when it is no longer usable.
package pool

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/corvidmail/submit/mlog"
)

var (
	// ErrClosed is returned by Acquire once Close has been called.
	ErrClosed = errors.New("pool is closed")

	// ErrAcquireTimeout is returned by Acquire when ctx is done before a
	// connection becomes available.
	ErrAcquireTimeout = errors.New("timeout acquiring connection from pool")
)

// Dial opens a new connection. It is called with the ctx passed to Acquire.
type Dial[T any] func(ctx context.Context) (T, error)

// Healthy reports whether a recycled connection is still usable. Pools call
// this before putting a connection back in the idle set; an unhealthy
// connection is evicted instead.
type Healthy[T any] func(conn T) bool

// Discard closes/releases a connection that is being evicted.
type Discard[T any] func(conn T)

type entry[T any] struct {
	conn      T
	expiresAt time.Time // zero if keepAlive is disabled.
}

type waiter[T any] struct {
	c      chan T
	cancel chan struct{} // closed by Acquire if it gave up waiting.
}

// Pool manages up to Max live connections of type T, reusing idle ones and
// queuing acquirers FIFO once at capacity.
type Pool[T any] struct {
	Max                int
	KeepAlive          bool
	KeepAliveTimeout   time.Duration
	CleanerPeriod      time.Duration
	dial               Dial[T]
	healthy            Healthy[T]
	discard            Discard[T]
	log                *mlog.Log

	mu      sync.Mutex
	idle    []entry[T]
	waiters []*waiter[T]
	numOpen int
	closed  bool

	cleanerStop chan struct{}
	cleanerDone chan struct{}
}

// New creates a pool. dial opens a fresh connection; healthy decides if a
// recycled connection may be reused; discard releases a connection that is
// being evicted or closed. If keepAlive is false, cleanerPeriod and
// keepAliveTimeout are ignored and idle connections never expire on their
// own (they are still subject to eviction by the caller).
func New[T any](log *mlog.Log, max int, keepAlive bool, keepAliveTimeout, cleanerPeriod time.Duration, dial Dial[T], healthy Healthy[T], discard Discard[T]) *Pool[T] {
	p := &Pool[T]{
		Max:              max,
		KeepAlive:        keepAlive,
		KeepAliveTimeout: keepAliveTimeout,
		CleanerPeriod:    cleanerPeriod,
		dial:             dial,
		healthy:          healthy,
		discard:          discard,
		log:              log.Fields(mlog.Field("pkg", "pool")),
	}
	if keepAlive && cleanerPeriod > 0 {
		p.cleanerStop = make(chan struct{})
		p.cleanerDone = make(chan struct{})
		go p.cleaner()
	}
	return p
}

// Acquire returns an idle connection if one is available, dials a new one if
// the pool has room, or queues FIFO behind other acquirers until one of those
// happens or ctx is done.
func (p *Pool[T]) Acquire(ctx context.Context) (T, error) {
	var zero T

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return zero, ErrClosed
	}
	if n := len(p.idle); n > 0 {
		e := p.idle[n-1]
		p.idle = p.idle[:n-1]
		p.mu.Unlock()
		return e.conn, nil
	}
	if p.numOpen < p.Max {
		p.numOpen++
		p.mu.Unlock()
		conn, err := p.dial(ctx)
		if err != nil {
			p.mu.Lock()
			p.numOpen--
			p.mu.Unlock()
			return zero, err
		}
		return conn, nil
	}

	w := &waiter[T]{c: make(chan T, 1), cancel: make(chan struct{})}
	p.waiters = append(p.waiters, w)
	p.mu.Unlock()

	select {
	case conn := <-w.c:
		return conn, nil
	case <-w.cancel:
		return zero, ErrClosed
	case <-ctx.Done():
		p.mu.Lock()
		for i, o := range p.waiters {
			if o == w {
				// Still queued, so neither Close nor Recycle has taken w.
				p.waiters = append(p.waiters[:i], p.waiters[i+1:]...)
				close(w.cancel)
				break
			}
		}
		p.mu.Unlock()
		// A recycle may have raced us and already sent on w.c.
		select {
		case conn := <-w.c:
			return conn, nil
		default:
		}
		return zero, ErrAcquireTimeout
	}
}

// Recycle returns conn to the pool for reuse, handing it directly to the
// oldest queued waiter if any, or parking it idle with a refreshed
// expiration. A closed pool or an unhealthy connection is discarded instead.
func (p *Pool[T]) Recycle(conn T) {
	p.mu.Lock()
	if p.closed || (p.healthy != nil && !p.healthy(conn)) {
		p.numOpen--
		p.mu.Unlock()
		p.discard(conn)
		return
	}

	for len(p.waiters) > 0 {
		w := p.waiters[0]
		p.waiters = p.waiters[1:]
		select {
		case <-w.cancel:
			continue // Gave up already; try the next waiter.
		default:
			w.c <- conn
			p.mu.Unlock()
			return
		}
	}

	e := entry[T]{conn: conn}
	if p.KeepAlive && p.KeepAliveTimeout > 0 {
		e.expiresAt = time.Now().Add(p.KeepAliveTimeout)
	}
	p.idle = append(p.idle, e)
	p.mu.Unlock()
}

// Evict discards conn without returning it to the pool, e.g. after a
// protocol error left it unusable.
func (p *Pool[T]) Evict(conn T) {
	p.mu.Lock()
	p.numOpen--
	p.mu.Unlock()
	p.discard(conn)
}

// NumOpen returns the number of live connections, idle plus checked out.
func (p *Pool[T]) NumOpen() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.numOpen
}

func (p *Pool[T]) cleaner() {
	defer close(p.cleanerDone)
	t := time.NewTicker(p.CleanerPeriod)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			p.evictExpired()
		case <-p.cleanerStop:
			return
		}
	}
}

func (p *Pool[T]) evictExpired() {
	now := time.Now()
	p.mu.Lock()
	var stay []entry[T]
	var expired []T
	for _, e := range p.idle {
		if !e.expiresAt.IsZero() && now.After(e.expiresAt) {
			expired = append(expired, e.conn)
			p.numOpen--
		} else {
			stay = append(stay, e)
		}
	}
	p.idle = stay
	p.mu.Unlock()

	for _, conn := range expired {
		p.log.Debug("evicting expired idle connection")
		p.discard(conn)
	}
}

// Close prevents further acquires, fails queued waiters, and discards all
// idle connections. It does not wait for checked-out connections to be
// returned; callers remain responsible for recycling or evicting those, at
// which point they will be discarded because the pool is closed.
func (p *Pool[T]) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	waiters := p.waiters
	p.waiters = nil
	idle := p.idle
	p.idle = nil
	p.numOpen -= len(idle)
	p.mu.Unlock()

	for _, w := range waiters {
		close(w.cancel)
	}
	for _, e := range idle {
		p.discard(e.conn)
	}
	if p.cleanerStop != nil {
		close(p.cleanerStop)
		<-p.cleanerDone
	}
	return nil
}
