package blob

import (
	"context"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
)

const defaultPoolSize = 8

// ConnPool manages pooled connections to blob store servers. It maintains
// separate per-server pools and provides exclusive access to connections via
// acquire/release semantics.
//
// A connection only goes back to the idle set if it is Reusable, meaning the
// previous response has been fully drained. Anything else is closed and its
// slot freed.
//
// ConnPool is safe for concurrent use from multiple goroutines.
type ConnPool struct {
	poolSize    int
	dialTimeout time.Duration
	logger      Logger

	mu     sync.Mutex
	pools  map[string]*serverPool
	closed bool
}

// PoolOption configures a ConnPool.
type PoolOption func(*ConnPool)

// WithPoolSize sets the maximum number of connections per server.
// The default is 8.
func WithPoolSize(size int) PoolOption {
	return func(p *ConnPool) {
		if size > 0 {
			p.poolSize = size
		}
	}
}

// WithDialTimeout sets the timeout for establishing new connections.
func WithDialTimeout(d time.Duration) PoolOption {
	return func(p *ConnPool) {
		if d > 0 {
			p.dialTimeout = d
		}
	}
}

// WithPoolLogger sets the logger handed to every connection.
func WithPoolLogger(l Logger) PoolOption {
	return func(p *ConnPool) {
		if l != nil {
			p.logger = l
		}
	}
}

// serverPool manages a pool of connections to a single server.
type serverPool struct {
	p       *ConnPool
	addr    string
	mu      sync.Mutex
	cond    *sync.Cond
	conns   []*Conn // idle connections (LIFO stack)
	count   int     // total created (idle + in-use)
	created int     // Conns created over the pool's lifetime
	discard int     // Conns closed instead of reused
	closed  bool
}

// NewConnPool creates a new connection pool.
func NewConnPool(opts ...PoolOption) *ConnPool {
	p := &ConnPool{
		poolSize:    defaultPoolSize,
		dialTimeout: DefaultDialTimeout,
		logger:      nopLogger{},
		pools:       make(map[string]*serverPool),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Acquire returns a Conn for the given server address. If all connections in
// the pool are in use, Acquire blocks until one becomes available or ctx is
// done, in which case it returns ctx.Err(). Once the pool is closed Acquire
// returns ErrClosed.
// The returned Conn must be released via Release or ReleaseWithError.
func (p *ConnPool) Acquire(ctx context.Context, addr string) (*Conn, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, ErrClosed
	}
	sp := p.pools[addr]
	if sp == nil {
		sp = newServerPool(p, addr)
		p.pools[addr] = sp
	}
	p.mu.Unlock()

	return sp.acquire(ctx)
}

// Release returns a connection to the pool after a completed exchange. The
// Conn must have been obtained via Acquire and must not be used after calling
// Release. A connection that is not Reusable is closed rather than pooled.
func (p *ConnPool) Release(conn *Conn) {
	if conn == nil {
		return
	}
	if sp := p.serverPool(conn.addr); sp != nil {
		sp.release(conn)
	} else {
		_ = conn.Close()
	}
}

// ReleaseWithError returns a connection to the pool after an error occurred.
// The connection is closed and the slot is freed for a new connection.
// The Conn must have been obtained via Acquire and must not be used after
// calling ReleaseWithError.
func (p *ConnPool) ReleaseWithError(conn *Conn) {
	if conn == nil {
		return
	}
	if sp := p.serverPool(conn.addr); sp != nil {
		sp.releaseWithError(conn)
	} else {
		_ = conn.Close()
	}
}

func (p *ConnPool) serverPool(addr string) *serverPool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.pools[addr]
}

// PoolStats describes the connections held for one server.
type PoolStats struct {
	// Idle is the number of Conns waiting in the pool. An idle Conn is
	// either open with nothing left to read or has never dialed.
	Idle int
	// Open is the number of connection slots in use, idle or handed out.
	Open int
	// Created is the number of Conns created over the pool's lifetime.
	Created int
	// Discarded is the number of Conns closed instead of being reused,
	// whether after an error or because the exchange left the connection
	// closed.
	Discarded int
}

// Stats returns a snapshot of the pool for addr.
func (p *ConnPool) Stats(addr string) PoolStats {
	sp := p.serverPool(addr)
	if sp == nil {
		return PoolStats{}
	}
	sp.mu.Lock()
	defer sp.mu.Unlock()
	return PoolStats{
		Idle:      len(sp.conns),
		Open:      sp.count,
		Created:   sp.created,
		Discarded: sp.discard,
	}
}

// Close closes all connections in all pools and prevents new acquisitions.
func (p *ConnPool) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	pools := p.pools
	p.pools = nil
	p.mu.Unlock()

	for _, sp := range pools {
		sp.close()
	}
	return nil
}

// newServerPool creates a new server pool for the given address.
func newServerPool(p *ConnPool, addr string) *serverPool {
	sp := &serverPool{
		p:     p,
		addr:  addr,
		conns: make([]*Conn, 0, p.poolSize),
	}
	sp.cond = sync.NewCond(&sp.mu)
	return sp
}

// acquire returns a Conn from the pool, blocking if necessary.
func (sp *serverPool) acquire(ctx context.Context) (*Conn, error) {
	sp.mu.Lock()
	defer sp.mu.Unlock()

	// Waiters are woken when ctx is done. The broadcast takes sp.mu so it
	// cannot slip in between a waiter's ctx check and its Wait.
	stop := context.AfterFunc(ctx, func() {
		sp.mu.Lock()
		defer sp.mu.Unlock()
		sp.cond.Broadcast()
	})
	defer stop()

	for {
		if sp.closed {
			return nil, ErrClosed
		}
		if err := ctx.Err(); err != nil {
			return nil, errors.Wrapf(err, "waiting for a connection to %s", sp.addr)
		}

		// If there's an idle connection, return it (LIFO).
		if len(sp.conns) > 0 {
			conn := sp.conns[len(sp.conns)-1]
			sp.conns = sp.conns[:len(sp.conns)-1]
			return conn, nil
		}

		// If we haven't reached the pool size limit, create a new connection.
		if sp.count < sp.p.poolSize {
			sp.count++
			sp.created++
			return NewConn(sp.addr, sp.p.dialTimeout, sp.p.logger), nil
		}

		// Pool is at capacity, wait for a connection to be released.
		sp.cond.Wait()
	}
}

// release returns a drained connection to the pool for reuse.
func (sp *serverPool) release(conn *Conn) {
	if !conn.Reusable() {
		sp.releaseWithError(conn)
		return
	}

	sp.mu.Lock()
	defer sp.mu.Unlock()

	if sp.closed {
		_ = conn.Close()
		return
	}

	// Return connection to pool (LIFO).
	sp.conns = append(sp.conns, conn)
	sp.cond.Signal()
}

// releaseWithError closes the connection and frees the slot for a new one.
func (sp *serverPool) releaseWithError(conn *Conn) {
	_ = conn.Close()

	sp.mu.Lock()
	defer sp.mu.Unlock()

	// Decrement count to free the slot for a new connection.
	sp.count--
	sp.discard++
	sp.cond.Signal()
}

// close closes all idle connections and wakes up any waiting goroutines.
func (sp *serverPool) close() {
	sp.mu.Lock()
	defer sp.mu.Unlock()

	sp.closed = true
	for _, conn := range sp.conns {
		_ = conn.Close()
	}
	sp.conns = nil
	sp.cond.Broadcast()
}
