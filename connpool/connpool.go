// Package connpool implements ConnectionPool: a per-endpoint pool of
// healing connections to an ObjectStore backend, with blacklist-on-error
// and rotation across sibling pools when one endpoint is unhealthy.
package connpool

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/openvstorage/volumedriver/3rdparty/glog"
	"github.com/openvstorage/volumedriver/cmn"
)

// Conn is whatever one pooled connection wraps -- an *s3.Client, an
// HDFS client, a raw net.Conn to the FOC server, etc. Pools don't
// interpret it; they just track its health.
type Conn interface {
	Close() error
}

// Factory dials a fresh Conn for one endpoint.
type Factory func(ctx context.Context, endpoint string) (Conn, error)

// Pool manages the connections to a single endpoint: a small free
// list of healthy connections, reused across calls, and a
// blacklist-until timestamp set whenever a caller reports an error.
type Pool struct {
	endpoint string
	factory  Factory
	maxSize  int

	mu           sync.Mutex
	free         []Conn
	blacklistedUntil time.Time
}

func NewPool(endpoint string, factory Factory, maxSize int) *Pool {
	if maxSize <= 0 {
		maxSize = 4
	}
	return &Pool{endpoint: endpoint, factory: factory, maxSize: maxSize}
}

// Blacklisted reports whether this pool is presently in its
// blacklist_secs cooldown.
func (p *Pool) Blacklisted() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return time.Now().Before(p.blacklistedUntil)
}

// Blacklist taints this pool for d, draining and closing every
// currently-free connection so a later Get dials fresh.
func (p *Pool) Blacklist(d time.Duration) {
	p.mu.Lock()
	p.blacklistedUntil = time.Now().Add(d)
	free := p.free
	p.free = nil
	p.mu.Unlock()
	for _, c := range free {
		c.Close()
	}
	glog.Warningf("connpool: blacklisting %s for %s", p.endpoint, d)
}

// Get returns a pooled connection, dialing a new one if the free list
// is empty. Callers MUST call Put (healthy) or Discard (error) when
// done, never both.
func (p *Pool) Get(ctx context.Context) (Conn, error) {
	p.mu.Lock()
	if n := len(p.free); n > 0 {
		c := p.free[n-1]
		p.free = p.free[:n-1]
		p.mu.Unlock()
		return c, nil
	}
	p.mu.Unlock()

	c, err := p.factory(ctx, p.endpoint)
	if err != nil {
		return nil, cmn.NewErr(cmn.KindTransientBackend, err, "connpool: dial %s", p.endpoint)
	}
	return c, nil
}

// Put returns a healthy connection to the free list, closing it
// instead if the pool is already at capacity.
func (p *Pool) Put(c Conn) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.free) >= p.maxSize {
		c.Close()
		return
	}
	p.free = append(p.free, c)
}

// Discard closes a connection that errored rather than returning it to
// the pool.
func (p *Pool) Discard(c Conn) { c.Close() }

// Group is a set of sibling pools load-balanced and fenced by
// blacklist: rotates over sibling pools when one is blacklisted; if
// all are blacklisted, a random one is retried anyway.
type Group struct {
	pools           []*Pool
	blacklistSecs   time.Duration
}

func NewGroup(pools []*Pool, blacklistDuration time.Duration) *Group {
	return &Group{pools: pools, blacklistSecs: blacklistDuration}
}

// Pick returns the first non-blacklisted pool in rotation order
// starting at a random offset (so concurrent callers spread load), or
// a uniformly random pool if every pool is currently blacklisted.
func (g *Group) Pick() *Pool {
	n := len(g.pools)
	if n == 0 {
		return nil
	}
	start := rand.Intn(n)
	for i := 0; i < n; i++ {
		p := g.pools[(start+i)%n]
		if !p.Blacklisted() {
			return p
		}
	}
	return g.pools[rand.Intn(n)]
}

// WithConn runs fn against a connection from the group, rotating to
// the next sibling and blacklisting the failing pool on error, up to
// len(pools) attempts.
func (g *Group) WithConn(ctx context.Context, fn func(Conn) error) error {
	var lastErr error
	tried := make(map[*Pool]bool)
	for attempt := 0; attempt < len(g.pools); attempt++ {
		p := g.Pick()
		if p == nil {
			return cmn.NewErr(cmn.KindTransientBackend, nil, "connpool: no pools configured")
		}
		if tried[p] && len(tried) < len(g.pools) {
			continue
		}
		tried[p] = true

		c, err := p.Get(ctx)
		if err != nil {
			lastErr = err
			p.Blacklist(g.blacklistSecs)
			continue
		}
		if err := fn(c); err != nil {
			lastErr = err
			p.Discard(c)
			p.Blacklist(g.blacklistSecs)
			continue
		}
		p.Put(c)
		return nil
	}
	return cmn.NewErr(cmn.KindTransientBackend, lastErr, "connpool: all pools exhausted or blacklisted")
}
