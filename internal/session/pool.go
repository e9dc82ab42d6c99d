package session

import (
	"context"
	"sync"
	"time"

	"github.com/rileyhilliard/herd/internal/console"
	"github.com/rileyhilliard/herd/internal/errors"
	"github.com/rileyhilliard/herd/internal/logger"
	"github.com/rileyhilliard/herd/internal/registry"
	"golang.org/x/sync/singleflight"
)

// PoolConfig tunes connection establishment and capture behavior.
type PoolConfig struct {
	// DialAttempts bounds handshake retries before a per-node failure is
	// surfaced. Backoff doubles between attempts.
	DialAttempts int
	// DialBackoff is the delay before the first retry.
	DialBackoff time.Duration
	// LoginTimeout bounds the wait for the remote shell to initialize.
	LoginTimeout time.Duration
	// IdleTimeout ends a capture window when output stalls.
	IdleTimeout time.Duration
}

// DefaultPoolConfig returns the pool defaults.
func DefaultPoolConfig() PoolConfig {
	return PoolConfig{
		DialAttempts: 3,
		DialBackoff:  500 * time.Millisecond,
		LoginTimeout: 15 * time.Second,
		IdleTimeout:  5 * time.Second,
	}
}

// Pool creates, caches, and reuses Sessions keyed by node identity. It is the
// sole owner of sessions; at most one live connection exists per node, even
// under concurrent dispatch (concurrent acquires for the same node share one
// handshake via singleflight).
type Pool struct {
	dialer Dialer
	cons   *console.Console
	log    logger.Logger
	cfg    PoolConfig

	mu       sync.Mutex
	sessions map[string]*Session
	sf       singleflight.Group
}

// NewPool creates an empty pool dialing through d.
func NewPool(d Dialer, cons *console.Console, log logger.Logger, cfg PoolConfig) *Pool {
	if log == nil {
		log = logger.Noop()
	}
	if cfg.DialAttempts <= 0 {
		cfg.DialAttempts = 1
	}
	return &Pool{
		dialer:   d,
		cons:     cons,
		log:      log,
		cfg:      cfg,
		sessions: make(map[string]*Session),
	}
}

// Acquire returns the live session for the node, opening one if needed.
// Failures are per-node: the returned error never aborts other targets.
func (p *Pool) Acquire(ctx context.Context, node *registry.Node) (*Session, error) {
	if s := p.lookup(node.ID); s != nil {
		return s, nil
	}

	v, err, _ := p.sf.Do(node.ID, func() (interface{}, error) {
		// Another acquire may have finished while we queued on the group.
		if s := p.lookup(node.ID); s != nil {
			return s, nil
		}

		conn, err := p.dialWithRetry(ctx, node)
		if err != nil {
			return nil, errors.ForNode(node.Label(), err)
		}

		s := newSession(node, conn, p.cons, p.log, p.cfg.IdleTimeout, p.evict)
		if err := s.login(p.cfg.LoginTimeout); err != nil {
			return nil, errors.ForNode(node.Label(), err)
		}

		p.mu.Lock()
		p.sessions[node.ID] = s
		p.mu.Unlock()
		p.log.Debug("[pool] opened session for %s", node.Label())
		return s, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Session), nil
}

// lookup returns a cached, still-live session or nil.
func (p *Pool) lookup(id string) *Session {
	p.mu.Lock()
	defer p.mu.Unlock()
	if s, ok := p.sessions[id]; ok && !s.Closed() {
		return s
	}
	return nil
}

// dialWithRetry bounds handshake attempts with doubling backoff.
func (p *Pool) dialWithRetry(ctx context.Context, node *registry.Node) (Conn, error) {
	var lastErr error
	backoff := p.cfg.DialBackoff

	for attempt := 0; attempt < p.cfg.DialAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(backoff):
			}
			backoff *= 2
			p.log.Debug("[pool] retrying connection to %s (attempt %d)", node.Label(), attempt+1)
		}

		conn, err := p.dialer.Dial(ctx, node)
		if err == nil {
			return conn, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
	}
	return nil, lastErr
}

// Get returns the cached session for a node id without opening one.
func (p *Pool) Get(id string) (*Session, bool) {
	s := p.lookup(id)
	return s, s != nil
}

// Sessions returns the live sessions, for status display.
func (p *Pool) Sessions() []*Session {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*Session, 0, len(p.sessions))
	for _, s := range p.sessions {
		if !s.Closed() {
			out = append(out, s)
		}
	}
	return out
}

// CloseNode closes and evicts the session for a node id, if any.
func (p *Pool) CloseNode(id string) bool {
	s := p.lookup(id)
	if s == nil {
		return false
	}
	s.Close()
	return true
}

// ReleaseAll closes every live session. Used at shell exit.
func (p *Pool) ReleaseAll() {
	p.mu.Lock()
	sessions := make([]*Session, 0, len(p.sessions))
	for _, s := range p.sessions {
		sessions = append(sessions, s)
	}
	p.sessions = make(map[string]*Session)
	p.mu.Unlock()

	for _, s := range sessions {
		s.Close()
	}
}

// evict drops a closed session from the map. Invoked from Session teardown;
// a later Acquire for the node opens a fresh one.
func (p *Pool) evict(s *Session) {
	p.mu.Lock()
	if cur, ok := p.sessions[s.node.ID]; ok && cur == s {
		delete(p.sessions, s.node.ID)
	}
	p.mu.Unlock()
}
