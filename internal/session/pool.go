// Package session keeps live delivery sessions for reuse.
//
// Sessions are keyed by server and proxy. The pool is a bounded LRU; entries
// leave it through LRU pressure, serious transport errors, the message limit,
// or the periodic sweep of aged and idle sessions. Every session that leaves is
// closed gracefully, falling back to Terminate after the shutdown timeout.
package session

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/lattiq/mailpool/internal/core"
	"github.com/lattiq/mailpool/internal/lock"
	"github.com/lattiq/mailpool/internal/lru"
)

// Direct is the proxy identity of sessions that use no proxy.
const Direct = "direct"

// ErrPoolClosed is returned by Acquire after Close.
var ErrPoolClosed = errors.New("session pool closed")

// Key identifies a pooled session.
type Key struct {
	Server string
	Proxy  string
}

// KeyFor returns the pool key for a server and optional proxy.
func KeyFor(server *core.ServerConfig, px *core.ProxyConfig) Key {
	k := Key{Server: server.ID(), Proxy: Direct}
	if px != nil {
		k.Proxy = px.ID()
	}
	return k
}

func (k Key) String() string {
	return k.Server + "|" + k.Proxy
}

// Pooled is a session held by the pool.
type Pooled struct {
	Key       Key
	Session   core.Session
	CreatedAt time.Time

	lastUsed  atomic.Int64
	messages  atomic.Int64
	destroyed atomic.Bool
	closing   atomic.Bool
	oneShot   bool
}

// LastUsed returns when the session was last handed out.
func (p *Pooled) LastUsed() time.Time {
	return time.Unix(0, p.lastUsed.Load())
}

// Messages returns how many sends were reported on the session.
func (p *Pooled) Messages() int64 {
	return p.messages.Load()
}

// Destroyed reports whether the session has been discarded.
func (p *Pooled) Destroyed() bool {
	return p.destroyed.Load()
}

func (p *Pooled) touch(now time.Time) {
	p.lastUsed.Store(now.UnixNano())
}

// Config controls pool behavior.
type Config struct {
	Enabled         bool
	MaxConnections  int
	MaxMessages     int
	MaxAge          time.Duration
	IdleTimeout     time.Duration
	SweepInterval   time.Duration
	ShutdownTimeout time.Duration
	LockTimeout     time.Duration
}

// DefaultConfig returns the pool defaults.
func DefaultConfig() Config {
	return Config{
		Enabled:         true,
		MaxConnections:  50,
		MaxMessages:     100,
		MaxAge:          30 * time.Minute,
		IdleTimeout:     10 * time.Minute,
		SweepInterval:   5 * time.Minute,
		ShutdownTimeout: 5 * time.Second,
		LockTimeout:     lock.DefaultTimeout,
	}
}

// Stats is a snapshot of pool counters.
type Stats struct {
	Created int64 `json:"created"`
	Reused  int64 `json:"reused"`
	Size    int   `json:"size"`
}

// Option configures a Pool.
type Option func(*Pool)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(p *Pool) {
		if l != nil {
			p.logger = l
		}
	}
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(p *Pool) {
		if now != nil {
			p.now = now
		}
	}
}

// Pool is a bounded cache of live sessions.
type Pool struct {
	cfg    Config
	dialer core.Dialer
	logger *zap.Logger
	now    func() time.Time

	mu    lock.Mutex
	cache *lru.Cache[Key, *Pooled]

	created atomic.Int64
	reused  atomic.Int64

	closed    atomic.Bool
	closeOnce sync.Once
	stop      chan struct{}
	started   atomic.Bool
	sweeper   sync.WaitGroup
	closing   sync.WaitGroup
}

// New creates a pool that opens sessions with dialer.
func New(cfg Config, dialer core.Dialer, opts ...Option) *Pool {
	def := DefaultConfig()
	if cfg.MaxConnections <= 0 {
		cfg.MaxConnections = def.MaxConnections
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = def.SweepInterval
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = def.ShutdownTimeout
	}
	if cfg.LockTimeout <= 0 {
		cfg.LockTimeout = def.LockTimeout
	}

	p := &Pool{
		cfg:    cfg,
		dialer: dialer,
		logger: zap.NewNop(),
		now:    time.Now,
		stop:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(p)
	}
	p.cache = lru.New[Key, *Pooled](cfg.MaxConnections, lru.WithOnEvict(p.onEvict))
	return p
}

// Acquire returns a live session for server and px, reusing a pooled one when
// possible. The dial happens without the pool lock held; if two callers race
// to create the same key, the first inserted session wins.
func (p *Pool) Acquire(ctx context.Context, server *core.ServerConfig, px *core.ProxyConfig) (*Pooled, error) {
	if p.closed.Load() {
		return nil, ErrPoolClosed
	}
	key := KeyFor(server, px)

	if !p.cfg.Enabled {
		sess, err := p.dialer.Dial(ctx, server, px)
		if err != nil {
			return nil, err
		}
		p.created.Add(1)
		return p.wrap(key, sess, true), nil
	}

	if err := p.mu.Acquire(p.cfg.LockTimeout); err != nil {
		return nil, err
	}
	if existing, ok := p.cache.Get(key); ok {
		if p.usable(existing) {
			existing.touch(p.now())
			p.mu.Release()
			p.reused.Add(1)
			return existing, nil
		}
		p.cache.Delete(key)
	}
	p.mu.Release()

	sess, err := p.dialer.Dial(ctx, server, px)
	if err != nil {
		return nil, err
	}
	p.created.Add(1)
	fresh := p.wrap(key, sess, false)

	if err := p.mu.Acquire(p.cfg.LockTimeout); err != nil {
		p.discard(fresh)
		return nil, err
	}
	if p.closed.Load() {
		p.mu.Release()
		p.discard(fresh)
		return nil, ErrPoolClosed
	}
	if existing, ok := p.cache.Peek(key); ok && !p.usable(existing) {
		p.cache.Delete(key)
	}
	if stored, added := p.cache.Add(key, fresh); !added {
		stored.touch(p.now())
		p.mu.Release()
		p.discard(fresh)
		return stored, nil
	}
	p.mu.Release()

	p.logger.Debug("session created",
		zap.String("server", key.Server),
		zap.String("proxy", key.Proxy))
	return fresh, nil
}

// Report records the outcome of a send on ps. Serious errors, and sessions that
// reached the message limit, remove the session from the pool.
func (p *Pool) Report(ps *Pooled, err error) {
	if ps == nil {
		return
	}
	n := ps.messages.Add(1)

	if ps.oneShot {
		p.discard(ps)
		return
	}

	switch {
	case err != nil && core.IsSerious(err):
		p.logger.Debug("evicting session after serious error",
			zap.String("key", ps.Key.String()),
			zap.Error(err))
		p.Invalidate(ps)
	case p.cfg.MaxMessages > 0 && n >= int64(p.cfg.MaxMessages):
		p.logger.Debug("evicting session at message limit",
			zap.String("key", ps.Key.String()),
			zap.Int64("messages", n))
		p.Invalidate(ps)
	}
}

// Invalidate removes ps from the pool and closes it.
func (p *Pool) Invalidate(ps *Pooled) {
	ps.destroyed.Store(true)
	if ps.oneShot || p.closed.Load() {
		p.discard(ps)
		return
	}

	if err := p.mu.Acquire(p.cfg.LockTimeout); err != nil {
		p.discard(ps)
		return
	}
	removed := false
	if cur, ok := p.cache.Peek(ps.Key); ok && cur == ps {
		removed = p.cache.Delete(ps.Key)
	}
	p.mu.Release()

	if !removed {
		p.discard(ps)
	}
}

// Sweep removes destroyed sessions and those older than MaxAge or idle longer
// than IdleTimeout. It returns the number removed.
func (p *Pool) Sweep(now time.Time) int {
	if err := p.mu.Acquire(p.cfg.LockTimeout); err != nil {
		p.logger.Warn("session sweep skipped", zap.Error(err))
		return 0
	}
	removed := p.cache.RemoveFunc(func(_ Key, ps *Pooled) bool {
		return !p.usableAt(ps, now)
	})
	p.mu.Release()

	if len(removed) > 0 {
		p.logger.Debug("swept sessions", zap.Int("count", len(removed)))
	}
	return len(removed)
}

// Start runs Sweep every SweepInterval until Close.
func (p *Pool) Start() {
	if !p.cfg.Enabled || p.closed.Load() || !p.started.CompareAndSwap(false, true) {
		return
	}
	p.sweeper.Add(1)
	go p.sweepLoop()
}

func (p *Pool) sweepLoop() {
	ticker := time.NewTicker(p.cfg.SweepInterval)
	defer ticker.Stop()
	defer p.sweeper.Done()

	for {
		select {
		case <-p.stop:
			return
		case <-ticker.C:
			p.Sweep(p.now())
		}
	}
}

// Stats returns pool counters.
func (p *Pool) Stats() Stats {
	return Stats{
		Created: p.created.Load(),
		Reused:  p.reused.Load(),
		Size:    p.cache.Len(),
	}
}

// Len returns the number of pooled sessions.
func (p *Pool) Len() int {
	return p.cache.Len()
}

// Close stops the sweeper and closes every pooled session. It is safe to call
// more than once.
func (p *Pool) Close(ctx context.Context) error {
	p.closeOnce.Do(func() {
		p.closed.Store(true)
		close(p.stop)
		p.sweeper.Wait()

		// Clear without the pool lock if a holder is stuck; the cache is
		// internally synchronized.
		if err := p.mu.Acquire(p.cfg.LockTimeout); err == nil {
			p.cache.Clear()
			p.mu.Release()
		} else {
			p.cache.Clear()
		}
	})

	done := make(chan struct{})
	go func() {
		p.closing.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *Pool) wrap(key Key, sess core.Session, oneShot bool) *Pooled {
	now := p.now()
	ps := &Pooled{Key: key, Session: sess, CreatedAt: now, oneShot: oneShot}
	ps.touch(now)
	return ps
}

func (p *Pool) usable(ps *Pooled) bool {
	return p.usableAt(ps, p.now())
}

func (p *Pool) usableAt(ps *Pooled, now time.Time) bool {
	if ps.Destroyed() {
		return false
	}
	if p.cfg.MaxAge > 0 && now.Sub(ps.CreatedAt) > p.cfg.MaxAge {
		return false
	}
	if p.cfg.IdleTimeout > 0 && now.Sub(ps.LastUsed()) > p.cfg.IdleTimeout {
		return false
	}
	return true
}

// onEvict runs outside the cache lock for every entry leaving the cache.
func (p *Pool) onEvict(_ Key, ps *Pooled) {
	ps.destroyed.Store(true)
	p.closing.Add(1)
	go func() {
		defer p.closing.Done()
		p.shutdown(ps)
	}()
}

func (p *Pool) discard(ps *Pooled) {
	ps.destroyed.Store(true)
	p.shutdown(ps)
}

// shutdown closes gracefully, racing the close against ShutdownTimeout and
// terminating the session if the close fails or loses the race.
func (p *Pool) shutdown(ps *Pooled) {
	if !ps.closing.CompareAndSwap(false, true) {
		return
	}

	done := make(chan error, 1)
	go func() {
		done <- ps.Session.Close()
	}()

	timer := time.NewTimer(p.cfg.ShutdownTimeout)
	defer timer.Stop()

	select {
	case err := <-done:
		if err == nil {
			return
		}
		p.logger.Debug("graceful close failed, terminating",
			zap.String("key", ps.Key.String()),
			zap.Error(err))
	case <-timer.C:
		p.logger.Debug("graceful close timed out, terminating",
			zap.String("key", ps.Key.String()),
			zap.Duration("timeout", p.cfg.ShutdownTimeout))
	}
	if err := ps.Session.Terminate(); err != nil {
		p.logger.Debug("terminate failed", zap.String("key", ps.Key.String()), zap.Error(err))
	}
}
