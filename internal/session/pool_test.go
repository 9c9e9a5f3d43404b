package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lattiq/mailpool/internal/core"
)

type fakeSession struct {
	id         int
	closed     atomic.Bool
	terminated atomic.Bool
	closeDelay time.Duration
	closeErr   error
}

func (s *fakeSession) Send(context.Context, *core.Envelope) (*core.SendResult, error) {
	return &core.SendResult{}, nil
}

func (s *fakeSession) Verify(context.Context) error { return nil }

func (s *fakeSession) Close() error {
	if s.closeDelay > 0 {
		time.Sleep(s.closeDelay)
	}
	s.closed.Store(true)
	return s.closeErr
}

func (s *fakeSession) Terminate() error {
	s.terminated.Store(true)
	return nil
}

type fakeDialer struct {
	mu         sync.Mutex
	sessions   []*fakeSession
	dialErr    error
	dialDelay  time.Duration
	closeDelay time.Duration
}

func (d *fakeDialer) Name() string { return "fake" }

func (d *fakeDialer) Dial(context.Context, *core.ServerConfig, *core.ProxyConfig) (core.Session, error) {
	if d.dialDelay > 0 {
		time.Sleep(d.dialDelay)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.dialErr != nil {
		return nil, d.dialErr
	}
	s := &fakeSession{id: len(d.sessions), closeDelay: d.closeDelay}
	d.sessions = append(d.sessions, s)
	return s, nil
}

func (d *fakeDialer) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.sessions)
}

func server(name string) *core.ServerConfig {
	return &core.ServerConfig{Host: name, Port: 25, From: []string{"a@example.com"}}
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.ShutdownTimeout = 50 * time.Millisecond
	return cfg
}

func TestAcquireReuses(t *testing.T) {
	d := &fakeDialer{}
	p := New(testConfig(), d)
	defer p.Close(context.Background())

	a1, err := p.Acquire(context.Background(), server("a"), nil)
	require.NoError(t, err)
	a2, err := p.Acquire(context.Background(), server("a"), nil)
	require.NoError(t, err)

	assert.Same(t, a1, a2)
	assert.Equal(t, Key{Server: "a:25", Proxy: Direct}, a1.Key)
	assert.Equal(t, Stats{Created: 1, Reused: 1, Size: 1}, p.Stats())
}

func TestAcquireKeyedByProxy(t *testing.T) {
	d := &fakeDialer{}
	p := New(testConfig(), d)
	defer p.Close(context.Background())

	px := &core.ProxyConfig{Host: "10.0.0.1", Port: 1080, Type: core.ProxySOCKS5}
	direct, err := p.Acquire(context.Background(), server("a"), nil)
	require.NoError(t, err)
	proxied, err := p.Acquire(context.Background(), server("a"), px)
	require.NoError(t, err)

	assert.NotSame(t, direct, proxied)
	assert.Equal(t, "socks5://10.0.0.1:1080", proxied.Key.Proxy)
	assert.Equal(t, 2, p.Len())
}

func TestLRUEvictionCreatesFreshSession(t *testing.T) {
	d := &fakeDialer{}
	cfg := testConfig()
	cfg.MaxConnections = 2
	p := New(cfg, d)
	defer p.Close(context.Background())
	ctx := context.Background()

	a, err := p.Acquire(ctx, server("A"), nil)
	require.NoError(t, err)
	_, err = p.Acquire(ctx, server("B"), nil)
	require.NoError(t, err)
	_, err = p.Acquire(ctx, server("C"), nil)
	require.NoError(t, err)

	_, pooled := p.cache.Peek(KeyFor(server("A"), nil))
	assert.False(t, pooled, "A is least recently used")
	assert.True(t, a.Destroyed())
	assert.Eventually(t, func() bool { return d.sessions[0].closed.Load() }, time.Second, 5*time.Millisecond)

	a2, err := p.Acquire(ctx, server("A"), nil)
	require.NoError(t, err)
	assert.NotSame(t, a, a2)
	assert.False(t, a2.Destroyed())
	assert.Equal(t, 4, d.count())
	assert.LessOrEqual(t, p.Len(), 2)
}

func TestReportSeriousErrorEvicts(t *testing.T) {
	d := &fakeDialer{}
	p := New(testConfig(), d)
	defer p.Close(context.Background())

	s, err := p.Acquire(context.Background(), server("a"), nil)
	require.NoError(t, err)

	p.Report(s, core.NewTransportError("fake", core.KindTransient, 451, "later", nil))
	assert.Equal(t, 1, p.Len(), "transient errors keep the session")

	p.Report(s, core.NewTransportError("fake", core.KindAuth, 535, "denied", nil))
	assert.Equal(t, 0, p.Len())
	assert.True(t, s.Destroyed())

	s2, err := p.Acquire(context.Background(), server("a"), nil)
	require.NoError(t, err)
	assert.NotSame(t, s, s2)
}

func TestReportMessageLimit(t *testing.T) {
	d := &fakeDialer{}
	cfg := testConfig()
	cfg.MaxMessages = 2
	p := New(cfg, d)
	defer p.Close(context.Background())

	s, err := p.Acquire(context.Background(), server("a"), nil)
	require.NoError(t, err)
	p.Report(s, nil)
	assert.Equal(t, 1, p.Len())
	p.Report(s, nil)
	assert.Equal(t, 0, p.Len())
	assert.Equal(t, int64(2), s.Messages())
}

func TestSweep(t *testing.T) {
	d := &fakeDialer{}
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	p := New(testConfig(), d, WithClock(clock))
	defer p.Close(context.Background())
	ctx := context.Background()

	old, err := p.Acquire(ctx, server("old"), nil)
	require.NoError(t, err)

	now = now.Add(9 * time.Minute)
	fresh, err := p.Acquire(ctx, server("fresh"), nil)
	require.NoError(t, err)

	// old is idle for 11 minutes, fresh for 2.
	removed := p.Sweep(now.Add(2 * time.Minute))
	assert.Equal(t, 1, removed)
	assert.True(t, old.Destroyed())
	assert.False(t, fresh.Destroyed())

	// Keep fresh busy until it passes the maximum age.
	for i := 0; i < 3; i++ {
		now = now.Add(8 * time.Minute)
		s, err := p.Acquire(ctx, server("fresh"), nil)
		require.NoError(t, err)
		require.Same(t, fresh, s)
	}
	assert.Equal(t, 0, p.Sweep(now))
	assert.Equal(t, 1, p.Sweep(now.Add(7*time.Minute)))
	assert.Equal(t, 0, p.Len())
}

func TestAcquireExpiredRecreates(t *testing.T) {
	d := &fakeDialer{}
	now := time.Now()
	p := New(testConfig(), d, WithClock(func() time.Time { return now }))
	defer p.Close(context.Background())

	s1, err := p.Acquire(context.Background(), server("a"), nil)
	require.NoError(t, err)
	now = now.Add(11 * time.Minute)
	s2, err := p.Acquire(context.Background(), server("a"), nil)
	require.NoError(t, err)

	assert.NotSame(t, s1, s2)
	assert.True(t, s1.Destroyed())
}

func TestConcurrentAcquireKeepsFirst(t *testing.T) {
	d := &fakeDialer{dialDelay: 20 * time.Millisecond}
	p := New(testConfig(), d)
	defer p.Close(context.Background())

	var wg sync.WaitGroup
	got := make([]*Pooled, 8)
	for i := range got {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			s, err := p.Acquire(context.Background(), server("a"), nil)
			assert.NoError(t, err)
			got[i] = s
		}(i)
	}
	wg.Wait()

	pooled, ok := p.cache.Peek(KeyFor(server("a"), nil))
	require.True(t, ok)
	for _, s := range got {
		assert.Same(t, pooled, s)
	}
	assert.Equal(t, 1, p.Len())

	// Losing sessions are closed.
	closed := 0
	for _, s := range d.sessions {
		if s.closed.Load() {
			closed++
		}
	}
	assert.Equal(t, d.count()-1, closed)
}

func TestDisabledPoolIsOneShot(t *testing.T) {
	d := &fakeDialer{}
	cfg := testConfig()
	cfg.Enabled = false
	p := New(cfg, d)
	defer p.Close(context.Background())

	s, err := p.Acquire(context.Background(), server("a"), nil)
	require.NoError(t, err)
	p.Report(s, nil)

	assert.True(t, d.sessions[0].closed.Load())
	assert.Equal(t, 0, p.Len())

	_, err = p.Acquire(context.Background(), server("a"), nil)
	require.NoError(t, err)
	assert.Equal(t, 2, d.count())
}

func TestDialError(t *testing.T) {
	d := &fakeDialer{dialErr: errors.New("refused")}
	p := New(testConfig(), d)
	defer p.Close(context.Background())

	_, err := p.Acquire(context.Background(), server("a"), nil)
	require.Error(t, err)
	assert.Equal(t, 0, p.Len())
	assert.Equal(t, int64(0), p.Stats().Created)
}

func TestCloseGracefulThenForced(t *testing.T) {
	d := &fakeDialer{}
	p := New(testConfig(), d)

	for i := 0; i < 3; i++ {
		_, err := p.Acquire(context.Background(), server(fmt.Sprint(i)), nil)
		require.NoError(t, err)
	}
	// One session hangs on close.
	d.sessions[1].closeDelay = time.Second

	start := time.Now()
	require.NoError(t, p.Close(context.Background()))
	assert.Less(t, time.Since(start), 900*time.Millisecond)

	assert.True(t, d.sessions[0].closed.Load())
	assert.False(t, d.sessions[0].terminated.Load())
	assert.True(t, d.sessions[1].terminated.Load())
	assert.Equal(t, 0, p.Len())

	require.NoError(t, p.Close(context.Background()), "close is idempotent")

	_, err := p.Acquire(context.Background(), server("a"), nil)
	require.ErrorIs(t, err, ErrPoolClosed)
}

func TestStartSweeps(t *testing.T) {
	d := &fakeDialer{}
	cfg := testConfig()
	cfg.SweepInterval = 10 * time.Millisecond
	now := time.Now()
	var mu sync.Mutex
	p := New(cfg, d, WithClock(func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}))

	_, err := p.Acquire(context.Background(), server("a"), nil)
	require.NoError(t, err)

	p.Start()
	mu.Lock()
	now = now.Add(time.Hour)
	mu.Unlock()

	assert.Eventually(t, func() bool { return p.Len() == 0 }, time.Second, 5*time.Millisecond)
	require.NoError(t, p.Close(context.Background()))
}
