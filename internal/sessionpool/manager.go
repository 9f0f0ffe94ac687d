// Package sessionpool implements the Session Pool Manager: a named pool
// per session, acquire/release with timeout and retry, and aggregated
// per-session statistics. See SPEC_FULL.md for the resolved "shared" strategy
// semantics, which spec.md leaves as an open question.
package sessionpool

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/ostin-pil/lesca/internal/breaker"
	"github.com/ostin-pil/lesca/internal/driver"
	"github.com/ostin-pil/lesca/internal/metrics"
	"github.com/ostin-pil/lesca/internal/pool"
	"github.com/ostin-pil/lesca/internal/stats"
	"github.com/ostin-pil/lesca/internal/types"
)

// Strategy selects how session names route to underlying pools.
type Strategy string

const (
	PerSession Strategy = "per_session"
	Shared     Strategy = "shared"
)

// sharedPoolKey is the sentinel pool-key every session name routes to
// under the Shared strategy (see SPEC_FULL.md open-question resolution).
const sharedPoolKey = "*"

// Config is validated fail-fast by New, per spec §4.4.
type Config struct {
	Strategy          Strategy
	PerSessionMaxSize int
	PerSessionIdle    time.Duration
	AcquireTimeout    time.Duration
	RetryOnFailure    bool
	MaxRetries        int

	// PoolMinSize, PoolEnabled, and PoolReuseContexts feed into each
	// underlying pool's Config; they are not independently validated
	// beyond what pool.New already enforces.
	PoolMinSize       int
	PoolEnabled       bool
	PoolReuseContexts bool
	Breaker           breaker.Config
}

func (c Config) validate() error {
	if c.Strategy != PerSession && c.Strategy != Shared {
		return types.New(types.InvalidConfig, "strategy must be per_session or shared").With("field", "strategy")
	}
	if c.PerSessionMaxSize < 1 {
		return types.New(types.InvalidConfig, "per_session_max_size must be >= 1").With("field", "per_session_max_size")
	}
	if c.PerSessionIdle < 0 {
		return types.New(types.InvalidConfig, "per_session_idle_ms must be >= 0").With("field", "per_session_idle_ms")
	}
	if c.AcquireTimeout < time.Second {
		return types.New(types.InvalidConfig, "acquire_timeout_ms must be >= 1000").With("field", "acquire_timeout_ms")
	}
	if c.MaxRetries < 0 {
		return types.New(types.InvalidConfig, "max_retries must be >= 0").With("field", "max_retries")
	}
	return nil
}

// Manager routes session names to Browser Pools and layers timeout+retry
// over each pool's acquire.
type Manager struct {
	cfg       Config
	launcher  driver.Launcher
	collector metrics.Collector
	stats     *stats.Tracker

	mu    sync.Mutex
	pools map[string]*pool.Pool
}

// New validates cfg and returns a Manager with no pools yet constructed.
func New(cfg Config, launcher driver.Launcher, collector metrics.Collector) (*Manager, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if collector == nil {
		collector = metrics.Noop{}
	}
	return &Manager{
		cfg:       cfg,
		launcher:  launcher,
		collector: collector,
		stats:     stats.NewTracker(),
		pools:     make(map[string]*pool.Pool),
	}, nil
}

func (m *Manager) routingKey(name string) string {
	if m.cfg.Strategy == Shared {
		return sharedPoolKey
	}
	return name
}

// getPool lazily constructs the pool for name (or the shared pool). It does
// not touch stats: the tracker creates a zeroed bucket for a session name
// the first time that name is recorded or snapshotted.
func (m *Manager) getPool(name string) *pool.Pool {
	key := m.routingKey(name)

	m.mu.Lock()
	defer m.mu.Unlock()
	if p, ok := m.pools[key]; ok {
		return p
	}

	p, err := pool.New(pool.Config{
		Enabled:       m.cfg.PoolEnabled,
		MinSize:       m.cfg.PoolMinSize,
		MaxSize:       m.cfg.PerSessionMaxSize,
		MaxIdle:       m.cfg.PerSessionIdle,
		ReuseContexts: m.cfg.PoolReuseContexts,
		Breaker:       m.cfg.Breaker,
		Key:           key,
	}, m.launcher, m.collector)
	if err != nil {
		// Config was already validated by Manager.validate using the same
		// bounds pool.Config.validate checks; this should be unreachable.
		panic(err)
	}

	m.pools[key] = p
	return p
}

// Acquire runs up to max_retries+1 attempts (or exactly 1 if
// retry_on_failure is false), each bounded by acquire_timeout_ms, with
// linear backoff between attempts.
func (m *Manager) Acquire(ctx context.Context, sessionName string) (driver.BrowserHandle, error) {
	p := m.getPool(sessionName)

	attempts := 1
	if m.cfg.RetryOnFailure {
		attempts = m.cfg.MaxRetries + 1
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		handle, err := m.acquireOnce(ctx, sessionName, p)

		if err == nil {
			m.stats.RecordAcquire(sessionName)
			return handle, nil
		}
		lastErr = err

		if attempt == attempts {
			m.stats.RecordFailure(sessionName)
			return nil, types.Wrap(types.LaunchFailed, "acquire failed after retries", lastErr).
				With("session_name", sessionName).
				With("attempts", attempts)
		}

		select {
		case <-time.After(time.Duration(attempt) * time.Second):
		case <-ctx.Done():
			m.stats.RecordFailure(sessionName)
			return nil, types.Wrap(types.LaunchFailed, "acquire canceled during backoff", ctx.Err()).
				With("session_name", sessionName)
		}
	}

	// Unreachable: attempts >= 1 guarantees the loop returns above.
	return nil, types.Wrap(types.LaunchFailed, "acquire failed", lastErr).With("session_name", sessionName)
}

// acquireOnce races one pool.Acquire call against acquire_timeout_ms. Per
// spec §5, a launch already in progress cannot be canceled: if the race is
// lost to the timeout, a background goroutine waits for the late result
// and releases it back to the pool immediately so the handle becomes idle
// rather than leaking as permanently in-use.
func (m *Manager) acquireOnce(ctx context.Context, sessionName string, p *pool.Pool) (driver.BrowserHandle, error) {
	resCh := make(chan acquireResult, 1)
	go func() {
		h, err := p.Acquire(context.Background())
		resCh <- acquireResult{h, err}
	}()

	timer := time.NewTimer(m.cfg.AcquireTimeout)
	defer timer.Stop()

	select {
	case r := <-resCh:
		return r.handle, r.err
	case <-timer.C:
		go m.releaseLateResult(p, resCh)
		return nil, types.New(types.PoolExhausted, "acquire timed out").
			With("timeout_ms", m.cfg.AcquireTimeout.Milliseconds()).
			With("session_name", sessionName)
	case <-ctx.Done():
		go m.releaseLateResult(p, resCh)
		return nil, types.Wrap(types.PoolExhausted, "acquire canceled", ctx.Err()).
			With("session_name", sessionName)
	}
}

type acquireResult struct {
	handle driver.BrowserHandle
	err    error
}

func (m *Manager) releaseLateResult(p *pool.Pool, resCh <-chan acquireResult) {
	r := <-resCh
	if r.err == nil && r.handle != nil {
		p.Release(context.Background(), r.handle)
	}
}

// Release delegates to sessionName's pool if one exists; otherwise it
// closes the handle directly.
func (m *Manager) Release(ctx context.Context, sessionName string, handle driver.BrowserHandle) {
	m.mu.Lock()
	p, ok := m.pools[m.routingKey(sessionName)]
	m.mu.Unlock()

	if !ok {
		if err := handle.Close(ctx); err != nil {
			log.Warn().Err(err).Str("session_name", sessionName).Msg("lesca/sessionpool: closing orphaned handle failed")
		}
		return
	}

	p.Release(ctx, handle)
	m.stats.RecordRelease(sessionName)
}

// Stats returns sessionName's aggregated statistics.
func (m *Manager) Stats(sessionName string) stats.Snapshot {
	m.mu.Lock()
	p, ok := m.pools[m.routingKey(sessionName)]
	m.mu.Unlock()

	total := 0
	if ok {
		total = p.GetStats().Total
	}
	return m.stats.Snapshot(sessionName, total)
}

// DrainSession drains and removes sessionName's pool and deletes its
// stats bucket.
func (m *Manager) DrainSession(ctx context.Context, sessionName string) error {
	key := m.routingKey(sessionName)

	m.mu.Lock()
	p, ok := m.pools[key]
	if ok {
		delete(m.pools, key)
	}
	m.mu.Unlock()

	if !ok {
		return nil
	}
	m.stats.Delete(sessionName)
	return p.Drain(ctx)
}

// DrainAll drains every pool concurrently, then clears both the pool and
// stats maps.
func (m *Manager) DrainAll(ctx context.Context) error {
	m.mu.Lock()
	pools := make([]*pool.Pool, 0, len(m.pools))
	for _, p := range m.pools {
		pools = append(pools, p)
	}
	m.pools = make(map[string]*pool.Pool)
	m.mu.Unlock()

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(4)
	for _, p := range pools {
		p := p
		g.Go(func() error {
			return p.Drain(gctx)
		})
	}
	err := g.Wait()

	m.stats.Clear()
	return err
}

// Bound returns a driver.AcquireReleaser closed over sessionName, the form
// a Browser Service hands to its driver when it is pooling (see
// internal/service and spec §9's session_pool(name) capability).
func (m *Manager) Bound(sessionName string) driver.AcquireReleaser {
	return &boundManager{manager: m, sessionName: sessionName}
}

type boundManager struct {
	manager     *Manager
	sessionName string
}

func (b *boundManager) Acquire(ctx context.Context) (driver.BrowserHandle, error) {
	return b.manager.Acquire(ctx, b.sessionName)
}

func (b *boundManager) Release(ctx context.Context, handle driver.BrowserHandle) {
	b.manager.Release(ctx, b.sessionName, handle)
}
