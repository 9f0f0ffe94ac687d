// Package pool implements the Browser Pool: a bounded set of live browser
// handles for a single pool key, handed out on demand and reclaimed when
// idle. See internal/sessionpool for the per-session-name routing layer
// built on top of this.
package pool

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/ostin-pil/lesca/internal/breaker"
	"github.com/ostin-pil/lesca/internal/driver"
	"github.com/ostin-pil/lesca/internal/metrics"
	"github.com/ostin-pil/lesca/internal/types"
)

// defaultAcquireTimeout is used when a caller invokes Acquire with a
// context carrying no deadline, per spec: "60s when called directly".
const defaultAcquireTimeout = 60 * time.Second

// sweepInterval is the cadence of the idle-eviction background sweep.
const sweepInterval = 60 * time.Second

// Config is the pool's resolved configuration; Config fields are validated
// fail-fast by New.
type Config struct {
	Enabled       bool
	MinSize       int
	MaxSize       int
	MaxIdle       time.Duration
	ReuseContexts bool
	Breaker       breaker.Config
	// Key tags emitted events and logs; typically the session name.
	Key string
}

func (c Config) validate() error {
	if c.MinSize < 0 {
		return types.New(types.InvalidConfig, "min_size must be >= 0").With("field", "min_size")
	}
	if c.MaxSize < 1 {
		return types.New(types.InvalidConfig, "max_size must be >= 1").With("field", "max_size")
	}
	if c.MinSize > c.MaxSize {
		return types.New(types.InvalidConfig, "min_size must be <= max_size").With("field", "min_size")
	}
	if c.MaxIdle < 0 {
		return types.New(types.InvalidConfig, "max_idle_ms must be >= 0").With("field", "max_idle_ms")
	}
	return nil
}

// Stats are the monotonic counters and instantaneous gauges of spec §3.
type Stats struct {
	Created   int64
	Destroyed int64
	Reused    int64
	Total     int
	Active    int
	Idle      int
}

type entry struct {
	handle     driver.BrowserHandle
	inUse      bool
	createdAt  time.Time
	lastUsedAt time.Time
	usageCount int
}

// Pool maintains up to Config.MaxSize browser handles for one pool key.
type Pool struct {
	cfg       Config
	launcher  driver.Launcher
	breaker   *breaker.Breaker
	collector metrics.Collector

	mu             sync.Mutex
	entries        []*entry
	pendingCreates int
	shuttingDown   bool
	created        int64
	destroyed      int64
	reused         int64
	waitCh         chan struct{}

	sweepStop chan struct{}
	sweepDone chan struct{}
	closeOnce sync.Once
}

// New validates cfg and starts the idle-eviction sweep.
func New(cfg Config, launcher driver.Launcher, collector metrics.Collector) (*Pool, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	br, err := breaker.New(cfg.Breaker)
	if err != nil {
		return nil, err
	}
	if collector == nil {
		collector = metrics.Noop{}
	}

	p := &Pool{
		cfg:       cfg,
		launcher:  launcher,
		breaker:   br,
		collector: collector,
		waitCh:    make(chan struct{}),
		sweepStop: make(chan struct{}),
		sweepDone: make(chan struct{}),
	}

	if cfg.Enabled {
		go p.sweepLoop()
	} else {
		close(p.sweepDone)
	}
	return p, nil
}

func (p *Pool) emit(e metrics.Event) {
	e.Timestamp = time.Now()
	e.SessionName = p.cfg.Key
	p.collector.Record(e)
}

// signalChangeLocked wakes every goroutine blocked in Acquire's wait loop.
// Must be called with p.mu held.
func (p *Pool) signalChangeLocked() {
	close(p.waitCh)
	p.waitCh = make(chan struct{})
}

// Acquire hands out a browser handle, launching one if capacity allows or
// waiting (bounded by ctx's deadline, defaulting to 60s) if the pool is
// full. It fails immediately if the pool is draining.
func (p *Pool) Acquire(ctx context.Context) (driver.BrowserHandle, error) {
	if !p.cfg.Enabled {
		return p.acquireUnpooled(ctx)
	}

	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, defaultAcquireTimeout)
		defer cancel()
	}

	start := time.Now()
	firstPass := true
	for {
		h, done, err := p.tryAcquire(ctx, start, firstPass)
		firstPass = false
		if done {
			return h, err
		}

		p.mu.Lock()
		ch := p.waitCh
		p.mu.Unlock()

		select {
		case <-ch:
			continue
		case <-ctx.Done():
			p.mu.Lock()
			size := len(p.entries)
			p.mu.Unlock()
			waitMs := time.Since(start).Milliseconds()
			p.emit(metrics.Event{Kind: metrics.KindPoolFailure, Error: "pool exhausted"})
			return nil, types.New(types.PoolExhausted, "timed out waiting for an available browser").
				With("timeout_ms", waitMs).
				With("pool_size", size).
				With("max_size", p.cfg.MaxSize)
		}
	}
}

// tryAcquire performs one non-blocking attempt: reuse an idle entry,
// launch a new one if capacity allows, or report that the caller must
// wait. done=false with a nil error means "try again after a signal".
func (p *Pool) tryAcquire(ctx context.Context, start time.Time, emitExhausted bool) (driver.BrowserHandle, bool, error) {
	p.mu.Lock()
	if p.shuttingDown {
		p.mu.Unlock()
		return nil, true, types.New(types.PoolShuttingDown, "pool is shutting down")
	}

	for i := 0; i < len(p.entries); i++ {
		e := p.entries[i]
		if e.inUse {
			continue
		}
		if !e.handle.IsConnected() {
			p.removeAt(i)
			p.destroyed++
			p.mu.Unlock()
			p.emit(metrics.Event{Kind: metrics.KindPoolBrowserDestroyed, Reason: metrics.ReasonDisconnected})
			return p.tryAcquire(ctx, start, emitExhausted)
		}
		e.inUse = true
		e.lastUsedAt = time.Now()
		e.usageCount++
		p.reused++
		size := len(p.entries)
		p.mu.Unlock()
		p.emit(metrics.Event{Kind: metrics.KindPoolAcquire, Reused: true, PoolSize: size, DurationMs: time.Since(start).Milliseconds()})
		return e.handle, true, nil
	}

	if len(p.entries)+p.pendingCreates < p.cfg.MaxSize {
		p.pendingCreates++
		p.mu.Unlock()

		launchStart := time.Now()
		h, err := breaker.Execute(p.breaker, func() (driver.BrowserHandle, error) {
			return p.launcher(ctx, driver.LaunchOptions{})
		})

		p.mu.Lock()
		p.pendingCreates--
		if err != nil {
			p.mu.Unlock()
			p.emit(metrics.Event{Kind: metrics.KindPoolFailure, Error: err.Error()})
			return nil, true, types.Wrap(types.LaunchFailed, "browser launch failed", err)
		}
		now := time.Now()
		p.entries = append(p.entries, &entry{
			handle:     h,
			inUse:      true,
			createdAt:  now,
			lastUsedAt: now,
			usageCount: 1,
		})
		p.created++
		size := len(p.entries)
		p.mu.Unlock()

		durMs := time.Since(launchStart).Milliseconds()
		p.emit(metrics.Event{Kind: metrics.KindPoolBrowserCreated, DurationMs: durMs, PoolSize: size})
		p.emit(metrics.Event{Kind: metrics.KindPoolAcquire, Reused: false, PoolSize: size, DurationMs: time.Since(start).Milliseconds()})
		return h, true, nil
	}

	size := len(p.entries)
	p.mu.Unlock()

	if emitExhausted {
		p.emit(metrics.Event{Kind: metrics.KindPoolExhausted, PoolSize: size, MaxSize: p.cfg.MaxSize})
	}
	return nil, false, nil
}

// acquireUnpooled bypasses the entry table entirely: every acquire launches
// a fresh browser (still subject to the breaker) and every release closes
// it directly.
func (p *Pool) acquireUnpooled(ctx context.Context) (driver.BrowserHandle, error) {
	start := time.Now()
	h, err := breaker.Execute(p.breaker, func() (driver.BrowserHandle, error) {
		return p.launcher(ctx, driver.LaunchOptions{})
	})
	if err != nil {
		p.emit(metrics.Event{Kind: metrics.KindPoolFailure, Error: err.Error()})
		return nil, types.Wrap(types.LaunchFailed, "browser launch failed", err)
	}
	p.emit(metrics.Event{Kind: metrics.KindPoolAcquire, Reused: false, DurationMs: time.Since(start).Milliseconds()})
	return h, nil
}

// removeAt deletes the entry at index i via swap-with-last, O(1). Must be
// called with p.mu held.
func (p *Pool) removeAt(i int) {
	last := len(p.entries) - 1
	p.entries[i] = p.entries[last]
	p.entries[last] = nil
	p.entries = p.entries[:last]
}

// Release returns handle to the pool. A handle this pool never issued is
// closed directly and tolerated silently.
func (p *Pool) Release(ctx context.Context, handle driver.BrowserHandle) {
	start := time.Now()
	if !p.cfg.Enabled {
		if err := handle.Close(ctx); err != nil {
			log.Warn().Err(err).Msg("lesca/pool: close on unpooled release failed")
		}
		return
	}

	p.mu.Lock()
	var found *entry
	for _, e := range p.entries {
		if e.handle == handle {
			found = e
			break
		}
	}
	if found == nil {
		p.mu.Unlock()
		if err := handle.Close(ctx); err != nil {
			log.Warn().Err(err).Msg("lesca/pool: close on foreign handle release failed")
		}
		return
	}

	if p.cfg.ReuseContexts {
		p.mu.Unlock()
		if ctxs, err := handle.Contexts(ctx); err == nil {
			for _, c := range ctxs {
				if err := c.Close(ctx); err != nil {
					log.Warn().Err(err).Msg("lesca/pool: closing context before reuse failed")
				}
			}
		} else {
			log.Warn().Err(err).Msg("lesca/pool: listing contexts before reuse failed")
		}
		p.mu.Lock()
	}

	found.inUse = false
	found.lastUsedAt = time.Now()
	size := len(p.entries)
	p.signalChangeLocked()
	p.mu.Unlock()

	p.emit(metrics.Event{Kind: metrics.KindPoolRelease, PoolSize: size, DurationMs: time.Since(start).Milliseconds()})
}

// Drain closes every entry, forbids further acquires, and stops the
// eviction sweep. It is idempotent: only the first call emits destroy
// events or closes anything.
func (p *Pool) Drain(ctx context.Context) error {
	var toClose []*entry
	alreadyDraining := false

	p.mu.Lock()
	if p.shuttingDown {
		alreadyDraining = true
	} else {
		p.shuttingDown = true
		toClose = p.entries
		p.entries = nil
		p.signalChangeLocked()
	}
	p.mu.Unlock()

	if alreadyDraining {
		return nil
	}

	p.closeOnce.Do(func() {
		close(p.sweepStop)
	})
	<-p.sweepDone

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(4)
	for _, e := range toClose {
		e := e
		g.Go(func() error {
			_ = e.handle.Close(gctx)
			return nil
		})
	}
	_ = g.Wait()

	p.mu.Lock()
	p.destroyed += int64(len(toClose))
	p.mu.Unlock()

	for range toClose {
		p.emit(metrics.Event{Kind: metrics.KindPoolBrowserDestroyed, Reason: metrics.ReasonDrain})
	}
	return nil
}

// GetStats returns the counters and gauges of spec §3.
func (p *Pool) GetStats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	active := 0
	for _, e := range p.entries {
		if e.inUse {
			active++
		}
	}
	total := len(p.entries)
	return Stats{
		Created:   p.created,
		Destroyed: p.destroyed,
		Reused:    p.reused,
		Total:     total,
		Active:    active,
		Idle:      total - active,
	}
}

// GetConfig returns the pool's resolved configuration.
func (p *Pool) GetConfig() Config {
	return p.cfg
}

// sweepLoop runs the idle-eviction sweep at a fixed cadence. It never
// prevents process exit: callers must still invoke Drain on shutdown.
func (p *Pool) sweepLoop() {
	defer close(p.sweepDone)
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.sweepStop:
			return
		case <-ticker.C:
			p.sweepOnce()
		}
	}
}

func (p *Pool) sweepOnce() {
	p.mu.Lock()
	if p.shuttingDown {
		p.mu.Unlock()
		return
	}

	now := time.Now()
	var evicted []*entry
	idleCount := 0
	for _, e := range p.entries {
		if !e.inUse {
			idleCount++
		}
	}

	kept := p.entries[:0:0]
	for _, e := range p.entries {
		if !e.inUse && now.Sub(e.lastUsedAt) > p.cfg.MaxIdle && idleCount > p.cfg.MinSize {
			evicted = append(evicted, e)
			idleCount--
			continue
		}
		kept = append(kept, e)
	}
	p.entries = kept
	p.destroyed += int64(len(evicted))
	deficit := p.cfg.MinSize - idleCount
	p.mu.Unlock()

	for range evicted {
		p.emit(metrics.Event{Kind: metrics.KindPoolBrowserDestroyed, Reason: metrics.ReasonIdle})
	}
	for _, e := range evicted {
		if err := e.handle.Close(context.Background()); err != nil {
			log.Warn().Err(err).Msg("lesca/pool: closing evicted idle browser failed")
		}
	}

	for i := 0; i < deficit; i++ {
		p.refillOne()
	}
}

// refillOne launches one new idle entry to satisfy MinSize. Failures are
// logged, not propagated: idle eviction is a background maintenance path.
func (p *Pool) refillOne() {
	launchStart := time.Now()
	h, err := breaker.Execute(p.breaker, func() (driver.BrowserHandle, error) {
		return p.launcher(context.Background(), driver.LaunchOptions{})
	})
	if err != nil {
		log.Warn().Err(err).Msg("lesca/pool: min_size refill launch failed")
		return
	}

	p.mu.Lock()
	if p.shuttingDown {
		p.mu.Unlock()
		_ = h.Close(context.Background())
		return
	}
	now := time.Now()
	p.entries = append(p.entries, &entry{handle: h, inUse: false, createdAt: now, lastUsedAt: now})
	p.created++
	size := len(p.entries)
	p.signalChangeLocked()
	p.mu.Unlock()

	p.emit(metrics.Event{Kind: metrics.KindPoolBrowserCreated, DurationMs: time.Since(launchStart).Milliseconds(), PoolSize: size})
}
