package sessionpool

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ostin-pil/lesca/internal/breaker"
	"github.com/ostin-pil/lesca/internal/driver"
	"github.com/ostin-pil/lesca/internal/metrics"
	"github.com/ostin-pil/lesca/internal/types"
)

type fakeCollector struct {
	mu     sync.Mutex
	events []metrics.Event
}

func (f *fakeCollector) Record(e metrics.Event) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, e)
}

func (f *fakeCollector) snapshot() []metrics.Event {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]metrics.Event, len(f.events))
	copy(out, f.events)
	return out
}

type fakeHandle struct {
	id     int
	closed atomic.Bool
}

func (h *fakeHandle) IsConnected() bool                                         { return !h.closed.Load() }
func (h *fakeHandle) Close(ctx context.Context) error                           { h.closed.Store(true); return nil }
func (h *fakeHandle) Contexts(ctx context.Context) ([]driver.BrowserContext, error) { return nil, nil }

func baseConfig() Config {
	return Config{
		Strategy:          PerSession,
		PerSessionMaxSize: 2,
		PerSessionIdle:    time.Hour,
		AcquireTimeout:    time.Second,
		RetryOnFailure:    true,
		MaxRetries:        2,
		PoolEnabled:       true,
		Breaker:           breaker.Config{FailureThreshold: 5, ResetTimeout: time.Second, SuccessThreshold: 1},
	}
}

func TestValidateRejectsBadConfig(t *testing.T) {
	cases := []Config{
		{Strategy: "bogus", PerSessionMaxSize: 1, AcquireTimeout: time.Second},
		{Strategy: PerSession, PerSessionMaxSize: 0, AcquireTimeout: time.Second},
		{Strategy: PerSession, PerSessionMaxSize: 1, PerSessionIdle: -1, AcquireTimeout: time.Second},
		{Strategy: PerSession, PerSessionMaxSize: 1, AcquireTimeout: 500 * time.Millisecond},
		{Strategy: PerSession, PerSessionMaxSize: 1, AcquireTimeout: time.Second, MaxRetries: -1},
	}
	for _, cfg := range cases {
		if _, err := New(cfg, nil, nil); !types.Is(err, types.InvalidConfig) {
			t.Errorf("expected invalid_config for %+v, got %v", cfg, err)
		}
	}
}

func TestAcquireReleasePerSessionRouting(t *testing.T) {
	var n int32
	launcher := func(ctx context.Context, opts driver.LaunchOptions) (driver.BrowserHandle, error) {
		return &fakeHandle{id: int(atomic.AddInt32(&n, 1))}, nil
	}
	m, err := New(baseConfig(), launcher, nil)
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()

	h1, err := m.Acquire(ctx, "alice")
	if err != nil {
		t.Fatal(err)
	}
	h2, err := m.Acquire(ctx, "bob")
	if err != nil {
		t.Fatal(err)
	}
	if h1.(*fakeHandle).id == h2.(*fakeHandle).id {
		t.Fatal("expected distinct pools for distinct session names")
	}

	m.Release(ctx, "alice", h1)
	snap := m.Stats("alice")
	if snap.Acquisitions != 1 || snap.Releases != 1 || snap.Active != 0 {
		t.Fatalf("unexpected stats: %+v", snap)
	}
}

func TestMaxRetriesZeroMeansExactlyOneAttempt(t *testing.T) {
	var calls int32
	launcher := func(ctx context.Context, opts driver.LaunchOptions) (driver.BrowserHandle, error) {
		atomic.AddInt32(&calls, 1)
		return nil, context.DeadlineExceeded
	}
	cfg := baseConfig()
	cfg.MaxRetries = 0
	cfg.RetryOnFailure = true
	cfg.AcquireTimeout = time.Second
	cfg.Breaker.FailureThreshold = 100

	m, err := New(cfg, launcher, nil)
	if err != nil {
		t.Fatal(err)
	}

	_, err = m.Acquire(context.Background(), "s1")
	if err == nil {
		t.Fatal("expected failure")
	}
	if calls != 1 {
		t.Fatalf("expected exactly 1 launch attempt, got %d", calls)
	}
	if snap := m.Stats("s1"); snap.Failures != 1 {
		t.Fatalf("expected failures=1, got %+v", snap)
	}
}

func TestManagerTimesOutBeforeSlowLaunchCompletes(t *testing.T) {
	launcher := func(ctx context.Context, opts driver.LaunchOptions) (driver.BrowserHandle, error) {
		time.Sleep(3 * time.Second)
		return &fakeHandle{id: 1}, nil
	}
	cfg := baseConfig()
	cfg.AcquireTimeout = time.Second
	cfg.MaxRetries = 0
	cfg.RetryOnFailure = false
	cfg.Breaker.FailureThreshold = 100

	m, err := New(cfg, launcher, nil)
	if err != nil {
		t.Fatal(err)
	}

	start := time.Now()
	_, err = m.Acquire(context.Background(), "s1")
	elapsed := time.Since(start)
	if err == nil {
		t.Fatal("expected timeout error")
	}
	if elapsed > 2*time.Second {
		t.Fatalf("manager acquire should return near the timeout, not wait for the slow launch: %v", elapsed)
	}
}

func TestDrainAllClearsPoolsAndStats(t *testing.T) {
	launcher := func(ctx context.Context, opts driver.LaunchOptions) (driver.BrowserHandle, error) {
		return &fakeHandle{id: 1}, nil
	}
	m, err := New(baseConfig(), launcher, nil)
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()
	if _, err := m.Acquire(ctx, "s1"); err != nil {
		t.Fatal(err)
	}

	if err := m.DrainAll(ctx); err != nil {
		t.Fatal(err)
	}
	if snap := m.Stats("s1"); snap.Acquisitions != 0 {
		t.Fatalf("expected stats cleared after drain_all, got %+v", snap)
	}
}

func TestPerSessionEventsCarrySessionName(t *testing.T) {
	launcher := func(ctx context.Context, opts driver.LaunchOptions) (driver.BrowserHandle, error) {
		return &fakeHandle{id: 1}, nil
	}
	fc := &fakeCollector{}
	m, err := New(baseConfig(), launcher, fc)
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()

	h, err := m.Acquire(ctx, "alice")
	if err != nil {
		t.Fatal(err)
	}
	m.Release(ctx, "alice", h)

	events := fc.snapshot()
	if len(events) != 3 {
		t.Fatalf("expected created+acquire+release events, got %+v", events)
	}
	if events[0].Kind != metrics.KindPoolBrowserCreated || events[0].SessionName != "alice" {
		t.Fatalf("expected pool_browser_created{session_name:alice}, got %+v", events[0])
	}
	if events[1].Kind != metrics.KindPoolAcquire || events[1].SessionName != "alice" {
		t.Fatalf("expected pool_acquire{session_name:alice}, got %+v", events[1])
	}
	if events[2].Kind != metrics.KindPoolRelease || events[2].SessionName != "alice" {
		t.Fatalf("expected pool_release{session_name:alice}, got %+v", events[2])
	}
}
