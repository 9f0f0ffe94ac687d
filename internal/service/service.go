// Package service implements the Browser Service: per-invocation
// orchestration that acquires a browser, optionally restores a saved
// session, hands the driver to its caller, and optionally persists session
// state on shutdown.
package service

import (
	"context"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/ostin-pil/lesca/internal/driver"
	"github.com/ostin-pil/lesca/internal/sessionstore"
	"github.com/ostin-pil/lesca/internal/types"
)

// Options configures one invocation. SessionName unset means the service
// runs unpooled: the driver launches and owns its own browser directly.
type Options struct {
	SessionName       string
	AutoRestore       bool
	PersistOnShutdown bool
	Auth              *driver.AuthOptions
}

// Service holds at most one driver. Startup and Shutdown are each
// idempotent: a second call is a no-op.
type Service struct {
	factory driver.Factory
	pool    driver.AcquireReleaser // non-nil only when Options.SessionName is set
	store   *sessionstore.Store
	opts    Options

	mu      sync.Mutex
	running bool
	drv     driver.Driver
}

// New builds a Service. pool may be nil when the caller never sets
// Options.SessionName; store may be nil to disable session persistence
// entirely (auto_restore/persist_on_shutdown are then always no-ops).
func New(factory driver.Factory, pool driver.AcquireReleaser, store *sessionstore.Store, opts Options) *Service {
	return &Service{factory: factory, pool: pool, store: store, opts: opts}
}

// IsPoolingEnabled reports whether this invocation routes through a pool,
// i.e. whether a session name was configured.
func (s *Service) IsPoolingEnabled() bool {
	return s.opts.SessionName != ""
}

// Startup launches the driver, wiring it to the configured pool when
// pooling is enabled, then auto-restores session state if requested.
// Calling Startup on an already-running Service is a no-op.
func (s *Service) Startup(ctx context.Context, launchOpts driver.LaunchOptions) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	factoryOpts := driver.FactoryOptions{
		Auth:        s.opts.Auth,
		SessionName: s.opts.SessionName,
	}
	if s.IsPoolingEnabled() {
		factoryOpts.Pool = s.pool
	}

	drv, err := s.factory(factoryOpts)
	if err != nil {
		return types.Wrap(types.NotStarted, "failed to start: driver construction failed", err)
	}

	if err := drv.Launch(ctx, launchOpts); err != nil {
		return types.Wrap(types.NotStarted, "failed to start: driver launch failed", err)
	}

	if s.IsPoolingEnabled() && s.opts.AutoRestore && s.store != nil {
		s.restoreSession(ctx, drv)
	}

	s.mu.Lock()
	s.drv = drv
	s.running = true
	s.mu.Unlock()
	return nil
}

func (s *Service) restoreSession(ctx context.Context, drv driver.Driver) {
	ctxs, err := drv.Contexts(ctx)
	if err != nil || len(ctxs) == 0 {
		log.Debug().Str("session_name", s.opts.SessionName).Msg("lesca/service: no browser context available for auto_restore")
		return
	}
	found := s.store.Restore(ctx, s.opts.SessionName, ctxs[0])
	if !found {
		log.Debug().Str("session_name", s.opts.SessionName).Msg("lesca/service: no saved session to restore")
	}
}

// Driver returns the active driver. Calling it before Startup fails with
// a not_started error.
func (s *Service) Driver() (driver.Driver, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return nil, types.New(types.NotStarted, "service has not been started")
	}
	return s.drv, nil
}

// Shutdown persists session state if requested, closes the driver, and
// clears it. Calling Shutdown on a non-running Service is a no-op. Every
// failure along the way is logged and swallowed, per spec §7.
func (s *Service) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	drv := s.drv
	s.mu.Unlock()

	if s.IsPoolingEnabled() && s.opts.PersistOnShutdown && s.store != nil {
		if ctxs, err := drv.Contexts(ctx); err == nil && len(ctxs) > 0 {
			if _, err := s.store.Create(ctx, s.opts.SessionName, ctxs[0], "Persisted on shutdown"); err != nil {
				log.Warn().Err(err).Str("session_name", s.opts.SessionName).Msg("lesca/service: persist on shutdown failed")
			}
		}
	}

	if err := drv.Close(ctx); err != nil {
		log.Warn().Err(err).Msg("lesca/service: driver close failed")
	}

	s.mu.Lock()
	s.drv = nil
	s.running = false
	s.mu.Unlock()
	return nil
}
