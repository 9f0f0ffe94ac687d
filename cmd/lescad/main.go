// Package main provides the entry point for the lesca browser automation
// daemon: it keeps a session pool manager alive, sized from the dynconfig
// file's values as read once at startup, and exposes nothing but a
// Prometheus metrics endpoint. Later edits to the dynconfig file update the
// dynconfig manager but are not applied to the running session pool
// manager. Per-invocation driver/service wiring is left to whatever embeds
// this module.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/ostin-pil/lesca/internal/breaker"
	"github.com/ostin-pil/lesca/internal/config"
	"github.com/ostin-pil/lesca/internal/dynconfig"
	"github.com/ostin-pil/lesca/internal/metrics"
	"github.com/ostin-pil/lesca/internal/roddriver"
	"github.com/ostin-pil/lesca/internal/sessionpool"
	"github.com/ostin-pil/lesca/internal/sessionstore"
	"github.com/ostin-pil/lesca/pkg/version"
)

func main() {
	showVersion := flag.Bool("version", false, "Print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("lesca %s\n", version.Full())
		return
	}

	cfg := config.Load()
	setupLogging(cfg.LogLevel)
	cfg.Validate()

	log.Info().Str("version", version.Full()).Str("go_version", version.GoVersion()).Msg("starting lesca")

	dyn, err := dynconfig.New(cfg.DynConfigPath, dynconfig.PoolDefaults{
		MinSize:   1,
		MaxSize:   3,
		MaxIdleMS: 5 * 60 * 1000,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load pool-sizing defaults")
	}
	defer dyn.Close()

	// The session store and driver factory are per-invocation collaborators
	// (see internal/service.Service) that a caller embedding this module
	// constructs itself; this daemon only keeps the shared pool manager,
	// hot-reloadable sizing, and metrics endpoint running.
	if _, err := sessionstore.New(cfg.SessionDir); err != nil {
		log.Fatal().Err(err).Msg("failed to open session store")
	}

	var collector metrics.Collector = metrics.Noop{}
	var promCollector *metrics.PrometheusCollector
	if cfg.MetricsEnabled {
		promCollector = metrics.NewPrometheusCollector()
		collector = promCollector
	}

	launcher := roddriver.NewLauncher(roddriver.LauncherConfig{
		BrowserPath:      cfg.BrowserPath,
		IgnoreCertErrors: cfg.IgnoreCertErrors,
	})

	defaults := dyn.Get()
	poolMgr, err := sessionpool.New(sessionpool.Config{
		Strategy:          sessionpool.PerSession,
		PerSessionMaxSize: defaults.MaxSize,
		PerSessionIdle:    defaults.MaxIdle,
		AcquireTimeout:    60 * time.Second,
		RetryOnFailure:    true,
		MaxRetries:        2,
		PoolMinSize:       defaults.MinSize,
		PoolEnabled:       true,
		PoolReuseContexts: true,
		Breaker: breaker.Config{
			FailureThreshold: 5,
			ResetTimeout:     30 * time.Second,
			SuccessThreshold: 2,
		},
	}, launcher, collector)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to build session pool manager")
	}

	var metricsServer *http.Server
	if cfg.MetricsEnabled && promCollector != nil {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promCollector.Handler())
		metricsServer = &http.Server{
			Addr:              cfg.MetricsAddr,
			Handler:           mux,
			ReadHeaderTimeout: 10 * time.Second,
		}
		go func() {
			log.Info().Str("addr", cfg.MetricsAddr).Msg("metrics server listening")
			if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Error().Err(err).Msg("metrics server failed")
			}
		}()
	}

	log.Info().Msg("lesca is ready")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	signal.Stop(quit)

	log.Info().Msg("shutting down")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := poolMgr.DrainAll(ctx); err != nil {
		log.Error().Err(err).Msg("session pool drain error")
	}

	if metricsServer != nil {
		if err := metricsServer.Shutdown(ctx); err != nil {
			log.Error().Err(err).Msg("metrics server shutdown error")
		}
	}

	log.Info().Msg("shutdown complete")
}

func setupLogging(level string) {
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339})

	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		lvl = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(lvl)
}
