// Package app wires the configured components into one runnable service.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/driveline/driveline/api/lessons"
	"github.com/driveline/driveline/config"
	"github.com/driveline/driveline/core/dispatch"
	"github.com/driveline/driveline/core/ledger"
	"github.com/driveline/driveline/core/liquidity"
	coremetrics "github.com/driveline/driveline/core/metrics"
	"github.com/driveline/driveline/core/registry"
	"github.com/driveline/driveline/core/scheduler"
	"github.com/driveline/driveline/infra/logger"
	"github.com/driveline/driveline/infra/metrics"
	"github.com/driveline/driveline/infra/sqlite"
	"github.com/driveline/driveline/internal/eventbus"
)

// Service orchestrates the dispatch engine, the background loops and the
// HTTP surface.
type Service struct {
	Engine     *dispatch.Engine
	Registry   *registry.Registry
	Controller *liquidity.Controller

	store       ledger.Store
	bus         eventbus.EventBus
	runners     []*scheduler.Runner
	server      *http.Server
	log         logger.Logger
	promEnabled bool
	promPort    string
}

// New creates a Service from the configuration.
func New(cfg *config.Config) (*Service, error) {
	logg := logger.New("service")

	var store ledger.Store
	switch cfg.Ledger.Driver {
	case "sqlite":
		s, err := sqlite.Open(cfg.Ledger.Path)
		if err != nil {
			return nil, fmt.Errorf("open ledger: %w", err)
		}
		store = s
	default:
		store = ledger.NewMemoryStore()
	}

	var sinks []coremetrics.Sink
	if cfg.Metrics.PrometheusEnabled {
		sink, err := metrics.NewPromSink()
		if err != nil {
			return nil, fmt.Errorf("prom sink: %w", err)
		}
		sinks = append(sinks, sink)
	}
	if cfg.Metrics.InfluxEnabled {
		sinks = append(sinks, metrics.NewInfluxSinkWithFallback(
			cfg.Metrics.InfluxURL, cfg.Metrics.InfluxToken, cfg.Metrics.InfluxOrg, cfg.Metrics.InfluxBucket))
	}
	var sink coremetrics.Sink
	switch len(sinks) {
	case 0:
		sink = coremetrics.NopSink{}
	case 1:
		sink = sinks[0]
	default:
		sink = metrics.NewMultiSink(sinks...)
	}

	bus := eventbus.New()

	controller, err := liquidity.NewController(store, cfg.Liquidity, sink, bus, logger.New("liquidity"))
	if err != nil {
		return nil, err
	}
	engine, err := dispatch.NewEngine(store, cfg.Dispatch, sink, bus, controller, logger.New("dispatch"))
	if err != nil {
		return nil, err
	}
	reg, err := registry.New(store, cfg.Registry, logger.New("registry"))
	if err != nil {
		return nil, err
	}

	sweep, err := scheduler.New("sweep",
		time.Duration(cfg.Dispatch.SweepIntervalSeconds)*time.Second,
		func(ctx context.Context) error {
			_, err := engine.SweepExpiredWaves(ctx)
			return err
		}, logg)
	if err != nil {
		return nil, err
	}
	liq, err := scheduler.New("liquidity", controller.Interval(), controller.Recompute, logg)
	if err != nil {
		return nil, err
	}

	mux := lessons.NewMux(engine, controller, reg, logger.New("api"))
	return &Service{
		Engine:      engine,
		Registry:    reg,
		Controller:  controller,
		store:       store,
		bus:         bus,
		runners:     []*scheduler.Runner{sweep, liq},
		server:      &http.Server{Addr: cfg.Server.Addr, Handler: mux},
		log:         logg,
		promEnabled: cfg.Metrics.PrometheusEnabled,
		promPort:    cfg.Metrics.PrometheusPort,
	}, nil
}

// Run starts the background loops and the HTTP listener, then blocks until
// the context is cancelled.
func (s *Service) Run(ctx context.Context) error {
	for _, r := range s.runners {
		if err := r.Start(ctx); err != nil {
			return err
		}
	}
	if s.promEnabled {
		go func() {
			if err := metrics.StartPromServer(ctx, s.promPort); err != nil {
				s.log.Errorf("prom server: %v", err)
			}
		}()
	}
	errCh := make(chan error, 1)
	go func() {
		s.log.Infof("listening on %s", s.server.Addr)
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()
	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.server.Shutdown(shutdownCtx); err != nil {
		s.log.Errorf("server shutdown: %v", err)
	}
	return nil
}

// Close stops the background loops and releases held resources.
func (s *Service) Close() error {
	for _, r := range s.runners {
		r.Stop()
	}
	if s.bus != nil {
		s.bus.Close()
	}
	return s.store.Close()
}
