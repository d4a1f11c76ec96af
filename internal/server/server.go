/*
Copyright (C) 2026 KTH EXPECA

SPDX-License-Identifier: Apache-2.0
*/

// Package server wires the process together: configuration, storage,
// drivers, engines, monitors, the lease manager, the event executor
// and the HTTP surface.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"github.com/KTH-EXPECA/blazar/internal/api"
	"github.com/KTH-EXPECA/blazar/internal/config"
	"github.com/KTH-EXPECA/blazar/internal/db"
	"github.com/KTH-EXPECA/blazar/internal/enforcement"
	"github.com/KTH-EXPECA/blazar/internal/engine"
	"github.com/KTH-EXPECA/blazar/internal/eventbus"
	"github.com/KTH-EXPECA/blazar/internal/events"
	"github.com/KTH-EXPECA/blazar/internal/healing"
	"github.com/KTH-EXPECA/blazar/internal/leadership"
	"github.com/KTH-EXPECA/blazar/internal/manager"
	"github.com/KTH-EXPECA/blazar/internal/matcher"
	"github.com/KTH-EXPECA/blazar/internal/monitor"
	"github.com/KTH-EXPECA/blazar/internal/provider"
	"github.com/KTH-EXPECA/blazar/internal/store"
	"github.com/KTH-EXPECA/blazar/internal/telemetry"
)

// Server bundles HTTP and supporting services.
type Server struct {
	cfg    *config.Config
	logger zerolog.Logger
	router chi.Router

	httpServer    *http.Server
	metricsServer *http.Server

	database *gorm.DB
	store    *store.Store
	bus      *events.Bus
	natsBus  *eventbus.NATSBus
	election *leadership.Election
	executor *manager.Executor
	monitors *monitor.Registry
	tracer   *telemetry.TracerProvider

	bgCancel context.CancelFunc
}

// New builds a fully wired server from configuration.
func New(cfg *config.Config, logger zerolog.Logger) (*Server, error) {
	s := &Server{
		cfg:    cfg,
		logger: logger,
		bus:    events.NewBus(),
	}

	database, err := db.Connect(cfg)
	if err != nil {
		return nil, fmt.Errorf("connect database: %w", err)
	}
	if err := db.Migrate(database, cfg.CleaningTime); err != nil {
		return nil, fmt.Errorf("migrate database: %w", err)
	}
	s.database = database
	s.store = store.New(database)

	// Components publish through the NATS bridge when it is enabled so
	// every instance sees every event; the bridge delivers locally
	// first, so single-instance behavior is unchanged.
	var publisher events.Publisher = s.bus
	if cfg.NATSEnabled {
		natsBus, err := eventbus.NewNATSBus(cfg.NATSURL, s.bus, logger)
		if err != nil {
			return nil, fmt.Errorf("nats event bus: %w", err)
		}
		s.natsBus = natsBus
		publisher = natsBus
	}

	if cfg.LeaderElectionEnabled {
		election, err := leadership.NewElection(leadership.ElectionConfig{
			RedisAddr:     cfg.RedisAddr,
			RedisPassword: cfg.RedisPassword,
			RedisDB:       cfg.RedisDB,
			InstanceID:    cfg.InstanceID,
		}, logger)
		if err != nil {
			return nil, fmt.Errorf("leader election: %w", err)
		}
		s.election = election
	}

	registry := provider.NewRegistry(logger)
	if err := registry.Register("fake", provider.NewFake); err != nil {
		return nil, err
	}
	specs, err := provider.LoadSpecs(cfg.DriversPath)
	if err != nil {
		return nil, fmt.Errorf("load driver specs: %w", err)
	}
	adapters, err := registry.BuildAll(specs)
	if err != nil {
		return nil, fmt.Errorf("build drivers: %w", err)
	}

	chain, err := enforcement.NewChain(cfg.EnabledFilters, cfg.ExemptProjects, cfg.MaxLeaseDuration, logger)
	if err != nil {
		return nil, fmt.Errorf("enforcement chain: %w", err)
	}

	engines := make(map[string]*engine.Engine, len(adapters))
	inventories := make(map[string]*engine.Inventory, len(adapters))
	s.monitors = monitor.NewRegistry()
	for resourceType, adapter := range adapters {
		// Engine and healer share the matcher, and with it the commit
		// guard serializing their match-then-commit sections.
		m := matcher.New(s.store, cfg.CleaningTime, nil, logger)
		engines[resourceType] = engine.New(s.store, m, adapter, cfg.CleaningTime, cfg.BeforeEndDefault, publisher, logger)
		inventories[resourceType] = engine.NewInventory(s.store, resourceType, logger)

		healer := healing.New(s.store, m, adapter, cfg.HealingInterval, publisher, logger)
		mon := monitor.New(s.store, adapter, healer, cfg.PollingInterval, publisher, logger)
		if s.election != nil {
			mon.IsLeader = s.election.IsLeader
		}
		if err := s.monitors.Add(resourceType, mon); err != nil {
			return nil, err
		}
	}

	mgr := manager.New(s.store, engines, chain, publisher, cfg.BeforeEndLead, logger)
	s.executor, err = manager.NewExecutor(s.store, mgr, cfg.ExecutorSchedule, logger)
	if err != nil {
		return nil, err
	}
	if s.election != nil {
		s.executor.IsLeader = s.election.IsLeader
	}

	s.router = s.buildRouter(api.New(mgr, s.store, inventories, logger))
	return s, nil
}

func (s *Server) buildRouter(handlers *api.API) chi.Router {
	router := chi.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(middleware.RealIP)
	router.Use(middleware.Recoverer)
	router.Use(middleware.Timeout(60 * time.Second))
	router.Use(telemetry.MetricsMiddleware)

	router.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		sqlDB, err := s.database.DB()
		if err == nil {
			err = sqlDB.Ping()
		}
		if err != nil {
			http.Error(w, "db unavailable", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	handlers.Routes(router)
	return router
}

// Start launches background services and the HTTP listeners. It blocks
// until ctx is canceled.
func (s *Server) Start(ctx context.Context) error {
	bgCtx, cancel := context.WithCancel(ctx)
	s.bgCancel = cancel

	tracer, err := telemetry.InitTracer(bgCtx, telemetry.TracerConfig{
		ServiceName:    "blazar",
		ServiceVersion: Version,
		OTLPEndpoint:   s.cfg.OTLPEndpoint,
		Enabled:        s.cfg.TracingEnabled,
		SampleRate:     s.cfg.TracingSampleRate,
	}, s.logger)
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	s.tracer = tracer

	if s.election != nil {
		if err := s.election.Start(bgCtx); err != nil {
			return fmt.Errorf("start leader election: %w", err)
		}
	}

	for _, mon := range s.monitors.All() {
		go func(mon *monitor.Monitor) {
			if err := mon.Run(bgCtx); err != nil && !errors.Is(err, context.Canceled) {
				s.logger.Error().Err(err).Msg("monitor stopped")
			}
		}(mon)
		if s.natsBus != nil {
			// Health transitions observed by other instances feed the
			// same failure handling as locally detected ones.
			go mon.WatchRemote(bgCtx,
				s.natsBus.SubscribeRemote(events.EventResourceFailed),
				s.natsBus.SubscribeRemote(events.EventResourceRecovered))
		}
	}
	s.executor.Start()

	s.metricsServer = &http.Server{Addr: s.cfg.MetricsBind, Handler: telemetry.Handler()}
	go func() {
		if err := s.metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error().Err(err).Msg("metrics server stopped")
		}
	}()

	addr := fmt.Sprintf("%s:%d", s.cfg.HTTPBind, s.cfg.HTTPPort)
	s.httpServer = &http.Server{Addr: addr, Handler: s.router}
	s.logger.Info().Str("addr", addr).Msg("http server listening")

	errCh := make(chan error, 1)
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		return s.Shutdown()
	case err := <-errCh:
		return err
	}
}

// Shutdown stops everything in reverse start order.
func (s *Server) Shutdown() error {
	s.logger.Info().Msg("shutting down")
	if s.bgCancel != nil {
		s.bgCancel()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if s.httpServer != nil {
		if err := s.httpServer.Shutdown(ctx); err != nil {
			s.logger.Error().Err(err).Msg("http shutdown")
		}
	}
	if s.metricsServer != nil {
		if err := s.metricsServer.Shutdown(ctx); err != nil {
			s.logger.Error().Err(err).Msg("metrics shutdown")
		}
	}
	s.executor.Stop()

	if s.election != nil {
		if err := s.election.Stop(); err != nil {
			s.logger.Error().Err(err).Msg("stopping leader election")
		}
	}
	if s.natsBus != nil {
		if err := s.natsBus.Close(); err != nil {
			s.logger.Error().Err(err).Msg("closing nats bus")
		}
	}
	if s.tracer != nil {
		if err := s.tracer.Shutdown(ctx); err != nil {
			s.logger.Error().Err(err).Msg("shutting down tracer")
		}
	}
	return db.Close(s.database)
}
