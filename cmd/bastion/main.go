package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/FleetForge/bastion/internal/api"
	"github.com/FleetForge/bastion/internal/audit"
	"github.com/FleetForge/bastion/internal/config"
	"github.com/FleetForge/bastion/internal/events"
	"github.com/FleetForge/bastion/internal/failover"
	"github.com/FleetForge/bastion/internal/fleet"
	"github.com/FleetForge/bastion/internal/metrics"
	"github.com/FleetForge/bastion/internal/monitor"
	"github.com/FleetForge/bastion/internal/objstore"
	"github.com/FleetForge/bastion/internal/provision"
	"github.com/FleetForge/bastion/internal/replication"
	"github.com/FleetForge/bastion/internal/snapshot"
	"github.com/FleetForge/bastion/internal/standby"
	"github.com/FleetForge/bastion/internal/store"
	"github.com/FleetForge/bastion/internal/warmpool"
)

func main() {
	configPath := flag.String("config", "", "path to config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		panic(err)
	}

	logger := newLogger(cfg.Server.LogLevel)
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, err := newStore(cfg, logger)
	if err != nil {
		logger.Fatal("store init failed", zap.Error(err))
	}
	defer func() { _ = st.Close() }()

	bus := events.NewMemoryBus(cfg.Events.BufferSize)

	var nats *events.NATSPublisher
	if cfg.Events.NATSURL != "" {
		nats, err = events.NewNATSPublisher(cfg.Events.NATSURL, cfg.Events.Subject, logger)
		if err != nil {
			logger.Fatal("nats connect failed", zap.Error(err))
		}
		defer nats.Close()
		if err := nats.Attach(bus); err != nil {
			logger.Fatal("nats attach failed", zap.Error(err))
		}
	}

	driver, err := newObjectStore(cfg, logger)
	if err != nil {
		logger.Fatal("object store init failed", zap.Error(err))
	}

	engine, err := snapshot.NewEngine(driver, st, bus, cfg.Snapshot, cfg.ObjectStore.Bucket, logger)
	if err != nil {
		logger.Fatal("snapshot engine init failed", zap.Error(err))
	}

	cleaner := snapshot.NewCleaner(engine, st, cfg.Snapshot.RetentionAge, logger)
	go cleaner.Run(ctx, cfg.Snapshot.SweepInterval)

	// The provisioning provider is pluggable per deployment; the
	// in-process one backs development and integration environments.
	provider := provision.NewFakeProvider("local")

	stateDir := func(unitID string) string {
		return filepath.Join(cfg.Store.Path, "state", unitID)
	}

	// Replication applies no retry policy itself, so its driver gets the wrap
	syncDriver := objstore.NewRetryableDriver(driver, objstore.NewRetryPolicy(
		objstore.WithMaxAttempts(cfg.Snapshot.RetryAttempts),
		objstore.WithInitialDelay(cfg.Snapshot.RetryDelay),
		objstore.WithLogger(logger),
	))

	wp := warmpool.NewManager(provider, st, bus, cfg.WarmPool, logger)
	sb := standby.NewManager(provider, st, bus, cfg.Standby, cfg.Replication,
		func(primary *fleet.ComputeUnit) (replication.Source, error) {
			return replication.NewDirSource(stateDir(primary.ID), logger)
		},
		func(assoc *fleet.StandbyAssociation) (replication.Target, error) {
			return replication.NewObjectStoreTarget(syncDriver, cfg.ObjectStore.Bucket, assoc.ID, logger), nil
		},
		logger)

	hib := failover.NewHibernator(st, provider, engine, bus, cfg.Failover, stateDir, logger)
	orch := failover.NewOrchestrator(st, bus, cfg.Failover, []failover.Strategy{
		&failover.WarmPoolStrategy{Store: st, Manager: wp},
		&failover.StandbyStrategy{Store: st, Manager: sb},
		&failover.SnapshotStrategy{Store: st, Provider: provider, Engine: engine, Cfg: cfg.Failover, StateDir: stateDir},
	}, hib, logger)

	if cfg.Audit.Enabled {
		auditStore, err := audit.Open(ctx, cfg.Audit.DSN)
		if err != nil {
			logger.Fatal("audit store init failed", zap.Error(err))
		}
		defer func() { _ = auditStore.Close() }()
		orch.SetRecorder(auditStore)
	}

	if err := orch.Listen(); err != nil {
		logger.Fatal("orchestrator subscribe failed", zap.Error(err))
	}

	m := metrics.New()
	if err := m.Attach(bus, st); err != nil {
		logger.Fatal("metrics attach failed", zap.Error(err))
	}

	mon := monitor.New(cfg.Monitor, &monitor.StatusSampler{Provider: provider}, st, bus, logger)
	defer mon.Stop()
	if units, err := st.ListUnits(ctx); err == nil {
		for _, u := range units {
			if u.Status == fleet.UnitRunning || u.Status == fleet.UnitIdle {
				mon.Watch(ctx, u.ID)
			}
		}
	}

	server := api.NewServer(cfg, logger, st, orch, wp, m)

	metricsSrv := newMetricsServer(cfg, m)
	if metricsSrv != nil {
		go func() {
			logger.Info("metrics listener started", zap.Int("port", cfg.Server.MetricsPort))
			if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("metrics listener stopped", zap.Error(err))
			}
		}()
	}

	go func() {
		<-ctx.Done()
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if metricsSrv != nil {
			if err := metricsSrv.Shutdown(shutdownCtx); err != nil {
				logger.Error("metrics shutdown error", zap.Error(err))
			}
		}
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("shutdown error", zap.Error(err))
		}
	}()

	logger.Info("bastion started",
		zap.Int("port", cfg.Server.Port),
		zap.String("store", cfg.Store.Backend),
		zap.String("object_store", cfg.ObjectStore.Mode))
	if err := server.Start(); err != nil {
		logger.Error("server stopped", zap.Error(err))
		os.Exit(1)
	}
}

// newMetricsServer builds the dedicated scrape listener. The API server
// already serves /metrics, so when the ports collide there is nothing to add.
func newMetricsServer(cfg *config.Config, m *metrics.Metrics) *http.Server {
	if cfg.Server.MetricsPort <= 0 || cfg.Server.MetricsPort == cfg.Server.Port {
		return nil
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	return &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.MetricsPort),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
}

func newLogger(level string) *zap.Logger {
	zapCfg := zap.NewProductionConfig()
	if lvl, err := zap.ParseAtomicLevel(level); err == nil {
		zapCfg.Level = lvl
	}
	logger, err := zapCfg.Build()
	if err != nil {
		panic(err)
	}
	return logger
}

func newStore(cfg *config.Config, logger *zap.Logger) (store.Store, error) {
	switch cfg.Store.Backend {
	case "badger":
		logger.Info("using badger store", zap.String("path", cfg.Store.Path))
		return store.NewBadgerStore(filepath.Join(cfg.Store.Path, "db"))
	default:
		logger.Info("using in-memory store")
		return store.NewMemoryStore(), nil
	}
}

func newObjectStore(cfg *config.Config, logger *zap.Logger) (objstore.Driver, error) {
	var driver objstore.Driver
	switch cfg.ObjectStore.Mode {
	case "s3":
		s3, err := objstore.NewS3Driver(cfg.ObjectStore.Endpoint,
			cfg.ObjectStore.AccessKey, cfg.ObjectStore.SecretKey,
			cfg.ObjectStore.Region, logger)
		if err != nil {
			return nil, err
		}
		driver = s3
		logger.Info("using s3 object store", zap.String("endpoint", cfg.ObjectStore.Endpoint))
	default:
		if err := os.MkdirAll(cfg.ObjectStore.LocalPath, 0o750); err != nil {
			return nil, err
		}
		driver = objstore.NewLocalDriver(cfg.ObjectStore.LocalPath, logger)
		logger.Info("using local object store", zap.String("path", cfg.ObjectStore.LocalPath))
	}
	// Raw on purpose: the snapshot engine budgets its own chunk retries
	return driver, nil
}
