package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/example/table-sync/internal/broadcast"
	"github.com/example/table-sync/internal/config"
	"github.com/example/table-sync/internal/host"
	"github.com/example/table-sync/internal/inspect"
	"github.com/example/table-sync/internal/observability"
	"github.com/example/table-sync/internal/presence"
	"github.com/example/table-sync/internal/snapshot"
	"github.com/example/table-sync/internal/storage"
	"github.com/example/table-sync/internal/wire"
	"github.com/example/table-sync/internal/ws"
)

const inspectCacheSize = 512

func main() {
	zerolog.TimeFieldFormat = time.RFC3339Nano

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}

	logger := log.With().Str("app", cfg.AppName).Str("host", cfg.HostID).Logger()
	observability.RegisterRuntimeCollectors()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	resources, err := config.NewResources(ctx, cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to initialize resources")
	}
	defer resources.Close()

	telemetryShutdown, err := observability.Start(ctx, observability.Config{
		ServiceName:  cfg.AppName,
		InstanceID:   cfg.HostID,
		MetricsAddr:  cfg.MetricsAddr,
		OTLPEndpoint: cfg.OTLPEndpoint,
		Health:       resources.HealthCheck,
	}, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to initialize telemetry")
	}
	defer telemetryShutdown(context.Background())

	tableStore := storage.NewTableStore(resources.Postgres)
	if err := tableStore.EnsureSchema(ctx); err != nil {
		logger.Fatal().Err(err).Msg("failed to prepare table schema")
	}

	registry := ws.NewConnectionRegistry()
	broadcaster := broadcast.NewRedisBroadcaster(resources.Redis, registry, cfg.HostID, logger.With().Str("component", "broadcast").Logger())
	tables := host.New(broadcaster, logger.With().Str("component", "host").Logger(), host.WithPersister(tableStore))

	snapshotWorker := snapshot.NewWorker(tables, snapshot.NewMinioBucket(resources.Object, cfg.ObjectBucket), cfg.HostID,
		logger.With().Str("component", "snapshot").Logger(), snapshot.WithInterval(cfg.SnapshotInterval))

	if err := restoreTables(ctx, tableStore, snapshotWorker, tables, logger); err != nil {
		logger.Fatal().Err(err).Msg("failed to restore tables")
	}

	broadcaster.Start(ctx)
	snapshotWorker.Start(ctx)

	presenceSvc := presence.NewService(resources.Redis, cfg.HostID, logger.With().Str("component", "presence").Logger())
	presenceSvc.Start(ctx)

	hooks := presenceSvc.WrapHooks(ws.Hooks{
		OnObserverConnected: func(ctx context.Context, conn *ws.Connection, msg wire.Message) error {
			return tables.HandleMessage(ctx, msg, conn.Send)
		},
		OnMessage: func(ctx context.Context, conn *ws.Connection, msg wire.Message) error {
			return tables.HandleMessage(ctx, msg, conn.Send)
		},
	})
	gateway, err := ws.NewGateway(ws.SequentialIdentities(), registry, logger.With().Str("component", "gateway").Logger(), hooks, ws.GatewayConfig{
		HeartbeatInterval: cfg.WSHeartbeat,
		SendBuffer:        cfg.WSSendBuffer,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to create gateway")
	}

	inspectSvc, err := inspect.NewService(tables, inspectCacheSize, inspect.WithHistory(tableStore), inspect.WithRoster(presenceSvc))
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to create inspect service")
	}

	mux := http.NewServeMux()
	mux.Handle("/ws", gateway)
	mux.Handle("/", inspect.NewHTTPHandler(inspectSvc, logger.With().Str("component", "inspect").Logger()))
	httpServer := &http.Server{Addr: cfg.HTTPListenAddr, Handler: mux}

	go func() {
		logger.Info().Str("addr", cfg.HTTPListenAddr).Msg("http server starting")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("http server failed")
		}
	}()

	logger.Info().Int("tables", len(tables.Records())).Msg("table host ready")

	go func() {
		ticker := time.NewTicker(cfg.HealthcheckProbe)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if err := resources.HealthCheck(ctx); err != nil {
					logger.Error().Err(err).Msg("dependency healthcheck failed")
				} else {
					logger.Debug().Msg("dependency healthcheck ok")
				}
			case <-ctx.Done():
				return
			}
		}
	}()

	<-ctx.Done()
	logger.Info().Msg("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("http shutdown incomplete")
	}
	if _, err := snapshotWorker.RunOnce(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("final snapshot failed")
	}
	logger.Info().Msg("shutdown complete")
}

// restoreTables loads tables from Postgres and falls back to the newest
// object storage snapshot when the database holds none.
func restoreTables(ctx context.Context, store *storage.TableStore, worker *snapshot.Worker, tables *host.Host, logger zerolog.Logger) error {
	records, err := store.LoadTables(ctx)
	if err != nil {
		return fmt.Errorf("load tables: %w", err)
	}
	if len(records) > 0 {
		return tables.Restore(ctx, records)
	}

	_, err = worker.RestoreLatest(ctx, tables)
	switch {
	case errors.Is(err, snapshot.ErrNoSnapshot):
		logger.Info().Msg("starting with no tables")
		return nil
	case err != nil:
		logger.Error().Err(err).Msg("failed to restore snapshot; starting empty")
		return nil
	}

	// Write snapshot tables through so Postgres catches up.
	for _, record := range tables.Records() {
		if err := store.SaveTable(ctx, record); err != nil {
			return fmt.Errorf("persist restored table %s: %w", record.Name, err)
		}
	}
	return nil
}
