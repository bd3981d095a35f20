package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"github.com/hiverun/controlplane/internal/audit"
	"github.com/hiverun/controlplane/internal/config"
	"github.com/hiverun/controlplane/internal/httpserver"
	"github.com/hiverun/controlplane/internal/platform"
	"github.com/hiverun/controlplane/internal/telemetry"
	"github.com/hiverun/controlplane/pkg/autotopup"
	"github.com/hiverun/controlplane/pkg/fleet"
	"github.com/hiverun/controlplane/pkg/ledger"
	"github.com/hiverun/controlplane/pkg/meteraggregate"
	"github.com/hiverun/controlplane/pkg/meterevent"
	"github.com/hiverun/controlplane/pkg/migration"
	"github.com/hiverun/controlplane/pkg/node"
	"github.com/hiverun/controlplane/pkg/nodechannel"
	"github.com/hiverun/controlplane/pkg/notifyqueue"
	"github.com/hiverun/controlplane/pkg/payment"
	"github.com/hiverun/controlplane/pkg/recovery"
	"github.com/hiverun/controlplane/pkg/routing"
	"github.com/hiverun/controlplane/pkg/vault"
)

const version = "0.1.0"

// Run is the control plane's entry point: it wires every subsystem
// together, starts their background loops, serves the ops HTTP surface,
// and blocks until ctx is cancelled.
func Run(ctx context.Context, cfg *config.Config) error {
	logger := telemetry.NewLogger(cfg.LogFormat, cfg.LogLevel)
	slog.SetDefault(logger)

	logger.Info("starting hiverun control plane", "listen", cfg.ListenAddr())

	shutdownTracer, err := telemetry.InitTracer(ctx, cfg.OTLPEndpoint, "hiverun-controlplane", version)
	if err != nil {
		return fmt.Errorf("initializing tracer: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracer(shutdownCtx); err != nil {
			logger.Error("shutting down tracer", "error", err)
		}
	}()

	db, err := platform.NewPostgresPool(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("connecting to database: %w", err)
	}
	defer db.Close()

	rdb, err := platform.NewRedisClient(ctx, cfg.RedisURL)
	if err != nil {
		return fmt.Errorf("connecting to redis: %w", err)
	}
	defer func() {
		if err := rdb.Close(); err != nil {
			logger.Error("closing redis", "error", err)
		}
	}()

	if err := platform.RunMigrations(cfg.DatabaseURL, cfg.MigrationsDir); err != nil {
		return fmt.Errorf("running migrations: %w", err)
	}
	logger.Info("migrations applied")

	metricsReg := telemetry.NewMetricsRegistry(telemetry.All()...)

	return runControlPlane(ctx, cfg, logger, db, rdb, metricsReg)
}

func runControlPlane(ctx context.Context, cfg *config.Config, logger *slog.Logger, db *pgxpool.Pool, rdb *redis.Client, metricsReg *prometheus.Registry) error {
	heartbeatTimeout, err := time.ParseDuration(cfg.NodeHeartbeatTimeout)
	if err != nil {
		return fmt.Errorf("parsing node heartbeat timeout %q: %w", cfg.NodeHeartbeatTimeout, err)
	}
	nodeSweepInterval, err := time.ParseDuration(cfg.NodeSweepInterval)
	if err != nil {
		return fmt.Errorf("parsing node sweep interval %q: %w", cfg.NodeSweepInterval, err)
	}
	meterFlushInterval, err := time.ParseDuration(cfg.MeterFlushInterval)
	if err != nil {
		return fmt.Errorf("parsing meter flush interval %q: %w", cfg.MeterFlushInterval, err)
	}
	aggregatorWindow, err := time.ParseDuration(cfg.AggregatorWindow)
	if err != nil {
		return fmt.Errorf("parsing aggregator window %q: %w", cfg.AggregatorWindow, err)
	}
	aggregatorInterval, err := time.ParseDuration(cfg.AggregatorInterval)
	if err != nil {
		return fmt.Errorf("parsing aggregator interval %q: %w", cfg.AggregatorInterval, err)
	}
	autotopupInterval, err := time.ParseDuration(cfg.AutoTopupScheduleInterval)
	if err != nil {
		return fmt.Errorf("parsing auto-top-up schedule interval %q: %w", cfg.AutoTopupScheduleInterval, err)
	}
	notificationInterval, err := time.ParseDuration(cfg.NotificationDispatchInterval)
	if err != nil {
		return fmt.Errorf("parsing notification dispatch interval %q: %w", cfg.NotificationDispatchInterval, err)
	}
	recoveryRetryInterval, err := time.ParseDuration(cfg.RecoveryRetryInterval)
	if err != nil {
		return fmt.Errorf("parsing recovery retry interval %q: %w", cfg.RecoveryRetryInterval, err)
	}

	// --- Audit log ---
	auditWriter := audit.NewWriter(db, logger)
	auditWriter.Start(ctx)
	defer auditWriter.Close()

	// --- Core domain components ---
	led := ledger.New(db)
	fleetStore := fleet.New(db)
	notifier := notifyqueue.New(db, rdb, logger)

	var processor payment.Processor = payment.NewNoop()

	nodes := node.New(db, logger, nil, heartbeatTimeout)
	channel := nodechannel.New(logger)
	recoveryMgr := recovery.New(db, fleetStore, nodes, channel, notifier, logger)
	nodes.SetRecoveryTrigger(recoveryMgr)

	migrationEngine := migration.New(fleetStore, nodes, channel, notifier, logger)

	routes := routing.New()

	var vaultMasterKey []byte
	if cfg.VaultMasterKey != "" {
		vaultMasterKey = []byte(cfg.VaultMasterKey)
	} else {
		logger.Warn("VAULT_MASTER_KEY not set; using an insecure development default")
		vaultMasterKey = []byte("dev-only-insecure-master-key-do-not-use-in-prod")
	}
	keyVault := vault.New(db, vaultMasterKey)

	topupCtrl := autotopup.New(db, led, processor, notifier, nil, logger)

	meterCfg := meterevent.Config{
		WALPath:       cfg.MeterWALPath,
		DLQPath:       cfg.MeterDLQPath,
		BatchSize:     cfg.MeterBatchSize,
		FlushInterval: meterFlushInterval,
		MaxRetries:    cfg.MeterMaxRetries,
	}
	emitter, err := meterevent.New(ctx, meterCfg, db, logger)
	if err != nil {
		return fmt.Errorf("starting meter emitter: %w", err)
	}

	aggregator := meteraggregate.New(db, aggregatorWindow)

	sender := notifyqueue.NewSlackSender(cfg.SlackBotToken, cfg.SlackAlertChannel, logger)
	dispatcher := notifyqueue.NewDispatcher(notifier, sender, rdb, logger, cfg.NotificationBatchSize, notificationInterval)

	// --- Background loops ---
	go nodes.RunLivenessSweep(ctx, nodeSweepInterval)
	go recoveryMgr.RunRetryLoop(ctx, recoveryRetryInterval)
	go emitter.Run(ctx)
	go runAggregatorLoop(ctx, aggregator, aggregatorInterval, logger)
	go topupCtrl.RunScheduleLoop(ctx, autotopupInterval)
	go dispatcher.Run(ctx)

	// --- HTTP server ---
	srv := httpserver.NewServer(cfg, logger, db, rdb, metricsReg)
	srv.Router.Mount("/audit-log", audit.NewHandler(db, logger).Routes())
	srv.Router.Mount("/nodes", node.NewHandler(nodes, logger).Routes())
	srv.Router.Mount("/migrations", migration.NewHandler(migrationEngine, logger).Routes())
	srv.Router.Mount("/routes", routing.NewHandler(routes, logger).Routes())
	srv.Router.Mount("/vault", vault.NewHandler(keyVault, logger).Routes())
	srv.Router.Mount("/fleet", fleet.NewHandler(fleetStore, nodes, logger).Routes())
	srv.Router.Mount("/ledger", ledger.NewHandler(led, logger).Routes())
	srv.Router.Mount("/usage", meteraggregate.NewHandler(aggregator, logger).Routes())
	srv.Router.Mount("/notifications", notifyqueue.NewHandler(notifier, logger).Routes())
	srv.Router.Mount("/auto-topup", autotopup.NewHandler(topupCtrl, logger).Routes())
	srv.Router.Mount("/payments", payment.NewHandler(processor, led, logger).Routes())
	srv.MountWS("/node-channel/{node_id}", nodeChannelUpgradeHandler(channel, nodes, logger))

	httpSrv := &http.Server{
		Addr:         cfg.ListenAddr(),
		Handler:      srv,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("ops server listening", "addr", cfg.ListenAddr())
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http server: %w", err)
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down control plane")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		if err := httpSrv.Shutdown(shutdownCtx); err != nil {
			logger.Error("shutting down ops server", "error", err)
		}
		emitter.Close(shutdownCtx)
		return nil
	case err := <-errCh:
		return err
	}
}

func runAggregatorLoop(ctx context.Context, aggregator *meteraggregate.Aggregator, interval time.Duration, logger *slog.Logger) {
	tick := func() {
		if err := aggregator.Aggregate(ctx, time.Now()); err != nil {
			logger.Error("running usage aggregation", "error", err)
		}
	}

	tick()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			tick()
		case <-ctx.Done():
			return
		}
	}
}

func nodeChannelUpgradeHandler(channel *nodechannel.Registry, nodes *node.Registry, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		nodeID := chi.URLParam(r, "node_id")
		if nodeID == "" {
			httpserver.RespondError(w, http.StatusBadRequest, "invalid_input", "node_id path parameter is required")
			return
		}
		if err := channel.HandleUpgrade(w, r, nodeID); err != nil {
			logger.Error("upgrading node command channel", "node_id", nodeID, "error", err)
		}
	}
}
