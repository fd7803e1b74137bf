package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"propertyescrow/config"
	"propertyescrow/core"
	"propertyescrow/core/events"
	"propertyescrow/core/genesis"
	"propertyescrow/integrations/eventlog"
	"propertyescrow/integrations/natsbus"
	nativecommon "propertyescrow/native/common"
	"propertyescrow/observability/logging"
	telemetry "propertyescrow/observability/otel"
	"propertyescrow/rpc"
	"propertyescrow/storage"
)

const shutdownTimeout = 10 * time.Second

func main() {
	configFile := flag.String("config", "./config.toml", "Path to the configuration file")
	flag.Parse()

	cfg, err := config.Load(*configFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	env := cfg.Env
	if override := strings.TrimSpace(os.Getenv("ESCROW_ENV")); override != "" {
		env = override
	}
	logger := logging.SetupWithLevel(os.Stdout, "escrowd", env, cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, env, logger); err != nil {
		logger.Error("escrowd exited", slog.Any("error", err))
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, env string, logger *slog.Logger) error {
	shutdownTelemetry, err := telemetry.Init(ctx, telemetry.Config{
		ServiceName: "escrowd",
		Environment: env,
		Endpoint:    cfg.Telemetry.Endpoint,
		Insecure:    cfg.Telemetry.Insecure,
		Traces:      cfg.Telemetry.Traces,
		Metrics:     cfg.Telemetry.Metrics,
	})
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		_ = shutdownTelemetry(shutdownCtx)
	}()

	roles, err := cfg.EscrowRoles()
	if err != nil {
		return err
	}

	db, err := storage.NewLevelDB(cfg.DataDir)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	var sinks events.Fanout
	var journal *eventlog.Store
	if path := strings.TrimSpace(cfg.EventLogPath); path != "" {
		journal, err = eventlog.Open(path)
		if err != nil {
			return fmt.Errorf("open event journal: %w", err)
		}
		defer journal.Close()
		journal.SetLogger(logger)
		sinks = append(sinks, journal)
	}
	if url := strings.TrimSpace(cfg.NATSURL); url != "" {
		publisher, err := natsbus.NewPublisher(url, cfg.NATSSubjectPrefix, logger)
		if err != nil {
			return err
		}
		defer publisher.Close()
		sinks = append(sinks, publisher)
	}

	spec, err := cfg.GenesisSpec()
	if err != nil {
		return fmt.Errorf("genesis: %w", err)
	}
	result, err := genesis.Apply(db, roles, spec, sinks)
	if err != nil {
		return err
	}
	if result.Applied {
		logger.Info("genesis applied",
			slog.Int("accounts", result.Accounts),
			slog.Int("titles", len(result.TitleIDs)))
	}

	node, err := core.NewNode(db, roles)
	if err != nil {
		return fmt.Errorf("create node: %w", err)
	}
	node.SetLogger(logger)
	node.SetPauses(nativecommon.NewStaticPauses(cfg.PausedModules))
	node.SetEmitter(sinks)

	var lister rpc.EventJournal
	if journal != nil {
		lister = journal
	}
	server, err := rpc.NewServer(node, lister, rpc.ServerConfig{
		JWTSecret:         cfg.JWTSecret,
		RequestsPerSecond: cfg.RateLimit.RequestsPerSecond,
		Burst:             cfg.RateLimit.Burst,
		TrustProxyHeaders: cfg.RateLimit.TrustProxyHeaders,
		TrustedProxies:    append([]string{}, cfg.RateLimit.TrustedProxies...),
		Logger:            logger,
	})
	if err != nil {
		return err
	}

	rpcServer := &http.Server{
		Addr:              cfg.RPCAddress,
		Handler:           server.Routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	metricsRouter := chi.NewRouter()
	metricsRouter.Handle("/metrics", promhttp.Handler())
	metricsServer := &http.Server{
		Addr:              cfg.MetricsAddress,
		Handler:           metricsRouter,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 2)
	for _, srv := range []*http.Server{rpcServer, metricsServer} {
		srv := srv
		go func() {
			logger.Info("listening", slog.String("addr", srv.Addr))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- err
			}
		}()
	}
	logger.Info("escrowd started",
		slog.String("seller", cfg.Roles.Seller),
		logging.MaskField("jwtSecret", cfg.JWTSecret),
		slog.Any("pausedModules", cfg.PausedModules))

	var serveErr error
	select {
	case <-ctx.Done():
	case serveErr = <-errCh:
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	_ = rpcServer.Shutdown(shutdownCtx)
	_ = metricsServer.Shutdown(shutdownCtx)
	logger.Info("escrowd stopped")
	return serveErr
}
