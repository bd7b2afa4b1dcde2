package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/okrlinkhub/agent-bridge/internal/agent"
	"github.com/okrlinkhub/agent-bridge/internal/api"
	"github.com/okrlinkhub/agent-bridge/internal/audit"
	"github.com/okrlinkhub/agent-bridge/internal/auth"
	"github.com/okrlinkhub/agent-bridge/internal/circuit"
	"github.com/okrlinkhub/agent-bridge/internal/config"
	"github.com/okrlinkhub/agent-bridge/internal/crypto"
	"github.com/okrlinkhub/agent-bridge/internal/functions"
	"github.com/okrlinkhub/agent-bridge/internal/gateway"
	"github.com/okrlinkhub/agent-bridge/internal/linking"
	"github.com/okrlinkhub/agent-bridge/internal/metrics"
	"github.com/okrlinkhub/agent-bridge/internal/permission"
	"github.com/okrlinkhub/agent-bridge/internal/provisioning"
	"github.com/okrlinkhub/agent-bridge/internal/ratelimit"
	"github.com/okrlinkhub/agent-bridge/internal/telemetry"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the Agent Bridge gateway server",
	RunE:  runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	cfg, err := config.Load(cfgFile)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := telemetry.Init(ctx, cfg.Telemetry, version)
	if err != nil {
		return err
	}

	st, pg, err := openStore(ctx, cfg.Database)
	if err != nil {
		return err
	}
	defer st.Close()

	m := metrics.New()
	if pg != nil {
		pool := pg.Pool()
		m.RegisterDBPoolCollector(func() (int32, int32, int32) {
			s := pool.Stat()
			return s.TotalConns(), s.IdleConns(), s.AcquiredConns()
		})
	}

	defs, err := functions.FromConfig(cfg.Functions, cfg.Gateway.DemoFunctions, cfg.Gateway.ExecuteTimeout)
	if err != nil {
		return err
	}
	registry, err := functions.NewRegistry(defs...)
	if err != nil {
		return err
	}
	if registry.Len() == 0 {
		slog.Warn("no functions registered; every execute call will return function_unknown")
	}

	cipher, err := crypto.NewCipher(cfg.EncryptionKey)
	if err != nil {
		return err
	}
	if cipher == nil {
		slog.Warn("encryption_key not set; link upserts carrying a refresh token will be rejected")
	}

	collector := audit.NewCollector(st, cfg.Audit.BatchSize, cfg.Audit.FlushInterval)
	collector.SetMetrics(m)
	// Stopped after srv.Shutdown drains in-flight requests.
	go collector.Start(context.Background())

	permissions := permission.NewService(st, registry.Keys())
	defaultRules := permission.RulesFromConfig(cfg.Gateway.DefaultPermissions)
	if err := permissions.Validate(defaultRules); err != nil {
		return fmt.Errorf("invalid default_permissions: %w", err)
	}

	gw := gateway.New(st, registry, nil,
		auth.NewServiceKeySource(cfg.Gateway.ServiceKeys, cfg.Gateway.ServiceKeysEnv),
		auth.NewUserTokenValidator(cfg.Gateway.UserToken.Issuer, cfg.Gateway.UserToken.Audience),
		collector,
		gateway.Settings{
			AppName:              cfg.Gateway.AppName,
			DefaultEstimatedCost: cfg.Gateway.DefaultEstimatedCost,
			DefaultQuota: circuit.Limits{
				RequestsPerHour: cfg.Gateway.DefaultQuota.RequestsPerHour,
				TokenBudget:     cfg.Gateway.DefaultQuota.TokenBudget,
			},
			ExecuteTimeout: cfg.Gateway.ExecuteTimeout,
		})
	gw.SetMetrics(m)

	prov := provisioning.NewService(st, provisioning.Settings{
		TokenTTL:           cfg.Provisioning.TokenTTL,
		MaxApps:            cfg.Provisioning.MaxApps,
		InstanceTTL:        cfg.Provisioning.InstanceTTL,
		DefaultRateLimit:   cfg.Gateway.DefaultAgentRateLimit,
		DefaultPermissions: defaultRules,
	})

	links := linking.NewService(st, cipher, linking.Defaults{
		MaxRequestsPerWindow: cfg.Linking.MaxRequestsPerWindow,
		Window:               cfg.Linking.Window,
	})

	limiter := ratelimit.New(cfg.RateLimit.Default, cfg.RateLimit.Window)
	go limiter.Run(ctx.Done())

	if cfg.Auth.AdminKey == "" && cfg.Auth.AdminKeyHash == "" {
		slog.Warn("no admin key configured; admin API will reject every request")
	}

	api.Version = version
	router := api.NewRouter(api.RouterDeps{
		Gateway:        gw,
		Agents:         agent.NewService(st, cfg.Gateway.DefaultAgentRateLimit),
		Permissions:    permissions,
		Provisioning:   prov,
		Links:          links,
		Circuit:        circuit.New(st),
		AccessLog:      audit.NewReader(st),
		DB:             st,
		Limiter:        limiter,
		AdminKeys:      auth.NewAdminKeyChecker(cfg.Auth.AdminKey, cfg.Auth.AdminKeyHash),
		Metrics:        m,
		PathPrefix:     cfg.Gateway.PathPrefix,
		AllowedOrigins: cfg.CORS.AllowedOrigins,
		MaxBodySize:    cfg.Gateway.MaxRequestSize,
	})

	srv := &http.Server{
		Addr:         cfg.Addr(),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("server starting", "addr", cfg.Addr(), "app_name", cfg.Gateway.AppName, "functions", registry.Len())
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	var serveErr error
	select {
	case <-ctx.Done():
	case serveErr = <-errCh:
		slog.Error("server error", "error", serveErr)
	}
	stop()
	slog.Info("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil && serveErr == nil {
		serveErr = err
	}
	collector.Stop()
	if err := shutdownTracing(shutdownCtx); err != nil {
		slog.Error("tracing shutdown failed", "error", err)
	}
	return serveErr
}
