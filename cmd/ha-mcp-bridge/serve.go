package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/rightapi/ha-mcp-bridge/authn"
	"github.com/rightapi/ha-mcp-bridge/config"
	"github.com/rightapi/ha-mcp-bridge/homeassistant"
	"github.com/rightapi/ha-mcp-bridge/instrumentation"
	"github.com/rightapi/ha-mcp-bridge/mcp"
	"github.com/rightapi/ha-mcp-bridge/oauth"
	"github.com/rightapi/ha-mcp-bridge/security"
	"github.com/rightapi/ha-mcp-bridge/server"
	"github.com/rightapi/ha-mcp-bridge/storage/memory"
	"github.com/rightapi/ha-mcp-bridge/storage/snapshot"
	"github.com/rightapi/ha-mcp-bridge/tools"
	"github.com/rightapi/ha-mcp-bridge/vault"
)

const shutdownTimeout = 15 * time.Second

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the bridge server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context())
		},
	}
}

func runServe(ctx context.Context) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}

	logger := newLogger(cfg)
	slog.SetDefault(logger)

	inst, err := instrumentation.New(instrumentation.Config{
		ServiceName:    "ha-mcp-bridge",
		ServiceVersion: version,
		Enabled:        cfg.MetricsEnabled,
	})
	if err != nil {
		return fmt.Errorf("setting up instrumentation: %w", err)
	}

	store := memory.New(
		memory.WithLogger(logger),
		memory.WithInstrumentation(inst),
	)
	defer store.Stop()

	writer, err := snapshot.New(cfg.DataDir, store, store, logger,
		snapshot.WithInterval(cfg.SnapshotInterval),
		snapshot.WithInstrumentation(inst),
	)
	if err != nil {
		return fmt.Errorf("setting up state snapshots: %w", err)
	}
	if err := writer.Restore(ctx); err != nil {
		// A corrupt snapshot should not keep the server down.
		logger.Error("Restoring state failed, starting empty", "error", err)
	}

	auditor := security.NewAuditor(logger, cfg.AuditEnabled)
	limiter := security.NewRateLimiter(cfg.RateLimitPerSecond, cfg.RateLimitBurst, logger)
	defer limiter.Stop()

	haClient := homeassistant.New(homeassistant.WithLogger(logger))

	vaultSvc, err := vault.New(store, haClient, vault.Config{
		Username:     cfg.AdminUsername,
		Password:     cfg.AdminPassword,
		PasswordHash: cfg.AdminPasswordHash,
		SessionTTL:   cfg.AdminSessionTTL,
	}, logger,
		vault.WithAuditor(auditor),
		vault.WithInstrumentation(inst),
		vault.WithPersist(writer.SaveSoon),
	)
	if err != nil {
		return fmt.Errorf("setting up credential vault: %w", err)
	}

	signer, err := oauth.NewTokenSigner([]byte(cfg.TokenSigningSecret), cfg.ServerURL)
	if err != nil {
		return fmt.Errorf("setting up token signer: %w", err)
	}

	oauthServer, err := oauth.NewServer(store, store, store, store, signer, &oauth.ServerConfig{
		Issuer:               cfg.ServerURL,
		AuthorizationCodeTTL: cfg.AuthorizationCodeTTL,
		AccessTokenTTL:       cfg.AccessTokenTTL,
		OwnerID:              cfg.AdminUsername,
		ProvisioningKey:      cfg.ProvisioningKey,
		ServiceKey:           cfg.ServiceKey,
	}, logger,
		oauth.WithAuditor(auditor),
		oauth.WithInstrumentation(inst),
		oauth.WithPersist(writer.SaveSoon),
	)
	if err != nil {
		return fmt.Errorf("setting up oauth server: %w", err)
	}

	oauthHandler, err := oauth.NewHandler(oauthServer, vaultSvc, oauth.HandlerConfig{
		ServerURL:              cfg.ServerURL,
		AdminAPIKey:            cfg.AdminAPIKey,
		DefaultDownstreamHost:  cfg.HomeAssistantURL,
		DefaultDownstreamToken: cfg.HomeAssistantToken,
		TrustProxy:             cfg.TrustProxy,
		TrustedProxyCount:      cfg.TrustedProxyCount,
	}, logger, limiter, auditor)
	if err != nil {
		return fmt.Errorf("setting up oauth handler: %w", err)
	}

	resolver, err := authn.New(signer, store, store, store, authn.Config{
		ServerURL:    cfg.ServerURL,
		DefaultHost:  cfg.HomeAssistantURL,
		DefaultToken: cfg.HomeAssistantToken,
	}, logger)
	if err != nil {
		return fmt.Errorf("setting up credential resolver: %w", err)
	}

	executor, err := tools.NewExecutor(haClient, logger, inst)
	if err != nil {
		return fmt.Errorf("setting up tool executor: %w", err)
	}

	dispatcher, err := mcp.New(resolver, executor, store, store, mcp.Config{
		ServerName:    "ha-mcp-bridge",
		ServerVersion: version,
		ServerURL:     cfg.ServerURL,
	}, logger,
		mcp.WithInstrumentation(inst),
		mcp.WithAuditor(auditor),
	)
	if err != nil {
		return fmt.Errorf("setting up mcp dispatcher: %w", err)
	}

	handler, err := server.NewHandler(server.Options{
		OAuth:   oauthHandler,
		MCP:     dispatcher,
		Version: version,
		Logger:  logger,
	})
	if err != nil {
		return fmt.Errorf("assembling routes: %w", err)
	}
	srv := server.New(cfg.ListenAddr, handler)

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("Server listening",
			"addr", cfg.ListenAddr,
			"url", cfg.ServerURL,
			"environment", cfg.Environment)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		return writer.Run(gctx)
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("Shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(gctx), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown: %w", err)
		}
		return nil
	})

	err = g.Wait()

	instCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if shutdownErr := inst.Shutdown(instCtx); shutdownErr != nil {
		logger.Warn("Instrumentation shutdown failed", "error", shutdownErr)
	}
	return err
}

func newLogger(cfg *config.Config) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(cfg.LogLevel) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	if cfg.IsProduction() {
		return slog.New(slog.NewJSONHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stdout, opts))
}
