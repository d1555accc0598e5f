package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/getsimpletool/mcpo-simple-server/internal/auth"
	"github.com/getsimpletool/mcpo-simple-server/internal/config"
	"github.com/getsimpletool/mcpo-simple-server/internal/gateway"
	"github.com/getsimpletool/mcpo-simple-server/internal/httpapi"
	"github.com/getsimpletool/mcpo-simple-server/internal/logger"
	"github.com/getsimpletool/mcpo-simple-server/internal/store"
	"github.com/getsimpletool/mcpo-simple-server/internal/supervisor"
)

// Version is set at build time via -ldflags "-X main.Version=v1.0.0"
var Version = "dev"

func main() {
	if len(os.Args) > 1 {
		switch os.Args[1] {
		case "--version", "-v":
			fmt.Printf("mcpo-simple-server %s\n", Version)
			return
		case "--help", "-h", "help":
			printUsage()
			return
		}
	}

	if err := runServer(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Printf(`mcpo-simple-server %s - Multi-user MCP server supervisor and HTTP gateway

Usage: server [options]

Options:
  --version, -v  Print version
  --help, -h     Show this help

Configuration is read from the environment (a .env file is honored):
  MCPO_ADDR                  Listen address (default :8000)
  MCPO_DATA_DIR              User-config database directory (default data)
  MCPO_LOG_DIR               Log directory (default logs)
  MCPO_LOG_JSON              Emit JSON logs (default false)
  JWT_SECRET_KEY             Access token signing secret (required)
  API_KEY_ENCRYPTION_KEY     API key hashing secret (defaults to JWT secret)
  MCPO_ADMIN_PASSWORD        Bootstrap password for the admin account
  MCPO_HANDSHAKE_TIMEOUT     MCP handshake deadline (default 30s)
  MCPO_TOOL_CALL_TIMEOUT     Proxied tool call deadline (default 120s)
  MCPO_SHUTDOWN_GRACE        Child shutdown grace period (default 5s)
  MCPO_MONITOR_INTERVAL      Supervisor health sweep interval (default 30s)
  MCPO_MAX_INFLIGHT_PER_CHILD  Per-child concurrent call bound (default unbounded)
  MCPO_ENV_ALLOWLIST         Ambient env vars children inherit
`, Version)
}

func runServer() error {
	// A local .env is optional; real deployments set the environment
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	if err := logger.Init(cfg.LogDir, cfg.LogJSON); err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer func() { _ = logger.Close() }()

	logger.Slog().Info("starting mcpo-simple-server", "version", Version)

	st, err := store.NewStore(cfg.DataDir)
	if err != nil {
		return fmt.Errorf("failed to open user store: %w", err)
	}
	defer func() { _ = st.Close() }()

	mgr := auth.NewManager(st, cfg.JWTSecretKey, cfg.APIKeyEncryptionKey)
	if err := bootstrapAdmin(st, cfg.AdminPassword); err != nil {
		return err
	}

	ctrl := supervisor.New(cfg, st)
	ctrl.Reconcile(context.Background())

	monitor, err := supervisor.NewMonitor(ctrl)
	if err != nil {
		return err
	}
	monitor.Start()
	defer monitor.Stop()

	api := httpapi.New(cfg, ctrl, mgr, st)
	api.SetMCPFacade(gateway.New(ctrl).Handler())

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           api.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Slog().Info("http server listening", "addr", cfg.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Slog().Info("received signal, shutting down", "signal", sig.String())
	case err := <-errCh:
		return fmt.Errorf("http server failed: %w", err)
	}

	// Stop accepting requests first, then take the children down
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Slog().Warn("http shutdown did not finish cleanly", "error", err)
	}
	ctrl.Shutdown(shutdownCtx)

	logger.Slog().Info("shutdown complete")
	return nil
}

// bootstrapAdmin creates the admin account on first boot. With no
// MCPO_ADMIN_PASSWORD set and no admin on record, the server refuses to
// start rather than come up with no way to log in.
func bootstrapAdmin(st *store.Store, password string) error {
	if _, err := st.GetUser("admin"); err == nil {
		return nil
	} else if !errors.Is(err, store.ErrUserNotFound) {
		return err
	}

	if password == "" {
		return fmt.Errorf("no admin account exists and MCPO_ADMIN_PASSWORD is not set")
	}
	hash, err := auth.HashPassword(password)
	if err != nil {
		return err
	}
	if err := st.CreateUser("admin", hash, store.GroupAdmin); err != nil {
		return fmt.Errorf("failed to create admin user: %w", err)
	}
	logger.Slog().Info("bootstrapped admin account")
	return nil
}
