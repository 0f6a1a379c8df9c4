package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/MikeSquared-Agency/fabrom/internal/api"
	"github.com/MikeSquared-Agency/fabrom/internal/config"
	"github.com/MikeSquared-Agency/fabrom/internal/coordinator"
	"github.com/MikeSquared-Agency/fabrom/internal/gateway"
	"github.com/MikeSquared-Agency/fabrom/internal/hermes"
	"github.com/MikeSquared-Agency/fabrom/internal/images"
	"github.com/MikeSquared-Agency/fabrom/internal/relay"
	"github.com/MikeSquared-Agency/fabrom/internal/store"
	"github.com/MikeSquared-Agency/fabrom/internal/store/boltstore"
	"github.com/MikeSquared-Agency/fabrom/internal/upstream"
	"github.com/MikeSquared-Agency/fabrom/internal/workspace"
)

// backend is what both the coordinator and the relay need from storage.
type backend interface {
	coordinator.Backend
	relay.Ledger
}

func newServeCmd() *cobra.Command {
	var (
		port int
		dir  string
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API, the generation relay and the workspace coordinator",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.Load()
			if cmd.Flags().Changed("port") {
				cfg.Port = port
			}
			if dir != "" {
				cfg.Workspace = dir
			}
			setupLogging(cfg.LogLevel)
			return serve(cmd.Context(), cfg)
		},
	}
	cmd.Flags().IntVar(&port, "port", 0, "listen port (overrides FABROM_PORT)")
	cmd.Flags().StringVar(&dir, "workspace", "", "directory to open at start (overrides FABROM_WORKSPACE)")
	return cmd
}

func serve(parent context.Context, cfg config.Config) error {
	ctx, cancel := context.WithCancel(parent)
	defer cancel()
	logger := slog.Default()

	slog.Info("fabrom starting", "port", cfg.Port)

	// Storage
	db, closeDB, err := openBackend(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeDB.Close()

	// NATS/Hermes (optional)
	var events hermes.Publisher = hermes.Disabled{}
	if cfg.NatsURL != "" {
		hermesClient, err := hermes.NewClient(ctx, cfg.NatsURL, cfg.NatsToken, logger)
		if err != nil {
			return fmt.Errorf("connect to NATS: %w", err)
		}
		defer hermesClient.Close()
		events = hermesClient
		slog.Info("NATS connected", "url", cfg.NatsURL)
	} else {
		slog.Warn("NATS not configured, events disabled")
	}

	// Upstream model and relay
	if cfg.GatewayKey == "" {
		slog.Warn("LLM_GATEWAY_KEY not set, the local relay will be rejected upstream")
	}
	model := upstream.NewClient(cfg.GatewayURL, cfg.GatewayKey, cfg.Model)
	relayHandler := relay.New(db, model, cfg.APIToken, logger)
	slog.Info("relay ready", "model", model.Model())

	// Image hosting (optional)
	uploader := images.NewCloudinary(cfg.CloudinaryCloud, cfg.CloudinaryKey, cfg.CloudinarySecret, cfg.CloudinaryFolder, logger)
	if !uploader.Configured() {
		slog.Warn("cloudinary not configured, image uploads disabled")
	}

	// Coordinator
	coord := coordinator.New(db, gateway.NewClient(cfg.RelayURL, logger), uploader, events, coordinator.Options{
		Permissions:   workspace.Static{Read: true, Write: !cfg.ReadOnly},
		AutoSaveDelay: cfg.AutoSave,
		Watch:         cfg.WatchChanges,
	}, logger)
	defer coord.Close()

	if cfg.Workspace != "" {
		if st, err := coord.OpenWorkspace(cfg.Workspace); err != nil {
			slog.Warn("failed to open startup workspace", "dir", cfg.Workspace, "error", err)
		} else {
			slog.Info("workspace ready", "root", st.Root, "active_file", st.ActiveFile)
		}
	}

	// HTTP API
	srv := api.NewServer(cfg.Port, cfg.APIToken, coord, relayHandler, logger)
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	slog.Info("fabrom ready", "port", cfg.Port, "relay_url", cfg.RelayURL, "read_only", cfg.ReadOnly)

	// Graceful shutdown
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-sigCh:
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("HTTP server: %w", err)
		}
	}
	slog.Info("shutting down")

	shutdownCtx, stop := context.WithTimeout(context.Background(), 5*time.Second)
	defer stop()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Warn("HTTP shutdown incomplete", "error", err)
	}
	slog.Info("fabrom stopped")
	return nil
}

type closerFunc func() error

func (f closerFunc) Close() error { return f() }

// openBackend connects to Postgres and migrates it when DATABASE_URL is
// set; otherwise it opens the embedded store under the data directory.
func openBackend(ctx context.Context, cfg config.Config) (backend, io.Closer, error) {
	if cfg.DatabaseURL != "" {
		db, err := store.New(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, nil, fmt.Errorf("connect to database: %w", err)
		}
		if err := db.Migrate(ctx, "up"); err != nil {
			db.Close()
			return nil, nil, err
		}
		slog.Info("database connected", "backend", "postgres")
		return db, closerFunc(func() error { db.Close(); return nil }), nil
	}

	path := filepath.Join(cfg.DataDir, "fabrom.db")
	db, err := boltstore.Open(path)
	if err != nil {
		return nil, nil, fmt.Errorf("open embedded store: %w", err)
	}
	slog.Info("database opened", "backend", "bolt", "path", path)
	return db, db, nil
}
