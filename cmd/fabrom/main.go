package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"github.com/MikeSquared-Agency/fabrom/internal/config"
	"github.com/MikeSquared-Agency/fabrom/internal/store"
)

var rootCmd = &cobra.Command{
	Use:           "fabrom",
	Short:         "AI assistant that writes static sites into a local directory",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.AddCommand(newServeCmd())
	rootCmd.AddCommand(newMigrateCmd())
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "fabrom: %v\n", err)
		os.Exit(1)
	}
}

func newMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:       "migrate [up|down|status]",
		Short:     "Apply or inspect the Postgres schema",
		Args:      cobra.MatchAll(cobra.MaximumNArgs(1), cobra.OnlyValidArgs),
		ValidArgs: []string{"up", "down", "status"},
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.Load()
			setupLogging(cfg.LogLevel)

			command := "up"
			if len(args) == 1 {
				command = args[0]
			}
			if cfg.DatabaseURL == "" {
				return fmt.Errorf("DATABASE_URL is required for migrate")
			}

			ctx := cmd.Context()
			db, err := store.New(ctx, cfg.DatabaseURL)
			if err != nil {
				return fmt.Errorf("connect to database: %w", err)
			}
			defer db.Close()

			if err := db.Migrate(ctx, command); err != nil {
				return err
			}
			slog.Info("migrations applied", "command", command)
			return nil
		},
	}
}

// setupLogging installs the default logger: JSON for services, text when a
// person is watching the terminal.
func setupLogging(level string) {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: lvl}

	var handler slog.Handler
	if fd := os.Stdout.Fd(); isatty.IsTerminal(fd) || isatty.IsCygwinTerminal(fd) {
		handler = slog.NewTextHandler(os.Stdout, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}
	slog.SetDefault(slog.New(handler))
}
