package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/andresmejia3/sentinel-edge/internal/config"
	"github.com/andresmejia3/sentinel-edge/internal/logging"
	"github.com/andresmejia3/sentinel-edge/internal/store"
	"github.com/andresmejia3/sentinel-edge/internal/utils"
)

var (
	// DB is the optional local store, opened by the commands that need it.
	DB *store.Store
	// Logger is the process logger, rebuilt from the config once it is loaded.
	Logger = zap.NewNop()

	configPath string
	dbURL      string
	debug      bool
)

// Version is the application version.
const Version = "0.1.0"

var rootCmd = &cobra.Command{
	Use:     "sentinel-edge",
	Short:   "Edge face recognition for retail cameras",
	Version: Version,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		logger, err := newLogger(nil)
		if err != nil {
			return err
		}
		Logger = logger
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if DB != nil {
			DB.Close()
		}
		_ = Logger.Sync()
	},
}

func Execute() {
	// Create a context that listens for Ctrl+C (SIGINT) or Kill (SIGTERM)
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rootCmd.SetVersionTemplate(`{{printf "%s\n" .Version}}`)

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to cameras.yaml (default: ./cameras.yaml, ~/cameras.yaml, /etc/sentinel-edge/cameras.yaml)")
	rootCmd.PersistentFlags().StringVar(&dbURL, "db", "", "PostgreSQL connection string for the local store")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "Enable debug logging")
}

// newLogger builds the logger from cfg, or from the defaults when cfg is nil.
// --debug always wins over the configured level.
func newLogger(cfg *config.Config) (*zap.Logger, error) {
	level, format := "info", "console"
	if cfg != nil {
		level, format = cfg.Log.Level, cfg.Log.Format
	}
	if debug {
		level = "debug"
	}
	return logging.New(level, format)
}

// mustLoadConfig loads and validates the config and rebuilds Logger from it.
func mustLoadConfig() *config.Config {
	cfg, err := config.Load(configPath)
	if err != nil {
		utils.Die("Invalid configuration", err, nil)
	}
	logger, err := newLogger(cfg)
	if err != nil {
		utils.Die("Invalid log settings", err, nil)
	}
	Logger = logger
	return cfg
}

// optionalConfig loads the config for commands that can run without one.
func optionalConfig() *config.Config {
	cfg, err := config.Load(configPath)
	if err != nil {
		Logger.Debug("Continuing without config", zap.Error(err))
		return nil
	}
	return cfg
}

// resolveDBURL picks the store connection string: --db, then the config or
// SENTINEL_DB_URL, then the POSTGRES_* variables. Empty means no store.
func resolveDBURL(cfg *config.Config) string {
	if dbURL != "" {
		return dbURL
	}
	if cfg != nil && cfg.Store.URL != "" {
		return cfg.Store.URL
	}
	if v := os.Getenv(config.EnvStoreURL); v != "" {
		return v
	}
	if host := os.Getenv("POSTGRES_HOST"); host != "" {
		user := os.Getenv("POSTGRES_USER")
		pass := os.Getenv("POSTGRES_PASSWORD")
		name := os.Getenv("POSTGRES_DB")
		port := os.Getenv("POSTGRES_PORT")
		if port == "" {
			port = "5432"
		}
		return fmt.Sprintf("postgres://%s:%s@%s:%s/%s", user, pass, host, port, name)
	}
	return ""
}

// mustOpenStore connects DB or exits. Store commands fall back to a local
// default database when nothing is configured.
func mustOpenStore(ctx context.Context, cfg *config.Config) *store.Store {
	url := resolveDBURL(cfg)
	if url == "" {
		url = "postgres://localhost:5432/sentinel"
	}
	s, err := store.New(ctx, url)
	if err != nil {
		utils.Die("Failed to connect to database", err, nil)
	}
	DB = s
	return s
}
