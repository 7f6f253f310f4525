package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"dynamic-api/configs"
	"dynamic-api/internal/cache"
	"dynamic-api/internal/database"
	"dynamic-api/internal/introspect"
	"dynamic-api/internal/logger"
	"dynamic-api/internal/pool"
	"dynamic-api/internal/services"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

const (
	exitCodeSuccess = 0
	exitCodeError   = 1
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		os.Exit(exitCodeError)
	}
	os.Exit(exitCodeSuccess)
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "dynapictl",
		Short:         "Operator CLI for the dynamic SQL API",
		SilenceUsage:  true,
		SilenceErrors: false,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := cmd.Help(); err != nil {
				return fmt.Errorf("failed to show help: %w", err)
			}
			return nil
		},
	}

	rootCmd.PersistentFlags().BoolP("verbose", "v", false, "set debug logging level")

	rootCmd.AddCommand(
		newInferCmd(),
		newTablesCmd(),
		newDescribeCmd(),
		newGenerateCmd(),
		newClientCmd(),
	)
	return rootCmd
}

// app holds the services a command needs against the metadata store.
type app struct {
	cfg          *configs.Config
	log          *slog.Logger
	db           *database.DBManager
	cache        *cache.CacheManager
	registry     *pool.Registry
	auth         *services.AuthService
	endpoints    *services.EndpointService
	datasources  *services.DatasourceService
	introspector *introspect.Introspector
}

func openApp(cmd *cobra.Command) (*app, error) {
	verbose, err := cmd.Root().PersistentFlags().GetBool("verbose")
	if err != nil {
		return nil, fmt.Errorf("failed to get verbose flag: %w", err)
	}

	cfg, err := configs.LoadConfig()
	if err != nil {
		return nil, err
	}
	level := "warn"
	if verbose {
		level = "debug"
	}
	log := logger.NewWithWriter(cmd.ErrOrStderr(), level)

	db, err := database.NewDBManager(cfg, log)
	if err != nil {
		return nil, err
	}

	a := &app{cfg: cfg, log: log, db: db}
	// Edits made here reach running servers through the metadata channel.
	a.cache = cache.NewCacheManager(cfg.RedisURL, log)
	a.registry = pool.NewRegistry(cfg.PoolMaxConnections, log)
	a.auth = services.NewAuthService(cfg, db, log)
	a.endpoints = services.NewEndpointService(db, a.cache, log)
	a.datasources = services.NewDatasourceService(db, a.auth, a.registry, a.cache, log)
	a.introspector = introspect.New(a.registry, log)
	return a, nil
}

func (a *app) Close() {
	a.registry.CloseAll()
	a.cache.Close()
	a.db.Close()
}

// poolConfig loads a datasource with its decrypted credentials.
func (a *app) poolConfig(ctx context.Context, id uint) (pool.DatasourceConfig, error) {
	ds, err := a.datasources.Get(ctx, id)
	if err != nil {
		return pool.DatasourceConfig{}, fmt.Errorf("datasource %d: %w", id, err)
	}
	return a.datasources.PoolConfig(ds)
}

func printYAML(w io.Writer, v any) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("failed to encode output: %w", err)
	}
	return enc.Close()
}
