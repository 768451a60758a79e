package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/Me-Souly/collaborative-md-editor-sub000/internal/access"
	"github.com/Me-Souly/collaborative-md-editor-sub000/internal/auth"
	"github.com/Me-Souly/collaborative-md-editor-sub000/internal/collab"
	"github.com/Me-Souly/collaborative-md-editor-sub000/internal/config"
	"github.com/Me-Souly/collaborative-md-editor-sub000/internal/database"
	"github.com/Me-Souly/collaborative-md-editor-sub000/internal/logging"
	"github.com/Me-Souly/collaborative-md-editor-sub000/internal/server"
	"github.com/Me-Souly/collaborative-md-editor-sub000/internal/store"
)

const shutdownGrace = 10 * time.Second

var (
	cfgFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "collab-sync",
		Short: "Realtime document synchronization service",
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
	}

	setupFlags(rootCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func setupFlags(cmd *cobra.Command) {
	config.ApplyDefaults(viper.GetViper())
	defaults := config.NewViper()
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to configuration file")
	cmd.PersistentFlags().String("http-address", defaults.GetString("http.address"), "HTTP listen address")
	cmd.PersistentFlags().String("database-path", defaults.GetString("database.path"), "SQLite database path")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("signing-secret", "", "Token signing secret (overrides env)")
	cmd.PersistentFlags().String("token-issuer", defaults.GetString("auth.issuer"), "JWT issuer claim")
	cmd.PersistentFlags().String("token-audience", defaults.GetString("auth.audience"), "JWT audience claim")
	cmd.PersistentFlags().Duration("handshake-timeout", defaults.GetDuration("sync.handshake_timeout"), "Time a socket may stay unauthenticated")
	cmd.PersistentFlags().Duration("idle-eviction-delay", defaults.GetDuration("sync.idle_eviction_delay"), "Delay before an idle document is evicted")
	cmd.PersistentFlags().Duration("flush-debounce", defaults.GetDuration("sync.flush_debounce"), "Quiet period before a dirty document is persisted")
	cmd.PersistentFlags().Duration("flush-max-interval", defaults.GetDuration("sync.flush_max_interval"), "Upper bound between persists of a dirty document")
	cmd.PersistentFlags().Duration("quiet-window", defaults.GetDuration("sync.quiet_window"), "Inactivity window required before compaction")
	cmd.PersistentFlags().Int("compaction-threshold-bytes", defaults.GetInt("sync.compaction_threshold_bytes"), "Encoded size beyond which a quiet document is compacted")
	cmd.PersistentFlags().Duration("cache-ttl", defaults.GetDuration("cache.ttl"), "Snapshot cache entry lifetime")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "auth.signing_secret", "signing-secret")
	bindFlag(cmd, "auth.issuer", "token-issuer")
	bindFlag(cmd, "auth.audience", "token-audience")
	bindFlag(cmd, "sync.handshake_timeout", "handshake-timeout")
	bindFlag(cmd, "sync.idle_eviction_delay", "idle-eviction-delay")
	bindFlag(cmd, "sync.flush_debounce", "flush-debounce")
	bindFlag(cmd, "sync.flush_max_interval", "flush-max-interval")
	bindFlag(cmd, "sync.quiet_window", "quiet-window")
	bindFlag(cmd, "sync.compaction_threshold_bytes", "compaction-threshold-bytes")
	bindFlag(cmd, "cache.ttl", "cache-ttl")
}

func bindFlag(cmd *cobra.Command, key, flag string) {
	if err := viper.BindPFlag(key, cmd.PersistentFlags().Lookup(flag)); err != nil {
		panic(err)
	}
}

func initConfig() error {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	}

	if err := viper.ReadInConfig(); err != nil {
		var configNotFound viper.ConfigFileNotFoundError
		if cfgFile != "" && errors.As(err, &configNotFound) {
			return err
		}
	}

	return nil
}

func runServer(ctx context.Context) error {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return err
	}

	logger, err := logging.NewLogger(appConfig.LogLevel)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	db, err := database.OpenSQLite(appConfig.DatabasePath, logger)
	if err != nil {
		return err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	defer sqlDB.Close()

	tokenManager, err := auth.NewTokenIssuer(auth.TokenIssuerConfig{
		SigningSecret: []byte(appConfig.SigningSecret),
		Issuer:        appConfig.TokenIssuer,
		Audience:      appConfig.TokenAudience,
	})
	if err != nil {
		return err
	}

	permissions, err := access.NewResolver(access.ResolverConfig{
		Database: db,
		Logger:   logger,
	})
	if err != nil {
		return err
	}

	snapshots, err := store.NewAdapter(store.AdapterConfig{
		Database: db,
		Cache:    store.NewCache(appConfig.CacheTTL, time.Now),
		Clock:    time.Now,
		Logger:   logger,
	})
	if err != nil {
		return err
	}

	registry, err := collab.NewRegistry(collab.RegistryConfig{
		Store: snapshots,
		Timings: collab.Timings{
			HandshakeTimeout:         appConfig.HandshakeTimeout,
			IdleEvictionDelay:        appConfig.IdleEvictionDelay,
			FlushDebounce:            appConfig.FlushDebounce,
			FlushMaxInterval:         appConfig.FlushMaxInterval,
			QuietWindow:              appConfig.QuietWindow,
			CompactionThresholdBytes: appConfig.CompactionThresholdBytes,
		},
		Logger: logger,
		Clock:  time.Now,
	})
	if err != nil {
		return err
	}

	presence := collab.NewPresenceTracker()

	gatekeeper, err := collab.NewGatekeeper(collab.GatekeeperConfig{
		Registry:         registry,
		Presence:         presence,
		Tokens:           tokenManager,
		Permissions:      permissions,
		Epoch:            collab.NewServerEpoch(time.Now),
		HandshakeTimeout: appConfig.HandshakeTimeout,
		Logger:           logger,
	})
	if err != nil {
		return err
	}

	handler, err := server.NewHTTPHandler(server.Dependencies{
		TokenManager: tokenManager,
		Gatekeeper:   gatekeeper,
		Presence:     presence,
		Logger:       logger,
	})
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:    appConfig.HTTPAddress,
		Handler: handler,
	}

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server starting", zap.String("address", appConfig.HTTPAddress))
		err := httpServer.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-signalCtx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		logger.Info("server stopping; flushing live documents")
		registry.FlushAll(shutdownCtx)
		return httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}
