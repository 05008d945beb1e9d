package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/feltworks/routesync/internal/auth"
	"github.com/feltworks/routesync/internal/config"
	"github.com/feltworks/routesync/internal/connectivity"
	"github.com/feltworks/routesync/internal/credentials"
	"github.com/feltworks/routesync/internal/database"
	"github.com/feltworks/routesync/internal/logging"
	"github.com/feltworks/routesync/internal/outbox"
	"github.com/feltworks/routesync/internal/remote"
	"github.com/feltworks/routesync/internal/server"
	"github.com/feltworks/routesync/internal/session"
	"github.com/feltworks/routesync/internal/store"
	"github.com/feltworks/routesync/internal/syncer"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

var (
	cfgFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "routesync-agent",
		Short: "Offline-first sync and authentication agent for route operations",
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAgent(cmd.Context())
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
	cmd.PersistentFlags().String("remote-base-url", defaults.GetString("remote.base_url"), "Remote collaborator base URL")
	cmd.PersistentFlags().Int("sync-batch-size", defaults.GetInt("sync.batch_size"), "Outbox operations drained per pass")
	cmd.PersistentFlags().Int("sync-interval-s", defaults.GetInt("sync.interval_s"), "Seconds between periodic sync passes")
	cmd.PersistentFlags().Int("sync-workers", defaults.GetInt("sync.workers"), "Concurrent entity groups per pass")
	cmd.PersistentFlags().Int("token-ttl-minutes", defaults.GetInt("auth.token_ttl_minutes"), "Agent token TTL in minutes")
	cmd.PersistentFlags().String("signing-secret", "", "Agent token signing secret (overrides env)")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "remote.base_url", "remote-base-url")
	bindFlag(cmd, "sync.batch_size", "sync-batch-size")
	bindFlag(cmd, "sync.interval_s", "sync-interval-s")
	bindFlag(cmd, "sync.workers", "sync-workers")
	bindFlag(cmd, "auth.token_ttl_minutes", "token-ttl-minutes")
	bindFlag(cmd, "auth.signing_secret", "signing-secret")
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

func runAgent(ctx context.Context) error {
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

	outboxService, err := outbox.NewService(outbox.ServiceConfig{
		Database:    db,
		Clock:       time.Now,
		KeyProvider: outbox.NewUUIDKeyProvider(),
		Logger:      logging.Component(logger, "outbox"),
	})
	if err != nil {
		return err
	}

	credentialStore, err := credentials.NewStore(credentials.StoreConfig{
		Database: db,
		Logger:   logging.Component(logger, "credentials"),
	})
	if err != nil {
		return err
	}

	sessionState, err := session.NewState(session.StateConfig{
		Database: db,
		Clock:    time.Now,
		Logger:   logging.Component(logger, "session"),
	})
	if err != nil {
		return err
	}

	monitor := connectivity.NewMonitor(logging.Component(logger, "connectivity"))

	documentClient, err := remote.NewDocumentClient(remote.DocumentClientConfig{
		BaseURL: appConfig.RemoteBaseURL,
		APIKey:  appConfig.RemoteAPIKey,
		Timeout: appConfig.RemoteTimeout,
		Logger:  logging.Component(logger, "remote.documents"),
	})
	if err != nil {
		return err
	}

	identityClient, err := remote.NewIdentityClient(remote.IdentityClientConfig{
		BaseURL: appConfig.RemoteBaseURL,
		APIKey:  appConfig.RemoteAPIKey,
		Timeout: appConfig.RemoteTimeout,
		Clock:   time.Now,
		Logger:  logging.Component(logger, "remote.identity"),
	})
	if err != nil {
		return err
	}

	documentService, err := store.NewService(store.ServiceConfig{
		Database: db,
		Outbox:   outboxService,
		Clock:    time.Now,
		Logger:   logging.Component(logger, "store"),
	})
	if err != nil {
		return err
	}

	processor, err := syncer.NewProcessor(syncer.ProcessorConfig{
		Outbox:       outboxService,
		Documents:    documentClient,
		Sessions:     sessionState,
		Connectivity: monitor,
		Clock:        time.Now,
		Logger:       logging.Component(logger, "syncer"),
		BatchSize:    appConfig.SyncBatchSize,
		Workers:      appConfig.SyncWorkers,
		Interval:     appConfig.SyncInterval,
		BackoffBase:  appConfig.BackoffBase,
		RetentionAge: appConfig.RetentionAge,
	})
	if err != nil {
		return err
	}

	coordinator, err := auth.NewCoordinator(auth.CoordinatorConfig{
		Database:       db,
		Credentials:    credentialStore,
		Sessions:       sessionState,
		Identity:       identityClient,
		Outbox:         outboxService,
		Connectivity:   monitor,
		Syncer:         processor,
		RootIdentities: appConfig.RootIdentities,
		Clock:          time.Now,
		Logger:         logging.Component(logger, "auth"),
	})
	if err != nil {
		return err
	}

	tokenIssuer := server.NewTokenIssuer(server.TokenIssuerConfig{
		SigningSecret: []byte(appConfig.SigningSecret),
		Issuer:        "routesync-agent",
		TokenTTL:      appConfig.TokenTTL,
	})

	handler, err := server.NewHTTPHandler(server.Dependencies{
		Coordinator:  coordinator,
		Tokens:       tokenIssuer,
		Documents:    documentService,
		Syncer:       processor,
		Outbox:       outboxService,
		Sessions:     sessionState,
		Connectivity: monitor,
		Logger:       logging.Component(logger, "server"),
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

	go processor.Run(signalCtx)
	go coordinator.WatchConnectivity(signalCtx)
	if appConfig.ProbeEnabled {
		go monitor.RunProbe(signalCtx, connectivity.ProbeConfig{
			URL:      appConfig.RemoteBaseURL,
			Interval: appConfig.ProbeInterval,
			Timeout:  appConfig.RemoteTimeout,
		})
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("agent starting", zap.String("address", appConfig.HTTPAddress))
		err := httpServer.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-signalCtx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}
