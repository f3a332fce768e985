package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/orangetask/sync/internal/config"
	"github.com/orangetask/sync/internal/database"
	"github.com/orangetask/sync/internal/devicelock"
	"github.com/orangetask/sync/internal/journal"
	"github.com/orangetask/sync/internal/localstore"
	"github.com/orangetask/sync/internal/logging"
	"github.com/orangetask/sync/internal/pages"
	"github.com/orangetask/sync/internal/reconciler"
	"github.com/orangetask/sync/internal/remote"
	"github.com/orangetask/sync/internal/syncer"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

var cfgFile string

func main() {
	rootCmd := &cobra.Command{
		Use:   "orangetask-sync",
		Short: "OrangeTask local sync daemon",
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDaemon(cmd.Context())
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
	cmd.PersistentFlags().String("database-path", defaults.GetString("database.path"), "SQLite database path")
	cmd.PersistentFlags().String("lock-dir", defaults.GetString("lock.dir"), "Directory for cross-process lock files")
	cmd.PersistentFlags().String("user-id", "", "User to synchronize for")
	cmd.PersistentFlags().String("authority-url", "", "Base URL of the page authority")
	cmd.PersistentFlags().String("authority-token", "", "Bearer token for the authority (overrides env)")
	cmd.PersistentFlags().Duration("pull-interval", defaults.GetDuration("sync.pull_interval"), "Cadence of remote pulls")
	cmd.PersistentFlags().Duration("push-interval", defaults.GetDuration("sync.push_interval"), "Cadence of queue drains")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")

	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "lock.dir", "lock-dir")
	bindFlag(cmd, "sync.user_id", "user-id")
	bindFlag(cmd, "authority.base_url", "authority-url")
	bindFlag(cmd, "authority.token", "authority-token")
	bindFlag(cmd, "sync.pull_interval", "pull-interval")
	bindFlag(cmd, "sync.push_interval", "push-interval")
	bindFlag(cmd, "log.level", "log-level")
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

func runDaemon(ctx context.Context) error {
	appConfig, err := config.LoadEngine(viper.GetViper())
	if err != nil {
		return err
	}

	logger, err := logging.NewLogger(appConfig.LogLevel)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	db, err := database.OpenEngine(appConfig.DatabasePath, logger)
	if err != nil {
		return err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	defer sqlDB.Close()

	store, err := localstore.NewStore(localstore.StoreConfig{
		Database: db,
		Logger:   logger,
	})
	if err != nil {
		return err
	}

	locks, err := devicelock.NewManager(devicelock.ManagerConfig{
		Dir:    appConfig.LockDir,
		Logger: logger,
	})
	if err != nil {
		return err
	}

	authorityClient, err := remote.NewClient(remote.ClientConfig{
		BaseURL:    appConfig.AuthorityBaseURL,
		Token:      appConfig.AuthorityToken,
		HTTPClient: &http.Client{Timeout: appConfig.AuthorityTimeout},
		Logger:     logger,
	})
	if err != nil {
		return err
	}

	statuses := pages.NewStatusStore()
	syncService, err := syncer.NewService(syncer.ServiceConfig{
		Store:           store,
		Remote:          authorityClient,
		Locks:           locks,
		Statuses:        statuses,
		IDProvider:      pages.NewUUIDProvider(),
		Clock:           time.Now,
		Logger:          logger,
		UserID:          appConfig.UserID,
		MaxPushAttempts: int64(appConfig.MaxPushAttempts),
	})
	if err != nil {
		return err
	}

	journalService, err := journal.NewService(journal.ServiceConfig{
		Store:  store,
		Syncer: syncService,
		Clock:  time.Now,
		Logger: logger,
	})
	if err != nil {
		return err
	}

	engine, err := reconciler.New(reconciler.Config{
		Store:           store,
		Statuses:        statuses,
		Syncer:          syncService,
		Journal:         journalService,
		Clock:           time.Now,
		Logger:          logger,
		FlushWindow:     appConfig.FlushWindow,
		StatusTick:      appConfig.StatusTick,
		PushInterval:    appConfig.PushInterval,
		PullInterval:    appConfig.PullInterval,
		JournalInterval: appConfig.JournalInterval,
	})
	if err != nil {
		return err
	}

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info("sync daemon starting",
		zap.String("user_id", appConfig.UserID),
		zap.String("authority", appConfig.AuthorityBaseURL))

	if _, err := syncService.PerformSync(signalCtx); err != nil {
		logger.Warn("initial sync failed", zap.Error(err))
	}

	if err := engine.Run(signalCtx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
