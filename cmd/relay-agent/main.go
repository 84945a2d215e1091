package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/freightpoint/relay/internal/agent"
	"github.com/freightpoint/relay/internal/cache"
	"github.com/freightpoint/relay/internal/config"
	"github.com/freightpoint/relay/internal/database"
	"github.com/freightpoint/relay/internal/logging"
	"github.com/freightpoint/relay/internal/notify"
	"github.com/freightpoint/relay/internal/queue"
	"github.com/freightpoint/relay/internal/server"
	"github.com/freightpoint/relay/internal/submit"
	"github.com/freightpoint/relay/internal/transport"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

var (
	cfgFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "relay-agent",
		Short: "FreightPoint offline sync agent",
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
	cmd.PersistentFlags().String("http-address", defaults.GetString("http.address"), "Loopback HTTP listen address")
	cmd.PersistentFlags().String("ui-origin", defaults.GetString("http.ui_origin"), "Allowed UI origin for CORS")
	cmd.PersistentFlags().String("backend-url", defaults.GetString("backend.url"), "Hosted backend base URL")
	cmd.PersistentFlags().String("database-path", defaults.GetString("database.path"), "SQLite database path")
	cmd.PersistentFlags().String("recipient-id", defaults.GetString("recipient.id"), "Recipient identifier for notifications")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().Duration("drain-interval", defaults.GetDuration("drain.interval"), "Periodic drain interval")
	cmd.PersistentFlags().Float64("drain-rate", defaults.GetFloat64("drain.rate"), "Maximum queue sends per second")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "http.ui_origin", "ui-origin")
	bindFlag(cmd, "backend.url", "backend-url")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "recipient.id", "recipient-id")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "drain.interval", "drain-interval")
	bindFlag(cmd, "drain.rate", "drain-rate")
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

	tokens := transport.NewTokenSource(transport.TokenSourceConfig{
		InitialToken: os.Getenv("RELAY_BACKEND_TOKEN"),
	})

	backend, err := transport.NewHTTPBackend(transport.HTTPBackendConfig{
		BaseURL:      appConfig.BackendURL,
		Tokens:       tokens,
		SendTimeout:  appConfig.SendTimeout,
		ProbeTimeout: appConfig.ProbeTimeout,
		Logger:       logger,
	})
	if err != nil {
		return err
	}

	writeQueue, err := queue.NewService(queue.ServiceConfig{
		Database: db,
		Clock:    time.Now,
		Logger:   logger,
	})
	if err != nil {
		return err
	}

	broadcaster := notify.NewBroadcaster()
	store := cache.NewStore()
	store.SetListener(server.PublishCacheHint(broadcaster, time.Now))

	pipeline, err := notify.NewPipeline(notify.PipelineConfig{
		Database:    db,
		Broadcaster: broadcaster,
		Clock:       time.Now,
		Logger:      logger,
	})
	if err != nil {
		return err
	}

	worker, err := agent.NewWorker(agent.WorkerConfig{
		Queue:       writeQueue,
		Backend:     backend,
		Pipeline:    pipeline,
		RecipientID: appConfig.RecipientID,
		Reconcile: func(localEntityID string, envelope transport.RecordEnvelope) {
			if envelope.RecordID != localEntityID {
				store.DropLocal(envelope.Table, localEntityID)
			}
			if _, err := store.Reconcile(envelope.Table, cache.Record{
				ID:                     envelope.RecordID,
				Version:                envelope.Version,
				ServerTimestampSeconds: envelope.ServerTimestampSeconds,
				Data:                   envelope.Data,
			}); err != nil {
				logger.Warn("reconcile after drain failed", zap.Error(err))
			}
		},
		Limiter:       rate.NewLimiter(rate.Limit(appConfig.DrainRate), 1),
		DrainInterval: appConfig.DrainInterval,
		Logger:        logger,
	})
	if err != nil {
		return err
	}

	pump, err := agent.NewPump(agent.PumpConfig{
		Backend:  backend,
		Cache:    store,
		Pipeline: pipeline,
		Worker:   worker,
		Filters: transport.SubscriptionFilters{
			RecipientID: appConfig.RecipientID,
			Tables:      []string{submit.TableOrders, submit.TableDeliveries},
		},
		Logger: logger,
	})
	if err != nil {
		return err
	}

	facade, err := submit.NewFacade(submit.FacadeConfig{
		Queue:      writeQueue,
		Cache:      store,
		Backend:    backend,
		IDProvider: submit.NewUUIDProvider(),
		Clock:      time.Now,
		Logger:     logger,
	})
	if err != nil {
		return err
	}

	handler, err := server.NewHTTPHandler(server.Dependencies{
		Facade:      facade,
		Cache:       store,
		Pipeline:    pipeline,
		Queue:       writeQueue,
		Broadcaster: broadcaster,
		Backend:     backend,
		RecipientID: appConfig.RecipientID,
		UIOrigin:    appConfig.UIOrigin,
		Clock:       time.Now,
		Logger:      logger,
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

	runCtx, cancel := context.WithCancel(signalCtx)
	defer cancel()

	var background sync.WaitGroup
	background.Add(2)
	go func() {
		defer background.Done()
		worker.Run(runCtx)
	}()
	go func() {
		defer background.Done()
		pump.Run(runCtx)
	}()

	if err := backend.RegisterPush(runCtx, transport.PushRegistration{
		RecipientID: appConfig.RecipientID,
		DeviceToken: appConfig.RecipientID,
	}); err != nil {
		logger.Warn("push registration failed, relying on live subscription", zap.Error(err))
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
	case err := <-errCh:
		cancel()
		background.Wait()
		return err
	}

	cancel()
	background.Wait()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	return httpServer.Shutdown(shutdownCtx)
}
