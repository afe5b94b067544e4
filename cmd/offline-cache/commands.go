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

	offlinecache "github.com/always-cache/offline-cache"
	"github.com/always-cache/offline-cache/cache"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(installCmd)
	rootCmd.AddCommand(generationsCmd)
	rootCmd.AddCommand(purgeCmd)

	purgeCmd.Flags().Bool("all", false, "Delete every generation, including the current version")
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the agent in front of the origin",
	RunE:  handleServe,
}

var installCmd = &cobra.Command{
	Use:   "install",
	Short: "Seed the cache generation of the configured version and evict the others",
	RunE:  handleInstall,
}

var generationsCmd = &cobra.Command{
	Use:   "generations",
	Short: "List the stored cache generations",
	RunE:  handleGenerations,
}

var purgeCmd = &cobra.Command{
	Use:   "purge [name...]",
	Short: "Delete cache generations (default: all but the configured version)",
	RunE:  handlePurge,
}

// hooks builds the event hooks from the config.
func hooks(config Config, notifications *offlinecache.NotificationCenter, logger zerolog.Logger) offlinecache.Hooks {
	sync := make(map[string]offlinecache.SyncHandler, len(config.Sync.Tags))
	for _, tag := range config.Sync.Tags {
		sync[tag] = func(ctx context.Context) error {
			logger.Info().Str("tag", tag).Msg("Synchronizing data")
			return nil
		}
	}
	notification := config.Notification
	h := offlinecache.Hooks{
		Sync:         sync,
		Notification: &notification,
	}
	if notifications != nil {
		h.Notifier = notifications
	}
	return h
}

func newWorker(config Config, storage cache.Storage, metrics *offlinecache.Metrics, hooks offlinecache.Hooks) (*offlinecache.Worker, error) {
	origin, err := config.originURL()
	if err != nil {
		return nil, err
	}
	return offlinecache.NewWorker(offlinecache.Config{
		Version:            config.Version,
		Origin:             origin,
		Manifest:           config.Manifest,
		Fallback:           config.Fallback,
		Storage:            storage,
		Logger:             &log.Logger,
		Metrics:            metrics,
		SkipWaiting:        config.SkipWaiting,
		InstallConcurrency: config.Install.Concurrency,
		Hooks:              hooks,
	})
}

func handleServe(cmd *cobra.Command, args []string) error {
	config, err := resolveConfig(cmd)
	if err != nil {
		return err
	}
	origin, _ := config.originURL()

	storage, err := openStorage(config.Storage)
	if err != nil {
		return err
	}
	defer storage.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	metrics := offlinecache.NewMetrics()
	notifications := offlinecache.NewNotificationCenter()
	reg := offlinecache.NewRegistration(offlinecache.RegistrationConfig{
		Origin:      origin,
		Storage:     storage,
		Logger:      &log.Logger,
		IdleTimeout: config.Clients.IdleTimeout.Std(),
	})
	workerHooks := hooks(config, notifications, log.Logger)
	build := func() (*offlinecache.Worker, error) {
		return newWorker(config, storage, metrics, workerHooks)
	}
	// fail fast on an invalid worker config
	if _, err := build(); err != nil {
		return err
	}

	go register(ctx, reg, build, config.Install)
	go reg.Run(ctx, config.Clients.SweepInterval.Std())

	server := &http.Server{
		Addr: fmt.Sprintf(":%d", config.Port),
		Handler: offlinecache.NewHandler(reg, offlinecache.HandlerConfig{
			Logger:        &log.Logger,
			Metrics:       metrics,
			Notifications: notifications,
		}),
	}
	serveErr := make(chan error, 1)
	go func() {
		log.Info().Msgf("Proxying port %d to %s", config.Port, origin.String())
		serveErr <- server.ListenAndServe()
	}()

	select {
	case err := <-serveErr:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
	case <-ctx.Done():
		log.Info().Msg("Shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("Shutdown failed")
		}
	}

	// pending cache writes finish before the storage closes
	reg.Wait()
	return nil
}

// register installs a worker from build, retrying with a fresh worker until one
// succeeds or the context ends. Requests pass through to the origin in the meantime.
func register(ctx context.Context, reg *offlinecache.Registration, build func() (*offlinecache.Worker, error), config InstallConfig) {
	for {
		w, err := build()
		if err == nil {
			installCtx, cancel := context.WithTimeout(ctx, config.Timeout.Std())
			err = reg.Register(installCtx, w)
			cancel()
			if err == nil {
				return
			}
		}
		log.Error().Err(err).Dur("retry", config.RetryInterval.Std()).Msg("Install failed")
		select {
		case <-ctx.Done():
			return
		case <-time.After(config.RetryInterval.Std()):
		}
	}
}

func handleInstall(cmd *cobra.Command, args []string) error {
	config, err := resolveConfig(cmd)
	if err != nil {
		return err
	}
	storage, err := openStorage(config.Storage)
	if err != nil {
		return err
	}
	defer storage.Close()

	w, err := newWorker(config, storage, nil, offlinecache.Hooks{})
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(cmd.Context(), config.Install.Timeout.Std())
	defer cancel()
	if err := w.Install(ctx); err != nil {
		return err
	}
	if err := w.Activate(ctx); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Installed %s (%d resources)\n", config.Version, len(config.Manifest))
	return nil
}

func handleGenerations(cmd *cobra.Command, args []string) error {
	config, err := resolveConfig(cmd)
	if err != nil {
		return err
	}
	storage, err := openStorage(config.Storage)
	if err != nil {
		return err
	}
	defer storage.Close()

	return listGenerations(cmd.Context(), cmd.OutOrStdout(), storage, config.Version)
}

func handlePurge(cmd *cobra.Command, args []string) error {
	config, err := resolveConfig(cmd)
	if err != nil {
		return err
	}
	all, _ := cmd.Flags().GetBool("all")
	storage, err := openStorage(config.Storage)
	if err != nil {
		return err
	}
	defer storage.Close()

	deleted, err := purgeGenerations(cmd.Context(), storage, config.Version, args, all)
	for _, name := range deleted {
		fmt.Fprintf(cmd.OutOrStdout(), "Deleted %s\n", name)
	}
	return err
}
