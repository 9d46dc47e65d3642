package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/akylbek/payment-system/auction-settlement/internal/api"
	"github.com/akylbek/payment-system/auction-settlement/internal/events"
	"github.com/akylbek/payment-system/auction-settlement/internal/telemetry"
)

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API, scheduler and provider event consumer",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe()
		},
	}
}

func runServe() error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	defer telemetry.Shutdown(context.Background())

	telemetry.Logger.Info("Starting auction settlement service",
		zap.String("version", cfg.Version),
		zap.String("database", cfg.Database.Driver),
		zap.String("provider", cfg.Provider.Mode),
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	// Background workers
	go a.scheduler.Run(ctx)

	consumerDone := make(chan struct{})
	if cfg.Kafka.Enabled() {
		reader := events.NewReader(cfg.Kafka.Brokers, cfg.Kafka.ProviderEventsTopic, cfg.Kafka.GroupID)
		consumer := events.NewProviderEventConsumer(reader, a.webhooks)
		go func() {
			defer close(consumerDone)
			if err := consumer.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				telemetry.Logger.Error("Provider event consumer stopped", zap.Error(err))
			}
		}()
	} else {
		close(consumerDone)
	}

	router := api.NewRouter(api.Deps{
		ServiceName: cfg.ServiceName,
		Coordinator: a.coordinator,
		Bidding:     a.bidding,
		Holds:       a.holds,
		Engine:      a.engine,
		Webhooks:    a.webhooks,
		Broadcaster: a.broadcaster,
		Trigger:     a.scheduler,
		RateLimit:   cfg.RateLimit,
	})

	// Setup HTTP server
	srv := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	serverErr := make(chan error, 1)
	go func() {
		telemetry.Logger.Info("HTTP server listening", zap.String("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-serverErr:
		telemetry.Logger.Error("HTTP server failed", zap.Error(err))
		stop()
	}

	telemetry.Logger.Info("Shutting down...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		telemetry.Logger.Error("Server forced to shutdown", zap.Error(err))
	}
	if err := a.scheduler.Shutdown(shutdownCtx); err != nil {
		telemetry.Logger.Error("Settlement workers did not finish", zap.Error(err))
	}
	select {
	case <-consumerDone:
	case <-shutdownCtx.Done():
	}

	telemetry.Logger.Info("Server exited")
	return nil
}
