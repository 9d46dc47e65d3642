package main

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/akylbek/payment-system/auction-settlement/internal/broadcast"
	"github.com/akylbek/payment-system/auction-settlement/internal/clock"
	"github.com/akylbek/payment-system/auction-settlement/internal/config"
	"github.com/akylbek/payment-system/auction-settlement/internal/events"
	"github.com/akylbek/payment-system/auction-settlement/internal/interfaces"
	"github.com/akylbek/payment-system/auction-settlement/internal/lock"
	"github.com/akylbek/payment-system/auction-settlement/internal/provider"
	"github.com/akylbek/payment-system/auction-settlement/internal/repository"
	"github.com/akylbek/payment-system/auction-settlement/internal/repository/memory"
	"github.com/akylbek/payment-system/auction-settlement/internal/service"
	"github.com/akylbek/payment-system/auction-settlement/internal/telemetry"
)

type repositories struct {
	auctions    interfaces.AuctionRepository
	holds       interfaces.HoldRepository
	settlements interfaces.SettlementRepository
	processed   interfaces.ProcessedEventRepository
}

// app holds every wired component. closers run in reverse order on Close.
type app struct {
	cfg         *config.Config
	clock       clock.Clock
	repos       repositories
	broadcaster *broadcast.Broadcaster
	publisher   *events.KafkaPublisher
	holds       *service.HoldManager
	coordinator *service.BidCoordinator
	bidding     *service.BiddingService
	engine      *service.SettlementEngine
	webhooks    *service.WebhookReconciler
	scheduler   *service.Scheduler

	closers []func()
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if err := telemetry.InitTelemetry(cfg.ServiceName, telemetry.Options{
		LogLevel:       cfg.LogLevel,
		TracingEnabled: cfg.Telemetry.TracingEnabled,
		JaegerEndpoint: cfg.Telemetry.JaegerEndpoint,
		Version:        cfg.Version,
	}); err != nil {
		return nil, fmt.Errorf("initialize telemetry: %w", err)
	}
	return cfg, nil
}

func openDatabase(ctx context.Context, cfg config.DatabaseConfig) (*sql.DB, error) {
	db, err := repository.Open(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if err := repository.Migrate(db); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

func newApp(ctx context.Context, cfg *config.Config) (*app, error) {
	a := &app{cfg: cfg, clock: clock.NewSystem()}
	if err := a.wire(ctx); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func (a *app) wire(ctx context.Context) error {
	cfg := a.cfg

	// Storage
	if cfg.Database.Driver == "postgres" {
		db, err := openDatabase(ctx, cfg.Database)
		if err != nil {
			return err
		}
		a.closers = append(a.closers, func() { db.Close() })
		a.repos = repositories{
			auctions:    repository.NewAuctionRepository(db),
			holds:       repository.NewHoldRepository(db),
			settlements: repository.NewSettlementRepository(db),
			processed:   repository.NewProcessedEventRepository(db),
		}
	} else {
		telemetry.Logger.Warn("Using in-memory storage; state is lost on restart")
		store := memory.NewStore()
		a.repos = repositories{auctions: store, holds: store, settlements: store, processed: store}
	}

	// Locks
	var locker interfaces.Locker
	if cfg.Redis.URL != "" {
		redisClient := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.URL,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := redisClient.Ping(ctx).Err(); err != nil {
			redisClient.Close()
			return fmt.Errorf("connect to redis: %w", err)
		}
		a.closers = append(a.closers, func() { redisClient.Close() })
		locker = lock.NewRedisLocker(redisClient, cfg.Redis.LockTTL)
	} else {
		locker = lock.NewKeyedMutex()
	}

	// Payment provider
	var gateway interfaces.PaymentProvider
	if cfg.Provider.Mode == "nats" {
		nc, err := nats.Connect(cfg.NATS.URL, nats.Name(cfg.ServiceName))
		if err != nil {
			return fmt.Errorf("connect to nats: %w", err)
		}
		a.closers = append(a.closers, nc.Close)
		gateway = provider.NewNATSGateway(nc, cfg.NATS.SubjectPrefix, cfg.NATS.RequestTimeout)
	} else {
		telemetry.Logger.Warn("Using the simulated payment provider")
		gateway = provider.NewSimulated()
	}

	// Event fan-out and alerting
	var sinks []interfaces.EventSink
	alerters := service.Alerters{service.LogAlerter{}}
	if cfg.Kafka.Enabled() {
		a.publisher = events.NewKafkaPublisher(events.NewWriter(cfg.Kafka.Brokers),
			cfg.Kafka.EventsTopic, cfg.Kafka.AlertsTopic, cfg.Broadcast.SubscriberBuffer*4)
		publisher := a.publisher
		a.closers = append(a.closers, func() {
			if err := publisher.Close(); err != nil {
				telemetry.Logger.Error("Failed to close kafka publisher", zap.Error(err))
			}
		})
		sinks = append(sinks, publisher)
		alerters = append(alerters, publisher)
	}
	a.broadcaster = broadcast.New(cfg.Broadcast.SubscriberBuffer, sinks...)

	retry := service.RetryPolicy{
		MaxRetries:      cfg.Provider.MaxRetries,
		InitialInterval: cfg.Provider.InitialBackoff,
		MaxInterval:     cfg.Provider.MaxBackoff,
		AttemptTimeout:  cfg.Provider.CallTimeout,
	}

	a.holds = service.NewHoldManager(a.repos.holds, gateway, a.clock, retry)
	a.coordinator = service.NewBidCoordinator(a.repos.auctions, locker, a.broadcaster, a.clock)
	a.bidding = service.NewBiddingService(a.coordinator, a.holds, a.repos.auctions, a.clock)
	a.engine = service.NewSettlementEngine(a.repos.auctions, a.repos.holds, a.repos.settlements,
		a.holds, locker, a.broadcaster, alerters, a.clock)
	a.webhooks = service.NewWebhookReconciler(cfg.Provider.WebhookSecret, a.repos.holds,
		a.repos.settlements, a.repos.processed, locker, a.clock)
	a.scheduler = service.NewScheduler(a.repos.auctions, a.coordinator, a.engine, a.clock,
		cfg.Scheduler.Interval, cfg.Scheduler.SettlementWorkers)
	return nil
}

func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}
