package service

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/akylbek/payment-system/auction-settlement/internal/clock"
	"github.com/akylbek/payment-system/auction-settlement/internal/interfaces"
	"github.com/akylbek/payment-system/auction-settlement/internal/models"
	"github.com/akylbek/payment-system/auction-settlement/internal/telemetry"
)

// Scheduler drives time-based auction transitions and runs settlements on a bounded worker pool.
type Scheduler struct {
	auctions    interfaces.AuctionRepository
	coordinator *BidCoordinator
	engine      *SettlementEngine
	clock       clock.Clock
	interval    time.Duration

	sem    chan struct{}
	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	closing bool
}

func NewScheduler(
	auctions interfaces.AuctionRepository,
	coordinator *BidCoordinator,
	engine *SettlementEngine,
	clk clock.Clock,
	interval time.Duration,
	workers int,
) *Scheduler {
	if workers < 1 {
		workers = 1
	}
	if interval <= 0 {
		interval = time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		auctions:    auctions,
		coordinator: coordinator,
		engine:      engine,
		clock:       clk,
		interval:    interval,
		sem:         make(chan struct{}, workers),
		ctx:         ctx,
		cancel:      cancel,
	}
}

// Run resumes unfinished settlements and then ticks until ctx is done.
func (s *Scheduler) Run(ctx context.Context) {
	closed, err := s.auctions.ListByStatus(ctx, models.AuctionClosed)
	if err != nil {
		telemetry.Logger.Error("Failed to list closed auctions", zap.Error(err))
	}
	for _, a := range closed {
		s.TriggerSettlement(a.ID)
	}

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	telemetry.Logger.Info("Auction scheduler started", zap.Duration("interval", s.interval))
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}

// Tick activates due auctions and closes expired ones, settling each auction it closed.
func (s *Scheduler) Tick(ctx context.Context) {
	now := s.clock.Now()

	due, err := s.auctions.ListDueForActivation(ctx, now)
	if err != nil {
		telemetry.Logger.Error("Failed to list auctions due for activation", zap.Error(err))
	}
	for _, a := range due {
		if _, err := s.coordinator.Activate(ctx, a.ID); err != nil {
			telemetry.Logger.Warn("Auction activation failed", zap.String("auction_id", a.ID), zap.Error(err))
		}
	}

	expired, err := s.auctions.ListDueForClose(ctx, now)
	if err != nil {
		telemetry.Logger.Error("Failed to list auctions due for close", zap.Error(err))
	}
	for _, a := range expired {
		closed, err := s.coordinator.Close(ctx, a.ID)
		if err != nil {
			telemetry.Logger.Warn("Auction close failed", zap.String("auction_id", a.ID), zap.Error(err))
			continue
		}
		if closed {
			s.TriggerSettlement(a.ID)
		}
	}
}

// TriggerSettlement settles auctionID in the background. It outlives the request that triggered it.
// After Shutdown has begun it does nothing; the auction stays CLOSED and is resumed on the next start.
func (s *Scheduler) TriggerSettlement(auctionID string) {
	s.mu.Lock()
	if s.closing {
		s.mu.Unlock()
		telemetry.Logger.Warn("Settlement not started, scheduler is shutting down", zap.String("auction_id", auctionID))
		return
	}
	s.wg.Add(1)
	s.mu.Unlock()

	go func() {
		defer s.wg.Done()

		select {
		case s.sem <- struct{}{}:
		case <-s.ctx.Done():
			return
		}
		defer func() { <-s.sem }()

		if _, err := s.engine.Settle(s.ctx, auctionID); err != nil {
			telemetry.Logger.Error("Settlement did not complete",
				zap.String("auction_id", auctionID),
				zap.Error(err),
			)
		}
	}()
}

// Shutdown waits for running settlements. When ctx ends first, queued settlements are abandoned and
// left CLOSED for the next start.
func (s *Scheduler) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closing = true
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.cancel()
		return nil
	case <-ctx.Done():
		s.cancel()
		<-done
		return ctx.Err()
	}
}
