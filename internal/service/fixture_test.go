package service

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/akylbek/payment-system/auction-settlement/internal/clock"
	"github.com/akylbek/payment-system/auction-settlement/internal/lock"
	"github.com/akylbek/payment-system/auction-settlement/internal/models"
	"github.com/akylbek/payment-system/auction-settlement/internal/provider"
	"github.com/akylbek/payment-system/auction-settlement/internal/repository/memory"
)

var t0 = time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)

const testSecret = "whsec_test"

type recordingPublisher struct {
	mu     sync.Mutex
	events []models.Event
}

func (p *recordingPublisher) Publish(event models.Event) {
	p.mu.Lock()
	p.events = append(p.events, event)
	p.mu.Unlock()
}

func (p *recordingPublisher) ofType(t models.EventType) []models.Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []models.Event
	for _, e := range p.events {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

type recordingAlerter struct {
	mu     sync.Mutex
	alerts []models.SettlementAlert
}

func (a *recordingAlerter) Alert(_ context.Context, alert models.SettlementAlert) {
	a.mu.Lock()
	a.alerts = append(a.alerts, alert)
	a.mu.Unlock()
}

func (a *recordingAlerter) count() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.alerts)
}

type fixture struct {
	store       *memory.Store
	provider    *provider.Simulated
	clock       *clock.Manual
	publisher   *recordingPublisher
	alerter     *recordingAlerter
	holds       *HoldManager
	coordinator *BidCoordinator
	engine      *SettlementEngine
	bidding     *BiddingService
	webhooks    *WebhookReconciler
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	f := &fixture{
		store:     memory.NewStore(),
		provider:  provider.NewSimulated(),
		clock:     clock.NewManual(t0),
		publisher: &recordingPublisher{},
		alerter:   &recordingAlerter{},
	}
	locker := lock.NewKeyedMutex()
	retry := RetryPolicy{
		MaxRetries:      2,
		InitialInterval: time.Millisecond,
		MaxInterval:     2 * time.Millisecond,
		AttemptTimeout:  time.Second,
	}

	f.holds = NewHoldManager(f.store, f.provider, f.clock, retry)
	f.coordinator = NewBidCoordinator(f.store, locker, f.publisher, f.clock)
	f.engine = NewSettlementEngine(f.store, f.store, f.store, f.holds, locker, f.publisher,
		Alerters{LogAlerter{}, f.alerter}, f.clock)
	f.bidding = NewBiddingService(f.coordinator, f.holds, f.store, f.clock)
	f.webhooks = NewWebhookReconciler(testSecret, f.store, f.store, f.store, locker, f.clock)
	return f
}

// activeAuction schedules and opens an auction starting at 100 with increment 10.
func (f *fixture) activeAuction(t *testing.T, id string, reserve int64) *models.Auction {
	t.Helper()
	ctx := context.Background()

	_, err := f.coordinator.ScheduleAuction(ctx, ScheduleAuctionInput{
		ID:            id,
		SellerID:      "seller-1",
		Title:         "Lot " + id,
		StartingPrice: 100,
		ReservePrice:  reserve,
		MinIncrement:  10,
		StartTime:     t0,
		EndTime:       t0.Add(time.Hour),
	})
	require.NoError(t, err)

	ok, err := f.coordinator.Activate(ctx, id)
	require.NoError(t, err)
	require.True(t, ok)

	a, err := f.coordinator.GetAuction(ctx, id)
	require.NoError(t, err)
	return a
}

func (f *fixture) placeBid(t *testing.T, auctionID, bidderID string, amount int64) *models.Bid {
	t.Helper()
	bid, err := f.bidding.PlaceBid(context.Background(), PlaceBidInput{
		AuctionID:      auctionID,
		BidderID:       bidderID,
		Amount:         amount,
		IdempotencyKey: fmt.Sprintf("%s-%d", bidderID, amount),
	})
	require.NoError(t, err)
	return bid
}

func (f *fixture) closeAuction(t *testing.T, auctionID string) {
	t.Helper()
	ok, err := f.coordinator.Close(context.Background(), auctionID)
	require.NoError(t, err)
	require.True(t, ok)
}

func (f *fixture) hold(t *testing.T, holdID string) *models.PaymentHold {
	t.Helper()
	h, err := f.store.GetHold(context.Background(), holdID)
	require.NoError(t, err)
	return h
}
