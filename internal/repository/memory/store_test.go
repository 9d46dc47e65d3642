package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/akylbek/payment-system/auction-settlement/internal/interfaces"
	"github.com/akylbek/payment-system/auction-settlement/internal/models"
)

var (
	_ interfaces.AuctionRepository        = (*Store)(nil)
	_ interfaces.HoldRepository           = (*Store)(nil)
	_ interfaces.SettlementRepository     = (*Store)(nil)
	_ interfaces.ProcessedEventRepository = (*Store)(nil)
)

var now = time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)

func activeAuction() *models.Auction {
	return &models.Auction{
		ID:            "a-1",
		Status:        models.AuctionActive,
		StartingPrice: 100,
		MinIncrement:  10,
		StartTime:     now,
		EndTime:       now.Add(time.Hour),
		HighBid:       models.HighBid{Amount: 100},
	}
}

func TestStore_CommitBid(t *testing.T) {
	ctx := context.Background()
	s := NewStore()
	require.NoError(t, s.CreateAuction(ctx, activeAuction()))

	bid := &models.Bid{ID: "b-1", AuctionID: "a-1", BidderID: "alice", Amount: 150, SequenceNumber: 1, AcceptedAt: now}
	require.NoError(t, s.CommitBid(ctx, bid, 0))

	t.Run("stale expected sequence is rejected", func(t *testing.T) {
		again := &models.Bid{ID: "b-2", AuctionID: "a-1", BidderID: "bob", Amount: 500, SequenceNumber: 1, AcceptedAt: now}
		assert.ErrorIs(t, s.CommitBid(ctx, again, 0), models.ErrStaleWrite)
	})

	t.Run("amount must clear the increment", func(t *testing.T) {
		low := &models.Bid{ID: "b-3", AuctionID: "a-1", BidderID: "bob", Amount: 159, SequenceNumber: 2, AcceptedAt: now}
		assert.ErrorIs(t, s.CommitBid(ctx, low, 1), models.ErrStaleWrite)
	})

	a, err := s.GetAuction(ctx, "a-1")
	require.NoError(t, err)
	assert.Equal(t, int64(150), a.HighBid.Amount)
	assert.Equal(t, "alice", a.HighBid.BidderID)
	assert.Equal(t, int64(1), a.LastSequence)

	bids, err := s.ListBids(ctx, "a-1")
	require.NoError(t, err)
	assert.Len(t, bids, 1)
}

func TestStore_TransitionStatus(t *testing.T) {
	ctx := context.Background()
	s := NewStore()
	require.NoError(t, s.CreateAuction(ctx, activeAuction()))

	ok, err := s.TransitionStatus(ctx, "a-1", models.AuctionActive, models.AuctionClosed)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.TransitionStatus(ctx, "a-1", models.AuctionActive, models.AuctionClosed)
	require.NoError(t, err)
	assert.False(t, ok, "closed exactly once")

	_, err = s.TransitionStatus(ctx, "missing", models.AuctionActive, models.AuctionClosed)
	assert.ErrorIs(t, err, models.ErrAuctionNotFound)
}

func TestStore_Holds(t *testing.T) {
	ctx := context.Background()
	s := NewStore()

	h1 := &models.PaymentHold{ID: "h-1", AuctionID: "a-1", BidderID: "alice", Amount: 150, ProviderRef: "ref-1",
		IdempotencyKey: "k-1", Purpose: models.PurposeBid, State: models.HoldHeld, CreatedAt: now}
	h2 := &models.PaymentHold{ID: "h-2", AuctionID: "a-1", BidderID: "bob", Amount: 160, ProviderRef: "ref-2",
		IdempotencyKey: "k-2", Purpose: models.PurposeBid, State: models.HoldHeld, CreatedAt: now.Add(time.Second)}
	require.NoError(t, s.InsertHold(ctx, h1))
	require.NoError(t, s.InsertHold(ctx, h2))

	t.Run("idempotency key is unique", func(t *testing.T) {
		dup := *h1
		dup.ID = "h-3"
		assert.ErrorIs(t, s.InsertHold(ctx, &dup), models.ErrDuplicateKey)

		found, err := s.FindHoldByIdempotencyKey(ctx, "k-1")
		require.NoError(t, err)
		assert.Equal(t, "h-1", found.ID)

		missing, err := s.FindHoldByIdempotencyKey(ctx, "nope")
		require.NoError(t, err)
		assert.Nil(t, missing)
	})

	t.Run("only one captured hold per auction", func(t *testing.T) {
		ok, err := s.TransitionHold(ctx, "h-2", models.HoldHeld, models.HoldCaptured, models.HoldUpdate{CapturedAmount: 160, At: now})
		require.NoError(t, err)
		assert.True(t, ok)

		_, err = s.TransitionHold(ctx, "h-1", models.HoldHeld, models.HoldCaptured, models.HoldUpdate{CapturedAmount: 150, At: now})
		assert.ErrorIs(t, err, models.ErrCaptureExists)
	})

	t.Run("transition from wrong state reports false", func(t *testing.T) {
		ok, err := s.TransitionHold(ctx, "h-2", models.HoldHeld, models.HoldReleased, models.HoldUpdate{At: now})
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("lookup by provider ref and auction", func(t *testing.T) {
		h, err := s.GetHoldByProviderRef(ctx, "ref-2")
		require.NoError(t, err)
		assert.Equal(t, models.HoldCaptured, h.State)

		holds, err := s.ListHoldsByAuction(ctx, "a-1", models.PurposeBid)
		require.NoError(t, err)
		require.Len(t, holds, 2)
		assert.Equal(t, "h-1", holds[0].ID)
	})
}

func TestStore_Settlement(t *testing.T) {
	ctx := context.Background()
	s := NewStore()

	rec := &models.SettlementRecord{AuctionID: "a-1", Status: models.SettlementPending}
	stored, created, err := s.CreateSettlement(ctx, rec)
	require.NoError(t, err)
	assert.True(t, created)

	again, created, err := s.CreateSettlement(ctx, &models.SettlementRecord{AuctionID: "a-1", Status: models.SettlementFailed})
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, models.SettlementPending, again.Status)

	stored.Status = models.SettlementComplete
	require.NoError(t, s.SaveSettlement(ctx, stored))

	stored.Status = models.SettlementInProgress
	assert.ErrorIs(t, s.SaveSettlement(ctx, stored), models.ErrStaleWrite, "COMPLETE never regresses")

	got, err := s.GetSettlement(ctx, "a-1")
	require.NoError(t, err)
	assert.Equal(t, models.SettlementComplete, got.Status)
}

func TestStore_ProcessedEvents(t *testing.T) {
	ctx := context.Background()
	s := NewStore()

	seen, err := s.IsProcessed(ctx, "evt-1")
	require.NoError(t, err)
	assert.False(t, seen)

	require.NoError(t, s.MarkProcessed(ctx, "evt-1", "h-1", "applied"))
	require.NoError(t, s.MarkProcessed(ctx, "evt-1", "h-1", "duplicate"))

	seen, err = s.IsProcessed(ctx, "evt-1")
	require.NoError(t, err)
	assert.True(t, seen)
	assert.Equal(t, "applied", s.processed["evt-1"])
}
