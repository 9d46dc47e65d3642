package service

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/akylbek/payment-system/auction-settlement/internal/apperrors"
	"github.com/akylbek/payment-system/auction-settlement/internal/lock"
	"github.com/akylbek/payment-system/auction-settlement/internal/models"
	"github.com/akylbek/payment-system/auction-settlement/internal/provider"
	"github.com/akylbek/payment-system/auction-settlement/internal/repository/memory"
)

func TestSettlementEngine_WinnerCapturedLosersReleased(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.activeAuction(t, "a-1", 120)

	alice := f.placeBid(t, "a-1", "alice", 150)
	assert.Equal(t, int64(1), alice.SequenceNumber)

	_, err := f.bidding.PlaceBid(ctx, PlaceBidInput{AuctionID: "a-1", BidderID: "bob", Amount: 140, IdempotencyKey: "low"})
	assert.True(t, apperrors.Is(err, apperrors.CodeBidTooLow))

	bob := f.placeBid(t, "a-1", "bob", 160)
	assert.Equal(t, int64(2), bob.SequenceNumber)

	f.closeAuction(t, "a-1")

	rec, err := f.engine.Settle(ctx, "a-1")
	require.NoError(t, err)
	assert.Equal(t, models.SettlementComplete, rec.Status)
	require.True(t, rec.HasWinner())
	assert.Equal(t, bob.HoldID, *rec.WinningHoldID)
	assert.Equal(t, "bob", rec.WinnerID)
	assert.Equal(t, int64(160), rec.CaptureAmount)
	assert.Equal(t, []string{alice.HoldID}, rec.LosingHoldIDs)
	assert.Equal(t, models.OutcomeCaptured, rec.Checkpoint[bob.HoldID])
	assert.Equal(t, models.OutcomeReleased, rec.Checkpoint[alice.HoldID])
	assert.NotNil(t, rec.CompletedAt)

	bobHold := f.hold(t, bob.HoldID)
	aliceHold := f.hold(t, alice.HoldID)
	assert.Equal(t, models.HoldCaptured, bobHold.State)
	assert.Equal(t, int64(160), bobHold.CapturedAmount)
	assert.Equal(t, models.HoldReleased, aliceHold.State)
	assert.Equal(t, int64(160), f.provider.Captured(bobHold.ProviderRef))
	assert.True(t, f.provider.Released(aliceHold.ProviderRef))

	a, err := f.coordinator.GetAuction(ctx, "a-1")
	require.NoError(t, err)
	assert.Equal(t, models.AuctionSettled, a.Status)
	assert.Len(t, f.publisher.ofType(models.EventSettlementComplete), 1)

	t.Run("settling again is idempotent", func(t *testing.T) {
		again, err := f.engine.Settle(ctx, "a-1")
		require.NoError(t, err)
		assert.Equal(t, models.SettlementComplete, again.Status)
		assert.Equal(t, 1, f.provider.Calls(provider.OpCapture))
		assert.Equal(t, 1, f.provider.Calls(provider.OpRelease))
		assert.Len(t, f.publisher.ofType(models.EventSettlementComplete), 1)
	})
}

func TestSettlementEngine_ReserveNotMet(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.activeAuction(t, "a-1", 500)

	alice := f.placeBid(t, "a-1", "alice", 150)
	bob := f.placeBid(t, "a-1", "bob", 200)
	f.closeAuction(t, "a-1")

	rec, err := f.engine.Settle(ctx, "a-1")
	require.NoError(t, err)
	assert.Equal(t, models.SettlementComplete, rec.Status)
	assert.Nil(t, rec.WinningHoldID)
	assert.ElementsMatch(t, []string{alice.HoldID, bob.HoldID}, rec.LosingHoldIDs)
	assert.Equal(t, models.HoldReleased, f.hold(t, alice.HoldID).State)
	assert.Equal(t, models.HoldReleased, f.hold(t, bob.HoldID).State)
	assert.Zero(t, f.provider.Calls(provider.OpCapture))
}

func TestSettlementEngine_NoBids(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.activeAuction(t, "a-1", 0)
	f.closeAuction(t, "a-1")

	rec, err := f.engine.Settle(ctx, "a-1")
	require.NoError(t, err)
	assert.Equal(t, models.SettlementComplete, rec.Status)
	assert.False(t, rec.HasWinner())
	assert.Empty(t, rec.LosingHoldIDs)
}

func TestSettlementEngine_RequiresClosedAuction(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.activeAuction(t, "a-1", 0)

	_, err := f.engine.Settle(ctx, "a-1")
	assert.True(t, apperrors.Is(err, apperrors.CodeAuctionNotClosed))

	_, err = f.engine.Settle(ctx, "missing")
	assert.True(t, apperrors.Is(err, apperrors.CodeAuctionNotFound))
}

func TestSettlementEngine_CaptureFailure(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.activeAuction(t, "a-1", 120)

	alice := f.placeBid(t, "a-1", "alice", 150)
	bob := f.placeBid(t, "a-1", "bob", 160)
	f.closeAuction(t, "a-1")

	f.provider.FailNext(provider.OpCapture, &models.ProviderError{Code: "card_expired", Message: "expired"})

	_, err := f.engine.Settle(ctx, "a-1")
	require.Error(t, err)
	assert.True(t, apperrors.Is(err, apperrors.CodeSettlementFailed))

	rec, err := f.engine.GetSettlement(ctx, "a-1")
	require.NoError(t, err)
	assert.Equal(t, models.SettlementFailed, rec.Status)
	assert.Contains(t, rec.FailureReason, "capture failed")
	assert.Equal(t, models.OutcomeFailed, rec.Checkpoint[bob.HoldID])

	assert.Equal(t, models.HoldFailed, f.hold(t, bob.HoldID).State)
	assert.Equal(t, models.HoldReleased, f.hold(t, alice.HoldID).State, "losers are released even when the capture fails")

	a, err := f.coordinator.GetAuction(ctx, "a-1")
	require.NoError(t, err)
	assert.Equal(t, models.AuctionSettlementFailed, a.Status)
	assert.Equal(t, 1, f.alerter.count())
	assert.Len(t, f.publisher.ofType(models.EventSettlementFailed), 1)

	t.Run("failed settlements are not retried", func(t *testing.T) {
		_, err := f.engine.Settle(ctx, "a-1")
		assert.True(t, apperrors.Is(err, apperrors.CodeSettlementFailed))
		assert.Equal(t, 1, f.provider.Calls(provider.OpCapture))
		assert.Equal(t, 1, f.alerter.count())
	})
}

func TestSettlementEngine_ReleaseFailure(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.activeAuction(t, "a-1", 0)

	alice := f.placeBid(t, "a-1", "alice", 150)
	bob := f.placeBid(t, "a-1", "bob", 160)
	f.closeAuction(t, "a-1")

	f.provider.FailNext(provider.OpRelease, &models.ProviderError{Code: "unknown_hold", Message: "gone"})

	_, err := f.engine.Settle(ctx, "a-1")
	assert.True(t, apperrors.Is(err, apperrors.CodeSettlementFailed))

	assert.Equal(t, models.HoldCaptured, f.hold(t, bob.HoldID).State)
	assert.Equal(t, models.HoldFailed, f.hold(t, alice.HoldID).State)

	rec, err := f.engine.GetSettlement(ctx, "a-1")
	require.NoError(t, err)
	assert.Equal(t, models.SettlementFailed, rec.Status)
	assert.Equal(t, []string{alice.HoldID}, f.alerter.alerts[0].FailedHolds)
}

func TestSettlementEngine_ResumeDoesNotRecapture(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	a := f.activeAuction(t, "a-1", 0)

	alice := f.placeBid(t, "a-1", "alice", 150)
	bob := f.placeBid(t, "a-1", "bob", 160)
	f.closeAuction(t, "a-1")

	// A previous run captured the winner and crashed before checkpointing anything.
	winner := bob.HoldID
	_, created, err := f.store.CreateSettlement(ctx, &models.SettlementRecord{
		AuctionID:     a.ID,
		WinningHoldID: &winner,
		WinningBidID:  bob.ID,
		WinnerID:      "bob",
		CaptureAmount: 160,
		Status:        models.SettlementInProgress,
		CreatedAt:     t0,
		UpdatedAt:     t0,
	})
	require.NoError(t, err)
	require.True(t, created)
	_, err = f.holds.CaptureHold(ctx, winner, 160, captureKey(a.ID, winner))
	require.NoError(t, err)

	// A hold that appeared after the plan was made.
	late, err := f.holds.CreateHold(ctx, CreateHoldInput{
		BidderID: "carol", AuctionID: a.ID, Amount: 170, Purpose: models.PurposeBid, IdempotencyKey: "late",
	})
	require.NoError(t, err)

	require.NoError(t, f.engine.ResumePending(ctx))

	rec, err := f.engine.GetSettlement(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SettlementComplete, rec.Status)
	assert.Equal(t, 1, f.provider.Calls(provider.OpCapture), "completed capture is never reissued")
	assert.ElementsMatch(t, []string{alice.HoldID, late.ID}, rec.LosingHoldIDs)
	assert.Equal(t, models.HoldReleased, f.hold(t, alice.HoldID).State)
	assert.Equal(t, models.HoldReleased, f.hold(t, late.ID).State)

	got, err := f.coordinator.GetAuction(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, models.AuctionSettled, got.Status)
}

func TestSettlementEngine_SkipsCheckpointedHolds(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.activeAuction(t, "a-1", 0)

	alice := f.placeBid(t, "a-1", "alice", 150)
	bob := f.placeBid(t, "a-1", "bob", 160)
	carol := f.placeBid(t, "a-1", "carol", 170)
	f.closeAuction(t, "a-1")

	// Alice's authorization lapsed at the provider before settlement.
	_, err := f.holds.MarkFailed(ctx, alice.HoldID, "authorization expired")
	require.NoError(t, err)

	rec, err := f.engine.Settle(ctx, "a-1")
	require.NoError(t, err, "holds that failed before settlement do not fail it")
	assert.Equal(t, models.SettlementComplete, rec.Status)
	assert.Equal(t, models.OutcomeFailed, rec.Checkpoint[alice.HoldID])
	assert.Equal(t, models.OutcomeReleased, rec.Checkpoint[bob.HoldID])
	assert.Equal(t, models.OutcomeCaptured, rec.Checkpoint[carol.HoldID])
	assert.Equal(t, 1, f.provider.Calls(provider.OpRelease))
}

func TestSettlementEngine_CompleteRecordFinishesAuction(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.activeAuction(t, "a-1", 0)
	f.closeAuction(t, "a-1")

	// Crashed after the record reached COMPLETE but before the auction moved.
	_, _, err := f.store.CreateSettlement(ctx, &models.SettlementRecord{
		AuctionID: "a-1",
		Status:    models.SettlementComplete,
		CreatedAt: t0,
		UpdatedAt: t0,
	})
	require.NoError(t, err)

	rec, err := f.engine.Settle(ctx, "a-1")
	require.NoError(t, err)
	assert.Equal(t, models.SettlementComplete, rec.Status)

	a, err := f.coordinator.GetAuction(ctx, "a-1")
	require.NoError(t, err)
	assert.Equal(t, models.AuctionSettled, a.Status)
}

func TestSettlementEngine_LoserCapturedOutsideSettlement(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.activeAuction(t, "a-1", 0)

	alice := f.placeBid(t, "a-1", "alice", 150)
	bob := f.placeBid(t, "a-1", "bob", 160)
	_, err := f.holds.CaptureHold(ctx, alice.HoldID, 150, "manual")
	require.NoError(t, err)
	f.closeAuction(t, "a-1")

	_, err = f.engine.Settle(ctx, "a-1")
	assert.True(t, apperrors.Is(err, apperrors.CodeSettlementFailed))

	bobHold := f.hold(t, bob.HoldID)
	assert.Equal(t, int64(0), f.provider.Captured(bobHold.ProviderRef), "the winner is never charged")
	assert.Equal(t, 1, f.provider.Calls(provider.OpCapture))
	assert.Equal(t, models.HoldFailed, bobHold.State)
	assert.Equal(t, models.HoldCaptured, f.hold(t, alice.HoldID).State)
	assert.Equal(t, 1, f.alerter.count())
}

// staleCaptureView reports captured holds as still held, as a replica lagging the ledger would.
type staleCaptureView struct {
	*memory.Store
}

func (v staleCaptureView) ListHoldsByAuction(ctx context.Context, auctionID string, purpose models.HoldPurpose) ([]*models.PaymentHold, error) {
	holds, err := v.Store.ListHoldsByAuction(ctx, auctionID, purpose)
	if err != nil {
		return nil, err
	}
	out := make([]*models.PaymentHold, 0, len(holds))
	for _, h := range holds {
		if h.State == models.HoldCaptured {
			stale := *h
			stale.State = models.HoldHeld
			h = &stale
		}
		out = append(out, h)
	}
	return out, nil
}

func TestSettlementEngine_UnrecordedWinnerCaptureIsAnAnomaly(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.activeAuction(t, "a-1", 0)

	alice := f.placeBid(t, "a-1", "alice", 150)
	bob := f.placeBid(t, "a-1", "bob", 160)
	_, err := f.holds.CaptureHold(ctx, alice.HoldID, 150, "manual")
	require.NoError(t, err)
	f.closeAuction(t, "a-1")

	holds := NewHoldManager(staleCaptureView{f.store}, f.provider, f.clock, RetryPolicy{MaxRetries: 0})
	engine := NewSettlementEngine(f.store, f.store, f.store, holds, lock.NewKeyedMutex(), f.publisher, f.alerter, f.clock)

	_, err = engine.Settle(ctx, "a-1")
	assert.True(t, apperrors.Is(err, apperrors.CodeSettlementFailed))

	bobHold := f.hold(t, bob.HoldID)
	assert.Equal(t, int64(160), f.provider.Captured(bobHold.ProviderRef))
	assert.Equal(t, models.HoldHeld, bobHold.State, "a charged hold is never marked failed")

	rec, err := engine.GetSettlement(ctx, "a-1")
	require.NoError(t, err)
	assert.Equal(t, models.SettlementFailed, rec.Status)
	assert.Contains(t, rec.FailureReason, "capture anomaly")
	assert.Equal(t, 1, f.alerter.count())

	t.Run("a later sweep leaves the charged winner alone", func(t *testing.T) {
		_, err := engine.Settle(ctx, "a-1")
		assert.True(t, apperrors.Is(err, apperrors.CodeSettlementFailed))
		assert.Equal(t, models.HoldHeld, f.hold(t, bob.HoldID).State)
		assert.Equal(t, 0, f.provider.Calls(provider.OpRelease))
	})
}

func TestSettlementEngine_SweepsHoldsLeftAfterSettlement(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.activeAuction(t, "a-1", 0)
	alice := f.placeBid(t, "a-1", "alice", 150)
	f.closeAuction(t, "a-1")

	_, err := f.engine.Settle(ctx, "a-1")
	require.NoError(t, err)

	// A bid whose authorization landed after the plan was made.
	late, err := f.holds.CreateHold(ctx, CreateHoldInput{
		BidderID: "carol", AuctionID: "a-1", Amount: 200, Purpose: models.PurposeBid, IdempotencyKey: "late",
	})
	require.NoError(t, err)

	rec, err := f.engine.Settle(ctx, "a-1")
	require.NoError(t, err)
	assert.Equal(t, models.SettlementComplete, rec.Status)

	assert.Equal(t, models.HoldReleased, f.hold(t, late.ID).State)
	assert.True(t, f.provider.Released(late.ProviderRef))
	assert.Equal(t, models.HoldCaptured, f.hold(t, alice.HoldID).State)
}
