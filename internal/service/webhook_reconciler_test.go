package service

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/akylbek/payment-system/auction-settlement/internal/apperrors"
	"github.com/akylbek/payment-system/auction-settlement/internal/models"
	"github.com/akylbek/payment-system/auction-settlement/internal/provider"
)

func signedEvent(t *testing.T, event models.ProviderEvent) ([]byte, string) {
	t.Helper()
	payload, err := json.Marshal(event)
	require.NoError(t, err)
	return payload, SignPayload([]byte(testSecret), payload)
}

func (f *fixture) deliver(t *testing.T, event models.ProviderEvent) *Ack {
	t.Helper()
	payload, sig := signedEvent(t, event)
	ack, err := f.webhooks.HandleProviderEvent(context.Background(), payload, sig)
	require.NoError(t, err)
	return ack
}

func TestWebhookReconciler_Authentication(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	payload, sig := signedEvent(t, models.ProviderEvent{ID: "evt-1", Type: models.ProviderReleaseSucceeded, HoldRef: "ref"})

	tests := []struct {
		name      string
		payload   []byte
		signature string
		code      string
	}{
		{"missing signature", payload, "", apperrors.CodeInvalidSignature},
		{"wrong secret", payload, SignPayload([]byte("other"), payload), apperrors.CodeInvalidSignature},
		{"tampered payload", append([]byte(" "), payload...), sig, apperrors.CodeInvalidSignature},
		{"not json", []byte("nope"), SignPayload([]byte(testSecret), []byte("nope")), apperrors.CodeMalformedEvent},
		{"missing id", []byte(`{"type":"release.succeeded","hold_ref":"r"}`),
			SignPayload([]byte(testSecret), []byte(`{"type":"release.succeeded","hold_ref":"r"}`)), apperrors.CodeMalformedEvent},
		{"unknown type", []byte(`{"id":"e","type":"refund.succeeded","hold_ref":"r"}`),
			SignPayload([]byte(testSecret), []byte(`{"id":"e","type":"refund.succeeded","hold_ref":"r"}`)), apperrors.CodeMalformedEvent},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.webhooks.HandleProviderEvent(ctx, tt.payload, tt.signature)
			require.Error(t, err)
			assert.True(t, apperrors.Is(err, tt.code), "got %v", err)
			assert.Equal(t, 400, apperrors.StatusCode(err))
		})
	}
}

func TestWebhookReconciler_AppliesAndDeduplicates(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	h, err := f.holds.CreateHold(ctx, holdInput("k-1", 150))
	require.NoError(t, err)

	event := models.ProviderEvent{ID: "evt-1", Type: models.ProviderReleaseSucceeded, HoldRef: h.ProviderRef}

	ack := f.deliver(t, event)
	assert.Equal(t, OutcomeApplied, ack.Outcome)
	assert.Equal(t, h.ID, ack.HoldID)
	assert.Equal(t, models.HoldReleased, f.hold(t, h.ID).State)

	replay := f.deliver(t, event)
	assert.Equal(t, OutcomeDuplicate, replay.Outcome)

	t.Run("already satisfied transition is a noop", func(t *testing.T) {
		ack := f.deliver(t, models.ProviderEvent{ID: "evt-2", Type: models.ProviderReleaseSucceeded, HoldRef: h.ProviderRef})
		assert.Equal(t, OutcomeNoop, ack.Outcome)
	})

	t.Run("stale authorization after release is an anomaly", func(t *testing.T) {
		ack := f.deliver(t, models.ProviderEvent{ID: "evt-3", Type: models.ProviderAuthorizationSucceeded, HoldRef: h.ProviderRef})
		assert.Equal(t, OutcomeAnomaly, ack.Outcome)
		assert.Equal(t, models.HoldReleased, f.hold(t, h.ID).State, "state never moves backwards")
	})

	t.Run("capture of a released hold is an anomaly", func(t *testing.T) {
		ack := f.deliver(t, models.ProviderEvent{ID: "evt-4", Type: models.ProviderCaptureSucceeded, HoldRef: h.ProviderRef, Amount: 150})
		assert.Equal(t, OutcomeAnomaly, ack.Outcome)
		assert.Equal(t, models.HoldReleased, f.hold(t, h.ID).State)
	})
}

func TestWebhookReconciler_Capture(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	h, err := f.holds.CreateHold(ctx, holdInput("k-1", 150))
	require.NoError(t, err)

	ack := f.deliver(t, models.ProviderEvent{ID: "evt-1", Type: models.ProviderCaptureSucceeded, HoldRef: h.ProviderRef, Amount: 140})
	assert.Equal(t, OutcomeApplied, ack.Outcome)
	stored := f.hold(t, h.ID)
	assert.Equal(t, models.HoldCaptured, stored.State)
	assert.Equal(t, int64(140), stored.CapturedAmount)

	ack = f.deliver(t, models.ProviderEvent{ID: "evt-2", Type: models.ProviderCaptureSucceeded, HoldRef: h.ProviderRef, Amount: 140})
	assert.Equal(t, OutcomeNoop, ack.Outcome)

	ack = f.deliver(t, models.ProviderEvent{ID: "evt-3", Type: models.ProviderCaptureSucceeded, HoldRef: h.ProviderRef, Amount: 999})
	assert.Equal(t, OutcomeAnomaly, ack.Outcome)

	ack = f.deliver(t, models.ProviderEvent{ID: "evt-4", Type: models.ProviderCaptureFailed, HoldRef: h.ProviderRef, Reason: "late"})
	assert.Equal(t, OutcomeAnomaly, ack.Outcome)
	assert.Equal(t, models.HoldCaptured, f.hold(t, h.ID).State)
}

func TestWebhookReconciler_CaptureAboveHeldAmount(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	h, err := f.holds.CreateHold(ctx, holdInput("k-1", 150))
	require.NoError(t, err)

	ack := f.deliver(t, models.ProviderEvent{ID: "evt-1", Type: models.ProviderCaptureSucceeded, HoldRef: h.ProviderRef, Amount: 151})
	assert.Equal(t, OutcomeAnomaly, ack.Outcome)

	stored := f.hold(t, h.ID)
	assert.Equal(t, models.HoldHeld, stored.State)
	assert.Zero(t, stored.CapturedAmount)

	ack = f.deliver(t, models.ProviderEvent{ID: "evt-2", Type: models.ProviderCaptureSucceeded, HoldRef: h.ProviderRef, Amount: 150})
	assert.Equal(t, OutcomeApplied, ack.Outcome, "a capture of exactly the held amount applies")
	assert.Equal(t, int64(150), f.hold(t, h.ID).CapturedAmount)
}

func TestWebhookReconciler_UnknownHold(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	event := models.ProviderEvent{ID: "evt-1", Type: models.ProviderReleaseSucceeded, HoldRef: "ghost"}
	ack := f.deliver(t, event)
	assert.Equal(t, OutcomeIgnored, ack.Outcome)

	seen, err := f.store.IsProcessed(ctx, "evt-1")
	require.NoError(t, err)
	assert.False(t, seen, "ignored events stay deliverable")
}

func TestWebhookReconciler_UpdatesSettlementCheckpoint(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.activeAuction(t, "a-1", 0)

	alice := f.placeBid(t, "a-1", "alice", 150)
	bob := f.placeBid(t, "a-1", "bob", 160)
	f.closeAuction(t, "a-1")

	winner := bob.HoldID
	_, _, err := f.store.CreateSettlement(ctx, &models.SettlementRecord{
		AuctionID:     "a-1",
		WinningHoldID: &winner,
		WinnerID:      "bob",
		CaptureAmount: 160,
		LosingHoldIDs: []string{alice.HoldID},
		Status:        models.SettlementInProgress,
		CreatedAt:     t0,
		UpdatedAt:     t0,
	})
	require.NoError(t, err)

	aliceHold := f.hold(t, alice.HoldID)
	ack := f.deliver(t, models.ProviderEvent{ID: "evt-1", Type: models.ProviderReleaseSucceeded, HoldRef: aliceHold.ProviderRef})
	assert.Equal(t, OutcomeApplied, ack.Outcome)

	rec, err := f.engine.GetSettlement(ctx, "a-1")
	require.NoError(t, err)
	assert.Equal(t, models.OutcomeReleased, rec.Checkpoint[alice.HoldID])

	// The resumed run trusts the checkpoint and only captures.
	rec, err = f.engine.Settle(ctx, "a-1")
	require.NoError(t, err)
	assert.Equal(t, models.SettlementComplete, rec.Status)
	assert.Zero(t, f.provider.Calls(provider.OpRelease))
}
