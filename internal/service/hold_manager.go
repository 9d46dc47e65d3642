package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/akylbek/payment-system/auction-settlement/internal/apperrors"
	"github.com/akylbek/payment-system/auction-settlement/internal/clock"
	"github.com/akylbek/payment-system/auction-settlement/internal/interfaces"
	"github.com/akylbek/payment-system/auction-settlement/internal/metrics"
	"github.com/akylbek/payment-system/auction-settlement/internal/models"
	"github.com/akylbek/payment-system/auction-settlement/internal/provider"
	"github.com/akylbek/payment-system/auction-settlement/internal/telemetry"
)

// HoldManager owns the lifecycle of payment holds and every call to the payment provider.
type HoldManager struct {
	holds    interfaces.HoldRepository
	provider interfaces.PaymentProvider
	clock    clock.Clock
	retry    RetryPolicy
}

func NewHoldManager(holds interfaces.HoldRepository, p interfaces.PaymentProvider, clk clock.Clock, retry RetryPolicy) *HoldManager {
	return &HoldManager{holds: holds, provider: p, clock: clk, retry: retry}
}

type CreateHoldInput struct {
	BidderID       string             `json:"bidder_id"`
	AuctionID      string             `json:"auction_id"`
	Amount         int64              `json:"amount"`
	Purpose        models.HoldPurpose `json:"purpose"`
	IdempotencyKey string             `json:"idempotency_key"`
}

func (in *CreateHoldInput) validate() error {
	if in.Purpose == "" {
		in.Purpose = models.PurposeBid
	}
	switch {
	case in.BidderID == "" || in.AuctionID == "":
		return apperrors.NewValidationError(apperrors.CodeInvalidInput, "bidder_id and auction_id are required")
	case in.Amount <= 0:
		return apperrors.NewValidationError(apperrors.CodeInvalidInput, "amount must be positive")
	case in.IdempotencyKey == "":
		return apperrors.NewValidationError(apperrors.CodeInvalidInput, "idempotency key is required")
	case in.Purpose != models.PurposeBid && in.Purpose != models.PurposeBalance:
		return apperrors.NewValidationError(apperrors.CodeInvalidInput, fmt.Sprintf("unknown purpose %q", in.Purpose))
	}
	return nil
}

// CreateHold authorizes funds with the provider and records the hold.
// A repeated key with the same parameters returns the stored hold.
func (m *HoldManager) CreateHold(ctx context.Context, in CreateHoldInput) (*models.PaymentHold, error) {
	ctx, span := telemetry.StartSpan(ctx, "HoldManager.CreateHold",
		attribute.String("auction_id", in.AuctionID),
		attribute.String("bidder_id", in.BidderID),
	)
	defer span.End()

	if err := in.validate(); err != nil {
		return nil, err
	}

	existing, err := m.holds.FindHoldByIdempotencyKey(ctx, in.IdempotencyKey)
	if err != nil {
		return nil, fmt.Errorf("find hold by key: %w", err)
	}
	if existing != nil {
		return matchExisting(existing, in)
	}

	var ref string
	callErr := callProvider(ctx, m.retry, provider.OpAuthorize, func(ctx context.Context) error {
		r, err := m.provider.CreateAuthorization(ctx, in.Amount, in.IdempotencyKey)
		ref = r
		return err
	})
	if callErr != nil && ctx.Err() != nil {
		return nil, ctx.Err()
	}

	now := m.clock.Now()
	hold := &models.PaymentHold{
		ID:             uuid.NewString(),
		BidderID:       in.BidderID,
		AuctionID:      in.AuctionID,
		Amount:         in.Amount,
		ProviderRef:    ref,
		IdempotencyKey: in.IdempotencyKey,
		Purpose:        in.Purpose,
		State:          models.HoldHeld,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if callErr != nil {
		hold.State = models.HoldFailed
		hold.FailureReason = callErr.Error()
	}

	// The provider has answered; record the outcome even if the caller goes away now.
	stored, err := m.insert(context.WithoutCancel(ctx), hold, in)
	if err != nil {
		return nil, err
	}

	if callErr != nil {
		telemetry.Logger.Warn("Hold authorization failed",
			zap.String("hold_id", hold.ID),
			zap.String("auction_id", hold.AuctionID),
			zap.Error(callErr),
		)
		return nil, providerFailure(provider.OpAuthorize, callErr).
			WithDetails(map[string]interface{}{"hold_id": stored.ID})
	}

	telemetry.Logger.Info("Hold created",
		zap.String("hold_id", stored.ID),
		zap.String("auction_id", stored.AuctionID),
		zap.String("bidder_id", stored.BidderID),
		zap.String("amount", models.FormatMinor(stored.Amount)),
	)
	return stored, nil
}

func (m *HoldManager) insert(ctx context.Context, hold *models.PaymentHold, in CreateHoldInput) (*models.PaymentHold, error) {
	err := m.holds.InsertHold(ctx, hold)
	if errors.Is(err, models.ErrDuplicateKey) {
		// Lost a race on the same key; the winner's row is authoritative.
		existing, findErr := m.holds.FindHoldByIdempotencyKey(ctx, in.IdempotencyKey)
		if findErr != nil {
			return nil, fmt.Errorf("re-read hold by key: %w", findErr)
		}
		if existing == nil {
			return nil, apperrors.NewInternalError("hold vanished after duplicate key").WithCause(err)
		}
		return matchExisting(existing, in)
	}
	if err != nil {
		return nil, fmt.Errorf("insert hold: %w", err)
	}
	metrics.HoldTransitionsTotal.WithLabelValues(string(hold.State)).Inc()
	return hold, nil
}

func matchExisting(h *models.PaymentHold, in CreateHoldInput) (*models.PaymentHold, error) {
	if h.BidderID != in.BidderID || h.AuctionID != in.AuctionID || h.Amount != in.Amount || h.Purpose != in.Purpose {
		return nil, apperrors.NewConflictError(apperrors.CodeIdempotencyConflict,
			"idempotency key was already used with different parameters")
	}
	return h, nil
}

// CaptureHold transfers amount of a held authorization.
func (m *HoldManager) CaptureHold(ctx context.Context, holdID string, amount int64, idempotencyKey string) (*models.PaymentHold, error) {
	ctx, span := telemetry.StartSpan(ctx, "HoldManager.CaptureHold", attribute.String("hold_id", holdID))
	defer span.End()

	hold, err := m.GetHold(ctx, holdID)
	if err != nil {
		return nil, err
	}
	if done, err := captureSettled(hold, amount); done {
		if err != nil {
			return nil, err
		}
		return hold, nil
	}
	if amount <= 0 || amount > hold.Amount {
		return nil, apperrors.NewValidationError(apperrors.CodeInvalidInput,
			fmt.Sprintf("capture amount must be between 1 and %d", hold.Amount))
	}
	if err := m.ensureNoCapturedSibling(ctx, hold); err != nil {
		return nil, err
	}
	if idempotencyKey == "" {
		idempotencyKey = "capture:" + hold.ID
	}

	err = callProvider(ctx, m.retry, provider.OpCapture, func(ctx context.Context) error {
		return m.provider.Capture(ctx, hold.ProviderRef, amount, idempotencyKey)
	})
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, providerFailure(provider.OpCapture, err)
	}

	return m.apply(context.WithoutCancel(ctx), hold, models.HoldCaptured, models.HoldUpdate{CapturedAmount: amount})
}

// ensureNoCapturedSibling refuses a capture before the provider is asked when another hold of the
// same auction and purpose is already captured.
func (m *HoldManager) ensureNoCapturedSibling(ctx context.Context, hold *models.PaymentHold) error {
	siblings, err := m.holds.ListHoldsByAuction(ctx, hold.AuctionID, hold.Purpose)
	if err != nil {
		return fmt.Errorf("list sibling holds: %w", err)
	}
	for _, other := range siblings {
		if other.ID != hold.ID && other.State == models.HoldCaptured {
			return apperrors.NewConflictError(apperrors.CodeDoubleCapture,
				"another hold of this auction is already captured").
				WithDetails(map[string]interface{}{"captured_hold_id": other.ID})
		}
	}
	return nil
}

// CaptureCheckoutHold captures a hold on behalf of an API client. Bid holds belong to settlement.
func (m *HoldManager) CaptureCheckoutHold(ctx context.Context, holdID string, amount int64, idempotencyKey string) (*models.PaymentHold, error) {
	if err := m.ensureCheckoutHold(ctx, holdID); err != nil {
		return nil, err
	}
	return m.CaptureHold(ctx, holdID, amount, idempotencyKey)
}

// ReleaseCheckoutHold releases a hold on behalf of an API client. Bid holds belong to settlement.
func (m *HoldManager) ReleaseCheckoutHold(ctx context.Context, holdID string, idempotencyKey string) (*models.PaymentHold, error) {
	if err := m.ensureCheckoutHold(ctx, holdID); err != nil {
		return nil, err
	}
	return m.ReleaseHold(ctx, holdID, idempotencyKey)
}

func (m *HoldManager) ensureCheckoutHold(ctx context.Context, holdID string) error {
	hold, err := m.GetHold(ctx, holdID)
	if err != nil {
		return err
	}
	if hold.Purpose == models.PurposeBid {
		return apperrors.NewConflictError(apperrors.CodeHoldManagedBySettlement,
			"bid holds are captured and released by settlement only")
	}
	return nil
}

// captureSettled reports whether a capture request is already answered by the hold's state.
func captureSettled(hold *models.PaymentHold, amount int64) (bool, error) {
	switch hold.State {
	case models.HoldCaptured:
		if hold.CapturedAmount != amount {
			return true, apperrors.NewConflictError(apperrors.CodeCaptureAmountMismatch,
				fmt.Sprintf("hold already captured for %d", hold.CapturedAmount))
		}
		return true, nil
	case models.HoldReleased:
		return true, apperrors.NewConflictError(apperrors.CodeHoldReleased, "hold was released")
	case models.HoldFailed:
		return true, apperrors.NewConflictError(apperrors.CodeHoldFailed, "hold failed: "+hold.FailureReason)
	case models.HoldCreated:
		return true, apperrors.NewConflictError(apperrors.CodeHoldNotHeld, "hold is not authorized yet")
	}
	return false, nil
}

// ReleaseHold voids a held authorization.
func (m *HoldManager) ReleaseHold(ctx context.Context, holdID string, idempotencyKey string) (*models.PaymentHold, error) {
	ctx, span := telemetry.StartSpan(ctx, "HoldManager.ReleaseHold", attribute.String("hold_id", holdID))
	defer span.End()

	hold, err := m.GetHold(ctx, holdID)
	if err != nil {
		return nil, err
	}
	if done, err := releaseSettled(hold); done {
		if err != nil {
			return nil, err
		}
		return hold, nil
	}
	if idempotencyKey == "" {
		idempotencyKey = "release:" + hold.ID
	}

	err = callProvider(ctx, m.retry, provider.OpRelease, func(ctx context.Context) error {
		return m.provider.Release(ctx, hold.ProviderRef, idempotencyKey)
	})
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, providerFailure(provider.OpRelease, err)
	}

	return m.apply(context.WithoutCancel(ctx), hold, models.HoldReleased, models.HoldUpdate{})
}

func releaseSettled(hold *models.PaymentHold) (bool, error) {
	switch hold.State {
	case models.HoldReleased:
		return true, nil
	case models.HoldCaptured:
		return true, apperrors.NewConflictError(apperrors.CodeAlreadyCaptured, "hold was already captured")
	case models.HoldFailed:
		return true, apperrors.NewConflictError(apperrors.CodeHoldFailed, "hold failed: "+hold.FailureReason)
	case models.HoldCreated:
		return true, apperrors.NewConflictError(apperrors.CodeHoldNotHeld, "hold is not authorized yet")
	}
	return false, nil
}

// MarkFailed moves a non-terminal hold to FAILED. Terminal holds are returned unchanged.
func (m *HoldManager) MarkFailed(ctx context.Context, holdID, reason string) (*models.PaymentHold, error) {
	hold, err := m.GetHold(ctx, holdID)
	if err != nil {
		return nil, err
	}
	if hold.State.IsTerminal() {
		return hold, nil
	}
	return m.apply(ctx, hold, models.HoldFailed, models.HoldUpdate{FailureReason: reason})
}

// apply persists a transition from the hold's current state. When the row moved underneath us the
// fresh state is re-evaluated so that a concurrent identical transition still reads as success.
func (m *HoldManager) apply(ctx context.Context, hold *models.PaymentHold, to models.HoldState, update models.HoldUpdate) (*models.PaymentHold, error) {
	update.At = m.clock.Now()
	ok, err := m.holds.TransitionHold(ctx, hold.ID, hold.State, to, update)
	if errors.Is(err, models.ErrCaptureExists) {
		// The provider already moved the funds; the ledger row stays as it was.
		telemetry.Logger.Error("Provider capture not recorded, another hold is captured",
			zap.String("hold_id", hold.ID),
			zap.String("auction_id", hold.AuctionID),
			zap.Int64("captured_amount", update.CapturedAmount),
		)
		return nil, apperrors.NewConflictError(apperrors.CodeCaptureUnrecorded,
			"funds were captured but another hold of this auction is already recorded as captured").
			WithCause(err).
			WithDetails(map[string]interface{}{"hold_id": hold.ID, "captured_amount": update.CapturedAmount})
	}
	if err != nil {
		return nil, fmt.Errorf("transition hold %s to %s: %w", hold.ID, to, err)
	}

	current, err := m.GetHold(ctx, hold.ID)
	if err != nil {
		return nil, err
	}
	if !ok {
		if current.State != to {
			return nil, apperrors.NewConflictError(apperrors.CodeHoldNotHeld,
				fmt.Sprintf("hold moved to %s concurrently", current.State))
		}
		return current, nil
	}

	metrics.HoldTransitionsTotal.WithLabelValues(string(to)).Inc()
	telemetry.Logger.Info("Hold state transition",
		zap.String("hold_id", hold.ID),
		zap.String("from_state", string(hold.State)),
		zap.String("to_state", string(to)),
	)
	return current, nil
}

func (m *HoldManager) GetHold(ctx context.Context, holdID string) (*models.PaymentHold, error) {
	hold, err := m.holds.GetHold(ctx, holdID)
	if errors.Is(err, models.ErrHoldNotFound) {
		return nil, apperrors.NewNotFoundError(apperrors.CodeHoldNotFound, "hold not found")
	}
	if err != nil {
		return nil, fmt.Errorf("get hold: %w", err)
	}
	return hold, nil
}

func (m *HoldManager) ListAuctionHolds(ctx context.Context, auctionID string, purpose models.HoldPurpose) ([]*models.PaymentHold, error) {
	if purpose == "" {
		purpose = models.PurposeBid
	}
	return m.holds.ListHoldsByAuction(ctx, auctionID, purpose)
}

// FindByIdempotencyKey returns nil when no hold was created under key.
func (m *HoldManager) FindByIdempotencyKey(ctx context.Context, key string) (*models.PaymentHold, error) {
	return m.holds.FindHoldByIdempotencyKey(ctx, key)
}
