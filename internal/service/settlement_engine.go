package service

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/akylbek/payment-system/auction-settlement/internal/apperrors"
	"github.com/akylbek/payment-system/auction-settlement/internal/clock"
	"github.com/akylbek/payment-system/auction-settlement/internal/interfaces"
	"github.com/akylbek/payment-system/auction-settlement/internal/metrics"
	"github.com/akylbek/payment-system/auction-settlement/internal/models"
	"github.com/akylbek/payment-system/auction-settlement/internal/telemetry"
)

const reasonNoWinningHold = "no held payment covers the winning bid"

// SettlementEngine captures the winner's hold and releases every other hold of a closed auction.
// Runs are checkpointed so a crashed run resumes without reissuing completed provider calls.
type SettlementEngine struct {
	auctions    interfaces.AuctionRepository
	holds       interfaces.HoldRepository
	settlements interfaces.SettlementRepository
	holdManager *HoldManager
	locker      interfaces.Locker
	publisher   interfaces.EventPublisher
	alerter     interfaces.Alerter
	clock       clock.Clock
}

func NewSettlementEngine(
	auctions interfaces.AuctionRepository,
	holds interfaces.HoldRepository,
	settlements interfaces.SettlementRepository,
	holdManager *HoldManager,
	locker interfaces.Locker,
	publisher interfaces.EventPublisher,
	alerter interfaces.Alerter,
	clk clock.Clock,
) *SettlementEngine {
	return &SettlementEngine{
		auctions:    auctions,
		holds:       holds,
		settlements: settlements,
		holdManager: holdManager,
		locker:      locker,
		publisher:   publisher,
		alerter:     alerter,
		clock:       clk,
	}
}

func captureKey(auctionID, holdID string) string {
	return "settle:" + auctionID + ":capture:" + holdID
}

func releaseKey(auctionID, holdID string) string {
	return "settle:" + auctionID + ":release:" + holdID
}

// Settle runs or resumes settlement of a CLOSED auction. Settling a SETTLED auction returns the stored
// record; a SETTLEMENT_FAILED auction is never retried automatically.
func (e *SettlementEngine) Settle(ctx context.Context, auctionID string) (*models.SettlementRecord, error) {
	ctx, span := telemetry.StartSpan(ctx, "SettlementEngine.Settle", attribute.String("auction_id", auctionID))
	defer span.End()

	ctx, release, err := e.locker.Acquire(ctx, SettlementLockKey(auctionID))
	if err != nil {
		return nil, fmt.Errorf("acquire settlement lock: %w", err)
	}
	defer release()

	auction, err := e.auctions.GetAuction(ctx, auctionID)
	if errors.Is(err, models.ErrAuctionNotFound) {
		return nil, apperrors.NewNotFoundError(apperrors.CodeAuctionNotFound, "auction not found")
	}
	if err != nil {
		return nil, fmt.Errorf("get auction: %w", err)
	}

	switch auction.Status {
	case models.AuctionSettled:
		rec, err := e.GetSettlement(ctx, auctionID)
		if err != nil {
			return nil, err
		}
		if err := e.sweepStragglers(ctx, rec); err != nil {
			return nil, err
		}
		return rec, nil
	case models.AuctionSettlementFailed:
		if rec, err := e.GetSettlement(ctx, auctionID); err == nil {
			if err := e.sweepStragglers(ctx, rec); err != nil {
				return nil, err
			}
		}
		return nil, apperrors.NewConflictError(apperrors.CodeSettlementFailed,
			"settlement failed and requires manual remediation")
	case models.AuctionClosed:
	default:
		return nil, apperrors.NewConflictError(apperrors.CodeAuctionNotClosed,
			fmt.Sprintf("auction is %s", auction.Status))
	}

	rec, err := e.plan(ctx, auction)
	if err != nil {
		return nil, err
	}

	switch rec.Status {
	case models.SettlementComplete:
		// Crashed between completing the record and moving the auction.
		return rec, e.finishAuction(ctx, auction, rec)
	case models.SettlementFailed:
		return nil, e.finishAuction(ctx, auction, rec)
	}

	return e.execute(ctx, auction, rec)
}

// plan creates the settlement record once. On resume it reuses the stored record and adds holds
// that appeared after the plan was made to the losing set.
func (e *SettlementEngine) plan(ctx context.Context, auction *models.Auction) (*models.SettlementRecord, error) {
	holds, err := e.holds.ListHoldsByAuction(ctx, auction.ID, models.PurposeBid)
	if err != nil {
		return nil, fmt.Errorf("list holds: %w", err)
	}

	now := e.clock.Now()
	rec := &models.SettlementRecord{
		AuctionID:  auction.ID,
		Status:     models.SettlementPending,
		Checkpoint: make(map[string]models.HoldOutcome),
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if auction.ReserveMet() {
		rec.WinningBidID = auction.HighBid.BidID
		rec.WinnerID = auction.HighBid.BidderID
		rec.CaptureAmount = auction.HighBid.Amount
		if winner := winningHold(auction, holds); winner != nil {
			id := winner.ID
			rec.WinningHoldID = &id
		} else {
			rec.FailureReason = reasonNoWinningHold
		}
	}
	rec.LosingHoldIDs = losingHolds(rec, holds)

	stored, created, err := e.settlements.CreateSettlement(ctx, rec)
	if err != nil {
		return nil, fmt.Errorf("create settlement: %w", err)
	}
	if created {
		telemetry.Logger.Info("Settlement planned",
			zap.String("auction_id", auction.ID),
			zap.String("winner_id", stored.WinnerID),
			zap.Int("losing_holds", len(stored.LosingHoldIDs)),
		)
		return stored, nil
	}

	if stored.Status == models.SettlementComplete || stored.Status == models.SettlementFailed {
		return stored, nil
	}
	known := make(map[string]bool, len(stored.LosingHoldIDs))
	for _, id := range stored.LosingHoldIDs {
		known[id] = true
	}
	for _, id := range losingHolds(stored, holds) {
		if !known[id] {
			stored.LosingHoldIDs = append(stored.LosingHoldIDs, id)
		}
	}
	return stored, nil
}

// winningHold picks the hold backing the winning bid, falling back to the winner's largest live
// hold that covers the amount.
func winningHold(auction *models.Auction, holds []*models.PaymentHold) *models.PaymentHold {
	live := func(h *models.PaymentHold) bool {
		return h.State == models.HoldHeld || h.State == models.HoldCaptured
	}
	for _, h := range holds {
		if h.ID == auction.HighBid.HoldID && live(h) {
			return h
		}
	}

	var best *models.PaymentHold
	for _, h := range holds {
		if h.BidderID != auction.HighBid.BidderID || !live(h) || h.Amount < auction.HighBid.Amount {
			continue
		}
		if best == nil || h.Amount > best.Amount {
			best = h
		}
	}
	return best
}

func losingHolds(rec *models.SettlementRecord, holds []*models.PaymentHold) []string {
	ids := make([]string, 0, len(holds))
	for _, h := range holds {
		if rec.WinningHoldID != nil && h.ID == *rec.WinningHoldID {
			continue
		}
		ids = append(ids, h.ID)
	}
	sort.Strings(ids)
	return ids
}

func (e *SettlementEngine) execute(ctx context.Context, auction *models.Auction, rec *models.SettlementRecord) (*models.SettlementRecord, error) {
	if rec.Status == models.SettlementPending {
		rec.Status = models.SettlementInProgress
		if err := e.save(ctx, rec); err != nil {
			return nil, err
		}
	}

	if rec.HasWinner() {
		winID := *rec.WinningHoldID
		if !rec.Done(winID) {
			// Once the capture is issued the run finishes regardless of the caller.
			ctx = context.WithoutCancel(ctx)
			outcome, reason := e.captureWinner(ctx, rec)
			rec.Record(winID, outcome)
			if reason != "" {
				rec.FailureReason = reason
			}
			if err := e.save(ctx, rec); err != nil {
				return nil, err
			}
		} else if rec.Checkpoint[winID] != models.OutcomeCaptured && rec.FailureReason == "" {
			rec.FailureReason = fmt.Sprintf("winning hold ended %s", rec.Checkpoint[winID])
		}
	}

	for _, holdID := range rec.LosingHoldIDs {
		if rec.Done(holdID) {
			continue
		}
		outcome, reason, err := e.releaseLoser(ctx, rec.AuctionID, holdID)
		if err != nil {
			return nil, err
		}
		rec.Record(holdID, outcome)
		if reason != "" && rec.FailureReason == "" {
			rec.FailureReason = reason
		}
		if err := e.save(ctx, rec); err != nil {
			return nil, err
		}
	}

	now := e.clock.Now()
	rec.UpdatedAt = now
	if rec.FailureReason != "" {
		rec.Status = models.SettlementFailed
	} else {
		rec.Status = models.SettlementComplete
		rec.CompletedAt = &now
	}
	if err := e.settlements.SaveSettlement(ctx, rec); err != nil {
		return nil, fmt.Errorf("save settlement: %w", err)
	}

	if err := e.finishAuction(ctx, auction, rec); err != nil {
		return nil, err
	}
	return rec, nil
}

// captureWinner returns the checkpoint outcome and, on failure, the reason.
func (e *SettlementEngine) captureWinner(ctx context.Context, rec *models.SettlementRecord) (models.HoldOutcome, string) {
	winID := *rec.WinningHoldID
	hold, err := e.holdManager.GetHold(ctx, winID)
	if err != nil {
		return models.OutcomeFailed, "winning hold unreadable: " + err.Error()
	}

	switch hold.State {
	case models.HoldCaptured:
		if hold.CapturedAmount == rec.CaptureAmount {
			return models.OutcomeCaptured, ""
		}
		return models.OutcomeFailed, fmt.Sprintf("winning hold captured %d, expected %d", hold.CapturedAmount, rec.CaptureAmount)
	case models.HoldHeld:
	default:
		return models.OutcomeFailed, fmt.Sprintf("winning hold is %s", hold.State)
	}

	if _, err := e.holdManager.CaptureHold(ctx, winID, rec.CaptureAmount, captureKey(rec.AuctionID, winID)); err != nil {
		if apperrors.Is(err, apperrors.CodeCaptureUnrecorded) {
			// Funds moved at the provider; the hold must not read as FAILED.
			telemetry.Logger.Error("Winner captured at provider but ledger already holds a capture",
				zap.String("auction_id", rec.AuctionID),
				zap.String("hold_id", winID),
				zap.Error(err),
			)
			return models.OutcomeFailed, "capture anomaly: winning hold " + winID +
				" was charged but another hold of the auction is recorded as captured"
		}
		telemetry.Logger.Error("Winner capture failed",
			zap.String("auction_id", rec.AuctionID),
			zap.String("hold_id", winID),
			zap.Error(err),
		)
		if _, markErr := e.holdManager.MarkFailed(ctx, winID, err.Error()); markErr != nil {
			telemetry.Logger.Error("Failed to mark hold failed", zap.String("hold_id", winID), zap.Error(markErr))
		}
		return models.OutcomeFailed, "capture failed: " + err.Error()
	}
	return models.OutcomeCaptured, ""
}

// releaseLoser releases one losing hold. Holds that were already terminal are recorded as they are;
// only a release that fails here fails the settlement. A returned error means the run stopped and
// must be resumed.
func (e *SettlementEngine) releaseLoser(ctx context.Context, auctionID, holdID string) (models.HoldOutcome, string, error) {
	hold, err := e.holdManager.GetHold(ctx, holdID)
	if err != nil {
		return "", "", err
	}
	if outcome, terminal := models.OutcomeForState(hold.State); terminal {
		if outcome == models.OutcomeCaptured {
			telemetry.Logger.Error("Losing hold is captured",
				zap.String("auction_id", auctionID),
				zap.String("hold_id", holdID),
			)
			return outcome, "losing hold " + holdID + " was captured", nil
		}
		return outcome, "", nil
	}

	_, err = e.holdManager.ReleaseHold(ctx, holdID, releaseKey(auctionID, holdID))
	if err == nil {
		return models.OutcomeReleased, "", nil
	}
	if ctx.Err() != nil {
		return "", "", ctx.Err()
	}

	telemetry.Logger.Error("Losing hold release failed",
		zap.String("auction_id", auctionID),
		zap.String("hold_id", holdID),
		zap.Error(err),
	)
	if _, markErr := e.holdManager.MarkFailed(ctx, holdID, err.Error()); markErr != nil {
		telemetry.Logger.Error("Failed to mark hold failed", zap.String("hold_id", holdID), zap.Error(markErr))
	}
	return models.OutcomeFailed, "release failed for hold " + holdID, nil
}

// sweepStragglers releases bid holds that reached HELD after the auction's settlement was planned,
// e.g. a bid whose authorization was in flight when the auction closed.
func (e *SettlementEngine) sweepStragglers(ctx context.Context, rec *models.SettlementRecord) error {
	holds, err := e.holds.ListHoldsByAuction(ctx, rec.AuctionID, models.PurposeBid)
	if err != nil {
		return fmt.Errorf("list holds: %w", err)
	}
	for _, h := range holds {
		if h.State != models.HoldHeld || (rec.WinningHoldID != nil && *rec.WinningHoldID == h.ID) {
			continue
		}
		outcome, reason, err := e.releaseLoser(ctx, rec.AuctionID, h.ID)
		if err != nil {
			return err
		}
		telemetry.Logger.Warn("Released hold left over after settlement",
			zap.String("auction_id", rec.AuctionID),
			zap.String("hold_id", h.ID),
			zap.String("outcome", string(outcome)),
			zap.String("reason", reason),
		)
	}
	return nil
}

func (e *SettlementEngine) save(ctx context.Context, rec *models.SettlementRecord) error {
	rec.UpdatedAt = e.clock.Now()
	if err := e.settlements.SaveSettlement(ctx, rec); err != nil {
		return fmt.Errorf("checkpoint settlement: %w", err)
	}
	return nil
}

// finishAuction moves the auction out of CLOSED to match a final record, then announces it.
func (e *SettlementEngine) finishAuction(ctx context.Context, auction *models.Auction, rec *models.SettlementRecord) error {
	to := models.AuctionSettled
	eventType := models.EventSettlementComplete
	if rec.Status == models.SettlementFailed {
		to = models.AuctionSettlementFailed
		eventType = models.EventSettlementFailed
	}

	ok, err := e.auctions.TransitionStatus(ctx, auction.ID, models.AuctionClosed, to)
	if err != nil {
		return fmt.Errorf("finish auction: %w", err)
	}
	if ok {
		metrics.SettlementsTotal.WithLabelValues(string(rec.Status)).Inc()
		e.publisher.Publish(models.Event{
			Type:           eventType,
			AuctionID:      auction.ID,
			SequenceNumber: auction.LastSequence,
			Payload: models.SettlementPayload{
				Status:        rec.Status,
				WinnerID:      rec.WinnerID,
				CaptureAmount: rec.CaptureAmount,
				FailureReason: rec.FailureReason,
			},
			OccurredAt: e.clock.Now(),
		})
	}

	if rec.Status == models.SettlementFailed {
		if ok {
			e.alerter.Alert(ctx, models.SettlementAlert{
				AuctionID:   auction.ID,
				Reason:      rec.FailureReason,
				FailedHolds: failedHolds(rec),
				RaisedAt:    e.clock.Now(),
			})
		}
		return apperrors.NewConflictError(apperrors.CodeSettlementFailed, rec.FailureReason).
			WithDetails(map[string]interface{}{"failed_holds": failedHolds(rec)})
	}

	telemetry.Logger.Info("Auction settled",
		zap.String("auction_id", auction.ID),
		zap.String("winner_id", rec.WinnerID),
		zap.String("capture_amount", models.FormatMinor(rec.CaptureAmount)),
	)
	return nil
}

func failedHolds(rec *models.SettlementRecord) []string {
	var ids []string
	for id, outcome := range rec.Checkpoint {
		if outcome == models.OutcomeFailed {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

// ResumePending settles every auction left CLOSED, e.g. after a crash.
func (e *SettlementEngine) ResumePending(ctx context.Context) error {
	closed, err := e.auctions.ListByStatus(ctx, models.AuctionClosed)
	if err != nil {
		return fmt.Errorf("list closed auctions: %w", err)
	}

	for _, auction := range closed {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if _, err := e.Settle(ctx, auction.ID); err != nil {
			telemetry.Logger.Error("Resumed settlement did not complete",
				zap.String("auction_id", auction.ID),
				zap.Error(err),
			)
		}
	}
	return nil
}

func (e *SettlementEngine) GetSettlement(ctx context.Context, auctionID string) (*models.SettlementRecord, error) {
	rec, err := e.settlements.GetSettlement(ctx, auctionID)
	if errors.Is(err, models.ErrSettlementNotFound) {
		return nil, apperrors.NewNotFoundError(apperrors.CodeSettlementNotFound, "settlement not found")
	}
	if err != nil {
		return nil, fmt.Errorf("get settlement: %w", err)
	}
	return rec, nil
}
