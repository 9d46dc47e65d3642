package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/akylbek/payment-system/auction-settlement/internal/apperrors"
	"github.com/akylbek/payment-system/auction-settlement/internal/clock"
	"github.com/akylbek/payment-system/auction-settlement/internal/interfaces"
	"github.com/akylbek/payment-system/auction-settlement/internal/metrics"
	"github.com/akylbek/payment-system/auction-settlement/internal/models"
	"github.com/akylbek/payment-system/auction-settlement/internal/telemetry"
)

// BidCoordinator accepts bids in a single total order per auction and drives the auction lifecycle
// up to CLOSED.
type BidCoordinator struct {
	auctions  interfaces.AuctionRepository
	locker    interfaces.Locker
	publisher interfaces.EventPublisher
	clock     clock.Clock
}

func NewBidCoordinator(auctions interfaces.AuctionRepository, locker interfaces.Locker, publisher interfaces.EventPublisher, clk clock.Clock) *BidCoordinator {
	return &BidCoordinator{auctions: auctions, locker: locker, publisher: publisher, clock: clk}
}

type ScheduleAuctionInput struct {
	ID            string    `json:"id"`
	SellerID      string    `json:"seller_id" binding:"required"`
	Title         string    `json:"title"`
	StartingPrice int64     `json:"starting_price" binding:"gte=0"`
	ReservePrice  int64     `json:"reserve_price" binding:"gte=0"`
	MinIncrement  int64     `json:"min_increment" binding:"gt=0"`
	StartTime     time.Time `json:"start_time" binding:"required"`
	EndTime       time.Time `json:"end_time" binding:"required"`
}

func (c *BidCoordinator) ScheduleAuction(ctx context.Context, in ScheduleAuctionInput) (*models.Auction, error) {
	switch {
	case in.SellerID == "":
		return nil, apperrors.NewValidationError(apperrors.CodeInvalidInput, "seller_id is required")
	case in.StartingPrice < 0 || in.ReservePrice < 0:
		return nil, apperrors.NewValidationError(apperrors.CodeInvalidInput, "prices must not be negative")
	case in.MinIncrement <= 0:
		return nil, apperrors.NewValidationError(apperrors.CodeInvalidInput, "min_increment must be positive")
	case !in.EndTime.After(in.StartTime):
		return nil, apperrors.NewValidationError(apperrors.CodeInvalidInput, "end_time must be after start_time")
	}

	now := c.clock.Now()
	if in.ID == "" {
		in.ID = uuid.NewString()
	}
	auction := &models.Auction{
		ID:            in.ID,
		SellerID:      in.SellerID,
		Title:         in.Title,
		Status:        models.AuctionScheduled,
		StartingPrice: in.StartingPrice,
		ReservePrice:  in.ReservePrice,
		MinIncrement:  in.MinIncrement,
		StartTime:     in.StartTime.UTC(),
		EndTime:       in.EndTime.UTC(),
		HighBid:       models.HighBid{Amount: in.StartingPrice},
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	err := c.auctions.CreateAuction(ctx, auction)
	if errors.Is(err, models.ErrDuplicateKey) {
		return nil, apperrors.NewConflictError(apperrors.CodeInvalidInput, "auction already exists")
	}
	if err != nil {
		return nil, fmt.Errorf("create auction: %w", err)
	}

	telemetry.Logger.Info("Auction scheduled",
		zap.String("auction_id", auction.ID),
		zap.Time("start_time", auction.StartTime),
		zap.Time("end_time", auction.EndTime),
	)
	return auction, nil
}

type SubmitBidInput struct {
	AuctionID string
	BidderID  string
	Amount    int64
	HoldID    string
}

// SubmitBid validates and commits a bid while holding the auction's bid lock.
func (c *BidCoordinator) SubmitBid(ctx context.Context, in SubmitBidInput) (*models.Bid, error) {
	ctx, span := telemetry.StartSpan(ctx, "BidCoordinator.SubmitBid",
		attribute.String("auction_id", in.AuctionID),
		attribute.String("bidder_id", in.BidderID),
		attribute.Int64("amount", in.Amount),
	)
	defer span.End()

	if in.AuctionID == "" || in.BidderID == "" || in.Amount <= 0 {
		metrics.BidsTotal.WithLabelValues(apperrors.CodeInvalidInput).Inc()
		return nil, apperrors.NewValidationError(apperrors.CodeInvalidInput, "auction_id, bidder_id and a positive amount are required")
	}

	ctx, release, err := c.locker.Acquire(ctx, BidLockKey(in.AuctionID))
	if err != nil {
		return nil, fmt.Errorf("acquire bid lock: %w", err)
	}
	defer release()

	start := time.Now()
	bid, err := c.evaluateAndCommit(ctx, in)
	metrics.BidCommitSeconds.Observe(time.Since(start).Seconds())

	if err != nil {
		reason := apperrors.CodeInternal
		if appErr, ok := apperrors.As(err); ok {
			reason = appErr.Code
		}
		metrics.BidsTotal.WithLabelValues(reason).Inc()
		telemetry.Logger.Info("Bid rejected",
			zap.String("auction_id", in.AuctionID),
			zap.String("bidder_id", in.BidderID),
			zap.Int64("amount", in.Amount),
			zap.String("reason", reason),
		)
		return nil, err
	}

	metrics.BidsTotal.WithLabelValues("accepted").Inc()
	telemetry.Logger.Info("Bid accepted",
		zap.String("auction_id", bid.AuctionID),
		zap.String("bid_id", bid.ID),
		zap.Int64("sequence_number", bid.SequenceNumber),
		zap.String("amount", models.FormatMinor(bid.Amount)),
	)
	return bid, nil
}

// evaluateAndCommit must run under the bid lock.
func (c *BidCoordinator) evaluateAndCommit(ctx context.Context, in SubmitBidInput) (*models.Bid, error) {
	auction, err := c.GetAuction(ctx, in.AuctionID)
	if err != nil {
		return nil, err
	}

	now := c.clock.Now()
	if err := checkBiddable(auction, in.BidderID, in.Amount, now); err != nil {
		return nil, err
	}

	bid := &models.Bid{
		ID:             uuid.NewString(),
		AuctionID:      auction.ID,
		BidderID:       in.BidderID,
		Amount:         in.Amount,
		SequenceNumber: auction.LastSequence + 1,
		HoldID:         in.HoldID,
		AcceptedAt:     now,
	}

	err = c.auctions.CommitBid(ctx, bid, auction.LastSequence)
	if errors.Is(err, models.ErrStaleWrite) {
		return nil, apperrors.NewConflictError(apperrors.CodeStaleHighBid, "high bid changed during evaluation, retry")
	}
	if err != nil {
		return nil, fmt.Errorf("commit bid: %w", err)
	}

	high := models.HighBid{
		Amount:   bid.Amount,
		BidderID: bid.BidderID,
		BidID:    bid.ID,
		HoldID:   bid.HoldID,
		Sequence: bid.SequenceNumber,
	}
	c.publisher.Publish(models.Event{
		Type:           models.EventBidAccepted,
		AuctionID:      auction.ID,
		SequenceNumber: bid.SequenceNumber,
		Payload: models.BidAcceptedPayload{
			BidID:          bid.ID,
			CurrentHighBid: high,
			MinimumNextBid: bid.Amount + auction.MinIncrement,
		},
		OccurredAt: now,
	})
	return bid, nil
}

// checkBiddable applies the acceptance rules against a snapshot of the auction.
func checkBiddable(auction *models.Auction, bidderID string, amount int64, now time.Time) error {
	if !auction.AcceptsBidsAt(now) {
		return apperrors.NewConflictError(apperrors.CodeAuctionNotActive, "auction is not accepting bids").
			WithDetails(map[string]interface{}{"status": auction.Status})
	}
	if amount < auction.MinimumNextBid() {
		return apperrors.NewConflictError(apperrors.CodeBidTooLow,
			fmt.Sprintf("bid must be at least %s", models.FormatMinor(auction.MinimumNextBid()))).
			WithDetails(map[string]interface{}{
				"minimum_next_bid": auction.MinimumNextBid(),
				"current_high_bid": auction.HighBid.Amount,
			})
	}
	if auction.HighBid.BidderID == bidderID {
		return apperrors.NewConflictError(apperrors.CodeSelfOutbid, "bidder already holds the high bid")
	}
	return nil
}

// Activate opens a SCHEDULED auction whose start time has passed. It reports whether this call
// performed the transition.
func (c *BidCoordinator) Activate(ctx context.Context, auctionID string) (bool, error) {
	auction, err := c.GetAuction(ctx, auctionID)
	if err != nil {
		return false, err
	}
	switch auction.Status {
	case models.AuctionActive:
		return false, nil
	case models.AuctionScheduled:
	default:
		return false, apperrors.NewConflictError(apperrors.CodeAuctionNotActive,
			fmt.Sprintf("auction is %s", auction.Status))
	}
	if now := c.clock.Now(); now.Before(auction.StartTime) {
		return false, apperrors.NewConflictError(apperrors.CodeAuctionNotActive,
			"auction starts at "+auction.StartTime.Format(time.RFC3339))
	}

	ok, err := c.auctions.TransitionStatus(ctx, auctionID, models.AuctionScheduled, models.AuctionActive)
	if err != nil {
		return false, fmt.Errorf("activate auction: %w", err)
	}
	if ok {
		telemetry.Logger.Info("Auction activated", zap.String("auction_id", auctionID))
	}
	return ok, nil
}

// Close moves an ACTIVE auction to CLOSED. It reports whether this call performed the transition, so
// callers can trigger settlement exactly once.
func (c *BidCoordinator) Close(ctx context.Context, auctionID string) (bool, error) {
	ctx, span := telemetry.StartSpan(ctx, "BidCoordinator.Close", attribute.String("auction_id", auctionID))
	defer span.End()

	ctx, release, err := c.locker.Acquire(ctx, BidLockKey(auctionID))
	if err != nil {
		return false, fmt.Errorf("acquire bid lock: %w", err)
	}
	defer release()

	auction, err := c.GetAuction(ctx, auctionID)
	if err != nil {
		return false, err
	}
	switch auction.Status {
	case models.AuctionActive:
	case models.AuctionScheduled:
		return false, apperrors.NewConflictError(apperrors.CodeAuctionNotActive, "auction has not started")
	default:
		return false, nil
	}

	ok, err := c.auctions.TransitionStatus(ctx, auctionID, models.AuctionActive, models.AuctionClosed)
	if err != nil {
		return false, fmt.Errorf("close auction: %w", err)
	}
	if !ok {
		return false, nil
	}

	c.publisher.Publish(models.Event{
		Type:           models.EventAuctionClosed,
		AuctionID:      auctionID,
		SequenceNumber: auction.LastSequence,
		Payload: models.AuctionClosedPayload{
			CurrentHighBid: auction.HighBid,
			ReserveMet:     auction.ReserveMet(),
		},
		OccurredAt: c.clock.Now(),
	})
	telemetry.Logger.Info("Auction closed",
		zap.String("auction_id", auctionID),
		zap.Int64("last_sequence", auction.LastSequence),
		zap.Bool("reserve_met", auction.ReserveMet()),
	)
	return true, nil
}

func (c *BidCoordinator) GetAuction(ctx context.Context, auctionID string) (*models.Auction, error) {
	auction, err := c.auctions.GetAuction(ctx, auctionID)
	if errors.Is(err, models.ErrAuctionNotFound) {
		return nil, apperrors.NewNotFoundError(apperrors.CodeAuctionNotFound, "auction not found")
	}
	if err != nil {
		return nil, fmt.Errorf("get auction: %w", err)
	}
	return auction, nil
}

// ListBids returns accepted bids in sequence order.
func (c *BidCoordinator) ListBids(ctx context.Context, auctionID string) ([]*models.Bid, error) {
	if _, err := c.GetAuction(ctx, auctionID); err != nil {
		return nil, err
	}
	return c.auctions.ListBids(ctx, auctionID)
}
