package service

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/akylbek/payment-system/auction-settlement/internal/apperrors"
	"github.com/akylbek/payment-system/auction-settlement/internal/clock"
	"github.com/akylbek/payment-system/auction-settlement/internal/interfaces"
	"github.com/akylbek/payment-system/auction-settlement/internal/models"
	"github.com/akylbek/payment-system/auction-settlement/internal/telemetry"
)

// BiddingService is the bid entry point used by the API: it backs every bid with a payment hold.
type BiddingService struct {
	coordinator *BidCoordinator
	holds       *HoldManager
	auctions    interfaces.AuctionRepository
	clock       clock.Clock
}

func NewBiddingService(coordinator *BidCoordinator, holds *HoldManager, auctions interfaces.AuctionRepository, clk clock.Clock) *BiddingService {
	return &BiddingService{coordinator: coordinator, holds: holds, auctions: auctions, clock: clk}
}

type PlaceBidInput struct {
	AuctionID      string
	BidderID       string
	Amount         int64
	IdempotencyKey string
}

// bidHoldKey scopes a client key to one bidder on one auction.
func bidHoldKey(in PlaceBidInput) string {
	return "bid:" + in.AuctionID + ":" + in.BidderID + ":" + in.IdempotencyKey
}

// PlaceBid authorizes the amount, then submits the bid referencing the hold. The hold is created
// outside the bid lock and released again when the bid is rejected.
func (s *BiddingService) PlaceBid(ctx context.Context, in PlaceBidInput) (*models.Bid, error) {
	ctx, span := telemetry.StartSpan(ctx, "BiddingService.PlaceBid",
		attribute.String("auction_id", in.AuctionID),
		attribute.String("bidder_id", in.BidderID),
	)
	defer span.End()

	if in.AuctionID == "" || in.BidderID == "" || in.Amount <= 0 {
		return nil, apperrors.NewValidationError(apperrors.CodeInvalidInput, "auction_id, bidder_id and a positive amount are required")
	}
	if in.IdempotencyKey == "" {
		in.IdempotencyKey = uuid.NewString()
	}
	key := bidHoldKey(in)

	// A retry of a request that already produced a bid returns that bid.
	if bid, err := s.bidForKey(ctx, key); err != nil || bid != nil {
		return bid, err
	}

	auction, err := s.coordinator.GetAuction(ctx, in.AuctionID)
	if err != nil {
		return nil, err
	}
	if err := checkBiddable(auction, in.BidderID, in.Amount, s.clock.Now()); err != nil {
		return nil, err
	}

	hold, err := s.holds.CreateHold(ctx, CreateHoldInput{
		BidderID:       in.BidderID,
		AuctionID:      in.AuctionID,
		Amount:         in.Amount,
		Purpose:        models.PurposeBid,
		IdempotencyKey: key,
	})
	if err != nil {
		return nil, err
	}
	switch hold.State {
	case models.HoldHeld:
	case models.HoldFailed:
		return nil, apperrors.NewUpstreamError(apperrors.CodeProviderDeclined, "payment authorization failed: "+hold.FailureReason, false)
	default:
		return nil, apperrors.NewConflictError(apperrors.CodeHoldNotHeld,
			fmt.Sprintf("hold for this request is %s", hold.State))
	}

	bid, err := s.coordinator.SubmitBid(ctx, SubmitBidInput{
		AuctionID: in.AuctionID,
		BidderID:  in.BidderID,
		Amount:    in.Amount,
		HoldID:    hold.ID,
	})
	if err == nil {
		return bid, nil
	}

	if prior, findErr := s.auctions.FindBidByHold(ctx, hold.ID); findErr == nil && prior != nil {
		return prior, nil
	}

	s.releaseRejected(context.WithoutCancel(ctx), hold, key)
	return nil, err
}

// releaseRejected voids the hold of a bid that was not accepted. Settlement may already have listed
// the auction's holds, so a hold that cannot be released is marked FAILED rather than left HELD.
func (s *BiddingService) releaseRejected(ctx context.Context, hold *models.PaymentHold, key string) {
	_, relErr := s.holds.ReleaseHold(ctx, hold.ID, "release:"+key)
	if relErr == nil {
		return
	}
	telemetry.Logger.Error("Failed to release hold of rejected bid",
		zap.String("hold_id", hold.ID),
		zap.String("auction_id", hold.AuctionID),
		zap.Error(relErr),
	)
	if _, err := s.holds.MarkFailed(ctx, hold.ID, "release after rejected bid failed: "+relErr.Error()); err != nil {
		telemetry.Logger.Error("Failed to mark hold failed",
			zap.String("hold_id", hold.ID),
			zap.Error(err),
		)
	}
}

func (s *BiddingService) bidForKey(ctx context.Context, key string) (*models.Bid, error) {
	hold, err := s.holds.FindByIdempotencyKey(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("find hold by key: %w", err)
	}
	if hold == nil {
		return nil, nil
	}
	bid, err := s.auctions.FindBidByHold(ctx, hold.ID)
	if err != nil {
		return nil, fmt.Errorf("find bid by hold: %w", err)
	}
	return bid, nil
}
