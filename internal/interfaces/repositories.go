package interfaces

import (
	"context"
	"time"

	"github.com/akylbek/payment-system/auction-settlement/internal/models"
)

// AuctionRepository defines the ledger contract for auctions and their bids.
type AuctionRepository interface {
	CreateAuction(ctx context.Context, auction *models.Auction) error
	GetAuction(ctx context.Context, auctionID string) (*models.Auction, error)
	// CommitBid appends bid and moves the high bid to it, only if the auction is ACTIVE, its last
	// sequence still equals expectedSequence and bid.Amount clears the increment. Otherwise ErrStaleWrite.
	CommitBid(ctx context.Context, bid *models.Bid, expectedSequence int64) error
	TransitionStatus(ctx context.Context, auctionID string, from, to models.AuctionStatus) (bool, error)
	ListBids(ctx context.Context, auctionID string) ([]*models.Bid, error)
	// FindBidByHold returns nil, nil when no bid references holdID.
	FindBidByHold(ctx context.Context, holdID string) (*models.Bid, error)
	ListDueForActivation(ctx context.Context, now time.Time) ([]*models.Auction, error)
	ListDueForClose(ctx context.Context, now time.Time) ([]*models.Auction, error)
	ListByStatus(ctx context.Context, status models.AuctionStatus) ([]*models.Auction, error)
}

// HoldRepository defines the ledger contract for payment holds.
type HoldRepository interface {
	// InsertHold returns ErrDuplicateKey when the idempotency key is taken.
	InsertHold(ctx context.Context, hold *models.PaymentHold) error
	GetHold(ctx context.Context, holdID string) (*models.PaymentHold, error)
	// FindHoldByIdempotencyKey returns nil, nil when no hold carries key.
	FindHoldByIdempotencyKey(ctx context.Context, key string) (*models.PaymentHold, error)
	GetHoldByProviderRef(ctx context.Context, ref string) (*models.PaymentHold, error)
	ListHoldsByAuction(ctx context.Context, auctionID string, purpose models.HoldPurpose) ([]*models.PaymentHold, error)
	// TransitionHold moves a hold from one state to another. It reports false when the hold is no
	// longer in from, and ErrCaptureExists when another hold of the auction is already captured.
	TransitionHold(ctx context.Context, holdID string, from, to models.HoldState, update models.HoldUpdate) (bool, error)
}

// SettlementRepository defines the ledger contract for settlement records.
type SettlementRepository interface {
	// CreateSettlement stores record unless one exists, and returns the stored record.
	CreateSettlement(ctx context.Context, record *models.SettlementRecord) (*models.SettlementRecord, bool, error)
	GetSettlement(ctx context.Context, auctionID string) (*models.SettlementRecord, error)
	// SaveSettlement persists status and checkpoint. A COMPLETE record is never overwritten.
	SaveSettlement(ctx context.Context, record *models.SettlementRecord) error
}

// ProcessedEventRepository remembers applied provider events.
type ProcessedEventRepository interface {
	IsProcessed(ctx context.Context, eventID string) (bool, error)
	MarkProcessed(ctx context.Context, eventID, holdID, outcome string) error
}
