package models

import "time"

type AuctionStatus string

const (
	AuctionScheduled        AuctionStatus = "SCHEDULED"
	AuctionActive           AuctionStatus = "ACTIVE"
	AuctionClosed           AuctionStatus = "CLOSED"
	AuctionSettled          AuctionStatus = "SETTLED"
	AuctionSettlementFailed AuctionStatus = "SETTLEMENT_FAILED"
)

var auctionTransitions = map[AuctionStatus]AuctionStatus{
	AuctionScheduled: AuctionActive,
	AuctionActive:    AuctionClosed,
}

// CanTransitionTo reports whether s may move to next. No transition skips a state.
func (s AuctionStatus) CanTransitionTo(next AuctionStatus) bool {
	if s == AuctionClosed {
		return next == AuctionSettled || next == AuctionSettlementFailed
	}
	return auctionTransitions[s] == next
}

// HighBid is the current leading bid. Amount starts at the auction's starting price with no bidder.
type HighBid struct {
	Amount   int64  `json:"amount"`
	BidderID string `json:"bidder_id,omitempty"`
	BidID    string `json:"bid_id,omitempty"`
	HoldID   string `json:"hold_id,omitempty"`
	Sequence int64  `json:"sequence_number"`
}

// HasBidder reports whether any bid has been accepted.
func (h HighBid) HasBidder() bool {
	return h.BidderID != ""
}

type Auction struct {
	ID            string        `json:"id"`
	SellerID      string        `json:"seller_id"`
	Title         string        `json:"title"`
	Status        AuctionStatus `json:"status"`
	StartingPrice int64         `json:"starting_price"`
	ReservePrice  int64         `json:"reserve_price"`
	MinIncrement  int64         `json:"min_increment"`
	StartTime     time.Time     `json:"start_time"`
	EndTime       time.Time     `json:"end_time"`
	HighBid       HighBid       `json:"current_high_bid"`
	LastSequence  int64         `json:"last_sequence"`
	CreatedAt     time.Time     `json:"created_at"`
	UpdatedAt     time.Time     `json:"updated_at"`
}

// MinimumNextBid is the smallest amount that can currently be accepted.
func (a *Auction) MinimumNextBid() int64 {
	return a.HighBid.Amount + a.MinIncrement
}

// AcceptsBidsAt reports whether the auction is open for bidding at now.
func (a *Auction) AcceptsBidsAt(now time.Time) bool {
	return a.Status == AuctionActive && !now.Before(a.StartTime) && now.Before(a.EndTime)
}

// ReserveMet reports whether the current high bid produces a sale.
func (a *Auction) ReserveMet() bool {
	return a.HighBid.HasBidder() && a.HighBid.Amount >= a.ReservePrice
}

// Bid is an accepted bid. Bids are append-only.
type Bid struct {
	ID             string    `json:"id"`
	AuctionID      string    `json:"auction_id"`
	BidderID       string    `json:"bidder_id"`
	Amount         int64     `json:"amount"`
	SequenceNumber int64     `json:"sequence_number"`
	HoldID         string    `json:"hold_id,omitempty"`
	AcceptedAt     time.Time `json:"accepted_at"`
}
