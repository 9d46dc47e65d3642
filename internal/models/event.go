package models

import "time"

type EventType string

const (
	EventBidAccepted        EventType = "bid-accepted"
	EventAuctionClosed      EventType = "auction-closed"
	EventSettlementComplete EventType = "settlement-complete"
	EventSettlementFailed   EventType = "settlement-failed"
)

// Event is a state change pushed to real-time subscribers.
type Event struct {
	Type           EventType   `json:"type"`
	AuctionID      string      `json:"auction_id"`
	SequenceNumber int64       `json:"sequence_number"`
	Payload        interface{} `json:"payload"`
	OccurredAt     time.Time   `json:"occurred_at"`
}

type BidAcceptedPayload struct {
	BidID          string  `json:"bid_id"`
	CurrentHighBid HighBid `json:"current_high_bid"`
	MinimumNextBid int64   `json:"minimum_next_bid"`
}

type AuctionClosedPayload struct {
	CurrentHighBid HighBid `json:"current_high_bid"`
	ReserveMet     bool    `json:"reserve_met"`
}

type SettlementPayload struct {
	Status        SettlementStatus `json:"status"`
	WinnerID      string           `json:"winner_id,omitempty"`
	CaptureAmount int64            `json:"capture_amount"`
	FailureReason string           `json:"failure_reason,omitempty"`
}

// SettlementAlert is raised when a settlement needs manual remediation.
type SettlementAlert struct {
	AuctionID   string    `json:"auction_id"`
	Reason      string    `json:"reason"`
	FailedHolds []string  `json:"failed_holds"`
	RaisedAt    time.Time `json:"raised_at"`
}
