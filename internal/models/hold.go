package models

import "time"

type HoldState string

const (
	HoldCreated  HoldState = "CREATED"
	HoldHeld     HoldState = "HELD"
	HoldCaptured HoldState = "CAPTURED"
	HoldReleased HoldState = "RELEASED"
	HoldFailed   HoldState = "FAILED"
)

// holdTransitions lists every legal edge of the hold lifecycle.
var holdTransitions = map[HoldState][]HoldState{
	HoldCreated: {HoldHeld, HoldFailed},
	HoldHeld:    {HoldCaptured, HoldReleased, HoldFailed},
}

// CanTransitionTo reports whether s may move to next.
func (s HoldState) CanTransitionTo(next HoldState) bool {
	for _, allowed := range holdTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// IsTerminal reports whether no further transitions are possible.
func (s HoldState) IsTerminal() bool {
	return len(holdTransitions[s]) == 0
}

func (s HoldState) Valid() bool {
	switch s {
	case HoldCreated, HoldHeld, HoldCaptured, HoldReleased, HoldFailed:
		return true
	}
	return false
}

// HoldPurpose separates the bid deposit lifecycle from checkout-time balance holds.
type HoldPurpose string

const (
	PurposeBid     HoldPurpose = "bid"
	PurposeBalance HoldPurpose = "balance"
)

// PaymentHold is an authorization-only reservation of a bidder's funds.
type PaymentHold struct {
	ID             string      `json:"id"`
	BidderID       string      `json:"bidder_id"`
	AuctionID      string      `json:"auction_id"`
	Amount         int64       `json:"amount"`
	CapturedAmount int64       `json:"captured_amount,omitempty"`
	ProviderRef    string      `json:"provider_ref,omitempty"`
	IdempotencyKey string      `json:"idempotency_key"`
	Purpose        HoldPurpose `json:"purpose"`
	State          HoldState   `json:"state"`
	FailureReason  string      `json:"failure_reason,omitempty"`
	CreatedAt      time.Time   `json:"created_at"`
	UpdatedAt      time.Time   `json:"updated_at"`
}

// HoldUpdate carries the fields written alongside a state transition.
type HoldUpdate struct {
	CapturedAmount int64
	FailureReason  string
	At             time.Time
}
