package models

import "time"

type SettlementStatus string

const (
	SettlementPending    SettlementStatus = "PENDING"
	SettlementInProgress SettlementStatus = "IN_PROGRESS"
	SettlementComplete   SettlementStatus = "COMPLETE"
	SettlementFailed     SettlementStatus = "FAILED"
)

// CanTransitionTo keeps settlement status monotonic. COMPLETE and FAILED are final.
func (s SettlementStatus) CanTransitionTo(next SettlementStatus) bool {
	switch s {
	case SettlementPending:
		return next == SettlementInProgress || next == SettlementComplete || next == SettlementFailed
	case SettlementInProgress:
		return next == SettlementComplete || next == SettlementFailed
	}
	return false
}

// HoldOutcome is the terminal state a hold reached during settlement.
type HoldOutcome string

const (
	OutcomeCaptured HoldOutcome = "CAPTURED"
	OutcomeReleased HoldOutcome = "RELEASED"
	OutcomeFailed   HoldOutcome = "FAILED"
)

// OutcomeForState maps a terminal hold state to its checkpoint outcome.
func OutcomeForState(s HoldState) (HoldOutcome, bool) {
	switch s {
	case HoldCaptured:
		return OutcomeCaptured, true
	case HoldReleased:
		return OutcomeReleased, true
	case HoldFailed:
		return OutcomeFailed, true
	}
	return "", false
}

// SettlementRecord tracks the post-close capture/release run for one auction.
type SettlementRecord struct {
	AuctionID     string                 `json:"auction_id"`
	WinningHoldID *string                `json:"winning_hold_id"`
	WinningBidID  string                 `json:"winning_bid_id,omitempty"`
	WinnerID      string                 `json:"winner_id,omitempty"`
	CaptureAmount int64                  `json:"capture_amount"`
	LosingHoldIDs []string               `json:"losing_hold_ids"`
	Status        SettlementStatus       `json:"status"`
	Checkpoint    map[string]HoldOutcome `json:"progress_checkpoint"`
	FailureReason string                 `json:"failure_reason,omitempty"`
	CreatedAt     time.Time              `json:"created_at"`
	UpdatedAt     time.Time              `json:"updated_at"`
	CompletedAt   *time.Time             `json:"completed_at,omitempty"`
}

// HasWinner reports whether the settlement captures a hold.
func (r *SettlementRecord) HasWinner() bool {
	return r.WinningHoldID != nil && *r.WinningHoldID != ""
}

// Record stores a hold outcome in the checkpoint.
func (r *SettlementRecord) Record(holdID string, outcome HoldOutcome) {
	if r.Checkpoint == nil {
		r.Checkpoint = make(map[string]HoldOutcome)
	}
	r.Checkpoint[holdID] = outcome
}

// Done reports whether holdID already has a checkpointed outcome.
func (r *SettlementRecord) Done(holdID string) bool {
	_, ok := r.Checkpoint[holdID]
	return ok
}

// Clone returns a deep copy.
func (r *SettlementRecord) Clone() *SettlementRecord {
	c := *r
	if r.WinningHoldID != nil {
		id := *r.WinningHoldID
		c.WinningHoldID = &id
	}
	c.LosingHoldIDs = append([]string(nil), r.LosingHoldIDs...)
	c.Checkpoint = make(map[string]HoldOutcome, len(r.Checkpoint))
	for k, v := range r.Checkpoint {
		c.Checkpoint[k] = v
	}
	if r.CompletedAt != nil {
		t := *r.CompletedAt
		c.CompletedAt = &t
	}
	return &c
}
