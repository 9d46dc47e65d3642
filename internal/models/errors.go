package models

import "errors"

// Ledger errors returned by repositories.
var (
	ErrAuctionNotFound    = errors.New("auction not found")
	ErrHoldNotFound       = errors.New("hold not found")
	ErrSettlementNotFound = errors.New("settlement not found")
	ErrStaleWrite         = errors.New("conditional update did not match")
	ErrDuplicateKey       = errors.New("duplicate key")
	ErrCaptureExists      = errors.New("auction already has a captured hold")
)
