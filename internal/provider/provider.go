// Package provider adapts the external payment processor to interfaces.PaymentProvider.
package provider

// Operation names a provider call. They double as NATS subject suffixes and metric labels.
const (
	OpAuthorize = "authorize"
	OpCapture   = "capture"
	OpRelease   = "release"
)

// Provider error codes.
const (
	CodeDeclined        = "declined"
	CodeUnavailable     = "unavailable"
	CodeUnknownHold     = "unknown_hold"
	CodeAlreadyReleased = "already_released"
	CodeAlreadyCaptured = "already_captured"
	CodeAmountExceeded  = "amount_exceeded"
)
