package models

import "time"

type ProviderEventType string

const (
	ProviderAuthorizationSucceeded ProviderEventType = "authorization.succeeded"
	ProviderAuthorizationFailed    ProviderEventType = "authorization.failed"
	ProviderCaptureSucceeded       ProviderEventType = "capture.succeeded"
	ProviderCaptureFailed          ProviderEventType = "capture.failed"
	ProviderReleaseSucceeded       ProviderEventType = "release.succeeded"
)

// TargetState is the hold state the event asserts.
func (t ProviderEventType) TargetState() (HoldState, bool) {
	switch t {
	case ProviderAuthorizationSucceeded:
		return HoldHeld, true
	case ProviderAuthorizationFailed, ProviderCaptureFailed:
		return HoldFailed, true
	case ProviderCaptureSucceeded:
		return HoldCaptured, true
	case ProviderReleaseSucceeded:
		return HoldReleased, true
	}
	return "", false
}

// ProviderEvent is an asynchronous status notification from the payment provider.
type ProviderEvent struct {
	ID         string            `json:"id" validate:"required"`
	Type       ProviderEventType `json:"type" validate:"required,oneof=authorization.succeeded authorization.failed capture.succeeded capture.failed release.succeeded"`
	HoldRef    string            `json:"hold_ref" validate:"required"`
	Amount     int64             `json:"amount" validate:"gte=0"`
	Reason     string            `json:"reason,omitempty"`
	OccurredAt time.Time         `json:"occurred_at"`
}

// ProviderError is returned by payment provider adapters.
type ProviderError struct {
	Code      string
	Message   string
	Temporary bool
}

func (e *ProviderError) Error() string {
	return "provider " + e.Code + ": " + e.Message
}
