package apperrors

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies an error by how callers should react to it.
type Kind string

const (
	KindValidation Kind = "validation"
	KindConflict   Kind = "conflict"
	KindUpstream   Kind = "upstream"
	KindNotFound   Kind = "not_found"
	KindInternal   Kind = "internal"
)

// Codes surfaced to clients as the rejection reason.
const (
	CodeInvalidInput          = "InvalidInput"
	CodeAuctionNotFound       = "AuctionNotFound"
	CodeAuctionNotActive      = "AuctionNotActive"
	CodeAuctionNotClosed      = "AuctionNotClosed"
	CodeBidTooLow             = "BidTooLow"
	CodeSelfOutbid            = "SelfOutbid"
	CodeStaleHighBid          = "StaleHighBid"
	CodeHoldNotFound          = "HoldNotFound"
	CodeHoldNotHeld           = "HoldNotHeld"
	CodeHoldReleased          = "HoldReleased"
	CodeHoldFailed            = "HoldFailed"
	CodeAlreadyCaptured       = "AlreadyCaptured"
	CodeCaptureAmountMismatch = "CaptureAmountMismatch"
	CodeDoubleCapture         = "DoubleCapture"
	CodeCaptureUnrecorded     = "CaptureUnrecorded"
	CodeIdempotencyConflict   = "IdempotencyConflict"
	CodeProviderDeclined      = "ProviderDeclined"
	CodeProviderUnavailable   = "ProviderUnavailable"
	CodeSettlementNotFound    = "SettlementNotFound"
	CodeSettlementFailed      = "SettlementFailed"
	CodeInvalidSignature      = "InvalidSignature"
	CodeMalformedEvent        = "MalformedEvent"
	CodeRateLimited           = "RateLimited"
	CodeInternal              = "InternalError"

	// Bid holds are moved only by settlement.
	CodeHoldManagedBySettlement = "HoldManagedBySettlement"
)

// AppError represents a structured application error.
type AppError struct {
	Kind       Kind                   `json:"kind"`
	Code       string                 `json:"reason"`
	Message    string                 `json:"message"`
	Details    map[string]interface{} `json:"details,omitempty"`
	Cause      error                  `json:"-"`
	Retryable  bool                   `json:"retryable"`
	StatusCode int                    `json:"-"`
}

func (e *AppError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *AppError) Unwrap() error {
	return e.Cause
}

func (e *AppError) WithCause(cause error) *AppError {
	e.Cause = cause
	return e
}

func (e *AppError) WithDetails(details map[string]interface{}) *AppError {
	e.Details = details
	return e
}

func NewValidationError(code, message string) *AppError {
	return &AppError{
		Kind:       KindValidation,
		Code:       code,
		Message:    message,
		StatusCode: http.StatusBadRequest,
	}
}

func NewConflictError(code, message string) *AppError {
	return &AppError{
		Kind:       KindConflict,
		Code:       code,
		Message:    message,
		StatusCode: http.StatusConflict,
	}
}

func NewNotFoundError(code, message string) *AppError {
	return &AppError{
		Kind:       KindNotFound,
		Code:       code,
		Message:    message,
		StatusCode: http.StatusNotFound,
	}
}

// NewUpstreamError reports a payment provider failure. Declines are not retryable.
func NewUpstreamError(code, message string, retryable bool) *AppError {
	return &AppError{
		Kind:       KindUpstream,
		Code:       code,
		Message:    message,
		Retryable:  retryable,
		StatusCode: http.StatusBadGateway,
	}
}

func NewInternalError(message string) *AppError {
	return &AppError{
		Kind:       KindInternal,
		Code:       CodeInternal,
		Message:    message,
		Retryable:  true,
		StatusCode: http.StatusInternalServerError,
	}
}

// As extracts the AppError from err's chain.
func As(err error) (*AppError, bool) {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr, true
	}
	return nil, false
}

// Is reports whether err carries the given code.
func Is(err error, code string) bool {
	appErr, ok := As(err)
	return ok && appErr.Code == code
}

func IsKind(err error, kind Kind) bool {
	appErr, ok := As(err)
	return ok && appErr.Kind == kind
}

func IsRetryable(err error) bool {
	appErr, ok := As(err)
	return ok && appErr.Retryable
}

// StatusCode extracts the HTTP status for err, 500 when unknown.
func StatusCode(err error) int {
	if appErr, ok := As(err); ok {
		return appErr.StatusCode
	}
	return http.StatusInternalServerError
}
