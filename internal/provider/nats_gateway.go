package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/akylbek/payment-system/auction-settlement/internal/models"
	"github.com/akylbek/payment-system/auction-settlement/internal/telemetry"
)

// NATSGateway talks to the payment provider bridge over NATS request/reply.
// Subjects are <prefix>.authorize, <prefix>.capture and <prefix>.release.
type NATSGateway struct {
	nc      *nats.Conn
	prefix  string
	timeout time.Duration
}

func NewNATSGateway(nc *nats.Conn, prefix string, timeout time.Duration) *NATSGateway {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &NATSGateway{nc: nc, prefix: prefix, timeout: timeout}
}

type authorizeRequest struct {
	Amount         int64  `json:"amount"`
	IdempotencyKey string `json:"idempotency_key"`
}

type captureRequest struct {
	HoldRef        string `json:"hold_ref"`
	Amount         int64  `json:"amount"`
	IdempotencyKey string `json:"idempotency_key"`
}

type releaseRequest struct {
	HoldRef        string `json:"hold_ref"`
	IdempotencyKey string `json:"idempotency_key"`
}

type gatewayResponse struct {
	Status    string `json:"status"`
	HoldRef   string `json:"hold_ref,omitempty"`
	ErrorCode string `json:"error_code,omitempty"`
	Message   string `json:"message,omitempty"`
	Retryable bool   `json:"retryable,omitempty"`
}

func (g *NATSGateway) CreateAuthorization(ctx context.Context, amount int64, idempotencyKey string) (string, error) {
	resp, err := g.request(ctx, OpAuthorize, authorizeRequest{Amount: amount, IdempotencyKey: idempotencyKey})
	if err != nil {
		return "", err
	}
	if resp.HoldRef == "" {
		return "", &models.ProviderError{Code: CodeUnavailable, Message: "authorization response carried no hold reference", Temporary: true}
	}
	return resp.HoldRef, nil
}

func (g *NATSGateway) Capture(ctx context.Context, holdRef string, amount int64, idempotencyKey string) error {
	_, err := g.request(ctx, OpCapture, captureRequest{HoldRef: holdRef, Amount: amount, IdempotencyKey: idempotencyKey})
	return err
}

func (g *NATSGateway) Release(ctx context.Context, holdRef string, idempotencyKey string) error {
	_, err := g.request(ctx, OpRelease, releaseRequest{HoldRef: holdRef, IdempotencyKey: idempotencyKey})
	return err
}

func (g *NATSGateway) request(ctx context.Context, op string, payload interface{}) (*gatewayResponse, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.timeout)
		defer cancel()
	}

	subject := g.prefix + "." + op
	msg, err := g.nc.RequestWithContext(ctx, subject, data)
	if err != nil {
		telemetry.Logger.Warn("Payment provider request failed",
			zap.String("subject", subject),
			zap.Error(err),
		)
		return nil, transportError(ctx, err)
	}

	return decodeResponse(msg.Data)
}

// transportError keeps caller cancellation visible and marks everything else retryable.
func transportError(ctx context.Context, err error) error {
	if ctx.Err() != nil && !errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return ctx.Err()
	}
	return &models.ProviderError{Code: CodeUnavailable, Message: err.Error(), Temporary: true}
}

func decodeResponse(data []byte) (*gatewayResponse, error) {
	var resp gatewayResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, &models.ProviderError{Code: CodeUnavailable, Message: fmt.Sprintf("malformed provider response: %v", err), Temporary: true}
	}
	if resp.Status != "ok" {
		code := resp.ErrorCode
		if code == "" {
			code = CodeDeclined
		}
		return nil, &models.ProviderError{Code: code, Message: resp.Message, Temporary: resp.Retryable}
	}
	return &resp, nil
}
