package service

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/akylbek/payment-system/auction-settlement/internal/apperrors"
	"github.com/akylbek/payment-system/auction-settlement/internal/clock"
	"github.com/akylbek/payment-system/auction-settlement/internal/interfaces"
	"github.com/akylbek/payment-system/auction-settlement/internal/metrics"
	"github.com/akylbek/payment-system/auction-settlement/internal/models"
	"github.com/akylbek/payment-system/auction-settlement/internal/telemetry"
)

// Reconciliation outcomes reported in Ack.
const (
	OutcomeApplied   = "applied"
	OutcomeDuplicate = "duplicate"
	OutcomeNoop      = "noop"
	OutcomeAnomaly   = "anomaly"
	OutcomeIgnored   = "ignored"
)

const signaturePrefix = "sha256="

// SignatureHeader carries the provider signature on HTTP requests and Kafka messages.
const SignatureHeader = "X-Provider-Signature"

// Ack acknowledges a provider notification. Every outcome is a success for the provider; only
// signature and format problems are errors.
type Ack struct {
	EventID string `json:"event_id"`
	Outcome string `json:"outcome"`
	HoldID  string `json:"hold_id,omitempty"`
}

// WebhookReconciler applies asynchronous provider notifications to the hold ledger.
type WebhookReconciler struct {
	secret      []byte
	holds       interfaces.HoldRepository
	settlements interfaces.SettlementRepository
	processed   interfaces.ProcessedEventRepository
	locker      interfaces.Locker
	validate    *validator.Validate
	clock       clock.Clock
}

func NewWebhookReconciler(
	secret string,
	holds interfaces.HoldRepository,
	settlements interfaces.SettlementRepository,
	processed interfaces.ProcessedEventRepository,
	locker interfaces.Locker,
	clk clock.Clock,
) *WebhookReconciler {
	return &WebhookReconciler{
		secret:      []byte(secret),
		holds:       holds,
		settlements: settlements,
		processed:   processed,
		locker:      locker,
		validate:    validator.New(),
		clock:       clk,
	}
}

// SignPayload computes the signature header value for payload.
func SignPayload(secret, payload []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write(payload)
	return signaturePrefix + hex.EncodeToString(mac.Sum(nil))
}

func (r *WebhookReconciler) verify(payload []byte, signature string) bool {
	if !strings.HasPrefix(signature, signaturePrefix) {
		return false
	}
	return hmac.Equal([]byte(signature), []byte(SignPayload(r.secret, payload)))
}

// HandleProviderEvent authenticates, parses and applies one provider notification.
func (r *WebhookReconciler) HandleProviderEvent(ctx context.Context, payload []byte, signature string) (*Ack, error) {
	if !r.verify(payload, signature) {
		metrics.WebhookEventsTotal.WithLabelValues("rejected").Inc()
		return nil, apperrors.NewValidationError(apperrors.CodeInvalidSignature, "signature does not match payload")
	}

	var event models.ProviderEvent
	if err := json.Unmarshal(payload, &event); err != nil {
		metrics.WebhookEventsTotal.WithLabelValues("rejected").Inc()
		return nil, apperrors.NewValidationError(apperrors.CodeMalformedEvent, "payload is not valid JSON").WithCause(err)
	}
	if err := r.validate.Struct(&event); err != nil {
		metrics.WebhookEventsTotal.WithLabelValues("rejected").Inc()
		return nil, apperrors.NewValidationError(apperrors.CodeMalformedEvent, err.Error())
	}

	return r.Apply(ctx, &event)
}

// Apply reconciles an authenticated event. Replays of a processed event id change nothing.
func (r *WebhookReconciler) Apply(ctx context.Context, event *models.ProviderEvent) (*Ack, error) {
	ctx, span := telemetry.StartSpan(ctx, "WebhookReconciler.Apply",
		attribute.String("event_id", event.ID),
		attribute.String("event_type", string(event.Type)),
	)
	defer span.End()

	ack := &Ack{EventID: event.ID}

	seen, err := r.processed.IsProcessed(ctx, event.ID)
	if err != nil {
		return nil, fmt.Errorf("check processed event: %w", err)
	}
	if seen {
		return r.finish(ack, OutcomeDuplicate), nil
	}

	hold, err := r.holds.GetHoldByProviderRef(ctx, event.HoldRef)
	if errors.Is(err, models.ErrHoldNotFound) {
		// Not marked processed: a redelivery may arrive after the hold is recorded.
		telemetry.Logger.Warn("Provider event for unknown hold",
			zap.String("event_id", event.ID),
			zap.String("hold_ref", event.HoldRef),
		)
		return r.finish(ack, OutcomeIgnored), nil
	}
	if err != nil {
		return nil, fmt.Errorf("find hold by provider ref: %w", err)
	}
	ack.HoldID = hold.ID

	ctx, release, err := r.locker.Acquire(ctx, SettlementLockKey(hold.AuctionID))
	if err != nil {
		return nil, fmt.Errorf("acquire settlement lock: %w", err)
	}
	defer release()

	// Re-check under the lock; a concurrent delivery of the same event may have won.
	if seen, err := r.processed.IsProcessed(ctx, event.ID); err != nil {
		return nil, fmt.Errorf("check processed event: %w", err)
	} else if seen {
		return r.finish(ack, OutcomeDuplicate), nil
	}

	hold, err = r.holds.GetHold(ctx, hold.ID)
	if err != nil {
		return nil, fmt.Errorf("reload hold: %w", err)
	}

	outcome, err := r.reconcile(ctx, hold, event)
	if err != nil {
		return nil, err
	}

	if err := r.processed.MarkProcessed(ctx, event.ID, hold.ID, outcome); err != nil {
		return nil, fmt.Errorf("mark event processed: %w", err)
	}
	return r.finish(ack, outcome), nil
}

func (r *WebhookReconciler) reconcile(ctx context.Context, hold *models.PaymentHold, event *models.ProviderEvent) (string, error) {
	target, _ := event.Type.TargetState()

	logAnomaly := func(msg string) {
		telemetry.Logger.Warn(msg,
			zap.String("event_id", event.ID),
			zap.String("event_type", string(event.Type)),
			zap.String("hold_id", hold.ID),
			zap.String("hold_state", string(hold.State)),
			zap.Int64("event_amount", event.Amount),
		)
	}

	if hold.State == target {
		if target == models.HoldCaptured && event.Amount > 0 && event.Amount != hold.CapturedAmount {
			logAnomaly("Provider capture amount disagrees with ledger")
			return OutcomeAnomaly, nil
		}
		return OutcomeNoop, nil
	}
	if !hold.State.CanTransitionTo(target) {
		logAnomaly("Provider event implies an impossible hold transition")
		return OutcomeAnomaly, nil
	}
	if target == models.HoldCaptured && event.Amount > hold.Amount {
		logAnomaly("Provider capture exceeds the held amount")
		return OutcomeAnomaly, nil
	}

	update := models.HoldUpdate{At: r.clock.Now(), FailureReason: event.Reason}
	if target == models.HoldCaptured {
		update.CapturedAmount = event.Amount
		if update.CapturedAmount == 0 {
			update.CapturedAmount = hold.Amount
		}
	}
	if target == models.HoldFailed && update.FailureReason == "" {
		update.FailureReason = "provider reported " + string(event.Type)
	}

	ok, err := r.holds.TransitionHold(ctx, hold.ID, hold.State, target, update)
	if errors.Is(err, models.ErrCaptureExists) {
		logAnomaly("Provider reports capture of a second hold in one auction")
		return OutcomeAnomaly, nil
	}
	if err != nil {
		return "", fmt.Errorf("transition hold: %w", err)
	}
	if !ok {
		logAnomaly("Hold changed while applying provider event")
		return OutcomeAnomaly, nil
	}

	metrics.HoldTransitionsTotal.WithLabelValues(string(target)).Inc()
	telemetry.Logger.Info("Provider event applied",
		zap.String("event_id", event.ID),
		zap.String("hold_id", hold.ID),
		zap.String("from_state", string(hold.State)),
		zap.String("to_state", string(target)),
	)

	if err := r.checkpoint(ctx, hold, target); err != nil {
		return "", err
	}
	return OutcomeApplied, nil
}

// checkpoint records a terminal outcome in an unfinished settlement that covers the hold.
func (r *WebhookReconciler) checkpoint(ctx context.Context, hold *models.PaymentHold, state models.HoldState) error {
	outcome, terminal := models.OutcomeForState(state)
	if !terminal || hold.Purpose != models.PurposeBid {
		return nil
	}

	rec, err := r.settlements.GetSettlement(ctx, hold.AuctionID)
	if errors.Is(err, models.ErrSettlementNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("get settlement: %w", err)
	}
	if rec.Status == models.SettlementComplete || rec.Status == models.SettlementFailed || rec.Done(hold.ID) {
		return nil
	}
	if !coversHold(rec, hold.ID) {
		return nil
	}

	rec.Record(hold.ID, outcome)
	rec.UpdatedAt = r.clock.Now()
	if err := r.settlements.SaveSettlement(ctx, rec); err != nil {
		return fmt.Errorf("checkpoint settlement: %w", err)
	}
	return nil
}

func coversHold(rec *models.SettlementRecord, holdID string) bool {
	if rec.WinningHoldID != nil && *rec.WinningHoldID == holdID {
		return true
	}
	for _, id := range rec.LosingHoldIDs {
		if id == holdID {
			return true
		}
	}
	return false
}

func (r *WebhookReconciler) finish(ack *Ack, outcome string) *Ack {
	ack.Outcome = outcome
	metrics.WebhookEventsTotal.WithLabelValues(outcome).Inc()
	return ack
}
