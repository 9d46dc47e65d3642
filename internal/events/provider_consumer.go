package events

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/akylbek/payment-system/auction-settlement/internal/apperrors"
	"github.com/akylbek/payment-system/auction-settlement/internal/service"
	"github.com/akylbek/payment-system/auction-settlement/internal/telemetry"
)

// MessageReader is the part of *kafka.Reader the consumer needs.
type MessageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// ProviderEventHandler is satisfied by service.WebhookReconciler.
type ProviderEventHandler interface {
	HandleProviderEvent(ctx context.Context, payload []byte, signature string) (*service.Ack, error)
}

func NewReader(brokers []string, topic, groupID string) *kafka.Reader {
	return kafka.NewReader(kafka.ReaderConfig{
		Brokers:  brokers,
		Topic:    topic,
		GroupID:  groupID,
		MinBytes: 10e3,
		MaxBytes: 10e6,
	})
}

// ProviderEventConsumer feeds provider notifications from Kafka into the reconciler.
type ProviderEventConsumer struct {
	reader     MessageReader
	handler    ProviderEventHandler
	retryLimit time.Duration
}

func NewProviderEventConsumer(reader MessageReader, handler ProviderEventHandler) *ProviderEventConsumer {
	return &ProviderEventConsumer{reader: reader, handler: handler, retryLimit: time.Minute}
}

// Run consumes until ctx is done. A message is committed once handled or rejected as invalid;
// transient failures are retried before moving on.
func (c *ProviderEventConsumer) Run(ctx context.Context) error {
	defer c.reader.Close()

	telemetry.Logger.Info("Started consuming provider events")

	for {
		msg, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			telemetry.Logger.Error("Error reading message from Kafka", zap.Error(err))
			select {
			case <-time.After(time.Second):
			case <-ctx.Done():
				return nil
			}
			continue
		}

		if err := c.handle(ctx, msg); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			telemetry.Logger.Error("Giving up on provider event",
				zap.Int64("offset", msg.Offset),
				zap.Int("partition", msg.Partition),
				zap.Error(err),
			)
			continue
		}

		if err := c.reader.CommitMessages(ctx, msg); err != nil && ctx.Err() == nil {
			telemetry.Logger.Error("Failed to commit provider event offset", zap.Error(err))
		}
	}
}

func (c *ProviderEventConsumer) handle(ctx context.Context, msg kafka.Message) error {
	signature := header(msg, service.SignatureHeader)

	b := backoff.NewExponentialBackOff()
	b.MaxElapsedTime = c.retryLimit

	return backoff.Retry(func() error {
		ack, err := c.handler.HandleProviderEvent(ctx, msg.Value, signature)
		if err == nil {
			telemetry.Logger.Debug("Provider event reconciled",
				zap.String("event_id", ack.EventID),
				zap.String("outcome", ack.Outcome),
			)
			return nil
		}
		if apperrors.IsKind(err, apperrors.KindValidation) {
			telemetry.Logger.Warn("Discarding invalid provider event",
				zap.Int64("offset", msg.Offset),
				zap.Error(err),
			)
			return nil
		}
		if errors.Is(err, context.Canceled) {
			return backoff.Permanent(err)
		}
		return err
	}, backoff.WithContext(b, ctx))
}

func header(msg kafka.Message, key string) string {
	for _, h := range msg.Headers {
		if h.Key == key {
			return string(h.Value)
		}
	}
	return ""
}
