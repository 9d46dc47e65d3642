// Package events mirrors auction events and settlement alerts to Kafka and consumes provider
// notifications from it.
package events

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/akylbek/payment-system/auction-settlement/internal/models"
	"github.com/akylbek/payment-system/auction-settlement/internal/telemetry"
)

const writeTimeout = 5 * time.Second

// MessageWriter is the part of *kafka.Writer the publisher needs.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// NewWriter builds a writer that routes by message topic and keeps one auction on one partition.
func NewWriter(brokers []string) *kafka.Writer {
	return &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireOne,
		BatchTimeout: 10 * time.Millisecond,
	}
}

// KafkaPublisher forwards broadcast events asynchronously and writes alerts synchronously.
// It implements interfaces.EventSink and interfaces.Alerter.
type KafkaPublisher struct {
	writer      MessageWriter
	eventsTopic string
	alertsTopic string

	queue     chan kafka.Message
	wg        sync.WaitGroup
	closeOnce sync.Once
}

func NewKafkaPublisher(writer MessageWriter, eventsTopic, alertsTopic string, buffer int) *KafkaPublisher {
	if buffer <= 0 {
		buffer = 1024
	}
	p := &KafkaPublisher{
		writer:      writer,
		eventsTopic: eventsTopic,
		alertsTopic: alertsTopic,
		queue:       make(chan kafka.Message, buffer),
	}
	p.wg.Add(1)
	go p.run()
	return p
}

func (p *KafkaPublisher) run() {
	defer p.wg.Done()
	for msg := range p.queue {
		ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
		if err := p.writer.WriteMessages(ctx, msg); err != nil {
			telemetry.Logger.Error("Failed to publish auction event",
				zap.String("topic", msg.Topic),
				zap.String("auction_id", string(msg.Key)),
				zap.Error(err),
			)
		}
		cancel()
	}
}

// Forward enqueues event without blocking. Events are dropped when the queue is full.
func (p *KafkaPublisher) Forward(event models.Event) {
	value, err := json.Marshal(event)
	if err != nil {
		telemetry.Logger.Error("Error marshaling event", zap.Error(err))
		return
	}

	msg := kafka.Message{
		Topic: p.eventsTopic,
		Key:   []byte(event.AuctionID),
		Value: value,
		Headers: []kafka.Header{
			{Key: "event-type", Value: []byte(event.Type)},
		},
	}
	select {
	case p.queue <- msg:
	default:
		telemetry.Logger.Warn("Kafka event queue full, dropping event",
			zap.String("auction_id", event.AuctionID),
			zap.String("event_type", string(event.Type)),
		)
	}
}

func (p *KafkaPublisher) Alert(ctx context.Context, alert models.SettlementAlert) {
	value, err := json.Marshal(alert)
	if err != nil {
		telemetry.Logger.Error("Error marshaling alert", zap.Error(err))
		return
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), writeTimeout)
	defer cancel()

	err = p.writer.WriteMessages(ctx, kafka.Message{
		Topic: p.alertsTopic,
		Key:   []byte(alert.AuctionID),
		Value: value,
	})
	if err != nil {
		telemetry.Logger.Error("Failed to publish settlement alert",
			zap.String("auction_id", alert.AuctionID),
			zap.Error(err),
		)
	}
}

// Close drains queued events and closes the writer.
func (p *KafkaPublisher) Close() error {
	var err error
	p.closeOnce.Do(func() {
		close(p.queue)
		p.wg.Wait()
		err = p.writer.Close()
	})
	return err
}
