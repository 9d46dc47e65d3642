package service

import (
	"context"

	"go.uber.org/zap"

	"github.com/akylbek/payment-system/auction-settlement/internal/interfaces"
	"github.com/akylbek/payment-system/auction-settlement/internal/metrics"
	"github.com/akylbek/payment-system/auction-settlement/internal/models"
	"github.com/akylbek/payment-system/auction-settlement/internal/telemetry"
)

// LogAlerter records settlement alerts in the error log and the alert counter.
type LogAlerter struct{}

func (LogAlerter) Alert(_ context.Context, alert models.SettlementAlert) {
	metrics.SettlementAlertsTotal.Inc()
	telemetry.Logger.Error("Settlement requires manual remediation",
		zap.String("auction_id", alert.AuctionID),
		zap.String("reason", alert.Reason),
		zap.Strings("failed_holds", alert.FailedHolds),
		zap.Time("raised_at", alert.RaisedAt),
	)
}

// Alerters fans an alert out to several destinations.
type Alerters []interfaces.Alerter

func (a Alerters) Alert(ctx context.Context, alert models.SettlementAlert) {
	for _, alerter := range a {
		alerter.Alert(ctx, alert)
	}
}
