package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "auction"

var (
	BidsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "bids_total",
		Help:      "Bid submissions by outcome (accepted or rejection reason).",
	}, []string{"outcome"})

	BidCommitSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "bid_commit_seconds",
		Help:      "Time spent inside the per-auction bid critical section.",
		Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 14),
	})

	HoldTransitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "hold_transitions_total",
		Help:      "Payment hold transitions by resulting state.",
	}, []string{"state"})

	ProviderCallsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "provider_calls_total",
		Help:      "Payment provider calls by operation and result.",
	}, []string{"operation", "result"})

	SettlementsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "settlements_total",
		Help:      "Finished settlement runs by final status.",
	}, []string{"status"})

	SettlementAlertsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "settlement_alerts_total",
		Help:      "Settlements escalated for manual remediation.",
	})

	WebhookEventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "webhook_events_total",
		Help:      "Provider notifications by reconciliation outcome.",
	}, []string{"outcome"})

	BroadcastDroppedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "broadcast_dropped_total",
		Help:      "Events dropped from full subscriber queues.",
	})

	BroadcastSubscribers = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "broadcast_subscribers",
		Help:      "Currently open real-time subscriptions.",
	})
)
