package interfaces

import (
	"context"

	"github.com/akylbek/payment-system/auction-settlement/internal/models"
)

// PaymentProvider is the external payment processor.
// Amounts are integer minor-currency units.
type PaymentProvider interface {
	CreateAuthorization(ctx context.Context, amount int64, idempotencyKey string) (string, error)
	Capture(ctx context.Context, holdRef string, amount int64, idempotencyKey string) error
	Release(ctx context.Context, holdRef string, idempotencyKey string) error
}

// Locker provides mutual exclusion per key. The returned func releases the lock. Work done under the
// lock should use the returned context, which is cancelled if the lock is lost before release.
type Locker interface {
	Acquire(ctx context.Context, key string) (context.Context, func(), error)
}

// EventPublisher fans out state changes. Publish must not block.
type EventPublisher interface {
	Publish(event models.Event)
}

// EventSink receives every broadcast event, e.g. to mirror it to a log.
type EventSink interface {
	Forward(event models.Event)
}

// Alerter reports settlements that need manual remediation.
type Alerter interface {
	Alert(ctx context.Context, alert models.SettlementAlert)
}
