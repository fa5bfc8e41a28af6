package storage

import (
	"context"
	"errors"
	"time"

	"github.com/md-rashed-zaman/resumeai/services/entitlement-service/internal/outbox"
	"github.com/md-rashed-zaman/resumeai/services/entitlement-service/internal/plans"
)

var ErrNotFound = errors.New("not found")

const dayLayout = "2006-01-02"

type Account struct {
	ID               string
	IdentityRef      string
	Email            string
	StripeCustomerID string
	CreatedAt        time.Time
}

type Subscription struct {
	AccountID              string
	Plan                   plans.Plan
	Status                 plans.Status
	ExternalSubscriptionID string
	CurrentPeriodEnd       *time.Time
	UpdatedAt              time.Time
}

// UsageBucket holds one account's counters for one reference-timezone day.
type UsageBucket struct {
	AccountID   string
	Day         string
	Generations int
	Exports     int
}

func (b UsageBucket) Count(action plans.Action) int {
	switch action {
	case plans.Generation:
		return b.Generations
	case plans.Export:
		return b.Exports
	default:
		return 0
	}
}

type ProcessedEvent struct {
	EventID    string
	EventType  string
	Payload    []byte
	ReceivedAt time.Time
	FailedAt   *time.Time
	LastError  string
}

// EventFunc is called inside the subscription write with the locked previous
// row. It returns the outbox event to record alongside the write, or nil.
type EventFunc func(prev Subscription, found bool) (*outbox.Event, error)

// UsageDay returns the usage bucket key for t in the reference timezone.
func UsageDay(t time.Time, loc *time.Location) string {
	if loc == nil {
		loc = time.UTC
	}
	return t.In(loc).Format(dayLayout)
}

// Store is the full persistence surface. Consumers depend on narrower interfaces.
type Store interface {
	EnsureAccount(ctx context.Context, identityRef, email string) (Account, error)
	GetAccount(ctx context.Context, accountID string) (Account, error)
	FindAccountByStripeCustomer(ctx context.Context, customerID string) (Account, error)
	SetStripeCustomerID(ctx context.Context, accountID, customerID string) error
	// ListAccountsWithStripeCustomer pages linked accounts in ID order, starting after afterID ("" = from the start).
	ListAccountsWithStripeCustomer(ctx context.Context, afterID string, limit int) ([]Account, error)

	GetSubscription(ctx context.Context, accountID string) (Subscription, bool, error)
	ApplySubscription(ctx context.Context, next Subscription, eventFor EventFunc) (Subscription, error)

	IncrementUsage(ctx context.Context, accountID, day string, action plans.Action) (UsageBucket, error)
	GetUsage(ctx context.Context, accountID, day string) (UsageBucket, error)

	RecordProcessedEvent(ctx context.Context, evt ProcessedEvent) (bool, error)
	MarkEventFailed(ctx context.Context, eventID, errText string) error

	outbox.Source
}
