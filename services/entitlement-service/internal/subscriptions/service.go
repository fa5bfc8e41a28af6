package subscriptions

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/md-rashed-zaman/resumeai/services/entitlement-service/internal/outbox"
	"github.com/md-rashed-zaman/resumeai/services/entitlement-service/internal/plans"
	"github.com/md-rashed-zaman/resumeai/services/entitlement-service/internal/storage"
)

// Store is the persistence the transition function needs.
type Store interface {
	ApplySubscription(ctx context.Context, next storage.Subscription, eventFor storage.EventFunc) (storage.Subscription, error)
}

// Service owns subscription state transitions and their outbox events. Webhook
// ingestion and reconciliation both write through it; nothing else writes
// subscription rows.
type Service struct {
	store  Store
	logger *slog.Logger
	now    func() time.Time
}

func New(store Store, logger *slog.Logger) *Service {
	return &Service{store: store, logger: logger, now: time.Now}
}

// ApplySubscriptionState converges the account's subscription onto the
// processor's view. A FREE target or a terminal status downgrades to
// FREE/CANCELED and clears the external reference and period.
func (s *Service) ApplySubscriptionState(ctx context.Context, accountID, externalSubscriptionID, rawStatus string, periodEnd int64, target plans.Plan) (storage.Subscription, error) {
	n := NormalizeStatus(rawStatus)
	if !n.Known {
		s.logger.Warn("unknown processor subscription status; treating as past due",
			"account_id", accountID,
			"external_subscription_id", externalSubscriptionID,
			"raw_status", rawStatus,
		)
	}

	next := storage.Subscription{AccountID: accountID}
	if target == plans.Free || n.Terminal {
		next.Plan = plans.Free
		next.Status = plans.StatusCanceled
	} else {
		next.Plan = target
		next.Status = n.Status
		next.ExternalSubscriptionID = externalSubscriptionID
		if periodEnd > 0 {
			t := time.Unix(periodEnd, 0).UTC()
			next.CurrentPeriodEnd = &t
		}
	}
	return s.store.ApplySubscription(ctx, next, s.changeEvent(next))
}

// ApplyCanceled forces the account back to FREE/CANCELED.
func (s *Service) ApplyCanceled(ctx context.Context, accountID, externalSubscriptionID string) (storage.Subscription, error) {
	return s.ApplySubscriptionState(ctx, accountID, externalSubscriptionID, "canceled", 0, plans.Free)
}

// changeEvent emits only when the effective entitlement (plan/status) changes.
// Period or reference updates alone do not fan out.
func (s *Service) changeEvent(next storage.Subscription) storage.EventFunc {
	return func(prev storage.Subscription, found bool) (*outbox.Event, error) {
		prevPlan, prevStatus := plans.Free, plans.StatusActive
		if found {
			prevPlan, prevStatus = prev.Plan, prev.Status
		}
		if found && prevPlan == next.Plan && prevStatus == next.Status {
			return nil, nil
		}

		body := map[string]any{
			"account_id":      next.AccountID,
			"plan":            next.Plan,
			"status":          next.Status,
			"effective_plan":  plans.EffectivePlan(next.Plan, next.Status),
			"previous_plan":   prevPlan,
			"previous_status": prevStatus,
			"changed_at":      s.now().UTC().Format(time.RFC3339),
		}
		if next.CurrentPeriodEnd != nil {
			body["current_period_end"] = next.CurrentPeriodEnd.Format(time.RFC3339)
		}
		payload, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		return &outbox.Event{
			AggregateType: outbox.AggregateSubscription,
			AggregateID:   next.AccountID,
			EventType:     outbox.EventSubscriptionChanged,
			Payload:       payload,
		}, nil
	}
}
