// Package ingest verifies and applies signed payment-processor notifications.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/md-rashed-zaman/resumeai/services/entitlement-service/internal/plans"
	"github.com/md-rashed-zaman/resumeai/services/entitlement-service/internal/storage"
	"github.com/stripe/stripe-go/v79/webhook"
)

var (
	// ErrAuthentication is returned for any signature failure. It carries no detail.
	ErrAuthentication = errors.New("webhook signature verification failed")
	ErrNotConfigured  = errors.New("webhook secret not configured")
	// ErrMalformedEvent marks a signed event that cannot be decoded. HandleEvent
	// acknowledges such events (Outcome.Malformed) instead of returning it.
	ErrMalformedEvent = errors.New("malformed webhook event")
	// ErrProcessing wraps failures after the event was recorded as processed.
	ErrProcessing = errors.New("webhook event processing failed")
)

type Store interface {
	RecordProcessedEvent(ctx context.Context, evt storage.ProcessedEvent) (bool, error)
	MarkEventFailed(ctx context.Context, eventID, errText string) error
	FindAccountByStripeCustomer(ctx context.Context, customerID string) (storage.Account, error)
}

type Transitions interface {
	ApplySubscriptionState(ctx context.Context, accountID, externalSubscriptionID, rawStatus string, periodEnd int64, target plans.Plan) (storage.Subscription, error)
	ApplyCanceled(ctx context.Context, accountID, externalSubscriptionID string) (storage.Subscription, error)
}

type Config struct {
	WebhookSecret string
	Tolerance     time.Duration
}

// Outcome describes what happened to an accepted notification.
type Outcome struct {
	EventID   string
	EventType string
	Duplicate bool
	Ignored   bool
	Orphaned  bool
	Applied   bool
	// Malformed is set for authentic events that could not be decoded. They
	// are recorded as failed and acknowledged so the processor stops redelivering.
	Malformed bool
}

type Ingestor struct {
	store     Store
	subs      Transitions
	logger    *slog.Logger
	secret    string
	tolerance time.Duration
}

func New(store Store, subs Transitions, logger *slog.Logger, cfg Config) *Ingestor {
	tol := cfg.Tolerance
	if tol <= 0 {
		tol = webhook.DefaultTolerance
	}
	return &Ingestor{
		store:     store,
		subs:      subs,
		logger:    logger,
		secret:    strings.TrimSpace(cfg.WebhookSecret),
		tolerance: tol,
	}
}

func (i *Ingestor) Configured() bool { return i.secret != "" }

// HandleEvent authenticates payload, records its id and applies it. The id is
// recorded before any state change, so a redelivery is a no-op even when the
// first attempt failed midway.
func (i *Ingestor) HandleEvent(ctx context.Context, payload []byte, signature string) (Outcome, error) {
	if !i.Configured() {
		return Outcome{}, ErrNotConfigured
	}
	if strings.TrimSpace(signature) == "" {
		return Outcome{}, ErrAuthentication
	}
	evt, err := webhook.ConstructEventWithOptions(payload, signature, i.secret, webhook.ConstructEventOptions{
		Tolerance:                i.tolerance,
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		return Outcome{}, ErrAuthentication
	}

	out := Outcome{EventID: evt.ID, EventType: string(evt.Type)}
	if strings.TrimSpace(evt.ID) == "" {
		// Nothing to key a record on; acknowledge so it is not redelivered.
		i.logger.Error("billing provider event without id dropped", "event_type", out.EventType)
		out.Malformed = true
		return out, nil
	}
	decoded, decodeErr := decodeEvent(evt)

	inserted, err := i.store.RecordProcessedEvent(ctx, storage.ProcessedEvent{
		EventID:   evt.ID,
		EventType: out.EventType,
		Payload:   payload,
	})
	if err != nil {
		return out, fmt.Errorf("record processed event: %w", err)
	}
	if !inserted {
		i.logger.Info("billing provider event duplicate ignored", "provider_event_id", evt.ID, "event_type", out.EventType)
		out.Duplicate = true
		return out, nil
	}
	i.logger.Info("billing provider event received",
		"provider_event_id", evt.ID,
		"event_type", out.EventType,
		"occurred_at", time.Unix(evt.Created, 0).UTC().Format(time.RFC3339),
	)

	if decodeErr != nil {
		i.logger.Error("billing provider event malformed; acknowledged without applying",
			"provider_event_id", evt.ID,
			"event_type", out.EventType,
			"err", decodeErr,
		)
		if markErr := i.store.MarkEventFailed(ctx, evt.ID, decodeErr.Error()); markErr != nil {
			i.logger.Error("failed to mark provider event as failed", "provider_event_id", evt.ID, "err", markErr)
		}
		out.Malformed = true
		return out, nil
	}

	if err := i.apply(ctx, decoded, &out); err != nil {
		i.logger.Error("billing provider event processing failed; event will not be retried",
			"provider_event_id", evt.ID,
			"event_type", out.EventType,
			"err", err,
		)
		if markErr := i.store.MarkEventFailed(ctx, evt.ID, err.Error()); markErr != nil {
			i.logger.Error("failed to mark provider event as failed", "provider_event_id", evt.ID, "err", markErr)
		}
		return out, fmt.Errorf("%w: %v", ErrProcessing, err)
	}
	return out, nil
}

func (i *Ingestor) apply(ctx context.Context, e event, out *Outcome) error {
	if _, ok := e.(unhandledEvent); ok {
		out.Ignored = true
		return nil
	}

	acct, err := i.store.FindAccountByStripeCustomer(ctx, e.customer())
	if errors.Is(err, storage.ErrNotFound) {
		i.logger.Warn("billing provider event for unknown customer", "provider_event_id", out.EventID, "customer_id", e.customer())
		out.Orphaned = true
		return nil
	}
	if err != nil {
		return err
	}

	switch ev := e.(type) {
	case subscriptionUpserted:
		_, err = i.subs.ApplySubscriptionState(ctx, acct.ID, ev.subscriptionID, ev.status, ev.periodEnd, plans.Pro)
	case subscriptionDeleted:
		_, err = i.subs.ApplyCanceled(ctx, acct.ID, ev.subscriptionID)
	default:
		out.Ignored = true
		return nil
	}
	if err != nil {
		return err
	}
	out.Applied = true
	return nil
}
