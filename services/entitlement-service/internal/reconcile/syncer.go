// Package reconcile pulls subscription state from the payment processor and
// converges local state through the shared transition function.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/md-rashed-zaman/resumeai/services/entitlement-service/internal/plans"
	"github.com/md-rashed-zaman/resumeai/services/entitlement-service/internal/processor"
	"github.com/md-rashed-zaman/resumeai/services/entitlement-service/internal/storage"
)

type Outcome int

const (
	Synced Outcome = iota + 1
	Pending
	NotFound
)

func (o Outcome) String() string {
	switch o {
	case Synced:
		return "synced"
	case Pending:
		return "pending"
	case NotFound:
		return "not_found"
	default:
		return "unknown"
	}
}

const (
	reasonNoAccount  = "User not found"
	reasonNoCustomer = "No Stripe customer ID linked to this user"
	reasonProcessing = "Subscription is still processing. Please wait a moment and refresh."
	reasonPastDue    = "Subscription payment is past due. Update your payment method to restore Pro."
	reasonNoActive   = "No active subscription found. Statuses: %s"
	reasonRetryLater = "Could not reach the payment processor. Please try again shortly."
)

type Result struct {
	Outcome Outcome
	Plan    plans.Plan
	Reason  string
	// awaitingProcessor marks results a later attempt may change.
	awaitingProcessor bool
}

func (r Result) Synced() bool { return r.Outcome == Synced }

type Accounts interface {
	GetAccount(ctx context.Context, accountID string) (storage.Account, error)
}

type Processor interface {
	ListSubscriptions(ctx context.Context, customerID string) ([]processor.Subscription, error)
}

type Transitions interface {
	ApplySubscriptionState(ctx context.Context, accountID, externalSubscriptionID, rawStatus string, periodEnd int64, target plans.Plan) (storage.Subscription, error)
}

type Syncer struct {
	accounts  Accounts
	processor Processor
	subs      Transitions
	logger    *slog.Logger
	policy    RetryPolicy
	sleep     Sleeper
}

func NewSyncer(accounts Accounts, proc Processor, subs Transitions, logger *slog.Logger, policy RetryPolicy) *Syncer {
	return &Syncer{
		accounts:  accounts,
		processor: proc,
		subs:      subs,
		logger:    logger,
		policy:    policy.withDefaults(),
		sleep:     SleepContext,
	}
}

// WithSleeper replaces the delay function used between retry attempts.
func (s *Syncer) WithSleeper(sleep Sleeper) *Syncer {
	s.sleep = sleep
	return s
}

// Reconcile makes one pass: it reads the processor's subscriptions for the
// account's customer and applies the best one. Transient processor failures
// are returned wrapping processor.ErrTransient.
func (s *Syncer) Reconcile(ctx context.Context, accountID string) (Result, error) {
	acct, err := s.accounts.GetAccount(ctx, accountID)
	if errors.Is(err, storage.ErrNotFound) {
		return Result{Outcome: NotFound, Reason: reasonNoAccount}, nil
	}
	if err != nil {
		return Result{}, err
	}
	if strings.TrimSpace(acct.StripeCustomerID) == "" {
		return Result{Outcome: NotFound, Reason: reasonNoCustomer}, nil
	}

	subs, err := s.processor.ListSubscriptions(ctx, acct.StripeCustomerID)
	if err != nil {
		return Result{}, fmt.Errorf("list subscriptions: %w", err)
	}

	best, ok := Select(subs)
	if !ok {
		return Result{Outcome: NotFound, Reason: fmt.Sprintf(reasonNoActive, statusList(subs)), awaitingProcessor: true}, nil
	}

	switch strings.ToLower(best.Status) {
	case "active", "trialing":
		sub, err := s.subs.ApplySubscriptionState(ctx, acct.ID, best.ID, best.Status, best.CurrentPeriodEnd, plans.Pro)
		if err != nil {
			return Result{}, err
		}
		s.logger.Info("subscription reconciled", "account_id", acct.ID, "external_subscription_id", best.ID, "status", best.Status)
		return Result{Outcome: Synced, Plan: sub.Plan}, nil
	case "incomplete":
		return Result{Outcome: Pending, Reason: reasonProcessing, awaitingProcessor: true}, nil
	case "past_due", "unpaid":
		return Result{Outcome: NotFound, Reason: reasonPastDue}, nil
	default:
		return Result{Outcome: NotFound, Reason: fmt.Sprintf(reasonNoActive, statusList(subs)), awaitingProcessor: true}, nil
	}
}

// Select picks the subscription that best represents the customer:
// active/trialing first, then past_due/unpaid/incomplete, then anything else.
// Ties keep processor order.
func Select(subs []processor.Subscription) (processor.Subscription, bool) {
	if len(subs) == 0 {
		return processor.Subscription{}, false
	}
	best := 0
	for i := 1; i < len(subs); i++ {
		if rank(subs[i].Status) < rank(subs[best].Status) {
			best = i
		}
	}
	return subs[best], true
}

func rank(status string) int {
	switch strings.ToLower(status) {
	case "active", "trialing":
		return 0
	case "past_due", "unpaid", "incomplete":
		return 1
	default:
		return 2
	}
}

func statusList(subs []processor.Subscription) string {
	if len(subs) == 0 {
		return "none"
	}
	statuses := make([]string, 0, len(subs))
	for _, s := range subs {
		statuses = append(statuses, s.Status)
	}
	return strings.Join(statuses, ", ")
}
