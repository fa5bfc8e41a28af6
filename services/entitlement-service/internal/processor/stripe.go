package processor

import (
	"context"
	"strings"

	"github.com/stripe/stripe-go/v79"
	portalsession "github.com/stripe/stripe-go/v79/billingportal/session"
	checkoutsession "github.com/stripe/stripe-go/v79/checkout/session"
	"github.com/stripe/stripe-go/v79/customer"
	stripesubscription "github.com/stripe/stripe-go/v79/subscription"
)

// listLimit bounds how many subscriptions are inspected per customer.
const listLimit = 5

type StripeConfig struct {
	SecretKey string
	PriceID   string
	AppURL    string
}

type Stripe struct {
	priceID string
	appURL  string
	enabled bool
}

// NewStripe sets the process-wide Stripe key used by the SDK's package-level clients.
func NewStripe(cfg StripeConfig) *Stripe {
	key := strings.TrimSpace(cfg.SecretKey)
	if key != "" {
		stripe.Key = key
	}
	return &Stripe{
		priceID: strings.TrimSpace(cfg.PriceID),
		appURL:  strings.TrimRight(strings.TrimSpace(cfg.AppURL), "/"),
		enabled: key != "",
	}
}

func (s *Stripe) Configured() bool { return s.enabled }

// ListSubscriptions returns up to five of the customer's subscriptions in any status.
func (s *Stripe) ListSubscriptions(ctx context.Context, customerID string) ([]Subscription, error) {
	if !s.enabled {
		return nil, ErrNotConfigured
	}
	params := &stripe.SubscriptionListParams{
		Customer: stripe.String(customerID),
		Status:   stripe.String("all"),
	}
	params.Limit = stripe.Int64(listLimit)
	params.Context = ctx

	var out []Subscription
	it := stripesubscription.List(params)
	for it.Next() {
		sub := it.Subscription()
		out = append(out, fromStripe(sub))
		if len(out) == listLimit {
			break
		}
	}
	if err := it.Err(); err != nil {
		return nil, Classify(err)
	}
	return out, nil
}

// EnsureCustomer returns a usable customer id: existingID when it still
// resolves to a live customer, otherwise a newly created one.
func (s *Stripe) EnsureCustomer(ctx context.Context, existingID, email, accountID string) (string, bool, error) {
	if !s.enabled {
		return "", false, ErrNotConfigured
	}
	if existingID != "" {
		params := &stripe.CustomerParams{}
		params.Context = ctx
		c, err := customer.Get(existingID, params)
		switch {
		case err == nil && !c.Deleted:
			return existingID, false, nil
		case err != nil && !isMissingResource(err):
			return "", false, Classify(err)
		}
	}

	params := &stripe.CustomerParams{}
	if email != "" {
		params.Email = stripe.String(email)
	}
	params.AddMetadata("account_id", accountID)
	params.Context = ctx
	c, err := customer.New(params)
	if err != nil {
		return "", false, Classify(err)
	}
	return c.ID, true, nil
}

// CreateCheckoutSession opens a subscription-mode checkout for the PRO price.
func (s *Stripe) CreateCheckoutSession(ctx context.Context, customerID, accountID string) (string, error) {
	if !s.enabled || s.priceID == "" {
		return "", ErrNotConfigured
	}
	params := &stripe.CheckoutSessionParams{
		Customer: stripe.String(customerID),
		Mode:     stripe.String(string(stripe.CheckoutSessionModeSubscription)),
		LineItems: []*stripe.CheckoutSessionLineItemParams{
			{Price: stripe.String(s.priceID), Quantity: stripe.Int64(1)},
		},
		ClientReferenceID: stripe.String(accountID),
		SuccessURL:        stripe.String(s.appURL + "/billing?success=true"),
		CancelURL:         stripe.String(s.appURL + "/billing?canceled=true"),
	}
	params.Context = ctx
	sess, err := checkoutsession.New(params)
	if err != nil {
		return "", Classify(err)
	}
	return sess.URL, nil
}

func (s *Stripe) CreatePortalSession(ctx context.Context, customerID string) (string, error) {
	if !s.enabled {
		return "", ErrNotConfigured
	}
	params := &stripe.BillingPortalSessionParams{
		Customer:  stripe.String(customerID),
		ReturnURL: stripe.String(s.appURL + "/billing"),
	}
	params.Context = ctx
	sess, err := portalsession.New(params)
	if err != nil {
		return "", Classify(err)
	}
	return sess.URL, nil
}

func fromStripe(sub *stripe.Subscription) Subscription {
	out := Subscription{
		ID:               sub.ID,
		Status:           string(sub.Status),
		CurrentPeriodEnd: sub.CurrentPeriodEnd,
		Created:          sub.Created,
	}
	if sub.Customer != nil {
		out.CustomerID = sub.Customer.ID
	}
	return out
}
