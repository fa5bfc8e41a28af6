package ingest

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/stripe/stripe-go/v79"
)

const (
	typeSubscriptionCreated = "customer.subscription.created"
	typeSubscriptionUpdated = "customer.subscription.updated"
	typeSubscriptionDeleted = "customer.subscription.deleted"
)

// event is the closed set of notifications ingestion understands.
type event interface {
	customer() string
}

type subscriptionUpserted struct {
	customerID     string
	subscriptionID string
	status         string
	periodEnd      int64
}

type subscriptionDeleted struct {
	customerID     string
	subscriptionID string
}

type unhandledEvent struct {
	eventType string
}

func (e subscriptionUpserted) customer() string { return e.customerID }
func (e subscriptionDeleted) customer() string  { return e.customerID }
func (unhandledEvent) customer() string         { return "" }

func decodeEvent(evt stripe.Event) (event, error) {
	switch string(evt.Type) {
	case typeSubscriptionCreated, typeSubscriptionUpdated:
		sub, err := decodeSubscription(evt)
		if err != nil {
			return nil, err
		}
		return subscriptionUpserted{
			customerID:     sub.Customer.ID,
			subscriptionID: sub.ID,
			status:         string(sub.Status),
			periodEnd:      sub.CurrentPeriodEnd,
		}, nil
	case typeSubscriptionDeleted:
		sub, err := decodeSubscription(evt)
		if err != nil {
			return nil, err
		}
		return subscriptionDeleted{customerID: sub.Customer.ID, subscriptionID: sub.ID}, nil
	default:
		return unhandledEvent{eventType: string(evt.Type)}, nil
	}
}

func decodeSubscription(evt stripe.Event) (stripe.Subscription, error) {
	var sub stripe.Subscription
	if evt.Data == nil || len(evt.Data.Raw) == 0 {
		return sub, fmt.Errorf("%w: missing data object", ErrMalformedEvent)
	}
	if err := json.Unmarshal(evt.Data.Raw, &sub); err != nil {
		return sub, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	if sub.Customer == nil || strings.TrimSpace(sub.Customer.ID) == "" {
		return sub, fmt.Errorf("%w: subscription without customer", ErrMalformedEvent)
	}
	return sub, nil
}
