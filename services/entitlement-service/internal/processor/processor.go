// Package processor adapts the payment processor (Stripe) to the narrow
// operations reconciliation and billing need.
package processor

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/stripe/stripe-go/v79"
)

var (
	// ErrTransient marks failures worth retrying (network, 5xx, rate limited).
	ErrTransient     = errors.New("payment processor temporarily unavailable")
	ErrNotConfigured = errors.New("payment processor not configured")
)

// Subscription is the processor's view of one subscription.
type Subscription struct {
	ID               string
	CustomerID       string
	Status           string
	CurrentPeriodEnd int64
	Created          int64
}

// Classify wraps err with ErrTransient when a retry could succeed. Context
// cancellation and deadlines are returned unchanged; the caller gave up.
func Classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	var serr *stripe.Error
	if !errors.As(err, &serr) {
		return fmt.Errorf("%w: %w", ErrTransient, err)
	}
	if serr.HTTPStatusCode >= http.StatusInternalServerError || serr.HTTPStatusCode == http.StatusTooManyRequests {
		return fmt.Errorf("%w: %w", ErrTransient, err)
	}
	return err
}

func isMissingResource(err error) bool {
	var serr *stripe.Error
	if !errors.As(err, &serr) {
		return false
	}
	return serr.Code == stripe.ErrorCodeResourceMissing || serr.HTTPStatusCode == http.StatusNotFound
}
