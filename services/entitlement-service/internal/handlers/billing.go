package handlers

import (
	"context"
	"errors"
	"net/http"

	"github.com/md-rashed-zaman/resumeai/libs/httpx"
	"github.com/md-rashed-zaman/resumeai/services/entitlement-service/internal/plans"
	"github.com/md-rashed-zaman/resumeai/services/entitlement-service/internal/processor"
	"github.com/md-rashed-zaman/resumeai/services/entitlement-service/internal/reconcile"
	"github.com/md-rashed-zaman/resumeai/services/entitlement-service/internal/storage"
)

type syncResponse struct {
	Synced bool       `json:"synced"`
	Status string     `json:"status"`
	Plan   plans.Plan `json:"plan,omitempty"`
	Reason string     `json:"reason,omitempty"`
}

// Sync reconciles the caller's subscription with the processor. With
// ?wait=true it retries within the server-side bound while the result may
// still change.
func (h *Handler) Sync(w http.ResponseWriter, r *http.Request) {
	acct, _ := AccountFromContext(r.Context())

	var (
		res reconcile.Result
		err error
	)
	if r.URL.Query().Get("wait") == "true" {
		res, err = h.syncer.SyncWithRetry(r.Context(), acct.ID)
	} else {
		res, err = h.syncer.Reconcile(r.Context(), acct.ID)
		if errors.Is(err, processor.ErrTransient) {
			h.logger.Warn("subscription sync failed transiently", "account_id", acct.ID, "err", err)
			res, err = reconcile.Result{Outcome: reconcile.Pending, Reason: "Could not reach the payment processor. Please try again shortly."}, nil
		}
	}
	switch {
	case err == nil:
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		httpx.WriteError(w, http.StatusServiceUnavailable, "sync interrupted")
		return
	case errors.Is(err, processor.ErrNotConfigured):
		httpx.WriteError(w, http.StatusServiceUnavailable, "billing not configured")
		return
	default:
		h.logger.Error("subscription sync failed", "account_id", acct.ID, "err", err)
		httpx.WriteError(w, http.StatusInternalServerError, "sync failed")
		return
	}

	httpx.WriteJSON(w, http.StatusOK, syncResponse{
		Synced: res.Synced(),
		Status: res.Outcome.String(),
		Plan:   res.Plan,
		Reason: res.Reason,
	})
}

func (h *Handler) BillingSummary(w http.ResponseWriter, r *http.Request) {
	acct, _ := AccountFromContext(r.Context())
	s, err := h.gate.Summary(r.Context(), acct.ID)
	if err != nil {
		h.logger.Error("billing summary failed", "account_id", acct.ID, "err", err)
		httpx.WriteError(w, http.StatusInternalServerError, "failed to fetch billing")
		return
	}
	httpx.WriteJSON(w, http.StatusOK, s)
}

// Checkout opens a processor checkout session, linking a billing customer first if needed.
func (h *Handler) Checkout(w http.ResponseWriter, r *http.Request) {
	acct, _ := AccountFromContext(r.Context())
	customerID, err := h.ensureCustomer(r.Context(), acct)
	if err != nil {
		h.writeBillingError(w, acct, "checkout", err)
		return
	}
	url, err := h.billing.CreateCheckoutSession(r.Context(), customerID, acct.ID)
	if err != nil {
		h.writeBillingError(w, acct, "checkout", err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]string{"url": url})
}

func (h *Handler) Portal(w http.ResponseWriter, r *http.Request) {
	acct, _ := AccountFromContext(r.Context())
	if acct.StripeCustomerID == "" {
		httpx.WriteError(w, http.StatusBadRequest, "no billing account")
		return
	}
	url, err := h.billing.CreatePortalSession(r.Context(), acct.StripeCustomerID)
	if err != nil {
		h.writeBillingError(w, acct, "portal", err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]string{"url": url})
}

func (h *Handler) ensureCustomer(ctx context.Context, acct storage.Account) (string, error) {
	customerID, _, err := h.billing.EnsureCustomer(ctx, acct.StripeCustomerID, acct.Email, acct.ID)
	if err != nil {
		return "", err
	}
	if customerID != acct.StripeCustomerID {
		if err := h.accounts.SetStripeCustomerID(ctx, acct.ID, customerID); err != nil {
			return "", err
		}
		h.logger.Info("billing customer linked", "account_id", acct.ID, "customer_id", customerID)
	}
	return customerID, nil
}

func (h *Handler) writeBillingError(w http.ResponseWriter, acct storage.Account, op string, err error) {
	switch {
	case errors.Is(err, processor.ErrNotConfigured):
		httpx.WriteError(w, http.StatusServiceUnavailable, "billing not configured")
	case errors.Is(err, processor.ErrTransient):
		h.logger.Warn("billing request failed transiently", "op", op, "account_id", acct.ID, "err", err)
		httpx.WriteError(w, http.StatusServiceUnavailable, "payment processor unavailable")
	default:
		h.logger.Error("billing request failed", "op", op, "account_id", acct.ID, "err", err)
		httpx.WriteError(w, http.StatusInternalServerError, "failed to create "+op+" session")
	}
}
