package handlers

import (
	"errors"
	"io"
	"net/http"

	"github.com/md-rashed-zaman/resumeai/libs/httpx"
	"github.com/md-rashed-zaman/resumeai/services/entitlement-service/internal/ingest"
)

// StripeWebhook handles Stripe webhooks (no user auth; the signature is the auth).
// Any 2xx tells the processor to stop redelivering.
func (h *Handler) StripeWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			httpx.WriteError(w, http.StatusRequestEntityTooLarge, "request body too large")
			return
		}
		httpx.WriteError(w, http.StatusBadRequest, "failed to read request body")
		return
	}

	out, err := h.ingest.HandleEvent(r.Context(), body, r.Header.Get("Stripe-Signature"))
	switch {
	case err == nil:
	case errors.Is(err, ingest.ErrNotConfigured):
		httpx.WriteError(w, http.StatusServiceUnavailable, "stripe webhook not configured")
		return
	case errors.Is(err, ingest.ErrAuthentication):
		httpx.WriteError(w, http.StatusBadRequest, "invalid signature")
		return
	default:
		if !errors.Is(err, ingest.ErrProcessing) {
			h.logger.Error("stripe webhook failed", "provider_event_id", out.EventID, "err", err)
		}
		httpx.WriteError(w, http.StatusInternalServerError, "webhook processing failed")
		return
	}

	httpx.WriteJSON(w, http.StatusOK, map[string]any{
		"received":  true,
		"duplicate": out.Duplicate,
	})
}
