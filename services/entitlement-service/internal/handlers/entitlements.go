package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/md-rashed-zaman/resumeai/libs/httpx"
	"github.com/md-rashed-zaman/resumeai/services/entitlement-service/internal/plans"
)

func (h *Handler) CheckEntitlement(w http.ResponseWriter, r *http.Request) {
	acct, _ := AccountFromContext(r.Context())
	action, err := plans.ParseAction(chi.URLParam(r, "action"))
	if err != nil {
		httpx.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}
	d, err := h.gate.Check(r.Context(), acct.ID, action)
	if err != nil {
		h.logger.Error("entitlement check failed", "account_id", acct.ID, "action", action, "err", err)
		httpx.WriteError(w, http.StatusInternalServerError, "entitlement check failed")
		return
	}
	httpx.WriteJSON(w, http.StatusOK, d)
}

// RecordUsage counts one completed gated action for the caller.
func (h *Handler) RecordUsage(w http.ResponseWriter, r *http.Request) {
	acct, _ := AccountFromContext(r.Context())
	action, err := plans.ParseAction(chi.URLParam(r, "action"))
	if err != nil {
		httpx.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}
	used, err := h.gate.IncrementUsage(r.Context(), acct.ID, action)
	if err != nil {
		h.logger.Error("usage increment failed", "account_id", acct.ID, "action", action, "err", err)
		httpx.WriteError(w, http.StatusInternalServerError, "usage increment failed")
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"action": action, "used": used, "day": h.gate.Today()})
}
