package gate

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/md-rashed-zaman/resumeai/libs/httpx"
	"github.com/md-rashed-zaman/resumeai/services/entitlement-service/internal/plans"
)

// AccountFunc extracts the authenticated account id from a request.
type AccountFunc func(r *http.Request) (string, bool)

// Guard denies the wrapped handler with 429 once the account's daily allowance
// for action is used up. Usage is recorded only when the handler answers 2xx,
// so a failed action does not consume quota.
func (g *Gate) Guard(action plans.Action, account AccountFunc, logger *slog.Logger) httpx.Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			accountID, ok := account(r)
			if !ok {
				httpx.WriteError(w, http.StatusUnauthorized, "not authenticated")
				return
			}
			d, err := g.Check(r.Context(), accountID, action)
			if err != nil {
				logger.Error("entitlement check failed", "account_id", accountID, "action", action, "err", err)
				httpx.WriteError(w, http.StatusInternalServerError, "entitlement check failed")
				return
			}
			if !d.Allowed {
				httpx.WriteJSON(w, http.StatusTooManyRequests, map[string]any{
					"error":     "daily limit reached, upgrade to Pro for unlimited usage",
					"limit":     d.Limit,
					"remaining": d.Remaining,
					"plan":      d.Plan,
				})
				return
			}

			rec, status := httpx.StatusRecorder(w)
			next.ServeHTTP(rec, r)
			if code := status(); code < 200 || code > 299 {
				return
			}
			// The action already happened; a client disconnect must not skip recording it.
			if _, err := g.IncrementUsage(context.WithoutCancel(r.Context()), accountID, action); err != nil {
				logger.Error("usage increment failed", "account_id", accountID, "action", action, "err", err)
			}
		})
	}
}
