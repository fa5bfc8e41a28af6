package handlers

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/md-rashed-zaman/resumeai/libs/auth"
	"github.com/md-rashed-zaman/resumeai/libs/httpx"
	"github.com/md-rashed-zaman/resumeai/services/entitlement-service/internal/gate"
	"github.com/md-rashed-zaman/resumeai/services/entitlement-service/internal/ingest"
	"github.com/md-rashed-zaman/resumeai/services/entitlement-service/internal/plans"
	"github.com/md-rashed-zaman/resumeai/services/entitlement-service/internal/reconcile"
	"github.com/md-rashed-zaman/resumeai/services/entitlement-service/internal/storage"
)

const maxWebhookBody = 1 << 20

type Accounts interface {
	EnsureAccount(ctx context.Context, identityRef, email string) (storage.Account, error)
	SetStripeCustomerID(ctx context.Context, accountID, customerID string) error
}

// Billing is the processor surface behind checkout and the customer portal.
type Billing interface {
	EnsureCustomer(ctx context.Context, existingID, email, accountID string) (string, bool, error)
	CreateCheckoutSession(ctx context.Context, customerID, accountID string) (string, error)
	CreatePortalSession(ctx context.Context, customerID string) (string, error)
}

type Handler struct {
	accounts Accounts
	billing  Billing
	ingest   *ingest.Ingestor
	syncer   *reconcile.Syncer
	gate     *gate.Gate
	logger   *slog.Logger
}

func New(accounts Accounts, billing Billing, ing *ingest.Ingestor, syncer *reconcile.Syncer, g *gate.Gate, logger *slog.Logger) *Handler {
	return &Handler{accounts: accounts, billing: billing, ingest: ing, syncer: syncer, gate: g, logger: logger}
}

type RouteOptions struct {
	Verifier auth.TokenVerifier
	// WebhookLimit and UserLimit are optional rate limiters.
	WebhookLimit httpx.Middleware
	UserLimit    httpx.Middleware
	// Generate and Export are optional upstreams for gated actions. When set,
	// their routes are served behind the entitlement gate.
	Generate http.Handler
	Export   http.Handler
}

// Mount registers the service routes on r.
func (h *Handler) Mount(r chi.Router, opts RouteOptions) {
	r.Group(func(r chi.Router) {
		r.Use(httpx.WithBodyLimit(maxWebhookBody))
		if opts.WebhookLimit != nil {
			r.Use(opts.WebhookLimit)
		}
		r.Post("/api/v1/billing/webhooks/stripe", h.StripeWebhook)
	})

	r.Group(func(r chi.Router) {
		r.Use(auth.RequireBearer(opts.Verifier))
		r.Use(h.withAccount)
		if opts.UserLimit != nil {
			r.Use(opts.UserLimit)
		}

		r.Get("/api/v1/billing", h.BillingSummary)
		r.Post("/api/v1/billing/sync", h.Sync)
		r.Post("/api/v1/billing/checkout", h.Checkout)
		r.Post("/api/v1/billing/portal", h.Portal)
		r.Get("/api/v1/entitlements/{action}", h.CheckEntitlement)
		r.Post("/api/v1/usage/{action}", h.RecordUsage)

		if opts.Generate != nil {
			r.With(h.gate.Guard(plans.Generation, accountIDFromRequest, h.logger)).Post("/api/v1/generate", opts.Generate.ServeHTTP)
		}
		if opts.Export != nil {
			r.With(h.gate.Guard(plans.Export, accountIDFromRequest, h.logger)).Post("/api/v1/export/docx", opts.Export.ServeHTTP)
		}
	})
}

type ctxKey int

const ctxKeyAccount ctxKey = iota

func AccountFromContext(ctx context.Context) (storage.Account, bool) {
	a, ok := ctx.Value(ctxKeyAccount).(storage.Account)
	return a, ok
}

func accountIDFromRequest(r *http.Request) (string, bool) {
	a, ok := AccountFromContext(r.Context())
	return a.ID, ok
}

// withAccount resolves the token subject to an account, creating it on first access.
func (h *Handler) withAccount(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		claims, ok := auth.ClaimsFromContext(r.Context())
		if !ok {
			httpx.WriteError(w, http.StatusUnauthorized, "not authenticated")
			return
		}
		acct, err := h.accounts.EnsureAccount(r.Context(), claims.Subject, claims.Email)
		if err != nil {
			h.logger.Error("account lookup failed", "identity_ref", claims.Subject, "err", err)
			httpx.WriteError(w, http.StatusInternalServerError, "account lookup failed")
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), ctxKeyAccount, acct)))
	})
}
