package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/md-rashed-zaman/resumeai/libs/db"
	"github.com/md-rashed-zaman/resumeai/services/entitlement-service/internal/outbox"
	"github.com/md-rashed-zaman/resumeai/services/entitlement-service/internal/plans"
)

type Repository struct {
	pool   *db.Pool
	outbox *outbox.Repository
}

func NewRepository(pool *db.Pool) *Repository {
	return &Repository{pool: pool, outbox: outbox.NewRepository(pool)}
}

var _ Store = (*Repository)(nil)

const accountColumns = `id::text, identity_ref, COALESCE(email, ''), COALESCE(stripe_customer_id, ''), created_at`

func scanAccount(row pgx.Row) (Account, error) {
	var a Account
	if err := row.Scan(&a.ID, &a.IdentityRef, &a.Email, &a.StripeCustomerID, &a.CreatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Account{}, ErrNotFound
		}
		return Account{}, err
	}
	return a, nil
}

// EnsureAccount returns the account for identityRef, creating it on first sight.
func (r *Repository) EnsureAccount(ctx context.Context, identityRef, email string) (Account, error) {
	identityRef = strings.TrimSpace(identityRef)
	if identityRef == "" {
		return Account{}, errors.New("identity ref is required")
	}
	return scanAccount(r.pool.QueryRow(ctx, `
		INSERT INTO accounts (id, identity_ref, email)
		VALUES ($1, $2, $3)
		ON CONFLICT (identity_ref)
		DO UPDATE SET email = COALESCE(EXCLUDED.email, accounts.email)
		RETURNING `+accountColumns,
		uuid.NewString(), identityRef, nullIfEmpty(email)))
}

func (r *Repository) GetAccount(ctx context.Context, accountID string) (Account, error) {
	if _, err := uuid.Parse(accountID); err != nil {
		return Account{}, ErrNotFound
	}
	return scanAccount(r.pool.QueryRow(ctx, `SELECT `+accountColumns+` FROM accounts WHERE id = $1`, accountID))
}

func (r *Repository) FindAccountByStripeCustomer(ctx context.Context, customerID string) (Account, error) {
	if strings.TrimSpace(customerID) == "" {
		return Account{}, ErrNotFound
	}
	return scanAccount(r.pool.QueryRow(ctx, `SELECT `+accountColumns+` FROM accounts WHERE stripe_customer_id = $1`, customerID))
}

func (r *Repository) SetStripeCustomerID(ctx context.Context, accountID, customerID string) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE accounts
		SET stripe_customer_id = $2, updated_at = now()
		WHERE id = $1
	`, accountID, nullIfEmpty(customerID))
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *Repository) ListAccountsWithStripeCustomer(ctx context.Context, afterID string, limit int) ([]Account, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.pool.Query(ctx, `
		SELECT a.id::text, a.identity_ref, COALESCE(a.email, ''), a.stripe_customer_id, a.created_at
		FROM accounts a
		WHERE a.stripe_customer_id IS NOT NULL AND a.stripe_customer_id <> ''
		  AND a.id::text > $1
		ORDER BY a.id::text
		LIMIT $2
	`, afterID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Account
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

const subscriptionColumns = `account_id::text, plan, status, COALESCE(external_subscription_id, ''), current_period_end, updated_at`

func scanSubscription(row pgx.Row) (Subscription, bool, error) {
	var s Subscription
	var plan, status string
	var cpe *time.Time
	if err := row.Scan(&s.AccountID, &plan, &status, &s.ExternalSubscriptionID, &cpe, &s.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Subscription{}, false, nil
		}
		return Subscription{}, false, err
	}
	s.Plan = plans.Plan(plan)
	s.Status = plans.Status(status)
	s.CurrentPeriodEnd = cpe
	return s, true, nil
}

func (r *Repository) GetSubscription(ctx context.Context, accountID string) (Subscription, bool, error) {
	if _, err := uuid.Parse(accountID); err != nil {
		return Subscription{}, false, nil
	}
	return scanSubscription(r.pool.QueryRow(ctx, `SELECT `+subscriptionColumns+` FROM subscriptions WHERE account_id = $1`, accountID))
}

// ApplySubscription upserts next in one transaction with the outbox event
// eventFor derives from the locked previous row.
func (r *Repository) ApplySubscription(ctx context.Context, next Subscription, eventFor EventFunc) (Subscription, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return Subscription{}, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	prev, found, err := scanSubscription(tx.QueryRow(ctx, `
		SELECT `+subscriptionColumns+`
		FROM subscriptions
		WHERE account_id = $1
		FOR UPDATE
	`, next.AccountID))
	if err != nil {
		return Subscription{}, err
	}

	stored, _, err := scanSubscription(tx.QueryRow(ctx, `
		INSERT INTO subscriptions (account_id, plan, status, external_subscription_id, current_period_end)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (account_id)
		DO UPDATE SET plan = EXCLUDED.plan,
		              status = EXCLUDED.status,
		              external_subscription_id = EXCLUDED.external_subscription_id,
		              current_period_end = EXCLUDED.current_period_end,
		              updated_at = now()
		RETURNING `+subscriptionColumns,
		next.AccountID, string(next.Plan), string(next.Status), nullIfEmpty(next.ExternalSubscriptionID), next.CurrentPeriodEnd))
	if err != nil {
		return Subscription{}, fmt.Errorf("upsert subscription: %w", err)
	}

	if eventFor != nil {
		evt, err := eventFor(prev, found)
		if err != nil {
			return Subscription{}, err
		}
		if evt != nil {
			if err := r.outbox.Insert(ctx, tx, *evt); err != nil {
				return Subscription{}, fmt.Errorf("insert outbox event: %w", err)
			}
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return Subscription{}, err
	}
	return stored, nil
}

// IncrementUsage bumps one counter of the (account, day) bucket in a single
// upsert, so concurrent increments never lose an update.
func (r *Repository) IncrementUsage(ctx context.Context, accountID, day string, action plans.Action) (UsageBucket, error) {
	var gen, exp int
	switch action {
	case plans.Generation:
		gen = 1
	case plans.Export:
		exp = 1
	default:
		return UsageBucket{}, fmt.Errorf("unknown action %q", action)
	}
	var b UsageBucket
	err := r.pool.QueryRow(ctx, `
		INSERT INTO usage_buckets (account_id, day, generations, exports)
		VALUES ($1, $2::date, $3, $4)
		ON CONFLICT (account_id, day)
		DO UPDATE SET generations = usage_buckets.generations + EXCLUDED.generations,
		              exports = usage_buckets.exports + EXCLUDED.exports,
		              updated_at = now()
		RETURNING account_id::text, to_char(day, 'YYYY-MM-DD'), generations, exports
	`, accountID, day, gen, exp).Scan(&b.AccountID, &b.Day, &b.Generations, &b.Exports)
	if err != nil {
		return UsageBucket{}, err
	}
	return b, nil
}

// GetUsage returns the bucket for (account, day); a missing bucket reads as zero.
func (r *Repository) GetUsage(ctx context.Context, accountID, day string) (UsageBucket, error) {
	b := UsageBucket{AccountID: accountID, Day: day}
	if _, err := uuid.Parse(accountID); err != nil {
		return b, nil
	}
	err := r.pool.QueryRow(ctx, `
		SELECT generations, exports
		FROM usage_buckets
		WHERE account_id = $1 AND day = $2::date
	`, accountID, day).Scan(&b.Generations, &b.Exports)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return UsageBucket{}, err
	}
	return b, nil
}

// RecordProcessedEvent inserts the event id; false means it was already recorded.
func (r *Repository) RecordProcessedEvent(ctx context.Context, evt ProcessedEvent) (bool, error) {
	var payload any
	if err := json.Unmarshal(evt.Payload, &payload); err != nil {
		return false, err
	}
	tag, err := r.pool.Exec(ctx, `
		INSERT INTO processed_events (event_id, event_type, payload)
		VALUES ($1, $2, $3)
		ON CONFLICT (event_id) DO NOTHING
	`, evt.EventID, evt.EventType, payload)
	if err != nil {
		if db.IsUniqueViolation(err) {
			return false, nil
		}
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

func (r *Repository) MarkEventFailed(ctx context.Context, eventID, errText string) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE processed_events
		SET failed_at = now(), last_error = $2
		WHERE event_id = $1
	`, eventID, errText)
	return err
}

func (r *Repository) ClaimBatch(ctx context.Context, limit int, fn func([]outbox.Record) error) (int, error) {
	return r.outbox.ClaimBatch(ctx, limit, fn)
}

func nullIfEmpty(s string) any {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	return s
}
