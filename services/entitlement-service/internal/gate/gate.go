// Package gate answers "may this account perform this action now?" from the
// plan table and today's usage bucket.
package gate

import (
	"context"
	"time"

	"github.com/md-rashed-zaman/resumeai/services/entitlement-service/internal/plans"
	"github.com/md-rashed-zaman/resumeai/services/entitlement-service/internal/storage"
)

type Store interface {
	GetSubscription(ctx context.Context, accountID string) (storage.Subscription, bool, error)
	GetUsage(ctx context.Context, accountID, day string) (storage.UsageBucket, error)
	IncrementUsage(ctx context.Context, accountID, day string, action plans.Action) (storage.UsageBucket, error)
}

// Decision is the gate's answer. For unbounded plans Limit and Remaining are -1.
type Decision struct {
	Action    plans.Action `json:"action"`
	Plan      plans.Plan   `json:"plan"`
	Allowed   bool         `json:"allowed"`
	Unlimited bool         `json:"unlimited"`
	Used      int          `json:"used"`
	Limit     int          `json:"limit"`
	Remaining int          `json:"remaining"`
}

type Gate struct {
	store Store
	table plans.Table
	loc   *time.Location
	now   func() time.Time
}

func New(store Store, table plans.Table, loc *time.Location, now func() time.Time) *Gate {
	if loc == nil {
		loc = time.UTC
	}
	if now == nil {
		now = time.Now
	}
	return &Gate{store: store, table: table, loc: loc, now: now}
}

// Today is the current usage day in the reference timezone.
func (g *Gate) Today() string {
	return storage.UsageDay(g.now(), g.loc)
}

// CheckLimit evaluates action against plan's allowance. It never writes; the
// answer is advisory until IncrementUsage records the completed action.
func (g *Gate) CheckLimit(ctx context.Context, accountID string, plan plans.Plan, action plans.Action) (Decision, error) {
	limit := g.table.Limit(plan, action)
	d := Decision{Action: action, Plan: plan}
	if !limit.Bounded() {
		d.Allowed = true
		d.Unlimited = true
		d.Limit = int(plans.Unbounded)
		d.Remaining = int(plans.Unbounded)
		return d, nil
	}

	bucket, err := g.store.GetUsage(ctx, accountID, g.Today())
	if err != nil {
		return Decision{}, err
	}
	d.Used = bucket.Count(action)
	d.Limit = int(limit)
	d.Allowed = d.Used < d.Limit
	d.Remaining = max(0, d.Limit-d.Used)
	return d, nil
}

// EffectivePlan resolves the plan whose limits apply to the account. No
// subscription row means FREE.
func (g *Gate) EffectivePlan(ctx context.Context, accountID string) (plans.Plan, error) {
	sub, ok, err := g.store.GetSubscription(ctx, accountID)
	if err != nil {
		return "", err
	}
	if !ok {
		return plans.Free, nil
	}
	return plans.EffectivePlan(sub.Plan, sub.Status), nil
}

// Check is CheckLimit with the account's effective plan.
func (g *Gate) Check(ctx context.Context, accountID string, action plans.Action) (Decision, error) {
	plan, err := g.EffectivePlan(ctx, accountID)
	if err != nil {
		return Decision{}, err
	}
	return g.CheckLimit(ctx, accountID, plan, action)
}

// IncrementUsage records one completed action for today and returns the new count.
func (g *Gate) IncrementUsage(ctx context.Context, accountID string, action plans.Action) (int, error) {
	b, err := g.store.IncrementUsage(ctx, accountID, g.Today(), action)
	if err != nil {
		return 0, err
	}
	return b.Count(action), nil
}

type Usage struct {
	Day         string `json:"day"`
	Generations int    `json:"generations"`
	Exports     int    `json:"exports"`
}

// Summary is the billing-page view of an account.
type Summary struct {
	Plan             plans.Plan   `json:"plan"`
	Status           plans.Status `json:"status"`
	EffectivePlan    plans.Plan   `json:"effective_plan"`
	CurrentPeriodEnd *time.Time   `json:"current_period_end"`
	Usage            Usage        `json:"usage"`
	Generation       Decision     `json:"generation"`
	Export           Decision     `json:"export"`
}

func (g *Gate) Summary(ctx context.Context, accountID string) (Summary, error) {
	s := Summary{Plan: plans.Free, Status: plans.StatusActive}
	sub, ok, err := g.store.GetSubscription(ctx, accountID)
	if err != nil {
		return Summary{}, err
	}
	if ok {
		s.Plan = sub.Plan
		s.Status = sub.Status
		s.CurrentPeriodEnd = sub.CurrentPeriodEnd
	}
	s.EffectivePlan = plans.EffectivePlan(s.Plan, s.Status)

	day := g.Today()
	bucket, err := g.store.GetUsage(ctx, accountID, day)
	if err != nil {
		return Summary{}, err
	}
	s.Usage = Usage{Day: day, Generations: bucket.Generations, Exports: bucket.Exports}

	if s.Generation, err = g.CheckLimit(ctx, accountID, s.EffectivePlan, plans.Generation); err != nil {
		return Summary{}, err
	}
	if s.Export, err = g.CheckLimit(ctx, accountID, s.EffectivePlan, plans.Export); err != nil {
		return Summary{}, err
	}
	return s, nil
}
