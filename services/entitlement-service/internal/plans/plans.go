package plans

import (
	"fmt"
	"strings"
)

type Plan string

const (
	Free Plan = "FREE"
	Pro  Plan = "PRO"
)

type Status string

const (
	StatusActive   Status = "ACTIVE"
	StatusPastDue  Status = "PAST_DUE"
	StatusCanceled Status = "CANCELED"
)

// Action is a gated, metered user action. Its value names the usage counter.
type Action string

const (
	Generation Action = "generation"
	Export     Action = "export"
)

// Limit is a per-day allowance. Unbounded means no cap.
type Limit int

const Unbounded Limit = -1

func (l Limit) Bounded() bool { return l >= 0 }

// Limits represents the daily allowances derived from a plan.
type Limits struct {
	GenerationsPerDay Limit `json:"generations_per_day"`
	ExportsPerDay     Limit `json:"exports_per_day"`
}

func (l Limits) For(action Action) Limit {
	switch action {
	case Generation:
		return l.GenerationsPerDay
	case Export:
		return l.ExportsPerDay
	default:
		return 0
	}
}

// Table maps plans to limits. It is built once at start-up and never mutated.
type Table struct {
	limits map[Plan]Limits
}

func DefaultTable() Table {
	return NewTable(map[Plan]Limits{
		Free: {GenerationsPerDay: 3, ExportsPerDay: 1},
		Pro:  {GenerationsPerDay: Unbounded, ExportsPerDay: Unbounded},
	})
}

func NewTable(limits map[Plan]Limits) Table {
	cp := make(map[Plan]Limits, len(limits))
	for p, l := range limits {
		cp[p] = l
	}
	return Table{limits: cp}
}

// Limits returns the allowances for plan. Unknown plans get the FREE allowances.
func (t Table) Limits(plan Plan) Limits {
	if l, ok := t.limits[plan]; ok {
		return l
	}
	return t.limits[Free]
}

func (t Table) Limit(plan Plan, action Action) Limit {
	return t.Limits(plan).For(action)
}

// EffectivePlan is the plan whose limits apply: PRO only while ACTIVE.
func EffectivePlan(plan Plan, status Status) Plan {
	if plan == Pro && status == StatusActive {
		return Pro
	}
	return Free
}

func ParsePlan(s string) (Plan, error) {
	switch Plan(strings.ToUpper(strings.TrimSpace(s))) {
	case Free:
		return Free, nil
	case Pro:
		return Pro, nil
	default:
		return "", fmt.Errorf("unknown plan %q", s)
	}
}

func ParseAction(s string) (Action, error) {
	switch Action(strings.ToLower(strings.TrimSpace(s))) {
	case Generation, "generations":
		return Generation, nil
	case Export, "exports":
		return Export, nil
	default:
		return "", fmt.Errorf("unknown action %q", s)
	}
}
