package subscriptions

import (
	"strings"

	"github.com/md-rashed-zaman/resumeai/services/entitlement-service/internal/plans"
)

// Normalized is the internal reading of a processor subscription status.
type Normalized struct {
	Status   plans.Status
	Terminal bool
	// Known is false when the raw status was not recognised; Status is then PAST_DUE.
	Known bool
}

// NormalizeStatus maps a processor status onto the internal set. It is total:
// unrecognised input never yields ACTIVE.
func NormalizeStatus(raw string) Normalized {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "active", "trialing":
		return Normalized{Status: plans.StatusActive, Known: true}
	case "past_due", "unpaid", "incomplete", "paused":
		return Normalized{Status: plans.StatusPastDue, Known: true}
	case "canceled", "cancelled", "incomplete_expired", "deleted", "ended":
		return Normalized{Status: plans.StatusCanceled, Terminal: true, Known: true}
	default:
		return Normalized{Status: plans.StatusPastDue}
	}
}
