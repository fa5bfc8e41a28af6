package reconcile

import (
	"context"
	"errors"
	"time"

	"github.com/md-rashed-zaman/resumeai/services/entitlement-service/internal/processor"
)

const (
	DefaultAttempts   = 4
	DefaultRetryDelay = 2 * time.Second
)

// RetryPolicy bounds SyncWithRetry. Attempts counts the first try.
type RetryPolicy struct {
	Attempts int
	Delay    time.Duration
}

func (p RetryPolicy) withDefaults() RetryPolicy {
	if p.Attempts <= 0 {
		p.Attempts = DefaultAttempts
	}
	if p.Delay < 0 {
		p.Delay = 0
	} else if p.Delay == 0 {
		p.Delay = DefaultRetryDelay
	}
	return p
}

// Sleeper waits for d or until ctx is done, returning ctx.Err() in the latter case.
type Sleeper func(ctx context.Context, d time.Duration) error

func SleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// SyncWithRetry reconciles until the result is final or the attempt budget is
// spent. It waits the policy delay between attempts and stops early when ctx
// is cancelled. A final transient failure is reported as Pending.
func (s *Syncer) SyncWithRetry(ctx context.Context, accountID string) (Result, error) {
	var last Result
	for attempt := 1; ; attempt++ {
		res, err := s.Reconcile(ctx, accountID)
		transient := errors.Is(err, processor.ErrTransient)
		if err != nil && !transient {
			return Result{}, err
		}
		if transient {
			s.logger.Warn("subscription sync attempt failed", "account_id", accountID, "attempt", attempt, "err", err)
			res = Result{Outcome: Pending, Reason: reasonRetryLater, awaitingProcessor: true}
		}
		last = res
		if !res.awaitingProcessor || attempt >= s.policy.Attempts {
			return last, nil
		}
		if err := s.sleep(ctx, s.policy.Delay); err != nil {
			return last, err
		}
	}
}
