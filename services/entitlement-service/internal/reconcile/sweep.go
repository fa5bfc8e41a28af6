package reconcile

import (
	"context"
	"log/slog"
	"time"

	"github.com/md-rashed-zaman/resumeai/services/entitlement-service/internal/storage"
)

// Locker provides best-effort leader election so only one instance sweeps.
type Locker interface {
	TryLock(ctx context.Context, key int64) (bool, error)
	Unlock(ctx context.Context, key int64) error
}

type SweepAccounts interface {
	ListAccountsWithStripeCustomer(ctx context.Context, afterID string, limit int) ([]storage.Account, error)
}

type SweepConfig struct {
	Interval        time.Duration
	BatchSize       int
	AdvisoryLockKey int64
}

// Sweep periodically reconciles every account linked to a billing customer,
// healing state after missed or failed notifications.
type Sweep struct {
	accounts SweepAccounts
	syncer   *Syncer
	locker   Locker
	logger   *slog.Logger
	cfg      SweepConfig
	sleep    Sleeper
	// cursor is the last account ID swept; batches walk forward and wrap.
	cursor string
}

func NewSweep(accounts SweepAccounts, syncer *Syncer, locker Locker, logger *slog.Logger, cfg SweepConfig) *Sweep {
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Minute
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 50
	}
	if cfg.AdvisoryLockKey == 0 {
		cfg.AdvisoryLockKey = 4242001
	}
	return &Sweep{accounts: accounts, syncer: syncer, locker: locker, logger: logger, cfg: cfg, sleep: SleepContext}
}

func (s *Sweep) Run(ctx context.Context) {
	if s.locker != nil {
		if !s.acquire(ctx) {
			return
		}
		defer func() {
			_ = s.locker.Unlock(context.Background(), s.cfg.AdvisoryLockKey)
		}()
	}

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	// Run immediately on startup to self-heal faster after downtime.
	s.RunOnce(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.RunOnce(ctx)
		}
	}
}

func (s *Sweep) acquire(ctx context.Context) bool {
	for {
		locked, err := s.locker.TryLock(ctx, s.cfg.AdvisoryLockKey)
		wait := 30 * time.Second
		switch {
		case err != nil:
			s.logger.Error("reconcile sweep: failed to acquire advisory lock", "err", err)
			wait = 5 * time.Second
		case locked:
			s.logger.Info("reconcile sweep: advisory lock acquired", "lock_key", s.cfg.AdvisoryLockKey)
			return true
		default:
			s.logger.Info("reconcile sweep: advisory lock held by another instance", "lock_key", s.cfg.AdvisoryLockKey)
		}
		if s.sleep(ctx, wait) != nil {
			return false
		}
	}
}

// RunOnce reconciles the next batch and returns how many accounts ended Synced.
// Successive calls page through every linked account before starting over.
// Not safe for concurrent use.
func (s *Sweep) RunOnce(ctx context.Context) int {
	accts, err := s.accounts.ListAccountsWithStripeCustomer(ctx, s.cursor, s.cfg.BatchSize)
	if err == nil && len(accts) == 0 && s.cursor != "" {
		s.cursor = ""
		accts, err = s.accounts.ListAccountsWithStripeCustomer(ctx, "", s.cfg.BatchSize)
	}
	if err != nil {
		s.logger.Error("reconcile sweep: failed to list accounts", "err", err)
		return 0
	}
	if len(accts) < s.cfg.BatchSize {
		s.cursor = ""
	} else {
		s.cursor = accts[len(accts)-1].ID
	}
	synced := 0
	for _, a := range accts {
		if ctx.Err() != nil {
			return synced
		}
		res, err := s.syncer.Reconcile(ctx, a.ID)
		if err != nil {
			s.logger.Warn("reconcile sweep: account failed", "account_id", a.ID, "err", err)
			continue
		}
		if res.Synced() {
			synced++
		}
	}
	return synced
}
