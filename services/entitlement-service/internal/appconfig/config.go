// Package appconfig assembles the service configuration from the environment once at start-up.
package appconfig

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/md-rashed-zaman/resumeai/libs/auth"
	"github.com/md-rashed-zaman/resumeai/libs/config"
	"github.com/md-rashed-zaman/resumeai/services/entitlement-service/internal/plans"
	"github.com/md-rashed-zaman/resumeai/services/entitlement-service/internal/processor"
	"github.com/md-rashed-zaman/resumeai/services/entitlement-service/internal/reconcile"
)

const (
	StoreDriverPostgres = "postgres"
	StoreDriverMemory   = "memory"
)

type Config struct {
	Service  string
	Port     string
	GRPCPort string

	StoreDriver     string
	DatabaseURL     string
	DatabaseMigrate bool
	DBMaxConns      int

	UsageLocation *time.Location
	Plans         plans.Table

	Stripe           processor.StripeConfig
	WebhookSecret    string
	WebhookTolerance time.Duration

	Retry        reconcile.RetryPolicy
	SweepEnabled bool
	Sweep        reconcile.SweepConfig

	Auth auth.VerifierConfig

	RedisAddr                 string
	RateLimitPerMinute        int
	WebhookRateLimitPerMinute int

	KafkaBrokers      string
	InternalTokenHash string

	GeneratorURL string
	ExporterURL  string
	CORSOrigins  []string
}

func Load() (Config, error) {
	var errs []error
	collect := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}

	cfg := Config{
		Service:           config.String("SERVICE_NAME", "entitlement-service"),
		StoreDriver:       strings.ToLower(config.String("STORE_DRIVER", StoreDriverPostgres)),
		DatabaseURL:       config.String("DATABASE_URL", ""),
		DatabaseMigrate:   config.Bool("DATABASE_MIGRATE", true),
		WebhookSecret:     config.String("STRIPE_WEBHOOK_SECRET", ""),
		SweepEnabled:      config.Bool("BILLING_STRIPE_RECONCILE_ENABLED", false),
		RedisAddr:         config.String("REDIS_ADDR", ""),
		KafkaBrokers:      config.String("KAFKA_BROKERS", ""),
		InternalTokenHash: config.String("INTERNAL_TOKEN_BCRYPT", ""),
		GeneratorURL:      config.String("GENERATOR_URL", ""),
		ExporterURL:       config.String("EXPORTER_URL", ""),
		CORSOrigins:       config.List("CORS_ALLOWED_ORIGINS"),
		Stripe: processor.StripeConfig{
			SecretKey: config.String("STRIPE_SECRET_KEY", ""),
			PriceID:   config.String("STRIPE_PRICE_PRO", ""),
			AppURL:    config.String("APP_URL", "http://localhost:3000"),
		},
		Auth: auth.VerifierConfig{
			HS256Secret: config.String("AUTH_JWT_SECRET", ""),
			JWKSURL:     config.String("AUTH_JWKS_URL", ""),
			Issuer:      config.String("AUTH_ISSUER", ""),
			Audience:    config.String("AUTH_AUDIENCE", ""),
		},
	}

	var err error
	cfg.Port, err = config.Port("PORT", "8084")
	collect(err)
	cfg.GRPCPort, err = config.Port("GRPC_PORT", "9091")
	collect(err)
	cfg.DBMaxConns, err = config.Int("DB_MAX_CONNS", 10)
	collect(err)

	switch cfg.StoreDriver {
	case StoreDriverPostgres:
		if cfg.DatabaseURL == "" {
			collect(errors.New("DATABASE_URL is required when STORE_DRIVER=postgres"))
		}
	case StoreDriverMemory:
	default:
		collect(fmt.Errorf("STORE_DRIVER must be %q or %q (got %q)", StoreDriverPostgres, StoreDriverMemory, cfg.StoreDriver))
	}

	tz := config.String("USAGE_TIMEZONE", "UTC")
	cfg.UsageLocation, err = time.LoadLocation(tz)
	if err != nil {
		collect(fmt.Errorf("USAGE_TIMEZONE: %w", err))
	}

	cfg.Plans, err = loadPlans()
	collect(err)

	cfg.WebhookTolerance, err = config.Duration("STRIPE_WEBHOOK_TOLERANCE_SECONDS", 5*time.Minute)
	collect(err)

	cfg.Retry.Attempts, err = config.Int("SYNC_MAX_ATTEMPTS", reconcile.DefaultAttempts)
	collect(err)
	cfg.Retry.Delay, err = config.Duration("SYNC_RETRY_DELAY", reconcile.DefaultRetryDelay)
	collect(err)

	cfg.Sweep.Interval, err = config.Duration("BILLING_STRIPE_RECONCILE_INTERVAL_SECONDS", 5*time.Minute)
	collect(err)
	cfg.Sweep.BatchSize, err = config.Int("BILLING_STRIPE_RECONCILE_BATCH_SIZE", 50)
	collect(err)
	lockKey, err := config.Int("BILLING_STRIPE_RECONCILE_LOCK_KEY", 4242001)
	collect(err)
	cfg.Sweep.AdvisoryLockKey = int64(lockKey)

	cfg.RateLimitPerMinute, err = config.Int("RATE_LIMIT_PER_MINUTE", 120)
	collect(err)
	cfg.WebhookRateLimitPerMinute, err = config.Int("WEBHOOK_RATE_LIMIT_PER_MINUTE", 600)
	collect(err)

	if cfg.Auth.HS256Secret == "" && cfg.Auth.JWKSURL == "" {
		collect(errors.New("AUTH_JWT_SECRET or AUTH_JWKS_URL is required"))
	}

	if len(errs) > 0 {
		return Config{}, errors.Join(errs...)
	}
	return cfg, nil
}

// loadPlans starts from the default table and applies PLAN_<PLAN>_<LIMIT> overrides; -1 means unbounded.
func loadPlans() (plans.Table, error) {
	defaults := plans.DefaultTable()
	limits := map[plans.Plan]plans.Limits{}
	var errs []error
	for _, p := range []plans.Plan{plans.Free, plans.Pro} {
		l := defaults.Limits(p)
		gen, err := config.Int("PLAN_"+string(p)+"_GENERATIONS_PER_DAY", int(l.GenerationsPerDay))
		if err != nil {
			errs = append(errs, err)
		}
		exp, err := config.Int("PLAN_"+string(p)+"_EXPORTS_PER_DAY", int(l.ExportsPerDay))
		if err != nil {
			errs = append(errs, err)
		}
		for _, v := range []int{gen, exp} {
			if v < int(plans.Unbounded) {
				errs = append(errs, fmt.Errorf("plan %s: limit %d out of range", p, v))
			}
		}
		limits[p] = plans.Limits{GenerationsPerDay: plans.Limit(gen), ExportsPerDay: plans.Limit(exp)}
	}
	if len(errs) > 0 {
		return plans.Table{}, errors.Join(errs...)
	}
	return plans.NewTable(limits), nil
}
