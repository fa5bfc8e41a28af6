package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/http/httputil"
	"net/url"
	"time"

	"github.com/md-rashed-zaman/resumeai/libs/httpx"
	"github.com/md-rashed-zaman/resumeai/libs/runtime"
	"github.com/md-rashed-zaman/resumeai/services/entitlement-service/internal/appconfig"
	"github.com/md-rashed-zaman/resumeai/services/entitlement-service/internal/gate"
	"github.com/md-rashed-zaman/resumeai/services/entitlement-service/internal/grpcserver"
	"github.com/md-rashed-zaman/resumeai/services/entitlement-service/internal/handlers"
	"github.com/redis/go-redis/v9"
)

// accountKey buckets authenticated traffic per account, falling back to the client IP.
func accountKey(r *http.Request) string {
	if acct, ok := handlers.AccountFromContext(r.Context()); ok {
		return "acct:" + acct.ID
	}
	return httpx.ClientIP(r)
}

// rateLimiters returns the webhook and per-user limiters. With REDIS_ADDR set the
// windows are shared across instances; otherwise they are per process.
func rateLimiters(cfg appconfig.Config, logger *slog.Logger) (webhook, user httpx.Middleware, checks []runtime.ReadyCheck, closeFn func()) {
	if cfg.RedisAddr == "" {
		webhook = httpx.NewRateLimiter(cfg.WebhookRateLimitPerMinute, time.Minute, httpx.ClientIP).Middleware()
		user = httpx.NewRateLimiter(cfg.RateLimitPerMinute, time.Minute, accountKey).Middleware()
		return webhook, user, nil, func() {}
	}

	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	webhook = httpx.NewRedisRateLimiter(rdb, cfg.WebhookRateLimitPerMinute, time.Minute, "rl:webhook", httpx.ClientIP).Middleware(logger, true)
	user = httpx.NewRedisRateLimiter(rdb, cfg.RateLimitPerMinute, time.Minute, "rl:user", accountKey).Middleware(logger, true)
	checks = []runtime.ReadyCheck{{Name: "redis", Check: httpx.RedisReadyCheck(rdb)}}
	return webhook, user, checks, func() { _ = rdb.Close() }
}

// newUpstream proxies gated actions to the service that performs them.
func newUpstream(raw string, logger *slog.Logger) (http.Handler, error) {
	target, err := url.Parse(raw)
	if err != nil || target.Scheme == "" || target.Host == "" {
		return nil, fmt.Errorf("invalid upstream url %q", raw)
	}
	proxy := httputil.NewSingleHostReverseProxy(target)
	proxy.ErrorHandler = func(w http.ResponseWriter, r *http.Request, err error) {
		logger.Error("upstream request failed", "upstream", target.Host, "path", r.URL.Path, "err", err)
		httpx.WriteError(w, http.StatusBadGateway, "upstream unavailable")
	}
	return proxy, nil
}

func startGrpcServer(ctx context.Context, logger *slog.Logger, cfg appconfig.Config, g *gate.Gate, subs grpcserver.Subscriptions) error {
	lis, err := net.Listen("tcp", ":"+cfg.GRPCPort)
	if err != nil {
		return err
	}
	if cfg.InternalTokenHash == "" {
		logger.Warn("INTERNAL_TOKEN_BCRYPT not set; grpc calls are unauthenticated")
	}
	srv := grpcserver.New(grpcserver.NewServer(g, subs, logger), grpcserver.Options{
		TokenHash: cfg.InternalTokenHash,
		Logger:    logger,
	})

	go func() {
		logger.Info("grpc server starting", "addr", lis.Addr().String())
		if err := srv.Serve(lis); err != nil {
			logger.Error("grpc server error", "err", err)
		}
	}()
	go func() {
		<-ctx.Done()
		srv.GracefulStop()
		logger.Info("grpc server stopped")
	}()
	return nil
}
