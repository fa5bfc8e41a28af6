package grpcserver

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/md-rashed-zaman/resumeai/libs/grpcx"
	"github.com/md-rashed-zaman/resumeai/services/entitlement-service/internal/gate"
	"github.com/md-rashed-zaman/resumeai/services/entitlement-service/internal/plans"
	"github.com/md-rashed-zaman/resumeai/services/entitlement-service/internal/storage"
	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

type Subscriptions interface {
	GetSubscription(ctx context.Context, accountID string) (storage.Subscription, bool, error)
}

type server struct {
	gate   *gate.Gate
	subs   Subscriptions
	logger *slog.Logger
}

func NewServer(g *gate.Gate, subs Subscriptions, logger *slog.Logger) EntitlementsServer {
	return &server{gate: g, subs: subs, logger: logger}
}

type Options struct {
	// TokenHash is a bcrypt hash of the shared internal token; empty disables the check.
	TokenHash string
	// Logger enables per-call access logs when set.
	Logger *slog.Logger
}

// New builds a gRPC server with tracing, request ids, the optional internal
// token check, the entitlements service and the standard health service.
func New(impl EntitlementsServer, opts Options) *grpc.Server {
	interceptors := []grpc.UnaryServerInterceptor{grpcx.UnaryServerRequestIDInterceptor()}
	if opts.Logger != nil {
		interceptors = append(interceptors, grpcx.UnaryServerLoggingInterceptor(opts.Logger))
	}
	interceptors = append(interceptors, grpcx.UnaryServerTokenInterceptor(opts.TokenHash, healthpb.Health_Check_FullMethodName))
	srv := grpc.NewServer(
		grpc.StatsHandler(otelgrpc.NewServerHandler()),
		grpc.ChainUnaryInterceptor(interceptors...),
	)
	RegisterEntitlementsServer(srv, impl)

	hs := health.NewServer()
	hs.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	hs.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_SERVING)
	healthpb.RegisterHealthServer(srv, hs)
	return srv
}

func (s *server) CheckLimit(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	accountID, action, err := accountAndAction(req)
	if err != nil {
		return nil, err
	}

	var d gate.Decision
	if raw := stringField(req, "plan"); raw != "" {
		plan, perr := plans.ParsePlan(raw)
		if perr != nil {
			return nil, status.Error(codes.InvalidArgument, perr.Error())
		}
		d, err = s.gate.CheckLimit(ctx, accountID, plan, action)
	} else {
		d, err = s.gate.Check(ctx, accountID, action)
	}
	if err != nil {
		s.logger.Error("grpc entitlement check failed", "account_id", accountID, "action", action, "err", err)
		return nil, status.Error(codes.Internal, "entitlement check failed")
	}
	return decisionToStruct(d)
}

func (s *server) RecordUsage(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	accountID, action, err := accountAndAction(req)
	if err != nil {
		return nil, err
	}
	used, err := s.gate.IncrementUsage(ctx, accountID, action)
	if err != nil {
		s.logger.Error("grpc usage increment failed", "account_id", accountID, "action", action, "err", err)
		return nil, status.Error(codes.Internal, "usage increment failed")
	}
	return structpb.NewStruct(map[string]any{
		"account_id": accountID,
		"action":     string(action),
		"used":       used,
		"day":        s.gate.Today(),
	})
}

func (s *server) GetSubscription(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	accountID := stringField(req, "account_id")
	if accountID == "" {
		return nil, status.Error(codes.InvalidArgument, "account_id is required")
	}
	sub, ok, err := s.subs.GetSubscription(ctx, accountID)
	if err != nil {
		s.logger.Error("grpc get subscription failed", "account_id", accountID, "err", err)
		return nil, status.Error(codes.Internal, "subscription lookup failed")
	}
	if !ok {
		sub = storage.Subscription{AccountID: accountID, Plan: plans.Free, Status: plans.StatusActive}
	}
	out := map[string]any{
		"account_id":               accountID,
		"plan":                     string(sub.Plan),
		"status":                   string(sub.Status),
		"effective_plan":           string(plans.EffectivePlan(sub.Plan, sub.Status)),
		"external_subscription_id": sub.ExternalSubscriptionID,
	}
	if sub.CurrentPeriodEnd != nil {
		out["current_period_end"] = sub.CurrentPeriodEnd.UTC().Format(time.RFC3339)
	}
	return structpb.NewStruct(out)
}

func accountAndAction(req *structpb.Struct) (string, plans.Action, error) {
	accountID := stringField(req, "account_id")
	if accountID == "" {
		return "", "", status.Error(codes.InvalidArgument, "account_id is required")
	}
	action, err := plans.ParseAction(stringField(req, "action"))
	if err != nil {
		return "", "", status.Error(codes.InvalidArgument, err.Error())
	}
	return accountID, action, nil
}

func stringField(s *structpb.Struct, key string) string {
	if s == nil {
		return ""
	}
	return strings.TrimSpace(s.GetFields()[key].GetStringValue())
}

func decisionToStruct(d gate.Decision) (*structpb.Struct, error) {
	return structpb.NewStruct(map[string]any{
		"action":    string(d.Action),
		"plan":      string(d.Plan),
		"allowed":   d.Allowed,
		"unlimited": d.Unlimited,
		"used":      d.Used,
		"limit":     d.Limit,
		"remaining": d.Remaining,
	})
}
