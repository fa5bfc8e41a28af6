package grpcserver

import (
	"context"

	"github.com/md-rashed-zaman/resumeai/libs/grpcx"
	"github.com/md-rashed-zaman/resumeai/services/entitlement-service/internal/gate"
	"github.com/md-rashed-zaman/resumeai/services/entitlement-service/internal/plans"
	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

// Client calls EntitlementsService from other services.
type Client struct {
	conn *grpc.ClientConn
}

func NewClient(addr string, opts grpcx.DialOptions) (*Client, error) {
	conn, err := grpcx.NewClient(addr, opts)
	if err != nil {
		return nil, err
	}
	return &Client{conn: conn}, nil
}

func (c *Client) Close() error {
	return c.conn.Close()
}

func (c *Client) invoke(ctx context.Context, method string, in map[string]any) (*structpb.Struct, error) {
	req, err := structpb.NewStruct(in)
	if err != nil {
		return nil, err
	}
	out := new(structpb.Struct)
	if err := c.conn.Invoke(ctx, fullMethod(method), req, out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) CheckLimit(ctx context.Context, accountID string, action plans.Action) (gate.Decision, error) {
	out, err := c.invoke(ctx, methodCheckLimit, map[string]any{"account_id": accountID, "action": string(action)})
	if err != nil {
		return gate.Decision{}, err
	}
	f := out.GetFields()
	return gate.Decision{
		Action:    plans.Action(f["action"].GetStringValue()),
		Plan:      plans.Plan(f["plan"].GetStringValue()),
		Allowed:   f["allowed"].GetBoolValue(),
		Unlimited: f["unlimited"].GetBoolValue(),
		Used:      int(f["used"].GetNumberValue()),
		Limit:     int(f["limit"].GetNumberValue()),
		Remaining: int(f["remaining"].GetNumberValue()),
	}, nil
}

func (c *Client) RecordUsage(ctx context.Context, accountID string, action plans.Action) (int, error) {
	out, err := c.invoke(ctx, methodRecordUsage, map[string]any{"account_id": accountID, "action": string(action)})
	if err != nil {
		return 0, err
	}
	return int(out.GetFields()["used"].GetNumberValue()), nil
}

// SubscriptionView is the subscription as reported over RPC.
type SubscriptionView struct {
	AccountID              string
	Plan                   plans.Plan
	Status                 plans.Status
	EffectivePlan          plans.Plan
	ExternalSubscriptionID string
	CurrentPeriodEnd       string
}

func (c *Client) GetSubscription(ctx context.Context, accountID string) (SubscriptionView, error) {
	out, err := c.invoke(ctx, methodGetSubscription, map[string]any{"account_id": accountID})
	if err != nil {
		return SubscriptionView{}, err
	}
	f := out.GetFields()
	return SubscriptionView{
		AccountID:              f["account_id"].GetStringValue(),
		Plan:                   plans.Plan(f["plan"].GetStringValue()),
		Status:                 plans.Status(f["status"].GetStringValue()),
		EffectivePlan:          plans.Plan(f["effective_plan"].GetStringValue()),
		ExternalSubscriptionID: f["external_subscription_id"].GetStringValue(),
		CurrentPeriodEnd:       f["current_period_end"].GetStringValue(),
	}, nil
}
