// Command stripe-webhook-sim posts a signed subscription notification to a
// running entitlement service and optionally reads back the account state over gRPC.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/md-rashed-zaman/resumeai/libs/config"
	"github.com/md-rashed-zaman/resumeai/libs/grpcx"
	"github.com/md-rashed-zaman/resumeai/services/entitlement-service/internal/grpcserver"
	"github.com/stripe/stripe-go/v79/webhook"
)

func main() {
	_ = config.LoadDotEnv()
	var (
		baseURL   = flag.String("base-url", config.String("BASE_URL", "http://localhost:8084"), "entitlement service base url")
		evtType   = flag.String("type", config.String("STRIPE_EVENT_TYPE", "customer.subscription.updated"), "event type")
		customer  = flag.String("customer", config.String("STRIPE_CUSTOMER_ID", ""), "processor customer id (cus_...)")
		subID     = flag.String("subscription", config.String("STRIPE_SUBSCRIPTION_ID", "sub_test_123"), "processor subscription id")
		status    = flag.String("status", config.String("STRIPE_SUB_STATUS", "active"), "subscription status")
		periodEnd = flag.Duration("period", 30*24*time.Hour, "current period end, relative to now")
		secret    = flag.String("secret", config.String("STRIPE_WEBHOOK_SECRET", ""), "webhook signing secret (whsec_...)")
		grpcAddr  = flag.String("grpc-addr", config.String("ENTITLEMENTS_GRPC_ADDR", ""), "when set, print the account subscription via gRPC")
		accountID = flag.String("account-id", config.String("ACCOUNT_ID", ""), "account id for the gRPC lookup")
		token     = flag.String("internal-token", config.String("INTERNAL_TOKEN", ""), "internal token for gRPC calls")
	)
	flag.Parse()

	if strings.TrimSpace(*secret) == "" {
		fatal("STRIPE_WEBHOOK_SECRET is required")
	}
	if strings.TrimSpace(*customer) == "" {
		fatal("customer id is required")
	}

	now := time.Now().UTC()
	eventID := fmt.Sprintf("evt_test_%d", now.UnixNano())
	payload, err := buildEventJSON(eventID, *evtType, now, *customer, *subID, *status, now.Add(*periodEnd))
	if err != nil {
		fatal(err.Error())
	}

	signed := webhook.GenerateTestSignedPayload(&webhook.UnsignedPayload{
		Payload:   payload,
		Secret:    *secret,
		Timestamp: now,
		Scheme:    "v1",
	})

	req, err := http.NewRequest(http.MethodPost, strings.TrimRight(*baseURL, "/")+"/api/v1/billing/webhooks/stripe", bytes.NewReader(payload))
	if err != nil {
		fatal(err.Error())
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Stripe-Signature", signed.Header)

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		fatal(err.Error())
	}
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	resp.Body.Close()
	fmt.Printf("event=%s status=%d body=%s\n", eventID, resp.StatusCode, strings.TrimSpace(string(body)))

	if *grpcAddr == "" || *accountID == "" {
		return
	}
	client, err := grpcserver.NewClient(*grpcAddr, grpcx.DialOptions{Token: *token})
	if err != nil {
		fatal(err.Error())
	}
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	view, err := client.GetSubscription(ctx, *accountID)
	if err != nil {
		fatal(err.Error())
	}
	fmt.Printf("account=%s plan=%s status=%s effective=%s period_end=%s\n",
		view.AccountID, view.Plan, view.Status, view.EffectivePlan, view.CurrentPeriodEnd)
}

func buildEventJSON(eventID, eventType string, t time.Time, customerID, subID, status string, periodEnd time.Time) ([]byte, error) {
	switch eventType {
	case "customer.subscription.created", "customer.subscription.updated", "customer.subscription.deleted":
	default:
		return nil, fmt.Errorf("unsupported event type: %s", eventType)
	}
	if eventType == "customer.subscription.deleted" {
		status = "canceled"
	}
	return json.Marshal(map[string]any{
		"id":          eventID,
		"object":      "event",
		"created":     t.Unix(),
		"type":        eventType,
		"api_version": "2024-06-20",
		"data": map[string]any{
			"object": map[string]any{
				"id":                 subID,
				"object":             "subscription",
				"customer":           customerID,
				"status":             status,
				"created":            t.Unix(),
				"current_period_end": periodEnd.Unix(),
			},
		},
	})
}

func fatal(msg string) {
	fmt.Fprintln(os.Stderr, msg)
	os.Exit(2)
}
