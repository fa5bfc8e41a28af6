package ingest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/md-rashed-zaman/resumeai/services/entitlement-service/internal/plans"
	"github.com/md-rashed-zaman/resumeai/services/entitlement-service/internal/storage"
	"github.com/md-rashed-zaman/resumeai/services/entitlement-service/internal/storage/memstore"
	"github.com/md-rashed-zaman/resumeai/services/entitlement-service/internal/subscriptions"
	"github.com/stripe/stripe-go/v79/webhook"
)

const testSecret = "whsec_test"

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func subscriptionEvent(id, typ, customer, status string, periodEnd int64) []byte {
	return []byte(fmt.Sprintf(`{
		"id": %q,
		"object": "event",
		"type": %q,
		"created": 1764547200,
		"data": {"object": {"id": "sub_1", "object": "subscription", "customer": %q, "status": %q, "current_period_end": %d}}
	}`, id, typ, customer, status, periodEnd))
}

func sign(t *testing.T, payload []byte, secret string) string {
	t.Helper()
	signed := webhook.GenerateTestSignedPayload(&webhook.UnsignedPayload{
		Payload:   payload,
		Secret:    secret,
		Timestamp: time.Now(),
	})
	return signed.Header
}

type fixture struct {
	store   *memstore.Store
	ingest  *Ingestor
	account storage.Account
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	ctx := context.Background()
	store := memstore.New()
	acct, err := store.EnsureAccount(ctx, "user-1", "ada@example.com")
	if err != nil {
		t.Fatalf("EnsureAccount: %v", err)
	}
	if err := store.SetStripeCustomerID(ctx, acct.ID, "cus_1"); err != nil {
		t.Fatalf("SetStripeCustomerID: %v", err)
	}
	subs := subscriptions.New(store, testLogger())
	return fixture{
		store:   store,
		ingest:  New(store, subs, testLogger(), Config{WebhookSecret: testSecret}),
		account: acct,
	}
}

func TestHandleEventAppliesAndDeduplicates(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	payload := subscriptionEvent("evt_1", typeSubscriptionUpdated, "cus_1", "active", 1767225600)

	out, err := f.ingest.HandleEvent(ctx, payload, sign(t, payload, testSecret))
	if err != nil {
		t.Fatalf("HandleEvent: %v", err)
	}
	if !out.Applied || out.Duplicate {
		t.Fatalf("expected applied outcome, got %+v", out)
	}
	sub, ok, _ := f.store.GetSubscription(ctx, f.account.ID)
	if !ok || sub.Plan != plans.Pro || sub.Status != plans.StatusActive || sub.CurrentPeriodEnd.Unix() != 1767225600 {
		t.Fatalf("unexpected subscription: %+v", sub)
	}

	// a redelivery with a different body but the same id must not change state
	replay := subscriptionEvent("evt_1", typeSubscriptionUpdated, "cus_1", "canceled", 0)
	out, err = f.ingest.HandleEvent(ctx, replay, sign(t, replay, testSecret))
	if err != nil {
		t.Fatalf("HandleEvent replay: %v", err)
	}
	if !out.Duplicate {
		t.Fatalf("expected duplicate outcome, got %+v", out)
	}
	sub, _, _ = f.store.GetSubscription(ctx, f.account.ID)
	if sub.Plan != plans.Pro {
		t.Fatalf("duplicate must not mutate state, got %+v", sub)
	}
}

func TestHandleEventRejectsBadSignature(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	payload := subscriptionEvent("evt_2", typeSubscriptionUpdated, "cus_1", "active", 1767225600)

	for name, header := range map[string]string{
		"missing":      "",
		"wrong secret": sign(t, payload, "whsec_other"),
		"garbage":      "t=1,v1=deadbeef",
	} {
		if _, err := f.ingest.HandleEvent(ctx, payload, header); !errors.Is(err, ErrAuthentication) {
			t.Fatalf("%s: want ErrAuthentication, got %v", name, err)
		}
	}
	if _, ok := f.store.ProcessedEvent("evt_2"); ok {
		t.Fatalf("unauthenticated event must not be recorded")
	}
	if _, ok, _ := f.store.GetSubscription(ctx, f.account.ID); ok {
		t.Fatalf("unauthenticated event must not change state")
	}
}

func TestHandleEventNotConfigured(t *testing.T) {
	ing := New(memstore.New(), nil, testLogger(), Config{})
	if _, err := ing.HandleEvent(context.Background(), []byte(`{}`), "t=1,v1=x"); !errors.Is(err, ErrNotConfigured) {
		t.Fatalf("want ErrNotConfigured, got %v", err)
	}
}

func TestHandleEventDeletedDowngrades(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	up := subscriptionEvent("evt_1", typeSubscriptionCreated, "cus_1", "active", 1767225600)
	if _, err := f.ingest.HandleEvent(ctx, up, sign(t, up, testSecret)); err != nil {
		t.Fatalf("created: %v", err)
	}
	del := subscriptionEvent("evt_2", typeSubscriptionDeleted, "cus_1", "canceled", 1767225600)
	if _, err := f.ingest.HandleEvent(ctx, del, sign(t, del, testSecret)); err != nil {
		t.Fatalf("deleted: %v", err)
	}
	sub, _, _ := f.store.GetSubscription(ctx, f.account.ID)
	if sub.Plan != plans.Free || sub.Status != plans.StatusCanceled || sub.ExternalSubscriptionID != "" || sub.CurrentPeriodEnd != nil {
		t.Fatalf("want FREE/CANCELED with cleared fields, got %+v", sub)
	}
}

func TestHandleEventOrphanAndUnhandled(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	orphan := subscriptionEvent("evt_3", typeSubscriptionDeleted, "cus_unknown", "canceled", 0)
	out, err := f.ingest.HandleEvent(ctx, orphan, sign(t, orphan, testSecret))
	if err != nil || !out.Orphaned || out.Applied {
		t.Fatalf("orphan: out=%+v err=%v", out, err)
	}
	if evt, ok := f.store.ProcessedEvent("evt_3"); !ok || evt.FailedAt != nil {
		t.Fatalf("orphan events are recorded as processed: %+v", evt)
	}
	if _, ok, _ := f.store.GetSubscription(ctx, f.account.ID); ok {
		t.Fatalf("orphan event must not create or change any subscription")
	}
	if len(f.store.Outbox()) != 0 {
		t.Fatalf("orphan event must not emit a change event")
	}

	other := []byte(`{"id":"evt_4","object":"event","type":"invoice.paid","data":{"object":{"id":"in_1","object":"invoice"}}}`)
	out, err = f.ingest.HandleEvent(ctx, other, sign(t, other, testSecret))
	if err != nil || !out.Ignored {
		t.Fatalf("unhandled: out=%+v err=%v", out, err)
	}
	if _, ok := f.store.ProcessedEvent("evt_4"); !ok {
		t.Fatalf("ignored events are still recorded")
	}
}

func TestHandleEventUnknownStatusIsNotActive(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	payload := subscriptionEvent("evt_5", typeSubscriptionUpdated, "cus_1", "brand_new_status", 1767225600)
	if _, err := f.ingest.HandleEvent(ctx, payload, sign(t, payload, testSecret)); err != nil {
		t.Fatalf("HandleEvent: %v", err)
	}
	sub, _, _ := f.store.GetSubscription(ctx, f.account.ID)
	if sub.Status != plans.StatusPastDue {
		t.Fatalf("want PAST_DUE, got %+v", sub)
	}
}

func TestHandleEventMalformedIsRecordedAndAcknowledged(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	payload := []byte(`{"id":"evt_6","object":"event","type":"customer.subscription.updated","data":{"object":{"id":"sub_1","object":"subscription","status":"active"}}}`)

	out, err := f.ingest.HandleEvent(ctx, payload, sign(t, payload, testSecret))
	if err != nil || !out.Malformed || out.Applied {
		t.Fatalf("malformed event must be acknowledged without applying: out=%+v err=%v", out, err)
	}
	evt, ok := f.store.ProcessedEvent("evt_6")
	if !ok || evt.FailedAt == nil || !strings.Contains(evt.LastError, "customer") {
		t.Fatalf("malformed event must be recorded as failed: %+v", evt)
	}
	if _, ok, _ := f.store.GetSubscription(ctx, f.account.ID); ok {
		t.Fatalf("malformed event must not write a subscription")
	}

	out, err = f.ingest.HandleEvent(ctx, payload, sign(t, payload, testSecret))
	if err != nil || !out.Duplicate {
		t.Fatalf("redelivery must be a duplicate: out=%+v err=%v", out, err)
	}
}

func TestHandleEventWithoutIDIsAcknowledged(t *testing.T) {
	f := newFixture(t)
	payload := []byte(`{"object":"event","type":"customer.subscription.updated","data":{"object":{"id":"sub_1","object":"subscription","customer":"cus_1","status":"active"}}}`)
	out, err := f.ingest.HandleEvent(context.Background(), payload, sign(t, payload, testSecret))
	if err != nil || !out.Malformed {
		t.Fatalf("event without id must be acknowledged: out=%+v err=%v", out, err)
	}
}

type failingTransitions struct{}

func (failingTransitions) ApplySubscriptionState(context.Context, string, string, string, int64, plans.Plan) (storage.Subscription, error) {
	return storage.Subscription{}, errors.New("db down")
}

func (failingTransitions) ApplyCanceled(context.Context, string, string) (storage.Subscription, error) {
	return storage.Subscription{}, errors.New("db down")
}

func TestHandleEventProcessingFailureIsRecorded(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	ing := New(f.store, failingTransitions{}, testLogger(), Config{WebhookSecret: testSecret})
	payload := subscriptionEvent("evt_7", typeSubscriptionUpdated, "cus_1", "active", 1767225600)

	if _, err := ing.HandleEvent(ctx, payload, sign(t, payload, testSecret)); !errors.Is(err, ErrProcessing) {
		t.Fatalf("want ErrProcessing, got %v", err)
	}
	evt, ok := f.store.ProcessedEvent("evt_7")
	if !ok || evt.FailedAt == nil || evt.LastError == "" {
		t.Fatalf("failure must be surfaced on the processed event: %+v", evt)
	}
	out, err := ing.HandleEvent(ctx, payload, sign(t, payload, testSecret))
	if err != nil || !out.Duplicate {
		t.Fatalf("redelivery after failure is a duplicate: out=%+v err=%v", out, err)
	}
}
