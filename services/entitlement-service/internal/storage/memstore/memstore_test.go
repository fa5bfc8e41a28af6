package memstore

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/md-rashed-zaman/resumeai/services/entitlement-service/internal/outbox"
	"github.com/md-rashed-zaman/resumeai/services/entitlement-service/internal/plans"
	"github.com/md-rashed-zaman/resumeai/services/entitlement-service/internal/storage"
)

func TestConcurrentIncrementsAreNotLost(t *testing.T) {
	ctx := context.Background()
	s := New()
	acct, err := s.EnsureAccount(ctx, "user-1", "")
	if err != nil {
		t.Fatalf("EnsureAccount: %v", err)
	}

	const n = 64
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := s.IncrementUsage(ctx, acct.ID, "2026-01-02", plans.Generation); err != nil {
				t.Errorf("IncrementUsage: %v", err)
			}
		}()
	}
	wg.Wait()

	b, err := s.GetUsage(ctx, acct.ID, "2026-01-02")
	if err != nil {
		t.Fatalf("GetUsage: %v", err)
	}
	if b.Generations != n || b.Exports != 0 {
		t.Fatalf("want %d generations and 0 exports, got %+v", n, b)
	}
	other, _ := s.GetUsage(ctx, acct.ID, "2026-01-03")
	if other.Generations != 0 {
		t.Fatalf("next day must start at zero, got %d", other.Generations)
	}
}

func TestEnsureAccountIsIdempotent(t *testing.T) {
	ctx := context.Background()
	s := New()
	a, _ := s.EnsureAccount(ctx, "user-1", "a@example.com")
	b, _ := s.EnsureAccount(ctx, "user-1", "")
	if a.ID != b.ID || b.Email != "a@example.com" {
		t.Fatalf("expected same account, got %+v and %+v", a, b)
	}
	if _, err := s.EnsureAccount(ctx, "  ", ""); err == nil {
		t.Fatalf("expected error for empty identity")
	}
}

func TestRecordProcessedEventOnce(t *testing.T) {
	ctx := context.Background()
	s := New()
	evt := storage.ProcessedEvent{EventID: "evt_1", EventType: "customer.subscription.updated", Payload: []byte(`{}`)}
	if ok, err := s.RecordProcessedEvent(ctx, evt); err != nil || !ok {
		t.Fatalf("first record: ok=%v err=%v", ok, err)
	}
	if ok, err := s.RecordProcessedEvent(ctx, evt); err != nil || ok {
		t.Fatalf("second record should be a duplicate: ok=%v err=%v", ok, err)
	}
	if err := s.MarkEventFailed(ctx, "evt_1", "boom"); err != nil {
		t.Fatalf("MarkEventFailed: %v", err)
	}
	got, _ := s.ProcessedEvent("evt_1")
	if got.FailedAt == nil || got.LastError != "boom" {
		t.Fatalf("failure marker missing: %+v", got)
	}
}

func TestApplySubscriptionAndClaimBatch(t *testing.T) {
	ctx := context.Background()
	s := New()
	acct, _ := s.EnsureAccount(ctx, "user-1", "")
	end := time.Unix(1767225600, 0).UTC()

	emit := func(prev storage.Subscription, found bool) (*outbox.Event, error) {
		if found && prev.Plan == plans.Pro {
			return nil, nil
		}
		return &outbox.Event{AggregateType: outbox.AggregateSubscription, AggregateID: acct.ID, EventType: outbox.EventSubscriptionChanged, Payload: []byte(`{}`)}, nil
	}
	next := storage.Subscription{AccountID: acct.ID, Plan: plans.Pro, Status: plans.StatusActive, ExternalSubscriptionID: "sub_1", CurrentPeriodEnd: &end}
	if _, err := s.ApplySubscription(ctx, next, emit); err != nil {
		t.Fatalf("ApplySubscription: %v", err)
	}
	if _, err := s.ApplySubscription(ctx, next, emit); err != nil {
		t.Fatalf("ApplySubscription: %v", err)
	}
	if got := len(s.Outbox()); got != 1 {
		t.Fatalf("want 1 outbox record, got %d", got)
	}

	n, err := s.ClaimBatch(ctx, 10, func(rs []outbox.Record) error { return errors.New("kafka down") })
	if err == nil || n != 0 {
		t.Fatalf("failed batch must not be marked: n=%d err=%v", n, err)
	}
	if got := s.Outbox()[0].Attempts; got != 1 {
		t.Fatalf("want 1 failed attempt recorded, got %d", got)
	}
	n, err = s.ClaimBatch(ctx, 10, func(rs []outbox.Record) error { return nil })
	if err != nil || n != 1 {
		t.Fatalf("want 1 claimed, got n=%d err=%v", n, err)
	}
	n, _ = s.ClaimBatch(ctx, 10, func(rs []outbox.Record) error { return nil })
	if n != 0 {
		t.Fatalf("published records must not be claimed again, got %d", n)
	}

	if _, err := s.ApplySubscription(ctx, storage.Subscription{AccountID: "missing"}, nil); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("want ErrNotFound for unknown account, got %v", err)
	}
}

func TestClaimBatchDoesNotBlockStoreWhilePublishing(t *testing.T) {
	ctx := context.Background()
	s := New()
	acct, _ := s.EnsureAccount(ctx, "user-1", "")
	emit := func(storage.Subscription, bool) (*outbox.Event, error) {
		return &outbox.Event{AggregateType: outbox.AggregateSubscription, AggregateID: acct.ID, EventType: outbox.EventSubscriptionChanged, Payload: []byte(`{}`)}, nil
	}
	if _, err := s.ApplySubscription(ctx, storage.Subscription{AccountID: acct.ID, Plan: plans.Pro, Status: plans.StatusActive}, emit); err != nil {
		t.Fatalf("ApplySubscription: %v", err)
	}

	writing := make(chan struct{})
	release := make(chan struct{})
	claimed := make(chan int, 1)
	go func() {
		n, _ := s.ClaimBatch(ctx, 10, func([]outbox.Record) error {
			close(writing)
			<-release
			return nil
		})
		claimed <- n
	}()
	<-writing

	done := make(chan error, 1)
	go func() {
		_, err := s.IncrementUsage(ctx, acct.ID, "2026-01-01", plans.Generation)
		done <- err
	}()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("IncrementUsage: %v", err)
		}
	case <-time.After(time.Second):
		close(release)
		t.Fatalf("IncrementUsage blocked while a publish was in flight")
	}

	n, err := s.ClaimBatch(ctx, 10, func([]outbox.Record) error { return nil })
	if err != nil || n != 0 {
		t.Fatalf("in-flight records must not be claimed twice: n=%d err=%v", n, err)
	}

	close(release)
	if n := <-claimed; n != 1 {
		t.Fatalf("want 1 published, got %d", n)
	}
	if n, _ := s.ClaimBatch(ctx, 10, func([]outbox.Record) error { return nil }); n != 0 {
		t.Fatalf("published record claimed again")
	}
}
