// Package memstore is an in-process storage.Store for tests and local runs
// without Postgres. A single mutex gives every operation the same atomicity
// the SQL store gets from transactions and upserts.
package memstore

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/md-rashed-zaman/resumeai/services/entitlement-service/internal/outbox"
	"github.com/md-rashed-zaman/resumeai/services/entitlement-service/internal/plans"
	"github.com/md-rashed-zaman/resumeai/services/entitlement-service/internal/storage"
)

type usageKey struct {
	accountID string
	day       string
}

type Store struct {
	mu            sync.Mutex
	now           func() time.Time
	accounts      map[string]storage.Account
	byIdentity    map[string]string
	byCustomer    map[string]string
	subscriptions map[string]storage.Subscription
	usage         map[usageKey]storage.UsageBucket
	events        map[string]storage.ProcessedEvent
	outbox        []outbox.Record
	published     map[int64]bool
	inflight      map[int64]bool
}

var _ storage.Store = (*Store)(nil)

func New() *Store {
	return &Store{
		now:           time.Now,
		accounts:      map[string]storage.Account{},
		byIdentity:    map[string]string{},
		byCustomer:    map[string]string{},
		subscriptions: map[string]storage.Subscription{},
		usage:         map[usageKey]storage.UsageBucket{},
		events:        map[string]storage.ProcessedEvent{},
		published:     map[int64]bool{},
		inflight:      map[int64]bool{},
	}
}

func (s *Store) EnsureAccount(_ context.Context, identityRef, email string) (storage.Account, error) {
	identityRef = strings.TrimSpace(identityRef)
	if identityRef == "" {
		return storage.Account{}, fmt.Errorf("identity ref is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if id, ok := s.byIdentity[identityRef]; ok {
		a := s.accounts[id]
		if email != "" && a.Email != email {
			a.Email = email
			s.accounts[id] = a
		}
		return a, nil
	}
	a := storage.Account{ID: uuid.NewString(), IdentityRef: identityRef, Email: email, CreatedAt: s.now().UTC()}
	s.accounts[a.ID] = a
	s.byIdentity[identityRef] = a.ID
	return a, nil
}

func (s *Store) GetAccount(_ context.Context, accountID string) (storage.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.accounts[accountID]
	if !ok {
		return storage.Account{}, storage.ErrNotFound
	}
	return a, nil
}

func (s *Store) FindAccountByStripeCustomer(_ context.Context, customerID string) (storage.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.byCustomer[customerID]
	if !ok || customerID == "" {
		return storage.Account{}, storage.ErrNotFound
	}
	return s.accounts[id], nil
}

func (s *Store) SetStripeCustomerID(_ context.Context, accountID, customerID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.accounts[accountID]
	if !ok {
		return storage.ErrNotFound
	}
	if owner, taken := s.byCustomer[customerID]; taken && owner != accountID {
		return fmt.Errorf("stripe customer %s already linked", customerID)
	}
	if a.StripeCustomerID != "" {
		delete(s.byCustomer, a.StripeCustomerID)
	}
	a.StripeCustomerID = customerID
	s.accounts[accountID] = a
	if customerID != "" {
		s.byCustomer[customerID] = accountID
	}
	return nil
}

func (s *Store) ListAccountsWithStripeCustomer(_ context.Context, afterID string, limit int) ([]storage.Account, error) {
	if limit <= 0 {
		limit = 100
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]storage.Account, 0, len(s.byCustomer))
	for _, id := range s.byCustomer {
		if id > afterID {
			out = append(out, s.accounts[id])
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) GetSubscription(_ context.Context, accountID string) (storage.Subscription, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sub, ok := s.subscriptions[accountID]
	return sub, ok, nil
}

func (s *Store) ApplySubscription(ctx context.Context, next storage.Subscription, eventFor storage.EventFunc) (storage.Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.accounts[next.AccountID]; !ok {
		return storage.Subscription{}, storage.ErrNotFound
	}
	prev, found := s.subscriptions[next.AccountID]

	var evt *outbox.Event
	if eventFor != nil {
		var err error
		if evt, err = eventFor(prev, found); err != nil {
			return storage.Subscription{}, err
		}
	}

	next.UpdatedAt = s.now().UTC()
	if next.CurrentPeriodEnd != nil {
		t := *next.CurrentPeriodEnd
		next.CurrentPeriodEnd = &t
	}
	s.subscriptions[next.AccountID] = next
	if evt != nil {
		s.outbox = append(s.outbox, outbox.Record{
			ID:            int64(len(s.outbox) + 1),
			EventID:       uuid.NewString(),
			AggregateType: evt.AggregateType,
			AggregateID:   evt.AggregateID,
			EventType:     evt.EventType,
			Payload:       append([]byte(nil), evt.Payload...),
			CreatedAt:     next.UpdatedAt,
		})
	}
	return next, nil
}

func (s *Store) IncrementUsage(_ context.Context, accountID, day string, action plans.Action) (storage.UsageBucket, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := usageKey{accountID: accountID, day: day}
	b, ok := s.usage[k]
	if !ok {
		b = storage.UsageBucket{AccountID: accountID, Day: day}
	}
	switch action {
	case plans.Generation:
		b.Generations++
	case plans.Export:
		b.Exports++
	default:
		return storage.UsageBucket{}, fmt.Errorf("unknown action %q", action)
	}
	s.usage[k] = b
	return b, nil
}

func (s *Store) GetUsage(_ context.Context, accountID, day string) (storage.UsageBucket, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if b, ok := s.usage[usageKey{accountID: accountID, day: day}]; ok {
		return b, nil
	}
	return storage.UsageBucket{AccountID: accountID, Day: day}, nil
}

func (s *Store) RecordProcessedEvent(_ context.Context, evt storage.ProcessedEvent) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.events[evt.EventID]; ok {
		return false, nil
	}
	evt.ReceivedAt = s.now().UTC()
	evt.Payload = append([]byte(nil), evt.Payload...)
	s.events[evt.EventID] = evt
	return true, nil
}

func (s *Store) MarkEventFailed(_ context.Context, eventID, errText string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	evt, ok := s.events[eventID]
	if !ok {
		return storage.ErrNotFound
	}
	t := s.now().UTC()
	evt.FailedAt = &t
	evt.LastError = errText
	s.events[eventID] = evt
	return nil
}

// ProcessedEvent returns the recorded event for inspection.
func (s *Store) ProcessedEvent(eventID string) (storage.ProcessedEvent, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	evt, ok := s.events[eventID]
	return evt, ok
}

// Outbox returns every outbox record written so far, published or not.
func (s *Store) Outbox() []outbox.Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]outbox.Record(nil), s.outbox...)
}

// ClaimBatch copies a batch under the lock and runs fn without it, so a slow
// publisher never blocks the rest of the store. In-flight rows are skipped by
// concurrent claimers, like FOR UPDATE SKIP LOCKED.
func (s *Store) ClaimBatch(_ context.Context, limit int, fn func([]outbox.Record) error) (int, error) {
	s.mu.Lock()
	var batch []outbox.Record
	var idx []int
	for i, r := range s.outbox {
		if len(batch) == limit {
			break
		}
		if !s.published[r.ID] && !s.inflight[r.ID] {
			batch = append(batch, r)
			idx = append(idx, i)
			s.inflight[r.ID] = true
		}
	}
	s.mu.Unlock()
	if len(batch) == 0 {
		return 0, nil
	}

	err := fn(batch)

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, i := range idx {
		id := s.outbox[i].ID
		delete(s.inflight, id)
		if err != nil {
			s.outbox[i].Attempts++
		} else {
			s.published[id] = true
		}
	}
	if err != nil {
		return 0, err
	}
	return len(batch), nil
}
