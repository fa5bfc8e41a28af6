package outbox

import "time"

// Event is the domain event envelope written to the outbox table.
// The Kafka topic name equals EventType (one topic per event type).
type Event struct {
	AggregateType string
	AggregateID   string
	EventType     string
	Payload       []byte
}

const (
	AggregateSubscription = "subscription"

	// EventSubscriptionChanged is emitted when an account's plan or status changes.
	EventSubscriptionChanged = "entitlement.subscription.changed.v1"
)

// Record is a persisted outbox row awaiting publication.
type Record struct {
	ID            int64
	EventID       string
	AggregateType string
	AggregateID   string
	EventType     string
	Payload       []byte
	Traceparent   string
	Tracestate    string
	CreatedAt     time.Time
	// Attempts counts failed publish attempts so far.
	Attempts int
}
