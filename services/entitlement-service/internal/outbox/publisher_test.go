package outbox

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/md-rashed-zaman/resumeai/libs/kafkax"
	"github.com/segmentio/kafka-go"
)

type sliceSource struct {
	records   []Record
	published map[int64]bool
}

func (s *sliceSource) ClaimBatch(_ context.Context, limit int, fn func([]Record) error) (int, error) {
	var batch []Record
	for _, r := range s.records {
		if len(batch) == limit {
			break
		}
		if !s.published[r.ID] {
			batch = append(batch, r)
		}
	}
	if len(batch) == 0 {
		return 0, nil
	}
	if err := fn(batch); err != nil {
		return 0, err
	}
	for _, r := range batch {
		s.published[r.ID] = true
	}
	return len(batch), nil
}

type recordingWriter struct {
	msgs []kafka.Message
	err  error
}

func (w *recordingWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	if w.err != nil {
		return w.err
	}
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func newSource(n int) *sliceSource {
	src := &sliceSource{published: map[int64]bool{}}
	for i := 1; i <= n; i++ {
		src.records = append(src.records, Record{
			ID:          int64(i),
			EventID:     "evt-" + string(rune('a'+i-1)),
			AggregateID: "acct-1",
			EventType:   EventSubscriptionChanged,
			Payload:     []byte(`{"plan":"PRO"}`),
		})
	}
	return src
}

func testLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func TestPublishBatchSendsInOrderWithHeaders(t *testing.T) {
	src := newSource(3)
	p := NewPublisher(src, testLogger(), PublisherConfig{Brokers: "localhost:9092", BatchSize: 2})
	w := &recordingWriter{}

	n, err := p.PublishBatch(context.Background(), w)
	if err != nil || n != 2 {
		t.Fatalf("expected 2 published, got %d (%v)", n, err)
	}
	n, err = p.PublishBatch(context.Background(), w)
	if err != nil || n != 1 {
		t.Fatalf("expected 1 published, got %d (%v)", n, err)
	}
	n, _ = p.PublishBatch(context.Background(), w)
	if n != 0 {
		t.Fatalf("expected nothing left, got %d", n)
	}

	if len(w.msgs) != 3 {
		t.Fatalf("expected 3 messages, got %d", len(w.msgs))
	}
	first := w.msgs[0]
	if first.Topic != EventSubscriptionChanged || string(first.Key) != "acct-1" {
		t.Fatalf("unexpected message routing: topic=%s key=%s", first.Topic, first.Key)
	}
	if got := kafkax.HeaderValue(first.Headers, kafkax.HeaderEventID); got != "evt-a" {
		t.Fatalf("expected event id header evt-a, got %q", got)
	}
	if got := kafkax.HeaderValue(w.msgs[2].Headers, kafkax.HeaderEventID); got != "evt-c" {
		t.Fatalf("expected last message evt-c, got %q", got)
	}
}

func TestPublishBatchLeavesRecordsOnWriterFailure(t *testing.T) {
	src := newSource(2)
	p := NewPublisher(src, testLogger(), PublisherConfig{Brokers: "localhost:9092"})

	if _, err := p.PublishBatch(context.Background(), &recordingWriter{err: errors.New("broker down")}); err == nil {
		t.Fatalf("expected writer error")
	}
	w := &recordingWriter{}
	n, err := p.PublishBatch(context.Background(), w)
	if err != nil || n != 2 {
		t.Fatalf("expected retry to publish 2, got %d (%v)", n, err)
	}
}

func TestPublisherDisabledWithoutBrokers(t *testing.T) {
	p := NewPublisher(newSource(1), testLogger(), PublisherConfig{})
	if p.Enabled() {
		t.Fatalf("expected publisher disabled")
	}
	p.Run(context.Background())
}
