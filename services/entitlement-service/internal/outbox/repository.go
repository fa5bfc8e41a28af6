package outbox

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/md-rashed-zaman/resumeai/libs/db"
	otelx "github.com/md-rashed-zaman/resumeai/libs/otel"
)

// maxErrorLen bounds the stored publish error.
const maxErrorLen = 500

type Repository struct {
	pool *db.Pool
}

func NewRepository(pool *db.Pool) *Repository {
	return &Repository{pool: pool}
}

// Insert writes evt inside the caller's transaction, capturing the current trace context.
func (r *Repository) Insert(ctx context.Context, tx pgx.Tx, evt Event) error {
	traceparent, tracestate := otelx.TraceContextStrings(ctx)
	_, err := tx.Exec(ctx, `
		INSERT INTO outbox_events (aggregate_type, aggregate_id, event_type, payload, traceparent, tracestate)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, evt.AggregateType, evt.AggregateID, evt.EventType, evt.Payload, traceparent, tracestate)
	if err != nil {
		return fmt.Errorf("insert outbox event %s: %w", evt.EventType, err)
	}
	return nil
}

// ClaimBatch locks up to limit unpublished rows, hands them to fn and marks them
// published when fn succeeds. Concurrent publishers skip each other's rows.
// When fn fails the rows stay unpublished and their attempt count and last
// error are recorded.
func (r *Repository) ClaimBatch(ctx context.Context, limit int, fn func([]Record) error) (int, error) {
	var claimed []int64
	var publishErr error

	err := pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
		rows, err := tx.Query(ctx, `
			SELECT id, event_id::text, aggregate_type, aggregate_id, event_type, payload,
			       traceparent, tracestate, created_at, attempts
			FROM outbox_events
			WHERE published_at IS NULL
			ORDER BY id
			LIMIT $1
			FOR UPDATE SKIP LOCKED
		`, limit)
		if err != nil {
			return err
		}
		records, err := pgx.CollectRows(rows, pgx.RowToStructByPos[Record])
		if err != nil {
			return err
		}
		if len(records) == 0 {
			return nil
		}

		claimed = make([]int64, len(records))
		for i, rcd := range records {
			claimed[i] = rcd.ID
		}
		if publishErr = fn(records); publishErr != nil {
			return publishErr
		}
		_, err = tx.Exec(ctx, `UPDATE outbox_events SET published_at = now(), last_error = NULL WHERE id = ANY($1)`, claimed)
		return err
	})
	if publishErr != nil {
		r.recordFailure(ctx, claimed, publishErr)
		return 0, publishErr
	}
	if err != nil {
		return 0, fmt.Errorf("claim outbox batch: %w", err)
	}
	return len(claimed), nil
}

func (r *Repository) recordFailure(ctx context.Context, ids []int64, cause error) {
	msg := cause.Error()
	if len(msg) > maxErrorLen {
		msg = msg[:maxErrorLen]
	}
	// Ignored on failure; the publisher already logs cause.
	_, _ = r.pool.Exec(ctx, `
		UPDATE outbox_events SET attempts = attempts + 1, last_error = $2
		WHERE id = ANY($1) AND published_at IS NULL
	`, ids, msg)
}
