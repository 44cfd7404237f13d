package storage

import (
	"context"
	"time"

	"github.com/md-rashed-zaman/bookingcore/services/booking-service/internal/model"
)

func (p *Postgres) FetchUndelivered(ctx context.Context, now time.Time, limit int) ([]model.OutboxEvent, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := p.pool.Query(ctx, `
		SELECT id, tenant_id, event_type, aggregate_type, aggregate_id, payload::text,
			traceparent, tracestate, created_at, attempts, next_attempt_at, last_error
		FROM outbox_events o
		WHERE delivered_at IS NULL
			AND next_attempt_at <= $1
			AND NOT EXISTS (
				SELECT 1 FROM outbox_events e
				WHERE e.tenant_id = o.tenant_id
					AND e.delivered_at IS NULL
					AND e.seq < o.seq
					AND e.next_attempt_at > $1
			)
		ORDER BY seq
		LIMIT $2
	`, now, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []model.OutboxEvent
	for rows.Next() {
		var (
			ev      model.OutboxEvent
			payload string
		)
		if err := rows.Scan(
			&ev.ID,
			&ev.TenantID,
			&ev.Type,
			&ev.AggregateType,
			&ev.AggregateID,
			&payload,
			&ev.Traceparent,
			&ev.Tracestate,
			&ev.CreatedAt,
			&ev.Attempts,
			&ev.NextAttemptAt,
			&ev.LastError,
		); err != nil {
			return nil, err
		}
		ev.Payload = []byte(payload)
		events = append(events, ev)
	}
	return events, rows.Err()
}

func (p *Postgres) MarkDelivered(ctx context.Context, eventID string, at time.Time) error {
	_, err := p.pool.Exec(ctx, `
		UPDATE outbox_events
		SET delivered_at = $2, last_error = ''
		WHERE id = $1 AND delivered_at IS NULL
	`, eventID, at)
	return err
}

func (p *Postgres) MarkFailed(ctx context.Context, eventID string, attempts int, nextAttemptAt time.Time, lastErr string) error {
	_, err := p.pool.Exec(ctx, `
		UPDATE outbox_events
		SET attempts = $2, next_attempt_at = $3, last_error = $4
		WHERE id = $1 AND delivered_at IS NULL
	`, eventID, attempts, nextAttemptAt, lastErr)
	return err
}

func (p *Postgres) Backlog(ctx context.Context) (int, error) {
	var n int
	err := p.pool.QueryRow(ctx, `SELECT count(*) FROM outbox_events WHERE delivered_at IS NULL`).Scan(&n)
	return n, err
}
