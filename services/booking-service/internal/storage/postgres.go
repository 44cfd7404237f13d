package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/md-rashed-zaman/bookingcore/libs/db"
	"github.com/md-rashed-zaman/bookingcore/services/booking-service/internal/guard"
	"github.com/md-rashed-zaman/bookingcore/services/booking-service/internal/model"
)

type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type Postgres struct {
	pool *db.Pool
}

func NewPostgres(pool *db.Pool) *Postgres {
	return &Postgres{pool: pool}
}

func (p *Postgres) InTx(ctx context.Context, fn func(tx Tx) error) error {
	return p.pool.WithTx(ctx, func(tx pgx.Tx) error {
		return fn(&postgresTx{q: tx})
	})
}

func (p *Postgres) GetResource(ctx context.Context, tenantID, resourceID string) (model.Resource, error) {
	var r model.Resource
	err := p.pool.QueryRow(ctx, `
		SELECT id, tenant_id, name, timezone, capacity, active, created_at
		FROM resources
		WHERE tenant_id = $1 AND id = $2
	`, tenantID, resourceID).Scan(&r.ID, &r.TenantID, &r.Name, &r.Timezone, &r.Capacity, &r.Active, &r.CreatedAt)
	if db.IsNotFound(err) {
		return model.Resource{}, model.UnknownResource(resourceID)
	}
	return r, err
}

func (p *Postgres) SaveResource(ctx context.Context, r model.Resource) error {
	return p.pool.WithTx(ctx, func(tx pgx.Tx) error {
		var old model.Resource
		var hasBookings bool
		err := tx.QueryRow(ctx, `
			SELECT id, tenant_id, name, timezone, capacity, active, created_at,
				EXISTS (SELECT 1 FROM bookings b WHERE b.tenant_id = r.tenant_id AND b.resource_id = r.id)
			FROM resources r
			WHERE tenant_id = $1 AND id = $2
			FOR UPDATE
		`, r.TenantID, r.ID).Scan(&old.ID, &old.TenantID, &old.Name, &old.Timezone, &old.Capacity, &old.Active, &old.CreatedAt, &hasBookings)
		switch {
		case db.IsNotFound(err):
		case err != nil:
			return err
		default:
			if err := checkResourceUpdate(old, r, hasBookings); err != nil {
				return err
			}
		}
		_, err = tx.Exec(ctx, `
			INSERT INTO resources (tenant_id, id, name, timezone, capacity, active, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
			ON CONFLICT (tenant_id, id) DO UPDATE
			SET name = EXCLUDED.name,
				timezone = EXCLUDED.timezone,
				capacity = EXCLUDED.capacity,
				active = EXCLUDED.active
		`, r.TenantID, r.ID, r.Name, r.Timezone, r.Capacity, r.Active, createdAt(r.CreatedAt))
		return err
	})
}

func (p *Postgres) SetResourceActive(ctx context.Context, tenantID, resourceID string, active bool) (model.Resource, error) {
	var r model.Resource
	err := p.pool.QueryRow(ctx, `
		UPDATE resources SET active = $3
		WHERE tenant_id = $1 AND id = $2
		RETURNING id, tenant_id, name, timezone, capacity, active, created_at
	`, tenantID, resourceID, active).Scan(&r.ID, &r.TenantID, &r.Name, &r.Timezone, &r.Capacity, &r.Active, &r.CreatedAt)
	if db.IsNotFound(err) {
		return model.Resource{}, model.UnknownResource(resourceID)
	}
	return r, err
}

func (p *Postgres) GetService(ctx context.Context, tenantID, serviceID string) (model.Service, error) {
	var (
		s                                     model.Service
		durMs, beforeMs, afterMs, stepMs int64
	)
	err := p.pool.QueryRow(ctx, `
		SELECT id, tenant_id, name, duration_ms, buffer_before_ms, buffer_after_ms,
			capacity_units, price_minor, currency, slot_step_ms, created_at
		FROM services
		WHERE tenant_id = $1 AND id = $2
	`, tenantID, serviceID).Scan(&s.ID, &s.TenantID, &s.Name, &durMs, &beforeMs, &afterMs,
		&s.CapacityUnits, &s.PriceMinor, &s.Currency, &stepMs, &s.CreatedAt)
	if db.IsNotFound(err) {
		return model.Service{}, model.UnknownService(serviceID)
	}
	if err != nil {
		return model.Service{}, err
	}
	s.Duration = time.Duration(durMs) * time.Millisecond
	s.BufferBefore = time.Duration(beforeMs) * time.Millisecond
	s.BufferAfter = time.Duration(afterMs) * time.Millisecond
	s.SlotStep = time.Duration(stepMs) * time.Millisecond
	return s, nil
}

func (p *Postgres) SaveService(ctx context.Context, s model.Service) error {
	_, err := p.pool.Exec(ctx, `
		INSERT INTO services (tenant_id, id, name, duration_ms, buffer_before_ms, buffer_after_ms,
			capacity_units, price_minor, currency, slot_step_ms, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (tenant_id, id) DO UPDATE
		SET name = EXCLUDED.name,
			duration_ms = EXCLUDED.duration_ms,
			buffer_before_ms = EXCLUDED.buffer_before_ms,
			buffer_after_ms = EXCLUDED.buffer_after_ms,
			capacity_units = EXCLUDED.capacity_units,
			price_minor = EXCLUDED.price_minor,
			currency = EXCLUDED.currency,
			slot_step_ms = EXCLUDED.slot_step_ms
	`, s.TenantID, s.ID, s.Name, s.Duration.Milliseconds(), s.BufferBefore.Milliseconds(), s.BufferAfter.Milliseconds(),
		s.CapacityUnits, s.PriceMinor, s.Currency, s.SlotStep.Milliseconds(), createdAt(s.CreatedAt))
	return err
}

func (p *Postgres) ListRules(ctx context.Context, tenantID, resourceID string) ([]model.WorkScheduleRule, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT id, tenant_id, resource_id, weekdays, start_minute, end_minute, effective_from, effective_until, created_at
		FROM work_schedule_rules
		WHERE tenant_id = $1 AND resource_id = $2
		ORDER BY effective_from, id
	`, tenantID, resourceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var rules []model.WorkScheduleRule
	for rows.Next() {
		var (
			r        model.WorkScheduleRule
			weekdays []int32
			from     time.Time
			until    *time.Time
		)
		if err := rows.Scan(&r.ID, &r.TenantID, &r.ResourceID, &weekdays, &r.StartMinute, &r.EndMinute, &from, &until, &r.CreatedAt); err != nil {
			return nil, err
		}
		for _, wd := range weekdays {
			r.Weekdays = append(r.Weekdays, time.Weekday(wd))
		}
		r.EffectiveFrom = model.DateOf(from)
		if until != nil {
			d := model.DateOf(*until)
			r.EffectiveUntil = &d
		}
		rules = append(rules, r)
	}
	return rules, rows.Err()
}

func (p *Postgres) SaveRule(ctx context.Context, r model.WorkScheduleRule) error {
	weekdays := make([]int32, 0, len(r.Weekdays))
	for _, wd := range r.Weekdays {
		weekdays = append(weekdays, int32(wd))
	}
	var until *time.Time
	if r.EffectiveUntil != nil {
		t := dateTime(*r.EffectiveUntil)
		until = &t
	}
	_, err := p.pool.Exec(ctx, `
		INSERT INTO work_schedule_rules (tenant_id, id, resource_id, weekdays, start_minute, end_minute,
			effective_from, effective_until, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (tenant_id, id) DO UPDATE
		SET weekdays = EXCLUDED.weekdays,
			start_minute = EXCLUDED.start_minute,
			end_minute = EXCLUDED.end_minute,
			effective_from = EXCLUDED.effective_from,
			effective_until = EXCLUDED.effective_until
	`, r.TenantID, r.ID, r.ResourceID, weekdays, r.StartMinute, r.EndMinute, dateTime(r.EffectiveFrom), until, createdAt(r.CreatedAt))
	return err
}

func (p *Postgres) ListExceptions(ctx context.Context, tenantID, resourceID string, from, to model.Date) ([]model.ScheduleException, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT id, tenant_id, resource_id, on_date, closed, windows, reason, created_at
		FROM schedule_exceptions
		WHERE tenant_id = $1 AND resource_id = $2 AND on_date BETWEEN $3 AND $4
		ORDER BY on_date
	`, tenantID, resourceID, dateTime(from), dateTime(to))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.ScheduleException
	for rows.Next() {
		var (
			e       model.ScheduleException
			on      time.Time
			windows []byte
		)
		if err := rows.Scan(&e.ID, &e.TenantID, &e.ResourceID, &on, &e.Closed, &windows, &e.Reason, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.Date = model.DateOf(on)
		if err := json.Unmarshal(windows, &e.Windows); err != nil {
			return nil, fmt.Errorf("decode exception %s windows: %w", e.ID, err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (p *Postgres) SaveException(ctx context.Context, e model.ScheduleException) error {
	windows, err := json.Marshal(e.Windows)
	if err != nil {
		return err
	}
	if e.Windows == nil {
		windows = []byte("[]")
	}
	_, err = p.pool.Exec(ctx, `
		INSERT INTO schedule_exceptions (tenant_id, id, resource_id, on_date, closed, windows, reason, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (tenant_id, resource_id, on_date) DO UPDATE
		SET closed = EXCLUDED.closed,
			windows = EXCLUDED.windows,
			reason = EXCLUDED.reason
	`, e.TenantID, e.ID, e.ResourceID, dateTime(e.Date), e.Closed, windows, e.Reason, createdAt(e.CreatedAt))
	return err
}

func (p *Postgres) GetHold(ctx context.Context, tenantID, holdID string) (model.Hold, error) {
	return getHold(ctx, p.pool, tenantID, holdID, false)
}

func (p *Postgres) FindHoldByClientID(ctx context.Context, tenantID, clientID string) (model.Hold, error) {
	h, err := scanHold(p.pool.QueryRow(ctx, `
		SELECT `+holdColumns+`
		FROM holds
		WHERE tenant_id = $1 AND client_generated_id = $2
	`, tenantID, clientID))
	if db.IsNotFound(err) {
		return model.Hold{}, model.UnknownHold(clientID)
	}
	return h, err
}

func (p *Postgres) ListExpiredHolds(ctx context.Context, at time.Time, limit int) ([]model.Hold, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := p.pool.Query(ctx, `
		SELECT `+holdColumns+`
		FROM holds
		WHERE state = 'active' AND expires_at <= $1
		ORDER BY expires_at
		LIMIT $2
	`, at, limit)
	if err != nil {
		return nil, err
	}
	return collectHolds(rows)
}

func (p *Postgres) ListLiveHoldsOverlapping(ctx context.Context, tenantID, resourceID string, iv model.Interval) ([]model.Hold, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT `+holdColumns+`
		FROM holds
		WHERE tenant_id = $1 AND resource_id = $2 AND state = 'active'
			AND claim_start < $4 AND claim_end > $3
		ORDER BY expires_at
	`, tenantID, resourceID, iv.Start, iv.End)
	if err != nil {
		return nil, err
	}
	return collectHolds(rows)
}

func (p *Postgres) GetBooking(ctx context.Context, tenantID, bookingID string) (model.Booking, error) {
	return getBooking(ctx, p.pool, tenantID, bookingID, false)
}

func (p *Postgres) FindBookingByClientID(ctx context.Context, tenantID, clientID string) (model.Booking, error) {
	b, err := scanBooking(p.pool.QueryRow(ctx, `
		SELECT `+bookingColumns+`
		FROM bookings
		WHERE tenant_id = $1 AND client_generated_id = $2
	`, tenantID, clientID))
	if db.IsNotFound(err) {
		return model.Booking{}, model.UnknownBooking(clientID)
	}
	return b, err
}

func (p *Postgres) ListBookings(ctx context.Context, tenantID, resourceID string, window model.Interval) ([]model.Booking, error) {
	var from, to *time.Time
	if window.Valid() {
		from, to = &window.Start, &window.End
	}
	rows, err := p.pool.Query(ctx, `
		SELECT `+bookingColumns+`
		FROM bookings
		WHERE tenant_id = $1
			AND ($2::text = '' OR resource_id = $2::text)
			AND ($3::timestamptz IS NULL OR end_time > $3)
			AND ($4::timestamptz IS NULL OR start_time < $4)
		ORDER BY start_time, id
		LIMIT 500
	`, tenantID, resourceID, from, to)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Booking
	for rows.Next() {
		b, err := scanBooking(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

func (p *Postgres) ListActiveClaims(ctx context.Context) ([]guard.Claim, error) {
	rows, err := p.pool.Query(ctx, `SELECT `+holdColumns+` FROM holds WHERE state = 'active'`)
	if err != nil {
		return nil, err
	}
	holds, err := collectHolds(rows)
	if err != nil {
		return nil, err
	}
	var claims []guard.Claim
	for _, h := range holds {
		claims = append(claims, holdClaim(h))
	}

	brows, err := p.pool.Query(ctx, `SELECT `+bookingColumns+` FROM bookings WHERE status IN ('pending', 'confirmed')`)
	if err != nil {
		return nil, err
	}
	defer brows.Close()
	for brows.Next() {
		b, err := scanBooking(brows)
		if err != nil {
			return nil, err
		}
		claims = append(claims, bookingClaim(b))
	}
	return claims, brows.Err()
}

func (p *Postgres) ClaimStates(ctx context.Context, claimIDs []string) (map[string]ClaimState, error) {
	out := make(map[string]ClaimState, len(claimIDs))
	if len(claimIDs) == 0 {
		return out, nil
	}
	for _, id := range claimIDs {
		out[id] = ClaimUnknown
	}
	rows, err := p.pool.Query(ctx, `
		SELECT claim_id, bool_or(live) FROM (
			SELECT claim_id, state = 'active' AS live FROM holds WHERE claim_id = ANY($1)
			UNION ALL
			SELECT claim_id, status IN ('pending', 'confirmed') AS live FROM bookings WHERE claim_id = ANY($1)
		) c
		GROUP BY claim_id
	`, claimIDs)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var (
			id   string
			live bool
		)
		if err := rows.Scan(&id, &live); err != nil {
			return nil, err
		}
		if live {
			out[id] = ClaimLive
		} else {
			out[id] = ClaimEnded
		}
	}
	return out, rows.Err()
}

func (p *Postgres) HasInbox(ctx context.Context, eventID string) (bool, error) {
	var seen bool
	err := p.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM inbox_events WHERE event_id = $1)`, eventID).Scan(&seen)
	return seen, err
}

func (p *Postgres) RecordInbox(ctx context.Context, eventID, eventType string) (bool, error) {
	_, err := p.pool.Exec(ctx, `
		INSERT INTO inbox_events (event_id, event_type)
		VALUES ($1, $2)
	`, eventID, eventType)
	if err == nil {
		return true, nil
	}
	if db.IsUniqueViolation(err) {
		return false, nil
	}
	return false, err
}

// createdAt stamps rows written without a creation time.
func createdAt(t time.Time) any {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t
}

func dateTime(d model.Date) time.Time {
	return time.Date(d.Year, d.Month, d.Day, 0, 0, 0, 0, time.UTC)
}

func translateInsert(err error) error {
	if db.IsUniqueViolation(err) {
		return ErrDuplicate
	}
	return err
}

type postgresTx struct {
	q querier
}

func (tx *postgresTx) GetHoldForUpdate(ctx context.Context, tenantID, holdID string) (model.Hold, error) {
	return getHold(ctx, tx.q, tenantID, holdID, true)
}

func (tx *postgresTx) InsertHold(ctx context.Context, h model.Hold) error {
	_, err := tx.q.Exec(ctx, `
		INSERT INTO holds (tenant_id, id, resource_id, service_id, start_time, end_time, claim_start, claim_end,
			capacity_cost, claim_id, client_generated_id, expires_at, state, booking_id, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
	`, h.TenantID, h.ID, h.ResourceID, h.ServiceID, h.Interval.Start, h.Interval.End, h.ClaimInterval.Start, h.ClaimInterval.End,
		h.CapacityCost, h.ClaimID, h.ClientGeneratedID, h.ExpiresAt, string(h.State), h.BookingID, h.CreatedAt, h.UpdatedAt)
	return translateInsert(err)
}

func (tx *postgresTx) TransitionHold(ctx context.Context, t HoldTransition) (model.Hold, error) {
	h, err := scanHold(tx.q.QueryRow(ctx, `
		UPDATE holds
		SET state = $4::text,
			updated_at = $5,
			booking_id = CASE WHEN $6::text = '' THEN booking_id ELSE $6::text END
		WHERE tenant_id = $1 AND id = $2 AND state = $3::text
			AND ($4::text <> 'consumed' OR expires_at > $5)
			AND ($4::text <> 'expired' OR expires_at <= $5)
		RETURNING `+holdColumns+`
	`, t.TenantID, t.HoldID, string(t.From), string(t.To), t.At, t.BookingID))
	if err == nil {
		return h, nil
	}
	if !db.IsNotFound(err) {
		return model.Hold{}, err
	}
	current, err := getHold(ctx, tx.q, t.TenantID, t.HoldID, false)
	if err != nil {
		return model.Hold{}, err
	}
	return current, ErrStale
}

func (tx *postgresTx) GetBookingForUpdate(ctx context.Context, tenantID, bookingID string) (model.Booking, error) {
	return getBooking(ctx, tx.q, tenantID, bookingID, true)
}

func (tx *postgresTx) InsertBooking(ctx context.Context, b model.Booking) error {
	svc, fee, err := bookingJSON(b)
	if err != nil {
		return err
	}
	_, err = tx.q.Exec(ctx, `
		INSERT INTO bookings (tenant_id, id, resource_id, customer_id, hold_id, start_time, end_time, claim_start, claim_end,
			timezone, status, client_generated_id, service_snapshot, claim_id, rescheduled_from, superseded_by, cancel_reason,
			fee, confirmed_at, canceled_at, completed_at, no_show_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21, $22, $23, $24)
	`, b.TenantID, b.ID, b.ResourceID, b.CustomerID, b.HoldID, b.Interval.Start, b.Interval.End, b.ClaimInterval.Start, b.ClaimInterval.End,
		b.Timezone, string(b.Status), b.ClientGeneratedID, svc, b.ClaimID, b.RescheduledFrom, b.SupersededBy, b.CancelReason,
		fee, b.ConfirmedAt, b.CanceledAt, b.CompletedAt, b.NoShowAt, b.CreatedAt, b.UpdatedAt)
	return translateInsert(err)
}

func (tx *postgresTx) UpdateBooking(ctx context.Context, b model.Booking) error {
	_, fee, err := bookingJSON(b)
	if err != nil {
		return err
	}
	tag, err := tx.q.Exec(ctx, `
		UPDATE bookings
		SET status = $3,
			superseded_by = $4,
			cancel_reason = $5,
			fee = $6,
			confirmed_at = $7,
			canceled_at = $8,
			completed_at = $9,
			no_show_at = $10,
			updated_at = $11
		WHERE tenant_id = $1 AND id = $2
	`, b.TenantID, b.ID, string(b.Status), b.SupersededBy, b.CancelReason, fee,
		b.ConfirmedAt, b.CanceledAt, b.CompletedAt, b.NoShowAt, b.UpdatedAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return model.UnknownBooking(b.ID)
	}
	return nil
}

func (tx *postgresTx) AppendOutbox(ctx context.Context, ev model.OutboxEvent) error {
	_, err := tx.q.Exec(ctx, `
		INSERT INTO outbox_events (id, tenant_id, event_type, aggregate_type, aggregate_id, payload,
			traceparent, tracestate, created_at, next_attempt_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`, ev.ID, ev.TenantID, ev.Type, ev.AggregateType, ev.AggregateID, ev.Payload,
		ev.Traceparent, ev.Tracestate, ev.CreatedAt, ev.NextAttemptAt)
	return translateInsert(err)
}

func bookingJSON(b model.Booking) (svc, fee []byte, err error) {
	if svc, err = json.Marshal(b.Service); err != nil {
		return nil, nil, err
	}
	f := b.Fee
	if f.Status == "" {
		f.Status = model.FeeNone
	}
	if fee, err = json.Marshal(f); err != nil {
		return nil, nil, err
	}
	return svc, fee, nil
}

const holdColumns = `id, tenant_id, resource_id, service_id, start_time, end_time, claim_start, claim_end,
	capacity_cost, claim_id, client_generated_id, expires_at, state, booking_id, created_at, updated_at`

const bookingColumns = `id, tenant_id, resource_id, customer_id, hold_id, start_time, end_time, claim_start, claim_end,
	timezone, status, client_generated_id, service_snapshot, claim_id, rescheduled_from, superseded_by, cancel_reason,
	fee, confirmed_at, canceled_at, completed_at, no_show_at, created_at, updated_at`

func getHold(ctx context.Context, q querier, tenantID, holdID string, forUpdate bool) (model.Hold, error) {
	sql := `SELECT ` + holdColumns + ` FROM holds WHERE tenant_id = $1 AND id = $2`
	if forUpdate {
		sql += ` FOR UPDATE`
	}
	h, err := scanHold(q.QueryRow(ctx, sql, tenantID, holdID))
	if db.IsNotFound(err) {
		return model.Hold{}, model.UnknownHold(holdID)
	}
	return h, err
}

func getBooking(ctx context.Context, q querier, tenantID, bookingID string, forUpdate bool) (model.Booking, error) {
	sql := `SELECT ` + bookingColumns + ` FROM bookings WHERE tenant_id = $1 AND id = $2`
	if forUpdate {
		sql += ` FOR UPDATE`
	}
	b, err := scanBooking(q.QueryRow(ctx, sql, tenantID, bookingID))
	if db.IsNotFound(err) {
		return model.Booking{}, model.UnknownBooking(bookingID)
	}
	return b, err
}

func scanHold(row pgx.Row) (model.Hold, error) {
	var (
		h     model.Hold
		state string
	)
	err := row.Scan(
		&h.ID,
		&h.TenantID,
		&h.ResourceID,
		&h.ServiceID,
		&h.Interval.Start,
		&h.Interval.End,
		&h.ClaimInterval.Start,
		&h.ClaimInterval.End,
		&h.CapacityCost,
		&h.ClaimID,
		&h.ClientGeneratedID,
		&h.ExpiresAt,
		&state,
		&h.BookingID,
		&h.CreatedAt,
		&h.UpdatedAt,
	)
	if err != nil {
		return model.Hold{}, err
	}
	h.State = model.HoldState(state)
	h.Interval = h.Interval.UTC()
	h.ClaimInterval = h.ClaimInterval.UTC()
	h.ExpiresAt = h.ExpiresAt.UTC()
	return h, nil
}

func collectHolds(rows pgx.Rows) ([]model.Hold, error) {
	defer rows.Close()
	var out []model.Hold
	for rows.Next() {
		h, err := scanHold(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, h)
	}
	return out, rows.Err()
}

func scanBooking(row pgx.Row) (model.Booking, error) {
	var (
		b        model.Booking
		status   string
		svc, fee []byte
	)
	err := row.Scan(
		&b.ID,
		&b.TenantID,
		&b.ResourceID,
		&b.CustomerID,
		&b.HoldID,
		&b.Interval.Start,
		&b.Interval.End,
		&b.ClaimInterval.Start,
		&b.ClaimInterval.End,
		&b.Timezone,
		&status,
		&b.ClientGeneratedID,
		&svc,
		&b.ClaimID,
		&b.RescheduledFrom,
		&b.SupersededBy,
		&b.CancelReason,
		&fee,
		&b.ConfirmedAt,
		&b.CanceledAt,
		&b.CompletedAt,
		&b.NoShowAt,
		&b.CreatedAt,
		&b.UpdatedAt,
	)
	if err != nil {
		return model.Booking{}, err
	}
	b.Status = model.BookingStatus(status)
	b.Interval = b.Interval.UTC()
	b.ClaimInterval = b.ClaimInterval.UTC()
	if err := json.Unmarshal(svc, &b.Service); err != nil {
		return model.Booking{}, fmt.Errorf("decode booking %s service: %w", b.ID, err)
	}
	if err := json.Unmarshal(fee, &b.Fee); err != nil {
		return model.Booking{}, fmt.Errorf("decode booking %s fee: %w", b.ID, err)
	}
	return b, nil
}
