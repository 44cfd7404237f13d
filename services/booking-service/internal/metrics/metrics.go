package metrics

import (
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the engine collectors. It satisfies the observer interfaces of the guard,
// the hold manager, the booking machine and the outbox relay.
type Metrics struct {
	guardClaims      *prometheus.CounterVec
	guardWait        prometheus.Histogram
	holdsCreated     prometheus.Counter
	holdsExpired     prometheus.Counter
	claimsDropped    prometheus.Counter
	transitions      *prometheus.CounterVec
	replays          *prometheus.CounterVec
	outboxDeliveries *prometheus.CounterVec
	outboxBacklog    prometheus.Gauge
}

// New registers the collectors on registerer, or the default registerer when nil.
func New(registerer prometheus.Registerer, service string) *Metrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}
	service = strings.TrimSpace(service)
	if service == "" {
		service = "booking-service"
	}
	constLabels := prometheus.Labels{"service": service}

	m := &Metrics{
		guardClaims: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "bookingcore_guard_claims_total",
			Help:        "Overlap guard claim attempts by result.",
			ConstLabels: constLabels,
		}, []string{"result"}),
		guardWait: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:        "bookingcore_guard_claim_seconds",
			Help:        "Time spent admitting a claim, lock wait included.",
			Buckets:     []float64{0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5},
			ConstLabels: constLabels,
		}),
		holdsCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "bookingcore_holds_created_total",
			Help:        "Holds created.",
			ConstLabels: constLabels,
		}),
		holdsExpired: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "bookingcore_holds_expired_total",
			Help:        "Holds expired by the sweeper or on conflict.",
			ConstLabels: constLabels,
		}),
		claimsDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "bookingcore_guard_claims_dropped_total",
			Help:        "Guard claims released by reconciliation because storage no longer backs them.",
			ConstLabels: constLabels,
		}),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "bookingcore_booking_transitions_total",
			Help:        "Booking state transitions by target status.",
			ConstLabels: constLabels,
		}, []string{"to"}),
		replays: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "bookingcore_idempotent_replays_total",
			Help:        "Requests answered from an earlier result of the same client id.",
			ConstLabels: constLabels,
		}, []string{"scope"}),
		outboxDeliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "bookingcore_outbox_deliveries_total",
			Help:        "Outbox delivery attempts by event type and outcome.",
			ConstLabels: constLabels,
		}, []string{"event_type", "outcome"}),
		outboxBacklog: prometheus.NewGauge(prometheus.GaugeOpts{
			Name:        "bookingcore_outbox_backlog",
			Help:        "Undelivered outbox events after the last relay batch.",
			ConstLabels: constLabels,
		}),
	}
	registerer.MustRegister(
		m.guardClaims,
		m.guardWait,
		m.holdsCreated,
		m.holdsExpired,
		m.claimsDropped,
		m.transitions,
		m.replays,
		m.outboxDeliveries,
		m.outboxBacklog,
	)
	return m
}

func (m *Metrics) ObserveClaim(result string, wait time.Duration) {
	m.guardClaims.WithLabelValues(result).Inc()
	m.guardWait.Observe(wait.Seconds())
}

func (m *Metrics) HoldCreated() { m.holdsCreated.Inc() }

func (m *Metrics) HoldsExpired(n int) {
	if n > 0 {
		m.holdsExpired.Add(float64(n))
	}
}

func (m *Metrics) ClaimsDropped(n int) {
	if n > 0 {
		m.claimsDropped.Add(float64(n))
	}
}

func (m *Metrics) BookingTransition(to string) { m.transitions.WithLabelValues(to).Inc() }

func (m *Metrics) IdempotentReplay(scope string) { m.replays.WithLabelValues(scope).Inc() }

func (m *Metrics) ObserveDelivery(eventType string, delivered bool) {
	outcome := "failed"
	if delivered {
		outcome = "delivered"
	}
	m.outboxDeliveries.WithLabelValues(eventType, outcome).Inc()
}

func (m *Metrics) ObserveBacklog(n int) { m.outboxBacklog.Set(float64(n)) }
