package outbox

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/md-rashed-zaman/bookingcore/libs/clock"
	"github.com/md-rashed-zaman/bookingcore/libs/kafkax"
	"github.com/md-rashed-zaman/bookingcore/services/booking-service/internal/model"
	"github.com/md-rashed-zaman/bookingcore/services/booking-service/internal/storage"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/segmentio/kafka-go"
)

var start = time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func seed(t *testing.T, s *storage.Memory, rows ...[2]string) {
	t.Helper()
	ctx := context.Background()
	err := s.InTx(ctx, func(tx storage.Tx) error {
		for _, row := range rows {
			ev, err := NewEvent(ctx, start, row[0], model.EventBookingConfirmed, "booking", row[1], map[string]string{"booking_id": row[1]})
			if err != nil {
				return err
			}
			if err := tx.AppendOutbox(ctx, ev); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("seed: %v", err)
	}
}

type recordingSink struct {
	mu      sync.Mutex
	got     []string
	failFor map[string]bool
}

func (s *recordingSink) Deliver(_ context.Context, ev model.OutboxEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failFor[ev.AggregateID] {
		return errors.New("broker unavailable")
	}
	s.got = append(s.got, ev.AggregateID)
	return nil
}

func TestRelay_DeliversInOrderAndMarksDelivered(t *testing.T) {
	store := storage.NewMemory()
	seed(t, store, [2]string{"t1", "b1"}, [2]string{"t2", "b2"}, [2]string{"t1", "b3"})
	sink := &recordingSink{}
	relay := NewRelay(store, sink, discardLogger(), clock.NewFake(start), RelayConfig{})

	n, err := relay.RelayOnce(context.Background())
	if err != nil || n != 3 {
		t.Fatalf("expected 3 delivered, got %d %v", n, err)
	}
	if got := sink.got; len(got) != 3 || got[0] != "b1" || got[1] != "b2" || got[2] != "b3" {
		t.Fatalf("unexpected delivery order %v", got)
	}
	if backlog, _ := store.Backlog(context.Background()); backlog != 0 {
		t.Fatalf("expected empty backlog, got %d", backlog)
	}
	if n, _ := relay.RelayOnce(context.Background()); n != 0 {
		t.Fatalf("delivered events must not be sent again, got %d", n)
	}
}

func TestRelay_FailureParksTenantAndRetriesWithBackoff(t *testing.T) {
	store := storage.NewMemory()
	seed(t, store, [2]string{"t1", "b1"}, [2]string{"t1", "b2"}, [2]string{"t2", "b3"})
	clk := clock.NewFake(start)
	sink := &recordingSink{failFor: map[string]bool{"b1": true}}
	relay := NewRelay(store, sink, discardLogger(), clk, RelayConfig{InitialBackoff: time.Second, MaxBackoff: time.Minute})

	if n, err := relay.RelayOnce(context.Background()); err != nil || n != 1 {
		t.Fatalf("expected only t2's event delivered, got %d %v", n, err)
	}
	if len(sink.got) != 1 || sink.got[0] != "b3" {
		t.Fatalf("b2 must wait behind b1, got %v", sink.got)
	}
	events := store.Events()
	if events[0].Attempts != 1 || events[0].LastError != "broker unavailable" || !events[0].NextAttemptAt.After(start) {
		t.Fatalf("expected retry bookkeeping, got %+v", events[0])
	}

	// Still backing off: nothing for t1 is fetched.
	if n, _ := relay.RelayOnce(context.Background()); n != 0 {
		t.Fatalf("expected no deliveries while backing off, got %d", n)
	}

	sink.mu.Lock()
	sink.failFor = nil
	sink.mu.Unlock()
	clk.Advance(time.Hour)
	if n, err := relay.RelayOnce(context.Background()); err != nil || n != 2 {
		t.Fatalf("expected b1 and b2 after recovery, got %d %v", n, err)
	}
	if got := sink.got; got[1] != "b1" || got[2] != "b2" {
		t.Fatalf("expected tenant order b1, b2, got %v", got)
	}
}

func TestRelay_DelayGrowsAndCaps(t *testing.T) {
	relay := NewRelay(storage.NewMemory(), DiscardSink{}, discardLogger(), nil, RelayConfig{InitialBackoff: time.Second, MaxBackoff: 30 * time.Second})
	first := relay.delay(1)
	if first <= 0 || first > 2*time.Second {
		t.Fatalf("unexpected first delay %s", first)
	}
	for attempts := 1; attempts < 200; attempts++ {
		// Randomization spreads around the cap, never far above it.
		if d := relay.delay(attempts); d > 46*time.Second {
			t.Fatalf("attempt %d delay %s exceeds the cap", attempts, d)
		}
	}
}

func TestRelay_ShouldLogIsCapped(t *testing.T) {
	relay := NewRelay(storage.NewMemory(), DiscardSink{}, discardLogger(), nil, RelayConfig{LogEvery: 5})
	var logged []int
	for a := 1; a <= 20; a++ {
		if relay.shouldLog(a) {
			logged = append(logged, a)
		}
	}
	want := []int{1, 2, 3, 4, 5, 10, 15, 20}
	if len(logged) != len(want) {
		t.Fatalf("expected %v, got %v", want, logged)
	}
	for i := range want {
		if logged[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, logged)
		}
	}
}

type captureWriter struct{ msgs []kafka.Message }

func (w *captureWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *captureWriter) Close() error { return nil }

func TestKafkaSink_MessageLayout(t *testing.T) {
	w := &captureWriter{}
	sink := &KafkaSink{writer: w}
	ev, err := NewEvent(context.Background(), start, "t1", model.EventBookingCanceled, "booking", "b1", map[string]string{"reason": "sick"})
	if err != nil {
		t.Fatalf("event: %v", err)
	}
	if err := sink.Deliver(context.Background(), ev); err != nil {
		t.Fatalf("deliver: %v", err)
	}
	msg := w.msgs[0]
	if msg.Topic != model.EventBookingCanceled || string(msg.Key) != "b1" {
		t.Fatalf("unexpected topic/key %s/%s", msg.Topic, msg.Key)
	}
	meta := kafkax.ExtractEventMeta(msg)
	if meta.EventID != ev.ID || meta.EventType != ev.Type || meta.TenantID != "t1" {
		t.Fatalf("unexpected headers %+v", meta)
	}
}

type capturePublisher struct {
	exchange, key string
	msg           amqp.Publishing
}

func (p *capturePublisher) PublishWithContext(_ context.Context, exchange, key string, _, _ bool, msg amqp.Publishing) error {
	p.exchange, p.key, p.msg = exchange, key, msg
	return nil
}

func TestRabbitSink_RoutingAndHeaders(t *testing.T) {
	pub := &capturePublisher{}
	sink := &RabbitSink{pub: pub, exchange: "bookings"}
	ev, _ := NewEvent(context.Background(), start, "t1", model.EventCaptureRequested, "booking", "b1", map[string]int{"amount_minor": 500})
	if err := sink.Deliver(context.Background(), ev); err != nil {
		t.Fatalf("deliver: %v", err)
	}
	if pub.exchange != "bookings" || pub.key != model.EventCaptureRequested {
		t.Fatalf("unexpected routing %s/%s", pub.exchange, pub.key)
	}
	if pub.msg.MessageId != ev.ID || pub.msg.Headers["tenant_id"] != "t1" || pub.msg.DeliveryMode != amqp.Persistent {
		t.Fatalf("unexpected publishing %+v", pub.msg)
	}
}

func TestNewEvent_IDsSortByCreation(t *testing.T) {
	a, _ := NewEvent(context.Background(), start, "t1", model.EventBookingConfirmed, "booking", "b1", nil)
	b, _ := NewEvent(context.Background(), start.Add(time.Millisecond), "t1", model.EventBookingConfirmed, "booking", "b1", nil)
	if a.ID >= b.ID {
		t.Fatalf("expected %s < %s", a.ID, b.ID)
	}
	if !a.NextAttemptAt.Equal(start) {
		t.Fatalf("new events are due immediately, got %s", a.NextAttemptAt)
	}
}
