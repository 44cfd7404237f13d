// payment-sim answers payment.capture_requested events with payment.succeeded or payment.failed,
// standing in for a payment provider in local environments.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/md-rashed-zaman/bookingcore/libs/config"
	"github.com/md-rashed-zaman/bookingcore/libs/kafkax"
	"github.com/md-rashed-zaman/bookingcore/libs/runtime"
	"github.com/segmentio/kafka-go"
)

const (
	topicCaptureRequested = "payment.capture_requested"
	topicSucceeded        = "payment.succeeded"
	topicFailed           = "payment.failed"
)

type captureRequest struct {
	CaptureID   string `json:"capture_id"`
	BookingID   string `json:"booking_id"`
	TenantID    string `json:"tenant_id"`
	AmountMinor int64  `json:"amount_minor"`
	Currency    string `json:"currency"`
}

type captureResult struct {
	CaptureID string `json:"capture_id"`
	BookingID string `json:"booking_id"`
	TenantID  string `json:"tenant_id"`
	Reason    string `json:"reason,omitempty"`
}

func main() {
	var (
		brokers   = flag.String("brokers", config.String("KAFKA_BROKERS", "localhost:9092"), "kafka brokers")
		group     = flag.String("group", config.String("KAFKA_GROUP_ID", "payment-sim"), "consumer group")
		failAbove = flag.Int64("fail-above", 0, "decline captures above this amount in minor units (0 accepts all)")
		delay     = flag.Duration("delay", 0, "wait before answering each capture")
	)
	flag.Parse()

	logger := runtime.NewLogger("payment-sim")
	ctx, stop := runtime.SignalContext()
	defer stop()

	addrs := kafkax.SplitBrokers(*brokers)
	if len(addrs) == 0 {
		fatal("KAFKA_BROKERS is required")
	}
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers: addrs,
		GroupID: *group,
		Topic:   topicCaptureRequested,
	})
	defer reader.Close()
	writer := &kafka.Writer{
		Addr:                   kafka.TCP(addrs...),
		Balancer:               &kafka.Hash{},
		AllowAutoTopicCreation: true,
	}
	defer writer.Close()

	logger.Info("payment simulator started", "topic", topicCaptureRequested, "fail_above", *failAbove)
	for {
		msg, err := reader.FetchMessage(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}
			logger.Error("fetch failed", "err", err)
			time.Sleep(time.Second)
			continue
		}
		if *delay > 0 {
			time.Sleep(*delay)
		}
		reply, err := answer(msg, *failAbove)
		if err != nil {
			logger.Warn("capture request skipped", "err", err, "offset", msg.Offset)
		} else if err := writer.WriteMessages(ctx, reply); err != nil {
			logger.Error("publish failed", "err", err)
			continue
		} else {
			logger.Info("capture answered", "topic", reply.Topic, "booking_id", string(reply.Key))
		}
		if err := reader.CommitMessages(ctx, msg); err != nil {
			logger.Error("commit failed", "err", err)
		}
	}
}

// answer builds the provider reply for one capture request. Replies to the same request carry
// the same event id so the engine's inbox drops redeliveries.
func answer(msg kafka.Message, failAbove int64) (kafka.Message, error) {
	var req captureRequest
	if err := json.Unmarshal(msg.Value, &req); err != nil {
		return kafka.Message{}, fmt.Errorf("decode capture request: %w", err)
	}
	if req.TenantID == "" {
		req.TenantID = kafkax.HeaderValue(msg.Headers, "tenant_id")
	}
	if req.CaptureID == "" || req.BookingID == "" || req.TenantID == "" {
		return kafka.Message{}, errors.New("capture request missing capture_id, booking_id or tenant_id")
	}

	topic := topicSucceeded
	res := captureResult{CaptureID: req.CaptureID, BookingID: req.BookingID, TenantID: req.TenantID}
	if failAbove > 0 && req.AmountMinor > failAbove {
		topic = topicFailed
		res.Reason = "card_declined"
	}
	body, err := json.Marshal(res)
	if err != nil {
		return kafka.Message{}, err
	}
	eventID := uuid.NewSHA1(uuid.NameSpaceOID, []byte("payment-sim:"+topic+":"+req.CaptureID)).String()
	return kafka.Message{
		Topic: topic,
		Key:   []byte(req.BookingID),
		Value: body,
		Headers: []kafka.Header{
			{Key: "event_id", Value: []byte(eventID)},
			{Key: "event_type", Value: []byte(topic)},
			{Key: "tenant_id", Value: []byte(req.TenantID)},
		},
	}, nil
}

func fatal(msg string) {
	fmt.Fprintln(os.Stderr, msg)
	os.Exit(2)
}
