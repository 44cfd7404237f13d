package main

import (
	"encoding/json"
	"testing"

	"github.com/md-rashed-zaman/bookingcore/libs/kafkax"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/require"
)

func captureMessage(t *testing.T, amount int64) kafka.Message {
	t.Helper()
	body, err := json.Marshal(captureRequest{CaptureID: "cap-1", BookingID: "b1", AmountMinor: amount, Currency: "USD"})
	require.NoError(t, err)
	return kafka.Message{
		Topic:   topicCaptureRequested,
		Value:   body,
		Headers: []kafka.Header{{Key: "tenant_id", Value: []byte("t1")}},
	}
}

func TestAnswer(t *testing.T) {
	ok, err := answer(captureMessage(t, 2000), 5000)
	require.NoError(t, err)
	require.Equal(t, topicSucceeded, ok.Topic)
	meta := kafkax.ExtractEventMeta(ok)
	require.Equal(t, topicSucceeded, meta.EventType)
	require.Equal(t, "t1", meta.TenantID)

	again, err := answer(captureMessage(t, 2000), 5000)
	require.NoError(t, err)
	require.Equal(t, meta.EventID, kafkax.ExtractEventMeta(again).EventID, "replies are deterministic per capture")

	declined, err := answer(captureMessage(t, 9000), 5000)
	require.NoError(t, err)
	require.Equal(t, topicFailed, declined.Topic)
	var res captureResult
	require.NoError(t, json.Unmarshal(declined.Value, &res))
	require.Equal(t, "card_declined", res.Reason)
	require.Equal(t, "b1", res.BookingID)
}

func TestAnswerRejectsIncompleteRequests(t *testing.T) {
	_, err := answer(kafka.Message{Value: []byte("{")}, 0)
	require.Error(t, err)
	_, err = answer(kafka.Message{Value: []byte(`{"capture_id":"c"}`)}, 0)
	require.Error(t, err)
}
