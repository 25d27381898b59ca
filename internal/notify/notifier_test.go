package notify

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	kafkago "github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ms-booking-saga/internal/config"
	"ms-booking-saga/internal/logger"
	"ms-booking-saga/internal/models"
)

func testNotifier() *Notifier {
	// No SMTP host: log-only delivery.
	return NewNotifier("test-secret", config.EmailConfig{From: "bookings@cinema.local"}, logger.NewLogger("notify-test"))
}

func samplePayload() models.NotifyPayload {
	return models.NotifyPayload{
		BookingID:  "bk-1",
		UserID:     "user-1",
		ShowtimeID: "show-1",
		SeatIDs:    []string{"A1", "A2"},
	}
}

func TestConfirmationQR_ProducesPNG(t *testing.T) {
	n := testNotifier()

	png, err := n.ConfirmationQR(samplePayload())
	require.NoError(t, err)
	require.NotEmpty(t, png)

	// PNG magic bytes.
	assert.Equal(t, []byte{0x89, 'P', 'N', 'G'}, png[:4])
}

func TestConfirmationQR_EncryptsPayload(t *testing.T) {
	n := testNotifier()

	// A fresh IV per encryption: two QRs for the same booking differ, so
	// the plaintext can't be recovered by comparing codes.
	first, err := n.ConfirmationQR(samplePayload())
	require.NoError(t, err)
	second, err := n.ConfirmationQR(samplePayload())
	require.NoError(t, err)
	assert.NotEqual(t, first, second)
}

func TestSend_LogOnlyWithoutSMTP(t *testing.T) {
	n := testNotifier()
	assert.NoError(t, n.Send(context.Background(), samplePayload()))
}

type capturingPublisher struct {
	mu      sync.Mutex
	replies []models.StepReply
}

func (p *capturingPublisher) PublishJSON(topic string, key string, v interface{}) error {
	body, err := json.Marshal(v)
	if err != nil {
		return err
	}
	var reply models.StepReply
	if err := json.Unmarshal(body, &reply); err != nil {
		return err
	}
	p.mu.Lock()
	p.replies = append(p.replies, reply)
	p.mu.Unlock()
	return nil
}

func TestHandleNotify_RepliesSuccess(t *testing.T) {
	pub := &capturingPublisher{}
	w := NewWorker(testNotifier(), pub, logger.NewLogger("notify-test"))

	payload, err := json.Marshal(samplePayload())
	require.NoError(t, err)
	cmd := models.StepCommand{
		SagaID:   "saga-1",
		Step:     models.StepNotify,
		Attempt:  1,
		IssuedAt: time.Now(),
		Payload:  payload,
	}
	body, err := json.Marshal(cmd)
	require.NoError(t, err)

	require.NoError(t, w.HandleNotify(kafkago.Message{Key: []byte("saga-1"), Value: body}))

	require.Len(t, pub.replies, 1)
	reply := pub.replies[0]
	assert.True(t, reply.Success)
	assert.Equal(t, models.StepNotify, reply.Step)

	var res models.NotifyResult
	require.NoError(t, json.Unmarshal(reply.Result, &res))
	assert.True(t, res.Delivered)
}

func TestHandleNotify_RejectsMalformedMessage(t *testing.T) {
	w := NewWorker(testNotifier(), &capturingPublisher{}, logger.NewLogger("notify-test"))
	assert.Error(t, w.HandleNotify(kafkago.Message{Value: []byte("{broken")}))
}
