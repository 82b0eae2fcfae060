package broker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/oriys/msgbroker/internal/logging"
	"github.com/oriys/msgbroker/internal/metrics"
	"github.com/oriys/msgbroker/internal/observability"
)

// callbackPayload is the exact wire shape POSTed to a consumer's
// callback_url for each dispatched message.
type callbackPayload struct {
	Mensaje   json.RawMessage `json:"mensaje"`
	MessageID string          `json:"message_id"`
}

// CallbackSender delivers messages to consumer callback URLs over HTTP.
// Delivery is fire-and-forget from the dispatcher's perspective: a failed
// or slow callback never blocks the broker lock, and the message stays
// in-flight until either an explicit ACK arrives or the reaper's
// ack-timeout redelivers it.
type CallbackSender struct {
	client *http.Client
}

// NewCallbackSender builds a sender with the given per-request timeout.
func NewCallbackSender(timeout time.Duration) *CallbackSender {
	return &CallbackSender{client: &http.Client{Timeout: timeout}}
}

// Send POSTs the message to consumerURL. It never returns an error to a
// caller expecting synchronous delivery semantics — callers run it in its
// own goroutine and only use the outcome for logging and metrics, since the
// broker's delivery guarantee rests entirely on the ACK/redelivery
// protocol, not on this HTTP call succeeding.
func (c *CallbackSender) Send(ctx context.Context, queue, consumerURL string, msg Message) {
	start := time.Now()

	body, err := json.Marshal(callbackPayload{Mensaje: msg.Payload, MessageID: msg.ID})
	if err != nil {
		logging.Op().Error("marshal callback payload", "queue", queue, "message_id", msg.ID, "error", err)
		metrics.RecordCallback(queue, false, time.Since(start).Milliseconds())
		return
	}

	ctx, span := observability.StartSpan(ctx, "broker.callback.send",
		observability.AttrQueue.String(queue),
		observability.AttrMessageID.String(msg.ID),
		observability.AttrConsumerURL.String(consumerURL),
	)
	defer span.End()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, consumerURL, bytes.NewReader(body))
	if err != nil {
		observability.SetSpanError(span, err)
		logging.Op().Warn("build callback request", "queue", queue, "consumer_url", consumerURL, "error", err)
		metrics.RecordCallback(queue, false, time.Since(start).Milliseconds())
		return
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	durationMs := time.Since(start).Milliseconds()
	if err != nil {
		observability.SetSpanError(span, err)
		logging.Op().Warn("deliver callback", "queue", queue, "message_id", msg.ID, "consumer_url", consumerURL, "error", err)
		metrics.RecordCallback(queue, false, durationMs)
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		err := fmt.Errorf("callback returned status %d", resp.StatusCode)
		observability.SetSpanError(span, err)
		logging.Op().Warn("callback non-2xx response", "queue", queue, "message_id", msg.ID, "consumer_url", consumerURL, "status", resp.StatusCode)
		metrics.RecordCallback(queue, false, durationMs)
		return
	}

	observability.SetSpanOK(span)
	logging.Op().Info("delivered message", "queue", queue, "message_id", msg.ID, "consumer_url", consumerURL, "duration_ms", durationMs)
	metrics.RecordCallback(queue, true, durationMs)
}
