// Package webhook delivers signed session-event notifications to merchant
// endpoints, with persistent delivery logs and exponential-backoff retries.
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/KasGate/server/internal/httputil"
	"github.com/KasGate/server/internal/merchant"
	"github.com/KasGate/server/internal/metrics"
	"github.com/KasGate/server/internal/storage"
)

// Config tunes delivery behavior.
type Config struct {
	Timeout         time.Duration // per-attempt POST timeout
	MaxAttempts     int           // total, the initial send included
	InitialInterval time.Duration // backoff base
	WorkerInterval  time.Duration // retry worker wake period
	SnippetLimit    int           // stored response-body prefix
}

// Dispatcher sends webhooks and runs the retry worker. The payload is frozen
// at dispatch; retries re-sign the same bytes with the merchant's current
// secret and post to the merchant's current URL.
type Dispatcher struct {
	cfg     Config
	store   *storage.Store
	client  *http.Client
	metrics *metrics.Metrics
	log     zerolog.Logger

	stop chan struct{}
	done chan struct{}
}

// NewDispatcher builds a dispatcher.
func NewDispatcher(cfg Config, store *storage.Store, m *metrics.Metrics, log zerolog.Logger) *Dispatcher {
	return &Dispatcher{
		cfg:     cfg,
		store:   store,
		client:  httputil.NewClient(cfg.Timeout),
		metrics: m,
		log:     log.With().Str("component", "webhook").Logger(),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
}

// Dispatch freezes a payload for the session event and makes the first
// delivery attempt. Merchants without a webhook URL are skipped silently.
func (d *Dispatcher) Dispatch(ctx context.Context, sess storage.Session, event string) error {
	merch, err := d.store.GetMerchant(ctx, sess.MerchantID)
	if err != nil {
		return fmt.Errorf("webhook: load merchant: %w", err)
	}
	if merch.WebhookURL == "" {
		return nil
	}

	payload := NewPayload(sess, event)
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("webhook: encode payload: %w", err)
	}

	now := time.Now().UTC()
	row := storage.WebhookDelivery{
		ID:         uuid.NewString(),
		SessionID:  sess.ID,
		MerchantID: sess.MerchantID,
		Event:      event,
		Payload:    body,
		DeliveryID: payload.DeliveryID,
		CreatedAt:  now,
	}
	if err := d.store.InsertDelivery(ctx, row); err != nil {
		return err
	}

	d.attempt(ctx, row, merch)
	return nil
}

// attempt makes one delivery attempt for a row and records the outcome.
// The attempt number being written is row.Attempts + 1.
func (d *Dispatcher) attempt(ctx context.Context, row storage.WebhookDelivery, merch storage.Merchant) {
	attemptNo := row.Attempts + 1
	start := time.Now()
	statusCode, snippet, err := d.send(ctx, merch, row)
	elapsed := time.Since(start)

	if err == nil && statusCode >= 200 && statusCode < 300 {
		if merr := d.store.MarkDelivered(ctx, row.ID, attemptNo, statusCode, time.Now().UTC()); merr != nil {
			d.log.Error().Err(merr).Str("delivery", row.ID).Msg("webhook.record_delivery_failed")
		}
		d.metrics.ObserveWebhook(row.Event, "success", elapsed, attemptNo)
		d.log.Info().
			Str("delivery", row.ID).
			Str("event", row.Event).
			Int("attempt", attemptNo).
			Msg("webhook.delivered")
		return
	}

	var code *int
	if err == nil {
		code = &statusCode
	} else {
		snippet = err.Error()
	}
	if d.cfg.SnippetLimit > 0 && len(snippet) > d.cfg.SnippetLimit {
		snippet = snippet[:d.cfg.SnippetLimit]
	}

	status := "retry"
	var nextRetry *time.Time
	if attemptNo < d.cfg.MaxAttempts {
		at := time.Now().UTC().Add(d.backoff(attemptNo))
		nextRetry = &at
	} else {
		status = "failed"
	}
	if merr := d.store.MarkAttemptFailed(ctx, row.ID, attemptNo, code, snippet, nextRetry); merr != nil {
		d.log.Error().Err(merr).Str("delivery", row.ID).Msg("webhook.record_failure_failed")
	}
	d.metrics.ObserveWebhook(row.Event, status, elapsed, attemptNo)
	d.log.Warn().
		Str("delivery", row.ID).
		Str("event", row.Event).
		Int("attempt", attemptNo).
		Interface("status_code", code).
		Bool("will_retry", nextRetry != nil).
		Msg("webhook.attempt_failed")
}

// backoff returns the delay after attempt n: 1s, 2s, 4s, 8s, 16s with the
// default base.
func (d *Dispatcher) backoff(n int) time.Duration {
	return d.cfg.InitialInterval << uint(n-1)
}

// send posts the frozen payload, signed with the merchant's current secret.
func (d *Dispatcher) send(ctx context.Context, merch storage.Merchant, row storage.WebhookDelivery) (int, string, error) {
	// timestamp travels both inside the signed body and as a header; pull
	// it back out of the frozen bytes.
	var payload Payload
	if err := json.Unmarshal(row.Payload, &payload); err != nil {
		return 0, "", fmt.Errorf("webhook: decode frozen payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, merch.WebhookURL, bytes.NewReader(row.Payload))
	if err != nil {
		return 0, "", err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-KasGate-Signature", merchant.SignPayload(merch.WebhookSecret, row.Payload))
	req.Header.Set("X-KasGate-Event", row.Event)
	req.Header.Set("X-KasGate-Timestamp", payload.Timestamp)
	req.Header.Set("X-KasGate-Delivery-Id", row.DeliveryID)

	resp, err := d.client.Do(req)
	if err != nil {
		return 0, "", err
	}
	defer resp.Body.Close()

	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, int64(d.cfg.SnippetLimit)))
	return resp.StatusCode, string(snippet), nil
}

// Requeue schedules a manual retry for an undelivered row.
func (d *Dispatcher) Requeue(ctx context.Context, deliveryID string) error {
	return d.store.RequeueDelivery(ctx, deliveryID, time.Now().UTC())
}

// Start launches the retry worker.
func (d *Dispatcher) Start() {
	go d.retryLoop()
}

// Stop terminates the retry worker.
func (d *Dispatcher) Stop() {
	close(d.stop)
	<-d.done
}

func (d *Dispatcher) retryLoop() {
	defer close(d.done)
	ticker := time.NewTicker(d.cfg.WorkerInterval)
	defer ticker.Stop()

	for {
		select {
		case <-d.stop:
			return
		case <-ticker.C:
			d.RetryDue(context.Background())
		}
	}
}

// RetryDue processes every delivery whose retry is due: undelivered,
// scheduled, and under the attempt cap.
func (d *Dispatcher) RetryDue(ctx context.Context) {
	due, err := d.store.DueDeliveries(ctx, time.Now().UTC(), d.cfg.MaxAttempts, 100)
	if err != nil {
		d.log.Error().Err(err).Msg("webhook.retry_query_failed")
		return
	}

	for _, row := range due {
		select {
		case <-d.stop:
			return
		default:
		}

		// Re-fetch the merchant so rotated secrets and updated URLs take
		// effect on retries.
		merch, err := d.store.GetMerchant(ctx, row.MerchantID)
		if err != nil {
			d.log.Error().Err(err).Str("delivery", row.ID).Msg("webhook.retry_merchant_lookup_failed")
			continue
		}
		if merch.WebhookURL == "" {
			// URL removed since dispatch; spend the attempt budget.
			if err := d.store.MarkAttemptFailed(ctx, row.ID, row.Attempts+1, nil, "webhook url removed", nil); err != nil {
				d.log.Error().Err(err).Str("delivery", row.ID).Msg("webhook.record_failure_failed")
			}
			continue
		}
		d.attempt(ctx, row, merch)
	}
}
