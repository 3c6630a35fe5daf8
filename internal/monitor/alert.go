package monitor

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"github.com/org/apiguard/pkg/models"
)

var (
	// ErrAlertThrottled is returned when the hook's delivery budget is spent.
	ErrAlertThrottled = errors.New("alert throttled")
	// ErrAlertQueueFull is returned when the delivery queue cannot take more.
	ErrAlertQueueFull = errors.New("alert queue full")
)

// AlertHook receives critical events. Alert is called on the recording
// goroutine and must return promptly.
type AlertHook interface {
	Name() string
	Alert(ev models.SecurityEvent) error
}

// LogAlertHook writes critical events as error log lines.
type LogAlertHook struct{}

func (LogAlertHook) Name() string { return "log" }

func (LogAlertHook) Alert(ev models.SecurityEvent) error {
	log.Error().
		Str("component", "alert").
		Str("event_id", ev.ID).
		Str("type", string(ev.Type)).
		Str("ip", ev.IP).
		Str("user_id", ev.UserID).
		Interface("details", ev.Details).
		Msg("SECURITY ALERT")
	return nil
}

const (
	webhookQueueSize = 64
	webhookTimeout   = 5 * time.Second
)

// WebhookAlertHook POSTs critical events as JSON to a URL. Deliveries are
// queued and sent by a single worker; the send rate is capped so an attack
// burst cannot flood the receiver.
type WebhookAlertHook struct {
	url     string
	client  *http.Client
	limiter *rate.Limiter
	queue   chan models.SecurityEvent

	closeOnce sync.Once
	wg        sync.WaitGroup
}

// NewWebhookAlertHook starts the delivery worker. perMinute bounds accepted
// alerts; a nil client uses a default with a 5s timeout.
func NewWebhookAlertHook(url string, perMinute int, client *http.Client) *WebhookAlertHook {
	if perMinute <= 0 {
		perMinute = 30
	}
	if client == nil {
		client = &http.Client{Timeout: webhookTimeout}
	}
	h := &WebhookAlertHook{
		url:     url,
		client:  client,
		limiter: rate.NewLimiter(rate.Every(time.Minute/time.Duration(perMinute)), min(perMinute, 10)),
		queue:   make(chan models.SecurityEvent, webhookQueueSize),
	}
	h.wg.Add(1)
	go h.run()
	return h
}

func (h *WebhookAlertHook) Name() string { return "webhook" }

// Alert enqueues ev without blocking.
func (h *WebhookAlertHook) Alert(ev models.SecurityEvent) error {
	if !h.limiter.Allow() {
		return ErrAlertThrottled
	}
	select {
	case h.queue <- ev:
		return nil
	default:
		return ErrAlertQueueFull
	}
}

// Close flushes queued alerts and stops the worker.
func (h *WebhookAlertHook) Close() {
	h.closeOnce.Do(func() { close(h.queue) })
	h.wg.Wait()
}

func (h *WebhookAlertHook) run() {
	defer h.wg.Done()
	for ev := range h.queue {
		if err := h.post(ev); err != nil {
			alertFailures.WithLabelValues(h.Name()).Inc()
			log.Warn().Err(err).Str("component", "alert").Str("event_id", ev.ID).Msg("webhook delivery failed")
		}
	}
}

func (h *WebhookAlertHook) post(ev models.SecurityEvent) error {
	body, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encoding alert: %w", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), webhookTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := h.client.Do(req)
	if err != nil {
		return fmt.Errorf("posting alert: %w", err)
	}
	resp.Body.Close() //nolint:errcheck
	if resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned %d", resp.StatusCode)
	}
	return nil
}
