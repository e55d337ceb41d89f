package reporting

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	apperrors "anomaly-engine/internal/errors"
)

// Notifier delivers a raised alert to one destination.
type Notifier interface {
	Name() string
	Notify(ctx context.Context, alert Alert) error
}

// WebhookConfig configures the webhook notifier.
type WebhookConfig struct {
	URL     string            `yaml:"url"`
	Headers map[string]string `yaml:"headers"`
	Timeout time.Duration     `yaml:"timeout"`
}

// DefaultWebhookConfig returns a 10 second request timeout.
func DefaultWebhookConfig() WebhookConfig {
	return WebhookConfig{Timeout: 10 * time.Second}
}

// WebhookNotifier posts alerts as JSON.
type WebhookNotifier struct {
	url     string
	headers map[string]string
	client  *http.Client
}

// NewWebhookNotifier creates a webhook notifier.
func NewWebhookNotifier(cfg WebhookConfig) *WebhookNotifier {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultWebhookConfig().Timeout
	}
	return &WebhookNotifier{
		url:     cfg.URL,
		headers: cfg.Headers,
		client:  &http.Client{Timeout: timeout},
	}
}

func (w *WebhookNotifier) Name() string {
	return "webhook"
}

func (w *WebhookNotifier) Notify(ctx context.Context, alert Alert) error {
	payload, err := json.Marshal(alert)
	if err != nil {
		return fmt.Errorf("failed to marshal alert: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "anomaly-engine")
	for k, v := range w.headers {
		req.Header.Set(k, v)
	}

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("webhook request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("webhook returned %d: %s", resp.StatusCode, string(body))
	}
	return nil
}

// AlertPublisher publishes an alert payload under a key.
type AlertPublisher interface {
	PublishAlert(ctx context.Context, key string, alert any) error
}

// KafkaNotifier forwards alerts to the alert topic keyed by KPI.
type KafkaNotifier struct {
	publisher AlertPublisher
}

// NewKafkaNotifier wraps publisher.
func NewKafkaNotifier(publisher AlertPublisher) *KafkaNotifier {
	return &KafkaNotifier{publisher: publisher}
}

func (k *KafkaNotifier) Name() string {
	return "kafka"
}

func (k *KafkaNotifier) Notify(ctx context.Context, alert Alert) error {
	return k.publisher.PublishAlert(ctx, alert.KPI, alert)
}

// DeliveryStatus is the final state of one alert delivery.
type DeliveryStatus string

const (
	DeliverySent   DeliveryStatus = "sent"
	DeliveryFailed DeliveryStatus = "failed"
)

// Delivery records the outcome of delivering one alert to one notifier.
type Delivery struct {
	AlertID   string         `json:"alert_id"`
	Notifier  string         `json:"notifier"`
	Status    DeliveryStatus `json:"status"`
	Attempts  int            `json:"attempts"`
	LastError string         `json:"last_error,omitempty"`
}

// DeliveryConfig configures retries.
type DeliveryConfig struct {
	MaxAttempts    int           `yaml:"max_attempts"`
	InitialBackoff time.Duration `yaml:"initial_backoff"`
	MaxBackoff     time.Duration `yaml:"max_backoff"`
	BackoffFactor  float64       `yaml:"backoff_factor"`
	AttemptTimeout time.Duration `yaml:"attempt_timeout"`
}

// DefaultDeliveryConfig returns 3 attempts with 1s doubling backoff.
func DefaultDeliveryConfig() DeliveryConfig {
	return DeliveryConfig{
		MaxAttempts:    3,
		InitialBackoff: time.Second,
		MaxBackoff:     30 * time.Second,
		BackoffFactor:  2.0,
		AttemptTimeout: 10 * time.Second,
	}
}

// Dispatcher delivers alerts to every notifier with retry. Delivery is
// synchronous: the engine is a batch job and reports outcomes in the summary.
type Dispatcher struct {
	config    DeliveryConfig
	notifiers []Notifier
	logger    *slog.Logger
	onRaised  func(Alert)
}

// NewDispatcher creates a dispatcher.
func NewDispatcher(cfg DeliveryConfig, notifiers []Notifier, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	def := DefaultDeliveryConfig()
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = def.MaxAttempts
	}
	if cfg.BackoffFactor < 1 {
		cfg.BackoffFactor = def.BackoffFactor
	}
	if cfg.AttemptTimeout <= 0 {
		cfg.AttemptTimeout = def.AttemptTimeout
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = def.MaxBackoff
	}
	return &Dispatcher{config: cfg, notifiers: notifiers, logger: logger}
}

// OnRaised registers a callback invoked once per dispatched alert.
func (d *Dispatcher) OnRaised(fn func(Alert)) {
	d.onRaised = fn
}

// Dispatch delivers every alert to every notifier and returns the outcomes.
func (d *Dispatcher) Dispatch(ctx context.Context, alerts []Alert) []Delivery {
	var deliveries []Delivery
	for _, alert := range alerts {
		if d.onRaised != nil {
			d.onRaised(alert)
		}
		for _, n := range d.notifiers {
			deliveries = append(deliveries, d.deliver(ctx, n, alert))
		}
	}
	return deliveries
}

func (d *Dispatcher) deliver(ctx context.Context, n Notifier, alert Alert) Delivery {
	rec := Delivery{AlertID: alert.ID, Notifier: n.Name()}
	backoff := d.config.InitialBackoff

	for attempt := 1; attempt <= d.config.MaxAttempts; attempt++ {
		rec.Attempts = attempt

		attemptCtx, cancel := context.WithTimeout(ctx, d.config.AttemptTimeout)
		err := n.Notify(attemptCtx, alert)
		cancel()

		if err == nil {
			rec.Status = DeliverySent
			rec.LastError = ""
			d.logger.Debug("alert delivered", "notifier", n.Name(), "alert", alert.Name, "attempts", attempt)
			return rec
		}

		rec.LastError = apperrors.SanitizeString(err.Error())
		d.logger.Warn("alert delivery failed",
			"notifier", n.Name(),
			"alert", alert.Name,
			"attempt", attempt,
			"max_attempts", d.config.MaxAttempts,
			"error", err,
		)

		if attempt == d.config.MaxAttempts {
			break
		}
		select {
		case <-ctx.Done():
			rec.Status = DeliveryFailed
			rec.LastError = "context cancelled"
			return rec
		case <-time.After(backoff):
		}
		backoff = time.Duration(float64(backoff) * d.config.BackoffFactor)
		if backoff > d.config.MaxBackoff {
			backoff = d.config.MaxBackoff
		}
	}

	rec.Status = DeliveryFailed
	d.logger.Error("alert delivery gave up",
		"notifier", n.Name(),
		"alert", alert.Name,
		"attempts", rec.Attempts,
		"error", rec.LastError,
	)
	return rec
}
