package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"

	"anomaly-engine/internal/anomaly"
)

// Event types carried in the message header and envelope.
const (
	EventAnomalyCreated = "anomaly.created"
	EventAlertRaised    = "alert.raised"
)

// Message is the JSON envelope written to both topics.
type Message struct {
	EventID     string          `json:"event_id"`
	EventType   string          `json:"event_type"`
	Source      string          `json:"source"`
	PublishedAt time.Time       `json:"published_at"`
	ScanID      string          `json:"scan_id,omitempty"`
	Payload     json.RawMessage `json:"payload"`
}

// Publisher maps engine results onto Kafka messages. Anomalies are keyed by
// their open key so updates for one entity stay on one partition.
type Publisher struct {
	producer *Producer
	config   *Config
	logger   *slog.Logger
	now      func() time.Time
}

// NewPublisher connects a producer and, when configured, creates topics.
func NewPublisher(ctx context.Context, config *Config, logger *slog.Logger) (*Publisher, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if config.CreateTopics {
		if err := EnsureTopics(ctx, config, logger); err != nil {
			return nil, err
		}
	}
	producer, err := NewProducer(config, logger)
	if err != nil {
		return nil, err
	}
	return newPublisher(producer, config, logger), nil
}

func newPublisher(p *Producer, config *Config, logger *slog.Logger) *Publisher {
	return &Publisher{producer: p, config: config, logger: logger, now: time.Now}
}

func (p *Publisher) message(topic, eventType, scanID, key string, payload any) (kafka.Message, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return kafka.Message{}, fmt.Errorf("kafka: failed to marshal %s payload: %w", eventType, err)
	}
	env := Message{
		EventID:     uuid.NewString(),
		EventType:   eventType,
		Source:      p.config.ClientID,
		PublishedAt: p.now().UTC(),
		ScanID:      scanID,
		Payload:     body,
	}
	value, err := json.Marshal(env)
	if err != nil {
		return kafka.Message{}, fmt.Errorf("kafka: failed to marshal envelope: %w", err)
	}
	return kafka.Message{
		Topic: topic,
		Key:   []byte(key),
		Value: value,
		Time:  env.PublishedAt,
		Headers: []kafka.Header{
			{Key: "event_type", Value: []byte(eventType)},
		},
	}, nil
}

// PublishAnomalies writes one message per anomaly in a single batch.
func (p *Publisher) PublishAnomalies(ctx context.Context, scanID string, anomalies []anomaly.Anomaly) error {
	if len(anomalies) == 0 {
		return nil
	}
	msgs := make([]kafka.Message, 0, len(anomalies))
	for _, a := range anomalies {
		msg, err := p.message(p.config.AnomalyTopic, EventAnomalyCreated, scanID, a.Key(), a)
		if err != nil {
			return err
		}
		msgs = append(msgs, msg)
	}
	if err := p.producer.Produce(ctx, msgs...); err != nil {
		return err
	}
	p.logger.Debug("published anomalies", "scan_id", scanID, "count", len(msgs), "topic", p.config.AnomalyTopic)
	return nil
}

// PublishAlert writes one alert payload keyed by key.
func (p *Publisher) PublishAlert(ctx context.Context, key string, alert any) error {
	msg, err := p.message(p.config.AlertTopic, EventAlertRaised, "", key, alert)
	if err != nil {
		return err
	}
	return p.producer.Produce(ctx, msg)
}

// Metrics returns the producer counters.
func (p *Publisher) Metrics() Metrics {
	return p.producer.GetMetrics()
}

// Close closes the producer.
func (p *Publisher) Close() error {
	return p.producer.Close()
}
