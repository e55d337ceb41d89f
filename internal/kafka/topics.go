package kafka

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"strconv"

	"github.com/segmentio/kafka-go"
)

// EnsureTopics creates the anomaly and alert topics when they do not exist.
func EnsureTopics(ctx context.Context, config *Config, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}
	dialer, err := config.GetDialer()
	if err != nil {
		return err
	}

	conn, err := dialer.DialContext(ctx, "tcp", config.Brokers[0])
	if err != nil {
		return fmt.Errorf("kafka: failed to connect to broker: %w", err)
	}
	defer conn.Close()

	partitions, err := conn.ReadPartitions()
	if err != nil {
		return fmt.Errorf("kafka: failed to read partitions: %w", err)
	}
	existing := make(map[string]bool, len(partitions))
	for _, p := range partitions {
		existing[p.Topic] = true
	}

	missing := missingTopics(existing, config.AnomalyTopic, config.AlertTopic)
	if len(missing) == 0 {
		return nil
	}

	controller, err := conn.Controller()
	if err != nil {
		return fmt.Errorf("kafka: failed to get controller: %w", err)
	}
	ctrl, err := dialer.DialContext(ctx, "tcp", net.JoinHostPort(controller.Host, strconv.Itoa(controller.Port)))
	if err != nil {
		return fmt.Errorf("kafka: failed to connect to controller: %w", err)
	}
	defer ctrl.Close()

	configs := make([]kafka.TopicConfig, 0, len(missing))
	for _, topic := range missing {
		configs = append(configs, kafka.TopicConfig{
			Topic:             topic,
			NumPartitions:     config.Partitions,
			ReplicationFactor: config.ReplicationFactor,
			ConfigEntries: []kafka.ConfigEntry{
				{ConfigName: "retention.ms", ConfigValue: strconv.FormatInt(config.RetentionMs, 10)},
			},
		})
	}
	if err := ctrl.CreateTopics(configs...); err != nil {
		return fmt.Errorf("kafka: failed to create topics %v: %w", missing, err)
	}

	logger.Info("kafka topics created",
		"topics", missing,
		"partitions", config.Partitions,
		"replication_factor", config.ReplicationFactor,
	)
	return nil
}

func missingTopics(existing map[string]bool, topics ...string) []string {
	var missing []string
	seen := make(map[string]bool)
	for _, t := range topics {
		if t == "" || existing[t] || seen[t] {
			continue
		}
		seen[t] = true
		missing = append(missing, t)
	}
	return missing
}
