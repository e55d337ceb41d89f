package secrets

import (
	"context"
	"os"
	"strings"
)

// EnvProvider reads secrets from environment variables.
type EnvProvider struct{}

// NewEnvProvider creates an environment variable provider.
func NewEnvProvider() *EnvProvider {
	return &EnvProvider{}
}

func (e *EnvProvider) Name() string {
	return "env"
}

// Get looks up the key as given, then in its normalized ANOMALY_ form.
func (e *EnvProvider) Get(ctx context.Context, key string) (string, error) {
	if value := os.Getenv(key); value != "" {
		return value, nil
	}
	if value := os.Getenv(normalizeEnvKey(key)); value != "" {
		return value, nil
	}
	return "", ErrSecretNotFound
}

// normalizeEnvKey converts a key to uppercase environment variable format.
// Examples:
//   - "clickhouse.password" -> "ANOMALY_CLICKHOUSE_PASSWORD"
//   - "ANOMALY_REDIS_PASSWORD" -> "ANOMALY_REDIS_PASSWORD"
func normalizeEnvKey(key string) string {
	normalized := strings.ToUpper(key)
	normalized = strings.ReplaceAll(normalized, ".", "_")
	normalized = strings.ReplaceAll(normalized, "-", "_")
	if !strings.HasPrefix(normalized, "ANOMALY_") {
		normalized = "ANOMALY_" + normalized
	}
	return normalized
}
