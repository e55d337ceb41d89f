package secrets

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// FileProvider reads secrets from files, as mounted by Docker or Kubernetes.
type FileProvider struct {
	baseDir string
}

// NewFileProvider creates a provider resolving relative keys against baseDir.
func NewFileProvider(baseDir string) *FileProvider {
	return &FileProvider{baseDir: baseDir}
}

func (f *FileProvider) Name() string {
	return "file"
}

// Get reads the file named by key. Trailing newlines are trimmed.
func (f *FileProvider) Get(ctx context.Context, key string) (string, error) {
	path := key
	if !filepath.IsAbs(path) {
		path = filepath.Join(f.baseDir, keyToFilename(key))
	}

	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return "", ErrSecretNotFound
	}
	if err != nil {
		return "", fmt.Errorf("failed to read secret file: %w", err)
	}

	value := strings.TrimRight(string(data), "\n\r")
	if value == "" {
		return "", ErrSecretNotFound
	}
	return value, nil
}

// keyToFilename converts a relative key to a safe filename.
// Examples:
//   - "clickhouse/password" -> "clickhouse_password"
//   - "../../etc/passwd" -> "______etc_passwd"
func keyToFilename(key string) string {
	filename := strings.ReplaceAll(key, "/", "_")
	filename = strings.ReplaceAll(filename, ".", "_")
	filename = strings.ReplaceAll(filename, "-", "_")
	return strings.ToLower(filename)
}
