// Package secrets resolves credential references in configuration values.
// A value of the form "env:NAME" or "file:path" is looked up through the
// matching provider; anything else is a literal.
package secrets

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
)

var (
	// ErrSecretNotFound is returned when a provider has no value for a key.
	ErrSecretNotFound = errors.New("secret not found")

	// ErrUnknownProvider is returned for a reference whose scheme has no provider.
	ErrUnknownProvider = errors.New("unknown secret provider")
)

// Provider looks up secrets by key.
type Provider interface {
	// Name is the reference scheme the provider serves, e.g. "env".
	Name() string
	Get(ctx context.Context, key string) (string, error)
}

// Field names a configuration value that may hold a reference.
type Field struct {
	Name  string
	Value *string
}

// Resolver dispatches references to providers by scheme.
type Resolver struct {
	providers map[string]Provider
	logger    *slog.Logger
}

// NewResolver creates a resolver over providers.
func NewResolver(logger *slog.Logger, providers ...Provider) *Resolver {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Resolver{providers: make(map[string]Provider, len(providers)), logger: logger}
	for _, p := range providers {
		r.providers[p.Name()] = p
	}
	return r
}

// DefaultResolver serves env: references and file: references relative to baseDir.
func DefaultResolver(baseDir string, logger *slog.Logger) *Resolver {
	return NewResolver(logger, NewEnvProvider(), NewFileProvider(baseDir))
}

// ParseRef splits a reference into its scheme and key. Literal values
// return an empty scheme.
func ParseRef(ref string) (scheme, key string) {
	scheme, key, ok := strings.Cut(ref, ":")
	if ok && (scheme == "env" || scheme == "file") {
		return scheme, key
	}
	return "", ref
}

// IsRef reports whether value is a provider reference rather than a literal.
func IsRef(value string) bool {
	scheme, _ := ParseRef(value)
	return scheme != ""
}

// Resolve returns the secret a reference points to, or the value itself
// when it is a literal.
func (r *Resolver) Resolve(ctx context.Context, ref string) (string, error) {
	scheme, key := ParseRef(ref)
	if scheme == "" {
		return ref, nil
	}
	p, ok := r.providers[scheme]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownProvider, scheme)
	}
	value, err := p.Get(ctx, key)
	if err != nil {
		return "", fmt.Errorf("%s:%s: %w", scheme, key, err)
	}
	return value, nil
}

// ResolveFields replaces every referenced field in place and returns the
// names of non-empty fields that held literals. Failures for all fields
// are reported together.
func (r *Resolver) ResolveFields(ctx context.Context, fields []Field) (literals []string, err error) {
	var errs []error
	for _, f := range fields {
		if f.Value == nil || *f.Value == "" {
			continue
		}
		if !IsRef(*f.Value) {
			literals = append(literals, f.Name)
			continue
		}
		value, rerr := r.Resolve(ctx, *f.Value)
		if rerr != nil {
			errs = append(errs, fmt.Errorf("%s: %w", f.Name, rerr))
			continue
		}
		*f.Value = value
		r.logger.Debug("secret resolved", "field", f.Name)
	}
	return literals, errors.Join(errs...)
}
