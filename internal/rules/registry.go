package rules

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Store persists rule definitions.
type Store interface {
	SaveRule(ctx context.Context, rule DetectionRule) error
	ListRules(ctx context.Context) ([]DetectionRule, error)
}

// ListOptions filters List results.
type ListOptions struct {
	Category   Category
	ActiveOnly bool
}

// Registry holds detection rules keyed by unique name.
type Registry struct {
	mu     sync.RWMutex
	byName map[string]DetectionRule
	byID   map[string]string
	store  Store
	now    func() time.Time
}

// NewRegistry creates a registry. store may be nil for an in-memory registry.
func NewRegistry(store Store) *Registry {
	return &Registry{
		byName: make(map[string]DetectionRule),
		byID:   make(map[string]string),
		store:  store,
		now:    time.Now,
	}
}

func nameKey(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

// Create validates and registers a rule. Names are unique case-insensitively.
func (r *Registry) Create(ctx context.Context, rule DetectionRule) (DetectionRule, error) {
	rule = rule.WithDefaults()
	if err := Validate(rule); err != nil {
		return DetectionRule{}, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	key := nameKey(rule.Name)
	if _, exists := r.byName[key]; exists {
		return DetectionRule{}, newConfigurationError(rule.Name, "name", "a rule with this name already exists")
	}
	if rule.ID == "" {
		rule.ID = uuid.New().String()
	}
	if _, exists := r.byID[rule.ID]; exists {
		return DetectionRule{}, newConfigurationError(rule.Name, "id", "a rule with this id already exists")
	}

	now := r.now().UTC()
	if rule.CreatedAt.IsZero() {
		rule.CreatedAt = now
	}
	rule.UpdatedAt = now

	if r.store != nil {
		if err := r.store.SaveRule(ctx, rule); err != nil {
			return DetectionRule{}, fmt.Errorf("failed to persist rule %q: %w", rule.Name, err)
		}
	}

	r.byName[key] = rule
	r.byID[rule.ID] = key

	slog.Debug("rule registered",
		"rule", rule.Name,
		"category", rule.Category,
		"method", rule.Method,
		"active", rule.Active,
	)
	return rule, nil
}

// CreateAll registers rules in order, stopping at the first error.
func (r *Registry) CreateAll(ctx context.Context, rules []DetectionRule) error {
	for _, rule := range rules {
		if _, err := r.Create(ctx, rule); err != nil {
			return err
		}
	}
	return nil
}

// Get returns the rule with the given name.
func (r *Registry) Get(name string) (DetectionRule, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rule, ok := r.byName[nameKey(name)]
	if !ok {
		return DetectionRule{}, fmt.Errorf("%w: %s", ErrRuleNotFound, name)
	}
	return rule, nil
}

// GetByID returns the rule with the given identifier.
func (r *Registry) GetByID(id string) (DetectionRule, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	key, ok := r.byID[id]
	if !ok {
		return DetectionRule{}, fmt.Errorf("%w: id=%s", ErrRuleNotFound, id)
	}
	return r.byName[key], nil
}

// List returns copies of the matching rules ordered by name.
func (r *Registry) List(opts ListOptions) []DetectionRule {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]DetectionRule, 0, len(r.byName))
	for _, rule := range r.byName {
		if opts.Category != "" && rule.Category != opts.Category {
			continue
		}
		if opts.ActiveOnly && !rule.Active {
			continue
		}
		out = append(out, rule)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Name < out[j].Name
	})
	return out
}

// SetActive toggles a rule's active flag.
func (r *Registry) SetActive(ctx context.Context, name string, active bool) (DetectionRule, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := nameKey(name)
	rule, ok := r.byName[key]
	if !ok {
		return DetectionRule{}, fmt.Errorf("%w: %s", ErrRuleNotFound, name)
	}
	rule.Active = active
	rule.UpdatedAt = r.now().UTC()

	if r.store != nil {
		if err := r.store.SaveRule(ctx, rule); err != nil {
			return DetectionRule{}, fmt.Errorf("failed to persist rule %q: %w", rule.Name, err)
		}
	}
	r.byName[key] = rule

	slog.Info("rule active flag changed", "rule", rule.Name, "active", active)
	return rule, nil
}

// Load hydrates the registry from its store. Rules already registered by name are kept.
func (r *Registry) Load(ctx context.Context) (int, error) {
	if r.store == nil {
		return 0, nil
	}
	stored, err := r.store.ListRules(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to load rules: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	loaded := 0
	for _, rule := range stored {
		rule = rule.WithDefaults()
		if err := Validate(rule); err != nil {
			slog.Warn("skipping invalid stored rule", "rule", rule.Name, "error", err)
			continue
		}
		key := nameKey(rule.Name)
		if _, exists := r.byName[key]; exists {
			continue
		}
		r.byName[key] = rule
		r.byID[rule.ID] = key
		loaded++
	}
	return loaded, nil
}

// LoadFiles parses YAML rule files and directories.
func LoadFiles(paths []string) ([]DetectionRule, error) {
	var out []DetectionRule
	for _, path := range paths {
		files, err := CollectYAMLFiles(path)
		if err != nil {
			return nil, err
		}
		for _, f := range files {
			data, err := os.ReadFile(f)
			if err != nil {
				return nil, fmt.Errorf("failed to read rule file %s: %w", f, err)
			}
			parsed, err := ParseRules(data)
			if err != nil {
				return nil, fmt.Errorf("%s: %w", f, err)
			}
			out = append(out, parsed...)
		}
	}
	return out, nil
}

// CollectYAMLFiles returns the .yaml/.yml files under path, or path itself when it is a file.
func CollectYAMLFiles(path string) ([]string, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	if !info.IsDir() {
		return []string{path}, nil
	}

	var files []string
	err = filepath.Walk(path, func(p string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			return nil
		}
		ext := strings.ToLower(filepath.Ext(p))
		if ext == ".yaml" || ext == ".yml" {
			files = append(files, p)
		}
		return nil
	})
	sort.Strings(files)
	return files, err
}
