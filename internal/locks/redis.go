package locks

import (
	"context"
	"crypto/tls"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"golang.org/x/crypto/blake2b"
)

// RedisConfig configures the distributed locker.
type RedisConfig struct {
	Addr          string        `yaml:"addr"`
	Password      string        `yaml:"password"`
	DB            int           `yaml:"db"`
	TLSEnabled    bool          `yaml:"tls_enabled"`
	DialTimeout   time.Duration `yaml:"dial_timeout"`
	KeyPrefix     string        `yaml:"key_prefix"`
	TTL           time.Duration `yaml:"ttl"`
	RetryInterval time.Duration `yaml:"retry_interval"`
}

// DefaultRedisConfig returns the default distributed lock settings.
func DefaultRedisConfig() RedisConfig {
	return RedisConfig{
		Addr:          "localhost:6379",
		DialTimeout:   5 * time.Second,
		KeyPrefix:     "anomaly:lock:",
		TTL:           30 * time.Second,
		RetryInterval: 50 * time.Millisecond,
	}
}

// releaseScript deletes the key only while it still carries our token.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// extendScript resets the expiry only while the key still carries our token.
var extendScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)

// tokenStore holds the lock keys. Every operation is conditional on the
// holder's token.
type tokenStore interface {
	acquire(ctx context.Context, key, token string, ttl time.Duration) (bool, error)
	extend(ctx context.Context, key, token string, ttl time.Duration) (bool, error)
	release(ctx context.Context, key, token string) error
}

type redisStore struct {
	client *redis.Client
}

func (s redisStore) acquire(ctx context.Context, key, token string, ttl time.Duration) (bool, error) {
	return s.client.SetNX(ctx, key, token, ttl).Result()
}

func (s redisStore) extend(ctx context.Context, key, token string, ttl time.Duration) (bool, error) {
	n, err := extendScript.Run(ctx, s.client, []string{key}, token, ttl.Milliseconds()).Int64()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	return n == 1, err
}

func (s redisStore) release(ctx context.Context, key, token string) error {
	err := releaseScript.Run(ctx, s.client, []string{key}, token).Err()
	if errors.Is(err, redis.Nil) {
		return nil
	}
	return err
}

// RedisLocker is a Locker backed by SET NX PX. Keys expire after TTL so a
// crashed holder cannot wedge them; a live holder renews its key every TTL/3
// until it unlocks, so a lock outlives the TTL for as long as its holder runs.
type RedisLocker struct {
	client *redis.Client
	store  tokenStore
	cfg    RedisConfig
	logger *slog.Logger
}

// NewRedisLocker connects to Redis and verifies the connection.
func NewRedisLocker(cfg RedisConfig, logger *slog.Logger) (*RedisLocker, error) {
	opts := &redis.Options{
		Addr:        cfg.Addr,
		Password:    cfg.Password,
		DB:          cfg.DB,
		DialTimeout: cfg.DialTimeout,
	}
	if cfg.TLSEnabled {
		opts.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}
	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	r := newRedisLocker(redisStore{client: client}, cfg, logger)
	r.client = client
	return r, nil
}

func newRedisLocker(store tokenStore, cfg RedisConfig, logger *slog.Logger) *RedisLocker {
	def := DefaultRedisConfig()
	if cfg.TTL <= 0 {
		cfg.TTL = def.TTL
	}
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = def.RetryInterval
	}
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = def.KeyPrefix
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisLocker{store: store, cfg: cfg, logger: logger}
}

// redisKey hashes key so entity identifiers are never stored in clear.
func (r *RedisLocker) redisKey(key string) string {
	sum := blake2b.Sum256([]byte(key))
	return r.cfg.KeyPrefix + hex.EncodeToString(sum[:16])
}

func (r *RedisLocker) try(ctx context.Context, rkey, token string) (bool, error) {
	ok, err := r.store.acquire(ctx, rkey, token, r.cfg.TTL)
	if err != nil {
		return false, fmt.Errorf("locks: acquire %s: %w", rkey, err)
	}
	return ok, nil
}

// hold starts renewing rkey and returns the Unlock that stops renewal and
// releases the key.
func (r *RedisLocker) hold(rkey, token string) Unlock {
	stop := make(chan struct{})
	done := make(chan struct{})
	go r.renew(rkey, token, stop, done)

	var once sync.Once
	return func() {
		once.Do(func() {
			close(stop)
			<-done
			r.release(rkey, token)
		})
	}
}

func (r *RedisLocker) renew(rkey, token string, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	ticker := time.NewTicker(r.cfg.TTL / 3)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
		}
		ctx, cancel := context.WithTimeout(context.Background(), r.cfg.TTL/3)
		ok, err := r.store.extend(ctx, rkey, token, r.cfg.TTL)
		cancel()
		switch {
		case err != nil:
			r.logger.Warn("failed to renew lock", "key", rkey, "error", err)
		case !ok:
			r.logger.Error("lock lost before release", "key", rkey)
			return
		}
	}
}

func (r *RedisLocker) release(rkey, token string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := r.store.release(ctx, rkey, token); err != nil {
		r.logger.Warn("failed to release lock", "key", rkey, "error", err)
	}
}

// Lock implements Locker, polling every RetryInterval until acquired.
func (r *RedisLocker) Lock(ctx context.Context, key string) (Unlock, error) {
	rkey := r.redisKey(key)
	token := uuid.NewString()

	ticker := time.NewTicker(r.cfg.RetryInterval)
	defer ticker.Stop()
	for {
		ok, err := r.try(ctx, rkey, token)
		if err != nil {
			return nil, err
		}
		if ok {
			return r.hold(rkey, token), nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

// TryLock implements Locker.
func (r *RedisLocker) TryLock(ctx context.Context, key string) (Unlock, error) {
	rkey := r.redisKey(key)
	token := uuid.NewString()
	ok, err := r.try(ctx, rkey, token)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrNotAcquired
	}
	return r.hold(rkey, token), nil
}

// Close closes the Redis connection.
func (r *RedisLocker) Close() error {
	if r.client == nil {
		return nil
	}
	return r.client.Close()
}
