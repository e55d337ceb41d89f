package storage

import (
	"context"
	"crypto/tls"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
)

// defaultMaxExecutionTime caps server-side query time in seconds. Dataset
// scans over a long baseline window are the slowest statements the engine runs.
const defaultMaxExecutionTime = 120

// ClickHouseConfig configures one ClickHouse connection pool. The anomaly
// store and the dataset source each carry their own, so detection can read
// from an analytics cluster while anomalies live elsewhere.
type ClickHouseConfig struct {
	Hosts            []string      `yaml:"hosts"`
	Database         string        `yaml:"database"`
	Username         string        `yaml:"username"`
	Password         string        `yaml:"password"`
	MaxOpenConns     int           `yaml:"max_open_conns"`
	MaxIdleConns     int           `yaml:"max_idle_conns"`
	ConnMaxLifetime  time.Duration `yaml:"conn_max_lifetime"`
	TLSEnabled       bool          `yaml:"tls_enabled"`
	DialTimeout      time.Duration `yaml:"dial_timeout"`
	MaxExecutionTime int           `yaml:"max_execution_time"`
	Debug            bool          `yaml:"debug"`
}

// DefaultClickHouseConfig returns a local single-node pool on the "anomaly" database.
func DefaultClickHouseConfig() ClickHouseConfig {
	return ClickHouseConfig{
		Hosts:            []string{"localhost:9000"},
		Database:         "anomaly",
		Username:         "default",
		MaxOpenConns:     10,
		MaxIdleConns:     5,
		ConnMaxLifetime:  time.Hour,
		DialTimeout:      10 * time.Second,
		MaxExecutionTime: defaultMaxExecutionTime,
	}
}

func (cfg ClickHouseConfig) options() *clickhouse.Options {
	maxExec := cfg.MaxExecutionTime
	if maxExec <= 0 {
		maxExec = defaultMaxExecutionTime
	}
	opts := &clickhouse.Options{
		Addr: cfg.Hosts,
		Auth: clickhouse.Auth{
			Database: cfg.Database,
			Username: cfg.Username,
			Password: cfg.Password,
		},
		Settings:        clickhouse.Settings{"max_execution_time": maxExec},
		Compression:     &clickhouse.Compression{Method: clickhouse.CompressionZSTD},
		DialTimeout:     cfg.DialTimeout,
		MaxOpenConns:    cfg.MaxOpenConns,
		MaxIdleConns:    cfg.MaxIdleConns,
		ConnMaxLifetime: cfg.ConnMaxLifetime,
		Debug:           cfg.Debug,
	}
	if cfg.TLSEnabled {
		opts.TLS = &tls.Config{MinVersion: tls.VersionTLS12}
	}
	return opts
}

// ClickHouseClient is a native-protocol pool. It satisfies Conn, which is all
// the repositories, DatasetSource, Migrator and RetentionManager need.
type ClickHouseClient struct {
	conn driver.Conn
}

// NewClickHouseClient opens the pool and pings it, so a bad address or
// credential fails engine start-up instead of the first scan.
func NewClickHouseClient(cfg ClickHouseConfig) (*ClickHouseClient, error) {
	conn, err := clickhouse.Open(cfg.options())
	if err != nil {
		return nil, WrapConnectionError("Open", err)
	}

	timeout := cfg.DialTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := conn.Ping(ctx); err != nil {
		conn.Close()
		return nil, WrapConnectionError("Ping", err)
	}
	return &ClickHouseClient{conn: conn}, nil
}

func (c *ClickHouseClient) Close() error {
	return c.conn.Close()
}

// Exec runs DDL, migrations, TTL changes and versioned row inserts.
func (c *ClickHouseClient) Exec(ctx context.Context, query string, args ...any) error {
	return c.conn.Exec(ctx, query, args...)
}

// Query backs every read; single-row lookups scan at most one row from it.
func (c *ClickHouseClient) Query(ctx context.Context, query string, args ...any) (driver.Rows, error) {
	return c.conn.Query(ctx, query, args...)
}
