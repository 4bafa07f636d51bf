// Package export mirrors identity-free cohort aggregates to ClickHouse for
// dashboards. Only baselines and pattern signatures are exported; nothing
// tenant-scoped ever leaves the primary store.
package export

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"github.com/malbeclabs/netintel/intel/internal/domain"
	"github.com/malbeclabs/netintel/intel/internal/metrics"
)

const (
	baselinesTable = "cohort_baselines"
	patternsTable  = "pattern_signatures"
)

var schema = []string{
	`CREATE TABLE IF NOT EXISTS cohort_baselines (
		cohort_key  LowCardinality(String),
		metric      LowCardinality(String),
		period      LowCardinality(String),
		window_end  DateTime64(3, 'UTC'),
		mean        Float64,
		variance    Float64,
		stddev      Float64,
		p50         Float64,
		p90         Float64,
		members     UInt32,
		samples     UInt32,
		computed_at DateTime64(3, 'UTC')
	) ENGINE = ReplacingMergeTree(computed_at)
	ORDER BY (cohort_key, metric, period, window_end)`,
	`CREATE TABLE IF NOT EXISTS pattern_signatures (
		id             String,
		version        Int64,
		cohort_key     LowCardinality(String),
		window_seconds Int64,
		kinds          Array(String),
		features       Array(Float64),
		support        UInt32,
		observations   UInt32,
		description    String,
		updated_at     DateTime64(3, 'UTC')
	) ENGINE = ReplacingMergeTree(updated_at)
	ORDER BY (id, version)`,
}

type Config struct {
	Logger   *slog.Logger
	Addr     string
	Database string
	Username string
	Password string
	TLS      bool
}

func (c *Config) Validate() error {
	if c.Logger == nil {
		return errors.New("logger is required")
	}
	if c.Addr == "" {
		return errors.New("addr is required")
	}
	if c.Database == "" {
		c.Database = "default"
	}
	if c.Username == "" {
		c.Username = "default"
	}
	return nil
}

// ClickHouse writes baselines and patterns with batch inserts. Tables use
// ReplacingMergeTree on the natural key so that re-exports converge.
type ClickHouse struct {
	log  *slog.Logger
	conn driver.Conn
}

func NewClickHouse(ctx context.Context, cfg *Config) (*ClickHouse, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("failed to validate config: %w", err)
	}
	opts := &clickhouse.Options{
		Addr: []string{cfg.Addr},
		Auth: clickhouse.Auth{
			Database: cfg.Database,
			Username: cfg.Username,
			Password: cfg.Password,
		},
		Settings: clickhouse.Settings{
			"max_execution_time": 60,
		},
		DialTimeout: 5 * time.Second,
	}
	if cfg.TLS {
		opts.TLS = &tls.Config{}
	}
	conn, err := clickhouse.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open ClickHouse connection: %w", err)
	}
	if err := conn.Ping(ctx); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping ClickHouse: %w", err)
	}
	cfg.Logger.Info("ClickHouse exporter initialized", "addr", cfg.Addr, "database", cfg.Database)
	return &ClickHouse{log: cfg.Logger, conn: conn}, nil
}

func (c *ClickHouse) EnsureSchema(ctx context.Context) error {
	for _, stmt := range schema {
		if err := c.conn.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("failed to create table: %w", err)
		}
	}
	return nil
}

func (c *ClickHouse) ExportBaselines(ctx context.Context, baselines []domain.CohortBaseline) error {
	if len(baselines) == 0 {
		return nil
	}
	err := c.send(ctx, baselinesTable, `INSERT INTO cohort_baselines (
		cohort_key, metric, period, window_end, mean, variance, stddev, p50, p90, members, samples, computed_at
	)`, func(batch driver.Batch) error {
		for _, b := range baselines {
			if err := batch.Append(
				string(b.CohortKey),
				string(b.Metric),
				b.Period,
				b.WindowEnd,
				b.Mean,
				b.Variance,
				b.Stddev,
				b.P50,
				b.P90,
				uint32(b.Members),
				uint32(b.Samples),
				b.ComputedAt,
			); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	metrics.ExportRows.WithLabelValues(baselinesTable, "ok").Add(float64(len(baselines)))
	return nil
}

func (c *ClickHouse) ExportPatterns(ctx context.Context, patterns []domain.PatternSignature) error {
	if len(patterns) == 0 {
		return nil
	}
	err := c.send(ctx, patternsTable, `INSERT INTO pattern_signatures (
		id, version, cohort_key, window_seconds, kinds, features, support, observations, description, updated_at
	)`, func(batch driver.Batch) error {
		for _, p := range patterns {
			kinds := make([]string, len(p.Kinds))
			for i, k := range p.Kinds {
				kinds[i] = string(k)
			}
			if err := batch.Append(
				p.ID,
				p.Version,
				string(p.CohortKey),
				int64(p.Window/time.Second),
				kinds,
				p.Features.Slice(),
				uint32(p.Support),
				uint32(p.Observations),
				p.Description,
				p.UpdatedAt,
			); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	metrics.ExportRows.WithLabelValues(patternsTable, "ok").Add(float64(len(patterns)))
	return nil
}

func (c *ClickHouse) send(ctx context.Context, table, query string, fill func(driver.Batch) error) error {
	batch, err := c.conn.PrepareBatch(ctx, query)
	if err != nil {
		metrics.ExportRows.WithLabelValues(table, "error").Inc()
		return fmt.Errorf("error beginning clickhouse batch: %w", err)
	}
	if err := fill(batch); err != nil {
		_ = batch.Abort()
		metrics.ExportRows.WithLabelValues(table, "error").Inc()
		return fmt.Errorf("error appending to clickhouse batch: %w", err)
	}
	if err := batch.Send(); err != nil {
		_ = batch.Close()
		metrics.ExportRows.WithLabelValues(table, "error").Inc()
		return fmt.Errorf("error sending clickhouse batch: %w", err)
	}
	c.log.Debug("Sent rows to clickhouse", "table", table)
	return nil
}

func (c *ClickHouse) Close() error {
	return c.conn.Close()
}
