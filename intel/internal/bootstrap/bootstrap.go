// Package bootstrap holds the process wiring shared by the netintel binaries:
// logging, env-backed flag defaults, store and lease selection, and the
// metrics listener.
package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/lmittmann/tint"
	"github.com/malbeclabs/netintel/intel/internal/lease"
	"github.com/malbeclabs/netintel/intel/internal/metrics"
	"github.com/malbeclabs/netintel/intel/internal/store"
	"github.com/malbeclabs/netintel/intel/internal/store/memstore"
	"github.com/malbeclabs/netintel/intel/internal/store/pgstore"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
)

const (
	StoreMemory   = "memory"
	StorePostgres = "postgres"

	LeaserStore = "store"
	LeaserRedis = "redis"
)

func NewLogger(verbose bool) *slog.Logger {
	logLevel := slog.LevelInfo
	if verbose {
		logLevel = slog.LevelDebug
	}
	return slog.New(tint.NewHandler(os.Stdout, &tint.Options{
		Level: logLevel,
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			if a.Key == slog.TimeKey {
				a.Value = slog.StringValue(a.Value.Time().UTC().Format("2006-01-02T15:04:05.000Z"))
			}
			if s, ok := a.Value.Any().(string); ok && s == "" {
				return slog.Attr{}
			}
			return a
		},
	}))
}

func Getenv(key, def string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return def
}

func GetenvBool(key string, def bool) bool {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func GetenvDuration(key string, def time.Duration) time.Duration {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def
	}
	return d
}

func SplitCSV(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

type StoreConfig struct {
	Backend     string
	PostgresDSN string
	AutoMigrate bool
}

// OpenStore returns the configured store and a function that releases it.
func OpenStore(ctx context.Context, log *slog.Logger, clock clockwork.Clock, cfg StoreConfig) (store.Store, func(), error) {
	switch cfg.Backend {
	case StoreMemory:
		log.Warn("Using in-memory store, state is lost on exit")
		return memstore.New(clock), func() {}, nil
	case StorePostgres, "":
		if cfg.PostgresDSN == "" {
			return nil, nil, errors.New("postgres dsn is required (set INTEL_POSTGRES_DSN or --postgres-dsn)")
		}
		st, err := pgstore.New(ctx, &pgstore.Config{
			Logger:      log,
			DSN:         cfg.PostgresDSN,
			Clock:       clock,
			AutoMigrate: cfg.AutoMigrate,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open postgres store: %w", err)
		}
		return st, st.Close, nil
	}
	return nil, nil, fmt.Errorf("unknown store backend %q", cfg.Backend)
}

type LeaserConfig struct {
	Backend       string
	RedisAddr     string
	RedisPassword string
	RedisDB       int
}

// OpenLeaser returns a Redis leaser when configured, else the store's own
// claim table.
func OpenLeaser(ctx context.Context, log *slog.Logger, st store.Store, cfg LeaserConfig) (lease.Leaser, func(), error) {
	switch cfg.Backend {
	case LeaserStore, "":
		return st, func() {}, nil
	case LeaserRedis:
		if cfg.RedisAddr == "" {
			return nil, nil, errors.New("redis address is required (set INTEL_REDIS_ADDR or --redis-addr)")
		}
		client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword, DB: cfg.RedisDB})
		if err := client.Ping(ctx).Err(); err != nil {
			_ = client.Close()
			return nil, nil, fmt.Errorf("failed to ping redis: %w", err)
		}
		l, err := lease.NewRedis(client)
		if err != nil {
			_ = client.Close()
			return nil, nil, err
		}
		log.Info("Using redis leases", "addr", cfg.RedisAddr)
		return l, func() { _ = client.Close() }, nil
	}
	return nil, nil, fmt.Errorf("unknown leaser backend %q", cfg.Backend)
}

// BuildInfo is set by each binary from its LDFLAGS.
type BuildInfo struct {
	Component string
	Version   string
	Commit    string
	Date      string
}

// ServeMetrics starts the prometheus listener. An empty addr disables it. The
// returned channel receives the error that stopped the listener.
func ServeMetrics(log *slog.Logger, addr string, info BuildInfo) <-chan error {
	errCh := make(chan error, 1)
	if addr == "" {
		return errCh
	}
	metrics.BuildInfo.WithLabelValues(info.Component, info.Version, info.Commit, info.Date).Set(1)
	go func() {
		listener, err := net.Listen("tcp", addr)
		if err != nil {
			log.Error("Failed to start prometheus metrics server listener", "error", err)
			errCh <- err
			return
		}
		log.Info("Prometheus metrics server listening", "address", listener.Addr().String())
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		if err := http.Serve(listener, mux); err != nil {
			log.Error("Prometheus metrics server stopped", "error", err)
			errCh <- err
		}
	}()
	return errCh
}
