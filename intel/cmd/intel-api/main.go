package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/jonboulle/clockwork"
	flag "github.com/spf13/pflag"

	"github.com/malbeclabs/netintel/intel/internal/api"
	"github.com/malbeclabs/netintel/intel/internal/bootstrap"
	"github.com/malbeclabs/netintel/intel/internal/governance"
)

var (
	// Set by LDFLAGS
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

const shutdownTimeout = 10 * time.Second

type Config struct {
	Verbose bool

	ListenAddr      string
	AdminListenAddr string
	MetricsAddr     string

	StoreBackend string
	PostgresDSN  string
	AutoMigrate  bool
	GateCacheTTL time.Duration
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	_ = godotenv.Load()
	cfg := loadConfig()
	log := bootstrap.NewLogger(cfg.Verbose)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	clock := clockwork.NewRealClock()
	st, closeStore, err := bootstrap.OpenStore(ctx, log, clock, bootstrap.StoreConfig{
		Backend:     cfg.StoreBackend,
		PostgresDSN: cfg.PostgresDSN,
		AutoMigrate: cfg.AutoMigrate,
	})
	if err != nil {
		return err
	}
	defer closeStore()

	gate, err := governance.New(&governance.Config{Logger: log, Store: st, Clock: clock, CacheTTL: cfg.GateCacheTTL})
	if err != nil {
		return fmt.Errorf("failed to create governance gate: %w", err)
	}

	srv, err := api.New(&api.Config{Logger: log, Store: st, Gate: gate, Clock: clock})
	if err != nil {
		return fmt.Errorf("failed to create api server: %w", err)
	}

	metricsErrCh := bootstrap.ServeMetrics(log, cfg.MetricsAddr, bootstrap.BuildInfo{
		Component: "api",
		Version:   version,
		Commit:    commit,
		Date:      date,
	})

	errCh := make(chan error, 2)
	servers := []*http.Server{
		serve(log, "tenant", cfg.ListenAddr, srv.TenantHandler(), errCh),
	}
	if cfg.AdminListenAddr != "" {
		servers = append(servers, serve(log, "admin", cfg.AdminListenAddr, srv.AdminHandler(), errCh))
	} else {
		log.Warn("Admin API disabled, no admin listen address configured")
	}

	select {
	case <-ctx.Done():
		log.Info("Shutting down")
	case err := <-errCh:
		shutdown(log, servers)
		return err
	case err := <-metricsErrCh:
		shutdown(log, servers)
		return fmt.Errorf("metrics server: %w", err)
	}
	shutdown(log, servers)
	return nil
}

func serve(log *slog.Logger, name, addr string, h http.Handler, errCh chan<- error) *http.Server {
	server := &http.Server{
		Addr:              addr,
		Handler:           h,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		listener, err := net.Listen("tcp", addr)
		if err != nil {
			errCh <- fmt.Errorf("%s listener: %w", name, err)
			return
		}
		log.Info("API server listening", "api", name, "address", listener.Addr().String())
		if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("%s server: %w", name, err)
		}
	}()
	return server
}

func shutdown(log *slog.Logger, servers []*http.Server) {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	for _, s := range servers {
		if err := s.Shutdown(ctx); err != nil {
			log.Warn("API server shutdown incomplete", "address", s.Addr, "error", err)
		}
	}
}

func loadConfig() *Config {
	cfg := &Config{}

	flag.BoolVar(&cfg.Verbose, "verbose", bootstrap.GetenvBool("INTEL_VERBOSE", false), "enable debug logging (env: INTEL_VERBOSE)")
	flag.StringVar(&cfg.ListenAddr, "listen-addr", bootstrap.Getenv("INTEL_API_LISTEN_ADDR", "0.0.0.0:8080"), "tenant api listen address (env: INTEL_API_LISTEN_ADDR)")
	flag.StringVar(&cfg.AdminListenAddr, "admin-listen-addr", bootstrap.Getenv("INTEL_ADMIN_LISTEN_ADDR", "127.0.0.1:8081"), "admin api listen address, empty disables (env: INTEL_ADMIN_LISTEN_ADDR)")
	flag.StringVar(&cfg.MetricsAddr, "metrics-addr", bootstrap.Getenv("INTEL_METRICS_ADDR", "0.0.0.0:2112"), "prometheus metrics listen address, empty disables (env: INTEL_METRICS_ADDR)")

	flag.StringVar(&cfg.StoreBackend, "store", bootstrap.Getenv("INTEL_STORE", bootstrap.StorePostgres), "store backend: postgres or memory (env: INTEL_STORE)")
	flag.StringVar(&cfg.PostgresDSN, "postgres-dsn", bootstrap.Getenv("INTEL_POSTGRES_DSN", ""), "postgres connection string (env: INTEL_POSTGRES_DSN)")
	flag.BoolVar(&cfg.AutoMigrate, "auto-migrate", bootstrap.GetenvBool("INTEL_AUTO_MIGRATE", false), "apply schema migrations on startup (env: INTEL_AUTO_MIGRATE)")
	flag.DurationVar(&cfg.GateCacheTTL, "flag-cache-ttl", bootstrap.GetenvDuration("INTEL_FLAG_CACHE_TTL", 0), "feature flag cache ttl (env: INTEL_FLAG_CACHE_TTL)")

	flag.Parse()
	return cfg
}
