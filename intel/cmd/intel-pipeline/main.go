package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/joho/godotenv"
	"github.com/jonboulle/clockwork"
	flag "github.com/spf13/pflag"

	"github.com/malbeclabs/netintel/intel/internal/alert"
	"github.com/malbeclabs/netintel/intel/internal/anomaly"
	"github.com/malbeclabs/netintel/intel/internal/bootstrap"
	"github.com/malbeclabs/netintel/intel/internal/config"
	"github.com/malbeclabs/netintel/intel/internal/export"
	"github.com/malbeclabs/netintel/intel/internal/fingerprint"
	"github.com/malbeclabs/netintel/intel/internal/governance"
	"github.com/malbeclabs/netintel/intel/internal/ingest"
	"github.com/malbeclabs/netintel/intel/internal/lease"
	"github.com/malbeclabs/netintel/intel/internal/narrative"
	"github.com/malbeclabs/netintel/intel/internal/pattern"
	"github.com/malbeclabs/netintel/intel/internal/source"
	"github.com/malbeclabs/netintel/intel/internal/store"
	"github.com/malbeclabs/netintel/intel/internal/worker"
)

var (
	// Set by LDFLAGS
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

type Config struct {
	Stage   string
	Once    bool
	Bucket  string
	Verbose bool

	MetricsAddr  string
	TunablesPath string
	Interval     time.Duration
	Lag          time.Duration

	StoreBackend  string
	PostgresDSN   string
	AutoMigrate   bool
	LeaserBackend string
	RedisAddr     string
	RedisPassword string

	KafkaBrokers    string
	KafkaTopic      string
	KafkaGroup      string
	KafkaAuth       string
	KafkaUser       string
	KafkaPassword   string
	KafkaDisableTLS bool

	ClickHouseAddr     string
	ClickHouseDatabase string
	ClickHouseUsername string
	ClickHousePassword string
	ClickHouseTLS      bool

	SlackWebhookURL string
	SlackChannel    string

	AnthropicAPIKey string
	AnthropicModel  string

	FingerprintSecret string
	GateCacheTTL      time.Duration
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

	tun, err := config.Load(cfg.TunablesPath)
	if err != nil {
		return err
	}
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

	leaser, closeLeaser, err := bootstrap.OpenLeaser(ctx, log, st, bootstrap.LeaserConfig{
		Backend:       cfg.LeaserBackend,
		RedisAddr:     cfg.RedisAddr,
		RedisPassword: cfg.RedisPassword,
	})
	if err != nil {
		return err
	}
	defer closeLeaser()

	gate, err := governance.New(&governance.Config{Logger: log, Store: st, Clock: clock, CacheTTL: cfg.GateCacheTTL})
	if err != nil {
		return fmt.Errorf("failed to create governance gate: %w", err)
	}

	var exporter *export.ClickHouse
	if cfg.ClickHouseAddr != "" {
		exporter, err = export.NewClickHouse(ctx, &export.Config{
			Logger:   log,
			Addr:     cfg.ClickHouseAddr,
			Database: cfg.ClickHouseDatabase,
			Username: cfg.ClickHouseUsername,
			Password: cfg.ClickHousePassword,
			TLS:      cfg.ClickHouseTLS,
		})
		if err != nil {
			return err
		}
		defer func() { _ = exporter.Close() }()
		if err := exporter.EnsureSchema(ctx); err != nil {
			return err
		}
	}

	notifier, err := newNotifier(log, cfg)
	if err != nil {
		return err
	}

	writer, err := narrative.New(&narrative.Config{
		Logger:   log,
		Narrator: newNarrator(log, cfg),
		Timeout:  tun.NarrativeTimeout,
	})
	if err != nil {
		return fmt.Errorf("failed to create narrative writer: %w", err)
	}

	deps := stageDeps{
		log:      log,
		cfg:      cfg,
		tun:      tun,
		clock:    clock,
		store:    st,
		leaser:   leaser,
		gate:     gate,
		exporter: exporter,
		writer:   writer,
	}
	stage, closeStage, err := deps.build()
	if err != nil {
		return err
	}
	defer closeStage()

	interval, lag := stageSchedule(cfg)
	runner, err := worker.NewRunner(&worker.RunnerConfig{
		Logger:   log,
		Clock:    clock,
		Stage:    stage,
		Interval: interval,
		Lag:      lag,
		Notifier: notifier,
	})
	if err != nil {
		return err
	}

	if cfg.Once {
		bucket := clock.Now().UTC().Truncate(time.Hour).Add(-lag)
		if cfg.Bucket != "" {
			bucket, err = time.Parse(time.RFC3339, cfg.Bucket)
			if err != nil {
				return fmt.Errorf("invalid --bucket: %w", err)
			}
			bucket = bucket.UTC().Truncate(time.Hour)
		}
		log.Info("Running stage once", "stage", stage.Name(), "bucket", bucket)
		return runner.RunOnce(ctx, bucket)
	}

	metricsErrCh := bootstrap.ServeMetrics(log, cfg.MetricsAddr, bootstrap.BuildInfo{
		Component: "pipeline-" + stage.Name(),
		Version:   version,
		Commit:    commit,
		Date:      date,
	})

	log.Info("Starting pipeline stage", "stage", stage.Name(), "interval", interval, "lag", lag, "version", version)
	runnerErrCh := runner.Start(ctx)

	select {
	case <-ctx.Done():
		log.Info("Shutting down")
		// Let the in-flight run finish before stores are closed.
		<-runnerErrCh
		return nil
	case err := <-metricsErrCh:
		return fmt.Errorf("metrics server: %w", err)
	case err, ok := <-runnerErrCh:
		if ok && err != nil {
			return fmt.Errorf("runner: %w", err)
		}
		return nil
	}
}

type stageDeps struct {
	log      *slog.Logger
	cfg      *Config
	tun      *config.Tunables
	clock    clockwork.Clock
	store    store.Store
	leaser   lease.Leaser
	gate     *governance.Gate
	exporter *export.ClickHouse
	writer   *narrative.Writer
}

func (d stageDeps) build() (worker.Stage, func(), error) {
	switch d.cfg.Stage {
	case ingest.StageName:
		return d.ingest()
	case anomaly.StageName:
		s, err := anomaly.New(&anomaly.Config{
			Logger:    d.log,
			Store:     d.store,
			Leaser:    d.leaser,
			Gate:      d.gate,
			Narrative: d.writer,
			Tunables:  d.tun,
			Clock:     d.clock,
		})
		if err != nil {
			return nil, nil, err
		}
		return s, s.Close, nil
	case pattern.MineStageName:
		m, err := d.miner()
		if err != nil {
			return nil, nil, err
		}
		return m, m.Close, nil
	case pattern.MatchStageName:
		m, err := d.matcher()
		if err != nil {
			return nil, nil, err
		}
		return m, m.Close, nil
	case pattern.SequenceStageName:
		miner, err := d.miner()
		if err != nil {
			return nil, nil, err
		}
		matcher, err := d.matcher()
		if err != nil {
			miner.Close()
			return nil, nil, err
		}
		seq := &pattern.Sequence{Miner: miner, Matcher: matcher}
		return seq, seq.Close, nil
	}
	return nil, nil, fmt.Errorf("unknown stage %q (want one of: %s, %s, %s, %s, %s)", d.cfg.Stage,
		ingest.StageName, anomaly.StageName, pattern.MineStageName, pattern.MatchStageName, pattern.SequenceStageName)
}

func (d stageDeps) ingest() (worker.Stage, func(), error) {
	if len(d.cfg.FingerprintSecret) == 0 {
		return nil, nil, errors.New("fingerprint secret is required (set INTEL_FINGERPRINT_SECRET)")
	}
	fp, err := fingerprint.New([]byte(d.cfg.FingerprintSecret))
	if err != nil {
		return nil, nil, err
	}
	src, err := source.NewKafka(&source.Config{
		Logger:     d.log,
		Brokers:    bootstrap.SplitCSV(d.cfg.KafkaBrokers),
		Topic:      d.cfg.KafkaTopic,
		Group:      d.cfg.KafkaGroup,
		Auth:       source.AuthType(d.cfg.KafkaAuth),
		User:       d.cfg.KafkaUser,
		Password:   d.cfg.KafkaPassword,
		DisableTLS: d.cfg.KafkaDisableTLS,
	})
	if err != nil {
		fp.Close()
		return nil, nil, err
	}
	cfg := &ingest.Config{
		Logger:        d.log,
		Store:         d.store,
		Leaser:        d.leaser,
		Gate:          d.gate,
		Fingerprinter: fp,
		Source:        src,
		Tunables:      d.tun,
		Clock:         d.clock,
	}
	if d.exporter != nil {
		cfg.Exporter = d.exporter
	}
	s, err := ingest.New(cfg)
	if err != nil {
		src.Close()
		fp.Close()
		return nil, nil, err
	}
	return s, func() {
		s.Close()
		src.Close()
		fp.Close()
	}, nil
}

func (d stageDeps) miner() (*pattern.Miner, error) {
	cfg := &pattern.MinerConfig{
		Logger:   d.log,
		Store:    d.store,
		Leaser:   d.leaser,
		Tunables: d.tun,
		Clock:    d.clock,
	}
	if d.exporter != nil {
		cfg.Exporter = d.exporter
	}
	return pattern.NewMiner(cfg)
}

func (d stageDeps) matcher() (*pattern.Matcher, error) {
	return pattern.NewMatcher(&pattern.MatcherConfig{
		Logger:    d.log,
		Store:     d.store,
		Leaser:    d.leaser,
		Gate:      d.gate,
		Narrative: d.writer,
		Tunables:  d.tun,
		Clock:     d.clock,
	})
}

// stageSchedule returns the configured interval and lag, or the stage's
// defaults. Ingest drains the source continuously; the batch stages run
// hourly over the hour that just closed.
func stageSchedule(cfg *Config) (time.Duration, time.Duration) {
	interval, lag := time.Hour, time.Hour
	if cfg.Stage == ingest.StageName {
		interval, lag = 30*time.Second, 0
	}
	if cfg.Interval > 0 {
		interval = cfg.Interval
	}
	if cfg.Lag >= 0 {
		lag = cfg.Lag
	}
	return interval, lag
}

func newNotifier(log *slog.Logger, cfg *Config) (alert.Notifier, error) {
	notifiers := alert.Multi{alert.NewLog(log)}
	if cfg.SlackWebhookURL != "" {
		s, err := alert.NewSlack(log, cfg.SlackWebhookURL, cfg.SlackChannel)
		if err != nil {
			return nil, err
		}
		notifiers = append(notifiers, s)
	}
	return notifiers, nil
}

func newNarrator(log *slog.Logger, cfg *Config) narrative.Narrator {
	if cfg.AnthropicAPIKey == "" {
		log.Info("No anthropic api key configured, narratives use templates")
		return nil
	}
	return narrative.NewAnthropic(log, cfg.AnthropicAPIKey, anthropic.Model(cfg.AnthropicModel), 0)
}

func loadConfig() *Config {
	cfg := &Config{}

	flag.StringVar(&cfg.Stage, "stage", bootstrap.Getenv("INTEL_STAGE", ""), "stage to run: ingest, detect, mine, match or patterns (env: INTEL_STAGE)")
	flag.BoolVar(&cfg.Once, "once", false, "run a single bucket and exit")
	flag.StringVar(&cfg.Bucket, "bucket", "", "hour bucket for --once, RFC3339 (default: current hour minus lag)")
	flag.BoolVar(&cfg.Verbose, "verbose", bootstrap.GetenvBool("INTEL_VERBOSE", false), "enable debug logging (env: INTEL_VERBOSE)")

	flag.StringVar(&cfg.MetricsAddr, "metrics-addr", bootstrap.Getenv("INTEL_METRICS_ADDR", "0.0.0.0:2112"), "prometheus metrics listen address, empty disables (env: INTEL_METRICS_ADDR)")
	flag.StringVar(&cfg.TunablesPath, "tunables", bootstrap.Getenv("INTEL_TUNABLES", ""), "path to tunables yaml (env: INTEL_TUNABLES)")
	flag.DurationVar(&cfg.Interval, "interval", bootstrap.GetenvDuration("INTEL_INTERVAL", 0), "run interval, 0 uses the stage default (env: INTEL_INTERVAL)")
	flag.DurationVar(&cfg.Lag, "lag", bootstrap.GetenvDuration("INTEL_LAG", -1), "bucket lag behind the current hour, negative uses the stage default (env: INTEL_LAG)")

	flag.StringVar(&cfg.StoreBackend, "store", bootstrap.Getenv("INTEL_STORE", bootstrap.StorePostgres), "store backend: postgres or memory (env: INTEL_STORE)")
	flag.StringVar(&cfg.PostgresDSN, "postgres-dsn", bootstrap.Getenv("INTEL_POSTGRES_DSN", ""), "postgres connection string (env: INTEL_POSTGRES_DSN)")
	flag.BoolVar(&cfg.AutoMigrate, "auto-migrate", bootstrap.GetenvBool("INTEL_AUTO_MIGRATE", false), "apply schema migrations on startup (env: INTEL_AUTO_MIGRATE)")
	flag.StringVar(&cfg.LeaserBackend, "leaser", bootstrap.Getenv("INTEL_LEASER", bootstrap.LeaserStore), "lease backend: store or redis (env: INTEL_LEASER)")
	flag.StringVar(&cfg.RedisAddr, "redis-addr", bootstrap.Getenv("INTEL_REDIS_ADDR", ""), "redis address for leases (env: INTEL_REDIS_ADDR)")
	flag.StringVar(&cfg.RedisPassword, "redis-password", bootstrap.Getenv("INTEL_REDIS_PASSWORD", ""), "redis password (env: INTEL_REDIS_PASSWORD)")

	flag.StringVar(&cfg.KafkaBrokers, "kafka-brokers", bootstrap.Getenv("INTEL_KAFKA_BROKERS", ""), "comma-separated kafka brokers (env: INTEL_KAFKA_BROKERS)")
	flag.StringVar(&cfg.KafkaTopic, "kafka-topic", bootstrap.Getenv("INTEL_KAFKA_TOPIC", "intel-telemetry"), "telemetry topic (env: INTEL_KAFKA_TOPIC)")
	flag.StringVar(&cfg.KafkaGroup, "kafka-group", bootstrap.Getenv("INTEL_KAFKA_GROUP", "intel-ingest"), "consumer group (env: INTEL_KAFKA_GROUP)")
	flag.StringVar(&cfg.KafkaAuth, "kafka-auth", bootstrap.Getenv("INTEL_KAFKA_AUTH", string(source.AuthNone)), "kafka auth: none, scram or iam (env: INTEL_KAFKA_AUTH)")
	flag.StringVar(&cfg.KafkaUser, "kafka-user", bootstrap.Getenv("INTEL_KAFKA_USER", ""), "scram user (env: INTEL_KAFKA_USER)")
	flag.StringVar(&cfg.KafkaPassword, "kafka-password", bootstrap.Getenv("INTEL_KAFKA_PASSWORD", ""), "scram password (env: INTEL_KAFKA_PASSWORD)")
	flag.BoolVar(&cfg.KafkaDisableTLS, "kafka-disable-tls", bootstrap.GetenvBool("INTEL_KAFKA_DISABLE_TLS", false), "disable kafka tls (env: INTEL_KAFKA_DISABLE_TLS)")

	flag.StringVar(&cfg.ClickHouseAddr, "clickhouse-addr", bootstrap.Getenv("CLICKHOUSE_ADDR", ""), "clickhouse address for analytics export, empty disables (env: CLICKHOUSE_ADDR)")
	flag.StringVar(&cfg.ClickHouseDatabase, "clickhouse-database", bootstrap.Getenv("CLICKHOUSE_DATABASE", "default"), "clickhouse database (env: CLICKHOUSE_DATABASE)")
	flag.StringVar(&cfg.ClickHouseUsername, "clickhouse-username", bootstrap.Getenv("CLICKHOUSE_USERNAME", "default"), "clickhouse username (env: CLICKHOUSE_USERNAME)")
	flag.StringVar(&cfg.ClickHousePassword, "clickhouse-password", bootstrap.Getenv("CLICKHOUSE_PASSWORD", ""), "clickhouse password (env: CLICKHOUSE_PASSWORD)")
	flag.BoolVar(&cfg.ClickHouseTLS, "clickhouse-tls", bootstrap.GetenvBool("CLICKHOUSE_TLS", false), "use tls for clickhouse (env: CLICKHOUSE_TLS)")

	flag.StringVar(&cfg.SlackWebhookURL, "slack-webhook-url", bootstrap.Getenv("INTEL_SLACK_WEBHOOK_URL", ""), "slack webhook for run alerts (env: INTEL_SLACK_WEBHOOK_URL)")
	flag.StringVar(&cfg.SlackChannel, "slack-channel", bootstrap.Getenv("INTEL_SLACK_CHANNEL", ""), "slack channel override (env: INTEL_SLACK_CHANNEL)")

	flag.StringVar(&cfg.AnthropicAPIKey, "anthropic-api-key", bootstrap.Getenv("ANTHROPIC_API_KEY", ""), "anthropic api key for narratives, empty uses templates (env: ANTHROPIC_API_KEY)")
	flag.StringVar(&cfg.AnthropicModel, "anthropic-model", bootstrap.Getenv("INTEL_ANTHROPIC_MODEL", ""), "anthropic model (env: INTEL_ANTHROPIC_MODEL)")

	flag.DurationVar(&cfg.GateCacheTTL, "flag-cache-ttl", bootstrap.GetenvDuration("INTEL_FLAG_CACHE_TTL", 0), "feature flag cache ttl (env: INTEL_FLAG_CACHE_TTL)")

	flag.Parse()

	// Never a flag, so it does not show up in process listings.
	cfg.FingerprintSecret = os.Getenv("INTEL_FINGERPRINT_SECRET")

	return cfg
}
