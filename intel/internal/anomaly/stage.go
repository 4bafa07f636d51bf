package anomaly

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/alitto/pond/v2"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/malbeclabs/netintel/intel/internal/config"
	"github.com/malbeclabs/netintel/intel/internal/domain"
	"github.com/malbeclabs/netintel/intel/internal/lease"
	"github.com/malbeclabs/netintel/intel/internal/metrics"
	"github.com/malbeclabs/netintel/intel/internal/narrative"
	"github.com/malbeclabs/netintel/intel/internal/retry"
	"github.com/malbeclabs/netintel/intel/internal/store"
)

const StageName = "detect"

type Store interface {
	store.TelemetryStore
	store.BenchmarkStore
	store.AnomalyStore
	store.ReviewStore
}

type Gate interface {
	Flags(ctx context.Context, tenant domain.TenantID) (domain.FlagSet, error)
}

type Config struct {
	Logger    *slog.Logger
	Store     Store
	Leaser    lease.Leaser
	Gate      Gate
	Narrative *narrative.Writer
	Tunables  *config.Tunables
	Clock     clockwork.Clock
	Owner     string
}

func (c *Config) Validate() error {
	if c.Logger == nil {
		return errors.New("logger is required")
	}
	if c.Store == nil {
		return errors.New("store is required")
	}
	if c.Leaser == nil {
		return errors.New("leaser is required")
	}
	if c.Gate == nil {
		return errors.New("gate is required")
	}
	if c.Tunables == nil {
		c.Tunables = config.Default()
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Owner == "" {
		c.Owner = uuid.NewString()
	}
	return nil
}

type Stage struct {
	log      *slog.Logger
	cfg      *Config
	detector *Detector
	pool     pond.ResultPool[string]
}

func New(cfg *Config) (*Stage, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("failed to validate config: %w", err)
	}
	return &Stage{
		log:      cfg.Logger.With("stage", StageName),
		cfg:      cfg,
		detector: NewDetector(cfg.Tunables),
		pool:     pond.NewResultPool[string](cfg.Tunables.PoolSize),
	}, nil
}

func (s *Stage) Name() string { return StageName }

func (s *Stage) Close() { s.pool.StopAndWait() }

const (
	outcomeDetected  = "detected"
	outcomeDenied    = "denied"
	outcomeContended = "contended"
	outcomeReview    = "review"
)

// Run detects anomalies for every tenant with telemetry at bucket. Tenants
// without fresh telemetry are not processed.
func (s *Stage) Run(ctx context.Context, bucket time.Time) error {
	bucket = bucket.UTC().Truncate(time.Hour)
	tenants, err := retry.Value(ctx, s.log, s.cfg.Tunables.Retry, "list tenants", func(ctx context.Context) ([]domain.TenantID, error) {
		return s.cfg.Store.TenantsWithTelemetry(ctx, bucket)
	})
	if err != nil {
		return fmt.Errorf("%w: list tenants with telemetry: %w", domain.ErrSystemic, err)
	}

	group := s.pool.NewGroupContext(ctx)
	for _, tenant := range tenants {
		group.Submit(func() string {
			return s.detectTenant(ctx, tenant, bucket)
		})
	}
	results, err := group.Wait()
	if err != nil {
		return fmt.Errorf("detect units: %w", err)
	}
	counts := make(map[string]int)
	for _, r := range results {
		counts[r]++
		metrics.StageUnits.WithLabelValues(StageName, r).Inc()
	}
	s.log.Info("Detection run complete", "bucket", bucket, "tenants", len(tenants),
		"detected", counts[outcomeDetected], "denied", counts[outcomeDenied],
		"contended", counts[outcomeContended], "review", counts[outcomeReview])
	return nil
}

func (s *Stage) detectTenant(ctx context.Context, tenant domain.TenantID, bucket time.Time) string {
	log := s.log.With("tenant", tenant, "bucket", bucket)
	flags, err := s.cfg.Gate.Flags(ctx, tenant)
	if err != nil {
		log.Warn("Failed to read flags, skipping tenant", "error", err)
		return outcomeDenied
	}
	if !flags.AnomalyDetectionEnabled {
		log.Debug("Anomaly detection disabled, skipping tenant")
		return outcomeDenied
	}

	outcome := outcomeDetected
	ran, err := lease.With(ctx, s.cfg.Leaser, lease.Key(StageName, string(tenant), bucket), s.cfg.Owner, s.cfg.Tunables.LeaseTTL, func() error {
		return retry.Do(ctx, log, s.cfg.Tunables.Retry, "detect", func(ctx context.Context) error {
			signals, err := s.Detect(ctx, tenant, bucket, flags)
			if err != nil {
				return err
			}
			if err := s.cfg.Store.ReplaceAnomalies(ctx, tenant, bucket, signals); err != nil {
				return err
			}
			for _, sig := range signals {
				metrics.AnomaliesDetected.WithLabelValues(string(sig.Kind), string(sig.Severity)).Inc()
			}
			log.Debug("Anomalies written", "count", len(signals))
			return nil
		})
	})
	switch {
	case err != nil:
		log.Error("Detection failed, flagging for review", "error", err)
		metrics.ReviewItems.WithLabelValues(StageName).Inc()
		_ = s.cfg.Store.FlagForReview(context.WithoutCancel(ctx), domain.ReviewItem{
			Stage: StageName, Unit: string(tenant), HourBucket: bucket,
			Reason: err.Error(), CreatedAt: s.cfg.Clock.Now().UTC(),
		})
		outcome = outcomeReview
	case !ran:
		outcome = outcomeContended
	}
	return outcome
}

// Detect computes the tenant's signals at bucket without writing them.
func (s *Stage) Detect(ctx context.Context, tenant domain.TenantID, bucket time.Time, flags domain.FlagSet) ([]domain.AnomalySignal, error) {
	tun := s.cfg.Tunables
	snaps, err := s.cfg.Store.ListBenchmarks(ctx, tenant, bucket)
	if err != nil {
		return nil, fmt.Errorf("list benchmarks: %w", err)
	}
	history := make(map[domain.MetricName][]store.Point, len(tun.Metrics))
	from := bucket.Add(-tun.Anomaly.ReferenceWindow)
	for _, m := range tun.MetricNames() {
		pts, err := s.cfg.Store.TelemetrySeries(ctx, tenant, m, from, bucket)
		if err != nil {
			return nil, fmt.Errorf("telemetry series %s: %w", m, err)
		}
		history[m] = pts
	}
	signals := s.detector.Detect(Input{TenantID: tenant, Bucket: bucket, Snapshots: snaps, History: history})
	for i := range signals {
		sig := &signals[i]
		fallback := narrative.AnomalyTemplate(sig.Metric, sig.Kind, sig.Severity, sig.Magnitude, sig.CohortKey)
		sig.Rationale = s.cfg.Narrative.Explain(ctx, flags.AINarrativeEnabled, narrative.Request{
			Kind:      sig.Kind,
			Severity:  sig.Severity,
			Magnitude: sig.Magnitude,
		}, fallback)
	}
	return signals, nil
}
