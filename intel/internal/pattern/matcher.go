package pattern

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/alitto/pond/v2"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/malbeclabs/netintel/intel/internal/anomaly"
	"github.com/malbeclabs/netintel/intel/internal/config"
	"github.com/malbeclabs/netintel/intel/internal/domain"
	"github.com/malbeclabs/netintel/intel/internal/lease"
	"github.com/malbeclabs/netintel/intel/internal/metrics"
	"github.com/malbeclabs/netintel/intel/internal/narrative"
	"github.com/malbeclabs/netintel/intel/internal/retry"
	"github.com/malbeclabs/netintel/intel/internal/stats"
	"github.com/malbeclabs/netintel/intel/internal/store"
)

const MatchStageName = "match"

type MatcherStore interface {
	store.TelemetryStore
	store.AnomalyStore
	store.PatternStore
	store.WarningStore
	store.ReviewStore
}

type Gate interface {
	Flags(ctx context.Context, tenant domain.TenantID) (domain.FlagSet, error)
}

type MatcherConfig struct {
	Logger    *slog.Logger
	Store     MatcherStore
	Leaser    lease.Leaser
	Gate      Gate
	Narrative *narrative.Writer
	Tunables  *config.Tunables
	Clock     clockwork.Clock
	Owner     string
}

func (c *MatcherConfig) Validate() error {
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

type Matcher struct {
	log  *slog.Logger
	cfg  *MatcherConfig
	pool pond.ResultPool[string]
}

func NewMatcher(cfg *MatcherConfig) (*Matcher, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("failed to validate config: %w", err)
	}
	return &Matcher{
		log:  cfg.Logger.With("stage", MatchStageName),
		cfg:  cfg,
		pool: pond.NewResultPool[string](cfg.Tunables.PoolSize),
	}, nil
}

func (m *Matcher) Name() string { return MatchStageName }

func (m *Matcher) Close() { m.pool.StopAndWait() }

// Run matches every tenant with telemetry at bucket against the patterns of
// its cohorts. Only patterns with a version no later than the run's window
// end are considered.
func (m *Matcher) Run(ctx context.Context, bucket time.Time) error {
	bucket = bucket.UTC().Truncate(time.Hour)
	tenants, err := retry.Value(ctx, m.log, m.cfg.Tunables.Retry, "list tenants", func(ctx context.Context) ([]domain.TenantID, error) {
		return m.cfg.Store.TenantsWithTelemetry(ctx, bucket)
	})
	if err != nil {
		return fmt.Errorf("%w: list tenants with telemetry: %w", domain.ErrSystemic, err)
	}

	group := m.pool.NewGroupContext(ctx)
	for _, tenant := range tenants {
		group.Submit(func() string {
			return m.matchTenant(ctx, tenant, bucket)
		})
	}
	results, err := group.Wait()
	if err != nil {
		return fmt.Errorf("match units: %w", err)
	}
	counts := make(map[string]int)
	for _, r := range results {
		counts[r]++
		metrics.StageUnits.WithLabelValues(MatchStageName, r).Inc()
	}
	m.log.Info("Matching run complete", "bucket", bucket, "tenants", len(tenants),
		"matched", counts["matched"], "denied", counts["denied"], "review", counts["review"])
	return nil
}

func (m *Matcher) matchTenant(ctx context.Context, tenant domain.TenantID, bucket time.Time) string {
	log := m.log.With("tenant", tenant, "bucket", bucket)
	flags, err := m.cfg.Gate.Flags(ctx, tenant)
	if err != nil {
		log.Warn("Failed to read flags, skipping tenant", "error", err)
		return "denied"
	}
	if !flags.EarlyWarningsEnabled {
		log.Debug("Early warnings disabled, skipping tenant")
		return "denied"
	}

	ran, err := lease.With(ctx, m.cfg.Leaser, lease.Key(MatchStageName, string(tenant), bucket), m.cfg.Owner, m.cfg.Tunables.LeaseTTL, func() error {
		return retry.Do(ctx, log, m.cfg.Tunables.Retry, "match", func(ctx context.Context) error {
			warnings, err := m.Match(ctx, tenant, bucket, flags)
			if err != nil {
				return err
			}
			if len(warnings) == 0 {
				metrics.WarningsMatched.WithLabelValues("none").Inc()
				return nil
			}
			if err := m.cfg.Store.UpsertWarnings(ctx, tenant, warnings); err != nil {
				return err
			}
			metrics.WarningsMatched.WithLabelValues("matched").Add(float64(len(warnings)))
			log.Debug("Warnings upserted", "count", len(warnings))
			return nil
		})
	})
	switch {
	case err != nil:
		log.Error("Matching failed, flagging for review", "error", err)
		metrics.ReviewItems.WithLabelValues(MatchStageName).Inc()
		_ = m.cfg.Store.FlagForReview(context.WithoutCancel(ctx), domain.ReviewItem{
			Stage: MatchStageName, Unit: string(tenant), HourBucket: bucket,
			Reason: err.Error(), CreatedAt: m.cfg.Clock.Now().UTC(),
		})
		return "review"
	case !ran:
		return "contended"
	}
	return "matched"
}

// Match computes the warnings tenant would receive at bucket without writing
// them. A tenant with no recent anomalies, or with anomaly detection turned
// off, matches nothing. A pattern matches when the score exceeds the
// threshold.
func (m *Matcher) Match(ctx context.Context, tenant domain.TenantID, bucket time.Time, flags domain.FlagSet) ([]domain.EarlyWarning, error) {
	if !flags.AnomalyDetectionEnabled {
		return nil, nil
	}
	tun := m.cfg.Tunables
	signals, err := m.cfg.Store.ListAnomalies(ctx, tenant, bucket.Add(time.Hour-tun.Pattern.MatchLookback), bucket)
	if err != nil {
		return nil, fmt.Errorf("list anomalies: %w", err)
	}
	fv := anomaly.FeatureVector(signals)
	if fv.IsZero() {
		return nil, nil
	}
	cohorts, err := m.cfg.Store.TenantCohorts(ctx, tenant)
	if err != nil {
		return nil, fmt.Errorf("tenant cohorts: %w", err)
	}
	if len(cohorts) == 0 {
		return nil, nil
	}
	asOf := WindowEnd(bucket)
	catalog, err := m.cfg.Store.PatternCatalog(ctx, cohorts, asOf.Add(-tun.Pattern.CatalogMaxAge), asOf)
	if err != nil {
		return nil, fmt.Errorf("pattern catalog: %w", err)
	}

	now := m.cfg.Clock.Now().UTC()
	var out []domain.EarlyWarning
	for _, p := range catalog {
		score := stats.Cosine(fv.Slice(), p.Features.Slice())
		if score <= tun.Pattern.MatchThreshold {
			continue
		}
		req := narrative.Request{Magnitude: score, Features: fv}
		if top := p.Features.TopFeatures(); len(top) > 0 {
			req.Kind = top[0]
		}
		out = append(out, domain.EarlyWarning{
			TenantID:      tenant,
			PatternID:     p.ID,
			CohortKey:     p.CohortKey,
			MatchScore:    score,
			Status:        domain.WarningOpen,
			Rationale:     m.cfg.Narrative.Explain(ctx, flags.AINarrativeEnabled, req, narrative.MatchTemplate(p, score)),
			CreatedAt:     now,
			LastMatchedAt: now,
		})
	}
	return out, nil
}
