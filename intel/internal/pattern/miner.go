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
	"github.com/malbeclabs/netintel/intel/internal/config"
	"github.com/malbeclabs/netintel/intel/internal/domain"
	"github.com/malbeclabs/netintel/intel/internal/lease"
	"github.com/malbeclabs/netintel/intel/internal/metrics"
	"github.com/malbeclabs/netintel/intel/internal/retry"
	"github.com/malbeclabs/netintel/intel/internal/store"
)

const MineStageName = "mine"

type MinerStore interface {
	store.CohortStore
	store.AnomalyStore
	store.PatternStore
	store.ReviewStore
}

// PatternExporter mirrors published patterns to the analytics store.
type PatternExporter interface {
	ExportPatterns(ctx context.Context, patterns []domain.PatternSignature) error
}

type MinerConfig struct {
	Logger   *slog.Logger
	Store    MinerStore
	Leaser   lease.Leaser
	Tunables *config.Tunables
	Clock    clockwork.Clock
	Owner    string
	// Exporter is optional.
	Exporter PatternExporter
}

func (c *MinerConfig) Validate() error {
	if c.Logger == nil {
		return errors.New("logger is required")
	}
	if c.Store == nil {
		return errors.New("store is required")
	}
	if c.Leaser == nil {
		return errors.New("leaser is required")
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

type Miner struct {
	log  *slog.Logger
	cfg  *MinerConfig
	pool pond.ResultPool[mineResult]
}

type mineResult struct {
	outcome   string
	published int
	systemic  error
}

func NewMiner(cfg *MinerConfig) (*Miner, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("failed to validate config: %w", err)
	}
	return &Miner{
		log:  cfg.Logger.With("stage", MineStageName),
		cfg:  cfg,
		pool: pond.NewResultPool[mineResult](cfg.Tunables.PoolSize),
	}, nil
}

func (m *Miner) Name() string { return MineStageName }

func (m *Miner) Close() { m.pool.StopAndWait() }

// WindowEnd is the exclusive end of the mining range for a run at bucket.
// It is also the version of every pattern the run publishes.
func WindowEnd(bucket time.Time) time.Time {
	return bucket.UTC().Truncate(time.Hour).Add(time.Hour)
}

// Run mines every cohort at or above the minimum size over the lookback
// ending with bucket. A pattern store failure aborts the run.
func (m *Miner) Run(ctx context.Context, bucket time.Time) error {
	end := WindowEnd(bucket)
	tun := m.cfg.Tunables
	cohorts, err := retry.Value(ctx, m.log, tun.Retry, "list cohorts", func(ctx context.Context) ([]domain.CohortKey, error) {
		return m.cfg.Store.ListCohorts(ctx)
	})
	if err != nil {
		return fmt.Errorf("%w: list cohorts: %w", domain.ErrSystemic, err)
	}

	group := m.pool.NewGroupContext(ctx)
	for _, c := range cohorts {
		group.Submit(func() mineResult {
			return m.mineCohort(ctx, c, end)
		})
	}
	results, err := group.Wait()
	if err != nil {
		return fmt.Errorf("mine units: %w", err)
	}
	published := 0
	for _, r := range results {
		metrics.StageUnits.WithLabelValues(MineStageName, r.outcome).Inc()
		published += r.published
		if r.systemic != nil {
			return fmt.Errorf("%w: %w", domain.ErrSystemic, r.systemic)
		}
	}
	m.log.Info("Mining run complete", "window_end", end, "cohorts", len(cohorts), "published", published)
	return nil
}

func (m *Miner) mineCohort(ctx context.Context, cohort domain.CohortKey, end time.Time) mineResult {
	tun := m.cfg.Tunables
	log := m.log.With("cohort", cohort, "window_end", end)

	size, err := m.cfg.Store.CohortSize(ctx, cohort, end.Add(-tun.Pattern.MiningLookback), end.Add(-time.Hour))
	if err != nil {
		log.Warn("Failed to get cohort size, skipping", "error", err)
		return mineResult{outcome: "review"}
	}
	if size < tun.MinCohortSize {
		log.Debug("Cohort below minimum size, not mined", "size", size)
		return mineResult{outcome: "below_minimum"}
	}

	res := mineResult{outcome: "mined"}
	ran, err := lease.With(ctx, m.cfg.Leaser, lease.Key(MineStageName, string(cohort), end), m.cfg.Owner, tun.LeaseTTL, func() error {
		obs, err := retry.Value(ctx, log, tun.Retry, "cohort observations", func(ctx context.Context) ([]domain.CohortObservation, error) {
			return m.cfg.Store.CohortObservations(ctx, cohort, end.Add(-tun.Pattern.MiningLookback), end, tun.Pattern.Window)
		})
		if err != nil {
			return err
		}
		mined := Mine(cohort, tun.Pattern.Window, obs, tun.Pattern.MinSupport, end, m.cfg.Clock.Now().UTC())
		if mined.Rejected > 0 {
			metrics.PatternsRejected.Add(float64(mined.Rejected))
			log.Info("Candidate patterns not published", "reason", domain.ErrPatternSupportTooLow, "rejected", mined.Rejected, "min_support", tun.Pattern.MinSupport)
		}
		if len(mined.Retained) == 0 {
			return nil
		}
		if err := retry.Do(ctx, log, tun.Retry, "publish patterns", func(ctx context.Context) error {
			return m.cfg.Store.PublishPatterns(ctx, mined.Retained)
		}); err != nil {
			res.systemic = fmt.Errorf("publish patterns for %s: %w", cohort, err)
			return nil
		}
		res.published = len(mined.Retained)
		metrics.PatternsPublished.Add(float64(len(mined.Retained)))
		log.Debug("Patterns published", "count", len(mined.Retained), "observations", len(obs))

		if m.cfg.Exporter != nil {
			if err := m.cfg.Exporter.ExportPatterns(ctx, mined.Retained); err != nil {
				log.Warn("Failed to export patterns", "error", err)
			}
		}
		return nil
	})
	switch {
	case err != nil:
		log.Error("Mining failed, flagging for review", "error", err)
		metrics.ReviewItems.WithLabelValues(MineStageName).Inc()
		_ = m.cfg.Store.FlagForReview(context.WithoutCancel(ctx), domain.ReviewItem{
			Stage: MineStageName, Unit: string(cohort), HourBucket: end,
			Reason: err.Error(), CreatedAt: m.cfg.Clock.Now().UTC(),
		})
		res.outcome = "review"
	case !ran:
		res.outcome = "contended"
	case res.systemic != nil:
		res.outcome = "failed"
	}
	return res
}
