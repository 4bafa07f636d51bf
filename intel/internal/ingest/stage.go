package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"sort"
	"time"

	"github.com/alitto/pond/v2"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/malbeclabs/netintel/intel/internal/cohort"
	"github.com/malbeclabs/netintel/intel/internal/config"
	"github.com/malbeclabs/netintel/intel/internal/domain"
	"github.com/malbeclabs/netintel/intel/internal/lease"
	"github.com/malbeclabs/netintel/intel/internal/metrics"
	"github.com/malbeclabs/netintel/intel/internal/retry"
	"github.com/malbeclabs/netintel/intel/internal/stats"
	"github.com/malbeclabs/netintel/intel/internal/store"
)

const StageName = "ingest"

type Store interface {
	store.TenantStore
	store.TelemetryStore
	store.CohortStore
	store.BenchmarkStore
	store.ReviewStore
}

type Gate interface {
	Flags(ctx context.Context, tenant domain.TenantID) (domain.FlagSet, error)
}

type Fingerprinter interface {
	Fingerprint(tenantID domain.TenantID) (domain.Fingerprint, error)
}

// Source delivers telemetry payloads. Commit acknowledges everything returned
// by the previous Poll.
type Source interface {
	Poll(ctx context.Context) ([]Payload, error)
	Commit(ctx context.Context) error
}

type BaselineExporter interface {
	ExportBaselines(ctx context.Context, baselines []domain.CohortBaseline) error
}

type Config struct {
	Logger        *slog.Logger
	Store         Store
	Leaser        lease.Leaser
	Gate          Gate
	Fingerprinter Fingerprinter
	Source        Source
	Tunables      *config.Tunables
	Clock         clockwork.Clock
	Owner         string

	// Exporter mirrors published baselines to the analytics store. Optional.
	Exporter BaselineExporter
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
	if c.Fingerprinter == nil {
		return errors.New("fingerprinter is required")
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
	log  *slog.Logger
	cfg  *Config
	pool pond.ResultPool[unitResult]
}

func New(cfg *Config) (*Stage, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("failed to validate config: %w", err)
	}
	return &Stage{
		log:  cfg.Logger.With("stage", StageName),
		cfg:  cfg,
		pool: pond.NewResultPool[unitResult](cfg.Tunables.PoolSize),
	}, nil
}

func (s *Stage) Name() string { return StageName }

func (s *Stage) Close() { s.pool.StopAndWait() }

type Report struct {
	Received           int
	Ingested           int
	Denied             int
	Invalid            int
	Review             int
	Contended          int
	BaselinesPublished int
	BaselinesWithheld  int
	Benchmarked        int
	// Refreshed counts tenants from earlier batches whose snapshots were
	// rewritten against the recomputed baselines.
	Refreshed int
}

const (
	outcomeIngested  = "ingested"
	outcomeDenied    = "denied"
	outcomeInvalid   = "invalid"
	outcomeReview    = "review"
	outcomeContended = "contended"
)

type unitResult struct {
	outcome string
	flags   domain.FlagSet
	rec     domain.TelemetryRecord
	cohorts []domain.CohortKey
	leaseID string
}

type seriesKey struct {
	cohort domain.CohortKey
	metric domain.MetricName
	period string
	bucket int64
}

type tenantHour struct {
	tenant domain.TenantID
	bucket int64
}

type baselineResult struct {
	baseline domain.CohortBaseline
	withheld string
}

// Run polls the source once, ingests what it returns and commits the source
// position unless the run aborted.
func (s *Stage) Run(ctx context.Context, _ time.Time) error {
	if s.cfg.Source == nil {
		return errors.New("no telemetry source configured")
	}
	payloads, err := s.cfg.Source.Poll(ctx)
	if err != nil {
		return fmt.Errorf("failed to poll telemetry source: %w", err)
	}
	if _, err := s.Ingest(ctx, payloads); err != nil {
		return err
	}
	if err := s.cfg.Source.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit telemetry source: %w", err)
	}
	return nil
}

// Ingest persists payloads, recomputes the baselines of every touched cohort
// and writes benchmark snapshots for each ingested tenant. Per-tenant
// failures are isolated; only a failure to read or publish cohort baselines
// aborts the run.
func (s *Stage) Ingest(ctx context.Context, payloads []Payload) (Report, error) {
	report := Report{Received: len(payloads)}
	now := s.cfg.Clock.Now().UTC()

	group := s.pool.NewGroupContext(ctx)
	for _, p := range dedupe(payloads) {
		group.Submit(func() unitResult {
			return s.ingestOne(ctx, p, now)
		})
	}
	results, err := group.Wait()
	if err != nil {
		return report, fmt.Errorf("ingest units: %w", err)
	}

	var ingested []unitResult
	touched := make(map[seriesKey]struct{})
	for _, r := range results {
		metrics.StageUnits.WithLabelValues(StageName, r.outcome).Inc()
		switch r.outcome {
		case outcomeIngested:
			report.Ingested++
			ingested = append(ingested, r)
			for _, c := range r.cohorts {
				touched[seriesKey{cohort: c, bucket: r.rec.HourBucket.Unix()}] = struct{}{}
			}
		case outcomeDenied:
			report.Denied++
		case outcomeInvalid:
			report.Invalid++
		case outcomeReview:
			report.Review++
		case outcomeContended:
			report.Contended++
		}
	}
	defer func() {
		for _, r := range ingested {
			_ = s.cfg.Leaser.Release(context.WithoutCancel(ctx), r.leaseID, s.cfg.Owner)
		}
	}()

	baselines, published, withheld, err := s.recomputeBaselines(ctx, touched, now)
	report.BaselinesPublished, report.BaselinesWithheld = published, withheld
	if err != nil {
		return report, err
	}

	for _, r := range ingested {
		if !r.flags.BenchmarkingEnabled {
			continue
		}
		if s.writeBenchmarks(ctx, r, baselines, now) {
			report.Benchmarked++
		}
	}
	report.Refreshed = s.refreshMembers(ctx, ingested, touched, baselines, now)

	s.log.Info("Ingest run complete",
		"received", report.Received, "ingested", report.Ingested, "denied", report.Denied,
		"invalid", report.Invalid, "review", report.Review, "contended", report.Contended,
		"baselinesPublished", report.BaselinesPublished, "baselinesWithheld", report.BaselinesWithheld,
		"benchmarked", report.Benchmarked, "refreshed", report.Refreshed)
	return report, nil
}

// dedupe keeps the last payload per tenant and bucket.
func dedupe(payloads []Payload) []Payload {
	type key struct {
		tenant domain.TenantID
		bucket int64
	}
	idx := make(map[key]int, len(payloads))
	out := make([]Payload, 0, len(payloads))
	for _, p := range payloads {
		k := key{p.TenantID, p.HourBucket.Unix()}
		if i, ok := idx[k]; ok && p.TenantID != "" {
			out[i] = p
			continue
		}
		idx[k] = len(out)
		out = append(out, p)
	}
	return out
}

func (s *Stage) ingestOne(ctx context.Context, p Payload, now time.Time) unitResult {
	log := s.log.With("tenant", p.TenantID, "bucket", p.HourBucket)
	tun := s.cfg.Tunables

	if p.TenantID == "" {
		return s.reject(log, p, &domain.ValidationError{Field: "tenant_id", Reason: "missing"})
	}
	flags, err := s.cfg.Gate.Flags(ctx, p.TenantID)
	if err != nil {
		log.Warn("Failed to read flags, skipping tenant", "error", err)
		return unitResult{outcome: outcomeDenied}
	}
	if !flags.TelemetryEnabled {
		log.Debug("Telemetry disabled, skipping tenant")
		return unitResult{outcome: outcomeDenied}
	}
	if err := p.Validate(now, func(m domain.MetricName) bool { _, ok := tun.Metric(m); return ok }); err != nil {
		return s.reject(log, p, err)
	}
	tenant, err := retry.Value(ctx, log, tun.Retry, "get tenant", func(ctx context.Context) (domain.Tenant, error) {
		return s.cfg.Store.GetTenant(ctx, p.TenantID)
	})
	if errors.Is(err, domain.ErrNotFound) {
		return s.reject(log, p, &domain.ValidationError{TenantID: p.TenantID, Field: "tenant_id", Reason: "unknown tenant"})
	}
	if err != nil {
		return s.review(ctx, log, p, err)
	}

	key := lease.Key(StageName, string(p.TenantID), p.HourBucket)
	ok, err := s.cfg.Leaser.Claim(ctx, key, s.cfg.Owner, tun.LeaseTTL)
	if err != nil {
		log.Warn("Failed to claim unit", "error", err)
		return unitResult{outcome: outcomeContended}
	}
	if !ok {
		log.Debug("Unit claimed by another worker")
		return unitResult{outcome: outcomeContended}
	}

	fp, err := s.cfg.Fingerprinter.Fingerprint(p.TenantID)
	if err != nil {
		_ = s.cfg.Leaser.Release(context.WithoutCancel(ctx), key, s.cfg.Owner)
		return s.review(ctx, log, p, err)
	}
	rec := domain.TelemetryRecord{
		TenantID:    p.TenantID,
		Fingerprint: fp,
		HourBucket:  p.HourBucket,
		Metrics:     p.Metrics,
		IngestedAt:  now,
	}
	cohorts := cohort.Assign(tenant, flags.CohortMetadataSharingEnabled)
	if err := retry.Do(ctx, log, tun.Retry, "upsert telemetry", func(ctx context.Context) error {
		return s.cfg.Store.UpsertTelemetry(ctx, rec, cohorts)
	}); err != nil {
		_ = s.cfg.Leaser.Release(context.WithoutCancel(ctx), key, s.cfg.Owner)
		return s.review(ctx, log, p, err)
	}
	return unitResult{outcome: outcomeIngested, flags: flags, rec: rec, cohorts: cohorts, leaseID: key}
}

func (s *Stage) reject(log *slog.Logger, p Payload, err error) unitResult {
	field := "unknown"
	var ve *domain.ValidationError
	if errors.As(err, &ve) {
		field = ve.Field
	}
	metrics.TelemetryRejected.WithLabelValues(field).Inc()
	log.Warn("Rejected telemetry payload", "error", err)
	return unitResult{outcome: outcomeInvalid}
}

func (s *Stage) review(ctx context.Context, log *slog.Logger, p Payload, cause error) unitResult {
	log.Error("Unit failed, flagging for review", "error", cause)
	flagForReview(ctx, s.cfg.Store, s.cfg.Clock, StageName, string(p.TenantID), p.HourBucket, cause)
	return unitResult{outcome: outcomeReview}
}

func flagForReview(ctx context.Context, st store.ReviewStore, clock clockwork.Clock, stage, unit string, bucket time.Time, cause error) {
	metrics.ReviewItems.WithLabelValues(stage).Inc()
	_ = st.FlagForReview(context.WithoutCancel(ctx), domain.ReviewItem{
		Stage:      stage,
		Unit:       unit,
		HourBucket: bucket,
		Reason:     cause.Error(),
		CreatedAt:  clock.Now().UTC(),
	})
}

func (s *Stage) recomputeBaselines(ctx context.Context, touched map[seriesKey]struct{}, now time.Time) (map[seriesKey]baselineResult, int, int, error) {
	keys := make([]seriesKey, 0, len(touched))
	for k := range touched {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].bucket != keys[j].bucket {
			return keys[i].bucket < keys[j].bucket
		}
		return keys[i].cohort < keys[j].cohort
	})

	out := make(map[seriesKey]baselineResult)
	published, withheld := 0, 0
	for _, k := range keys {
		bucket := time.Unix(k.bucket, 0).UTC()
		results, err := s.computeCohort(ctx, k.cohort, bucket, now)
		if err != nil {
			return out, published, withheld, fmt.Errorf("%w: cohort %s baseline: %w", domain.ErrSystemic, k.cohort, err)
		}
		existing, err := retry.Value(ctx, s.log, s.cfg.Tunables.Retry, "list baselines", func(ctx context.Context) ([]domain.CohortBaseline, error) {
			return s.cfg.Store.ListBaselines(ctx, k.cohort, bucket)
		})
		if err != nil {
			return out, published, withheld, fmt.Errorf("%w: cohort %s current baselines: %w", domain.ErrSystemic, k.cohort, err)
		}
		current := make(map[seriesKey]domain.CohortBaseline, len(existing))
		for _, b := range existing {
			current[seriesKey{cohort: b.CohortKey, metric: b.Metric, period: b.Period, bucket: b.WindowEnd.Unix()}] = b
		}
		var batch []domain.CohortBaseline
		for sk, r := range results {
			if r.withheld != "" {
				out[sk] = r
				withheld++
				metrics.BaselinesWithheld.WithLabelValues(r.withheld).Inc()
				continue
			}
			if prev, ok := current[sk]; ok && sameBaseline(prev, r.baseline) {
				out[sk] = baselineResult{baseline: prev}
				continue
			}
			out[sk] = r
			batch = append(batch, r.baseline)
		}
		if len(batch) == 0 {
			continue
		}
		if err := retry.Do(ctx, s.log, s.cfg.Tunables.Retry, "publish baselines", func(ctx context.Context) error {
			return s.cfg.Store.PublishBaselines(ctx, batch)
		}); err != nil {
			return out, published, withheld, fmt.Errorf("%w: publish cohort %s baselines: %w", domain.ErrSystemic, k.cohort, err)
		}
		published += len(batch)
		metrics.BaselinesPublished.Add(float64(len(batch)))
		if s.cfg.Exporter != nil {
			if err := s.cfg.Exporter.ExportBaselines(ctx, batch); err != nil {
				s.log.Warn("Failed to export baselines", "cohort", k.cohort, "error", err)
			}
		}
	}
	return out, published, withheld, nil
}

func (s *Stage) computeCohort(ctx context.Context, c domain.CohortKey, bucket, now time.Time) (map[seriesKey]baselineResult, error) {
	tun := s.cfg.Tunables
	out := make(map[seriesKey]baselineResult)
	for _, period := range tun.DomainPeriods() {
		from := bucket.Add(-period.Window + time.Hour)
		type sampled struct {
			values  map[domain.MetricName][]float64
			members int
		}
		smp, err := retry.Value(ctx, s.log, tun.Retry, "cohort samples", func(ctx context.Context) (sampled, error) {
			v, n, err := s.cfg.Store.CohortSamples(ctx, c, from, bucket)
			return sampled{v, n}, err
		})
		if err != nil {
			return nil, err
		}
		for _, m := range tun.MetricNames() {
			key := seriesKey{cohort: c, metric: m, period: period.Name, bucket: bucket.Unix()}
			values := smp.values[m]
			switch {
			case len(values) == 0:
				out[key] = baselineResult{withheld: domain.NoBaselineNoHistory}
			case smp.members < tun.MinCohortSize:
				out[key] = baselineResult{withheld: domain.NoBaselineCohortBelowMinimum}
			default:
				sum := stats.Summarize(values)
				out[key] = baselineResult{baseline: domain.CohortBaseline{
					CohortKey:  c,
					Metric:     m,
					Period:     period.Name,
					WindowEnd:  bucket,
					Mean:       sum.Mean,
					Variance:   sum.Variance,
					Stddev:     sum.Stddev,
					P50:        sum.P50,
					P90:        sum.P90,
					Members:    smp.members,
					Samples:    sum.N,
					ComputedAt: now,
				}}
			}
		}
	}
	return out, nil
}

func (s *Stage) writeBenchmarks(ctx context.Context, r unitResult, baselines map[seriesKey]baselineResult, now time.Time) bool {
	log := s.log.With("tenant", r.rec.TenantID, "bucket", r.rec.HourBucket)
	snaps := Benchmarks(r.rec, r.cohorts, s.cfg.Tunables, func(c domain.CohortKey, m domain.MetricName, period string) (domain.CohortBaseline, string) {
		b, ok := baselines[seriesKey{cohort: c, metric: m, period: period, bucket: r.rec.HourBucket.Unix()}]
		if !ok {
			return domain.CohortBaseline{}, domain.NoBaselineNoHistory
		}
		return b.baseline, b.withheld
	}, now)
	if prev, err := s.cfg.Store.ListBenchmarks(ctx, r.rec.TenantID, r.rec.HourBucket); err == nil && keepComputedAt(prev, snaps) {
		log.Debug("Benchmarks unchanged")
		return true
	}
	if err := retry.Do(ctx, log, s.cfg.Tunables.Retry, "replace benchmarks", func(ctx context.Context) error {
		return s.cfg.Store.ReplaceBenchmarks(ctx, r.rec.TenantID, r.rec.HourBucket, snaps)
	}); err != nil {
		log.Error("Failed to write benchmarks, flagging for review", "error", err)
		flagForReview(ctx, s.cfg.Store, s.cfg.Clock, "benchmark", string(r.rec.TenantID), r.rec.HourBucket, err)
		return false
	}
	return true
}

// refreshMembers rewrites the snapshots of tenants outside this batch that
// have telemetry at a bucket whose cohort baselines were just recomputed, so
// members that arrived earlier in the hour are benchmarked against the same
// baseline as the latest arrivals.
func (s *Stage) refreshMembers(ctx context.Context, ingested []unitResult, touched map[seriesKey]struct{}, baselines map[seriesKey]baselineResult, now time.Time) int {
	done := make(map[tenantHour]bool, len(ingested))
	for _, r := range ingested {
		done[tenantHour{r.rec.TenantID, r.rec.HourBucket.Unix()}] = true
	}
	computed := maps.Clone(touched)
	byBucket := make(map[int64]map[domain.CohortKey]bool)
	for k := range touched {
		if byBucket[k.bucket] == nil {
			byBucket[k.bucket] = make(map[domain.CohortKey]bool)
		}
		byBucket[k.bucket][k.cohort] = true
	}

	refreshed := 0
	for _, b := range slices.Sorted(maps.Keys(byBucket)) {
		bucket := time.Unix(b, 0).UTC()
		tenants, err := retry.Value(ctx, s.log, s.cfg.Tunables.Retry, "tenants with telemetry", func(ctx context.Context) ([]domain.TenantID, error) {
			return s.cfg.Store.TenantsWithTelemetry(ctx, bucket)
		})
		if err != nil {
			s.log.Warn("Failed to list tenants for benchmark refresh", "bucket", bucket, "error", err)
			continue
		}
		for _, tenant := range tenants {
			if done[tenantHour{tenant, b}] {
				continue
			}
			if s.refreshTenant(ctx, tenant, bucket, byBucket[b], baselines, computed, now) {
				refreshed++
			}
		}
	}
	return refreshed
}

func (s *Stage) refreshTenant(ctx context.Context, tenant domain.TenantID, bucket time.Time, touched map[domain.CohortKey]bool, baselines map[seriesKey]baselineResult, computed map[seriesKey]struct{}, now time.Time) bool {
	log := s.log.With("tenant", tenant, "bucket", bucket)
	cohorts, err := s.cfg.Store.TenantCohorts(ctx, tenant)
	if err != nil {
		log.Warn("Failed to read cohorts, not refreshing benchmarks", "error", err)
		return false
	}
	if !slices.ContainsFunc(cohorts, func(c domain.CohortKey) bool { return touched[c] }) {
		return false
	}
	flags, err := s.cfg.Gate.Flags(ctx, tenant)
	if err != nil || !flags.BenchmarkingEnabled {
		return false
	}

	var written bool
	ran, err := lease.With(ctx, s.cfg.Leaser, lease.Key(StageName, string(tenant), bucket), s.cfg.Owner, s.cfg.Tunables.LeaseTTL, func() error {
		rec, err := retry.Value(ctx, log, s.cfg.Tunables.Retry, "get telemetry", func(ctx context.Context) (domain.TelemetryRecord, error) {
			return s.cfg.Store.GetTelemetry(ctx, tenant, bucket)
		})
		if err != nil {
			return err
		}
		// Cohorts outside this batch still need their current baseline.
		for _, c := range cohorts {
			key := seriesKey{cohort: c, bucket: bucket.Unix()}
			if _, ok := computed[key]; ok {
				continue
			}
			results, err := s.computeCohort(ctx, c, bucket, now)
			if err != nil {
				return fmt.Errorf("cohort %s baseline: %w", c, err)
			}
			maps.Copy(baselines, results)
			computed[key] = struct{}{}
		}
		written = s.writeBenchmarks(ctx, unitResult{flags: flags, rec: rec, cohorts: cohorts}, baselines, now)
		return nil
	})
	switch {
	case err != nil:
		log.Error("Benchmark refresh failed, flagging for review", "error", err)
		flagForReview(ctx, s.cfg.Store, s.cfg.Clock, "benchmark", string(tenant), bucket, err)
		return false
	case !ran:
		log.Debug("Tenant claimed by another worker, not refreshing benchmarks")
		return false
	}
	return written
}

// keepComputedAt carries the computation time of every unchanged snapshot in
// prev over to next. It reports whether next equals prev entirely.
func keepComputedAt(prev, next []domain.BenchmarkSnapshot) bool {
	type key struct {
		metric domain.MetricName
		period string
		cohort domain.CohortKey
	}
	byKey := make(map[key]domain.BenchmarkSnapshot, len(prev))
	for _, p := range prev {
		byKey[key{p.Metric, p.Period, p.CohortKey}] = p
	}
	unchanged := len(prev) == len(next)
	for i := range next {
		p, ok := byKey[key{next[i].Metric, next[i].Period, next[i].CohortKey}]
		if !ok || !sameSnapshot(p, next[i]) {
			unchanged = false
			continue
		}
		next[i].ComputedAt = p.ComputedAt
	}
	return unchanged
}

func sameSnapshot(a, b domain.BenchmarkSnapshot) bool {
	ha, hb := a.HourBucket, b.HourBucket
	a.HourBucket, b.HourBucket = time.Time{}, time.Time{}
	a.ComputedAt, b.ComputedAt = time.Time{}, time.Time{}
	return a == b && ha.Equal(hb)
}

func sameBaseline(a, b domain.CohortBaseline) bool {
	wa, wb := a.WindowEnd, b.WindowEnd
	a.WindowEnd, b.WindowEnd = time.Time{}, time.Time{}
	a.ComputedAt, b.ComputedAt = time.Time{}, time.Time{}
	return a == b && wa.Equal(wb)
}

// Benchmarks builds one snapshot per metric in rec, per period and cohort.
// lookup returns the cohort baseline or the reason it is unavailable.
func Benchmarks(rec domain.TelemetryRecord, cohorts []domain.CohortKey, tun *config.Tunables, lookup func(domain.CohortKey, domain.MetricName, string) (domain.CohortBaseline, string), now time.Time) []domain.BenchmarkSnapshot {
	var out []domain.BenchmarkSnapshot
	for _, m := range tun.MetricNames() {
		value, ok := rec.Metrics[m]
		if !ok {
			continue
		}
		for _, period := range tun.Periods {
			for _, c := range cohorts {
				snap := domain.BenchmarkSnapshot{
					TenantID:   rec.TenantID,
					Metric:     m,
					Period:     period.Name,
					CohortKey:  c,
					HourBucket: rec.HourBucket,
					Value:      value,
					ComputedAt: now,
				}
				b, reason := lookup(c, m, period.Name)
				if reason == "" && b.Stddev == 0 {
					reason = domain.NoBaselineZeroVariance
				}
				if reason != "" {
					snap.NoBaseline = true
					snap.NoBaselineReason = reason
					if reason == domain.NoBaselineZeroVariance {
						snap.CohortMean, snap.CohortP50, snap.CohortP90 = b.Mean, b.P50, b.P90
						snap.Delta = value - b.Mean
						snap.Members = b.Members
					}
					out = append(out, snap)
					continue
				}
				snap.CohortMean = b.Mean
				snap.CohortStddev = b.Stddev
				snap.CohortP50 = b.P50
				snap.CohortP90 = b.P90
				snap.Delta = value - b.Mean
				snap.ZScore = snap.Delta / b.Stddev
				snap.Members = b.Members
				out = append(out, snap)
			}
		}
	}
	return out
}
