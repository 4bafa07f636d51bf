package ingest_test

import (
	"context"
	"errors"
	"fmt"
	"math"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/malbeclabs/netintel/intel/internal/domain"
	"github.com/malbeclabs/netintel/intel/internal/ingest"
	"github.com/malbeclabs/netintel/intel/internal/store/memstore"
	inteltesting "github.com/malbeclabs/netintel/intel/internal/testing"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type staticSource struct {
	payloads  []ingest.Payload
	committed int
}

func (s *staticSource) Poll(context.Context) ([]ingest.Payload, error) { return s.payloads, nil }
func (s *staticSource) Commit(context.Context) error                   { s.committed++; return nil }

func newStage(t *testing.T, h *inteltesting.Harness, src ingest.Source) *ingest.Stage {
	t.Helper()
	stage, err := ingest.New(&ingest.Config{
		Logger:        h.Log,
		Store:         h.Store,
		Leaser:        h.Store,
		Gate:          h.Gate,
		Fingerprinter: h.Fingerprints,
		Source:        src,
		Tunables:      h.Tunables,
		Clock:         h.Clock,
		Owner:         "test",
	})
	require.NoError(t, err)
	t.Cleanup(stage.Close)
	return stage
}

// regionCohort registers n opted-in tenants in region us and returns payloads
// with error_rate values spread around mean 0.05.
func regionCohort(t *testing.T, h *inteltesting.Harness, n int, bucket time.Time) []ingest.Payload {
	t.Helper()
	var out []ingest.Payload
	for i := 0; i < n; i++ {
		id := domain.TenantID(fmt.Sprintf("tenant-%02d", i))
		h.AddOptedInTenant(t, domain.Tenant{ID: id, Region: "us", Size: "small"})
		out = append(out, ingest.Payload{
			TenantID:   id,
			HourBucket: bucket,
			Metrics:    map[domain.MetricName]float64{"error_rate": 0.04 + 0.005*float64(i%5)},
		})
	}
	return out
}

func TestIntel_Ingest_BenchmarksAgainstCohort(t *testing.T) {
	t.Parallel()

	h := inteltesting.New(t)
	ctx := context.Background()
	bucket := h.Bucket(-1)
	payloads := regionCohort(t, h, 5, bucket)

	src := &staticSource{payloads: payloads}
	stage := newStage(t, h, src)
	require.NoError(t, stage.Run(ctx, bucket))
	assert.Equal(t, 1, src.committed)

	baselines, err := h.Store.ListBaselines(ctx, "region:us", bucket)
	require.NoError(t, err)
	require.Len(t, baselines, 2, "one error_rate baseline per period")
	for _, b := range baselines {
		assert.Equal(t, domain.MetricName("error_rate"), b.Metric)
		assert.InDelta(t, 0.05, b.Mean, 1e-9)
		assert.Equal(t, 5, b.Members)
		assert.Equal(t, bucket, b.WindowEnd)
	}

	snaps, err := h.Store.ListBenchmarks(ctx, "tenant-04", bucket)
	require.NoError(t, err)
	// error_rate x {7d, 30d} x {global, region:us, size:small}
	require.Len(t, snaps, 6)
	for _, s := range snaps {
		assert.False(t, s.NoBaseline, s.CohortKey)
		assert.InDelta(t, 0.06, s.Value, 1e-9)
		assert.InDelta(t, 0.01, s.Delta, 1e-9)
		assert.InDelta(t, s.Delta/s.CohortStddev, s.ZScore, 1e-9)
		assert.Equal(t, domain.TenantID("tenant-04"), s.TenantID)
	}
}

func TestIntel_Ingest_Idempotent(t *testing.T) {
	t.Parallel()

	h := inteltesting.New(t)
	ctx := context.Background()
	bucket := h.Bucket(-1)
	payloads := regionCohort(t, h, 6, bucket)
	stage := newStage(t, h, &staticSource{})

	_, err := stage.Ingest(ctx, payloads)
	require.NoError(t, err)
	firstRec, err := h.Store.GetTelemetry(ctx, "tenant-02", bucket)
	require.NoError(t, err)
	first, err := h.Store.ListBenchmarks(ctx, "tenant-02", bucket)
	require.NoError(t, err)
	firstBaselines := h.Store.Baselines()

	h.Clock.Advance(10 * time.Minute)
	report, err := stage.Ingest(ctx, payloads)
	require.NoError(t, err)
	assert.Equal(t, 6, report.Ingested)

	secondRec, err := h.Store.GetTelemetry(ctx, "tenant-02", bucket)
	require.NoError(t, err)
	assert.Equal(t, firstRec, secondRec)
	second, err := h.Store.ListBenchmarks(ctx, "tenant-02", bucket)
	require.NoError(t, err)
	assert.Empty(t, cmp.Diff(first, second))
	assert.ElementsMatch(t, firstBaselines, h.Store.Baselines())

	// Changed content is written with the new time.
	payloads[2].Metrics = map[domain.MetricName]float64{"error_rate": 0.09}
	_, err = stage.Ingest(ctx, payloads)
	require.NoError(t, err)
	rec, err := h.Store.GetTelemetry(ctx, "tenant-02", bucket)
	require.NoError(t, err)
	assert.Equal(t, h.Clock.Now().UTC(), rec.IngestedAt)
	snaps, err := h.Store.ListBenchmarks(ctx, "tenant-02", bucket)
	require.NoError(t, err)
	require.NotEmpty(t, snaps)
	for _, s := range snaps {
		assert.Equal(t, h.Clock.Now().UTC(), s.ComputedAt)
	}
}

func TestIntel_Ingest_LaterBatchRefreshesEarlierMembers(t *testing.T) {
	t.Parallel()

	h := inteltesting.New(t)
	ctx := context.Background()
	bucket := h.Bucket(-1)
	payloads := regionCohort(t, h, 6, bucket)
	stage := newStage(t, h, &staticSource{})

	_, err := stage.Ingest(ctx, payloads[:1])
	require.NoError(t, err)
	early, err := h.Store.ListBenchmarks(ctx, "tenant-00", bucket)
	require.NoError(t, err)
	require.NotEmpty(t, early)
	for _, s := range early {
		assert.True(t, s.NoBaseline, s.CohortKey)
		assert.Equal(t, domain.NoBaselineCohortBelowMinimum, s.NoBaselineReason)
	}

	report, err := stage.Ingest(ctx, payloads[1:])
	require.NoError(t, err)
	assert.Equal(t, 5, report.Ingested)
	assert.Equal(t, 1, report.Refreshed)

	snaps, err := h.Store.ListBenchmarks(ctx, "tenant-00", bucket)
	require.NoError(t, err)
	// error_rate x {7d, 30d} x {global, region:us, size:small}
	require.Len(t, snaps, 6)
	for _, s := range snaps {
		assert.False(t, s.NoBaseline, s.CohortKey)
		assert.Empty(t, s.NoBaselineReason)
		assert.Equal(t, 6, s.Members)
		assert.InDelta(t, 0.04, s.Value, 1e-9)
	}
	later, err := h.Store.ListBenchmarks(ctx, "tenant-05", bucket)
	require.NoError(t, err)
	require.Len(t, later, 6)
	for i := range snaps {
		assert.Equal(t, later[i].CohortMean, snaps[i].CohortMean, "both batches see the same baseline")
	}
}

func TestIntel_Ingest_Gating(t *testing.T) {
	t.Parallel()

	t.Run("telemetry disabled writes nothing", func(t *testing.T) {
		t.Parallel()
		h := inteltesting.New(t)
		ctx := context.Background()
		bucket := h.Bucket(-1)
		h.AddTenant(t, domain.Tenant{ID: "quiet", Region: "us"}, domain.FlagBenchmarking)

		report, err := newStage(t, h, &staticSource{}).Ingest(ctx, []ingest.Payload{{
			TenantID: "quiet", HourBucket: bucket, Metrics: map[domain.MetricName]float64{"error_rate": 0.1},
		}})
		require.NoError(t, err)
		assert.Equal(t, 1, report.Denied)

		_, err = h.Store.GetTelemetry(ctx, "quiet", bucket)
		assert.ErrorIs(t, err, domain.ErrNotFound)
		snaps, err := h.Store.ListBenchmarks(ctx, "quiet", time.Time{})
		require.NoError(t, err)
		assert.Empty(t, snaps)
	})

	t.Run("benchmarking disabled stores telemetry only", func(t *testing.T) {
		t.Parallel()
		h := inteltesting.New(t)
		ctx := context.Background()
		bucket := h.Bucket(-1)
		h.AddTenant(t, domain.Tenant{ID: "private", Region: "us"}, domain.FlagTelemetry)

		report, err := newStage(t, h, &staticSource{}).Ingest(ctx, []ingest.Payload{{
			TenantID: "private", HourBucket: bucket, Metrics: map[domain.MetricName]float64{"error_rate": 0.1},
		}})
		require.NoError(t, err)
		assert.Equal(t, 1, report.Ingested)
		assert.Equal(t, 0, report.Benchmarked)

		rec, err := h.Store.GetTelemetry(ctx, "private", bucket)
		require.NoError(t, err)
		assert.NotEmpty(t, rec.Fingerprint)
		snaps, err := h.Store.ListBenchmarks(ctx, "private", bucket)
		require.NoError(t, err)
		assert.Empty(t, snaps)

		cohorts, err := h.Store.TenantCohorts(ctx, "private")
		require.NoError(t, err)
		assert.Equal(t, []domain.CohortKey{domain.GlobalCohort}, cohorts, "no metadata sharing")
	})
}

func TestIntel_Ingest_Validation(t *testing.T) {
	t.Parallel()

	h := inteltesting.New(t)
	ctx := context.Background()
	bucket := h.Bucket(-1)
	h.AddOptedInTenant(t, domain.Tenant{ID: "acme", Region: "us"})
	_, err := h.Gate.SetFlag(ctx, "not-in-directory", domain.FlagTelemetry, true, "test", "")
	require.NoError(t, err)

	cases := []ingest.Payload{
		{TenantID: "", HourBucket: bucket, Metrics: map[domain.MetricName]float64{"error_rate": 1}},
		{TenantID: "acme", HourBucket: bucket.Add(time.Minute), Metrics: map[domain.MetricName]float64{"error_rate": 1}},
		{TenantID: "acme", HourBucket: h.Bucket(2), Metrics: map[domain.MetricName]float64{"error_rate": 1}},
		{TenantID: "acme", HourBucket: h.Bucket(-2), Metrics: map[domain.MetricName]float64{}},
		{TenantID: "acme", HourBucket: h.Bucket(-3), Metrics: map[domain.MetricName]float64{"cpu": 1}},
		{TenantID: "acme", HourBucket: h.Bucket(-4), Metrics: map[domain.MetricName]float64{"error_rate": math.NaN()}},
		{TenantID: "not-in-directory", HourBucket: bucket, Metrics: map[domain.MetricName]float64{"error_rate": 1}},
	}
	report, err := newStage(t, h, &staticSource{}).Ingest(ctx, cases)
	require.NoError(t, err)
	assert.Equal(t, len(cases), report.Invalid)
	assert.Equal(t, 0, report.Ingested)

	_, err = h.Store.LatestTelemetryHour(ctx, "acme")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestIntel_Ingest_CohortBelowMinimum(t *testing.T) {
	t.Parallel()

	h := inteltesting.New(t)
	ctx := context.Background()
	bucket := h.Bucket(-1)
	payloads := regionCohort(t, h, 3, bucket)

	report, err := newStage(t, h, &staticSource{}).Ingest(ctx, payloads)
	require.NoError(t, err)
	assert.Equal(t, 0, report.BaselinesPublished)
	assert.Empty(t, h.Store.Baselines())

	snaps, err := h.Store.ListBenchmarks(ctx, "tenant-00", bucket)
	require.NoError(t, err)
	require.NotEmpty(t, snaps)
	for _, s := range snaps {
		assert.True(t, s.NoBaseline)
		assert.Equal(t, domain.NoBaselineCohortBelowMinimum, s.NoBaselineReason)
		assert.Zero(t, s.CohortMean, "withheld statistics are never exposed")
	}

	t.Run("floor of one publishes small cohorts", func(t *testing.T) {
		h := inteltesting.New(t)
		h.Tunables.MinCohortSize = 1
		payloads := regionCohort(t, h, 3, bucket)
		report, err := newStage(t, h, &staticSource{}).Ingest(ctx, payloads)
		require.NoError(t, err)
		assert.Positive(t, report.BaselinesPublished)
	})
}

func TestIntel_Ingest_ZeroVariance(t *testing.T) {
	t.Parallel()

	h := inteltesting.New(t)
	ctx := context.Background()
	bucket := h.Bucket(-1)
	var payloads []ingest.Payload
	for i := 0; i < 5; i++ {
		id := domain.TenantID(fmt.Sprintf("flat-%d", i))
		h.AddOptedInTenant(t, domain.Tenant{ID: id})
		payloads = append(payloads, ingest.Payload{TenantID: id, HourBucket: bucket, Metrics: map[domain.MetricName]float64{"availability": 1}})
	}
	_, err := newStage(t, h, &staticSource{}).Ingest(ctx, payloads)
	require.NoError(t, err)

	snaps, err := h.Store.ListBenchmarks(ctx, "flat-0", bucket)
	require.NoError(t, err)
	require.NotEmpty(t, snaps)
	for _, s := range snaps {
		assert.True(t, s.NoBaseline)
		assert.Equal(t, domain.NoBaselineZeroVariance, s.NoBaselineReason)
		assert.Zero(t, s.ZScore)
	}
}

func TestIntel_Ingest_TransientFailures(t *testing.T) {
	t.Parallel()

	t.Run("retried and recovered", func(t *testing.T) {
		t.Parallel()
		h := inteltesting.New(t)
		ctx := context.Background()
		bucket := h.Bucket(-1)
		payloads := regionCohort(t, h, 5, bucket)
		h.Store.InjectFault(memstore.OpUpsertTelemetry, errors.New("connection reset"), 2)

		report, err := newStage(t, h, &staticSource{}).Ingest(ctx, payloads)
		require.NoError(t, err)
		assert.Equal(t, 5, report.Ingested)
	})

	t.Run("exhausted retries go to review without aborting the batch", func(t *testing.T) {
		t.Parallel()
		h := inteltesting.New(t)
		ctx := context.Background()
		bucket := h.Bucket(-1)
		h.Tunables.PoolSize = 1
		payloads := regionCohort(t, h, 6, bucket)
		h.Store.InjectFault(memstore.OpUpsertTelemetry, errors.New("connection reset"), h.Tunables.Retry.MaxAttempts)

		report, err := newStage(t, h, &staticSource{}).Ingest(ctx, payloads)
		require.NoError(t, err)
		assert.Equal(t, 1, report.Review)
		assert.Equal(t, 5, report.Ingested)

		items, err := h.Store.ListReviewItems(ctx, time.Time{})
		require.NoError(t, err)
		require.Len(t, items, 1)
		assert.Equal(t, ingest.StageName, items[0].Stage)
		assert.Equal(t, bucket, items[0].HourBucket)
	})

	t.Run("baseline store outage aborts the run", func(t *testing.T) {
		t.Parallel()
		h := inteltesting.New(t)
		ctx := context.Background()
		bucket := h.Bucket(-1)
		src := &staticSource{payloads: regionCohort(t, h, 5, bucket)}
		h.Store.InjectFault(memstore.OpCohortSamples, errors.New("db unreachable"), -1)

		err := newStage(t, h, src).Run(ctx, bucket)
		require.ErrorIs(t, err, domain.ErrSystemic)
		assert.Zero(t, src.committed, "source position is not committed")
	})
}

func TestIntel_Ingest_Benchmarks(t *testing.T) {
	t.Parallel()

	h := inteltesting.New(t)
	bucket := h.Bucket(-1)
	rec := domain.TelemetryRecord{TenantID: "T", HourBucket: bucket, Metrics: map[domain.MetricName]float64{"error_rate": 0.40}}
	h.Tunables.Periods = h.Tunables.Periods[:1]

	snaps := ingest.Benchmarks(rec, []domain.CohortKey{"region:us"}, h.Tunables,
		func(domain.CohortKey, domain.MetricName, string) (domain.CohortBaseline, string) {
			return domain.CohortBaseline{Mean: 0.05, Stddev: 0.02, Members: 40}, ""
		}, h.Clock.Now())
	require.Len(t, snaps, 1)
	assert.InDelta(t, 17.5, snaps[0].ZScore, 1e-9)
	assert.InDelta(t, 0.35, snaps[0].Delta, 1e-9)
}
