package anomaly_test

import (
	"testing"
	"time"

	"github.com/malbeclabs/netintel/intel/internal/anomaly"
	"github.com/malbeclabs/netintel/intel/internal/config"
	"github.com/malbeclabs/netintel/intel/internal/domain"
	"github.com/malbeclabs/netintel/intel/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var bucket = time.Date(2025, 3, 1, 11, 0, 0, 0, time.UTC)

func tunables() *config.Tunables {
	tun := config.Default()
	tun.Anomaly.MinHistory = 6
	return tun
}

func snapshot(metric domain.MetricName, cohort domain.CohortKey, value, mean, stddev float64) domain.BenchmarkSnapshot {
	return domain.BenchmarkSnapshot{
		TenantID:     "tenant-a",
		Metric:       metric,
		Period:       "7d",
		CohortKey:    cohort,
		HourBucket:   bucket,
		Value:        value,
		CohortMean:   mean,
		CohortStddev: stddev,
		Delta:        value - mean,
		ZScore:       (value - mean) / stddev,
		Members:      8,
	}
}

// series returns hourly points ending at bucket: the reference values
// alternate between lo and hi, followed by tail.
func series(n int, lo, hi float64, tail ...float64) []store.Point {
	values := make([]float64, 0, n+len(tail))
	for i := 0; i < n; i++ {
		if i%2 == 0 {
			values = append(values, lo)
		} else {
			values = append(values, hi)
		}
	}
	values = append(values, tail...)
	out := make([]store.Point, len(values))
	start := bucket.Add(-time.Duration(len(values)-1) * time.Hour)
	for i, v := range values {
		out[i] = store.Point{Hour: start.Add(time.Duration(i) * time.Hour), Value: v}
	}
	return out
}

func TestIntel_Anomaly_Deviation(t *testing.T) {
	t.Parallel()

	t.Run("error rate far above cohort is critical", func(t *testing.T) {
		t.Parallel()
		d := anomaly.NewDetector(tunables())
		signals := d.Detect(anomaly.Input{
			TenantID:  "tenant-a",
			Bucket:    bucket,
			Snapshots: []domain.BenchmarkSnapshot{snapshot("error_rate", "region:us", 0.40, 0.05, 0.02)},
		})
		require.Len(t, signals, 1)
		s := signals[0]
		assert.Equal(t, domain.KindElevated, s.Kind)
		assert.Equal(t, domain.SeverityCritical, s.Severity)
		assert.InDelta(t, 17.5, s.Magnitude, 1e-9)
		assert.Equal(t, domain.CohortKey("region:us"), s.CohortKey)
		assert.Equal(t, bucket, s.DetectedAt)
	})

	t.Run("strongest cohort wins", func(t *testing.T) {
		t.Parallel()
		d := anomaly.NewDetector(tunables())
		signals := d.Detect(anomaly.Input{
			TenantID: "tenant-a",
			Bucket:   bucket,
			Snapshots: []domain.BenchmarkSnapshot{
				snapshot("error_rate", domain.GlobalCohort, 0.40, 0.10, 0.05),
				snapshot("error_rate", "region:us", 0.40, 0.05, 0.02),
			},
		})
		require.Len(t, signals, 1)
		assert.Equal(t, domain.CohortKey("region:us"), signals[0].CohortKey)
	})

	t.Run("below lowest band is not an anomaly", func(t *testing.T) {
		t.Parallel()
		d := anomaly.NewDetector(tunables())
		signals := d.Detect(anomaly.Input{
			TenantID:  "tenant-a",
			Bucket:    bucket,
			Snapshots: []domain.BenchmarkSnapshot{snapshot("error_rate", domain.GlobalCohort, 0.09, 0.05, 0.02)},
		})
		assert.Empty(t, signals)
	})

	t.Run("no baseline snapshots are ignored", func(t *testing.T) {
		t.Parallel()
		snap := snapshot("error_rate", domain.GlobalCohort, 0.40, 0.05, 0.02)
		snap.NoBaseline = true
		snap.NoBaselineReason = domain.NoBaselineCohortBelowMinimum
		d := anomaly.NewDetector(tunables())
		assert.Empty(t, d.Detect(anomaly.Input{TenantID: "tenant-a", Bucket: bucket, Snapshots: []domain.BenchmarkSnapshot{snap}}))
	})

	t.Run("severity is monotonic in magnitude", func(t *testing.T) {
		t.Parallel()
		d := anomaly.NewDetector(tunables())
		prev := 0
		for _, z := range []float64{3, 4, 5, 7, 8, 11, 12, 40} {
			signals := d.Detect(anomaly.Input{
				TenantID:  "tenant-a",
				Bucket:    bucket,
				Snapshots: []domain.BenchmarkSnapshot{snapshot("error_rate", domain.GlobalCohort, 1+z, 1, 1)},
			})
			require.Len(t, signals, 1, "z=%v", z)
			rank := signals[0].Severity.Rank()
			assert.GreaterOrEqual(t, rank, prev, "z=%v", z)
			prev = rank
		}
	})
}

func TestIntel_Anomaly_Direction(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		metric domain.MetricName
		z      float64
		want   domain.AnomalyKind
	}{
		{name: "error rate up", metric: "error_rate", z: 10, want: domain.KindElevated},
		{name: "error rate down is ignored", metric: "error_rate", z: -10},
		{name: "availability down", metric: "availability", z: -10, want: domain.KindSuppressed},
		{name: "availability up is ignored", metric: "availability", z: 10},
		{name: "throughput up", metric: "throughput_mbps", z: 10, want: domain.KindElevated},
		{name: "throughput down", metric: "throughput_mbps", z: -10, want: domain.KindSuppressed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			d := anomaly.NewDetector(tunables())
			signals := d.Detect(anomaly.Input{
				TenantID:  "tenant-a",
				Bucket:    bucket,
				Snapshots: []domain.BenchmarkSnapshot{snapshot(tt.metric, domain.GlobalCohort, 100+tt.z, 100, 1)},
			})
			if tt.want == "" {
				assert.Empty(t, signals)
				return
			}
			require.Len(t, signals, 1)
			assert.Equal(t, tt.want, signals[0].Kind)
		})
	}
}

func TestIntel_Anomaly_Shift(t *testing.T) {
	t.Parallel()

	t.Run("sustained move from own baseline", func(t *testing.T) {
		t.Parallel()
		d := anomaly.NewDetector(tunables())
		signals := d.Detect(anomaly.Input{
			TenantID: "tenant-a",
			Bucket:   bucket,
			History:  map[domain.MetricName][]store.Point{"latency_p95_ms": series(20, 10, 12, 30, 30, 30)},
		})
		require.Len(t, signals, 1)
		s := signals[0]
		assert.Equal(t, domain.KindShift, s.Kind)
		assert.Equal(t, domain.MetricName("latency_p95_ms"), s.Metric)
		assert.Empty(t, s.CohortKey)
		assert.Equal(t, domain.SeverityCritical, s.Severity)
	})

	t.Run("single spike is not a shift", func(t *testing.T) {
		t.Parallel()
		d := anomaly.NewDetector(tunables())
		signals := d.Detect(anomaly.Input{
			TenantID: "tenant-a",
			Bucket:   bucket,
			History:  map[domain.MetricName][]store.Point{"latency_p95_ms": series(20, 10, 12, 11, 11, 30)},
		})
		assert.Empty(t, signals)
	})

	t.Run("insufficient history", func(t *testing.T) {
		t.Parallel()
		d := anomaly.NewDetector(tunables())
		signals := d.Detect(anomaly.Input{
			TenantID: "tenant-a",
			Bucket:   bucket,
			History:  map[domain.MetricName][]store.Point{"latency_p95_ms": series(4, 10, 12, 30, 30, 30)},
		})
		assert.Empty(t, signals)
	})

	t.Run("gap in recent hours", func(t *testing.T) {
		t.Parallel()
		pts := series(20, 10, 12, 30, 30, 30)
		pts = append(pts[:len(pts)-2], pts[len(pts)-1])
		d := anomaly.NewDetector(tunables())
		signals := d.Detect(anomaly.Input{
			TenantID: "tenant-a",
			Bucket:   bucket,
			History:  map[domain.MetricName][]store.Point{"latency_p95_ms": pts},
		})
		assert.Empty(t, signals)
	})
}

func TestIntel_Anomaly_Volatility(t *testing.T) {
	t.Parallel()

	tun := tunables()
	tun.Anomaly.VolatilityWindow = 6 * time.Hour
	d := anomaly.NewDetector(tun)

	t.Run("variance spike", func(t *testing.T) {
		t.Parallel()
		signals := d.Detect(anomaly.Input{
			TenantID: "tenant-a",
			Bucket:   bucket,
			History:  map[domain.MetricName][]store.Point{"throughput_mbps": series(20, 10, 12, 0, 22, 0, 22, 0, 22)},
		})
		require.Len(t, signals, 1)
		s := signals[0]
		assert.Equal(t, domain.KindVolatility, s.Kind)
		assert.Equal(t, domain.SeverityCritical, s.Severity)
		assert.Greater(t, s.Magnitude, tun.Anomaly.VolatilityMultiple)
	})

	t.Run("steady series", func(t *testing.T) {
		t.Parallel()
		signals := d.Detect(anomaly.Input{
			TenantID: "tenant-a",
			Bucket:   bucket,
			History:  map[domain.MetricName][]store.Point{"throughput_mbps": series(26, 10, 12)},
		})
		assert.Empty(t, signals)
	})

	t.Run("stale series", func(t *testing.T) {
		t.Parallel()
		pts := series(20, 10, 12, 0, 22, 0, 22, 0, 22)
		signals := d.Detect(anomaly.Input{
			TenantID: "tenant-a",
			Bucket:   bucket.Add(time.Hour),
			History:  map[domain.MetricName][]store.Point{"throughput_mbps": pts},
		})
		assert.Empty(t, signals)
	})
}

func TestIntel_Anomaly_FeatureVector(t *testing.T) {
	t.Parallel()

	fv := anomaly.FeatureVector([]domain.AnomalySignal{
		{Kind: domain.KindElevated},
		{Kind: domain.KindElevated},
		{Kind: domain.KindShift},
		{Kind: domain.KindVolatility},
	})
	assert.InDelta(t, 0.5, fv.Get(domain.KindElevated), 1e-9)
	assert.InDelta(t, 0.25, fv.Get(domain.KindShift), 1e-9)
	assert.InDelta(t, 0.25, fv.Get(domain.KindVolatility), 1e-9)
	assert.Zero(t, fv.Get(domain.KindSuppressed))
	assert.True(t, anomaly.FeatureVector(nil).IsZero())
}
