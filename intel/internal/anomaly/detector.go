package anomaly

import (
	"math"
	"sort"
	"time"

	"github.com/malbeclabs/netintel/intel/internal/config"
	"github.com/malbeclabs/netintel/intel/internal/domain"
	"github.com/malbeclabs/netintel/intel/internal/stats"
	"github.com/malbeclabs/netintel/intel/internal/store"
)

// Input is everything the detector needs for one tenant and bucket.
type Input struct {
	TenantID domain.TenantID
	Bucket   time.Time
	// Snapshots are the tenant's benchmark snapshots at Bucket.
	Snapshots []domain.BenchmarkSnapshot
	// History is the tenant's own series per metric, oldest first, ending at
	// Bucket.
	History map[domain.MetricName][]store.Point
}

type Detector struct {
	tun *config.Tunables
}

func NewDetector(tun *config.Tunables) *Detector {
	return &Detector{tun: tun}
}

// Detect returns the anomaly signals for in, ordered by metric then kind.
// Rationale is left empty.
func (d *Detector) Detect(in Input) []domain.AnomalySignal {
	var out []domain.AnomalySignal
	for _, mc := range d.tun.Metrics {
		if sig, ok := d.deviation(in, mc); ok {
			out = append(out, sig)
		}
		series := in.History[mc.Name]
		if sig, ok := d.shift(in, mc, series); ok {
			out = append(out, sig)
		}
		if sig, ok := d.volatility(in, mc, series); ok {
			out = append(out, sig)
		}
	}
	sortSignals(out)
	return out
}

// deviation classifies the strongest cohort z-score for the metric as
// elevated or suppressed.
func (d *Detector) deviation(in Input, mc config.MetricConfig) (domain.AnomalySignal, bool) {
	var best *domain.BenchmarkSnapshot
	for i := range in.Snapshots {
		s := &in.Snapshots[i]
		if s.Metric != mc.Name || s.NoBaseline || !stats.Finite(s.ZScore) {
			continue
		}
		if s.ZScore > 0 && !mc.Direction.AllowsUp() || s.ZScore < 0 && !mc.Direction.AllowsDown() {
			continue
		}
		if best == nil || math.Abs(s.ZScore) > math.Abs(best.ZScore) ||
			math.Abs(s.ZScore) == math.Abs(best.ZScore) && s.CohortKey < best.CohortKey {
			best = s
		}
	}
	if best == nil {
		return domain.AnomalySignal{}, false
	}
	mag := math.Abs(best.ZScore)
	sev, ok := d.tun.Anomaly.DeviationBands.Classify(mag)
	if !ok {
		return domain.AnomalySignal{}, false
	}
	kind := domain.KindElevated
	if best.ZScore < 0 {
		kind = domain.KindSuppressed
	}
	return domain.AnomalySignal{
		TenantID:   in.TenantID,
		Metric:     mc.Name,
		DetectedAt: in.Bucket,
		Kind:       kind,
		Severity:   sev,
		Magnitude:  mag,
		CohortKey:  best.CohortKey,
	}, true
}

// shift fires when the most recent ShiftPeriods hourly values all sit at
// least ShiftThreshold reference deviations away from the tenant's own
// reference mean, on the same side.
func (d *Detector) shift(in Input, mc config.MetricConfig, series []store.Point) (domain.AnomalySignal, bool) {
	cfg := d.tun.Anomaly
	n := cfg.ShiftPeriods
	if len(series) < n || !series[len(series)-1].Hour.Equal(in.Bucket) {
		return domain.AnomalySignal{}, false
	}
	recent := series[len(series)-n:]
	for i := 1; i < len(recent); i++ {
		if recent[i].Hour.Sub(recent[i-1].Hour) != time.Hour {
			return domain.AnomalySignal{}, false
		}
	}
	refFrom := in.Bucket.Add(-cfg.ReferenceWindow)
	reference := between(series, refFrom, recent[0].Hour)
	if len(reference) < cfg.MinHistory {
		return domain.AnomalySignal{}, false
	}
	sum := stats.Summarize(reference)
	if sum.Stddev == 0 {
		return domain.AnomalySignal{}, false
	}

	sign := 0
	mag := math.Inf(1)
	for _, p := range recent {
		z := (p.Value - sum.Mean) / sum.Stddev
		s := 1
		if z < 0 {
			s = -1
		}
		if math.Abs(z) < cfg.ShiftThreshold || sign != 0 && s != sign {
			return domain.AnomalySignal{}, false
		}
		sign = s
		mag = math.Min(mag, math.Abs(z))
	}
	if sign > 0 && !mc.Direction.AllowsUp() || sign < 0 && !mc.Direction.AllowsDown() {
		return domain.AnomalySignal{}, false
	}
	sev, ok := cfg.DeviationBands.Classify(mag)
	if !ok {
		return domain.AnomalySignal{}, false
	}
	return domain.AnomalySignal{
		TenantID:   in.TenantID,
		Metric:     mc.Name,
		DetectedAt: in.Bucket,
		Kind:       domain.KindShift,
		Severity:   sev,
		Magnitude:  mag,
	}, true
}

// volatility compares the variance of the hours after the volatility split
// with the variance of the reference hours up to and including it.
func (d *Detector) volatility(in Input, mc config.MetricConfig, series []store.Point) (domain.AnomalySignal, bool) {
	cfg := d.tun.Anomaly
	if len(series) == 0 || !series[len(series)-1].Hour.Equal(in.Bucket) {
		return domain.AnomalySignal{}, false
	}
	split := in.Bucket.Add(-cfg.VolatilityWindow)
	recent := between(series, split.Add(time.Hour), in.Bucket.Add(time.Hour))
	reference := between(series, in.Bucket.Add(-cfg.ReferenceWindow), split.Add(time.Hour))
	if len(recent) < 3 || len(reference) < cfg.MinHistory {
		return domain.AnomalySignal{}, false
	}
	refVar := stats.Variance(reference)
	if refVar == 0 {
		return domain.AnomalySignal{}, false
	}
	ratio := stats.Variance(recent) / refVar
	if ratio < cfg.VolatilityMultiple {
		return domain.AnomalySignal{}, false
	}
	sev, ok := cfg.VolatilityBands.Classify(ratio)
	if !ok {
		return domain.AnomalySignal{}, false
	}
	return domain.AnomalySignal{
		TenantID:   in.TenantID,
		Metric:     mc.Name,
		DetectedAt: in.Bucket,
		Kind:       domain.KindVolatility,
		Severity:   sev,
		Magnitude:  ratio,
	}, true
}

// between returns the values of points with from <= hour < to.
func between(series []store.Point, from, to time.Time) []float64 {
	var out []float64
	for _, p := range series {
		if !p.Hour.Before(from) && p.Hour.Before(to) {
			out = append(out, p.Value)
		}
	}
	return out
}

// FeatureVector summarizes signals into the normalized per-kind mix used
// for pattern matching.
func FeatureVector(signals []domain.AnomalySignal) domain.FeatureVector {
	counts := make(map[domain.AnomalyKind]int)
	for _, s := range signals {
		counts[s.Kind]++
	}
	return domain.NewFeatureVector(counts)
}

func sortSignals(signals []domain.AnomalySignal) {
	sort.SliceStable(signals, func(i, j int) bool {
		if signals[i].Metric != signals[j].Metric {
			return signals[i].Metric < signals[j].Metric
		}
		return signals[i].Kind < signals[j].Kind
	})
}
