package domain

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

type TenantID string

// Fingerprint is the opaque stand-in for a tenant in any structure that is
// shared across tenants.
type Fingerprint string

type MetricName string

type CohortKey string

const GlobalCohort CohortKey = "global"

const (
	cohortPrefixRegion   = "region:"
	cohortPrefixSize     = "size:"
	cohortPrefixVertical = "vertical:"
)

func RegionCohort(v string) CohortKey   { return CohortKey(cohortPrefixRegion + normalizeAttr(v)) }
func SizeCohort(v string) CohortKey     { return CohortKey(cohortPrefixSize + normalizeAttr(v)) }
func VerticalCohort(v string) CohortKey { return CohortKey(cohortPrefixVertical + normalizeAttr(v)) }

func normalizeAttr(v string) string {
	return strings.ToLower(strings.TrimSpace(v))
}

func (c CohortKey) Valid() bool {
	s := string(c)
	if c == GlobalCohort {
		return true
	}
	for _, p := range []string{cohortPrefixRegion, cohortPrefixSize, cohortPrefixVertical} {
		if strings.HasPrefix(s, p) && len(s) > len(p) {
			return true
		}
	}
	return false
}

// Tenant is a row of the private tenant directory. It is owned by the
// ingestion stage and never copied into cohort or global structures.
type Tenant struct {
	ID       TenantID `json:"id" yaml:"id"`
	Region   string   `json:"region,omitempty" yaml:"region"`
	Size     string   `json:"size,omitempty" yaml:"size"`
	Vertical string   `json:"vertical,omitempty" yaml:"vertical"`
}

// Period names a trailing baseline window.
type Period struct {
	Name   string
	Window time.Duration
}

func (p Period) String() string { return p.Name }

// TelemetryRecord is one hourly metrics row for one tenant.
type TelemetryRecord struct {
	TenantID    TenantID
	Fingerprint Fingerprint
	HourBucket  time.Time
	Metrics     map[MetricName]float64
	IngestedAt  time.Time
}

// CohortBaseline is a cohort-level statistic for one metric and period. It
// is identity-free and versioned by WindowEnd.
type CohortBaseline struct {
	CohortKey  CohortKey
	Metric     MetricName
	Period     string
	WindowEnd  time.Time
	Mean       float64
	Variance   float64
	Stddev     float64
	P50        float64
	P90        float64
	Members    int
	Samples    int
	ComputedAt time.Time
}

const (
	NoBaselineNoHistory          = "no_history"
	NoBaselineCohortBelowMinimum = "cohort_below_minimum"
	NoBaselineZeroVariance       = "zero_variance"
)

type BenchmarkSnapshot struct {
	TenantID         TenantID
	Metric           MetricName
	Period           string
	CohortKey        CohortKey
	HourBucket       time.Time
	Value            float64
	CohortMean       float64
	CohortStddev     float64
	CohortP50        float64
	CohortP90        float64
	Delta            float64
	ZScore           float64
	Members          int
	NoBaseline       bool
	NoBaselineReason string
	ComputedAt       time.Time
}

type AnomalyKind string

const (
	KindElevated   AnomalyKind = "elevated"
	KindSuppressed AnomalyKind = "suppressed"
	KindShift      AnomalyKind = "shift"
	KindVolatility AnomalyKind = "volatility"
)

// AnomalyKinds is the fixed dimension order of a FeatureVector.
var AnomalyKinds = []AnomalyKind{KindElevated, KindSuppressed, KindShift, KindVolatility}

func (k AnomalyKind) Valid() bool {
	switch k {
	case KindElevated, KindSuppressed, KindShift, KindVolatility:
		return true
	}
	return false
}

func (k AnomalyKind) index() int {
	for i, kk := range AnomalyKinds {
		if kk == k {
			return i
		}
	}
	return -1
}

type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

func (s Severity) Rank() int {
	switch s {
	case SeverityLow:
		return 1
	case SeverityMedium:
		return 2
	case SeverityHigh:
		return 3
	case SeverityCritical:
		return 4
	}
	return 0
}

// AnomalySignal carries only metric identifiers and computed scores, never
// the raw telemetry values that produced it.
type AnomalySignal struct {
	TenantID   TenantID
	Metric     MetricName
	DetectedAt time.Time
	Kind       AnomalyKind
	Severity   Severity
	Magnitude  float64
	CohortKey  CohortKey
	Rationale  string
}

// FeatureVector holds one normalized rate per anomaly kind, in AnomalyKinds
// order.
type FeatureVector [4]float64

func (v FeatureVector) Get(k AnomalyKind) float64 {
	i := k.index()
	if i < 0 {
		return 0
	}
	return v[i]
}

func (v FeatureVector) Slice() []float64 { return v[:] }

func (v FeatureVector) IsZero() bool { return v == FeatureVector{} }

// NewFeatureVector normalizes kind counts to a distribution that sums to 1.
func NewFeatureVector(counts map[AnomalyKind]int) FeatureVector {
	var v FeatureVector
	var total int
	for k, c := range counts {
		if i := k.index(); i >= 0 && c > 0 {
			v[i] = float64(c)
			total += c
		}
	}
	if total == 0 {
		return FeatureVector{}
	}
	for i := range v {
		v[i] /= float64(total)
	}
	return v
}

// TopFeatures returns the non-zero kinds ordered by descending weight.
func (v FeatureVector) TopFeatures() []AnomalyKind {
	var out []AnomalyKind
	for _, k := range AnomalyKinds {
		if v.Get(k) > 0 {
			out = append(out, k)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return v.Get(out[i]) > v.Get(out[j]) })
	return out
}

// CohortObservation is the aggregate unit pattern mining consumes: anomaly
// counts per kind for one cohort and one time window.
type CohortObservation struct {
	CohortKey   CohortKey
	WindowStart time.Time
	Counts      map[AnomalyKind]int
}

func (o CohortObservation) KindSet() []AnomalyKind {
	var out []AnomalyKind
	for _, k := range AnomalyKinds {
		if o.Counts[k] > 0 {
			out = append(out, k)
		}
	}
	return out
}

type PatternSignature struct {
	ID           string
	CohortKey    CohortKey
	Window       time.Duration
	Kinds        []AnomalyKind
	Features     FeatureVector
	Support      int
	Observations int
	Description  string
	Version      int64
	UpdatedAt    time.Time
}

type WarningStatus string

const (
	WarningOpen         WarningStatus = "open"
	WarningAcknowledged WarningStatus = "acknowledged"
	WarningDismissed    WarningStatus = "dismissed"
)

func ParseWarningStatus(s string) (WarningStatus, error) {
	switch WarningStatus(s) {
	case WarningOpen, WarningAcknowledged, WarningDismissed:
		return WarningStatus(s), nil
	}
	return "", fmt.Errorf("unknown warning status %q", s)
}

type EarlyWarning struct {
	TenantID        TenantID
	PatternID       string
	CohortKey       CohortKey
	MatchScore      float64
	Status          WarningStatus
	Rationale       string
	CreatedAt       time.Time
	LastMatchedAt   time.Time
	StatusChangedAt time.Time
	StatusChangedBy string
}

// ReviewItem flags a unit of work that exhausted its retries.
type ReviewItem struct {
	Stage      string
	Unit       string
	HourBucket time.Time
	Reason     string
	CreatedAt  time.Time
}
