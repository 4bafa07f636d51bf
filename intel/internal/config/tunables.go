// Package config holds the pipeline tunables. They are loaded from YAML so
// that thresholds and severity cut points can be recalibrated without a code
// change.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/malbeclabs/netintel/intel/internal/domain"
	"gopkg.in/yaml.v3"
)

const (
	defaultMinCohortSize     = 5
	defaultPoolSize          = 8
	defaultLeaseTTL          = 10 * time.Minute
	defaultRetryMaxAttempts  = 4
	defaultRetryInitialDelay = 200 * time.Millisecond
	defaultRetryMaxDelay     = 5 * time.Second

	defaultShiftPeriods       = 3
	defaultShiftThreshold     = 3.0
	defaultReferenceWindow    = 7 * 24 * time.Hour
	defaultVolatilityWindow   = 24 * time.Hour
	defaultVolatilityMultiple = 3.0
	defaultMinHistory         = 24

	defaultPatternWindow    = 2 * time.Hour
	defaultMiningLookback   = 7 * 24 * time.Hour
	defaultMinSupport       = 5
	defaultMatchLookback    = 24 * time.Hour
	defaultMatchThreshold   = 0.75
	defaultCatalogMaxAge    = 7 * 24 * time.Hour
	defaultNarrativeTimeout = 5 * time.Second
)

var (
	defaultMetrics = []MetricConfig{
		{Name: "error_rate", Direction: DirectionUp},
		{Name: "latency_p95_ms", Direction: DirectionUp},
		{Name: "packet_loss", Direction: DirectionUp},
		{Name: "throughput_mbps", Direction: DirectionBoth},
		{Name: "availability", Direction: DirectionDown},
	}
	defaultPeriods = []PeriodConfig{
		{Name: "7d", Window: 7 * 24 * time.Hour},
		{Name: "30d", Window: 30 * 24 * time.Hour},
	}
	defaultDeviationBands  = Bands{Low: 3, Medium: 5, High: 8, Critical: 12}
	defaultVolatilityBands = Bands{Low: 3, Medium: 5, High: 10, Critical: 20}
)

type Direction string

const (
	DirectionUp   Direction = "up"
	DirectionDown Direction = "down"
	DirectionBoth Direction = "both"
)

func (d Direction) AllowsUp() bool   { return d == DirectionUp || d == DirectionBoth }
func (d Direction) AllowsDown() bool { return d == DirectionDown || d == DirectionBoth }

type MetricConfig struct {
	Name      domain.MetricName `yaml:"name"`
	Direction Direction         `yaml:"direction"`
}

type PeriodConfig struct {
	Name   string        `yaml:"name"`
	Window time.Duration `yaml:"window"`
}

// Bands are the lower bounds of each severity. They must be strictly
// increasing, which keeps the mapping from magnitude to severity monotonic.
type Bands struct {
	Low      float64 `yaml:"low"`
	Medium   float64 `yaml:"medium"`
	High     float64 `yaml:"high"`
	Critical float64 `yaml:"critical"`
}

func (b Bands) Validate() error {
	if !(b.Low > 0 && b.Low < b.Medium && b.Medium < b.High && b.High < b.Critical) {
		return fmt.Errorf("severity bands must be positive and strictly increasing (got %+v)", b)
	}
	return nil
}

// Classify returns the severity for magnitude, or false when it is below the
// lowest band.
func (b Bands) Classify(magnitude float64) (domain.Severity, bool) {
	switch {
	case magnitude >= b.Critical:
		return domain.SeverityCritical, true
	case magnitude >= b.High:
		return domain.SeverityHigh, true
	case magnitude >= b.Medium:
		return domain.SeverityMedium, true
	case magnitude >= b.Low:
		return domain.SeverityLow, true
	}
	return "", false
}

type AnomalyConfig struct {
	DeviationBands     Bands         `yaml:"deviation_bands"`
	VolatilityBands    Bands         `yaml:"volatility_bands"`
	ShiftPeriods       int           `yaml:"shift_periods"`
	ShiftThreshold     float64       `yaml:"shift_threshold"`
	ReferenceWindow    time.Duration `yaml:"reference_window"`
	VolatilityWindow   time.Duration `yaml:"volatility_window"`
	VolatilityMultiple float64       `yaml:"volatility_multiple"`
	MinHistory         int           `yaml:"min_history"`
}

type PatternConfig struct {
	Window         time.Duration `yaml:"window"`
	MiningLookback time.Duration `yaml:"mining_lookback"`
	MinSupport     int           `yaml:"min_support"`
	MatchLookback  time.Duration `yaml:"match_lookback"`
	MatchThreshold float64       `yaml:"match_threshold"`
	CatalogMaxAge  time.Duration `yaml:"catalog_max_age"`
}

type RetryConfig struct {
	MaxAttempts  int           `yaml:"max_attempts"`
	InitialDelay time.Duration `yaml:"initial_delay"`
	MaxDelay     time.Duration `yaml:"max_delay"`
}

type Tunables struct {
	Metrics []MetricConfig `yaml:"metrics"`
	Periods []PeriodConfig `yaml:"periods"`

	// MinCohortSize is the hard floor below which no cohort-level statistic
	// or pattern is published. 1 disables the floor.
	MinCohortSize int `yaml:"min_cohort_size"`

	PoolSize         int           `yaml:"pool_size"`
	LeaseTTL         time.Duration `yaml:"lease_ttl"`
	NarrativeTimeout time.Duration `yaml:"narrative_timeout"`

	Anomaly AnomalyConfig `yaml:"anomaly"`
	Pattern PatternConfig `yaml:"pattern"`
	Retry   RetryConfig   `yaml:"retry"`
}

func Default() *Tunables {
	t := &Tunables{}
	_ = t.Validate()
	return t
}

// Load reads tunables from path. An empty path returns the defaults.
func Load(path string) (*Tunables, error) {
	if path == "" {
		return Default(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read tunables: %w", err)
	}
	return Parse(data)
}

func Parse(data []byte) (*Tunables, error) {
	var t Tunables
	if err := yaml.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("failed to parse tunables: %w", err)
	}
	if err := t.Validate(); err != nil {
		return nil, err
	}
	return &t, nil
}

func (t *Tunables) Validate() error {
	if len(t.Metrics) == 0 {
		t.Metrics = append([]MetricConfig(nil), defaultMetrics...)
	}
	seen := make(map[domain.MetricName]bool, len(t.Metrics))
	for i := range t.Metrics {
		m := &t.Metrics[i]
		if m.Name == "" {
			return errors.New("metric name is required")
		}
		if seen[m.Name] {
			return fmt.Errorf("duplicate metric %q", m.Name)
		}
		seen[m.Name] = true
		switch m.Direction {
		case "":
			m.Direction = DirectionBoth
		case DirectionUp, DirectionDown, DirectionBoth:
		default:
			return fmt.Errorf("metric %q: unknown direction %q", m.Name, m.Direction)
		}
	}
	if len(t.Periods) == 0 {
		t.Periods = append([]PeriodConfig(nil), defaultPeriods...)
	}
	for _, p := range t.Periods {
		if p.Name == "" || p.Window < time.Hour {
			return fmt.Errorf("period %q must be named and span at least one hour", p.Name)
		}
	}
	if t.MinCohortSize <= 0 {
		t.MinCohortSize = defaultMinCohortSize
	}
	if t.PoolSize <= 0 {
		t.PoolSize = defaultPoolSize
	}
	if t.LeaseTTL <= 0 {
		t.LeaseTTL = defaultLeaseTTL
	}
	if t.NarrativeTimeout <= 0 {
		t.NarrativeTimeout = defaultNarrativeTimeout
	}
	if err := t.Anomaly.validate(); err != nil {
		return err
	}
	if err := t.Pattern.validate(); err != nil {
		return err
	}
	if t.Retry.MaxAttempts <= 0 {
		t.Retry.MaxAttempts = defaultRetryMaxAttempts
	}
	if t.Retry.InitialDelay <= 0 {
		t.Retry.InitialDelay = defaultRetryInitialDelay
	}
	if t.Retry.MaxDelay <= 0 {
		t.Retry.MaxDelay = defaultRetryMaxDelay
	}
	return nil
}

func (a *AnomalyConfig) validate() error {
	if a.DeviationBands == (Bands{}) {
		a.DeviationBands = defaultDeviationBands
	}
	if err := a.DeviationBands.Validate(); err != nil {
		return fmt.Errorf("deviation_bands: %w", err)
	}
	if a.VolatilityBands == (Bands{}) {
		a.VolatilityBands = defaultVolatilityBands
	}
	if err := a.VolatilityBands.Validate(); err != nil {
		return fmt.Errorf("volatility_bands: %w", err)
	}
	if a.ShiftPeriods <= 0 {
		a.ShiftPeriods = defaultShiftPeriods
	}
	if a.ShiftThreshold <= 0 {
		a.ShiftThreshold = defaultShiftThreshold
	}
	if a.ReferenceWindow <= 0 {
		a.ReferenceWindow = defaultReferenceWindow
	}
	if a.VolatilityWindow <= 0 {
		a.VolatilityWindow = defaultVolatilityWindow
	}
	if a.VolatilityMultiple <= 1 {
		a.VolatilityMultiple = defaultVolatilityMultiple
	}
	if a.MinHistory <= 0 {
		a.MinHistory = defaultMinHistory
	}
	if a.VolatilityWindow >= a.ReferenceWindow {
		return errors.New("volatility_window must be shorter than reference_window")
	}
	return nil
}

func (p *PatternConfig) validate() error {
	if p.Window <= 0 {
		p.Window = defaultPatternWindow
	}
	if p.Window%time.Hour != 0 {
		return fmt.Errorf("pattern window must be a whole number of hours (got %s)", p.Window)
	}
	if p.MiningLookback <= 0 {
		p.MiningLookback = defaultMiningLookback
	}
	if p.MinSupport <= 0 {
		p.MinSupport = defaultMinSupport
	}
	if p.MatchLookback <= 0 {
		p.MatchLookback = defaultMatchLookback
	}
	if p.MatchThreshold <= 0 {
		p.MatchThreshold = defaultMatchThreshold
	}
	if p.MatchThreshold >= 1 {
		return fmt.Errorf("match_threshold must be within (0, 1) (got %v)", p.MatchThreshold)
	}
	if p.CatalogMaxAge <= 0 {
		p.CatalogMaxAge = defaultCatalogMaxAge
	}
	return nil
}

func (t *Tunables) MetricNames() []domain.MetricName {
	out := make([]domain.MetricName, len(t.Metrics))
	for i, m := range t.Metrics {
		out[i] = m.Name
	}
	return out
}

func (t *Tunables) Metric(name domain.MetricName) (MetricConfig, bool) {
	for _, m := range t.Metrics {
		if m.Name == name {
			return m, true
		}
	}
	return MetricConfig{}, false
}

func (t *Tunables) DomainPeriods() []domain.Period {
	out := make([]domain.Period, len(t.Periods))
	for i, p := range t.Periods {
		out[i] = domain.Period{Name: p.Name, Window: p.Window}
	}
	return out
}
