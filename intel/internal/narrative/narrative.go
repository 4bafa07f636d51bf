// Package narrative turns anomaly and pattern scores into short human
// readable explanations. An external model may be used when the tenant has
// opted in; otherwise, or on any failure, a deterministic template is used.
package narrative

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/malbeclabs/netintel/intel/internal/domain"
	"github.com/malbeclabs/netintel/intel/internal/metrics"
)

const defaultTimeout = 5 * time.Second

// Request is everything a narrator is allowed to see. It never carries tenant
// identifiers or raw telemetry values.
type Request struct {
	Kind      domain.AnomalyKind
	Severity  domain.Severity
	Magnitude float64
	Features  domain.FeatureVector
}

type Narrator interface {
	Narrate(ctx context.Context, req Request) (string, error)
}

type Config struct {
	Logger   *slog.Logger
	Narrator Narrator
	Timeout  time.Duration
}

func (c *Config) Validate() error {
	if c.Logger == nil {
		return errors.New("logger is required")
	}
	if c.Timeout <= 0 {
		c.Timeout = defaultTimeout
	}
	return nil
}

type Writer struct {
	log *slog.Logger
	cfg *Config
}

func New(cfg *Config) (*Writer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("failed to validate config: %w", err)
	}
	return &Writer{log: cfg.Logger, cfg: cfg}, nil
}

// Explain returns the model narrative when enabled and available, else
// fallback.
func (w *Writer) Explain(ctx context.Context, enabled bool, req Request, fallback string) string {
	if w == nil || !enabled || w.cfg.Narrator == nil {
		return fallback
	}
	ctx, cancel := context.WithTimeout(ctx, w.cfg.Timeout)
	defer cancel()
	text, err := w.cfg.Narrator.Narrate(ctx, req)
	text = strings.TrimSpace(text)
	if err != nil || text == "" {
		metrics.NarrativeRequests.WithLabelValues("fallback").Inc()
		w.log.Debug("Narrative unavailable, using template", "kind", req.Kind, "error", err)
		return fallback
	}
	metrics.NarrativeRequests.WithLabelValues("ok").Inc()
	return text
}

// AnomalyTemplate is the deterministic rationale for an anomaly signal.
func AnomalyTemplate(metric domain.MetricName, kind domain.AnomalyKind, severity domain.Severity, magnitude float64, cohort domain.CohortKey) string {
	switch kind {
	case domain.KindElevated:
		return fmt.Sprintf("%s is %.1f standard deviations above the %s cohort baseline (%s).", metric, magnitude, cohort, severity)
	case domain.KindSuppressed:
		return fmt.Sprintf("%s is %.1f standard deviations below the %s cohort baseline (%s).", metric, magnitude, cohort, severity)
	case domain.KindShift:
		return fmt.Sprintf("%s has moved at least %.1f standard deviations from its own recent baseline for several consecutive hours (%s).", metric, magnitude, severity)
	case domain.KindVolatility:
		return fmt.Sprintf("%s variance is %.1fx its usual level (%s).", metric, magnitude, severity)
	}
	return fmt.Sprintf("%s shows a %s %s anomaly.", metric, severity, kind)
}

// PatternTemplate describes a pattern by its dominant anomaly kinds.
func PatternTemplate(features domain.FeatureVector, window time.Duration) string {
	top := features.TopFeatures()
	if len(top) == 0 {
		return "No anomaly activity."
	}
	parts := make([]string, len(top))
	for i, k := range top {
		parts[i] = fmt.Sprintf("%s %.0f%%", k, features.Get(k)*100)
	}
	return fmt.Sprintf("Co-occurring %s anomalies within %s windows.", strings.Join(parts, ", "), window)
}

// MatchTemplate is the rationale attached to an early warning.
func MatchTemplate(p domain.PatternSignature, score float64) string {
	return fmt.Sprintf("Recent anomaly mix matches a %s cohort pattern (similarity %.2f). %s", p.CohortKey, score, p.Description)
}
