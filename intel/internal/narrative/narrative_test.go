package narrative_test

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/malbeclabs/netintel/intel/internal/domain"
	"github.com/malbeclabs/netintel/intel/internal/narrative"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeNarrator struct {
	text  string
	err   error
	delay time.Duration
	calls int
	last  narrative.Request
}

func (f *fakeNarrator) Narrate(ctx context.Context, req narrative.Request) (string, error) {
	f.calls++
	f.last = req
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	return f.text, f.err
}

func newWriter(t *testing.T, n narrative.Narrator, timeout time.Duration) *narrative.Writer {
	t.Helper()
	w, err := narrative.New(&narrative.Config{
		Logger:   slog.New(slog.NewTextHandler(os.Stderr, nil)),
		Narrator: n,
		Timeout:  timeout,
	})
	require.NoError(t, err)
	return w
}

func TestIntel_Narrative_Explain(t *testing.T) {
	t.Parallel()

	req := narrative.Request{Kind: domain.KindElevated, Severity: domain.SeverityCritical, Magnitude: 17.5}

	t.Run("disabled never calls the model", func(t *testing.T) {
		t.Parallel()
		n := &fakeNarrator{text: "model text"}
		w := newWriter(t, n, time.Second)
		assert.Equal(t, "fallback", w.Explain(context.Background(), false, req, "fallback"))
		assert.Zero(t, n.calls)
	})

	t.Run("enabled uses the model", func(t *testing.T) {
		t.Parallel()
		n := &fakeNarrator{text: "  Error rate is far above peers.  "}
		w := newWriter(t, n, time.Second)
		assert.Equal(t, "Error rate is far above peers.", w.Explain(context.Background(), true, req, "fallback"))
		assert.Equal(t, req, n.last)
	})

	t.Run("errors fall back", func(t *testing.T) {
		t.Parallel()
		w := newWriter(t, &fakeNarrator{err: errors.New("rate limited")}, time.Second)
		assert.Equal(t, "fallback", w.Explain(context.Background(), true, req, "fallback"))
	})

	t.Run("timeouts fall back", func(t *testing.T) {
		t.Parallel()
		w := newWriter(t, &fakeNarrator{text: "late", delay: time.Second}, 10*time.Millisecond)
		assert.Equal(t, "fallback", w.Explain(context.Background(), true, req, "fallback"))
	})

	t.Run("no narrator configured", func(t *testing.T) {
		t.Parallel()
		w := newWriter(t, nil, time.Second)
		assert.Equal(t, "fallback", w.Explain(context.Background(), true, req, "fallback"))
	})
}

func TestIntel_Narrative_Templates(t *testing.T) {
	t.Parallel()

	assert.Equal(t,
		"error_rate is 17.5 standard deviations above the region:us cohort baseline (critical).",
		narrative.AnomalyTemplate("error_rate", domain.KindElevated, domain.SeverityCritical, 17.5, "region:us"))

	fv := domain.NewFeatureVector(map[domain.AnomalyKind]int{domain.KindElevated: 3, domain.KindVolatility: 1})
	assert.Equal(t, "Co-occurring elevated 75%, volatility 25% anomalies within 2h0m0s windows.", narrative.PatternTemplate(fv, 2*time.Hour))
	assert.Equal(t, "No anomaly activity.", narrative.PatternTemplate(domain.FeatureVector{}, time.Hour))
}

func TestIntel_Narrative_PromptCarriesNoIdentity(t *testing.T) {
	t.Parallel()

	p := narrative.Prompt(narrative.Request{
		Kind: domain.KindShift, Severity: domain.SeverityHigh, Magnitude: 8.25,
		Features: domain.NewFeatureVector(map[domain.AnomalyKind]int{domain.KindShift: 1}),
	})
	assert.Contains(t, p, "Anomaly kind: shift")
	assert.Contains(t, p, "Magnitude: 8.25")
	assert.Contains(t, p, "shift=1.00")
	assert.NotContains(t, p, "tenant")
}
