package stats_test

import (
	"math"
	"testing"

	"github.com/malbeclabs/netintel/intel/internal/stats"
	"github.com/stretchr/testify/assert"
)

func TestIntel_Stats_Summarize(t *testing.T) {
	t.Parallel()

	t.Run("empty", func(t *testing.T) {
		t.Parallel()
		assert.Equal(t, stats.Summary{}, stats.Summarize(nil))
	})

	t.Run("single value has zero variance", func(t *testing.T) {
		t.Parallel()
		s := stats.Summarize([]float64{4})
		assert.Equal(t, 1, s.N)
		assert.Equal(t, 4.0, s.Mean)
		assert.Zero(t, s.Variance)
		assert.Equal(t, 4.0, s.P50)
	})

	t.Run("mean variance quantiles", func(t *testing.T) {
		t.Parallel()
		in := []float64{5, 1, 4, 2, 3, 6, 7, 8, 9, 10}
		s := stats.Summarize(in)
		assert.Equal(t, 10, s.N)
		assert.InDelta(t, 5.5, s.Mean, 1e-9)
		assert.InDelta(t, 9.1666666, s.Variance, 1e-6)
		assert.InDelta(t, math.Sqrt(9.1666666), s.Stddev, 1e-6)
		assert.Equal(t, 5.0, s.P50)
		assert.Equal(t, 9.0, s.P90)
		assert.Equal(t, 5.0, in[0], "input must not be reordered")
	})
}

func TestIntel_Stats_Cosine(t *testing.T) {
	t.Parallel()

	assert.InDelta(t, 1.0, stats.Cosine([]float64{1, 2, 0, 0}, []float64{2, 4, 0, 0}), 1e-12)
	assert.InDelta(t, 0.0, stats.Cosine([]float64{1, 0, 0, 0}, []float64{0, 1, 0, 0}), 1e-12)
	assert.Zero(t, stats.Cosine([]float64{0, 0}, []float64{1, 1}))
	assert.Zero(t, stats.Cosine([]float64{1}, []float64{1, 1}))
}

func TestIntel_Stats_Finite(t *testing.T) {
	t.Parallel()

	assert.True(t, stats.Finite(0.4))
	assert.False(t, stats.Finite(math.NaN()))
	assert.False(t, stats.Finite(math.Inf(1)))
}
