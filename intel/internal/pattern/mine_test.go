package pattern_test

import (
	"testing"
	"time"

	"github.com/malbeclabs/netintel/intel/internal/domain"
	"github.com/malbeclabs/netintel/intel/internal/pattern"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var end = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

func observation(start time.Time, counts map[domain.AnomalyKind]int) domain.CohortObservation {
	return domain.CohortObservation{CohortKey: "size:small", WindowStart: start, Counts: counts}
}

// coOccurring returns 8 observations: 6 where elevated and volatility
// anomalies share a window and 2 with elevated alone.
func coOccurring() []domain.CohortObservation {
	var obs []domain.CohortObservation
	for i := 0; i < 8; i++ {
		counts := map[domain.AnomalyKind]int{domain.KindElevated: 1}
		if i < 6 {
			counts[domain.KindVolatility] = 1
		}
		obs = append(obs, observation(end.Add(-time.Duration(i+1)*2*time.Hour), counts))
	}
	return obs
}

func TestIntel_Pattern_Mine(t *testing.T) {
	t.Parallel()

	t.Run("co-occurring kinds above support", func(t *testing.T) {
		t.Parallel()
		mined := pattern.Mine("size:small", 2*time.Hour, coOccurring(), 5, end, end)
		assert.Zero(t, mined.Rejected)
		require.Len(t, mined.Retained, 2)

		byID := make(map[string]domain.PatternSignature)
		for _, p := range mined.Retained {
			byID[p.ID] = p
		}
		co, ok := byID[pattern.ID("size:small", 2*time.Hour, []domain.AnomalyKind{domain.KindElevated, domain.KindVolatility})]
		require.True(t, ok)
		assert.Equal(t, 6, co.Support)
		assert.Equal(t, 8, co.Observations)
		assert.InDelta(t, 0.5, co.Features.Get(domain.KindElevated), 1e-9)
		assert.InDelta(t, 0.5, co.Features.Get(domain.KindVolatility), 1e-9)
		assert.Equal(t, end.Unix(), co.Version)
		assert.Equal(t, domain.CohortKey("size:small"), co.CohortKey)
		assert.Equal(t, "Co-occurring elevated 50%, volatility 50% anomalies within 2h0m0s windows.", co.Description)

		solo, ok := byID[pattern.ID("size:small", 2*time.Hour, []domain.AnomalyKind{domain.KindElevated})]
		require.True(t, ok)
		assert.Equal(t, 8, solo.Support)
	})

	t.Run("below support is rejected", func(t *testing.T) {
		t.Parallel()
		obs := append(coOccurring(), observation(end.Add(-20*time.Hour), map[domain.AnomalyKind]int{domain.KindShift: 2}))
		mined := pattern.Mine("size:small", 2*time.Hour, obs, 5, end, end)
		assert.Equal(t, 1, mined.Rejected)
		assert.Len(t, mined.Retained, 2)
	})

	t.Run("higher threshold drops the co-occurrence", func(t *testing.T) {
		t.Parallel()
		mined := pattern.Mine("size:small", 2*time.Hour, coOccurring(), 7, end, end)
		assert.Equal(t, 1, mined.Rejected)
		require.Len(t, mined.Retained, 1)
		assert.Equal(t, []domain.AnomalyKind{domain.KindElevated}, mined.Retained[0].Kinds)
	})

	t.Run("no observations", func(t *testing.T) {
		t.Parallel()
		mined := pattern.Mine("size:small", 2*time.Hour, nil, 5, end, end)
		assert.Empty(t, mined.Retained)
		assert.Zero(t, mined.Rejected)
	})

	t.Run("deterministic", func(t *testing.T) {
		t.Parallel()
		a := pattern.Mine("size:small", 2*time.Hour, coOccurring(), 5, end, end)
		b := pattern.Mine("size:small", 2*time.Hour, coOccurring(), 5, end, end)
		assert.Equal(t, a, b)
	})
}

func TestIntel_Pattern_ID(t *testing.T) {
	t.Parallel()

	kinds := []domain.AnomalyKind{domain.KindElevated, domain.KindVolatility}
	id := pattern.ID("size:small", 2*time.Hour, kinds)
	assert.Regexp(t, `^pat_[0-9a-f]{16}$`, id)
	assert.Equal(t, id, pattern.ID("size:small", 2*time.Hour, kinds))
	assert.NotEqual(t, id, pattern.ID("size:large", 2*time.Hour, kinds))
	assert.NotEqual(t, id, pattern.ID("size:small", time.Hour, kinds))
	assert.NotEqual(t, id, pattern.ID("size:small", 2*time.Hour, kinds[:1]))
}
