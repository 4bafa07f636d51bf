// Package pattern mines recurring anomaly shapes from cohort-level counts
// and matches tenants' own recent anomaly mix against them.
package pattern

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/malbeclabs/netintel/intel/internal/domain"
	"github.com/malbeclabs/netintel/intel/internal/narrative"
)

// ID derives the stable identifier of a pattern shape within a cohort.
func ID(cohort domain.CohortKey, window time.Duration, kinds []domain.AnomalyKind) string {
	parts := make([]string, len(kinds))
	for i, k := range kinds {
		parts[i] = string(k)
	}
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s|%d|%s", cohort, int64(window/time.Second), strings.Join(parts, ","))))
	return "pat_" + hex.EncodeToString(sum[:8])
}

// Mined is the outcome of mining one cohort.
type Mined struct {
	Retained []domain.PatternSignature
	// Rejected counts candidate shapes below the support threshold.
	Rejected int
}

// Mine derives pattern signatures from one cohort's observations. Candidate
// shapes are the distinct kind-sets observed; a shape is supported by every
// observation whose kind-set contains it.
func Mine(cohort domain.CohortKey, window time.Duration, obs []domain.CohortObservation, minSupport int, end, now time.Time) Mined {
	type shape struct {
		kinds []domain.AnomalyKind
		key   string
	}
	var shapes []shape
	seen := make(map[string]bool)
	sets := make([][]domain.AnomalyKind, len(obs))
	for i, o := range obs {
		ks := o.KindSet()
		sets[i] = ks
		if len(ks) == 0 {
			continue
		}
		key := kindsKey(ks)
		if !seen[key] {
			seen[key] = true
			shapes = append(shapes, shape{kinds: ks, key: key})
		}
	}
	slices.SortFunc(shapes, func(a, b shape) int { return strings.Compare(a.key, b.key) })

	var out Mined
	for _, sh := range shapes {
		support := 0
		counts := make(map[domain.AnomalyKind]int, len(sh.kinds))
		for i, ks := range sets {
			if !containsAll(ks, sh.kinds) {
				continue
			}
			support++
			for _, k := range sh.kinds {
				counts[k] += obs[i].Counts[k]
			}
		}
		if support < minSupport {
			out.Rejected++
			continue
		}
		features := domain.NewFeatureVector(counts)
		out.Retained = append(out.Retained, domain.PatternSignature{
			ID:           ID(cohort, window, sh.kinds),
			CohortKey:    cohort,
			Window:       window,
			Kinds:        sh.kinds,
			Features:     features,
			Support:      support,
			Observations: len(obs),
			Description:  narrative.PatternTemplate(features, window),
			Version:      end.Unix(),
			UpdatedAt:    now,
		})
	}
	return out
}

func kindsKey(kinds []domain.AnomalyKind) string {
	parts := make([]string, len(kinds))
	for i, k := range kinds {
		parts[i] = string(k)
	}
	return strings.Join(parts, "+")
}

func containsAll(set, sub []domain.AnomalyKind) bool {
	for _, k := range sub {
		if !slices.Contains(set, k) {
			return false
		}
	}
	return true
}
