package cohort

import (
	"github.com/malbeclabs/netintel/intel/internal/domain"
)

// Assign returns the cohorts a tenant belongs to. Every tenant is in the
// global cohort; attribute cohorts are only joined when the tenant shares its
// cohort metadata. Blank attributes are skipped.
func Assign(t domain.Tenant, sharingEnabled bool) []domain.CohortKey {
	out := []domain.CohortKey{domain.GlobalCohort}
	if !sharingEnabled {
		return out
	}
	for _, c := range []struct {
		value string
		key   func(string) domain.CohortKey
	}{
		{t.Region, domain.RegionCohort},
		{t.Size, domain.SizeCohort},
		{t.Vertical, domain.VerticalCohort},
	} {
		if k := c.key(c.value); k.Valid() {
			out = append(out, k)
		}
	}
	return out
}
