package ingest

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/malbeclabs/netintel/intel/internal/domain"
	"github.com/malbeclabs/netintel/intel/internal/stats"
)

// Payload is one tenant's hourly telemetry as delivered by the source.
type Payload struct {
	TenantID   domain.TenantID               `json:"tenant_id"`
	HourBucket time.Time                     `json:"hour_bucket"`
	Metrics    map[domain.MetricName]float64 `json:"metrics"`
}

func DecodePayload(data []byte) (Payload, error) {
	var p Payload
	if err := json.Unmarshal(data, &p); err != nil {
		return Payload{}, &domain.ValidationError{Field: "payload", Reason: err.Error()}
	}
	p.HourBucket = p.HourBucket.UTC()
	return p, nil
}

// Validate checks the payload shape against the known metric set. It does
// not consult the tenant directory.
func (p Payload) Validate(now time.Time, known func(domain.MetricName) bool) error {
	invalid := func(field, reason string, args ...any) error {
		return &domain.ValidationError{TenantID: p.TenantID, Field: field, Reason: fmt.Sprintf(reason, args...)}
	}
	if p.TenantID == "" {
		return invalid("tenant_id", "missing")
	}
	if p.HourBucket.IsZero() {
		return invalid("hour_bucket", "missing")
	}
	if !p.HourBucket.Equal(p.HourBucket.Truncate(time.Hour)) {
		return invalid("hour_bucket", "%s is not aligned to the hour", p.HourBucket.Format(time.RFC3339))
	}
	if p.HourBucket.After(now) {
		return invalid("hour_bucket", "%s is in the future", p.HourBucket.Format(time.RFC3339))
	}
	if len(p.Metrics) == 0 {
		return invalid("metrics", "empty")
	}
	for name, v := range p.Metrics {
		if !known(name) {
			return invalid("metrics", "unknown metric %q", name)
		}
		if !stats.Finite(v) {
			return invalid("metrics", "%s is not a finite number", name)
		}
	}
	return nil
}
