package inteltesting

import (
	"bytes"
	"context"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/malbeclabs/netintel/intel/internal/cohort"
	"github.com/malbeclabs/netintel/intel/internal/config"
	"github.com/malbeclabs/netintel/intel/internal/domain"
	"github.com/malbeclabs/netintel/intel/internal/fingerprint"
	"github.com/malbeclabs/netintel/intel/internal/governance"
	"github.com/malbeclabs/netintel/intel/internal/store/memstore"
	"github.com/stretchr/testify/require"
)

// Now is the wall clock every harness starts at.
var Now = time.Date(2025, 3, 1, 12, 30, 0, 0, time.UTC)

// Harness wires the in-memory store, the governance gate and a fingerprint
// service around a fake clock.
type Harness struct {
	Log          *slog.Logger
	Clock        *clockwork.FakeClock
	Store        *memstore.Store
	Gate         *governance.Gate
	Fingerprints *fingerprint.Service
	Tunables     *config.Tunables
}

func New(t testing.TB) *Harness {
	t.Helper()

	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug}))
	clk := clockwork.NewFakeClockAt(Now)
	st := memstore.New(clk)
	gate, err := governance.New(&governance.Config{Logger: log, Store: st, Clock: clk})
	require.NoError(t, err)
	fps, err := fingerprint.New(bytes.Repeat([]byte("k"), 32))
	require.NoError(t, err)
	t.Cleanup(fps.Close)

	tun := config.Default()
	tun.Retry = config.RetryConfig{MaxAttempts: 3, InitialDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond}

	return &Harness{Log: log, Clock: clk, Store: st, Gate: gate, Fingerprints: fps, Tunables: tun}
}

// Bucket returns the hour bucket offset hours from the current hour.
func (h *Harness) Bucket(offset int) time.Time {
	return h.Clock.Now().UTC().Truncate(time.Hour).Add(time.Duration(offset) * time.Hour)
}

// AddTenant registers tenant in the directory and enables flags for it.
func (h *Harness) AddTenant(t testing.TB, tenant domain.Tenant, flags ...domain.FlagName) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, h.Store.UpsertTenants(ctx, []domain.Tenant{tenant}))
	if len(flags) == 0 {
		return
	}
	patch := make(map[domain.FlagName]bool, len(flags))
	for _, f := range flags {
		patch[f] = true
	}
	_, err := h.Gate.PatchFlags(ctx, tenant.ID, patch, "test", "")
	require.NoError(t, err)
}

// AddOptedInTenant registers tenant with every flag enabled.
func (h *Harness) AddOptedInTenant(t testing.TB, tenant domain.Tenant) {
	t.Helper()
	h.AddTenant(t, tenant, domain.FlagNames...)
}

func (h *Harness) SetFlag(t testing.TB, tenant domain.TenantID, flag domain.FlagName, value bool) {
	t.Helper()
	_, err := h.Gate.SetFlag(context.Background(), tenant, flag, value, "test", "")
	require.NoError(t, err)
}

// SeedTelemetry writes a telemetry record directly, bypassing the ingest
// stage, with the tenant's current cohort assignment.
func (h *Harness) SeedTelemetry(t testing.TB, tenant domain.TenantID, bucket time.Time, values map[domain.MetricName]float64) {
	t.Helper()
	ctx := context.Background()
	tn, err := h.Store.GetTenant(ctx, tenant)
	require.NoError(t, err)
	flags, err := h.Gate.Flags(ctx, tenant)
	require.NoError(t, err)
	fp, err := h.Fingerprints.Fingerprint(tenant)
	require.NoError(t, err)
	require.NoError(t, h.Store.UpsertTelemetry(ctx, domain.TelemetryRecord{
		TenantID:    tenant,
		Fingerprint: fp,
		HourBucket:  bucket,
		Metrics:     values,
		IngestedAt:  h.Clock.Now(),
	}, cohort.Assign(tn, flags.CohortMetadataSharingEnabled)))
}

// SeedAnomalies writes anomaly signals for tenant at bucket.
func (h *Harness) SeedAnomalies(t testing.TB, tenant domain.TenantID, bucket time.Time, kinds ...domain.AnomalyKind) {
	t.Helper()
	signals := make([]domain.AnomalySignal, 0, len(kinds))
	for i, k := range kinds {
		signals = append(signals, domain.AnomalySignal{
			TenantID:   tenant,
			Metric:     domain.MetricName([]string{"error_rate", "latency_p95_ms", "packet_loss", "throughput_mbps"}[i%4]),
			DetectedAt: bucket,
			Kind:       k,
			Severity:   domain.SeverityMedium,
			Magnitude:  5,
			CohortKey:  domain.GlobalCohort,
		})
	}
	require.NoError(t, h.Store.ReplaceAnomalies(context.Background(), tenant, bucket, signals))
}
