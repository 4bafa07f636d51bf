package governance_test

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/malbeclabs/netintel/intel/internal/domain"
	"github.com/malbeclabs/netintel/intel/internal/governance"
	"github.com/malbeclabs/netintel/intel/internal/store/memstore"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug}))

func newGate(t *testing.T) (*governance.Gate, *memstore.Store, *clockwork.FakeClock) {
	t.Helper()
	clk := clockwork.NewFakeClockAt(time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC))
	st := memstore.New(clk)
	g, err := governance.New(&governance.Config{Logger: logger, Store: st, Clock: clk})
	require.NoError(t, err)
	return g, st, clk
}

func TestIntel_Governance_Gate(t *testing.T) {
	t.Parallel()

	t.Run("unknown tenant has every flag off", func(t *testing.T) {
		t.Parallel()
		g, _, _ := newGate(t)
		for _, f := range domain.FlagNames {
			ok, err := g.IsEnabled(context.Background(), "nobody", f)
			require.NoError(t, err)
			assert.False(t, ok, f)
		}
		err := g.Require(context.Background(), "nobody", domain.FlagTelemetry)
		assert.ErrorIs(t, err, domain.ErrGovernanceDenied)
	})

	t.Run("actor is required", func(t *testing.T) {
		t.Parallel()
		g, st, _ := newGate(t)
		_, err := g.SetFlag(context.Background(), "t1", domain.FlagTelemetry, true, "", "")
		assert.ErrorIs(t, err, governance.ErrActorRequired)
		assert.Empty(t, st.Events())
	})

	t.Run("unknown flag is rejected", func(t *testing.T) {
		t.Parallel()
		g, _, _ := newGate(t)
		_, err := g.SetFlag(context.Background(), "t1", domain.FlagName("bogus"), true, "ops", "")
		assert.Error(t, err)
	})

	t.Run("set flag records one event per change and no-ops are silent", func(t *testing.T) {
		t.Parallel()
		g, st, _ := newGate(t)
		ctx := context.Background()

		events, err := g.PatchFlags(ctx, "t1", map[domain.FlagName]bool{
			domain.FlagTelemetry:    true,
			domain.FlagBenchmarking: true,
			domain.FlagAINarrative:  false,
		}, "ops@example.com", "onboarding")
		require.NoError(t, err)
		require.Len(t, events, 2)

		ok, err := g.IsEnabled(ctx, "t1", domain.FlagBenchmarking)
		require.NoError(t, err)
		assert.True(t, ok)

		events, err = g.SetFlag(ctx, "t1", domain.FlagTelemetry, true, "ops", "")
		require.NoError(t, err)
		assert.Empty(t, events)
		assert.Len(t, st.Events(), 2)
	})

	t.Run("writes invalidate the cache", func(t *testing.T) {
		t.Parallel()
		g, _, _ := newGate(t)
		ctx := context.Background()

		ok, err := g.IsEnabled(ctx, "t1", domain.FlagAnomalyDetection)
		require.NoError(t, err)
		require.False(t, ok)

		_, err = g.SetFlag(ctx, "t1", domain.FlagAnomalyDetection, true, "ops", "")
		require.NoError(t, err)

		ok, err = g.IsEnabled(ctx, "t1", domain.FlagAnomalyDetection)
		require.NoError(t, err)
		assert.True(t, ok)
	})

	t.Run("read errors fail closed", func(t *testing.T) {
		t.Parallel()
		g, st, _ := newGate(t)
		st.InjectFault(memstore.OpGetFlags, errors.New("db down"), 1)
		ok, err := g.IsEnabled(context.Background(), "t1", domain.FlagTelemetry)
		assert.Error(t, err)
		assert.False(t, ok)
	})
}

func TestIntel_Governance_AuditAtomicity(t *testing.T) {
	t.Parallel()

	g, st, _ := newGate(t)
	ctx := context.Background()

	st.InjectFault(memstore.OpAppendEvent, errors.New("audit table unavailable"), 1)
	_, err := g.SetFlag(ctx, "t1", domain.FlagEarlyWarnings, true, "ops", "")
	require.ErrorIs(t, err, domain.ErrAuditWriteFailure)

	ok, err := g.IsEnabled(ctx, "t1", domain.FlagEarlyWarnings)
	require.NoError(t, err)
	assert.False(t, ok, "flag must not change without its audit record")
	assert.Empty(t, st.Events())

	_, err = g.SetFlag(ctx, "t1", domain.FlagEarlyWarnings, true, "ops", "")
	require.NoError(t, err)
	discrepancies, err := g.VerifyAuditTrail(ctx, "t1")
	require.NoError(t, err)
	assert.Empty(t, discrepancies)
}

func TestIntel_Governance_DisableRecordsEvent(t *testing.T) {
	t.Parallel()

	g, _, clk := newGate(t)
	ctx := context.Background()

	_, err := g.SetFlag(ctx, "tenant-v", domain.FlagEarlyWarnings, true, "admin", "")
	require.NoError(t, err)
	clk.Advance(time.Hour)
	disabledAt := clk.Now()
	_, err = g.SetFlag(ctx, "tenant-v", domain.FlagEarlyWarnings, false, "admin", "customer request")
	require.NoError(t, err)

	events, err := g.ListEvents(ctx, "tenant-v", domain.EventFilter{EventType: domain.EventFlagChanged, Since: disabledAt})
	require.NoError(t, err)
	require.Len(t, events, 1)
	e := events[0]
	assert.Equal(t, "admin", e.Actor)
	assert.Equal(t, "early_warnings_enabled", e.Details["flag"])
	assert.Equal(t, false, e.Details["value"])
	assert.Equal(t, true, e.Details["previous"])
	assert.Equal(t, "customer request", e.Context)
	assert.NotEmpty(t, e.ID)

	other, err := g.ListEvents(ctx, "tenant-w", domain.EventFilter{})
	require.NoError(t, err)
	assert.Empty(t, other)
}

func TestIntel_Governance_ContextIsSanitized(t *testing.T) {
	t.Parallel()

	g, _, _ := newGate(t)
	events, err := g.SetFlag(context.Background(), "t1", domain.FlagTelemetry, true, "ops", "requested by jane@corp.example with Bearer abc.def.ghi")
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.NotContains(t, events[0].Context, "jane@corp.example")
	assert.NotContains(t, events[0].Context, "abc.def.ghi")
}

func TestIntel_Governance_VerifyAuditTrail(t *testing.T) {
	t.Parallel()

	g, st, _ := newGate(t)
	ctx := context.Background()
	_, err := g.SetFlag(ctx, "t1", domain.FlagTelemetry, true, "ops", "")
	require.NoError(t, err)

	discrepancies, err := g.VerifyAuditTrail(ctx, "t1")
	require.NoError(t, err)
	assert.Empty(t, discrepancies)

	// A flag written outside the gate has no explaining event.
	_, err = st.UpdateFlags(ctx, "t1", func(cur domain.FlagSet) (domain.FlagSet, []domain.GovernanceEvent, error) {
		cur.BenchmarkingEnabled = true
		return cur, []domain.GovernanceEvent{{ID: "x", TenantID: "t1", Actor: "rogue", EventType: "other"}}, nil
	})
	require.NoError(t, err)

	discrepancies, err = g.VerifyAuditTrail(ctx, "t1")
	require.NoError(t, err)
	require.Len(t, discrepancies, 1)
	assert.Equal(t, domain.FlagBenchmarking, discrepancies[0].Flag)
	assert.Nil(t, discrepancies[0].LastEvent)
}

func TestIntel_Governance_TransitionWarning(t *testing.T) {
	t.Parallel()

	g, st, clk := newGate(t)
	ctx := context.Background()

	_, err := g.TransitionWarning(ctx, "t1", "pat_missing", domain.WarningAcknowledged, "ops", "")
	require.ErrorIs(t, err, domain.ErrNotFound)

	require.NoError(t, st.UpsertWarnings(ctx, "t1", []domain.EarlyWarning{{
		TenantID: "t1", PatternID: "pat_1", CohortKey: "size:small", MatchScore: 0.9,
		Status: domain.WarningOpen, CreatedAt: clk.Now(), LastMatchedAt: clk.Now(),
	}}))

	_, err = g.TransitionWarning(ctx, "t1", "pat_1", domain.WarningAcknowledged, "", "")
	require.ErrorIs(t, err, governance.ErrActorRequired)

	w, err := g.TransitionWarning(ctx, "t1", "pat_1", domain.WarningAcknowledged, "ops", "looking into it")
	require.NoError(t, err)
	assert.Equal(t, domain.WarningAcknowledged, w.Status)
	assert.Equal(t, "ops", w.StatusChangedBy)

	_, err = g.TransitionWarning(ctx, "t1", "pat_1", domain.WarningAcknowledged, "ops", "")
	require.NoError(t, err)

	events, err := g.ListEvents(ctx, "t1", domain.EventFilter{EventType: domain.EventWarningStatusChanged})
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "pat_1", events[0].Details["pattern_id"])
	assert.Equal(t, "open", events[0].Details["previous"])

	st.InjectFault(memstore.OpAppendEvent, errors.New("boom"), 1)
	_, err = g.TransitionWarning(ctx, "t1", "pat_1", domain.WarningDismissed, "ops", "")
	require.ErrorIs(t, err, domain.ErrAuditWriteFailure)
	ws, err := st.ListWarnings(ctx, "t1", "")
	require.NoError(t, err)
	require.Len(t, ws, 1)
	assert.Equal(t, domain.WarningAcknowledged, ws[0].Status)
}
