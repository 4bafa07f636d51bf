package admincli_test

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/malbeclabs/netintel/intel/internal/admincli"
	"github.com/malbeclabs/netintel/intel/internal/domain"
	"github.com/malbeclabs/netintel/intel/internal/governance"
	"github.com/malbeclabs/netintel/intel/internal/store/memstore"
	inteltesting "github.com/malbeclabs/netintel/intel/internal/testing"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newApp(t *testing.T) (*inteltesting.Harness, *admincli.App) {
	t.Helper()
	h := inteltesting.New(t)
	return h, &admincli.App{Store: h.Store, Clock: h.Clock}
}

func execute(t *testing.T, app *admincli.App, args ...string) (string, error) {
	t.Helper()
	cmd := app.RootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestIntel_AdminCLI_Tenants(t *testing.T) {
	t.Parallel()

	h, app := newApp(t)
	path := writeFile(t, "tenants.yaml", `
tenants:
  - id: acme
    region: us-east
    size: small
    vertical: retail
  - id: globex
    region: eu-west
`)

	out, err := execute(t, app, "tenants", "sync", "--file", path)
	require.NoError(t, err)
	assert.Contains(t, out, "synced 2 tenants")

	tn, err := h.Store.GetTenant(context.Background(), "acme")
	require.NoError(t, err)
	assert.Equal(t, "us-east", tn.Region)

	out, err = execute(t, app, "tenants", "list")
	require.NoError(t, err)
	assert.Contains(t, out, "acme")
	assert.Contains(t, out, "globex")
	assert.Contains(t, out, "eu-west")

	_, err = execute(t, app, "tenants", "sync")
	require.Error(t, err, "file is required")
}

func TestIntel_AdminCLI_Flags(t *testing.T) {
	t.Parallel()

	t.Run("set records events and get reflects them", func(t *testing.T) {
		t.Parallel()
		h, app := newApp(t)

		out, err := execute(t, app, "flags", "set", "acme", "telemetry_enabled=true", "benchmarking_enabled=true", "--actor", "ops@example.com", "--reason", "onboarding")
		require.NoError(t, err)
		assert.Contains(t, out, "telemetry_enabled: false -> true")

		events := h.Store.Events()
		require.Len(t, events, 2)
		for _, e := range events {
			assert.Equal(t, "ops@example.com", e.Actor)
			assert.Equal(t, "onboarding", e.Context)
		}

		out, err = execute(t, app, "flags", "get", "acme")
		require.NoError(t, err)
		assert.Regexp(t, `telemetry_enabled\s*\|\s*true`, out)
		assert.Regexp(t, `early_warnings_enabled\s*\|\s*false`, out)

		out, err = execute(t, app, "flags", "verify", "acme")
		require.NoError(t, err)
		assert.Contains(t, out, "audit trail consistent")

		out, err = execute(t, app, "events", "acme", "--type", domain.EventFlagChanged)
		require.NoError(t, err)
		assert.Contains(t, out, "benchmarking_enabled: false -> true")
	})

	t.Run("setting the current value is not audited", func(t *testing.T) {
		t.Parallel()
		h, app := newApp(t)

		out, err := execute(t, app, "flags", "set", "acme", "telemetry_enabled=false", "--actor", "ops")
		require.NoError(t, err)
		assert.Contains(t, out, "no change")
		assert.Empty(t, h.Store.Events())
	})

	t.Run("rejects bad input", func(t *testing.T) {
		t.Parallel()
		h, app := newApp(t)

		_, err := execute(t, app, "flags", "set", "acme", "telemetry_enabled=true")
		require.ErrorIs(t, err, governance.ErrActorRequired)

		_, err = execute(t, app, "flags", "set", "acme", "telemetry_enabled", "--actor", "ops")
		require.ErrorContains(t, err, "FLAG=BOOL")

		_, err = execute(t, app, "flags", "set", "acme", "not_a_flag=true", "--actor", "ops")
		require.ErrorContains(t, err, "unknown flag")

		_, err = execute(t, app, "flags", "set", "acme", "telemetry_enabled=maybe", "--actor", "ops")
		require.Error(t, err)

		assert.Empty(t, h.Store.Events())
	})

	t.Run("audit failure leaves flags unchanged", func(t *testing.T) {
		t.Parallel()
		h, app := newApp(t)
		h.Store.InjectFault(memstore.OpAppendEvent, assert.AnError, 1)

		_, err := execute(t, app, "flags", "set", "acme", "telemetry_enabled=true", "--actor", "ops")
		require.ErrorIs(t, err, domain.ErrAuditWriteFailure)

		flags, err := h.Store.GetFlags(context.Background(), "acme")
		require.NoError(t, err)
		assert.False(t, flags.TelemetryEnabled)
	})
}

func TestIntel_AdminCLI_Warnings(t *testing.T) {
	t.Parallel()

	h, app := newApp(t)
	ctx := context.Background()
	require.NoError(t, h.Store.UpsertWarnings(ctx, "acme", []domain.EarlyWarning{
		{TenantID: "acme", PatternID: "pat_a", CohortKey: domain.GlobalCohort, MatchScore: 0.91, Status: domain.WarningOpen, CreatedAt: h.Clock.Now(), LastMatchedAt: h.Clock.Now()},
		{TenantID: "acme", PatternID: "pat_b", CohortKey: domain.GlobalCohort, MatchScore: 0.72, Status: domain.WarningOpen, CreatedAt: h.Clock.Now(), LastMatchedAt: h.Clock.Now()},
	}))

	out, err := execute(t, app, "warnings", "ack", "acme", "pat_a", "--actor", "ops", "--reason", "investigating")
	require.NoError(t, err)
	assert.Contains(t, out, "pat_a acknowledged")

	out, err = execute(t, app, "warnings", "list", "acme", "--status", "acknowledged")
	require.NoError(t, err)
	assert.Contains(t, out, "pat_a")
	assert.NotContains(t, out, "pat_b")

	_, err = execute(t, app, "warnings", "reopen", "acme", "pat_a", "--actor", "ops")
	require.NoError(t, err)
	open, err := h.Store.ListWarnings(ctx, "acme", domain.WarningOpen)
	require.NoError(t, err)
	assert.Len(t, open, 2)

	events := h.Store.Events()
	require.Len(t, events, 2)
	assert.Equal(t, domain.EventWarningStatusChanged, events[0].EventType)
	assert.Equal(t, "investigating", events[0].Context)

	_, err = execute(t, app, "warnings", "dismiss", "acme", "pat_missing", "--actor", "ops")
	require.ErrorIs(t, err, domain.ErrNotFound)

	_, err = execute(t, app, "warnings", "dismiss", "globex", "pat_a", "--actor", "ops")
	require.ErrorIs(t, err, domain.ErrNotFound, "warnings are scoped to their tenant")

	_, err = execute(t, app, "warnings", "list", "acme", "--status", "snoozed")
	require.ErrorContains(t, err, "unknown warning status")
}

func TestIntel_AdminCLI_Review(t *testing.T) {
	t.Parallel()

	h, app := newApp(t)
	ctx := context.Background()
	require.NoError(t, h.Store.FlagForReview(ctx, domain.ReviewItem{
		Stage: "detect", Unit: "acme", HourBucket: h.Bucket(-1), Reason: "store unavailable", CreatedAt: h.Clock.Now().Add(-2 * time.Hour),
	}))
	require.NoError(t, h.Store.FlagForReview(ctx, domain.ReviewItem{
		Stage: "ingest", Unit: "globex", HourBucket: h.Bucket(-30), Reason: "old", CreatedAt: h.Clock.Now().Add(-48 * time.Hour),
	}))

	out, err := execute(t, app, "review", "list")
	require.NoError(t, err)
	assert.Contains(t, out, "store unavailable")
	assert.NotContains(t, out, "globex")

	out, err = execute(t, app, "review", "list", "--since", "72h")
	require.NoError(t, err)
	assert.Contains(t, out, "globex")
}

func TestIntel_AdminCLI_TelemetryPublish(t *testing.T) {
	t.Parallel()

	_, app := newApp(t)

	_, err := execute(t, app, "telemetry", "publish", "--file", writeFile(t, "empty.json", "[]"), "--kafka-brokers", "localhost:9092")
	require.ErrorContains(t, err, "payload file is empty")

	_, err = execute(t, app, "telemetry", "publish", "--file", writeFile(t, "bad.json", "{"), "--kafka-brokers", "localhost:9092")
	require.ErrorContains(t, err, "failed to parse payload file")

	_, err = execute(t, app, "telemetry", "publish", "--file", writeFile(t, "one.json", `[{"tenant_id":"acme","hour_bucket":"2025-03-01T11:00:00Z","metrics":{"error_rate":0.1}}]`), "--kafka-brokers", "")
	require.ErrorContains(t, err, "brokers are required")
}
