// Package store defines the persistence contracts shared by the pipeline
// stages. Every tenant-scoped method takes the tenant id and only ever reads
// or writes that tenant's rows; cohort and pattern methods never see tenant
// identifiers.
package store

import (
	"context"
	"time"

	"github.com/malbeclabs/netintel/intel/internal/domain"
	"github.com/malbeclabs/netintel/intel/internal/lease"
)

type Point struct {
	Hour  time.Time
	Value float64
}

type TenantStore interface {
	UpsertTenants(ctx context.Context, tenants []domain.Tenant) error
	GetTenant(ctx context.Context, id domain.TenantID) (domain.Tenant, error)
	ListTenants(ctx context.Context) ([]domain.Tenant, error)
}

// FlagUpdateFunc receives the current flag record and returns the new record
// plus the audit events that describe the change. Both are committed together
// or not at all; no events means nothing is written.
type FlagUpdateFunc func(cur domain.FlagSet) (domain.FlagSet, []domain.GovernanceEvent, error)

// WarningUpdateFunc mutates w in place and returns the audit event for the
// change. A zero event means nothing is written.
type WarningUpdateFunc func(w *domain.EarlyWarning) (domain.GovernanceEvent, error)

type GovernanceStore interface {
	GetFlags(ctx context.Context, tenant domain.TenantID) (domain.FlagSet, error)
	UpdateFlags(ctx context.Context, tenant domain.TenantID, fn FlagUpdateFunc) ([]domain.GovernanceEvent, error)
	// ListEvents returns events oldest first.
	ListEvents(ctx context.Context, tenant domain.TenantID, filter domain.EventFilter) ([]domain.GovernanceEvent, error)
	UpdateWarning(ctx context.Context, tenant domain.TenantID, patternID string, fn WarningUpdateFunc) (domain.EarlyWarning, error)
}

type TelemetryStore interface {
	// UpsertTelemetry writes the record and replaces the tenant's cohort
	// membership in one transaction.
	UpsertTelemetry(ctx context.Context, rec domain.TelemetryRecord, cohorts []domain.CohortKey) error
	GetTelemetry(ctx context.Context, tenant domain.TenantID, hour time.Time) (domain.TelemetryRecord, error)
	LatestTelemetryHour(ctx context.Context, tenant domain.TenantID) (time.Time, error)
	TelemetrySeries(ctx context.Context, tenant domain.TenantID, metric domain.MetricName, from, to time.Time) ([]Point, error)
	TenantsWithTelemetry(ctx context.Context, hour time.Time) ([]domain.TenantID, error)
	TenantCohorts(ctx context.Context, tenant domain.TenantID) ([]domain.CohortKey, error)
}

type CohortStore interface {
	// CohortSamples returns every member value per metric in [from, to] and
	// the number of distinct contributing members. No identities are
	// returned.
	CohortSamples(ctx context.Context, cohort domain.CohortKey, from, to time.Time) (map[domain.MetricName][]float64, int, error)
	PublishBaselines(ctx context.Context, baselines []domain.CohortBaseline) error
	// ListBaselines returns the baselines versioned at windowEnd, or the latest
	// version of each metric and period when windowEnd is zero.
	ListBaselines(ctx context.Context, cohort domain.CohortKey, windowEnd time.Time) ([]domain.CohortBaseline, error)
	ListCohorts(ctx context.Context) ([]domain.CohortKey, error)
	// CohortSize counts the members with telemetry in [from, to], the same
	// population CohortSamples reports. Members with no data in the window
	// do not count toward the minimum cohort size.
	CohortSize(ctx context.Context, cohort domain.CohortKey, from, to time.Time) (int, error)
}

type BenchmarkStore interface {
	// ReplaceBenchmarks atomically replaces the tenant's snapshots for hour.
	ReplaceBenchmarks(ctx context.Context, tenant domain.TenantID, hour time.Time, snaps []domain.BenchmarkSnapshot) error
	// ListBenchmarks returns the snapshots for hour, or the latest hour when
	// hour is zero.
	ListBenchmarks(ctx context.Context, tenant domain.TenantID, hour time.Time) ([]domain.BenchmarkSnapshot, error)
}

type AnomalyStore interface {
	ReplaceAnomalies(ctx context.Context, tenant domain.TenantID, detectedAt time.Time, signals []domain.AnomalySignal) error
	ListAnomalies(ctx context.Context, tenant domain.TenantID, from, to time.Time) ([]domain.AnomalySignal, error)
	// CohortObservations aggregates anomaly counts by kind for members of
	// cohort into windows of the given size. Only counts leave the store.
	CohortObservations(ctx context.Context, cohort domain.CohortKey, from, to time.Time, window time.Duration) ([]domain.CohortObservation, error)
}

type PatternStore interface {
	PublishPatterns(ctx context.Context, patterns []domain.PatternSignature) error
	// PatternCatalog returns the latest version of every pattern for the
	// given cohorts whose version lies in [minVersion, asOf].
	PatternCatalog(ctx context.Context, cohorts []domain.CohortKey, minVersion, asOf time.Time) ([]domain.PatternSignature, error)
}

type WarningStore interface {
	// UpsertWarnings creates new warnings as given and, for existing ones,
	// refreshes score, rationale and last match while leaving status alone.
	UpsertWarnings(ctx context.Context, tenant domain.TenantID, warnings []domain.EarlyWarning) error
	ListWarnings(ctx context.Context, tenant domain.TenantID, status domain.WarningStatus) ([]domain.EarlyWarning, error)
}

type ReviewStore interface {
	FlagForReview(ctx context.Context, item domain.ReviewItem) error
	ListReviewItems(ctx context.Context, since time.Time) ([]domain.ReviewItem, error)
}

type Store interface {
	TenantStore
	GovernanceStore
	TelemetryStore
	CohortStore
	BenchmarkStore
	AnomalyStore
	PatternStore
	WarningStore
	ReviewStore
	lease.Leaser
}

// WindowStart floors t to the start of its window, aligned to the unix epoch.
func WindowStart(t time.Time, window time.Duration) time.Time {
	return t.UTC().Truncate(window)
}
