// Package memstore is an in-process implementation of store.Store used by
// tests and single-node local runs.
package memstore

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/malbeclabs/netintel/intel/internal/domain"
	"github.com/malbeclabs/netintel/intel/internal/lease"
	"github.com/malbeclabs/netintel/intel/internal/store"
)

// Operation names accepted by InjectFault.
const (
	OpUpsertTelemetry   = "UpsertTelemetry"
	OpCohortSamples     = "CohortSamples"
	OpPublishBaselines  = "PublishBaselines"
	OpReplaceBenchmarks = "ReplaceBenchmarks"
	OpReplaceAnomalies  = "ReplaceAnomalies"
	OpPublishPatterns   = "PublishPatterns"
	OpUpsertWarnings    = "UpsertWarnings"
	OpAppendEvent       = "AppendEvent"
	OpGetFlags          = "GetFlags"
)

type baselineKey struct {
	cohort    domain.CohortKey
	metric    domain.MetricName
	period    string
	windowEnd int64
}

type patternKey struct {
	id      string
	version int64
}

type fault struct {
	err       error
	remaining int
}

type Store struct {
	*lease.Memory

	mu          sync.RWMutex
	tenants     map[domain.TenantID]domain.Tenant
	flags       map[domain.TenantID]domain.FlagSet
	events      []domain.GovernanceEvent
	telemetry   map[domain.TenantID]map[int64]domain.TelemetryRecord
	memberships map[domain.TenantID][]domain.CohortKey
	baselines   map[baselineKey]domain.CohortBaseline
	snapshots   map[domain.TenantID]map[int64][]domain.BenchmarkSnapshot
	anomalies   map[domain.TenantID]map[int64][]domain.AnomalySignal
	patterns    map[patternKey]domain.PatternSignature
	warnings    map[domain.TenantID]map[string]domain.EarlyWarning
	reviews     []domain.ReviewItem
	faults      map[string]*fault
}

var _ store.Store = (*Store)(nil)

func New(clock clockwork.Clock) *Store {
	return &Store{
		Memory:      lease.NewMemory(clock),
		tenants:     make(map[domain.TenantID]domain.Tenant),
		flags:       make(map[domain.TenantID]domain.FlagSet),
		telemetry:   make(map[domain.TenantID]map[int64]domain.TelemetryRecord),
		memberships: make(map[domain.TenantID][]domain.CohortKey),
		baselines:   make(map[baselineKey]domain.CohortBaseline),
		snapshots:   make(map[domain.TenantID]map[int64][]domain.BenchmarkSnapshot),
		anomalies:   make(map[domain.TenantID]map[int64][]domain.AnomalySignal),
		patterns:    make(map[patternKey]domain.PatternSignature),
		warnings:    make(map[domain.TenantID]map[string]domain.EarlyWarning),
		faults:      make(map[string]*fault),
	}
}

// InjectFault makes the next times calls of op fail with err. A negative
// times fails every call until ClearFaults.
func (s *Store) InjectFault(op string, err error, times int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.faults[op] = &fault{err: err, remaining: times}
}

func (s *Store) ClearFaults() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.faults = make(map[string]*fault)
}

// fail must be called with mu held.
func (s *Store) fail(op string) error {
	f, ok := s.faults[op]
	if !ok || f.remaining == 0 {
		return nil
	}
	if f.remaining > 0 {
		f.remaining--
	}
	return fmt.Errorf("%s: %w", op, f.err)
}

func (s *Store) UpsertTenants(_ context.Context, tenants []domain.Tenant) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range tenants {
		s.tenants[t.ID] = t
	}
	return nil
}

func (s *Store) GetTenant(_ context.Context, id domain.TenantID) (domain.Tenant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tenants[id]
	if !ok {
		return domain.Tenant{}, fmt.Errorf("tenant %s: %w", id, domain.ErrNotFound)
	}
	return t, nil
}

func (s *Store) ListTenants(_ context.Context) ([]domain.Tenant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := slices.Collect(maps.Values(s.tenants))
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Store) GetFlags(_ context.Context, tenant domain.TenantID) (domain.FlagSet, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail(OpGetFlags); err != nil {
		return domain.FlagSet{}, domain.Transient(err)
	}
	return s.flags[tenant], nil
}

func (s *Store) UpdateFlags(_ context.Context, tenant domain.TenantID, fn store.FlagUpdateFunc) ([]domain.GovernanceEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	next, events, err := fn(s.flags[tenant])
	if err != nil {
		return nil, err
	}
	if len(events) == 0 {
		return nil, nil
	}
	if err := s.fail(OpAppendEvent); err != nil {
		return nil, fmt.Errorf("%w: %w", domain.ErrAuditWriteFailure, err)
	}
	s.flags[tenant] = next
	for _, e := range events {
		s.events = append(s.events, copyEvent(e))
	}
	return events, nil
}

func (s *Store) ListEvents(_ context.Context, tenant domain.TenantID, filter domain.EventFilter) ([]domain.GovernanceEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []domain.GovernanceEvent
	for _, e := range s.events {
		if e.TenantID != tenant || !filter.Match(e) {
			continue
		}
		out = append(out, copyEvent(e))
		if filter.Limit > 0 && len(out) == filter.Limit {
			break
		}
	}
	return out, nil
}

func (s *Store) UpdateWarning(_ context.Context, tenant domain.TenantID, patternID string, fn store.WarningUpdateFunc) (domain.EarlyWarning, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.warnings[tenant][patternID]
	if !ok {
		return domain.EarlyWarning{}, fmt.Errorf("warning %s for %s: %w", patternID, tenant, domain.ErrNotFound)
	}
	next := w
	event, err := fn(&next)
	if err != nil {
		return domain.EarlyWarning{}, err
	}
	if event.ID == "" {
		return w, nil
	}
	if err := s.fail(OpAppendEvent); err != nil {
		return domain.EarlyWarning{}, fmt.Errorf("%w: %w", domain.ErrAuditWriteFailure, err)
	}
	s.warnings[tenant][patternID] = next
	s.events = append(s.events, copyEvent(event))
	return next, nil
}

func (s *Store) UpsertTelemetry(_ context.Context, rec domain.TelemetryRecord, cohorts []domain.CohortKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail(OpUpsertTelemetry); err != nil {
		return domain.Transient(err)
	}
	byHour, ok := s.telemetry[rec.TenantID]
	if !ok {
		byHour = make(map[int64]domain.TelemetryRecord)
		s.telemetry[rec.TenantID] = byHour
	}
	if prev, ok := byHour[rec.HourBucket.Unix()]; ok && prev.Fingerprint == rec.Fingerprint && maps.Equal(prev.Metrics, rec.Metrics) {
		rec.IngestedAt = prev.IngestedAt
	}
	rec.Metrics = maps.Clone(rec.Metrics)
	byHour[rec.HourBucket.Unix()] = rec
	s.memberships[rec.TenantID] = slices.Clone(cohorts)
	return nil
}

func (s *Store) GetTelemetry(_ context.Context, tenant domain.TenantID, hour time.Time) (domain.TelemetryRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.telemetry[tenant][hour.Unix()]
	if !ok {
		return domain.TelemetryRecord{}, fmt.Errorf("telemetry %s@%s: %w", tenant, hour.UTC().Format(time.RFC3339), domain.ErrNotFound)
	}
	rec.Metrics = maps.Clone(rec.Metrics)
	return rec, nil
}

func (s *Store) LatestTelemetryHour(_ context.Context, tenant domain.TenantID) (time.Time, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var latest int64
	found := false
	for h := range s.telemetry[tenant] {
		if !found || h > latest {
			latest, found = h, true
		}
	}
	if !found {
		return time.Time{}, fmt.Errorf("telemetry for %s: %w", tenant, domain.ErrNotFound)
	}
	return time.Unix(latest, 0).UTC(), nil
}

func (s *Store) TelemetrySeries(_ context.Context, tenant domain.TenantID, metric domain.MetricName, from, to time.Time) ([]store.Point, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []store.Point
	for h, rec := range s.telemetry[tenant] {
		if h < from.Unix() || h > to.Unix() {
			continue
		}
		if v, ok := rec.Metrics[metric]; ok {
			out = append(out, store.Point{Hour: time.Unix(h, 0).UTC(), Value: v})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Hour.Before(out[j].Hour) })
	return out, nil
}

func (s *Store) TenantsWithTelemetry(_ context.Context, hour time.Time) ([]domain.TenantID, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []domain.TenantID
	for id, byHour := range s.telemetry {
		if _, ok := byHour[hour.Unix()]; ok {
			out = append(out, id)
		}
	}
	slices.Sort(out)
	return out, nil
}

func (s *Store) TenantCohorts(_ context.Context, tenant domain.TenantID) ([]domain.CohortKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.memberships[tenant]), nil
}

// members must be called with mu held.
func (s *Store) members(cohort domain.CohortKey) []domain.TenantID {
	var out []domain.TenantID
	for id, cohorts := range s.memberships {
		if slices.Contains(cohorts, cohort) {
			out = append(out, id)
		}
	}
	slices.Sort(out)
	return out
}

func (s *Store) CohortSamples(_ context.Context, cohort domain.CohortKey, from, to time.Time) (map[domain.MetricName][]float64, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail(OpCohortSamples); err != nil {
		return nil, 0, domain.Transient(err)
	}
	out := make(map[domain.MetricName][]float64)
	contributors := s.contributors(cohort, from, to)
	for _, id := range contributors {
		for _, h := range slices.Sorted(maps.Keys(s.telemetry[id])) {
			if h < from.Unix() || h > to.Unix() {
				continue
			}
			for m, v := range s.telemetry[id][h].Metrics {
				out[m] = append(out[m], v)
			}
		}
	}
	return out, len(contributors), nil
}

// contributors returns the members of cohort with at least one record in
// [from, to].
func (s *Store) contributors(cohort domain.CohortKey, from, to time.Time) []domain.TenantID {
	var out []domain.TenantID
	for _, id := range s.members(cohort) {
		for h := range s.telemetry[id] {
			if h >= from.Unix() && h <= to.Unix() {
				out = append(out, id)
				break
			}
		}
	}
	return out
}

func (s *Store) PublishBaselines(_ context.Context, baselines []domain.CohortBaseline) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail(OpPublishBaselines); err != nil {
		return domain.Transient(err)
	}
	for _, b := range baselines {
		s.baselines[baselineKey{b.CohortKey, b.Metric, b.Period, b.WindowEnd.Unix()}] = b
	}
	return nil
}

func (s *Store) ListBaselines(_ context.Context, cohort domain.CohortKey, windowEnd time.Time) ([]domain.CohortBaseline, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	type series struct {
		metric domain.MetricName
		period string
	}
	latest := make(map[series]domain.CohortBaseline)
	var out []domain.CohortBaseline
	for k, b := range s.baselines {
		if k.cohort != cohort {
			continue
		}
		if !windowEnd.IsZero() {
			if k.windowEnd == windowEnd.Unix() {
				out = append(out, b)
			}
			continue
		}
		sk := series{k.metric, k.period}
		if cur, ok := latest[sk]; !ok || b.WindowEnd.After(cur.WindowEnd) {
			latest[sk] = b
		}
	}
	if windowEnd.IsZero() {
		out = slices.Collect(maps.Values(latest))
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Metric != out[j].Metric {
			return out[i].Metric < out[j].Metric
		}
		return out[i].Period < out[j].Period
	})
	return out, nil
}

func (s *Store) ListCohorts(_ context.Context) ([]domain.CohortKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	seen := make(map[domain.CohortKey]struct{})
	for _, cohorts := range s.memberships {
		for _, c := range cohorts {
			seen[c] = struct{}{}
		}
	}
	return slices.Sorted(maps.Keys(seen)), nil
}

func (s *Store) CohortSize(_ context.Context, cohort domain.CohortKey, from, to time.Time) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.contributors(cohort, from, to)), nil
}

func (s *Store) ReplaceBenchmarks(_ context.Context, tenant domain.TenantID, hour time.Time, snaps []domain.BenchmarkSnapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail(OpReplaceBenchmarks); err != nil {
		return domain.Transient(err)
	}
	byHour, ok := s.snapshots[tenant]
	if !ok {
		byHour = make(map[int64][]domain.BenchmarkSnapshot)
		s.snapshots[tenant] = byHour
	}
	byHour[hour.Unix()] = slices.Clone(snaps)
	return nil
}

func (s *Store) ListBenchmarks(_ context.Context, tenant domain.TenantID, hour time.Time) ([]domain.BenchmarkSnapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	byHour := s.snapshots[tenant]
	key := hour.Unix()
	if hour.IsZero() {
		if len(byHour) == 0 {
			return nil, nil
		}
		key = slices.Max(slices.Collect(maps.Keys(byHour)))
	}
	out := slices.Clone(byHour[key])
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.Metric != b.Metric {
			return a.Metric < b.Metric
		}
		if a.Period != b.Period {
			return a.Period < b.Period
		}
		return a.CohortKey < b.CohortKey
	})
	return out, nil
}

func (s *Store) ReplaceAnomalies(_ context.Context, tenant domain.TenantID, detectedAt time.Time, signals []domain.AnomalySignal) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail(OpReplaceAnomalies); err != nil {
		return domain.Transient(err)
	}
	byHour, ok := s.anomalies[tenant]
	if !ok {
		byHour = make(map[int64][]domain.AnomalySignal)
		s.anomalies[tenant] = byHour
	}
	if len(signals) == 0 {
		delete(byHour, detectedAt.Unix())
		return nil
	}
	byHour[detectedAt.Unix()] = slices.Clone(signals)
	return nil
}

func (s *Store) ListAnomalies(_ context.Context, tenant domain.TenantID, from, to time.Time) ([]domain.AnomalySignal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []domain.AnomalySignal
	for h, signals := range s.anomalies[tenant] {
		if h < from.Unix() || h > to.Unix() {
			continue
		}
		out = append(out, signals...)
	}
	sortSignals(out)
	return out, nil
}

func (s *Store) CohortObservations(_ context.Context, cohort domain.CohortKey, from, to time.Time, window time.Duration) ([]domain.CohortObservation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	byWindow := make(map[int64]map[domain.AnomalyKind]int)
	for _, id := range s.members(cohort) {
		for h, signals := range s.anomalies[id] {
			if h < from.Unix() || h >= to.Unix() {
				continue
			}
			ws := store.WindowStart(time.Unix(h, 0), window).Unix()
			counts, ok := byWindow[ws]
			if !ok {
				counts = make(map[domain.AnomalyKind]int)
				byWindow[ws] = counts
			}
			for _, sig := range signals {
				counts[sig.Kind]++
			}
		}
	}
	out := make([]domain.CohortObservation, 0, len(byWindow))
	for _, ws := range slices.Sorted(maps.Keys(byWindow)) {
		out = append(out, domain.CohortObservation{
			CohortKey:   cohort,
			WindowStart: time.Unix(ws, 0).UTC(),
			Counts:      byWindow[ws],
		})
	}
	return out, nil
}

func (s *Store) PublishPatterns(_ context.Context, patterns []domain.PatternSignature) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail(OpPublishPatterns); err != nil {
		return domain.Transient(err)
	}
	for _, p := range patterns {
		p.Kinds = slices.Clone(p.Kinds)
		s.patterns[patternKey{p.ID, p.Version}] = p
	}
	return nil
}

func (s *Store) PatternCatalog(_ context.Context, cohorts []domain.CohortKey, minVersion, asOf time.Time) ([]domain.PatternSignature, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	latest := make(map[string]domain.PatternSignature)
	for k, p := range s.patterns {
		if !slices.Contains(cohorts, p.CohortKey) {
			continue
		}
		if k.version < minVersion.Unix() || k.version > asOf.Unix() {
			continue
		}
		if cur, ok := latest[k.id]; !ok || k.version > cur.Version {
			latest[k.id] = p
		}
	}
	out := slices.Collect(maps.Values(latest))
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Store) UpsertWarnings(_ context.Context, tenant domain.TenantID, warnings []domain.EarlyWarning) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail(OpUpsertWarnings); err != nil {
		return domain.Transient(err)
	}
	byPattern, ok := s.warnings[tenant]
	if !ok {
		byPattern = make(map[string]domain.EarlyWarning)
		s.warnings[tenant] = byPattern
	}
	for _, w := range warnings {
		if w.TenantID != tenant {
			return fmt.Errorf("warning for %s written under %s: %w", w.TenantID, tenant, domain.ErrForbidden)
		}
		cur, ok := byPattern[w.PatternID]
		if !ok {
			byPattern[w.PatternID] = w
			continue
		}
		cur.MatchScore = w.MatchScore
		cur.Rationale = w.Rationale
		cur.CohortKey = w.CohortKey
		cur.LastMatchedAt = w.LastMatchedAt
		byPattern[w.PatternID] = cur
	}
	return nil
}

func (s *Store) ListWarnings(_ context.Context, tenant domain.TenantID, status domain.WarningStatus) ([]domain.EarlyWarning, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []domain.EarlyWarning
	for _, w := range s.warnings[tenant] {
		if status != "" && w.Status != status {
			continue
		}
		out = append(out, w)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].MatchScore != out[j].MatchScore {
			return out[i].MatchScore > out[j].MatchScore
		}
		return out[i].PatternID < out[j].PatternID
	})
	return out, nil
}

func (s *Store) FlagForReview(_ context.Context, item domain.ReviewItem) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, r := range s.reviews {
		if r.Stage == item.Stage && r.Unit == item.Unit && r.HourBucket.Equal(item.HourBucket) {
			s.reviews[i] = item
			return nil
		}
	}
	s.reviews = append(s.reviews, item)
	return nil
}

func (s *Store) ListReviewItems(_ context.Context, since time.Time) ([]domain.ReviewItem, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []domain.ReviewItem
	for _, r := range s.reviews {
		if r.CreatedAt.Before(since) {
			continue
		}
		out = append(out, r)
	}
	return out, nil
}

// Events returns every stored governance event, for tests.
func (s *Store) Events() []domain.GovernanceEvent {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.GovernanceEvent, len(s.events))
	for i, e := range s.events {
		out[i] = copyEvent(e)
	}
	return out
}

// Patterns returns every stored pattern version, for tests.
func (s *Store) Patterns() []domain.PatternSignature {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := slices.Collect(maps.Values(s.patterns))
	sort.Slice(out, func(i, j int) bool {
		if out[i].ID != out[j].ID {
			return out[i].ID < out[j].ID
		}
		return out[i].Version < out[j].Version
	})
	return out
}

// Baselines returns every stored baseline version, for tests.
func (s *Store) Baselines() []domain.CohortBaseline {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Collect(maps.Values(s.baselines))
}

func copyEvent(e domain.GovernanceEvent) domain.GovernanceEvent {
	e.Details = maps.Clone(e.Details)
	return e
}

func sortSignals(out []domain.AnomalySignal) {
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if !a.DetectedAt.Equal(b.DetectedAt) {
			return a.DetectedAt.Before(b.DetectedAt)
		}
		if a.Metric != b.Metric {
			return a.Metric < b.Metric
		}
		return a.Kind < b.Kind
	})
}
