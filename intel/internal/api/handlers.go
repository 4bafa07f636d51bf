package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/malbeclabs/netintel/intel/internal/domain"
)

type StatusResponse struct {
	TenantID    string         `json:"tenant_id"`
	LastUpdated *time.Time     `json:"last_updated"`
	Features    domain.FlagSet `json:"features"`
}

// BenchmarkView is a tenant's own value against cohort aggregates. It never
// carries another member's value.
type BenchmarkView struct {
	Metric           string  `json:"metric"`
	Period           string  `json:"period"`
	Cohort           string  `json:"cohort"`
	Value            float64 `json:"value"`
	CohortMean       float64 `json:"cohort_mean"`
	CohortP50        float64 `json:"cohort_p50"`
	CohortP90        float64 `json:"cohort_p90"`
	Delta            float64 `json:"delta"`
	ZScore           float64 `json:"z_score"`
	Members          int     `json:"members"`
	NoBaseline       bool    `json:"no_baseline"`
	NoBaselineReason string  `json:"no_baseline_reason,omitempty"`
}

type BenchmarksResponse struct {
	Enabled    bool            `json:"enabled"`
	HourBucket *time.Time      `json:"hour_bucket"`
	Benchmarks []BenchmarkView `json:"benchmarks"`
}

type AnomalyView struct {
	Metric     string    `json:"metric"`
	DetectedAt time.Time `json:"detected_at"`
	Kind       string    `json:"kind"`
	Severity   string    `json:"severity"`
	Magnitude  float64   `json:"magnitude"`
	Cohort     string    `json:"cohort,omitempty"`
	Rationale  string    `json:"rationale"`
}

type AnomaliesResponse struct {
	Enabled   bool          `json:"enabled"`
	From      time.Time     `json:"from"`
	To        time.Time     `json:"to"`
	Anomalies []AnomalyView `json:"anomalies"`
}

type WarningView struct {
	PatternID       string     `json:"pattern_id"`
	Cohort          string     `json:"cohort"`
	MatchScore      float64    `json:"match_score"`
	Status          string     `json:"status"`
	Rationale       string     `json:"rationale"`
	CreatedAt       time.Time  `json:"created_at"`
	LastMatchedAt   time.Time  `json:"last_matched_at"`
	StatusChangedAt *time.Time `json:"status_changed_at,omitempty"`
	StatusChangedBy string     `json:"status_changed_by,omitempty"`
}

type WarningsResponse struct {
	Enabled  bool          `json:"enabled"`
	Warnings []WarningView `json:"warnings"`
}

type PatchWarningRequest struct {
	Status string `json:"status"`
	Reason string `json:"reason"`
}

type FlagsResponse struct {
	TenantID string         `json:"tenant_id"`
	Flags    domain.FlagSet `json:"flags"`
}

type EventView struct {
	ID        string         `json:"id"`
	Actor     string         `json:"actor"`
	EventType string         `json:"event_type"`
	Context   string         `json:"context,omitempty"`
	Details   map[string]any `json:"details"`
	CreatedAt time.Time      `json:"created_at"`
}

type EventsResponse struct {
	Events []EventView `json:"events"`
}

func (s *Server) getStatus(w http.ResponseWriter, r *http.Request) {
	tenant := tenantParam(r)
	flags, err := s.cfg.Gate.Flags(r.Context(), tenant)
	if err != nil {
		s.writeStoreError(w, r, err)
		return
	}
	resp := StatusResponse{TenantID: string(tenant), Features: flags}
	latest, err := s.cfg.Store.LatestTelemetryHour(r.Context(), tenant)
	switch {
	case err == nil:
		resp.LastUpdated = &latest
	case !errors.Is(err, domain.ErrNotFound):
		s.writeStoreError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// getBenchmarks returns the snapshots for the tenant's latest ingested hour,
// so a failed ingestion shows an older hour rather than stale claims about
// the current one.
func (s *Server) getBenchmarks(w http.ResponseWriter, r *http.Request) {
	tenant := tenantParam(r)
	flags, err := s.cfg.Gate.Flags(r.Context(), tenant)
	if err != nil {
		s.writeStoreError(w, r, err)
		return
	}
	resp := BenchmarksResponse{Enabled: flags.BenchmarkingEnabled, Benchmarks: []BenchmarkView{}}
	if !resp.Enabled {
		writeJSON(w, http.StatusOK, resp)
		return
	}
	latest, err := s.cfg.Store.LatestTelemetryHour(r.Context(), tenant)
	if errors.Is(err, domain.ErrNotFound) {
		writeJSON(w, http.StatusOK, resp)
		return
	}
	if err != nil {
		s.writeStoreError(w, r, err)
		return
	}
	snaps, err := s.cfg.Store.ListBenchmarks(r.Context(), tenant, latest)
	if err != nil {
		s.writeStoreError(w, r, err)
		return
	}
	resp.HourBucket = &latest
	for _, b := range snaps {
		resp.Benchmarks = append(resp.Benchmarks, BenchmarkView{
			Metric:           string(b.Metric),
			Period:           b.Period,
			Cohort:           string(b.CohortKey),
			Value:            b.Value,
			CohortMean:       b.CohortMean,
			CohortP50:        b.CohortP50,
			CohortP90:        b.CohortP90,
			Delta:            b.Delta,
			ZScore:           b.ZScore,
			Members:          b.Members,
			NoBaseline:       b.NoBaseline,
			NoBaselineReason: b.NoBaselineReason,
		})
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) getAnomalies(w http.ResponseWriter, r *http.Request) {
	tenant := tenantParam(r)
	window := defaultAnomalyWindow
	if v := r.URL.Query().Get("hours"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 || time.Duration(n)*time.Hour > maxAnomalyWindow {
			writeJSONError(w, http.StatusBadRequest, fmt.Sprintf("hours must be between 1 and %d", int(maxAnomalyWindow/time.Hour)))
			return
		}
		window = time.Duration(n) * time.Hour
	}
	flags, err := s.cfg.Gate.Flags(r.Context(), tenant)
	if err != nil {
		s.writeStoreError(w, r, err)
		return
	}
	to := s.cfg.Clock.Now().UTC()
	resp := AnomaliesResponse{Enabled: flags.AnomalyDetectionEnabled, From: to.Add(-window), To: to, Anomalies: []AnomalyView{}}
	if !resp.Enabled {
		writeJSON(w, http.StatusOK, resp)
		return
	}
	signals, err := s.cfg.Store.ListAnomalies(r.Context(), tenant, resp.From, resp.To)
	if err != nil {
		s.writeStoreError(w, r, err)
		return
	}
	for _, a := range signals {
		resp.Anomalies = append(resp.Anomalies, AnomalyView{
			Metric:     string(a.Metric),
			DetectedAt: a.DetectedAt,
			Kind:       string(a.Kind),
			Severity:   string(a.Severity),
			Magnitude:  a.Magnitude,
			Cohort:     string(a.CohortKey),
			Rationale:  a.Rationale,
		})
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) getWarnings(w http.ResponseWriter, r *http.Request) {
	tenant := tenantParam(r)
	var status domain.WarningStatus
	if v := r.URL.Query().Get("status"); v != "" {
		st, err := domain.ParseWarningStatus(v)
		if err != nil {
			writeJSONError(w, http.StatusBadRequest, err.Error())
			return
		}
		status = st
	}
	flags, err := s.cfg.Gate.Flags(r.Context(), tenant)
	if err != nil {
		s.writeStoreError(w, r, err)
		return
	}
	resp := WarningsResponse{Enabled: flags.EarlyWarningsEnabled, Warnings: []WarningView{}}
	if !resp.Enabled {
		writeJSON(w, http.StatusOK, resp)
		return
	}
	warnings, err := s.cfg.Store.ListWarnings(r.Context(), tenant, status)
	if err != nil {
		s.writeStoreError(w, r, err)
		return
	}
	for _, wr := range warnings {
		resp.Warnings = append(resp.Warnings, warningView(wr))
	}
	writeJSON(w, http.StatusOK, resp)
}

func warningView(w domain.EarlyWarning) WarningView {
	v := WarningView{
		PatternID:       w.PatternID,
		Cohort:          string(w.CohortKey),
		MatchScore:      w.MatchScore,
		Status:          string(w.Status),
		Rationale:       w.Rationale,
		CreatedAt:       w.CreatedAt,
		LastMatchedAt:   w.LastMatchedAt,
		StatusChangedBy: w.StatusChangedBy,
	}
	if !w.StatusChangedAt.IsZero() {
		t := w.StatusChangedAt
		v.StatusChangedAt = &t
	}
	return v
}

func (s *Server) patchWarning(w http.ResponseWriter, r *http.Request) {
	tenant := tenantParam(r)
	actor := r.Header.Get(HeaderActor)
	if actor == "" {
		writeJSONError(w, http.StatusBadRequest, "missing "+HeaderActor)
		return
	}
	var req PatchWarningRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<16)).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	status, err := domain.ParseWarningStatus(req.Status)
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	updated, err := s.cfg.Gate.TransitionWarning(r.Context(), tenant, chi.URLParam(r, "pattern"), status, actor, req.Reason)
	if err != nil {
		s.writeStoreError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, warningView(updated))
}

func (s *Server) getFlags(w http.ResponseWriter, r *http.Request) {
	tenant := tenantParam(r)
	flags, err := s.cfg.Gate.Flags(r.Context(), tenant)
	if err != nil {
		s.writeStoreError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, FlagsResponse{TenantID: string(tenant), Flags: flags})
}

// patchFlags takes a body of {flag_name: bool}. An optional reason query
// parameter is recorded, sanitized, as the event context.
func (s *Server) patchFlags(w http.ResponseWriter, r *http.Request) {
	tenant := tenantParam(r)
	actor := r.Header.Get(HeaderActor)
	if actor == "" {
		writeJSONError(w, http.StatusBadRequest, "missing "+HeaderActor)
		return
	}
	var body map[string]bool
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<16)).Decode(&body); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if len(body) == 0 {
		writeJSONError(w, http.StatusBadRequest, "no flags given")
		return
	}
	patch := make(map[domain.FlagName]bool, len(body))
	for k, v := range body {
		name, err := domain.ParseFlagName(k)
		if err != nil {
			writeJSONError(w, http.StatusBadRequest, err.Error())
			return
		}
		patch[name] = v
	}
	if _, err := s.cfg.Gate.PatchFlags(r.Context(), tenant, patch, actor, r.URL.Query().Get("reason")); err != nil {
		s.writeStoreError(w, r, err)
		return
	}
	flags, err := s.cfg.Gate.Flags(r.Context(), tenant)
	if err != nil {
		s.writeStoreError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, FlagsResponse{TenantID: string(tenant), Flags: flags})
}

func (s *Server) getEvents(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := domain.EventFilter{EventType: q.Get("type"), Actor: q.Get("actor"), Limit: defaultEventLimit}
	for name, dst := range map[string]*time.Time{"since": &filter.Since, "until": &filter.Until} {
		v := q.Get(name)
		if v == "" {
			continue
		}
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeJSONError(w, http.StatusBadRequest, name+" must be RFC3339")
			return
		}
		*dst = t
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 || n > maxEventLimit {
			writeJSONError(w, http.StatusBadRequest, fmt.Sprintf("limit must be between 1 and %d", maxEventLimit))
			return
		}
		filter.Limit = n
	}
	events, err := s.cfg.Gate.ListEvents(r.Context(), tenantParam(r), filter)
	if err != nil {
		s.writeStoreError(w, r, err)
		return
	}
	resp := EventsResponse{Events: make([]EventView, 0, len(events))}
	for _, e := range events {
		resp.Events = append(resp.Events, EventView{
			ID:        e.ID,
			Actor:     e.Actor,
			EventType: e.EventType,
			Context:   e.Context,
			Details:   e.Details,
			CreatedAt: e.CreatedAt,
		})
	}
	writeJSON(w, http.StatusOK, resp)
}
