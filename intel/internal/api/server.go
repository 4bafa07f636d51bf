// Package api serves the tenant read API and the governance admin API.
//
// Authentication is done upstream: the tenant API trusts the X-Tenant-ID
// header and only ever answers for that tenant, and the admin API trusts
// X-Actor as the operator identity.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jonboulle/clockwork"
	"github.com/malbeclabs/netintel/intel/internal/domain"
	"github.com/malbeclabs/netintel/intel/internal/governance"
	"github.com/malbeclabs/netintel/intel/internal/metrics"
	"github.com/malbeclabs/netintel/intel/internal/store"
)

const (
	HeaderTenant = "X-Tenant-ID"
	HeaderActor  = "X-Actor"

	defaultAnomalyWindow = 24 * time.Hour
	maxAnomalyWindow     = 30 * 24 * time.Hour
	defaultEventLimit    = 100
	maxEventLimit        = 1000
)

type Store interface {
	LatestTelemetryHour(ctx context.Context, tenant domain.TenantID) (time.Time, error)
	store.BenchmarkStore
	ListAnomalies(ctx context.Context, tenant domain.TenantID, from, to time.Time) ([]domain.AnomalySignal, error)
	ListWarnings(ctx context.Context, tenant domain.TenantID, status domain.WarningStatus) ([]domain.EarlyWarning, error)
}

type Gate interface {
	Flags(ctx context.Context, tenant domain.TenantID) (domain.FlagSet, error)
	PatchFlags(ctx context.Context, tenant domain.TenantID, patch map[domain.FlagName]bool, actor, reason string) ([]domain.GovernanceEvent, error)
	ListEvents(ctx context.Context, tenant domain.TenantID, filter domain.EventFilter) ([]domain.GovernanceEvent, error)
	TransitionWarning(ctx context.Context, tenant domain.TenantID, patternID string, status domain.WarningStatus, actor, reason string) (domain.EarlyWarning, error)
}

type Config struct {
	Logger *slog.Logger
	Store  Store
	Gate   Gate
	Clock  clockwork.Clock
}

func (c *Config) Validate() error {
	if c.Logger == nil {
		return errors.New("logger is required")
	}
	if c.Store == nil {
		return errors.New("store is required")
	}
	if c.Gate == nil {
		return errors.New("gate is required")
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	return nil
}

type Server struct {
	log *slog.Logger
	cfg *Config
}

func New(cfg *Config) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("failed to validate config: %w", err)
	}
	return &Server{log: cfg.Logger, cfg: cfg}, nil
}

// TenantHandler routes the tenant-scoped read API.
func (s *Server) TenantHandler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(s.instrument)
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusOK) })
	r.Route("/v1/tenants/{tenant}", func(r chi.Router) {
		r.Use(requireTenant)
		r.Get("/status", s.getStatus)
		r.Get("/benchmarks", s.getBenchmarks)
		r.Get("/anomalies", s.getAnomalies)
		r.Get("/warnings", s.getWarnings)
		r.Patch("/warnings/{pattern}", s.patchWarning)
	})
	return r
}

// AdminHandler routes the governance API. It is served on its own listener.
func (s *Server) AdminHandler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(s.instrument)
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusOK) })
	r.Route("/v1/admin/tenants/{tenant}", func(r chi.Router) {
		r.Get("/flags", s.getFlags)
		r.Patch("/flags", s.patchFlags)
		r.Get("/governance-events", s.getEvents)
	})
	return r
}

func (s *Server) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := s.cfg.Clock.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := chi.RouteContext(r.Context()).RoutePattern()
		if route == "" {
			route = "unmatched"
		}
		metrics.APIRequests.WithLabelValues(route, strconv.Itoa(ww.Status())).Inc()
		s.log.Debug("Request served", "method", r.Method, "route", route, "status", ww.Status(), "duration", s.cfg.Clock.Since(start))
	})
}

// requireTenant rejects requests whose authenticated tenant differs from the
// tenant in the path.
func requireTenant(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		caller := r.Header.Get(HeaderTenant)
		if caller == "" {
			writeJSONError(w, http.StatusUnauthorized, "missing "+HeaderTenant)
			return
		}
		if caller != chi.URLParam(r, "tenant") {
			writeJSONError(w, http.StatusForbidden, "tenant mismatch")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func tenantParam(r *http.Request) domain.TenantID {
	return domain.TenantID(chi.URLParam(r, "tenant"))
}

type errorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeJSONError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}

// writeStoreError maps domain errors to status codes. Internal details are
// logged, not returned.
func (s *Server) writeStoreError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, domain.ErrNotFound):
		writeJSONError(w, http.StatusNotFound, "not found")
	case errors.Is(err, domain.ErrForbidden):
		writeJSONError(w, http.StatusForbidden, "forbidden")
	case errors.Is(err, governance.ErrActorRequired):
		writeJSONError(w, http.StatusBadRequest, "missing "+HeaderActor)
	case errors.Is(err, domain.ErrAuditWriteFailure):
		s.log.Error("Audit write failed, change not applied", "path", r.URL.Path, "error", err)
		writeJSONError(w, http.StatusServiceUnavailable, "change not applied: audit write failed")
	case errors.Is(err, domain.ErrTransient):
		s.log.Warn("Transient storage error", "path", r.URL.Path, "error", err)
		writeJSONError(w, http.StatusServiceUnavailable, "temporarily unavailable")
	default:
		s.log.Error("Request failed", "path", r.URL.Path, "error", err)
		writeJSONError(w, http.StatusInternalServerError, "internal error")
	}
}
