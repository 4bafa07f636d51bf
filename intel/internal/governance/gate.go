package governance

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/jellydator/ttlcache/v3"
	"github.com/jonboulle/clockwork"
	"github.com/malbeclabs/netintel/intel/internal/domain"
	"github.com/malbeclabs/netintel/intel/internal/metrics"
	"github.com/malbeclabs/netintel/intel/internal/store"
)

const defaultCacheTTL = 30 * time.Second

var ErrActorRequired = errors.New("actor is required")

type Config struct {
	Logger   *slog.Logger
	Store    store.GovernanceStore
	Clock    clockwork.Clock
	CacheTTL time.Duration
}

func (c *Config) Validate() error {
	if c.Logger == nil {
		return errors.New("logger is required")
	}
	if c.Store == nil {
		return errors.New("store is required")
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.CacheTTL <= 0 {
		c.CacheTTL = defaultCacheTTL
	}
	return nil
}

// Gate is the single point every stage consults before doing tenant-scoped
// work, and the only writer of feature flags.
type Gate struct {
	log   *slog.Logger
	cfg   *Config
	cache *ttlcache.Cache[domain.TenantID, domain.FlagSet]
}

func New(cfg *Config) (*Gate, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("failed to validate config: %w", err)
	}
	cache := ttlcache.New(
		ttlcache.WithTTL[domain.TenantID, domain.FlagSet](cfg.CacheTTL),
		ttlcache.WithDisableTouchOnHit[domain.TenantID, domain.FlagSet](),
	)
	return &Gate{log: cfg.Logger, cfg: cfg, cache: cache}, nil
}

// Flags returns the tenant's flag record. Tenants without a record get the
// zero FlagSet, so every feature is off.
func (g *Gate) Flags(ctx context.Context, tenant domain.TenantID) (domain.FlagSet, error) {
	if item := g.cache.Get(tenant); item != nil {
		metrics.FlagCacheLookups.WithLabelValues("hit").Inc()
		return item.Value(), nil
	}
	metrics.FlagCacheLookups.WithLabelValues("miss").Inc()
	flags, err := g.cfg.Store.GetFlags(ctx, tenant)
	if err != nil {
		return domain.FlagSet{}, fmt.Errorf("failed to read flags for %s: %w", tenant, err)
	}
	g.cache.Set(tenant, flags, ttlcache.DefaultTTL)
	return flags, nil
}

// IsEnabled fails closed: a read error reports the feature as disabled along
// with the error.
func (g *Gate) IsEnabled(ctx context.Context, tenant domain.TenantID, flag domain.FlagName) (bool, error) {
	flags, err := g.Flags(ctx, tenant)
	if err != nil {
		return false, err
	}
	return flags.Get(flag), nil
}

// Require returns ErrGovernanceDenied when flag is off for tenant.
func (g *Gate) Require(ctx context.Context, tenant domain.TenantID, flag domain.FlagName) error {
	ok, err := g.IsEnabled(ctx, tenant, flag)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: %s disabled for %s", domain.ErrGovernanceDenied, flag, tenant)
	}
	return nil
}

func (g *Gate) SetFlag(ctx context.Context, tenant domain.TenantID, flag domain.FlagName, value bool, actor, reason string) ([]domain.GovernanceEvent, error) {
	return g.PatchFlags(ctx, tenant, map[domain.FlagName]bool{flag: value}, actor, reason)
}

// PatchFlags applies every change in patch and appends one flag_changed event
// per flag whose value actually changed, all in one transaction.
func (g *Gate) PatchFlags(ctx context.Context, tenant domain.TenantID, patch map[domain.FlagName]bool, actor, reason string) ([]domain.GovernanceEvent, error) {
	if actor == "" {
		return nil, ErrActorRequired
	}
	if tenant == "" {
		return nil, errors.New("tenant is required")
	}
	names := make([]domain.FlagName, 0, len(patch))
	for name := range patch {
		if _, err := domain.ParseFlagName(string(name)); err != nil {
			return nil, err
		}
		names = append(names, name)
	}
	sort.Slice(names, func(i, j int) bool { return names[i] < names[j] })

	now := g.cfg.Clock.Now().UTC()
	events, err := g.cfg.Store.UpdateFlags(ctx, tenant, func(cur domain.FlagSet) (domain.FlagSet, []domain.GovernanceEvent, error) {
		next := cur
		var events []domain.GovernanceEvent
		for _, name := range names {
			value := patch[name]
			prev := cur.Get(name)
			if prev == value {
				continue
			}
			if err := next.Set(name, value); err != nil {
				return cur, nil, err
			}
			events = append(events, g.newEvent(tenant, actor, domain.EventFlagChanged, reason, now, flagChangeDetails{
				Flag:     name,
				Value:    value,
				Previous: prev,
			}.toMap()))
		}
		return next, events, nil
	})
	if err != nil {
		if errors.Is(err, domain.ErrAuditWriteFailure) {
			metrics.AuditWriteFailures.Inc()
			g.log.Error("Flag change rejected, audit write failed", "tenant", tenant, "actor", actor, "error", err)
		}
		return nil, err
	}
	g.cache.Delete(tenant)
	for _, e := range events {
		metrics.GovernanceEvents.WithLabelValues(e.EventType).Inc()
		g.log.Info("Flag changed", "tenant", tenant, "actor", actor, "flag", e.Details["flag"], "value", e.Details["value"])
	}
	return events, nil
}

func (g *Gate) ListEvents(ctx context.Context, tenant domain.TenantID, filter domain.EventFilter) ([]domain.GovernanceEvent, error) {
	return g.cfg.Store.ListEvents(ctx, tenant, filter)
}

// Discrepancy is a flag whose stored value is not explained by the audit
// trail.
type Discrepancy struct {
	Flag      domain.FlagName
	Value     bool
	LastEvent *bool
}

func (d Discrepancy) String() string {
	if d.LastEvent == nil {
		return fmt.Sprintf("%s=%t has no flag_changed event", d.Flag, d.Value)
	}
	return fmt.Sprintf("%s=%t but last flag_changed event set %t", d.Flag, d.Value, *d.LastEvent)
}

// VerifyAuditTrail checks that every stored flag value is the value of the
// latest flag_changed event for that flag. A flag that was never changed is
// off and needs no event.
func (g *Gate) VerifyAuditTrail(ctx context.Context, tenant domain.TenantID) ([]Discrepancy, error) {
	flags, err := g.cfg.Store.GetFlags(ctx, tenant)
	if err != nil {
		return nil, fmt.Errorf("failed to read flags for %s: %w", tenant, err)
	}
	events, err := g.cfg.Store.ListEvents(ctx, tenant, domain.EventFilter{EventType: domain.EventFlagChanged})
	if err != nil {
		return nil, fmt.Errorf("failed to read events for %s: %w", tenant, err)
	}
	last := make(map[domain.FlagName]bool)
	for _, e := range events {
		d, ok := parseFlagChangeDetails(e.Details)
		if !ok {
			continue
		}
		last[d.Flag] = d.Value
	}
	var out []Discrepancy
	for _, name := range domain.FlagNames {
		cur := flags.Get(name)
		v, ok := last[name]
		switch {
		case ok && v != cur:
			out = append(out, Discrepancy{Flag: name, Value: cur, LastEvent: &v})
		case !ok && cur:
			out = append(out, Discrepancy{Flag: name, Value: cur})
		}
	}
	return out, nil
}

// TransitionWarning moves a tenant's early warning to status on behalf of an
// operator. Setting the current status again is a no-op and is not audited.
func (g *Gate) TransitionWarning(ctx context.Context, tenant domain.TenantID, patternID string, status domain.WarningStatus, actor, reason string) (domain.EarlyWarning, error) {
	if actor == "" {
		return domain.EarlyWarning{}, ErrActorRequired
	}
	if _, err := domain.ParseWarningStatus(string(status)); err != nil {
		return domain.EarlyWarning{}, err
	}
	now := g.cfg.Clock.Now().UTC()
	changed := false
	w, err := g.cfg.Store.UpdateWarning(ctx, tenant, patternID, func(w *domain.EarlyWarning) (domain.GovernanceEvent, error) {
		if w.Status == status {
			return domain.GovernanceEvent{}, nil
		}
		prev := w.Status
		changed = true
		w.Status = status
		w.StatusChangedAt = now
		w.StatusChangedBy = actor
		return g.newEvent(tenant, actor, domain.EventWarningStatusChanged, reason, now, map[string]any{
			"pattern_id": patternID,
			"status":     string(status),
			"previous":   string(prev),
		}), nil
	})
	if err != nil {
		if errors.Is(err, domain.ErrAuditWriteFailure) {
			metrics.AuditWriteFailures.Inc()
		}
		return domain.EarlyWarning{}, err
	}
	if changed {
		metrics.GovernanceEvents.WithLabelValues(domain.EventWarningStatusChanged).Inc()
		g.log.Info("Warning status changed", "tenant", tenant, "pattern", patternID, "status", status, "actor", actor)
	}
	return w, nil
}

func (g *Gate) newEvent(tenant domain.TenantID, actor, eventType, reason string, at time.Time, details map[string]any) domain.GovernanceEvent {
	return domain.GovernanceEvent{
		ID:        uuid.NewString(),
		TenantID:  tenant,
		Actor:     actor,
		EventType: eventType,
		Context:   SanitizeText(reason),
		Details:   Sanitize(details),
		CreatedAt: at,
	}
}

type flagChangeDetails struct {
	Flag     domain.FlagName
	Value    bool
	Previous bool
}

func (d flagChangeDetails) toMap() map[string]any {
	return map[string]any{
		"flag":     string(d.Flag),
		"value":    d.Value,
		"previous": d.Previous,
	}
}

func parseFlagChangeDetails(m map[string]any) (flagChangeDetails, bool) {
	name, _ := m["flag"].(string)
	flag, err := domain.ParseFlagName(name)
	if err != nil {
		return flagChangeDetails{}, false
	}
	value, ok := m["value"].(bool)
	if !ok {
		return flagChangeDetails{}, false
	}
	prev, _ := m["previous"].(bool)
	return flagChangeDetails{Flag: flag, Value: value, Previous: prev}, true
}
