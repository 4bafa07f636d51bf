package pgstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/malbeclabs/netintel/intel/internal/domain"
	"github.com/malbeclabs/netintel/intel/internal/store"
)

func (s *Store) UpsertTenants(ctx context.Context, tenants []domain.Tenant) error {
	if len(tenants) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, t := range tenants {
		batch.Queue(`
			INSERT INTO tenants (id, region, size, vertical) VALUES ($1, $2, $3, $4)
			ON CONFLICT (id) DO UPDATE SET region = EXCLUDED.region, size = EXCLUDED.size, vertical = EXCLUDED.vertical`,
			string(t.ID), t.Region, t.Size, t.Vertical)
	}
	return wrap("upsert tenants", s.pool.SendBatch(ctx, batch).Close())
}

func (s *Store) GetTenant(ctx context.Context, id domain.TenantID) (domain.Tenant, error) {
	var t domain.Tenant
	var tid string
	err := s.pool.QueryRow(ctx, `SELECT id, region, size, vertical FROM tenants WHERE id = $1`, string(id)).
		Scan(&tid, &t.Region, &t.Size, &t.Vertical)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Tenant{}, fmt.Errorf("tenant %s: %w", id, domain.ErrNotFound)
	}
	if err != nil {
		return domain.Tenant{}, wrap("get tenant", err)
	}
	t.ID = domain.TenantID(tid)
	return t, nil
}

func (s *Store) ListTenants(ctx context.Context) ([]domain.Tenant, error) {
	rows, err := s.pool.Query(ctx, `SELECT id, region, size, vertical FROM tenants ORDER BY id`)
	if err != nil {
		return nil, wrap("list tenants", err)
	}
	out, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (domain.Tenant, error) {
		var t domain.Tenant
		var id string
		err := row.Scan(&id, &t.Region, &t.Size, &t.Vertical)
		t.ID = domain.TenantID(id)
		return t, err
	})
	return out, wrap("list tenants", err)
}

// GetFlags returns the tenant's flags; a tenant with no record has every flag
// off.
func (s *Store) GetFlags(ctx context.Context, tenant domain.TenantID) (domain.FlagSet, error) {
	var flags domain.FlagSet
	err := s.pool.QueryRow(ctx, `SELECT flags FROM tenant_flags WHERE tenant_id = $1`, string(tenant)).Scan(&flags)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.FlagSet{}, nil
	}
	if err != nil {
		return domain.FlagSet{}, wrap("get flags", err)
	}
	return flags, nil
}

// UpdateFlags locks the flag row, applies fn and writes the new flags and
// their audit events in the same transaction.
func (s *Store) UpdateFlags(ctx context.Context, tenant domain.TenantID, fn store.FlagUpdateFunc) ([]domain.GovernanceEvent, error) {
	var out []domain.GovernanceEvent
	err := inTx(ctx, s.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `INSERT INTO tenant_flags (tenant_id) VALUES ($1) ON CONFLICT (tenant_id) DO NOTHING`, string(tenant)); err != nil {
			return wrap("init flags", err)
		}
		var cur domain.FlagSet
		if err := tx.QueryRow(ctx, `SELECT flags FROM tenant_flags WHERE tenant_id = $1 FOR UPDATE`, string(tenant)).Scan(&cur); err != nil {
			return wrap("lock flags", err)
		}
		next, events, err := fn(cur)
		if err != nil {
			return err
		}
		if len(events) == 0 {
			return errNothingToWrite
		}
		if _, err := tx.Exec(ctx, `UPDATE tenant_flags SET flags = $2, updated_at = $3 WHERE tenant_id = $1`,
			string(tenant), next, s.clock.Now().UTC()); err != nil {
			return wrap("update flags", err)
		}
		if err := insertEvents(ctx, tx, events); err != nil {
			return err
		}
		out = events
		return nil
	})
	if errors.Is(err, errNothingToWrite) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return out, nil
}

var errNothingToWrite = errors.New("nothing to write")

func insertEvents(ctx context.Context, tx pgx.Tx, events []domain.GovernanceEvent) error {
	batch := &pgx.Batch{}
	for _, e := range events {
		details := e.Details
		if details == nil {
			details = map[string]any{}
		}
		batch.Queue(`
			INSERT INTO governance_events (id, tenant_id, actor, event_type, context, details, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7)`,
			e.ID, string(e.TenantID), e.Actor, e.EventType, e.Context, details, e.CreatedAt.UTC())
	}
	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("%w: %w", domain.ErrAuditWriteFailure, err)
	}
	return nil
}

func (s *Store) ListEvents(ctx context.Context, tenant domain.TenantID, filter domain.EventFilter) ([]domain.GovernanceEvent, error) {
	var since, until *time.Time
	if !filter.Since.IsZero() {
		t := filter.Since.UTC()
		since = &t
	}
	if !filter.Until.IsZero() {
		t := filter.Until.UTC()
		until = &t
	}
	rows, err := s.pool.Query(ctx, `
		SELECT id, tenant_id, actor, event_type, context, details, created_at
		FROM governance_events
		WHERE tenant_id = $1
		  AND ($2 = '' OR event_type = $2)
		  AND ($3 = '' OR actor = $3)
		  AND ($4::timestamptz IS NULL OR created_at >= $4)
		  AND ($5::timestamptz IS NULL OR created_at < $5)
		ORDER BY seq
		LIMIT NULLIF($6, 0)`,
		string(tenant), filter.EventType, filter.Actor, since, until, filter.Limit)
	if err != nil {
		return nil, wrap("list events", err)
	}
	out, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (domain.GovernanceEvent, error) {
		var e domain.GovernanceEvent
		var tid string
		err := row.Scan(&e.ID, &tid, &e.Actor, &e.EventType, &e.Context, &e.Details, &e.CreatedAt)
		e.TenantID = domain.TenantID(tid)
		e.CreatedAt = e.CreatedAt.UTC()
		return e, err
	})
	return out, wrap("list events", err)
}

const warningColumns = `tenant_id, pattern_id, cohort_key, match_score, status, rationale,
	created_at, last_matched_at, status_changed_at, status_changed_by`

func scanWarning(row pgx.Row) (domain.EarlyWarning, error) {
	var w domain.EarlyWarning
	var tenant, cohort, status string
	var changedAt *time.Time
	if err := row.Scan(&tenant, &w.PatternID, &cohort, &w.MatchScore, &status, &w.Rationale,
		&w.CreatedAt, &w.LastMatchedAt, &changedAt, &w.StatusChangedBy); err != nil {
		return domain.EarlyWarning{}, err
	}
	w.TenantID = domain.TenantID(tenant)
	w.CohortKey = domain.CohortKey(cohort)
	w.Status = domain.WarningStatus(status)
	w.CreatedAt = w.CreatedAt.UTC()
	w.LastMatchedAt = w.LastMatchedAt.UTC()
	if changedAt != nil {
		w.StatusChangedAt = changedAt.UTC()
	}
	return w, nil
}

// UpdateWarning locks the warning row, applies fn and writes the new status
// and its audit event in the same transaction.
func (s *Store) UpdateWarning(ctx context.Context, tenant domain.TenantID, patternID string, fn store.WarningUpdateFunc) (domain.EarlyWarning, error) {
	var out domain.EarlyWarning
	err := inTx(ctx, s.pool, func(tx pgx.Tx) error {
		cur, err := scanWarning(tx.QueryRow(ctx, `SELECT `+warningColumns+`
			FROM early_warnings WHERE tenant_id = $1 AND pattern_id = $2 FOR UPDATE`, string(tenant), patternID))
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("warning %s for %s: %w", patternID, tenant, domain.ErrNotFound)
		}
		if err != nil {
			return wrap("lock warning", err)
		}
		next := cur
		event, err := fn(&next)
		if err != nil {
			return err
		}
		if event.ID == "" {
			out = cur
			return errNothingToWrite
		}
		var changedAt *time.Time
		if !next.StatusChangedAt.IsZero() {
			t := next.StatusChangedAt.UTC()
			changedAt = &t
		}
		if _, err := tx.Exec(ctx, `
			UPDATE early_warnings SET status = $3, status_changed_at = $4, status_changed_by = $5
			WHERE tenant_id = $1 AND pattern_id = $2`,
			string(tenant), patternID, string(next.Status), changedAt, next.StatusChangedBy); err != nil {
			return wrap("update warning", err)
		}
		if err := insertEvents(ctx, tx, []domain.GovernanceEvent{event}); err != nil {
			return err
		}
		out = next
		return nil
	})
	if errors.Is(err, errNothingToWrite) {
		return out, nil
	}
	if err != nil {
		return domain.EarlyWarning{}, err
	}
	return out, nil
}
