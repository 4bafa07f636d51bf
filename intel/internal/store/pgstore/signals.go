package pgstore

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/malbeclabs/netintel/intel/internal/domain"
)

func (s *Store) ReplaceAnomalies(ctx context.Context, tenant domain.TenantID, detectedAt time.Time, signals []domain.AnomalySignal) error {
	return inTx(ctx, s.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `DELETE FROM anomaly_signals WHERE tenant_id = $1 AND detected_at = $2`,
			string(tenant), detectedAt.UTC()); err != nil {
			return wrap("clear anomalies", err)
		}
		if len(signals) == 0 {
			return nil
		}
		batch := &pgx.Batch{}
		for _, sig := range signals {
			batch.Queue(`
				INSERT INTO anomaly_signals (tenant_id, detected_at, metric, kind, severity, magnitude, cohort_key, rationale)
				VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
				string(tenant), detectedAt.UTC(), string(sig.Metric), string(sig.Kind), string(sig.Severity),
				sig.Magnitude, string(sig.CohortKey), sig.Rationale)
		}
		return wrap("insert anomalies", tx.SendBatch(ctx, batch).Close())
	})
}

func (s *Store) ListAnomalies(ctx context.Context, tenant domain.TenantID, from, to time.Time) ([]domain.AnomalySignal, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT tenant_id, detected_at, metric, kind, severity, magnitude, cohort_key, rationale
		FROM anomaly_signals
		WHERE tenant_id = $1 AND detected_at BETWEEN $2 AND $3
		ORDER BY detected_at, metric, kind`, string(tenant), from.UTC(), to.UTC())
	if err != nil {
		return nil, wrap("list anomalies", err)
	}
	out, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (domain.AnomalySignal, error) {
		var a domain.AnomalySignal
		var tid, metric, kind, severity, ck string
		err := row.Scan(&tid, &a.DetectedAt, &metric, &kind, &severity, &a.Magnitude, &ck, &a.Rationale)
		a.TenantID = domain.TenantID(tid)
		a.DetectedAt = a.DetectedAt.UTC()
		a.Metric = domain.MetricName(metric)
		a.Kind = domain.AnomalyKind(kind)
		a.Severity = domain.Severity(severity)
		a.CohortKey = domain.CohortKey(ck)
		return a, err
	})
	return out, wrap("list anomalies", err)
}

// CohortObservations groups in the database; only window starts and counts
// are returned.
func (s *Store) CohortObservations(ctx context.Context, cohort domain.CohortKey, from, to time.Time, window time.Duration) ([]domain.CohortObservation, error) {
	if window <= 0 {
		return nil, fmt.Errorf("window must be positive, got %s", window)
	}
	rows, err := s.pool.Query(ctx, `
		SELECT to_timestamp(floor(extract(epoch FROM a.detected_at)::double precision / $4::double precision) * $4::double precision) AS window_start,
			a.kind, count(*)
		FROM anomaly_signals a
		JOIN cohort_memberships m ON m.tenant_id = a.tenant_id
		WHERE m.cohort_key = $1 AND a.detected_at >= $2 AND a.detected_at < $3
		GROUP BY window_start, a.kind
		ORDER BY window_start, a.kind`,
		string(cohort), from.UTC(), to.UTC(), window.Seconds())
	if err != nil {
		return nil, wrap("cohort observations", err)
	}
	defer rows.Close()

	var out []domain.CohortObservation
	for rows.Next() {
		var ws time.Time
		var kind string
		var n int
		if err := rows.Scan(&ws, &kind, &n); err != nil {
			return nil, wrap("cohort observations", err)
		}
		ws = ws.UTC()
		if len(out) == 0 || !out[len(out)-1].WindowStart.Equal(ws) {
			out = append(out, domain.CohortObservation{
				CohortKey:   cohort,
				WindowStart: ws,
				Counts:      make(map[domain.AnomalyKind]int),
			})
		}
		out[len(out)-1].Counts[domain.AnomalyKind(kind)] = n
	}
	if err := rows.Err(); err != nil {
		return nil, wrap("cohort observations", err)
	}
	return out, nil
}

func (s *Store) PublishPatterns(ctx context.Context, patterns []domain.PatternSignature) error {
	if len(patterns) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, p := range patterns {
		batch.Queue(`
			INSERT INTO pattern_signatures (id, version, cohort_key, window_seconds, kinds, features, support,
				observations, description, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
			ON CONFLICT (id, version) DO UPDATE SET
				kinds = EXCLUDED.kinds, features = EXCLUDED.features, support = EXCLUDED.support,
				observations = EXCLUDED.observations, description = EXCLUDED.description,
				updated_at = EXCLUDED.updated_at`,
			p.ID, p.Version, string(p.CohortKey), int64(p.Window/time.Second), toStrings(p.Kinds),
			p.Features.Slice(), p.Support, p.Observations, p.Description, p.UpdatedAt.UTC())
	}
	return wrap("publish patterns", s.pool.SendBatch(ctx, batch).Close())
}

func (s *Store) PatternCatalog(ctx context.Context, cohorts []domain.CohortKey, minVersion, asOf time.Time) ([]domain.PatternSignature, error) {
	if len(cohorts) == 0 {
		return nil, nil
	}
	rows, err := s.pool.Query(ctx, `
		SELECT DISTINCT ON (id) id, version, cohort_key, window_seconds, kinds, features, support,
			observations, description, updated_at
		FROM pattern_signatures
		WHERE cohort_key = ANY($1) AND version BETWEEN $2 AND $3
		ORDER BY id, version DESC`, toStrings(cohorts), minVersion.Unix(), asOf.Unix())
	if err != nil {
		return nil, wrap("pattern catalog", err)
	}
	out, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (domain.PatternSignature, error) {
		var p domain.PatternSignature
		var ck string
		var windowSeconds int64
		var kinds []string
		var features []float64
		err := row.Scan(&p.ID, &p.Version, &ck, &windowSeconds, &kinds, &features, &p.Support,
			&p.Observations, &p.Description, &p.UpdatedAt)
		p.CohortKey = domain.CohortKey(ck)
		p.Window = time.Duration(windowSeconds) * time.Second
		p.Kinds = fromStrings[domain.AnomalyKind](kinds)
		copy(p.Features[:], features)
		p.UpdatedAt = p.UpdatedAt.UTC()
		return p, err
	})
	return out, wrap("pattern catalog", err)
}

// UpsertWarnings inserts new warnings and refreshes the match fields of
// existing ones. Status and its audit trail are only changed by
// UpdateWarning.
func (s *Store) UpsertWarnings(ctx context.Context, tenant domain.TenantID, warnings []domain.EarlyWarning) error {
	if len(warnings) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, w := range warnings {
		if w.TenantID != tenant {
			return fmt.Errorf("warning for %s written under %s: %w", w.TenantID, tenant, domain.ErrForbidden)
		}
		batch.Queue(`
			INSERT INTO early_warnings (tenant_id, pattern_id, cohort_key, match_score, status, rationale,
				created_at, last_matched_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			ON CONFLICT (tenant_id, pattern_id) DO UPDATE SET
				cohort_key = EXCLUDED.cohort_key, match_score = EXCLUDED.match_score,
				rationale = EXCLUDED.rationale, last_matched_at = EXCLUDED.last_matched_at`,
			string(tenant), w.PatternID, string(w.CohortKey), w.MatchScore, string(w.Status), w.Rationale,
			w.CreatedAt.UTC(), w.LastMatchedAt.UTC())
	}
	return inTx(ctx, s.pool, func(tx pgx.Tx) error {
		return wrap("upsert warnings", tx.SendBatch(ctx, batch).Close())
	})
}

func (s *Store) ListWarnings(ctx context.Context, tenant domain.TenantID, status domain.WarningStatus) ([]domain.EarlyWarning, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+warningColumns+`
		FROM early_warnings
		WHERE tenant_id = $1 AND ($2 = '' OR status = $2)
		ORDER BY match_score DESC, pattern_id`, string(tenant), string(status))
	if err != nil {
		return nil, wrap("list warnings", err)
	}
	out, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (domain.EarlyWarning, error) {
		return scanWarning(row)
	})
	return out, wrap("list warnings", err)
}

func (s *Store) FlagForReview(ctx context.Context, item domain.ReviewItem) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO review_items (stage, unit, hour_bucket, reason, created_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (stage, unit, hour_bucket) DO UPDATE SET reason = EXCLUDED.reason, created_at = EXCLUDED.created_at`,
		item.Stage, item.Unit, item.HourBucket.UTC(), item.Reason, item.CreatedAt.UTC())
	return wrap("flag for review", err)
}

func (s *Store) ListReviewItems(ctx context.Context, since time.Time) ([]domain.ReviewItem, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT stage, unit, hour_bucket, reason, created_at FROM review_items
		WHERE created_at >= $1
		ORDER BY created_at, stage, unit`, since.UTC())
	if err != nil {
		return nil, wrap("list review items", err)
	}
	out, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (domain.ReviewItem, error) {
		var r domain.ReviewItem
		err := row.Scan(&r.Stage, &r.Unit, &r.HourBucket, &r.Reason, &r.CreatedAt)
		r.HourBucket = r.HourBucket.UTC()
		r.CreatedAt = r.CreatedAt.UTC()
		return r, err
	})
	return out, wrap("list review items", err)
}
