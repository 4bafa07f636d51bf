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

func (s *Store) UpsertTelemetry(ctx context.Context, rec domain.TelemetryRecord, cohorts []domain.CohortKey) error {
	return inTx(ctx, s.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `
			INSERT INTO telemetry (tenant_id, hour_bucket, fingerprint, metrics, ingested_at)
			VALUES ($1, $2, $3, $4, $5)
			ON CONFLICT (tenant_id, hour_bucket) DO UPDATE
			SET fingerprint = EXCLUDED.fingerprint, metrics = EXCLUDED.metrics,
				ingested_at = CASE
					WHEN telemetry.metrics IS DISTINCT FROM EXCLUDED.metrics
						OR telemetry.fingerprint IS DISTINCT FROM EXCLUDED.fingerprint
					THEN EXCLUDED.ingested_at
					ELSE telemetry.ingested_at
				END`,
			string(rec.TenantID), rec.HourBucket.UTC(), string(rec.Fingerprint), rec.Metrics, rec.IngestedAt.UTC()); err != nil {
			return wrap("upsert telemetry", err)
		}
		if _, err := tx.Exec(ctx, `DELETE FROM cohort_memberships WHERE tenant_id = $1`, string(rec.TenantID)); err != nil {
			return wrap("clear memberships", err)
		}
		if len(cohorts) == 0 {
			return nil
		}
		_, err := tx.Exec(ctx, `
			INSERT INTO cohort_memberships (tenant_id, cohort_key)
			SELECT $1, unnest($2::text[])
			ON CONFLICT DO NOTHING`, string(rec.TenantID), toStrings(cohorts))
		return wrap("insert memberships", err)
	})
}

func (s *Store) GetTelemetry(ctx context.Context, tenant domain.TenantID, hour time.Time) (domain.TelemetryRecord, error) {
	rec := domain.TelemetryRecord{TenantID: tenant}
	var fp string
	err := s.pool.QueryRow(ctx, `
		SELECT hour_bucket, fingerprint, metrics, ingested_at FROM telemetry
		WHERE tenant_id = $1 AND hour_bucket = $2`, string(tenant), hour.UTC()).
		Scan(&rec.HourBucket, &fp, &rec.Metrics, &rec.IngestedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.TelemetryRecord{}, fmt.Errorf("telemetry %s@%s: %w", tenant, hour.UTC().Format(time.RFC3339), domain.ErrNotFound)
	}
	if err != nil {
		return domain.TelemetryRecord{}, wrap("get telemetry", err)
	}
	rec.Fingerprint = domain.Fingerprint(fp)
	rec.HourBucket = rec.HourBucket.UTC()
	rec.IngestedAt = rec.IngestedAt.UTC()
	return rec, nil
}

func (s *Store) LatestTelemetryHour(ctx context.Context, tenant domain.TenantID) (time.Time, error) {
	var latest *time.Time
	if err := s.pool.QueryRow(ctx, `SELECT max(hour_bucket) FROM telemetry WHERE tenant_id = $1`, string(tenant)).Scan(&latest); err != nil {
		return time.Time{}, wrap("latest telemetry hour", err)
	}
	if latest == nil {
		return time.Time{}, fmt.Errorf("telemetry for %s: %w", tenant, domain.ErrNotFound)
	}
	return latest.UTC(), nil
}

func (s *Store) TelemetrySeries(ctx context.Context, tenant domain.TenantID, metric domain.MetricName, from, to time.Time) ([]store.Point, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT hour_bucket, (metrics ->> $2)::double precision
		FROM telemetry
		WHERE tenant_id = $1 AND hour_bucket BETWEEN $3 AND $4 AND metrics ? $2
		ORDER BY hour_bucket`, string(tenant), string(metric), from.UTC(), to.UTC())
	if err != nil {
		return nil, wrap("telemetry series", err)
	}
	out, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (store.Point, error) {
		var p store.Point
		err := row.Scan(&p.Hour, &p.Value)
		p.Hour = p.Hour.UTC()
		return p, err
	})
	return out, wrap("telemetry series", err)
}

func (s *Store) TenantsWithTelemetry(ctx context.Context, hour time.Time) ([]domain.TenantID, error) {
	rows, err := s.pool.Query(ctx, `SELECT tenant_id FROM telemetry WHERE hour_bucket = $1 ORDER BY tenant_id`, hour.UTC())
	if err != nil {
		return nil, wrap("tenants with telemetry", err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, wrap("tenants with telemetry", err)
	}
	return fromStrings[domain.TenantID](ids), nil
}

func (s *Store) TenantCohorts(ctx context.Context, tenant domain.TenantID) ([]domain.CohortKey, error) {
	rows, err := s.pool.Query(ctx, `SELECT cohort_key FROM cohort_memberships WHERE tenant_id = $1 ORDER BY cohort_key`, string(tenant))
	if err != nil {
		return nil, wrap("tenant cohorts", err)
	}
	keys, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, wrap("tenant cohorts", err)
	}
	return fromStrings[domain.CohortKey](keys), nil
}

// CohortSamples aggregates inside the database so that member identities
// never leave it.
func (s *Store) CohortSamples(ctx context.Context, cohort domain.CohortKey, from, to time.Time) (map[domain.MetricName][]float64, int, error) {
	members, err := s.CohortSize(ctx, cohort, from, to)
	if err != nil {
		return nil, 0, err
	}

	rows, err := s.pool.Query(ctx, `
		SELECT kv.key, kv.value::double precision
		FROM telemetry t
		JOIN cohort_memberships m ON m.tenant_id = t.tenant_id
		CROSS JOIN LATERAL jsonb_each_text(t.metrics) AS kv
		WHERE m.cohort_key = $1 AND t.hour_bucket BETWEEN $2 AND $3
		ORDER BY t.tenant_id, t.hour_bucket, kv.key`,
		string(cohort), from.UTC(), to.UTC())
	if err != nil {
		return nil, 0, wrap("cohort samples", err)
	}
	defer rows.Close()

	out := make(map[domain.MetricName][]float64)
	for rows.Next() {
		var metric string
		var v float64
		if err := rows.Scan(&metric, &v); err != nil {
			return nil, 0, wrap("cohort samples", err)
		}
		out[domain.MetricName(metric)] = append(out[domain.MetricName(metric)], v)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, wrap("cohort samples", err)
	}
	return out, members, nil
}

func (s *Store) PublishBaselines(ctx context.Context, baselines []domain.CohortBaseline) error {
	if len(baselines) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, b := range baselines {
		batch.Queue(`
			INSERT INTO cohort_baselines (cohort_key, metric, period, window_end, mean, variance, stddev,
				p50, p90, members, samples, computed_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
			ON CONFLICT (cohort_key, metric, period, window_end) DO UPDATE SET
				mean = EXCLUDED.mean, variance = EXCLUDED.variance, stddev = EXCLUDED.stddev,
				p50 = EXCLUDED.p50, p90 = EXCLUDED.p90, members = EXCLUDED.members,
				samples = EXCLUDED.samples, computed_at = EXCLUDED.computed_at`,
			string(b.CohortKey), string(b.Metric), b.Period, b.WindowEnd.UTC(), b.Mean, b.Variance, b.Stddev,
			b.P50, b.P90, b.Members, b.Samples, b.ComputedAt.UTC())
	}
	return wrap("publish baselines", s.pool.SendBatch(ctx, batch).Close())
}

func (s *Store) ListBaselines(ctx context.Context, cohort domain.CohortKey, windowEnd time.Time) ([]domain.CohortBaseline, error) {
	const cols = `cohort_key, metric, period, window_end, mean, variance, stddev, p50, p90, members, samples, computed_at`
	var rows pgx.Rows
	var err error
	if windowEnd.IsZero() {
		rows, err = s.pool.Query(ctx, `
			SELECT DISTINCT ON (metric, period) `+cols+`
			FROM cohort_baselines WHERE cohort_key = $1
			ORDER BY metric, period, window_end DESC`, string(cohort))
	} else {
		rows, err = s.pool.Query(ctx, `
			SELECT `+cols+` FROM cohort_baselines
			WHERE cohort_key = $1 AND window_end = $2
			ORDER BY metric, period`, string(cohort), windowEnd.UTC())
	}
	if err != nil {
		return nil, wrap("list baselines", err)
	}
	out, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (domain.CohortBaseline, error) {
		var b domain.CohortBaseline
		var ck, metric string
		err := row.Scan(&ck, &metric, &b.Period, &b.WindowEnd, &b.Mean, &b.Variance, &b.Stddev,
			&b.P50, &b.P90, &b.Members, &b.Samples, &b.ComputedAt)
		b.CohortKey = domain.CohortKey(ck)
		b.Metric = domain.MetricName(metric)
		b.WindowEnd = b.WindowEnd.UTC()
		b.ComputedAt = b.ComputedAt.UTC()
		return b, err
	})
	return out, wrap("list baselines", err)
}

func (s *Store) ListCohorts(ctx context.Context) ([]domain.CohortKey, error) {
	rows, err := s.pool.Query(ctx, `SELECT DISTINCT cohort_key FROM cohort_memberships ORDER BY cohort_key`)
	if err != nil {
		return nil, wrap("list cohorts", err)
	}
	keys, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, wrap("list cohorts", err)
	}
	return fromStrings[domain.CohortKey](keys), nil
}

func (s *Store) CohortSize(ctx context.Context, cohort domain.CohortKey, from, to time.Time) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx, `
		SELECT count(DISTINCT t.tenant_id)
		FROM telemetry t JOIN cohort_memberships m ON m.tenant_id = t.tenant_id
		WHERE m.cohort_key = $1 AND t.hour_bucket BETWEEN $2 AND $3`,
		string(cohort), from.UTC(), to.UTC()).Scan(&n)
	return n, wrap("cohort size", err)
}

func (s *Store) ReplaceBenchmarks(ctx context.Context, tenant domain.TenantID, hour time.Time, snaps []domain.BenchmarkSnapshot) error {
	return inTx(ctx, s.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `DELETE FROM benchmark_snapshots WHERE tenant_id = $1 AND hour_bucket = $2`,
			string(tenant), hour.UTC()); err != nil {
			return wrap("clear benchmarks", err)
		}
		if len(snaps) == 0 {
			return nil
		}
		batch := &pgx.Batch{}
		for _, b := range snaps {
			batch.Queue(`
				INSERT INTO benchmark_snapshots (tenant_id, hour_bucket, metric, period, cohort_key, value,
					cohort_mean, cohort_stddev, cohort_p50, cohort_p90, delta, z_score, members,
					no_baseline, no_baseline_reason, computed_at)
				VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)`,
				string(tenant), hour.UTC(), string(b.Metric), b.Period, string(b.CohortKey), b.Value,
				b.CohortMean, b.CohortStddev, b.CohortP50, b.CohortP90, b.Delta, b.ZScore, b.Members,
				b.NoBaseline, b.NoBaselineReason, b.ComputedAt.UTC())
		}
		return wrap("insert benchmarks", tx.SendBatch(ctx, batch).Close())
	})
}

func (s *Store) ListBenchmarks(ctx context.Context, tenant domain.TenantID, hour time.Time) ([]domain.BenchmarkSnapshot, error) {
	const q = `
		SELECT tenant_id, hour_bucket, metric, period, cohort_key, value, cohort_mean, cohort_stddev,
			cohort_p50, cohort_p90, delta, z_score, members, no_baseline, no_baseline_reason, computed_at
		FROM benchmark_snapshots
		WHERE tenant_id = $1 AND hour_bucket = %s
		ORDER BY metric, period, cohort_key`
	var rows pgx.Rows
	var err error
	if hour.IsZero() {
		rows, err = s.pool.Query(ctx, fmt.Sprintf(q, `(SELECT max(hour_bucket) FROM benchmark_snapshots WHERE tenant_id = $1)`), string(tenant))
	} else {
		rows, err = s.pool.Query(ctx, fmt.Sprintf(q, `$2`), string(tenant), hour.UTC())
	}
	if err != nil {
		return nil, wrap("list benchmarks", err)
	}
	out, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (domain.BenchmarkSnapshot, error) {
		var b domain.BenchmarkSnapshot
		var tid, metric, ck string
		err := row.Scan(&tid, &b.HourBucket, &metric, &b.Period, &ck, &b.Value, &b.CohortMean, &b.CohortStddev,
			&b.CohortP50, &b.CohortP90, &b.Delta, &b.ZScore, &b.Members, &b.NoBaseline, &b.NoBaselineReason, &b.ComputedAt)
		b.TenantID = domain.TenantID(tid)
		b.Metric = domain.MetricName(metric)
		b.CohortKey = domain.CohortKey(ck)
		b.HourBucket = b.HourBucket.UTC()
		b.ComputedAt = b.ComputedAt.UTC()
		return b, err
	})
	return out, wrap("list benchmarks", err)
}
