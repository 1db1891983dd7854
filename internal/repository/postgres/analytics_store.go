package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// AnalyticsStore maintains the daily rollup table and answers the
// aggregate queries behind /stats and health checks.
type AnalyticsStore struct{ db *sql.DB }

// NewAnalyticsStore creates a Postgres-backed analytics store.
func NewAnalyticsStore(db *sql.DB) *AnalyticsStore { return &AnalyticsStore{db: db} }

// RollupDay recomputes the daily metrics for one day. Idempotent; the
// cleanup job runs it for yesterday and today on every pass.
func (s *AnalyticsStore) RollupDay(ctx context.Context, day time.Time) error {
	d := day.Format("2006-01-02")
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO analytics_daily (day, metric, value)
		SELECT $1::date, 'events_' || status, COUNT(*)
		FROM events
		WHERE created_at >= $1::date AND created_at < $1::date + 1
		GROUP BY status
		UNION ALL
		SELECT $1::date, 'jobs_' || status, COUNT(*)
		FROM processing_queue
		WHERE created_at >= $1::date AND created_at < $1::date + 1
		GROUP BY status
		UNION ALL
		SELECT $1::date, 'revenue_gross', COALESCE(SUM(gross), 0)
		FROM revenue_tracking
		WHERE created_at >= $1::date AND created_at < $1::date + 1
		ON CONFLICT (day, metric) DO UPDATE SET value = EXCLUDED.value
	`, d)
	if err != nil {
		return fmt.Errorf("rollup day %s: %w", d, err)
	}
	return nil
}

// MetricsSince returns rolled-up metrics summed over the period.
func (s *AnalyticsStore) MetricsSince(ctx context.Context, since time.Time) (map[string]float64, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT metric, SUM(value) FROM analytics_daily WHERE day >= $1::date GROUP BY metric
	`, since.Format("2006-01-02"))
	if err != nil {
		return nil, fmt.Errorf("analytics metrics: %w", err)
	}
	defer rows.Close()

	out := make(map[string]float64)
	for rows.Next() {
		var metric string
		var value float64
		if err := rows.Scan(&metric, &value); err != nil {
			return nil, err
		}
		out[metric] = value
	}
	return out, rows.Err()
}

// PlatformDeliveryStat is one platform's delivery outcome breakdown.
type PlatformDeliveryStat struct {
	PlatformCode string  `json:"platform"`
	Total        int     `json:"total"`
	Completed    int     `json:"completed"`
	Failed       int     `json:"failed"`
	Skipped      int     `json:"skipped"`
	SuccessRate  float64 `json:"success_rate"`
}

// PlatformDeliverySince breaks down finished jobs per platform over the
// window. Success rate counts completed over all finished.
func (s *AnalyticsStore) PlatformDeliverySince(ctx context.Context, since time.Time) ([]PlatformDeliveryStat, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT p.platform_code,
		       COUNT(*),
		       COUNT(*) FILTER (WHERE q.status = 'completed'),
		       COUNT(*) FILTER (WHERE q.status = 'failed'),
		       COUNT(*) FILTER (WHERE q.status = 'skipped')
		FROM processing_queue q
		JOIN platforms p ON p.id = q.platform_id
		WHERE q.processed_at >= $1
		  AND q.status IN ('completed', 'failed', 'skipped')
		GROUP BY p.platform_code
		ORDER BY p.platform_code
	`, since)
	if err != nil {
		return nil, fmt.Errorf("platform delivery stats: %w", err)
	}
	defer rows.Close()

	var out []PlatformDeliveryStat
	for rows.Next() {
		var st PlatformDeliveryStat
		if err := rows.Scan(&st.PlatformCode, &st.Total, &st.Completed, &st.Failed, &st.Skipped); err != nil {
			return nil, err
		}
		if st.Total > 0 {
			st.SuccessRate = float64(st.Completed) / float64(st.Total)
		}
		out = append(out, st)
	}
	return out, rows.Err()
}

// RecentFailureRate returns the fraction of jobs finished in the last
// window that failed. Returns 0 when nothing finished.
func (s *AnalyticsStore) RecentFailureRate(ctx context.Context, window time.Duration) (float64, error) {
	var failed, finished int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FILTER (WHERE status = 'failed'), COUNT(*)
		FROM processing_queue
		WHERE processed_at >= NOW() - $1::interval
		  AND status IN ('completed', 'failed', 'skipped')
	`, fmt.Sprintf("%d seconds", int(window.Seconds()))).Scan(&failed, &finished)
	if err != nil {
		return 0, fmt.Errorf("failure rate: %w", err)
	}
	if finished == 0 {
		return 0, nil
	}
	return float64(failed) / float64(finished), nil
}
