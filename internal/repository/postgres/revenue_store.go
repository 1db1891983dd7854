package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/ignite/lead-pipeline/internal/domain"
)

// RevenueStore persists per-delivery revenue attribution.
type RevenueStore struct{ db *sql.DB }

// NewRevenueStore creates a Postgres-backed revenue store.
func NewRevenueStore(db *sql.DB) *RevenueStore { return &RevenueStore{db: db} }

// Record inserts a revenue row and fills in its assigned id.
func (s *RevenueStore) Record(ctx context.Context, rec *domain.RevenueRecord) error {
	if rec.Currency == "" {
		rec.Currency = "USD"
	}
	if rec.Status == "" {
		rec.Status = domain.RevenuePending
	}
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO revenue_tracking (event_id, platform_id, gross, net, currency, status, notes)
		VALUES ($1, $2, $3, $4, $5, $6, NULLIF($7, ''))
		RETURNING id, created_at, updated_at
	`, rec.EventID, rec.PlatformID, rec.Gross, rec.Net, rec.Currency, rec.Status, rec.Notes).
		Scan(&rec.ID, &rec.CreatedAt, &rec.UpdatedAt)
	if err != nil {
		return fmt.Errorf("record revenue: %w", err)
	}
	return nil
}

// SetStatus moves a revenue record through its settlement lifecycle.
func (s *RevenueStore) SetStatus(ctx context.Context, id int64, status domain.RevenueStatus) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE revenue_tracking SET status = $2, updated_at = NOW() WHERE id = $1`, id, status)
	if err != nil {
		return fmt.Errorf("set revenue status: %w", err)
	}
	return nil
}

// TotalSince sums gross revenue recorded in the window.
func (s *RevenueStore) TotalSince(ctx context.Context, since time.Time) (float64, error) {
	var total float64
	err := s.db.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(gross), 0) FROM revenue_tracking WHERE created_at >= $1
	`, since).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("revenue total: %w", err)
	}
	return total, nil
}
