package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/ignite/lead-pipeline/internal/domain"
)

// PlatformStore reads platform definitions and routing rules. Both are
// write-rarely tables managed by operators; the router caches them.
type PlatformStore struct{ db *sql.DB }

// NewPlatformStore creates a Postgres-backed platform store.
func NewPlatformStore(db *sql.DB) *PlatformStore { return &PlatformStore{db: db} }

// ListActivePlatforms returns all active platforms. api_config is
// decoded exactly once here; downstream code always sees a map.
func (s *PlatformStore) ListActivePlatforms(ctx context.Context) ([]domain.Platform, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, platform_code, display_name, platform_type, is_active,
		       COALESCE(api_config::text, '{}'), max_retries, timeout_seconds,
		       requires_valid_email, priority, created_at, updated_at
		FROM platforms
		WHERE is_active = true
		ORDER BY priority ASC, id ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("list platforms: %w", err)
	}
	defer rows.Close()

	var out []domain.Platform
	for rows.Next() {
		var p domain.Platform
		var cfgJSON string
		if err := rows.Scan(
			&p.ID, &p.PlatformCode, &p.DisplayName, &p.PlatformType, &p.IsActive,
			&cfgJSON, &p.MaxRetries, &p.TimeoutSeconds,
			&p.RequiresValidEmail, &p.Priority, &p.CreatedAt, &p.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan platform: %w", err)
		}
		if err := json.Unmarshal([]byte(cfgJSON), &p.APIConfig); err != nil {
			p.APIConfig = map[string]interface{}{}
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// ListActiveRules returns active routing rules ordered by priority.
func (s *PlatformStore) ListActiveRules(ctx context.Context) ([]domain.RoutingRule, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, event_type, platform_id, COALESCE(conditions::text, '{}'),
		       priority, is_active, created_at
		FROM routing_rules
		WHERE is_active = true
		ORDER BY priority ASC, id ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("list routing rules: %w", err)
	}
	defer rows.Close()

	var out []domain.RoutingRule
	for rows.Next() {
		var r domain.RoutingRule
		var condJSON string
		if err := rows.Scan(&r.ID, &r.EventType, &r.PlatformID, &condJSON, &r.Priority, &r.IsActive, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan routing rule: %w", err)
		}
		if err := json.Unmarshal([]byte(condJSON), &r.Conditions); err != nil {
			r.Conditions = map[string]interface{}{}
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
