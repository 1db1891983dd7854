package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/ignite/lead-pipeline/internal/domain"
)

// RelationshipStore persists directed edges between events.
type RelationshipStore struct{ db *sql.DB }

// NewRelationshipStore creates a Postgres-backed relationship store.
func NewRelationshipStore(db *sql.DB) *RelationshipStore { return &RelationshipStore{db: db} }

// Link records a parent→child edge. Re-linking the same pair with the
// same type is a no-op so the linker is safe to retry.
func (s *RelationshipStore) Link(ctx context.Context, rel *domain.EventRelationship) error {
	criteria, err := json.Marshal(rel.Criteria)
	if err != nil {
		return fmt.Errorf("marshal match criteria: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO event_relationships (parent_event_id, child_event_id, relationship_type, match_criteria)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (parent_event_id, child_event_id, relationship_type) DO NOTHING
	`, rel.ParentID, rel.ChildID, rel.Type, string(criteria))
	if err != nil {
		return fmt.Errorf("link events: %w", err)
	}
	return nil
}

// Children returns the child events linked from a parent.
func (s *RelationshipStore) Children(ctx context.Context, parentID int64) ([]domain.EventRelationship, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, parent_event_id, child_event_id, relationship_type,
		       COALESCE(match_criteria::text, '{}'), created_at
		FROM event_relationships
		WHERE parent_event_id = $1
		ORDER BY created_at ASC
	`, parentID)
	if err != nil {
		return nil, fmt.Errorf("list relationships: %w", err)
	}
	defer rows.Close()

	var out []domain.EventRelationship
	for rows.Next() {
		var rel domain.EventRelationship
		var criteriaJSON string
		if err := rows.Scan(&rel.ID, &rel.ParentID, &rel.ChildID, &rel.Type, &criteriaJSON, &rel.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan relationship: %w", err)
		}
		json.Unmarshal([]byte(criteriaJSON), &rel.Criteria)
		out = append(out, rel)
	}
	return out, rows.Err()
}
