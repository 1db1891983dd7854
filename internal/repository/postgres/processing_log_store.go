package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/ignite/lead-pipeline/internal/domain"
)

// ProcessingLogStore is the append-only audit trail of adapter sends.
type ProcessingLogStore struct{ db *sql.DB }

// NewProcessingLogStore creates a Postgres-backed processing log.
func NewProcessingLogStore(db *sql.DB) *ProcessingLogStore { return &ProcessingLogStore{db: db} }

// Append writes one audit row. Failures here must never fail the send;
// callers log and move on.
func (s *ProcessingLogStore) Append(ctx context.Context, entry *domain.ProcessingLogEntry) error {
	fields, err := json.Marshal(entry.MappedFields)
	if err != nil {
		return fmt.Errorf("marshal mapped fields: %w", err)
	}
	if entry.MappedFields == nil {
		fields = []byte("{}")
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO processing_log (event_id, platform_id, job_id, mapped_fields,
		                            response_code, response_body, success, duration_ms)
		VALUES ($1, $2, NULLIF($3, 0), $4, NULLIF($5, 0), NULLIF($6, ''), $7, $8)
	`, entry.EventID, entry.PlatformID, entry.JobID, string(fields),
		entry.ResponseCode, entry.ResponseBody, entry.Success, entry.DurationMS)
	if err != nil {
		return fmt.Errorf("append processing log: %w", err)
	}
	return nil
}

// PurgeOlderThan deletes audit rows past the retention window in
// batches, returning the number removed.
func (s *ProcessingLogStore) PurgeOlderThan(ctx context.Context, days, batchSize int) (int64, error) {
	var total int64
	for {
		res, err := s.db.ExecContext(ctx, `
			DELETE FROM processing_log
			WHERE id IN (
				SELECT id FROM processing_log
				WHERE created_at < NOW() - ($1 || ' days')::interval
				LIMIT $2
			)
		`, days, batchSize)
		if err != nil {
			return total, fmt.Errorf("purge processing log: %w", err)
		}
		n, _ := res.RowsAffected()
		total += n
		if n < int64(batchSize) {
			return total, nil
		}
	}
}
