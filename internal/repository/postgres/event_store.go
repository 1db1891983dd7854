package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/ignite/lead-pipeline/internal/domain"
)

// EventStore persists events.
type EventStore struct{ db *sql.DB }

// NewEventStore creates a Postgres-backed event store.
func NewEventStore(db *sql.DB) *EventStore { return &EventStore{db: db} }

const eventColumns = `
	id, event_id, event_type,
	COALESCE(email, ''), COALESCE(email_md5, ''), COALESCE(phone, ''),
	COALESCE(first_name, ''), COALESCE(last_name, ''), COALESCE(ip_address, ''),
	COALESCE(acq_source, ''), COALESCE(acq_campaign, ''), COALESCE(acq_term, ''),
	COALESCE(acq_date, ''), COALESCE(acq_form_title, ''),
	COALESCE(current_source, ''), COALESCE(current_medium, ''), COALESCE(current_campaign, ''),
	COALESCE(current_content, ''), COALESCE(current_term, ''), COALESCE(gclid, ''), COALESCE(ga_client_id, ''),
	COALESCE(purchase_offer, ''), COALESCE(purchase_publisher, ''), purchase_amount, COALESCE(purchase_traffic_source, ''),
	COALESCE(email_validation_status, ''), zb_last_active,
	COALESCE(event_data::text, '{}'),
	status, COALESCE(blocked_reason, ''), created_at, updated_at`

func scanEvent(row interface{ Scan(...interface{}) error }) (*domain.Event, error) {
	var e domain.Event
	var eventDataJSON string
	err := row.Scan(
		&e.ID, &e.EventID, &e.EventType,
		&e.Email, &e.EmailMD5, &e.Phone,
		&e.FirstName, &e.LastName, &e.IPAddress,
		&e.AcqSource, &e.AcqCampaign, &e.AcqTerm,
		&e.AcqDate, &e.AcqFormTitle,
		&e.CurrentSource, &e.CurrentMedium, &e.CurrentCampaign,
		&e.CurrentContent, &e.CurrentTerm, &e.GCLID, &e.GAClientID,
		&e.PurchaseOffer, &e.PurchasePublisher, &e.PurchaseAmount, &e.PurchaseTrafficSource,
		&e.EmailValidationStatus, &e.ZBLastActive,
		&eventDataJSON,
		&e.Status, &e.BlockedReason, &e.CreatedAt, &e.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(eventDataJSON), &e.EventData); err != nil {
		e.EventData = map[string]interface{}{}
	}
	return &e, nil
}

// Insert persists a new event and fills in its assigned id.
func (s *EventStore) Insert(ctx context.Context, e *domain.Event) error {
	eventData, err := json.Marshal(e.EventData)
	if err != nil {
		return fmt.Errorf("marshal event_data: %w", err)
	}
	if e.EventData == nil {
		eventData = []byte("{}")
	}

	err = s.db.QueryRowContext(ctx, `
		INSERT INTO events (
			event_id, event_type, email, email_md5, phone, first_name, last_name, ip_address,
			acq_source, acq_campaign, acq_term, acq_date, acq_form_title,
			current_source, current_medium, current_campaign, current_content, current_term, gclid, ga_client_id,
			purchase_offer, purchase_publisher, purchase_amount, purchase_traffic_source,
			email_validation_status, zb_last_active, event_data, status, blocked_reason
		) VALUES (
			$1, $2, NULLIF($3, ''), NULLIF($4, ''), NULLIF($5, ''), NULLIF($6, ''), NULLIF($7, ''), NULLIF($8, ''),
			NULLIF($9, ''), NULLIF($10, ''), NULLIF($11, ''), NULLIF($12, ''), NULLIF($13, ''),
			NULLIF($14, ''), NULLIF($15, ''), NULLIF($16, ''), NULLIF($17, ''), NULLIF($18, ''), NULLIF($19, ''), NULLIF($20, ''),
			NULLIF($21, ''), NULLIF($22, ''), $23, NULLIF($24, ''),
			NULLIF($25, ''), $26, $27, $28, NULLIF($29, '')
		)
		RETURNING id, created_at, updated_at
	`,
		e.EventID, e.EventType, e.Email, e.EmailMD5, e.Phone, e.FirstName, e.LastName, e.IPAddress,
		e.AcqSource, e.AcqCampaign, e.AcqTerm, e.AcqDate, e.AcqFormTitle,
		e.CurrentSource, e.CurrentMedium, e.CurrentCampaign, e.CurrentContent, e.CurrentTerm, e.GCLID, e.GAClientID,
		e.PurchaseOffer, e.PurchasePublisher, e.PurchaseAmount, e.PurchaseTrafficSource,
		e.EmailValidationStatus, e.ZBLastActive, string(eventData), e.Status, e.BlockedReason,
	).Scan(&e.ID, &e.CreatedAt, &e.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}
	return nil
}

// GetByID fetches an event by its internal id.
func (s *EventStore) GetByID(ctx context.Context, id int64) (*domain.Event, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+eventColumns+` FROM events WHERE id = $1`, id)
	e, err := scanEvent(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get event %d: %w", id, err)
	}
	return e, nil
}

// GetByEventID fetches an event by its external UUID.
func (s *EventStore) GetByEventID(ctx context.Context, eventID uuid.UUID) (*domain.Event, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+eventColumns+` FROM events WHERE event_id = $1`, eventID)
	e, err := scanEvent(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get event %s: %w", eventID, err)
	}
	return e, nil
}

// SetStatus moves the event to the given lifecycle state.
func (s *EventStore) SetStatus(ctx context.Context, id int64, status domain.EventStatus) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE events SET status = $2, updated_at = NOW() WHERE id = $1`, id, status)
	if err != nil {
		return fmt.Errorf("set event status: %w", err)
	}
	return nil
}

// MarkBlocked is the terminal transition for rejected submissions.
func (s *EventStore) MarkBlocked(ctx context.Context, id int64, reason string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE events SET status = 'blocked', blocked_reason = $2, updated_at = NOW()
		WHERE id = $1
	`, id, reason)
	if err != nil {
		return fmt.Errorf("mark event blocked: %w", err)
	}
	return nil
}

// UpdateValidation records the provider verdict on the event.
func (s *EventStore) UpdateValidation(ctx context.Context, id int64, status string, activeInDays int) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE events
		SET email_validation_status = $2, zb_last_active = $3, updated_at = NOW()
		WHERE id = $1
	`, id, status, activeInDays)
	if err != nil {
		return fmt.Errorf("update event validation: %w", err)
	}
	return nil
}

// UpdateAcquisition copies first-touch attribution onto the event. Used
// by the linker; only called when the purchase's own fields are empty.
func (s *EventStore) UpdateAcquisition(ctx context.Context, id int64, source, campaign, term, date, formTitle string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE events
		SET acq_source = NULLIF($2, ''), acq_campaign = NULLIF($3, ''), acq_term = NULLIF($4, ''),
		    acq_date = NULLIF($5, ''), acq_form_title = NULLIF($6, ''), updated_at = NOW()
		WHERE id = $1
	`, id, source, campaign, term, date, formTitle)
	if err != nil {
		return fmt.Errorf("update event acquisition: %w", err)
	}
	return nil
}

// MergeEventData merges extra keys into the event's opaque data map.
func (s *EventStore) MergeEventData(ctx context.Context, id int64, extra map[string]interface{}) error {
	if len(extra) == 0 {
		return nil
	}
	data, err := json.Marshal(extra)
	if err != nil {
		return fmt.Errorf("marshal event_data patch: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		UPDATE events SET event_data = event_data || $2::jsonb, updated_at = NOW()
		WHERE id = $1
	`, id, string(data))
	if err != nil {
		return fmt.Errorf("merge event_data: %w", err)
	}
	return nil
}

// FindLatestLeadByEmail returns the most recent lead event with the
// given email, excluding excludeID. Used by the purchase linker.
func (s *EventStore) FindLatestLeadByEmail(ctx context.Context, email string, excludeID int64) (*domain.Event, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+eventColumns+` FROM events
		WHERE email = $1 AND event_type = 'lead' AND id <> $2
		ORDER BY created_at DESC, id DESC
		LIMIT 1
	`, email, excludeID)
	e, err := scanEvent(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find lead by email: %w", err)
	}
	return e, nil
}

// FinalizeIfDone moves an accepted event to a terminal state once every
// job for it is terminal: completed when at least one delivery
// succeeded, failed when all deliveries failed.
func (s *EventStore) FinalizeIfDone(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE events e
		SET status = CASE
			WHEN EXISTS (SELECT 1 FROM processing_queue q WHERE q.event_id = e.id AND q.status = 'completed') THEN 'completed'
			WHEN EXISTS (SELECT 1 FROM processing_queue q WHERE q.event_id = e.id AND q.status = 'skipped') THEN 'completed'
			ELSE 'failed'
		END, updated_at = NOW()
		WHERE e.id = $1
		  AND e.status IN ('pending', 'processing')
		  AND NOT EXISTS (
			SELECT 1 FROM processing_queue q
			WHERE q.event_id = e.id AND q.status IN ('pending', 'processing')
		  )
	`, id)
	if err != nil {
		return fmt.Errorf("finalize event: %w", err)
	}
	return nil
}

// CountsSince returns event counts by status created in the window.
func (s *EventStore) CountsSince(ctx context.Context, since time.Time) (map[string]int, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT status, COUNT(*) FROM events WHERE created_at >= $1 GROUP BY status
	`, since)
	if err != nil {
		return nil, fmt.Errorf("event counts: %w", err)
	}
	defer rows.Close()

	out := make(map[string]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		out[status] = n
	}
	return out, rows.Err()
}
