package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/ignite/lead-pipeline/internal/domain"
)

// EmailRegistry caches provider verdicts so repeat submitters never
// burn validation budget.
type EmailRegistry struct{ db *sql.DB }

// NewEmailRegistry creates a Postgres-backed email validation registry.
func NewEmailRegistry(db *sql.DB) *EmailRegistry { return &EmailRegistry{db: db} }

// FindByEmail returns the cached entry for a normalized email.
func (r *EmailRegistry) FindByEmail(ctx context.Context, email string) (*domain.EmailValidationEntry, error) {
	var e domain.EmailValidationEntry
	var subStatus, zbStatus, zbSubStatus, smtpProvider sql.NullString
	var firstValid, firstInvalid sql.NullTime
	var historyJSON string

	err := r.db.QueryRowContext(ctx, `
		SELECT id, email, email_md5, status, sub_status, zb_status, zb_sub_status,
		       zb_active_in_days, has_mx, free_email, smtp_provider,
		       validation_count, first_seen_valid, first_seen_invalid,
		       COALESCE(status_history::text, '[]'),
		       last_validated_at, created_at, updated_at
		FROM email_validation_registry
		WHERE email = $1
	`, email).Scan(
		&e.ID, &e.Email, &e.EmailMD5, &e.Status, &subStatus, &zbStatus, &zbSubStatus,
		&e.ZBActive, &e.HasMX, &e.FreeEmail, &smtpProvider,
		&e.ValidationCount, &firstValid, &firstInvalid,
		&historyJSON,
		&e.LastValidatedAt, &e.CreatedAt, &e.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find email registry entry: %w", err)
	}

	e.SubStatus = subStatus.String
	e.ZBStatus = zbStatus.String
	e.ZBSubStatus = zbSubStatus.String
	e.SMTPProvider = smtpProvider.String
	if firstValid.Valid {
		e.FirstSeenValid = firstValid.Time
	}
	if firstInvalid.Valid {
		e.FirstSeenInvalid = firstInvalid.Time
	}
	json.Unmarshal([]byte(historyJSON), &e.StatusHistory)
	return &e, nil
}

// UpsertValidation records a fresh provider verdict. On a status change
// the previous verdict is appended to status_history; first_seen_valid
// and first_seen_invalid only ever move from NULL.
func (r *EmailRegistry) UpsertValidation(ctx context.Context, entry *domain.EmailValidationEntry) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin registry upsert: %w", err)
	}
	defer tx.Rollback()

	var prevStatus string
	var historyJSON string
	history := []domain.StatusChange{}
	err = tx.QueryRowContext(ctx, `
		SELECT status, COALESCE(status_history::text, '[]')
		FROM email_validation_registry
		WHERE email = $1
		FOR UPDATE
	`, entry.Email).Scan(&prevStatus, &historyJSON)
	if err != nil && err != sql.ErrNoRows {
		return fmt.Errorf("load registry entry: %w", err)
	}
	if err == nil {
		json.Unmarshal([]byte(historyJSON), &history)
		if prevStatus != entry.Status {
			history = append(history, domain.StatusChange{
				From:      prevStatus,
				To:        entry.Status,
				ChangedAt: entry.LastValidatedAt,
			})
		}
	}
	historyData, _ := json.Marshal(history)

	err = tx.QueryRowContext(ctx, `
		INSERT INTO email_validation_registry (
			email, email_md5, status, sub_status, zb_status, zb_sub_status,
			zb_active_in_days, has_mx, free_email, smtp_provider,
			validation_count, first_seen_valid, first_seen_invalid,
			status_history, last_validated_at
		) VALUES (
			$1, $2, $3, NULLIF($4, ''), NULLIF($5, ''), NULLIF($6, ''),
			$7, $8, $9, NULLIF($10, ''),
			1,
			CASE WHEN $3 = 'valid' THEN NOW() END,
			CASE WHEN $3 = 'invalid' THEN NOW() END,
			$11, NOW()
		)
		ON CONFLICT (email) DO UPDATE SET
			status = EXCLUDED.status,
			sub_status = EXCLUDED.sub_status,
			zb_status = EXCLUDED.zb_status,
			zb_sub_status = EXCLUDED.zb_sub_status,
			zb_active_in_days = EXCLUDED.zb_active_in_days,
			has_mx = EXCLUDED.has_mx,
			free_email = EXCLUDED.free_email,
			smtp_provider = EXCLUDED.smtp_provider,
			validation_count = email_validation_registry.validation_count + 1,
			first_seen_valid = COALESCE(email_validation_registry.first_seen_valid, EXCLUDED.first_seen_valid),
			first_seen_invalid = COALESCE(email_validation_registry.first_seen_invalid, EXCLUDED.first_seen_invalid),
			status_history = EXCLUDED.status_history,
			last_validated_at = NOW(),
			updated_at = NOW()
		RETURNING id, validation_count, last_validated_at
	`,
		entry.Email, entry.EmailMD5, entry.Status, entry.SubStatus,
		entry.ZBStatus, entry.ZBSubStatus, entry.ZBActive,
		entry.HasMX, entry.FreeEmail, entry.SMTPProvider, string(historyData),
	).Scan(&entry.ID, &entry.ValidationCount, &entry.LastValidatedAt)
	if err != nil {
		return fmt.Errorf("upsert registry entry: %w", err)
	}
	entry.StatusHistory = history

	return tx.Commit()
}

// ConsumeDailyBudget atomically takes one unit from today's validation
// budget. Returns false when the daily limit is already spent; the
// caller then treats the verdict as unknown instead of calling out.
func (r *EmailRegistry) ConsumeDailyBudget(ctx context.Context, limit int) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
		INSERT INTO validation_usage (day, used) VALUES (CURRENT_DATE, 1)
		ON CONFLICT (day) DO UPDATE SET used = validation_usage.used + 1
		WHERE validation_usage.used < $1
	`, limit)
	if err != nil {
		return false, fmt.Errorf("consume validation budget: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("consume validation budget: %w", err)
	}
	return n > 0, nil
}

// DailyUsage returns today's spent budget. Used by /stats.
func (r *EmailRegistry) DailyUsage(ctx context.Context) (int, error) {
	var used int
	err := r.db.QueryRowContext(ctx,
		`SELECT COALESCE((SELECT used FROM validation_usage WHERE day = CURRENT_DATE), 0)`,
	).Scan(&used)
	if err != nil {
		return 0, fmt.Errorf("validation usage: %w", err)
	}
	return used, nil
}
