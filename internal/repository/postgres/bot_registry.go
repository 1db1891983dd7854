package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/ignite/lead-pipeline/internal/domain"
)

// BotRegistry is the persistent index of known bot identifiers.
type BotRegistry struct{ db *sql.DB }

// NewBotRegistry creates a Postgres-backed bot registry.
func NewBotRegistry(db *sql.DB) *BotRegistry { return &BotRegistry{db: db} }

// IsBot reports whether any of the identifiers is a known bot, either
// as a primary registry key or inside another entry's associated sets.
// Empty identifiers are skipped.
func (r *BotRegistry) IsBot(ctx context.Context, email, phone, ip string) (bool, error) {
	var exists bool
	err := r.db.QueryRowContext(ctx, `
		SELECT EXISTS(
			SELECT 1 FROM bot_registry
			WHERE ($1 <> '' AND (
				(identifier_type = 'email' AND identifier_value = $1) OR associated_emails ? $1))
			   OR ($2 <> '' AND (
				(identifier_type = 'phone' AND identifier_value = $2) OR associated_phones ? $2))
			   OR ($3 <> '' AND (
				(identifier_type = 'ip' AND identifier_value = $3) OR associated_ips ? $3))
		)
	`, email, phone, ip).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("bot lookup: %w", err)
	}
	return exists, nil
}

// RecordHoneypotBot upserts a bot entry for a honeypot-triggering
// submission. The entry is keyed by email when present, otherwise IP.
// Associated identifiers are merged, the attempt count bumped, and
// severity promoted by count.
func (r *BotRegistry) RecordHoneypotBot(ctx context.Context, email, phone, ip string, honeypotFields []string) error {
	idType := domain.IdentifierEmail
	idValue := email
	if idValue == "" {
		idType = domain.IdentifierIP
		idValue = ip
	}
	if idValue == "" {
		return fmt.Errorf("record honeypot bot: no identifier")
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin bot upsert: %w", err)
	}
	defer tx.Rollback()

	entry := domain.BotEntry{
		IdentifierType:  idType,
		IdentifierValue: idValue,
		DetectionMethod: "honeypot",
		AttemptCount:    0,
	}

	var fieldsJSON, emailsJSON, phonesJSON, ipsJSON string
	err = tx.QueryRowContext(ctx, `
		SELECT attempt_count,
		       COALESCE(honeypot_fields::text, '[]'),
		       COALESCE(associated_emails::text, '[]'),
		       COALESCE(associated_phones::text, '[]'),
		       COALESCE(associated_ips::text, '[]')
		FROM bot_registry
		WHERE identifier_type = $1 AND identifier_value = $2
		FOR UPDATE
	`, idType, idValue).Scan(&entry.AttemptCount, &fieldsJSON, &emailsJSON, &phonesJSON, &ipsJSON)
	if err != nil && err != sql.ErrNoRows {
		return fmt.Errorf("load bot entry: %w", err)
	}
	if err == nil {
		json.Unmarshal([]byte(fieldsJSON), &entry.HoneypotFields)
		json.Unmarshal([]byte(emailsJSON), &entry.AssociatedEmails)
		json.Unmarshal([]byte(phonesJSON), &entry.AssociatedPhones)
		json.Unmarshal([]byte(ipsJSON), &entry.AssociatedIPs)
	}

	entry.AttemptCount++
	entry.Severity = domain.SeverityForAttempts(entry.AttemptCount)
	entry.HoneypotFields = mergeSet(entry.HoneypotFields, honeypotFields...)
	if email != "" && email != idValue {
		entry.AssociatedEmails = mergeSet(entry.AssociatedEmails, email)
	}
	if phone != "" {
		entry.AssociatedPhones = mergeSet(entry.AssociatedPhones, phone)
	}
	if ip != "" && ip != idValue {
		entry.AssociatedIPs = mergeSet(entry.AssociatedIPs, ip)
	}

	fields := jsonArray(entry.HoneypotFields)
	emails := jsonArray(entry.AssociatedEmails)
	phones := jsonArray(entry.AssociatedPhones)
	ips := jsonArray(entry.AssociatedIPs)

	_, err = tx.ExecContext(ctx, `
		INSERT INTO bot_registry (
			identifier_type, identifier_value, detection_method, honeypot_fields,
			attempt_count, severity, associated_emails, associated_phones, associated_ips,
			first_seen, last_seen
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, NOW(), NOW())
		ON CONFLICT (identifier_type, identifier_value) DO UPDATE SET
			honeypot_fields = EXCLUDED.honeypot_fields,
			attempt_count = EXCLUDED.attempt_count,
			severity = EXCLUDED.severity,
			associated_emails = EXCLUDED.associated_emails,
			associated_phones = EXCLUDED.associated_phones,
			associated_ips = EXCLUDED.associated_ips,
			last_seen = NOW()
	`, idType, idValue, entry.DetectionMethod, fields,
		entry.AttemptCount, entry.Severity, emails, phones, ips)
	if err != nil {
		return fmt.Errorf("upsert bot entry: %w", err)
	}

	return tx.Commit()
}

// Get fetches a bot entry by its primary identifier.
func (r *BotRegistry) Get(ctx context.Context, idType domain.IdentifierType, value string) (*domain.BotEntry, error) {
	var e domain.BotEntry
	var fieldsJSON, emailsJSON, phonesJSON, ipsJSON string
	err := r.db.QueryRowContext(ctx, `
		SELECT id, identifier_type, identifier_value, detection_method,
		       COALESCE(honeypot_fields::text, '[]'), attempt_count, severity,
		       COALESCE(associated_emails::text, '[]'),
		       COALESCE(associated_phones::text, '[]'),
		       COALESCE(associated_ips::text, '[]'),
		       first_seen, last_seen
		FROM bot_registry
		WHERE identifier_type = $1 AND identifier_value = $2
	`, idType, value).Scan(
		&e.ID, &e.IdentifierType, &e.IdentifierValue, &e.DetectionMethod,
		&fieldsJSON, &e.AttemptCount, &e.Severity,
		&emailsJSON, &phonesJSON, &ipsJSON,
		&e.FirstSeen, &e.LastSeen,
	)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get bot entry: %w", err)
	}
	json.Unmarshal([]byte(fieldsJSON), &e.HoneypotFields)
	json.Unmarshal([]byte(emailsJSON), &e.AssociatedEmails)
	json.Unmarshal([]byte(phonesJSON), &e.AssociatedPhones)
	json.Unmarshal([]byte(ipsJSON), &e.AssociatedIPs)
	return &e, nil
}

// jsonArray marshals a string set, mapping nil to the empty JSON array.
func jsonArray(v []string) string {
	if len(v) == 0 {
		return "[]"
	}
	data, _ := json.Marshal(v)
	return string(data)
}

func mergeSet(existing []string, values ...string) []string {
	seen := make(map[string]bool, len(existing))
	out := existing
	for _, v := range existing {
		seen[v] = true
	}
	for _, v := range values {
		if v != "" && !seen[v] {
			seen[v] = true
			out = append(out, v)
		}
	}
	return out
}
