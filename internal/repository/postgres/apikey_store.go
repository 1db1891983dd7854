package postgres

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"fmt"
)

// APIKey is one issued credential. Only the SHA-256 of the key is
// stored; the plaintext is shown once at issue time.
type APIKey struct {
	ID   int64
	Name string
}

// APIKeyStore authenticates inbound API requests.
type APIKeyStore struct{ db *sql.DB }

// NewAPIKeyStore creates a Postgres-backed API key store.
func NewAPIKeyStore(db *sql.DB) *APIKeyStore { return &APIKeyStore{db: db} }

// HashKey returns the hex SHA-256 used as the stored key form.
func HashKey(plaintext string) string {
	sum := sha256.Sum256([]byte(plaintext))
	return hex.EncodeToString(sum[:])
}

// Authenticate resolves a plaintext key to its active record and bumps
// last_used_at. Returns ErrNotFound for unknown or disabled keys.
func (s *APIKeyStore) Authenticate(ctx context.Context, plaintext string) (*APIKey, error) {
	var k APIKey
	err := s.db.QueryRowContext(ctx, `
		UPDATE api_keys SET last_used_at = NOW()
		WHERE key_hash = $1 AND is_active = true
		RETURNING id, name
	`, HashKey(plaintext)).Scan(&k.ID, &k.Name)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("authenticate api key: %w", err)
	}
	return &k, nil
}

// LogAccess appends one row to the API access log. Best effort.
func (s *APIKeyStore) LogAccess(ctx context.Context, keyID int64, path, method string, statusCode int, ip string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO api_access_log (api_key_id, path, method, status_code, ip_address)
		VALUES (NULLIF($1, 0), $2, $3, $4, NULLIF($5, ''))
	`, keyID, path, method, statusCode, ip)
	if err != nil {
		return fmt.Errorf("log api access: %w", err)
	}
	return nil
}
