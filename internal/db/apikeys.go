package db

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// APIKey is an internal-service credential, stored hashed.
type APIKey struct {
	ID         uuid.UUID  `json:"id"`
	Name       string     `json:"name"`
	ServiceID  string     `json:"service_id"`
	LastUsedAt *time.Time `json:"last_used_at,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	ExpiresAt  *time.Time `json:"expires_at,omitempty"`
	Revoked    bool       `json:"revoked"`
}

// HashAPIKey returns the SHA-256 hex digest of a raw key.
func HashAPIKey(key string) string {
	hash := sha256.Sum256([]byte(key))
	return hex.EncodeToString(hash[:])
}

// ValidateAPIKey looks up a raw key by hash. Returns nil for unknown,
// revoked or expired keys.
func (db *DB) ValidateAPIKey(ctx context.Context, key string) (*APIKey, error) {
	query := `
		SELECT id, name, service_id, last_used_at, created_at, expires_at, revoked
		FROM api_keys
		WHERE key_hash = $1
	`

	var k APIKey
	err := db.pool.QueryRow(ctx, query, HashAPIKey(key)).Scan(
		&k.ID, &k.Name, &k.ServiceID, &k.LastUsedAt, &k.CreatedAt, &k.ExpiresAt, &k.Revoked,
	)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to validate api key: %w", err)
	}

	if k.Revoked {
		return nil, nil
	}
	if k.ExpiresAt != nil && k.ExpiresAt.Before(time.Now()) {
		return nil, nil
	}

	return &k, nil
}

// TouchAPIKey records key usage. Best-effort; callers ignore errors.
func (db *DB) TouchAPIKey(ctx context.Context, id uuid.UUID) error {
	_, err := db.pool.Exec(ctx, `UPDATE api_keys SET last_used_at = NOW() WHERE id = $1`, id)
	return err
}
