package auth

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
)

// ErrKeyNotFound is returned when no active key matches the lookup.
var ErrKeyNotFound = errors.New("api key not found")

// ErrKeyRevoked is returned when the presented key has been revoked.
var ErrKeyRevoked = errors.New("api key revoked")

// PostgresKeyStore persists API keys in PostgreSQL
type PostgresKeyStore struct {
	db        *sql.DB
	generator *KeyGenerator
}

// NewPostgresKeyStore creates a new key store
func NewPostgresKeyStore(db *sql.DB) *PostgresKeyStore {
	return &PostgresKeyStore{
		db:        db,
		generator: NewKeyGenerator(),
	}
}

// CreateKey generates and stores a new API key. The plaintext key is
// returned once and never persisted.
func (s *PostgresKeyStore) CreateKey(ctx context.Context, name string, scopes []Scope) (*APIKey, string, error) {
	key, keyHash, keyPrefix, err := s.generator.GenerateKey()
	if err != nil {
		return nil, "", fmt.Errorf("failed to generate key: %w", err)
	}

	scopeStrs := make([]string, len(scopes))
	for i, sc := range scopes {
		scopeStrs[i] = string(sc)
	}

	apiKey := &APIKey{
		Name:      name,
		KeyHash:   keyHash,
		KeyPrefix: keyPrefix,
		Scopes:    scopes,
	}

	err = s.db.QueryRowContext(ctx, `
		INSERT INTO api_keys (name, key_hash, key_prefix, scopes)
		VALUES ($1, $2, $3, $4)
		RETURNING id, created_at`,
		name, keyHash, keyPrefix, pq.Array(scopeStrs),
	).Scan(&apiKey.ID, &apiKey.CreatedAt)
	if err != nil {
		return nil, "", fmt.Errorf("failed to store api key: %w", err)
	}

	return apiKey, key, nil
}

// ValidateKey checks a presented key and returns its record. Updates
// last_used_at on success.
func (s *PostgresKeyStore) ValidateKey(ctx context.Context, key string) (*APIKey, error) {
	if err := s.generator.ValidateKeyFormat(key); err != nil {
		return nil, fmt.Errorf("invalid key format: %w", err)
	}

	keyHash := s.generator.HashKey(key)

	apiKey := &APIKey{}
	var scopes pq.StringArray
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, key_hash, key_prefix, scopes, created_at, last_used_at, revoked_at
		FROM api_keys
		WHERE key_hash = $1`,
		keyHash,
	).Scan(&apiKey.ID, &apiKey.Name, &apiKey.KeyHash, &apiKey.KeyPrefix,
		&scopes, &apiKey.CreatedAt, &apiKey.LastUsedAt, &apiKey.RevokedAt)
	if err == sql.ErrNoRows {
		return nil, ErrKeyNotFound
	} else if err != nil {
		return nil, fmt.Errorf("failed to look up api key: %w", err)
	}

	if apiKey.Revoked() {
		return nil, ErrKeyRevoked
	}

	apiKey.Scopes = make([]Scope, len(scopes))
	for i, sc := range scopes {
		apiKey.Scopes[i] = Scope(sc)
	}

	now := time.Now()
	if _, err := s.db.ExecContext(ctx,
		`UPDATE api_keys SET last_used_at = $1 WHERE id = $2`,
		now, apiKey.ID,
	); err != nil {
		// Usage tracking is best effort, the key is still valid.
		return apiKey, nil
	}
	apiKey.LastUsedAt = &now

	return apiKey, nil
}

// RevokeKey marks a key as revoked. Revocation is permanent.
func (s *PostgresKeyStore) RevokeKey(ctx context.Context, id int64) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE api_keys SET revoked_at = NOW() WHERE id = $1 AND revoked_at IS NULL`,
		id,
	)
	if err != nil {
		return fmt.Errorf("failed to revoke api key: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check revocation: %w", err)
	}
	if rows == 0 {
		return ErrKeyNotFound
	}

	return nil
}

// ListKeys returns all keys, newest first, including revoked ones.
func (s *PostgresKeyStore) ListKeys(ctx context.Context) ([]*APIKey, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, key_prefix, scopes, created_at, last_used_at, revoked_at
		FROM api_keys
		ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list api keys: %w", err)
	}
	defer rows.Close()

	var keys []*APIKey
	for rows.Next() {
		apiKey := &APIKey{}
		var scopes pq.StringArray
		if err := rows.Scan(&apiKey.ID, &apiKey.Name, &apiKey.KeyPrefix,
			&scopes, &apiKey.CreatedAt, &apiKey.LastUsedAt, &apiKey.RevokedAt); err != nil {
			return nil, fmt.Errorf("failed to scan api key: %w", err)
		}
		apiKey.Scopes = make([]Scope, len(scopes))
		for i, sc := range scopes {
			apiKey.Scopes[i] = Scope(sc)
		}
		keys = append(keys, apiKey)
	}

	return keys, rows.Err()
}
