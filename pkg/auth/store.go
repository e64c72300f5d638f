package auth

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// KeyStore persists API keys
type KeyStore interface {
	Create(ctx context.Context, key *APIKey) error
	GetByHash(ctx context.Context, hash string) (*APIKey, error)
	TouchLastUsed(ctx context.Context, id uuid.UUID, at time.Time) error
	Revoke(ctx context.Context, id uuid.UUID, at time.Time) error
	ListByUser(ctx context.Context, userID uuid.UUID) ([]*APIKey, error)
	DeleteExpired(ctx context.Context, before time.Time) (int, error)
}

// MemoryKeyStore keeps keys in process memory
type MemoryKeyStore struct {
	mu     sync.RWMutex
	byID   map[uuid.UUID]*APIKey
	byHash map[string]uuid.UUID
}

// NewMemoryKeyStore creates an empty store
func NewMemoryKeyStore() *MemoryKeyStore {
	return &MemoryKeyStore{
		byID:   make(map[uuid.UUID]*APIKey),
		byHash: make(map[string]uuid.UUID),
	}
}

func (s *MemoryKeyStore) Create(ctx context.Context, key *APIKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.byHash[key.KeyHash]; ok {
		return fmt.Errorf("duplicate key hash")
	}
	k := *key
	s.byID[k.ID] = &k
	s.byHash[k.KeyHash] = k.ID
	return nil
}

func (s *MemoryKeyStore) GetByHash(ctx context.Context, hash string) (*APIKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.byHash[hash]
	if !ok {
		return nil, ErrKeyNotFound
	}
	k := *s.byID[id]
	return &k, nil
}

func (s *MemoryKeyStore) TouchLastUsed(ctx context.Context, id uuid.UUID, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k, ok := s.byID[id]
	if !ok {
		return ErrKeyNotFound
	}
	k.LastUsedAt = &at
	return nil
}

func (s *MemoryKeyStore) Revoke(ctx context.Context, id uuid.UUID, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k, ok := s.byID[id]
	if !ok {
		return ErrKeyNotFound
	}
	if k.RevokedAt == nil {
		k.RevokedAt = &at
	}
	return nil
}

func (s *MemoryKeyStore) ListByUser(ctx context.Context, userID uuid.UUID) ([]*APIKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*APIKey
	for _, k := range s.byID {
		if k.UserID == userID {
			c := *k
			out = append(out, &c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (s *MemoryKeyStore) DeleteExpired(ctx context.Context, before time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for id, k := range s.byID {
		if k.ExpiresAt != nil && k.ExpiresAt.Before(before) {
			delete(s.byHash, k.KeyHash)
			delete(s.byID, id)
			n++
		}
	}
	return n, nil
}

// SQLKeyStore stores keys in the api_key table of PostgreSQL or SQLite
type SQLKeyStore struct {
	db *sql.DB
}

// NewSQLKeyStore creates the api_key table if needed
func NewSQLKeyStore(ctx context.Context, db *sql.DB) (*SQLKeyStore, error) {
	if db == nil {
		return nil, fmt.Errorf("database connection is required")
	}
	_, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS api_key (
			id UUID PRIMARY KEY,
			user_id UUID NOT NULL,
			organization_id UUID,
			name VARCHAR(255) NOT NULL,
			key_hash VARCHAR(64) NOT NULL UNIQUE,
			key_prefix VARCHAR(16) NOT NULL,
			expires_at TIMESTAMP,
			last_used_at TIMESTAMP,
			created_at TIMESTAMP NOT NULL,
			revoked_at TIMESTAMP
		)
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to create api_key table: %w", err)
	}
	return &SQLKeyStore{db: db}, nil
}

const keyColumns = `id, user_id, organization_id, name, key_hash, key_prefix, expires_at, last_used_at, created_at, revoked_at`

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanKey(row scanner) (*APIKey, error) {
	var k APIKey
	var orgID uuid.NullUUID
	var expiresAt, lastUsedAt, revokedAt sql.NullTime
	if err := row.Scan(&k.ID, &k.UserID, &orgID, &k.Name, &k.KeyHash, &k.KeyPrefix,
		&expiresAt, &lastUsedAt, &k.CreatedAt, &revokedAt); err != nil {
		return nil, err
	}
	if orgID.Valid {
		id := orgID.UUID
		k.OrganizationID = &id
	}
	k.ExpiresAt = timePtr(expiresAt)
	k.LastUsedAt = timePtr(lastUsedAt)
	k.RevokedAt = timePtr(revokedAt)
	return &k, nil
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}

func nullTime(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return t.UTC()
}

func (s *SQLKeyStore) Create(ctx context.Context, key *APIKey) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO api_key (`+keyColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		key.ID, key.UserID, key.OrganizationID, key.Name, key.KeyHash, key.KeyPrefix,
		nullTime(key.ExpiresAt), nullTime(key.LastUsedAt), key.CreatedAt.UTC(), nullTime(key.RevokedAt))
	if err != nil {
		return fmt.Errorf("failed to insert api key: %w", err)
	}
	return nil
}

func (s *SQLKeyStore) GetByHash(ctx context.Context, hash string) (*APIKey, error) {
	k, err := scanKey(s.db.QueryRowContext(ctx, `SELECT `+keyColumns+` FROM api_key WHERE key_hash = $1`, hash))
	if err == sql.ErrNoRows {
		return nil, ErrKeyNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get api key: %w", err)
	}
	return k, nil
}

func (s *SQLKeyStore) TouchLastUsed(ctx context.Context, id uuid.UUID, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `UPDATE api_key SET last_used_at = $1 WHERE id = $2`, at.UTC(), id)
	return err
}

func (s *SQLKeyStore) Revoke(ctx context.Context, id uuid.UUID, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `UPDATE api_key SET revoked_at = COALESCE(revoked_at, $1) WHERE id = $2`, at.UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to revoke api key: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrKeyNotFound
	}
	return nil
}

func (s *SQLKeyStore) ListByUser(ctx context.Context, userID uuid.UUID) ([]*APIKey, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+keyColumns+` FROM api_key WHERE user_id = $1 ORDER BY created_at DESC`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list api keys: %w", err)
	}
	defer rows.Close()

	var out []*APIKey
	for rows.Next() {
		k, err := scanKey(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan api key: %w", err)
		}
		out = append(out, k)
	}
	return out, rows.Err()
}

func (s *SQLKeyStore) DeleteExpired(ctx context.Context, before time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM api_key WHERE expires_at IS NOT NULL AND expires_at < $1`, before.UTC())
	if err != nil {
		return 0, fmt.Errorf("failed to delete expired api keys: %w", err)
	}
	n, err := res.RowsAffected()
	return int(n), err
}
