package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	// KeyPrefix identifies bastion API keys
	KeyPrefix = "bst_"
	// KeyLength is the number of random bytes (32 bytes = 256 bits)
	KeyLength = 32
)

// KeyGenerator generates and validates API keys
type KeyGenerator struct{}

// NewKeyGenerator creates a new key generator
func NewKeyGenerator() *KeyGenerator {
	return &KeyGenerator{}
}

// GenerateKey creates a new API key
// Format: bst_<base64url(32 random bytes)>
func (g *KeyGenerator) GenerateKey() (key string, keyHash string, keyPrefix string, err error) {
	randomBytes := make([]byte, KeyLength)
	if _, err := rand.Read(randomBytes); err != nil {
		return "", "", "", fmt.Errorf("failed to generate random bytes: %w", err)
	}

	encoded := base64.RawURLEncoding.EncodeToString(randomBytes)
	key = KeyPrefix + encoded
	return key, g.HashKey(key), KeyPrefix + encoded[:8], nil
}

// HashKey computes the SHA256 hash of a key for lookup
func (g *KeyGenerator) HashKey(key string) string {
	hash := sha256.Sum256([]byte(key))
	return hex.EncodeToString(hash[:])
}

// ValidateKeyFormat checks if a key has the correct format
func (g *KeyGenerator) ValidateKeyFormat(key string) error {
	if !strings.HasPrefix(key, KeyPrefix) {
		return fmt.Errorf("key must start with %q", KeyPrefix)
	}

	encoded := strings.TrimPrefix(key, KeyPrefix)
	if len(encoded) == 0 {
		return fmt.Errorf("key is too short")
	}

	decoded, err := base64.RawURLEncoding.DecodeString(encoded)
	if err != nil {
		return fmt.Errorf("invalid key encoding: %w", err)
	}
	if len(decoded) != KeyLength {
		return fmt.Errorf("key has %d random bytes, want %d", len(decoded), KeyLength)
	}
	return nil
}

// ExtractPrefix returns the displayable prefix of a key
func (g *KeyGenerator) ExtractPrefix(key string) string {
	if !strings.HasPrefix(key, KeyPrefix) {
		return ""
	}

	encoded := strings.TrimPrefix(key, KeyPrefix)
	if len(encoded) >= 8 {
		return KeyPrefix + encoded[:8]
	}
	return key
}

// KeyManager manages the API key lifecycle
type KeyManager struct {
	store     KeyStore
	generator *KeyGenerator
	now       func() time.Time
}

// NewKeyManager creates a key manager over store
func NewKeyManager(store KeyStore) *KeyManager {
	return &KeyManager{
		store:     store,
		generator: NewKeyGenerator(),
		now:       time.Now,
	}
}

// CreateKey issues a key. The plaintext is returned once and never stored.
func (m *KeyManager) CreateKey(ctx context.Context, userID uuid.UUID, organizationID *uuid.UUID, name string, expiresAt *time.Time) (*APIKey, string, error) {
	if expiresAt != nil && !expiresAt.After(m.now()) {
		return nil, "", fmt.Errorf("expiry must be in the future: %w", ErrKeyExpired)
	}

	raw, hash, prefix, err := m.generator.GenerateKey()
	if err != nil {
		return nil, "", fmt.Errorf("failed to generate key: %w", err)
	}

	key := &APIKey{
		ID:             uuid.New(),
		UserID:         userID,
		OrganizationID: organizationID,
		Name:           name,
		KeyHash:        hash,
		KeyPrefix:      prefix,
		ExpiresAt:      expiresAt,
		CreatedAt:      m.now().UTC(),
	}
	if err := m.store.Create(ctx, key); err != nil {
		return nil, "", fmt.Errorf("failed to store key: %w", err)
	}
	return key, raw, nil
}

// ValidateKey resolves a presented key to its record
func (m *KeyManager) ValidateKey(ctx context.Context, raw string) (*APIKey, error) {
	if err := m.generator.ValidateKeyFormat(raw); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}

	key, err := m.store.GetByHash(ctx, m.generator.HashKey(raw))
	if errors.Is(err, ErrKeyNotFound) {
		return nil, ErrInvalidKey
	}
	if err != nil {
		return nil, err
	}

	now := m.now()
	if err := key.UsableAt(now); err != nil {
		return nil, err
	}
	// last-used tracking is best effort
	_ = m.store.TouchLastUsed(ctx, key.ID, now.UTC())
	return key, nil
}

// RevokeKey revokes a key
func (m *KeyManager) RevokeKey(ctx context.Context, id uuid.UUID) error {
	return m.store.Revoke(ctx, id, m.now().UTC())
}

// ListUserKeys lists all keys of a user, newest first
func (m *KeyManager) ListUserKeys(ctx context.Context, userID uuid.UUID) ([]*APIKey, error) {
	return m.store.ListByUser(ctx, userID)
}

// CleanupExpiredKeys deletes keys that expired before now
func (m *KeyManager) CleanupExpiredKeys(ctx context.Context) (int, error) {
	return m.store.DeleteExpired(ctx, m.now().UTC())
}
