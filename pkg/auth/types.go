package auth

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrInvalidKey is returned for a malformed or unknown key
	ErrInvalidKey = errors.New("auth: invalid api key")

	// ErrKeyRevoked is returned for a key that has been revoked
	ErrKeyRevoked = errors.New("auth: api key revoked")

	// ErrKeyExpired is returned for a key past its expiry
	ErrKeyExpired = errors.New("auth: api key expired")

	// ErrKeyNotFound is returned when a key ID does not exist
	ErrKeyNotFound = errors.New("auth: api key not found")
)

// APIKey is a stored credential. The plaintext key is shown once at creation
// and only its SHA-256 hash is kept.
type APIKey struct {
	ID             uuid.UUID  `json:"id"`
	UserID         uuid.UUID  `json:"user_id"`
	OrganizationID *uuid.UUID `json:"organization_id,omitempty"`
	Name           string     `json:"name"`
	KeyHash        string     `json:"-"`
	KeyPrefix      string     `json:"key_prefix"`
	ExpiresAt      *time.Time `json:"expires_at,omitempty"`
	LastUsedAt     *time.Time `json:"last_used_at,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	RevokedAt      *time.Time `json:"revoked_at,omitempty"`
}

// UsableAt reports whether the key authenticates at now
func (k *APIKey) UsableAt(now time.Time) error {
	if k.RevokedAt != nil {
		return ErrKeyRevoked
	}
	if k.ExpiresAt != nil && !now.Before(*k.ExpiresAt) {
		return ErrKeyExpired
	}
	return nil
}

// AuthContext identifies the authenticated caller of a request
type AuthContext struct {
	UserID         uuid.UUID
	KeyID          uuid.UUID
	OrganizationID *uuid.UUID
}
