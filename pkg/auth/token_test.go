package auth

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
)

func TestKeyGenerator_GenerateKey(t *testing.T) {
	g := NewKeyGenerator()

	key, keyHash, keyPrefix, err := g.GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey() error = %v", err)
	}

	if !strings.HasPrefix(key, KeyPrefix) {
		t.Errorf("Key should start with %q, got %q", KeyPrefix, key)
	}

	// SHA256 = 64 hex chars
	if len(keyHash) != 64 {
		t.Errorf("KeyHash length = %d, want 64", len(keyHash))
	}

	if keyPrefix != key[:len(KeyPrefix)+8] {
		t.Errorf("KeyPrefix = %q, want first 8 chars after %q", keyPrefix, KeyPrefix)
	}

	if err := g.ValidateKeyFormat(key); err != nil {
		t.Errorf("generated key does not validate: %v", err)
	}
}

func TestKeyGenerator_GenerateKey_Uniqueness(t *testing.T) {
	g := NewKeyGenerator()

	keys := make(map[string]bool)
	for i := 0; i < 100; i++ {
		key, _, _, err := g.GenerateKey()
		if err != nil {
			t.Fatalf("GenerateKey() error = %v", err)
		}
		if keys[key] {
			t.Errorf("Duplicate key generated: %s", key)
		}
		keys[key] = true
	}
}

func TestKeyGenerator_HashKey(t *testing.T) {
	g := NewKeyGenerator()

	hash1 := g.HashKey("bst_test123456789")
	hash2 := g.HashKey("bst_test123456789")
	if hash1 != hash2 {
		t.Error("Same key should produce same hash")
	}
	if hash1 == g.HashKey("bst_different") {
		t.Error("Different keys should produce different hashes")
	}
}

func TestKeyGenerator_ValidateKeyFormat(t *testing.T) {
	g := NewKeyGenerator()
	valid, _, _, err := g.GenerateKey()
	if err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name    string
		key     string
		wantErr bool
	}{
		{name: "valid key", key: valid},
		{name: "missing prefix", key: strings.TrimPrefix(valid, KeyPrefix), wantErr: true},
		{name: "wrong prefix", key: "vault_" + strings.TrimPrefix(valid, KeyPrefix), wantErr: true},
		{name: "empty key part", key: "bst_", wantErr: true},
		{name: "invalid base64", key: "bst_!!!invalid!!!", wantErr: true},
		{name: "too short", key: "bst_abc123def456", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := g.ValidateKeyFormat(tt.key)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateKeyFormat() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestKeyGenerator_ExtractPrefix(t *testing.T) {
	g := NewKeyGenerator()

	tests := []struct {
		name string
		key  string
		want string
	}{
		{name: "normal key", key: "bst_abc123def456", want: "bst_abc123de"},
		{name: "short key", key: "bst_abc", want: "bst_abc"},
		{name: "no prefix", key: "invalid", want: ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := g.ExtractPrefix(tt.key); got != tt.want {
				t.Errorf("ExtractPrefix() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestKeyManager_Lifecycle(t *testing.T) {
	ctx := context.Background()
	m := NewKeyManager(NewMemoryKeyStore())
	userID := uuid.New()
	org := uuid.New()

	key, raw, err := m.CreateKey(ctx, userID, &org, "ci", nil)
	if err != nil {
		t.Fatalf("CreateKey() error = %v", err)
	}
	if strings.Contains(key.KeyHash, raw) || key.KeyHash == raw {
		t.Error("plaintext key must not be stored")
	}

	got, err := m.ValidateKey(ctx, raw)
	if err != nil {
		t.Fatalf("ValidateKey() error = %v", err)
	}
	if got.UserID != userID || got.OrganizationID == nil || *got.OrganizationID != org {
		t.Errorf("ValidateKey() returned %+v", got)
	}

	keys, err := m.ListUserKeys(ctx, userID)
	if err != nil || len(keys) != 1 || keys[0].LastUsedAt == nil {
		t.Fatalf("ListUserKeys() = %v, %v; want one key with last use recorded", keys, err)
	}

	if err := m.RevokeKey(ctx, key.ID); err != nil {
		t.Fatalf("RevokeKey() error = %v", err)
	}
	if _, err := m.ValidateKey(ctx, raw); !errors.Is(err, ErrKeyRevoked) {
		t.Errorf("ValidateKey() after revoke error = %v, want ErrKeyRevoked", err)
	}
}

func TestKeyManager_ValidateKey_Errors(t *testing.T) {
	ctx := context.Background()
	m := NewKeyManager(NewMemoryKeyStore())

	if _, err := m.ValidateKey(ctx, "garbage"); !errors.Is(err, ErrInvalidKey) {
		t.Errorf("malformed key error = %v, want ErrInvalidKey", err)
	}

	unknown, _, _, _ := NewKeyGenerator().GenerateKey()
	if _, err := m.ValidateKey(ctx, unknown); !errors.Is(err, ErrInvalidKey) {
		t.Errorf("unknown key error = %v, want ErrInvalidKey", err)
	}

	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	m.now = func() time.Time { return now }
	expires := now.Add(time.Hour)
	_, raw, err := m.CreateKey(ctx, uuid.New(), nil, "short-lived", &expires)
	if err != nil {
		t.Fatal(err)
	}

	now = now.Add(2 * time.Hour)
	if _, err := m.ValidateKey(ctx, raw); !errors.Is(err, ErrKeyExpired) {
		t.Errorf("expired key error = %v, want ErrKeyExpired", err)
	}

	n, err := m.CleanupExpiredKeys(ctx)
	if err != nil || n != 1 {
		t.Errorf("CleanupExpiredKeys() = %d, %v; want 1", n, err)
	}
}

func TestKeyManager_CreateKey_PastExpiry(t *testing.T) {
	m := NewKeyManager(NewMemoryKeyStore())
	past := time.Now().Add(-time.Minute)
	if _, _, err := m.CreateKey(context.Background(), uuid.New(), nil, "old", &past); err == nil {
		t.Error("CreateKey() with past expiry should fail")
	}
}
