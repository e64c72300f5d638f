// Package auth issues and validates the API keys that identify callers of the
// bastion HTTP API.
//
// # Key Format
//
// Keys look like bst_<base64url(32 random bytes)>. Only the SHA-256 hash of a
// key is stored; the plaintext is returned once by CreateKey. The first eight
// encoded characters are kept as a display prefix so operators can tell keys
// apart without seeing them.
//
// # Usage
//
//	manager := auth.NewKeyManager(auth.NewMemoryKeyStore())
//	key, raw, err := manager.CreateKey(ctx, userID, nil, "ci", nil)
//	...
//	key, err = manager.ValidateKey(ctx, raw)
//
// ValidateKey returns ErrInvalidKey, ErrKeyRevoked or ErrKeyExpired. The HTTP
// layer in pkg/middleware maps all three to 401.
//
// # Storage
//
// MemoryKeyStore serves tests and single-process deployments. SQLKeyStore
// keeps keys in the api_key table and runs against PostgreSQL or SQLite.
package auth
