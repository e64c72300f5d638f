package auth

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupSQLKeyStore(t *testing.T) *SQLKeyStore {
	t.Helper()
	db, err := sql.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })

	store, err := NewSQLKeyStore(context.Background(), db)
	require.NoError(t, err)
	return store
}

func TestSQLKeyStore_RoundTrip(t *testing.T) {
	ctx := context.Background()
	store := setupSQLKeyStore(t)
	m := NewKeyManager(store)

	userID := uuid.New()
	org := uuid.New()
	expires := time.Now().Add(24 * time.Hour)

	key, raw, err := m.CreateKey(ctx, userID, &org, "deploy", &expires)
	require.NoError(t, err)

	got, err := m.ValidateKey(ctx, raw)
	require.NoError(t, err)
	assert.Equal(t, key.ID, got.ID)
	assert.Equal(t, userID, got.UserID)
	require.NotNil(t, got.OrganizationID)
	assert.Equal(t, org, *got.OrganizationID)
	assert.Equal(t, key.KeyPrefix, got.KeyPrefix)

	keys, err := store.ListByUser(ctx, userID)
	require.NoError(t, err)
	require.Len(t, keys, 1)
	assert.NotNil(t, keys[0].LastUsedAt)

	require.NoError(t, m.RevokeKey(ctx, key.ID))
	_, err = m.ValidateKey(ctx, raw)
	assert.ErrorIs(t, err, ErrKeyRevoked)

	assert.ErrorIs(t, store.Revoke(ctx, uuid.New(), time.Now()), ErrKeyNotFound)
}

func TestSQLKeyStore_DeleteExpired(t *testing.T) {
	ctx := context.Background()
	store := setupSQLKeyStore(t)

	past := time.Now().Add(-time.Hour).UTC()
	future := time.Now().Add(time.Hour).UTC()
	for i, exp := range []*time.Time{&past, &future, nil} {
		require.NoError(t, store.Create(ctx, &APIKey{
			ID:        uuid.New(),
			UserID:    uuid.New(),
			Name:      "k",
			KeyHash:   uuid.NewString() + string(rune('a'+i)),
			KeyPrefix: "bst_x",
			ExpiresAt: exp,
			CreatedAt: time.Now().UTC(),
		}))
	}

	n, err := store.DeleteExpired(ctx, time.Now())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestSQLKeyStore_GetByHash_Error(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectExec("CREATE TABLE IF NOT EXISTS api_key").WillReturnResult(sqlmock.NewResult(0, 0))
	store, err := NewSQLKeyStore(context.Background(), db)
	require.NoError(t, err)

	mock.ExpectQuery("SELECT (.+) FROM api_key WHERE key_hash").
		WithArgs("abc").
		WillReturnError(errors.New("connection reset"))

	_, err = store.GetByHash(context.Background(), "abc")
	assert.Error(t, err)
	assert.NotErrorIs(t, err, ErrKeyNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestNewSQLKeyStore_NilDB(t *testing.T) {
	_, err := NewSQLKeyStore(context.Background(), nil)
	assert.Error(t, err)
}
