package credentials

import (
	"context"
	"database/sql"
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/platformd/internal/storage"
)

func openDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := storage.OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "state.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func newStore(t *testing.T, db *sql.DB, session string) *Store {
	t.Helper()
	s, err := New(db, []byte("parent"), []byte(session))
	require.NoError(t, err)
	return s
}

func TestSaveGetRoundTrip(t *testing.T) {
	db := openDB(t)
	s := newStore(t, db, "session-a")
	ctx := context.Background()

	creds := json.RawMessage(`{"password":"hunter2","server":"irc.example.org","port":6697}`)
	hash, err := s.Save(ctx, "alice", creds)
	require.NoError(t, err)

	want, err := Hash(creds)
	require.NoError(t, err)
	assert.Equal(t, want, hash)

	got, err := s.Get(ctx, "alice", hash)
	require.NoError(t, err)
	assert.JSONEq(t, string(creds), string(got))

	got, err = s.Get(ctx, "alice", "")
	require.NoError(t, err)
	assert.JSONEq(t, string(creds), string(got))
}

func TestGetMissing(t *testing.T) {
	s := newStore(t, openDB(t), "session-a")
	_, err := s.Get(context.Background(), "nobody", "")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestGetStaleHash(t *testing.T) {
	s := newStore(t, openDB(t), "session-a")
	ctx := context.Background()

	oldHash, err := s.Save(ctx, "alice", json.RawMessage(`{"password":"one"}`))
	require.NoError(t, err)
	_, err = s.Save(ctx, "alice", json.RawMessage(`{"password":"two"}`))
	require.NoError(t, err)

	_, err = s.Get(ctx, "alice", oldHash)
	assert.ErrorIs(t, err, ErrStale)

	got, err := s.Get(ctx, "alice", "")
	require.NoError(t, err)
	assert.JSONEq(t, `{"password":"two"}`, string(got))
}

func TestSessionScopesAreIsolated(t *testing.T) {
	db := openDB(t)
	a := newStore(t, db, "session-a")
	b := newStore(t, db, "session-b")
	ctx := context.Background()

	hash, err := a.Save(ctx, "alice", json.RawMessage(`{"password":"a"}`))
	require.NoError(t, err)

	_, err = b.Get(ctx, "alice", hash)
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = b.Save(ctx, "alice", json.RawMessage(`{"password":"b"}`))
	require.NoError(t, err)

	got, err := a.Get(ctx, "alice", hash)
	require.NoError(t, err)
	assert.JSONEq(t, `{"password":"a"}`, string(got), "b's save must not overwrite a's")

	var rows int
	require.NoError(t, db.QueryRow(`SELECT COUNT(*) FROM credentials;`).Scan(&rows))
	assert.Equal(t, 2, rows)
}

func TestHashIgnoresKeyOrderAndWhitespace(t *testing.T) {
	h1, err := Hash(json.RawMessage(`{"a":1,"b":{"c":"d"}}`))
	require.NoError(t, err)
	h2, err := Hash(json.RawMessage(`{ "b": {"c": "d"}, "a": 1 }`))
	require.NoError(t, err)
	h3, err := Hash(json.RawMessage(`{"a":2,"b":{"c":"d"}}`))
	require.NoError(t, err)

	assert.Equal(t, h1, h2)
	assert.NotEqual(t, h1, h3)
	assert.Len(t, h1, 64)

	_, err = Hash(json.RawMessage(`{`))
	assert.Error(t, err)
}

func TestDelete(t *testing.T) {
	s := newStore(t, openDB(t), "session-a")
	ctx := context.Background()

	_, err := s.Save(ctx, "alice", json.RawMessage(`{}`))
	require.NoError(t, err)
	require.NoError(t, s.Delete(ctx, "alice"))
	_, err = s.Get(ctx, "alice", "")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestNewRequiresBothSecrets(t *testing.T) {
	_, err := New(openDB(t), []byte("parent"), nil)
	assert.Error(t, err)
}
