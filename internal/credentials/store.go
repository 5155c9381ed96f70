// Package credentials persists per-actor authentication material sealed
// under a key derived from the supervisor secret and one session secret.
//
// Rows are addressed by an obscured reference computed from the same key,
// so a store built for another session neither finds nor decrypts them.
package credentials

import (
	"context"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/zeebo/blake3"

	"github.com/mattjoyce/platformd/internal/seal"
	"github.com/mattjoyce/platformd/internal/storage"
)

var (
	ErrNotFound = errors.New("credentials not found")
	// ErrStale means a credential exists but no longer matches the hash the
	// caller last validated.
	ErrStale = errors.New("credentials changed since last validation")
)

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("credentials: CBOR encoder initialization failed: " + err.Error())
	}
	decMode, err = cbor.DecOptions{DefaultMapType: reflect.TypeOf(map[string]any(nil))}.DecMode()
	if err != nil {
		panic("credentials: CBOR decoder initialization failed: " + err.Error())
	}
}

// record is the sealed row body.
type record struct {
	Object []byte `cbor:"1,keyasint"`
	Hash   string `cbor:"2,keyasint"`
}

type Store struct {
	db  *sql.DB
	key seal.Key
}

// New scopes a store to (parentSecret, sessionSecret).
func New(db *sql.DB, parentSecret, sessionSecret []byte) (*Store, error) {
	key, err := seal.CredentialKey(parentSecret, sessionSecret)
	if err != nil {
		return nil, err
	}
	return &Store{db: db, key: key}, nil
}

// Hash returns the content hash of a credential object: BLAKE3 over its
// deterministic CBOR encoding. Key order and whitespace do not matter.
func Hash(obj json.RawMessage) (string, error) {
	var v any
	if err := json.Unmarshal(obj, &v); err != nil {
		return "", fmt.Errorf("decode credential object: %w", err)
	}
	enc, err := encMode.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("encode credential object: %w", err)
	}
	sum := blake3.Sum256(enc)
	return hex.EncodeToString(sum[:]), nil
}

// Save stores obj for actorID, replacing any earlier value in this scope.
// It returns the content hash.
func (s *Store) Save(ctx context.Context, actorID string, obj json.RawMessage) (string, error) {
	if actorID == "" {
		return "", fmt.Errorf("actor id is empty")
	}
	hash, err := Hash(obj)
	if err != nil {
		return "", err
	}
	body, err := encMode.Marshal(record{Object: obj, Hash: hash})
	if err != nil {
		return "", fmt.Errorf("encode credential record: %w", err)
	}
	ref := seal.ObscureRef(s.key, actorID)
	blob, err := seal.Seal(s.key, body, []byte(ref))
	if err != nil {
		return "", err
	}

	_, err = s.db.ExecContext(ctx, `
INSERT INTO credentials(ref, blob, updated_at) VALUES(?, ?, ?)
ON CONFLICT(ref) DO UPDATE SET blob = excluded.blob, updated_at = excluded.updated_at;
`, ref, blob, storage.Timestamp(time.Now()))
	if err != nil {
		return "", fmt.Errorf("save credentials: %w", err)
	}
	return hash, nil
}

// Get returns the stored object for actorID. When expectedHash is not
// empty and differs from the stored content hash, Get returns ErrStale.
func (s *Store) Get(ctx context.Context, actorID, expectedHash string) (json.RawMessage, error) {
	ref := seal.ObscureRef(s.key, actorID)

	var blob []byte
	err := s.db.QueryRowContext(ctx, `SELECT blob FROM credentials WHERE ref = ?;`, ref).Scan(&blob)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("read credentials: %w", err)
	}

	body, err := seal.Open(s.key, blob, []byte(ref))
	if err != nil {
		return nil, ErrNotFound
	}
	var rec record
	if err := decMode.Unmarshal(body, &rec); err != nil {
		return nil, fmt.Errorf("decode credential record: %w", err)
	}
	if expectedHash != "" && expectedHash != rec.Hash {
		return nil, ErrStale
	}
	return json.RawMessage(rec.Object), nil
}

// Delete removes the credential for actorID in this scope, if any.
func (s *Store) Delete(ctx context.Context, actorID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM credentials WHERE ref = ?;`, seal.ObscureRef(s.key, actorID))
	if err != nil {
		return fmt.Errorf("delete credentials: %w", err)
	}
	return nil
}
