// Package seal derives symmetric keys from ordered secret parts and
// seals blobs with XChaCha20-Poly1305.
//
// Key derivation is HKDF-SHA256 with a nil salt. The input keying material
// is the concatenation, in order, of each part prefixed by its length as a
// big-endian uint32:
//
//	IKM = len(p1) || p1 || len(p2) || p2 || ...
//
// The info string selects the derivation path. Sealed blobs have the form
//
//	[version 0x01] [nonce: 24 bytes] [ciphertext+tag]
//
// and authenticate the version byte followed by the caller's AAD.
package seal

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"io"

	"github.com/zeebo/blake3"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

// KeySize is the size in bytes of derived keys and generated secrets.
const KeySize = 32

// Version is the format byte prepended to sealed blobs.
const Version byte = 0x01

// Overhead is the per-blob size overhead: version + nonce + tag.
const Overhead = 1 + chacha20poly1305.NonceSizeX + chacha20poly1305.Overhead

const (
	infoQueue       = "platformd.queue.v1|"
	infoCredentials = "platformd.credentials.v1"
	infoCredRef     = "platformd.credentials.ref.v1"
)

// ErrDecrypt is returned when a blob cannot be opened under a key. Wrong
// key, tampering and mismatched AAD are deliberately indistinguishable.
var ErrDecrypt = errors.New("seal: decryption failed")

// Key is a derived 32-byte symmetric key.
type Key [KeySize]byte

// NewSecret returns KeySize random bytes.
func NewSecret() ([]byte, error) {
	b := make([]byte, KeySize)
	if _, err := io.ReadFull(rand.Reader, b); err != nil {
		return nil, fmt.Errorf("generating secret: %w", err)
	}
	return b, nil
}

// Derive runs HKDF-SHA256 over the length-prefixed parts. Every part is
// required; an empty part is still encoded, so dropping one or swapping
// two yields a different key.
func Derive(info string, parts ...[]byte) (Key, error) {
	var key Key
	if len(parts) == 0 {
		return key, fmt.Errorf("derive %q: no secret parts", info)
	}
	size := 0
	for _, p := range parts {
		size += 4 + len(p)
	}
	ikm := make([]byte, 0, size)
	for _, p := range parts {
		ikm = binary.BigEndian.AppendUint32(ikm, uint32(len(p)))
		ikm = append(ikm, p...)
	}

	reader := hkdf.New(sha256.New, ikm, nil, []byte(info))
	if _, err := io.ReadFull(reader, key[:]); err != nil {
		return key, fmt.Errorf("derive %q: %w", info, err)
	}
	return key, nil
}

// QueueKey derives the job encryption key for one named queue from the
// supervisor-held secret and the instance secret.
func QueueKey(parentSecret, instanceSecret []byte, queue string) (Key, error) {
	if len(parentSecret) == 0 || len(instanceSecret) == 0 {
		return Key{}, fmt.Errorf("queue key for %q: both secrets are required", queue)
	}
	return Derive(infoQueue+queue, parentSecret, instanceSecret)
}

// CredentialKey derives the credential store key for one session scope.
func CredentialKey(parentSecret, sessionSecret []byte) (Key, error) {
	if len(parentSecret) == 0 || len(sessionSecret) == 0 {
		return Key{}, errors.New("credential key: both secrets are required")
	}
	return Derive(infoCredentials, parentSecret, sessionSecret)
}

// Seal encrypts plaintext under key, binding aad.
func Seal(key Key, plaintext, aad []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(key[:])
	if err != nil {
		return nil, fmt.Errorf("creating XChaCha20-Poly1305 cipher: %w", err)
	}

	var nonce [chacha20poly1305.NonceSizeX]byte
	if _, err := io.ReadFull(rand.Reader, nonce[:]); err != nil {
		return nil, fmt.Errorf("generating random nonce: %w", err)
	}

	out := make([]byte, 1+len(nonce), Overhead+len(plaintext))
	out[0] = Version
	copy(out[1:], nonce[:])
	return aead.Seal(out, nonce[:], plaintext, buildAAD(Version, aad)), nil
}

// Open reverses Seal. Any failure yields ErrDecrypt.
func Open(key Key, blob, aad []byte) ([]byte, error) {
	if len(blob) < Overhead {
		return nil, fmt.Errorf("%w: blob is %d bytes, minimum is %d", ErrDecrypt, len(blob), Overhead)
	}
	if blob[0] != Version {
		return nil, fmt.Errorf("%w: unsupported version %d", ErrDecrypt, blob[0])
	}
	aead, err := chacha20poly1305.NewX(key[:])
	if err != nil {
		return nil, fmt.Errorf("creating XChaCha20-Poly1305 cipher: %w", err)
	}
	nonce := blob[1 : 1+chacha20poly1305.NonceSizeX]
	plaintext, err := aead.Open(nil, nonce, blob[1+chacha20poly1305.NonceSizeX:], buildAAD(blob[0], aad))
	if err != nil {
		return nil, ErrDecrypt
	}
	return plaintext, nil
}

// ObscureRef computes a deterministic opaque storage reference for id.
// Without the key the reference reveals nothing about id.
func ObscureRef(key Key, id string) string {
	h, err := blake3.NewKeyed(key[:])
	if err != nil {
		// NewKeyed only fails on a wrong key length.
		panic(err)
	}
	_, _ = h.Write([]byte(infoCredRef))
	_, _ = h.Write([]byte{0})
	_, _ = h.Write([]byte(id))
	return hex.EncodeToString(h.Sum(nil))
}

func buildAAD(version byte, aad []byte) []byte {
	out := make([]byte, 1+len(aad))
	out[0] = version
	copy(out[1:], aad)
	return out
}
