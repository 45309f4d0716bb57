// Package auth authenticates the backend services that call the export API.
//
// Callers present a raw key ("sk_...") as a Bearer token or X-API-Key header.
// The server holds only SHA-256 hashes of issued keys, so a leaked config
// does not leak usable credentials.
package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
)

// Errors
var (
	ErrNoAPIKey      = errors.New("API key required")
	ErrInvalidAPIKey = errors.New("invalid API key")
)

const keyPrefix = "sk_"

// Keyring holds the hashes of every accepted service key.
type Keyring struct {
	hashes [][]byte
}

// NewKeyring parses hex-encoded SHA-256 key hashes.
func NewKeyring(hexHashes []string) (*Keyring, error) {
	k := &Keyring{}
	for i, h := range hexHashes {
		b, err := hex.DecodeString(strings.TrimSpace(h))
		if err != nil || len(b) != sha256.Size {
			return nil, fmt.Errorf("API key hash %d is not a hex SHA-256 digest", i)
		}
		k.hashes = append(k.hashes, b)
	}
	return k, nil
}

// Len reports how many keys are accepted.
func (k *Keyring) Len() int {
	return len(k.hashes)
}

// Validate checks a raw header value and returns the index of the matching
// key, which callers use as a stable, non-secret caller label.
func (k *Keyring) Validate(raw string) (int, error) {
	raw = strings.TrimSpace(strings.TrimPrefix(raw, "Bearer "))
	if raw == "" {
		return -1, ErrNoAPIKey
	}
	if !strings.HasPrefix(raw, keyPrefix) {
		return -1, ErrInvalidAPIKey
	}

	sum := sha256.Sum256([]byte(raw))
	match := -1
	// Compare against every hash so timing does not reveal the position.
	for i, h := range k.hashes {
		if subtle.ConstantTimeCompare(sum[:], h) == 1 && match < 0 {
			match = i
		}
	}
	if match < 0 {
		return -1, ErrInvalidAPIKey
	}
	return match, nil
}

// GenerateKey returns a new raw key and the hex hash to put in API_KEY_HASHES.
func GenerateKey() (rawKey, hexHash string, err error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", "", err
	}
	rawKey = keyPrefix + hex.EncodeToString(b)
	return rawKey, HashKey(rawKey), nil
}

// HashKey returns the hex SHA-256 of a raw key.
func HashKey(raw string) string {
	h := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(h[:])
}
