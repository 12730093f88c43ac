// Package auth guards the operator HTTP surface with bearer API keys.
// Keys are configured as bcrypt hashes; the plain key is only ever seen
// by the operator who generated it.
package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"sync"

	"golang.org/x/crypto/bcrypt"
)

const (
	// APIKeyPrefix marks chat-sync keys so they are recognizable in logs
	// and secret scanners.
	APIKeyPrefix = "cs_"

	// apiKeyBytes is the number of random bytes in a generated key
	// (hex-encoded to twice this length).
	apiKeyBytes = 32

	// maxVerified caps the cache of keys that already passed bcrypt.
	maxVerified = 256
)

// Key is one configured operator key.
type Key struct {
	Name string
	Hash string
}

// KeyStore validates bearer keys against bcrypt hashes. A key that
// verified once is remembered by its SHA-256 so later requests skip the
// bcrypt cost.
type KeyStore struct {
	keys []Key

	mu       sync.RWMutex
	verified map[[sha256.Size]byte]string // sha256(key) -> name
}

func NewKeyStore(keys []Key) *KeyStore {
	return &KeyStore{
		keys:     keys,
		verified: make(map[[sha256.Size]byte]string),
	}
}

// Validate returns the name of the key matching token.
func (s *KeyStore) Validate(token string) (string, bool) {
	if !strings.HasPrefix(token, APIKeyPrefix) {
		return "", false
	}

	sum := sha256.Sum256([]byte(token))

	s.mu.RLock()
	name, ok := s.verified[sum]
	s.mu.RUnlock()

	if ok {
		return name, true
	}

	for _, k := range s.keys {
		if bcrypt.CompareHashAndPassword([]byte(k.Hash), []byte(token)) != nil {
			continue
		}

		s.mu.Lock()
		if len(s.verified) >= maxVerified {
			clear(s.verified)
		}
		s.verified[sum] = k.Name
		s.mu.Unlock()

		return k.Name, true
	}

	return "", false
}

// GenerateKey returns a new random API key.
func GenerateKey() string {
	return APIKeyPrefix + RandomHex(apiKeyBytes)
}

// HashKey returns the bcrypt hash to configure for key.
func HashKey(key string) (string, error) {
	if !strings.HasPrefix(key, APIKeyPrefix) {
		return "", fmt.Errorf("API key must start with %q", APIKeyPrefix)
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(key), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("hashing key: %w", err)
	}

	return string(hash), nil
}

// RandomHex returns byteLen random bytes hex-encoded.
func RandomHex(byteLen int) string {
	b := make([]byte, byteLen)
	if _, err := rand.Read(b); err != nil {
		panic("crypto/rand failed: " + err.Error())
	}

	return hex.EncodeToString(b)
}
