package credential

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
)

const (
	// MinSaltLength is the shortest accepted hashing salt.
	MinSaltLength = 16

	randomBytes   = 32
	visiblePrefix = 12
)

// GenerateSecret returns a new secret of the form gw_{env}_{random}.
func GenerateSecret(env Environment) (string, error) {
	buf := make([]byte, randomBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate secret: %w", err)
	}
	return env.secretPrefix() + base64.RawURLEncoding.EncodeToString(buf), nil
}

// DisplayPrefix is the part of a secret that is safe to store and show.
func DisplayPrefix(secret string) string {
	if len(secret) <= visiblePrefix {
		return secret
	}
	return secret[:visiblePrefix] + "..."
}

// Hasher derives the deterministic lookup hash of a secret.
type Hasher struct {
	salt []byte
}

// NewHasher validates the salt and returns a Hasher.
func NewHasher(salt string) (*Hasher, error) {
	if len(salt) < MinSaltLength {
		return nil, fmt.Errorf("key salt must be at least %d characters", MinSaltLength)
	}
	return &Hasher{salt: []byte(salt)}, nil
}

// Hash returns the hex HMAC-SHA256 of the secret.
func (h *Hasher) Hash(secret string) string {
	mac := hmac.New(sha256.New, h.salt)
	mac.Write([]byte(secret))
	return hex.EncodeToString(mac.Sum(nil))
}

// Equal compares two hashes in constant time.
func (h *Hasher) Equal(a, b string) bool {
	return hmac.Equal([]byte(a), []byte(b))
}
