package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"strings"
)

const (
	// KeyPrefix identifies Tally API keys
	KeyPrefix = "tally_"
	// KeyLength is the number of random bytes per key (32 bytes = 256 bits)
	KeyLength = 32
)

// KeyGenerator generates and validates API keys
type KeyGenerator struct{}

// NewKeyGenerator creates a new key generator
func NewKeyGenerator() *KeyGenerator {
	return &KeyGenerator{}
}

// GenerateKey creates a new API key.
// Format: tally_<base64url(32 random bytes)>
func (kg *KeyGenerator) GenerateKey() (key string, keyHash string, keyPrefix string, err error) {
	randomBytes := make([]byte, KeyLength)
	if _, err := rand.Read(randomBytes); err != nil {
		return "", "", "", fmt.Errorf("failed to generate random bytes: %w", err)
	}

	encoded := base64.RawURLEncoding.EncodeToString(randomBytes)
	fullKey := KeyPrefix + encoded

	hash := sha256.Sum256([]byte(fullKey))
	hashStr := hex.EncodeToString(hash[:])

	// First 8 chars after the prefix identify the key in listings.
	prefix := KeyPrefix
	if len(encoded) >= 8 {
		prefix = KeyPrefix + encoded[:8]
	}

	return fullKey, hashStr, prefix, nil
}

// HashKey computes the SHA-256 hash of a key for lookup
func (kg *KeyGenerator) HashKey(key string) string {
	hash := sha256.Sum256([]byte(key))
	return hex.EncodeToString(hash[:])
}

// ValidateKeyFormat checks if a key has the correct format
func (kg *KeyGenerator) ValidateKeyFormat(key string) error {
	if !strings.HasPrefix(key, KeyPrefix) {
		return fmt.Errorf("key must start with %q", KeyPrefix)
	}

	encodedPart := strings.TrimPrefix(key, KeyPrefix)
	if len(encodedPart) == 0 {
		return fmt.Errorf("key is too short")
	}

	if _, err := base64.RawURLEncoding.DecodeString(encodedPart); err != nil {
		return fmt.Errorf("invalid key encoding: %w", err)
	}

	return nil
}

// ExtractPrefix extracts the display prefix from a key
func (kg *KeyGenerator) ExtractPrefix(key string) string {
	if !strings.HasPrefix(key, KeyPrefix) {
		return ""
	}

	encodedPart := strings.TrimPrefix(key, KeyPrefix)
	if len(encodedPart) >= 8 {
		return KeyPrefix + encodedPart[:8]
	}

	return key
}
