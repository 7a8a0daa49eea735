package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
)

// Token prefixes distinguish browser sessions from API tokens at a glance in
// logs and let secret scanners match them.
const (
	SessionTokenPrefix = "plat_"
	APITokenPrefix     = "plat_api_"
)

const tokenRandomBytes = 32

// GenerateSessionToken returns a new raw session token: the prefix followed
// by 64 hex characters.
func GenerateSessionToken() (string, error) {
	return generateToken(SessionTokenPrefix)
}

// GenerateAPIToken returns a new raw API token.
func GenerateAPIToken() (string, error) {
	return generateToken(APITokenPrefix)
}

func generateToken(prefix string) (string, error) {
	buf := make([]byte, tokenRandomBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("auth: generate token: %w", err)
	}
	return prefix + hex.EncodeToString(buf), nil
}

// HashToken returns the SHA-256 hex digest of the full raw token. Only the
// digest is stored; a database leak does not leak usable credentials.
func HashToken(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}

// IsAPIToken reports whether the raw token carries the API prefix. Checked
// before the session prefix since one is a prefix of the other.
func IsAPIToken(raw string) bool {
	return strings.HasPrefix(raw, APITokenPrefix)
}

// IsSessionToken reports whether the raw token carries the session prefix
// and is not an API token.
func IsSessionToken(raw string) bool {
	return strings.HasPrefix(raw, SessionTokenPrefix) && !IsAPIToken(raw)
}
