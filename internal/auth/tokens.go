// Package auth provides operator bearer-token generation/hashing and
// the HTTP middleware ControlAPI and the worker agent use to
// authenticate requests. There is no session/cookie/CSRF surface here
// -- every caller is a single operator or a worker agent presenting a
// bearer credential, not a multi-user browser session.
package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"strings"
)

// TokenPrefix marks operator API tokens so they're recognizable in logs
// and UIs without decoding.
const TokenPrefix = "syn_"

const tokenRawBytes = 32

// GenerateToken creates a new operator API token. Returns the full
// plaintext token (shown once) and the SHA-256 hash for storage.
func GenerateToken() (plaintext string, hash string, err error) {
	raw := make([]byte, tokenRawBytes)
	if _, err := rand.Read(raw); err != nil {
		return "", "", err
	}
	plaintext = TokenPrefix + base64.RawURLEncoding.EncodeToString(raw)
	hash = HashToken(plaintext)
	return plaintext, hash, nil
}

// HashToken returns the SHA-256 hex digest of a token string.
func HashToken(token string) string {
	h := sha256.Sum256([]byte(token))
	return hex.EncodeToString(h[:])
}

// ExtractBearerToken extracts a bearer token from the Authorization
// header. Returns empty string if not present or malformed.
func ExtractBearerToken(authHeader string) string {
	const prefix = "Bearer "
	if !strings.HasPrefix(authHeader, prefix) {
		return ""
	}
	return strings.TrimSpace(authHeader[len(prefix):])
}

// GenerateWorkerToken creates a random 256-bit hex worker_token used
// as the Worker's identity.
func GenerateWorkerToken() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

// ConstantTimeEqual compares two strings without leaking timing
// information, for worker_token comparison.
func ConstantTimeEqual(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
