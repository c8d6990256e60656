// Package secretbox provides fails-closed authenticated encryption for
// operator-provided blobs (LLM credentials, extra-env, and per-project
// secrets). It derives a 256-bit key from the process-wide master
// secret with a fixed-salt PBKDF2, then seals values with NaCl's
// secretbox (XSalsa20-Poly1305).
package secretbox

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strings"

	"golang.org/x/crypto/nacl/secretbox"
	"golang.org/x/crypto/pbkdf2"
	"crypto/sha256"

	"github.com/synapsefleet/synapse/internal/apperror"
)

const (
	keySize     = 32
	nonceSize   = 24
	tagSize     = secretbox.Overhead // 16
	kdfIterations = 100_000
)

// fixedSalt is a code-embedded (not operator-visible) salt for the KDF.
// It is not a secret -- it exists only to domain-separate the derived
// key from the raw master secret. Fixed, not a per-install random
// salt.
var fixedSalt = []byte("synapse-secretbox-v1-fixed-salt")

// Box encrypts and decrypts values with a key derived once at startup.
type Box struct {
	key [keySize]byte
}

// New derives a Box from the process-wide master secret. Called once
// at startup; absence of a master secret is the caller's concern
// (apperror.FatalInit), not this package's.
func New(masterSecret string) (*Box, error) {
	if masterSecret == "" {
		return nil, apperror.New(apperror.FatalInit, "master secret must not be empty")
	}
	derived := pbkdf2.Key([]byte(masterSecret), fixedSalt, kdfIterations, keySize, sha256.New)
	var b Box
	copy(b.key[:], derived)
	return &b, nil
}

// Seal encrypts plaintext and returns the on-disk representation
// "nonce_hex:tag_hex:ciphertext_hex".
func (b *Box) Seal(plaintext []byte) (string, error) {
	var nonce [nonceSize]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}

	sealed := secretbox.Seal(nil, plaintext, &nonce, &b.key)
	if len(sealed) < tagSize {
		return "", fmt.Errorf("sealed output shorter than auth tag")
	}
	// secretbox.Seal appends tag||ciphertext... actually prepends MAC,
	// see package doc: output is poly1305 tag (16 bytes) followed by
	// encrypted message.
	tag := sealed[:tagSize]
	ciphertext := sealed[tagSize:]

	return strings.Join([]string{
		hex.EncodeToString(nonce[:]),
		hex.EncodeToString(tag),
		hex.EncodeToString(ciphertext),
	}, ":"), nil
}

// Open decrypts a value previously produced by Seal. Any tag mismatch,
// truncation, or malformed envelope returns an IntegrityError -- the
// caller must never expose the ciphertext to the operator on failure.
func (b *Box) Open(envelope string) ([]byte, error) {
	parts := strings.SplitN(envelope, ":", 3)
	if len(parts) != 3 {
		return nil, apperror.New(apperror.Integrity, "malformed secret envelope")
	}

	nonceBytes, err := hex.DecodeString(parts[0])
	if err != nil || len(nonceBytes) != nonceSize {
		return nil, apperror.New(apperror.Integrity, "malformed secret envelope")
	}
	tagBytes, err := hex.DecodeString(parts[1])
	if err != nil || len(tagBytes) != tagSize {
		return nil, apperror.New(apperror.Integrity, "malformed secret envelope")
	}
	ciphertext, err := hex.DecodeString(parts[2])
	if err != nil {
		return nil, apperror.New(apperror.Integrity, "malformed secret envelope")
	}

	var nonce [nonceSize]byte
	copy(nonce[:], nonceBytes)

	sealed := append(append([]byte{}, tagBytes...), ciphertext...)
	plaintext, ok := secretbox.Open(nil, sealed, &nonce, &b.key)
	if !ok {
		return nil, apperror.New(apperror.Integrity, "secret decryption failed (tamper or wrong key)")
	}
	return plaintext, nil
}

// SealString is a convenience wrapper for string plaintext.
func (b *Box) SealString(plaintext string) (string, error) {
	return b.Seal([]byte(plaintext))
}

// OpenString is a convenience wrapper returning plaintext as a string.
func (b *Box) OpenString(envelope string) (string, error) {
	pt, err := b.Open(envelope)
	if err != nil {
		return "", err
	}
	return string(pt), nil
}
