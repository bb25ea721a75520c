// Package security provides the cryptographic primitives the platform
// itself is responsible for. Remote attestation and TLS channel setup
// are external collaborators; the fixed contract here is that channels
// arrive authenticated end-to-end with peer identities verified against
// a manifest. Concretely: password hashing and session-token issuance
// for the authentication surface, AES-256-GCM sealing for the reference
// executor's output integrity tags, and the peer-manifest check.
package security

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"

	"golang.org/x/crypto/bcrypt"
)

// HashPassword derives a storable password hash, per types.User's
// `password_hash: bytes` field.
func HashPassword(password string) ([]byte, error) {
	if password == "" {
		return nil, fmt.Errorf("security: password cannot be empty")
	}
	return bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
}

// CheckPassword reports whether password matches hash.
func CheckPassword(hash []byte, password string) bool {
	return bcrypt.CompareHashAndPassword(hash, []byte(password)) == nil
}

// NewSessionToken issues an opaque bearer token, added to the caller's
// `User.Tokens` set on successful user_login.
func NewSessionToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("security: generate token: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

// Sealer performs AES-256-GCM sealing/opening, with the nonce prepended
// to the ciphertext. This is the concrete FileCrypto scheme the in-repo
// reference executor (pkg/executor) uses to compute an OutputFile's
// integrity tag; callers outside the trusted enclave never see the key.
type Sealer struct {
	key []byte // 32 bytes
}

// NewSealer wraps a 32-byte AES-256 key.
func NewSealer(key []byte) (*Sealer, error) {
	if len(key) != 32 {
		return nil, fmt.Errorf("security: key must be 32 bytes for AES-256, got %d", len(key))
	}
	return &Sealer{key: key}, nil
}

// Seal encrypts plaintext and returns nonce||ciphertext||tag.
func (s *Sealer) Seal(plaintext []byte) ([]byte, error) {
	gcm, err := s.gcm()
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("security: generate nonce: %w", err)
	}
	return gcm.Seal(nonce, nonce, plaintext, nil), nil
}

// Open reverses Seal.
func (s *Sealer) Open(sealed []byte) ([]byte, error) {
	gcm, err := s.gcm()
	if err != nil {
		return nil, err
	}
	n := gcm.NonceSize()
	if len(sealed) < n {
		return nil, fmt.Errorf("security: sealed payload too short")
	}
	nonce, ciphertext := sealed[:n], sealed[n:]
	return gcm.Open(nil, nonce, ciphertext, nil)
}

func (s *Sealer) gcm() (cipher.AEAD, error) {
	block, err := aes.NewCipher(s.key)
	if err != nil {
		return nil, fmt.Errorf("security: new cipher: %w", err)
	}
	return cipher.NewGCM(block)
}

// IntegrityTag extracts the GCM authentication tag from a Seal result:
// the last 16 bytes, bound to the ciphertext they authenticate.
func IntegrityTag(sealed []byte) []byte {
	if len(sealed) < 16 {
		return nil
	}
	return sealed[len(sealed)-16:]
}
