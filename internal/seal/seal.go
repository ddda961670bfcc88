// Package seal provides encryption at rest for record payloads.
//
// Payloads are snappy-compressed, then sealed with AES-256-GCM. Keys are
// either supplied raw (32 bytes) or derived from a passphrase with PBKDF2.
// The salt used for derivation must be persisted by the caller (the record
// store keeps it in its metadata table) so the same key can be re-derived
// on the next open.
package seal

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"

	"github.com/golang/snappy"
	"golang.org/x/crypto/pbkdf2"
)

const (
	// NonceSize is the AES-GCM nonce size, prepended to every sealed payload.
	NonceSize = 12

	// SaltSize is the PBKDF2 salt size.
	SaltSize = 32

	// KeySize is the AES-256 key size.
	KeySize = 32

	// Iterations is the PBKDF2 iteration count.
	Iterations = 100000
)

// ErrSealedTooShort indicates a sealed payload shorter than its nonce.
var ErrSealedTooShort = errors.New("sealed payload too short")

// Sealer encrypts and decrypts payloads.
type Sealer struct {
	gcm  cipher.AEAD
	salt []byte
}

// NewSalt generates a fresh random salt for passphrase derivation.
func NewSalt() ([]byte, error) {
	salt := make([]byte, SaltSize)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("failed to generate salt: %w", err)
	}
	return salt, nil
}

// New creates a sealer from a passphrase and a previously generated salt.
//
// The same passphrase and salt always derive the same key, so sealed
// payloads survive process restarts.
func New(passphrase string, salt []byte) (*Sealer, error) {
	if passphrase == "" {
		return nil, errors.New("passphrase cannot be empty")
	}
	if len(salt) != SaltSize {
		return nil, fmt.Errorf("salt must be %d bytes, got %d", SaltSize, len(salt))
	}

	key := pbkdf2.Key([]byte(passphrase), salt, Iterations, KeySize, sha256.New)
	s, err := NewWithKey(key)
	if err != nil {
		return nil, err
	}
	s.salt = salt
	return s, nil
}

// NewWithKey creates a sealer from a raw 32-byte key.
func NewWithKey(key []byte) (*Sealer, error) {
	if len(key) != KeySize {
		return nil, fmt.Errorf("key must be %d bytes for AES-256, got %d", KeySize, len(key))
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}

	return &Sealer{gcm: gcm}, nil
}

// Salt returns the derivation salt, or nil for raw-key sealers.
func (s *Sealer) Salt() []byte {
	return s.salt
}

// Seal compresses and encrypts plaintext. The nonce is prepended to the
// returned ciphertext.
func (s *Sealer) Seal(plaintext []byte) ([]byte, error) {
	nonce := make([]byte, NonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}

	compressed := snappy.Encode(nil, plaintext)
	return s.gcm.Seal(nonce, nonce, compressed, nil), nil
}

// Open decrypts and decompresses a sealed payload.
//
// A tampered or foreign ciphertext fails GCM authentication and returns an
// error rather than garbage plaintext.
func (s *Sealer) Open(sealed []byte) ([]byte, error) {
	if len(sealed) < NonceSize {
		return nil, ErrSealedTooShort
	}

	nonce := sealed[:NonceSize]
	compressed, err := s.gcm.Open(nil, nonce, sealed[NonceSize:], nil)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt payload: %w", err)
	}

	plaintext, err := snappy.Decode(nil, compressed)
	if err != nil {
		return nil, fmt.Errorf("failed to decompress payload: %w", err)
	}

	return plaintext, nil
}
