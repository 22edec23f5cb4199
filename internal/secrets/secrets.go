// Package secrets holds the server key and protects tenant credentials with it.
package secrets

import (
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"

	"golang.org/x/crypto/chacha20poly1305"
)

// KeySize is the length of the server key in bytes.
const KeySize = chacha20poly1305.KeySize

var (
	// ErrInvalidKeyLength is returned when a server key is not KeySize bytes.
	ErrInvalidKeyLength = errors.New("server key must be 32 bytes")
	// ErrDecrypt is returned when a ciphertext fails authentication.
	ErrDecrypt = errors.New("decrypting credential")
)

// KeyStore persists the single server key.
type KeyStore interface {
	ServerKey() (key []byte, found bool, err error)
	SaveServerKey(key []byte) error
}

// Cipher encrypts and decrypts credentials with the server key. It is safe
// for concurrent use; the key is never modified after New.
type Cipher struct {
	aead cipher.AEAD
}

// GenerateKey returns a new random server key.
func GenerateKey() ([]byte, error) {
	key := make([]byte, KeySize)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("generating server key: %w", err)
	}
	return key, nil
}

// New loads key into a Cipher.
func New(key []byte) (*Cipher, error) {
	if len(key) != KeySize {
		return nil, fmt.Errorf("%w: got %d", ErrInvalidKeyLength, len(key))
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("initializing cipher: %w", err)
	}
	return &Cipher{aead: aead}, nil
}

// Bootstrap returns a Cipher for the stored server key, generating and
// persisting one on first boot. A stored key of the wrong length is an error
// the caller should treat as fatal.
func Bootstrap(ks KeyStore) (*Cipher, error) {
	key, found, err := ks.ServerKey()
	if err != nil {
		return nil, fmt.Errorf("loading server key: %w", err)
	}
	if !found {
		key, err = GenerateKey()
		if err != nil {
			return nil, err
		}
		if err := ks.SaveServerKey(key); err != nil {
			return nil, fmt.Errorf("saving server key: %w", err)
		}
		slog.Info("generated new server key")
	}
	return New(key)
}

// HashCredential returns the tenant identifier for a raw credential.
func HashCredential(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}

// Encrypt seals raw under a fresh random 24-byte nonce.
func (c *Cipher) Encrypt(raw string) (ciphertext, nonce []byte, err error) {
	nonce = make([]byte, c.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, nil, fmt.Errorf("generating nonce: %w", err)
	}
	return c.aead.Seal(nil, nonce, []byte(raw), nil), nonce, nil
}

// Decrypt opens a ciphertext produced by Encrypt.
func (c *Cipher) Decrypt(ciphertext, nonce []byte) (string, error) {
	if len(nonce) != c.aead.NonceSize() {
		return "", fmt.Errorf("%w: nonce is %d bytes", ErrDecrypt, len(nonce))
	}
	plain, err := c.aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrDecrypt, err)
	}
	return string(plain), nil
}

// ShortHash trims a tenant hash for log output.
func ShortHash(hash string) string {
	if len(hash) <= 8 {
		return hash
	}
	return hash[:8]
}
