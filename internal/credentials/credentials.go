// Package credentials maps raw download-service credentials to tenants and
// keeps them encrypted at rest.
package credentials

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/darshan-rambhia/sweep/internal/model"
	"github.com/darshan-rambhia/sweep/internal/secrets"
	"github.com/darshan-rambhia/sweep/internal/store"
)

// ErrUnknownTenant is returned when no credential is stored for a tenant hash.
var ErrUnknownTenant = errors.New("unknown tenant")

// Repository is the slice of the store the credential service needs.
type Repository interface {
	SaveCredential(rec model.CredentialRecord) error
	GetCredential(hash string) (*model.CredentialRecord, error)
	TouchCredential(hash string) error
	CredentialExists(hash string) (bool, error)
}

// Service registers and decrypts tenant credentials.
type Service struct {
	repo   Repository
	cipher *secrets.Cipher
}

// NewService creates a credential service.
func NewService(repo Repository, cipher *secrets.Cipher) *Service {
	return &Service{repo: repo, cipher: cipher}
}

// Register resolves a raw credential to its tenant hash. A credential seen for
// the first time is encrypted and stored; a known one only has its
// last-used timestamp refreshed.
func (s *Service) Register(raw string) (string, error) {
	if raw == "" {
		return "", errors.New("empty credential")
	}
	hash := secrets.HashCredential(raw)

	exists, err := s.repo.CredentialExists(hash)
	if err != nil {
		return "", fmt.Errorf("checking credential: %w", err)
	}
	if exists {
		if err := s.repo.TouchCredential(hash); err != nil {
			return "", fmt.Errorf("touching credential: %w", err)
		}
		return hash, nil
	}

	ct, nonce, err := s.cipher.Encrypt(raw)
	if err != nil {
		return "", fmt.Errorf("encrypting credential: %w", err)
	}
	if err := s.repo.SaveCredential(model.CredentialRecord{Hash: hash, Ciphertext: ct, Nonce: nonce}); err != nil {
		return "", fmt.Errorf("saving credential: %w", err)
	}
	slog.Info("registered tenant", "tenant", secrets.ShortHash(hash))
	return hash, nil
}

// Decrypt returns the raw credential for a tenant.
func (s *Service) Decrypt(hash string) (string, error) {
	rec, err := s.repo.GetCredential(hash)
	if errors.Is(err, store.ErrNotFound) {
		return "", fmt.Errorf("%w: %s", ErrUnknownTenant, secrets.ShortHash(hash))
	}
	if err != nil {
		return "", fmt.Errorf("loading credential: %w", err)
	}
	raw, err := s.cipher.Decrypt(rec.Ciphertext, rec.Nonce)
	if err != nil {
		return "", err
	}
	if err := s.repo.TouchCredential(hash); err != nil {
		slog.Warn("refreshing credential last_used_at", "tenant", secrets.ShortHash(hash), "error", err)
	}
	return raw, nil
}
