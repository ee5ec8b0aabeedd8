// Package keystore owns the one RSA key pair each user may hold.
//
// Keys live in the user directory. A user without keys is a normal state:
// they simply take part in plaintext-only conversations.
package keystore

import (
	"context"
	"fmt"
	"log/slog"

	"consultancy-chat/internal/crypto"
)

// Repository is the slice of the user directory that stores key material.
type Repository interface {
	// SaveKeyPair stores the pair only when the user has none and reports whether it did.
	SaveKeyPair(ctx context.Context, userID int64, publicKey, privateKey string) (bool, error)
	// PublicKeys returns entries only for users that have a key.
	PublicKeys(ctx context.Context, userIDs []int64) (map[int64]string, error)
	PrivateKey(ctx context.Context, userID int64) (string, bool, error)
}

type Service struct {
	repo     Repository
	generate func() (crypto.KeyPair, error)
	logger   *slog.Logger
}

func New(repo Repository, logger *slog.Logger) *Service {
	return &Service{
		repo:     repo,
		generate: crypto.GenerateKeyPair,
		logger:   logger,
	}
}

// GenerateKeyPair returns a fresh pair without storing it.
func (s *Service) GenerateKeyPair() (crypto.KeyPair, error) {
	return s.generate()
}

// Generate gives the user a key pair on the first call and returns the
// public half. Later calls return the existing key with created=false; the
// pair is kept for the lifetime of the account.
func (s *Service) Generate(ctx context.Context, userID int64) (publicKey string, created bool, err error) {
	if existing, ok, err := s.PublicKeyOf(ctx, userID); err != nil {
		return "", false, err
	} else if ok {
		return existing, false, nil
	}

	kp, err := s.generate()
	if err != nil {
		return "", false, err
	}

	stored, err := s.repo.SaveKeyPair(ctx, userID, kp.PublicKey, kp.PrivateKey)
	if err != nil {
		return "", false, err
	}
	if !stored {
		// A concurrent call won; hand back whatever it stored.
		existing, ok, err := s.PublicKeyOf(ctx, userID)
		if err != nil {
			return "", false, err
		}
		if !ok {
			return "", false, fmt.Errorf("key pair for user %d vanished after store", userID)
		}
		return existing, false, nil
	}

	s.logger.Info("generated key pair", "userID", userID)
	return kp.PublicKey, true, nil
}

func (s *Service) PublicKeyOf(ctx context.Context, userID int64) (string, bool, error) {
	keys, err := s.repo.PublicKeys(ctx, []int64{userID})
	if err != nil {
		return "", false, fmt.Errorf("load public key for user %d: %w", userID, err)
	}
	key, ok := keys[userID]
	return key, ok, nil
}

// PublicKeysOf returns keys for the users that have one; callers compare
// lengths to learn whether everyone does.
func (s *Service) PublicKeysOf(ctx context.Context, userIDs []int64) (map[int64]string, error) {
	keys, err := s.repo.PublicKeys(ctx, userIDs)
	if err != nil {
		return nil, fmt.Errorf("load public keys: %w", err)
	}
	return keys, nil
}

// PrivateKeyOf must only be called on behalf of the key's owner.
func (s *Service) PrivateKeyOf(ctx context.Context, userID int64) (string, bool, error) {
	key, ok, err := s.repo.PrivateKey(ctx, userID)
	if err != nil {
		return "", false, fmt.Errorf("load private key for user %d: %w", userID, err)
	}
	return key, ok, nil
}
