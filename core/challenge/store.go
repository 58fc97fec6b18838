package challenge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"golang.org/x/crypto/acme/autocert"

	"github.com/edgegate/edgegate/core/logger"
)

// WellKnownPrefix is the fixed path prefix the certificate authority probes
// during an HTTP-01 validation.
const WellKnownPrefix = "/.well-known/acme-challenge/"

var (
	// ErrTokenNotFound is returned when no proof exists for a token.
	ErrTokenNotFound = errors.New("challenge token not found")

	// ErrDirRequired is returned when no storage location is configured.
	ErrDirRequired = errors.New("challenge directory is required")
)

// Store holds short-lived HTTP-01 challenge tokens in a shared, durable
// location readable by the challenge responder. It implements lego's
// challenge.Provider so the certificate agent publishes proofs through it.
type Store struct {
	cache autocert.Cache
	log   *slog.Logger
}

// Option configures the store.
type Option func(*Store)

// WithCache replaces the default directory-backed cache. Any autocert.Cache
// implementation works as long as writes are atomic.
func WithCache(cache autocert.Cache) Option {
	return func(s *Store) {
		s.cache = cache
	}
}

// WithLogger sets the logger for token operations.
func WithLogger(log *slog.Logger) Option {
	return func(s *Store) {
		s.log = log
	}
}

// NewStore creates a token store backed by a directory cache rooted at dir.
func NewStore(dir string, opts ...Option) (*Store, error) {
	s := &Store{
		log: logger.NewDiscard(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.cache == nil {
		if strings.TrimSpace(dir) == "" {
			return nil, ErrDirRequired
		}
		s.cache = autocert.DirCache(dir)
	}
	s.log = s.log.With(logger.Component("challenge"))
	return s, nil
}

// Present stores the keyAuth proof for a token ahead of issuer validation.
// Part of lego's challenge.Provider contract.
func (s *Store) Present(domain, token, keyAuth string) error {
	if err := validateToken(token); err != nil {
		return err
	}
	if err := s.cache.Put(context.Background(), token, []byte(keyAuth)); err != nil {
		return fmt.Errorf("publish challenge token for %s: %w", domain, err)
	}
	s.log.Info("challenge token published", logger.Domain(domain))
	return nil
}

// CleanUp removes the proof after validation completes, successful or not.
// Part of lego's challenge.Provider contract.
func (s *Store) CleanUp(domain, token, keyAuth string) error {
	if err := validateToken(token); err != nil {
		return err
	}
	if err := s.cache.Delete(context.Background(), token); err != nil {
		return fmt.Errorf("remove challenge token for %s: %w", domain, err)
	}
	s.log.Info("challenge token removed", logger.Domain(domain))
	return nil
}

// Proof returns the stored keyAuth for a token, or ErrTokenNotFound.
func (s *Store) Proof(ctx context.Context, token string) ([]byte, error) {
	if err := validateToken(token); err != nil {
		return nil, err
	}
	data, err := s.cache.Get(ctx, token)
	if err != nil {
		if errors.Is(err, autocert.ErrCacheMiss) {
			return nil, fmt.Errorf("%w: %s", ErrTokenNotFound, token)
		}
		return nil, fmt.Errorf("read challenge token: %w", err)
	}
	return data, nil
}

// validateToken rejects identifiers that could escape the storage keyspace.
func validateToken(token string) error {
	if token == "" || strings.ContainsAny(token, "/\\") || strings.Contains(token, "..") {
		return fmt.Errorf("%w: invalid token identifier", ErrTokenNotFound)
	}
	return nil
}
