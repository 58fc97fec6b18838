package certstore

import (
	"crypto/tls"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

const bundleFile = "bundle.pem"

var (
	// ErrNotFound is returned when no certificate record exists for a domain.
	ErrNotFound = errors.New("certificate record not found")

	// ErrInvalidRecord is returned when stored material cannot be parsed
	// into a complete key and chain pair.
	ErrInvalidRecord = errors.New("invalid certificate record")

	// ErrDirRequired is returned when the storage root is not provided.
	ErrDirRequired = errors.New("certificate directory is required")
)

// Store persists one certificate record per domain under a restricted
// directory. Each record is a single PEM bundle (private key followed by
// the certificate chain) replaced atomically via write-to-temp then rename,
// so a concurrent reader sees either the old complete record or the new one,
// never a mismatched pair.
type Store struct {
	dir string
}

// New creates a certificate store rooted at dir. The root is created with
// owner-only permissions since it holds private key material.
func New(dir string) (*Store, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, ErrDirRequired
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create certificate directory: %w", err)
	}
	return &Store{dir: dir}, nil
}

// Dir returns the storage root path.
func (s *Store) Dir() string {
	return s.dir
}

// Exists reports whether a record is present for the domain. It does not
// validate the material; use Load for that.
func (s *Store) Exists(domain string) bool {
	_, err := os.Stat(s.bundlePath(domain))
	return err == nil
}

// Load reads and parses the record for a domain. Returns ErrNotFound when
// absent, and ErrInvalidRecord when the stored material is incomplete.
func (s *Store) Load(domain string) (*Record, error) {
	data, err := os.ReadFile(s.bundlePath(domain))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, domain)
		}
		return nil, fmt.Errorf("read certificate record for %s: %w", domain, err)
	}

	rec, err := parseBundle(domain, data)
	if err != nil {
		return nil, err
	}
	return rec, nil
}

// Write atomically replaces the record for rec.Domain. The bundle is staged
// in the domain directory and renamed into place; partial writes are never
// visible and a failed write leaves the previous record intact.
func (s *Store) Write(rec *Record) error {
	if rec == nil || rec.Domain == "" {
		return fmt.Errorf("%w: missing domain", ErrInvalidRecord)
	}
	if len(rec.Key) == 0 || len(rec.Chain) == 0 {
		return fmt.Errorf("%w: missing key or chain material for %s", ErrInvalidRecord, rec.Domain)
	}

	domainDir := filepath.Join(s.dir, rec.Domain)
	if err := os.MkdirAll(domainDir, 0o700); err != nil {
		return fmt.Errorf("create domain directory for %s: %w", rec.Domain, err)
	}

	path := filepath.Join(domainDir, bundleFile)
	tmp, err := os.CreateTemp(domainDir, bundleFile+".tmp-*")
	if err != nil {
		return fmt.Errorf("stage certificate record for %s: %w", rec.Domain, err)
	}
	tmpPath := tmp.Name()

	cleanup := func() {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
	}

	if err := tmp.Chmod(0o600); err != nil {
		cleanup()
		return fmt.Errorf("restrict certificate record for %s: %w", rec.Domain, err)
	}
	if _, err := tmp.Write(rec.bundle()); err != nil {
		cleanup()
		return fmt.Errorf("write certificate record for %s: %w", rec.Domain, err)
	}
	if err := tmp.Sync(); err != nil {
		cleanup()
		return fmt.Errorf("sync certificate record for %s: %w", rec.Domain, err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("close certificate record for %s: %w", rec.Domain, err)
	}

	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("save certificate record for %s: %w", rec.Domain, err)
	}

	return nil
}

// Delete removes the record for a domain. The store never does this on its
// own; it exists so an operator can force re-issuance.
func (s *Store) Delete(domain string) error {
	if err := os.RemoveAll(filepath.Join(s.dir, domain)); err != nil {
		return fmt.Errorf("delete certificate record for %s: %w", domain, err)
	}
	return nil
}

// TLSCertificate loads the record for a domain and parses it into a
// tls.Certificate ready for use in a TLS config. The raw key material does
// not leave this package in any other form.
func (s *Store) TLSCertificate(domain string) (tls.Certificate, error) {
	rec, err := s.Load(domain)
	if err != nil {
		return tls.Certificate{}, err
	}

	cert, err := tls.X509KeyPair(rec.Chain, rec.Key)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("%w: %s: %v", ErrInvalidRecord, domain, err)
	}
	return cert, nil
}

func (s *Store) bundlePath(domain string) string {
	return filepath.Join(s.dir, domain, bundleFile)
}
