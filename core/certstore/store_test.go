package certstore_test

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/edgegate/edgegate/core/certstore"
)

// issueTestCert creates a self-signed certificate and key pair for a domain
// with the given validity window, returned as PEM.
func issueTestCert(t *testing.T, domain string, notBefore, notAfter time.Time) (chain, key []byte) {
	t.Helper()

	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(time.Now().UnixNano()),
		Subject:      pkix.Name{CommonName: domain},
		DNSNames:     []string{domain},
		NotBefore:    notBefore,
		NotAfter:     notAfter,
		KeyUsage:     x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	}

	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &priv.PublicKey, priv)
	require.NoError(t, err)

	keyDER, err := x509.MarshalECPrivateKey(priv)
	require.NoError(t, err)

	chain = pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
	key = pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER})
	return chain, key
}

func newTestRecord(t *testing.T, domain string, validity time.Duration) *certstore.Record {
	t.Helper()
	now := time.Now()
	chain, key := issueTestCert(t, domain, now.Add(-time.Hour), now.Add(validity))
	rec, err := certstore.NewRecord(domain, chain, key)
	require.NoError(t, err)
	return rec
}

func TestNew(t *testing.T) {
	t.Parallel()

	t.Run("creates directory", func(t *testing.T) {
		t.Parallel()
		dir := filepath.Join(t.TempDir(), "certs")
		store, err := certstore.New(dir)
		require.NoError(t, err)
		assert.Equal(t, dir, store.Dir())
		assert.DirExists(t, dir)
	})

	t.Run("empty dir rejected", func(t *testing.T) {
		t.Parallel()
		_, err := certstore.New("  ")
		assert.ErrorIs(t, err, certstore.ErrDirRequired)
	})
}

func TestWriteLoadRoundtrip(t *testing.T) {
	t.Parallel()

	store, err := certstore.New(t.TempDir())
	require.NoError(t, err)

	rec := newTestRecord(t, "example.com", 90*24*time.Hour)
	require.NoError(t, store.Write(rec))
	require.True(t, store.Exists("example.com"))

	loaded, err := store.Load("example.com")
	require.NoError(t, err)
	assert.Equal(t, "example.com", loaded.Domain)
	assert.Equal(t, rec.IssuedAt.Unix(), loaded.IssuedAt.Unix())
	assert.Equal(t, rec.NotAfter.Unix(), loaded.NotAfter.Unix())

	cert, err := store.TLSCertificate("example.com")
	require.NoError(t, err)
	assert.NotEmpty(t, cert.Certificate)
}

func TestLoadAbsent(t *testing.T) {
	t.Parallel()

	store, err := certstore.New(t.TempDir())
	require.NoError(t, err)

	_, err = store.Load("missing.example.com")
	assert.ErrorIs(t, err, certstore.ErrNotFound)
	assert.False(t, store.Exists("missing.example.com"))
}

func TestWriteRejectsIncompleteRecord(t *testing.T) {
	t.Parallel()

	store, err := certstore.New(t.TempDir())
	require.NoError(t, err)

	err = store.Write(&certstore.Record{Domain: "example.com", Chain: []byte("chain")})
	assert.ErrorIs(t, err, certstore.ErrInvalidRecord)

	err = store.Write(&certstore.Record{})
	assert.ErrorIs(t, err, certstore.ErrInvalidRecord)
}

func TestInterruptedWriteLeavesOldRecord(t *testing.T) {
	t.Parallel()

	store, err := certstore.New(t.TempDir())
	require.NoError(t, err)

	old := newTestRecord(t, "example.com", 90*24*time.Hour)
	require.NoError(t, store.Write(old))

	// A crashed writer leaves only a stray temp file behind. The reader must
	// still see the old complete record.
	stray := filepath.Join(store.Dir(), "example.com", "bundle.pem.tmp-crashed")
	require.NoError(t, os.WriteFile(stray, []byte("partial garbage"), 0o600))

	loaded, err := store.Load("example.com")
	require.NoError(t, err)
	assert.Equal(t, old.NotAfter.Unix(), loaded.NotAfter.Unix())
}

func TestConcurrentReadersSeeCompleteRecords(t *testing.T) {
	t.Parallel()

	store, err := certstore.New(t.TempDir())
	require.NoError(t, err)

	first := newTestRecord(t, "example.com", 60*24*time.Hour)
	second := newTestRecord(t, "example.com", 90*24*time.Hour)
	require.NoError(t, store.Write(first))

	var wg sync.WaitGroup
	stop := make(chan struct{})

	errCh := make(chan error, 1)
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-stop:
				return
			default:
			}
			// Every read must parse into a complete, consistent key+chain
			// pair, regardless of the writer's progress.
			if _, err := store.TLSCertificate("example.com"); err != nil {
				select {
				case errCh <- err:
				default:
				}
				return
			}
		}
	}()

	for range 50 {
		require.NoError(t, store.Write(second))
		require.NoError(t, store.Write(first))
	}
	close(stop)
	wg.Wait()

	select {
	case err := <-errCh:
		t.Fatalf("reader observed a partial record: %v", err)
	default:
	}
}

func TestDelete(t *testing.T) {
	t.Parallel()

	store, err := certstore.New(t.TempDir())
	require.NoError(t, err)

	rec := newTestRecord(t, "example.com", 90*24*time.Hour)
	require.NoError(t, store.Write(rec))
	require.NoError(t, store.Delete("example.com"))
	assert.False(t, store.Exists("example.com"))

	// Deleting an absent record is a no-op.
	assert.NoError(t, store.Delete("example.com"))
}

func TestNeedsRenewal(t *testing.T) {
	t.Parallel()

	now := time.Now()
	threshold := 30 * 24 * time.Hour

	fresh := newTestRecord(t, "example.com", 60*24*time.Hour)
	assert.False(t, fresh.NeedsRenewal(now, threshold))

	expiring := newTestRecord(t, "example.com", 10*24*time.Hour)
	assert.True(t, expiring.NeedsRenewal(now, threshold))
}

func TestLoadCorruptBundle(t *testing.T) {
	t.Parallel()

	store, err := certstore.New(t.TempDir())
	require.NoError(t, err)

	dir := filepath.Join(store.Dir(), "broken.example.com")
	require.NoError(t, os.MkdirAll(dir, 0o700))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "bundle.pem"), []byte("not pem at all"), 0o600))

	_, err = store.Load("broken.example.com")
	assert.ErrorIs(t, err, certstore.ErrInvalidRecord)
}
