package server

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"errors"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/edgegate/edgegate/core/certstore"
	"github.com/edgegate/edgegate/core/challenge"
	"github.com/edgegate/edgegate/core/proxy"
)

const testDomain = "edge.test"

func selfSignedPEM(t *testing.T, domain string) (chain, key []byte) {
	t.Helper()

	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: domain},
		DNSNames:     []string{domain},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(90 * 24 * time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &priv.PublicKey, priv)
	require.NoError(t, err)

	keyDER, err := x509.MarshalECPrivateKey(priv)
	require.NoError(t, err)

	chain = pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
	key = pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER})
	return chain, key
}

func newTestEdge(t *testing.T) (*EdgeServer, *certstore.Store, *challenge.Store, *proxy.ModeState) {
	t.Helper()

	store, err := certstore.New(t.TempDir())
	require.NoError(t, err)
	tokens, err := challenge.NewStore(t.TempDir())
	require.NoError(t, err)
	mode := proxy.NewModeState()

	edge, err := NewEdge(EdgeConfig{HTTPAddr: ":8080", HTTPSAddr: ":8443"}, testDomain, store, tokens, mode,
		WithReadinessChecks(func(ctx context.Context) error { return nil }))
	require.NoError(t, err)
	return edge, store, tokens, mode
}

func installTestCert(t *testing.T, edge *EdgeServer, store *certstore.Store) *certstore.Record {
	t.Helper()

	chain, key := selfSignedPEM(t, testDomain)
	rec, err := certstore.NewRecord(testDomain, chain, key)
	require.NoError(t, err)
	require.NoError(t, store.Write(rec))
	require.NoError(t, edge.Install(rec))
	return rec
}

func TestNewEdgeValidation(t *testing.T) {
	t.Parallel()

	store, err := certstore.New(t.TempDir())
	require.NoError(t, err)
	tokens, err := challenge.NewStore(t.TempDir())
	require.NoError(t, err)
	mode := proxy.NewModeState()
	cfg := EdgeConfig{HTTPAddr: ":8080", HTTPSAddr: ":8443"}

	t.Run("missing listen addr", func(t *testing.T) {
		t.Parallel()
		_, err := NewEdge(EdgeConfig{HTTPSAddr: ":8443"}, testDomain, store, tokens, mode)
		require.ErrorIs(t, err, ErrListenAddrRequired)
	})

	t.Run("missing domain", func(t *testing.T) {
		t.Parallel()
		_, err := NewEdge(cfg, "", store, tokens, mode)
		require.ErrorIs(t, err, ErrDomainRequired)
	})

	t.Run("missing deps", func(t *testing.T) {
		t.Parallel()
		_, err := NewEdge(cfg, testDomain, nil, tokens, mode)
		require.ErrorIs(t, err, ErrEdgeDepsRequired)
	})
}

func TestHTTPRoutingBeforePromotion(t *testing.T) {
	t.Parallel()

	edge, _, tokens, mode := newTestEdge(t)
	require.Equal(t, proxy.ModeHTTPOnly, mode.Mode())
	require.NoError(t, tokens.Present(testDomain, "tok-1", "tok-1.proof"))

	app := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("upstream"))
	})
	h := edge.httpHandler(app)

	t.Run("challenge served", func(t *testing.T) {
		t.Parallel()
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, challenge.WellKnownPrefix+"tok-1", nil))
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "tok-1.proof", rec.Body.String())
	})

	t.Run("liveness", func(t *testing.T) {
		t.Parallel()
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/livez", nil))
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "ALIVE", rec.Body.String())
	})

	t.Run("readiness", func(t *testing.T) {
		t.Parallel()
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "READY", rec.Body.String())
	})

	t.Run("everything else proxied", func(t *testing.T) {
		t.Parallel()
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/some/path", nil))
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "upstream", rec.Body.String())
	})
}

func TestHTTPRoutingAfterPromotion(t *testing.T) {
	t.Parallel()

	edge, store, tokens, mode := newTestEdge(t)
	installTestCert(t, edge, store)
	require.Equal(t, proxy.ModeHTTPAndTLS, mode.Mode())
	require.NoError(t, tokens.Present(testDomain, "tok-2", "tok-2.proof"))

	app := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("upstream"))
	})
	h := edge.httpHandler(app)

	t.Run("plain traffic redirected to https", func(t *testing.T) {
		t.Parallel()
		req := httptest.NewRequest(http.MethodGet, "/orders?id=7", nil)
		req.Host = testDomain
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		require.Equal(t, http.StatusPermanentRedirect, rec.Code)
		assert.Equal(t, "https://edge.test:8443/orders?id=7", rec.Header().Get("Location"))
	})

	t.Run("challenge still served over plain http", func(t *testing.T) {
		t.Parallel()
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, challenge.WellKnownPrefix+"tok-2", nil))
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "tok-2.proof", rec.Body.String())
	})

	t.Run("https listener proxies", func(t *testing.T) {
		t.Parallel()
		rec := httptest.NewRecorder()
		edge.httpsHandler(app).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/some/path", nil))
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "upstream", rec.Body.String())
	})
}

func TestInstallPromotesOnce(t *testing.T) {
	t.Parallel()

	edge, store, _, mode := newTestEdge(t)
	rec := installTestCert(t, edge, store)
	require.Equal(t, proxy.ModeHTTPAndTLS, mode.Mode())

	select {
	case <-edge.promoted:
	default:
		t.Fatal("promotion signal not delivered")
	}

	// A renewal installs again without re-promoting.
	require.NoError(t, edge.Install(rec))
	assert.Equal(t, proxy.ModeHTTPAndTLS, mode.Mode())
}

func TestGetCertificate(t *testing.T) {
	t.Parallel()

	edge, store, _, _ := newTestEdge(t)

	_, err := edge.getCertificate(&tls.ClientHelloInfo{ServerName: testDomain})
	require.ErrorIs(t, err, ErrNoCertificate)

	installTestCert(t, edge, store)

	cert, err := edge.getCertificate(&tls.ClientHelloInfo{ServerName: testDomain})
	require.NoError(t, err)
	require.NotNil(t, cert)

	cert, err = edge.getCertificate(&tls.ClientHelloInfo{ServerName: "EDGE.Test"})
	require.NoError(t, err)
	require.NotNil(t, cert)

	// No SNI still gets the single configured certificate.
	cert, err = edge.getCertificate(&tls.ClientHelloInfo{})
	require.NoError(t, err)
	require.NotNil(t, cert)

	_, err = edge.getCertificate(&tls.ClientHelloInfo{ServerName: "other.test"})
	require.ErrorIs(t, err, ErrUnknownServerName)
}

func TestReloadSwapsCertificate(t *testing.T) {
	t.Parallel()

	edge, store, _, mode := newTestEdge(t)
	installTestCert(t, edge, store)

	chain, key := selfSignedPEM(t, testDomain)
	rec, err := certstore.NewRecord(testDomain, chain, key)
	require.NoError(t, err)
	require.NoError(t, store.Write(rec))

	require.NoError(t, edge.Reload())
	assert.Equal(t, proxy.ModeHTTPAndTLS, mode.Mode())
}

func TestReloadFallsBackWhenRecordGone(t *testing.T) {
	t.Parallel()

	edge, store, _, mode := newTestEdge(t)
	installTestCert(t, edge, store)
	require.NoError(t, store.Delete(testDomain))

	err := edge.Reload()
	require.Error(t, err)
	assert.True(t, errors.Is(err, certstore.ErrNotFound))
	assert.Equal(t, proxy.ModeHTTPOnly, mode.Mode())

	_, err = edge.getCertificate(&tls.ClientHelloInfo{ServerName: testDomain})
	require.ErrorIs(t, err, ErrNoCertificate)
}

func TestRunStopsOnCancel(t *testing.T) {
	t.Parallel()

	store, err := certstore.New(t.TempDir())
	require.NoError(t, err)
	tokens, err := challenge.NewStore(t.TempDir())
	require.NoError(t, err)

	edge, err := NewEdge(EdgeConfig{HTTPAddr: "127.0.0.1:0", HTTPSAddr: "127.0.0.1:0"}, testDomain, store, tokens, proxy.NewModeState())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- edge.Run(ctx, http.NotFoundHandler())
	}()

	time.Sleep(100 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("edge did not stop after cancellation")
	}
}
