package proxy_test

import (
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/edgegate/edgegate/core/proxy"
)

func upstreamResolver(t *testing.T, rawURL string) *proxy.Resolver {
	t.Helper()
	u, err := url.Parse(rawURL)
	require.NoError(t, err)
	r, err := proxy.NewResolver(u.Host)
	require.NoError(t, err)
	return r
}

func TestProxyForwards(t *testing.T) {
	t.Parallel()

	var gotHeaders http.Header
	var gotHost string
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotHeaders = r.Header.Clone()
		gotHost = r.Host
		w.WriteHeader(http.StatusTeapot)
		_, _ = w.Write([]byte("from upstream"))
	}))
	defer upstream.Close()

	p := proxy.New(upstreamResolver(t, upstream.URL))

	req := httptest.NewRequest(http.MethodGet, "http://public.example.com/api/items", nil)
	req.RemoteAddr = "203.0.113.10:51234"
	rec := httptest.NewRecorder()
	p.ServeHTTP(rec, req)

	require.Equal(t, http.StatusTeapot, rec.Code)
	assert.Equal(t, "from upstream", rec.Body.String())

	// The upstream sees the original host and the forwarding contract headers.
	assert.Equal(t, "public.example.com", gotHost)
	assert.Equal(t, "203.0.113.10", gotHeaders.Get("X-Forwarded-For"))
	assert.Equal(t, "http", gotHeaders.Get("X-Forwarded-Proto"))
	assert.Equal(t, "public.example.com", gotHeaders.Get("X-Forwarded-Host"))
}

func TestProxyUnresolvableUpstream(t *testing.T) {
	t.Parallel()

	r, err := proxy.NewResolver("upstream-does-not-exist.invalid:8080", proxy.WithTTL(0))
	require.NoError(t, err)
	p := proxy.New(r)

	// The proxy answers 502 per request and stays alive for the next one.
	for range 2 {
		rec := httptest.NewRecorder()
		p.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/anything", nil))
		assert.Equal(t, http.StatusBadGateway, rec.Code)
	}
}

func TestProxyConnectionRefused(t *testing.T) {
	t.Parallel()

	// A resolvable address with nothing listening.
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	addr := upstream.URL
	upstream.Close()

	p := proxy.New(upstreamResolver(t, addr), proxy.WithConnectTimeout(time.Second))

	rec := httptest.NewRecorder()
	p.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/items", nil))
	assert.Equal(t, http.StatusBadGateway, rec.Code)
}

type timeoutError struct{}

func (timeoutError) Error() string   { return "i/o timeout" }
func (timeoutError) Timeout() bool   { return true }
func (timeoutError) Temporary() bool { return true }

type failingTransport struct{ err error }

func (f failingTransport) RoundTrip(*http.Request) (*http.Response, error) {
	return nil, f.err
}

func TestProxyUpstreamTimeout(t *testing.T) {
	t.Parallel()

	r, err := proxy.NewResolver("127.0.0.1:9")
	require.NoError(t, err)
	p := proxy.New(r, proxy.WithTransport(failingTransport{err: timeoutError{}}))

	rec := httptest.NewRecorder()
	p.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/slow", nil))
	assert.Equal(t, http.StatusGatewayTimeout, rec.Code)
}
