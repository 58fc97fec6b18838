package middleware_test

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/edgegate/edgegate/middleware"
)

func TestBodyLimitRejectsDeclaredOversize(t *testing.T) {
	t.Parallel()

	h := middleware.BodyLimitWithSize(8)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("handler must not run for oversized requests")
	}))

	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader("way more than eight bytes"))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
}

func TestBodyLimitCapsUndeclaredBody(t *testing.T) {
	t.Parallel()

	var readErr error
	h := middleware.BodyLimitWithSize(8)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, readErr = io.ReadAll(r.Body)
	}))

	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader("way more than eight bytes"))
	req.ContentLength = -1 // chunked style, no declared length
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	require.Error(t, readErr)
	var maxErr *http.MaxBytesError
	assert.ErrorAs(t, readErr, &maxErr)
}

func TestBodyLimitAllowsSmallBody(t *testing.T) {
	t.Parallel()

	var body []byte
	h := middleware.BodyLimit()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ = io.ReadAll(r.Body)
	}))

	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader("small"))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "small", string(body))
}

func TestBodyLimitSkip(t *testing.T) {
	t.Parallel()

	h := middleware.BodyLimitWithConfig(middleware.BodyLimitConfig{
		MaxSize: 1,
		Skip:    func(r *http.Request) bool { return r.URL.Path == "/unlimited" },
	})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.Copy(io.Discard, r.Body)
	}))

	req := httptest.NewRequest(http.MethodPost, "/unlimited", strings.NewReader("plenty of bytes"))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
}
