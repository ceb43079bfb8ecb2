package middleware

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func TestSecurityHeadersSetsExpectedHeaders(t *testing.T) {
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/health", nil)

	SecurityHeaders(okHandler()).ServeHTTP(rec, req)

	assert.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))
	assert.Equal(t, "DENY", rec.Header().Get("X-Frame-Options"))
	assert.Equal(t, "default-src 'none'", rec.Header().Get("Content-Security-Policy"))
}

func TestMaxBodySizeRejectsOversizedContentLength(t *testing.T) {
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/inject/!r:example.org", strings.NewReader(strings.Repeat("a", 100)))
	req.ContentLength = 1000

	MaxBodySize(10)(okHandler()).ServeHTTP(rec, req)

	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
}

func TestMaxBodySizeAllowsSmallBody(t *testing.T) {
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/inject/!r:example.org", strings.NewReader("ok"))
	req.ContentLength = 2

	MaxBodySize(1024)(okHandler()).ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestValidateRequestRejectsNonJSONPost(t *testing.T) {
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/inject/!r:example.org", strings.NewReader("body"))
	req.ContentLength = 4
	req.Header.Set("Content-Type", "text/plain")

	ValidateRequest(okHandler()).ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnsupportedMediaType, rec.Code)
}

func TestValidateRequestAllowsJSONPost(t *testing.T) {
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/inject/!r:example.org", strings.NewReader("{}"))
	req.ContentLength = 2
	req.Header.Set("Content-Type", "application/json")

	ValidateRequest(okHandler()).ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestValidateRequestRejectsSuspiciousPath(t *testing.T) {
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/room/../../etc/passwd/state", nil)

	ValidateRequest(okHandler()).ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestContainsSuspiciousPatterns(t *testing.T) {
	assert.True(t, containsSuspiciousPatterns("<script>alert(1)</script>"))
	assert.True(t, containsSuspiciousPatterns("javascript:alert(1)"))
	assert.False(t, containsSuspiciousPatterns("!room:example.org"))
	assert.False(t, containsSuspiciousPatterns(""))
}
