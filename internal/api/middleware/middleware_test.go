package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func okHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("X-Client", GetClientID(r.Context()))
	w.WriteHeader(http.StatusNoContent)
}

func TestRequestIDGeneratesAndPropagates(t *testing.T) {
	var seen string
	h := RequestID(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = GetRequestID(r.Context())
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	require.NotEmpty(t, seen)
	assert.Equal(t, seen, rec.Header().Get("X-Request-ID"))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-Request-ID", "req-42")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, "req-42", seen)
}

func TestAPIKeyAuth(t *testing.T) {
	h := APIKeyAuth(map[string]string{"secret": "clinic-portal"})(http.HandlerFunc(okHandler))

	tests := []struct {
		name   string
		header string
		value  string
		status int
	}{
		{"missing key", "", "", http.StatusUnauthorized},
		{"wrong key", "X-API-Key", "nope", http.StatusUnauthorized},
		{"x-api-key header", "X-API-Key", "secret", http.StatusNoContent},
		{"bearer token", "Authorization", "Bearer secret", http.StatusNoContent},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			if tt.header != "" {
				req.Header.Set(tt.header, tt.value)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)

			assert.Equal(t, tt.status, rec.Code)
			if tt.status == http.StatusNoContent {
				assert.Equal(t, "clinic-portal", rec.Header().Get("X-Client"))
			} else {
				assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
			}
		})
	}
}

func TestRecoverReturnsJSON500(t *testing.T) {
	h := Recover(zap.NewNop())(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.JSONEq(t, `{"error":"internal server error"}`, rec.Body.String())
}

func TestRateLimitRejectsOverLimit(t *testing.T) {
	h := RateLimit(1)(http.HandlerFunc(okHandler))

	first := httptest.NewRecorder()
	h.ServeHTTP(first, httptest.NewRequest(http.MethodGet, "/", nil))
	second := httptest.NewRecorder()
	h.ServeHTTP(second, httptest.NewRequest(http.MethodGet, "/", nil))

	assert.Equal(t, http.StatusNoContent, first.Code)
	assert.Equal(t, http.StatusTooManyRequests, second.Code)
}

func TestRateLimitDisabled(t *testing.T) {
	h := RateLimit(0)(http.HandlerFunc(okHandler))
	for i := 0; i < 5; i++ {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
		assert.Equal(t, http.StatusNoContent, rec.Code)
	}
}

func TestCORSPreflight(t *testing.T) {
	h := CORS([]string{"https://portal.example"})(http.HandlerFunc(okHandler))

	req := httptest.NewRequest(http.MethodOptions, "/api/v1/doses/1/status", nil)
	req.Header.Set("Origin", "https://portal.example")
	req.Header.Set("Access-Control-Request-Method", http.MethodPatch)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, "https://portal.example", rec.Header().Get("Access-Control-Allow-Origin"))
}
