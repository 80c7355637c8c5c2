package middleware

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apierrors "github.com/LabKey/platform-sub050/internal/errors"
	"github.com/LabKey/platform-sub050/internal/infrastructure"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestRequestID(t *testing.T) {
	var seen, traced string
	h := RequestID(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = GetReqID(r.Context())
		traced = infrastructure.GetTraceID(r.Context())
	}))

	t.Run("generated", func(t *testing.T) {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
		assert.NotEmpty(t, seen)
		assert.Equal(t, seen, rec.Header().Get(RequestIDHeader))
		assert.Equal(t, seen, traced)
	})

	t.Run("propagated", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set(RequestIDHeader, "abc-123")
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		assert.Equal(t, "abc-123", seen)
		assert.Equal(t, "abc-123", rec.Header().Get(RequestIDHeader))
	})
}

func TestRateLimiter(t *testing.T) {
	rl := NewRateLimiter(0.0001, 1, discardLogger())
	h := rl.Handler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	send := func(remote, user string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.RemoteAddr = remote
		if user != "" {
			req = req.WithContext(WithUser(req.Context(), user))
		}
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		return rec
	}

	assert.Equal(t, http.StatusNoContent, send("10.0.0.1:5000", "").Code)

	rec := send("10.0.0.1:5001", "")
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "1", rec.Header().Get("Retry-After"))
	assert.Equal(t, "application/problem+json", rec.Header().Get("Content-Type"))
	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, float64(http.StatusTooManyRequests), body["status"])

	// other callers have their own bucket
	assert.Equal(t, http.StatusNoContent, send("10.0.0.2:5000", "").Code)
	assert.Equal(t, http.StatusNoContent, send("10.0.0.1:5002", "ann").Code)
	assert.Equal(t, http.StatusTooManyRequests, send("10.0.0.3:5000", "ann").Code)
	assert.Equal(t, 3, rl.Clients())
}

func TestCORS(t *testing.T) {
	h := CORS(CORSConfig{AllowedOrigins: []string{"https://labkey.example.org"}})(
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) }))

	t.Run("allowed origin", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/api/reports", nil)
		req.Header.Set("Origin", "https://labkey.example.org")
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "https://labkey.example.org", rec.Header().Get("Access-Control-Allow-Origin"))
		assert.Contains(t, rec.Header().Get("Access-Control-Allow-Headers"), APIKeyHeader)
	})

	t.Run("other origin", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/api/reports", nil)
		req.Header.Set("Origin", "https://evil.example.com")
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		assert.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))
	})

	t.Run("preflight", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodOptions, "/api/reports", nil)
		req.Header.Set("Origin", "https://labkey.example.org")
		req.Header.Set("Access-Control-Request-Method", "POST")
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusNoContent, rec.Code)
		assert.Equal(t, "300", rec.Header().Get("Access-Control-Max-Age"))
	})
}

func TestAPIKeyAuth(t *testing.T) {
	var user string
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user = GetUser(r.Context())
	})

	tests := []struct {
		name     string
		keys     map[string]string
		header   map[string]string
		query    string
		wantCode int
		wantUser string
	}{
		{name: "open with user header", header: map[string]string{UserHeader: "ann"}, wantCode: 200, wantUser: "ann"},
		{name: "open without user", wantCode: 200, wantUser: GuestUser},
		{name: "missing key", keys: map[string]string{"k1": "bob"}, wantCode: 401},
		{name: "wrong key", keys: map[string]string{"k1": "bob"}, header: map[string]string{APIKeyHeader: "nope"}, wantCode: 401},
		{name: "valid key", keys: map[string]string{"k1": "bob"}, header: map[string]string{APIKeyHeader: "k1", UserHeader: "ann"}, wantCode: 200, wantUser: "bob"},
		{name: "key in query", keys: map[string]string{"k1": "bob"}, query: "?api_key=k1", wantCode: 200, wantUser: "bob"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			user = ""
			req := httptest.NewRequest(http.MethodGet, "/api/reports"+tt.query, nil)
			for k, v := range tt.header {
				req.Header.Set(k, v)
			}
			rec := httptest.NewRecorder()
			APIKeyAuth(discardLogger(), tt.keys)(next).ServeHTTP(rec, req)

			assert.Equal(t, tt.wantCode, rec.Code)
			assert.Equal(t, tt.wantUser, user)
		})
	}
}

type sampleRequest struct {
	Name  string `json:"name" validate:"required,max=5"`
	Email string `json:"email" validate:"omitempty,email"`
	File  string `json:"file" validate:"omitempty,filename"`
}

func TestValidateStruct(t *testing.T) {
	vm := NewValidationMiddleware(discardLogger(), apierrors.NewErrorHandler(discardLogger(), false))

	require.NoError(t, vm.ValidateStruct(&sampleRequest{Name: "ok", File: "plot.png"}))

	err := vm.ValidateStruct(&sampleRequest{Name: "too long", Email: "x", File: "../etc"})
	var apiErr *apierrors.APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusBadRequest, apiErr.StatusCode)

	fields, ok := apiErr.Details.([]apierrors.FieldError)
	require.True(t, ok)
	require.Len(t, fields, 3)
	assert.Equal(t, "name", fields[0].Field)
	assert.Equal(t, "name must be at most 5", fields[0].Message)
	assert.Equal(t, "file", fields[2].Field)

	assert.Error(t, vm.ValidateVar("file", "a/b", "filename"))
	assert.NoError(t, vm.ValidateVar("file", "b.txt", "filename"))
}

func TestValidateRequestRejectsBadJSON(t *testing.T) {
	vm := NewValidationMiddleware(discardLogger(), apierrors.NewErrorHandler(discardLogger(), false))
	called := false
	h := vm.ValidateRequest(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
		body, _ := io.ReadAll(r.Body)
		assert.Equal(t, `{"a":1}`, string(body), "body is restored")
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"a":`)))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.False(t, called)
	var problem map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &problem))
	assert.Equal(t, apierrors.CodeInvalidJSON, problem["error_code"])

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"a":1}`)))
	assert.True(t, called)
}

func TestOTelMiddlewareRoutePattern(t *testing.T) {
	providers, err := infrastructure.InitializeOTel(&infrastructure.OTelConfig{
		ServiceName: "test", TraceExporter: "none",
	}, discardLogger())
	require.NoError(t, err)
	om, err := NewOTelMiddleware(providers)
	require.NoError(t, err)

	r := chi.NewRouter()
	r.Use(om.Handler)
	r.Get("/api/reports/{id}", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/reports/{id}", getRoutePattern(r))
		w.WriteHeader(http.StatusTeapot)
	})

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/reports/7", nil))
	assert.Equal(t, http.StatusTeapot, rec.Code)
}
