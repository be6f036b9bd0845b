package main

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/BaSui01/stageflow/api/handlers"
	"github.com/BaSui01/stageflow/config"
	"github.com/BaSui01/stageflow/types"
)

// writerEcho 把上下文里的写入者身份写回响应体
var writerEcho = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
	writer, _ := types.Writer(r.Context())
	_, _ = w.Write([]byte(writer))
})

func errorCodeOf(t *testing.T, w *httptest.ResponseRecorder) string {
	t.Helper()
	var resp handlers.Response
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	require.NotNil(t, resp.Error)
	return resp.Error.Code
}

func signToken(t *testing.T, secret string, claims jwt.RegisteredClaims) string {
	t.Helper()
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	require.NoError(t, err)
	return token
}

func TestSecurityHeaders(t *testing.T) {
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	handler := SecurityHeaders()(inner)

	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	handler.ServeHTTP(w, r)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "DENY", w.Header().Get("X-Frame-Options"))
	assert.Equal(t, "nosniff", w.Header().Get("X-Content-Type-Options"))
	assert.Equal(t, "strict-origin-when-cross-origin", w.Header().Get("Referrer-Policy"))
	assert.Equal(t, "1; mode=block", w.Header().Get("X-XSS-Protection"))
	assert.Equal(t, "default-src 'self'", w.Header().Get("Content-Security-Policy"))
}

func TestSecurityHeaders_ChainedWithOtherMiddleware(t *testing.T) {
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.NotEmpty(t, RequestIDFromContext(r.Context()))
		w.Write([]byte("ok"))
	})

	handler := Chain(inner, SecurityHeaders(), RequestID())

	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "/test", nil)
	handler.ServeHTTP(w, r)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "DENY", w.Header().Get("X-Frame-Options"))
	assert.Equal(t, "default-src 'self'", w.Header().Get("Content-Security-Policy"))
	assert.NotEmpty(t, w.Header().Get("X-Request-ID"))
}

func TestRequestID_PreservesClientValue(t *testing.T) {
	handler := RequestID()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "client-42", RequestIDFromContext(r.Context()))
	}))

	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.Header.Set("X-Request-ID", "client-42")
	handler.ServeHTTP(w, r)

	assert.Equal(t, "client-42", w.Header().Get("X-Request-ID"))
}

func TestRecovery(t *testing.T) {
	handler := Recovery(zap.NewNop())(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("boom")
	}))

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/tasks", nil))

	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Equal(t, string(types.ErrInternalError), errorCodeOf(t, w))
}

func TestAPIKeyAuth(t *testing.T) {
	skip := []string{"/health"}

	tests := []struct {
		name        string
		keys        []string
		deferBearer bool
		path        string
		headers     map[string]string
		wantStatus  int
		wantWriter  string
	}{
		{name: "disabled without keys", path: "/api/v1/tasks", wantStatus: http.StatusOK},
		{name: "valid key", keys: []string{"k0", "k1"}, path: "/api/v1/tasks",
			headers: map[string]string{"X-API-Key": "k1"}, wantStatus: http.StatusOK, wantWriter: "api-key:1"},
		{name: "missing key", keys: []string{"k0"}, path: "/api/v1/tasks", wantStatus: http.StatusUnauthorized},
		{name: "wrong key", keys: []string{"k0"}, path: "/api/v1/tasks",
			headers: map[string]string{"X-API-Key": "nope"}, wantStatus: http.StatusUnauthorized},
		{name: "skip path", keys: []string{"k0"}, path: "/health", wantStatus: http.StatusOK},
		{name: "bearer deferred to jwt", keys: []string{"k0"}, deferBearer: true, path: "/api/v1/tasks",
			headers: map[string]string{"Authorization": "Bearer x"}, wantStatus: http.StatusOK},
		{name: "bearer not deferred", keys: []string{"k0"}, path: "/api/v1/tasks",
			headers: map[string]string{"Authorization": "Bearer x"}, wantStatus: http.StatusUnauthorized},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			handler := APIKeyAuth(tt.keys, skip, tt.deferBearer, zap.NewNop())(writerEcho)

			w := httptest.NewRecorder()
			r := httptest.NewRequest(http.MethodGet, tt.path, nil)
			for k, v := range tt.headers {
				r.Header.Set(k, v)
			}
			handler.ServeHTTP(w, r)

			assert.Equal(t, tt.wantStatus, w.Code)
			if tt.wantStatus == http.StatusUnauthorized {
				assert.Equal(t, string(types.ErrUnauthorized), errorCodeOf(t, w))
				return
			}
			assert.Equal(t, tt.wantWriter, w.Body.String())
		})
	}
}

func TestJWTAuth(t *testing.T) {
	const secret = "test-secret"
	cfg := config.JWTConfig{Secret: secret, Issuer: "stageflow-tests"}
	future := jwt.NewNumericDate(time.Now().Add(time.Hour))

	tests := []struct {
		name       string
		header     string
		wantStatus int
		wantWriter string
	}{
		{
			name:       "valid token",
			header:     "Bearer " + signToken(t, secret, jwt.RegisteredClaims{Subject: "alice", Issuer: "stageflow-tests", ExpiresAt: future}),
			wantStatus: http.StatusOK,
			wantWriter: "alice",
		},
		{
			name:       "expired token",
			header:     "Bearer " + signToken(t, secret, jwt.RegisteredClaims{Subject: "alice", Issuer: "stageflow-tests", ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Minute))}),
			wantStatus: http.StatusUnauthorized,
		},
		{
			name:       "missing expiry",
			header:     "Bearer " + signToken(t, secret, jwt.RegisteredClaims{Subject: "alice", Issuer: "stageflow-tests"}),
			wantStatus: http.StatusUnauthorized,
		},
		{
			name:       "wrong secret",
			header:     "Bearer " + signToken(t, "other", jwt.RegisteredClaims{Subject: "alice", Issuer: "stageflow-tests", ExpiresAt: future}),
			wantStatus: http.StatusUnauthorized,
		},
		{
			name:       "wrong issuer",
			header:     "Bearer " + signToken(t, secret, jwt.RegisteredClaims{Subject: "alice", Issuer: "someone", ExpiresAt: future}),
			wantStatus: http.StatusUnauthorized,
		},
		{
			name:       "no subject",
			header:     "Bearer " + signToken(t, secret, jwt.RegisteredClaims{Issuer: "stageflow-tests", ExpiresAt: future}),
			wantStatus: http.StatusUnauthorized,
		},
		{
			name:       "missing header",
			wantStatus: http.StatusUnauthorized,
		},
	}

	handler := JWTAuth(cfg, []string{"/health"}, zap.NewNop())(writerEcho)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			r := httptest.NewRequest(http.MethodGet, "/api/v1/tasks", nil)
			if tt.header != "" {
				r.Header.Set("Authorization", tt.header)
			}
			handler.ServeHTTP(w, r)

			assert.Equal(t, tt.wantStatus, w.Code)
			if tt.wantStatus == http.StatusOK {
				assert.Equal(t, tt.wantWriter, w.Body.String())
			}
		})
	}
}

func TestJWTAuth_DisabledAndAfterAPIKey(t *testing.T) {
	disabled := JWTAuth(config.JWTConfig{}, nil, zap.NewNop())(writerEcho)
	w := httptest.NewRecorder()
	disabled.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/tasks", nil))
	assert.Equal(t, http.StatusOK, w.Code)

	// API Key 已认证的请求不再要求 JWT
	chained := Chain(writerEcho,
		APIKeyAuth([]string{"k0"}, nil, true, zap.NewNop()),
		JWTAuth(config.JWTConfig{Secret: "s"}, nil, zap.NewNop()),
	)
	w = httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "/api/v1/tasks", nil)
	r.Header.Set("X-API-Key", "k0")
	chained.ServeHTTP(w, r)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "api-key:0", w.Body.String())
}

func TestRateLimiter(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	handler := RateLimiter(ctx, 1, 1, zap.NewNop())(writerEcho)

	send := func(remote string, writer string) *httptest.ResponseRecorder {
		w := httptest.NewRecorder()
		r := httptest.NewRequest(http.MethodGet, "/api/v1/tasks", nil)
		r.RemoteAddr = remote
		if writer != "" {
			r = r.WithContext(types.WithWriter(r.Context(), writer))
		}
		handler.ServeHTTP(w, r)
		return w
	}

	assert.Equal(t, http.StatusOK, send("10.0.0.1:1234", "").Code)
	limited := send("10.0.0.1:5678", "")
	assert.Equal(t, http.StatusTooManyRequests, limited.Code)
	assert.Equal(t, "1", limited.Header().Get("Retry-After"))
	assert.Equal(t, string(types.ErrRateLimited), errorCodeOf(t, limited))

	// 不同 IP、已认证的写入者各自独立计数
	assert.Equal(t, http.StatusOK, send("10.0.0.2:1234", "").Code)
	assert.Equal(t, http.StatusOK, send("10.0.0.1:1234", "alice").Code)
	assert.Equal(t, http.StatusTooManyRequests, send("10.0.0.3:1234", "alice").Code)
}

func TestRateLimiter_Disabled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	handler := RateLimiter(ctx, 0, 0, zap.NewNop())(writerEcho)
	for i := 0; i < 5; i++ {
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))
		assert.Equal(t, http.StatusOK, w.Code)
	}
}

func TestCORS(t *testing.T) {
	handler := CORS([]string{"https://app.example.com"})(writerEcho)

	t.Run("allowed preflight", func(t *testing.T) {
		w := httptest.NewRecorder()
		r := httptest.NewRequest(http.MethodOptions, "/api/v1/tasks", nil)
		r.Header.Set("Origin", "https://app.example.com")
		handler.ServeHTTP(w, r)
		assert.Equal(t, http.StatusNoContent, w.Code)
		assert.Equal(t, "https://app.example.com", w.Header().Get("Access-Control-Allow-Origin"))
	})

	t.Run("unknown origin preflight", func(t *testing.T) {
		w := httptest.NewRecorder()
		r := httptest.NewRequest(http.MethodOptions, "/api/v1/tasks", nil)
		r.Header.Set("Origin", "https://evil.example.com")
		handler.ServeHTTP(w, r)
		assert.Equal(t, http.StatusForbidden, w.Code)
		assert.Empty(t, w.Header().Get("Access-Control-Allow-Origin"))
	})

	t.Run("same origin request", func(t *testing.T) {
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/tasks", nil))
		assert.Equal(t, http.StatusOK, w.Code)
		assert.Empty(t, w.Header().Get("Access-Control-Allow-Origin"))
	})
}

func TestNormalizePath(t *testing.T) {
	tests := []struct {
		path string
		want string
	}{
		{"/health", "/health"},
		{"/api/v1/tasks", "/api/v1/tasks"},
		{"/api/v1/tasks/my-task", "/api/v1/tasks/:id"},
		{"/api/v1/tasks/my-task/retry", "/api/v1/tasks/:id/retry"},
		{"/api/v1/tasks/t1/sections/STAGE1_ANALYSIS", "/api/v1/tasks/:id/sections/:anchor"},
		{"/api/v1/tasks/t1/audit", "/api/v1/tasks/:id/audit"},
		{"/other/550e8400-e29b-41d4-a716-446655440000", "/other/:id"},
		{"/other/12345/x", "/other/:id/x"},
		{"/other/static", "/other/static"},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			assert.Equal(t, tt.want, normalizePath(tt.path))
		})
	}
}
