package middleware

import (
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sqe-prep/backend/internal/auth"
	"github.com/sqe-prep/backend/internal/logger"
	"github.com/sqe-prep/backend/internal/models"
)

const secret = "test-secret"

func echoUser() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, ok := auth.UserID(r.Context())
		if !ok {
			w.WriteHeader(http.StatusTeapot)
			return
		}
		w.Write([]byte(strconv.FormatInt(id, 10)))
	})
}

func TestAuth(t *testing.T) {
	valid, err := auth.IssueToken([]byte(secret), 42, models.RoleOperator)
	require.NoError(t, err)
	wrongKey, err := auth.IssueToken([]byte("other"), 42, models.RoleOperator)
	require.NoError(t, err)
	expired, err := jwt.NewWithClaims(jwt.SigningMethodHS256, auth.Claims{
		UserID: 42,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Hour)),
		},
	}).SignedString([]byte(secret))
	require.NoError(t, err)

	tests := []struct {
		name     string
		header   string
		wantCode int
		wantBody string
	}{
		{"valid token", "Bearer " + valid, http.StatusOK, "42"},
		{"missing header", "", http.StatusUnauthorized, "Missing bearer token"},
		{"wrong scheme", "Basic " + valid, http.StatusUnauthorized, "Missing bearer token"},
		{"wrong key", "Bearer " + wrongKey, http.StatusUnauthorized, "Invalid or expired token"},
		{"expired", "Bearer " + expired, http.StatusUnauthorized, "Invalid or expired token"},
		{"garbage", "Bearer not.a.jwt", http.StatusUnauthorized, "Invalid or expired token"},
	}

	h := Auth(secret, logger.Nop())(echoUser())
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/api/v1/runs", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)

			assert.Equal(t, tt.wantCode, rec.Code)
			assert.Contains(t, rec.Body.String(), tt.wantBody)
		})
	}
}
