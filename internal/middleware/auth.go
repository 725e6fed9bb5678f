package middleware

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/sqe-prep/backend/internal/auth"
	"github.com/sqe-prep/backend/internal/logger"
	"github.com/sqe-prep/backend/internal/models"
)

// Auth rejects requests without a valid bearer token and stores the
// caller's user ID on the request context.
func Auth(secret string, log *logger.Logger) func(http.Handler) http.Handler {
	key := []byte(secret)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			header := r.Header.Get("Authorization")
			raw, ok := strings.CutPrefix(header, "Bearer ")
			if !ok || strings.TrimSpace(raw) == "" {
				unauthorized(w, "Missing bearer token")
				return
			}

			claims, err := auth.ParseToken(key, strings.TrimSpace(raw))
			if err != nil {
				log.Debug("rejected token", "path", r.URL.Path, "error", err)
				unauthorized(w, "Invalid or expired token")
				return
			}

			next.ServeHTTP(w, r.WithContext(auth.WithUserID(r.Context(), claims.UserID)))
		})
	}
}

func unauthorized(w http.ResponseWriter, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	json.NewEncoder(w).Encode(models.ErrorResponse{Error: msg})
}
