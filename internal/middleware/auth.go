package middleware

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"strings"

	"go.uber.org/zap"
)

type contextKey string

const AuthTypeContextKey contextKey = "auth_type"

type AuthType string

const (
	AuthTypeMasterKey AuthType = "master_key"
	AuthTypeNone      AuthType = "none"
)

// AuthMiddleware guards the admin API with the master key. With no master
// key configured every request passes as AuthTypeNone.
type AuthMiddleware struct {
	logger    *zap.Logger
	masterKey string
}

type AuthConfig struct {
	Logger    *zap.Logger
	MasterKey string
}

func NewAuthMiddleware(config *AuthConfig) *AuthMiddleware {
	logger := config.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &AuthMiddleware{
		logger:    logger,
		masterKey: config.MasterKey,
	}
}

// Enabled reports whether a master key is configured.
func (m *AuthMiddleware) Enabled() bool {
	return m.masterKey != ""
}

// RequireMasterKey rejects requests that do not present the master key.
func (m *AuthMiddleware) RequireMasterKey(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !m.Enabled() {
			ctx := context.WithValue(r.Context(), AuthTypeContextKey, AuthTypeNone)
			next.ServeHTTP(w, r.WithContext(ctx))
			return
		}

		key := ExtractAPIKey(r)
		if key == "" {
			m.sendError(w, http.StatusUnauthorized, "Authentication required")
			return
		}
		if subtle.ConstantTimeCompare([]byte(key), []byte(m.masterKey)) != 1 {
			m.logger.Warn("Invalid master key presented",
				zap.String("path", r.URL.Path),
				zap.String("remote", r.RemoteAddr))
			m.sendError(w, http.StatusUnauthorized, "Invalid master key")
			return
		}

		ctx := context.WithValue(r.Context(), AuthTypeContextKey, AuthTypeMasterKey)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// ExtractAPIKey returns the credential from "Authorization: Bearer" or the
// X-API-Key header.
func ExtractAPIKey(r *http.Request) string {
	return APIKeyFromHeaders(r.Header)
}

// APIKeyFromHeaders is ExtractAPIKey over a bare header set.
func APIKeyFromHeaders(h http.Header) string {
	if authHeader := h.Get("Authorization"); authHeader != "" {
		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) == 2 && strings.EqualFold(parts[0], "bearer") {
			return strings.TrimSpace(parts[1])
		}
	}
	return strings.TrimSpace(h.Get("X-API-Key"))
}

func (m *AuthMiddleware) sendError(w http.ResponseWriter, statusCode int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"error": map[string]interface{}{
			"message": message,
			"type":    "authentication_error",
			"code":    statusCode,
		},
	})
}

func GetAuthType(ctx context.Context) AuthType {
	if authType, ok := ctx.Value(AuthTypeContextKey).(AuthType); ok {
		return authType
	}
	return AuthTypeNone
}

func IsMasterKey(ctx context.Context) bool {
	return GetAuthType(ctx) == AuthTypeMasterKey
}
