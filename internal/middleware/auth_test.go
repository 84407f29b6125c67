package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
)

func authProbe(t *testing.T, m *AuthMiddleware, setup func(r *http.Request)) (*httptest.ResponseRecorder, AuthType) {
	t.Helper()

	var seen AuthType
	h := m.RequireMasterKey(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = GetAuthType(r.Context())
		w.WriteHeader(http.StatusNoContent)
	}))

	req := httptest.NewRequest(http.MethodGet, "/budget/users", nil)
	if setup != nil {
		setup(req)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec, seen
}

func TestRequireMasterKey(t *testing.T) {
	m := NewAuthMiddleware(&AuthConfig{MasterKey: "sk-master"})

	t.Run("bearer", func(t *testing.T) {
		rec, authType := authProbe(t, m, func(r *http.Request) {
			r.Header.Set("Authorization", "Bearer sk-master")
		})
		assert.Equal(t, http.StatusNoContent, rec.Code)
		assert.Equal(t, AuthTypeMasterKey, authType)
	})

	t.Run("x-api-key", func(t *testing.T) {
		rec, _ := authProbe(t, m, func(r *http.Request) {
			r.Header.Set("X-API-Key", "sk-master")
		})
		assert.Equal(t, http.StatusNoContent, rec.Code)
	})

	t.Run("missing", func(t *testing.T) {
		rec, _ := authProbe(t, m, nil)
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
		assert.Contains(t, rec.Body.String(), "authentication_error")
	})

	t.Run("wrong key", func(t *testing.T) {
		rec, _ := authProbe(t, m, func(r *http.Request) {
			r.Header.Set("Authorization", "Bearer sk-other")
		})
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
		assert.Contains(t, rec.Body.String(), "Invalid master key")
	})
}

func TestRequireMasterKeyDisabled(t *testing.T) {
	m := NewAuthMiddleware(&AuthConfig{})
	assert.False(t, m.Enabled())

	rec, authType := authProbe(t, m, nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, AuthTypeNone, authType)
}

func TestAPIKeyFromHeaders(t *testing.T) {
	h := http.Header{}
	assert.Empty(t, APIKeyFromHeaders(h))

	h.Set("X-API-Key", " key-1 ")
	assert.Equal(t, "key-1", APIKeyFromHeaders(h))

	h.Set("Authorization", "bearer key-2")
	assert.Equal(t, "key-2", APIKeyFromHeaders(h))

	h.Set("Authorization", "Basic abc")
	assert.Equal(t, "key-1", APIKeyFromHeaders(h))
}
