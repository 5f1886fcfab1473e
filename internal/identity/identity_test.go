package identity

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fieldsentry/fieldsentry/pkg/datamodel"
)

func TestResolveCachesByTokenHash(t *testing.T) {
	requests := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests++
		assert.Equal(t, "/identity", r.URL.Path)
		assert.Equal(t, "token-abc", r.Header.Get("X-Subject-Token"))
		_ = json.NewEncoder(w).Encode(identityResponse{
			UserID:         "user-1",
			Role:           "SUPERVISOR",
			PermittedSites: []string{"site-1", "site-2"},
		})
	}))
	defer server.Close()

	resolver := NewResolver(server.URL, "core", "secret")

	id, err := resolver.Resolve(context.Background(), "token-abc")
	require.NoError(t, err)
	assert.Equal(t, "user-1", id.UserID())
	assert.Equal(t, datamodel.RoleSupervisor, id.Role())
	assert.Equal(t, []string{"site-1", "site-2"}, id.PermittedSites())

	_, err = resolver.Resolve(context.Background(), "token-abc")
	require.NoError(t, err)
	assert.Equal(t, 1, requests, "second resolve must be served from cache")
}

func TestResolveRejectsUnknownToken(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer server.Close()

	resolver := NewResolver(server.URL, "core", "secret")
	_, err := resolver.Resolve(context.Background(), "bad-token")
	assert.ErrorIs(t, err, ErrUnauthorized)
}

func TestResolveRejectsEmptyToken(t *testing.T) {
	resolver := NewResolver("http://unused", "core", "secret")
	_, err := resolver.Resolve(context.Background(), "")
	assert.ErrorIs(t, err, ErrUnauthorized)
}

func TestResolveRejectsUnknownRole(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(identityResponse{UserID: "user-1", Role: "SUPERUSER"})
	}))
	defer server.Close()

	resolver := NewResolver(server.URL, "core", "secret")
	_, err := resolver.Resolve(context.Background(), "token")
	assert.ErrorIs(t, err, ErrUnauthorized)
}
