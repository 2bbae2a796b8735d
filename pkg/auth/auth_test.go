package auth

import (
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIssueAndResolve(t *testing.T) {
	a, err := NewJWTAuthenticator("secret", "trackify")
	require.NoError(t, err)

	token, err := a.Issue("alice", time.Hour)
	require.NoError(t, err)

	r := httptest.NewRequest("GET", "/ws", nil)
	r.Header.Set("Authorization", "Bearer "+token)
	assert.Equal(t, "alice", a.Resolve(r))

	r = httptest.NewRequest("GET", "/ws?access_token="+token, nil)
	id, err := a.Require(r)
	require.NoError(t, err)
	assert.Equal(t, "alice", id)
}

func TestResolveFallsBackToAnonymous(t *testing.T) {
	a, err := NewJWTAuthenticator("secret", "")
	require.NoError(t, err)

	r := httptest.NewRequest("GET", "/ws", nil)
	assert.Equal(t, Anonymous, a.Resolve(r))

	_, err = a.Require(r)
	assert.ErrorIs(t, err, ErrUnauthenticated)

	r.Header.Set("Authorization", "Bearer garbage")
	assert.Equal(t, Anonymous, a.Resolve(r))
}

func TestValidateRejectsBadTokens(t *testing.T) {
	a, _ := NewJWTAuthenticator("secret", "trackify")
	other, _ := NewJWTAuthenticator("other-secret", "trackify")
	wrongIssuer, _ := NewJWTAuthenticator("secret", "someone-else")

	foreign, err := other.Issue("alice", time.Hour)
	require.NoError(t, err)
	_, err = a.Validate(foreign)
	assert.ErrorIs(t, err, ErrUnauthenticated)

	expired, err := a.Issue("alice", -time.Minute)
	require.NoError(t, err)
	_, err = a.Validate(expired)
	assert.ErrorIs(t, err, ErrUnauthenticated)

	misissued, err := wrongIssuer.Issue("alice", time.Hour)
	require.NoError(t, err)
	_, err = a.Validate(misissued)
	assert.ErrorIs(t, err, ErrUnauthenticated)
}

func TestConstructorAndIssueGuards(t *testing.T) {
	_, err := NewJWTAuthenticator("", "x")
	assert.ErrorIs(t, err, ErrEmptySecret)

	a, _ := NewJWTAuthenticator("secret", "")
	_, err = a.Issue("  ", time.Hour)
	assert.ErrorIs(t, err, ErrUnauthenticated)
}

func TestAuthenticateCarriesRoles(t *testing.T) {
	a, err := NewJWTAuthenticator("secret", "trackify")
	require.NoError(t, err)

	token, err := a.Issue("root", time.Hour, RoleAdmin)
	require.NoError(t, err)
	r := httptest.NewRequest("GET", "/api/sessions", nil)
	r.Header.Set("Authorization", "Bearer "+token)

	p, err := a.Authenticate(r)
	require.NoError(t, err)
	assert.Equal(t, "root", p.Identity)
	assert.True(t, p.HasRole(RoleAdmin))

	plain, err := a.Issue("alice", time.Hour)
	require.NoError(t, err)
	r.Header.Set("Authorization", "Bearer "+plain)
	p, err = a.Authenticate(r)
	require.NoError(t, err)
	assert.False(t, p.HasRole(RoleAdmin))

	r.Header.Del("Authorization")
	_, err = a.Authenticate(r)
	assert.ErrorIs(t, err, ErrUnauthenticated)
}
