package gateway

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pgbridge/pgbridge/internal/auth"
)

func TestBuildAuthFetchBasicOwner(t *testing.T) {
	a := auth.Authorization{
		Scheme:   auth.SchemeBasic,
		Grant:    auth.GrantOwner,
		Username: "u",
		Password: "p",
	}

	stmt, qc, err := BuildAuthFetch(a, "/method", `{"id":1}`, "agent", "10.0.0.1", "adminpw")
	require.NoError(t, err)

	assert.Contains(t, stmt.SQL, "daemon.Fetch(")
	assert.NotContains(t, stmt.SQL, "AuthFetch")
	assert.Equal(t, []any{"u", "p", "/method", `{"id":1}`, "agent", "10.0.0.1"}, stmt.Args)
	assert.Equal(t, "owner", qc.GrantType)
	assert.Equal(t, "/method", qc.Path)
	assert.False(t, qc.Signed)
}

func TestBuildAuthFetchSessionPairClient(t *testing.T) {
	a := auth.Authorization{
		Scheme:   auth.SchemeSessionPair,
		Grant:    auth.GrantClient,
		Username: "session-token",
		Password: "api-key",
	}

	stmt, qc, err := BuildAuthFetch(a, "/whoami", "", "agent", "host", "adminpw")
	require.NoError(t, err)

	assert.Contains(t, stmt.SQL, "daemon.AuthFetch(")
	assert.Equal(t, "client", qc.GrantType)
	// Empty payload is forwarded as an empty object.
	assert.Equal(t, "{}", stmt.Args[3])
}

func TestBuildAuthFetchBearer(t *testing.T) {
	a := auth.Authorization{
		Scheme:    auth.SchemeBearer,
		Grant:     auth.GrantClient,
		TokenType: auth.TokenAccess,
		Token:     "clean.jwt.token",
	}

	stmt, qc, err := BuildAuthFetch(a, "/whoami", "{}", "agent", "host", "adminpw")
	require.NoError(t, err)

	assert.Contains(t, stmt.SQL, "daemon.TokenFetch(")
	// The admin password leads, then the normalized token.
	assert.Equal(t, "adminpw", stmt.Args[0])
	assert.Equal(t, "clean.jwt.token", stmt.Args[1])
	assert.Equal(t, "client", qc.GrantType)
	assert.Equal(t, "access", qc.TokenType)
}

func TestBuildAuthFetchRefreshToken(t *testing.T) {
	a := auth.Authorization{
		Scheme:    auth.SchemeBearer,
		TokenType: auth.TokenRefresh,
		Token:     "t",
	}

	_, qc, err := BuildAuthFetch(a, "/p", "{}", "a", "h", "pw")
	require.NoError(t, err)
	assert.Equal(t, "refresh", qc.TokenType)
}

func TestBuildAuthFetchUnknownScheme(t *testing.T) {
	_, _, err := BuildAuthFetch(auth.Authorization{}, "/p", "{}", "a", "h", "pw")
	assert.ErrorIs(t, err, ErrBadScheme)
}

func TestBuildSignFetch(t *testing.T) {
	stmt, qc := BuildSignFetch("/method", `{"id":1}`, "session", "1700000000000000", "sig", "agent", "host", 5*time.Second)

	assert.Contains(t, stmt.SQL, "daemon.SignFetch(")
	assert.Equal(t, "/method", stmt.Args[0])
	assert.Equal(t, "session", stmt.Args[2])
	assert.Equal(t, "1700000000000000", stmt.Args[3])
	assert.Equal(t, "sig", stmt.Args[4])
	assert.Equal(t, "5000 milliseconds", stmt.Args[7])
	assert.True(t, qc.Signed)
}

func TestBuildSignIn(t *testing.T) {
	stmt, qc := BuildSignIn(`{"username":"u","password":"p"}`, "agent", "host")

	assert.Contains(t, stmt.SQL, "daemon.SignIn(")
	assert.Equal(t, "/sign/in", qc.Path)
	assert.Equal(t, `{"username":"u","password":"p"}`, stmt.Args[0])
}

func TestBuildSignUp(t *testing.T) {
	stmt, qc := BuildSignUp("adminpw", "")

	assert.Contains(t, stmt.SQL, "daemon.SignUp(")
	assert.Equal(t, []any{"admin", "adminpw", "{}"}, stmt.Args)
	assert.Equal(t, "/sign/up", qc.Path)
}

func TestBuildAuthorize(t *testing.T) {
	stmt := BuildAuthorize("session-token")
	assert.Contains(t, stmt.SQL, "daemon.Authorize(")
	assert.Equal(t, []any{"session-token"}, stmt.Args)
}
