package auth

import (
	"encoding/base64"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func basicHeader(user, pass string) string {
	return "Basic " + base64.StdEncoding.EncodeToString([]byte(user+":"+pass))
}

func TestParseHeaderBasic(t *testing.T) {
	a, err := ParseHeader(basicHeader("u", "p"))
	require.NoError(t, err)

	assert.Equal(t, SchemeBasic, a.Scheme)
	assert.Equal(t, GrantOwner, a.Grant)
	assert.Equal(t, "u", a.Username)
	assert.Equal(t, "p", a.Password)
}

func TestParseHeaderBasicCaseInsensitive(t *testing.T) {
	a, err := ParseHeader("bASIc " + base64.StdEncoding.EncodeToString([]byte("u:p")))
	require.NoError(t, err)
	assert.Equal(t, SchemeBasic, a.Scheme)
}

func TestParseHeaderBasicPasswordWithColon(t *testing.T) {
	a, err := ParseHeader(basicHeader("u", "p:q"))
	require.NoError(t, err)
	assert.Equal(t, "u", a.Username)
	assert.Equal(t, "p:q", a.Password)
}

func TestParseHeaderBasicMalformed(t *testing.T) {
	cases := map[string]string{
		"not base64":     "Basic $$$$",
		"no colon":       "Basic " + base64.StdEncoding.EncodeToString([]byte("justuser")),
		"empty user":     basicHeader("", "p"),
		"empty password": basicHeader("u", ""),
	}
	for name, header := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := ParseHeader(header)
			assert.ErrorIs(t, err, ErrMalformedHeader)
		})
	}
}

func TestParseHeaderBearer(t *testing.T) {
	a, err := ParseHeader("Bearer some.jwt.token")
	require.NoError(t, err)

	assert.Equal(t, SchemeBearer, a.Scheme)
	assert.Equal(t, GrantClient, a.Grant)
	assert.Equal(t, TokenAccess, a.TokenType)
	assert.Equal(t, "some.jwt.token", a.Token)
}

func TestParseHeaderUnknownScheme(t *testing.T) {
	_, err := ParseHeader("Digest whatever")
	assert.ErrorIs(t, err, ErrDenied)

	_, err = ParseHeader("Basic")
	assert.ErrorIs(t, err, ErrDenied)
}

func TestParseRequestHeaderWins(t *testing.T) {
	r := httptest.NewRequest(http.MethodPost, "/api/v1/whoami", nil)
	r.Header.Set("Authorization", basicHeader("u", "p"))

	a, err := ParseRequest(r)
	require.NoError(t, err)
	assert.Equal(t, SchemeBasic, a.Scheme)
}

func TestParseRequestSessionPairFromHeaders(t *testing.T) {
	session := strings.Repeat("a", SessionLength)

	r := httptest.NewRequest(http.MethodPost, "/api/v1/whoami", nil)
	r.Header.Set(SessionHeader, session)
	r.Header.Set(KeyHeader, "key-value")

	a, err := ParseRequest(r)
	require.NoError(t, err)

	assert.Equal(t, SchemeSessionPair, a.Scheme)
	assert.Equal(t, GrantClient, a.Grant)
	assert.Equal(t, session, a.Username)
	assert.Equal(t, "key-value", a.Password)
}

func TestParseRequestSessionPairFromCookies(t *testing.T) {
	session := strings.Repeat("b", SessionLength)

	r := httptest.NewRequest(http.MethodPost, "/api/v1/whoami", nil)
	r.AddCookie(&http.Cookie{Name: SessionCookie, Value: session})
	r.AddCookie(&http.Cookie{Name: APIKeyCookie, Value: "cookie-key"})

	a, err := ParseRequest(r)
	require.NoError(t, err)

	assert.Equal(t, SchemeSessionPair, a.Scheme)
	assert.Equal(t, session, a.Username)
	assert.Equal(t, "cookie-key", a.Password)
}

func TestParseRequestHeaderPreferredOverCookie(t *testing.T) {
	headerSession := strings.Repeat("c", SessionLength)

	r := httptest.NewRequest(http.MethodPost, "/api/v1/whoami", nil)
	r.Header.Set(SessionHeader, headerSession)
	r.Header.Set(KeyHeader, "header-key")
	r.AddCookie(&http.Cookie{Name: SessionCookie, Value: strings.Repeat("d", SessionLength)})
	r.AddCookie(&http.Cookie{Name: APIKeyCookie, Value: "cookie-key"})

	a, err := ParseRequest(r)
	require.NoError(t, err)
	assert.Equal(t, headerSession, a.Username)
	assert.Equal(t, "header-key", a.Password)
}

func TestParseRequestSessionWrongLength(t *testing.T) {
	r := httptest.NewRequest(http.MethodPost, "/api/v1/whoami", nil)
	r.Header.Set(SessionHeader, "too-short")
	r.Header.Set(KeyHeader, "key")

	_, err := ParseRequest(r)
	assert.ErrorIs(t, err, ErrDenied)
}

func TestParseRequestNothing(t *testing.T) {
	r := httptest.NewRequest(http.MethodPost, "/api/v1/whoami", nil)
	_, err := ParseRequest(r)
	assert.ErrorIs(t, err, ErrDenied)
}
