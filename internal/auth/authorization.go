package auth

import (
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// Cookie and header names shared between the HTTP and WebSocket surfaces.
const (
	SessionCookie   = "AWS-Session"
	APIKeyCookie    = "API-Key"
	SessionHeader   = "Session"
	KeyHeader       = "Key"
	NonceHeader     = "Nonce"
	SignatureHeader = "Signature"

	// SessionLength is the fixed size of server-issued session tokens. Job
	// ids use a different, longer format; the two namespaces never overlap.
	SessionLength = 40
)

// Scheme tags how the caller identified itself.
type Scheme int

const (
	SchemeUnknown Scheme = iota
	SchemeBasic
	SchemeBearer
	SchemeSessionPair
)

// Grant selects the SQL entry point: owner = username+password login,
// client = pre-authenticated session+key.
type Grant int

const (
	GrantOwner Grant = iota
	GrantClient
)

// TokenType distinguishes access from refresh tokens on Bearer requests.
type TokenType int

const (
	TokenAccess TokenType = iota
	TokenRefresh
)

// Authorization is the parsed identity of one request. It is constructed per
// request and never mutated afterwards.
type Authorization struct {
	Scheme    Scheme
	Grant     Grant
	TokenType TokenType
	Username  string
	Password  string
	Token     string
}

// Parser failures. ErrDenied maps to 401 unauthorized_client, ErrMalformed
// to 400 invalid_request.
var (
	ErrDenied          = errors.New("access denied")
	ErrMalformedHeader = errors.New("malformed authorization header")
)

// ParseHeader parses a raw Authorization header value. The scheme token is
// matched case-insensitively.
func ParseHeader(value string) (Authorization, error) {
	scheme, rest, found := strings.Cut(strings.TrimSpace(value), " ")
	if !found {
		return Authorization{}, ErrDenied
	}
	rest = strings.TrimSpace(rest)

	switch strings.ToLower(scheme) {
	case "basic":
		raw, err := base64.StdEncoding.DecodeString(rest)
		if err != nil {
			return Authorization{}, fmt.Errorf("%w: %v", ErrMalformedHeader, err)
		}
		user, pass, ok := strings.Cut(string(raw), ":")
		if !ok || user == "" || pass == "" {
			return Authorization{}, fmt.Errorf("%w: empty basic credentials", ErrMalformedHeader)
		}
		return Authorization{
			Scheme:   SchemeBasic,
			Grant:    GrantOwner,
			Username: user,
			Password: pass,
		}, nil

	case "bearer":
		if rest == "" {
			return Authorization{}, fmt.Errorf("%w: empty bearer token", ErrMalformedHeader)
		}
		return Authorization{
			Scheme:    SchemeBearer,
			Grant:     GrantClient,
			TokenType: TokenAccess,
			Token:     rest,
		}, nil

	default:
		return Authorization{}, ErrDenied
	}
}

// SessionOf extracts the session token for a request, preferring the Session
// header over the AWS-Session cookie.
func SessionOf(r *http.Request) string {
	if s := r.Header.Get(SessionHeader); s != "" {
		return s
	}
	if c, err := r.Cookie(SessionCookie); err == nil {
		return c.Value
	}
	return ""
}

// KeyOf extracts the API key for a request, preferring the Key header over
// the API-Key cookie.
func KeyOf(r *http.Request) string {
	if k := r.Header.Get(KeyHeader); k != "" {
		return k
	}
	if c, err := r.Cookie(APIKeyCookie); err == nil {
		return c.Value
	}
	return ""
}

// ParseRequest derives the request's Authorization from the Authorization
// header, or from the Session/Key header-cookie pair when the header is
// absent. Exactly one identification scheme is accepted per request.
func ParseRequest(r *http.Request) (Authorization, error) {
	header := r.Header.Get("Authorization")
	if header != "" {
		return ParseHeader(header)
	}

	session := SessionOf(r)
	key := KeyOf(r)

	if session == "" || key == "" {
		return Authorization{}, ErrDenied
	}
	if len(session) != SessionLength {
		return Authorization{}, ErrDenied
	}

	return Authorization{
		Scheme:   SchemeSessionPair,
		Grant:    GrantClient,
		Username: session,
		Password: key,
	}, nil
}
