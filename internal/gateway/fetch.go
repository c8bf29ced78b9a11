package gateway

import (
	"errors"
	"fmt"
	"time"

	"github.com/pgbridge/pgbridge/internal/auth"
	"github.com/pgbridge/pgbridge/internal/engine"
)

// ErrBadScheme reports an authorization scheme no SQL entry point accepts.
var ErrBadScheme = errors.New("unsupported authorization scheme")

// QueryContext is the request state bound to a submitted query. The engine
// callback uses it to marshal the reply and to route it back to the
// originating HTTP waiter, WebSocket session, or job record.
type QueryContext struct {
	Path      string
	GrantType string // "owner" or "client"
	TokenType string // "access" or "refresh", Bearer only
	Signed    bool

	// JobID is set for deferred v2 queries; the reply is deposited there
	// when no live connection is waiting.
	JobID string

	// WSIdentity/WSUniqueID correlate the reply to a WebSocket call.
	WSIdentity string
	WSUniqueID string
}

func payloadOrEmpty(payload string) string {
	if payload == "" {
		return "{}"
	}
	return payload
}

// BuildAuthFetch emits the single SQL call for an authorized request. The
// entry point is selected by the authorization scheme: owner credentials go
// to daemon.Fetch, a session/key pair to daemon.AuthFetch, a verified token
// to daemon.TokenFetch.
func BuildAuthFetch(a auth.Authorization, path, payload, agent, host, adminPassword string) (engine.Statement, *QueryContext, error) {
	qc := &QueryContext{Path: path}

	switch a.Scheme {
	case auth.SchemeBasic, auth.SchemeSessionPair:
		name := "AuthFetch"
		qc.GrantType = "client"
		if a.Grant == auth.GrantOwner {
			name = "Fetch"
			qc.GrantType = "owner"
		}
		return engine.Statement{
			SQL:  fmt.Sprintf("SELECT * FROM daemon.%s($1, $2, $3, $4::jsonb, $5, $6);", name),
			Args: []any{a.Username, a.Password, path, payloadOrEmpty(payload), agent, host},
		}, qc, nil

	case auth.SchemeBearer:
		qc.GrantType = "client"
		qc.TokenType = "access"
		if a.TokenType == auth.TokenRefresh {
			qc.TokenType = "refresh"
		}
		return engine.Statement{
			SQL:  "SELECT * FROM daemon.TokenFetch($1, $2, $3, $4::jsonb, $5, $6);",
			Args: []any{adminPassword, a.Token, path, payloadOrEmpty(payload), agent, host},
		}, qc, nil

	default:
		return engine.Statement{}, nil, ErrBadScheme
	}
}

// BuildSignFetch emits the SQL call for a signed request. The signature and
// receive window are enforced by the SQL side; the dispatcher has already
// refused nonces outside the window.
func BuildSignFetch(path, payload, session, nonce, signature, agent, host string, window time.Duration) (engine.Statement, *QueryContext) {
	qc := &QueryContext{Path: path, Signed: true}
	return engine.Statement{
		SQL: "SELECT * FROM daemon.SignFetch($1, $2::json, $3, $4, $5, $6, $7, $8::interval);",
		Args: []any{
			path, payloadOrEmpty(payload), session, nonce, signature, agent, host,
			fmt.Sprintf("%d milliseconds", window.Milliseconds()),
		},
	}, qc
}

// BuildSignIn emits the unauthenticated sign-in call.
func BuildSignIn(payload, agent, host string) (engine.Statement, *QueryContext) {
	return engine.Statement{
		SQL:  "SELECT * FROM daemon.SignIn($1::jsonb, $2, $3);",
		Args: []any{payloadOrEmpty(payload), agent, host},
	}, &QueryContext{Path: "/sign/in", GrantType: "owner"}
}

// BuildSignUp emits the unauthenticated sign-up call, performed under the
// admin account.
func BuildSignUp(adminPassword, payload string) (engine.Statement, *QueryContext) {
	return engine.Statement{
		SQL:  "SELECT * FROM daemon.SignUp($1, $2, $3::jsonb);",
		Args: []any{"admin", adminPassword, payloadOrEmpty(payload)},
	}, &QueryContext{Path: "/sign/up", GrantType: "owner"}
}

// BuildAuthorize emits the session validation call used before serving
// authenticated resources.
func BuildAuthorize(session string) engine.Statement {
	return engine.Statement{
		SQL:  "SELECT * FROM daemon.Authorize($1);",
		Args: []any{session},
	}
}
