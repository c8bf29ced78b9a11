package auth

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

var tokenTracer = otel.Tracer("token-verifier")

// Verification outcomes. The dispatcher maps these to HTTP at the edge:
// ErrTokenExpired -> 403 invalid_token, ErrTokenInvalidSignature /
// ErrTokenInvalidIssuer / ErrTokenInvalidAudience -> 401 invalid_token,
// ErrTokenMalformed -> 400 invalid_request.
var (
	ErrTokenExpired          = errors.New("token expired")
	ErrTokenInvalidSignature = errors.New("token signature invalid")
	ErrTokenInvalidIssuer    = errors.New("token does not contain the required issuer")
	ErrTokenInvalidAudience  = errors.New("token does not contain the required audience")
	ErrTokenMalformed        = errors.New("token malformed")
)

// supported signature algorithms, keyed by the JOSE alg header.
var knownAlgs = map[string]bool{
	"HS256": true, "HS384": true, "HS512": true,
	"RS256": true, "RS384": true, "RS512": true,
	"ES256": true, "ES384": true, "ES512": true,
	"PS256": true, "PS384": true, "PS512": true,
}

// Verifier validates third-party JWTs against the configured providers and
// normalizes them under the server's own HS256 secret. SQL never sees a
// third-party signature.
type Verifier struct {
	store  *Store
	secret []byte
	tracer trace.Tracer
}

// NewVerifier creates a verifier over the provider store. secret is the
// server-wide HS256 signing secret.
func NewVerifier(store *Store, secret string) *Verifier {
	return &Verifier{
		store:  store,
		secret: []byte(secret),
		tracer: tokenTracer,
	}
}

// Verify checks the token's audience, issuer and signature and, on success,
// returns the clean token: header fixed to {"alg":"HS256","typ":"JWT"}, the
// payload preserved byte-for-byte, signed with the server secret.
func (v *Verifier) Verify(ctx context.Context, token string) (string, error) {
	_, span := v.tracer.Start(ctx, "token.verify")
	defer span.End()

	parser := jwt.NewParser()

	decoded, _, err := parser.ParseUnverified(token, jwt.MapClaims{})
	if err != nil {
		span.RecordError(err)
		return "", fmt.Errorf("%w: %v", ErrTokenMalformed, err)
	}

	aud, err := decoded.Claims.GetAudience()
	if err != nil || len(aud) == 0 {
		return "", ErrTokenInvalidAudience
	}

	var provider *Provider
	for _, a := range aud {
		if p, ok := v.store.FindByAudience(a); ok {
			provider = p
			span.SetAttributes(attribute.String("token.audience", a))
			break
		}
	}
	if provider == nil {
		return "", ErrTokenInvalidAudience
	}

	iss, err := decoded.Claims.GetIssuer()
	if err != nil || !provider.HasIssuer(iss) {
		return "", ErrTokenInvalidIssuer
	}

	alg, _ := decoded.Header["alg"].(string)
	if !knownAlgs[alg] {
		return "", fmt.Errorf("%w: unsupported algorithm %q", ErrTokenInvalidSignature, alg)
	}
	span.SetAttributes(attribute.String("token.alg", alg))

	key, err := v.verificationKey(provider, decoded, alg)
	if err != nil {
		return "", err
	}

	checked := jwt.NewParser(jwt.WithValidMethods([]string{alg}))
	if _, err := checked.Parse(token, func(*jwt.Token) (any, error) { return key, nil }); err != nil {
		span.RecordError(err)
		switch {
		case errors.Is(err, jwt.ErrTokenExpired):
			return "", ErrTokenExpired
		case errors.Is(err, jwt.ErrTokenMalformed):
			return "", fmt.Errorf("%w: %v", ErrTokenMalformed, err)
		default:
			return "", fmt.Errorf("%w: %v", ErrTokenInvalidSignature, err)
		}
	}

	return v.cleanToken(token)
}

// verificationKey selects the key material for the token's algorithm family:
// the provider's shared secret for HS, the public key named by kid for the
// asymmetric families.
func (v *Verifier) verificationKey(provider *Provider, decoded *jwt.Token, alg string) (any, error) {
	if strings.HasPrefix(alg, "HS") {
		secret := provider.Secret
		if secret == "" {
			return nil, fmt.Errorf("%w: no secret for provider %s", ErrTokenInvalidSignature, provider.ID)
		}
		return []byte(secret), nil
	}

	kid, _ := decoded.Header["kid"].(string)
	pem, ok := provider.Key(kid)
	if !ok {
		return nil, fmt.Errorf("%w: unknown key id %q", ErrTokenInvalidSignature, kid)
	}

	if strings.HasPrefix(alg, "ES") {
		key, err := jwt.ParseECPublicKeyFromPEM([]byte(pem))
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrTokenInvalidSignature, err)
		}
		return key, nil
	}

	key, err := jwt.ParseRSAPublicKeyFromPEM([]byte(pem))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTokenInvalidSignature, err)
	}
	return key, nil
}

// cleanToken re-signs the token's payload segment under the server secret.
func (v *Verifier) cleanToken(token string) (string, error) {
	parts := strings.Split(token, ".")
	if len(parts) != 3 {
		return "", ErrTokenMalformed
	}

	header := base64.RawURLEncoding.EncodeToString([]byte(`{"alg":"HS256","typ":"JWT"}`))
	signing := header + "." + parts[1]

	sig, err := jwt.SigningMethodHS256.Sign(signing, v.secret)
	if err != nil {
		return "", fmt.Errorf("sign clean token: %w", err)
	}

	return signing + "." + base64.RawURLEncoding.EncodeToString(sig), nil
}

