package models

import "fmt"

// ErrorBody is the inner object of the wire error envelope.
type ErrorBody struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// ErrorResponse is the error envelope returned on every failed request:
// {"error":{"code":<int>,"message":"<escaped>"}}
type ErrorResponse struct {
	Error ErrorBody `json:"error"`
}

// NewError builds an error envelope for the given status code and message.
func NewError(code int, message string) ErrorResponse {
	return ErrorResponse{Error: ErrorBody{Code: code, Message: message}}
}

// OAuth2 error codes used in WWW-Authenticate challenges.
const (
	ErrCodeInvalidRequest     = "invalid_request"
	ErrCodeInvalidToken       = "invalid_token"
	ErrCodeUnauthorizedClient = "unauthorized_client"
)

// WWWAuthenticate renders the challenge header value for an authorization
// failure. Bearer challenges carry the OAuth2 error code and description,
// Basic challenges only the realm.
func WWWAuthenticate(bearer bool, code, description string) string {
	if bearer {
		return fmt.Sprintf("Bearer realm=%q, error=%q, error_description=%q", "api", code, description)
	}
	return fmt.Sprintf("Basic realm=%q", "api")
}
