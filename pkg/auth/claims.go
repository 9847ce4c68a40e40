package auth

import (
	"context"
	"errors"

	"github.com/golang-jwt/jwt/v5"
)

// ErrInvalidToken is returned for any bearer token that fails verification.
var ErrInvalidToken = errors.New("invalid token")

// Identity is the authenticated caller attached to a request.
type Identity struct {
	UserID string
	Email  string
}

// Verifier validates a bearer token and returns the caller it names.
type Verifier interface {
	Verify(ctx context.Context, token string) (*Identity, error)
}

// AccessTokenClaims represents the HS256 token used outside production.
type AccessTokenClaims struct {
	Email string `json:"email,omitempty"`
	jwt.RegisteredClaims
}
