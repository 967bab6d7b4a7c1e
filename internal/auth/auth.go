// Package auth resolves the identity behind a connection or HTTP request.
// Tokens are HS256 JWTs whose payload carries the user id in the "userId"
// claim; the profile summary comes from a Directory.
package auth

import (
	"context"
	"errors"
	"fmt"
)

// ErrAuthenticationFailed is the root of every rejection. Callers that only
// care whether authentication succeeded match on it with errors.Is.
var ErrAuthenticationFailed = errors.New("auth: authentication failed")

var (
	ErrMissingToken     = fmt.Errorf("%w: missing token", ErrAuthenticationFailed)
	ErrInvalidToken     = fmt.Errorf("%w: invalid token", ErrAuthenticationFailed)
	ErrUserNotFound     = fmt.Errorf("%w: user not found", ErrAuthenticationFailed)
	ErrIdentityMismatch = fmt.Errorf("%w: user id does not match token", ErrAuthenticationFailed)
)

// Identity is the authenticated user as seen by the realtime service.
type Identity struct {
	ID        string
	Name      string
	AvatarURL string
}

// Credentials are what a client presents. UserID is optional; when set it
// must match the token subject.
type Credentials struct {
	Token  string
	UserID string
}

// Authenticator turns credentials into an identity or rejects them with an
// error wrapping ErrAuthenticationFailed.
type Authenticator interface {
	Authenticate(ctx context.Context, creds Credentials) (Identity, error)
}

// AuthenticatorFunc adapts a function to the Authenticator interface.
type AuthenticatorFunc func(ctx context.Context, creds Credentials) (Identity, error)

// Authenticate calls f.
func (f AuthenticatorFunc) Authenticate(ctx context.Context, creds Credentials) (Identity, error) {
	return f(ctx, creds)
}
