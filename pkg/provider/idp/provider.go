// Package idp defines the Provider interface for admin identity backends.
//
// An identity provider validates admin credentials and access tokens and
// issues short-lived token pairs. The server never stores secrets, only the
// validated identity tuple returned here. Implementations must be safe for
// concurrent use.
package idp

import (
	"context"
	"errors"
	"time"
)

// Enumerated failure kinds. Implementations map their backend's error surface
// onto exactly these sentinels so callers can branch without knowing the
// backend.
var (
	// ErrInvalidCredentials means the username/password pair was rejected.
	ErrInvalidCredentials = errors.New("idp: invalid credentials")

	// ErrTokenExpired means the access token's expiry has passed.
	ErrTokenExpired = errors.New("idp: access token expired")

	// ErrTokenInvalid means the access token failed structural or signature
	// verification.
	ErrTokenInvalid = errors.New("idp: access token invalid")

	// ErrRefreshExpired means the refresh token can no longer be exchanged.
	ErrRefreshExpired = errors.New("idp: refresh token expired")

	// ErrUserNotFound means the identity does not exist in the provider.
	ErrUserNotFound = errors.New("idp: user not found")

	// ErrUnavailable means the provider could not be reached.
	ErrUnavailable = errors.New("idp: provider unavailable")
)

// Identity is the validated identity tuple for an admin.
type Identity struct {
	// AdminID is the provider's stable opaque identifier (the primary key of
	// the admin identity store).
	AdminID string

	// Username is the display name the admin signs in with.
	Username string

	// Email is the verified email address, when the provider exposes it.
	Email string
}

// Tokens is a token pair with the access token's expiry.
type Tokens struct {
	AccessToken  string
	RefreshToken string
	ExpiresAt    time.Time
}

// AuthResult bundles the identity with its tokens.
type AuthResult struct {
	Identity Identity
	Tokens   Tokens
}

// Provider is the abstraction over any identity backend.
type Provider interface {
	// AuthenticateCredentials validates a display name and secret against the
	// backend and returns the identity with a fresh token pair.
	AuthenticateCredentials(ctx context.Context, username, password string) (*AuthResult, error)

	// AuthenticateToken verifies an access token's signature and expiry
	// locally and returns the identity it names. The returned Tokens carry
	// the same access token and its expiry; no fresh tokens are issued.
	AuthenticateToken(ctx context.Context, accessToken string) (*AuthResult, error)

	// Refresh exchanges a refresh token for a new access token.
	Refresh(ctx context.Context, refreshToken string) (*Tokens, error)
}
