// Package mock provides a test double for the idp.Provider interface.
//
// Use Provider to script authentication outcomes and to verify which
// credentials and tokens the server passes to the identity backend.
package mock

import (
	"context"
	"sync"
	"time"

	"github.com/lingocast/lingocast/pkg/provider/idp"
)

// CredentialsCall records a single invocation of AuthenticateCredentials.
type CredentialsCall struct {
	Username string
	Password string
}

// TokenCall records a single invocation of AuthenticateToken.
type TokenCall struct {
	AccessToken string
}

// RefreshCall records a single invocation of Refresh.
type RefreshCall struct {
	RefreshToken string
}

// Provider is a mock implementation of idp.Provider.
//
// The zero value accepts any credentials and mints deterministic identities
// derived from the username; set the Err fields or Accounts map to script
// other outcomes.
type Provider struct {
	mu sync.Mutex

	// --- Configurable responses ---

	// Accounts maps username to the result returned for that user. When nil,
	// any username authenticates and the AdminID is "admin-" + username.
	Accounts map[string]*idp.AuthResult

	// CredentialsErr, if non-nil, is returned from AuthenticateCredentials.
	CredentialsErr error

	// TokenErr, if non-nil, is returned from AuthenticateToken.
	TokenErr error

	// RefreshErr, if non-nil, is returned from Refresh.
	RefreshErr error

	// TokenTTL is the expiry window for minted tokens. Defaults to one hour.
	TokenTTL time.Duration

	// --- Call records ---

	CredentialsCalls []CredentialsCall
	TokenCalls       []TokenCall
	RefreshCalls     []RefreshCall

	// tokens maps minted access tokens back to their results so that
	// AuthenticateToken round-trips whatever AuthenticateCredentials issued.
	tokens map[string]*idp.AuthResult
}

// Compile-time interface assertion.
var _ idp.Provider = (*Provider)(nil)

// AuthenticateCredentials records the call and returns the scripted result.
func (p *Provider) AuthenticateCredentials(_ context.Context, username, password string) (*idp.AuthResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.CredentialsCalls = append(p.CredentialsCalls, CredentialsCall{Username: username, Password: password})

	if p.CredentialsErr != nil {
		return nil, p.CredentialsErr
	}
	if p.Accounts != nil {
		res, ok := p.Accounts[username]
		if !ok {
			return nil, idp.ErrInvalidCredentials
		}
		p.remember(res)
		return res, nil
	}

	res := &idp.AuthResult{
		Identity: idp.Identity{
			AdminID:  "admin-" + username,
			Username: username,
			Email:    username + "@example.test",
		},
		Tokens: idp.Tokens{
			AccessToken:  "access-" + username,
			RefreshToken: "refresh-" + username,
			ExpiresAt:    time.Now().Add(p.ttl()),
		},
	}
	p.remember(res)
	return res, nil
}

// AuthenticateToken records the call and resolves tokens previously minted by
// AuthenticateCredentials.
func (p *Provider) AuthenticateToken(_ context.Context, accessToken string) (*idp.AuthResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.TokenCalls = append(p.TokenCalls, TokenCall{AccessToken: accessToken})

	if p.TokenErr != nil {
		return nil, p.TokenErr
	}
	if res, ok := p.tokens[accessToken]; ok {
		return res, nil
	}
	return nil, idp.ErrTokenInvalid
}

// Refresh records the call and mints a fresh access token.
func (p *Provider) Refresh(_ context.Context, refreshToken string) (*idp.Tokens, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.RefreshCalls = append(p.RefreshCalls, RefreshCall{RefreshToken: refreshToken})

	if p.RefreshErr != nil {
		return nil, p.RefreshErr
	}
	return &idp.Tokens{
		AccessToken:  "refreshed-" + refreshToken,
		RefreshToken: refreshToken,
		ExpiresAt:    time.Now().Add(p.ttl()),
	}, nil
}

// Reset clears all recorded calls and minted tokens. Thread-safe.
func (p *Provider) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.CredentialsCalls = nil
	p.TokenCalls = nil
	p.RefreshCalls = nil
	p.tokens = nil
}

func (p *Provider) remember(res *idp.AuthResult) {
	if p.tokens == nil {
		p.tokens = make(map[string]*idp.AuthResult)
	}
	p.tokens[res.Tokens.AccessToken] = res
}

func (p *Provider) ttl() time.Duration {
	if p.TokenTTL > 0 {
		return p.TokenTTL
	}
	return time.Hour
}
