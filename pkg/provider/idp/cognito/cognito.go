// Package cognito provides an AWS Cognito-backed identity provider. It
// implements the idp.Provider interface.
//
// Credentials authentication uses the USER_PASSWORD_AUTH flow; token
// authentication verifies the Cognito access token locally against the user
// pool's published JWKS, so no network round-trip is needed on reconnect.
package cognito

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	cip "github.com/aws/aws-sdk-go-v2/service/cognitoidentityprovider"
	ciptypes "github.com/aws/aws-sdk-go-v2/service/cognitoidentityprovider/types"
	"github.com/golang-jwt/jwt/v5"

	"github.com/lingocast/lingocast/pkg/provider/idp"
)

// api is the subset of the Cognito client the provider uses. Narrowed for
// testability.
type api interface {
	InitiateAuth(ctx context.Context, params *cip.InitiateAuthInput, optFns ...func(*cip.Options)) (*cip.InitiateAuthOutput, error)
	GetUser(ctx context.Context, params *cip.GetUserInput, optFns ...func(*cip.Options)) (*cip.GetUserOutput, error)
}

// Option is a functional option for configuring the Cognito Provider.
type Option func(*Provider)

// WithClient overrides the Cognito API client. Used in tests.
func WithClient(c api) Option {
	return func(p *Provider) { p.client = c }
}

// WithKeySet overrides the JWKS used for local token verification.
func WithKeySet(ks *KeySet) Option {
	return func(p *Provider) { p.keys = ks }
}

// Provider implements idp.Provider backed by an AWS Cognito user pool.
type Provider struct {
	client   api
	clientID string
	issuer   string
	keys     *KeySet
}

// Compile-time interface assertion.
var _ idp.Provider = (*Provider)(nil)

// New creates a Cognito Provider for the given region, user pool, and app
// client. All three must be non-empty.
func New(ctx context.Context, region, userPoolID, clientID string, opts ...Option) (*Provider, error) {
	if region == "" || userPoolID == "" || clientID == "" {
		return nil, errors.New("cognito: region, userPoolID, and clientID must not be empty")
	}

	issuer := fmt.Sprintf("https://cognito-idp.%s.amazonaws.com/%s", region, userPoolID)
	p := &Provider{
		clientID: clientID,
		issuer:   issuer,
	}
	for _, o := range opts {
		o(p)
	}

	if p.client == nil {
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
		if err != nil {
			return nil, fmt.Errorf("cognito: load aws config: %w", err)
		}
		p.client = cip.NewFromConfig(awsCfg)
	}
	if p.keys == nil {
		p.keys = NewKeySet(issuer + "/.well-known/jwks.json")
	}
	return p, nil
}

// AuthenticateCredentials runs the USER_PASSWORD_AUTH flow and resolves the
// caller's identity attributes with the returned access token.
func (p *Provider) AuthenticateCredentials(ctx context.Context, username, password string) (*idp.AuthResult, error) {
	out, err := p.client.InitiateAuth(ctx, &cip.InitiateAuthInput{
		AuthFlow: ciptypes.AuthFlowTypeUserPasswordAuth,
		ClientId: aws.String(p.clientID),
		AuthParameters: map[string]string{
			"USERNAME": username,
			"PASSWORD": password,
		},
	})
	if err != nil {
		return nil, mapAuthError(err)
	}
	res := out.AuthenticationResult
	if res == nil || res.AccessToken == nil {
		return nil, fmt.Errorf("cognito: authentication produced no token: %w", idp.ErrInvalidCredentials)
	}

	ident, err := p.lookupIdentity(ctx, *res.AccessToken)
	if err != nil {
		return nil, err
	}

	tokens := idp.Tokens{
		AccessToken: *res.AccessToken,
		ExpiresAt:   time.Now().Add(time.Duration(res.ExpiresIn) * time.Second),
	}
	if res.RefreshToken != nil {
		tokens.RefreshToken = *res.RefreshToken
	}
	return &idp.AuthResult{Identity: ident, Tokens: tokens}, nil
}

// AuthenticateToken verifies the access token's signature, expiry, issuer,
// client, and token_use claim against the pool's JWKS, entirely locally.
func (p *Provider) AuthenticateToken(ctx context.Context, accessToken string) (*idp.AuthResult, error) {
	claims := jwt.MapClaims{}
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{"RS256"}),
		jwt.WithIssuer(p.issuer),
		jwt.WithExpirationRequired(),
	)
	_, err := parser.ParseWithClaims(accessToken, claims, func(tok *jwt.Token) (any, error) {
		kid, _ := tok.Header["kid"].(string)
		if kid == "" {
			return nil, errors.New("token has no kid header")
		}
		return p.keys.Key(ctx, kid)
	})
	switch {
	case err == nil:
	case errors.Is(err, jwt.ErrTokenExpired):
		return nil, fmt.Errorf("cognito: %w", idp.ErrTokenExpired)
	default:
		return nil, fmt.Errorf("cognito: verify token: %v: %w", err, idp.ErrTokenInvalid)
	}

	if use, _ := claims["token_use"].(string); use != "access" {
		return nil, fmt.Errorf("cognito: token_use %q is not an access token: %w", use, idp.ErrTokenInvalid)
	}
	if cid, _ := claims["client_id"].(string); cid != p.clientID {
		return nil, fmt.Errorf("cognito: token was issued for another client: %w", idp.ErrTokenInvalid)
	}

	sub, _ := claims["sub"].(string)
	if sub == "" {
		return nil, fmt.Errorf("cognito: token has no sub claim: %w", idp.ErrTokenInvalid)
	}
	username, _ := claims["username"].(string)

	var expiresAt time.Time
	if exp, err := claims.GetExpirationTime(); err == nil && exp != nil {
		expiresAt = exp.Time
	}

	return &idp.AuthResult{
		Identity: idp.Identity{AdminID: sub, Username: username},
		Tokens:   idp.Tokens{AccessToken: accessToken, ExpiresAt: expiresAt},
	}, nil
}

// Refresh exchanges a refresh token via the REFRESH_TOKEN_AUTH flow.
func (p *Provider) Refresh(ctx context.Context, refreshToken string) (*idp.Tokens, error) {
	out, err := p.client.InitiateAuth(ctx, &cip.InitiateAuthInput{
		AuthFlow: ciptypes.AuthFlowTypeRefreshTokenAuth,
		ClientId: aws.String(p.clientID),
		AuthParameters: map[string]string{
			"REFRESH_TOKEN": refreshToken,
		},
	})
	if err != nil {
		mapped := mapAuthError(err)
		if errors.Is(mapped, idp.ErrInvalidCredentials) {
			// A rejected refresh token means it has expired or been revoked.
			return nil, fmt.Errorf("cognito: refresh rejected: %w", idp.ErrRefreshExpired)
		}
		return nil, mapped
	}
	res := out.AuthenticationResult
	if res == nil || res.AccessToken == nil {
		return nil, fmt.Errorf("cognito: refresh produced no token: %w", idp.ErrRefreshExpired)
	}

	tokens := &idp.Tokens{
		AccessToken: *res.AccessToken,
		ExpiresAt:   time.Now().Add(time.Duration(res.ExpiresIn) * time.Second),
	}
	if res.RefreshToken != nil {
		tokens.RefreshToken = *res.RefreshToken
	} else {
		// Cognito does not rotate refresh tokens; the caller keeps the old one.
		tokens.RefreshToken = refreshToken
	}
	return tokens, nil
}

// lookupIdentity resolves the stable sub and user attributes for a fresh
// access token via GetUser.
func (p *Provider) lookupIdentity(ctx context.Context, accessToken string) (idp.Identity, error) {
	out, err := p.client.GetUser(ctx, &cip.GetUserInput{AccessToken: aws.String(accessToken)})
	if err != nil {
		return idp.Identity{}, mapAuthError(err)
	}

	ident := idp.Identity{}
	if out.Username != nil {
		ident.Username = *out.Username
	}
	for _, attr := range out.UserAttributes {
		if attr.Name == nil || attr.Value == nil {
			continue
		}
		switch *attr.Name {
		case "sub":
			ident.AdminID = *attr.Value
		case "email":
			ident.Email = *attr.Value
		}
	}
	if ident.AdminID == "" {
		return idp.Identity{}, fmt.Errorf("cognito: user record has no sub attribute: %w", idp.ErrTokenInvalid)
	}
	return ident, nil
}

// mapAuthError translates the Cognito error surface onto the idp sentinels.
func mapAuthError(err error) error {
	var notAuth *ciptypes.NotAuthorizedException
	var noUser *ciptypes.UserNotFoundException
	var notConfirmed *ciptypes.UserNotConfirmedException
	var tooMany *ciptypes.TooManyRequestsException

	switch {
	case errors.As(err, &notAuth):
		return fmt.Errorf("cognito: %s: %w", safeMsg(notAuth.Message), idp.ErrInvalidCredentials)
	case errors.As(err, &noUser):
		return fmt.Errorf("cognito: %w", idp.ErrUserNotFound)
	case errors.As(err, &notConfirmed):
		return fmt.Errorf("cognito: user not confirmed: %w", idp.ErrInvalidCredentials)
	case errors.As(err, &tooMany):
		return fmt.Errorf("cognito: throttled: %w", idp.ErrUnavailable)
	default:
		return fmt.Errorf("cognito: %v: %w", err, idp.ErrUnavailable)
	}
}

func safeMsg(m *string) string {
	if m == nil {
		return "not authorized"
	}
	return *m
}
