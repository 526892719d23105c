package oauth

import (
	"context"
	"crypto/rsa"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// maxIdentifierAttempts bounds the collision retry loop. Exhausting it means
// the identifier space is effectively unavailable and issuance fails as an
// internal error.
const maxIdentifierAttempts = 5

const identifierBytes = 32

// EventSink receives token lifecycle notifications. Implementations must not
// block issuance; failures are the sink's problem.
type EventSink interface {
	Emit(ctx context.Context, event Event)
}

// Event describes a token lifecycle transition for the host application.
type Event struct {
	Type     string `json:"type"`
	ClientID string `json:"client_id,omitempty"`
	UserID   string `json:"user_id,omitempty"`
	TokenID  string `json:"token_id,omitempty"`
	Count    int64  `json:"count,omitempty"`
}

// Issuer mints authorization codes, access tokens, and refresh tokens.
type Issuer struct {
	cfg    Config
	store  TokenStore
	scopes *ScopeRegistry
	keys   *KeyManager // nil unless JWT mode
	events EventSink   // optional
}

// NewIssuer creates a token issuer. keys may be nil when cfg.JWTMode is off;
// events may be nil.
func NewIssuer(cfg Config, store TokenStore, scopes *ScopeRegistry, keys *KeyManager, events EventSink) (*Issuer, error) {
	if cfg.JWTMode && keys == nil {
		return nil, fmt.Errorf("JWT mode requires a signing key")
	}
	return &Issuer{cfg: cfg, store: store, scopes: scopes, keys: keys, events: events}, nil
}

// accessTokenClaims is the RFC 9068 claim set. The scopes claim duplicates
// scope for older resource servers that predate the standard name.
type accessTokenClaims struct {
	jwt.RegisteredClaims
	ClientID     string `json:"client_id"`
	Scope        string `json:"scope"`
	LegacyScopes string `json:"scopes"`
}

// IssueAccessToken mints an access token for client with the given scopes and
// optional subject. The returned bearer string is the credential to hand to
// the caller: the opaque identifier, or the signed JWT in JWT mode.
func (i *Issuer) IssueAccessToken(ctx context.Context, client *Client, scopes []string, subject string) (*AccessToken, string, error) {
	if err := i.scopes.Validate(scopes); err != nil {
		return nil, "", err
	}
	if !client.AllowsScopes(scopes) {
		return nil, "", InvalidScope("requested scope exceeds client grant")
	}

	now := time.Now()
	token := &AccessToken{
		ClientID:  client.ClientID,
		UserID:    subject,
		Scopes:    scopes,
		CreatedAt: now,
		ExpiresAt: now.Add(i.cfg.AccessTokenTTL),
	}

	err := i.createWithFreshID(ctx, func(id string) error {
		token.TokenID = id
		return i.store.CreateAccessToken(ctx, token)
	})
	if err != nil {
		return nil, "", err
	}

	bearer := token.TokenID
	if i.cfg.JWTMode {
		signed, err := i.signAccessToken(token)
		if err != nil {
			return nil, "", InternalError("failed to sign access token")
		}
		bearer = signed
	}

	i.emit(ctx, Event{Type: "access_token.issued", ClientID: token.ClientID, UserID: token.UserID, TokenID: token.TokenID})
	return token, bearer, nil
}

// IssueRefreshToken mints a refresh token linked to an access token.
func (i *Issuer) IssueRefreshToken(ctx context.Context, access *AccessToken) (*RefreshToken, error) {
	now := time.Now()
	token := &RefreshToken{
		AccessTokenID: access.TokenID,
		CreatedAt:     now,
		ExpiresAt:     now.Add(i.cfg.RefreshTokenTTL),
	}

	err := i.createWithFreshID(ctx, func(id string) error {
		token.TokenID = id
		return i.store.CreateRefreshToken(ctx, token)
	})
	if err != nil {
		return nil, err
	}

	i.emit(ctx, Event{Type: "refresh_token.issued", ClientID: access.ClientID, TokenID: token.TokenID})
	return token, nil
}

// IssueAuthorizationCode mints a short-lived single-use code after consent.
func (i *Issuer) IssueAuthorizationCode(ctx context.Context, client *Client, subject, redirectURI string, scopes []string, codeChallenge, codeChallengeMethod string) (*AuthorizationCode, error) {
	if err := i.scopes.Validate(scopes); err != nil {
		return nil, err
	}
	if !client.AllowsScopes(scopes) {
		return nil, InvalidScope("requested scope exceeds client grant")
	}

	now := time.Now()
	code := &AuthorizationCode{
		UserID:              subject,
		ClientID:            client.ClientID,
		RedirectURI:         redirectURI,
		Scopes:              scopes,
		CodeChallenge:       codeChallenge,
		CodeChallengeMethod: codeChallengeMethod,
		CreatedAt:           now,
		ExpiresAt:           now.Add(i.cfg.AuthCodeTTL),
	}

	err := i.createWithFreshID(ctx, func(id string) error {
		code.Code = id
		return i.store.CreateAuthCode(ctx, code)
	})
	if err != nil {
		return nil, err
	}
	return code, nil
}

// Validate resolves a bearer credential into the identity it carries. In JWT
// mode this is signature and claim verification plus a revocation check by
// jti; in opaque mode it is a store lookup.
func (i *Issuer) Validate(ctx context.Context, bearer string) (*Identity, error) {
	if i.cfg.JWTMode {
		return i.validateJWT(ctx, bearer)
	}
	return i.validateOpaque(ctx, bearer)
}

// Revoke marks an access token revoked by identifier and, in either mode,
// ends its usability at the gate.
func (i *Issuer) Revoke(ctx context.Context, tokenID string) error {
	if err := i.store.RevokeAccessToken(ctx, tokenID); err != nil {
		return err
	}
	i.emit(ctx, Event{Type: "access_token.revoked", TokenID: tokenID})
	return nil
}

func (i *Issuer) validateOpaque(ctx context.Context, bearer string) (*Identity, error) {
	token, err := i.store.GetAccessToken(ctx, bearer)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, Unauthorized("unknown access token")
		}
		return nil, err
	}
	if token.Revoked {
		return nil, Unauthorized("token revoked")
	}
	if time.Now().After(token.ExpiresAt) {
		return nil, Unauthorized("token expired")
	}
	return &Identity{
		ClientID:  token.ClientID,
		UserID:    token.UserID,
		Scopes:    token.Scopes,
		TokenID:   token.TokenID,
		ExpiresAt: token.ExpiresAt,
	}, nil
}

func (i *Issuer) validateJWT(ctx context.Context, bearer string) (*Identity, error) {
	claims := &accessTokenClaims{}
	token, err := jwt.ParseWithClaims(bearer, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodRSA); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return i.keys.PublicKey(), nil
	}, jwt.WithIssuer(i.cfg.Issuer), jwt.WithAudience(i.cfg.Resource))
	if err != nil || !token.Valid {
		return nil, Unauthorized("token verification failed")
	}

	if claims.ID == "" {
		return nil, Unauthorized("token missing jti")
	}

	// A revocation record by jti overrides an otherwise-valid signature.
	// A missing record is fine: it may already have been cleaned up.
	record, err := i.store.GetAccessToken(ctx, claims.ID)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, err
	}
	if record != nil && record.Revoked {
		return nil, Unauthorized("token revoked")
	}

	var expiresAt time.Time
	if claims.ExpiresAt != nil {
		expiresAt = claims.ExpiresAt.Time
	}
	return &Identity{
		ClientID:  claims.ClientID,
		UserID:    claims.Subject,
		Scopes:    SplitScope(claims.Scope),
		TokenID:   claims.ID,
		ExpiresAt: expiresAt,
	}, nil
}

func (i *Issuer) signAccessToken(token *AccessToken) (string, error) {
	scope := JoinScope(token.Scopes)
	claims := accessTokenClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    i.cfg.Issuer,
			Audience:  jwt.ClaimStrings{i.cfg.Resource},
			ID:        token.TokenID,
			Subject:   token.UserID,
			IssuedAt:  jwt.NewNumericDate(token.CreatedAt),
			NotBefore: jwt.NewNumericDate(token.CreatedAt),
			ExpiresAt: jwt.NewNumericDate(token.ExpiresAt),
		},
		ClientID:     token.ClientID,
		Scope:        scope,
		LegacyScopes: scope,
	}

	jwtToken := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	jwtToken.Header["kid"] = i.keys.KID()
	jwtToken.Header["typ"] = "at+jwt"
	return jwtToken.SignedString(i.keys.PrivateKey())
}

// createWithFreshID runs create with newly generated identifiers until it
// succeeds or the retry budget is spent. Only ErrDuplicate triggers a retry.
func (i *Issuer) createWithFreshID(ctx context.Context, create func(id string) error) error {
	for attempt := 0; attempt < maxIdentifierAttempts; attempt++ {
		id, err := RandomString(identifierBytes)
		if err != nil {
			return InternalError("failed to generate identifier")
		}
		err = create(id)
		if err == nil {
			return nil
		}
		if !errors.Is(err, ErrDuplicate) {
			return err
		}
	}
	return InternalError("identifier space exhausted")
}

func (i *Issuer) emit(ctx context.Context, event Event) {
	if i.events != nil {
		i.events.Emit(ctx, event)
	}
}

// SigningKey exposes the public key for JWKS rendering; nil in opaque mode.
func (i *Issuer) SigningKey() *rsa.PublicKey {
	if i.keys == nil {
		return nil
	}
	return i.keys.PublicKey()
}
