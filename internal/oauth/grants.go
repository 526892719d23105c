package oauth

import (
	"context"
	"errors"
	"time"
)

// TokenRequest carries the parsed body of a token-endpoint call.
type TokenRequest struct {
	GrantType    string
	ClientID     string
	ClientSecret string
	Code         string
	RedirectURI  string
	CodeVerifier string
	RefreshToken string
	Scope        string
}

// TokenResponse is the token-endpoint success body.
type TokenResponse struct {
	AccessToken  string `json:"access_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int64  `json:"expires_in"`
	RefreshToken string `json:"refresh_token,omitempty"`
	Scope        string `json:"scope,omitempty"`
}

type grantProcessor func(ctx context.Context, req *TokenRequest) (*TokenResponse, error)

// GrantHandler dispatches token requests to per-grant processors. The
// dispatch table is resolved once at construction.
type GrantHandler struct {
	cfg        Config
	clients    ClientStore
	tokens     TokenStore
	issuer     *Issuer
	processors map[GrantType]grantProcessor
}

// NewGrantHandler wires the grant processors.
func NewGrantHandler(cfg Config, clients ClientStore, tokens TokenStore, issuer *Issuer) *GrantHandler {
	h := &GrantHandler{cfg: cfg, clients: clients, tokens: tokens, issuer: issuer}
	h.processors = map[GrantType]grantProcessor{
		GrantClientCredentials: h.processClientCredentials,
		GrantAuthorizationCode: h.processAuthorizationCode,
		GrantRefreshToken:      h.processRefreshToken,
	}
	return h
}

// Process validates and executes a token request.
func (h *GrantHandler) Process(ctx context.Context, req *TokenRequest) (*TokenResponse, error) {
	processor, ok := h.processors[GrantType(req.GrantType)]
	if !ok {
		return nil, UnsupportedGrantType(req.GrantType)
	}
	if req.ClientID == "" {
		return nil, InvalidRequest("client_id is required")
	}
	return processor(ctx, req)
}

func (h *GrantHandler) processClientCredentials(ctx context.Context, req *TokenRequest) (*TokenResponse, error) {
	client, err := h.authenticateClient(ctx, req, GrantClientCredentials)
	if err != nil {
		return nil, err
	}

	scopes := SplitScope(req.Scope)
	if len(scopes) == 0 {
		scopes = client.Scopes
	}
	if !client.AllowsScopes(scopes) {
		return nil, InvalidScope("requested scope exceeds client grant")
	}

	access, bearer, err := h.issuer.IssueAccessToken(ctx, client, scopes, "")
	if err != nil {
		return nil, err
	}

	resp := h.tokenResponse(bearer, access)
	if h.cfg.RefreshForClientCredentials && client.AllowsGrant(GrantRefreshToken) {
		refresh, err := h.issuer.IssueRefreshToken(ctx, access)
		if err != nil {
			return nil, err
		}
		resp.RefreshToken = refresh.TokenID
	}
	return resp, nil
}

func (h *GrantHandler) processAuthorizationCode(ctx context.Context, req *TokenRequest) (*TokenResponse, error) {
	if req.Code == "" {
		return nil, InvalidRequest("code is required")
	}

	client, err := h.authenticateClient(ctx, req, GrantAuthorizationCode)
	if err != nil {
		return nil, err
	}

	code, err := h.tokens.GetAuthCode(ctx, req.Code)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, InvalidGrant("invalid authorization code")
		}
		return nil, err
	}
	if code.Revoked {
		return nil, InvalidGrant("authorization code already used")
	}
	if time.Now().After(code.ExpiresAt) {
		return nil, InvalidGrant("authorization code expired")
	}
	if code.ClientID != client.ClientID {
		return nil, InvalidGrant("authorization code was issued to another client")
	}
	if req.RedirectURI == "" || req.RedirectURI != code.RedirectURI {
		return nil, InvalidGrant("redirect_uri mismatch")
	}
	if err := verifyPKCE(code, req.CodeVerifier); err != nil {
		return nil, err
	}

	// Single-use enforcement: exactly one concurrent redemption wins the
	// revoke, and only the winner mints tokens.
	if _, err := h.tokens.ConsumeAuthCode(ctx, req.Code); err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, InvalidGrant("authorization code already used")
		}
		return nil, err
	}

	access, bearer, err := h.issuer.IssueAccessToken(ctx, client, code.Scopes, code.UserID)
	if err != nil {
		return nil, err
	}

	resp := h.tokenResponse(bearer, access)
	if client.AllowsGrant(GrantRefreshToken) {
		refresh, err := h.issuer.IssueRefreshToken(ctx, access)
		if err != nil {
			return nil, err
		}
		resp.RefreshToken = refresh.TokenID
	}
	return resp, nil
}

func (h *GrantHandler) processRefreshToken(ctx context.Context, req *TokenRequest) (*TokenResponse, error) {
	if req.RefreshToken == "" {
		return nil, InvalidRequest("refresh_token is required")
	}

	client, err := h.authenticateClient(ctx, req, GrantRefreshToken)
	if err != nil {
		return nil, err
	}

	refresh, err := h.tokens.GetRefreshToken(ctx, req.RefreshToken)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, InvalidGrant("invalid refresh token")
		}
		return nil, err
	}
	if refresh.Revoked {
		return nil, InvalidGrant("refresh token already used")
	}
	if time.Now().After(refresh.ExpiresAt) {
		return nil, InvalidGrant("refresh token expired")
	}

	prior, err := h.tokens.GetAccessToken(ctx, refresh.AccessTokenID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, InvalidGrant("refresh token has no associated access token")
		}
		return nil, err
	}
	if prior.ClientID != client.ClientID {
		return nil, InvalidGrant("refresh token was issued to another client")
	}

	// Narrowing the scope set is allowed, widening is not.
	scopes := prior.Scopes
	if requested := SplitScope(req.Scope); len(requested) > 0 {
		if !scopeSubset(requested, prior.Scopes) {
			return nil, InvalidScope("requested scope exceeds original grant")
		}
		scopes = requested
	}

	// Rotation: exactly one concurrent redemption wins the revoke.
	if _, err := h.tokens.ConsumeRefreshToken(ctx, req.RefreshToken); err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, InvalidGrant("refresh token already used")
		}
		return nil, err
	}

	// Policy choice: by default the prior access token stays valid until its
	// own expiry and only the refresh chain rotates.
	if h.cfg.RevokeAccessOnRefresh {
		if err := h.tokens.RevokeAccessToken(ctx, prior.TokenID); err != nil && !errors.Is(err, ErrNotFound) {
			return nil, err
		}
	}

	access, bearer, err := h.issuer.IssueAccessToken(ctx, client, scopes, prior.UserID)
	if err != nil {
		return nil, err
	}
	next, err := h.issuer.IssueRefreshToken(ctx, access)
	if err != nil {
		return nil, err
	}

	resp := h.tokenResponse(bearer, access)
	resp.RefreshToken = next.TokenID
	return resp, nil
}

func (h *GrantHandler) authenticateClient(ctx context.Context, req *TokenRequest, gt GrantType) (*Client, error) {
	client, err := h.clients.ValidateClient(ctx, req.ClientID, req.ClientSecret, gt)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, InvalidClient("client authentication failed")
		}
		return nil, err
	}
	return client, nil
}

func (h *GrantHandler) tokenResponse(bearer string, access *AccessToken) *TokenResponse {
	return &TokenResponse{
		AccessToken: bearer,
		TokenType:   "Bearer",
		ExpiresIn:   int64(time.Until(access.ExpiresAt).Seconds()),
		Scope:       JoinScope(access.Scopes),
	}
}

// verifyPKCE recomputes the stored challenge from the presented verifier.
func verifyPKCE(code *AuthorizationCode, verifier string) error {
	if code.CodeChallenge == "" {
		return nil
	}
	if verifier == "" {
		return InvalidGrant("code_verifier is required")
	}
	switch code.CodeChallengeMethod {
	case "", "S256":
		if !SecureCompare(ComputeCodeChallenge(verifier), code.CodeChallenge) {
			return InvalidGrant("code_verifier does not match code_challenge")
		}
	case "plain":
		if !SecureCompare(verifier, code.CodeChallenge) {
			return InvalidGrant("code_verifier does not match code_challenge")
		}
	default:
		return InvalidGrant("unsupported code_challenge_method")
	}
	return nil
}

func scopeSubset(requested, granted []string) bool {
	for _, want := range requested {
		found := false
		for _, have := range granted {
			if have == want {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}
