package oauth

import (
	"context"
	"time"
)

// ClientStore persists OAuth2 client registrations. Create must fail with
// ErrDuplicate on an existing client_id rather than overwrite.
type ClientStore interface {
	// GetClient fetches a client by id. Returns ErrNotFound when absent.
	GetClient(ctx context.Context, clientID string) (*Client, error)
	// GetClientForGrant fetches a client by id, behaving as ErrNotFound when
	// the client's allowed-grant set does not contain gt. This blocks
	// grant-type confusion at the lookup boundary.
	GetClientForGrant(ctx context.Context, clientID string, gt GrantType) (*Client, error)
	// ValidateClient authenticates a client for a grant request. Public
	// clients (empty stored secret) pass with any secret; confidential
	// clients require a matching secret.
	ValidateClient(ctx context.Context, clientID, secret string, gt GrantType) (*Client, error)
	CreateClient(ctx context.Context, client *Client) error
	UpdateClient(ctx context.Context, client *Client) error
	DeleteClient(ctx context.Context, clientID string) error
}

// TokenStore persists the three token families. Every create must fail with
// ErrDuplicate on an identifier collision; the two Consume operations must be
// atomic check-and-revoke so concurrent redemptions of the same credential
// produce exactly one winner.
type TokenStore interface {
	CreateAuthCode(ctx context.Context, code *AuthorizationCode) error
	GetAuthCode(ctx context.Context, code string) (*AuthorizationCode, error)
	// ConsumeAuthCode marks the code revoked and returns it. ErrNotFound when
	// the code is absent or already revoked.
	ConsumeAuthCode(ctx context.Context, code string) (*AuthorizationCode, error)

	CreateAccessToken(ctx context.Context, token *AccessToken) error
	GetAccessToken(ctx context.Context, tokenID string) (*AccessToken, error)
	RevokeAccessToken(ctx context.Context, tokenID string) error

	CreateRefreshToken(ctx context.Context, token *RefreshToken) error
	GetRefreshToken(ctx context.Context, tokenID string) (*RefreshToken, error)
	// ConsumeRefreshToken marks the refresh token revoked and returns it.
	// ErrNotFound when absent or already revoked.
	ConsumeRefreshToken(ctx context.Context, tokenID string) (*RefreshToken, error)

	// DeleteExpiredAuthCodes removes codes with expires_at before cutoff and
	// returns the number removed.
	DeleteExpiredAuthCodes(ctx context.Context, cutoff time.Time) (int64, error)
	// DeleteExpiredRefreshTokens removes refresh tokens with expires_at
	// before cutoff and returns the number removed.
	DeleteExpiredRefreshTokens(ctx context.Context, cutoff time.Time) (int64, error)
}

// PendingStore holds authorize-endpoint state between consent display and the
// user's decision.
type PendingStore interface {
	SavePending(ctx context.Context, pending *PendingAuthorization) error
	GetPending(ctx context.Context, requestID string) (*PendingAuthorization, error)
	UpdatePendingUserID(ctx context.Context, requestID, userID string) error
	DeletePending(ctx context.Context, requestID string) error
}

// Store is the full persistence contract the server is wired with.
type Store interface {
	ClientStore
	TokenStore
	PendingStore
	Ping(ctx context.Context) error
	Close() error
}
