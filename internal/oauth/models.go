package oauth

import (
	"time"

	"golang.org/x/crypto/bcrypt"
)

// GrantType identifies an OAuth2 grant flow.
type GrantType string

const (
	GrantAuthorizationCode GrantType = "authorization_code"
	GrantClientCredentials GrantType = "client_credentials"
	GrantRefreshToken      GrantType = "refresh_token"
)

// SupportedGrantTypes is the fixed set of grants this server implements.
var SupportedGrantTypes = []GrantType{
	GrantAuthorizationCode,
	GrantClientCredentials,
	GrantRefreshToken,
}

// IsSupportedGrantType reports whether value names a grant this server implements.
func IsSupportedGrantType(value string) bool {
	for _, gt := range SupportedGrantTypes {
		if string(gt) == value {
			return true
		}
	}
	return false
}

// Identified is implemented by records addressed by a unique identifier.
type Identified interface {
	Identifier() string
}

// Expiring is implemented by records with an absolute expiry instant.
type Expiring interface {
	Expiry() time.Time
}

// Scoped is implemented by records carrying a granted scope set.
type Scoped interface {
	GrantedScopes() []string
}

// Client is a registered OAuth2 client.
type Client struct {
	ClientID                string
	Name                    string
	SecretHash              string // bcrypt hash; empty for public clients
	RedirectURIs            []string
	GrantTypes              []GrantType
	Scopes                  []string
	Confidential            bool
	RegistrationAccessToken string
	RegistrationClientURI   string
	TokenEndpointAuthMethod string
	Contacts                []string
	ClientURI               string
	LogoURI                 string
	TOSURI                  string
	PolicyURI               string
	SoftwareID              string
	SoftwareVersion         string
	ClientIDIssuedAt        time.Time
	SecretExpiresAt         int64 // unix seconds, 0 = never
	CreatedAt               time.Time
	UpdatedAt               time.Time
}

func (c *Client) Identifier() string      { return c.ClientID }
func (c *Client) GrantedScopes() []string { return c.Scopes }

// VerifySecret checks a presented secret against the stored hash. Public
// clients (no stored hash) accept any value.
func (c *Client) VerifySecret(secret string) bool {
	if c.SecretHash == "" {
		return true
	}
	return bcrypt.CompareHashAndPassword([]byte(c.SecretHash), []byte(secret)) == nil
}

// AllowsGrant reports whether the client may use the given grant type.
func (c *Client) AllowsGrant(gt GrantType) bool {
	for _, allowed := range c.GrantTypes {
		if allowed == gt {
			return true
		}
	}
	return false
}

// AllowsScopes reports whether every requested scope is in the client's
// allowed set.
func (c *Client) AllowsScopes(requested []string) bool {
	for _, want := range requested {
		found := false
		for _, have := range c.Scopes {
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

// AuthorizationCode is a single-use code minted at the authorize endpoint.
type AuthorizationCode struct {
	Code                string
	UserID              string
	ClientID            string
	RedirectURI         string
	Scopes              []string
	CodeChallenge       string
	CodeChallengeMethod string
	Revoked             bool
	CreatedAt           time.Time
	ExpiresAt           time.Time
}

func (c *AuthorizationCode) Identifier() string      { return c.Code }
func (c *AuthorizationCode) Expiry() time.Time       { return c.ExpiresAt }
func (c *AuthorizationCode) GrantedScopes() []string { return c.Scopes }

// AccessToken is an issued access token record. In JWT mode the record backs
// server-side revocation by identifier; the bearer credential itself is the
// signed JWT whose jti equals TokenID.
type AccessToken struct {
	TokenID   string
	ClientID  string
	UserID    string // empty for client_credentials grants
	Scopes    []string
	Revoked   bool
	CreatedAt time.Time
	ExpiresAt time.Time
}

func (t *AccessToken) Identifier() string      { return t.TokenID }
func (t *AccessToken) Expiry() time.Time       { return t.ExpiresAt }
func (t *AccessToken) GrantedScopes() []string { return t.Scopes }

// RefreshToken links a rotating refresh credential to the access token it
// was issued alongside.
type RefreshToken struct {
	TokenID       string
	AccessTokenID string
	Revoked       bool
	CreatedAt     time.Time
	ExpiresAt     time.Time
}

func (t *RefreshToken) Identifier() string { return t.TokenID }
func (t *RefreshToken) Expiry() time.Time  { return t.ExpiresAt }

// PendingAuthorization holds an authorize request between the consent screen
// being shown and the user's decision.
type PendingAuthorization struct {
	RequestID           string
	ClientID            string
	RedirectURI         string
	Scope               string
	State               string
	ResponseType        string
	CodeChallenge       string
	CodeChallengeMethod string
	UserID              string
	CreatedAt           time.Time
	ExpiresAt           time.Time
}

// Identity is the request-scoped result of validating a bearer token.
type Identity struct {
	ClientID  string
	UserID    string
	Scopes    []string
	TokenID   string
	ExpiresAt time.Time
}
