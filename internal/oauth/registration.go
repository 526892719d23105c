package oauth

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
)

// RegistrationRequest is the RFC 7591 client metadata document accepted by
// the registration endpoint.
type RegistrationRequest struct {
	ClientName              string   `json:"client_name"`
	RedirectURIs            []string `json:"redirect_uris"`
	GrantTypes              []string `json:"grant_types"`
	Scope                   string   `json:"scope"`
	TokenEndpointAuthMethod string   `json:"token_endpoint_auth_method"`
	Contacts                []string `json:"contacts"`
	ClientURI               string   `json:"client_uri"`
	LogoURI                 string   `json:"logo_uri"`
	TOSURI                  string   `json:"tos_uri"`
	PolicyURI               string   `json:"policy_uri"`
	SoftwareID              string   `json:"software_id"`
	SoftwareVersion         string   `json:"software_version"`
}

// RegistrationPatch carries the fields a client may change on its own record
// through the configuration sub-resource.
type RegistrationPatch struct {
	ClientName   string   `json:"client_name"`
	RedirectURIs []string `json:"redirect_uris"`
	GrantTypes   []string `json:"grant_types"`
	Scope        string   `json:"scope"`
}

// Registration implements RFC 7591 dynamic client registration on top of a
// ClientStore.
type Registration struct {
	clients ClientStore
	scopes  *ScopeRegistry
}

// NewRegistration creates the registration service.
func NewRegistration(clients ClientStore, scopes *ScopeRegistry) *Registration {
	return &Registration{clients: clients, scopes: scopes}
}

func invalidRedirectURI(value string) *Error {
	return &Error{Code: "invalid_redirect_uri", Description: fmt.Sprintf("Invalid redirect_uri: %s", value)}
}

func invalidClientMetadata(description string) *Error {
	return &Error{Code: "invalid_client_metadata", Description: description}
}

// Register validates the metadata document, mints credentials, and persists
// the new client. The returned secret is the only time the plaintext is
// available; the stored record keeps a bcrypt hash.
func (r *Registration) Register(ctx context.Context, req *RegistrationRequest, baseURL string) (*Client, string, error) {
	for _, raw := range req.RedirectURIs {
		u, err := url.Parse(raw)
		if err != nil || !u.IsAbs() || u.Host == "" {
			return nil, "", invalidRedirectURI(raw)
		}
	}

	grants := make([]GrantType, 0, len(req.GrantTypes))
	for _, raw := range req.GrantTypes {
		if !IsSupportedGrantType(raw) {
			return nil, "", invalidClientMetadata(fmt.Sprintf("Unsupported grant_type: %s", raw))
		}
		grants = append(grants, GrantType(raw))
	}
	if len(grants) == 0 {
		grants = []GrantType{GrantAuthorizationCode}
	}

	scopes := SplitScope(req.Scope)
	if len(scopes) == 0 {
		scopes = r.scopes.IDs()
	} else if err := r.scopes.Validate(scopes); err != nil {
		return nil, "", err
	}

	authMethod := req.TokenEndpointAuthMethod
	if authMethod == "" {
		authMethod = "client_secret_basic"
	}
	confidential := authMethod != "none"

	var secret, secretHash string
	if confidential {
		plain, err := RandomString(32)
		if err != nil {
			return nil, "", InternalError("failed to generate client secret")
		}
		hash, err := bcrypt.GenerateFromPassword([]byte(plain), bcrypt.DefaultCost)
		if err != nil {
			return nil, "", InternalError("failed to hash client secret")
		}
		secret = plain
		secretHash = string(hash)
	}

	registrationToken, err := RandomString(32)
	if err != nil {
		return nil, "", InternalError("failed to generate registration access token")
	}

	now := time.Now()
	client := &Client{
		Name:                    req.ClientName,
		SecretHash:              secretHash,
		RedirectURIs:            req.RedirectURIs,
		GrantTypes:              grants,
		Scopes:                  scopes,
		Confidential:            confidential,
		RegistrationAccessToken: registrationToken,
		TokenEndpointAuthMethod: authMethod,
		Contacts:                req.Contacts,
		ClientURI:               req.ClientURI,
		LogoURI:                 req.LogoURI,
		TOSURI:                  req.TOSURI,
		PolicyURI:               req.PolicyURI,
		SoftwareID:              req.SoftwareID,
		SoftwareVersion:         req.SoftwareVersion,
		ClientIDIssuedAt:        now,
		CreatedAt:               now,
	}

	for attempt := 0; attempt < maxIdentifierAttempts; attempt++ {
		client.ClientID = uuid.NewString()
		client.RegistrationClientURI = registrationClientURI(baseURL, client.ClientID)
		err = r.clients.CreateClient(ctx, client)
		if err == nil {
			return client, secret, nil
		}
		if !errors.Is(err, ErrDuplicate) {
			return nil, "", err
		}
	}
	return nil, "", InternalError("identifier space exhausted")
}

// Get returns the client record when the presented registration access token
// matches. Comparison is constant-time.
func (r *Registration) Get(ctx context.Context, clientID, registrationToken string) (*Client, error) {
	return r.authorize(ctx, clientID, registrationToken)
}

// Update merges the patch into the stored record and re-persists it.
func (r *Registration) Update(ctx context.Context, clientID, registrationToken string, patch *RegistrationPatch) (*Client, error) {
	client, err := r.authorize(ctx, clientID, registrationToken)
	if err != nil {
		return nil, err
	}

	if patch.ClientName != "" {
		client.Name = patch.ClientName
	}
	if len(patch.RedirectURIs) > 0 {
		for _, raw := range patch.RedirectURIs {
			u, err := url.Parse(raw)
			if err != nil || !u.IsAbs() || u.Host == "" {
				return nil, invalidRedirectURI(raw)
			}
		}
		client.RedirectURIs = patch.RedirectURIs
	}
	if len(patch.GrantTypes) > 0 {
		grants := make([]GrantType, 0, len(patch.GrantTypes))
		for _, raw := range patch.GrantTypes {
			if !IsSupportedGrantType(raw) {
				return nil, invalidClientMetadata(fmt.Sprintf("Unsupported grant_type: %s", raw))
			}
			grants = append(grants, GrantType(raw))
		}
		client.GrantTypes = grants
	}
	if patch.Scope != "" {
		scopes := SplitScope(patch.Scope)
		if err := r.scopes.Validate(scopes); err != nil {
			return nil, err
		}
		client.Scopes = scopes
	}

	if err := r.clients.UpdateClient(ctx, client); err != nil {
		return nil, err
	}
	return client, nil
}

// Delete removes the client record. Outstanding tokens are left to expire on
// their own schedule.
func (r *Registration) Delete(ctx context.Context, clientID, registrationToken string) error {
	if _, err := r.authorize(ctx, clientID, registrationToken); err != nil {
		return err
	}
	return r.clients.DeleteClient(ctx, clientID)
}

func (r *Registration) authorize(ctx context.Context, clientID, registrationToken string) (*Client, error) {
	client, err := r.clients.GetClient(ctx, clientID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, Unauthorized("invalid registration access token")
		}
		return nil, err
	}
	if client.RegistrationAccessToken == "" || !SecureCompare(registrationToken, client.RegistrationAccessToken) {
		return nil, Unauthorized("invalid registration access token")
	}
	return client, nil
}

// ToRegistrationResponse renders the RFC 7591 response document. The secret
// argument is the plaintext issued at registration time; it is empty on reads
// of an existing record and for public clients.
func ToRegistrationResponse(client *Client, secret string) map[string]interface{} {
	resp := map[string]interface{}{
		"client_id":                 client.ClientID,
		"client_secret":             secret,
		"registration_access_token": client.RegistrationAccessToken,
		"registration_client_uri":   client.RegistrationClientURI,
		"client_id_issued_at":       client.ClientIDIssuedAt.Unix(),
	}
	if client.SecretExpiresAt != 0 {
		resp["client_secret_expires_at"] = client.SecretExpiresAt
	}
	if client.Name != "" {
		resp["client_name"] = client.Name
	}
	if len(client.RedirectURIs) > 0 {
		resp["redirect_uris"] = client.RedirectURIs
	}
	if len(client.GrantTypes) > 0 {
		grants := make([]string, len(client.GrantTypes))
		for i, gt := range client.GrantTypes {
			grants[i] = string(gt)
		}
		resp["grant_types"] = grants
	}
	if len(client.Scopes) > 0 {
		resp["scope"] = JoinScope(client.Scopes)
	}
	if client.TokenEndpointAuthMethod != "" {
		resp["token_endpoint_auth_method"] = client.TokenEndpointAuthMethod
	}
	if len(client.Contacts) > 0 {
		resp["contacts"] = client.Contacts
	}
	if client.ClientURI != "" {
		resp["client_uri"] = client.ClientURI
	}
	if client.LogoURI != "" {
		resp["logo_uri"] = client.LogoURI
	}
	if client.TOSURI != "" {
		resp["tos_uri"] = client.TOSURI
	}
	if client.PolicyURI != "" {
		resp["policy_uri"] = client.PolicyURI
	}
	if client.SoftwareID != "" {
		resp["software_id"] = client.SoftwareID
	}
	if client.SoftwareVersion != "" {
		resp["software_version"] = client.SoftwareVersion
	}
	return resp
}

func registrationClientURI(baseURL, clientID string) string {
	return strings.TrimSuffix(baseURL, "/") + "/oauth/register/" + clientID
}
