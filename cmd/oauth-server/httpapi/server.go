// Package httpapi exposes the OAuth2 endpoints over HTTP: token, authorize,
// dynamic client registration, discovery metadata, JWKS, and revocation.
package httpapi

import (
	"encoding/json"
	"fmt"
	"html"
	"log"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/inkwellcms/inkwell-oauth/internal/cache"
	"github.com/inkwellcms/inkwell-oauth/internal/oauth"
)

// Server holds the handler dependencies.
type Server struct {
	cfg          oauth.Config
	store        oauth.Store
	grants       *oauth.GrantHandler
	issuer       *oauth.Issuer
	registration *oauth.Registration
	scopes       *oauth.ScopeRegistry
	keys         *oauth.KeyManager // nil in opaque mode
	identities   *cache.IdentityCache
}

// NewServer wires the HTTP surface.
func NewServer(cfg oauth.Config, store oauth.Store, grants *oauth.GrantHandler, issuer *oauth.Issuer, registration *oauth.Registration, scopes *oauth.ScopeRegistry, keys *oauth.KeyManager, identities *cache.IdentityCache) *Server {
	return &Server{
		cfg:          cfg,
		store:        store,
		grants:       grants,
		issuer:       issuer,
		registration: registration,
		scopes:       scopes,
		keys:         keys,
		identities:   identities,
	}
}

// Routes registers every endpoint on mux.
func (s *Server) Routes(mux *http.ServeMux) {
	mux.HandleFunc("/oauth/token", s.HandleToken)
	mux.HandleFunc("/oauth/authorize", s.HandleAuthorize)
	mux.HandleFunc("/oauth/register", s.HandleRegister)
	mux.HandleFunc("/oauth/register/", s.HandleClientConfig)
	mux.HandleFunc("/oauth/jwks", s.HandleJWKS)
	mux.HandleFunc("/oauth/revoke", s.HandleRevoke)
	mux.HandleFunc("/.well-known/oauth-authorization-server", s.HandleAuthServerMetadata)
	mux.HandleFunc("/.well-known/oauth-protected-resource", s.HandleProtectedResourceMetadata)
	mux.HandleFunc("/api/me", s.HandleMe)
	mux.HandleFunc("/health", s.HandleHealth)
}

// HandleToken processes token-endpoint requests for all supported grants.
func (s *Server) HandleToken(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	req, err := parseTokenRequest(r)
	if err != nil {
		writeOAuthError(w, err)
		return
	}

	resp, err := s.grants.Process(r.Context(), req)
	if err != nil {
		writeOAuthError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// parseTokenRequest accepts form-encoded or JSON bodies; client credentials
// may arrive in the body or as HTTP Basic.
func parseTokenRequest(r *http.Request) (*oauth.TokenRequest, error) {
	req := &oauth.TokenRequest{}

	if strings.HasPrefix(r.Header.Get("Content-Type"), "application/json") {
		var body struct {
			GrantType    string `json:"grant_type"`
			ClientID     string `json:"client_id"`
			ClientSecret string `json:"client_secret"`
			Code         string `json:"code"`
			RedirectURI  string `json:"redirect_uri"`
			CodeVerifier string `json:"code_verifier"`
			RefreshToken string `json:"refresh_token"`
			Scope        string `json:"scope"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			return nil, oauth.InvalidRequest("invalid JSON body")
		}
		req.GrantType = body.GrantType
		req.ClientID = body.ClientID
		req.ClientSecret = body.ClientSecret
		req.Code = body.Code
		req.RedirectURI = body.RedirectURI
		req.CodeVerifier = body.CodeVerifier
		req.RefreshToken = body.RefreshToken
		req.Scope = body.Scope
	} else {
		if err := r.ParseForm(); err != nil {
			return nil, oauth.InvalidRequest("invalid form body")
		}
		req.GrantType = r.FormValue("grant_type")
		req.ClientID = r.FormValue("client_id")
		req.ClientSecret = r.FormValue("client_secret")
		req.Code = r.FormValue("code")
		req.RedirectURI = r.FormValue("redirect_uri")
		req.CodeVerifier = r.FormValue("code_verifier")
		req.RefreshToken = r.FormValue("refresh_token")
		req.Scope = r.FormValue("scope")
	}

	if id, secret, ok := r.BasicAuth(); ok && req.ClientID == "" {
		req.ClientID = id
		req.ClientSecret = secret
	}
	return req, nil
}

// HandleAuthorize displays the consent page on GET and finalizes the user's
// decision on POST.
func (s *Server) HandleAuthorize(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		s.startAuthorization(w, r)
	case http.MethodPost:
		s.finishAuthorization(w, r)
	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Server) startAuthorization(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()

	if rt := query.Get("response_type"); rt != "code" {
		writeOAuthError(w, oauth.InvalidRequest("unsupported response_type"))
		return
	}

	clientID := query.Get("client_id")
	if clientID == "" {
		writeOAuthError(w, oauth.InvalidRequest("client_id is required"))
		return
	}
	client, err := s.store.GetClient(r.Context(), clientID)
	if err != nil {
		writeOAuthError(w, oauth.InvalidClient("unknown client"))
		return
	}
	if !client.AllowsGrant(oauth.GrantAuthorizationCode) {
		writeOAuthError(w, oauth.InvalidClient("client may not use the authorization_code grant"))
		return
	}

	redirectURI := query.Get("redirect_uri")
	if redirectURI == "" || !redirectAllowed(redirectURI, client.RedirectURIs) {
		writeOAuthError(w, oauth.InvalidRequest("redirect_uri not registered for client"))
		return
	}

	scope := strings.TrimSpace(query.Get("scope"))
	scopes := oauth.SplitScope(scope)
	if len(scopes) == 0 {
		scopes = client.Scopes
		scope = oauth.JoinScope(scopes)
	}
	if err := s.scopes.Validate(scopes); err != nil {
		writeOAuthError(w, err)
		return
	}
	if !client.AllowsScopes(scopes) {
		writeOAuthError(w, oauth.InvalidScope("requested scope exceeds client grant"))
		return
	}

	codeChallenge := query.Get("code_challenge")
	codeChallengeMethod := strings.ToUpper(query.Get("code_challenge_method"))
	if codeChallenge != "" && codeChallengeMethod == "" {
		codeChallengeMethod = "S256"
	}
	// Public clients must bind the code to a verifier.
	if codeChallenge == "" && !client.Confidential {
		writeOAuthError(w, oauth.InvalidRequest("PKCE code_challenge is required for public clients"))
		return
	}
	if codeChallenge != "" && codeChallengeMethod != "S256" {
		writeOAuthError(w, oauth.InvalidRequest("only the S256 code_challenge_method is supported"))
		return
	}

	now := time.Now()
	pending := &oauth.PendingAuthorization{
		RequestID:           uuid.NewString(),
		ClientID:            client.ClientID,
		RedirectURI:         redirectURI,
		Scope:               scope,
		State:               query.Get("state"),
		ResponseType:        "code",
		CodeChallenge:       codeChallenge,
		CodeChallengeMethod: codeChallengeMethod,
		CreatedAt:           now,
		ExpiresAt:           now.Add(s.cfg.PendingAuthTTL),
	}
	if err := s.store.SavePending(r.Context(), pending); err != nil {
		log.Printf("authorize: save pending request: %v", err)
		writeOAuthError(w, oauth.InternalError("failed to store authorization request"))
		return
	}

	s.renderConsentPage(w, client, pending)
}

func (s *Server) finishAuthorization(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		writeOAuthError(w, oauth.InvalidRequest("invalid form body"))
		return
	}

	requestID := r.FormValue("request_id")
	if requestID == "" {
		writeOAuthError(w, oauth.InvalidRequest("request_id is required"))
		return
	}

	pending, err := s.store.GetPending(r.Context(), requestID)
	if err != nil {
		writeOAuthError(w, oauth.InvalidRequest("unknown or expired authorization request"))
		return
	}
	defer func() {
		_ = s.store.DeletePending(r.Context(), requestID)
	}()

	if time.Now().After(pending.ExpiresAt) {
		writeOAuthError(w, oauth.InvalidRequest("authorization request expired"))
		return
	}

	if r.FormValue("action") != "approve" {
		http.Redirect(w, r, buildErrorRedirect(pending.RedirectURI, "access_denied", pending.State), http.StatusFound)
		return
	}

	userID := r.FormValue("user_id")
	if userID == "" {
		writeOAuthError(w, oauth.InvalidRequest("user_id is required"))
		return
	}
	if err := s.store.UpdatePendingUserID(r.Context(), requestID, userID); err != nil {
		writeOAuthError(w, oauth.InternalError("failed to record user decision"))
		return
	}

	client, err := s.store.GetClient(r.Context(), pending.ClientID)
	if err != nil {
		writeOAuthError(w, oauth.InvalidClient("unknown client"))
		return
	}

	code, err := s.issuer.IssueAuthorizationCode(r.Context(), client, userID, pending.RedirectURI, oauth.SplitScope(pending.Scope), pending.CodeChallenge, pending.CodeChallengeMethod)
	if err != nil {
		writeOAuthError(w, err)
		return
	}

	http.Redirect(w, r, buildCodeRedirect(pending.RedirectURI, code.Code, pending.State), http.StatusFound)
}

// HandleRegister accepts RFC 7591 registration documents.
func (s *Server) HandleRegister(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req oauth.RegistrationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeOAuthError(w, oauth.InvalidRequest("invalid JSON body"))
		return
	}

	client, secret, err := s.registration.Register(r.Context(), &req, s.cfg.Issuer)
	if err != nil {
		writeOAuthError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, oauth.ToRegistrationResponse(client, secret))
}

// HandleClientConfig serves the registration sub-resource: GET, PUT, and
// DELETE on /oauth/register/{client_id}, authorized by the registration
// access token.
func (s *Server) HandleClientConfig(w http.ResponseWriter, r *http.Request) {
	clientID := strings.TrimPrefix(r.URL.Path, "/oauth/register/")
	if clientID == "" || strings.Contains(clientID, "/") {
		http.NotFound(w, r)
		return
	}
	registrationToken := extractBearer(r)

	switch r.Method {
	case http.MethodGet:
		client, err := s.registration.Get(r.Context(), clientID, registrationToken)
		if err != nil {
			writeOAuthError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, oauth.ToRegistrationResponse(client, ""))
	case http.MethodPut:
		var patch oauth.RegistrationPatch
		if err := json.NewDecoder(r.Body).Decode(&patch); err != nil {
			writeOAuthError(w, oauth.InvalidRequest("invalid JSON body"))
			return
		}
		client, err := s.registration.Update(r.Context(), clientID, registrationToken, &patch)
		if err != nil {
			writeOAuthError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, oauth.ToRegistrationResponse(client, ""))
	case http.MethodDelete:
		if err := s.registration.Delete(r.Context(), clientID, registrationToken); err != nil {
			writeOAuthError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

// HandleJWKS serves the signing public key set. 404 in opaque mode.
func (s *Server) HandleJWKS(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.keys == nil {
		http.NotFound(w, r)
		return
	}
	writeJSON(w, http.StatusOK, s.keys.JWKS())
}

// HandleRevoke accepts RFC 7009 revocation requests. Per the RFC the
// endpoint returns 200 even when the presented token is already invalid.
func (s *Server) HandleRevoke(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if err := r.ParseForm(); err != nil {
		writeOAuthError(w, oauth.InvalidRequest("invalid form body"))
		return
	}

	clientID := r.FormValue("client_id")
	clientSecret := r.FormValue("client_secret")
	if id, secret, ok := r.BasicAuth(); ok && clientID == "" {
		clientID = id
		clientSecret = secret
	}
	if clientID == "" {
		writeOAuthError(w, oauth.InvalidRequest("client_id is required"))
		return
	}
	client, err := s.store.GetClient(r.Context(), clientID)
	if err != nil || !client.VerifySecret(clientSecret) {
		writeOAuthError(w, oauth.InvalidClient("client authentication failed"))
		return
	}

	token := r.FormValue("token")
	if token == "" {
		writeOAuthError(w, oauth.InvalidRequest("token is required"))
		return
	}

	identity, err := s.issuer.Validate(r.Context(), token)
	if err == nil && identity.ClientID == client.ClientID {
		if err := s.issuer.Revoke(r.Context(), identity.TokenID); err != nil {
			log.Printf("revoke: token %s: %v", identity.TokenID, err)
		}
		if s.identities != nil {
			s.identities.Delete(token)
		}
	}
	w.WriteHeader(http.StatusOK)
}

// HandleAuthServerMetadata serves RFC 8414 discovery metadata.
func (s *Server) HandleAuthServerMetadata(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	issuer := strings.TrimSuffix(s.cfg.Issuer, "/")
	grants := make([]string, len(oauth.SupportedGrantTypes))
	for i, gt := range oauth.SupportedGrantTypes {
		grants[i] = string(gt)
	}

	data := map[string]interface{}{
		"issuer":                                issuer,
		"authorization_endpoint":                issuer + "/oauth/authorize",
		"token_endpoint":                        issuer + "/oauth/token",
		"registration_endpoint":                 issuer + "/oauth/register",
		"revocation_endpoint":                   issuer + "/oauth/revoke",
		"response_types_supported":              []string{"code"},
		"grant_types_supported":                 grants,
		"scopes_supported":                      s.scopes.IDs(),
		"code_challenge_methods_supported":      []string{"S256"},
		"token_endpoint_auth_methods_supported": []string{"none", "client_secret_basic", "client_secret_post"},
	}
	if s.keys != nil {
		data["jwks_uri"] = issuer + "/oauth/jwks"
	}
	writeJSON(w, http.StatusOK, data)
}

// HandleProtectedResourceMetadata serves RFC 9728 metadata for the API this
// server fronts.
func (s *Server) HandleProtectedResourceMetadata(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"resource":                 s.cfg.Resource,
		"authorization_servers":    []string{strings.TrimSuffix(s.cfg.Issuer, "/")},
		"scopes_supported":         s.scopes.IDs(),
		"bearer_methods_supported": []string{"header"},
	})
}

// HandleMe echoes the authenticated identity; it sits behind the gate and
// doubles as a lightweight introspection endpoint.
func (s *Server) HandleMe(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	identity := IdentityFromContext(r.Context())
	if identity == nil {
		writeUnauthorized(w, "missing bearer token")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"client_id":  identity.ClientID,
		"user_id":    identity.UserID,
		"scopes":     identity.Scopes,
		"token_id":   identity.TokenID,
		"expires_at": identity.ExpiresAt.Unix(),
	})
}

// HandleHealth reports store reachability.
func (s *Server) HandleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Ping(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "degraded"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) renderConsentPage(w http.ResponseWriter, client *oauth.Client, pending *oauth.PendingAuthorization) {
	var scopeRows strings.Builder
	for _, id := range oauth.SplitScope(pending.Scope) {
		desc, _ := s.scopes.Describe(id)
		fmt.Fprintf(&scopeRows, `<li><strong>%s</strong>: %s</li>`, html.EscapeString(id), html.EscapeString(desc))
	}

	name := client.Name
	if name == "" {
		name = client.ClientID
	}

	page := fmt.Sprintf(`<!DOCTYPE html>
<html lang="en">
<head>
  <meta charset="UTF-8" />
  <meta name="viewport" content="width=device-width, initial-scale=1.0" />
  <title>Authorize %[1]s</title>
  <style>
    body { font-family: Arial, sans-serif; background:#0f172a; color:#e2e8f0; display:flex; align-items:center; justify-content:center; height:100vh; margin:0; }
    .card { background:#111827; border:1px solid #1f2937; padding:32px; border-radius:12px; max-width:420px; }
    h1 { margin:0 0 12px; font-size:22px; }
    p { margin:0 0 18px; color:#94a3b8; }
    ul { text-align:left; color:#cbd5e1; }
    input[type=text] { width:100%%; padding:8px; margin-bottom:12px; border-radius:6px; border:1px solid #1f2937; background:#0f172a; color:#e2e8f0; }
    button { padding:10px 18px; border-radius:6px; border:none; cursor:pointer; margin-right:8px; }
    .approve { background:#2563eb; color:#fff; }
    .deny { background:#374151; color:#e2e8f0; }
  </style>
</head>
<body>
  <div class="card">
    <h1>Authorize %[1]s</h1>
    <p>This application is requesting access to:</p>
    <ul>%[2]s</ul>
    <form method="POST" action="/oauth/authorize">
      <input type="hidden" name="request_id" value="%[3]s" />
      <input type="text" name="user_id" placeholder="Account ID" required />
      <button class="approve" type="submit" name="action" value="approve">Approve</button>
      <button class="deny" type="submit" name="action" value="deny">Deny</button>
    </form>
  </div>
</body>
</html>`, html.EscapeString(name), scopeRows.String(), html.EscapeString(pending.RequestID))

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(page))
}

func redirectAllowed(redirectURI string, registered []string) bool {
	for _, uri := range registered {
		if uri == redirectURI {
			return true
		}
	}
	return false
}

func buildCodeRedirect(base, code, state string) string {
	u, err := url.Parse(base)
	if err != nil {
		return base
	}
	q := u.Query()
	q.Set("code", code)
	if state != "" {
		q.Set("state", state)
	}
	u.RawQuery = q.Encode()
	return u.String()
}

func buildErrorRedirect(base, errCode, state string) string {
	u, err := url.Parse(base)
	if err != nil {
		return base
	}
	q := u.Query()
	q.Set("error", errCode)
	if state != "" {
		q.Set("state", state)
	}
	u.RawQuery = q.Encode()
	return u.String()
}

func writeOAuthError(w http.ResponseWriter, err error) {
	e := oauth.AsError(err)
	writeJSON(w, e.HTTPStatus(), map[string]string{
		"error":             e.Code,
		"error_description": e.Description,
	})
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
