package httpapi

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"regexp"
	"strings"
	"testing"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/inkwellcms/inkwell-oauth/internal/cache"
	"github.com/inkwellcms/inkwell-oauth/internal/oauth"
)

const testSecret = "test-secret-value"

type fixture struct {
	store   *oauth.MemoryStore
	cfg     oauth.Config
	issuer  *oauth.Issuer
	handler http.Handler
	ts      *httptest.Server
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	cfg := oauth.Config{
		Issuer:          "https://auth.example.com",
		Resource:        "https://api.example.com",
		AccessTokenTTL:  time.Hour,
		RefreshTokenTTL: 24 * time.Hour,
		AuthCodeTTL:     10 * time.Minute,
		PendingAuthTTL:  15 * time.Minute,
	}

	store := oauth.NewMemoryStore()
	scopes := oauth.NewScopeRegistry(nil)
	issuer, err := oauth.NewIssuer(cfg, store, scopes, nil, nil)
	if err != nil {
		t.Fatalf("issuer: %v", err)
	}
	grants := oauth.NewGrantHandler(cfg, store, store, issuer)
	registration := oauth.NewRegistration(store, scopes)
	identities := cache.NewIdentityCache()

	server := NewServer(cfg, store, grants, issuer, registration, scopes, nil, identities)
	mux := http.NewServeMux()
	server.Routes(mux)

	gate := NewGate(issuer, identities)
	handler := CORSMiddleware(gate.Handler(mux))

	ts := httptest.NewServer(handler)
	t.Cleanup(ts.Close)

	return &fixture{store: store, cfg: cfg, issuer: issuer, handler: handler, ts: ts}
}

func (f *fixture) seedClient(t *testing.T, grants ...oauth.GrantType) *oauth.Client {
	t.Helper()
	if len(grants) == 0 {
		grants = oauth.SupportedGrantTypes
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(testSecret), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	client := &oauth.Client{
		ClientID:     "seeded-client",
		Name:         "Seeded Client",
		SecretHash:   string(hash),
		RedirectURIs: []string{"https://app.example.com/callback"},
		GrantTypes:   grants,
		Scopes:       []string{"read", "write"},
		Confidential: true,
	}
	if err := f.store.CreateClient(context.Background(), client); err != nil {
		t.Fatalf("create client: %v", err)
	}
	return client
}

func postForm(t *testing.T, ts *httptest.Server, path string, form url.Values) (*http.Response, map[string]interface{}) {
	t.Helper()
	resp, err := http.PostForm(ts.URL+path, form)
	if err != nil {
		t.Fatalf("POST %s: %v", path, err)
	}
	defer resp.Body.Close()
	var body map[string]interface{}
	_ = json.NewDecoder(resp.Body).Decode(&body)
	return resp, body
}

func TestTokenEndpointClientCredentials(t *testing.T) {
	f := newFixture(t)
	client := f.seedClient(t)

	resp, body := postForm(t, f.ts, "/oauth/token", url.Values{
		"grant_type":    {"client_credentials"},
		"client_id":     {client.ClientID},
		"client_secret": {testSecret},
		"scope":         {"read write"},
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, body = %v", resp.StatusCode, body)
	}
	if body["access_token"] == "" || body["token_type"] != "Bearer" {
		t.Errorf("body = %v", body)
	}
	if body["scope"] != "read write" {
		t.Errorf("scope = %v", body["scope"])
	}
}

func TestTokenEndpointUnsupportedGrant(t *testing.T) {
	f := newFixture(t)
	client := f.seedClient(t)

	resp, body := postForm(t, f.ts, "/oauth/token", url.Values{
		"grant_type": {"password"},
		"client_id":  {client.ClientID},
	})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if body["error"] != "unsupported_grant_type" {
		t.Errorf("error = %v", body["error"])
	}
	if body["error_description"] != "Unsupported grant_type: password" {
		t.Errorf("description = %v", body["error_description"])
	}
}

func TestTokenEndpointBasicAuth(t *testing.T) {
	f := newFixture(t)
	client := f.seedClient(t)

	form := url.Values{"grant_type": {"client_credentials"}}
	req, _ := http.NewRequest(http.MethodPost, f.ts.URL+"/oauth/token", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.SetBasicAuth(client.ClientID, testSecret)

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("do: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
}

var requestIDPattern = regexp.MustCompile(`name="request_id" value="([^"]+)"`)

func TestAuthorizationCodeFlowEndToEnd(t *testing.T) {
	f := newFixture(t)
	client := f.seedClient(t)

	// Step 1: GET the consent page.
	authorizeURL := f.ts.URL + "/oauth/authorize?" + url.Values{
		"response_type": {"code"},
		"client_id":     {client.ClientID},
		"redirect_uri":  {client.RedirectURIs[0]},
		"scope":         {"read"},
		"state":         {"xyz-state"},
	}.Encode()
	resp, err := http.Get(authorizeURL)
	if err != nil {
		t.Fatalf("GET authorize: %v", err)
	}
	page, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("authorize status = %d", resp.StatusCode)
	}
	match := requestIDPattern.FindStringSubmatch(string(page))
	if match == nil {
		t.Fatal("consent page missing request_id")
	}
	requestID := match[1]

	// Step 2: POST the approval; capture the redirect instead of following it.
	noRedirect := &http.Client{CheckRedirect: func(req *http.Request, via []*http.Request) error {
		return http.ErrUseLastResponse
	}}
	approveResp, err := noRedirect.PostForm(f.ts.URL+"/oauth/authorize", url.Values{
		"request_id": {requestID},
		"action":     {"approve"},
		"user_id":    {"author-42"},
	})
	if err != nil {
		t.Fatalf("POST authorize: %v", err)
	}
	approveResp.Body.Close()
	if approveResp.StatusCode != http.StatusFound {
		t.Fatalf("approve status = %d", approveResp.StatusCode)
	}
	location, err := url.Parse(approveResp.Header.Get("Location"))
	if err != nil {
		t.Fatalf("parse location: %v", err)
	}
	code := location.Query().Get("code")
	if code == "" {
		t.Fatalf("redirect %q carries no code", location)
	}
	if location.Query().Get("state") != "xyz-state" {
		t.Errorf("state = %q", location.Query().Get("state"))
	}

	// Step 3: redeem the code.
	tokenResp, body := postForm(t, f.ts, "/oauth/token", url.Values{
		"grant_type":    {"authorization_code"},
		"client_id":     {client.ClientID},
		"client_secret": {testSecret},
		"code":          {code},
		"redirect_uri":  {client.RedirectURIs[0]},
	})
	if tokenResp.StatusCode != http.StatusOK {
		t.Fatalf("token status = %d, body = %v", tokenResp.StatusCode, body)
	}
	access, _ := body["access_token"].(string)
	if access == "" || body["refresh_token"] == "" {
		t.Fatalf("body = %v", body)
	}

	// Step 4: the bearer token opens the protected API.
	req, _ := http.NewRequest(http.MethodGet, f.ts.URL+"/api/me", nil)
	req.Header.Set("Authorization", "Bearer "+access)
	meResp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET /api/me: %v", err)
	}
	defer meResp.Body.Close()
	if meResp.StatusCode != http.StatusOK {
		t.Fatalf("me status = %d", meResp.StatusCode)
	}
	var me map[string]interface{}
	_ = json.NewDecoder(meResp.Body).Decode(&me)
	if me["user_id"] != "author-42" || me["client_id"] != client.ClientID {
		t.Errorf("identity = %v", me)
	}

	// Step 5: the code is single-use.
	secondResp, secondBody := postForm(t, f.ts, "/oauth/token", url.Values{
		"grant_type":    {"authorization_code"},
		"client_id":     {client.ClientID},
		"client_secret": {testSecret},
		"code":          {code},
		"redirect_uri":  {client.RedirectURIs[0]},
	})
	if secondResp.StatusCode != http.StatusBadRequest || secondBody["error"] != "invalid_grant" {
		t.Fatalf("second redemption: status %d body %v", secondResp.StatusCode, secondBody)
	}
}

func TestAuthorizeDenialRedirectsWithError(t *testing.T) {
	f := newFixture(t)
	client := f.seedClient(t)

	pending := &oauth.PendingAuthorization{
		RequestID:   "deny-req",
		ClientID:    client.ClientID,
		RedirectURI: client.RedirectURIs[0],
		Scope:       "read",
		State:       "abc",
		ExpiresAt:   time.Now().Add(time.Minute),
	}
	if err := f.store.SavePending(context.Background(), pending); err != nil {
		t.Fatalf("save pending: %v", err)
	}

	noRedirect := &http.Client{CheckRedirect: func(req *http.Request, via []*http.Request) error {
		return http.ErrUseLastResponse
	}}
	resp, err := noRedirect.PostForm(f.ts.URL+"/oauth/authorize", url.Values{
		"request_id": {"deny-req"},
		"action":     {"deny"},
	})
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	resp.Body.Close()
	location, _ := url.Parse(resp.Header.Get("Location"))
	if location.Query().Get("error") != "access_denied" || location.Query().Get("state") != "abc" {
		t.Errorf("location = %q", resp.Header.Get("Location"))
	}
}

func TestRegisterEndpoint(t *testing.T) {
	f := newFixture(t)

	payload := `{"client_name":"Dynamic App","redirect_uris":["https://example.com/callback"],"grant_types":["client_credentials"]}`
	resp, err := http.Post(f.ts.URL+"/oauth/register", "application/json", strings.NewReader(payload))
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("status = %d", resp.StatusCode)
	}

	var body map[string]interface{}
	_ = json.NewDecoder(resp.Body).Decode(&body)
	clientID, _ := body["client_id"].(string)
	regToken, _ := body["registration_access_token"].(string)
	if clientID == "" || body["client_secret"] == "" || regToken == "" {
		t.Fatalf("body = %v", body)
	}

	// The sub-resource accepts the registration token.
	req, _ := http.NewRequest(http.MethodGet, f.ts.URL+"/oauth/register/"+clientID, nil)
	req.Header.Set("Authorization", "Bearer "+regToken)
	getResp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer getResp.Body.Close()
	if getResp.StatusCode != http.StatusOK {
		t.Fatalf("sub-resource status = %d", getResp.StatusCode)
	}
	var fetched map[string]interface{}
	_ = json.NewDecoder(getResp.Body).Decode(&fetched)
	if fetched["client_id"] != clientID {
		t.Errorf("fetched = %v", fetched)
	}
}

func TestRegisterEndpointInvalidRedirect(t *testing.T) {
	f := newFixture(t)

	payload := `{"redirect_uris":["invalid-uri"]}`
	resp, err := http.Post(f.ts.URL+"/oauth/register", "application/json", strings.NewReader(payload))
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var body map[string]interface{}
	_ = json.NewDecoder(resp.Body).Decode(&body)
	if body["error_description"] != "Invalid redirect_uri: invalid-uri" {
		t.Errorf("description = %v", body["error_description"])
	}
}

func TestRevokeEndpoint(t *testing.T) {
	f := newFixture(t)
	client := f.seedClient(t)

	_, body := postForm(t, f.ts, "/oauth/token", url.Values{
		"grant_type":    {"client_credentials"},
		"client_id":     {client.ClientID},
		"client_secret": {testSecret},
	})
	access, _ := body["access_token"].(string)
	if access == "" {
		t.Fatalf("no access token: %v", body)
	}

	revokeResp, _ := postForm(t, f.ts, "/oauth/revoke", url.Values{
		"token":         {access},
		"client_id":     {client.ClientID},
		"client_secret": {testSecret},
	})
	if revokeResp.StatusCode != http.StatusOK {
		t.Fatalf("revoke status = %d", revokeResp.StatusCode)
	}

	req, _ := http.NewRequest(http.MethodGet, f.ts.URL+"/api/me", nil)
	req.Header.Set("Authorization", "Bearer "+access)
	meResp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	meResp.Body.Close()
	if meResp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("revoked token accepted: status %d", meResp.StatusCode)
	}
}

func TestAuthServerMetadata(t *testing.T) {
	f := newFixture(t)

	resp, err := http.Get(f.ts.URL + "/.well-known/oauth-authorization-server")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}

	var body map[string]interface{}
	_ = json.NewDecoder(resp.Body).Decode(&body)
	if body["issuer"] != f.cfg.Issuer {
		t.Errorf("issuer = %v", body["issuer"])
	}
	if body["token_endpoint"] != f.cfg.Issuer+"/oauth/token" {
		t.Errorf("token_endpoint = %v", body["token_endpoint"])
	}
	grants, _ := body["grant_types_supported"].([]interface{})
	if len(grants) != 3 {
		t.Errorf("grant_types_supported = %v", grants)
	}
	if _, ok := body["jwks_uri"]; ok {
		t.Error("opaque mode must not advertise jwks_uri")
	}
}

func TestProtectedResourceMetadata(t *testing.T) {
	f := newFixture(t)

	resp, err := http.Get(f.ts.URL + "/.well-known/oauth-protected-resource")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()

	var body map[string]interface{}
	_ = json.NewDecoder(resp.Body).Decode(&body)
	if body["resource"] != f.cfg.Resource {
		t.Errorf("resource = %v", body["resource"])
	}
	servers, _ := body["authorization_servers"].([]interface{})
	if len(servers) != 1 || servers[0] != f.cfg.Issuer {
		t.Errorf("authorization_servers = %v", servers)
	}
}

func TestJWKSNotFoundInOpaqueMode(t *testing.T) {
	f := newFixture(t)

	resp, err := http.Get(f.ts.URL + "/oauth/jwks")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", resp.StatusCode)
	}
}
