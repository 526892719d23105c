package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/inkwellcms/inkwell-oauth/internal/cache"
	"github.com/inkwellcms/inkwell-oauth/internal/oauth"
)

type contextKey string

// identityContextKey carries the validated oauth.Identity for a request.
const identityContextKey contextKey = "oauth_identity"

// IdentityFromContext returns the identity attached by the authentication
// gate, or nil on unauthenticated requests.
func IdentityFromContext(ctx context.Context) *oauth.Identity {
	identity, _ := ctx.Value(identityContextKey).(*oauth.Identity)
	return identity
}

// Gate is the inbound authentication middleware. Requests to public paths
// pass through untouched; everything else must carry a valid bearer token.
type Gate struct {
	issuer     *oauth.Issuer
	identities *cache.IdentityCache
}

// NewGate creates the authentication gate. identities may be nil to disable
// caching.
func NewGate(issuer *oauth.Issuer, identities *cache.IdentityCache) *Gate {
	return &Gate{issuer: issuer, identities: identities}
}

// publicPaths are reachable without a bearer token: the OAuth endpoints
// themselves plus discovery metadata.
var publicPaths = []string{
	"/oauth/token",
	"/oauth/authorize",
	"/oauth/register",
	"/oauth/jwks",
	"/oauth/revoke",
	"/.well-known/",
	"/health",
}

func isPublicPath(path string) bool {
	for _, p := range publicPaths {
		if strings.HasSuffix(p, "/") {
			if strings.HasPrefix(path, p) {
				return true
			}
			continue
		}
		if path == p || strings.HasPrefix(path, p+"/") {
			return true
		}
	}
	return false
}

// Handler wraps next with bearer-token authentication.
func (g *Gate) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// CORS preflight carries no credentials.
		if r.Method == http.MethodOptions {
			next.ServeHTTP(w, r)
			return
		}
		if isPublicPath(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}

		bearer := extractBearer(r)
		if bearer == "" {
			writeUnauthorized(w, "missing bearer token")
			return
		}

		identity, ok := g.cachedIdentity(bearer)
		if !ok {
			validated, err := g.issuer.Validate(r.Context(), bearer)
			if err != nil {
				writeUnauthorized(w, oauth.AsError(err).Description)
				return
			}
			identity = validated
			if g.identities != nil {
				g.identities.Set(bearer, identity)
			}
		}

		ctx := context.WithValue(r.Context(), identityContextKey, identity)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (g *Gate) cachedIdentity(bearer string) (*oauth.Identity, bool) {
	if g.identities == nil {
		return nil, false
	}
	return g.identities.Get(bearer)
}

func extractBearer(r *http.Request) string {
	header := r.Header.Get("Authorization")
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}

func writeUnauthorized(w http.ResponseWriter, description string) {
	w.Header().Set("WWW-Authenticate", `Bearer error="invalid_token"`)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	_ = json.NewEncoder(w).Encode(map[string]string{
		"error":             "unauthorized",
		"error_description": description,
	})
}

// CORSMiddleware applies permissive CORS headers to every response.
func CORSMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}
