package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/inkwellcms/inkwell-oauth/cmd/oauth-server/httpapi"
	"github.com/inkwellcms/inkwell-oauth/internal/cache"
	"github.com/inkwellcms/inkwell-oauth/internal/config"
	"github.com/inkwellcms/inkwell-oauth/internal/events"
	"github.com/inkwellcms/inkwell-oauth/internal/oauth"
)

func main() {
	config.LoadEnv(".env")

	cfg, err := oauth.LoadConfigFromEnv()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	store, err := openStore()
	if err != nil {
		log.Fatalf("store: %v", err)
	}
	defer store.Close()

	var keys *oauth.KeyManager
	if cfg.JWTMode {
		keys, err = oauth.LoadKeyManagerFromEnv()
		if err != nil {
			log.Fatalf("signing key: %v", err)
		}
		defer keys.Close()
	}

	publisher, err := events.NewPublisherFromEnv()
	if err != nil {
		log.Fatalf("events: %v", err)
	}
	if publisher != nil {
		defer publisher.Close()
	}

	scopes, err := loadScopesAndSeedClients(cfg, store)
	if err != nil {
		log.Fatalf("seed: %v", err)
	}

	issuer, err := oauth.NewIssuer(cfg, store, scopes, keys, publisher)
	if err != nil {
		log.Fatalf("issuer: %v", err)
	}
	grants := oauth.NewGrantHandler(cfg, store, store, issuer)
	registration := oauth.NewRegistration(store, scopes)
	identities := cache.NewIdentityCache()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cleaner := oauth.NewCleaner(store, publisher)
	go cleaner.Run(ctx, cleanupInterval())

	server := httpapi.NewServer(cfg, store, grants, issuer, registration, scopes, keys, identities)
	mux := http.NewServeMux()
	server.Routes(mux)

	gate := httpapi.NewGate(issuer, identities)
	handler := httpapi.CORSMiddleware(gate.Handler(mux))

	port := os.Getenv("OAUTH_PORT")
	if port == "" {
		port = "8080"
	}
	srv := &http.Server{
		Addr:              ":" + port,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.Printf("oauth-server listening on :%s (issuer %s)", port, cfg.Issuer)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("server: %v", err)
		}
	}()

	<-ctx.Done()
	log.Println("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("shutdown: %v", err)
	}
}

// openStore picks the persistence backend: PostgreSQL by default, in-memory
// when OAUTH_STORE=memory (development and tests).
func openStore() (oauth.Store, error) {
	if os.Getenv("OAUTH_STORE") == "memory" {
		log.Println("using in-memory store; state will not survive restarts")
		return oauth.NewMemoryStore(), nil
	}
	return oauth.NewPostgresStoreFromEnv()
}

// loadScopesAndSeedClients builds the scope registry and registers statically
// configured clients from the seed file, when one is configured.
func loadScopesAndSeedClients(cfg oauth.Config, store oauth.Store) (*oauth.ScopeRegistry, error) {
	if cfg.SeedPath == "" {
		return oauth.NewScopeRegistry(nil), nil
	}

	seed, err := oauth.LoadSeedFile(cfg.SeedPath)
	if err != nil {
		return nil, err
	}
	scopes := oauth.NewScopeRegistry(seed.Scopes)

	ctx := context.Background()
	for _, sc := range seed.Clients {
		client, err := seedClientRecord(sc)
		if err != nil {
			return nil, fmt.Errorf("seed client %s: %w", sc.ClientID, err)
		}
		if err := store.CreateClient(ctx, client); err != nil {
			if errors.Is(err, oauth.ErrDuplicate) {
				continue
			}
			return nil, fmt.Errorf("seed client %s: %w", sc.ClientID, err)
		}
		log.Printf("seeded client %s", sc.ClientID)
	}
	return scopes, nil
}

func seedClientRecord(sc oauth.SeedClient) (*oauth.Client, error) {
	var secretHash string
	if sc.Secret != "" {
		hash, err := bcrypt.GenerateFromPassword([]byte(sc.Secret), bcrypt.DefaultCost)
		if err != nil {
			return nil, err
		}
		secretHash = string(hash)
	}

	grants := make([]oauth.GrantType, 0, len(sc.GrantTypes))
	for _, raw := range sc.GrantTypes {
		if !oauth.IsSupportedGrantType(raw) {
			return nil, fmt.Errorf("unsupported grant type %q", raw)
		}
		grants = append(grants, oauth.GrantType(raw))
	}

	now := time.Now()
	return &oauth.Client{
		ClientID:                sc.ClientID,
		Name:                    sc.Name,
		SecretHash:              secretHash,
		RedirectURIs:            sc.RedirectURIs,
		GrantTypes:              grants,
		Scopes:                  sc.Scopes,
		Confidential:            secretHash != "",
		TokenEndpointAuthMethod: authMethodFor(secretHash),
		ClientIDIssuedAt:        now,
		CreatedAt:               now,
	}, nil
}

func authMethodFor(secretHash string) string {
	if secretHash == "" {
		return "none"
	}
	return "client_secret_basic"
}

func cleanupInterval() time.Duration {
	raw := os.Getenv("OAUTH_CLEANUP_INTERVAL")
	if raw == "" {
		return time.Hour
	}
	d, err := time.ParseDuration(raw)
	if err != nil || d <= 0 {
		log.Printf("invalid OAUTH_CLEANUP_INTERVAL %q, using 1h", raw)
		return time.Hour
	}
	return d
}
