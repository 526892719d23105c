package oauth

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"sync"
	"testing"
	"time"

	"golang.org/x/crypto/bcrypt"
)

const testClientSecret = "s3cret-value"

func testConfig() Config {
	return Config{
		Issuer:          "https://auth.example.com",
		Resource:        "https://api.example.com",
		AccessTokenTTL:  time.Hour,
		RefreshTokenTTL: 24 * time.Hour,
		AuthCodeTTL:     10 * time.Minute,
		PendingAuthTTL:  15 * time.Minute,
	}
}

func newTestClient(t *testing.T, store ClientStore, grants ...GrantType) *Client {
	t.Helper()
	if len(grants) == 0 {
		grants = SupportedGrantTypes
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(testClientSecret), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("hash secret: %v", err)
	}
	client := &Client{
		ClientID:     "test-client",
		Name:         "Test Client",
		SecretHash:   string(hash),
		RedirectURIs: []string{"https://example.com/callback"},
		GrantTypes:   grants,
		Scopes:       []string{"read", "write"},
		Confidential: true,
	}
	if err := store.CreateClient(context.Background(), client); err != nil {
		t.Fatalf("create client: %v", err)
	}
	return client
}

func newTestIssuer(t *testing.T, cfg Config, store TokenStore, sink EventSink) *Issuer {
	t.Helper()
	var keys *KeyManager
	if cfg.JWTMode {
		keys = newTestKeyManager(t)
	}
	issuer, err := NewIssuer(cfg, store, NewScopeRegistry(nil), keys, sink)
	if err != nil {
		t.Fatalf("new issuer: %v", err)
	}
	return issuer
}

func newTestKeyManager(t *testing.T) *KeyManager {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	block := &pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)}
	keys, err := NewKeyManager(string(pem.EncodeToMemory(block)))
	if err != nil {
		t.Fatalf("new key manager: %v", err)
	}
	return keys
}

// recordingSink captures emitted events for assertions.
type recordingSink struct {
	mu     sync.Mutex
	events []Event
}

func (s *recordingSink) Emit(ctx context.Context, event Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, event)
}

func (s *recordingSink) types() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.events))
	for i, e := range s.events {
		out[i] = e.Type
	}
	return out
}
