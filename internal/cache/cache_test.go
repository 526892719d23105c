package cache

import (
	"testing"
	"time"

	"github.com/inkwellcms/inkwell-oauth/internal/oauth"
)

func testIdentity(expiry time.Duration) *oauth.Identity {
	return &oauth.Identity{
		ClientID:  "c-1",
		UserID:    "u-1",
		Scopes:    []string{"read"},
		TokenID:   "tok-1",
		ExpiresAt: time.Now().Add(expiry),
	}
}

func TestIdentityCacheRoundTrip(t *testing.T) {
	c := NewIdentityCache()
	c.Set("bearer-value", testIdentity(time.Hour))

	got, ok := c.Get("bearer-value")
	if !ok {
		t.Fatal("cache miss")
	}
	if got.UserID != "u-1" || got.TokenID != "tok-1" {
		t.Errorf("identity = %+v", got)
	}
	if _, ok := c.Get("other-bearer"); ok {
		t.Error("unexpected hit for unknown key")
	}
}

func TestIdentityCacheSkipsExpiredTokens(t *testing.T) {
	c := NewIdentityCache()
	c.Set("bearer-value", testIdentity(-time.Minute))

	if _, ok := c.Get("bearer-value"); ok {
		t.Error("expired identity served from cache")
	}
}

func TestIdentityCacheDelete(t *testing.T) {
	c := NewIdentityCache()
	c.Set("bearer-value", testIdentity(time.Hour))
	c.Delete("bearer-value")

	if _, ok := c.Get("bearer-value"); ok {
		t.Error("deleted entry still cached")
	}
}

func TestIdentityCacheReturnsCopy(t *testing.T) {
	c := NewIdentityCache()
	c.Set("bearer-value", testIdentity(time.Hour))

	first, _ := c.Get("bearer-value")
	first.UserID = "mutated"

	second, _ := c.Get("bearer-value")
	if second.UserID == "mutated" {
		t.Error("cached identity aliased by returned pointer")
	}
}
