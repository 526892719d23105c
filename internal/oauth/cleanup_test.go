package oauth

import (
	"context"
	"fmt"
	"testing"
	"time"
)

func seedAuthCodes(t *testing.T, store *MemoryStore, expired, valid int) []string {
	t.Helper()
	var validCodes []string
	now := time.Now()
	for i := 0; i < expired; i++ {
		code := &AuthorizationCode{
			Code:      fmt.Sprintf("expired-%d", i),
			UserID:    "u",
			ClientID:  "c",
			Scopes:    []string{"read"},
			CreatedAt: now.Add(-time.Hour),
			ExpiresAt: now.Add(-time.Minute),
		}
		if err := store.CreateAuthCode(context.Background(), code); err != nil {
			t.Fatalf("create code: %v", err)
		}
	}
	for i := 0; i < valid; i++ {
		code := &AuthorizationCode{
			Code:      fmt.Sprintf("valid-%d", i),
			UserID:    "u",
			ClientID:  "c",
			Scopes:    []string{"read"},
			CreatedAt: now,
			ExpiresAt: now.Add(10 * time.Minute),
		}
		if err := store.CreateAuthCode(context.Background(), code); err != nil {
			t.Fatalf("create code: %v", err)
		}
		validCodes = append(validCodes, code.Code)
	}
	return validCodes
}

func TestCleanExpiredAuthorizationCodes(t *testing.T) {
	store := NewMemoryStore()
	validCodes := seedAuthCodes(t, store, 3, 2)

	cleaner := NewCleaner(store, nil)
	count, err := cleaner.CleanExpiredAuthorizationCodes(context.Background())
	if err != nil {
		t.Fatalf("clean: %v", err)
	}
	if count != 3 {
		t.Errorf("count = %d, want 3", count)
	}

	// The valid codes remain redeemable.
	for _, code := range validCodes {
		if _, err := store.ConsumeAuthCode(context.Background(), code); err != nil {
			t.Errorf("valid code %s no longer redeemable: %v", code, err)
		}
	}
}

func TestCleanExpiredRefreshTokens(t *testing.T) {
	store := NewMemoryStore()
	now := time.Now()
	for i := 0; i < 4; i++ {
		token := &RefreshToken{
			TokenID:       fmt.Sprintf("rt-%d", i),
			AccessTokenID: "at",
			CreatedAt:     now.Add(-48 * time.Hour),
			ExpiresAt:     now.Add(-time.Hour),
		}
		if err := store.CreateRefreshToken(context.Background(), token); err != nil {
			t.Fatalf("create: %v", err)
		}
	}
	keep := &RefreshToken{TokenID: "rt-live", AccessTokenID: "at", CreatedAt: now, ExpiresAt: now.Add(time.Hour)}
	if err := store.CreateRefreshToken(context.Background(), keep); err != nil {
		t.Fatalf("create: %v", err)
	}

	sink := &recordingSink{}
	cleaner := NewCleaner(store, sink)
	count, err := cleaner.CleanExpiredRefreshTokens(context.Background())
	if err != nil {
		t.Fatalf("clean: %v", err)
	}
	if count != 4 {
		t.Errorf("count = %d, want 4", count)
	}
	if _, err := store.GetRefreshToken(context.Background(), "rt-live"); err != nil {
		t.Errorf("live token removed: %v", err)
	}
	if types := sink.types(); len(types) != 1 || types[0] != "cleanup.refresh_tokens" {
		t.Errorf("events = %v", types)
	}
}

func TestCleanIsIdempotent(t *testing.T) {
	store := NewMemoryStore()
	seedAuthCodes(t, store, 2, 1)

	cleaner := NewCleaner(store, nil)
	if _, err := cleaner.CleanExpiredAuthorizationCodes(context.Background()); err != nil {
		t.Fatalf("first clean: %v", err)
	}
	count, err := cleaner.CleanExpiredAuthorizationCodes(context.Background())
	if err != nil {
		t.Fatalf("second clean: %v", err)
	}
	if count != 0 {
		t.Errorf("second pass count = %d, want 0", count)
	}
}
