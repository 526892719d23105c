package oauth

import (
	"fmt"
	"os"
	"strings"
	"time"
)

// Config holds the authorization server settings.
type Config struct {
	// Issuer is the server's own URL, used as the JWT iss claim and to
	// derive registration_client_uri values.
	Issuer string
	// Resource is the protected-resource URL, used as the JWT aud claim.
	Resource string

	AccessTokenTTL  time.Duration
	RefreshTokenTTL time.Duration
	AuthCodeTTL     time.Duration
	PendingAuthTTL  time.Duration

	// JWTMode renders access tokens as RFC 9068 signed JWTs instead of
	// opaque identifiers.
	JWTMode bool

	// RevokeAccessOnRefresh revokes the prior access token when its refresh
	// token is rotated. Default off: the old access token stays valid until
	// its own expiry and only the refresh chain rotates.
	RevokeAccessOnRefresh bool

	// RefreshForClientCredentials issues refresh tokens on the
	// client_credentials grant. Off by default.
	RefreshForClientCredentials bool

	// SeedPath points at an optional YAML file with the scope registry and
	// pre-registered clients.
	SeedPath string
}

// LoadConfigFromEnv loads server settings from environment variables.
func LoadConfigFromEnv() (Config, error) {
	issuer := strings.TrimSpace(os.Getenv("OAUTH_ISSUER"))
	if issuer == "" {
		return Config{}, fmt.Errorf("OAUTH_ISSUER is required")
	}

	resource := strings.TrimSpace(os.Getenv("OAUTH_RESOURCE"))
	if resource == "" {
		resource = issuer
	}

	return Config{
		Issuer:                      strings.TrimRight(issuer, "/"),
		Resource:                    resource,
		AccessTokenTTL:              parseDurationEnv("OAUTH_ACCESS_TOKEN_TTL", time.Hour),
		RefreshTokenTTL:             parseDurationEnv("OAUTH_REFRESH_TOKEN_TTL", 30*24*time.Hour),
		AuthCodeTTL:                 parseDurationEnv("OAUTH_AUTH_CODE_TTL", 10*time.Minute),
		PendingAuthTTL:              parseDurationEnv("OAUTH_PENDING_AUTH_TTL", 15*time.Minute),
		JWTMode:                     parseBoolEnv("OAUTH_JWT_MODE"),
		RevokeAccessOnRefresh:       parseBoolEnv("OAUTH_REVOKE_ACCESS_ON_REFRESH"),
		RefreshForClientCredentials: parseBoolEnv("OAUTH_CLIENT_CREDENTIALS_REFRESH"),
		SeedPath:                    strings.TrimSpace(os.Getenv("OAUTH_SEED_PATH")),
	}, nil
}

func parseDurationEnv(key string, fallback time.Duration) time.Duration {
	if val := strings.TrimSpace(os.Getenv(key)); val != "" {
		if dur, err := time.ParseDuration(val); err == nil {
			return dur
		}
	}
	return fallback
}

func parseBoolEnv(key string) bool {
	return strings.EqualFold(strings.TrimSpace(os.Getenv(key)), "true")
}
