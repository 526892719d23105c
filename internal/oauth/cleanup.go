package oauth

import (
	"context"
	"log"
	"time"
)

// Cleaner removes expired authorization codes and refresh tokens. Access
// tokens are kept for revocation-by-jti lookups and expire at validation
// time instead.
type Cleaner struct {
	store  TokenStore
	events EventSink // optional
}

// NewCleaner creates a cleanup job over the token store.
func NewCleaner(store TokenStore, events EventSink) *Cleaner {
	return &Cleaner{store: store, events: events}
}

// CleanExpiredAuthorizationCodes deletes codes whose expiry is before the
// instant this call captures, and returns the number removed.
func (c *Cleaner) CleanExpiredAuthorizationCodes(ctx context.Context) (int64, error) {
	cutoff := time.Now()
	count, err := c.store.DeleteExpiredAuthCodes(ctx, cutoff)
	if err != nil {
		return 0, err
	}
	if count > 0 && c.events != nil {
		c.events.Emit(ctx, Event{Type: "cleanup.auth_codes", Count: count})
	}
	return count, nil
}

// CleanExpiredRefreshTokens deletes refresh tokens whose expiry is before the
// instant this call captures, and returns the number removed.
func (c *Cleaner) CleanExpiredRefreshTokens(ctx context.Context) (int64, error) {
	cutoff := time.Now()
	count, err := c.store.DeleteExpiredRefreshTokens(ctx, cutoff)
	if err != nil {
		return 0, err
	}
	if count > 0 && c.events != nil {
		c.events.Emit(ctx, Event{Type: "cleanup.refresh_tokens", Count: count})
	}
	return count, nil
}

// Run sweeps on the given interval until ctx is cancelled. Errors are logged
// and the loop keeps going; a transient database failure should not kill the
// job.
func (c *Cleaner) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if count, err := c.CleanExpiredAuthorizationCodes(ctx); err != nil {
				log.Printf("cleanup: expired auth codes: %v", err)
			} else if count > 0 {
				log.Printf("cleanup: removed %d expired authorization codes", count)
			}
			if count, err := c.CleanExpiredRefreshTokens(ctx); err != nil {
				log.Printf("cleanup: expired refresh tokens: %v", err)
			} else if count > 0 {
				log.Printf("cleanup: removed %d expired refresh tokens", count)
			}
		}
	}
}
