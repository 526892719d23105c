package oauth

import (
	"context"
	"sync"
	"time"
)

// MemoryStore implements Store with in-process maps. It backs tests and
// single-node development deployments; the locking discipline mirrors the
// guarantees the Postgres store gets from the database (distinct duplicate
// failures, atomic check-and-revoke).
type MemoryStore struct {
	mu            sync.Mutex
	clients       map[string]*Client
	authCodes     map[string]*AuthorizationCode
	accessTokens  map[string]*AccessToken
	refreshTokens map[string]*RefreshToken
	pending       map[string]*PendingAuthorization
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		clients:       make(map[string]*Client),
		authCodes:     make(map[string]*AuthorizationCode),
		accessTokens:  make(map[string]*AccessToken),
		refreshTokens: make(map[string]*RefreshToken),
		pending:       make(map[string]*PendingAuthorization),
	}
}

func (s *MemoryStore) Ping(ctx context.Context) error { return nil }
func (s *MemoryStore) Close() error                   { return nil }

// Clients ------------------------------------------------------------------

func (s *MemoryStore) CreateClient(ctx context.Context, client *Client) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.clients[client.ClientID]; exists {
		return ErrDuplicate
	}
	now := time.Now()
	if client.CreatedAt.IsZero() {
		client.CreatedAt = now
	}
	client.UpdatedAt = now
	cp := *client
	s.clients[client.ClientID] = &cp
	return nil
}

func (s *MemoryStore) GetClient(ctx context.Context, clientID string) (*Client, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	client, ok := s.clients[clientID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *client
	return &cp, nil
}

func (s *MemoryStore) GetClientForGrant(ctx context.Context, clientID string, gt GrantType) (*Client, error) {
	client, err := s.GetClient(ctx, clientID)
	if err != nil {
		return nil, err
	}
	if !client.AllowsGrant(gt) {
		return nil, ErrNotFound
	}
	return client, nil
}

func (s *MemoryStore) ValidateClient(ctx context.Context, clientID, secret string, gt GrantType) (*Client, error) {
	client, err := s.GetClientForGrant(ctx, clientID, gt)
	if err != nil {
		return nil, err
	}
	if !checkClientSecret(client, secret) {
		return nil, ErrNotFound
	}
	return client, nil
}

func (s *MemoryStore) UpdateClient(ctx context.Context, client *Client) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.clients[client.ClientID]
	if !ok {
		return ErrNotFound
	}
	client.CreatedAt = existing.CreatedAt
	client.UpdatedAt = time.Now()
	cp := *client
	s.clients[client.ClientID] = &cp
	return nil
}

func (s *MemoryStore) DeleteClient(ctx context.Context, clientID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.clients[clientID]; !ok {
		return ErrNotFound
	}
	delete(s.clients, clientID)
	return nil
}

// Authorization codes ------------------------------------------------------

func (s *MemoryStore) CreateAuthCode(ctx context.Context, code *AuthorizationCode) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.authCodes[code.Code]; exists {
		return ErrDuplicate
	}
	cp := *code
	s.authCodes[code.Code] = &cp
	return nil
}

func (s *MemoryStore) GetAuthCode(ctx context.Context, code string) (*AuthorizationCode, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	record, ok := s.authCodes[code]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *record
	return &cp, nil
}

func (s *MemoryStore) ConsumeAuthCode(ctx context.Context, code string) (*AuthorizationCode, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	record, ok := s.authCodes[code]
	if !ok || record.Revoked {
		return nil, ErrNotFound
	}
	record.Revoked = true
	cp := *record
	return &cp, nil
}

// Access tokens ------------------------------------------------------------

func (s *MemoryStore) CreateAccessToken(ctx context.Context, token *AccessToken) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.accessTokens[token.TokenID]; exists {
		return ErrDuplicate
	}
	cp := *token
	s.accessTokens[token.TokenID] = &cp
	return nil
}

func (s *MemoryStore) GetAccessToken(ctx context.Context, tokenID string) (*AccessToken, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	record, ok := s.accessTokens[tokenID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *record
	return &cp, nil
}

func (s *MemoryStore) RevokeAccessToken(ctx context.Context, tokenID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	record, ok := s.accessTokens[tokenID]
	if !ok {
		return ErrNotFound
	}
	record.Revoked = true
	return nil
}

// Refresh tokens -----------------------------------------------------------

func (s *MemoryStore) CreateRefreshToken(ctx context.Context, token *RefreshToken) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.refreshTokens[token.TokenID]; exists {
		return ErrDuplicate
	}
	cp := *token
	s.refreshTokens[token.TokenID] = &cp
	return nil
}

func (s *MemoryStore) GetRefreshToken(ctx context.Context, tokenID string) (*RefreshToken, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	record, ok := s.refreshTokens[tokenID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *record
	return &cp, nil
}

func (s *MemoryStore) ConsumeRefreshToken(ctx context.Context, tokenID string) (*RefreshToken, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	record, ok := s.refreshTokens[tokenID]
	if !ok || record.Revoked {
		return nil, ErrNotFound
	}
	record.Revoked = true
	cp := *record
	return &cp, nil
}

// Expiry cleanup -----------------------------------------------------------

func (s *MemoryStore) DeleteExpiredAuthCodes(ctx context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var removed int64
	for code, record := range s.authCodes {
		if record.ExpiresAt.Before(cutoff) {
			delete(s.authCodes, code)
			removed++
		}
	}
	return removed, nil
}

func (s *MemoryStore) DeleteExpiredRefreshTokens(ctx context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var removed int64
	for id, record := range s.refreshTokens {
		if record.ExpiresAt.Before(cutoff) {
			delete(s.refreshTokens, id)
			removed++
		}
	}
	return removed, nil
}

// Pending authorizations ---------------------------------------------------

func (s *MemoryStore) SavePending(ctx context.Context, pending *PendingAuthorization) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *pending
	s.pending[pending.RequestID] = &cp
	return nil
}

func (s *MemoryStore) GetPending(ctx context.Context, requestID string) (*PendingAuthorization, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	record, ok := s.pending[requestID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *record
	return &cp, nil
}

func (s *MemoryStore) UpdatePendingUserID(ctx context.Context, requestID, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	record, ok := s.pending[requestID]
	if !ok {
		return ErrNotFound
	}
	record.UserID = userID
	return nil
}

func (s *MemoryStore) DeletePending(ctx context.Context, requestID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.pending, requestID)
	return nil
}
