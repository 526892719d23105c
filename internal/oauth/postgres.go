package oauth

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/lib/pq"
	"github.com/redis/go-redis/v9"
)

// PostgresStore implements Store on PostgreSQL, with an optional Redis
// overlay for pending authorization state.
type PostgresStore struct {
	db    *sql.DB
	redis *redis.Client
}

var _ Store = (*PostgresStore)(nil)

// NewPostgresStoreFromEnv opens Postgres from OAUTH_DATABASE_URL (falling
// back to DATABASE_URL) and, when REDIS_URL is set, a Redis client for
// pending-authorization state.
func NewPostgresStoreFromEnv() (*PostgresStore, error) {
	connString := os.Getenv("OAUTH_DATABASE_URL")
	if connString == "" {
		connString = os.Getenv("DATABASE_URL")
	}
	if connString == "" {
		return nil, fmt.Errorf("OAUTH_DATABASE_URL or DATABASE_URL is required")
	}

	db, err := sql.Open("postgres", connString)
	if err != nil {
		return nil, fmt.Errorf("failed to open postgres: %w", err)
	}
	db.SetMaxOpenConns(parseEnvInt("OAUTH_DB_MAX_OPEN_CONNS", 5))
	db.SetMaxIdleConns(parseEnvInt("OAUTH_DB_MAX_IDLE_CONNS", 2))
	db.SetConnMaxLifetime(parseDurationEnv("OAUTH_DB_CONN_MAX_LIFETIME", 5*time.Minute))

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping postgres: %w", err)
	}

	store := &PostgresStore{db: db}
	if err := store.initSchema(); err != nil {
		return nil, err
	}

	if redisURL := os.Getenv("REDIS_URL"); redisURL != "" {
		opts, err := redis.ParseURL(redisURL)
		if err != nil {
			return nil, fmt.Errorf("invalid REDIS_URL: %w", err)
		}
		store.redis = redis.NewClient(opts)
		if err := store.redis.Ping(context.Background()).Err(); err != nil {
			return nil, fmt.Errorf("failed to ping redis: %w", err)
		}
	}

	return store, nil
}

// NewPostgresStore wraps an existing database handle. Schema setup is the
// caller's responsibility.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Close closes connections.
func (s *PostgresStore) Close() error {
	if s.redis != nil {
		_ = s.redis.Close()
	}
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Ping verifies database and Redis connectivity.
func (s *PostgresStore) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return err
	}
	if s.redis != nil {
		return s.redis.Ping(ctx).Err()
	}
	return nil
}

// Clients ------------------------------------------------------------------

// clientMetadata holds the RFC 7591 informational fields stored as one JSONB
// column.
type clientMetadata struct {
	TokenEndpointAuthMethod string   `json:"token_endpoint_auth_method,omitempty"`
	Contacts                []string `json:"contacts,omitempty"`
	ClientURI               string   `json:"client_uri,omitempty"`
	LogoURI                 string   `json:"logo_uri,omitempty"`
	TOSURI                  string   `json:"tos_uri,omitempty"`
	PolicyURI               string   `json:"policy_uri,omitempty"`
	SoftwareID              string   `json:"software_id,omitempty"`
	SoftwareVersion         string   `json:"software_version,omitempty"`
	RegistrationClientURI   string   `json:"registration_client_uri,omitempty"`
	SecretExpiresAt         int64    `json:"secret_expires_at,omitempty"`
}

func (s *PostgresStore) CreateClient(ctx context.Context, client *Client) error {
	now := time.Now()
	if client.CreatedAt.IsZero() {
		client.CreatedAt = now
	}
	client.UpdatedAt = now

	redirectURIs, grants, scopes, meta, err := marshalClientColumns(client)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO oauth2_clients
			(client_id, client_secret, name, redirect_uris, grants, scopes, is_confidential,
			 registration_access_token, client_id_issued_at, metadata, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)`,
		client.ClientID,
		nullableString(client.SecretHash),
		nullableString(client.Name),
		redirectURIs,
		grants,
		scopes,
		client.Confidential,
		nullableString(client.RegistrationAccessToken),
		client.ClientIDIssuedAt,
		meta,
		client.CreatedAt,
		client.UpdatedAt,
	)
	return mapPQError(err)
}

func (s *PostgresStore) GetClient(ctx context.Context, clientID string) (*Client, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT client_id, client_secret, name, redirect_uris, grants, scopes, is_confidential,
		       registration_access_token, client_id_issued_at, metadata, created_at, updated_at
		FROM oauth2_clients
		WHERE client_id = $1`, clientID)
	return scanClient(row)
}

func (s *PostgresStore) GetClientForGrant(ctx context.Context, clientID string, gt GrantType) (*Client, error) {
	client, err := s.GetClient(ctx, clientID)
	if err != nil {
		return nil, err
	}
	if !client.AllowsGrant(gt) {
		return nil, ErrNotFound
	}
	return client, nil
}

func (s *PostgresStore) ValidateClient(ctx context.Context, clientID, secret string, gt GrantType) (*Client, error) {
	client, err := s.GetClientForGrant(ctx, clientID, gt)
	if err != nil {
		return nil, err
	}
	if !checkClientSecret(client, secret) {
		return nil, ErrNotFound
	}
	return client, nil
}

func (s *PostgresStore) UpdateClient(ctx context.Context, client *Client) error {
	client.UpdatedAt = time.Now()

	redirectURIs, grants, scopes, meta, err := marshalClientColumns(client)
	if err != nil {
		return err
	}

	result, err := s.db.ExecContext(ctx, `
		UPDATE oauth2_clients SET
			client_secret = $2,
			name = $3,
			redirect_uris = $4,
			grants = $5,
			scopes = $6,
			is_confidential = $7,
			registration_access_token = $8,
			metadata = $9,
			updated_at = $10
		WHERE client_id = $1`,
		client.ClientID,
		nullableString(client.SecretHash),
		nullableString(client.Name),
		redirectURIs,
		grants,
		scopes,
		client.Confidential,
		nullableString(client.RegistrationAccessToken),
		meta,
		client.UpdatedAt,
	)
	if err != nil {
		return err
	}
	return requireRowAffected(result)
}

func (s *PostgresStore) DeleteClient(ctx context.Context, clientID string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM oauth2_clients WHERE client_id = $1`, clientID)
	if err != nil {
		return err
	}
	return requireRowAffected(result)
}

// Authorization codes ------------------------------------------------------

func (s *PostgresStore) CreateAuthCode(ctx context.Context, code *AuthorizationCode) error {
	scopes, err := json.Marshal(code.Scopes)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO oauth2_auth_codes
			(code, user_id, client_id, redirect_uri, scopes, code_challenge, code_challenge_method,
			 revoked, expires_at, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`,
		code.Code,
		code.UserID,
		code.ClientID,
		code.RedirectURI,
		scopes,
		nullableString(code.CodeChallenge),
		nullableString(code.CodeChallengeMethod),
		code.Revoked,
		code.ExpiresAt,
		code.CreatedAt,
	)
	return mapPQError(err)
}

func (s *PostgresStore) GetAuthCode(ctx context.Context, code string) (*AuthorizationCode, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT code, user_id, client_id, redirect_uri, scopes, code_challenge, code_challenge_method,
		       revoked, expires_at, created_at
		FROM oauth2_auth_codes
		WHERE code = $1`, code)
	return scanAuthCode(row)
}

// ConsumeAuthCode flips revoked in a single guarded UPDATE; a concurrent
// second redemption matches zero rows and fails as not found.
func (s *PostgresStore) ConsumeAuthCode(ctx context.Context, code string) (*AuthorizationCode, error) {
	row := s.db.QueryRowContext(ctx, `
		UPDATE oauth2_auth_codes SET revoked = TRUE
		WHERE code = $1 AND revoked = FALSE
		RETURNING code, user_id, client_id, redirect_uri, scopes, code_challenge, code_challenge_method,
		          revoked, expires_at, created_at`, code)
	return scanAuthCode(row)
}

// Access tokens ------------------------------------------------------------

func (s *PostgresStore) CreateAccessToken(ctx context.Context, token *AccessToken) error {
	scopes, err := json.Marshal(token.Scopes)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO oauth2_access_tokens
			(token_id, user_id, client_id, scopes, revoked, expires_at, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7)`,
		token.TokenID,
		nullableString(token.UserID),
		token.ClientID,
		scopes,
		token.Revoked,
		token.ExpiresAt,
		token.CreatedAt,
	)
	return mapPQError(err)
}

func (s *PostgresStore) GetAccessToken(ctx context.Context, tokenID string) (*AccessToken, error) {
	var (
		token  AccessToken
		userID sql.NullString
		scopes []byte
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT token_id, user_id, client_id, scopes, revoked, expires_at, created_at
		FROM oauth2_access_tokens
		WHERE token_id = $1`, tokenID).Scan(
		&token.TokenID,
		&userID,
		&token.ClientID,
		&scopes,
		&token.Revoked,
		&token.ExpiresAt,
		&token.CreatedAt,
	)
	if err != nil {
		return nil, mapNoRows(err)
	}
	token.UserID = userID.String
	if err := json.Unmarshal(scopes, &token.Scopes); err != nil {
		return nil, err
	}
	return &token, nil
}

func (s *PostgresStore) RevokeAccessToken(ctx context.Context, tokenID string) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE oauth2_access_tokens SET revoked = TRUE WHERE token_id = $1`, tokenID)
	if err != nil {
		return err
	}
	return requireRowAffected(result)
}

// Refresh tokens -----------------------------------------------------------

func (s *PostgresStore) CreateRefreshToken(ctx context.Context, token *RefreshToken) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO oauth2_refresh_tokens
			(token_id, access_token_id, revoked, expires_at, created_at)
		VALUES ($1,$2,$3,$4,$5)`,
		token.TokenID,
		token.AccessTokenID,
		token.Revoked,
		token.ExpiresAt,
		token.CreatedAt,
	)
	return mapPQError(err)
}

func (s *PostgresStore) GetRefreshToken(ctx context.Context, tokenID string) (*RefreshToken, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT token_id, access_token_id, revoked, expires_at, created_at
		FROM oauth2_refresh_tokens
		WHERE token_id = $1`, tokenID)
	return scanRefreshToken(row)
}

func (s *PostgresStore) ConsumeRefreshToken(ctx context.Context, tokenID string) (*RefreshToken, error) {
	row := s.db.QueryRowContext(ctx, `
		UPDATE oauth2_refresh_tokens SET revoked = TRUE
		WHERE token_id = $1 AND revoked = FALSE
		RETURNING token_id, access_token_id, revoked, expires_at, created_at`, tokenID)
	return scanRefreshToken(row)
}

// Expiry cleanup -----------------------------------------------------------

func (s *PostgresStore) DeleteExpiredAuthCodes(ctx context.Context, cutoff time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx,
		`DELETE FROM oauth2_auth_codes WHERE expires_at < $1`, cutoff)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

func (s *PostgresStore) DeleteExpiredRefreshTokens(ctx context.Context, cutoff time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx,
		`DELETE FROM oauth2_refresh_tokens WHERE expires_at < $1`, cutoff)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

// Pending authorizations ---------------------------------------------------

func (s *PostgresStore) SavePending(ctx context.Context, pending *PendingAuthorization) error {
	if s.redis != nil {
		payload, err := json.Marshal(pending)
		if err != nil {
			return err
		}
		return s.redis.Set(ctx, pendingKey(pending.RequestID), payload, time.Until(pending.ExpiresAt)).Err()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO oauth2_pending_auth
			(request_id, client_id, redirect_uri, scope, state, response_type,
			 code_challenge, code_challenge_method, user_id, created_at, expires_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)`,
		pending.RequestID,
		pending.ClientID,
		pending.RedirectURI,
		pending.Scope,
		pending.State,
		pending.ResponseType,
		pending.CodeChallenge,
		pending.CodeChallengeMethod,
		pending.UserID,
		pending.CreatedAt,
		pending.ExpiresAt,
	)
	return mapPQError(err)
}

func (s *PostgresStore) GetPending(ctx context.Context, requestID string) (*PendingAuthorization, error) {
	if s.redis != nil {
		val, err := s.redis.Get(ctx, pendingKey(requestID)).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				return nil, ErrNotFound
			}
			return nil, err
		}
		var pending PendingAuthorization
		if err := json.Unmarshal([]byte(val), &pending); err != nil {
			return nil, err
		}
		return &pending, nil
	}

	var pending PendingAuthorization
	err := s.db.QueryRowContext(ctx, `
		SELECT request_id, client_id, redirect_uri, scope, state, response_type,
		       code_challenge, code_challenge_method, user_id, created_at, expires_at
		FROM oauth2_pending_auth
		WHERE request_id = $1`, requestID).Scan(
		&pending.RequestID,
		&pending.ClientID,
		&pending.RedirectURI,
		&pending.Scope,
		&pending.State,
		&pending.ResponseType,
		&pending.CodeChallenge,
		&pending.CodeChallengeMethod,
		&pending.UserID,
		&pending.CreatedAt,
		&pending.ExpiresAt,
	)
	if err != nil {
		return nil, mapNoRows(err)
	}
	return &pending, nil
}

func (s *PostgresStore) UpdatePendingUserID(ctx context.Context, requestID, userID string) error {
	if s.redis != nil {
		pending, err := s.GetPending(ctx, requestID)
		if err != nil {
			return err
		}
		pending.UserID = userID
		return s.SavePending(ctx, pending)
	}
	_, err := s.db.ExecContext(ctx,
		`UPDATE oauth2_pending_auth SET user_id = $2 WHERE request_id = $1`, requestID, userID)
	return err
}

func (s *PostgresStore) DeletePending(ctx context.Context, requestID string) error {
	if s.redis != nil {
		return s.redis.Del(ctx, pendingKey(requestID)).Err()
	}
	_, err := s.db.ExecContext(ctx, `DELETE FROM oauth2_pending_auth WHERE request_id = $1`, requestID)
	return err
}

func pendingKey(requestID string) string {
	return "oauth2:pending:" + requestID
}

// Schema -------------------------------------------------------------------

func (s *PostgresStore) initSchema() error {
	query := `
	CREATE TABLE IF NOT EXISTS oauth2_clients (
		client_id VARCHAR(255) PRIMARY KEY,
		client_secret TEXT,
		name TEXT,
		redirect_uris JSONB NOT NULL,
		grants JSONB NOT NULL,
		scopes JSONB NOT NULL,
		is_confidential BOOLEAN NOT NULL DEFAULT FALSE,
		registration_access_token TEXT,
		client_id_issued_at TIMESTAMP NOT NULL DEFAULT NOW(),
		metadata JSONB NOT NULL DEFAULT '{}',
		created_at TIMESTAMP NOT NULL DEFAULT NOW(),
		updated_at TIMESTAMP NOT NULL DEFAULT NOW()
	);

	CREATE TABLE IF NOT EXISTS oauth2_auth_codes (
		code TEXT PRIMARY KEY,
		user_id VARCHAR(255) NOT NULL,
		client_id VARCHAR(255) NOT NULL,
		redirect_uri TEXT NOT NULL,
		scopes JSONB NOT NULL,
		code_challenge TEXT,
		code_challenge_method TEXT,
		revoked BOOLEAN NOT NULL DEFAULT FALSE,
		expires_at TIMESTAMP NOT NULL,
		created_at TIMESTAMP NOT NULL DEFAULT NOW()
	);

	CREATE TABLE IF NOT EXISTS oauth2_access_tokens (
		token_id TEXT PRIMARY KEY,
		user_id VARCHAR(255),
		client_id VARCHAR(255) NOT NULL,
		scopes JSONB NOT NULL,
		revoked BOOLEAN NOT NULL DEFAULT FALSE,
		expires_at TIMESTAMP NOT NULL,
		created_at TIMESTAMP NOT NULL DEFAULT NOW()
	);

	CREATE TABLE IF NOT EXISTS oauth2_refresh_tokens (
		token_id TEXT PRIMARY KEY,
		access_token_id TEXT NOT NULL,
		revoked BOOLEAN NOT NULL DEFAULT FALSE,
		expires_at TIMESTAMP NOT NULL,
		created_at TIMESTAMP NOT NULL DEFAULT NOW()
	);

	CREATE TABLE IF NOT EXISTS oauth2_pending_auth (
		request_id VARCHAR(255) PRIMARY KEY,
		client_id VARCHAR(255) NOT NULL,
		redirect_uri TEXT NOT NULL,
		scope TEXT,
		state TEXT,
		response_type TEXT NOT NULL,
		code_challenge TEXT,
		code_challenge_method TEXT,
		user_id VARCHAR(255) NOT NULL DEFAULT '',
		created_at TIMESTAMP NOT NULL DEFAULT NOW(),
		expires_at TIMESTAMP NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_oauth2_auth_codes_expires ON oauth2_auth_codes(expires_at);
	CREATE INDEX IF NOT EXISTS idx_oauth2_refresh_tokens_expires ON oauth2_refresh_tokens(expires_at);
	CREATE INDEX IF NOT EXISTS idx_oauth2_access_tokens_client ON oauth2_access_tokens(client_id);
	CREATE INDEX IF NOT EXISTS idx_oauth2_pending_auth_expires ON oauth2_pending_auth(expires_at);
	`

	_, err := s.db.Exec(query)
	return err
}

// Scan and marshal helpers -------------------------------------------------

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanClient(row rowScanner) (*Client, error) {
	var (
		client            Client
		secret, name, reg sql.NullString
		redirectURIs      []byte
		grants            []byte
		scopes            []byte
		meta              []byte
	)
	err := row.Scan(
		&client.ClientID,
		&secret,
		&name,
		&redirectURIs,
		&grants,
		&scopes,
		&client.Confidential,
		&reg,
		&client.ClientIDIssuedAt,
		&meta,
		&client.CreatedAt,
		&client.UpdatedAt,
	)
	if err != nil {
		return nil, mapNoRows(err)
	}
	client.SecretHash = secret.String
	client.Name = name.String
	client.RegistrationAccessToken = reg.String
	if err := json.Unmarshal(redirectURIs, &client.RedirectURIs); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(grants, &client.GrantTypes); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(scopes, &client.Scopes); err != nil {
		return nil, err
	}
	var md clientMetadata
	if len(meta) > 0 {
		if err := json.Unmarshal(meta, &md); err != nil {
			return nil, err
		}
	}
	client.TokenEndpointAuthMethod = md.TokenEndpointAuthMethod
	client.Contacts = md.Contacts
	client.ClientURI = md.ClientURI
	client.LogoURI = md.LogoURI
	client.TOSURI = md.TOSURI
	client.PolicyURI = md.PolicyURI
	client.SoftwareID = md.SoftwareID
	client.SoftwareVersion = md.SoftwareVersion
	client.RegistrationClientURI = md.RegistrationClientURI
	client.SecretExpiresAt = md.SecretExpiresAt
	return &client, nil
}

func scanAuthCode(row rowScanner) (*AuthorizationCode, error) {
	var (
		code              AuthorizationCode
		challenge, method sql.NullString
		scopes            []byte
	)
	err := row.Scan(
		&code.Code,
		&code.UserID,
		&code.ClientID,
		&code.RedirectURI,
		&scopes,
		&challenge,
		&method,
		&code.Revoked,
		&code.ExpiresAt,
		&code.CreatedAt,
	)
	if err != nil {
		return nil, mapNoRows(err)
	}
	code.CodeChallenge = challenge.String
	code.CodeChallengeMethod = method.String
	if err := json.Unmarshal(scopes, &code.Scopes); err != nil {
		return nil, err
	}
	return &code, nil
}

func scanRefreshToken(row rowScanner) (*RefreshToken, error) {
	var token RefreshToken
	err := row.Scan(
		&token.TokenID,
		&token.AccessTokenID,
		&token.Revoked,
		&token.ExpiresAt,
		&token.CreatedAt,
	)
	if err != nil {
		return nil, mapNoRows(err)
	}
	return &token, nil
}

func marshalClientColumns(client *Client) (redirectURIs, grants, scopes, meta []byte, err error) {
	if redirectURIs, err = json.Marshal(client.RedirectURIs); err != nil {
		return
	}
	if grants, err = json.Marshal(client.GrantTypes); err != nil {
		return
	}
	if scopes, err = json.Marshal(client.Scopes); err != nil {
		return
	}
	meta, err = json.Marshal(clientMetadata{
		TokenEndpointAuthMethod: client.TokenEndpointAuthMethod,
		Contacts:                client.Contacts,
		ClientURI:               client.ClientURI,
		LogoURI:                 client.LogoURI,
		TOSURI:                  client.TOSURI,
		PolicyURI:               client.PolicyURI,
		SoftwareID:              client.SoftwareID,
		SoftwareVersion:         client.SoftwareVersion,
		RegistrationClientURI:   client.RegistrationClientURI,
		SecretExpiresAt:         client.SecretExpiresAt,
	})
	return
}

// checkClientSecret verifies a presented secret against the stored bcrypt
// hash. Public clients carry no secret and always pass.
func checkClientSecret(client *Client, secret string) bool {
	return client.VerifySecret(secret)
}

// mapPQError translates a Postgres unique violation into ErrDuplicate so the
// issuer can retry with a fresh identifier.
func mapPQError(err error) error {
	if err == nil {
		return nil
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == "23505" {
		return ErrDuplicate
	}
	return err
}

func mapNoRows(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	return err
}

func requireRowAffected(result sql.Result) error {
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}

func nullableString(val string) sql.NullString {
	if val == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: val, Valid: true}
}

func parseEnvInt(key string, fallback int) int {
	if val := os.Getenv(key); val != "" {
		if parsed, err := strconv.Atoi(val); err == nil {
			return parsed
		}
	}
	return fallback
}
