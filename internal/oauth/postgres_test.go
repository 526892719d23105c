package oauth

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
)

func newMockStore(t *testing.T) (*PostgresStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return NewPostgresStore(db), mock
}

func expectMet(t *testing.T, mock sqlmock.Sqlmock) {
	t.Helper()
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func clientColumns() []string {
	return []string{
		"client_id", "client_secret", "name", "redirect_uris", "grants", "scopes",
		"is_confidential", "registration_access_token", "client_id_issued_at",
		"metadata", "created_at", "updated_at",
	}
}

func TestPostgresGetClient(t *testing.T) {
	store, mock := newMockStore(t)
	now := time.Now()

	rows := sqlmock.NewRows(clientColumns()).AddRow(
		"client-1",
		"$2a$10$hash",
		"Example",
		[]byte(`["https://example.com/cb"]`),
		[]byte(`["authorization_code","refresh_token"]`),
		[]byte(`["read","write"]`),
		true,
		"reg-token",
		now,
		[]byte(`{"token_endpoint_auth_method":"client_secret_basic","contacts":["ops@example.com"]}`),
		now,
		now,
	)
	mock.ExpectQuery("SELECT client_id, client_secret, name, redirect_uris, grants, scopes").
		WithArgs("client-1").
		WillReturnRows(rows)

	client, err := store.GetClient(context.Background(), "client-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if client.ClientID != "client-1" || client.SecretHash != "$2a$10$hash" {
		t.Errorf("client = %+v", client)
	}
	if len(client.GrantTypes) != 2 || client.GrantTypes[0] != GrantAuthorizationCode {
		t.Errorf("grants = %v", client.GrantTypes)
	}
	if client.TokenEndpointAuthMethod != "client_secret_basic" || len(client.Contacts) != 1 {
		t.Errorf("metadata not unpacked: %+v", client)
	}
	expectMet(t, mock)
}

func TestPostgresGetClientNotFound(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectQuery("SELECT client_id, client_secret, name, redirect_uris, grants, scopes").
		WithArgs("absent").
		WillReturnError(sql.ErrNoRows)

	if _, err := store.GetClient(context.Background(), "absent"); err != ErrNotFound {
		t.Fatalf("got %v, want ErrNotFound", err)
	}
	expectMet(t, mock)
}

func TestPostgresCreateAccessTokenDuplicate(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectExec("INSERT INTO oauth2_access_tokens").
		WillReturnError(&pq.Error{Code: "23505"})

	token := &AccessToken{TokenID: "tok", ClientID: "c", Scopes: []string{"read"}, ExpiresAt: time.Now().Add(time.Hour), CreatedAt: time.Now()}
	if err := store.CreateAccessToken(context.Background(), token); err != ErrDuplicate {
		t.Fatalf("got %v, want ErrDuplicate", err)
	}
	expectMet(t, mock)
}

func TestPostgresConsumeAuthCode(t *testing.T) {
	store, mock := newMockStore(t)
	now := time.Now()

	rows := sqlmock.NewRows([]string{
		"code", "user_id", "client_id", "redirect_uri", "scopes",
		"code_challenge", "code_challenge_method", "revoked", "expires_at", "created_at",
	}).AddRow(
		"code-1", "user-1", "client-1", "https://example.com/cb",
		[]byte(`["read"]`), nil, nil, true, now.Add(10*time.Minute), now,
	)
	mock.ExpectQuery("UPDATE oauth2_auth_codes SET revoked = TRUE").
		WithArgs("code-1").
		WillReturnRows(rows)

	code, err := store.ConsumeAuthCode(context.Background(), "code-1")
	if err != nil {
		t.Fatalf("consume: %v", err)
	}
	if code.UserID != "user-1" || !code.Revoked {
		t.Errorf("code = %+v", code)
	}
	expectMet(t, mock)
}

func TestPostgresConsumeAuthCodeAlreadyUsed(t *testing.T) {
	store, mock := newMockStore(t)

	// The guarded UPDATE matches no rows once revoked.
	mock.ExpectQuery("UPDATE oauth2_auth_codes SET revoked = TRUE").
		WithArgs("code-1").
		WillReturnError(sql.ErrNoRows)

	if _, err := store.ConsumeAuthCode(context.Background(), "code-1"); err != ErrNotFound {
		t.Fatalf("got %v, want ErrNotFound", err)
	}
	expectMet(t, mock)
}

func TestPostgresConsumeRefreshToken(t *testing.T) {
	store, mock := newMockStore(t)
	now := time.Now()

	rows := sqlmock.NewRows([]string{"token_id", "access_token_id", "revoked", "expires_at", "created_at"}).
		AddRow("rt-1", "at-1", true, now.Add(time.Hour), now)
	mock.ExpectQuery("UPDATE oauth2_refresh_tokens SET revoked = TRUE").
		WithArgs("rt-1").
		WillReturnRows(rows)

	token, err := store.ConsumeRefreshToken(context.Background(), "rt-1")
	if err != nil {
		t.Fatalf("consume: %v", err)
	}
	if token.AccessTokenID != "at-1" {
		t.Errorf("token = %+v", token)
	}
	expectMet(t, mock)
}

func TestPostgresRevokeAccessTokenNotFound(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectExec("UPDATE oauth2_access_tokens SET revoked = TRUE").
		WithArgs("absent").
		WillReturnResult(sqlmock.NewResult(0, 0))

	if err := store.RevokeAccessToken(context.Background(), "absent"); err != ErrNotFound {
		t.Fatalf("got %v, want ErrNotFound", err)
	}
	expectMet(t, mock)
}

func TestPostgresDeleteExpiredAuthCodes(t *testing.T) {
	store, mock := newMockStore(t)
	cutoff := time.Now()

	mock.ExpectExec("DELETE FROM oauth2_auth_codes WHERE expires_at").
		WithArgs(cutoff).
		WillReturnResult(sqlmock.NewResult(0, 3))

	count, err := store.DeleteExpiredAuthCodes(context.Background(), cutoff)
	if err != nil {
		t.Fatalf("delete: %v", err)
	}
	if count != 3 {
		t.Errorf("count = %d, want 3", count)
	}
	expectMet(t, mock)
}

func TestPostgresUpdateClientNotFound(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectExec("UPDATE oauth2_clients SET").
		WillReturnResult(sqlmock.NewResult(0, 0))

	client := &Client{ClientID: "absent", RedirectURIs: []string{}, GrantTypes: []GrantType{}, Scopes: []string{}}
	if err := store.UpdateClient(context.Background(), client); err != ErrNotFound {
		t.Fatalf("got %v, want ErrNotFound", err)
	}
	expectMet(t, mock)
}

func TestPostgresGetAccessToken(t *testing.T) {
	store, mock := newMockStore(t)
	now := time.Now()

	rows := sqlmock.NewRows([]string{"token_id", "user_id", "client_id", "scopes", "revoked", "expires_at", "created_at"}).
		AddRow("tok-1", nil, "client-1", []byte(`["read","write"]`), false, now.Add(time.Hour), now)
	mock.ExpectQuery("SELECT token_id, user_id, client_id, scopes, revoked, expires_at, created_at").
		WithArgs("tok-1").
		WillReturnRows(rows)

	token, err := store.GetAccessToken(context.Background(), "tok-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if token.UserID != "" || len(token.Scopes) != 2 {
		t.Errorf("token = %+v", token)
	}
	expectMet(t, mock)
}
