package tokens

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/vernite/vernite/internal/db"
	"github.com/vernite/vernite/internal/github"
)

type fakeStore struct {
	installationUpdates  int
	authorizationUpdates int
	lastToken            string
	lastExpiry           time.Time
}

func (s *fakeStore) UpdateInstallationToken(id int64, token string, expiresAt time.Time) error {
	s.installationUpdates++
	s.lastToken = token
	s.lastExpiry = expiresAt
	return nil
}

func (s *fakeStore) UpdateAuthorizationToken(id int64, accessToken string, expiresAt time.Time, refreshToken string, refreshExpiresAt time.Time) error {
	s.authorizationUpdates++
	s.lastToken = accessToken
	s.lastExpiry = expiresAt
	return nil
}

type fakeAppClient struct {
	calls int
	token github.InstallationToken
	err   error
}

func (c *fakeAppClient) CreateInstallationToken(ctx context.Context, installationID int64) (github.InstallationToken, error) {
	c.calls++
	return c.token, c.err
}

type fakeOAuthClient struct {
	calls int
	token github.OAuthToken
	err   error
}

func (c *fakeOAuthClient) RefreshToken(ctx context.Context, refreshToken string) (github.OAuthToken, error) {
	c.calls++
	return c.token, c.err
}

func TestEnsureInstallation_ValidTokenSkipsRenewal(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	store := &fakeStore{}
	app := &fakeAppClient{}
	r := New(store, app, nil)
	r.now = func() time.Time { return now }

	inst := db.Installation{ID: 7, Token: "still-good", ExpiresAt: now.Add(30 * time.Minute)}
	got, err := r.EnsureInstallation(context.Background(), inst)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if app.calls != 0 {
		t.Errorf("renewal calls = %d, want 0", app.calls)
	}
	if got.Token != "still-good" {
		t.Errorf("Token = %q, want unchanged", got.Token)
	}
	if store.installationUpdates != 0 {
		t.Errorf("store updates = %d, want 0", store.installationUpdates)
	}
}

func TestEnsureInstallation_ExpiredTokenRenewsOnce(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	oldExpiry := now.Add(-time.Minute)
	newExpiry := now.Add(time.Hour)

	store := &fakeStore{}
	app := &fakeAppClient{token: github.InstallationToken{Token: "fresh", ExpiresAt: newExpiry}}
	r := New(store, app, nil)
	r.now = func() time.Time { return now }

	inst := db.Installation{ID: 7, Token: "stale", ExpiresAt: oldExpiry}
	got, err := r.EnsureInstallation(context.Background(), inst)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if app.calls != 1 {
		t.Errorf("renewal calls = %d, want 1", app.calls)
	}
	if got.Token != "fresh" {
		t.Errorf("Token = %q, want %q", got.Token, "fresh")
	}
	if !got.ExpiresAt.After(oldExpiry) {
		t.Errorf("ExpiresAt = %v, want after %v", got.ExpiresAt, oldExpiry)
	}
	if store.installationUpdates != 1 {
		t.Errorf("store updates = %d, want 1", store.installationUpdates)
	}
	if store.lastToken != "fresh" {
		t.Errorf("persisted token = %q, want %q", store.lastToken, "fresh")
	}
}

func TestEnsureInstallation_ExpiryBoundaryRenews(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	store := &fakeStore{}
	app := &fakeAppClient{token: github.InstallationToken{Token: "fresh", ExpiresAt: now.Add(time.Hour)}}
	r := New(store, app, nil)
	r.now = func() time.Time { return now }

	// now == expiry must renew.
	inst := db.Installation{ID: 7, Token: "stale", ExpiresAt: now}
	if _, err := r.EnsureInstallation(context.Background(), inst); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if app.calls != 1 {
		t.Errorf("renewal calls = %d, want 1", app.calls)
	}
}

func TestEnsureInstallation_RenewalFailurePropagates(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	wantErr := errors.New("provider down")
	store := &fakeStore{}
	app := &fakeAppClient{err: wantErr}
	r := New(store, app, nil)
	r.now = func() time.Time { return now }

	inst := db.Installation{ID: 7, ExpiresAt: now.Add(-time.Second)}
	_, err := r.EnsureInstallation(context.Background(), inst)
	if !errors.Is(err, wantErr) {
		t.Fatalf("error = %v, want %v", err, wantErr)
	}
	if store.installationUpdates != 0 {
		t.Errorf("store updates = %d, want 0 on failure", store.installationUpdates)
	}
}

func TestEnsureAuthorization_ExpiredTokenRenewsOnce(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	newExpiry := now.Add(8 * time.Hour)

	store := &fakeStore{}
	oauth := &fakeOAuthClient{token: github.OAuthToken{
		AccessToken:      "fresh-access",
		ExpiresAt:        newExpiry,
		RefreshToken:     "fresh-refresh",
		RefreshExpiresAt: now.Add(180 * 24 * time.Hour),
	}}
	r := New(store, nil, oauth)
	r.now = func() time.Time { return now }

	auth := db.Authorization{ID: 99, AccessToken: "stale", RefreshToken: "old-refresh", ExpiresAt: now.Add(-time.Hour)}
	got, err := r.EnsureAuthorization(context.Background(), auth)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if oauth.calls != 1 {
		t.Errorf("renewal calls = %d, want 1", oauth.calls)
	}
	if got.AccessToken != "fresh-access" {
		t.Errorf("AccessToken = %q, want %q", got.AccessToken, "fresh-access")
	}
	if got.RefreshToken != "fresh-refresh" {
		t.Errorf("RefreshToken = %q, want %q", got.RefreshToken, "fresh-refresh")
	}
	if store.authorizationUpdates != 1 {
		t.Errorf("store updates = %d, want 1", store.authorizationUpdates)
	}
}

func TestEnsureAuthorization_ValidTokenSkipsRenewal(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	store := &fakeStore{}
	oauth := &fakeOAuthClient{}
	r := New(store, nil, oauth)
	r.now = func() time.Time { return now }

	auth := db.Authorization{ID: 99, AccessToken: "valid", ExpiresAt: now.Add(time.Minute)}
	got, err := r.EnsureAuthorization(context.Background(), auth)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if oauth.calls != 0 {
		t.Errorf("renewal calls = %d, want 0", oauth.calls)
	}
	if got.AccessToken != "valid" {
		t.Errorf("AccessToken = %q, want unchanged", got.AccessToken)
	}
}
