// Package tokens keeps installation and authorization credentials valid.
// Every outbound flow calls EnsureInstallation or EnsureAuthorization before
// touching the provider; the renewal, when needed, completes and is
// persisted before the dependent call may be issued.
package tokens

import (
	"context"
	"time"

	"github.com/vernite/vernite/internal/db"
	"github.com/vernite/vernite/internal/github"
)

// InstallationTokenCreator exchanges the app's signed assertion for a new
// installation bearer token.
type InstallationTokenCreator interface {
	CreateInstallationToken(ctx context.Context, installationID int64) (github.InstallationToken, error)
}

// OAuthRefresher runs the refresh-token grant.
type OAuthRefresher interface {
	RefreshToken(ctx context.Context, refreshToken string) (github.OAuthToken, error)
}

// Store persists renewed credentials.
type Store interface {
	UpdateInstallationToken(id int64, token string, expiresAt time.Time) error
	UpdateAuthorizationToken(id int64, accessToken string, expiresAt time.Time, refreshToken string, refreshExpiresAt time.Time) error
}

// Refresher validates credentials before use. Concurrent refreshes of the
// same credential are tolerated; each issues an independent valid token.
type Refresher struct {
	store Store
	app   InstallationTokenCreator
	oauth OAuthRefresher
	now   func() time.Time
}

// New creates a Refresher.
func New(store Store, app InstallationTokenCreator, oauth OAuthRefresher) *Refresher {
	return &Refresher{store: store, app: app, oauth: oauth, now: time.Now}
}

// EnsureInstallation returns the installation with a valid bearer token,
// renewing and persisting it first when expired. Callers must use the
// returned value for subsequent calls.
func (r *Refresher) EnsureInstallation(ctx context.Context, inst db.Installation) (db.Installation, error) {
	if !inst.TokenExpired(r.now()) {
		return inst, nil
	}

	token, err := r.app.CreateInstallationToken(ctx, inst.ID)
	if err != nil {
		return db.Installation{}, err
	}
	if err := r.store.UpdateInstallationToken(inst.ID, token.Token, token.ExpiresAt); err != nil {
		return db.Installation{}, err
	}

	inst.Token = token.Token
	inst.ExpiresAt = token.ExpiresAt
	return inst, nil
}

// EnsureAuthorization returns the authorization with a valid access token,
// renewing and persisting it first when expired.
func (r *Refresher) EnsureAuthorization(ctx context.Context, auth db.Authorization) (db.Authorization, error) {
	if !auth.TokenExpired(r.now()) {
		return auth, nil
	}

	token, err := r.oauth.RefreshToken(ctx, auth.RefreshToken)
	if err != nil {
		return db.Authorization{}, err
	}
	if err := r.store.UpdateAuthorizationToken(auth.ID, token.AccessToken, token.ExpiresAt, token.RefreshToken, token.RefreshExpiresAt); err != nil {
		return db.Authorization{}, err
	}

	auth.AccessToken = token.AccessToken
	auth.ExpiresAt = token.ExpiresAt
	auth.RefreshToken = token.RefreshToken
	auth.RefreshExpiresAt = token.RefreshExpiresAt
	return auth, nil
}
