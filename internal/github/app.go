package github

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/bradleyfalzon/ghinstallation/v2"
	jwt "github.com/golang-jwt/jwt/v4"
	gh "github.com/google/go-github/v68/github"
)

// assertionLifetime bounds the signed assertion used to authenticate as the
// app itself.
const assertionLifetime = 10 * time.Minute

// AppClient authenticates as the GitHub App (signed assertion) and exchanges
// assertions for installation bearer tokens.
type AppClient struct {
	gh *gh.Client
}

// NewAppClient builds an app-authenticated client from the app id and the
// PEM private key at keyPath.
func NewAppClient(appID int64, keyPath string, opts ...Option) (*AppClient, error) {
	cfg := &clientConfig{}
	for _, o := range opts {
		o(cfg)
	}

	keyData, err := os.ReadFile(keyPath)
	if err != nil {
		return nil, fmt.Errorf("reading private key %s: %w", keyPath, err)
	}
	key, err := jwt.ParseRSAPrivateKeyFromPEM(keyData)
	if err != nil {
		return nil, fmt.Errorf("parsing private key: %w", err)
	}

	signer := &appSigner{
		issuer: strconv.FormatInt(appID, 10),
		method: jwt.SigningMethodRS256,
		key:    key,
	}

	atr, err := ghinstallation.NewAppsTransportWithOptions(
		http.DefaultTransport, appID,
		ghinstallation.WithSigner(signer),
	)
	if err != nil {
		return nil, fmt.Errorf("creating apps transport: %w", err)
	}
	if cfg.baseURL != "" {
		atr.BaseURL = cfg.baseURL
	}

	client := gh.NewClient(&http.Client{Transport: atr})
	if cfg.baseURL != "" {
		client, _ = client.WithEnterpriseURLs(cfg.baseURL, cfg.baseURL)
	}
	return &AppClient{gh: client}, nil
}

// InstallationToken is a freshly issued installation bearer token.
type InstallationToken struct {
	Token     string
	ExpiresAt time.Time
}

// CreateInstallationToken exchanges the app's signed assertion for a new
// bearer token for the given installation.
func (c *AppClient) CreateInstallationToken(ctx context.Context, installationID int64) (InstallationToken, error) {
	token, _, err := c.gh.Apps.CreateInstallationToken(ctx, installationID, nil)
	if err != nil {
		return InstallationToken{}, externalErr("creating installation token", err)
	}
	it := InstallationToken{Token: token.GetToken()}
	if token.ExpiresAt != nil {
		it.ExpiresAt = token.ExpiresAt.Time
	} else {
		it.ExpiresAt = time.Now().Add(tokenExpiryFallback)
	}
	return it, nil
}

// appSigner signs the app assertion with issuer = app id, issued-at = now
// and a bounded expiry, regardless of the transport's defaults.
type appSigner struct {
	issuer string
	method jwt.SigningMethod
	key    any
}

func (s *appSigner) Sign(claims jwt.Claims) (string, error) {
	now := time.Now()
	if rc, ok := claims.(*jwt.RegisteredClaims); ok {
		rc.Issuer = s.issuer
		rc.IssuedAt = jwt.NewNumericDate(now)
		rc.ExpiresAt = jwt.NewNumericDate(now.Add(assertionLifetime))
	}
	return jwt.NewWithClaims(s.method, claims).SignedString(s.key)
}
