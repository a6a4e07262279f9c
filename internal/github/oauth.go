package github

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// defaultOAuthBaseURL is the host serving the OAuth token endpoint; it is
// distinct from the REST API host.
const defaultOAuthBaseURL = "https://github.com"

// OAuthToken is the result of a code exchange or refresh-token grant.
type OAuthToken struct {
	AccessToken      string
	ExpiresAt        time.Time
	RefreshToken     string
	RefreshExpiresAt time.Time
	TokenType        string
	Scope            string
}

// OAuthClient drives the provider's OAuth token endpoint with the app's
// client credentials.
type OAuthClient struct {
	clientID     string
	clientSecret string
	baseURL      string
	httpClient   *http.Client
}

// NewOAuthClient builds an OAuth client. baseURL overrides the token
// endpoint host when non-empty (mock servers in tests).
func NewOAuthClient(clientID, clientSecret, baseURL string) *OAuthClient {
	if baseURL == "" {
		baseURL = defaultOAuthBaseURL
	}
	return &OAuthClient{
		clientID:     clientID,
		clientSecret: clientSecret,
		baseURL:      strings.TrimSuffix(baseURL, "/"),
		httpClient:   &http.Client{Timeout: 30 * time.Second},
	}
}

// AuthorizeURL returns the URL a user visits to grant the app access.
func (c *OAuthClient) AuthorizeURL(state string) string {
	q := url.Values{}
	q.Set("client_id", c.clientID)
	q.Set("state", state)
	return c.baseURL + "/login/oauth/authorize?" + q.Encode()
}

// ExchangeCode trades an authorization code for tokens.
func (c *OAuthClient) ExchangeCode(ctx context.Context, code string) (OAuthToken, error) {
	return c.tokenRequest(ctx, url.Values{
		"client_id":     {c.clientID},
		"client_secret": {c.clientSecret},
		"code":          {code},
	})
}

// RefreshToken runs the refresh-token grant and returns the renewed tokens.
func (c *OAuthClient) RefreshToken(ctx context.Context, refreshToken string) (OAuthToken, error) {
	return c.tokenRequest(ctx, url.Values{
		"client_id":     {c.clientID},
		"client_secret": {c.clientSecret},
		"grant_type":    {"refresh_token"},
		"refresh_token": {refreshToken},
	})
}

type oauthTokenResponse struct {
	AccessToken           string `json:"access_token"`
	ExpiresIn             int64  `json:"expires_in"`
	RefreshToken          string `json:"refresh_token"`
	RefreshTokenExpiresIn int64  `json:"refresh_token_expires_in"`
	TokenType             string `json:"token_type"`
	Scope                 string `json:"scope"`
	Error                 string `json:"error"`
	ErrorDescription      string `json:"error_description"`
}

func (c *OAuthClient) tokenRequest(ctx context.Context, form url.Values) (OAuthToken, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/login/oauth/access_token", strings.NewReader(form.Encode()))
	if err != nil {
		return OAuthToken{}, externalErr("building token request", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return OAuthToken{}, externalErr("requesting oauth token", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return OAuthToken{}, externalErr("reading oauth token response", err)
	}
	if resp.StatusCode != http.StatusOK {
		return OAuthToken{}, externalErr("requesting oauth token",
			fmt.Errorf("unexpected status %d", resp.StatusCode))
	}

	var parsed oauthTokenResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return OAuthToken{}, externalErr("parsing oauth token response", err)
	}
	// The endpoint reports grant failures with a 200 and an error field.
	if parsed.Error != "" {
		return OAuthToken{}, externalErr("oauth token grant",
			fmt.Errorf("%s: %s", parsed.Error, parsed.ErrorDescription))
	}
	if parsed.AccessToken == "" {
		return OAuthToken{}, externalErr("oauth token grant",
			fmt.Errorf("response carries no access token"))
	}

	now := time.Now()
	token := OAuthToken{
		AccessToken:  parsed.AccessToken,
		RefreshToken: parsed.RefreshToken,
		TokenType:    parsed.TokenType,
		Scope:        parsed.Scope,
	}
	if parsed.ExpiresIn > 0 {
		token.ExpiresAt = now.Add(time.Duration(parsed.ExpiresIn) * time.Second)
	} else {
		token.ExpiresAt = now.Add(tokenExpiryFallback)
	}
	if parsed.RefreshTokenExpiresIn > 0 {
		token.RefreshExpiresAt = now.Add(time.Duration(parsed.RefreshTokenExpiresIn) * time.Second)
	}
	return token, nil
}
