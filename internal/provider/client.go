// Package provider talks to the external accounting platform: the OAuth
// token endpoint and the REST surface whose responses carry quota headers.
package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/oauth2"
)

// ErrMalformedTokenResponse signals a token payload missing required
// fields; likely a provider contract change, fatal for this call.
var ErrMalformedTokenResponse = errors.New("malformed token response from provider")

// TokenSet is the triple returned by a successful exchange or refresh.
// ExpiresAt is absolute unix seconds.
type TokenSet struct {
	AccessToken  string
	RefreshToken string
	ExpiresAt    int64
}

// Endpoints locates the provider's OAuth and REST surfaces.
type Endpoints struct {
	AuthURL     string
	TokenURL    string
	APIBaseURL  string
	RedirectURL string
}

// Client wraps the provider's HTTP surface. One client serves all
// connections; per-connection credentials are passed per call.
type Client struct {
	endpoints  Endpoints
	httpClient *http.Client
}

func NewClient(endpoints Endpoints) *Client {
	return &Client{
		endpoints: endpoints,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// OAuthConfig builds the authorization-code flow config for a connection.
func (c *Client) OAuthConfig(clientID, clientSecret string) *oauth2.Config {
	return &oauth2.Config{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		RedirectURL:  c.endpoints.RedirectURL,
		Endpoint: oauth2.Endpoint{
			AuthURL:  c.endpoints.AuthURL,
			TokenURL: c.endpoints.TokenURL,
		},
	}
}

// Exchange trades an authorization code for the first token pair.
func (c *Client) Exchange(ctx context.Context, clientID, clientSecret, code string) (*TokenSet, error) {
	ctx = context.WithValue(ctx, oauth2.HTTPClient, c.httpClient)
	tok, err := c.OAuthConfig(clientID, clientSecret).Exchange(ctx, code)
	if err != nil {
		return nil, fmt.Errorf("exchange authorization code: %w", err)
	}
	if tok.AccessToken == "" || tok.RefreshToken == "" {
		return nil, ErrMalformedTokenResponse
	}
	return &TokenSet{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		ExpiresAt:    tok.Expiry.Unix(),
	}, nil
}

// Refresh exchanges a refresh token for a new triple. Done with a manual
// form post rather than oauth2.TokenSource so the rotated refresh token
// and expires_in are always captured; the provider rotates the refresh
// token on every use and only the returned one stays valid.
func (c *Client) Refresh(ctx context.Context, clientID, clientSecret, refreshToken string) (*TokenSet, error) {
	form := url.Values{}
	form.Set("grant_type", "refresh_token")
	form.Set("refresh_token", refreshToken)
	form.Set("client_id", clientID)
	form.Set("client_secret", clientSecret)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoints.TokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("build refresh request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("refresh request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("refresh failed with status %d: %s", resp.StatusCode, string(body))
	}

	var result struct {
		AccessToken  string `json:"access_token"`
		RefreshToken string `json:"refresh_token"`
		ExpiresIn    int64  `json:"expires_in"`
		ExpiresAt    int64  `json:"expires_at"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedTokenResponse, err)
	}
	if result.AccessToken == "" || result.RefreshToken == "" {
		return nil, ErrMalformedTokenResponse
	}

	expiresAt := result.ExpiresAt
	if expiresAt == 0 {
		if result.ExpiresIn <= 0 {
			return nil, ErrMalformedTokenResponse
		}
		expiresAt = time.Now().Unix() + result.ExpiresIn
	}

	return &TokenSet{
		AccessToken:  result.AccessToken,
		RefreshToken: result.RefreshToken,
		ExpiresAt:    expiresAt,
	}, nil
}

// CurrentDivision fetches the tenant partition for the authenticated user.
func (c *Client) CurrentDivision(ctx context.Context, accessToken string) (int64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoints.APIBaseURL+"/current/Me", nil)
	if err != nil {
		return 0, fmt.Errorf("build division request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, fmt.Errorf("division request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return 0, fmt.Errorf("division request failed with status %d: %s", resp.StatusCode, string(body))
	}

	var result struct {
		D struct {
			Results []struct {
				CurrentDivision int64 `json:"CurrentDivision"`
			} `json:"results"`
		} `json:"d"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return 0, fmt.Errorf("decode division response: %w", err)
	}
	if len(result.D.Results) == 0 {
		return 0, fmt.Errorf("division response carried no results")
	}
	return result.D.Results[0].CurrentDivision, nil
}

// IsPermanentAuthError reports whether a refresh failure means the
// credential itself is dead and no retry can help.
func IsPermanentAuthError(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	markers := []string{
		"invalid_grant",
		"invalid_client",
		"unauthorized_client",
		"token has been expired or revoked",
		"revoked",
	}
	for _, marker := range markers {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}
