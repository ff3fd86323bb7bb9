package oauth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// ErrExchangeFailed wraps provider-side failures during the code-for-token
// exchange or the userinfo fetch.
var ErrExchangeFailed = errors.New("oauth exchange failed")

// QuotaGate limits outbound provider calls. A nil gate means unlimited.
type QuotaGate interface {
	TryIncrement(ctx context.Context, api string) (bool, error)
}

// ProviderToken is the provider's token response.
type ProviderToken struct {
	AccessToken  string `json:"access_token"`
	TokenType    string `json:"token_type"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int64  `json:"expires_in"`
}

// UserInfo is the subset of the userinfo document the engine links on.
type UserInfo struct {
	Subject string `json:"sub"`
	Email   string `json:"email"`
	Name    string `json:"name"`
}

// Client talks to provider token and userinfo endpoints.
type Client struct {
	http  *http.Client
	quota QuotaGate
}

func NewClient(timeout time.Duration, quota QuotaGate) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		http:  &http.Client{Timeout: timeout},
		quota: quota,
	}
}

// WithHTTPClient swaps the underlying transport, for custom proxies or
// pinned TLS roots. A nil client is ignored.
func (c *Client) WithHTTPClient(httpClient *http.Client) *Client {
	if httpClient != nil {
		c.http = httpClient
	}
	return c
}

func (c *Client) checkQuota(ctx context.Context, provider Provider) error {
	if c.quota == nil {
		return nil
	}
	allowed, err := c.quota.TryIncrement(ctx, "oauth_"+provider.Name)
	if err != nil {
		return err
	}
	if !allowed {
		return fmt.Errorf("%w: provider quota exhausted", ErrExchangeFailed)
	}
	return nil
}

// Exchange redeems the authorization code with the PKCE verifier.
func (c *Client) Exchange(ctx context.Context, provider Provider, code, verifier string) (ProviderToken, error) {
	if err := ValidateEndpointHost(provider.TokenURL, provider.AuthHost); err != nil {
		return ProviderToken{}, err
	}
	if err := c.checkQuota(ctx, provider); err != nil {
		return ProviderToken{}, err
	}

	form := url.Values{}
	form.Set("grant_type", "authorization_code")
	form.Set("code", code)
	form.Set("redirect_uri", provider.RedirectURL)
	form.Set("client_id", provider.ClientID)
	form.Set("code_verifier", verifier)
	if provider.ClientSecret != "" {
		form.Set("client_secret", provider.ClientSecret)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, provider.TokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return ProviderToken{}, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return ProviderToken{}, fmt.Errorf("%w: %v", ErrExchangeFailed, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return ProviderToken{}, fmt.Errorf("%w: token endpoint returned %d", ErrExchangeFailed, resp.StatusCode)
	}

	var token ProviderToken
	if err := json.NewDecoder(resp.Body).Decode(&token); err != nil {
		return ProviderToken{}, fmt.Errorf("%w: %v", ErrExchangeFailed, err)
	}
	if token.AccessToken == "" {
		return ProviderToken{}, fmt.Errorf("%w: empty access token", ErrExchangeFailed)
	}
	return token, nil
}

// FetchUserInfo retrieves the identity document for the exchanged token.
func (c *Client) FetchUserInfo(ctx context.Context, provider Provider, token ProviderToken) (UserInfo, error) {
	if err := ValidateEndpointHost(provider.UserInfoURL, provider.AuthHost); err != nil {
		return UserInfo{}, err
	}
	if err := c.checkQuota(ctx, provider); err != nil {
		return UserInfo{}, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, provider.UserInfoURL, nil)
	if err != nil {
		return UserInfo{}, err
	}
	req.Header.Set("Authorization", "Bearer "+token.AccessToken)
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return UserInfo{}, fmt.Errorf("%w: %v", ErrExchangeFailed, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return UserInfo{}, fmt.Errorf("%w: userinfo endpoint returned %d", ErrExchangeFailed, resp.StatusCode)
	}

	var info UserInfo
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		return UserInfo{}, fmt.Errorf("%w: %v", ErrExchangeFailed, err)
	}
	if info.Subject == "" {
		return UserInfo{}, fmt.Errorf("%w: userinfo missing subject", ErrExchangeFailed)
	}
	return info, nil
}
