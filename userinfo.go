package oauthx

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"golang.org/x/oauth2"
)

const maxUserInfoBody = 1 << 20

// UserInfoFetcher fetches profile claims for an access token.
type UserInfoFetcher interface {
	GetUserInfo(ctx context.Context, accessToken string) (UserInfoClaims, error)
}

// UserInfoConfig configures a UserInfoClient.
type UserInfoConfig struct {
	Endpoint    string
	HTTPTimeout time.Duration
	// HTTPClient is the base client; the bearer token is layered on top of its transport.
	HTTPClient *http.Client
}

// UserInfoClient calls the identity provider's user-info endpoint with the
// caller's bearer token. It never retries; the Authorizer decides what a
// failure means for the request.
type UserInfoClient struct {
	endpoint string
	timeout  time.Duration
	base     *http.Client
}

// NewUserInfoClient builds a client for the given endpoint.
func NewUserInfoClient(cfg UserInfoConfig) (*UserInfoClient, error) {
	if strings.TrimSpace(cfg.Endpoint) == "" {
		return nil, errors.New("user info endpoint is required")
	}
	timeout := cfg.HTTPTimeout
	if timeout <= 0 {
		timeout = defaultHTTPTimeout
	}
	base := cfg.HTTPClient
	if base == nil {
		base = &http.Client{
			Transport: &http.Transport{Proxy: http.ProxyFromEnvironment},
		}
	}
	return &UserInfoClient{endpoint: cfg.Endpoint, timeout: timeout, base: base}, nil
}

// Endpoint returns the configured user-info URL.
func (c *UserInfoClient) Endpoint() string {
	return c.endpoint
}

// GetUserInfo implements UserInfoFetcher.
func (c *UserInfoClient) GetUserInfo(ctx context.Context, accessToken string) (UserInfoClaims, error) {
	if accessToken == "" {
		return UserInfoClaims{}, newError(ErrCodeNoToken, errors.New("token is empty"))
	}
	callCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	client := oauth2.NewClient(
		context.WithValue(callCtx, oauth2.HTTPClient, c.base),
		oauth2.StaticTokenSource(&oauth2.Token{AccessToken: accessToken, TokenType: "Bearer"}),
	)
	req, err := http.NewRequestWithContext(callCtx, http.MethodGet, c.endpoint, nil)
	if err != nil {
		return UserInfoClaims{}, newError(ErrCodeInternal, fmt.Errorf("build user info request: %w", err))
	}
	req.Header.Set("Accept", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return UserInfoClaims{}, newError(ErrCodeUserInfo, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxUserInfoBody))
	if err != nil {
		return UserInfoClaims{}, newError(ErrCodeUserInfo, fmt.Errorf("read user info response: %w", err))
	}
	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		// the provider rejected the token itself
		return UserInfoClaims{}, newStatusError(ErrCodeUserInfo, http.StatusUnauthorized,
			fmt.Errorf("user info endpoint returned %d", resp.StatusCode))
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		return UserInfoClaims{}, newError(ErrCodeUserInfo,
			fmt.Errorf("user info endpoint returned %d: %s", resp.StatusCode, truncate(string(body), 256)))
	}

	var info UserInfoClaims
	if err := json.Unmarshal(body, &info); err != nil {
		return UserInfoClaims{}, newError(ErrCodeUserInfo, fmt.Errorf("decode user info response: %w", err))
	}
	info.Email = strings.ToLower(info.Email)
	return info, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
