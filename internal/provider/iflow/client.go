// Package iflow implements the device-code-authenticated iFlow
// provider. The chat API is OpenAI-compatible; streamed text
// interleaves <think> tags that are split into the reasoning channel.
// iFlow rotates refresh tokens on every refresh.
package iflow

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/hikaru-dev/poolgate/internal/adapter"
	"github.com/hikaru-dev/poolgate/internal/provider"
	"github.com/hikaru-dev/poolgate/internal/registry"
)

const (
	defaultClientID = "10009311001"

	deviceAuthURL = "https://iflow.cn/oauth/device/code"
	tokenURL      = "https://iflow.cn/oauth/token"
	apiBaseURL    = "https://apis.iflow.cn/v1"

	// iFlow access tokens live ~24h; refreshing 3h ahead keeps a wide
	// margin because a failed rotation strands the account.
	refreshBuffer = 3 * time.Hour
)

// Client is the iflow provider client.
type Client struct {
	httpClient *http.Client
	clientID   string
}

var _ provider.DeviceClient = (*Client)(nil)

// New builds the client. POOLGATE_IFLOW_CLIENT_ID overrides the
// built-in OAuth app id.
func New() *Client {
	clientID := os.Getenv("POOLGATE_IFLOW_CLIENT_ID")
	if clientID == "" {
		clientID = defaultClientID
	}
	return &Client{
		httpClient: &http.Client{Timeout: 5 * time.Minute},
		clientID:   clientID,
	}
}

func (c *Client) Name() string                 { return registry.ProviderIflow }
func (c *Client) AuthKind() provider.AuthKind  { return provider.AuthDevice }
func (c *Client) RefreshBuffer() time.Duration { return refreshBuffer }
func (c *Client) RotatesRefreshToken() bool    { return true }

// StartDeviceFlow requests a device/user code pair.
func (c *Client) StartDeviceFlow(ctx context.Context) (*provider.DeviceAuth, error) {
	form := url.Values{
		"client_id": {c.clientID},
		"scope":     {"openid profile api"},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, deviceAuthURL, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("device flow start failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, &provider.UpstreamError{StatusCode: resp.StatusCode, Body: string(raw)}
	}

	var auth provider.DeviceAuth
	if err := json.NewDecoder(resp.Body).Decode(&auth); err != nil {
		return nil, fmt.Errorf("device flow decode failed: %w", err)
	}
	if auth.Interval == 0 {
		auth.Interval = 5
	}
	return &auth, nil
}

type tokenResponse struct {
	AccessToken      string `json:"access_token"`
	RefreshToken     string `json:"refresh_token"`
	ExpiresIn        int    `json:"expires_in"`
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description"`
	// identity fields iFlow includes alongside the tokens
	UserID string `json:"user_id"`
	Email  string `json:"email"`
	Name   string `json:"nickname"`
}

// Exchange polls the token endpoint once with the device code. While
// the user has not approved yet it returns ErrAuthorizationPending so
// the caller keeps polling on the advertised interval.
func (c *Client) Exchange(ctx context.Context, deviceCode, _ string) (*provider.TokenSet, error) {
	return c.token(ctx, url.Values{
		"client_id":   {c.clientID},
		"grant_type":  {"urn:ietf:params:oauth:grant-type:device_code"},
		"device_code": {deviceCode},
	})
}

// Refresh mints a new token pair. The returned refresh token replaces
// the stored one; the old one is dead the moment this succeeds.
func (c *Client) Refresh(ctx context.Context, refreshToken string) (*provider.TokenSet, error) {
	return c.token(ctx, url.Values{
		"client_id":     {c.clientID},
		"grant_type":    {"refresh_token"},
		"refresh_token": {refreshToken},
	})
}

func (c *Client) token(ctx context.Context, form url.Values) (*provider.TokenSet, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, tokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("token request failed: %w", err)
	}
	defer resp.Body.Close()

	var tok tokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&tok); err != nil {
		return nil, fmt.Errorf("token decode failed: %w", err)
	}
	switch tok.Error {
	case "":
	case "authorization_pending", "slow_down":
		return nil, provider.ErrAuthorizationPending
	default:
		return nil, fmt.Errorf("oauth error %s: %s", tok.Error, tok.ErrorDescription)
	}
	if tok.AccessToken == "" {
		return nil, fmt.Errorf("token response missing access_token")
	}

	external := tok.UserID
	if external == "" {
		external = tok.Email
	}
	return &provider.TokenSet{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		ExpiresAt:    time.Now().Add(time.Duration(tok.ExpiresIn) * time.Second),
		Identity: provider.Identity{
			ExternalID: external,
			Email:      tok.Email,
			Name:       tok.Name,
		},
	}, nil
}

// Call issues an OpenAI-compatible chat request. Inline <think> tags in
// the response text are routed to the reasoning channel.
func (c *Client) Call(ctx context.Context, accessToken, _ string, req *adapter.Request) (*provider.Result, error) {
	payload := adapter.BuildOpenAIChatPayload(req, req.Model)
	// iFlow's OpenAI compatibility rejects these fields.
	delete(payload, "stop")
	delete(payload, "stream_options")

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, apiBaseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+accessToken)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("upstream request failed: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		resp.Body.Close()
		return nil, &provider.UpstreamError{StatusCode: resp.StatusCode, Body: string(raw)}
	}

	if req.Stream {
		return &provider.Result{Events: adapter.NormalizeOpenAIStream(ctx, resp.Body, true)}, nil
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read upstream response: %w", err)
	}
	completion, err := adapter.ParseOpenAIChatCompletion(raw, true)
	if err != nil {
		return nil, err
	}
	completion.Model = req.Model
	return &provider.Result{Completion: completion}, nil
}
