// Package openrouter implements the direct-API-key OpenRouter
// provider. There is no OAuth flow: the key is stored as the access
// token with no expiry and is never refreshed.
package openrouter

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/hikaru-dev/poolgate/internal/adapter"
	"github.com/hikaru-dev/poolgate/internal/provider"
	"github.com/hikaru-dev/poolgate/internal/registry"
)

const apiBaseURL = "https://openrouter.ai/api/v1"

// Client is the openrouter provider client.
type Client struct {
	httpClient *http.Client
}

var _ provider.Client = (*Client)(nil)

// New builds the client.
func New() *Client {
	return &Client{httpClient: &http.Client{Timeout: 5 * time.Minute}}
}

func (c *Client) Name() string                 { return registry.ProviderOpenRouter }
func (c *Client) AuthKind() provider.AuthKind  { return provider.AuthAPIKey }
func (c *Client) RefreshBuffer() time.Duration { return 0 }
func (c *Client) RotatesRefreshToken() bool    { return false }

// Exchange validates an API key against the key endpoint and stores it
// as the access token. The zero ExpiresAt means the credential never
// goes stale.
func (c *Client) Exchange(ctx context.Context, apiKey, _ string) (*provider.TokenSet, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, apiBaseURL+"/key", nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("key validation failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, &provider.UpstreamError{StatusCode: resp.StatusCode, Body: string(raw)}
	}

	var info struct {
		Data struct {
			Label string `json:"label"`
		} `json:"data"`
	}
	_ = json.NewDecoder(resp.Body).Decode(&info)

	external := info.Data.Label
	if external == "" {
		external = maskKey(apiKey)
	}
	return &provider.TokenSet{
		AccessToken: apiKey,
		Identity:    provider.Identity{ExternalID: external, Name: info.Data.Label},
	}, nil
}

// Refresh never applies to API keys.
func (c *Client) Refresh(ctx context.Context, _ string) (*provider.TokenSet, error) {
	return nil, fmt.Errorf("openrouter keys are not refreshable")
}

// Call issues an OpenAI-compatible chat request.
func (c *Client) Call(ctx context.Context, accessToken, _ string, req *adapter.Request) (*provider.Result, error) {
	payload := adapter.BuildOpenAIChatPayload(req, req.Model)
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
	httpReq.Header.Set("HTTP-Referer", "https://github.com/hikaru-dev/poolgate")
	httpReq.Header.Set("X-Title", "poolgate")

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
		return &provider.Result{Events: adapter.NormalizeOpenAIStream(ctx, resp.Body, false)}, nil
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read upstream response: %w", err)
	}
	completion, err := adapter.ParseOpenAIChatCompletion(raw, false)
	if err != nil {
		return nil, err
	}
	completion.Model = req.Model
	return &provider.Result{Completion: completion}, nil
}

func maskKey(key string) string {
	if len(key) < 12 {
		return key
	}
	return key[:8] + "..." + key[len(key)-4:]
}
