// Package antigravity implements the Google-OAuth-backed Gemini
// provider. Credentials come from a browser redirect with PKCE; chat
// calls go to the Cloud Code API in Gemini-native format.
package antigravity

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"strings"
	"time"

	"golang.org/x/oauth2"
	googleoauth "golang.org/x/oauth2/google"

	"github.com/hikaru-dev/poolgate/internal/adapter"
	"github.com/hikaru-dev/poolgate/internal/logging"
	"github.com/hikaru-dev/poolgate/internal/provider"
	"github.com/hikaru-dev/poolgate/internal/registry"
)

// Built-in OAuth credentials (for learning/research purposes). Override
// with POOLGATE_GOOGLE_CLIENT_ID / POOLGATE_GOOGLE_CLIENT_SECRET.
const (
	defaultClientID     = "1071006060591-tmhssin2h21lcre235vtolojh4g403ep.apps.googleusercontent.com"
	defaultClientSecret = "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"

	userAgent = "antigravity/1.11.9 windows/amd64"

	// Project used when loadCodeAssist reports none.
	defaultProjectID = "bamboo-precept-lgxtn"
)

// Scopes required for the Cloud Code Gemini API.
var scopes = []string{
	"https://www.googleapis.com/auth/cloud-platform",
	"https://www.googleapis.com/auth/userinfo.email",
	"https://www.googleapis.com/auth/userinfo.profile",
}

// Endpoints with fallback (daily first, prod second).
var baseURLs = []string{
	"https://daily-cloudcode-pa.googleapis.com/v1internal",
	"https://cloudcode-pa.googleapis.com/v1internal",
}

// Client is the antigravity provider client.
type Client struct {
	httpClient *http.Client
	oauth      *oauth2.Config
}

var _ provider.RedirectClient = (*Client)(nil)

// New builds the client with built-in or env-supplied OAuth app
// credentials.
func New() *Client {
	clientID := os.Getenv("POOLGATE_GOOGLE_CLIENT_ID")
	if clientID == "" {
		clientID = defaultClientID
	}
	clientSecret := os.Getenv("POOLGATE_GOOGLE_CLIENT_SECRET")
	if clientSecret == "" {
		clientSecret = defaultClientSecret
	}
	return &Client{
		httpClient: &http.Client{Timeout: 5 * time.Minute},
		oauth: &oauth2.Config{
			ClientID:     clientID,
			ClientSecret: clientSecret,
			Scopes:       scopes,
			Endpoint:     googleoauth.Endpoint,
		},
	}
}

func (c *Client) Name() string                 { return registry.ProviderAntigravity }
func (c *Client) AuthKind() provider.AuthKind  { return provider.AuthRedirect }
func (c *Client) RefreshBuffer() time.Duration { return 5 * time.Minute }
func (c *Client) RotatesRefreshToken() bool    { return false }

// AuthorizeURL builds the Google consent URL for this login attempt.
func (c *Client) AuthorizeURL(state, redirectURI string, pkce *provider.PKCE) string {
	cfg := *c.oauth
	cfg.RedirectURL = redirectURI
	return cfg.AuthCodeURL(state,
		oauth2.AccessTypeOffline,
		oauth2.ApprovalForce,
		oauth2.SetAuthURLParam("code_challenge", pkce.Challenge),
		oauth2.SetAuthURLParam("code_challenge_method", "S256"),
	)
}

// Exchange trades the authorization code for tokens, then resolves the
// account's identity and Cloud Code project.
func (c *Client) Exchange(ctx context.Context, code, verifier string) (*provider.TokenSet, error) {
	token, err := c.oauth.Exchange(ctx, code, oauth2.VerifierOption(verifier))
	if err != nil {
		return nil, fmt.Errorf("token exchange failed: %w", err)
	}

	authed := c.oauth.Client(ctx, token)
	identity, err := fetchUserInfo(ctx, authed)
	if err != nil {
		return nil, err
	}
	projectID, tier := fetchProjectInfo(ctx, authed)
	metadata, _ := json.Marshal(map[string]string{
		"project_id":        projectID,
		"subscription_tier": tier,
	})
	identity.Metadata = string(metadata)

	return &provider.TokenSet{
		AccessToken:  token.AccessToken,
		RefreshToken: token.RefreshToken,
		ExpiresAt:    token.Expiry,
		Identity:     *identity,
	}, nil
}

// Refresh mints a new access token. Google does not rotate the refresh
// token on use.
func (c *Client) Refresh(ctx context.Context, refreshToken string) (*provider.TokenSet, error) {
	source := c.oauth.TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken})
	token, err := source.Token()
	if err != nil {
		return nil, err
	}
	return &provider.TokenSet{
		AccessToken:  token.AccessToken,
		RefreshToken: token.RefreshToken,
		ExpiresAt:    token.Expiry,
	}, nil
}

func fetchUserInfo(ctx context.Context, client *http.Client) (*provider.Identity, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, "https://www.googleapis.com/oauth2/v2/userinfo", nil)
	if err != nil {
		return nil, err
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("userinfo fetch failed: %w", err)
	}
	defer resp.Body.Close()

	var info struct {
		ID    string `json:"id"`
		Email string `json:"email"`
		Name  string `json:"name"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		return nil, fmt.Errorf("userinfo decode failed: %w", err)
	}
	external := info.ID
	if external == "" {
		external = info.Email
	}
	return &provider.Identity{ExternalID: external, Email: info.Email, Name: info.Name}, nil
}

// fetchProjectInfo calls loadCodeAssist for the account's project and
// subscription tier. Failures fall back to defaults rather than failing
// the login.
func fetchProjectInfo(ctx context.Context, client *http.Client) (projectID, tier string) {
	body := strings.NewReader(`{"metadata": {"ideType": "ANTIGRAVITY"}}`)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		"https://cloudcode-pa.googleapis.com/v1internal:loadCodeAssist", body)
	if err != nil {
		return defaultProjectID, "FREE"
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", userAgent)

	resp, err := client.Do(req)
	if err != nil {
		log.Printf("⚠️ loadCodeAssist failed: %v", err)
		return defaultProjectID, "FREE"
	}
	defer resp.Body.Close()

	var result struct {
		CloudaicompanionProject string `json:"cloudaicompanionProject"`
		PaidTier                *struct {
			ID string `json:"id"`
		} `json:"paidTier"`
		CurrentTier *struct {
			ID string `json:"id"`
		} `json:"currentTier"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return defaultProjectID, "FREE"
	}

	projectID = result.CloudaicompanionProject
	if projectID == "" {
		projectID = defaultProjectID
	}
	switch {
	case result.PaidTier != nil && result.PaidTier.ID != "":
		tier = result.PaidTier.ID
	case result.CurrentTier != nil && result.CurrentTier.ID != "":
		tier = result.CurrentTier.ID
	default:
		tier = "FREE"
	}
	return projectID, tier
}

// Call issues a Gemini-native generate request. The account metadata
// supplies the Cloud Code project id.
func (c *Client) Call(ctx context.Context, accessToken, metadata string, req *adapter.Request) (*provider.Result, error) {
	payload := adapter.BuildGeminiRequest(req, req.Model, projectFromMetadata(metadata))
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}

	method := ":generateContent"
	if req.Stream {
		method = ":streamGenerateContent?alt=sse"
	}

	resp, err := c.post(ctx, method, accessToken, body)
	if err != nil {
		return nil, err
	}

	if req.Stream {
		return &provider.Result{Events: adapter.NormalizeGeminiStream(ctx, resp.Body)}, nil
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read upstream response: %w", err)
	}
	completion, err := adapter.ParseGeminiCompletion(raw)
	if err != nil {
		return nil, err
	}
	completion.Model = req.Model
	return &provider.Result{Completion: completion}, nil
}

// post tries each base URL in order, falling through on connection
// errors and retryable statuses.
func (c *Client) post(ctx context.Context, method, accessToken string, body []byte) (*http.Response, error) {
	var lastErr error
	for _, base := range baseURLs {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, base+method, bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Authorization", "Bearer "+accessToken)
		req.Header.Set("User-Agent", userAgent)

		resp, err := c.httpClient.Do(req)
		if err != nil {
			lastErr = err
			log.Printf("⚠️ Endpoint %s unreachable: %v", base, err)
			continue
		}
		if resp.StatusCode >= 500 || resp.StatusCode == 429 {
			raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
			resp.Body.Close()
			lastErr = &provider.UpstreamError{StatusCode: resp.StatusCode, Body: string(raw)}
			log.Printf("🔄 Endpoint %s returned %d, trying fallback: %s", base, resp.StatusCode, logging.TruncateBytes(raw))
			continue
		}
		if resp.StatusCode != http.StatusOK {
			raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
			resp.Body.Close()
			return nil, &provider.UpstreamError{StatusCode: resp.StatusCode, Body: string(raw)}
		}
		return resp, nil
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("no upstream endpoint configured")
	}
	return nil, lastErr
}

func projectFromMetadata(metadata string) string {
	if metadata == "" {
		return defaultProjectID
	}
	var data map[string]string
	if err := json.Unmarshal([]byte(metadata), &data); err != nil {
		return defaultProjectID
	}
	if pid := data["project_id"]; pid != "" {
		return pid
	}
	return defaultProjectID
}
