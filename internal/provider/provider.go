// Package provider defines the contract every upstream AI provider
// client satisfies: obtaining credentials (redirect, device code, or
// plain API key), refreshing them, and issuing chat calls in the
// provider's native wire format.
package provider

import (
	"context"
	"fmt"
	"time"

	"github.com/hikaru-dev/poolgate/internal/adapter"
)

// AuthKind names the credential acquisition flow a provider uses.
type AuthKind string

const (
	AuthRedirect AuthKind = "redirect" // authorize URL + code exchange (PKCE)
	AuthDevice   AuthKind = "device"   // device/user code pair + polling
	AuthAPIKey   AuthKind = "api_key"  // key stored as the access token, no expiry
)

// Identity is the provider-side identity learned during token exchange.
type Identity struct {
	ExternalID string // stable provider-side account identity
	Email      string
	Name       string
	Metadata   string // JSON extras (project_id, tier, account_id)
}

// TokenSet is the result of an exchange or refresh.
type TokenSet struct {
	AccessToken  string
	RefreshToken string
	ExpiresAt    time.Time
	Identity     Identity
}

// PKCE carries the verifier/challenge pair for redirect flows.
type PKCE struct {
	Verifier  string
	Challenge string
}

// DeviceAuth is the response of a device-flow start.
type DeviceAuth struct {
	DeviceCode      string `json:"device_code"`
	UserCode        string `json:"user_code"`
	VerificationURL string `json:"verification_url"`
	ExpiresIn       int    `json:"expires_in"`
	Interval        int    `json:"interval"`
}

// Result is what a chat call produces. Exactly one of Completion
// (non-streaming) or Events (streaming) is set.
type Result struct {
	Completion *adapter.Completion
	Events     <-chan adapter.StreamEvent
}

// Client is the common contract the gateway depends on. Concrete
// clients additionally implement RedirectClient or DeviceClient
// matching their AuthKind.
type Client interface {
	// Name returns the provider key accounts are stored under.
	Name() string
	// AuthKind names the credential flow this provider uses.
	AuthKind() AuthKind
	// RefreshBuffer is how long before expiry a token counts as stale.
	RefreshBuffer() time.Duration
	// RotatesRefreshToken reports whether a refresh invalidates the old
	// refresh token the moment a new one is issued.
	RotatesRefreshToken() bool
	// Exchange trades an authorization code (redirect flow: code +
	// verifier) or a device code (device flow: code, verifier empty)
	// for a token set.
	Exchange(ctx context.Context, code, verifier string) (*TokenSet, error)
	// Refresh mints a new token set from a refresh token.
	Refresh(ctx context.Context, refreshToken string) (*TokenSet, error)
	// Call issues a chat request in the provider's native format and
	// normalizes the response into the canonical shape. The account's
	// metadata JSON rides along for provider extras (project id).
	Call(ctx context.Context, accessToken, metadata string, req *adapter.Request) (*Result, error)
}

// RedirectClient builds browser authorize URLs for redirect+PKCE flows.
type RedirectClient interface {
	Client
	AuthorizeURL(state, redirectURI string, pkce *PKCE) string
}

// DeviceClient starts device-code flows. Exchange then polls with the
// device code until authorized, denied, or expired.
type DeviceClient interface {
	Client
	StartDeviceFlow(ctx context.Context) (*DeviceAuth, error)
}

// ErrAuthorizationPending is returned by device-flow Exchange while the
// user has not yet approved the device code.
var ErrAuthorizationPending = fmt.Errorf("authorization pending")

// Clients is a closed set of registered provider clients keyed by name.
type Clients map[string]Client

// Get returns the client for a provider name.
func (c Clients) Get(name string) (Client, bool) {
	client, ok := c[name]
	return client, ok
}

// Register adds a client under its own name.
func (c Clients) Register(client Client) {
	c[client.Name()] = client
}
