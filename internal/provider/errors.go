package provider

import "fmt"

// UpstreamError preserves a provider's error status and body so the
// gateway can pass them through instead of flattening everything into
// one 502.
type UpstreamError struct {
	StatusCode int
	Body       string
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("upstream returned %d: %s", e.StatusCode, e.Body)
}

// IsAuthError reports whether the upstream rejected the credential
// itself, which makes the serving account unusable for this request.
func (e *UpstreamError) IsAuthError() bool {
	return e.StatusCode == 401 || e.StatusCode == 403
}
