package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/hikaru-dev/poolgate/internal/lifecycle"
	"github.com/hikaru-dev/poolgate/internal/pool"
	"github.com/hikaru-dev/poolgate/internal/provider"
)

// Request-level failures surfaced to the caller.
var (
	// ErrInvalidModel: unknown or unsupported model name.
	ErrInvalidModel = errors.New("unknown or unsupported model")
	// ErrModelNotAllowed: the model exists but this caller may not use it.
	ErrModelNotAllowed = errors.New("model not allowed for this key")
	// ErrNoEligibleAccount: no active account can serve the request.
	ErrNoEligibleAccount = pool.ErrNoEligibleAccount
	// ErrAuthExpired: every candidate account failed credential refresh.
	ErrAuthExpired = lifecycle.ErrAuthExpired
)

// httpStatus maps a gateway error to the response status.
func httpStatus(err error) int {
	var upstream *provider.UpstreamError
	switch {
	case errors.Is(err, ErrInvalidModel):
		return http.StatusNotFound
	case errors.Is(err, ErrModelNotAllowed):
		return http.StatusForbidden
	case errors.Is(err, ErrNoEligibleAccount):
		return http.StatusServiceUnavailable
	case errors.Is(err, ErrAuthExpired):
		return http.StatusServiceUnavailable
	case errors.As(err, &upstream):
		return upstream.StatusCode
	default:
		return http.StatusBadGateway
	}
}

func errorType(status int) string {
	switch {
	case status == http.StatusUnauthorized:
		return "authentication_error"
	case status == http.StatusForbidden:
		return "permission_error"
	case status == http.StatusNotFound:
		return "invalid_request_error"
	case status >= 400 && status < 500:
		return "invalid_request_error"
	default:
		return "api_error"
	}
}

// writeOpenAIError renders {"error":{message,type,code}}, the shape the
// chat-completions and responses endpoints share.
func writeOpenAIError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{
			"message": message,
			"type":    errorType(status),
			"code":    status,
		},
	})
}

// writeAnthropicError renders {"type":"error","error":{type,message}}.
func writeAnthropicError(w http.ResponseWriter, status int, message string) {
	kind := "api_error"
	switch {
	case status == http.StatusUnauthorized:
		kind = "authentication_error"
	case status == http.StatusForbidden:
		kind = "permission_error"
	case status == http.StatusNotFound:
		kind = "not_found_error"
	case status == http.StatusServiceUnavailable:
		kind = "overloaded_error"
	case status >= 400 && status < 500:
		kind = "invalid_request_error"
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"type": "error",
		"error": map[string]any{
			"type":    kind,
			"message": message,
		},
	})
}

// errorMessage flattens gateway errors into a caller-facing message,
// keeping upstream bodies intact for passthrough.
func errorMessage(err error) string {
	var upstream *provider.UpstreamError
	if errors.As(err, &upstream) && upstream.Body != "" {
		return upstream.Body
	}
	switch {
	case errors.Is(err, ErrNoEligibleAccount):
		return "no active account is available for this model"
	case errors.Is(err, ErrAuthExpired):
		return "all candidate accounts need to be re-authenticated"
	}
	return err.Error()
}

func invalidModelError(name string) error {
	return fmt.Errorf("%w: %s", ErrInvalidModel, name)
}
