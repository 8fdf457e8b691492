package gemini

import (
	"errors"
	"fmt"
)

var (
	// ErrNoAPIKey indicates the API key is not configured
	ErrNoAPIKey = errors.New("gemini API key not configured")

	// ErrInvalidResponse indicates the API answered 2xx without usable text
	ErrInvalidResponse = errors.New("invalid response from Gemini API")

	// ErrQuotaWait indicates the local request quota could not be honoured
	// before the caller's deadline
	ErrQuotaWait = errors.New("gemini request quota exhausted")
)

// APIError is a non-2xx answer from the Gemini API
type APIError struct {
	StatusCode int
	Status     string // upstream status name, e.g. INVALID_ARGUMENT
	Message    string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("gemini API error (HTTP %d)", e.StatusCode)
	}
	return fmt.Sprintf("gemini API error (HTTP %d): %s", e.StatusCode, e.Message)
}

// IsRateLimited reports whether the API rejected the call for quota reasons
func (e *APIError) IsRateLimited() bool {
	return e.StatusCode == 429
}

// IsAuthError reports whether the API key was refused
func (e *APIError) IsAuthError() bool {
	return e.StatusCode == 401 || e.StatusCode == 403
}

// IsUpstreamError reports whether err came from talking to the Gemini API,
// as opposed to a local configuration problem.
func IsUpstreamError(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) || errors.Is(err, ErrInvalidResponse)
}
