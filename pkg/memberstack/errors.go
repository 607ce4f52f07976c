package memberstack

import (
	"errors"
	"fmt"
)

var ErrMissingSecretKey = errors.New("memberstack: secret key is required")

// APIError is a non-2xx Memberstack response.
type APIError struct {
	StatusCode int
	Message    string `json:"message"`
	Code       string `json:"code"`
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("memberstack: http %d", e.StatusCode)
	}
	return fmt.Sprintf("memberstack: http %d: %s", e.StatusCode, e.Message)
}
