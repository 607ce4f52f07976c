package paypal

import (
	"errors"
	"fmt"
)

var (
	ErrMissingCredentials = errors.New("paypal: client id and secret are required")
	ErrMissingWebhookID   = errors.New("paypal: webhook id is required to verify notifications")
	ErrNoApprovalLink     = errors.New("paypal: response has no approve link")
)

// APIError is a non-2xx PayPal response.
type APIError struct {
	StatusCode int
	Name       string `json:"name"`
	Message    string `json:"message"`
	DebugID    string `json:"debug_id"`
	Details    []struct {
		Issue       string `json:"issue"`
		Description string `json:"description"`
	} `json:"details"`
}

func (e *APIError) Error() string {
	if e.Name == "" {
		return fmt.Sprintf("paypal: http %d", e.StatusCode)
	}
	return fmt.Sprintf("paypal: http %d %s: %s (debug_id %s)", e.StatusCode, e.Name, e.Message, e.DebugID)
}

// HasIssue reports whether PayPal listed issue among the error details.
func (e *APIError) HasIssue(issue string) bool {
	for _, d := range e.Details {
		if d.Issue == issue {
			return true
		}
	}
	return false
}
