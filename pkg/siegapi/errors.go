package siegapi

import (
	"errors"
	"fmt"
	"strings"
)

// APIError is returned when the upstream answers with a status code that
// is not retryable and not success.
type APIError struct {
	Endpoint   string
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	body := e.Body
	if len(body) > 200 {
		body = body[:200] + "..."
	}
	return fmt.Sprintf("sieg: %s returned %d: %s", e.Endpoint, e.StatusCode, body)
}

// StatusError carries the application-level error messages the API embeds
// in an otherwise successful response, under a "Status" list.
type StatusError struct {
	Endpoint string
	Messages []string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("sieg: %s rejected request: %s", e.Endpoint, strings.Join(e.Messages, "; "))
}

// ErrDocumentNotFound is returned by FetchDocument when the API has no
// XML for the requested key.
var ErrDocumentNotFound = errors.New("sieg: document not found")
