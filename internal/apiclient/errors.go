package apiclient

import (
	"fmt"
	"net/http"
)

const maxErrorBody = 2048

// APIError is returned for any non-2xx response.
type APIError struct {
	Method string
	Path   string
	Status int
	Body   string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s %s: http %d: %s", e.Method, e.Path, e.Status, e.Body)
}

// HTTPStatus exposes the status code to failure classification.
func (e *APIError) HTTPStatus() int { return e.Status }

// Temporary reports whether the upstream itself failed, as opposed to
// rejecting the request.
func (e *APIError) Temporary() bool {
	return e.Status >= http.StatusInternalServerError || e.Status == http.StatusTooManyRequests
}

func truncate(b []byte) string {
	if len(b) > maxErrorBody {
		return string(b[:maxErrorBody]) + "..."
	}
	return string(b)
}
