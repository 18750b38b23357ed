// ABOUTME: Error types for the remote agent API client
// ABOUTME: APIError carries HTTP status and service error codes; ErrUnavailable marks transport failures

package foundry

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
)

// ErrUnavailable wraps transport-level failures reaching the endpoint.
var ErrUnavailable = errors.New("agent endpoint unavailable")

// APIError is a non-2xx response from the endpoint.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("agent endpoint returned %d (%s): %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("agent endpoint returned %d: %s", e.StatusCode, e.Message)
}

// IsNotFound reports whether err is a 404 from the endpoint.
func IsNotFound(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound
}

// maxErrorBody bounds how much of an error body is read.
const maxErrorBody = 64 * 1024

// newAPIError builds an APIError from a failed response.
func newAPIError(resp *http.Response) *APIError {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))

	apiErr := &APIError{StatusCode: resp.StatusCode, Message: http.StatusText(resp.StatusCode)}

	var parsed struct {
		Error struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if json.Unmarshal(body, &parsed) == nil && parsed.Error.Message != "" {
		apiErr.Code = parsed.Error.Code
		apiErr.Message = parsed.Error.Message
	} else if len(body) > 0 {
		apiErr.Message = string(body)
	}
	return apiErr
}
