package main

import (
	"encoding/json"
	"fmt"
	"net/http"
)

const (
	ErrMessageAPIKeyInvalid     = "Missing or invalid `x-api-key` header."
	ErrMessageBodyTooLarge      = "Request body is larger than the maximum allowed size."
	ErrMessageBodyUnparseable   = "Request body could not be decoded as JSON."
	ErrMessageIDInvalid         = "Message ID should be a UUID like `xxxxxxxx-xxxx-xxxx-xxxx-xxxxxxxxxxxx`."
	ErrMessageInternalError     = "An internal error has occurred. Please report this to the server operator."
	ErrMessageLangNotRegistered = "Language is not registered for the given token."
	ErrMessageMessageNotFound   = "Message not found."
	ErrMessageRateLimited       = "Too many requests. Please slow down and try again shortly."
	ErrMessageTokenNotFound     = "Token not found."
)

type ServerError struct {
	Message    string
	StatusCode int
}

func NewServerError(statusCode int, message string) *ServerError {
	return &ServerError{StatusCode: statusCode, Message: message}
}

func (e *ServerError) Error() string {
	return e.Message
}

// MarshalJSON produces the error body sent to clients, like
// `{"error": "Message not found."}`.
func (e *ServerError) MarshalJSON() ([]byte, error) {
	return json.Marshal(map[string]string{"error": e.Message})
}

// RequestTimeoutError is returned when a request runs past the maximum
// allowed request time or is canceled before finishing.
type RequestTimeoutError struct {
	canceled bool
	elapsed  PrettyDuration
	timeout  PrettyDuration
}

func (e *RequestTimeoutError) Error() string {
	verb := "timed out"
	if e.canceled {
		verb = "was canceled"
	}
	return fmt.Sprintf("The request %s after %s (maximum request time is %s).", verb, e.elapsed, e.timeout)
}

// writeServerError writes err as a JSON error response. Used by middleware
// that short circuits before a request reaches an endpoint.
func writeServerError(w http.ResponseWriter, r *http.Request, err *ServerError) {
	if ctxContainer := maybeContextContainerFrom(r.Context()); ctxContainer != nil {
		ctxContainer.StatusCode = err.StatusCode
	}

	body, _ := json.Marshal(err)

	w.Header().Set("Content-Type", contentTypeJSON)
	w.WriteHeader(err.StatusCode)
	_, _ = w.Write(body)
}
