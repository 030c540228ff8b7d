package errors

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
)

// DispatchError represents an error that can be returned to clients
type DispatchError struct {
	Code       int    `json:"code"`
	Message    string `json:"message"`
	Details    string `json:"details,omitempty"`
	RequestID  string `json:"request_id,omitempty"`
	underlying error
}

func (e *DispatchError) Error() string {
	if e.underlying != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.underlying)
	}
	return e.Message
}

func (e *DispatchError) Unwrap() error {
	return e.underlying
}

// Body returns the error as a JSON body of the form {"error":"..."}.
func (e *DispatchError) Body() []byte {
	msg := e.Message
	if e.Details != "" {
		msg = e.Details
	}
	b, _ := json.Marshal(map[string]string{"error": msg})
	return b
}

// WriteJSON writes the error as JSON to the response.
// For base errors (no details/requestID), uses pre-serialized JSON to avoid allocations.
func (e *DispatchError) WriteJSON(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(e.Code)
	if pre, ok := preSerialized[e]; ok {
		w.Write(pre)
		return
	}
	json.NewEncoder(w).Encode(e)
}

// Common errors
var (
	ErrRouteNotFound = &DispatchError{
		Code:    http.StatusNotFound,
		Message: "Route not found",
	}

	ErrRouteDisabled = &DispatchError{
		Code:    http.StatusServiceUnavailable,
		Message: "Route disabled",
	}

	ErrUnauthorized = &DispatchError{
		Code:    http.StatusUnauthorized,
		Message: "Unauthorized",
	}

	ErrForbidden = &DispatchError{
		Code:    http.StatusForbidden,
		Message: "Forbidden",
	}

	ErrTooManyRequests = &DispatchError{
		Code:    http.StatusTooManyRequests,
		Message: "Too Many Requests",
	}

	ErrBadGateway = &DispatchError{
		Code:    http.StatusBadGateway,
		Message: "Bad Gateway",
	}

	ErrGatewayTimeout = &DispatchError{
		Code:    http.StatusGatewayTimeout,
		Message: "Gateway Timeout",
	}

	ErrBadRequest = &DispatchError{
		Code:    http.StatusBadRequest,
		Message: "Bad Request",
	}

	ErrInternalServer = &DispatchError{
		Code:    http.StatusInternalServerError,
		Message: "Internal Server Error",
	}

	ErrUnsupportedTarget = &DispatchError{
		Code:    http.StatusInternalServerError,
		Message: "Unsupported target type",
	}
)

// preSerialized holds JSON-encoded bytes for base error singletons.
var preSerialized map[*DispatchError][]byte

func init() {
	bases := []*DispatchError{
		ErrRouteNotFound, ErrRouteDisabled, ErrUnauthorized, ErrForbidden,
		ErrTooManyRequests, ErrBadGateway, ErrGatewayTimeout,
		ErrBadRequest, ErrInternalServer, ErrUnsupportedTarget,
	}
	preSerialized = make(map[*DispatchError][]byte, len(bases))
	for _, e := range bases {
		b, _ := json.Marshal(e)
		b = append(b, '\n') // match json.Encoder behavior
		preSerialized[e] = b
	}
}

// New creates a new DispatchError
func New(code int, message string) *DispatchError {
	return &DispatchError{
		Code:    code,
		Message: message,
	}
}

// Wrap wraps an error with additional context
func Wrap(err error, code int, message string) *DispatchError {
	return &DispatchError{
		Code:       code,
		Message:    message,
		underlying: err,
	}
}

// WithDetails adds details to the error
func (e *DispatchError) WithDetails(details string) *DispatchError {
	return &DispatchError{
		Code:       e.Code,
		Message:    e.Message,
		Details:    details,
		RequestID:  e.RequestID,
		underlying: e.underlying,
	}
}

// WithRequestID adds a request ID to the error
func (e *DispatchError) WithRequestID(requestID string) *DispatchError {
	return &DispatchError{
		Code:       e.Code,
		Message:    e.Message,
		Details:    e.Details,
		RequestID:  requestID,
		underlying: e.underlying,
	}
}

// IsDispatchError checks if an error is (or wraps) a DispatchError
func IsDispatchError(err error) (*DispatchError, bool) {
	var de *DispatchError
	if errors.As(err, &de) {
		return de, true
	}
	return nil, false
}
