// Package apierror defines the bridge's error taxonomy and the centralized
// JSON error response format. Every failure that crosses a package boundary
// is classified into exactly one Kind; the Kind decides retryability,
// circuit breaker relevance, and the HTTP status returned to the client.
package apierror

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"
)

// Kind classifies an error for retry, breaker, and response mapping.
type Kind int

const (
	// KindInternal is the zero value: unclassified, non-retryable,
	// logged as a defect.
	KindInternal Kind = iota

	// KindValidation is malformed client input. Never retried, never
	// counts toward the breaker.
	KindValidation

	// KindAuth is a rejected credential. Never retried, never counts
	// toward the breaker.
	KindAuth

	// KindCircuitOpen is a fast-fail from an open breaker. Terminates the
	// attempt loop immediately.
	KindCircuitOpen

	// KindTransport is a network-level failure (dial, timeout, reset).
	// Retryable; counts toward the breaker.
	KindTransport

	// KindUpstreamServer is a 5xx (or 429) upstream response. Retryable;
	// counts toward the breaker.
	KindUpstreamServer

	// KindUpstreamClient is a non-429 4xx upstream response. The request
	// itself is bad; not retried and never trips the breaker.
	KindUpstreamClient

	// KindRetryExhausted wraps the last retryable error after attempts or
	// deadline budget ran out.
	KindRetryExhausted
)

// String returns a short lowercase name, used as a metrics label.
func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindAuth:
		return "auth"
	case KindCircuitOpen:
		return "circuit_open"
	case KindTransport:
		return "transport"
	case KindUpstreamServer:
		return "upstream_server"
	case KindUpstreamClient:
		return "upstream_client"
	case KindRetryExhausted:
		return "retry_exhausted"
	default:
		return "internal"
	}
}

// Code is a machine-readable error classification string. These form a
// public API contract — clients can program against these stable codes.
// Do not rename or remove existing codes.
type Code string

const (
	CodeValidation       Code = "BRIDGE_VALIDATION_FAILED"
	CodeAuthMissing      Code = "BRIDGE_AUTH_MISSING_TOKEN"
	CodeAuthInvalid      Code = "BRIDGE_AUTH_INVALID_TOKEN"
	CodeAuthScope        Code = "BRIDGE_AUTH_INSUFFICIENT_SCOPE"
	CodeCircuitOpen      Code = "BRIDGE_CIRCUIT_OPEN"
	CodeTransport        Code = "BRIDGE_UPSTREAM_UNREACHABLE"
	CodeUpstreamServer   Code = "BRIDGE_UPSTREAM_ERROR"
	CodeUpstreamClient   Code = "BRIDGE_UPSTREAM_REJECTED"
	CodeRetryExhausted   Code = "BRIDGE_RETRY_EXHAUSTED"
	CodeRouteNotFound    Code = "BRIDGE_ROUTE_NOT_FOUND"
	CodeMethodNotAllowed Code = "BRIDGE_METHOD_NOT_ALLOWED"
	CodeDeadline         Code = "BRIDGE_DEADLINE_EXCEEDED"
	CodeInternal         Code = "BRIDGE_INTERNAL_ERROR"
)

// Error is the bridge's classified error. It wraps the underlying cause and
// carries everything needed to map the failure to a response.
type Error struct {
	Kind    Kind
	Code    Code
	Message string

	// Status is the upstream HTTP status, when one was received.
	Status int

	// RetryAfter hints how long the caller should back off. Set for
	// CircuitOpen (remaining recovery time) and RetryExhausted.
	RetryAfter time.Duration

	// Err is the wrapped cause, if any.
	Err error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// New creates a classified error with no underlying cause.
func New(kind Kind, code Code, message string) *Error {
	return &Error{Kind: kind, Code: code, Message: message}
}

// Wrap classifies an underlying error.
func Wrap(kind Kind, code Code, message string, err error) *Error {
	return &Error{Kind: kind, Code: code, Message: message, Err: err}
}

// KindOf extracts the Kind from any error. Unclassified errors are
// KindInternal.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// Retryable reports whether the retry strategy may re-attempt after this
// error. CircuitOpen is deliberately not retryable: the breaker's decision
// is final for this request.
func Retryable(err error) bool {
	switch KindOf(err) {
	case KindTransport, KindUpstreamServer:
		return true
	default:
		return false
	}
}

// BreakerRelevant reports whether the error counts toward a breaker's
// consecutive failure threshold. Only errors that indicate upstream
// unavailability qualify; a caller's own bad input must never open the
// circuit for everyone else.
func BreakerRelevant(err error) bool {
	switch KindOf(err) {
	case KindTransport, KindUpstreamServer:
		return true
	default:
		return false
	}
}

// HTTPStatus maps an error to its stable response status.
func HTTPStatus(err error) int {
	var e *Error
	if errors.As(err, &e) {
		switch e.Kind {
		case KindValidation:
			return http.StatusBadRequest
		case KindAuth:
			// Insufficient scope carries 403; everything else is 401.
			if e.Status == http.StatusForbidden {
				return http.StatusForbidden
			}
			return http.StatusUnauthorized
		case KindCircuitOpen:
			return http.StatusServiceUnavailable
		case KindUpstreamClient:
			if e.Status >= 400 && e.Status < 500 {
				return e.Status
			}
			return http.StatusBadRequest
		case KindTransport, KindUpstreamServer, KindRetryExhausted:
			// A deadline anywhere on the chain means the upstream never
			// answered in time: Gateway Timeout, not Bad Gateway.
			if errors.Is(e, context.DeadlineExceeded) {
				return http.StatusGatewayTimeout
			}
			return http.StatusBadGateway
		}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return http.StatusGatewayTimeout
	}
	return http.StatusInternalServerError
}

// ErrorResponse is the standardized error body.
type ErrorResponse struct {
	Error      string `json:"error"`
	ErrorCode  string `json:"error_code"`
	Message    string `json:"message"`
	RequestID  string `json:"request_id,omitempty"`
	RetryAfter int    `json:"retry_after_seconds,omitempty"`
}

// Pre-serialized JSON bodies for the most common error responses. Avoids
// json.Encoder allocation in the hot path. These exclude request_id and
// retry_after since those vary per request.
var (
	preRouteNotFound = mustMarshal(http.StatusNotFound, CodeRouteNotFound, "no matching route")
	preInternal      = mustMarshal(http.StatusInternalServerError, CodeInternal, "an unexpected error occurred")
)

func mustMarshal(status int, code Code, message string) []byte {
	b, _ := json.Marshal(ErrorResponse{
		Error:     http.StatusText(status),
		ErrorCode: string(code),
		Message:   message,
	})
	return append(b, '\n')
}

// WriteJSON writes a structured JSON error response for a classified error.
// CircuitOpen and RetryExhausted responses include a Retry-After header so
// callers can back off. The request parameter may be nil.
func WriteJSON(w http.ResponseWriter, r *http.Request, err error) {
	status := HTTPStatus(err)
	code := CodeInternal
	message := "an unexpected error occurred"
	var retryAfter time.Duration

	var e *Error
	if errors.As(err, &e) {
		code = e.Code
		message = e.Message
		retryAfter = e.RetryAfter
	}

	w.Header().Set("Content-Type", "application/json")

	retrySecs := 0
	if retryAfter > 0 {
		retrySecs = int(retryAfter.Round(time.Second) / time.Second)
		if retrySecs < 1 {
			retrySecs = 1
		}
		w.Header().Set("Retry-After", strconv.Itoa(retrySecs))
	}
	w.WriteHeader(status)

	requestID := ""
	if r != nil {
		requestID = r.Header.Get("X-Request-ID")
	}

	json.NewEncoder(w).Encode(ErrorResponse{ //nolint:errcheck
		Error:      http.StatusText(status),
		ErrorCode:  string(code),
		Message:    message,
		RequestID:  requestID,
		RetryAfter: retrySecs,
	})
}

// WriteStatic writes an error that needs no classification. Used by routing
// paths that reject before any upstream work happens.
func WriteStatic(w http.ResponseWriter, r *http.Request, status int, code Code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	requestID := ""
	if r != nil {
		requestID = r.Header.Get("X-Request-ID")
	}
	if requestID == "" {
		switch {
		case code == CodeRouteNotFound && status == http.StatusNotFound && message == "no matching route":
			w.Write(preRouteNotFound) //nolint:errcheck
			return
		case code == CodeInternal && status == http.StatusInternalServerError && message == "an unexpected error occurred":
			w.Write(preInternal) //nolint:errcheck
			return
		}
	}

	json.NewEncoder(w).Encode(ErrorResponse{ //nolint:errcheck
		Error:     http.StatusText(status),
		ErrorCode: string(code),
		Message:   message,
		RequestID: requestID,
	})
}
