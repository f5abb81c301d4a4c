package apierror

import (
	"encoding/json"
	"fmt"
	"net/http"
)

// ErrorType categorizes an error for the client-facing envelope
type ErrorType string

const (
	TypeInvalidRequest ErrorType = "invalid_request_error"
	TypeAuthentication ErrorType = "authentication_error"
	TypePermission     ErrorType = "permission_error"
	TypeRateLimit      ErrorType = "rate_limit_error"
	TypeAPI            ErrorType = "api_error"
	TypeService        ErrorType = "service_error"
)

// ErrorCode identifies the specific failure within a type
type ErrorCode string

const (
	CodeInvalidAuthKey      ErrorCode = "invalid_auth_key"
	CodeContentViolation    ErrorCode = "content_violation"
	CodeRetryTimeout        ErrorCode = "retry_timeout"
	CodeStreamTimeout       ErrorCode = "stream_timeout"
	CodeServiceUnavailable  ErrorCode = "service_unavailable"
	CodeInternalError       ErrorCode = "internal_error"
	CodeInvalidTemperature  ErrorCode = "invalid_temperature"
	CodeRateLimitExceeded   ErrorCode = "rate_limit_exceeded"
	CodeMethodNotAllowed    ErrorCode = "method_not_allowed"
	CodeInvalidRequest      ErrorCode = "invalid_request"
	CodeModelsNotConfigured ErrorCode = "models_not_configured"
)

// UpstreamResponse preserves a provider's original error envelope so the
// formatter can surface it verbatim instead of inventing a synthetic error.
type UpstreamResponse struct {
	Status     int
	StatusText string
	Header     http.Header
	Body       json.RawMessage
}

// E is the error value every component in the pipeline traffics in. Inner
// components enrich it (Upstream, NonRetryable) but never write to the wire;
// the first handler that can produce a client response formats it.
type E struct {
	Status       int
	Type         ErrorType
	Code         ErrorCode
	Message      string
	Details      map[string]interface{}
	NonRetryable bool
	Upstream     *UpstreamResponse
}

func (e *E) Error() string {
	return fmt.Sprintf("%s (%s): %s", e.Type, e.Code, e.Message)
}

// envelope is the wire shape of every error response
type envelope struct {
	Error envelopeBody `json:"error"`
}

type envelopeBody struct {
	Message string                 `json:"message"`
	Type    ErrorType              `json:"type"`
	Code    ErrorCode              `json:"code"`
	Details map[string]interface{} `json:"details,omitempty"`
}

// Envelope returns the client-facing JSON body for this error. When an
// upstream response was preserved and already carries an error envelope, that
// body is returned untouched.
func (e *E) Envelope() []byte {
	if e.Upstream != nil && len(e.Upstream.Body) > 0 && json.Valid(e.Upstream.Body) {
		var probe struct {
			Error json.RawMessage `json:"error"`
		}
		if err := json.Unmarshal(e.Upstream.Body, &probe); err == nil && len(probe.Error) > 0 {
			return e.Upstream.Body
		}
	}

	data, err := json.Marshal(envelope{Error: envelopeBody{
		Message: e.Message,
		Type:    e.Type,
		Code:    e.Code,
		Details: e.Details,
	}})
	if err != nil {
		return []byte(`{"error":{"message":"internal error","type":"api_error","code":"internal_error"}}`)
	}
	return data
}

// WriteJSON emits the error as a unary JSON response
func (e *E) WriteJSON(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(e.Status)
	w.Write(e.Envelope())
}

// SSEFrame renders the error as an in-band SSE data frame. The terminal
// [DONE] frame is the caller's responsibility.
func (e *E) SSEFrame() []byte {
	return []byte(fmt.Sprintf("data: %s\n\n", e.Envelope()))
}

// Constructors. Each encodes its retry policy so callers never need a
// side-channel flag.

func NewAuthError(message string) *E {
	return &E{
		Status:       http.StatusUnauthorized,
		Type:         TypeAuthentication,
		Code:         CodeInvalidAuthKey,
		Message:      message,
		NonRetryable: true,
	}
}

func NewInvalidRequest(code ErrorCode, message string) *E {
	return &E{
		Status:       http.StatusBadRequest,
		Type:         TypeInvalidRequest,
		Code:         code,
		Message:      message,
		NonRetryable: true,
	}
}

func NewMethodNotAllowed(method string) *E {
	return &E{
		Status:       http.StatusMethodNotAllowed,
		Type:         TypeInvalidRequest,
		Code:         CodeMethodNotAllowed,
		Message:      fmt.Sprintf("method %s is not allowed for this endpoint", method),
		NonRetryable: true,
	}
}

func NewViolation(riskLevel int, logID string, partial bool) *E {
	return &E{
		Status:  http.StatusForbidden,
		Type:    TypeInvalidRequest,
		Code:    CodeContentViolation,
		Message: "the provided content violates the usage policy",
		Details: map[string]interface{}{
			"riskLevel":      riskLevel,
			"logId":          logID,
			"isPartialCheck": partial,
		},
		NonRetryable: true,
	}
}

func NewRateLimited(details map[string]interface{}) *E {
	return &E{
		Status:       http.StatusTooManyRequests,
		Type:         TypeRateLimit,
		Code:         CodeRateLimitExceeded,
		Message:      "rate limit exceeded, please slow down",
		Details:      details,
		NonRetryable: true,
	}
}

func NewCircuitOpen(message string) *E {
	return &E{
		Status:  http.StatusServiceUnavailable,
		Type:    TypeService,
		Code:    CodeServiceUnavailable,
		Message: message,
		Details: map[string]interface{}{
			"circuit_breaker": true,
		},
		NonRetryable: true,
	}
}

func NewStreamTimeout() *E {
	return &E{
		Status:       http.StatusGatewayTimeout,
		Type:         TypeAPI,
		Code:         CodeStreamTimeout,
		Message:      "stream timed out waiting for upstream data",
		NonRetryable: true,
	}
}

func NewServiceUnavailable(message string) *E {
	return &E{
		Status:  http.StatusServiceUnavailable,
		Type:    TypeService,
		Code:    CodeServiceUnavailable,
		Message: message,
	}
}

func NewInternal(message string) *E {
	return &E{
		Status:  http.StatusInternalServerError,
		Type:    TypeAPI,
		Code:    CodeInternalError,
		Message: message,
	}
}

// NewUpstream builds an error that preserves the provider's full response.
// 4xx statuses that reflect a client mistake are marked non-retryable.
func NewUpstream(resp *UpstreamResponse, message string) *E {
	e := &E{
		Status:   resp.Status,
		Type:     TypeAPI,
		Code:     CodeInternalError,
		Message:  message,
		Upstream: resp,
	}
	switch resp.Status {
	case http.StatusBadRequest, http.StatusUnauthorized, http.StatusForbidden,
		http.StatusNotFound, http.StatusUnprocessableEntity:
		e.NonRetryable = true
	}
	return e
}

// From converts an arbitrary error into *E, wrapping unknown errors as a
// retryable service error so the retry engine can act on them.
func From(err error) *E {
	if err == nil {
		return nil
	}
	if e, ok := err.(*E); ok {
		return e
	}
	return &E{
		Status:  http.StatusBadGateway,
		Type:    TypeService,
		Code:    CodeServiceUnavailable,
		Message: err.Error(),
	}
}

// IsNonRetryable reports whether the retry engine must not re-attempt
func IsNonRetryable(err error) bool {
	if e, ok := err.(*E); ok {
		return e.NonRetryable
	}
	return false
}
