package provider

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// FailReason categorizes why a provider request failed, driving retry
// decisions.
type FailReason string

const (
	// FailBilling indicates payment/quota issues (HTTP 402)
	FailBilling FailReason = "billing"

	// FailRateLimit indicates rate limiting (HTTP 429)
	FailRateLimit FailReason = "rate_limit"

	// FailAuth indicates authentication failure (HTTP 401, 403)
	FailAuth FailReason = "auth"

	// FailTimeout indicates request timeout
	FailTimeout FailReason = "timeout"

	// FailServerError indicates server-side issues (HTTP 5xx)
	FailServerError FailReason = "server_error"

	// FailInvalidRequest indicates client-side issues (HTTP 400)
	FailInvalidRequest FailReason = "invalid_request"

	// FailModelUnavailable indicates the model is not available
	FailModelUnavailable FailReason = "model_unavailable"

	// FailContentFilter indicates content was blocked by safety filters
	FailContentFilter FailReason = "content_filter"

	// FailUnknown indicates an unclassified error
	FailUnknown FailReason = "unknown"
)

// IsRetryable returns true if the reason suggests retrying may succeed.
func (r FailReason) IsRetryable() bool {
	switch r {
	case FailRateLimit, FailTimeout, FailServerError:
		return true
	default:
		return false
	}
}

// ProviderError is a structured error from an LLM provider with the context
// needed for retry logic and debugging.
type ProviderError struct {
	Reason    FailReason
	Provider  string
	Model     string
	Status    int
	Code      string
	Message   string
	RequestID string
	Cause     error
}

func (e *ProviderError) Error() string {
	var parts []string
	parts = append(parts, fmt.Sprintf("[%s]", e.Reason))
	if e.Provider != "" {
		parts = append(parts, e.Provider)
	}
	if e.Model != "" {
		parts = append(parts, fmt.Sprintf("model=%s", e.Model))
	}
	if e.Status != 0 {
		parts = append(parts, fmt.Sprintf("status=%d", e.Status))
	}
	if e.Code != "" {
		parts = append(parts, fmt.Sprintf("code=%s", e.Code))
	}
	if e.Message != "" {
		parts = append(parts, e.Message)
	} else if e.Cause != nil {
		parts = append(parts, e.Cause.Error())
	}
	return strings.Join(parts, " ")
}

func (e *ProviderError) Unwrap() error {
	return e.Cause
}

// NewProviderError creates a ProviderError classified from the cause.
func NewProviderError(providerName, model string, cause error) *ProviderError {
	err := &ProviderError{
		Provider: providerName,
		Model:    model,
		Cause:    cause,
		Reason:   FailUnknown,
	}
	if cause != nil {
		err.Message = cause.Error()
		err.Reason = ClassifyError(cause)
	}
	return err
}

// WithStatus adds the HTTP status and reclassifies from it.
func (e *ProviderError) WithStatus(status int) *ProviderError {
	e.Status = status
	e.Reason = classifyStatusCode(status)
	return e
}

// WithCode adds a provider-specific error code.
func (e *ProviderError) WithCode(code string) *ProviderError {
	e.Code = code
	if reason := classifyErrorCode(code); reason != FailUnknown {
		e.Reason = reason
	}
	return e
}

// WithRequestID adds the provider's request ID.
func (e *ProviderError) WithRequestID(id string) *ProviderError {
	e.RequestID = id
	return e
}

// WithMessage sets the error message.
func (e *ProviderError) WithMessage(msg string) *ProviderError {
	e.Message = msg
	return e
}

// ClassifyError inspects an error and returns the appropriate FailReason.
func ClassifyError(err error) FailReason {
	if err == nil {
		return FailUnknown
	}
	errStr := strings.ToLower(err.Error())

	if strings.Contains(errStr, "timeout") ||
		strings.Contains(errStr, "deadline exceeded") ||
		strings.Contains(errStr, "context deadline") {
		return FailTimeout
	}
	if strings.Contains(errStr, "rate limit") ||
		strings.Contains(errStr, "rate_limit") ||
		strings.Contains(errStr, "too many requests") ||
		strings.Contains(errStr, "429") {
		return FailRateLimit
	}
	if strings.Contains(errStr, "unauthorized") ||
		strings.Contains(errStr, "invalid api key") ||
		strings.Contains(errStr, "invalid_api_key") ||
		strings.Contains(errStr, "authentication") ||
		strings.Contains(errStr, "401") ||
		strings.Contains(errStr, "403") {
		return FailAuth
	}
	if strings.Contains(errStr, "billing") ||
		strings.Contains(errStr, "payment") ||
		strings.Contains(errStr, "quota") ||
		strings.Contains(errStr, "402") {
		return FailBilling
	}
	if strings.Contains(errStr, "content_filter") ||
		strings.Contains(errStr, "content policy") ||
		strings.Contains(errStr, "blocked") {
		return FailContentFilter
	}
	if strings.Contains(errStr, "model not found") ||
		strings.Contains(errStr, "model_not_found") ||
		strings.Contains(errStr, "does not exist") {
		return FailModelUnavailable
	}
	if strings.Contains(errStr, "internal server") ||
		strings.Contains(errStr, "server error") ||
		strings.Contains(errStr, "500") ||
		strings.Contains(errStr, "502") ||
		strings.Contains(errStr, "503") ||
		strings.Contains(errStr, "504") {
		return FailServerError
	}
	return FailUnknown
}

func classifyStatusCode(status int) FailReason {
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return FailAuth
	case status == http.StatusPaymentRequired:
		return FailBilling
	case status == http.StatusTooManyRequests:
		return FailRateLimit
	case status == http.StatusBadRequest:
		return FailInvalidRequest
	case status == http.StatusNotFound:
		return FailModelUnavailable
	case status >= 500:
		return FailServerError
	default:
		return FailUnknown
	}
}

func classifyErrorCode(code string) FailReason {
	switch strings.ToLower(code) {
	case "rate_limit_error", "rate_limit_exceeded":
		return FailRateLimit
	case "authentication_error", "invalid_api_key":
		return FailAuth
	case "billing_error", "insufficient_quota":
		return FailBilling
	case "model_not_found", "model_not_available":
		return FailModelUnavailable
	case "content_policy_violation", "content_filter":
		return FailContentFilter
	case "server_error", "internal_error", "overloaded_error":
		return FailServerError
	case "invalid_request_error":
		return FailInvalidRequest
	default:
		return FailUnknown
	}
}

// GetProviderError extracts a ProviderError from an error chain.
func GetProviderError(err error) (*ProviderError, bool) {
	var providerErr *ProviderError
	if errors.As(err, &providerErr) {
		return providerErr, true
	}
	return nil, false
}

// IsProviderError checks if an error is a ProviderError.
func IsProviderError(err error) bool {
	var providerErr *ProviderError
	return errors.As(err, &providerErr)
}

// IsRetryable checks if an error should be retried.
func IsRetryable(err error) bool {
	if providerErr, ok := GetProviderError(err); ok {
		return providerErr.Reason.IsRetryable()
	}
	return ClassifyError(err).IsRetryable()
}
