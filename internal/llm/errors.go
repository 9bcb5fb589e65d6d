package llm

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	openai "github.com/sashabaranov/go-openai"
)

// ErrorReason categorizes a failed provider call for retry decisions.
type ErrorReason string

const (
	ReasonRateLimit        ErrorReason = "rate_limit"
	ReasonTimeout          ErrorReason = "timeout"
	ReasonServerError      ErrorReason = "server_error"
	ReasonAuth             ErrorReason = "auth"
	ReasonBilling          ErrorReason = "billing"
	ReasonInvalidRequest   ErrorReason = "invalid_request"
	ReasonModelUnavailable ErrorReason = "model_unavailable"
	ReasonContentFilter    ErrorReason = "content_filter"
	ReasonUnknown          ErrorReason = "unknown"
)

// Transient reports whether a retry of the same request may succeed.
func (r ErrorReason) Transient() bool {
	switch r {
	case ReasonRateLimit, ReasonTimeout, ReasonServerError:
		return true
	default:
		return false
	}
}

// CallError is a structured provider failure.
type CallError struct {
	Provider string
	Model    string
	Status   int
	Reason   ErrorReason
	Cause    error
}

func (e *CallError) Error() string {
	msg := "call failed"
	if e.Cause != nil {
		msg = e.Cause.Error()
	}
	if e.Status != 0 {
		return fmt.Sprintf("llm: %s [%s] model=%s status=%d: %s", e.Provider, e.Reason, e.Model, e.Status, msg)
	}
	return fmt.Sprintf("llm: %s [%s] model=%s: %s", e.Provider, e.Reason, e.Model, msg)
}

func (e *CallError) Unwrap() error { return e.Cause }

// wrapError builds a classified CallError from a raw SDK failure.
func wrapError(provider, model string, err error) error {
	if err == nil {
		return nil
	}
	var ce *CallError
	if errors.As(err, &ce) {
		return err
	}
	out := &CallError{Provider: provider, Model: model, Cause: err}
	if status := statusOf(err); status != 0 {
		out.Status = status
		out.Reason = reasonForStatus(status)
	} else {
		out.Reason = classifyMessage(err)
	}
	return out
}

// statusOf extracts an HTTP status from the SDK error types.
func statusOf(err error) int {
	var oaiAPI *openai.APIError
	if errors.As(err, &oaiAPI) {
		return oaiAPI.HTTPStatusCode
	}
	var oaiReq *openai.RequestError
	if errors.As(err, &oaiReq) {
		return oaiReq.HTTPStatusCode
	}
	var antErr *anthropic.Error
	if errors.As(err, &antErr) {
		return antErr.StatusCode
	}
	return 0
}

func reasonForStatus(status int) ErrorReason {
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return ReasonAuth
	case status == http.StatusPaymentRequired:
		return ReasonBilling
	case status == http.StatusTooManyRequests:
		return ReasonRateLimit
	case status == http.StatusBadRequest:
		return ReasonInvalidRequest
	case status == http.StatusNotFound:
		return ReasonModelUnavailable
	case status == http.StatusRequestTimeout:
		return ReasonTimeout
	case status >= 500:
		return ReasonServerError
	default:
		return ReasonUnknown
	}
}

// classifyMessage falls back to string matching when no status code is
// available (connection resets, DNS failures, SDK-wrapped errors).
func classifyMessage(err error) ErrorReason {
	if errors.Is(err, context.DeadlineExceeded) {
		return ReasonTimeout
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "timeout") || strings.Contains(msg, "deadline exceeded") || strings.Contains(msg, "timed out"):
		return ReasonTimeout
	case strings.Contains(msg, "rate limit") || strings.Contains(msg, "rate_limit") || strings.Contains(msg, "too many requests") || strings.Contains(msg, "429"):
		return ReasonRateLimit
	case strings.Contains(msg, "connection refused") || strings.Contains(msg, "connection reset") || strings.Contains(msg, "eof") || strings.Contains(msg, "no such host"):
		return ReasonServerError
	case strings.Contains(msg, "unauthorized") || strings.Contains(msg, "invalid api key") || strings.Contains(msg, "authentication"):
		return ReasonAuth
	case strings.Contains(msg, "billing") || strings.Contains(msg, "payment") || strings.Contains(msg, "quota") || strings.Contains(msg, "insufficient"):
		return ReasonBilling
	case strings.Contains(msg, "content_filter") || strings.Contains(msg, "content policy"):
		return ReasonContentFilter
	case strings.Contains(msg, "model not found") || strings.Contains(msg, "model_not_found") || strings.Contains(msg, "does not exist"):
		return ReasonModelUnavailable
	case strings.Contains(msg, "internal server") || strings.Contains(msg, "server error") || strings.Contains(msg, "502") || strings.Contains(msg, "503") || strings.Contains(msg, "504"):
		return ReasonServerError
	default:
		return ReasonUnknown
	}
}

// IsTransient reports whether an error from Chat or Vision is worth
// retrying with backoff.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	var ce *CallError
	if errors.As(err, &ce) {
		return ce.Reason.Transient()
	}
	return classifyMessage(err).Transient()
}
