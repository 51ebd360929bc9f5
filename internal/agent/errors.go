package agent

import (
	"context"
	"errors"
	"strings"
)

var (
	// ErrGenerationFailure wraps every failed completion attempt.
	ErrGenerationFailure = errors.New("generation failure")
	// ErrMalformedOutput marks a reply that held no usable SQL.
	ErrMalformedOutput = errors.New("malformed completion output")
)

// ErrorClass categorizes completion errors for logging and metrics.
type ErrorClass string

const (
	ErrorClassAuth            ErrorClass = "AUTH"
	ErrorClassRateLimit       ErrorClass = "RATE_LIMIT"
	ErrorClassTimeout         ErrorClass = "TIMEOUT"
	ErrorClassBilling         ErrorClass = "BILLING"
	ErrorClassContextOverflow ErrorClass = "CONTEXT_OVERFLOW"
	ErrorClassMalformed       ErrorClass = "MALFORMED"
	ErrorClassUnknown         ErrorClass = "UNKNOWN"
)

// ClassifyError inspects a completion error. Provider SDKs surface HTTP
// status in the message text, so matching is by substring.
func ClassifyError(err error) ErrorClass {
	if err == nil {
		return ErrorClassUnknown
	}
	if errors.Is(err, ErrMalformedOutput) {
		return ErrorClassMalformed
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ErrorClassTimeout
	}
	msg := strings.ToLower(err.Error())

	switch {
	case containsAny(msg, "401", "unauthorized", "invalid key", "invalid api key", "forbidden", "403"):
		return ErrorClassAuth
	case containsAny(msg, "429", "rate limit", "rate_limit", "quota", "too many requests"):
		return ErrorClassRateLimit
	case containsAny(msg, "deadline exceeded", "timeout", "timed out"):
		return ErrorClassTimeout
	case containsAny(msg, "billing", "payment", "insufficient funds"):
		return ErrorClassBilling
	case containsAny(msg, "context_length", "context length", "token limit", "max tokens", "maximum context", "context window"):
		return ErrorClassContextOverflow
	}
	return ErrorClassUnknown
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
