// Package provider holds provider-side helpers: error classification, the
// retrying decorator and a scriptable simulator for tests.
package provider

import (
	"errors"
	"fmt"

	"github.com/DanielPopoola/ficmart-orchestrator/internal/domain"
)

// Error is the raw failure shape coming back from a concrete provider
// adapter before classification.
type Error struct {
	Code       string
	StatusCode int
	Message    string
}

func (e *Error) Error() string {
	return fmt.Sprintf("provider error %s (%d): %s", e.Code, e.StatusCode, e.Message)
}

// Classify folds a raw provider error into the core taxonomy. Connection
// class problems become PROVIDER_COMMUNICATION, slow responses TIMEOUT and
// everything the provider decided on its own becomes PROVIDER_DECLINE.
func Classify(err error) *domain.Error {
	var de *domain.Error
	if errors.As(err, &de) {
		return de
	}
	var pe *Error
	if !errors.As(err, &pe) {
		return domain.NewProviderCommunicationError("provider call failed", err)
	}

	switch pe.Code {
	case "network_error", "connection_error", "api_connection_error":
		return domain.NewProviderCommunicationError(pe.Message, pe)
	case "timeout", "gateway_timeout":
		return domain.NewTimeoutError("provider call", pe)
	case "rate_limited":
		return domain.NewProviderCommunicationError(pe.Message, pe)
	}
	if pe.StatusCode >= 500 {
		return domain.NewProviderCommunicationError(pe.Message, pe)
	}
	return domain.NewProviderDeclineError(pe.Message).WithContext("providerCode", pe.Code)
}

// IsConnectionError reports whether the error is worth an in-call retry.
func IsConnectionError(err error) bool {
	switch domain.KindOf(err) {
	case domain.KindProviderCommunication, domain.KindTimeout:
		return true
	}
	return false
}
