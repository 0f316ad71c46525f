package application

import (
	"errors"
	"net/http"

	"github.com/DanielPopoola/ficmart-orchestrator/internal/domain"
)

// WireError is the JSON shape outer layers (webhook/http) use to wrap core
// errors.
type WireError struct {
	Code      string            `json:"code"`
	Message   string            `json:"message"`
	Details   map[string]string `json:"details,omitempty"`
	RequestID string            `json:"requestId,omitempty"`
}

// ToWireError flattens any core error into the wire shape.
func ToWireError(err error, requestID string) WireError {
	wire := WireError{
		Code:      string(domain.KindOf(err)),
		Message:   err.Error(),
		RequestID: requestID,
	}
	var de *domain.Error
	if errors.As(err, &de) && len(de.Context) > 0 {
		wire.Details = de.Context
	}
	return wire
}

// ToHTTPStatus maps an error kind to the status outer layers should surface.
func ToHTTPStatus(err error) int {
	if err == nil {
		return http.StatusOK
	}
	switch domain.KindOf(err) {
	case domain.KindValidation:
		return http.StatusBadRequest
	case domain.KindDuplicateRequest, domain.KindIdempotencyReplay,
		domain.KindTransactionInvalidState, domain.KindTransactionLocked,
		domain.KindDeadlockDetected:
		return http.StatusConflict
	case domain.KindTransactionNotFound:
		return http.StatusNotFound
	case domain.KindLockTimeout:
		return http.StatusServiceUnavailable
	case domain.KindProviderCommunication:
		return http.StatusBadGateway
	case domain.KindProviderDecline:
		return http.StatusPaymentRequired
	case domain.KindTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}
