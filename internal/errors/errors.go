// Package errors defines the typed error taxonomy for the claim service.
package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// Error codes returned to API clients.
const (
	CodeIneligible          = "INELIGIBLE"
	CodeOracleUnavailable   = "ORACLE_UNAVAILABLE"
	CodeCapacityExceeded    = "CAPACITY_EXCEEDED"
	CodeBindingConflict     = "BINDING_CONFLICT"
	CodeReservationExpired  = "RESERVATION_EXPIRED"
	CodeReservationMismatch = "RESERVATION_MISMATCH"
	CodeLockContention      = "LOCK_CONTENTION"
	CodeReplayDetected      = "REPLAY_DETECTED"
	CodeTransferError       = "TRANSFER_ERROR"
	CodeClaimsDisabled      = "CLAIMS_DISABLED"
	CodeUnauthorized        = "UNAUTHORIZED"
	CodeRateLimited         = "RATE_LIMITED"
	CodeInvalidRequest      = "INVALID_REQUEST"
	CodeInternal            = "INTERNAL"
)

// ServiceError is a typed, client-visible error. Retryable tells the caller
// whether repeating the request (possibly after restarting the flow) can
// succeed without operator intervention.
type ServiceError struct {
	Code       string `json:"code"`
	Message    string `json:"message"`
	HTTPStatus int    `json:"-"`
	Retryable  bool   `json:"retryable"`
}

func (e *ServiceError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// GetServiceError unwraps err into a *ServiceError, or wraps it as Internal.
func GetServiceError(err error) *ServiceError {
	var svcErr *ServiceError
	if errors.As(err, &svcErr) {
		return svcErr
	}
	return Internal(err.Error())
}

// Is matches ServiceErrors by code so errors.Is works across wrapping.
func (e *ServiceError) Is(target error) bool {
	var other *ServiceError
	if errors.As(target, &other) {
		return e.Code == other.Code
	}
	return false
}

func Ineligible(reason string) *ServiceError {
	return &ServiceError{Code: CodeIneligible, Message: reason, HTTPStatus: http.StatusForbidden}
}

func OracleUnavailable(detail string) *ServiceError {
	return &ServiceError{Code: CodeOracleUnavailable, Message: "reputation oracle unavailable: " + detail, HTTPStatus: http.StatusServiceUnavailable, Retryable: true}
}

func CapacityExceeded(scope string) *ServiceError {
	return &ServiceError{Code: CodeCapacityExceeded, Message: "claim capacity exhausted for " + scope, HTTPStatus: http.StatusConflict}
}

func BindingConflict(detail string) *ServiceError {
	return &ServiceError{Code: CodeBindingConflict, Message: detail, HTTPStatus: http.StatusConflict}
}

func ReservationExpired(id string) *ServiceError {
	return &ServiceError{Code: CodeReservationExpired, Message: "reservation " + id + " expired or not found", HTTPStatus: http.StatusGone}
}

func ReservationMismatch(detail string) *ServiceError {
	return &ServiceError{Code: CodeReservationMismatch, Message: detail, HTTPStatus: http.StatusConflict}
}

func LockContention(wallet string) *ServiceError {
	return &ServiceError{Code: CodeLockContention, Message: "another claim is in flight for wallet " + wallet, HTTPStatus: http.StatusConflict, Retryable: true}
}

func ReplayDetected(txRef string) *ServiceError {
	return &ServiceError{Code: CodeReplayDetected, Message: "transaction reference already consumed: " + txRef, HTTPStatus: http.StatusConflict}
}

func TransferError(detail string) *ServiceError {
	return &ServiceError{Code: CodeTransferError, Message: "reward transfer failed: " + detail, HTTPStatus: http.StatusBadGateway, Retryable: true}
}

func ClaimsDisabled() *ServiceError {
	return &ServiceError{Code: CodeClaimsDisabled, Message: "claims are currently disabled", HTTPStatus: http.StatusServiceUnavailable}
}

func Unauthorized(detail string) *ServiceError {
	return &ServiceError{Code: CodeUnauthorized, Message: detail, HTTPStatus: http.StatusUnauthorized}
}

func RateLimitExceeded() *ServiceError {
	return &ServiceError{Code: CodeRateLimited, Message: "too many requests", HTTPStatus: http.StatusTooManyRequests, Retryable: true}
}

func InvalidRequest(detail string) *ServiceError {
	return &ServiceError{Code: CodeInvalidRequest, Message: detail, HTTPStatus: http.StatusBadRequest}
}

func Internal(detail string) *ServiceError {
	return &ServiceError{Code: CodeInternal, Message: detail, HTTPStatus: http.StatusInternalServerError}
}
