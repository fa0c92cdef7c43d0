// Package errors provides a structured error type carrying OSP's reason
// codes (spec §7) and their HTTP status mapping (spec §6), so layered
// components never propagate raw exceptions across the RPC boundary.
package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// ReasonCode is one of spec §7's error taxonomy codes.
type ReasonCode string

const (
	// Protocol / request validation
	ReasonInvalidEmptyQuery ReasonCode = "INVALID_REQUEST_EMPTY_QUERY"
	ReasonUnknownMethod     ReasonCode = "UNKNOWN_METHOD"
	ReasonInvalidParams     ReasonCode = "INVALID_PARAMS"

	// Availability / fail-closed
	ReasonClassifierUnavailable ReasonCode = "SAFETY_CLASSIFIER_UNAVAILABLE"
	ReasonSafetyCheckTimeout    ReasonCode = "SAFETY_CHECK_TIMEOUT"
	ReasonCriticalLoadShedding  ReasonCode = "D3_CRITICAL_LOAD_SHEDDING"
	ReasonRateLimitExceeded     ReasonCode = "RATE_LIMIT_EXCEEDED"

	// Registry
	ReasonInvalidSignature  ReasonCode = "invalid_signature"
	ReasonUnauthorizedRevoke ReasonCode = "unauthorized_revoke"
	ReasonTrustChainInvalid ReasonCode = "trust_chain_invalid"
	ReasonRevokedSkill      ReasonCode = "revoked_skill"

	// Delivery
	ReasonContractExpired   ReasonCode = "CONTRACT_EXPIRED"
	ReasonExecutionFailed   ReasonCode = "EXECUTION_FAILED"
	ReasonRejectedDegraded  ReasonCode = "REJECTED_DEGRADATION"

	// Generic internal failure, never surfaced with a domain-specific code
	ReasonInternal ReasonCode = "INTERNAL_ERROR"

	// Admin HTTP surface (not part of the RPC taxonomy; admin/* routes sit
	// outside the osp.* method table entirely)
	ReasonAdminUnauthorized ReasonCode = "ADMIN_UNAUTHORIZED"
)

// ServiceError is a structured error: a reason code, a human message, the
// HTTP status it maps to per spec §6, and an optional wrapped cause.
type ServiceError struct {
	Code       ReasonCode             `json:"code"`
	Message    string                 `json:"message"`
	HTTPStatus int                    `json:"-"`
	Details    map[string]interface{} `json:"details,omitempty"`
	Err        error                  `json:"-"`
}

func (e *ServiceError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *ServiceError) Unwrap() error {
	return e.Err
}

func (e *ServiceError) WithDetails(key string, value interface{}) *ServiceError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

func New(code ReasonCode, message string, httpStatus int) *ServiceError {
	return &ServiceError{Code: code, Message: message, HTTPStatus: httpStatus}
}

func Wrap(code ReasonCode, message string, httpStatus int, err error) *ServiceError {
	return &ServiceError{Code: code, Message: message, HTTPStatus: httpStatus, Err: err}
}

// Protocol / request validation — 400

func InvalidEmptyQuery() *ServiceError {
	return New(ReasonInvalidEmptyQuery, "the query was empty after trimming whitespace", http.StatusBadRequest)
}

func InvalidParams(reason string) *ServiceError {
	return New(ReasonInvalidParams, "invalid params", http.StatusBadRequest).WithDetails("reason", reason)
}

func AdminUnauthorized() *ServiceError {
	return New(ReasonAdminUnauthorized, "unauthorized", http.StatusUnauthorized)
}

func UnknownMethod(method string) *ServiceError {
	return New(ReasonUnknownMethod, "unknown method", http.StatusNotFound).WithDetails("method", method)
}

// Availability / fail-closed — 503, except rate limiting (429)

func ClassifierUnavailable(err error) *ServiceError {
	return Wrap(ReasonClassifierUnavailable, "safety classification is temporarily unavailable", http.StatusServiceUnavailable, err)
}

func SafetyCheckTimeout() *ServiceError {
	return New(ReasonSafetyCheckTimeout, "safety check timed out", http.StatusServiceUnavailable)
}

func CriticalLoadShedding() *ServiceError {
	return New(ReasonCriticalLoadShedding, "request rejected under critical load shedding", http.StatusServiceUnavailable)
}

func RateLimitExceeded(limit int, window string) *ServiceError {
	return New(ReasonRateLimitExceeded, "rate limit exceeded", http.StatusTooManyRequests).
		WithDetails("limit", limit).
		WithDetails("window", window)
}

// Registry — 403

func InvalidSignature(err error) *ServiceError {
	return Wrap(ReasonInvalidSignature, "signature verification failed", http.StatusForbidden, err)
}

func UnauthorizedRevoke() *ServiceError {
	return New(ReasonUnauthorizedRevoke, "revocation is not authorized for this signer", http.StatusForbidden)
}

func TrustChainInvalid() *ServiceError {
	return New(ReasonTrustChainInvalid, "trust chain could not be validated", http.StatusForbidden)
}

func RevokedSkill(skillRef string) *ServiceError {
	return New(ReasonRevokedSkill, "skill has been revoked", http.StatusForbidden).WithDetails("skill_ref", skillRef)
}

// Delivery

func ContractExpired(idempotencyKey string) *ServiceError {
	return New(ReasonContractExpired, "delivery contract has expired", http.StatusConflict).
		WithDetails("idempotency_key", idempotencyKey)
}

func ExecutionFailed(err error) *ServiceError {
	return Wrap(ReasonExecutionFailed, "execution failed after exhausting retries", http.StatusInternalServerError, err)
}

func RejectedDegradation(level string) *ServiceError {
	return New(ReasonRejectedDegraded, "request rejected by the degradation controller", http.StatusServiceUnavailable).
		WithDetails("level", level)
}

func Internal(message string, err error) *ServiceError {
	return Wrap(ReasonInternal, message, http.StatusInternalServerError, err)
}

// IsServiceError reports whether err (or a wrapped cause) is a *ServiceError.
func IsServiceError(err error) bool {
	var serviceErr *ServiceError
	return errors.As(err, &serviceErr)
}

// GetServiceError extracts a *ServiceError from an error chain, or nil.
func GetServiceError(err error) *ServiceError {
	var serviceErr *ServiceError
	if errors.As(err, &serviceErr) {
		return serviceErr
	}
	return nil
}

// GetHTTPStatus returns the HTTP status for err, defaulting to 500 for any
// error that isn't a *ServiceError — the fail-closed default per spec §7.
func GetHTTPStatus(err error) int {
	if serviceErr := GetServiceError(err); serviceErr != nil {
		return serviceErr.HTTPStatus
	}
	return http.StatusInternalServerError
}
