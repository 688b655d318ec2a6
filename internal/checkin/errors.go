package checkin

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies an error by how callers must react to it.
type Kind string

const (
	// KindValidation is malformed input, rejected before any reservation.
	KindValidation Kind = "validation"
	// KindRejection is a terminal domain-rule rejection, stored in the ledger
	// and never retried automatically.
	KindRejection Kind = "rejection"
	// KindTransient is contention or timeout. Safe to retry with the same key.
	KindTransient Kind = "transient"
	// KindInfrastructure is storage or runtime failure.
	KindInfrastructure Kind = "infrastructure"
)

// Code identifies the specific failure.
type Code string

const (
	CodeValidation          Code = "VALIDATION_ERROR"
	CodeIdempotencyMismatch Code = "IDEMPOTENCY_MISMATCH"
	CodeEventNotFound       Code = "EVENT_NOT_FOUND"
	CodeUnauthorized        Code = "UNAUTHORIZED"
	CodeForbidden           Code = "FORBIDDEN"

	CodeInvalid              Code = "INVALID"
	CodeEventArchived        Code = "EVENT_ARCHIVED"
	CodePaymentInvalid       Code = "PAYMENT_INVALID"
	CodeAlreadyInside        Code = "ALREADY_INSIDE"
	CodeLimitExceeded        Code = "LIMIT_EXCEEDED"
	CodeNotYetValid          Code = "NOT_YET_VALID"
	CodeExpired              Code = "EXPIRED"
	CodeEntranceNotAllowed   Code = "ENTRANCE_NOT_ALLOWED"
	CodeDailyLimitExceeded   Code = "DAILY_LIMIT_EXCEEDED"
	CodeWeeklyLimitExceeded  Code = "WEEKLY_LIMIT_EXCEEDED"
	CodeMonthlyLimitExceeded Code = "MONTHLY_LIMIT_EXCEEDED"
	CodeNotCheckedIn         Code = "NOT_CHECKED_IN"

	CodeInProgress Code = "IN_PROGRESS"
	CodeRetry      Code = "RETRY"
	CodeTimeout    Code = "TIMEOUT"

	CodeInternal Code = "INTERNAL"
)

var codeKinds = map[Code]Kind{
	CodeValidation:          KindValidation,
	CodeIdempotencyMismatch: KindValidation,
	CodeEventNotFound:       KindValidation,
	CodeUnauthorized:        KindValidation,
	CodeForbidden:           KindValidation,

	CodeInvalid:              KindRejection,
	CodeEventArchived:        KindRejection,
	CodePaymentInvalid:       KindRejection,
	CodeAlreadyInside:        KindRejection,
	CodeLimitExceeded:        KindRejection,
	CodeNotYetValid:          KindRejection,
	CodeExpired:              KindRejection,
	CodeEntranceNotAllowed:   KindRejection,
	CodeDailyLimitExceeded:   KindRejection,
	CodeWeeklyLimitExceeded:  KindRejection,
	CodeMonthlyLimitExceeded: KindRejection,
	CodeNotCheckedIn:         KindRejection,

	CodeInProgress: KindTransient,
	CodeRetry:      KindTransient,
	CodeTimeout:    KindTransient,

	CodeInternal: KindInfrastructure,
}

// Error is a check-in failure with a stable code.
//
// Rejections produced by Decide carry KindRejection and are safe to store
// in the idempotency ledger. Transient errors must never be stored.
type Error struct {
	Code    Code
	Kind    Kind
	Message string
	Err     error
}

// New creates an Error whose kind is derived from the code.
func New(code Code, message string) *Error {
	return &Error{Code: code, Kind: kindFor(code), Message: message}
}

// Newf is New with a formatted message.
func Newf(code Code, format string, args ...any) *Error {
	return New(code, fmt.Sprintf(format, args...))
}

// Wrap attaches an underlying cause.
func Wrap(code Code, message string, err error) *Error {
	e := New(code, message)
	e.Err = err
	return e
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func kindFor(code Code) Kind {
	if k, ok := codeKinds[code]; ok {
		return k
	}
	return KindInfrastructure
}

// CodeOf returns the code of err, or CodeInternal for errors that are not
// check-in errors.
func CodeOf(err error) Code {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Code
	}
	return CodeInternal
}

// KindOf returns the kind of err. Unknown errors are infrastructure errors.
func KindOf(err error) Kind {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Kind
	}
	return KindInfrastructure
}

// IsRetryable reports whether the caller may resubmit with the same key.
func IsRetryable(err error) bool {
	return KindOf(err) == KindTransient
}

// IsRejection reports whether err is a terminal domain-rule rejection.
func IsRejection(err error) bool {
	return KindOf(err) == KindRejection
}

// HTTPStatus maps a code to the response status of the HTTP surface.
func HTTPStatus(code Code) int {
	switch code {
	case CodeValidation:
		return http.StatusBadRequest
	case CodeIdempotencyMismatch:
		return http.StatusUnprocessableEntity
	case CodeEventNotFound, CodeInvalid:
		return http.StatusNotFound
	case CodeUnauthorized:
		return http.StatusUnauthorized
	case CodeForbidden, CodePaymentInvalid, CodeEventArchived, CodeEntranceNotAllowed,
		CodeNotYetValid, CodeExpired:
		return http.StatusForbidden
	case CodeAlreadyInside, CodeNotCheckedIn, CodeLimitExceeded, CodeDailyLimitExceeded,
		CodeWeeklyLimitExceeded, CodeMonthlyLimitExceeded:
		return http.StatusConflict
	case CodeInProgress, CodeRetry, CodeTimeout:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

var operatorMessages = map[Code]string{
	CodeValidation:           "scan could not be read, please rescan",
	CodeIdempotencyMismatch:  "scan id reused for a different ticket",
	CodeEventNotFound:        "event not found",
	CodeUnauthorized:         "device is not signed in",
	CodeForbidden:            "device is not allowed to scan",
	CodeInvalid:              "ticket not found",
	CodeEventArchived:        "event is closed",
	CodePaymentInvalid:       "payment not completed",
	CodeAlreadyInside:        "ticket already used, attendee is inside",
	CodeLimitExceeded:        "ticket already used",
	CodeNotYetValid:          "ticket is not valid yet",
	CodeExpired:              "ticket has expired",
	CodeEntranceNotAllowed:   "ticket not valid at this entrance",
	CodeDailyLimitExceeded:   "daily entry limit reached",
	CodeWeeklyLimitExceeded:  "weekly entry limit reached",
	CodeMonthlyLimitExceeded: "monthly entry limit reached",
	CodeNotCheckedIn:         "attendee is not checked in",
	CodeInProgress:           "scan is still processing, try again",
	CodeRetry:                "scan was interrupted, try again",
	CodeTimeout:              "scan timed out, try again",
	CodeInternal:             "server error, try again later",
}

// OperatorMessage is the short text shown to a scanning operator for code.
func OperatorMessage(code Code) string {
	if msg, ok := operatorMessages[code]; ok {
		return msg
	}
	return operatorMessages[CodeInternal]
}
