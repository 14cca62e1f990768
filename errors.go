package oauthx

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorCode represents authorization error categories.
type ErrorCode string

const (
	ErrCodeNoToken             ErrorCode = "no_token"
	ErrCodeInvalidToken        ErrorCode = "invalid_token"
	ErrCodeMetadataLookup      ErrorCode = "metadata_lookup_failure"
	ErrCodeUserInfo            ErrorCode = "userinfo_failure"
	ErrCodeClaimsLookup        ErrorCode = "claims_lookup_failure"
	ErrCodeMissingClaim        ErrorCode = "missing_claim"
	ErrCodeInsufficientScope   ErrorCode = "insufficient_scope"
	ErrCodeIssuerNotRegistered ErrorCode = "issuer_not_registered"
	ErrCodeInternal            ErrorCode = "internal_error"
)

// Details refine ErrCodeInvalidToken failures.
const (
	DetailExpired           = "token_expired"
	DetailNotYetValid       = "token_not_yet_valid"
	DetailInvalidIssuer     = "invalid_issuer"
	DetailInvalidAudience   = "invalid_audience"
	DetailInvalidSignature  = "invalid_signature"
	DetailSubjectNotAllowed = "subject_not_allowed"
)

var errorMessages = map[ErrorCode]string{
	ErrCodeNoToken:             "No access token was supplied",
	ErrCodeInvalidToken:        "Invalid access token",
	ErrCodeMetadataLookup:      "Token signing keys unavailable",
	ErrCodeUserInfo:            "User info lookup failed",
	ErrCodeClaimsLookup:        "Claims lookup failed",
	ErrCodeMissingClaim:        "Access token is missing a required claim",
	ErrCodeInsufficientScope:   "Access token has insufficient scope",
	ErrCodeIssuerNotRegistered: "Issuer not registered",
	ErrCodeInternal:            "Internal error",
}

var errorStatuses = map[ErrorCode]int{
	ErrCodeNoToken:             http.StatusUnauthorized,
	ErrCodeInvalidToken:        http.StatusUnauthorized,
	ErrCodeMetadataLookup:      http.StatusUnauthorized,
	ErrCodeUserInfo:            http.StatusBadGateway,
	ErrCodeClaimsLookup:        http.StatusBadGateway,
	ErrCodeMissingClaim:        http.StatusInternalServerError,
	ErrCodeInsufficientScope:   http.StatusForbidden,
	ErrCodeIssuerNotRegistered: http.StatusInternalServerError,
	ErrCodeInternal:            http.StatusInternalServerError,
}

// ErrNoPrincipal is returned when scope checks run before a principal was bound.
var ErrNoPrincipal = newError(ErrCodeNoToken, errors.New("no principal bound to request"))

// Error wraps authorization errors with a stable code, HTTP status and message.
type Error struct {
	Code    ErrorCode
	Detail  string
	Message string
	Status  int
	Err     error
}

// Error implements the error interface.
func (e *Error) Error() string {
	base := e.Message
	if base == "" {
		base = string(e.Code)
	}
	if e.Detail != "" {
		base = fmt.Sprintf("%s (%s)", base, e.Detail)
	}
	if e.Err == nil {
		return base
	}
	return fmt.Sprintf("%s: %v", base, e.Err)
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error {
	return e.Err
}

// ServerFault reports whether the failure is the server's or an upstream's fault
// rather than the caller's. Metadata failures are returned as 401 but still count.
func (e *Error) ServerFault() bool {
	return e.Status >= http.StatusInternalServerError || e.Code == ErrCodeMetadataLookup
}

func newError(code ErrorCode, err error) error {
	return newStatusError(code, 0, err)
}

func newDetailError(code ErrorCode, detail string, err error) error {
	e := newStatusError(code, 0, err).(*Error)
	e.Detail = detail
	return e
}

func newStatusError(code ErrorCode, status int, err error) error {
	msg, ok := errorMessages[code]
	if !ok {
		msg = string(code)
	}
	if status == 0 {
		status, ok = errorStatuses[code]
		if !ok {
			status = http.StatusInternalServerError
		}
	}
	return &Error{Code: code, Message: msg, Status: status, Err: err}
}

// NewClaimsLookupError wraps a business claims store failure. Custom claims
// providers return it from Lookup.
func NewClaimsLookupError(err error) error {
	return newError(ErrCodeClaimsLookup, err)
}

// AsError converts any error to *Error, classifying unknown errors as internal.
func AsError(err error) *Error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return newError(ErrCodeInternal, err).(*Error)
}

// HasCode reports whether err carries the given code.
func HasCode(err error, code ErrorCode) bool {
	var e *Error
	return errors.As(err, &e) && e.Code == code
}
