package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// Common error types
var (
	ErrNotFound     = errors.New("resource not found")
	ErrUnauthorized = errors.New("unauthorized")
	ErrForbidden    = errors.New("forbidden")
	ErrBadRequest   = errors.New("bad request")
	ErrConflict     = errors.New("conflict")
	ErrInternal     = errors.New("internal error")
	ErrValidation   = errors.New("validation error")
)

// Signing error types
var (
	ErrAlreadySigned     = errors.New("document already signed")
	ErrCredentialState   = errors.New("credential not usable")
	ErrInvalidPassphrase = errors.New("invalid passphrase")
	ErrInvalidKeystore   = errors.New("invalid keystore")
	ErrCryptoOperation   = errors.New("crypto operation failed")
	ErrSigningTimeout    = errors.New("signing timed out")
	ErrMalformedDocument = errors.New("malformed document")
	ErrModeConflict      = errors.New("signing mode conflict")
)

// AppError represents an application error with context
type AppError struct {
	Err        error             `json:"-"`
	Message    string            `json:"message"`
	Code       string            `json:"code"`
	HTTPStatus int               `json:"-"`
	Details    map[string]string `json:"details,omitempty"`
}

func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *AppError) Unwrap() error {
	return e.Err
}

// NotFound creates a not found error
func NotFound(resource string, id string) *AppError {
	return &AppError{
		Err:        ErrNotFound,
		Message:    fmt.Sprintf("%s not found", resource),
		Code:       "NOT_FOUND",
		HTTPStatus: http.StatusNotFound,
		Details:    map[string]string{"resource": resource, "id": id},
	}
}

// Unauthorized creates an unauthorized error
func Unauthorized(message string) *AppError {
	return &AppError{
		Err:        ErrUnauthorized,
		Message:    message,
		Code:       "UNAUTHORIZED",
		HTTPStatus: http.StatusUnauthorized,
	}
}

// Forbidden creates a forbidden error. Signing surfaces it as the authorization failure
// for callers that are neither the document's signer nor an admin.
func Forbidden(message string) *AppError {
	return &AppError{
		Err:        ErrForbidden,
		Message:    message,
		Code:       "FORBIDDEN",
		HTTPStatus: http.StatusForbidden,
	}
}

// BadRequest creates a bad request error
func BadRequest(message string) *AppError {
	return &AppError{
		Err:        ErrBadRequest,
		Message:    message,
		Code:       "BAD_REQUEST",
		HTTPStatus: http.StatusBadRequest,
	}
}

// Validation creates a validation error with field details
func Validation(message string, details map[string]string) *AppError {
	return &AppError{
		Err:        ErrValidation,
		Message:    message,
		Code:       "VALIDATION_ERROR",
		HTTPStatus: http.StatusBadRequest,
		Details:    details,
	}
}

// Conflict creates a conflict error
func Conflict(message string) *AppError {
	return &AppError{
		Err:        ErrConflict,
		Message:    message,
		Code:       "CONFLICT",
		HTTPStatus: http.StatusConflict,
	}
}

// Internal creates an internal error
func Internal(err error) *AppError {
	return &AppError{
		Err:        err,
		Message:    "internal server error",
		Code:       "INTERNAL_ERROR",
		HTTPStatus: http.StatusInternalServerError,
	}
}

// AlreadySigned reports that a (documentType, documentId) pair already has a ledger row.
func AlreadySigned(documentType, documentID string) *AppError {
	return &AppError{
		Err:        ErrAlreadySigned,
		Message:    "document already signed",
		Code:       "ALREADY_SIGNED",
		HTTPStatus: http.StatusConflict,
		Details:    map[string]string{"document_type": documentType, "document_id": documentID},
	}
}

// CredentialState reports an inactive, revoked or expired credential.
func CredentialState(credentialID, reason string) *AppError {
	return &AppError{
		Err:        ErrCredentialState,
		Message:    fmt.Sprintf("credential not usable: %s", reason),
		Code:       "CREDENTIAL_STATE",
		HTTPStatus: http.StatusConflict,
		Details:    map[string]string{"credential_id": credentialID, "reason": reason},
	}
}

// InvalidPassphrase reports a passphrase that does not match the credential.
func InvalidPassphrase() *AppError {
	return &AppError{
		Err:        ErrInvalidPassphrase,
		Message:    "invalid passphrase",
		Code:       "INVALID_PASSPHRASE",
		HTTPStatus: http.StatusUnauthorized,
	}
}

// InvalidKeystore reports a keystore bundle that cannot be parsed or unlocked at registration.
func InvalidKeystore(err error) *AppError {
	return &AppError{
		Err:        fmt.Errorf("%w: %v", ErrInvalidKeystore, err),
		Message:    "invalid keystore bundle",
		Code:       "INVALID_KEYSTORE",
		HTTPStatus: http.StatusBadRequest,
	}
}

// CryptoOperation reports a failure while unlocking key material or producing a signature.
func CryptoOperation(message string, err error) *AppError {
	wrapped := ErrCryptoOperation
	if err != nil {
		wrapped = fmt.Errorf("%w: %v", ErrCryptoOperation, err)
	}
	return &AppError{
		Err:        wrapped,
		Message:    message,
		Code:       "CRYPTO_OPERATION",
		HTTPStatus: http.StatusInternalServerError,
	}
}

// SigningTimeout reports that the key unlock step exceeded its deadline. Retryable.
func SigningTimeout(err error) *AppError {
	wrapped := ErrSigningTimeout
	if err != nil {
		wrapped = fmt.Errorf("%w: %v", ErrSigningTimeout, err)
	}
	return &AppError{
		Err:        wrapped,
		Message:    "signing timed out, retry later",
		Code:       "SIGNING_TIMEOUT",
		HTTPStatus: http.StatusServiceUnavailable,
	}
}

// MalformedDocument reports a PDF whose structure could not be parsed.
func MalformedDocument(message string) *AppError {
	return &AppError{
		Err:        ErrMalformedDocument,
		Message:    message,
		Code:       "MALFORMED_DOCUMENT",
		HTTPStatus: http.StatusUnprocessableEntity,
	}
}

// ModeConflict reports a request mixing integrity-only stamping with credential signing.
func ModeConflict(message string) *AppError {
	return &AppError{
		Err:        ErrModeConflict,
		Message:    message,
		Code:       "MODE_CONFLICT",
		HTTPStatus: http.StatusBadRequest,
	}
}

// IsRetryable reports whether the failed request may be retried unchanged.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrSigningTimeout)
}

// Is forwards to the standard library so callers only import this package.
func Is(err, target error) bool {
	return errors.Is(err, target)
}

// As forwards to the standard library so callers only import this package.
func As(err error, target any) bool {
	return errors.As(err, target)
}

// Wrap wraps an error with additional context
func Wrap(err error, message string) *AppError {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return &AppError{
			Err:        appErr.Err,
			Message:    fmt.Sprintf("%s: %s", message, appErr.Message),
			Code:       appErr.Code,
			HTTPStatus: appErr.HTTPStatus,
			Details:    appErr.Details,
		}
	}
	return &AppError{
		Err:        err,
		Message:    message,
		Code:       "INTERNAL_ERROR",
		HTTPStatus: http.StatusInternalServerError,
	}
}
