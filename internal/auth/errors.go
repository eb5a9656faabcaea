package auth

import (
	"errors"

	"github.com/welldanyogia/authgate/internal/apperror"
	"github.com/welldanyogia/authgate/internal/credential"
	"github.com/welldanyogia/authgate/internal/ratelimit"
	"github.com/welldanyogia/authgate/internal/repository"
	"github.com/welldanyogia/authgate/internal/session"
	"github.com/welldanyogia/authgate/internal/token"
	"github.com/welldanyogia/authgate/internal/twofactor"
	"github.com/welldanyogia/authgate/internal/verification"
)

// Auth service errors
var (
	ErrEmailExists           = errors.New("email already exists")
	ErrEmailUnverified       = errors.New("email address not verified")
	ErrInvalidTwoFactorCode  = errors.New("invalid two-factor code")
	ErrSessionRevoked        = errors.New("session no longer active")
	ErrInvalidVerification   = errors.New("invalid or expired verification code")
	ErrInvalidResetChallenge = errors.New("invalid or expired password reset")
)

// Error codes for API responses
const (
	CodeEmailExists         = "EMAIL_EXISTS"
	CodeInvalidCredentials  = "INVALID_CREDENTIALS"
	CodeAccountLocked       = "ACCOUNT_LOCKED"
	CodeEmailUnverified     = "EMAIL_NOT_VERIFIED"
	CodeTokenExpired        = "AUTH_TOKEN_EXPIRED"
	CodeTokenRevoked        = "AUTH_TOKEN_REVOKED"
	CodeBindingMismatch     = "TOKEN_BINDING_MISMATCH"
	CodeFingerprintRequired = "DEVICE_FINGERPRINT_REQUIRED"
	CodeSessionRevoked      = "SESSION_REVOKED"
	CodeSessionNotFound     = "SESSION_NOT_FOUND"
	CodeAccountNotFound     = "ACCOUNT_NOT_FOUND"
	CodeInvalid2FACode      = "INVALID_2FA_CODE"
	CodeMalformed2FACode    = "MALFORMED_2FA_CODE"
	Code2FACodeRequired     = "2FA_CODE_REQUIRED"
	Code2FANotEnabled       = "2FA_NOT_ENABLED"
	Code2FAAlreadyEnabled   = "2FA_ALREADY_ENABLED"
	CodeInvalidPassword     = "INVALID_PASSWORD"
	CodeInvalidVerification = "INVALID_VERIFICATION_CODE"
	CodeInvalidResetToken   = "INVALID_RESET_TOKEN"
	CodeServiceUnavailable  = "SERVICE_UNAVAILABLE"
)

// ToAppError classifies errors returned by the auth service and the
// components below it. Unknown errors are internal.
func ToAppError(err error) *apperror.Error {
	var appErr *apperror.Error
	if errors.As(err, &appErr) {
		return appErr
	}

	var throttled *ratelimit.ThrottledError
	if errors.As(err, &throttled) {
		return apperror.Throttled(apperror.CodeTooManyRequests, "Too many requests. Please try again later.", throttled.RetryAfter)
	}

	var locked *credential.LockedError
	if errors.As(err, &locked) {
		return apperror.Wrap(apperror.KindForbidden, CodeAccountLocked, "Account temporarily locked", err)
	}

	switch {
	case errors.Is(err, credential.ErrInvalidCredentials):
		return apperror.Unauthorized(CodeInvalidCredentials, "Invalid email or password")
	case errors.Is(err, ErrEmailUnverified):
		return apperror.Forbidden(CodeEmailUnverified, "Email address has not been verified")
	case errors.Is(err, ErrInvalidTwoFactorCode):
		return apperror.Unauthorized(CodeInvalid2FACode, "Invalid two-factor code")

	case errors.Is(err, token.ErrTokenExpired):
		return apperror.Unauthorized(CodeTokenExpired, "Token has expired")
	case errors.Is(err, token.ErrTokenRevoked):
		return apperror.Unauthorized(CodeTokenRevoked, "Token has been revoked")
	case errors.Is(err, token.ErrBindingMismatch):
		return apperror.Unauthorized(CodeBindingMismatch, "Token was issued to a different device")
	case errors.Is(err, token.ErrFingerprintMissing):
		return apperror.Unauthorized(CodeFingerprintRequired, "Device fingerprint header is required")
	case errors.Is(err, token.ErrTokenInvalid):
		return apperror.Unauthorized(apperror.CodeAuthTokenInvalid, "Invalid or expired token")
	case errors.Is(err, ErrSessionRevoked):
		return apperror.Unauthorized(CodeSessionRevoked, "Session is no longer active")

	case errors.Is(err, twofactor.ErrInvalidCode):
		return apperror.Validation("Invalid two-factor code", map[string][]string{"token": {"is invalid or expired"}}).WithCode(CodeInvalid2FACode)
	case errors.Is(err, twofactor.ErrMalformedCode):
		return apperror.Validation("Malformed two-factor code", map[string][]string{"token": {"must be a 6-digit code or a backup code"}}).WithCode(CodeMalformed2FACode)
	case errors.Is(err, twofactor.ErrCodeRequired):
		return apperror.Validation("Two-factor code is required", map[string][]string{"token": {"is required"}}).WithCode(Code2FACodeRequired)
	case errors.Is(err, twofactor.ErrNotEnrolled):
		return apperror.New(apperror.KindConflict, Code2FANotEnabled, "Two-factor authentication is not set up")
	case errors.Is(err, twofactor.ErrAlreadyEnabled):
		return apperror.New(apperror.KindConflict, Code2FAAlreadyEnabled, "Two-factor authentication is already enabled")
	case errors.Is(err, twofactor.ErrPasswordMismatch):
		return apperror.Validation("Password is incorrect", map[string][]string{"password": {"is incorrect"}}).WithCode(CodeInvalidPassword)

	case errors.Is(err, session.ErrSessionNotFound):
		return apperror.NotFound(CodeSessionNotFound, "Session not found")
	case errors.Is(err, repository.ErrAccountNotFound):
		return apperror.NotFound(CodeAccountNotFound, "Account not found")
	case errors.Is(err, ErrEmailExists), errors.Is(err, repository.ErrEmailAlreadyExists):
		return apperror.New(apperror.KindConflict, CodeEmailExists, "An account with this email already exists")

	case errors.Is(err, ErrInvalidVerification):
		return apperror.Validation("Invalid or expired verification code", map[string][]string{"code": {"is invalid or expired"}}).WithCode(CodeInvalidVerification)
	case errors.Is(err, verification.ErrUnavailable):
		return apperror.Wrap(apperror.KindUnavailable, CodeServiceUnavailable, "Service temporarily unavailable", err)
	case errors.Is(err, ErrInvalidResetChallenge):
		return apperror.Validation("Invalid or expired password reset", map[string][]string{"token": {"is invalid or expired"}}).WithCode(CodeInvalidResetToken)
	}

	return apperror.As(err)
}
