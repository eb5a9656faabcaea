package auth

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/welldanyogia/authgate/internal/apperror"
	appctx "github.com/welldanyogia/authgate/internal/context"
	"github.com/welldanyogia/authgate/internal/credential"
	"github.com/welldanyogia/authgate/internal/httputil"
	"github.com/welldanyogia/authgate/internal/logger"
)

const maxBodyBytes = 1 << 20

// AuthHandler handles HTTP requests for authentication endpoints
type AuthHandler struct {
	authService    *AuthService
	exposeInternal bool
	eventStream    http.Handler
	logger         *slog.Logger
}

// NewAuthHandler creates a new AuthHandler instance. exposeInternal renders
// internal error causes and is only set in development.
func NewAuthHandler(authService *AuthService, exposeInternal bool, log *slog.Logger) *AuthHandler {
	if log == nil {
		log = slog.Default()
	}
	return &AuthHandler{
		authService:    authService,
		exposeInternal: exposeInternal,
		logger:         log,
	}
}

// WithEventStream mounts stream at GET /auth/security-events/stream
func (h *AuthHandler) WithEventStream(stream http.Handler) *AuthHandler {
	h.eventStream = stream
	return h
}

// Register handles user registration
// POST /auth/register
func (h *AuthHandler) Register(w http.ResponseWriter, r *http.Request) {
	var req RegisterRequest
	if !h.decode(w, r, &req, false) {
		return
	}

	response, err := h.authService.Register(r.Context(), req)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	apperror.WriteJSON(w, http.StatusCreated, response)
}

// Login handles user authentication
// POST /auth/login
func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	var req LoginRequest
	if !h.decode(w, r, &req, false) {
		return
	}

	response, err := h.authService.Login(r.Context(), req, clientContext(r))
	if err != nil {
		var locked *credential.LockedError
		switch {
		case errors.As(err, &locked):
			h.writeLocked(w, locked)
		case errors.Is(err, ErrEmailUnverified):
			apperror.WriteFailure(w, http.StatusForbidden, CodeEmailUnverified,
				"Email address has not been verified", map[string]interface{}{
					"requiresVerification": true,
				})
		default:
			h.writeError(w, r, err)
		}
		return
	}
	apperror.WriteJSON(w, http.StatusOK, response)
}

// writeLocked renders a lockout as a recoverable state with the remaining wait
func (h *AuthHandler) writeLocked(w http.ResponseWriter, locked *credential.LockedError) {
	wait := locked.RetryAfter(h.authService.now())
	seconds := int64((wait + time.Second - 1) / time.Second)
	if seconds < 1 {
		seconds = 1
	}
	w.Header().Set("Retry-After", strconv.FormatInt(seconds, 10))
	apperror.WriteFailure(w, http.StatusForbidden, CodeAccountLocked,
		"Account temporarily locked due to repeated failed login attempts", map[string]interface{}{
			"accountLocked":     true,
			"lockedUntil":       locked.Until.UTC(),
			"retryAfterSeconds": seconds,
		})
}

// VerifyEmail confirms an email address
// POST /auth/verify-email
func (h *AuthHandler) VerifyEmail(w http.ResponseWriter, r *http.Request) {
	var req VerifyEmailRequest
	if !h.decode(w, r, &req, false) {
		return
	}
	if err := h.authService.VerifyEmail(r.Context(), req); err != nil {
		h.writeError(w, r, err)
		return
	}
	writeMessage(w, "Email address verified")
}

// ResendVerification sends a new verification code
// POST /auth/resend-verification
func (h *AuthHandler) ResendVerification(w http.ResponseWriter, r *http.Request) {
	var req EmailRequest
	if !h.decode(w, r, &req, false) {
		return
	}
	if err := h.authService.ResendVerification(r.Context(), req); err != nil {
		h.writeError(w, r, err)
		return
	}
	writeMessage(w, "If the account exists and is unverified, a new code has been sent")
}

// ForgotPassword starts a password reset
// POST /auth/forgot-password
func (h *AuthHandler) ForgotPassword(w http.ResponseWriter, r *http.Request) {
	var req EmailRequest
	if !h.decode(w, r, &req, false) {
		return
	}
	if err := h.authService.ForgotPassword(r.Context(), req); err != nil {
		var appErr *apperror.Error
		if errors.As(err, &appErr) && appErr.Kind == apperror.KindValidation {
			h.writeError(w, r, err)
			return
		}
		// keep the response identical for known and unknown accounts
		logger.WithCorrelationID(r.Context(), h.logger).Error("password reset request failed", slog.String("error", err.Error()))
	}
	writeMessage(w, "If an account exists for this email, password reset instructions have been sent")
}

// ResetPassword completes a password reset
// POST /auth/reset-password
func (h *AuthHandler) ResetPassword(w http.ResponseWriter, r *http.Request) {
	var req ResetPasswordRequest
	if !h.decode(w, r, &req, false) {
		return
	}
	if err := h.authService.ResetPassword(r.Context(), req); err != nil {
		h.writeError(w, r, err)
		return
	}
	writeMessage(w, "Password has been reset. Please log in again")
}

// Refresh handles token refresh
// POST /auth/refresh
func (h *AuthHandler) Refresh(w http.ResponseWriter, r *http.Request) {
	var req RefreshRequest
	if !h.decode(w, r, &req, false) {
		return
	}

	tokens, err := h.authService.Refresh(r.Context(), req, clientContext(r))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	apperror.WriteJSON(w, http.StatusOK, tokens)
}

// Logout revokes the current token and session
// POST /auth/logout
func (h *AuthHandler) Logout(w http.ResponseWriter, r *http.Request) {
	id, ok := h.identity(w, r)
	if !ok {
		return
	}
	var req LogoutRequest
	if !h.decode(w, r, &req, true) {
		return
	}

	raw, _ := appctx.ExtractAccessToken(r.Context())
	if err := h.authService.Logout(r.Context(), id, raw, req); err != nil {
		h.writeError(w, r, err)
		return
	}
	writeMessage(w, "Successfully logged out")
}

// LogoutAll revokes every session of the caller
// POST /auth/logout-all
func (h *AuthHandler) LogoutAll(w http.ResponseWriter, r *http.Request) {
	id, ok := h.identity(w, r)
	if !ok {
		return
	}
	var req LogoutAllRequest
	if !h.decode(w, r, &req, true) {
		return
	}

	raw, _ := appctx.ExtractAccessToken(r.Context())
	revoked, err := h.authService.LogoutAll(r.Context(), id, raw, req)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	apperror.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"revokedSessions": revoked,
		"keptCurrent":     req.KeepCurrent,
	})
}

// GetMe returns the current user's profile
// GET /auth/me
func (h *AuthHandler) GetMe(w http.ResponseWriter, r *http.Request) {
	id, ok := h.identity(w, r)
	if !ok {
		return
	}
	profile, err := h.authService.Me(r.Context(), id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	apperror.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"user": profile,
	})
}

// ListSessions lists the caller's active sessions
// GET /auth/sessions
func (h *AuthHandler) ListSessions(w http.ResponseWriter, r *http.Request) {
	id, ok := h.identity(w, r)
	if !ok {
		return
	}
	sessions, err := h.authService.ListSessions(r.Context(), id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	apperror.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"sessions": sessions,
	})
}

// RevokeSession ends one of the caller's sessions
// DELETE /auth/sessions/{sessionId}
func (h *AuthHandler) RevokeSession(w http.ResponseWriter, r *http.Request) {
	id, ok := h.identity(w, r)
	if !ok {
		return
	}
	if err := h.authService.RevokeSession(r.Context(), id, chi.URLParam(r, "sessionId")); err != nil {
		h.writeError(w, r, err)
		return
	}
	writeMessage(w, "Session revoked")
}

// LoginHistory lists recent logins
// GET /auth/login-history?limit=N
func (h *AuthHandler) LoginHistory(w http.ResponseWriter, r *http.Request) {
	id, ok := h.identity(w, r)
	if !ok {
		return
	}
	history, err := h.authService.LoginHistory(r.Context(), id, queryLimit(r))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	apperror.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"history": history,
	})
}

// SecurityEvents lists recent security events of the caller
// GET /auth/security-events?limit=N
func (h *AuthHandler) SecurityEvents(w http.ResponseWriter, r *http.Request) {
	id, ok := h.identity(w, r)
	if !ok {
		return
	}
	recent, err := h.authService.SecurityEvents(r.Context(), id, queryLimit(r))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	apperror.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"events": recent,
	})
}

// SetupTwoFactor starts TOTP enrollment
// POST /auth/2fa/setup
func (h *AuthHandler) SetupTwoFactor(w http.ResponseWriter, r *http.Request) {
	id, ok := h.identity(w, r)
	if !ok {
		return
	}
	enrollment, err := h.authService.SetupTwoFactor(r.Context(), id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	apperror.WriteJSON(w, http.StatusOK, enrollment)
}

// VerifyTwoFactor confirms enrollment and returns the backup codes
// POST /auth/2fa/verify
func (h *AuthHandler) VerifyTwoFactor(w http.ResponseWriter, r *http.Request) {
	id, ok := h.identity(w, r)
	if !ok {
		return
	}
	var req TwoFactorCodeRequest
	if !h.decode(w, r, &req, false) {
		return
	}
	codes, err := h.authService.ConfirmTwoFactor(r.Context(), id, req)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	apperror.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"backupCodes": codes,
	})
}

// DisableTwoFactor turns 2FA off
// POST /auth/2fa/disable
func (h *AuthHandler) DisableTwoFactor(w http.ResponseWriter, r *http.Request) {
	id, ok := h.identity(w, r)
	if !ok {
		return
	}
	var req DisableTwoFactorRequest
	if !h.decode(w, r, &req, false) {
		return
	}
	if err := h.authService.DisableTwoFactor(r.Context(), id, req); err != nil {
		h.writeError(w, r, err)
		return
	}
	writeMessage(w, "Two-factor authentication disabled")
}

// RegenerateBackupCodes replaces the backup codes
// POST /auth/2fa/backup-codes
func (h *AuthHandler) RegenerateBackupCodes(w http.ResponseWriter, r *http.Request) {
	id, ok := h.identity(w, r)
	if !ok {
		return
	}
	var req TwoFactorCodeRequest
	if !h.decode(w, r, &req, false) {
		return
	}
	codes, err := h.authService.RegenerateBackupCodes(r.Context(), id, req)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	apperror.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"backupCodes": codes,
	})
}

// AccountSessions lists the sessions of the account in the URL
// GET /accounts/{accountId}/sessions, GET /admin/accounts/{accountId}/sessions
func (h *AuthHandler) AccountSessions(w http.ResponseWriter, r *http.Request) {
	sessions, err := h.authService.AccountSessions(r.Context(), chi.URLParam(r, "accountId"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	apperror.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"sessions": sessions,
	})
}

// RevokeAccountSession ends a session of the account in the URL
// DELETE /admin/accounts/{accountId}/sessions/{sessionId}
func (h *AuthHandler) RevokeAccountSession(w http.ResponseWriter, r *http.Request) {
	err := h.authService.RevokeAccountSession(r.Context(), chi.URLParam(r, "accountId"), chi.URLParam(r, "sessionId"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeMessage(w, "Session revoked")
}

// identity returns the authenticated identity or writes a 401
func (h *AuthHandler) identity(w http.ResponseWriter, r *http.Request) (appctx.Identity, bool) {
	id, ok := appctx.ExtractIdentity(r.Context())
	if !ok {
		apperror.Write(w, apperror.Unauthorized(apperror.CodeAuthTokenInvalid, "Invalid or expired token"), false)
		return appctx.Identity{}, false
	}
	return id, true
}

// decode reads a JSON body into dst. An empty body is accepted when optional.
func (h *AuthHandler) decode(w http.ResponseWriter, r *http.Request, dst interface{}, optional bool) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		if optional && errors.Is(err, io.EOF) {
			return true
		}
		apperror.Write(w, apperror.Validation("Invalid request body", nil), false)
		return false
	}
	return true
}

func (h *AuthHandler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	appErr := ToAppError(err)
	if appErr.Kind == apperror.KindInternal || appErr.Kind == apperror.KindUnavailable {
		logger.WithCorrelationID(r.Context(), h.logger).Error("request failed",
			slog.String("path", r.URL.Path),
			slog.String("error", err.Error()),
		)
	}
	apperror.Write(w, appErr, h.exposeInternal)
}

func writeMessage(w http.ResponseWriter, message string) {
	apperror.WriteJSON(w, http.StatusOK, map[string]string{
		"message": message,
	})
}

// clientContext collects the client signals used for binding and sessions
func clientContext(r *http.Request) ClientContext {
	return ClientContext{
		IPAddress: httputil.ClientIP(r),
		UserAgent: r.UserAgent(),
		DeviceID:  httputil.DeviceFingerprint(r),
	}
}

func queryLimit(r *http.Request) int {
	n, err := strconv.Atoi(r.URL.Query().Get("limit"))
	if err != nil || n < 0 {
		return 0
	}
	return n
}
