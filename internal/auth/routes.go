package auth

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/welldanyogia/authgate/internal/ratelimit"
	"github.com/welldanyogia/authgate/internal/repository"
)

// Middleware is an interface for HTTP middleware
type Middleware func(http.Handler) http.Handler

// RouteMiddleware is the middleware RegisterRoutes wires around the handlers.
// Nil fields are skipped.
type RouteMiddleware struct {
	Authenticate Middleware
	// RequireHTTPS guards every /auth route
	RequireHTTPS Middleware
	// RateLimit returns the limiter for an endpoint class
	RateLimit func(policy string) Middleware
}

func (m RouteMiddleware) limit(policy string) Middleware {
	if m.RateLimit == nil {
		return passthrough
	}
	return m.RateLimit(policy)
}

func passthrough(next http.Handler) http.Handler { return next }

func orPassthrough(mw Middleware) Middleware {
	if mw == nil {
		return passthrough
	}
	return mw
}

// RegisterRoutes registers all authentication routes with the Chi router.
// Rate limits run before authentication so throttled requests never reach
// token or credential checks.
func RegisterRoutes(r chi.Router, handler *AuthHandler, mw RouteMiddleware) {
	authenticate := orPassthrough(mw.Authenticate)

	r.Route("/auth", func(r chi.Router) {
		r.Use(orPassthrough(mw.RequireHTTPS))

		// Public routes (no authentication required)
		r.With(mw.limit(ratelimit.PolicyRegister)).Post("/register", handler.Register)
		r.With(mw.limit(ratelimit.PolicyLogin)).Post("/login", handler.Login)
		r.With(mw.limit(ratelimit.PolicyVerificationCode)).Post("/verify-email", handler.VerifyEmail)
		r.With(mw.limit(ratelimit.PolicyVerificationCode)).Post("/resend-verification", handler.ResendVerification)
		r.With(mw.limit(ratelimit.PolicyPasswordReset)).Post("/forgot-password", handler.ForgotPassword)
		r.With(mw.limit(ratelimit.PolicyPasswordReset)).Post("/reset-password", handler.ResetPassword)
		r.With(mw.limit(ratelimit.PolicyAPI)).Post("/refresh", handler.Refresh)

		// Protected routes (authentication required)
		r.Group(func(r chi.Router) {
			r.Use(mw.limit(ratelimit.PolicyAPI), authenticate)
			r.Post("/logout", handler.Logout)
			r.Post("/logout-all", handler.LogoutAll)
			r.Get("/me", handler.GetMe)
			r.Get("/login-history", handler.LoginHistory)
			r.Get("/security-events", handler.SecurityEvents)
			if handler.eventStream != nil {
				r.Handle("/security-events/stream", handler.eventStream)
			}

			r.With(RequirePermission(PermissionSessionsReadOwn)).Get("/sessions", handler.ListSessions)
			r.With(RequirePermission(PermissionSessionsRevokeOwn)).Delete("/sessions/{sessionId}", handler.RevokeSession)

			r.Route("/2fa", func(r chi.Router) {
				r.Use(RequirePermission(PermissionTwoFactorManage))
				r.Post("/setup", handler.SetupTwoFactor)
				r.Post("/verify", handler.VerifyTwoFactor)
				r.Post("/disable", handler.DisableTwoFactor)
				r.Post("/backup-codes", handler.RegenerateBackupCodes)
			})
		})
	})

	r.Group(func(r chi.Router) {
		r.Use(mw.limit(ratelimit.PolicyAPI), authenticate, RequireOwnerOrAdmin("accountId"))
		r.Get("/accounts/{accountId}/sessions", handler.AccountSessions)
	})

	r.Route("/admin", func(r chi.Router) {
		r.Use(mw.limit(ratelimit.PolicyAdmin), authenticate, RequireRole(repository.RoleAdmin))
		r.With(RequirePermission(PermissionSessionsReadAny)).Get("/accounts/{accountId}/sessions", handler.AccountSessions)
		r.With(RequirePermission(PermissionSessionsRevokeAny)).Delete("/accounts/{accountId}/sessions/{sessionId}", handler.RevokeAccountSession)
	})
}
