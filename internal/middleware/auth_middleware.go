package middleware

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/welldanyogia/authgate/internal/apperror"
	"github.com/welldanyogia/authgate/internal/auth"
	appctx "github.com/welldanyogia/authgate/internal/context"
	"github.com/welldanyogia/authgate/internal/httputil"
	"github.com/welldanyogia/authgate/internal/logger"
	"github.com/welldanyogia/authgate/internal/token"
)

// Authenticator verifies a bearer token against the caller's binding context
type Authenticator interface {
	Authenticate(ctx context.Context, raw string, bc token.BindingContext) (appctx.Identity, error)
}

// Options configures AuthMiddleware.
type Options struct {
	// DevIdentity, when set, is attached to requests that carry no
	// Authorization header. Only tests set it; production wiring never does.
	DevIdentity *appctx.Identity
}

// AuthMiddleware handles JWT authentication for protected routes
type AuthMiddleware struct {
	authenticator Authenticator
	opts          Options
	logger        *slog.Logger
}

// NewAuthMiddleware creates a new AuthMiddleware instance
func NewAuthMiddleware(authenticator Authenticator, opts Options, log *slog.Logger) *AuthMiddleware {
	if log == nil {
		log = slog.Default()
	}
	return &AuthMiddleware{
		authenticator: authenticator,
		opts:          opts,
		logger:        log,
	}
}

// Authenticate is a middleware that validates JWT tokens from the Authorization header
func (m *AuthMiddleware) Authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, present := httputil.BearerToken(r)
		if !present {
			if m.opts.DevIdentity != nil {
				noteAccount(r.Context(), m.opts.DevIdentity.AccountID)
				ctx := appctx.WithIdentity(r.Context(), *m.opts.DevIdentity)
				next.ServeHTTP(w, r.WithContext(ctx))
				return
			}
			apperror.Write(w, apperror.Unauthorized(apperror.CodeAuthTokenMissing, "Authorization header is required"), false)
			return
		}
		if raw == "" {
			apperror.Write(w, apperror.Unauthorized(apperror.CodeAuthTokenInvalid, "Invalid authorization header format"), false)
			return
		}

		binding := token.BindingContext{
			UserAgent: r.UserAgent(),
			DeviceID:  httputil.DeviceFingerprint(r),
			IPAddress: httputil.ClientIP(r),
		}
		id, err := m.authenticator.Authenticate(r.Context(), raw, binding)
		if err != nil {
			appErr := auth.ToAppError(err)
			if appErr.Kind == apperror.KindInternal || appErr.Kind == apperror.KindUnavailable {
				logger.WithCorrelationID(r.Context(), m.logger).Error("token verification failed",
					slog.String("error", err.Error()),
				)
			}
			apperror.Write(w, appErr, false)
			return
		}

		noteAccount(r.Context(), id.AccountID)
		ctx := appctx.WithIdentity(r.Context(), id)
		ctx = appctx.WithAccessToken(ctx, raw)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// RequireHTTPS rejects plain-HTTP requests when force is set
func RequireHTTPS(force bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if !force {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !httputil.IsHTTPS(r) {
				apperror.WriteError(w, http.StatusForbidden, apperror.CodeHTTPSRequired, "HTTPS is required", nil, 0)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// ExtractUserID extracts the user ID from the request context
func ExtractUserID(ctx context.Context) (string, bool) {
	return appctx.ExtractUserID(ctx)
}
