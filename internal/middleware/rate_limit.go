package middleware

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5/middleware"

	"github.com/welldanyogia/authgate/internal/apperror"
	"github.com/welldanyogia/authgate/internal/httputil"
	"github.com/welldanyogia/authgate/internal/logger"
	"github.com/welldanyogia/authgate/internal/metrics"
	"github.com/welldanyogia/authgate/internal/ratelimit"
)

// maxPeekBytes bounds how much of a body is read to find the email field
const maxPeekBytes = 64 << 10

// RateLimiter applies the named ratelimit policies to routes
type RateLimiter struct {
	limiter  ratelimit.Limiter
	policies ratelimit.Policies
	logger   *slog.Logger
}

// NewRateLimiter creates a new rate limiter middleware factory
func NewRateLimiter(limiter ratelimit.Limiter, policies ratelimit.Policies, log *slog.Logger) *RateLimiter {
	if policies == nil {
		policies = ratelimit.DefaultPolicies()
	}
	if log == nil {
		log = slog.Default()
	}
	return &RateLimiter{
		limiter:  limiter,
		policies: policies,
		logger:   log,
	}
}

// For returns middleware enforcing the named policy. Unknown names panic at
// route registration.
func (rl *RateLimiter) For(name string) func(http.Handler) http.Handler {
	policy := rl.policies.Get(name)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			var email string
			if policy.KeyByEmail {
				email = peekEmail(r)
			}
			key := ratelimit.Key(policy, httputil.ClientIP(r), r.UserAgent(), email)

			decision, err := rl.limiter.Allow(r.Context(), key, policy)
			if err != nil {
				// counters are best effort
				metrics.RateLimitBackendErrorsTotal.Inc()
				logger.WithCorrelationID(r.Context(), rl.logger).Warn("rate limiter unavailable, allowing request",
					slog.String("policy", policy.Name),
					slog.String("error", err.Error()),
				)
				next.ServeHTTP(w, r)
				return
			}

			setRateLimitHeaders(w, decision)
			if !decision.Allowed {
				metrics.RateLimitRejectionsTotal.WithLabelValues(policy.Name).Inc()
				noteRateLimited(r.Context(), policy.Name)
				apperror.Write(w, apperror.Throttled(apperror.CodeTooManyRequests,
					"Too many requests. Please try again later.", decision.RetryAfter), false)
				return
			}

			if !policy.SkipSuccessful {
				next.ServeHTTP(w, r)
				return
			}

			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)
			if status := ww.Status(); status >= 200 && status < 300 {
				if err := rl.limiter.Release(r.Context(), key, policy); err != nil {
					metrics.RateLimitBackendErrorsTotal.Inc()
					logger.WithCorrelationID(r.Context(), rl.logger).Warn("rate limiter release failed",
						slog.String("policy", policy.Name),
						slog.String("error", err.Error()),
					)
				}
			}
		})
	}
}

func setRateLimitHeaders(w http.ResponseWriter, d ratelimit.Decision) {
	w.Header().Set("X-RateLimit-Limit", strconv.Itoa(d.Limit))
	w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))
	if !d.ResetAt.IsZero() {
		w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(d.ResetAt.Unix(), 10))
	}
}

// peekEmail reads the "email" field of a JSON body and restores the body
// for the handler.
func peekEmail(r *http.Request) string {
	if r.Body == nil || r.Body == http.NoBody {
		return ""
	}
	data, err := io.ReadAll(io.LimitReader(r.Body, maxPeekBytes))
	rest := r.Body
	r.Body = struct {
		io.Reader
		io.Closer
	}{io.MultiReader(bytes.NewReader(data), rest), rest}
	if err != nil && !errors.Is(err, io.EOF) {
		return ""
	}

	var body struct {
		Email string `json:"email"`
	}
	if json.Unmarshal(data, &body) != nil {
		return ""
	}
	return body.Email
}
