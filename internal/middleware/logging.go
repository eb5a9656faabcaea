// Package middleware provides HTTP middleware for the authentication API:
// bearer authentication, HTTPS enforcement, per-policy rate limiting and
// structured request logging.
package middleware

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5/middleware"

	"github.com/welldanyogia/authgate/internal/httputil"
	"github.com/welldanyogia/authgate/internal/logger"
)

type requestNotesKey struct{}

// requestNotes collects facts established by inner middleware so the
// request log line can carry them.
type requestNotes struct {
	mu          sync.Mutex
	accountID   string
	rateLimited string
}

func notesFrom(ctx context.Context) *requestNotes {
	n, _ := ctx.Value(requestNotesKey{}).(*requestNotes)
	return n
}

func noteAccount(ctx context.Context, accountID string) {
	if n := notesFrom(ctx); n != nil {
		n.mu.Lock()
		n.accountID = accountID
		n.mu.Unlock()
	}
}

func noteRateLimited(ctx context.Context, policy string) {
	if n := notesFrom(ctx); n != nil {
		n.mu.Lock()
		n.rateLimited = policy
		n.mu.Unlock()
	}
}

// LoggingMiddleware writes one structured log line per request
type LoggingMiddleware struct {
	logger *slog.Logger
}

// NewLoggingMiddleware creates a new LoggingMiddleware instance
func NewLoggingMiddleware(log *slog.Logger) *LoggingMiddleware {
	if log == nil {
		log = slog.Default()
	}
	return &LoggingMiddleware{logger: log}
}

// Handler logs the request after it completes. The chi request ID becomes
// the correlation ID of every log written while serving it.
func (m *LoggingMiddleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		requestID := middleware.GetReqID(r.Context())

		notes := &requestNotes{}
		ctx := logger.SetCorrelationID(r.Context(), requestID)
		ctx = context.WithValue(ctx, requestNotesKey{}, notes)
		r = r.WithContext(ctx)

		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		// query strings are omitted; reset and verification links may carry codes
		attrs := []any{
			slog.String("correlation_id", requestID),
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Int("status", ww.Status()),
			slog.Int("bytes", ww.BytesWritten()),
			slog.Duration("duration", time.Since(start)),
			slog.String("ip", httputil.ClientIP(r)),
			slog.String("user_agent", r.UserAgent()),
		}

		notes.mu.Lock()
		if notes.accountID != "" {
			attrs = append(attrs, slog.String("account_id", notes.accountID))
		}
		if notes.rateLimited != "" {
			attrs = append(attrs, slog.String("policy", notes.rateLimited))
		}
		notes.mu.Unlock()

		switch {
		case ww.Status() >= 500:
			m.logger.Error("request failed", attrs...)
		case ww.Status() == http.StatusUnauthorized || ww.Status() == http.StatusForbidden || ww.Status() == http.StatusTooManyRequests:
			m.logger.Warn("request denied", attrs...)
		case ww.Status() >= 400:
			m.logger.Info("request rejected", attrs...)
		default:
			m.logger.Info("request completed", attrs...)
		}
	})
}

// StructuredLogger returns the logging middleware as a chi-compatible function
func StructuredLogger(log *slog.Logger) func(next http.Handler) http.Handler {
	return NewLoggingMiddleware(log).Handler
}
