package logger

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func captureJSON(t *testing.T, log func(*slog.Logger)) map[string]interface{} {
	t.Helper()
	var buf bytes.Buffer
	l := slog.New(slog.NewJSONHandler(&buf, &slog.HandlerOptions{ReplaceAttr: sanitizeAttributes}))
	log(l)

	var entry map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry), buf.String())
	return entry
}

func TestSanitizeAttributes(t *testing.T) {
	entry := captureJSON(t, func(l *slog.Logger) {
		l.Info("login",
			slog.String("password", "hunter2"),
			slog.String("refresh_token", "eyJ..."),
			slog.String("X-Backup_Code", "ABCD-EFGH"),
			slog.String("account_id", "acc-1"),
			slog.String("ip", "203.0.113.7"),
		)
	})

	assert.Equal(t, "[REDACTED]", entry["password"])
	assert.Equal(t, "[REDACTED]", entry["refresh_token"])
	assert.Equal(t, "[REDACTED]", entry["X-Backup_Code"])
	assert.Equal(t, "acc-1", entry["account_id"])
	assert.Equal(t, "203.0.113.7", entry["ip"])
}

func TestGetCorrelationID(t *testing.T) {
	assert.Empty(t, GetCorrelationID(context.Background()))

	chiCtx := context.WithValue(context.Background(), middleware.RequestIDKey, "req-42")
	assert.Equal(t, "req-42", GetCorrelationID(chiCtx))

	ctx := SetCorrelationID(chiCtx, "corr-7")
	assert.Equal(t, "corr-7", GetCorrelationID(ctx))
}

func TestWithCorrelationID(t *testing.T) {
	ctx := SetCorrelationID(context.Background(), "corr-7")
	entry := captureJSON(t, func(l *slog.Logger) {
		WithCorrelationID(ctx, l).Warn("refresh token reuse")
	})
	assert.Equal(t, "corr-7", entry["correlation_id"])

	base := slog.Default()
	assert.Same(t, base, WithCorrelationID(context.Background(), base))
}

func TestNew_FallsBackToInfo(t *testing.T) {
	l := New(Config{Level: "verbose", Format: "text", Output: "stderr"})
	assert.True(t, l.Enabled(context.Background(), slog.LevelInfo))
	assert.False(t, l.Enabled(context.Background(), slog.LevelDebug))
}
