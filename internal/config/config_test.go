package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validConfig() *Config {
	return &Config{
		JWT: JWTConfig{
			AccessSecret:  "access-secret-at-least-32-bytes!",
			RefreshSecret: "refresh-secret-at-least-32-bytes",
		},
		Security: SecurityConfig{TokenBindingMode: "strict"},
	}
}

func TestLoad_Defaults(t *testing.T) {
	for _, key := range []string{"APP_ENV", "JWT_ACCESS_EXPIRY", "REDIS_ADDR", "TOKEN_BINDING_MODE", "CORS_ALLOWED_ORIGINS", "GEO_TIMEOUT_SECONDS", "TRUSTED_PROXIES"} {
		t.Setenv(key, "")
	}

	cfg := Load()
	assert.Equal(t, EnvProduction, cfg.Server.Environment)
	assert.False(t, cfg.Server.IsDevelopment())
	assert.Equal(t, 15*time.Minute, cfg.JWT.AccessTokenExpiry)
	assert.Equal(t, 7*24*time.Hour, cfg.JWT.RefreshTokenExpiry)
	assert.Equal(t, "strict", cfg.Security.TokenBindingMode)
	assert.False(t, cfg.Redis.Enabled())
	assert.Equal(t, []string{"http://localhost:3000"}, cfg.Server.AllowedOrigins)
	assert.Equal(t, 2*time.Second, cfg.Geo.Timeout)
	assert.Equal(t, 30*time.Second, cfg.Stream.HeartbeatInterval)
	assert.Empty(t, cfg.Security.TrustedProxies)
}

func TestLoad_FromEnvironment(t *testing.T) {
	t.Setenv("APP_ENV", "Development")
	t.Setenv("JWT_ACCESS_EXPIRY", "5")
	t.Setenv("REDIS_ADDR", "localhost:6379")
	t.Setenv("REDIS_DB", "2")
	t.Setenv("FORCE_HTTPS", "yes")
	t.Setenv("TOKEN_BINDING_MODE", "PERMISSIVE")
	t.Setenv("CORS_ALLOWED_ORIGINS", "https://a.example, ,https://b.example")
	t.Setenv("GEO_TIMEOUT_SECONDS", "0.5")
	t.Setenv("STREAM_MAX_CONNECTIONS", "not-a-number")
	t.Setenv("TRUSTED_PROXIES", "10.0.0.0/8, 192.0.2.53")

	cfg := Load()
	assert.True(t, cfg.Server.IsDevelopment())
	assert.Equal(t, 5*time.Minute, cfg.JWT.AccessTokenExpiry)
	assert.True(t, cfg.Redis.Enabled())
	assert.Equal(t, 2, cfg.Redis.DB)
	assert.True(t, cfg.Security.ForceHTTPS)
	assert.Equal(t, "permissive", cfg.Security.TokenBindingMode)
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.Server.AllowedOrigins)
	assert.Equal(t, 500*time.Millisecond, cfg.Geo.Timeout)
	assert.Equal(t, 5, cfg.Stream.MaxConnectionsPerAccount)
	assert.Equal(t, []string{"10.0.0.0/8", "192.0.2.53"}, cfg.Security.TrustedProxies)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{name: "valid", mutate: func(*Config) {}},
		{
			name:    "missing access secret",
			mutate:  func(c *Config) { c.JWT.AccessSecret = "" },
			wantErr: "JWT_ACCESS_SECRET environment variable is required",
		},
		{
			name:    "shared secrets",
			mutate:  func(c *Config) { c.JWT.RefreshSecret = c.JWT.AccessSecret },
			wantErr: "must differ",
		},
		{
			name:    "unknown binding mode",
			mutate:  func(c *Config) { c.Security.TokenBindingMode = "lenient" },
			wantErr: "TOKEN_BINDING_MODE",
		},
		{
			name:    "unknown revocation backend",
			mutate:  func(c *Config) { c.Revocation.Backend = "etcd" },
			wantErr: "REVOCATION_BACKEND must be",
		},
		{
			name:    "malformed trusted proxy",
			mutate:  func(c *Config) { c.Security.TrustedProxies = []string{"10.0.0.0/40"} },
			wantErr: "TRUSTED_PROXIES",
		},
		{
			name:    "redis backend without redis",
			mutate:  func(c *Config) { c.Revocation.Backend = "redis" },
			wantErr: "requires REDIS_ADDR",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				require.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestValidate_ReportsEveryProblem(t *testing.T) {
	err := (&Config{}).Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "JWT_ACCESS_SECRET")
	assert.Contains(t, err.Error(), "JWT_REFRESH_SECRET")
	assert.Contains(t, err.Error(), "TOKEN_BINDING_MODE")
}

func TestRevocationBackend(t *testing.T) {
	cfg := validConfig()
	assert.Equal(t, "postgres", cfg.RevocationBackend())

	cfg.Redis.Addr = "localhost:6379"
	assert.Equal(t, "redis", cfg.RevocationBackend())

	cfg.Revocation.Backend = "memory"
	assert.Equal(t, "memory", cfg.RevocationBackend())
}

func TestDSN(t *testing.T) {
	d := DatabaseConfig{Host: "db", Port: "5432", User: "auth", Password: "pw", DBName: "authgate", SSLMode: "require"}
	assert.Equal(t, "host=db port=5432 user=auth password=pw dbname=authgate sslmode=require", d.DSN())
}
