package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/welldanyogia/authgate/internal/httputil"
)

// Environments recognised by the server
const (
	EnvDevelopment = "development"
	EnvProduction  = "production"
)

// Config holds all application configuration
type Config struct {
	Server     ServerConfig
	Database   DatabaseConfig
	JWT        JWTConfig
	Redis      RedisConfig
	Security   SecurityConfig
	Revocation RevocationConfig
	Geo        GeoConfig
	Archive    ArchiveConfig
	RateLimit  RateLimitConfig
	TwoFactor  TwoFactorConfig
	Stream     StreamConfig
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host           string
	Port           string
	Environment    string
	AllowedOrigins []string
}

// IsDevelopment reports whether the server runs in development mode
func (s ServerConfig) IsDevelopment() bool {
	return s.Environment == EnvDevelopment
}

// DatabaseConfig holds PostgreSQL connection configuration
type DatabaseConfig struct {
	Host     string
	Port     string
	User     string
	Password string
	DBName   string
	SSLMode  string
}

// JWTConfig holds JWT token configuration
type JWTConfig struct {
	AccessSecret       string
	RefreshSecret      string
	AccessTokenExpiry  time.Duration
	RefreshTokenExpiry time.Duration
	Issuer             string
}

// RedisConfig holds Redis connection configuration. An empty Addr disables Redis.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// Enabled reports whether a Redis address is configured
func (r RedisConfig) Enabled() bool {
	return r.Addr != ""
}

// SecurityConfig holds the request-level security switches
type SecurityConfig struct {
	ForceHTTPS              bool
	StrictDeviceFingerprint bool
	// TokenBindingMode is "strict" (reject on mismatch) or "permissive" (log only)
	TokenBindingMode string
	// TrustedProxies are CIDRs or addresses whose forwarding headers are
	// believed. Empty means the connecting peer is always the client.
	TrustedProxies []string
}

// RevocationConfig selects the token revocation backend
type RevocationConfig struct {
	// Backend is one of "redis", "postgres" or "memory"
	Backend       string
	PurgeInterval time.Duration
}

// GeoConfig holds the IP geolocation / reverse geocoding endpoints
type GeoConfig struct {
	IPLookupURL       string
	ReverseLookupURL  string
	Timeout           time.Duration
	RequestsPerSecond float64
}

// Enabled reports whether any geolocation endpoint is configured
func (g GeoConfig) Enabled() bool {
	return g.IPLookupURL != "" || g.ReverseLookupURL != ""
}

// ArchiveConfig holds S3/MinIO configuration for login-history archival
type ArchiveConfig struct {
	Endpoint        string
	Region          string
	Bucket          string
	AccessKeyID     string
	SecretAccessKey string
	UseSSL          bool
}

// Enabled reports whether an archive bucket is configured
func (a ArchiveConfig) Enabled() bool {
	return a.Endpoint != "" && a.Bucket != ""
}

// RateLimitConfig points at an optional TOML file overriding the default policies
type RateLimitConfig struct {
	PolicyFile string
}

// TwoFactorConfig holds TOTP settings
type TwoFactorConfig struct {
	Issuer string
}

// StreamConfig holds security-event stream settings
type StreamConfig struct {
	HeartbeatInterval        time.Duration
	MaxConnectionsPerAccount int
}

// Load reads configuration from environment variables
func Load() *Config {
	return &Config{
		Server: ServerConfig{
			Host:           getEnv("SERVER_HOST", "0.0.0.0"),
			Port:           getEnv("SERVER_PORT", "8080"),
			Environment:    strings.ToLower(getEnv("APP_ENV", EnvProduction)),
			AllowedOrigins: getListEnv("CORS_ALLOWED_ORIGINS", []string{"http://localhost:3000"}),
		},
		Database: DatabaseConfig{
			Host:     getEnv("DB_HOST", "localhost"),
			Port:     getEnv("DB_PORT", "5432"),
			User:     getEnv("DB_USER", "postgres"),
			Password: getEnv("DB_PASSWORD", ""),
			DBName:   getEnv("DB_NAME", "authgate"),
			SSLMode:  getEnv("DB_SSLMODE", "disable"),
		},
		JWT: JWTConfig{
			AccessSecret:       getEnv("JWT_ACCESS_SECRET", ""),
			RefreshSecret:      getEnv("JWT_REFRESH_SECRET", ""),
			AccessTokenExpiry:  getDurationEnv("JWT_ACCESS_EXPIRY", 15*time.Minute),
			RefreshTokenExpiry: getDurationEnv("JWT_REFRESH_EXPIRY", 7*24*time.Hour),
			Issuer:             getEnv("JWT_ISSUER", "authgate"),
		},
		Redis: RedisConfig{
			Addr:     getEnv("REDIS_ADDR", ""),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getIntEnv("REDIS_DB", 0),
		},
		Security: SecurityConfig{
			ForceHTTPS:              getBoolEnv("FORCE_HTTPS", false),
			StrictDeviceFingerprint: getBoolEnv("STRICT_DEVICE_FINGERPRINT", false),
			TokenBindingMode:        strings.ToLower(getEnv("TOKEN_BINDING_MODE", "strict")),
			TrustedProxies:          getListEnv("TRUSTED_PROXIES", nil),
		},
		Revocation: RevocationConfig{
			Backend:       strings.ToLower(getEnv("REVOCATION_BACKEND", "")),
			PurgeInterval: getDurationEnv("REVOCATION_PURGE_INTERVAL", time.Hour),
		},
		Geo: GeoConfig{
			IPLookupURL:       getEnv("GEO_IP_LOOKUP_URL", ""),
			ReverseLookupURL:  getEnv("GEO_REVERSE_LOOKUP_URL", ""),
			Timeout:           getSecondsEnv("GEO_TIMEOUT_SECONDS", 2*time.Second),
			RequestsPerSecond: getFloatEnv("GEO_REQUESTS_PER_SECOND", 1),
		},
		Archive: ArchiveConfig{
			Endpoint:        getEnv("ARCHIVE_S3_ENDPOINT", ""),
			Region:          getEnv("ARCHIVE_S3_REGION", "us-east-1"),
			Bucket:          getEnv("ARCHIVE_S3_BUCKET", ""),
			AccessKeyID:     getEnv("ARCHIVE_S3_ACCESS_KEY_ID", ""),
			SecretAccessKey: getEnv("ARCHIVE_S3_SECRET_ACCESS_KEY", ""),
			UseSSL:          getBoolEnv("ARCHIVE_S3_USE_SSL", true),
		},
		RateLimit: RateLimitConfig{
			PolicyFile: getEnv("RATE_LIMIT_POLICY_FILE", ""),
		},
		TwoFactor: TwoFactorConfig{
			Issuer: getEnv("TOTP_ISSUER", "AuthGate"),
		},
		Stream: StreamConfig{
			HeartbeatInterval:        getSecondsEnv("STREAM_HEARTBEAT_SECONDS", 30*time.Second),
			MaxConnectionsPerAccount: getIntEnv("STREAM_MAX_CONNECTIONS", 5),
		},
	}
}

// Validate checks that the configuration can start a server
func (c *Config) Validate() error {
	var errs []error
	if c.JWT.AccessSecret == "" {
		errs = append(errs, errors.New("JWT_ACCESS_SECRET environment variable is required"))
	}
	if c.JWT.RefreshSecret == "" {
		errs = append(errs, errors.New("JWT_REFRESH_SECRET environment variable is required"))
	}
	if c.JWT.AccessSecret != "" && c.JWT.AccessSecret == c.JWT.RefreshSecret {
		errs = append(errs, errors.New("JWT_ACCESS_SECRET and JWT_REFRESH_SECRET must differ"))
	}
	switch c.Security.TokenBindingMode {
	case "strict", "permissive":
	default:
		errs = append(errs, fmt.Errorf("TOKEN_BINDING_MODE must be strict or permissive, got %q", c.Security.TokenBindingMode))
	}
	if _, err := httputil.ParseTrustedProxies(c.Security.TrustedProxies); err != nil {
		errs = append(errs, fmt.Errorf("TRUSTED_PROXIES: %w", err))
	}
	switch c.Revocation.Backend {
	case "", "redis", "postgres", "memory":
	default:
		errs = append(errs, fmt.Errorf("REVOCATION_BACKEND must be redis, postgres or memory, got %q", c.Revocation.Backend))
	}
	if c.Revocation.Backend == "redis" && !c.Redis.Enabled() {
		errs = append(errs, errors.New("REVOCATION_BACKEND=redis requires REDIS_ADDR"))
	}
	return errors.Join(errs...)
}

// RevocationBackend resolves the effective revocation backend
func (c *Config) RevocationBackend() string {
	if c.Revocation.Backend != "" {
		return c.Revocation.Backend
	}
	if c.Redis.Enabled() {
		return "redis"
	}
	return "postgres"
}

// DSN returns the PostgreSQL connection string
func (d *DatabaseConfig) DSN() string {
	return "host=" + d.Host +
		" port=" + d.Port +
		" user=" + d.User +
		" password=" + d.Password +
		" dbname=" + d.DBName +
		" sslmode=" + d.SSLMode
}

// getEnv returns environment variable value or default
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getDurationEnv returns duration from environment variable (in minutes) or default
func getDurationEnv(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if minutes, err := strconv.Atoi(value); err == nil {
			return time.Duration(minutes) * time.Minute
		}
	}
	return defaultValue
}

func getSecondsEnv(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if secs, err := strconv.ParseFloat(value, 64); err == nil && secs > 0 {
			return time.Duration(secs * float64(time.Second))
		}
	}
	return defaultValue
}

func getIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return defaultValue
}

func getFloatEnv(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getBoolEnv(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		switch strings.ToLower(value) {
		case "true", "1", "yes":
			return true
		case "false", "0", "no":
			return false
		}
	}
	return defaultValue
}

func getListEnv(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
