// Package token issues and verifies the signed bearer tokens of the API and
// binds them to the client context they were issued to.
package token

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	appctx "github.com/welldanyogia/authgate/internal/context"
	"github.com/welldanyogia/authgate/internal/revocation"
)

// Verification errors
var (
	ErrTokenInvalid       = errors.New("invalid token")
	ErrTokenExpired       = errors.New("token expired")
	ErrTokenRevoked       = errors.New("token revoked")
	ErrBindingMismatch    = errors.New("token binding mismatch")
	ErrFingerprintMissing = errors.New("device fingerprint missing")
)

// Type represents the type of JWT token
type Type string

const (
	AccessType  Type = "access"
	RefreshType Type = "refresh"
)

// Mode controls what happens when a token is presented from a context that
// does not match the one it was issued to.
type Mode int

const (
	// ModeStrict rejects the request.
	ModeStrict Mode = iota
	// ModePermissive logs the mismatch and accepts the token.
	ModePermissive
)

func (m Mode) String() string {
	if m == ModePermissive {
		return "permissive"
	}
	return "strict"
}

// ParseMode parses "strict" or "permissive"
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "strict":
		return ModeStrict, nil
	case "permissive":
		return ModePermissive, nil
	}
	return ModeStrict, fmt.Errorf("unknown token binding mode %q", s)
}

// Claims represents the JWT claims structure
type Claims struct {
	Role      string `json:"role,omitempty"`
	SessionID string `json:"sid,omitempty"`
	Binding   string `json:"bfp,omitempty"`
	Type      Type   `json:"type"`
	jwt.RegisteredClaims
}

// BindingContext holds the client signals a token is bound to
type BindingContext struct {
	UserAgent string
	DeviceID  string
	IPAddress string
}

// Fingerprint derives the binding value embedded in tokens. The IP address
// is not part of it: mobile clients change networks within a token's lifetime.
func (b BindingContext) Fingerprint() string {
	h := sha256.New()
	h.Write([]byte(b.UserAgent))
	h.Write([]byte{0})
	h.Write([]byte(b.DeviceID))
	return hex.EncodeToString(h.Sum(nil))
}

// Subject is who a token pair is issued for
type Subject struct {
	AccountID string
	Role      string
	SessionID string
}

// SubjectLookup re-reads the current state of a subject during refresh.
// It returns an error when the account or session no longer exists.
type SubjectLookup func(ctx context.Context, sub Subject) (Subject, error)

// Pair represents a pair of access and refresh tokens
type Pair struct {
	AccessToken      string    `json:"accessToken"`
	RefreshToken     string    `json:"refreshToken"`
	ExpiresIn        int64     `json:"expiresIn"`
	AccessExpiresAt  time.Time `json:"-"`
	RefreshExpiresAt time.Time `json:"-"`
}

// Config holds configuration for Service
type Config struct {
	AccessSecret       string
	RefreshSecret      string
	AccessTokenExpiry  time.Duration
	RefreshTokenExpiry time.Duration
	Issuer             string
	Mode               Mode
	// StrictFingerprint rejects requests that carry no device fingerprint
	// instead of only logging them.
	StrictFingerprint bool
}

// Service handles JWT token generation, verification and revocation
type Service struct {
	cfg    Config
	store  revocation.Store
	logger *slog.Logger
	now    func() time.Time
}

// NewService creates a new token Service
func NewService(cfg Config, store revocation.Store, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{cfg: cfg, store: store, logger: logger, now: time.Now}
}

// SetClock replaces the time source. Tests only.
func (s *Service) SetClock(now func() time.Time) {
	s.now = now
}

// Issue signs a new access/refresh pair for sub bound to bc
func (s *Service) Issue(sub Subject, bc BindingContext) (*Pair, error) {
	now := s.now()
	binding := bc.Fingerprint()

	access, accessExp, err := s.sign(sub, binding, AccessType, now)
	if err != nil {
		return nil, err
	}
	refresh, refreshExp, err := s.sign(sub, binding, RefreshType, now)
	if err != nil {
		return nil, err
	}

	return &Pair{
		AccessToken:      access,
		RefreshToken:     refresh,
		ExpiresIn:        int64(s.cfg.AccessTokenExpiry.Seconds()),
		AccessExpiresAt:  accessExp,
		RefreshExpiresAt: refreshExp,
	}, nil
}

func (s *Service) sign(sub Subject, binding string, typ Type, now time.Time) (string, time.Time, error) {
	secret, expiry := s.cfg.AccessSecret, s.cfg.AccessTokenExpiry
	if typ == RefreshType {
		secret, expiry = s.cfg.RefreshSecret, s.cfg.RefreshTokenExpiry
	}
	expiresAt := now.Add(expiry)

	claims := Claims{
		Role:      sub.Role,
		SessionID: sub.SessionID,
		Binding:   binding,
		Type:      typ,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    s.cfg.Issuer,
			Subject:   sub.AccountID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			ID:        uuid.New().String(),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(secret))
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign %s token: %w", typ, err)
	}
	return signed, expiresAt, nil
}

// Verify checks an access token presented in context bc and returns the
// identity it carries.
func (s *Service) Verify(ctx context.Context, raw string, bc BindingContext) (appctx.Identity, error) {
	claims, err := s.parse(raw, s.cfg.AccessSecret, AccessType)
	if err != nil {
		return appctx.Identity{}, err
	}

	revoked, err := s.store.IsRevoked(ctx, Fingerprint(raw))
	if err != nil {
		return appctx.Identity{}, fmt.Errorf("check revocation: %w", err)
	}
	if revoked {
		return appctx.Identity{}, ErrTokenRevoked
	}

	if err := s.checkBinding(claims, bc); err != nil {
		return appctx.Identity{}, err
	}

	return appctx.Identity{
		AccountID: claims.Subject,
		Role:      claims.Role,
		SessionID: claims.SessionID,
		TokenID:   claims.ID,
		ExpiresAt: claims.ExpiresAt.Time,
	}, nil
}

// Revoke blacklists a token of either type until its natural expiry.
// Revoking an already expired token is a no-op.
func (s *Service) Revoke(ctx context.Context, raw string) error {
	claims, err := s.parseAny(raw)
	if errors.Is(err, ErrTokenExpired) {
		return nil
	}
	if err != nil {
		return err
	}
	_, err = s.store.Revoke(ctx, Fingerprint(raw), claims.ExpiresAt.Time)
	return err
}

// Refresh validates a refresh token and rotates it into a new pair. The old
// refresh token is revoked atomically; presenting it again fails with
// ErrTokenRevoked even when two refreshes race.
func (s *Service) Refresh(ctx context.Context, raw string, bc BindingContext, lookup SubjectLookup) (*Pair, error) {
	claims, err := s.parse(raw, s.cfg.RefreshSecret, RefreshType)
	if err != nil {
		return nil, err
	}

	fp := Fingerprint(raw)
	revoked, err := s.store.IsRevoked(ctx, fp)
	if err != nil {
		return nil, fmt.Errorf("check revocation: %w", err)
	}
	if revoked {
		s.logger.Warn("refresh token reuse detected",
			slog.String("user_id", claims.Subject),
			slog.String("session_id", claims.SessionID),
		)
		return nil, ErrTokenRevoked
	}

	if err := s.checkBinding(claims, bc); err != nil {
		return nil, err
	}

	sub := Subject{AccountID: claims.Subject, Role: claims.Role, SessionID: claims.SessionID}
	if lookup != nil {
		if sub, err = lookup(ctx, sub); err != nil {
			return nil, err
		}
	}

	newly, err := s.store.Revoke(ctx, fp, claims.ExpiresAt.Time)
	if err != nil {
		return nil, err
	}
	if !newly {
		s.logger.Warn("refresh token reuse detected",
			slog.String("user_id", claims.Subject),
			slog.String("session_id", claims.SessionID),
		)
		return nil, ErrTokenRevoked
	}

	return s.Issue(sub, bc)
}

// SubjectOf returns the subject of a validly signed, unexpired refresh
// token without consulting the revocation store.
func (s *Service) SubjectOf(raw string) (Subject, error) {
	claims, err := s.parse(raw, s.cfg.RefreshSecret, RefreshType)
	if err != nil {
		return Subject{}, err
	}
	return Subject{AccountID: claims.Subject, Role: claims.Role, SessionID: claims.SessionID}, nil
}

// AccessTokenExpiry returns the access token lifetime
func (s *Service) AccessTokenExpiry() time.Duration {
	return s.cfg.AccessTokenExpiry
}

// RefreshTokenExpiry returns the refresh token lifetime
func (s *Service) RefreshTokenExpiry() time.Duration {
	return s.cfg.RefreshTokenExpiry
}

// Mode returns the configured binding mode
func (s *Service) Mode() Mode {
	return s.cfg.Mode
}

func (s *Service) checkBinding(claims *Claims, bc BindingContext) error {
	if bc.DeviceID == "" {
		if s.cfg.StrictFingerprint {
			return ErrFingerprintMissing
		}
		s.logger.Debug("request without device fingerprint",
			slog.String("user_id", claims.Subject),
			slog.String("ip", bc.IPAddress),
		)
	}

	if claims.Binding == bc.Fingerprint() {
		return nil
	}
	if s.cfg.Mode == ModeStrict {
		return ErrBindingMismatch
	}
	s.logger.Warn("token binding mismatch accepted",
		slog.String("user_id", claims.Subject),
		slog.String("session_id", claims.SessionID),
		slog.String("ip", bc.IPAddress),
	)
	return nil
}

// parseAny accepts an access or a refresh token
func (s *Service) parseAny(raw string) (*Claims, error) {
	claims, err := s.parse(raw, s.cfg.AccessSecret, AccessType)
	if errors.Is(err, ErrTokenInvalid) {
		return s.parse(raw, s.cfg.RefreshSecret, RefreshType)
	}
	return claims, err
}

func (s *Service) parse(raw, secret string, expected Type) (*Claims, error) {
	if raw == "" {
		return nil, ErrTokenInvalid
	}

	token, err := jwt.ParseWithClaims(raw, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return []byte(secret), nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(s.cfg.Issuer),
		jwt.WithTimeFunc(s.now),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrTokenExpired
		}
		return nil, fmt.Errorf("%w: %v", ErrTokenInvalid, err)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid || claims.Subject == "" {
		return nil, ErrTokenInvalid
	}
	if claims.Type != expected {
		return nil, fmt.Errorf("%w: unexpected token type", ErrTokenInvalid)
	}
	return claims, nil
}

// Fingerprint returns the one-way hash under which a raw token is revoked
func Fingerprint(raw string) string {
	hash := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(hash[:])
}
