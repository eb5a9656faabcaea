package auth

import (
	"strings"
	"time"

	"github.com/welldanyogia/authgate/internal/repository"
	"github.com/welldanyogia/authgate/internal/token"
	"github.com/welldanyogia/authgate/internal/twofactor"
)

// LoginState is the position of a login attempt in the authentication flow
type LoginState string

const (
	StateAnonymous            LoginState = "anonymous"
	StateCredentialsSubmitted LoginState = "credentials_submitted"
	StateAccountLocked        LoginState = "account_locked"
	StateEmailUnverified      LoginState = "email_unverified"
	StateTwoFactorPending     LoginState = "two_factor_pending"
	StateAuthenticated        LoginState = "authenticated"
)

// RegisterRequest represents the registration request payload
type RegisterRequest struct {
	Email     string `json:"email" validate:"required,email,max=254"`
	Password  string `json:"password" validate:"required,max=128"`
	FirstName string `json:"firstName" validate:"required,max=100"`
	LastName  string `json:"lastName" validate:"required,max=100"`
}

// LoginRequest represents the login request payload. TwoFactorToken is a
// TOTP code or a backup code and is only needed once 2FA is enabled.
type LoginRequest struct {
	Email          string   `json:"email" validate:"required,email,max=254"`
	Password       string   `json:"password" validate:"required,max=128"`
	TwoFactorToken string   `json:"twoFactorToken,omitempty" validate:"omitempty,max=16"`
	Latitude       *float64 `json:"latitude,omitempty" validate:"omitempty,gte=-90,lte=90"`
	Longitude      *float64 `json:"longitude,omitempty" validate:"omitempty,gte=-180,lte=180"`
}

// VerifyEmailRequest confirms an email address with the emailed code
type VerifyEmailRequest struct {
	Email string `json:"email" validate:"required,email,max=254"`
	Code  string `json:"code" validate:"required,len=6,numeric"`
}

// EmailRequest carries a bare email address (resend verification, forgot password)
type EmailRequest struct {
	Email string `json:"email" validate:"required,email,max=254"`
}

// ResetPasswordRequest completes a password reset
type ResetPasswordRequest struct {
	Token       string `json:"token" validate:"required,len=64,hexadecimal"`
	Code        string `json:"code" validate:"required,len=6,numeric"`
	NewPassword string `json:"newPassword" validate:"required,max=128"`
}

// RefreshRequest represents the token refresh request payload
type RefreshRequest struct {
	RefreshToken string `json:"refreshToken" validate:"required"`
}

// LogoutRequest optionally names the refresh token to revoke with the session
type LogoutRequest struct {
	RefreshToken string `json:"refreshToken,omitempty"`
}

// LogoutAllRequest controls whether the calling session survives
type LogoutAllRequest struct {
	KeepCurrent bool `json:"keepCurrent"`
}

// TwoFactorCodeRequest carries a single 2FA code
type TwoFactorCodeRequest struct {
	Token string `json:"token" validate:"required,max=16"`
}

// DisableTwoFactorRequest re-authenticates before turning 2FA off
type DisableTwoFactorRequest struct {
	Password string `json:"password" validate:"required,max=128"`
	Token    string `json:"token,omitempty" validate:"omitempty,max=16"`
}

// ClientContext carries the client signals of a request
type ClientContext struct {
	IPAddress string
	UserAgent string
	DeviceID  string
}

// Binding returns the token binding context of the client
func (c ClientContext) Binding() token.BindingContext {
	return token.BindingContext{
		UserAgent: c.UserAgent,
		DeviceID:  c.DeviceID,
		IPAddress: c.IPAddress,
	}
}

// TokenResponse represents the token response
type TokenResponse struct {
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken"`
	ExpiresIn    int64  `json:"expiresIn"`
	TokenType    string `json:"tokenType"`
}

func newTokenResponse(p *token.Pair) *TokenResponse {
	return &TokenResponse{
		AccessToken:  p.AccessToken,
		RefreshToken: p.RefreshToken,
		ExpiresIn:    p.ExpiresIn,
		TokenType:    "Bearer",
	}
}

// LoginResponse is the result of a login attempt that did not fail. Either
// TwoFactorRequired is set or the token fields are.
type LoginResponse struct {
	State             LoginState    `json:"-"`
	TwoFactorRequired bool          `json:"twoFactorRequired,omitempty"`
	AccessToken       string        `json:"accessToken,omitempty"`
	RefreshToken      string        `json:"refreshToken,omitempty"`
	ExpiresIn         int64         `json:"expiresIn,omitempty"`
	TokenType         string        `json:"tokenType,omitempty"`
	SessionID         string        `json:"sessionId,omitempty"`
	User              *UserResponse `json:"user,omitempty"`
}

// RegisterResponse represents a newly created, not yet verified account
type RegisterResponse struct {
	User                 UserResponse `json:"user"`
	RequiresVerification bool         `json:"requiresVerification"`
}

// UserResponse represents the user data in responses
type UserResponse struct {
	ID                   string     `json:"id"`
	Email                string     `json:"email"`
	FirstName            string     `json:"firstName"`
	LastName             string     `json:"lastName"`
	Role                 string     `json:"role"`
	EmailVerified        bool       `json:"emailVerified"`
	TwoFactorEnabled     bool       `json:"twoFactorEnabled"`
	BackupCodesRemaining int        `json:"backupCodesRemaining,omitempty"`
	CreatedAt            time.Time  `json:"createdAt"`
	LastLogin            *time.Time `json:"lastLogin,omitempty"`
}

func newUserResponse(a *repository.Account) UserResponse {
	u := UserResponse{
		ID:               a.ID.String(),
		Email:            a.Email,
		FirstName:        a.FirstName,
		LastName:         a.LastName,
		Role:             a.Role,
		EmailVerified:    a.EmailVerified,
		TwoFactorEnabled: a.TwoFactorEnabled,
		CreatedAt:        a.CreatedAt,
		LastLogin:        a.LastLoginAt,
	}
	if a.TwoFactorEnabled {
		u.BackupCodesRemaining = twofactor.RemainingBackupCodes(a)
	}
	return u
}

// DeviceResponse describes the client of a session
type DeviceResponse struct {
	Browser string `json:"browser"`
	OS      string `json:"os"`
	Type    string `json:"type"`
	Label   string `json:"label"`
}

// LocationResponse is a resolved place
type LocationResponse struct {
	City    string `json:"city,omitempty"`
	Region  string `json:"region,omitempty"`
	Country string `json:"country,omitempty"`
	Source  string `json:"source"`
}

// SessionResponse represents an active session
type SessionResponse struct {
	ID             string            `json:"id"`
	Device         DeviceResponse    `json:"device"`
	IPAddress      string            `json:"ipAddress"`
	Location       *LocationResponse `json:"location,omitempty"`
	CreatedAt      time.Time         `json:"createdAt"`
	LastActivityAt time.Time         `json:"lastActivityAt"`
	IsCurrent      bool              `json:"isCurrent"`
}

// LoginRecordResponse represents one login history entry
type LoginRecordResponse struct {
	SessionID string            `json:"sessionId"`
	Device    DeviceResponse    `json:"device"`
	IPAddress string            `json:"ipAddress"`
	Location  *LocationResponse `json:"location,omitempty"`
	At        time.Time         `json:"at"`
}

func newDeviceResponse(d repository.Device) DeviceResponse {
	return DeviceResponse{Browser: d.Browser, OS: d.OS, Type: d.Type, Label: d.Label}
}

func newLocationResponse(l *repository.Location) *LocationResponse {
	if l == nil {
		return nil
	}
	return &LocationResponse{City: l.City, Region: l.Region, Country: l.Country, Source: l.Source}
}

func newSessionResponses(sessions []repository.Session, currentID string) []SessionResponse {
	out := make([]SessionResponse, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, SessionResponse{
			ID:             s.ID,
			Device:         newDeviceResponse(s.Device),
			IPAddress:      s.IPAddress,
			Location:       newLocationResponse(s.Location),
			CreatedAt:      s.CreatedAt,
			LastActivityAt: s.LastActivityAt,
			IsCurrent:      currentID != "" && s.ID == currentID,
		})
	}
	return out
}

func newLoginRecordResponses(records []repository.LoginRecord) []LoginRecordResponse {
	out := make([]LoginRecordResponse, 0, len(records))
	for _, r := range records {
		out = append(out, LoginRecordResponse{
			SessionID: r.SessionID,
			Device:    newDeviceResponse(r.Device),
			IPAddress: r.IPAddress,
			Location:  newLocationResponse(r.Location),
			At:        r.At,
		})
	}
	return out
}

// describeLocation renders a location as "City, Region, Country"
func describeLocation(l *repository.Location) string {
	if l == nil {
		return ""
	}
	var parts []string
	for _, p := range []string{l.City, l.Region, l.Country} {
		if p != "" {
			parts = append(parts, p)
		}
	}
	return strings.Join(parts, ", ")
}
