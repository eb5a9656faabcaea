package repository

import (
	"time"

	"github.com/google/uuid"
)

// Roles assigned to accounts
const (
	RoleUser      = "user"
	RoleModerator = "moderator"
	RoleAdmin     = "admin"
)

// Account represents the authentication-relevant part of a user account.
// Sessions, login history and backup codes are stored inline (JSONB) so that
// every mutation of the record is a single row update.
type Account struct {
	ID            uuid.UUID `db:"id"`
	Email         string    `db:"email"`
	PasswordHash  string    `db:"password_hash"`
	FirstName     string    `db:"first_name"`
	LastName      string    `db:"last_name"`
	Role          string    `db:"role"`
	EmailVerified bool      `db:"email_verified"`

	TwoFactorEnabled bool         `db:"two_factor_enabled"`
	TwoFactorSecret  *string      `db:"two_factor_secret"`
	BackupCodes      []BackupCode `db:"backup_codes"`

	FailedLoginCount  int        `db:"failed_login_count"`
	LastFailedLoginAt *time.Time `db:"last_failed_login_at"`
	LockoutUntil      *time.Time `db:"lockout_until"`

	Sessions     []Session     `db:"sessions"`
	LoginHistory []LoginRecord `db:"login_history"`
	LastLoginAt  *time.Time    `db:"last_login_at"`

	CreatedAt time.Time `db:"created_at"`
	UpdatedAt time.Time `db:"updated_at"`
}

// IsLocked reports whether a lockout is in force at now
func (a *Account) IsLocked(now time.Time) bool {
	return a.LockoutUntil != nil && now.Before(*a.LockoutUntil)
}

// TwoFactorPending reports whether a TOTP secret was issued but not confirmed
func (a *Account) TwoFactorPending() bool {
	return !a.TwoFactorEnabled && a.TwoFactorSecret != nil
}

// Clone returns a deep copy of the account
func (a *Account) Clone() *Account {
	c := *a
	if a.TwoFactorSecret != nil {
		s := *a.TwoFactorSecret
		c.TwoFactorSecret = &s
	}
	c.LastFailedLoginAt = cloneTime(a.LastFailedLoginAt)
	c.LockoutUntil = cloneTime(a.LockoutUntil)
	c.LastLoginAt = cloneTime(a.LastLoginAt)
	if a.BackupCodes != nil {
		c.BackupCodes = make([]BackupCode, len(a.BackupCodes))
		for i, bc := range a.BackupCodes {
			bc.UsedAt = cloneTime(bc.UsedAt)
			c.BackupCodes[i] = bc
		}
	}
	if a.Sessions != nil {
		c.Sessions = make([]Session, len(a.Sessions))
		for i, s := range a.Sessions {
			s.Location = s.Location.clone()
			c.Sessions[i] = s
		}
	}
	if a.LoginHistory != nil {
		c.LoginHistory = make([]LoginRecord, len(a.LoginHistory))
		for i, r := range a.LoginHistory {
			r.Location = r.Location.clone()
			c.LoginHistory[i] = r
		}
	}
	return &c
}

// BackupCode is the one-way hash of a single-use 2FA recovery code
type BackupCode struct {
	Hash   string     `json:"hash"`
	UsedAt *time.Time `json:"used_at,omitempty"`
}

// Device describes the client a session was created from
type Device struct {
	Browser string `json:"browser"`
	OS      string `json:"os"`
	Type    string `json:"type"`
	Label   string `json:"label"`
}

// Location is a resolved, human-readable place
type Location struct {
	City      string   `json:"city,omitempty"`
	Region    string   `json:"region,omitempty"`
	Country   string   `json:"country,omitempty"`
	Latitude  *float64 `json:"latitude,omitempty"`
	Longitude *float64 `json:"longitude,omitempty"`
	Source    string   `json:"source"`
}

func (l *Location) clone() *Location {
	if l == nil {
		return nil
	}
	c := *l
	if l.Latitude != nil {
		v := *l.Latitude
		c.Latitude = &v
	}
	if l.Longitude != nil {
		v := *l.Longitude
		c.Longitude = &v
	}
	return &c
}

// Session is an active login of an account on one device
type Session struct {
	ID             string    `json:"id"`
	AccountID      string    `json:"account_id"`
	Device         Device    `json:"device"`
	IPAddress      string    `json:"ip_address"`
	Location       *Location `json:"location,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
	LastActivityAt time.Time `json:"last_activity_at"`
	IsActive       bool      `json:"is_active"`
}

// LoginRecord captures a single successful login event
type LoginRecord struct {
	SessionID string    `json:"session_id"`
	IPAddress string    `json:"ip_address"`
	Device    Device    `json:"device"`
	Location  *Location `json:"location,omitempty"`
	At        time.Time `json:"at"`
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
