package events

import "time"

// Event type constants
const (
	TypeAccountLocked     = "account_locked"
	TypeNewDeviceLogin    = "new_device_login"
	TypePasswordReset     = "password_reset"
	TypeTwoFactorEnabled  = "two_factor_enabled"
	TypeTwoFactorDisabled = "two_factor_disabled"
	TypeRefreshTokenReuse = "refresh_token_reuse"
)

// AccountLockedEvent is published when repeated failures lock an account.
type AccountLockedEvent struct {
	LockedUntil time.Time `json:"lockedUntil"`
	Attempts    int       `json:"attempts"`
	IPAddress   string    `json:"ipAddress,omitempty"`
}

// NewDeviceLoginEvent is published when a login comes from a device label the
// account has not used before.
type NewDeviceLoginEvent struct {
	SessionID string `json:"sessionId"`
	Device    string `json:"device"`
	IPAddress string `json:"ipAddress"`
	Location  string `json:"location,omitempty"`
}

// PasswordResetEvent is published after a completed password reset.
type PasswordResetEvent struct {
	SessionsRevoked int `json:"sessionsRevoked"`
}

// TwoFactorChangedEvent is published when 2FA is enabled or disabled.
type TwoFactorChangedEvent struct {
	BackupCodes int `json:"backupCodes,omitempty"`
}

// RefreshTokenReuseEvent is published when an already rotated refresh token
// is presented again.
type RefreshTokenReuseEvent struct {
	SessionID string `json:"sessionId,omitempty"`
	IPAddress string `json:"ipAddress,omitempty"`
}
