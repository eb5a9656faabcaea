// Package credential verifies passwords and enforces the brute-force lockout
// policy on the account record.
package credential

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/welldanyogia/authgate/internal/repository"
)

// Brute force protection defaults
const (
	MaxFailedAttempts   = 5
	FailedAttemptWindow = 15 * time.Minute
	LockoutDuration     = 15 * time.Minute
)

var (
	ErrInvalidCredentials = errors.New("invalid email or password")
	ErrAccountLocked      = errors.New("account temporarily locked")
)

// LockedError reports an active lockout and when it ends
type LockedError struct {
	Until time.Time
	// Triggered is set on the failure that started the lockout
	Triggered bool
}

func (e *LockedError) Error() string {
	return fmt.Sprintf("%s until %s", ErrAccountLocked, e.Until.UTC().Format(time.RFC3339))
}

func (e *LockedError) Unwrap() error {
	return ErrAccountLocked
}

// RetryAfter returns how long the caller has to wait at now
func (e *LockedError) RetryAfter(now time.Time) time.Duration {
	if d := e.Until.Sub(now); d > 0 {
		return d
	}
	return 0
}

// Policy configures the lockout thresholds
type Policy struct {
	MaxFailures int
	Window      time.Duration
	Lockout     time.Duration
}

// DefaultPolicy returns 5 failures within 15 minutes locking for 15 minutes
func DefaultPolicy() Policy {
	return Policy{
		MaxFailures: MaxFailedAttempts,
		Window:      FailedAttemptWindow,
		Lockout:     LockoutDuration,
	}
}

// Guard verifies passwords and mutates the failure counters of an account.
// It never persists anything; callers run it inside a repository update.
type Guard struct {
	policy Policy
	hasher Hasher
	now    func() time.Time

	dummyOnce sync.Once
	dummyHash string
}

// NewGuard creates a Guard
func NewGuard(policy Policy, hasher Hasher) *Guard {
	return &Guard{policy: policy, hasher: hasher, now: time.Now}
}

// SetClock replaces the time source. Tests only.
func (g *Guard) SetClock(now func() time.Time) {
	g.now = now
}

// Verify checks password against the account and clears the failure counters
// on success. The lockout is evaluated before the hash comparison so a locked
// account behaves identically for right and wrong passwords.
func (g *Guard) Verify(a *repository.Account, password string) error {
	if err := g.VerifyPassword(a, password); err != nil {
		return err
	}
	g.Reset(a)
	return nil
}

// VerifyPassword is Verify without the reset on success, for logins that
// still have a second factor to pass. Failures are counted either way.
func (g *Guard) VerifyPassword(a *repository.Account, password string) error {
	now := g.now().UTC()

	if a.IsLocked(now) {
		return &LockedError{Until: *a.LockoutUntil}
	}
	if a.LockoutUntil != nil {
		// lockout elapsed
		a.LockoutUntil = nil
		a.FailedLoginCount = 0
		a.LastFailedLoginAt = nil
	}

	if err := g.hasher.Compare(a.PasswordHash, password); err != nil {
		return g.RecordFailure(a)
	}
	return nil
}

// RecordFailure counts one failed attempt and starts a lockout when the
// threshold is reached. It returns ErrInvalidCredentials or a *LockedError.
func (g *Guard) RecordFailure(a *repository.Account) error {
	now := g.now().UTC()

	if a.LastFailedLoginAt != nil && now.Sub(*a.LastFailedLoginAt) > g.policy.Window {
		a.FailedLoginCount = 0
	}
	a.FailedLoginCount++
	a.LastFailedLoginAt = &now

	if a.FailedLoginCount >= g.policy.MaxFailures {
		until := now.Add(g.policy.Lockout)
		a.LockoutUntil = &until
		return &LockedError{Until: until, Triggered: true}
	}
	return ErrInvalidCredentials
}

// Reset clears the failure counters after a successful login
func (g *Guard) Reset(a *repository.Account) {
	a.FailedLoginCount = 0
	a.LastFailedLoginAt = nil
	a.LockoutUntil = nil
}

// CheckLocked returns a *LockedError when a is currently locked
func (g *Guard) CheckLocked(a *repository.Account) error {
	if a.IsLocked(g.now().UTC()) {
		return &LockedError{Until: *a.LockoutUntil}
	}
	return nil
}

// CompareDummy spends the same work as a real comparison for accounts that
// do not exist.
func (g *Guard) CompareDummy(password string) {
	g.dummyOnce.Do(func() {
		g.dummyHash, _ = g.hasher.Hash("dummy-password-for-timing")
	})
	_ = g.hasher.Compare(g.dummyHash, password)
}

// Hash hashes a new password
func (g *Guard) Hash(password string) (string, error) {
	return g.hasher.Hash(password)
}

// Compare checks password against the account without touching counters
func (g *Guard) Compare(a *repository.Account, password string) error {
	if err := g.hasher.Compare(a.PasswordHash, password); err != nil {
		return ErrInvalidCredentials
	}
	return nil
}

// Policy returns the lockout thresholds in force
func (g *Guard) Policy() Policy {
	return g.policy
}

// Now returns the guard's current time
func (g *Guard) Now() time.Time {
	return g.now().UTC()
}
