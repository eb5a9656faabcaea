// Package twofactor implements TOTP enrollment and verification together with
// single-use backup codes.
package twofactor

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"

	"github.com/welldanyogia/authgate/internal/repository"
)

const (
	// Period is the TOTP step length in seconds
	Period = 30
	// Skew is the number of steps accepted on either side of now
	Skew = 2
	// BackupCodeCount is how many backup codes an enrollment yields
	BackupCodeCount = 10
	// BackupCodeLength is the number of symbols per backup code
	BackupCodeLength = 8

	backupCodeAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"
	secretSize         = 20
)

var (
	ErrInvalidCode      = errors.New("invalid two-factor code")
	ErrMalformedCode    = errors.New("malformed two-factor code")
	ErrCodeRequired     = errors.New("two-factor code required")
	ErrNotEnrolled      = errors.New("two-factor authentication is not set up")
	ErrAlreadyEnabled   = errors.New("two-factor authentication is already enabled")
	ErrPasswordMismatch = errors.New("password is incorrect")
)

// PasswordChecker re-verifies an account password
type PasswordChecker interface {
	Compare(a *repository.Account, password string) error
}

// Enrollment is the result of starting TOTP setup
type Enrollment struct {
	Secret          string `json:"secret"`
	ProvisioningURI string `json:"qrProvisioningURI"`
}

// Method tells which factor satisfied a challenge
type Method string

const (
	MethodTOTP       Method = "totp"
	MethodBackupCode Method = "backup_code"
)

// Service mutates the two-factor fields of an account. Like the credential
// guard it never persists; callers run it inside a repository update.
type Service struct {
	issuer    string
	passwords PasswordChecker
	now       func() time.Time
}

// NewService creates a two-factor Service
func NewService(issuer string, passwords PasswordChecker) *Service {
	return &Service{issuer: issuer, passwords: passwords, now: time.Now}
}

// SetClock replaces the time source. Tests only.
func (s *Service) SetClock(now func() time.Time) {
	s.now = now
}

func validateOpts() totp.ValidateOpts {
	return totp.ValidateOpts{
		Period:    Period,
		Skew:      Skew,
		Digits:    otp.DigitsSix,
		Algorithm: otp.AlgorithmSHA1,
	}
}

// BeginEnrollment generates a fresh secret and stores it as pending.
// Calling it again before confirmation replaces the pending secret.
func (s *Service) BeginEnrollment(a *repository.Account) (*Enrollment, error) {
	if a.TwoFactorEnabled {
		return nil, ErrAlreadyEnabled
	}

	key, err := totp.Generate(totp.GenerateOpts{
		Issuer:      s.issuer,
		AccountName: a.Email,
		Period:      Period,
		SecretSize:  secretSize,
		Digits:      otp.DigitsSix,
		Algorithm:   otp.AlgorithmSHA1,
	})
	if err != nil {
		return nil, fmt.Errorf("generate totp secret: %w", err)
	}

	secret := key.Secret()
	a.TwoFactorSecret = &secret
	return &Enrollment{Secret: secret, ProvisioningURI: key.URL()}, nil
}

// ConfirmEnrollment enables 2FA when code matches the pending secret and
// returns the plaintext backup codes. They are not retrievable afterwards.
func (s *Service) ConfirmEnrollment(a *repository.Account, code string) ([]string, error) {
	if a.TwoFactorEnabled {
		return nil, ErrAlreadyEnabled
	}
	if a.TwoFactorSecret == nil {
		return nil, ErrNotEnrolled
	}
	if err := s.validateTOTP(*a.TwoFactorSecret, code); err != nil {
		return nil, err
	}

	a.TwoFactorEnabled = true
	return s.issueBackupCodes(a)
}

// Challenge accepts a current TOTP code or an unused backup code. A matching
// backup code is consumed.
func (s *Service) Challenge(a *repository.Account, code string) (Method, error) {
	if !a.TwoFactorEnabled || a.TwoFactorSecret == nil {
		return "", ErrNotEnrolled
	}

	code = strings.TrimSpace(code)
	if code == "" {
		return "", ErrCodeRequired
	}
	if isNumeric(code) && len(code) == int(otp.DigitsSix) {
		if err := s.validateTOTP(*a.TwoFactorSecret, code); err != nil {
			return "", err
		}
		return MethodTOTP, nil
	}

	canonical := canonicalBackupCode(code)
	if len(canonical) != BackupCodeLength {
		return "", ErrMalformedCode
	}
	hash := backupCodeHash(a.ID.String(), canonical)
	for i := range a.BackupCodes {
		bc := &a.BackupCodes[i]
		if bc.UsedAt == nil && bc.Hash == hash {
			now := s.now().UTC()
			bc.UsedAt = &now
			return MethodBackupCode, nil
		}
	}
	return "", ErrInvalidCode
}

// Disable turns 2FA off after re-verifying the password and, when 2FA is
// active, one more code. A pending enrollment only needs the password.
func (s *Service) Disable(a *repository.Account, password, code string) error {
	if !a.TwoFactorEnabled && a.TwoFactorSecret == nil {
		return ErrNotEnrolled
	}
	if err := s.passwords.Compare(a, password); err != nil {
		return ErrPasswordMismatch
	}
	if a.TwoFactorEnabled {
		if _, err := s.Challenge(a, code); err != nil {
			return err
		}
	}

	a.TwoFactorEnabled = false
	a.TwoFactorSecret = nil
	a.BackupCodes = nil
	return nil
}

// RegenerateBackupCodes replaces every backup code. Only a TOTP code is
// accepted as proof, so a leaked backup code cannot mint new ones.
func (s *Service) RegenerateBackupCodes(a *repository.Account, code string) ([]string, error) {
	if !a.TwoFactorEnabled || a.TwoFactorSecret == nil {
		return nil, ErrNotEnrolled
	}
	if err := s.validateTOTP(*a.TwoFactorSecret, code); err != nil {
		return nil, err
	}
	return s.issueBackupCodes(a)
}

// RemainingBackupCodes counts unused backup codes
func RemainingBackupCodes(a *repository.Account) int {
	n := 0
	for _, bc := range a.BackupCodes {
		if bc.UsedAt == nil {
			n++
		}
	}
	return n
}

func (s *Service) validateTOTP(secret, code string) error {
	code = strings.TrimSpace(code)
	if code == "" {
		return ErrCodeRequired
	}
	if len(code) != int(otp.DigitsSix) || !isNumeric(code) {
		return ErrMalformedCode
	}

	ok, err := totp.ValidateCustom(code, secret, s.now().UTC(), validateOpts())
	if err != nil {
		if errors.Is(err, otp.ErrValidateInputInvalidLength) {
			return ErrMalformedCode
		}
		return fmt.Errorf("validate totp: %w", err)
	}
	if !ok {
		return ErrInvalidCode
	}
	return nil
}

func (s *Service) issueBackupCodes(a *repository.Account) ([]string, error) {
	codes := make([]string, 0, BackupCodeCount)
	records := make([]repository.BackupCode, 0, BackupCodeCount)
	for i := 0; i < BackupCodeCount; i++ {
		raw, err := newBackupCode()
		if err != nil {
			return nil, fmt.Errorf("generate backup code: %w", err)
		}
		records = append(records, repository.BackupCode{Hash: backupCodeHash(a.ID.String(), raw)})
		codes = append(codes, raw[:BackupCodeLength/2]+"-"+raw[BackupCodeLength/2:])
	}
	a.BackupCodes = records
	return codes, nil
}

func newBackupCode() (string, error) {
	var b strings.Builder
	b.Grow(BackupCodeLength)
	max := big.NewInt(int64(len(backupCodeAlphabet)))
	for i := 0; i < BackupCodeLength; i++ {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", err
		}
		b.WriteByte(backupCodeAlphabet[n.Int64()])
	}
	return b.String(), nil
}

func canonicalBackupCode(code string) string {
	s := strings.ToUpper(strings.TrimSpace(code))
	s = strings.ReplaceAll(s, "-", "")
	return strings.ReplaceAll(s, " ", "")
}

// backupCodeHash salts with the account id so equal codes of different
// accounts hash differently.
func backupCodeHash(accountID, canonical string) string {
	sum := sha256.Sum256([]byte(accountID + "\x00" + canonical))
	return hex.EncodeToString(sum[:])
}

func isNumeric(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
