package verification

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"math/big"
	"strings"
	"time"
)

const (
	// CodeTTL is how long an emailed code stays valid
	CodeTTL = 15 * time.Minute
	// ResetTTL is how long a password reset link stays valid
	ResetTTL = 30 * time.Minute
	// MaxAttempts is the number of wrong codes tolerated per record
	MaxAttempts = 5
	codeDigits  = 6
)

// ResetChallenge is what the user receives for a password reset
type ResetChallenge struct {
	Token string
	Code  string
}

// Service issues and checks email verification and password reset codes.
// Only hashes of codes and tokens reach the store.
type Service struct {
	store Store
}

// NewService creates a Service on top of store
func NewService(store Store) *Service {
	return &Service{store: store}
}

// IssueEmailCode creates a 6-digit code for verifying email, replacing any
// earlier one.
func (s *Service) IssueEmailCode(ctx context.Context, email, accountID string) (string, error) {
	code, err := newNumericCode(codeDigits)
	if err != nil {
		return "", err
	}
	if err := s.store.Put(ctx, emailKey(email), Record{AccountID: accountID, CodeHash: hash(code)}, CodeTTL); err != nil {
		return "", err
	}
	return code, nil
}

// VerifyEmailCode consumes an email code and returns the account it belongs to
func (s *Service) VerifyEmailCode(ctx context.Context, email, code string) (string, error) {
	rec, err := s.store.Consume(ctx, emailKey(email), hash(strings.TrimSpace(code)), MaxAttempts)
	if err != nil {
		return "", err
	}
	return rec.AccountID, nil
}

// CancelEmailCode drops the pending email code, if any
func (s *Service) CancelEmailCode(ctx context.Context, email string) error {
	return s.store.Delete(ctx, emailKey(email))
}

// IssueReset creates a reset token plus a 6-digit code. Both are required
// to reset the password.
func (s *Service) IssueReset(ctx context.Context, accountID string) (*ResetChallenge, error) {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return nil, fmt.Errorf("generate reset token: %w", err)
	}
	token := hex.EncodeToString(raw)
	code, err := newNumericCode(codeDigits)
	if err != nil {
		return nil, err
	}

	if err := s.store.Put(ctx, resetKey(token), Record{AccountID: accountID, CodeHash: hash(code)}, ResetTTL); err != nil {
		return nil, err
	}
	return &ResetChallenge{Token: token, Code: code}, nil
}

// ConsumeReset checks a reset token and code and returns the account id
func (s *Service) ConsumeReset(ctx context.Context, token, code string) (string, error) {
	rec, err := s.store.Consume(ctx, resetKey(strings.TrimSpace(token)), hash(strings.TrimSpace(code)), MaxAttempts)
	if err != nil {
		return "", err
	}
	return rec.AccountID, nil
}

func emailKey(email string) string {
	return "email:" + hash(strings.ToLower(strings.TrimSpace(email)))
}

func resetKey(token string) string {
	return "reset:" + hash(token)
}

func hash(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}

func newNumericCode(digits int) (string, error) {
	var b strings.Builder
	ten := big.NewInt(10)
	for i := 0; i < digits; i++ {
		n, err := rand.Int(rand.Reader, ten)
		if err != nil {
			return "", fmt.Errorf("generate code: %w", err)
		}
		b.WriteByte(byte('0' + n.Int64()))
	}
	return b.String(), nil
}
