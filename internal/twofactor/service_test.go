package twofactor

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/pquerna/otp/totp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/welldanyogia/authgate/internal/repository"
)

type stubPasswords struct{ password string }

func (s stubPasswords) Compare(_ *repository.Account, password string) error {
	if password != s.password {
		return errors.New("mismatch")
	}
	return nil
}

type testClock struct{ t time.Time }

func (c *testClock) Now() time.Time { return c.t }

func newTestService() (*Service, *testClock) {
	clock := &testClock{t: time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC)}
	svc := NewService("AuthGate", stubPasswords{password: "Passw0rd!"})
	svc.SetClock(clock.Now)
	return svc, clock
}

func codeAt(t testing.TB, secret string, at time.Time) string {
	t.Helper()
	code, err := totp.GenerateCodeCustom(secret, at, validateOpts())
	require.NoError(t, err)
	return code
}

func enrolledAccount(t *testing.T, svc *Service, clock *testClock) (*repository.Account, []string) {
	t.Helper()
	acc := &repository.Account{ID: uuid.New(), Email: "bob@example.com"}
	enr, err := svc.BeginEnrollment(acc)
	require.NoError(t, err)
	codes, err := svc.ConfirmEnrollment(acc, codeAt(t, enr.Secret, clock.t))
	require.NoError(t, err)
	return acc, codes
}

func TestBeginEnrollment_StoresPendingSecret(t *testing.T) {
	svc, _ := newTestService()
	acc := &repository.Account{ID: uuid.New(), Email: "bob@example.com"}

	enr, err := svc.BeginEnrollment(acc)
	require.NoError(t, err)
	require.NotNil(t, acc.TwoFactorSecret)
	assert.Equal(t, enr.Secret, *acc.TwoFactorSecret)
	assert.False(t, acc.TwoFactorEnabled)
	assert.True(t, acc.TwoFactorPending())
	assert.True(t, strings.HasPrefix(enr.ProvisioningURI, "otpauth://totp/"))
	assert.Contains(t, enr.ProvisioningURI, "issuer=AuthGate")
}

func TestConfirmEnrollment(t *testing.T) {
	svc, clock := newTestService()
	acc, codes := enrolledAccount(t, svc, clock)

	assert.True(t, acc.TwoFactorEnabled)
	require.Len(t, codes, BackupCodeCount)
	require.Len(t, acc.BackupCodes, BackupCodeCount)
	for i, c := range codes {
		assert.Regexp(t, `^[A-HJ-NP-Z2-9]{4}-[A-HJ-NP-Z2-9]{4}$`, c)
		// only hashes are stored
		assert.NotContains(t, acc.BackupCodes[i].Hash, strings.ReplaceAll(c, "-", ""))
		assert.Len(t, acc.BackupCodes[i].Hash, 64)
	}

	_, err := svc.ConfirmEnrollment(acc, codeAt(t, *acc.TwoFactorSecret, clock.t))
	assert.ErrorIs(t, err, ErrAlreadyEnabled)
}

func TestConfirmEnrollment_WrongCode(t *testing.T) {
	svc, clock := newTestService()
	acc := &repository.Account{ID: uuid.New(), Email: "bob@example.com"}
	enr, err := svc.BeginEnrollment(acc)
	require.NoError(t, err)

	stale := codeAt(t, enr.Secret, clock.t.Add(-10*time.Minute))
	_, err = svc.ConfirmEnrollment(acc, stale)
	assert.ErrorIs(t, err, ErrInvalidCode)
	assert.False(t, acc.TwoFactorEnabled)

	_, err = svc.ConfirmEnrollment(acc, "12ab")
	assert.ErrorIs(t, err, ErrMalformedCode)
}

func TestConfirmEnrollment_NotStarted(t *testing.T) {
	svc, _ := newTestService()
	_, err := svc.ConfirmEnrollment(&repository.Account{ID: uuid.New()}, "123456")
	assert.ErrorIs(t, err, ErrNotEnrolled)
}

func TestChallenge_SkewWindow(t *testing.T) {
	svc, clock := newTestService()
	acc, _ := enrolledAccount(t, svc, clock)
	issued := clock.t
	code := codeAt(t, *acc.TwoFactorSecret, issued)

	for _, offset := range []time.Duration{0, 30 * time.Second, -30 * time.Second, 60 * time.Second} {
		clock.t = issued.Add(offset)
		method, err := svc.Challenge(acc, code)
		require.NoError(t, err, "offset %v", offset)
		assert.Equal(t, MethodTOTP, method)
	}

	clock.t = issued.Add(180 * time.Second)
	_, err := svc.Challenge(acc, code)
	assert.ErrorIs(t, err, ErrInvalidCode)
}

// Property: a code generated at t verifies at t±30s and never at t+180s.
func TestProperty_TOTPAcceptanceWindow(t *testing.T) {
	svc, clock := newTestService()
	acc, _ := enrolledAccount(t, svc, clock)
	secret := *acc.TwoFactorSecret

	rapid.Check(t, func(rt *rapid.T) {
		at := time.Unix(rapid.Int64Range(1_600_000_000, 2_000_000_000).Draw(rt, "unix"), 0).UTC()
		code, err := totp.GenerateCodeCustom(secret, at, validateOpts())
		if err != nil {
			rt.Fatalf("generate: %v", err)
		}

		for _, offset := range []time.Duration{0, 30 * time.Second, -30 * time.Second} {
			clock.t = at.Add(offset)
			if _, err := svc.Challenge(acc, code); err != nil {
				rt.Fatalf("code rejected at offset %v: %v", offset, err)
			}
		}

		clock.t = at.Add(180 * time.Second)
		for k := -Skew; k <= Skew; k++ {
			near, _ := totp.GenerateCodeCustom(secret, clock.t.Add(time.Duration(k*Period)*time.Second), validateOpts())
			if near == code {
				// identical codes in different steps are legitimate
				return
			}
		}
		if _, err := svc.Challenge(acc, code); !errors.Is(err, ErrInvalidCode) {
			rt.Fatalf("expected stale code to be rejected, got %v", err)
		}
	})
}

func TestChallenge_BackupCodeSingleUse(t *testing.T) {
	svc, clock := newTestService()
	acc, codes := enrolledAccount(t, svc, clock)

	method, err := svc.Challenge(acc, codes[3])
	require.NoError(t, err)
	assert.Equal(t, MethodBackupCode, method)
	assert.Equal(t, BackupCodeCount-1, RemainingBackupCodes(acc))

	_, err = svc.Challenge(acc, codes[3])
	assert.ErrorIs(t, err, ErrInvalidCode)

	// lower case without dash is the same code
	_, err = svc.Challenge(acc, strings.ToLower(strings.ReplaceAll(codes[4], "-", "")))
	assert.NoError(t, err)
}

func TestChallenge_BackupCodeBoundToAccount(t *testing.T) {
	svc, clock := newTestService()
	_, codes := enrolledAccount(t, svc, clock)
	other, _ := enrolledAccount(t, svc, clock)

	_, err := svc.Challenge(other, codes[0])
	assert.ErrorIs(t, err, ErrInvalidCode)
}

func TestChallenge_Malformed(t *testing.T) {
	svc, clock := newTestService()
	acc, _ := enrolledAccount(t, svc, clock)

	_, err := svc.Challenge(acc, "")
	assert.ErrorIs(t, err, ErrCodeRequired)
	_, err = svc.Challenge(acc, "12")
	assert.ErrorIs(t, err, ErrMalformedCode)
	_, err = svc.Challenge(acc, "TOO-LONG-CODE-X")
	assert.ErrorIs(t, err, ErrMalformedCode)
}

func TestDisable(t *testing.T) {
	svc, clock := newTestService()
	acc, _ := enrolledAccount(t, svc, clock)

	err := svc.Disable(acc, "wrong", codeAt(t, *acc.TwoFactorSecret, clock.t))
	assert.ErrorIs(t, err, ErrPasswordMismatch)

	err = svc.Disable(acc, "Passw0rd!", "")
	assert.ErrorIs(t, err, ErrCodeRequired)
	assert.True(t, acc.TwoFactorEnabled)

	err = svc.Disable(acc, "Passw0rd!", codeAt(t, *acc.TwoFactorSecret, clock.t))
	require.NoError(t, err)
	assert.False(t, acc.TwoFactorEnabled)
	assert.Nil(t, acc.TwoFactorSecret)
	assert.Empty(t, acc.BackupCodes)
}

func TestDisable_PendingNeedsOnlyPassword(t *testing.T) {
	svc, _ := newTestService()
	acc := &repository.Account{ID: uuid.New(), Email: "bob@example.com"}
	_, err := svc.BeginEnrollment(acc)
	require.NoError(t, err)

	require.NoError(t, svc.Disable(acc, "Passw0rd!", ""))
	assert.Nil(t, acc.TwoFactorSecret)
}

func TestRegenerateBackupCodes(t *testing.T) {
	svc, clock := newTestService()
	acc, old := enrolledAccount(t, svc, clock)

	_, err := svc.RegenerateBackupCodes(acc, old[0])
	assert.ErrorIs(t, err, ErrMalformedCode, "backup codes cannot authorise regeneration")

	fresh, err := svc.RegenerateBackupCodes(acc, codeAt(t, *acc.TwoFactorSecret, clock.t))
	require.NoError(t, err)
	assert.Len(t, fresh, BackupCodeCount)

	_, err = svc.Challenge(acc, old[1])
	assert.ErrorIs(t, err, ErrInvalidCode)
	_, err = svc.Challenge(acc, fresh[1])
	assert.NoError(t, err)
}
