package auth

import (
	"context"
	"log/slog"

	"github.com/google/uuid"

	appctx "github.com/welldanyogia/authgate/internal/context"
	"github.com/welldanyogia/authgate/internal/events"
	"github.com/welldanyogia/authgate/internal/logger"
	"github.com/welldanyogia/authgate/internal/repository"
	"github.com/welldanyogia/authgate/internal/twofactor"
)

// SetupTwoFactor issues a new TOTP secret. 2FA stays off until the first
// code is confirmed.
func (s *AuthService) SetupTwoFactor(ctx context.Context, id appctx.Identity) (*twofactor.Enrollment, error) {
	var enrollment *twofactor.Enrollment
	err := s.mutate(ctx, id, func(a *repository.Account) error {
		var err error
		enrollment, err = s.twoFactor.BeginEnrollment(a)
		return err
	})
	if err != nil {
		return nil, err
	}
	return enrollment, nil
}

// ConfirmTwoFactor enables 2FA and returns the plaintext backup codes. They
// are never shown again.
func (s *AuthService) ConfirmTwoFactor(ctx context.Context, id appctx.Identity, req TwoFactorCodeRequest) ([]string, error) {
	if err := validateRequest(req, "", ""); err != nil {
		return nil, err
	}

	var codes []string
	err := s.mutate(ctx, id, func(a *repository.Account) error {
		var err error
		codes, err = s.twoFactor.ConfirmEnrollment(a, req.Token)
		return err
	})
	if err != nil {
		return nil, err
	}

	s.publish(ctx, events.TypeTwoFactorEnabled, id.AccountID, events.TwoFactorChangedEvent{BackupCodes: len(codes)})
	logger.WithCorrelationID(ctx, s.logger).Info("two-factor authentication enabled", slog.String("account_id", id.AccountID))
	return codes, nil
}

// DisableTwoFactor turns 2FA off after re-checking the password and a code
func (s *AuthService) DisableTwoFactor(ctx context.Context, id appctx.Identity, req DisableTwoFactorRequest) error {
	if err := validateRequest(req, "", ""); err != nil {
		return err
	}

	var wasEnabled bool
	err := s.mutate(ctx, id, func(a *repository.Account) error {
		wasEnabled = a.TwoFactorEnabled
		return s.twoFactor.Disable(a, req.Password, req.Token)
	})
	if err != nil {
		return err
	}

	if wasEnabled {
		s.publish(ctx, events.TypeTwoFactorDisabled, id.AccountID, events.TwoFactorChangedEvent{})
	}
	logger.WithCorrelationID(ctx, s.logger).Info("two-factor authentication disabled", slog.String("account_id", id.AccountID))
	return nil
}

// RegenerateBackupCodes replaces every backup code after a TOTP check
func (s *AuthService) RegenerateBackupCodes(ctx context.Context, id appctx.Identity, req TwoFactorCodeRequest) ([]string, error) {
	if err := validateRequest(req, "", ""); err != nil {
		return nil, err
	}

	var codes []string
	err := s.mutate(ctx, id, func(a *repository.Account) error {
		var err error
		codes, err = s.twoFactor.RegenerateBackupCodes(a, req.Token)
		return err
	})
	if err != nil {
		return nil, err
	}
	return codes, nil
}

// mutate runs fn against the caller's account inside an update
func (s *AuthService) mutate(ctx context.Context, id appctx.Identity, fn repository.MutateFunc) error {
	accountID, err := uuid.Parse(id.AccountID)
	if err != nil {
		return repository.ErrAccountNotFound
	}
	_, err = s.updateAccount(ctx, accountID, fn)
	return err
}
