package auth

import (
	"context"
	"errors"
	"log/slog"

	"github.com/google/uuid"

	appctx "github.com/welldanyogia/authgate/internal/context"
	"github.com/welldanyogia/authgate/internal/events"
	"github.com/welldanyogia/authgate/internal/logger"
	"github.com/welldanyogia/authgate/internal/notify"
	"github.com/welldanyogia/authgate/internal/repository"
	"github.com/welldanyogia/authgate/internal/verification"
)

// Me returns the profile of the authenticated account
func (s *AuthService) Me(ctx context.Context, id appctx.Identity) (*UserResponse, error) {
	account, err := s.loadAccount(ctx, id.AccountID)
	if err != nil {
		return nil, err
	}
	user := newUserResponse(account)
	return &user, nil
}

// VerifyEmail marks the account behind a valid emailed code as verified
func (s *AuthService) VerifyEmail(ctx context.Context, req VerifyEmailRequest) error {
	if err := validateRequest(req, "", ""); err != nil {
		return err
	}
	email := normalizeEmail(req.Email)

	accountID, err := s.verifier.VerifyEmailCode(ctx, email, req.Code)
	if err != nil {
		return verificationError(err, ErrInvalidVerification)
	}
	id, err := uuid.Parse(accountID)
	if err != nil {
		return ErrInvalidVerification
	}

	_, err = s.updateAccount(ctx, id, func(a *repository.Account) error {
		if a.Email != email {
			return ErrInvalidVerification
		}
		a.EmailVerified = true
		return nil
	})
	if errors.Is(err, repository.ErrAccountNotFound) {
		return ErrInvalidVerification
	}
	if err != nil {
		return err
	}

	logger.WithCorrelationID(ctx, s.logger).Info("email verified", slog.String("account_id", accountID))
	return nil
}

// ResendVerification issues a fresh code for an unverified account. It
// succeeds silently for unknown or already verified addresses.
func (s *AuthService) ResendVerification(ctx context.Context, req EmailRequest) error {
	if err := validateRequest(req, "", ""); err != nil {
		return err
	}
	account, err := s.accounts.GetByEmail(ctx, normalizeEmail(req.Email))
	if errors.Is(err, repository.ErrAccountNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if account.EmailVerified {
		return nil
	}
	return s.sendVerificationCode(ctx, account)
}

// ForgotPassword starts a password reset. Unknown addresses get the same
// response as known ones.
func (s *AuthService) ForgotPassword(ctx context.Context, req EmailRequest) error {
	if err := validateRequest(req, "", ""); err != nil {
		return err
	}
	account, err := s.accounts.GetByEmail(ctx, normalizeEmail(req.Email))
	if errors.Is(err, repository.ErrAccountNotFound) {
		return nil
	}
	if err != nil {
		return err
	}

	challenge, err := s.verifier.IssueReset(ctx, account.ID.String())
	if err != nil {
		return err
	}
	s.send(notify.Message{
		Kind:      notify.KindPasswordReset,
		AccountID: account.ID.String(),
		Email:     account.Email,
		Subject:   "Reset your password",
		Data: map[string]string{
			"token":      challenge.Token,
			"code":       challenge.Code,
			"expires_in": verification.ResetTTL.String(),
		},
	})

	logger.WithCorrelationID(ctx, s.logger).Info("password reset requested", slog.String("account_id", account.ID.String()))
	return nil
}

// ResetPassword sets a new password from a reset challenge. Every session
// is revoked, any lockout is cleared and the email address counts as
// verified.
func (s *AuthService) ResetPassword(ctx context.Context, req ResetPasswordRequest) error {
	if err := validateRequest(req, "newPassword", req.NewPassword); err != nil {
		return err
	}

	accountID, err := s.verifier.ConsumeReset(ctx, req.Token, req.Code)
	if err != nil {
		return verificationError(err, ErrInvalidResetChallenge)
	}
	id, err := uuid.Parse(accountID)
	if err != nil {
		return ErrInvalidResetChallenge
	}

	hash, err := s.guard.Hash(req.NewPassword)
	if err != nil {
		return err
	}

	var (
		revoked     int
		wasVerified bool
	)
	updated, err := s.updateAccount(ctx, id, func(a *repository.Account) error {
		a.PasswordHash = hash
		s.guard.Reset(a)
		revoked = s.sessions.RevokeAll(a)
		// the reset code arrived by email, which proves the address
		wasVerified = a.EmailVerified
		a.EmailVerified = true
		return nil
	})
	if errors.Is(err, repository.ErrAccountNotFound) {
		return ErrInvalidResetChallenge
	}
	if err != nil {
		return err
	}
	if !wasVerified {
		if err := s.verifier.CancelEmailCode(ctx, updated.Email); err != nil {
			logger.WithCorrelationID(ctx, s.logger).Warn("failed to drop pending verification code",
				slog.String("account_id", accountID),
				slog.String("error", err.Error()),
			)
		}
	}

	s.publish(ctx, events.TypePasswordReset, accountID, events.PasswordResetEvent{SessionsRevoked: revoked})
	logger.WithCorrelationID(ctx, s.logger).Info("password reset",
		slog.String("account_id", accountID),
		slog.Int("sessions_revoked", revoked),
	)
	return nil
}

func (s *AuthService) sendVerificationCode(ctx context.Context, a *repository.Account) error {
	code, err := s.verifier.IssueEmailCode(ctx, a.Email, a.ID.String())
	if err != nil {
		return err
	}
	s.send(notify.Message{
		Kind:      notify.KindEmailVerification,
		AccountID: a.ID.String(),
		Email:     a.Email,
		Subject:   "Verify your email address",
		Data: map[string]string{
			"code":       code,
			"expires_in": verification.CodeTTL.String(),
		},
	})
	return nil
}

// verificationError maps a verification store failure. An unavailable
// store surfaces as is; any other failure becomes invalid.
func verificationError(err, invalid error) error {
	if errors.Is(err, verification.ErrUnavailable) {
		return err
	}
	return invalid
}
