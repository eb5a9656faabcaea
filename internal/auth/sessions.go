package auth

import (
	"context"
	"log/slog"

	"github.com/google/uuid"

	appctx "github.com/welldanyogia/authgate/internal/context"
	"github.com/welldanyogia/authgate/internal/events"
	"github.com/welldanyogia/authgate/internal/logger"
	"github.com/welldanyogia/authgate/internal/repository"
)

// ListSessions returns the caller's active sessions, current session first.
// Idle sessions found on the way are pruned from the record.
func (s *AuthService) ListSessions(ctx context.Context, id appctx.Identity) ([]SessionResponse, error) {
	return s.listSessions(ctx, id.AccountID, id.SessionID)
}

// AccountSessions lists the sessions of any account, for owners and admins
func (s *AuthService) AccountSessions(ctx context.Context, accountID string) ([]SessionResponse, error) {
	return s.listSessions(ctx, accountID, "")
}

func (s *AuthService) listSessions(ctx context.Context, accountID, currentID string) ([]SessionResponse, error) {
	account, err := s.loadAccount(ctx, accountID)
	if err != nil {
		return nil, err
	}

	before := len(account.Sessions)
	list := s.sessions.List(account, currentID)
	if len(list) < before {
		_, err := s.updateAccount(ctx, account.ID, func(a *repository.Account) error {
			s.sessions.Prune(a)
			return nil
		})
		if err != nil {
			logger.WithCorrelationID(ctx, s.logger).Warn("failed to prune idle sessions",
				slog.String("account_id", accountID),
				slog.String("error", err.Error()),
			)
		}
	}
	return newSessionResponses(list, currentID), nil
}

// RevokeSession ends one of the caller's sessions. Access tokens issued to
// that session stop verifying immediately.
func (s *AuthService) RevokeSession(ctx context.Context, id appctx.Identity, sessionID string) error {
	return s.revokeSession(ctx, id.AccountID, sessionID)
}

// RevokeAccountSession ends a session of any account, for owners and admins
func (s *AuthService) RevokeAccountSession(ctx context.Context, accountID, sessionID string) error {
	return s.revokeSession(ctx, accountID, sessionID)
}

func (s *AuthService) revokeSession(ctx context.Context, accountID, sessionID string) error {
	parsed, err := uuid.Parse(accountID)
	if err != nil {
		return repository.ErrAccountNotFound
	}
	_, err = s.updateAccount(ctx, parsed, func(a *repository.Account) error {
		return s.sessions.Revoke(a, sessionID)
	})
	if err != nil {
		return err
	}

	logger.WithCorrelationID(ctx, s.logger).Info("session revoked",
		slog.String("account_id", accountID),
		slog.String("session_id", sessionID),
	)
	return nil
}

// LoginHistory returns up to limit recent logins, newest first
func (s *AuthService) LoginHistory(ctx context.Context, id appctx.Identity, limit int) ([]LoginRecordResponse, error) {
	if limit <= 0 {
		limit = defaultHistoryLimit
	}
	account, err := s.loadAccount(ctx, id.AccountID)
	if err != nil {
		return nil, err
	}
	return newLoginRecordResponses(s.sessions.History(account, limit)), nil
}

// SecurityEvents returns up to limit recent security events of the caller
func (s *AuthService) SecurityEvents(ctx context.Context, id appctx.Identity, limit int) ([]events.Event, error) {
	if limit <= 0 || limit > defaultEventLimit {
		limit = defaultEventLimit
	}
	recent, err := s.events.Recent(id.AccountID, limit)
	if err != nil {
		return nil, err
	}
	if recent == nil {
		recent = []events.Event{}
	}
	return recent, nil
}
