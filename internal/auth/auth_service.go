package auth

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/welldanyogia/authgate/internal/archive"
	appctx "github.com/welldanyogia/authgate/internal/context"
	"github.com/welldanyogia/authgate/internal/credential"
	"github.com/welldanyogia/authgate/internal/events"
	"github.com/welldanyogia/authgate/internal/logger"
	"github.com/welldanyogia/authgate/internal/metrics"
	"github.com/welldanyogia/authgate/internal/notify"
	"github.com/welldanyogia/authgate/internal/repository"
	"github.com/welldanyogia/authgate/internal/session"
	"github.com/welldanyogia/authgate/internal/token"
	"github.com/welldanyogia/authgate/internal/twofactor"
	"github.com/welldanyogia/authgate/internal/verification"
)

const (
	archiveTimeout      = 30 * time.Second
	defaultHistoryLimit = 20
	defaultEventLimit   = 50
)

// EventLog publishes security events and reads back the recent ones
type EventLog interface {
	events.Bus
	Recent(accountID string, limit int) ([]events.Event, error)
}

// SessionObserver is told when sessions of an account end, whether by
// logout, revocation, eviction or pruning
type SessionObserver interface {
	SessionsEnded(accountID string, sessionIDs []string)
}

// MessageSender queues a user-facing notification without blocking
type MessageSender interface {
	Send(msg notify.Message) bool
}

// Deps holds the collaborators of the auth service
type Deps struct {
	Accounts     repository.AccountRepository
	Tokens       *token.Service
	Guard        *credential.Guard
	TwoFactor    *twofactor.Service
	Sessions     *session.Registry
	Verification *verification.Service
	Events       EventLog
	Notifier     MessageSender
	// Archiver receives login-history entries evicted from the ring.
	// Nil disables archival.
	Archiver archive.Archiver
	// SessionObserver may be nil
	SessionObserver SessionObserver
	Logger          *slog.Logger
}

// AuthService handles authentication business logic
type AuthService struct {
	accounts  repository.AccountRepository
	tokens    *token.Service
	guard     *credential.Guard
	twoFactor *twofactor.Service
	sessions  *session.Registry
	verifier  *verification.Service
	events    EventLog
	notifier  MessageSender
	archiver  archive.Archiver
	observer  SessionObserver
	logger    *slog.Logger
	now       func() time.Time

	archiving sync.WaitGroup
}

// NewAuthService creates a new AuthService instance
func NewAuthService(deps Deps) *AuthService {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Archiver == nil {
		deps.Archiver = archive.NopArchiver{}
	}
	if deps.Events == nil {
		deps.Events = events.NewEventBus(events.NewEventStore(0), deps.Logger)
	}
	return &AuthService{
		accounts:  deps.Accounts,
		tokens:    deps.Tokens,
		guard:     deps.Guard,
		twoFactor: deps.TwoFactor,
		sessions:  deps.Sessions,
		verifier:  deps.Verification,
		events:    deps.Events,
		notifier:  deps.Notifier,
		archiver:  deps.Archiver,
		observer:  deps.SessionObserver,
		logger:    deps.Logger,
		now:       time.Now,
	}
}

// SetClock replaces the time source used for event timestamps. Tests only.
func (s *AuthService) SetClock(now func() time.Time) {
	s.now = now
}

// Close waits for in-flight history archival to finish
func (s *AuthService) Close() {
	s.archiving.Wait()
}

// updateAccount runs fn in one account update and, once it commits, reports
// the sessions fn removed
func (s *AuthService) updateAccount(ctx context.Context, id uuid.UUID, fn repository.MutateFunc) (*repository.Account, error) {
	var ended []string
	updated, err := s.accounts.Update(ctx, id, func(a *repository.Account) error {
		before := make([]string, 0, len(a.Sessions))
		for _, sess := range a.Sessions {
			before = append(before, sess.ID)
		}
		if err := fn(a); err != nil {
			return err
		}
		ended = endedSessions(before, a.Sessions)
		return nil
	})
	if err != nil {
		return nil, err
	}
	if len(ended) > 0 && s.observer != nil {
		s.observer.SessionsEnded(id.String(), ended)
	}
	return updated, nil
}

func endedSessions(before []string, after []repository.Session) []string {
	kept := make(map[string]bool, len(after))
	for _, sess := range after {
		kept[sess.ID] = true
	}
	var ended []string
	for _, id := range before {
		if !kept[id] {
			ended = append(ended, id)
		}
	}
	return ended
}

// SessionActive reports whether sessionID is still an active session of
// the account
func (s *AuthService) SessionActive(ctx context.Context, accountID, sessionID string) (bool, error) {
	account, err := s.loadAccount(ctx, accountID)
	if errors.Is(err, repository.ErrAccountNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return s.sessions.Has(account, sessionID), nil
}

// Register creates an unverified account and sends its verification code
func (s *AuthService) Register(ctx context.Context, req RegisterRequest) (*RegisterResponse, error) {
	if err := validateRequest(req, "password", req.Password); err != nil {
		return nil, err
	}

	email := normalizeEmail(req.Email)
	firstName, lastName := sanitizeName(req.FirstName), sanitizeName(req.LastName)
	details := make(map[string][]string)
	if firstName == "" {
		details["firstName"] = []string{"is required"}
	}
	if lastName == "" {
		details["lastName"] = []string{"is required"}
	}
	if len(details) > 0 {
		return nil, validationError(details)
	}

	exists, err := s.accounts.EmailExists(ctx, email)
	if err != nil {
		return nil, err
	}
	if exists {
		return nil, ErrEmailExists
	}

	hash, err := s.guard.Hash(req.Password)
	if err != nil {
		return nil, err
	}

	account := &repository.Account{
		Email:        email,
		PasswordHash: hash,
		FirstName:    firstName,
		LastName:     lastName,
		Role:         repository.RoleUser,
	}
	if err := s.accounts.Create(ctx, account); err != nil {
		if errors.Is(err, repository.ErrEmailAlreadyExists) {
			return nil, ErrEmailExists
		}
		return nil, err
	}

	log := logger.WithCorrelationID(ctx, s.logger)
	log.Info("account registered", slog.String("account_id", account.ID.String()))
	if err := s.sendVerificationCode(ctx, account); err != nil {
		// the account exists; the user can ask for a new code
		log.Warn("failed to issue verification code",
			slog.String("account_id", account.ID.String()),
			slog.String("error", err.Error()),
		)
	}

	return &RegisterResponse{User: newUserResponse(account), RequiresVerification: true}, nil
}

// Login runs the login state machine: lockout, password, email
// verification, then the second factor. The checks, the new session and the
// token pair share one account update, so a cancelled login changes nothing.
// Failure counters are persisted when the attempt is rejected.
func (s *AuthService) Login(ctx context.Context, req LoginRequest, client ClientContext) (*LoginResponse, error) {
	if err := validateRequest(req, "", ""); err != nil {
		return nil, err
	}
	email := normalizeEmail(req.Email)

	account, err := s.accounts.GetByEmail(ctx, email)
	if errors.Is(err, repository.ErrAccountNotFound) {
		s.guard.CompareDummy(req.Password)
		metrics.LoginAttemptsTotal.WithLabelValues(string(StateAnonymous)).Inc()
		return nil, credential.ErrInvalidCredentials
	}
	if err != nil {
		return nil, err
	}

	// location lookups happen before the row is locked
	draft := s.sessions.Prepare(ctx, session.RequestContext{
		UserAgent: client.UserAgent,
		IPAddress: client.IPAddress,
		Latitude:  req.Latitude,
		Longitude: req.Longitude,
	})
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var (
		state      LoginState
		method     twofactor.Method
		outcome    error
		attached   session.AttachResult
		pair       *token.Pair
		hadHistory bool
	)
	updated, err := s.updateAccount(ctx, account.ID, func(a *repository.Account) error {
		state, method, outcome = s.evaluateLogin(a, req)
		if state != StateAuthenticated {
			return nil
		}
		hadHistory = len(a.LoginHistory) > 0
		attached = s.sessions.Attach(a, draft)

		var err error
		pair, err = s.tokens.Issue(token.Subject{
			AccountID: a.ID.String(),
			Role:      a.Role,
			SessionID: attached.Session.ID,
		}, client.Binding())
		return err
	})
	if err != nil {
		return nil, err
	}
	s.observeLogin(ctx, account, state, method, outcome, client)

	switch state {
	case StateAuthenticated:
	case StateTwoFactorPending:
		return &LoginResponse{State: state, TwoFactorRequired: true}, nil
	default:
		return nil, outcome
	}

	metrics.SessionsCreatedTotal.Inc()
	s.archiveHistory(updated.ID.String(), attached.Evicted)

	if attached.NewDevice && hadHistory {
		s.publish(ctx, events.TypeNewDeviceLogin, updated.ID.String(), events.NewDeviceLoginEvent{
			SessionID: attached.Session.ID,
			Device:    attached.Session.Device.Label,
			IPAddress: attached.Session.IPAddress,
			Location:  describeLocation(attached.Session.Location),
		})
	}

	user := newUserResponse(updated)
	return &LoginResponse{
		State:        StateAuthenticated,
		AccessToken:  pair.AccessToken,
		RefreshToken: pair.RefreshToken,
		ExpiresIn:    pair.ExpiresIn,
		TokenType:    "Bearer",
		SessionID:    attached.Session.ID,
		User:         &user,
	}, nil
}

// evaluateLogin advances one login attempt against a locked account record
func (s *AuthService) evaluateLogin(a *repository.Account, req LoginRequest) (LoginState, twofactor.Method, error) {
	if err := s.guard.VerifyPassword(a, req.Password); err != nil {
		if isLocked(err) {
			return StateAccountLocked, "", err
		}
		return StateAnonymous, "", err
	}

	if !a.EmailVerified {
		s.guard.Reset(a)
		return StateEmailUnverified, "", ErrEmailUnverified
	}

	if !a.TwoFactorEnabled {
		s.guard.Reset(a)
		return StateAuthenticated, "", nil
	}

	if strings.TrimSpace(req.TwoFactorToken) == "" {
		return StateTwoFactorPending, "", nil
	}

	method, err := s.twoFactor.Challenge(a, req.TwoFactorToken)
	switch {
	case err == nil:
		s.guard.Reset(a)
		return StateAuthenticated, method, nil
	case errors.Is(err, twofactor.ErrMalformedCode):
		return StateCredentialsSubmitted, "", err
	}

	if err := s.guard.RecordFailure(a); isLocked(err) {
		return StateAccountLocked, "", err
	}
	return StateCredentialsSubmitted, "", ErrInvalidTwoFactorCode
}

func (s *AuthService) observeLogin(ctx context.Context, a *repository.Account, state LoginState, method twofactor.Method, outcome error, client ClientContext) {
	log := logger.WithCorrelationID(ctx, s.logger).With(
		slog.String("account_id", a.ID.String()),
		slog.String("ip", client.IPAddress),
	)
	metrics.LoginAttemptsTotal.WithLabelValues(string(state)).Inc()

	switch {
	case method != "":
		metrics.TwoFactorChallengesTotal.WithLabelValues(string(method)).Inc()
	case errors.Is(outcome, ErrInvalidTwoFactorCode), errors.Is(outcome, twofactor.ErrMalformedCode):
		metrics.TwoFactorChallengesTotal.WithLabelValues("invalid").Inc()
	}

	var locked *credential.LockedError
	if errors.As(outcome, &locked) && locked.Triggered {
		metrics.AccountLockoutsTotal.Inc()
		log.Warn("account locked after repeated failures", slog.Time("locked_until", locked.Until))
		s.publish(ctx, events.TypeAccountLocked, a.ID.String(), events.AccountLockedEvent{
			LockedUntil: locked.Until,
			Attempts:    s.guard.Policy().MaxFailures,
			IPAddress:   client.IPAddress,
		})
		return
	}

	switch state {
	case StateAuthenticated:
		log.Info("login succeeded", slog.String("second_factor", string(method)))
	case StateTwoFactorPending:
		log.Debug("login awaiting second factor")
	default:
		log.Info("login rejected", slog.String("state", string(state)))
	}
}

// Authenticate verifies an access token and checks that its session is
// still active. The returned identity carries the account's current role.
func (s *AuthService) Authenticate(ctx context.Context, raw string, bc token.BindingContext) (appctx.Identity, error) {
	id, err := s.tokens.Verify(ctx, raw, bc)
	if err != nil {
		metrics.TokenVerificationsTotal.WithLabelValues(verificationResult(err)).Inc()
		return appctx.Identity{}, err
	}

	account, err := s.loadAccount(ctx, id.AccountID)
	if err != nil {
		if errors.Is(err, repository.ErrAccountNotFound) {
			err = ErrSessionRevoked
		}
		metrics.TokenVerificationsTotal.WithLabelValues(verificationResult(err)).Inc()
		return appctx.Identity{}, err
	}
	if !s.sessions.Has(account, id.SessionID) {
		metrics.TokenVerificationsTotal.WithLabelValues(verificationResult(ErrSessionRevoked)).Inc()
		return appctx.Identity{}, ErrSessionRevoked
	}

	if s.sessions.NeedsTouch(account, id.SessionID) {
		_, err := s.updateAccount(ctx, account.ID, func(a *repository.Account) error {
			s.sessions.Touch(a, id.SessionID)
			return nil
		})
		if err != nil {
			logger.WithCorrelationID(ctx, s.logger).Warn("failed to record session activity",
				slog.String("session_id", id.SessionID),
				slog.String("error", err.Error()),
			)
		}
	}

	id.Role = account.Role
	metrics.TokenVerificationsTotal.WithLabelValues("valid").Inc()
	return id, nil
}

// Refresh rotates a refresh token. Presenting an already rotated token ends
// the session it belonged to.
func (s *AuthService) Refresh(ctx context.Context, req RefreshRequest, client ClientContext) (*TokenResponse, error) {
	if err := validateRequest(req, "", ""); err != nil {
		return nil, err
	}

	pair, err := s.tokens.Refresh(ctx, req.RefreshToken, client.Binding(), s.lookupSubject)
	if err != nil {
		if errors.Is(err, token.ErrTokenRevoked) {
			s.handleRefreshReuse(ctx, req.RefreshToken, client)
		}
		return nil, err
	}
	return newTokenResponse(pair), nil
}

// lookupSubject re-reads the account behind a refresh token
func (s *AuthService) lookupSubject(ctx context.Context, sub token.Subject) (token.Subject, error) {
	account, err := s.loadAccount(ctx, sub.AccountID)
	if err != nil {
		if errors.Is(err, repository.ErrAccountNotFound) {
			return token.Subject{}, ErrSessionRevoked
		}
		return token.Subject{}, err
	}
	if !s.sessions.Has(account, sub.SessionID) {
		return token.Subject{}, ErrSessionRevoked
	}
	sub.Role = account.Role
	return sub, nil
}

func (s *AuthService) handleRefreshReuse(ctx context.Context, raw string, client ClientContext) {
	sub, err := s.tokens.SubjectOf(raw)
	if err != nil {
		return
	}
	id, err := uuid.Parse(sub.AccountID)
	if err != nil {
		return
	}

	log := logger.WithCorrelationID(ctx, s.logger).With(
		slog.String("account_id", sub.AccountID),
		slog.String("session_id", sub.SessionID),
	)
	log.Warn("rotated refresh token presented again", slog.String("ip", client.IPAddress))

	_, err = s.updateAccount(ctx, id, func(a *repository.Account) error {
		return s.sessions.Revoke(a, sub.SessionID)
	})
	if err != nil && !errors.Is(err, session.ErrSessionNotFound) {
		log.Error("failed to revoke session after refresh token reuse", slog.String("error", err.Error()))
	}

	s.publish(ctx, events.TypeRefreshTokenReuse, sub.AccountID, events.RefreshTokenReuseEvent{
		SessionID: sub.SessionID,
		IPAddress: client.IPAddress,
	})
}

// Logout revokes the calling access token, the optional refresh token and
// the session itself.
func (s *AuthService) Logout(ctx context.Context, id appctx.Identity, rawAccess string, req LogoutRequest) error {
	if rawAccess != "" {
		if err := s.tokens.Revoke(ctx, rawAccess); err != nil {
			return err
		}
	}

	if req.RefreshToken != "" {
		// only the caller's own refresh token is honoured
		if sub, err := s.tokens.SubjectOf(req.RefreshToken); err == nil && sub.AccountID == id.AccountID {
			if err := s.tokens.Revoke(ctx, req.RefreshToken); err != nil {
				return err
			}
		}
	}

	accountID, err := uuid.Parse(id.AccountID)
	if err != nil {
		return token.ErrTokenInvalid
	}
	_, err = s.updateAccount(ctx, accountID, func(a *repository.Account) error {
		return s.sessions.Revoke(a, id.SessionID)
	})
	if err != nil && !errors.Is(err, session.ErrSessionNotFound) {
		return err
	}

	logger.WithCorrelationID(ctx, s.logger).Info("logged out",
		slog.String("account_id", id.AccountID),
		slog.String("session_id", id.SessionID),
	)
	return nil
}

// LogoutAll revokes every session of the caller, optionally keeping the
// current one. It returns how many sessions were removed.
func (s *AuthService) LogoutAll(ctx context.Context, id appctx.Identity, rawAccess string, req LogoutAllRequest) (int, error) {
	accountID, err := uuid.Parse(id.AccountID)
	if err != nil {
		return 0, token.ErrTokenInvalid
	}

	var removed int
	_, err = s.updateAccount(ctx, accountID, func(a *repository.Account) error {
		if req.KeepCurrent {
			removed = s.sessions.RevokeAllExceptCurrent(a, id.SessionID)
		} else {
			removed = s.sessions.RevokeAll(a)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	if !req.KeepCurrent && rawAccess != "" {
		if err := s.tokens.Revoke(ctx, rawAccess); err != nil {
			return removed, err
		}
	}

	logger.WithCorrelationID(ctx, s.logger).Info("logged out of all sessions",
		slog.String("account_id", id.AccountID),
		slog.Int("revoked", removed),
		slog.Bool("kept_current", req.KeepCurrent),
	)
	return removed, nil
}

func (s *AuthService) loadAccount(ctx context.Context, accountID string) (*repository.Account, error) {
	id, err := uuid.Parse(accountID)
	if err != nil {
		return nil, repository.ErrAccountNotFound
	}
	return s.accounts.GetByID(ctx, id)
}

func (s *AuthService) publish(ctx context.Context, eventType, accountID string, payload interface{}) {
	log := logger.WithCorrelationID(ctx, s.logger)
	event, err := events.New(eventType, accountID, payload, s.now())
	if err != nil {
		log.Error("failed to build security event", slog.String("type", eventType), slog.String("error", err.Error()))
		return
	}
	if err := s.events.Publish(event); err != nil {
		log.Error("failed to publish security event", slog.String("type", eventType), slog.String("error", err.Error()))
	}
}

func (s *AuthService) send(msg notify.Message) {
	if s.notifier == nil {
		return
	}
	if !s.notifier.Send(msg) {
		s.logger.Warn("notification dropped", slog.String("kind", msg.Kind), slog.String("account_id", msg.AccountID))
	}
}

// archiveHistory ships evicted login-history entries in the background
func (s *AuthService) archiveHistory(accountID string, entries []repository.LoginRecord) {
	if len(entries) == 0 {
		return
	}
	s.archiving.Add(1)
	go func() {
		defer s.archiving.Done()
		ctx, cancel := context.WithTimeout(context.Background(), archiveTimeout)
		defer cancel()
		if err := s.archiver.Archive(ctx, accountID, entries); err != nil {
			s.logger.Warn("failed to archive login history",
				slog.String("account_id", accountID),
				slog.Int("entries", len(entries)),
				slog.String("error", err.Error()),
			)
		}
	}()
}

func isLocked(err error) bool {
	var locked *credential.LockedError
	return errors.As(err, &locked)
}

func verificationResult(err error) string {
	switch {
	case errors.Is(err, token.ErrTokenExpired):
		return "expired"
	case errors.Is(err, token.ErrTokenRevoked):
		return "revoked"
	case errors.Is(err, token.ErrBindingMismatch), errors.Is(err, token.ErrFingerprintMissing):
		return "binding_mismatch"
	case errors.Is(err, token.ErrTokenInvalid):
		return "invalid"
	case errors.Is(err, ErrSessionRevoked):
		return "session_revoked"
	}
	return "error"
}
